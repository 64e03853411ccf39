package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/temple-erp/temple-erp/internal/rbac"
	"github.com/temple-erp/temple-erp/internal/shared"
)

var fixedNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type tokenResolver map[string]shared.Actor

func (t tokenResolver) Resolve(ctx context.Context, token string) (shared.Actor, error) {
	actor, ok := t[token]
	if !ok {
		return shared.Actor{}, shared.ErrSessionNotFound
	}
	return actor, nil
}

type countingLocks struct {
	keys []string
}

func (l *countingLocks) WithLock(ctx context.Context, kind string, id int64, fn func(context.Context) error) error {
	l.keys = append(l.keys, shared.AggregateLockKey(kind, id))
	return fn(ctx)
}

func TestHandlerDeliveryFlow(t *testing.T) {
	f := newFixture(t)
	locks := &countingLocks{}
	mw := rbac.Middleware{Resolver: tokenResolver{"clerk": clerk, "store": storekeep}}
	h := NewHandler(slog.New(slog.DiscardHandler), f.svc, locks, mw)
	router := chi.NewRouter()
	router.Use(mw.Authenticate)
	h.MountRoutes(router)

	call := func(method, path, token, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := call(http.MethodPost, "/delivery-orders", "clerk", `{"sales_order_id":1,"warehouse_id":2}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var do DeliveryOrder
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &do))

	path := "/delivery-orders/" + strconv.FormatInt(do.ID, 10)
	rec = call(http.MethodPost, path+"/complete", "clerk", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(http.MethodPost, path+"/complete", "store", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = call(http.MethodPost, path+"/submit", "clerk", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(http.MethodPost, path+"/complete", "store", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(http.MethodDelete, path, "clerk", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = call(http.MethodPost, path+"/cancel", "clerk", `{"reason":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Contains(t, locks.keys, shared.AggregateLockKey("sales_order", 1))
	require.Contains(t, locks.keys, shared.AggregateLockKey(doEntity, do.ID))
}
