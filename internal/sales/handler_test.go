package sales

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
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

type directLocks struct{}

func (directLocks) WithLock(ctx context.Context, kind string, id int64, fn func(context.Context) error) error {
	return fn(ctx)
}

func newTestRouter(svc *Service) http.Handler {
	mw := rbac.Middleware{Resolver: tokenResolver{
		"seller": seller,
		"viewer": {ID: 9, Role: rbac.RoleViewer},
	}}
	h := NewHandler(slog.New(slog.DiscardHandler), svc, directLocks{}, mw)
	r := chi.NewRouter()
	r.Use(mw.Authenticate)
	h.MountRoutes(r)
	return r
}

func doRequest(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCreateAndConfirm(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil)
	svc.now = func() time.Time { return fixedNow }
	router := newTestRouter(svc)

	rec := doRequest(t, router, http.MethodPost, "/sales-orders", "seller",
		`{"customer_name":"Ibu Sari","items":[{"kind":"PACKAGE","product_id":4,"stock_tracked":true,"qty":2}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var order SalesOrder
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	require.Equal(t, OrderStatusDraft, order.Status)

	rec = doRequest(t, router, http.MethodPost, "/sales-orders/1/confirm", "viewer", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/sales-orders/1/confirm", "seller", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/sales-orders/1/confirm", "seller", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/sales-orders/99", "seller", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerRejectsInvalidBody(t *testing.T) {
	router := newTestRouter(NewService(newMemoryRepo(), nil))

	rec := doRequest(t, router, http.MethodPost, "/sales-orders", "seller", `{"customer_name":"","items":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/sales-orders/1/cancel", "seller", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
