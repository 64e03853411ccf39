package rbac

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/temple-erp/temple-erp/internal/shared"
)

func TestCapabilitiesFor(t *testing.T) {
	require.True(t, CapabilitiesFor(RoleSuperAdmin).Has(CapPOApprove))
	require.True(t, CapabilitiesFor(RoleAdmin).Has(CapDeliveryDelete))
	require.True(t, CapabilitiesFor(RoleAccountant).Has(CapPaymentApprove))
	require.False(t, CapabilitiesFor(RoleAccountant).Has(CapPOApprove))
	require.False(t, CapabilitiesFor(RoleViewer).Has(CapPOSubmit))
	require.Empty(t, CapabilitiesFor("JANITOR"))

	err := Require(shared.Actor{ID: 1, Role: RoleSales}, CapPOApprove)
	require.ErrorIs(t, err, shared.ErrForbidden)
	require.NoError(t, Require(shared.Actor{ID: 1, Role: RolePurchaseManager}, CapPOApprove))
}

func TestMiddlewareEnforcesCapabilities(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := shared.NewSessionStore(client, time.Hour)

	ctx := context.Background()
	managerToken, err := store.Issue(ctx, shared.Actor{ID: 7, Role: RolePurchaseManager})
	require.NoError(t, err)
	viewerToken, err := store.Issue(ctx, shared.Actor{ID: 8, Role: RoleViewer})
	require.NoError(t, err)

	mw := Middleware{Resolver: store}
	var seen shared.Actor
	handler := mw.Authenticate(mw.RequireAll(CapPOApprove)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = shared.ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	cases := []struct {
		name   string
		token  string
		status int
	}{
		{name: "no token", token: "", status: http.StatusUnauthorized},
		{name: "unknown token", token: "nope", status: http.StatusUnauthorized},
		{name: "viewer", token: viewerToken, status: http.StatusForbidden},
		{name: "manager", token: managerToken, status: http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/purchase-orders/1/approve", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tc.status, rec.Code)
		})
	}
	require.Equal(t, int64(7), seen.ID)
	require.Equal(t, RolePurchaseManager, seen.Role)
}
