package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/temple-erp/temple-erp/internal/platform/httpx"
	"github.com/temple-erp/temple-erp/internal/shared"
)

// ActorResolver resolves a bearer token into an actor.
type ActorResolver interface {
	Resolve(ctx context.Context, token string) (shared.Actor, error)
}

// Middleware wires capability checks for HTTP handlers.
type Middleware struct {
	Resolver ActorResolver
	Logger   *slog.Logger
}

// Authenticate loads the actor for the request bearer token into context.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := m.Resolver.Resolve(r.Context(), shared.BearerToken(r))
		if err != nil {
			if !errors.Is(err, shared.ErrSessionNotFound) && m.Logger != nil {
				m.Logger.Error("resolve session", slog.Any("error", err))
			}
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "valid bearer token required")
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), actor)))
	})
}

// RequireAny ensures the current actor has at least one of the capabilities.
func (m Middleware) RequireAny(caps ...Capability) func(http.Handler) http.Handler {
	return m.require(caps, func(set CapabilitySet) bool {
		for _, c := range caps {
			if set.Has(c) {
				return true
			}
		}
		return false
	})
}

// RequireAll ensures the current actor has all capabilities.
func (m Middleware) RequireAll(caps ...Capability) func(http.Handler) http.Handler {
	return m.require(caps, func(set CapabilitySet) bool {
		for _, c := range caps {
			if !set.Has(c) {
				return false
			}
		}
		return true
	})
}

func (m Middleware) require(caps []Capability, allowed func(CapabilitySet) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(caps) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
				return
			}
			if !allowed(CapabilitiesFor(actor.Role)) {
				if m.Logger != nil {
					m.Logger.Warn("capability denied", slog.Int64("actor", actor.ID), slog.String("role", string(actor.Role)), slog.String("path", r.URL.Path))
				}
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
