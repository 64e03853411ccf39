package shared

import (
	"context"
	"strings"
)

// Role is the caller's role string as supplied by the identity collaborator.
type Role string

// Actor identifies the caller of a domain operation.
type Actor struct {
	ID   int64
	Role Role
}

// System is used by background jobs.
var System = Actor{ID: 0, Role: "SYSTEM"}

// NormalizeRole upper-cases and trims a raw role string.
func NormalizeRole(raw string) Role {
	return Role(strings.ToUpper(strings.TrimSpace(raw)))
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
