package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/temple-erp/temple-erp/internal/rbac"
	"github.com/temple-erp/temple-erp/internal/shared"
)

// SessionIssuer creates bearer tokens.
type SessionIssuer interface {
	Issue(ctx context.Context, actor shared.Actor) (string, error)
}

// ParseActor validates "<user id> <role>" arguments.
func ParseActor(args []string) (shared.Actor, error) {
	if len(args) != 2 {
		return shared.Actor{}, fmt.Errorf("usage: session <user-id> <role>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return shared.Actor{}, fmt.Errorf("invalid user id %q", args[0])
	}
	role := shared.NormalizeRole(args[1])
	if role == shared.System.Role || len(rbac.CapabilitiesFor(role)) == 0 {
		return shared.Actor{}, fmt.Errorf("unknown role %q", args[1])
	}
	return shared.Actor{ID: id, Role: role}, nil
}

// IssueSession parses args and issues a token for the actor.
func IssueSession(ctx context.Context, sessions SessionIssuer, args []string) (string, error) {
	actor, err := ParseActor(args)
	if err != nil {
		return "", err
	}
	return sessions.Issue(ctx, actor)
}
