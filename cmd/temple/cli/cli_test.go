package cli

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/temple-erp/temple-erp/internal/rbac"
	"github.com/temple-erp/temple-erp/internal/shared"
	"github.com/temple-erp/temple-erp/jobs"
)

func TestIssueSessionRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := shared.NewSessionStore(client, time.Hour)
	ctx := context.Background()

	token, err := IssueSession(ctx, store, []string{"12", "accountant"})
	require.NoError(t, err)
	actor, err := store.Resolve(ctx, token)
	require.NoError(t, err)
	require.Equal(t, shared.Actor{ID: 12, Role: rbac.RoleAccountant}, actor)

	_, err = IssueSession(ctx, store, []string{"12", "priest"})
	require.Error(t, err)
	_, err = IssueSession(ctx, store, []string{"12", "system"})
	require.Error(t, err)
	_, err = IssueSession(ctx, store, []string{"x", "admin"})
	require.Error(t, err)
	_, err = IssueSession(ctx, store, []string{"1"})
	require.Error(t, err)
}

func TestBuildTask(t *testing.T) {
	at := time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC)
	task, err := BuildTask(jobs.TaskMigrationRetry, at)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskMigrationRetry, task.Type())

	task, err = BuildTask(jobs.TaskIdempotencyCleanup, at)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskIdempotencyCleanup, task.Type())

	_, err = BuildTask("consol:refresh", at)
	require.Error(t, err)
}
