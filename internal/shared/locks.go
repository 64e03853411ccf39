package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockBusy is returned when another request holds the aggregate lock.
var ErrLockBusy = errors.New("aggregate is being modified by another request")

// AggregateLockKey builds redis keys for per-aggregate critical sections.
func AggregateLockKey(kind string, id int64) string {
	return fmt.Sprintf("lock:%s:%d", kind, id)
}

// Locker serialises mutations of a single aggregate across processes.
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewLocker constructs a Locker. A nil redis client yields a no-op locker.
func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: redislock.New(client), ttl: ttl}
}

// WithLock runs fn while holding the lock for kind/id.
func (l *Locker) WithLock(ctx context.Context, kind string, id int64, fn func(context.Context) error) error {
	if l == nil {
		return fn(ctx)
	}
	lock, err := l.client.Obtain(ctx, AggregateLockKey(kind, id), l.ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return &Error{Kind: KindInvalidState, Entity: kind, ID: id, Reason: "busy", Err: ErrLockBusy}
		}
		return fmt.Errorf("shared: obtain lock: %w", err)
	}
	defer func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}()
	return fn(ctx)
}
