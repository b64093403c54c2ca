package recoupment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/soundledger/soundledger/internal/observability"
	"github.com/soundledger/soundledger/internal/shared"
)

// releaseScript deletes the lock key only when it still holds our token, so
// an expired lock taken over by another run is never released by us.
var releaseScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// Locker serializes waterfall passes per user across processes. The TTL is
// a crash backstop, not a lease the pass is expected to exhaust.
type Locker struct {
	client  *redis.Client
	ttl     time.Duration
	retry   time.Duration
	metrics *observability.Metrics
}

// NewLocker constructs a redis-backed per-user lock.
func NewLocker(client *redis.Client, ttl time.Duration, metrics *observability.Metrics) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: client, ttl: ttl, retry: 50 * time.Millisecond, metrics: metrics}
}

// WithLock runs fn while holding the user's recoupment lock, waiting for it
// if another pass holds it, until ctx is cancelled.
func (l *Locker) WithLock(ctx context.Context, userID int64, fn func(context.Context) error) error {
	key := shared.RecoupmentLockKey(userID)
	token := uuid.NewString()

	waited := false
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("recoupment: acquire lock: %w", err)
		}
		if ok {
			break
		}
		waited = true
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retry):
		}
	}
	if waited {
		l.metrics.ObserveLockContention()
	}

	defer func() {
		// Release on a fresh context so cancellation cannot leak the lock.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}()

	return fn(ctx)
}
