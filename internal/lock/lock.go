// Package lock implements a Redis-backed distributed lock with lease
// semantics.
//
// The lock is advisory: a holder that outlives its lease loses exclusivity
// and another process may acquire the same key while the original holder is
// still running. Critical sections must stay shorter than the lease, and the
// protected write needs its own idempotency guarantee (the order store's
// unique index on the business order id serves that role).
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotAcquired reports that the lock is currently held by another process.
var ErrNotAcquired = errors.New("lock not acquired")

// releaseTimeout bounds the deferred release even when the caller's context
// is already cancelled.
const releaseTimeout = 5 * time.Second

// releaseScript deletes the key only while it still carries the caller's
// token, so a holder whose lease expired can never delete a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Manager coordinates per-key mutual exclusion across worker instances.
type Manager struct {
	client *redis.Client
	logger *zap.Logger
}

func NewManager(client *redis.Client, logger *zap.Logger) *Manager {
	return &Manager{client: client, logger: logger}
}

// Acquire attempts to take key for token with the given lease. It returns
// true only when this call created the lock.
func (m *Manager) Acquire(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	ok, err := m.client.SetNX(ctx, key, token, lease).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	return ok, nil
}

// Release removes key if it still carries token. It returns false when the
// lock is absent or held by a different token.
func (m *Manager) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, m.client, []string{key}, token).Int()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	return n == 1, nil
}

// IsLocked reports whether key currently exists. The answer is advisory: the
// lock may expire or change hands immediately after this call returns.
func (m *Manager) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := m.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", key, err)
	}
	return n > 0, nil
}

// WithLock runs op while holding key. When the lock is held elsewhere the
// returned error wraps ErrNotAcquired and op is never invoked. The lock is
// released exactly once after op returns; a failed release is logged rather
// than propagated because the lease reclaims the key on its own.
func (m *Manager) WithLock(ctx context.Context, key, token string, lease time.Duration, op func(context.Context) error) error {
	ok, err := m.Acquire(ctx, key, token, lease)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrNotAcquired)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		released, err := m.Release(releaseCtx, key, token)
		if err != nil {
			m.logger.Warn("lock release failed", zap.String("key", key), zap.Error(err))
			return
		}
		if !released {
			m.logger.Warn("lock expired before release", zap.String("key", key))
		}
	}()
	return op(ctx)
}
