package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewManager(client, zap.NewNop()), mr
}

func TestAcquireMutualExclusion(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	ok, err := m.Acquire(ctx, "order_lock:ord-1", "token-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Acquire(ctx, "order_lock:ord-1", "token-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lock must reject a second holder")

	ok, err = m.Acquire(ctx, "order_lock:ord-2", "token-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "distinct keys are independent")
}

func TestReleaseRequiresToken(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)

	ok, err := m.Acquire(ctx, "order_lock:ord-1", "token-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := m.Release(ctx, "order_lock:ord-1", "token-b")
	require.NoError(t, err)
	assert.False(t, released, "foreign token must not release the lock")
	assert.True(t, mr.Exists("order_lock:ord-1"))

	released, err = m.Release(ctx, "order_lock:ord-1", "token-a")
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, mr.Exists("order_lock:ord-1"))

	released, err = m.Release(ctx, "order_lock:ord-1", "token-a")
	require.NoError(t, err)
	assert.False(t, released, "releasing an absent lock reports false")
}

func TestLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)

	ok, err := m.Acquire(ctx, "order_lock:ord-1", "token-a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)

	ok, err = m.Acquire(ctx, "order_lock:ord-1", "token-b", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease frees the key for the next holder")

	released, err := m.Release(ctx, "order_lock:ord-1", "token-a")
	require.NoError(t, err)
	assert.False(t, released, "stale holder must not release the successor's lock")
	assert.True(t, mr.Exists("order_lock:ord-1"))
}

func TestIsLocked(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	locked, err := m.IsLocked(ctx, "order_lock:ord-1")
	require.NoError(t, err)
	assert.False(t, locked)

	_, err = m.Acquire(ctx, "order_lock:ord-1", "token-a", time.Minute)
	require.NoError(t, err)

	locked, err = m.IsLocked(ctx, "order_lock:ord-1")
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestWithLockReleasesAfterSuccess(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)

	var calls int
	err := m.WithLock(ctx, "order_lock:ord-1", "token-a", time.Minute, func(ctx context.Context) error {
		calls++
		locked, err := m.IsLocked(ctx, "order_lock:ord-1")
		require.NoError(t, err)
		assert.True(t, locked, "lock is held while op runs")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, mr.Exists("order_lock:ord-1"), "lock released after op")
}

func TestWithLockReleasesAfterError(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)

	opErr := errors.New("boom")
	err := m.WithLock(ctx, "order_lock:ord-1", "token-a", time.Minute, func(context.Context) error {
		return opErr
	})
	require.ErrorIs(t, err, opErr)
	assert.False(t, mr.Exists("order_lock:ord-1"), "lock released even when op fails")
}

func TestWithLockContention(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)

	require.NoError(t, mr.Set("order_lock:ord-1", "other-token"))

	var calls int
	err := m.WithLock(ctx, "order_lock:ord-1", "token-a", time.Minute, func(context.Context) error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, ErrNotAcquired)
	assert.Zero(t, calls, "op must not run without the lock")

	held, err := mr.Get("order_lock:ord-1")
	require.NoError(t, err)
	assert.Equal(t, "other-token", held, "holder's token untouched")
}
