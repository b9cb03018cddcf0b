package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestDistributedLock_TryLockAndUnlock(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	first := NewDistributedLock(client, "k", "a", time.Minute)
	second := NewDistributedLock(client, "k", "b", time.Minute)

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// releasing with the wrong token is a no-op
	require.NoError(t, second.Unlock(ctx))
	assert.True(t, mr.Exists("k"))

	require.NoError(t, first.Unlock(ctx))
	assert.False(t, mr.Exists("k"))

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDistributedLock_LockGivesUp(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	holder := NewDistributedLock(client, "busy", "holder", time.Minute)
	ok, err := holder.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	waiter := NewDistributedLock(client, "busy", "waiter", time.Minute)
	err = waiter.Lock(ctx, 5*time.Millisecond, 3)
	assert.ErrorIs(t, err, ErrLockFailed)
}

func TestDistributedLock_Expires(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	l := NewDistributedLock(client, "ttl", "v", time.Second)
	ok, err := l.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	other := NewDistributedLock(client, "ttl", "w", time.Second)
	ok, err = other.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReferenceGuard(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	guard := NewReferenceGuard(client, time.Minute, 200*time.Millisecond)

	release, err := guard.Acquire(ctx, "TXN1234567")
	require.NoError(t, err)
	assert.True(t, mr.Exists("giftpocket:lock:reference:TXN1234567"))

	_, err = guard.Acquire(ctx, "TXN1234567")
	assert.True(t, errors.Is(err, ErrLockFailed))

	other, err := guard.Acquire(ctx, "TXN7654321")
	require.NoError(t, err)
	other()

	release()
	assert.False(t, mr.Exists("giftpocket:lock:reference:TXN1234567"))

	again, err := guard.Acquire(ctx, "TXN1234567")
	require.NoError(t, err)
	again()
}
