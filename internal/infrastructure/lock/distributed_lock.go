package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Redis lock: SET key value NX EX ttl to acquire, and a compare-and-delete
// script to release so a holder whose lock expired cannot drop someone
// else's.

var ErrLockFailed = errors.New("failed to acquire distributed lock")

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string // holder token, checked on release
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock makes a single non-blocking attempt.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock retries TryLock every retryInterval, up to maxRetries times.
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	return l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Err()
}

func (l *DistributedLock) Key() string {
	return l.key
}

// NewReferenceLock locks one payment reference. The token is random so two
// callers for the same reference never share ownership.
func NewReferenceLock(client *redis.Client, reference string, ttl time.Duration) *DistributedLock {
	key := fmt.Sprintf("giftpocket:lock:reference:%s", reference)
	return NewDistributedLock(client, key, uuid.NewString(), ttl)
}

// ReferenceGuard serialises upstream verification of a reference across
// instances. It only saves duplicate provider calls: ledger writes stay
// guarded by conditional updates whether or not the lock is held.
type ReferenceGuard struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewReferenceGuard(client *redis.Client, ttl, wait time.Duration) *ReferenceGuard {
	retryInterval := 100 * time.Millisecond
	maxRetries := int(wait / retryInterval)
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &ReferenceGuard{
		client:        client,
		ttl:           ttl,
		retryInterval: retryInterval,
		maxRetries:    maxRetries,
	}
}

// Acquire blocks until the reference lock is held or the wait runs out, in
// which case the error wraps ErrLockFailed. release is safe to call after ctx
// is done.
func (g *ReferenceGuard) Acquire(ctx context.Context, reference string) (release func(), err error) {
	l := NewReferenceLock(g.client, reference, g.ttl)
	if err := l.Lock(ctx, g.retryInterval, g.maxRetries); err != nil {
		return nil, fmt.Errorf("lock %s: %w", reference, err)
	}
	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Unlock(unlockCtx)
	}, nil
}
