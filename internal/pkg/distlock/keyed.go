package distlock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/coldreach/internal/pkg/keylock"
	"github.com/ignite/coldreach/internal/pkg/logger"
)

// ErrNotHeld is returned when a lock is no longer owned by the caller.
var ErrNotHeld = errors.New("lock not held")

// KeyLocker serializes work on a key across processes. It takes the
// in-process lock first so goroutines of one host queue locally instead of
// polling Redis.
type KeyLocker struct {
	local  *keylock.Locker
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

// NewKeyLocker wraps local with a Redis lock per key. ttl bounds how long a
// crashed holder blocks others; retry is the poll interval while contended.
func NewKeyLocker(local *keylock.Locker, client *redis.Client, ttl, retry time.Duration) *KeyLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &KeyLocker{local: local, client: client, ttl: ttl, retry: retry}
}

// Lock blocks until key is held in this process and in Redis, or ctx ends.
func (k *KeyLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := k.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	lock := NewRedisLock(k.client, key, k.ttl)
	for {
		ok, err := lock.Acquire(ctx)
		if err != nil {
			unlockLocal()
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-time.After(k.retry):
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(ctx); err != nil {
			logger.Warn("distlock release failed", "key", key, "error", err.Error())
		}
		unlockLocal()
	}, nil
}
