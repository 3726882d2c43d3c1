package distlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ownedScript runs a command on KEYS[1] only while it still holds this
// owner's token: ARGV[1] is the token, ARGV[2] selects "del" or "pexpire"
// and ARGV[3] is the new TTL in milliseconds.
var ownedScript = redis.NewScript(`
if redis.call("get", KEYS[1]) ~= ARGV[1] then
	return 0
end
if ARGV[2] == "del" then
	return redis.call("del", KEYS[1])
end
return redis.call("pexpire", KEYS[1], ARGV[3])
`)

// RedisLock is a SET NX lease on one key. Each instance carries its own
// owner token, so a lease that expired and was taken by another process
// is never released or extended by the old holder.
type RedisLock struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{
		client: client,
		key:    "lock:" + key,
		owner:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Acquire reports whether the lease was taken. A held lease is not an error.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *RedisLock) Release(ctx context.Context) error {
	return ownedScript.Run(ctx, l.client, []string{l.key}, l.owner, "del", 0).Err()
}

// Extend pushes the lease out by ttl. ErrNotHeld means it expired or
// changed hands in the meantime.
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := ownedScript.Run(ctx, l.client, []string{l.key}, l.owner, "pexpire", ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
