package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/coldreach/internal/domain"
)

// reserveLuaScript checks every bucket before incrementing any of them.
// ARGV holds (limit, ttl) pairs in KEYS order. Every limit is enforced; a
// limit <= 0 admits nothing.
const reserveLuaScript = `
local n = #KEYS
for i = 1, n do
    local limit = tonumber(ARGV[i * 2 - 1])
    local current = tonumber(redis.call("GET", KEYS[i]) or "0")
    if current + 1 > limit then
        return {0, i, current}
    end
end

local first = 0
for i = 1, n do
    local v = redis.call("INCR", KEYS[i])
    if v == 1 then
        redis.call("EXPIRE", KEYS[i], tonumber(ARGV[i * 2]))
    end
    if i == 1 then
        first = v
    end
end

return {1, 0, first}
`

// RedisLimiter shares counters across processes. Keys carry the period so
// they roll over at account-local midnight and top of hour.
type RedisLimiter struct {
	redis  *redis.Client
	prefix string
	script *redis.Script
}

// NewRedisLimiter creates a limiter with a pre-compiled reservation script.
func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{
		redis:  client,
		prefix: prefix,
		script: redis.NewScript(reserveLuaScript),
	}
}

func (r *RedisLimiter) key(b bucket) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, b.key, b.window)
}

// Reserve implements Limiter.
func (r *RedisLimiter) Reserve(ctx context.Context, a *domain.SendingAccount, now time.Time, caps ...Cap) (Decision, error) {
	if d, ok := admission(a, now); !ok {
		return d, nil
	}
	bs := buckets(a, now, caps)
	keys := make([]string, len(bs))
	args := make([]interface{}, 0, len(bs)*2)
	for i, b := range bs {
		keys[i] = r.key(b)
		ttl := int64(b.resetAt.Sub(now)/time.Second) + 3600
		args = append(args, b.limit, ttl)
	}

	result, err := r.script.Run(ctx, r.redis, keys, args...).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("reserve %s: %w", a.ID, err)
	}
	if len(result) < 2 {
		return Decision{}, fmt.Errorf("reserve %s: unexpected script reply %v", a.ID, result)
	}
	allowed, _ := result[0].(int64)
	if allowed == 1 {
		return Decision{Outcome: Grant}, nil
	}
	idx, _ := result[1].(int64)
	if idx < 1 || int(idx) > len(bs) {
		return Decision{}, fmt.Errorf("reserve %s: bucket index %d out of range", a.ID, idx)
	}
	return deferredBy(bs[idx-1]), nil
}

// Usage implements Limiter.
func (r *RedisLimiter) Usage(ctx context.Context, a *domain.SendingAccount, now time.Time) (Usage, error) {
	u := Usage{DailyLimit: a.EffectiveDailyLimit(), HourlyLimit: a.HourlyLimit}
	bs := buckets(a, now, nil)
	pipe := r.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(bs))
	for i, b := range bs {
		cmds[i] = pipe.Get(ctx, r.key(b))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return u, fmt.Errorf("usage %s: %w", a.ID, err)
	}
	for i, b := range bs {
		n, _ := cmds[i].Int()
		if b.hourly {
			u.SentHour = n
		} else {
			u.SentToday = n
		}
	}
	return u, nil
}

// Close closes the Redis connection.
func (r *RedisLimiter) Close() error {
	return r.redis.Close()
}
