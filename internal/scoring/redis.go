package scoring

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/coldreach/internal/domain"
)

// decayLuaScript multiplies every field of one hash and returns the changed
// fields as {contact, previous, current, ...}.
const decayLuaScript = `
local factor = tonumber(ARGV[1])
local floor = tonumber(ARGV[2])
local all = redis.call('HGETALL', KEYS[1])
local out = {}
for i = 1, #all, 2 do
	local prev = tonumber(all[i+1])
	local cur = math.floor(prev * factor * 100 + 0.5) / 100
	if math.abs(cur) < floor then
		cur = 0
	end
	if cur ~= prev then
		if cur == 0 then
			redis.call('HDEL', KEYS[1], all[i])
		else
			redis.call('HSET', KEYS[1], all[i], tostring(cur))
		end
		table.insert(out, all[i])
		table.insert(out, tostring(prev))
		table.insert(out, tostring(cur))
	end
end
return out
`

// RedisEngine stores scores in one hash per organization so every process
// shares them.
type RedisEngine struct {
	redis   *redis.Client
	prefix  string
	weights Weights
	decay   *redis.Script
}

// NewRedisEngine creates a Redis-backed engine; nil weights means
// DefaultWeights.
func NewRedisEngine(client *redis.Client, prefix string, w Weights) *RedisEngine {
	if prefix == "" {
		prefix = "coldreach:score"
	}
	if w == nil {
		w = DefaultWeights()
	}
	return &RedisEngine{redis: client, prefix: prefix, weights: w, decay: redis.NewScript(decayLuaScript)}
}

func (r *RedisEngine) key(orgID string) string {
	return r.prefix + ":" + orgID
}

// ApplyEvent implements Engine.
func (r *RedisEngine) ApplyEvent(ctx context.Context, orgID, contactID string, t domain.EventType) (Change, error) {
	w := r.weights[t]
	if w == 0 {
		s, err := r.Score(ctx, orgID, contactID)
		return Change{Previous: s, Current: s}, err
	}
	cur, err := r.redis.HIncrByFloat(ctx, r.key(orgID), contactID, w).Result()
	if err != nil {
		return Change{}, fmt.Errorf("score incr: %w", err)
	}
	return Change{Previous: round(cur - w), Current: round(cur)}, nil
}

// Score implements Engine.
func (r *RedisEngine) Score(ctx context.Context, orgID, contactID string) (float64, error) {
	v, err := r.redis.HGet(ctx, r.key(orgID), contactID).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("score get: %w", err)
	}
	return v, nil
}

// Decay implements Engine, one organization hash at a time.
func (r *RedisEngine) Decay(ctx context.Context, factor, floor float64) ([]Decayed, error) {
	var out []Decayed
	iter := r.redis.Scan(ctx, 0, r.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		orgID := strings.TrimPrefix(key, r.prefix+":")
		res, err := r.decay.Run(ctx, r.redis, []string{key}, factor, floor).StringSlice()
		if err != nil {
			return out, fmt.Errorf("decay %s: %w", key, err)
		}
		for i := 0; i+2 < len(res); i += 3 {
			prev, _ := strconv.ParseFloat(res[i+1], 64)
			cur, _ := strconv.ParseFloat(res[i+2], 64)
			out = append(out, Decayed{OrganizationID: orgID, ContactID: res[i], Change: Change{Previous: prev, Current: cur}})
		}
	}
	if err := iter.Err(); err != nil {
		return out, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrganizationID != out[j].OrganizationID {
			return out[i].OrganizationID < out[j].OrganizationID
		}
		return out[i].ContactID < out[j].ContactID
	})
	return out, nil
}
