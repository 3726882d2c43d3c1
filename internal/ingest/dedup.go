package ingest

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedup remembers recently applied event keys in Redis so redelivered
// messages skip the database round trip. The event log stays the authority;
// a miss here only costs an insert that reports a duplicate.
type Dedup struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewDedup creates a cache entry per event key that lives for ttl.
func NewDedup(client *redis.Client, prefix string, ttl time.Duration) *Dedup {
	if prefix == "" {
		prefix = "ingest:seen"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Dedup{client: client, prefix: prefix, ttl: ttl}
}

func (d *Dedup) key(k string) string { return d.prefix + ":" + k }

// Seen reports whether key was marked and has not expired.
func (d *Dedup) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, d.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark records key after the event was applied.
func (d *Dedup) Mark(ctx context.Context, key string) error {
	return d.client.Set(ctx, d.key(key), 1, d.ttl).Err()
}
