package distlock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is a cross-process mutual exclusion lease on one key. An
// instance is used by one goroutine at a time.
type DistLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Factory builds a lock for a key. The campaign sweeper takes a Factory so
// every tick elects a fresh leader.
type Factory func(key string) DistLock

// NewFactory returns a Factory backed by NewLock.
func NewFactory(redisClient *redis.Client, db *sql.DB, ttl time.Duration) Factory {
	return func(key string) DistLock {
		return NewLock(redisClient, db, key, ttl)
	}
}

// NewLock prefers a Redis lease and falls back to a Postgres advisory lock
// when no Redis client is configured.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// =============================================================================
// PostgreSQL Advisory Lock (fallback when Redis is unavailable)
// =============================================================================
// pg_try_advisory_lock is session-scoped, so the lock pins one pooled
// connection between Acquire and Release. The lock is released if that
// connection drops.

// PGAdvisoryLock implements DistLock using PostgreSQL advisory locks.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64

	mu   sync.Mutex
	conn *sql.Conn
}

// NewPGAdvisoryLock creates a PG advisory lock with a deterministic lock ID
// derived from the given key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries to acquire the advisory lock without blocking.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return false, fmt.Errorf("advisory lock %d already held by this instance", l.lockID)
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to pin connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release unlocks on the pinned connection and returns it to the pool.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	l.conn.Close()
	l.conn = nil
	return err
}

// =============================================================================
// Process-local lock (single-process deployments without Redis or Postgres)
// =============================================================================

type localLock struct {
	mu   *sync.Mutex
	held bool
}

// NewLocalFactory returns a Factory whose locks only exclude callers in this
// process.
func NewLocalFactory() Factory {
	var mu sync.Mutex
	locks := map[string]*sync.Mutex{}
	return func(key string) DistLock {
		mu.Lock()
		defer mu.Unlock()
		if locks[key] == nil {
			locks[key] = &sync.Mutex{}
		}
		return &localLock{mu: locks[key]}
	}
}

func (l *localLock) Acquire(context.Context) (bool, error) {
	if l.held {
		return true, nil
	}
	l.held = l.mu.TryLock()
	return l.held, nil
}

func (l *localLock) Release(context.Context) error {
	if !l.held {
		return ErrNotHeld
	}
	l.held = false
	l.mu.Unlock()
	return nil
}
