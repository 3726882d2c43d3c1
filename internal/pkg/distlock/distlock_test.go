package distlock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/coldreach/internal/pkg/keylock"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLock_AcquireRelease(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "campaign:1", time.Minute)
	b := NewRedisLock(client, "campaign:1", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second owner must not acquire")

	// b releasing must not free a's lock
	require.NoError(t, b.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ExtendAfterExpiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	l := NewRedisLock(client, "k", time.Second)
	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.Extend(ctx, time.Minute))

	mr.FastForward(2 * time.Minute)
	assert.ErrorIs(t, l.Extend(ctx, time.Minute), ErrNotHeld)
}

func TestKeyLocker_SerializesAcrossInstances(t *testing.T) {
	_, client := setupTestRedis(t)
	// two lockers with separate local tables stand in for two hosts
	hostA := NewKeyLocker(keylock.New(), client, time.Minute, 5*time.Millisecond)
	hostB := NewKeyLocker(keylock.New(), client, time.Minute, 5*time.Millisecond)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		locker := hostA
		if i%2 == 1 {
			locker = hostB
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), "enrollment:1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestKeyLocker_ContextCancelled(t *testing.T) {
	_, client := setupTestRedis(t)
	other := NewRedisLock(client, "enrollment:2", time.Minute)
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	kl := NewKeyLocker(keylock.New(), client, time.Minute, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = kl.Lock(ctx, "enrollment:2")
	assert.Error(t, err)
	assert.Equal(t, 0, kl.local.Len(), "local lock must be released on failure")
}

func TestPGAdvisoryLock_PinsConnection(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPGAdvisoryLock(db, "campaign:promote")
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(l.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WithArgs(l.lockID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = l.Acquire(context.Background())
	assert.Error(t, err, "re-acquire on the same instance")

	require.NoError(t, l.Release(context.Background()))
	require.NoError(t, l.Release(context.Background()), "second release is a no-op")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAdvisoryLock_NotAcquired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPGAdvisoryLock(db, "busy")
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewLock_PrefersRedis(t *testing.T) {
	_, client := setupTestRedis(t)
	_, isRedis := NewLock(client, nil, "k", time.Minute).(*RedisLock)
	assert.True(t, isRedis)
	_, isPG := NewFactory(nil, nil, time.Minute)("k").(*PGAdvisoryLock)
	assert.True(t, isPG)
}

func TestLocalFactory_ExcludesWithinProcess(t *testing.T) {
	ctx := context.Background()
	f := NewLocalFactory()
	a, b := f("sweeper"), f("sweeper")

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	ok, _ = f("other").Acquire(ctx)
	assert.True(t, ok, "keys are independent")

	require.NoError(t, a.Release(ctx))
	assert.ErrorIs(t, a.Release(ctx), ErrNotHeld)
	ok, _ = b.Acquire(ctx)
	assert.True(t, ok)
}
