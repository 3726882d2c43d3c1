package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/pkg/keylock"
)

type slot struct {
	window string
	n      int
}

// MemoryLimiter keeps counters in process. Every bucket key has its own
// lock, so accounts never contend with each other.
type MemoryLimiter struct {
	locks *keylock.Locker
	slots sync.Map // key -> *slot
}

// NewMemoryLimiter returns an empty in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{locks: keylock.New()}
}

func (m *MemoryLimiter) slot(key string) *slot {
	v, _ := m.slots.LoadOrStore(key, &slot{})
	return v.(*slot)
}

// current returns the count for b, resetting it when the window rolled over.
// Callers hold the key lock.
func (m *MemoryLimiter) current(b bucket) *slot {
	s := m.slot(b.key)
	if s.window != b.window {
		s.window = b.window
		s.n = 0
	}
	return s
}

// Reserve implements Limiter.
func (m *MemoryLimiter) Reserve(ctx context.Context, a *domain.SendingAccount, now time.Time, caps ...Cap) (Decision, error) {
	if d, ok := admission(a, now); !ok {
		return d, nil
	}
	bs := buckets(a, now, caps)
	keys := make([]string, len(bs))
	for i, b := range bs {
		keys[i] = b.key
	}
	unlock, err := m.locks.LockMany(ctx, keys...)
	if err != nil {
		return Decision{}, err
	}
	defer unlock()

	slots := make([]*slot, len(bs))
	for i, b := range bs {
		slots[i] = m.current(b)
		if slots[i].n+1 > b.limit {
			return deferredBy(b), nil
		}
	}
	for _, s := range slots {
		s.n++
	}
	return Decision{Outcome: Grant}, nil
}

// Usage implements Limiter.
func (m *MemoryLimiter) Usage(ctx context.Context, a *domain.SendingAccount, now time.Time) (Usage, error) {
	u := Usage{DailyLimit: a.EffectiveDailyLimit(), HourlyLimit: a.HourlyLimit}
	for _, b := range buckets(a, now, nil) {
		unlock, err := m.locks.Lock(ctx, b.key)
		if err != nil {
			return u, err
		}
		n := m.current(b).n
		unlock()
		if b.hourly {
			u.SentHour = n
		} else {
			u.SentToday = n
		}
	}
	return u, nil
}
