package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/repository/memory"
)

func TestNextWarmupLimit(t *testing.T) {
	tests := []struct {
		name                    string
		current, inc, daily, want int
	}{
		{"normal step", 10, 5, 100, 15},
		{"clamped at daily", 98, 5, 100, 100},
		{"default increment", 10, 0, 100, 10 + DefaultWarmupIncrement},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextWarmupLimit(tt.current, tt.inc, tt.daily); got != tt.want {
				t.Fatalf("got %d want %d", got, tt.want)
			}
		})
	}
}

func TestRampOncePerLocalDay(t *testing.T) {
	a := &domain.SendingAccount{
		ID: "a", DailyLimit: 30, Timezone: "UTC",
		WarmupEnabled: true, WarmupCurrentLimit: 10, WarmupIncrement: 10,
		WarmupRampedOn: "2026-03-01",
	}
	day := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	if !Ramp(a, day) || a.WarmupCurrentLimit != 20 {
		t.Fatalf("first ramp: limit %d", a.WarmupCurrentLimit)
	}
	if Ramp(a, day.Add(4*time.Hour)) {
		t.Fatal("ramped twice on the same day")
	}
	if !Ramp(a, day.AddDate(0, 0, 1)) || a.WarmupCurrentLimit != 30 {
		t.Fatalf("second ramp: limit %d", a.WarmupCurrentLimit)
	}
	if a.WarmupEnabled {
		t.Fatal("warmup should end once the daily limit is reached")
	}
}

type fakeAccounts struct {
	mu       sync.Mutex
	accounts []domain.SendingAccount
	saved    map[string]domain.WarmupState
}

func (f *fakeAccounts) ListAccounts(_ context.Context, _ string) ([]domain.SendingAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SendingAccount(nil), f.accounts...), nil
}

func (f *fakeAccounts) RampAccount(_ context.Context, id string, w domain.WarmupState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[id] = w
	return nil
}

func TestWarmupRamperRunOnce(t *testing.T) {
	store := &fakeAccounts{
		accounts: []domain.SendingAccount{
			{ID: "warm", DailyLimit: 100, WarmupEnabled: true, WarmupCurrentLimit: 10, WarmupIncrement: 5, WarmupRampedOn: "2026-03-01"},
			{ID: "cold", DailyLimit: 100},
		},
		saved: map[string]domain.WarmupState{},
	}
	r := NewWarmupRamper(store, time.Hour)
	r.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }

	if n := r.RunOnce(context.Background()); n != 1 {
		t.Fatalf("expected 1 account ramped, got %d", n)
	}
	if got := store.saved["warm"].CurrentLimit; got != 15 {
		t.Fatalf("expected 15, got %d", got)
	}
}

// disconnectAfterList simulates an operator disconnecting an account while
// a ramp pass is between its read and its write.
type disconnectAfterList struct {
	*memory.Store
	id string
}

func (d *disconnectAfterList) ListAccounts(ctx context.Context, orgID string) ([]domain.SendingAccount, error) {
	out, err := d.Store.ListAccounts(ctx, orgID)
	if err != nil {
		return nil, err
	}
	a, err := d.Store.GetAccount(ctx, d.id)
	if err != nil {
		return nil, err
	}
	a.Status = domain.AccountDisconnected
	return out, d.Store.SaveAccount(ctx, a)
}

func TestWarmupRamperKeepsConcurrentStatusChange(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.SaveAccount(ctx, &domain.SendingAccount{
		ID: "warm", Status: domain.AccountActive, DailyLimit: 100,
		WarmupEnabled: true, WarmupCurrentLimit: 10, WarmupIncrement: 5, WarmupRampedOn: "2026-03-01",
	}))

	r := NewWarmupRamper(&disconnectAfterList{Store: st, id: "warm"}, time.Hour)
	r.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	assert.Equal(t, 1, r.RunOnce(ctx))

	got, err := st.GetAccount(ctx, "warm")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountDisconnected, got.Status)
	assert.Equal(t, 15, got.WarmupCurrentLimit)
	assert.Equal(t, "2026-03-02", got.WarmupRampedOn)

	// A second pass the same day finds nothing to do.
	assert.Equal(t, 0, r.RunOnce(ctx))
}
