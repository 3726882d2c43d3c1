package ratelimit

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/store"
)

// DefaultWarmupIncrement is used when an account has warmup enabled but no
// increment configured.
const DefaultWarmupIncrement = domain.DefaultWarmupIncrement

// NextWarmupLimit returns tomorrow's warmup cap: current plus increment,
// never above the nominal daily limit.
func NextWarmupLimit(current, increment, dailyLimit int) int {
	if increment <= 0 {
		increment = DefaultWarmupIncrement
	}
	next := current + increment
	if dailyLimit > 0 && next > dailyLimit {
		next = dailyLimit
	}
	return next
}

// Ramp advances a's warmup once per account-local day. It reports whether
// the account changed.
func Ramp(a *domain.SendingAccount, now time.Time) bool {
	if !a.WarmupEnabled {
		return false
	}
	today := now.In(a.Location()).Format("2006-01-02")
	if a.WarmupRampedOn == "" {
		a.WarmupRampedOn = today
		if a.WarmupStartedAt == nil {
			t := now
			a.WarmupStartedAt = &t
		}
		if a.WarmupCurrentLimit <= 0 {
			a.WarmupCurrentLimit = NextWarmupLimit(0, a.WarmupIncrement, a.DailyLimit)
		}
		return true
	}
	if a.WarmupRampedOn == today {
		return false
	}
	a.WarmupCurrentLimit = NextWarmupLimit(a.WarmupCurrentLimit, a.WarmupIncrement, a.DailyLimit)
	a.WarmupRampedOn = today
	if a.DailyLimit > 0 && a.WarmupCurrentLimit >= a.DailyLimit {
		a.WarmupEnabled = false
	}
	return true
}

// AccountStore is what the ramper needs from persistence. RampAccount must
// leave every non-warmup column alone so concurrent edits such as a status
// change survive a ramp.
type AccountStore interface {
	ListAccounts(ctx context.Context, orgID string) ([]domain.SendingAccount, error)
	RampAccount(ctx context.Context, id string, w domain.WarmupState) error
}

// WarmupRamper periodically ramps every warming account.
type WarmupRamper struct {
	store    AccountStore
	interval time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWarmupRamper creates a ramper checking every interval (default 1h).
func NewWarmupRamper(store AccountStore, interval time.Duration) *WarmupRamper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &WarmupRamper{store: store, interval: interval, now: time.Now}
}

// Start begins the ramp loop.
func (w *WarmupRamper) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		w.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
	log.Printf("[WarmupRamper] Started (interval %s)", w.interval)
}

// Stop halts the loop and waits for it to exit.
func (w *WarmupRamper) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()
	w.wg.Wait()
	log.Println("[WarmupRamper] Stopped")
}

// RunOnce ramps every account that has not been ramped today and returns
// how many changed.
func (w *WarmupRamper) RunOnce(ctx context.Context) int {
	accounts, err := w.store.ListAccounts(ctx, "")
	if err != nil {
		log.Printf("[WarmupRamper] list accounts: %v", err)
		return 0
	}
	now := w.now()
	changed := 0
	for i := range accounts {
		a := &accounts[i]
		if !Ramp(a, now) {
			continue
		}
		if err := w.store.RampAccount(ctx, a.ID, a.Warmup()); err != nil {
			if !errors.Is(err, store.ErrConflict) {
				log.Printf("[WarmupRamper] ramp account %s: %v", a.ID, err)
			}
			continue
		}
		changed++
	}
	return changed
}
