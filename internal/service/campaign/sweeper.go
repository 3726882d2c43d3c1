package campaign

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/pkg/distlock"
	"github.com/ignite/coldreach/internal/pkg/logger"
	"github.com/ignite/coldreach/internal/store"
)

// SweepResult counts what one sweep did.
type SweepResult struct {
	Started   int `json:"started"`
	Winners   int `json:"winners"`
	Completed int `json:"completed"`
}

// Sweeper runs the controller's periodic duties: starting scheduled
// campaigns that are due, picking A/B winners and completing campaigns
// whose last recipient finished. A distributed lock keeps the sweep on one
// host at a time.
type Sweeper struct {
	svc      *Service
	leader   distlock.Factory
	key      string
	interval time.Duration

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSweeper creates a sweeper. leader may be nil when only one host runs
// the controller; interval defaults to 30s.
func NewSweeper(svc *Service, leader distlock.Factory, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{svc: svc, leader: leader, key: "coldreach:campaign-sweeper", interval: interval}
}

// Start begins the sweep loop
func (w *Sweeper) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.mu.Unlock()

	log.Printf("[CampaignSweeper] Starting (interval=%s)", w.interval)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				res, err := w.RunOnce(w.ctx)
				if err != nil {
					log.Printf("[CampaignSweeper] Sweep failed: %v", err)
					continue
				}
				if res.Started+res.Winners+res.Completed > 0 {
					log.Printf("[CampaignSweeper] started=%d winners=%d completed=%d", res.Started, res.Winners, res.Completed)
				}
			}
		}
	}()
}

// Stop stops the sweep loop and waits for a running sweep to finish.
func (w *Sweeper) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()
	w.wg.Wait()
	log.Println("[CampaignSweeper] Stopped")
}

// RunOnce performs one sweep. When another host holds the sweep lock it
// does nothing.
func (w *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if w.leader != nil {
		lock := w.leader(w.key)
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return res, err
		}
		if !ok {
			return res, nil
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil {
				logger.Warn("release sweep lock failed", "error", err.Error())
			}
		}()
	}

	s := w.svc
	now := s.now()
	due, err := s.store.ListCampaigns(ctx, store.CampaignFilter{Statuses: []domain.CampaignStatus{domain.CampaignScheduled}})
	if err != nil {
		return res, err
	}
	for _, c := range due {
		if c.ScheduledAt == nil || c.ScheduledAt.After(now) {
			continue
		}
		if _, err := s.Start(ctx, c.ID); err != nil {
			logger.Error("start scheduled campaign failed", "campaign_id", c.ID, "error", err.Error())
			s.writeLog(ctx, &c, domain.LogError, "scheduled start failed: "+err.Error())
			continue
		}
		res.Started++
	}

	sending, err := s.store.ListCampaigns(ctx, store.CampaignFilter{Statuses: []domain.CampaignStatus{domain.CampaignSending}})
	if err != nil {
		return res, err
	}
	for i := range sending {
		c := &sending[i]
		if s.abDue(c) {
			_, err := s.SelectABWinner(ctx, c.ID, "")
			switch {
			case err == nil:
				res.Winners++
			case errors.Is(err, ErrWinnerSelected):
			default:
				logger.Warn("automatic a/b selection failed", "campaign_id", c.ID, "error", err.Error())
			}
		}
		if s.checkComplete(ctx, c.ID) {
			res.Completed++
		}
	}
	return res, nil
}
