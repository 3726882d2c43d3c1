package scoring

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/coldreach/internal/domain"
)

// EventSink receives generated events; the ingestor's Ingest fits.
type EventSink func(ctx context.Context, e *domain.Event) error

// Decayer periodically decays scores and publishes score_changed events.
type Decayer struct {
	engine   Engine
	sink     EventSink
	interval time.Duration
	factor   float64
	floor    float64
	now      func() time.Time

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDecayer creates a decayer; interval defaults to 24h, factor to 0.9 and
// floor to 0.5.
func NewDecayer(engine Engine, sink EventSink, interval time.Duration, factor, floor float64) *Decayer {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if factor <= 0 || factor >= 1 {
		factor = 0.9
	}
	if floor <= 0 {
		floor = 0.5
	}
	return &Decayer{engine: engine, sink: sink, interval: interval, factor: factor, floor: floor, now: time.Now}
}

// Start begins the decay loop
func (d *Decayer) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	log.Printf("[ScoreDecay] Starting (interval=%s factor=%.2f)", d.interval, d.factor)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				if n, err := d.RunOnce(d.ctx); err != nil {
					log.Printf("[ScoreDecay] Run failed after %d events: %v", n, err)
				} else if n > 0 {
					log.Printf("[ScoreDecay] Published %d score changes", n)
				}
			}
		}
	}()
}

// Stop stops the decay loop
func (d *Decayer) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
	log.Println("[ScoreDecay] Stopped")
}

// RunOnce decays every score and publishes one event per change. It
// returns how many events were published.
func (d *Decayer) RunOnce(ctx context.Context) (int, error) {
	changes, err := d.engine.Decay(ctx, d.factor, d.floor)
	if err != nil {
		return 0, err
	}
	run := uuid.New().String()
	now := d.now()
	n := 0
	for _, c := range changes {
		e := &domain.Event{
			ID:             uuid.New().String(),
			OrganizationID: c.OrganizationID,
			Type:           domain.EventScoreChanged,
			ContactID:      c.ContactID,
			DedupKey:       "decay:" + run,
			Metadata: map[string]string{
				"source":   "decay",
				"previous": strconv.FormatFloat(c.Previous, 'f', -1, 64),
				"score":    strconv.FormatFloat(c.Current, 'f', -1, 64),
			},
			OccurredAt: now,
		}
		if err := d.sink(ctx, e); err != nil {
			return n, fmt.Errorf("publish score change for %s: %w", c.ContactID, err)
		}
		n++
	}
	return n, nil
}
