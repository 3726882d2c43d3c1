package executor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/coldreach/internal/pkg/logger"
	"github.com/ignite/coldreach/internal/scheduler"
)

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Workers int
	// ErrorRetry is how long an item waits after an infrastructure error.
	ErrorRetry time.Duration
}

// DefaultPoolConfig returns default configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Workers: 8, ErrorRetry: 30 * time.Second}
}

// Pool pulls due items off the queue and fans them out to workers. One
// dispatcher goroutine sleeps on the queue; workers never poll.
type Pool struct {
	exec *Executor
	cfg  PoolConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	totalSent     int64
	totalFailed   int64
	totalSkipped  int64
	totalDeferred int64
	totalErrors   int64
}

// NewPool creates a pool over exec's queue.
func NewPool(exec *Executor, cfg PoolConfig) *Pool {
	d := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.ErrorRetry <= 0 {
		cfg.ErrorRetry = d.ErrorRetry
	}
	return &Pool{exec: exec, cfg: cfg}
}

// Run blocks until ctx is cancelled. Items already handed to a worker run
// to completion; undispatched items stay in the queue.
func (p *Pool) Run(ctx context.Context) error {
	queue := p.exec.Queue()
	items := make(chan scheduler.Item)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(items)
		for {
			due := queue.PopDue(p.exec.now(), p.cfg.Workers)
			if len(due) == 0 {
				if err := queue.Wait(gctx); err != nil {
					return nil
				}
				continue
			}
			for i, it := range due {
				select {
				case items <- it:
				case <-gctx.Done():
					for _, rest := range due[i:] {
						queue.Schedule(rest)
					}
					return nil
				}
			}
		}
	})

	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			// In-flight sends finish even when the pool is stopping.
			wctx := context.WithoutCancel(gctx)
			for it := range items {
				p.run(wctx, it)
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) run(ctx context.Context, it scheduler.Item) {
	res, err := p.exec.Execute(ctx, it)
	if err != nil {
		atomic.AddInt64(&p.totalErrors, 1)
		logger.Error("execute failed", "item_id", it.ID, "kind", string(it.Kind), "error", err.Error())
		p.exec.reschedule(it, p.exec.now().Add(p.cfg.ErrorRetry))
		return
	}
	switch res.Outcome {
	case OutcomeSent:
		atomic.AddInt64(&p.totalSent, 1)
	case OutcomeFailed:
		atomic.AddInt64(&p.totalFailed, 1)
	case OutcomeSkipped:
		atomic.AddInt64(&p.totalSkipped, 1)
	case OutcomeDeferred, OutcomeRetry:
		atomic.AddInt64(&p.totalDeferred, 1)
	}
}

// Start runs the pool in the background.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pool already running")
	}
	p.running = true
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	log.Printf("[SendPool] Starting %d workers", p.cfg.Workers)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = p.Run(ctx)
	}()
	return nil
}

// Stop gracefully stops the pool
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	log.Println("[SendPool] Stopping workers...")
	p.wg.Wait()
	log.Printf("[SendPool] Stopped. Total sent: %d, failed: %d, skipped: %d",
		atomic.LoadInt64(&p.totalSent),
		atomic.LoadInt64(&p.totalFailed),
		atomic.LoadInt64(&p.totalSkipped))
}

// Stats returns current processing statistics
func (p *Pool) Stats() map[string]int64 {
	return map[string]int64{
		"sent":     atomic.LoadInt64(&p.totalSent),
		"failed":   atomic.LoadInt64(&p.totalFailed),
		"skipped":  atomic.LoadInt64(&p.totalSkipped),
		"deferred": atomic.LoadInt64(&p.totalDeferred),
		"errors":   atomic.LoadInt64(&p.totalErrors),
		"queued":   int64(p.exec.Queue().Len()),
	}
}
