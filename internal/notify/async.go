package notify

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Async queues notifications and delivers them from background workers so
// callers holding locks never wait on the network. A full buffer drops the
// notification.
type Async struct {
	sink    Sink
	ch      chan Notification
	workers int
	timeout time.Duration

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
	dropped int64
}

// NewAsync wraps sink with a buffer of size buffer.
func NewAsync(sink Sink, buffer, workers int) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	if workers <= 0 {
		workers = 2
	}
	return &Async{sink: sink, ch: make(chan Notification, buffer), workers: workers, timeout: time.Minute}
}

// Notify implements Sink. It never blocks.
func (a *Async) Notify(_ context.Context, n Notification) error {
	select {
	case a.ch <- n:
	default:
		atomic.AddInt64(&a.dropped, 1)
		log.Printf("[Notify] Buffer full, dropping %s notification", n.Event)
	}
	return nil
}

// Start launches the delivery workers
func (a *Async) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.running = true
	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for n := range a.ch {
				ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
				_ = a.sink.Notify(ctx, n)
				cancel()
			}
		}()
	}
}

// Stop drains the buffer and waits for the workers. Notify must not be
// called afterwards.
func (a *Async) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
	log.Printf("[Notify] Stopped (dropped: %d)", atomic.LoadInt64(&a.dropped))
}
