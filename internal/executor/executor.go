// Package executor turns due scheduler items into sends.
//
// Every attempt re-validates its target, reserves quota, renders content and
// hands the message to a transport, then persists the outcome on the owning
// Recipient or StepExecution. Deferrals reschedule the item without touching
// the record; transient transport failures back off up to the owner's retry
// limit.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/pkg/logger"
	"github.com/ignite/coldreach/internal/ratelimit"
	"github.com/ignite/coldreach/internal/render"
	"github.com/ignite/coldreach/internal/resolver"
	"github.com/ignite/coldreach/internal/scheduler"
	"github.com/ignite/coldreach/internal/service/sending"
	"github.com/ignite/coldreach/internal/store"
)

// Config tunes timeouts and retry policy.
type Config struct {
	TransportTimeout time.Duration
	ReserveTimeout   time.Duration
	RetryBase        time.Duration
	RetryMax         time.Duration
	// DefaultMaxRetries applies when a campaign or sequence sets none.
	DefaultMaxRetries int
	// ABHoldRetry is how often held A/B recipients are re-checked when the
	// test has no duration.
	ABHoldRetry time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TransportTimeout:  30 * time.Second,
		ReserveTimeout:    5 * time.Second,
		RetryBase:         time.Minute,
		RetryMax:          time.Hour,
		DefaultMaxRetries: 3,
		ABHoldRetry:       15 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.TransportTimeout <= 0 {
		c.TransportTimeout = d.TransportTimeout
	}
	if c.ReserveTimeout <= 0 {
		c.ReserveTimeout = d.ReserveTimeout
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = d.RetryMax
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = d.DefaultMaxRetries
	}
	if c.ABHoldRetry <= 0 {
		c.ABHoldRetry = d.ABHoldRetry
	}
}

// Outcome is what one execution did.
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeDeferred Outcome = "deferred"
	OutcomeRetry    Outcome = "retry"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
	// OutcomeIgnored means the item was stale: its target was already
	// finished, superseded or deleted.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeExecuted is a completed non-email step.
	OutcomeExecuted Outcome = "executed"
)

// Result reports one execution. NextAt is set when the item was put back in
// the queue.
type Result struct {
	Outcome   Outcome   `json:"outcome"`
	NextAt    time.Time `json:"next_at,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// StepHandler runs sequence step items. The executor holds the enrollment
// lock while it is called.
type StepHandler interface {
	HandleStep(ctx context.Context, item scheduler.Item) (Result, error)
}

// Observer is told when a recipient reaches a terminal state.
type Observer interface {
	RecipientFinished(ctx context.Context, campaignID string)
}

// RecipientKey and EnrollmentKey name the per-target locks shared with the
// event ingestor.
func RecipientKey(id string) string  { return "recipient:" + id }
func EnrollmentKey(id string) string { return "enrollment:" + id }

// Locker serializes work per target key. keylock.Locker is the in-process
// implementation; distlock.KeyLocker extends it across hosts.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Executor runs scheduler items.
type Executor struct {
	store     store.Store
	resolver  *resolver.Resolver
	limiter   ratelimit.Limiter
	transport sending.Transport
	renderer  *render.Renderer
	queue     *scheduler.Queue
	locks     Locker
	cfg       Config
	now       func() time.Time

	mu        sync.RWMutex
	steps     StepHandler
	observers []Observer
}

// New wires an executor. locks must be the same Locker the ingestor uses.
func New(st store.Store, res *resolver.Resolver, limiter ratelimit.Limiter, transport sending.Transport,
	renderer *render.Renderer, queue *scheduler.Queue, locks Locker, cfg Config) *Executor {
	cfg.applyDefaults()
	return &Executor{
		store:     st,
		resolver:  res,
		limiter:   limiter,
		transport: transport,
		renderer:  renderer,
		queue:     queue,
		locks:     locks,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetStepHandler installs the sequence state machine.
func (e *Executor) SetStepHandler(h StepHandler) {
	e.mu.Lock()
	e.steps = h
	e.mu.Unlock()
}

// AddObserver registers o for recipient completion callbacks.
func (e *Executor) AddObserver(o Observer) {
	e.mu.Lock()
	e.observers = append(e.observers, o)
	e.mu.Unlock()
}

// SetClock overrides the time source for the executor and its queue.
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
	e.queue.SetClock(now)
}

// Locks exposes the per-target lock table.
func (e *Executor) Locks() Locker { return e.locks }

// Queue exposes the scheduler queue items are pulled from.
func (e *Executor) Queue() *scheduler.Queue { return e.queue }

// Execute runs one due item under its target lock.
func (e *Executor) Execute(ctx context.Context, item scheduler.Item) (Result, error) {
	switch item.Kind {
	case scheduler.KindRecipient:
		unlock, err := e.locks.Lock(ctx, RecipientKey(item.ID))
		if err != nil {
			return Result{}, err
		}
		defer unlock()
		return e.executeRecipient(ctx, item)

	case scheduler.KindStep:
		e.mu.RLock()
		h := e.steps
		e.mu.RUnlock()
		if h == nil {
			return Result{}, errors.New("no step handler installed")
		}
		unlock, err := e.locks.Lock(ctx, EnrollmentKey(item.OwnerID))
		if err != nil {
			return Result{}, err
		}
		defer unlock()
		return h.HandleStep(ctx, item)
	}
	return Result{}, fmt.Errorf("unknown item kind %q", item.Kind)
}

func (e *Executor) notifyFinished(ctx context.Context, campaignID string) {
	e.mu.RLock()
	obs := append([]Observer(nil), e.observers...)
	e.mu.RUnlock()
	for _, o := range obs {
		o.RecipientFinished(ctx, campaignID)
	}
}

// reschedule puts item back at at.
func (e *Executor) reschedule(item scheduler.Item, at time.Time) {
	item.DueAt = at
	e.queue.Schedule(item)
}

func (e *Executor) backoff(retry int) time.Duration {
	return scheduler.Backoff(retry, e.cfg.RetryBase, e.cfg.RetryMax)
}

func (e *Executor) maxRetries(configured int) int {
	if configured > 0 {
		return configured
	}
	return e.cfg.DefaultMaxRetries
}

// writeLog records an owner-visible entry. Failures are logged only.
func (e *Executor) writeLog(ctx context.Context, entry domain.LogEntry) {
	entry.ID = uuid.New().String()
	entry.CreatedAt = e.now()
	if err := e.store.AppendLog(ctx, &entry); err != nil {
		logger.Warn("append activity log failed", "error", err.Error())
	}
}
