package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/coldreach/internal/domain"
)

// Handler applies one decoded event. Ingestor.Ingest satisfies it.
type Handler func(ctx context.Context, e *domain.Event) error

// Source delivers events from a producer until ctx is cancelled.
type Source interface {
	Name() string
	Run(ctx context.Context, h Handler) error
}

// Serve runs every source until ctx ends or one fails.
func Serve(ctx context.Context, h Handler, sources ...Source) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			log.Printf("[Ingest] source %s started", src.Name())
			err := src.Run(ctx, h)
			log.Printf("[Ingest] source %s stopped", src.Name())
			if err != nil {
				return fmt.Errorf("source %s: %w", src.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// snsEnvelope is the wrapper SNS puts around messages fanned out to SQS.
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// Decode parses an event body, unwrapping an SNS notification envelope.
func Decode(body []byte) (*domain.Event, error) {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Type == "Notification" && env.Message != "" {
		body = []byte(env.Message)
	}
	var e domain.Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return &e, nil
}

// ChanSource feeds events from an in-process channel, as the API handler
// and the score decayer do.
type ChanSource struct {
	name string
	ch   chan *domain.Event
}

// NewChanSource creates a source with a buffered channel of size n.
func NewChanSource(name string, n int) *ChanSource {
	return &ChanSource{name: name, ch: make(chan *domain.Event, n)}
}

// Name implements Source.
func (s *ChanSource) Name() string { return s.name }

// Publish enqueues e, blocking until there is room or ctx ends.
func (s *ChanSource) Publish(ctx context.Context, e *domain.Event) error {
	select {
	case s.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run implements Source. Handler errors are logged; the channel has no
// redelivery.
func (s *ChanSource) Run(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-s.ch:
			if err := h(ctx, e); err != nil {
				log.Printf("[Ingest] %s: event %s dropped: %v", s.name, e.Type, err)
			}
		}
	}
}
