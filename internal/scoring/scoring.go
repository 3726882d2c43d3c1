// Package scoring keeps per-contact engagement scores. Scores move when
// engagement events arrive and shrink on a decay schedule; decay results
// are fed back into the event stream as score_changed events so threshold
// stop conditions see them like any other event.
package scoring

import (
	"context"
	"math"

	"github.com/ignite/coldreach/internal/domain"
)

// Weights maps event types to score deltas.
type Weights map[domain.EventType]float64

// DefaultWeights returns the stock weighting.
func DefaultWeights() Weights {
	return Weights{
		domain.EventOpened:       1,
		domain.EventClicked:      3,
		domain.EventReplied:      10,
		domain.EventBounced:      -5,
		domain.EventUnsubscribed: -10,
		domain.EventComplained:   -20,
	}
}

// Change is a score movement.
type Change struct {
	Previous float64 `json:"previous"`
	Current  float64 `json:"current"`
}

// CrossedAbove reports whether the score rose to or past threshold.
func (c Change) CrossedAbove(threshold float64) bool {
	return c.Previous < threshold && c.Current >= threshold
}

// Decayed is one contact's decay result.
type Decayed struct {
	OrganizationID string
	ContactID      string
	Change
}

// Engine is the scoring collaborator used by the ingestor and the
// sequence machine.
type Engine interface {
	ApplyEvent(ctx context.Context, orgID, contactID string, t domain.EventType) (Change, error)
	Score(ctx context.Context, orgID, contactID string) (float64, error)
	// Decay multiplies every score by factor; scores whose magnitude drops
	// below floor become zero.
	Decay(ctx context.Context, factor, floor float64) ([]Decayed, error)
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}
