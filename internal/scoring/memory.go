package scoring

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/ignite/coldreach/internal/domain"
)

// MemoryEngine keeps scores in process.
type MemoryEngine struct {
	mu      sync.Mutex
	weights Weights
	scores  map[string]map[string]float64 // org -> contact -> score
}

// NewMemoryEngine creates an engine; nil weights means DefaultWeights.
func NewMemoryEngine(w Weights) *MemoryEngine {
	if w == nil {
		w = DefaultWeights()
	}
	return &MemoryEngine{weights: w, scores: map[string]map[string]float64{}}
}

// ApplyEvent implements Engine.
func (m *MemoryEngine) ApplyEvent(_ context.Context, orgID, contactID string, t domain.EventType) (Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	org := m.scores[orgID]
	if org == nil {
		org = map[string]float64{}
		m.scores[orgID] = org
	}
	prev := org[contactID]
	cur := round(prev + m.weights[t])
	org[contactID] = cur
	return Change{Previous: prev, Current: cur}, nil
}

// Score implements Engine.
func (m *MemoryEngine) Score(_ context.Context, orgID, contactID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scores[orgID][contactID], nil
}

// Set overwrites a score.
func (m *MemoryEngine) Set(orgID, contactID string, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scores[orgID] == nil {
		m.scores[orgID] = map[string]float64{}
	}
	m.scores[orgID][contactID] = score
}

// Decay implements Engine. Results are sorted by organization and contact.
func (m *MemoryEngine) Decay(_ context.Context, factor, floor float64) ([]Decayed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Decayed
	for orgID, org := range m.scores {
		for contactID, prev := range org {
			cur := round(prev * factor)
			if math.Abs(cur) < floor {
				cur = 0
			}
			if cur == prev {
				continue
			}
			org[contactID] = cur
			out = append(out, Decayed{OrganizationID: orgID, ContactID: contactID, Change: Change{Previous: prev, Current: cur}})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrganizationID != out[j].OrganizationID {
			return out[i].OrganizationID < out[j].OrganizationID
		}
		return out[i].ContactID < out[j].ContactID
	})
	return out, nil
}
