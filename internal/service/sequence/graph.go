package sequence

import (
	"fmt"
	"sort"

	"github.com/ignite/coldreach/internal/domain"
)

// Branch labels recorded on condition step executions.
const (
	BranchTrue  = "true"
	BranchFalse = "false"
)

// Graph is a validated, position-ordered view of a sequence's steps.
type Graph struct {
	steps []domain.Step
	index map[string]int
}

// NewGraph validates steps and builds the graph. Every step must be valid,
// ids unique, references must resolve and the graph must be acyclic.
func NewGraph(steps []domain.Step) (*Graph, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: sequence has no steps", ErrInvalidSequence)
	}
	sorted := make([]domain.Step, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	g := &Graph{steps: sorted, index: make(map[string]int, len(sorted))}
	for i := range sorted {
		st := &sorted[i]
		if err := st.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSequence, err)
		}
		if st.ID == domain.StepEnd {
			return nil, fmt.Errorf("%w: step id %q is reserved", ErrInvalidSequence, domain.StepEnd)
		}
		if _, dup := g.index[st.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate step id %s", ErrInvalidSequence, st.ID)
		}
		g.index[st.ID] = i
	}
	for i := range sorted {
		for _, ref := range g.refs(&sorted[i]) {
			if _, ok := g.index[ref]; !ok {
				return nil, fmt.Errorf("%w: step %s points at unknown step %s", ErrInvalidSequence, sorted[i].ID, ref)
			}
		}
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// refs lists the explicit references a step makes.
func (g *Graph) refs(st *domain.Step) []string {
	var out []string
	add := func(id string) {
		if id != "" && id != domain.StepEnd {
			out = append(out, id)
		}
	}
	add(st.NextStepID)
	if st.Condition != nil {
		add(st.Condition.TrueBranchStepID)
		add(st.Condition.FalseBranchStepID)
	}
	return out
}

// successors lists every step that can follow st, implicit edges included.
func (g *Graph) successors(st *domain.Step) []string {
	if st.Kind == domain.StepCondition {
		var out []string
		for _, b := range []string{BranchTrue, BranchFalse} {
			if id := g.Next(st, b); id != "" {
				out = append(out, id)
			}
		}
		return out
	}
	if id := g.Next(st, ""); id != "" {
		return []string{id}
	}
	return nil
}

func (g *Graph) checkAcyclic() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(g.steps))
	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case visiting:
			return fmt.Errorf("%w: step %s is part of a cycle", ErrInvalidSequence, g.steps[i].ID)
		case done:
			return nil
		}
		state[i] = visiting
		for _, next := range g.successors(&g.steps[i]) {
			if err := visit(g.index[next]); err != nil {
				return err
			}
		}
		state[i] = done
		return nil
	}
	for i := range g.steps {
		if err := visit(i); err != nil {
			return err
		}
	}
	return nil
}

// First is the entry step, the one with the lowest position.
func (g *Graph) First() *domain.Step {
	return &g.steps[0]
}

// Step looks a step up by id.
func (g *Graph) Step(id string) (*domain.Step, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return &g.steps[i], true
}

// Next returns the step that follows st, or "" when the sequence ends.
// Condition steps follow branch; an empty branch target ends the sequence.
// Other steps follow NextStepID, falling back to the next step by position.
// domain.StepEnd ends the sequence either way.
func (g *Graph) Next(st *domain.Step, branch string) string {
	if st.Kind == domain.StepCondition && st.Condition != nil {
		target := st.Condition.FalseBranchStepID
		if branch == BranchTrue {
			target = st.Condition.TrueBranchStepID
		}
		if target == domain.StepEnd {
			return ""
		}
		return target
	}
	switch st.NextStepID {
	case domain.StepEnd:
		return ""
	case "":
	default:
		return st.NextStepID
	}
	i := g.index[st.ID]
	if i+1 < len(g.steps) {
		return g.steps[i+1].ID
	}
	return ""
}

// Len is the number of steps.
func (g *Graph) Len() int { return len(g.steps) }
