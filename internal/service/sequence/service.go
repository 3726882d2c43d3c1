package sequence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/coldreach/internal/contacts"
	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/executor"
	"github.com/ignite/coldreach/internal/notify"
	"github.com/ignite/coldreach/internal/resolver"
	"github.com/ignite/coldreach/internal/scheduler"
	"github.com/ignite/coldreach/internal/scoring"
	"github.com/ignite/coldreach/internal/store"
)

// Service owns sequence definitions and drives enrollments through them.
// It is the executor's step handler and the ingestor's enrollment stopper.
// All public methods are safe for concurrent use.
type Service struct {
	store    store.Store
	exec     *executor.Executor
	queue    *scheduler.Queue
	locks    executor.Locker
	resolver *resolver.Resolver
	contacts contacts.Directory
	tagger   contacts.Tagger
	scoring  scoring.Engine
	notify   notify.Sink
	now      func() time.Time

	// BulkWorkers bounds concurrent enrollments in BulkEnroll.
	BulkWorkers int
}

// NewService wires the state machine and registers it as exec's step
// handler. tagger, scorer and sink may be nil.
func NewService(st store.Store, exec *executor.Executor, res *resolver.Resolver, dir contacts.Directory,
	tagger contacts.Tagger, scorer scoring.Engine, sink notify.Sink) *Service {
	if sink == nil {
		sink = notify.Discard{}
	}
	s := &Service{
		store:       st,
		exec:        exec,
		queue:       exec.Queue(),
		locks:       exec.Locks(),
		resolver:    res,
		contacts:    dir,
		tagger:      tagger,
		scoring:     scorer,
		notify:      sink,
		now:         time.Now,
		BulkWorkers: 8,
	}
	exec.SetStepHandler(s)
	return s
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Input holds the editable fields of a sequence.
type Input struct {
	Name            string                `json:"name"`
	FromName        string                `json:"from_name"`
	Steps           []domain.Step         `json:"steps"`
	Stop            domain.StopConditions `json:"stop_conditions"`
	Window          *domain.SendWindow    `json:"send_window,omitempty"`
	MaxEmailsPerDay int                   `json:"max_emails_per_day"`
	AccountIDs      []string              `json:"account_ids"`
	MaxRetries      int                   `json:"max_retries"`
}

// normalizeSteps assigns missing ids and positions in slice order.
func normalizeSteps(steps []domain.Step) []domain.Step {
	out := make([]domain.Step, len(steps))
	copy(out, steps)
	positioned := false
	for _, st := range out {
		if st.Position != 0 {
			positioned = true
		}
	}
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = uuid.New().String()
		}
		if !positioned {
			out[i].Position = i + 1
		}
	}
	return out
}

func (in *Input) apply(q *domain.Sequence) error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSequence)
	}
	steps := normalizeSteps(in.Steps)
	if _, err := NewGraph(steps); err != nil {
		return err
	}
	if _, err := scheduler.ParseWindow(in.Window); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSequence, err)
	}
	if in.MaxEmailsPerDay < 0 || in.MaxRetries < 0 {
		return fmt.Errorf("%w: limits cannot be negative", ErrInvalidSequence)
	}
	q.Name = in.Name
	q.FromName = in.FromName
	q.Steps = steps
	q.Stop = in.Stop
	q.Window = in.Window
	q.MaxEmailsPerDay = in.MaxEmailsPerDay
	q.AccountIDs = in.AccountIDs
	q.MaxRetries = in.MaxRetries
	return nil
}

// Create validates and persists a new draft sequence.
func (s *Service) Create(ctx context.Context, orgID string, in Input) (*domain.Sequence, error) {
	now := s.now().UTC()
	q := &domain.Sequence{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Status:         domain.SequenceDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := in.apply(q); err != nil {
		return nil, err
	}
	if err := s.store.CreateSequence(ctx, q); err != nil {
		return nil, err
	}
	return q, nil
}

// Get returns a single sequence.
func (s *Service) Get(ctx context.Context, id string) (*domain.Sequence, error) {
	q, err := s.store.GetSequence(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return q, err
}

// List returns an organization's sequences, optionally by status.
func (s *Service) List(ctx context.Context, orgID string, statuses ...domain.SequenceStatus) ([]domain.Sequence, error) {
	return s.store.ListSequences(ctx, orgID, statuses...)
}

// Update replaces the definition. Only draft and paused sequences can be
// edited; enrollments sitting on a removed step fail when they next run.
func (s *Service) Update(ctx context.Context, id string, in Input) (*domain.Sequence, error) {
	q, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if q.Status != domain.SequenceDraft && q.Status != domain.SequencePaused {
		return nil, ErrNotEditable
	}
	if err := in.apply(q); err != nil {
		return nil, err
	}
	q.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateSequence(ctx, q); err != nil {
		return nil, err
	}
	return q, nil
}

// Delete removes a draft or archived sequence.
func (s *Service) Delete(ctx context.Context, id string) error {
	q, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if q.Status != domain.SequenceDraft && q.Status != domain.SequenceArchived {
		return fmt.Errorf("%w: cannot delete a %s sequence", ErrInvalidTransition, q.Status)
	}
	return s.store.DeleteSequence(ctx, id)
}

// Activate opens the sequence for enrollment after checking everything a
// send needs: a valid graph and window, and at least one usable account
// when the sequence sends email.
func (s *Service) Activate(ctx context.Context, id string) (*domain.Sequence, error) {
	q, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !q.Status.CanTransitionTo(domain.SequenceActive) {
		return nil, fmt.Errorf("%w: %s -> active", ErrInvalidTransition, q.Status)
	}
	if err := s.checkSendable(ctx, q); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	wasPaused := q.Status == domain.SequencePaused
	q.Status = domain.SequenceActive
	if q.ActivatedAt == nil {
		q.ActivatedAt = &now
	}
	q.UpdatedAt = now
	if err := s.store.UpdateSequence(ctx, q); err != nil {
		return nil, err
	}
	if wasPaused {
		s.forEachEnrollment(ctx, q.ID, []domain.EnrollmentStatus{domain.EnrollmentActive}, func(en *domain.Enrollment) {
			s.queue.Resume(en.ID)
		})
	}
	log.Printf("[sequence.Service] sequence %s activated", q.ID)
	return q, nil
}

func (s *Service) checkSendable(ctx context.Context, q *domain.Sequence) error {
	g, err := NewGraph(q.Steps)
	if err != nil {
		return err
	}
	if _, err := scheduler.ParseWindow(q.Window); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSequence, err)
	}
	sendsEmail := false
	for i := 0; i < g.Len(); i++ {
		if g.steps[i].Kind == domain.StepEmail {
			sendsEmail = true
			break
		}
	}
	if !sendsEmail {
		return nil
	}
	if len(q.AccountIDs) == 0 {
		return fmt.Errorf("%w: no sending accounts", ErrInvalidSequence)
	}
	usable := 0
	for _, id := range q.AccountIDs {
		a, err := s.store.GetAccount(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: account %s does not exist", ErrInvalidSequence, id)
		}
		if err != nil {
			return err
		}
		if a.OrganizationID != q.OrganizationID {
			return fmt.Errorf("%w: account %s belongs to another organization", ErrInvalidSequence, id)
		}
		if a.IsSendable() {
			usable++
		}
	}
	if usable == 0 {
		return fmt.Errorf("%w: no connected sending account", ErrInvalidSequence)
	}
	return nil
}

// Pause stops new step dispatches for every enrollment. Enrollments keep
// their status and resume where they were.
func (s *Service) Pause(ctx context.Context, id string) (*domain.Sequence, error) {
	q, err := s.transition(ctx, id, domain.SequencePaused)
	if err != nil {
		return nil, err
	}
	s.forEachEnrollment(ctx, q.ID, []domain.EnrollmentStatus{domain.EnrollmentActive}, func(en *domain.Enrollment) {
		s.queue.Defer(en.ID)
	})
	return q, nil
}

// Resume re-activates a paused sequence.
func (s *Service) Resume(ctx context.Context, id string) (*domain.Sequence, error) {
	q, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if q.Status != domain.SequencePaused {
		return nil, fmt.Errorf("%w: %s sequence cannot resume", ErrInvalidTransition, q.Status)
	}
	return s.Activate(ctx, id)
}

// Archive retires the sequence and stops its open enrollments.
func (s *Service) Archive(ctx context.Context, id string) (*domain.Sequence, error) {
	q, err := s.transition(ctx, id, domain.SequenceArchived)
	if err != nil {
		return nil, err
	}
	open := []domain.EnrollmentStatus{domain.EnrollmentActive, domain.EnrollmentPaused}
	s.forEachEnrollment(ctx, q.ID, open, func(en *domain.Enrollment) {
		if err := s.stopByID(ctx, en.ID, domain.StopManual); err != nil {
			log.Printf("[sequence.Service] archive %s: stop enrollment %s: %v", q.ID, en.ID, err)
		}
	})
	return q, nil
}

func (s *Service) transition(ctx context.Context, id string, next domain.SequenceStatus) (*domain.Sequence, error) {
	q, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !q.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, q.Status, next)
	}
	q.Status = next
	q.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateSequence(ctx, q); err != nil {
		return nil, err
	}
	return q, nil
}

func (s *Service) forEachEnrollment(ctx context.Context, seqID string, statuses []domain.EnrollmentStatus, fn func(*domain.Enrollment)) {
	ens, err := s.store.ListEnrollments(ctx, store.EnrollmentFilter{SequenceID: seqID, Statuses: statuses})
	if err != nil {
		log.Printf("[sequence.Service] list enrollments of %s: %v", seqID, err)
		return
	}
	for i := range ens {
		fn(&ens[i])
	}
}

// Stats summarizes a sequence: lifecycle counters plus execution outcomes
// per step.
type Stats struct {
	Enrolled  int                                  `json:"enrolled_count"`
	Active    int                                  `json:"active_count"`
	Paused    int                                  `json:"paused_count"`
	Completed int                                  `json:"completed_count"`
	Stopped   int                                  `json:"stopped_count"`
	Failed    int                                  `json:"failed_count"`
	Steps     map[string]map[domain.SendStatus]int `json:"steps"`
}

// Stats computes the summary from stored enrollments and executions.
func (s *Service) Stats(ctx context.Context, id string) (*Stats, error) {
	q, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &Stats{
		Enrolled:  q.EnrolledCount,
		Completed: q.CompletedCount,
		Stopped:   q.StoppedCount,
		Failed:    q.FailedCount,
		Steps:     map[string]map[domain.SendStatus]int{},
	}
	ens, err := s.store.ListEnrollments(ctx, store.EnrollmentFilter{
		SequenceID: id,
		Statuses:   []domain.EnrollmentStatus{domain.EnrollmentActive, domain.EnrollmentPaused},
	})
	if err != nil {
		return nil, err
	}
	for _, en := range ens {
		if en.Status == domain.EnrollmentActive {
			out.Active++
		} else {
			out.Paused++
		}
	}
	xs, err := s.store.ListStepExecutions(ctx, store.ExecutionFilter{SequenceID: id})
	if err != nil {
		return nil, err
	}
	for _, x := range xs {
		m := out.Steps[x.StepID]
		if m == nil {
			m = map[domain.SendStatus]int{}
			out.Steps[x.StepID] = m
		}
		m[x.Status]++
	}
	return out, nil
}
