package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/executor"
	"github.com/ignite/coldreach/internal/notify"
	"github.com/ignite/coldreach/internal/pkg/logger"
	"github.com/ignite/coldreach/internal/scheduler"
	"github.com/ignite/coldreach/internal/store"
)

// Enroll starts contactID on the sequence. The sequence must be active and
// the contact must be sendable with no open enrollment in it.
func (s *Service) Enroll(ctx context.Context, seqID, contactID string) (*domain.Enrollment, error) {
	q, err := s.Get(ctx, seqID)
	if err != nil {
		return nil, err
	}
	if q.Status != domain.SequenceActive {
		return nil, ErrNotActive
	}
	g, err := NewGraph(q.Steps)
	if err != nil {
		return nil, err
	}
	w, err := scheduler.ParseWindow(q.Window)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSequence, err)
	}

	ct, err := s.resolver.CheckEnrollable(ctx, q, contactID)
	if errors.Is(err, store.ErrActiveEnrollment) {
		return nil, ErrAlreadyEnrolled
	}
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	first := g.First()
	due, err := scheduler.StepDueAt(now, first, w)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSequence, err)
	}
	en := &domain.Enrollment{
		ID:             uuid.New().String(),
		SequenceID:     q.ID,
		OrganizationID: q.OrganizationID,
		ContactID:      ct.ID,
		Email:          ct.Email,
		Status:         domain.EnrollmentActive,
		CurrentStepID:  first.ID,
		NextStepAt:     &due,
		EnrolledAt:     now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateEnrollment(ctx, en); err != nil {
		if errors.Is(err, store.ErrActiveEnrollment) {
			return nil, ErrAlreadyEnrolled
		}
		return nil, err
	}
	if err := s.store.IncrementSequenceCounters(ctx, q.ID, store.SequenceCounters{Enrolled: 1}); err != nil {
		logger.Warn("sequence enrolled counter update failed", "sequence_id", q.ID, "error", err.Error())
	}

	unlock, err := s.locks.Lock(ctx, executor.EnrollmentKey(en.ID))
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := s.queueStep(ctx, en, first, due); err != nil {
		return nil, err
	}

	s.emit(ctx, notify.Notification{
		Event:          notify.EventNewEnrollment,
		OrganizationID: q.OrganizationID,
		SequenceID:     q.ID,
		EnrollmentID:   en.ID,
		ContactID:      ct.ID,
		Email:          ct.Email,
	})
	return en, nil
}

// BulkResult reports a BulkEnroll call. Errors maps contact ids to the
// reason they were not enrolled.
type BulkResult struct {
	Enrolled []string          `json:"enrolled"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// BulkEnroll enrolls each contact independently. One contact failing does
// not affect the others.
func (s *Service) BulkEnroll(ctx context.Context, seqID string, contactIDs []string) (*BulkResult, error) {
	q, err := s.Get(ctx, seqID)
	if err != nil {
		return nil, err
	}
	if q.Status != domain.SequenceActive {
		return nil, ErrNotActive
	}

	out := &BulkResult{Errors: map[string]string{}}
	var mu sync.Mutex
	workers := s.BulkWorkers
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, id := range contactIDs {
		g.Go(func() error {
			_, err := s.Enroll(gctx, seqID, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Errors[id] = err.Error()
				return nil
			}
			out.Enrolled = append(out.Enrolled, id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// queueStep records a queued execution for step and schedules it. The
// caller holds the enrollment lock.
func (s *Service) queueStep(ctx context.Context, en *domain.Enrollment, st *domain.Step, due time.Time) error {
	now := s.now().UTC()
	x := &domain.StepExecution{
		ID:           uuid.New().String(),
		EnrollmentID: en.ID,
		SequenceID:   en.SequenceID,
		StepID:       st.ID,
		StepKind:     st.Kind,
		Delivery:     domain.Delivery{Status: domain.StatusQueued},
		DueAt:        due,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateStepExecution(ctx, x); err != nil {
		return fmt.Errorf("create step execution: %w", err)
	}
	s.queue.Schedule(scheduler.Item{
		ID:      x.ID,
		Kind:    scheduler.KindStep,
		OwnerID: en.ID,
		DueAt:   due,
		Order:   en.Order,
	})
	return nil
}

// withEnrollment loads an enrollment under its lock.
func (s *Service) withEnrollment(ctx context.Context, id string, fn func(*domain.Enrollment) error) (*domain.Enrollment, error) {
	unlock, err := s.locks.Lock(ctx, executor.EnrollmentKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()
	en, err := s.store.GetEnrollment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := fn(en); err != nil {
		return nil, err
	}
	return en, nil
}

// PauseEnrollment holds one enrollment at its current step.
func (s *Service) PauseEnrollment(ctx context.Context, id string) (*domain.Enrollment, error) {
	return s.withEnrollment(ctx, id, func(en *domain.Enrollment) error {
		now := s.now().UTC()
		if err := en.Transition(domain.EnrollmentPaused, now); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		en.UpdatedAt = now
		if err := s.store.UpdateEnrollment(ctx, en); err != nil {
			return err
		}
		s.queue.Defer(en.ID)
		return nil
	})
}

// ResumeEnrollment continues a paused enrollment where it left off. Work
// that was not in the queue, for example after a restart, is requeued from
// the store.
func (s *Service) ResumeEnrollment(ctx context.Context, id string) (*domain.Enrollment, error) {
	return s.withEnrollment(ctx, id, func(en *domain.Enrollment) error {
		now := s.now().UTC()
		if en.Status != domain.EnrollmentPaused {
			return fmt.Errorf("%w: %s enrollment cannot resume", ErrInvalidTransition, en.Status)
		}
		if err := en.Transition(domain.EnrollmentActive, now); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		en.UpdatedAt = now
		if err := s.store.UpdateEnrollment(ctx, en); err != nil {
			return err
		}
		if s.queue.Resume(en.ID) == 0 {
			return s.requeue(ctx, en)
		}
		return nil
	})
}

// StopEnrollment ends an enrollment by hand.
func (s *Service) StopEnrollment(ctx context.Context, id string) (*domain.Enrollment, error) {
	return s.withEnrollment(ctx, id, func(en *domain.Enrollment) error {
		if en.Status.IsTerminal() {
			return fmt.Errorf("%w: enrollment already %s", ErrInvalidTransition, en.Status)
		}
		return s.StopLocked(ctx, en, domain.StopManual)
	})
}

func (s *Service) stopByID(ctx context.Context, id string, reason domain.StopReason) error {
	_, err := s.withEnrollment(ctx, id, func(en *domain.Enrollment) error {
		if en.Status.IsTerminal() {
			return nil
		}
		return s.StopLocked(ctx, en, reason)
	})
	return err
}

// GetEnrollment returns one enrollment.
func (s *Service) GetEnrollment(ctx context.Context, id string) (*domain.Enrollment, error) {
	en, err := s.store.GetEnrollment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrEnrollmentNotFound
	}
	return en, err
}

// ListEnrollments lists a sequence's enrollments.
func (s *Service) ListEnrollments(ctx context.Context, f store.EnrollmentFilter) ([]domain.Enrollment, error) {
	return s.store.ListEnrollments(ctx, f)
}

// Executions returns an enrollment's step history in order.
func (s *Service) Executions(ctx context.Context, enrollmentID string) ([]domain.StepExecution, error) {
	return s.store.ListStepExecutions(ctx, store.ExecutionFilter{EnrollmentID: enrollmentID})
}

// Preview renders one email step for a contact without sending.
func (s *Service) Preview(ctx context.Context, id, stepID, contactID string) (*executor.Preview, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.exec.PreviewStep(ctx, id, stepID, contactID)
}

// Logs lists a sequence's activity log, newest first.
func (s *Service) Logs(ctx context.Context, id string, limit int) ([]domain.LogEntry, error) {
	return s.store.ListLogs(ctx, store.LogFilter{SequenceID: id, Limit: limit})
}

// requeue puts an enrollment's outstanding execution back in the queue.
// When none is outstanding the current step is queued afresh.
func (s *Service) requeue(ctx context.Context, en *domain.Enrollment) error {
	xs, err := s.store.ListStepExecutions(ctx, store.ExecutionFilter{
		EnrollmentID: en.ID,
		Statuses:     []domain.SendStatus{domain.StatusPending, domain.StatusQueued, domain.StatusSending},
	})
	if err != nil {
		return err
	}
	if len(xs) > 0 {
		x := xs[len(xs)-1]
		s.queue.Schedule(scheduler.Item{
			ID:      x.ID,
			Kind:    scheduler.KindStep,
			OwnerID: en.ID,
			DueAt:   x.DueAt,
			Order:   en.Order,
		})
		return nil
	}
	q, err := s.store.GetSequence(ctx, en.SequenceID)
	if err != nil {
		return err
	}
	g, err := NewGraph(q.Steps)
	if err != nil {
		return err
	}
	st, ok := g.Step(en.CurrentStepID)
	if !ok {
		return s.failLocked(ctx, en, "current step no longer exists")
	}
	return s.queueStep(ctx, en, st, s.now().UTC())
}

func (s *Service) emit(ctx context.Context, n notify.Notification) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.OccurredAt.IsZero() {
		n.OccurredAt = s.now().UTC()
	}
	if err := s.notify.Notify(ctx, n); err != nil {
		logger.Warn("notification failed", "event", n.Event, "error", err.Error())
	}
}
