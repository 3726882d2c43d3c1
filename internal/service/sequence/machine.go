package sequence

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/ignite/coldreach/internal/contacts"
	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/executor"
	"github.com/ignite/coldreach/internal/notify"
	"github.com/ignite/coldreach/internal/pkg/logger"
	"github.com/ignite/coldreach/internal/scheduler"
	"github.com/ignite/coldreach/internal/store"
)

// ============================================================================
// STEP HANDLING
// ============================================================================

// HandleStep runs one due step execution. The executor holds the
// enrollment lock for the duration of the call.
func (s *Service) HandleStep(ctx context.Context, item scheduler.Item) (executor.Result, error) {
	ignored := executor.Result{Outcome: executor.OutcomeIgnored}

	x, err := s.store.GetStepExecution(ctx, item.ID)
	if errors.Is(err, store.ErrNotFound) {
		return ignored, nil
	}
	if err != nil {
		return executor.Result{}, err
	}
	if !x.Status.IsPreSend() {
		return ignored, nil
	}

	en, err := s.store.GetEnrollment(ctx, item.OwnerID)
	if errors.Is(err, store.ErrNotFound) {
		s.skipExec(ctx, x, "enrollment deleted")
		return ignored, nil
	}
	if err != nil {
		return executor.Result{}, err
	}
	if en.Status.IsTerminal() {
		s.skipExec(ctx, x, "enrollment "+string(en.Status))
		return ignored, nil
	}
	if en.CurrentStepID != x.StepID {
		s.skipExec(ctx, x, "superseded")
		return ignored, nil
	}
	if en.Status == domain.EnrollmentPaused {
		return s.park(item, en), nil
	}

	q, err := s.store.GetSequence(ctx, en.SequenceID)
	if errors.Is(err, store.ErrNotFound) {
		return s.failResult(ctx, en, "sequence deleted")
	}
	if err != nil {
		return executor.Result{}, err
	}
	switch q.Status {
	case domain.SequenceArchived:
		if err := s.StopLocked(ctx, en, domain.StopManual); err != nil {
			return executor.Result{}, err
		}
		return ignored, nil
	case domain.SequenceActive:
	default:
		return s.park(item, en), nil
	}

	g, err := NewGraph(q.Steps)
	if err != nil {
		return s.failResult(ctx, en, err.Error())
	}
	st, ok := g.Step(x.StepID)
	if !ok {
		return s.failResult(ctx, en, "step "+x.StepID+" no longer exists")
	}
	w, err := scheduler.ParseWindow(q.Window)
	if err != nil {
		return s.failResult(ctx, en, err.Error())
	}

	run := stepRun{item: item, seq: q, graph: g, window: w, en: en, step: st, exec: x}
	if st.Kind == domain.StepEmail {
		return s.runEmail(ctx, run)
	}
	return s.runAction(ctx, run)
}

// stepRun carries everything one step needs.
type stepRun struct {
	item   scheduler.Item
	seq    *domain.Sequence
	graph  *Graph
	window *scheduler.Window
	en     *domain.Enrollment
	step   *domain.Step
	exec   *domain.StepExecution
}

// park puts item back and holds it until the enrollment or sequence resumes.
func (s *Service) park(item scheduler.Item, en *domain.Enrollment) executor.Result {
	s.queue.Schedule(item)
	s.queue.Defer(en.ID)
	return executor.Result{Outcome: executor.OutcomeDeferred, NextAt: item.DueAt, Reason: "paused"}
}

func (s *Service) runEmail(ctx context.Context, r stepRun) (executor.Result, error) {
	res, err := s.exec.DeliverStep(ctx, executor.StepSend{
		Item:       r.item,
		Sequence:   r.seq,
		Enrollment: r.en,
		Step:       r.step,
		Exec:       r.exec,
		Window:     r.window,
	})
	if err != nil {
		return executor.Result{}, err
	}
	switch res.Outcome {
	case executor.OutcomeSent:
		if err := s.advance(ctx, r, ""); err != nil {
			return executor.Result{}, err
		}
	case executor.OutcomeSkipped:
		if res.Reason == "contact deleted" {
			err = s.failLocked(ctx, r.en, res.Reason)
		} else {
			err = s.StopLocked(ctx, r.en, domain.StopSuppressed)
		}
		if err != nil {
			return executor.Result{}, err
		}
	case executor.OutcomeFailed:
		if err := s.failLocked(ctx, r.en, res.Reason); err != nil {
			return executor.Result{}, err
		}
	case executor.OutcomeDeferred, executor.OutcomeRetry:
		next := res.NextAt
		r.en.NextStepAt = &next
		r.en.UpdatedAt = s.now().UTC()
		if err := s.store.UpdateEnrollment(ctx, r.en); err != nil {
			return executor.Result{}, err
		}
	}
	return res, nil
}

// runAction executes a non-email step. Side effect failures are recorded on
// the execution and in the activity log but never stop the enrollment.
func (s *Service) runAction(ctx context.Context, r stepRun) (executor.Result, error) {
	var ct *domain.Contact
	if r.step.Kind != domain.StepDelay {
		c, err := s.contacts.GetContact(ctx, r.en.OrganizationID, r.en.ContactID)
		if errors.Is(err, contacts.ErrNotFound) {
			s.skipExec(ctx, r.exec, "contact deleted")
			return s.failResult(ctx, r.en, "contact deleted")
		}
		if err != nil {
			return executor.Result{}, err
		}
		ct = c
	}

	branch := ""
	var sideErr error
	switch r.step.Kind {
	case domain.StepCondition:
		ok, err := s.evaluate(ctx, r.en, ct, r.step.Condition)
		if err != nil {
			return executor.Result{}, err
		}
		branch = BranchFalse
		if ok {
			branch = BranchTrue
		}
		r.exec.Branch = branch
	case domain.StepTag:
		sideErr = s.applyTag(ctx, r.en, r.step.Tag)
	case domain.StepTask:
		sideErr = s.notify.Notify(ctx, s.stepNotification(r, ct, notify.EventTaskCreated, map[string]string{
			"title": r.step.Task.Title,
			"note":  r.step.Task.Note,
		}))
	case domain.StepWebhook:
		n := s.stepNotification(r, ct, notify.EventSequenceWebhook, map[string]string{"step_id": r.step.ID})
		if r.step.Webhook.Event != "" {
			n.Data["event"] = r.step.Webhook.Event
		}
		n.URL = r.step.Webhook.URL
		sideErr = s.notify.Notify(ctx, n)
	}

	now := s.now().UTC()
	if sideErr != nil {
		r.exec.LastError = sideErr.Error()
		s.writeLog(ctx, domain.LogEntry{
			OrganizationID: r.seq.OrganizationID,
			SequenceID:     r.seq.ID,
			TargetID:       r.exec.ID,
			Level:          domain.LogWarn,
			Message:        fmt.Sprintf("%s step %s failed: %v", r.step.Kind, r.step.ID, sideErr),
		})
	}
	if err := r.exec.Transition(domain.StatusExecuted, now); err != nil {
		return executor.Result{}, err
	}
	r.exec.UpdatedAt = now
	if err := s.store.UpdateStepExecution(ctx, r.exec); err != nil {
		return executor.Result{}, fmt.Errorf("persist step execution: %w", err)
	}
	if err := s.advance(ctx, r, branch); err != nil {
		return executor.Result{}, err
	}
	return executor.Result{Outcome: executor.OutcomeExecuted, Reason: branch}, nil
}

func (s *Service) applyTag(ctx context.Context, en *domain.Enrollment, t *domain.TagStep) error {
	if s.tagger == nil {
		return errors.New("no contact tagger configured")
	}
	if t.Action == domain.TagRemove {
		return s.tagger.RemoveTag(ctx, en.OrganizationID, en.ContactID, t.Tag)
	}
	return s.tagger.AddTag(ctx, en.OrganizationID, en.ContactID, t.Tag)
}

func (s *Service) stepNotification(r stepRun, ct *domain.Contact, event string, data map[string]string) notify.Notification {
	data["step_id"] = r.step.ID
	return notify.Notification{
		ID:             uuid.New().String(),
		Event:          event,
		OrganizationID: r.seq.OrganizationID,
		SequenceID:     r.seq.ID,
		EnrollmentID:   r.en.ID,
		ContactID:      ct.ID,
		Email:          ct.Email,
		Data:           data,
		OccurredAt:     s.now().UTC(),
	}
}

// ============================================================================
// TRANSITIONS
// ============================================================================

// advance moves the enrollment past r.step, queueing the next step or
// completing the enrollment.
func (s *Service) advance(ctx context.Context, r stepRun, branch string) error {
	nextID := r.graph.Next(r.step, branch)
	if nextID == "" {
		return s.complete(ctx, r.en)
	}
	next, _ := r.graph.Step(nextID)
	now := s.now().UTC()
	due, err := scheduler.StepDueAt(now, next, r.window)
	if err != nil {
		return s.failLocked(ctx, r.en, err.Error())
	}
	r.en.CurrentStepID = next.ID
	r.en.NextStepAt = &due
	r.en.UpdatedAt = now
	if err := s.store.UpdateEnrollment(ctx, r.en); err != nil {
		return err
	}
	return s.queueStep(ctx, r.en, next, due)
}

func (s *Service) complete(ctx context.Context, en *domain.Enrollment) error {
	now := s.now().UTC()
	if err := en.Transition(domain.EnrollmentCompleted, now); err != nil {
		return err
	}
	en.UpdatedAt = now
	if err := s.store.UpdateEnrollment(ctx, en); err != nil {
		return err
	}
	s.bumpCounters(ctx, en.SequenceID, store.SequenceCounters{Completed: 1})
	logger.Info("enrollment completed", "enrollment_id", en.ID, "sequence_id", en.SequenceID)
	return nil
}

// StopLocked ends an open enrollment with reason and drops its pending
// work. The caller holds the enrollment lock. Stopping a finished
// enrollment is a no-op.
func (s *Service) StopLocked(ctx context.Context, en *domain.Enrollment, reason domain.StopReason) error {
	if en.Status.IsTerminal() {
		return nil
	}
	now := s.now().UTC()
	if err := en.Transition(domain.EnrollmentStopped, now); err != nil {
		return err
	}
	en.StopReason = reason
	en.UpdatedAt = now
	if err := s.store.UpdateEnrollment(ctx, en); err != nil {
		return err
	}
	s.queue.Cancel(en.ID)
	s.skipOutstanding(ctx, en, "enrollment stopped: "+string(reason))
	s.bumpCounters(ctx, en.SequenceID, store.SequenceCounters{Stopped: 1})
	s.writeLog(ctx, domain.LogEntry{
		OrganizationID: en.OrganizationID,
		SequenceID:     en.SequenceID,
		TargetID:       en.ID,
		Level:          domain.LogInfo,
		Message:        fmt.Sprintf("enrollment stopped (%s)", reason),
	})
	return nil
}

func (s *Service) failLocked(ctx context.Context, en *domain.Enrollment, reason string) error {
	if en.Status.IsTerminal() {
		return nil
	}
	now := s.now().UTC()
	if err := en.Transition(domain.EnrollmentFailed, now); err != nil {
		return err
	}
	en.LastError = reason
	en.UpdatedAt = now
	if err := s.store.UpdateEnrollment(ctx, en); err != nil {
		return err
	}
	s.queue.Cancel(en.ID)
	s.skipOutstanding(ctx, en, "enrollment failed")
	s.bumpCounters(ctx, en.SequenceID, store.SequenceCounters{Failed: 1})
	s.writeLog(ctx, domain.LogEntry{
		OrganizationID: en.OrganizationID,
		SequenceID:     en.SequenceID,
		TargetID:       en.ID,
		Level:          domain.LogError,
		Message:        "enrollment failed: " + reason,
	})
	return nil
}

func (s *Service) failResult(ctx context.Context, en *domain.Enrollment, reason string) (executor.Result, error) {
	if err := s.failLocked(ctx, en, reason); err != nil {
		return executor.Result{}, err
	}
	return executor.Result{Outcome: executor.OutcomeFailed, Reason: reason}, nil
}

// skipOutstanding runs under the enrollment lock, which the executor also
// holds for a whole step. A sending execution seen here is waiting on a
// retry the cancelled queue entry would have made, so it is skipped too.
func (s *Service) skipOutstanding(ctx context.Context, en *domain.Enrollment, reason string) {
	xs, err := s.store.ListStepExecutions(ctx, store.ExecutionFilter{
		EnrollmentID: en.ID,
		Statuses:     []domain.SendStatus{domain.StatusPending, domain.StatusQueued, domain.StatusSending},
	})
	if err != nil {
		logger.Warn("list outstanding step executions failed", "enrollment_id", en.ID, "error", err.Error())
		return
	}
	for i := range xs {
		s.skipExec(ctx, &xs[i], reason)
	}
}

func (s *Service) skipExec(ctx context.Context, x *domain.StepExecution, reason string) {
	now := s.now().UTC()
	if err := x.Skip(reason, now); err != nil {
		return
	}
	x.UpdatedAt = now
	if err := s.store.UpdateStepExecution(ctx, x); err != nil {
		logger.Warn("skip step execution failed", "step_execution_id", x.ID, "error", err.Error())
	}
}

func (s *Service) bumpCounters(ctx context.Context, seqID string, d store.SequenceCounters) {
	if err := s.store.IncrementSequenceCounters(ctx, seqID, d); err != nil {
		logger.Warn("sequence counter update failed", "sequence_id", seqID, "error", err.Error())
	}
}

func (s *Service) writeLog(ctx context.Context, entry domain.LogEntry) {
	entry.ID = uuid.New().String()
	entry.CreatedAt = s.now().UTC()
	if err := s.store.AppendLog(ctx, &entry); err != nil {
		logger.Warn("append activity log failed", "error", err.Error())
	}
}

// ============================================================================
// RECOVERY
// ============================================================================

// Recover requeues the outstanding step of every open enrollment after a
// restart. Executions left in sending are sent again. Paused enrollments
// and enrollments of paused sequences are requeued parked.
func (s *Service) Recover(ctx context.Context) (int, error) {
	seqs, err := s.store.ListSequences(ctx, "", domain.SequenceActive, domain.SequencePaused)
	if err != nil {
		return 0, err
	}
	n := 0
	open := []domain.EnrollmentStatus{domain.EnrollmentActive, domain.EnrollmentPaused}
	for _, q := range seqs {
		ens, err := s.store.ListEnrollments(ctx, store.EnrollmentFilter{SequenceID: q.ID, Statuses: open})
		if err != nil {
			return n, err
		}
		for i := range ens {
			en := &ens[i]
			if err := s.recoverOne(ctx, &q, en); err != nil {
				logger.Error("recover enrollment failed", "enrollment_id", en.ID, "error", err.Error())
				continue
			}
			n++
		}
	}
	log.Printf("[sequence.Service] recovered %d enrollments", n)
	return n, nil
}

func (s *Service) recoverOne(ctx context.Context, q *domain.Sequence, en *domain.Enrollment) error {
	unlock, err := s.locks.Lock(ctx, executor.EnrollmentKey(en.ID))
	if err != nil {
		return err
	}
	defer unlock()
	if en.Status == domain.EnrollmentPaused || q.Status == domain.SequencePaused {
		s.queue.Defer(en.ID)
	}
	return s.requeue(ctx, en)
}
