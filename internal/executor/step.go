package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/coldreach/internal/contacts"
	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/ratelimit"
	"github.com/ignite/coldreach/internal/render"
	"github.com/ignite/coldreach/internal/scheduler"
	"github.com/ignite/coldreach/internal/service/sending"
)

// StepSend is one email step attempt handed over by the sequence machine,
// which already holds the enrollment lock.
type StepSend struct {
	Item       scheduler.Item
	Sequence   *domain.Sequence
	Enrollment *domain.Enrollment
	Step       *domain.Step
	Exec       *domain.StepExecution
	// Window, when set, keeps sends and their deferrals inside it.
	Window *scheduler.Window
}

// DeliverStep sends an email step and persists the execution record. The
// caller advances or ends the enrollment based on the outcome:
// Sent moves on, Skipped and Failed end the enrollment, Deferred and Retry
// leave it waiting on the rescheduled item.
func (e *Executor) DeliverStep(ctx context.Context, s StepSend) (Result, error) {
	now := e.now()
	x := s.Exec

	if s.Window != nil && !s.Window.Contains(now) {
		next := s.Window.Next(now)
		e.reschedule(s.Item, next)
		return Result{Outcome: OutcomeDeferred, NextAt: next, Reason: "outside send window"}, nil
	}

	ct, eligible, err := e.resolver.IsEligible(ctx, s.Enrollment.OrganizationID, s.Enrollment.ContactID)
	if errors.Is(err, contacts.ErrNotFound) {
		return e.finishExec(ctx, x, domain.StatusSkipped, "contact deleted")
	}
	if err != nil {
		return Result{}, fmt.Errorf("eligibility: %w", err)
	}
	if !eligible {
		return e.finishExec(ctx, x, domain.StatusSkipped, "contact suppressed")
	}

	at := attempt{
		accountIDs: s.Sequence.AccountIDs,
		rotation:   s.Enrollment.Order,
		caps:       sequenceCap(s.Sequence),
		content: render.Input{
			CacheKey:     s.Sequence.ID + ":" + s.Step.ID,
			Subject:      s.Step.Email.Subject,
			Body:         s.Step.Email.Body,
			Contact:      ct,
			FromName:     s.Sequence.FromName,
			SequenceName: s.Sequence.Name,
			Seed:         now.UnixNano(),
			Now:          now,
			Strict:       true,
		},
		email: sending.Email{
			To:              ct.Email,
			SequenceID:      s.Sequence.ID,
			StepExecutionID: x.ID,
		},
		beforeSend: func(account *domain.SendingAccount, _ *render.Message) error {
			if err := x.Transition(domain.StatusSending, now); err != nil {
				return err
			}
			x.AccountID = account.ID
			x.UpdatedAt = now
			return e.store.UpdateStepExecution(ctx, x)
		},
	}

	res, err := e.dispatch(ctx, at)
	if err != nil {
		return Result{}, err
	}

	logEntry := func(level domain.LogLevel, msg string) {
		e.writeLog(ctx, domain.LogEntry{
			OrganizationID: s.Sequence.OrganizationID, SequenceID: s.Sequence.ID,
			TargetID: x.ID, Level: level, Message: msg,
		})
	}

	switch res.stage {
	case stageDeferred:
		next := res.nextAt
		if s.Window != nil {
			next = s.Window.Next(next)
		}
		e.reschedule(s.Item, next)
		return Result{Outcome: OutcomeDeferred, NextAt: next, Reason: res.reason}, nil

	case stageDenied:
		logEntry(domain.LogWarn, "no account could send: "+res.reason)
		return e.finishExec(ctx, x, domain.StatusFailed, res.reason)

	case stageRender:
		logEntry(domain.LogError, "render failed: "+res.reason)
		return e.finishExec(ctx, x, domain.StatusFailed, res.reason)

	case stageSendFailed:
		if sending.IsTransient(res.err) && x.RetryCount < e.maxRetries(s.Sequence.MaxRetries) {
			x.RetryCount++
			x.LastError = res.reason
			x.UpdatedAt = now
			if err := e.store.UpdateStepExecution(ctx, x); err != nil {
				return Result{}, fmt.Errorf("persist retry: %w", err)
			}
			next := now.Add(e.backoff(x.RetryCount))
			e.reschedule(s.Item, next)
			return Result{Outcome: OutcomeRetry, NextAt: next, Reason: res.reason}, nil
		}
		logEntry(domain.LogError, "send failed: "+res.reason)
		return e.finishExec(ctx, x, domain.StatusFailed, res.reason)
	}

	if err := x.Transition(domain.StatusSent, now); err != nil {
		return Result{}, err
	}
	x.MessageID = res.messageID
	x.LastError = ""
	x.UpdatedAt = now
	if err := e.store.UpdateStepExecution(ctx, x); err != nil {
		return Result{}, fmt.Errorf("persist sent: %w", err)
	}
	return Result{Outcome: OutcomeSent, MessageID: res.messageID}, nil
}

func (e *Executor) finishExec(ctx context.Context, x *domain.StepExecution, status domain.SendStatus, reason string) (Result, error) {
	now := e.now()
	if err := x.Transition(status, now); err != nil {
		return Result{}, err
	}
	x.LastError = reason
	x.UpdatedAt = now
	if err := e.store.UpdateStepExecution(ctx, x); err != nil {
		return Result{}, fmt.Errorf("persist step execution: %w", err)
	}
	out := OutcomeFailed
	if status == domain.StatusSkipped {
		out = OutcomeSkipped
	}
	return Result{Outcome: out, Reason: reason}, nil
}

func sequenceCap(seq *domain.Sequence) []ratelimit.Cap {
	if seq.MaxEmailsPerDay <= 0 {
		return nil
	}
	return []ratelimit.Cap{{Key: "sequence:" + seq.ID, Limit: seq.MaxEmailsPerDay}}
}
