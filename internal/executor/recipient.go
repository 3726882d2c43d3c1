package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/ignite/coldreach/internal/contacts"
	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/pkg/logger"
	"github.com/ignite/coldreach/internal/render"
	"github.com/ignite/coldreach/internal/scheduler"
	"github.com/ignite/coldreach/internal/service/sending"
	"github.com/ignite/coldreach/internal/store"
)

func (e *Executor) executeRecipient(ctx context.Context, item scheduler.Item) (Result, error) {
	now := e.now()

	r, err := e.store.GetRecipient(ctx, item.ID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Outcome: OutcomeIgnored, Reason: "recipient deleted"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("load recipient: %w", err)
	}
	if r.SupersededBy != "" || r.Status.IsTerminal() || r.Status.WasSent() {
		return Result{Outcome: OutcomeIgnored, Reason: "recipient already " + string(r.Status)}, nil
	}

	c, err := e.store.GetCampaign(ctx, r.CampaignID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Outcome: OutcomeIgnored, Reason: "campaign deleted"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("load campaign: %w", err)
	}

	switch c.Status {
	case domain.CampaignSending:
	case domain.CampaignPaused:
		e.queue.Schedule(item)
		e.queue.Defer(c.ID)
		return Result{Outcome: OutcomeDeferred, Reason: "campaign paused"}, nil
	case domain.CampaignCancelled, domain.CampaignCompleted:
		return e.skipRecipient(ctx, r, "campaign "+string(c.Status))
	default:
		return Result{Outcome: OutcomeIgnored, Reason: "campaign is " + string(c.Status)}, nil
	}

	ct, eligible, err := e.resolver.IsEligible(ctx, r.OrganizationID, r.ContactID)
	if errors.Is(err, contacts.ErrNotFound) {
		return e.skipRecipient(ctx, r, "contact deleted")
	}
	if err != nil {
		return Result{}, fmt.Errorf("eligibility: %w", err)
	}
	if !eligible {
		return e.skipRecipient(ctx, r, "contact suppressed")
	}

	if c.ABTestRunning() && c.ABTestSampleSize > 0 && c.Stats.Sent >= c.ABTestSampleSize {
		until := now.Add(e.cfg.ABHoldRetry)
		if ends, ok := c.ABTestEndsAt(); ok && ends.After(now) && ends.Before(until) {
			until = ends
		}
		e.reschedule(item, until)
		return Result{Outcome: OutcomeDeferred, NextAt: until, Reason: "a/b sample sent, waiting for winner"}, nil
	}

	variant, err := e.pickVariant(ctx, c, r)
	if err != nil {
		return Result{}, err
	}
	subject, body := c.Subject, c.Body
	variantID := ""
	if variant != nil {
		variantID = variant.ID
		if variant.Subject != "" {
			subject = variant.Subject
		}
		if variant.Body != "" {
			body = variant.Body
		}
	}

	at := attempt{
		accountIDs: c.AccountIDs,
		rotation:   r.Order,
		content: render.Input{
			CacheKey:     c.ID + ":" + variantID,
			Subject:      subject,
			Body:         body,
			Contact:      ct,
			FromName:     c.FromName,
			CampaignID:   c.ID,
			CampaignName: c.Name,
			Seed:         now.UnixNano(),
			Now:          now,
			Strict:       true,
		},
		email: sending.Email{
			To:          ct.Email,
			CampaignID:  c.ID,
			RecipientID: r.ID,
		},
		beforeSend: func(account *domain.SendingAccount, _ *render.Message) error {
			if err := r.Transition(domain.StatusSending, now); err != nil {
				return err
			}
			r.AccountID = account.ID
			r.VariantID = variantID
			r.UpdatedAt = now
			return e.store.UpdateRecipient(ctx, r)
		},
	}

	res, err := e.dispatch(ctx, at)
	if err != nil {
		return Result{}, err
	}

	switch res.stage {
	case stageDeferred:
		e.reschedule(item, res.nextAt)
		return Result{Outcome: OutcomeDeferred, NextAt: res.nextAt, Reason: res.reason}, nil

	case stageDenied:
		e.writeLog(ctx, domain.LogEntry{
			OrganizationID: c.OrganizationID, CampaignID: c.ID, TargetID: r.ID,
			Level: domain.LogWarn, Message: "no account could send: " + res.reason,
		})
		return e.failRecipient(ctx, r, res.reason)

	case stageRender:
		e.writeLog(ctx, domain.LogEntry{
			OrganizationID: c.OrganizationID, CampaignID: c.ID, TargetID: r.ID,
			Level: domain.LogError, Message: "render failed: " + res.reason,
		})
		return e.failRecipient(ctx, r, res.reason)

	case stageSendFailed:
		if sending.IsTransient(res.err) && r.RetryCount < e.maxRetries(c.MaxRetries) {
			r.RetryCount++
			r.LastError = res.reason
			r.UpdatedAt = now
			if err := e.store.UpdateRecipient(ctx, r); err != nil {
				return Result{}, fmt.Errorf("persist retry: %w", err)
			}
			next := now.Add(e.backoff(r.RetryCount))
			e.reschedule(item, next)
			logger.Debug("recipient send retry", "recipient_id", r.ID, "retry", r.RetryCount, "next_at", next)
			return Result{Outcome: OutcomeRetry, NextAt: next, Reason: res.reason}, nil
		}
		e.writeLog(ctx, domain.LogEntry{
			OrganizationID: c.OrganizationID, CampaignID: c.ID, TargetID: r.ID,
			Level: domain.LogError, Message: "send failed: " + res.reason,
		})
		return e.failRecipient(ctx, r, res.reason)
	}

	if err := r.Transition(domain.StatusSent, now); err != nil {
		return Result{}, err
	}
	r.MessageID = res.messageID
	r.LastError = ""
	r.UpdatedAt = now
	if err := e.store.UpdateRecipient(ctx, r); err != nil {
		return Result{}, fmt.Errorf("persist sent: %w", err)
	}
	if err := e.store.IncrementCampaignStats(ctx, c.ID, domain.CampaignStats{Sent: 1}); err != nil {
		logger.Warn("campaign stats update failed", "campaign_id", c.ID, "error", err.Error())
	}
	if variantID != "" {
		if err := e.store.IncrementVariantStats(ctx, variantID, domain.VariantStats{Sent: 1}); err != nil {
			logger.Warn("variant stats update failed", "variant_id", variantID, "error", err.Error())
		}
	}
	e.notifyFinished(ctx, c.ID)
	return Result{Outcome: OutcomeSent, MessageID: res.messageID}, nil
}

// pickVariant returns the content fork for r: the locked winner, the
// variant an earlier attempt already used, or a fresh weighted pick.
func (e *Executor) pickVariant(ctx context.Context, c *domain.Campaign, r *domain.Recipient) (*domain.ABVariant, error) {
	if !c.ABTestEnabled {
		return nil, nil
	}
	variants, err := e.store.ListVariants(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("load variants: %w", err)
	}
	if len(variants) == 0 {
		return nil, nil
	}
	if c.ABWinnerVariantID != "" {
		return render.SelectVariant(variants, c.ABWinnerVariantID, 0), nil
	}
	if r.VariantID != "" {
		for i := range variants {
			if variants[i].ID == r.VariantID {
				return &variants[i], nil
			}
		}
	}
	return render.SelectVariant(variants, "", rand.Float64()), nil
}

func (e *Executor) skipRecipient(ctx context.Context, r *domain.Recipient, reason string) (Result, error) {
	if err := r.Skip(reason, e.now()); err != nil {
		return Result{}, err
	}
	r.UpdatedAt = e.now()
	if err := e.store.UpdateRecipient(ctx, r); err != nil {
		return Result{}, fmt.Errorf("persist skip: %w", err)
	}
	if err := e.store.IncrementCampaignStats(ctx, r.CampaignID, domain.CampaignStats{Skipped: 1}); err != nil {
		logger.Warn("campaign stats update failed", "campaign_id", r.CampaignID, "error", err.Error())
	}
	e.notifyFinished(ctx, r.CampaignID)
	return Result{Outcome: OutcomeSkipped, Reason: reason}, nil
}

func (e *Executor) failRecipient(ctx context.Context, r *domain.Recipient, reason string) (Result, error) {
	if err := r.Fail(reason, e.now()); err != nil {
		return Result{}, err
	}
	r.UpdatedAt = e.now()
	if err := e.store.UpdateRecipient(ctx, r); err != nil {
		return Result{}, fmt.Errorf("persist failure: %w", err)
	}
	if err := e.store.IncrementCampaignStats(ctx, r.CampaignID, domain.CampaignStats{Failed: 1}); err != nil {
		logger.Warn("campaign stats update failed", "campaign_id", r.CampaignID, "error", err.Error())
	}
	logger.Info("recipient failed", "recipient_id", r.ID, "campaign_id", r.CampaignID, "reason", reason)
	e.notifyFinished(ctx, r.CampaignID)
	return Result{Outcome: OutcomeFailed, Reason: reason}, nil
}
