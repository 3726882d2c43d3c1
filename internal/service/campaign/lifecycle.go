package campaign

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/executor"
	"github.com/ignite/coldreach/internal/notify"
	"github.com/ignite/coldreach/internal/pkg/logger"
	"github.com/ignite/coldreach/internal/scheduler"
	"github.com/ignite/coldreach/internal/store"
)

// PrepareResult reports how targeting resolved.
type PrepareResult struct {
	Recipients int `json:"recipients"`
	Excluded   int `json:"excluded"`
	Suppressed int `json:"suppressed"`
	Duplicates int `json:"duplicates"`
	Invalid    int `json:"invalid"`
}

// Prepare resolves targeting and freezes the recipient set. It can be run
// again while the campaign is still a draft; each run replaces the set.
func (s *Service) Prepare(ctx context.Context, id string) (*PrepareResult, error) {
	var out *PrepareResult
	err := s.withCampaign(ctx, id, func(c *domain.Campaign) error {
		if c.Status != domain.CampaignDraft {
			return fmt.Errorf("%w: only draft campaigns can be prepared", ErrInvalidTransition)
		}
		res, err := s.prepareLocked(ctx, c)
		out = res
		return err
	})
	return out, err
}

func (s *Service) prepareLocked(ctx context.Context, c *domain.Campaign) (*PrepareResult, error) {
	res, err := s.resolver.ResolveCampaign(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCampaign, err)
	}
	if err := s.store.DeleteRecipients(ctx, c.ID); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	rs := make([]domain.Recipient, len(res.Contacts))
	for i, ct := range res.Contacts {
		rs[i] = domain.Recipient{
			ID:             uuid.New().String(),
			CampaignID:     c.ID,
			OrganizationID: c.OrganizationID,
			ContactID:      ct.ID,
			Email:          ct.Email,
			Delivery:       domain.Delivery{Status: domain.StatusPending},
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}
	if len(rs) > 0 {
		if err := s.store.CreateRecipients(ctx, rs); err != nil {
			return nil, err
		}
	}
	if err := s.store.SetCampaignStats(ctx, c.ID, domain.CampaignStats{TotalRecipients: len(rs)}); err != nil {
		return nil, err
	}
	c.PreparedAt = &now
	c.UpdatedAt = now
	if err := s.store.UpdateCampaign(ctx, c); err != nil {
		return nil, err
	}
	s.writeLog(ctx, c, domain.LogInfo, fmt.Sprintf("prepared %d recipients (%d excluded, %d suppressed, %d duplicates, %d invalid)",
		len(rs), res.Excluded, res.Suppressed, res.Duplicates, res.Invalid))
	return &PrepareResult{
		Recipients: len(rs),
		Excluded:   res.Excluded,
		Suppressed: res.Suppressed,
		Duplicates: res.Duplicates,
		Invalid:    res.Invalid,
	}, nil
}

// Schedule arranges for the campaign to start at at. An unprepared
// campaign is prepared first.
func (s *Service) Schedule(ctx context.Context, id string, at time.Time) (*domain.Campaign, error) {
	var out *domain.Campaign
	err := s.withCampaign(ctx, id, func(c *domain.Campaign) error {
		if c.Status != domain.CampaignScheduled && !c.Status.CanTransitionTo(domain.CampaignScheduled) {
			return fmt.Errorf("%w: %s -> scheduled", ErrInvalidTransition, c.Status)
		}
		if !at.After(s.now()) {
			return fmt.Errorf("%w: scheduled time must be in the future", ErrInvalidCampaign)
		}
		if err := s.checkStartable(ctx, c); err != nil {
			return err
		}
		if c.PreparedAt == nil {
			if _, err := s.prepareLocked(ctx, c); err != nil {
				return err
			}
		}
		t := at.UTC()
		c.Status = domain.CampaignScheduled
		c.ScheduledAt = &t
		c.UpdatedAt = s.now().UTC()
		if err := s.store.UpdateCampaign(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// Unschedule returns a scheduled campaign to draft.
func (s *Service) Unschedule(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.transition(ctx, id, domain.CampaignDraft, func(c *domain.Campaign) {
		c.ScheduledAt = nil
	})
}

// checkStartable verifies the configuration a send needs: valid pacing, at
// least one usable account of the organization and, for A/B tests, two
// variants.
func (s *Service) checkStartable(ctx context.Context, c *domain.Campaign) error {
	if err := scheduler.ValidatePlan(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCampaign, err)
	}
	usable := 0
	for _, id := range c.AccountIDs {
		a, err := s.store.GetAccount(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: account %s does not exist", ErrNoAccounts, id)
		}
		if err != nil {
			return err
		}
		if a.OrganizationID != c.OrganizationID {
			return fmt.Errorf("%w: account %s belongs to another organization", ErrNoAccounts, id)
		}
		if a.IsSendable() {
			usable++
		}
	}
	if usable == 0 {
		return ErrNoAccounts
	}
	if c.ABTestEnabled {
		vs, err := s.store.ListVariants(ctx, c.ID)
		if err != nil {
			return err
		}
		if len(vs) < 2 {
			return fmt.Errorf("%w: an a/b test needs at least two variants", ErrInvalidCampaign)
		}
	}
	return nil
}

// Start moves the campaign to sending and queues every pending recipient
// on the campaign's pacing plan. Configuration problems are reported
// before anything is queued.
func (s *Service) Start(ctx context.Context, id string) (*domain.Campaign, error) {
	var out *domain.Campaign
	err := s.withCampaign(ctx, id, func(c *domain.Campaign) error {
		if !c.Status.CanTransitionTo(domain.CampaignSending) || c.Status == domain.CampaignPaused {
			return fmt.Errorf("%w: %s -> sending", ErrInvalidTransition, c.Status)
		}
		if err := s.checkStartable(ctx, c); err != nil {
			return err
		}
		if c.PreparedAt == nil {
			if _, err := s.prepareLocked(ctx, c); err != nil {
				return err
			}
		}
		rs, err := s.store.ListRecipients(ctx, store.RecipientFilter{
			CampaignID: c.ID,
			Statuses:   []domain.SendStatus{domain.StatusPending},
		})
		if err != nil {
			return err
		}
		if len(rs) == 0 {
			return ErrNoRecipients
		}
		now := s.now().UTC()
		s.rngMu.Lock()
		due, err := scheduler.PlanCampaign(c, now, len(rs), s.rng)
		s.rngMu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCampaign, err)
		}

		// The executor ignores items of campaigns that are not sending, so
		// the status flips before anything is queued.
		c.Status = domain.CampaignSending
		c.StartedAt = &now
		c.UpdatedAt = now
		if err := s.store.UpdateCampaign(ctx, c); err != nil {
			return err
		}
		for i := range rs {
			r := &rs[i]
			if err := r.Transition(domain.StatusQueued, now); err != nil {
				return err
			}
			t := due[i]
			r.ScheduledAt = &t
			r.UpdatedAt = now
			if err := s.store.UpdateRecipient(ctx, r); err != nil {
				return err
			}
			s.queue.Schedule(scheduler.Item{ID: r.ID, Kind: scheduler.KindRecipient, OwnerID: c.ID, DueAt: t, Order: r.Order})
		}
		log.Printf("[CampaignController] campaign %s started with %d recipients", c.ID, len(rs))
		s.writeLog(ctx, c, domain.LogInfo, fmt.Sprintf("started sending to %d recipients", len(rs)))
		out = c
		return nil
	})
	return out, err
}

// Pause holds every queued send. Queue positions are kept.
func (s *Service) Pause(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.transition(ctx, id, domain.CampaignPaused, func(c *domain.Campaign) {
		s.queue.Defer(c.ID)
	})
}

// Resume releases a paused campaign's sends. Sends that were not in the
// queue, for example after a restart, are requeued from the store.
func (s *Service) Resume(ctx context.Context, id string) (*domain.Campaign, error) {
	var out *domain.Campaign
	err := s.withCampaign(ctx, id, func(c *domain.Campaign) error {
		if c.Status != domain.CampaignPaused {
			return fmt.Errorf("%w: %s campaign cannot resume", ErrInvalidTransition, c.Status)
		}
		c.Status = domain.CampaignSending
		c.UpdatedAt = s.now().UTC()
		if err := s.store.UpdateCampaign(ctx, c); err != nil {
			return err
		}
		if s.queue.Resume(c.ID) == 0 {
			if _, err := s.requeue(ctx, c); err != nil {
				return err
			}
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.checkComplete(ctx, id)
	return out, nil
}

// Cancel ends the campaign. Unsent recipients are skipped, including rows
// left in sending while a transient failure waits for its retry. A send
// in flight holds the recipient lock, so it finishes first and is left
// alone once it reaches sent or failed.
func (s *Service) Cancel(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := s.transition(ctx, id, domain.CampaignCancelled, func(c *domain.Campaign) {
		now := s.now().UTC()
		c.CancelledAt = &now
		s.queue.Cancel(c.ID)
	})
	if err != nil {
		return nil, err
	}
	rs, err := s.store.ListRecipients(ctx, store.RecipientFilter{
		CampaignID: c.ID,
		Statuses:   []domain.SendStatus{domain.StatusPending, domain.StatusQueued, domain.StatusSending},
	})
	if err != nil {
		return nil, err
	}
	skipped := 0
	for i := range rs {
		ok, err := s.skipRecipient(ctx, rs[i].ID, "campaign cancelled")
		if err != nil {
			logger.Warn("skip recipient on cancel failed", "recipient_id", rs[i].ID, "error", err.Error())
			continue
		}
		if ok {
			skipped++
		}
	}
	s.writeLog(ctx, c, domain.LogInfo, fmt.Sprintf("cancelled, %d unsent recipients skipped", skipped))
	return c, nil
}

func (s *Service) skipRecipient(ctx context.Context, id, reason string) (bool, error) {
	unlock, err := s.locks.Lock(ctx, executor.RecipientKey(id))
	if err != nil {
		return false, err
	}
	defer unlock()
	r, err := s.store.GetRecipient(ctx, id)
	if err != nil {
		return false, err
	}
	// Under the lock a sending row is not in flight: its retry was dropped
	// with the queue.
	if !r.Status.IsPreSend() || r.SupersededBy != "" {
		return false, nil
	}
	now := s.now().UTC()
	if err := r.Skip(reason, now); err != nil {
		return false, err
	}
	r.UpdatedAt = now
	if err := s.store.UpdateRecipient(ctx, r); err != nil {
		return false, err
	}
	if err := s.store.IncrementCampaignStats(ctx, r.CampaignID, domain.CampaignStats{Skipped: 1}); err != nil {
		logger.Warn("campaign stats update failed", "campaign_id", r.CampaignID, "error", err.Error())
	}
	return true, nil
}

// RetryFailed gives every failed recipient a fresh attempt. Each failed
// row is superseded by a new pending row for the same contact, so the
// failure stays on record. A completed campaign reopens.
func (s *Service) RetryFailed(ctx context.Context, id string) (int, error) {
	var c *domain.Campaign
	err := s.withCampaign(ctx, id, func(cur *domain.Campaign) error {
		switch cur.Status {
		case domain.CampaignSending, domain.CampaignPaused:
		case domain.CampaignCompleted:
			// The one way out of completed: the campaign has work again.
			cur.Status = domain.CampaignSending
			cur.CompletedAt = nil
			cur.UpdatedAt = s.now().UTC()
			if err := s.store.UpdateCampaign(ctx, cur); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: cannot retry a %s campaign", ErrInvalidTransition, cur.Status)
		}
		c = cur
		return nil
	})
	if err != nil {
		return 0, err
	}

	failed, err := s.store.ListRecipients(ctx, store.RecipientFilter{
		CampaignID: c.ID,
		Statuses:   []domain.SendStatus{domain.StatusFailed},
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range failed {
		nr, err := s.supersede(ctx, failed[i].ID)
		if err != nil {
			logger.Warn("retry recipient failed", "recipient_id", failed[i].ID, "error", err.Error())
			continue
		}
		if nr == nil {
			continue
		}
		s.queue.Schedule(scheduler.Item{ID: nr.ID, Kind: scheduler.KindRecipient, OwnerID: c.ID, DueAt: *nr.ScheduledAt, Order: nr.Order})
		n++
	}
	if _, err := s.Rollup(ctx, c.ID); err != nil {
		logger.Warn("campaign rollup failed", "campaign_id", c.ID, "error", err.Error())
	}
	s.writeLog(ctx, c, domain.LogInfo, fmt.Sprintf("retrying %d failed recipients", n))
	if n == 0 {
		s.checkComplete(ctx, c.ID)
	}
	return n, nil
}

// supersede replaces one failed recipient with a queued copy.
func (s *Service) supersede(ctx context.Context, id string) (*domain.Recipient, error) {
	unlock, err := s.locks.Lock(ctx, executor.RecipientKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()
	old, err := s.store.GetRecipient(ctx, id)
	if err != nil {
		return nil, err
	}
	if old.Status != domain.StatusFailed || old.SupersededBy != "" {
		return nil, nil
	}
	now := s.now().UTC()
	nr := domain.Recipient{
		ID:             uuid.New().String(),
		CampaignID:     old.CampaignID,
		OrganizationID: old.OrganizationID,
		ContactID:      old.ContactID,
		Email:          old.Email,
		VariantID:      old.VariantID,
		Delivery:       domain.Delivery{Status: domain.StatusQueued, ScheduledAt: &now},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	rs := []domain.Recipient{nr}
	if err := s.store.CreateRecipients(ctx, rs); err != nil {
		return nil, err
	}
	old.SupersededBy = nr.ID
	old.UpdatedAt = now
	if err := s.store.UpdateRecipient(ctx, old); err != nil {
		return nil, err
	}
	return &rs[0], nil
}

// transition applies a plain status change under the campaign lock. fn
// runs after the status changed and before it is persisted.
func (s *Service) transition(ctx context.Context, id string, next domain.CampaignStatus, fn func(*domain.Campaign)) (*domain.Campaign, error) {
	var out *domain.Campaign
	err := s.withCampaign(ctx, id, func(c *domain.Campaign) error {
		if !c.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, next)
		}
		c.Status = next
		c.UpdatedAt = s.now().UTC()
		if fn != nil {
			fn(c)
		}
		if err := s.store.UpdateCampaign(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// ============================================================================
// COMPLETION
// ============================================================================

// RecipientFinished implements executor.Observer.
func (s *Service) RecipientFinished(ctx context.Context, campaignID string) {
	s.checkComplete(ctx, campaignID)
}

// checkComplete completes a sending campaign once no recipient is left
// to send. It reports whether the campaign completed.
func (s *Service) checkComplete(ctx context.Context, id string) bool {
	var done *domain.Campaign
	err := s.withCampaign(ctx, id, func(c *domain.Campaign) error {
		if c.Status != domain.CampaignSending {
			return nil
		}
		counts, err := s.store.CountRecipientsByStatus(ctx, c.ID)
		if err != nil {
			return err
		}
		for st, n := range counts {
			if n > 0 && st.IsPreSend() {
				return nil
			}
		}
		now := s.now().UTC()
		c.Status = domain.CampaignCompleted
		c.CompletedAt = &now
		c.UpdatedAt = now
		if err := s.store.UpdateCampaign(ctx, c); err != nil {
			return err
		}
		done = c
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.Warn("campaign completion check failed", "campaign_id", id, "error", err.Error())
		}
		return false
	}
	if done == nil {
		return false
	}
	stats, err := s.Rollup(ctx, id)
	if err != nil {
		logger.Warn("campaign rollup failed", "campaign_id", id, "error", err.Error())
		stats = &done.Stats
	}
	log.Printf("[CampaignController] campaign %s completed (sent=%d failed=%d skipped=%d)", id, stats.Sent, stats.Failed, stats.Skipped)
	s.writeLog(ctx, done, domain.LogInfo, "completed")
	s.emit(ctx, notify.Notification{
		Event:          notify.EventCampaignComplete,
		OrganizationID: done.OrganizationID,
		CampaignID:     done.ID,
		Data: map[string]string{
			"name":    done.Name,
			"total":   strconv.Itoa(stats.TotalRecipients),
			"sent":    strconv.Itoa(stats.Sent),
			"failed":  strconv.Itoa(stats.Failed),
			"skipped": strconv.Itoa(stats.Skipped),
		},
	})
	return true
}

// ============================================================================
// RECOVERY
// ============================================================================

// Recover requeues unsent recipients of sending and paused campaigns after
// a restart. Recipients left in sending are sent again. Paused campaigns
// are requeued parked.
func (s *Service) Recover(ctx context.Context) (int, error) {
	cs, err := s.store.ListCampaigns(ctx, store.CampaignFilter{
		Statuses: []domain.CampaignStatus{domain.CampaignSending, domain.CampaignPaused},
	})
	if err != nil {
		return 0, err
	}
	total := 0
	for i := range cs {
		c := &cs[i]
		if c.Status == domain.CampaignPaused {
			s.queue.Defer(c.ID)
		}
		n, err := s.requeue(ctx, c)
		if err != nil {
			return total, err
		}
		total += n
	}
	log.Printf("[CampaignController] recovered %d recipients across %d campaigns", total, len(cs))
	return total, nil
}

// requeue schedules a campaign's unsent recipients at their planned time.
func (s *Service) requeue(ctx context.Context, c *domain.Campaign) (int, error) {
	rs, err := s.store.ListRecipients(ctx, store.RecipientFilter{
		CampaignID: c.ID,
		Statuses:   []domain.SendStatus{domain.StatusQueued, domain.StatusSending},
	})
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	for _, r := range rs {
		due := now
		if r.ScheduledAt != nil {
			due = *r.ScheduledAt
		}
		s.queue.Schedule(scheduler.Item{ID: r.ID, Kind: scheduler.KindRecipient, OwnerID: c.ID, DueAt: due, Order: r.Order})
	}
	return len(rs), nil
}
