package campaign

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/executor"
	"github.com/ignite/coldreach/internal/notify"
	"github.com/ignite/coldreach/internal/pkg/logger"
	"github.com/ignite/coldreach/internal/resolver"
	"github.com/ignite/coldreach/internal/scheduler"
	"github.com/ignite/coldreach/internal/store"
)

// Key names the lock serializing lifecycle changes of one campaign. It is
// never held while taking a recipient lock.
func Key(id string) string { return "campaign:" + id }

// Service implements campaign business logic. All public methods are safe
// for concurrent use.
type Service struct {
	store    store.Store
	exec     *executor.Executor
	queue    *scheduler.Queue
	locks    executor.Locker
	resolver *resolver.Resolver
	notify   notify.Sink
	now      func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewService creates the controller and registers it with exec for
// completion callbacks.
func NewService(st store.Store, exec *executor.Executor, res *resolver.Resolver, sink notify.Sink) *Service {
	if sink == nil {
		sink = notify.Discard{}
	}
	s := &Service{
		store:    st,
		exec:     exec,
		queue:    exec.Queue(),
		locks:    exec.Locks(),
		resolver: res,
		notify:   sink,
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	exec.AddObserver(s)
	return s
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetRand replaces the jitter source, for reproducible plans.
func (s *Service) SetRand(r *rand.Rand) {
	s.rngMu.Lock()
	s.rng = r
	s.rngMu.Unlock()
}

// VariantInput is one A/B content fork.
type VariantInput struct {
	Name      string `json:"name"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Weight    int    `json:"weight"`
	IsControl bool   `json:"is_control"`
}

// Input holds the editable fields of a campaign.
type Input struct {
	Name       string                `json:"name"`
	Subject    string                `json:"subject"`
	Body       string                `json:"body"`
	FromName   string                `json:"from_name"`
	Target     domain.TargetCriteria `json:"target"`
	AccountIDs []string              `json:"account_ids"`

	SendMode          domain.SendMode `json:"send_mode"`
	Timezone          string          `json:"timezone"`
	MinDelaySeconds   int             `json:"min_delay_seconds"`
	MaxDelaySeconds   int             `json:"max_delay_seconds"`
	BatchSize         int             `json:"batch_size"`
	BatchDelayMinutes int             `json:"batch_delay_minutes"`
	SpreadDays        int             `json:"spread_days"`
	SpreadStartTime   string          `json:"spread_start_time"`
	SpreadEndTime     string          `json:"spread_end_time"`
	MaxRetries        int             `json:"max_retries"`

	ABTestEnabled        bool                  `json:"ab_test_enabled"`
	ABTestSampleSize     int                   `json:"ab_test_sample_size"`
	ABTestDurationHours  int                   `json:"ab_test_duration_hours"`
	ABTestWinnerCriteria domain.WinnerCriteria `json:"ab_test_winner_criteria"`
	Variants             []VariantInput        `json:"variants"`
}

func (in *Input) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCampaign)
	}
	switch in.SendMode {
	case "", domain.SendImmediate, domain.SendScheduled, domain.SendSpread:
	default:
		return fmt.Errorf("%w: unknown send mode %q", ErrInvalidCampaign, in.SendMode)
	}
	if in.MaxRetries < 0 || in.ABTestSampleSize < 0 || in.ABTestDurationHours < 0 {
		return fmt.Errorf("%w: limits cannot be negative", ErrInvalidCampaign)
	}
	if in.MinDelaySeconds > in.MaxDelaySeconds && in.MaxDelaySeconds > 0 {
		return fmt.Errorf("%w: min_delay_seconds exceeds max_delay_seconds", ErrInvalidCampaign)
	}
	if !in.ABTestEnabled {
		if strings.TrimSpace(in.Subject) == "" && strings.TrimSpace(in.Body) == "" {
			return fmt.Errorf("%w: subject or body is required", ErrInvalidCampaign)
		}
		return nil
	}
	if len(in.Variants) < 2 {
		return fmt.Errorf("%w: an a/b test needs at least two variants", ErrInvalidCampaign)
	}
	switch in.ABTestWinnerCriteria {
	case "", domain.WinnerOpenRate, domain.WinnerClickRate, domain.WinnerReplyRate:
	default:
		return fmt.Errorf("%w: unknown winner criteria %q", ErrInvalidCampaign, in.ABTestWinnerCriteria)
	}
	controls := 0
	for i, v := range in.Variants {
		if v.Weight < 0 {
			return fmt.Errorf("%w: variant %d has a negative weight", ErrInvalidCampaign, i)
		}
		if v.IsControl {
			controls++
		}
		subject, body := v.Subject, v.Body
		if subject == "" {
			subject = in.Subject
		}
		if body == "" {
			body = in.Body
		}
		if strings.TrimSpace(subject) == "" && strings.TrimSpace(body) == "" {
			return fmt.Errorf("%w: variant %d has no content", ErrInvalidCampaign, i)
		}
	}
	if controls > 1 {
		return fmt.Errorf("%w: at most one control variant", ErrInvalidCampaign)
	}
	return nil
}

func (in *Input) apply(c *domain.Campaign) {
	c.Name = in.Name
	c.Subject = in.Subject
	c.Body = in.Body
	c.FromName = in.FromName
	c.Target = in.Target
	c.AccountIDs = in.AccountIDs
	c.SendMode = in.SendMode
	if c.SendMode == "" {
		c.SendMode = domain.SendImmediate
	}
	c.Timezone = in.Timezone
	c.MinDelaySeconds = in.MinDelaySeconds
	c.MaxDelaySeconds = in.MaxDelaySeconds
	c.BatchSize = in.BatchSize
	c.BatchDelayMinutes = in.BatchDelayMinutes
	c.SpreadDays = in.SpreadDays
	c.SpreadStartTime = in.SpreadStartTime
	c.SpreadEndTime = in.SpreadEndTime
	c.MaxRetries = in.MaxRetries
	c.ABTestEnabled = in.ABTestEnabled
	c.ABTestSampleSize = in.ABTestSampleSize
	c.ABTestDurationHours = in.ABTestDurationHours
	c.ABTestWinnerCriteria = in.ABTestWinnerCriteria
	if c.ABTestEnabled && c.ABTestWinnerCriteria == "" {
		c.ABTestWinnerCriteria = domain.WinnerOpenRate
	}
}

func (s *Service) variants(c *domain.Campaign, in []VariantInput) []domain.ABVariant {
	if !c.ABTestEnabled {
		return nil
	}
	now := s.now().UTC()
	out := make([]domain.ABVariant, len(in))
	for i, v := range in {
		name := v.Name
		if name == "" {
			name = string(rune('A' + i%26))
		}
		out[i] = domain.ABVariant{
			ID:         uuid.New().String(),
			CampaignID: c.ID,
			Name:       name,
			Subject:    v.Subject,
			Body:       v.Body,
			Weight:     v.Weight,
			IsControl:  v.IsControl,
			CreatedAt:  now.Add(time.Duration(i)),
		}
	}
	return out
}

// Create validates and persists a new draft campaign.
func (s *Service) Create(ctx context.Context, orgID string, in Input) (*domain.Campaign, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	c := &domain.Campaign{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Status:         domain.CampaignDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	in.apply(c)
	if err := scheduler.ValidatePlan(c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCampaign, err)
	}
	if err := s.store.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}
	if vs := s.variants(c, in.Variants); len(vs) > 0 {
		if err := s.store.ReplaceVariants(ctx, c.ID, vs); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return c, err
}

// List returns campaigns matching the filter, newest first.
func (s *Service) List(ctx context.Context, f store.CampaignFilter) ([]domain.Campaign, error) {
	return s.store.ListCampaigns(ctx, f)
}

// Variants lists a campaign's A/B variants.
func (s *Service) Variants(ctx context.Context, id string) ([]domain.ABVariant, error) {
	return s.store.ListVariants(ctx, id)
}

// Update replaces a draft campaign's definition. A prepared recipient set
// is discarded because it may no longer match the targeting.
func (s *Service) Update(ctx context.Context, id string, in Input) (*domain.Campaign, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var out *domain.Campaign
	err := s.withCampaign(ctx, id, func(c *domain.Campaign) error {
		if c.Status != domain.CampaignDraft {
			return ErrNotEditable
		}
		in.apply(c)
		if err := scheduler.ValidatePlan(c); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCampaign, err)
		}
		if c.PreparedAt != nil {
			if err := s.store.DeleteRecipients(ctx, c.ID); err != nil {
				return err
			}
			if err := s.store.SetCampaignStats(ctx, c.ID, domain.CampaignStats{}); err != nil {
				return err
			}
			c.PreparedAt = nil
		}
		c.UpdatedAt = s.now().UTC()
		if err := s.store.UpdateCampaign(ctx, c); err != nil {
			return err
		}
		if err := s.store.ReplaceVariants(ctx, c.ID, s.variants(c, in.Variants)); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// Delete removes a campaign that is not in flight.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.withCampaign(ctx, id, func(c *domain.Campaign) error {
		switch c.Status {
		case domain.CampaignDraft, domain.CampaignCompleted, domain.CampaignCancelled:
		default:
			return fmt.Errorf("%w: cannot delete a %s campaign", ErrInvalidTransition, c.Status)
		}
		s.queue.Cancel(c.ID)
		if err := s.store.DeleteRecipients(ctx, c.ID); err != nil {
			return err
		}
		if err := s.store.ReplaceVariants(ctx, c.ID, nil); err != nil {
			return err
		}
		return s.store.DeleteCampaign(ctx, c.ID)
	})
}

// Duplicate copies a campaign's definition and variants into a new draft.
// Recipients, stats and lifecycle state are not copied.
func (s *Service) Duplicate(ctx context.Context, id string) (*domain.Campaign, error) {
	src, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	vs, err := s.store.ListVariants(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	c := *src
	c.ID = uuid.New().String()
	c.Name = src.Name + " (copy)"
	c.Status = domain.CampaignDraft
	c.Stats = domain.CampaignStats{}
	c.ScheduledAt = nil
	c.PreparedAt = nil
	c.StartedAt = nil
	c.CompletedAt = nil
	c.CancelledAt = nil
	c.ABWinnerVariantID = ""
	c.ABWinnerSelectedAt = nil
	c.CreatedAt = now
	c.UpdatedAt = now
	c.AccountIDs = append([]string(nil), src.AccountIDs...)
	if err := s.store.CreateCampaign(ctx, &c); err != nil {
		return nil, err
	}
	if len(vs) > 0 {
		copies := make([]domain.ABVariant, len(vs))
		for i, v := range vs {
			v.ID = uuid.New().String()
			v.CampaignID = c.ID
			v.IsWinner = false
			v.Stats = domain.VariantStats{}
			v.CreatedAt = now.Add(time.Duration(i))
			copies[i] = v
		}
		if err := s.store.ReplaceVariants(ctx, c.ID, copies); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

// Preview renders the campaign for one contact without sending.
func (s *Service) Preview(ctx context.Context, id, contactID string) (*executor.Preview, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.exec.PreviewCampaign(ctx, id, contactID)
}

// Recipients lists a campaign's recipients.
func (s *Service) Recipients(ctx context.Context, f store.RecipientFilter) ([]domain.Recipient, error) {
	return s.store.ListRecipients(ctx, f)
}

// Logs lists a campaign's activity log, newest first.
func (s *Service) Logs(ctx context.Context, id string, limit int) ([]domain.LogEntry, error) {
	return s.store.ListLogs(ctx, store.LogFilter{CampaignID: id, Limit: limit})
}

// withCampaign runs fn on a fresh copy of the campaign under its lock.
func (s *Service) withCampaign(ctx context.Context, id string, fn func(*domain.Campaign) error) error {
	unlock, err := s.locks.Lock(ctx, Key(id))
	if err != nil {
		return err
	}
	defer unlock()
	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fn(c)
}

func (s *Service) emit(ctx context.Context, n notify.Notification) {
	n.ID = uuid.New().String()
	n.OccurredAt = s.now().UTC()
	if err := s.notify.Notify(ctx, n); err != nil {
		logger.Warn("notification failed", "event", n.Event, "error", err.Error())
	}
}

func (s *Service) writeLog(ctx context.Context, c *domain.Campaign, level domain.LogLevel, msg string) {
	entry := &domain.LogEntry{
		ID:             uuid.New().String(),
		OrganizationID: c.OrganizationID,
		CampaignID:     c.ID,
		Level:          level,
		Message:        msg,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.AppendLog(ctx, entry); err != nil {
		logger.Warn("append activity log failed", "error", err.Error())
	}
}
