package domain

import (
	"time"
)

// SendMode controls how a campaign's recipients are laid out in time.
type SendMode string

const (
	SendImmediate SendMode = "immediate"
	SendScheduled SendMode = "scheduled"
	SendSpread    SendMode = "spread"
)

// WinnerCriteria picks the metric used to compare A/B variants.
type WinnerCriteria string

const (
	WinnerOpenRate  WinnerCriteria = "open_rate"
	WinnerClickRate WinnerCriteria = "click_rate"
	WinnerReplyRate WinnerCriteria = "reply_rate"
)

// TargetCriteria selects contacts by list and tag membership.
type TargetCriteria struct {
	IncludeListIDs []string `json:"include_list_ids"`
	IncludeTags    []string `json:"include_tags"`
	ExcludeListIDs []string `json:"exclude_list_ids"`
	ExcludeTags    []string `json:"exclude_tags"`
}

// IsEmpty reports whether nothing is included.
func (t TargetCriteria) IsEmpty() bool {
	return len(t.IncludeListIDs) == 0 && len(t.IncludeTags) == 0
}

// Campaign represents a one-shot send to a frozen recipient set.
type Campaign struct {
	ID             string         `json:"id" db:"id"`
	OrganizationID string         `json:"organization_id" db:"organization_id"`
	Name           string         `json:"name" db:"name"`
	Subject        string         `json:"subject" db:"subject"`
	Body           string         `json:"body" db:"body"`
	FromName       string         `json:"from_name" db:"from_name"`
	Target         TargetCriteria `json:"target" db:"target"`
	AccountIDs     []string       `json:"account_ids" db:"account_ids"`
	Status         CampaignStatus `json:"status" db:"status"`

	SendMode          SendMode   `json:"send_mode" db:"send_mode"`
	ScheduledAt       *time.Time `json:"scheduled_at,omitempty" db:"scheduled_at"`
	Timezone          string     `json:"timezone" db:"timezone"`
	MinDelaySeconds   int        `json:"min_delay_seconds" db:"min_delay_seconds"`
	MaxDelaySeconds   int        `json:"max_delay_seconds" db:"max_delay_seconds"`
	BatchSize         int        `json:"batch_size" db:"batch_size"`
	BatchDelayMinutes int        `json:"batch_delay_minutes" db:"batch_delay_minutes"`
	SpreadDays        int        `json:"spread_days" db:"spread_days"`
	SpreadStartTime   string     `json:"spread_start_time" db:"spread_start_time"` // "HH:MM"
	SpreadEndTime     string     `json:"spread_end_time" db:"spread_end_time"`
	MaxRetries        int        `json:"max_retries" db:"max_retries"`

	ABTestEnabled        bool           `json:"ab_test_enabled" db:"ab_test_enabled"`
	ABTestSampleSize     int            `json:"ab_test_sample_size" db:"ab_test_sample_size"`
	ABTestDurationHours  int            `json:"ab_test_duration_hours" db:"ab_test_duration_hours"`
	ABTestWinnerCriteria WinnerCriteria `json:"ab_test_winner_criteria" db:"ab_test_winner_criteria"`
	ABWinnerVariantID    string         `json:"ab_winner_variant_id,omitempty" db:"ab_winner_variant_id"`
	ABWinnerSelectedAt   *time.Time     `json:"ab_winner_selected_at,omitempty" db:"ab_winner_selected_at"`

	Stats CampaignStats `json:"stats"`

	PreparedAt  *time.Time `json:"prepared_at,omitempty" db:"prepared_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status.IsTerminal()
}

// ABTestRunning reports whether variant allocation is still open.
func (c *Campaign) ABTestRunning() bool {
	return c.ABTestEnabled && c.ABWinnerVariantID == ""
}

// ABTestEndsAt is when automatic winner selection is due by duration.
func (c *Campaign) ABTestEndsAt() (time.Time, bool) {
	if c.StartedAt == nil || c.ABTestDurationHours <= 0 {
		return time.Time{}, false
	}
	return c.StartedAt.Add(time.Duration(c.ABTestDurationHours) * time.Hour), true
}

// CampaignStats holds aggregate counters. It doubles as a delta when passed
// to repository increments.
type CampaignStats struct {
	TotalRecipients int `json:"total_recipients" db:"total_recipients"`
	Sent            int `json:"sent_count" db:"sent_count"`
	Delivered       int `json:"delivered_count" db:"delivered_count"`
	Opened          int `json:"open_count" db:"open_count"`
	Clicked         int `json:"click_count" db:"click_count"`
	Replied         int `json:"reply_count" db:"reply_count"`
	Bounced         int `json:"bounce_count" db:"bounce_count"`
	Unsubscribed    int `json:"unsubscribe_count" db:"unsubscribe_count"`
	Complained      int `json:"complaint_count" db:"complaint_count"`
	Failed          int `json:"failed_count" db:"failed_count"`
	Skipped         int `json:"skipped_count" db:"skipped_count"`
}

// Add accumulates d into s.
func (s *CampaignStats) Add(d CampaignStats) {
	s.TotalRecipients += d.TotalRecipients
	s.Sent += d.Sent
	s.Delivered += d.Delivered
	s.Opened += d.Opened
	s.Clicked += d.Clicked
	s.Replied += d.Replied
	s.Bounced += d.Bounced
	s.Unsubscribed += d.Unsubscribed
	s.Complained += d.Complained
	s.Failed += d.Failed
	s.Skipped += d.Skipped
}

// IsZero reports whether every counter is zero.
func (s CampaignStats) IsZero() bool {
	return s == CampaignStats{}
}

// ABVariant is one content fork of a campaign.
type ABVariant struct {
	ID         string       `json:"id" db:"id"`
	CampaignID string       `json:"campaign_id" db:"campaign_id"`
	Name       string       `json:"name" db:"name"`
	Subject    string       `json:"subject" db:"subject"`
	Body       string       `json:"body" db:"body"`
	Weight     int          `json:"weight" db:"weight"`
	IsControl  bool         `json:"is_control" db:"is_control"`
	IsWinner   bool         `json:"is_winner" db:"is_winner"`
	Stats      VariantStats `json:"stats"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
}

// VariantStats are per-variant unique counters.
type VariantStats struct {
	Sent    int `json:"sent_count" db:"sent_count"`
	Opened  int `json:"open_count" db:"open_count"`
	Clicked int `json:"click_count" db:"click_count"`
	Replied int `json:"reply_count" db:"reply_count"`
}

// Rate returns the variant's metric for the given criteria; zero before
// anything was sent.
func (v *ABVariant) Rate(c WinnerCriteria) float64 {
	if v.Stats.Sent == 0 {
		return 0
	}
	var n int
	switch c {
	case WinnerClickRate:
		n = v.Stats.Clicked
	case WinnerReplyRate:
		n = v.Stats.Replied
	default:
		n = v.Stats.Opened
	}
	return float64(n) / float64(v.Stats.Sent)
}

// Recipient is one contact's send record within a single campaign. The
// contact association never changes after prepare.
type Recipient struct {
	ID             string `json:"id" db:"id"`
	CampaignID     string `json:"campaign_id" db:"campaign_id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	ContactID      string `json:"contact_id" db:"contact_id"`
	Email          string `json:"email" db:"email"`
	Order          int64  `json:"order" db:"position"`
	VariantID      string `json:"variant_id,omitempty" db:"variant_id"`
	SupersededBy   string `json:"superseded_by,omitempty" db:"superseded_by"`

	Delivery

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
