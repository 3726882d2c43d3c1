package domain

import "time"

// AccountStatus enumerates the connection states of a sending mailbox.
type AccountStatus string

const (
	AccountActive       AccountStatus = "active"
	AccountPaused       AccountStatus = "paused"
	AccountDisconnected AccountStatus = "disconnected"
	AccountError        AccountStatus = "error"
)

// SendingAccount is a mailbox the engine sends through, with its quota and
// warmup state.
type SendingAccount struct {
	ID             string        `json:"id" db:"id"`
	OrganizationID string        `json:"organization_id" db:"organization_id"`
	Name           string        `json:"name" db:"name"`
	Email          string        `json:"email" db:"email"`
	FromName       string        `json:"from_name" db:"from_name"`
	Status         AccountStatus `json:"status" db:"status"`
	Timezone       string        `json:"timezone" db:"timezone"`

	DailyLimit  int `json:"daily_limit" db:"daily_limit"`
	HourlyLimit int `json:"hourly_limit" db:"hourly_limit"`

	WarmupEnabled      bool       `json:"warmup_enabled" db:"warmup_enabled"`
	WarmupCurrentLimit int        `json:"warmup_current_limit" db:"warmup_current_limit"`
	WarmupIncrement    int        `json:"warmup_increment" db:"warmup_increment"`
	WarmupStartedAt    *time.Time `json:"warmup_started_at,omitempty" db:"warmup_started_at"`
	WarmupRampedOn     string     `json:"warmup_ramped_on,omitempty" db:"warmup_ramped_on"` // YYYY-MM-DD, account-local

	// Rolling stats, refreshed by the limiter and bounce feedback.
	EmailsSentToday int     `json:"emails_sent_today" db:"emails_sent_today"`
	TotalSent       int     `json:"total_sent" db:"total_sent"`
	BounceCount     int     `json:"bounce_count" db:"bounce_count"`
	BounceRate      float64 `json:"bounce_rate" db:"bounce_rate"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DefaultWarmupIncrement is the daily ramp step for warming accounts that
// configure none. It is also the first day's cap.
const DefaultWarmupIncrement = 5

// EffectiveDailyLimit is the cap the limiter enforces today: the ramped
// warmup limit while warming, the nominal daily limit otherwise. A warming
// account that was never ramped gets the first day's cap. Zero or less
// means the account may not send.
func (a *SendingAccount) EffectiveDailyLimit() int {
	if !a.WarmupEnabled {
		return a.DailyLimit
	}
	current := a.WarmupCurrentLimit
	if current <= 0 {
		current = a.WarmupIncrement
		if current <= 0 {
			current = DefaultWarmupIncrement
		}
	}
	if current < a.DailyLimit {
		return current
	}
	return a.DailyLimit
}

// WarmupState is the slice of an account the warmup ramper writes.
type WarmupState struct {
	Enabled      bool
	CurrentLimit int
	StartedAt    *time.Time
	RampedOn     string
}

// Warmup returns a's current warmup columns.
func (a *SendingAccount) Warmup() WarmupState {
	return WarmupState{
		Enabled:      a.WarmupEnabled,
		CurrentLimit: a.WarmupCurrentLimit,
		StartedAt:    a.WarmupStartedAt,
		RampedOn:     a.WarmupRampedOn,
	}
}

// IsSendable is false for accounts that can never send until reconnected.
func (a *SendingAccount) IsSendable() bool {
	return a.Status != AccountDisconnected && a.Status != AccountError
}

// Location returns the account's timezone, falling back to UTC.
func (a *SendingAccount) Location() *time.Location {
	return LoadLocation(a.Timezone)
}

// RecordBounce folds one bounce into the rolling bounce rate.
func (a *SendingAccount) RecordBounce() {
	a.BounceCount++
	if a.TotalSent > 0 {
		a.BounceRate = float64(a.BounceCount) / float64(a.TotalSent)
	}
}

// LoadLocation resolves an IANA zone name; empty or unknown names yield UTC.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
