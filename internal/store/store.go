// Package store declares the persistence contracts shared by the engine
// components. Implementations live in repository/memory and
// repository/postgres and must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/coldreach/internal/domain"
)

// Sentinel errors returned by every implementation.
var (
	ErrNotFound         = errors.New("record not found")
	ErrConflict         = errors.New("record changed concurrently")
	ErrActiveEnrollment = errors.New("contact has an active enrollment in this sequence")
	ErrWinnerLocked     = errors.New("a/b winner already selected")
)

// AccountRepository persists sending accounts.
type AccountRepository interface {
	GetAccount(ctx context.Context, id string) (*domain.SendingAccount, error)
	ListAccounts(ctx context.Context, orgID string) ([]domain.SendingAccount, error)
	// SaveAccount inserts the account or replaces its settings. Rolling
	// stats are only changed by the Record methods.
	SaveAccount(ctx context.Context, a *domain.SendingAccount) error
	// RecordAccountSend bumps total_sent and mirrors today's usage.
	RecordAccountSend(ctx context.Context, id string, sentToday int) error
	RecordAccountBounce(ctx context.Context, id string) error
	// RampAccount writes only the warmup columns, and only while warmup is
	// still enabled and the account was not already ramped on w.RampedOn.
	// Otherwise it returns ErrConflict and changes nothing.
	RampAccount(ctx context.Context, id string, w domain.WarmupState) error
}

// CampaignFilter narrows ListCampaigns. Zero values match everything.
type CampaignFilter struct {
	OrganizationID string
	Statuses       []domain.CampaignStatus
	Limit          int
	Offset         int
}

// CampaignRepository persists campaigns and their A/B variants.
type CampaignRepository interface {
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	ListCampaigns(ctx context.Context, f CampaignFilter) ([]domain.Campaign, error)
	CreateCampaign(ctx context.Context, c *domain.Campaign) error
	// UpdateCampaign replaces the definition and lifecycle fields. Stats are
	// only changed through IncrementCampaignStats and SetCampaignStats.
	UpdateCampaign(ctx context.Context, c *domain.Campaign) error
	DeleteCampaign(ctx context.Context, id string) error
	IncrementCampaignStats(ctx context.Context, id string, delta domain.CampaignStats) error
	SetCampaignStats(ctx context.Context, id string, stats domain.CampaignStats) error
	// LockABWinner records the winner once. A second call returns
	// ErrWinnerLocked and leaves the first winner in place.
	LockABWinner(ctx context.Context, campaignID, variantID string, at time.Time) error

	ListVariants(ctx context.Context, campaignID string) ([]domain.ABVariant, error)
	ReplaceVariants(ctx context.Context, campaignID string, variants []domain.ABVariant) error
	IncrementVariantStats(ctx context.Context, variantID string, delta domain.VariantStats) error
}

// RecipientFilter narrows ListRecipients. Results are ordered by Order.
type RecipientFilter struct {
	CampaignID string
	ContactID  string
	Statuses   []domain.SendStatus
	Limit      int
	Offset     int
}

// RecipientRepository persists campaign recipients.
type RecipientRepository interface {
	// CreateRecipients inserts rows and assigns each a globally increasing
	// Order in slice order.
	CreateRecipients(ctx context.Context, rs []domain.Recipient) error
	// DeleteRecipients removes every recipient of a campaign.
	DeleteRecipients(ctx context.Context, campaignID string) error
	GetRecipient(ctx context.Context, id string) (*domain.Recipient, error)
	UpdateRecipient(ctx context.Context, r *domain.Recipient) error
	ListRecipients(ctx context.Context, f RecipientFilter) ([]domain.Recipient, error)
	CountRecipientsByStatus(ctx context.Context, campaignID string) (map[domain.SendStatus]int, error)
}

// SequenceCounters is a delta applied to a sequence's aggregate counters.
type SequenceCounters struct {
	Enrolled  int
	Completed int
	Stopped   int
	Failed    int
}

// SequenceRepository persists sequence definitions.
type SequenceRepository interface {
	GetSequence(ctx context.Context, id string) (*domain.Sequence, error)
	ListSequences(ctx context.Context, orgID string, statuses ...domain.SequenceStatus) ([]domain.Sequence, error)
	CreateSequence(ctx context.Context, s *domain.Sequence) error
	UpdateSequence(ctx context.Context, s *domain.Sequence) error
	DeleteSequence(ctx context.Context, id string) error
	IncrementSequenceCounters(ctx context.Context, id string, d SequenceCounters) error
}

// EnrollmentFilter narrows ListEnrollments. Results are ordered by Order.
type EnrollmentFilter struct {
	SequenceID string
	ContactID  string
	Statuses   []domain.EnrollmentStatus
	Limit      int
	Offset     int
}

// ExecutionFilter narrows ListStepExecutions. Results are ordered by Order.
type ExecutionFilter struct {
	EnrollmentID string
	SequenceID   string
	Statuses     []domain.SendStatus
	Kind         domain.StepKind
	SentSince    *time.Time
	Limit        int
}

// EnrollmentRepository persists enrollments and their step executions.
type EnrollmentRepository interface {
	// CreateEnrollment inserts e and assigns Order. It returns
	// ErrActiveEnrollment when the contact already has a non-terminal
	// enrollment in the sequence; the check and insert are atomic.
	CreateEnrollment(ctx context.Context, e *domain.Enrollment) error
	GetEnrollment(ctx context.Context, id string) (*domain.Enrollment, error)
	UpdateEnrollment(ctx context.Context, e *domain.Enrollment) error
	ListEnrollments(ctx context.Context, f EnrollmentFilter) ([]domain.Enrollment, error)

	CreateStepExecution(ctx context.Context, x *domain.StepExecution) error
	GetStepExecution(ctx context.Context, id string) (*domain.StepExecution, error)
	UpdateStepExecution(ctx context.Context, x *domain.StepExecution) error
	ListStepExecutions(ctx context.Context, f ExecutionFilter) ([]domain.StepExecution, error)
	CountStepExecutions(ctx context.Context, f ExecutionFilter) (int, error)
}

// EventFilter narrows ListEvents. Results are ordered by OccurredAt.
type EventFilter struct {
	CampaignID   string
	RecipientID  string
	EnrollmentID string
	ContactID    string
	Limit        int
}

// EventApplication is one event together with every record it changes.
// Nil pointers and zero deltas are left alone.
type EventApplication struct {
	Event         *domain.Event
	Recipient     *domain.Recipient
	CampaignID    string
	CampaignStats domain.CampaignStats
	VariantID     string
	VariantStats  domain.VariantStats
	Execution     *domain.StepExecution
	Enrollment    *domain.Enrollment
}

// EventRepository is the append-only engagement log.
type EventRepository interface {
	// AppendEvent stores e unless an event with the same Key exists, in
	// which case it returns false and stores nothing.
	AppendEvent(ctx context.Context, e *domain.Event) (bool, error)
	// ApplyEvent appends app.Event and writes the records it changes as one
	// unit: either all of it is stored or none of it. It returns false and
	// writes nothing when the event is already stored.
	ApplyEvent(ctx context.Context, app EventApplication) (bool, error)
	ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error)
}

// LogFilter narrows ListLogs. Results are newest first.
type LogFilter struct {
	CampaignID string
	SequenceID string
	Limit      int
}

// LogRepository stores owner-visible activity entries.
type LogRepository interface {
	AppendLog(ctx context.Context, l *domain.LogEntry) error
	ListLogs(ctx context.Context, f LogFilter) ([]domain.LogEntry, error)
}

// Store bundles every repository the engine needs.
type Store interface {
	AccountRepository
	CampaignRepository
	RecipientRepository
	SequenceRepository
	EnrollmentRepository
	EventRepository
	LogRepository
}
