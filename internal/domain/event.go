package domain

import "time"

// EventType enumerates engagement and delivery signals.
type EventType string

const (
	EventDelivered    EventType = "delivered"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventReplied      EventType = "replied"
	EventBounced      EventType = "bounced"
	EventUnsubscribed EventType = "unsubscribed"
	EventComplained   EventType = "complained"
	// EventScoreChanged carries a lead score recomputation, including decay
	// runs, so threshold stop conditions see it like any other event.
	EventScoreChanged EventType = "score_changed"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventDelivered, EventOpened, EventClicked, EventReplied,
		EventBounced, EventUnsubscribed, EventComplained, EventScoreChanged:
		return true
	}
	return false
}

// Event is an immutable engagement record. Exactly one of RecipientID or
// StepExecutionID identifies the send it belongs to; score events may carry
// only a ContactID.
type Event struct {
	ID              string            `json:"id" db:"id"`
	OrganizationID  string            `json:"organization_id" db:"organization_id"`
	Type            EventType         `json:"type" db:"event_type"`
	CampaignID      string            `json:"campaign_id,omitempty" db:"campaign_id"`
	RecipientID     string            `json:"recipient_id,omitempty" db:"recipient_id"`
	SequenceID      string            `json:"sequence_id,omitempty" db:"sequence_id"`
	EnrollmentID    string            `json:"enrollment_id,omitempty" db:"enrollment_id"`
	StepExecutionID string            `json:"step_execution_id,omitempty" db:"step_execution_id"`
	ContactID       string            `json:"contact_id,omitempty" db:"contact_id"`
	DedupKey        string            `json:"dedup_key" db:"dedup_key"`
	Metadata        map[string]string `json:"metadata,omitempty" db:"metadata"`
	OccurredAt      time.Time         `json:"occurred_at" db:"occurred_at"`
	ReceivedAt      time.Time         `json:"received_at" db:"received_at"`
}

// TargetID is the id events are deduplicated and serialized under.
func (e *Event) TargetID() string {
	switch {
	case e.RecipientID != "":
		return e.RecipientID
	case e.StepExecutionID != "":
		return e.StepExecutionID
	case e.EnrollmentID != "":
		return e.EnrollmentID
	}
	return e.ContactID
}

// Key is the idempotency key (target, type, dedup_key).
func (e *Event) Key() string {
	return e.TargetID() + "|" + string(e.Type) + "|" + e.DedupKey
}

// LogLevel grades activity log entries.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is an owner-visible activity record attached to a campaign or
// sequence.
type LogEntry struct {
	ID             string    `json:"id" db:"id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	CampaignID     string    `json:"campaign_id,omitempty" db:"campaign_id"`
	SequenceID     string    `json:"sequence_id,omitempty" db:"sequence_id"`
	TargetID       string    `json:"target_id,omitempty" db:"target_id"`
	Level          LogLevel  `json:"level" db:"level"`
	Message        string    `json:"message" db:"message"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
