package domain

import "time"

// SuppressionReason enumerates why an email was suppressed.
type SuppressionReason string

const (
	ReasonHardBounce  SuppressionReason = "hard_bounce"
	ReasonComplaint   SuppressionReason = "spam_complaint"
	ReasonUnsubscribe SuppressionReason = "unsubscribe"
	ReasonManual      SuppressionReason = "manual"
)

// ReasonForEvent maps a terminal engagement event to its suppression reason.
func ReasonForEvent(t EventType) (SuppressionReason, bool) {
	switch t {
	case EventBounced:
		return ReasonHardBounce, true
	case EventComplained:
		return ReasonComplaint, true
	case EventUnsubscribed:
		return ReasonUnsubscribe, true
	}
	return "", false
}

// SuppressionSource indicates where the suppression signal originated.
type SuppressionSource string

const (
	SourceTracking SuppressionSource = "tracking_event"
	SourceManual   SuppressionSource = "manual"
	SourceImport   SuppressionSource = "import"
)

// Suppression is one entry in the organization-wide do-not-send list.
type Suppression struct {
	ID             string            `json:"id" db:"id"`
	OrganizationID string            `json:"organization_id" db:"organization_id"`
	Email          string            `json:"email" db:"email"`
	MD5Hash        string            `json:"md5_hash" db:"md5_hash"`
	Reason         SuppressionReason `json:"reason" db:"reason"`
	Source         SuppressionSource `json:"source" db:"source"`
	CampaignID     string            `json:"campaign_id,omitempty" db:"campaign_id"`
	SequenceID     string            `json:"sequence_id,omitempty" db:"sequence_id"`
	EventID        string            `json:"event_id,omitempty" db:"event_id"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
}
