// Package notify delivers engine notifications to webhook endpoints and
// other integration sinks.
package notify

import (
	"context"
	"errors"
	"time"
)

// Notification event names.
const (
	EventNewEnrollment    = "new_enrollment"
	EventReply            = "reply"
	EventHotLead          = "hot_lead"
	EventCampaignComplete = "campaign_complete"
	EventSequenceWebhook  = "sequence_webhook"
	EventTaskCreated      = "task_created"
)

// Notification is one outbound message. URL overrides the configured
// endpoints, as sequence webhook steps do.
type Notification struct {
	ID             string            `json:"id"`
	Event          string            `json:"event"`
	OrganizationID string            `json:"organization_id"`
	CampaignID     string            `json:"campaign_id,omitempty"`
	SequenceID     string            `json:"sequence_id,omitempty"`
	EnrollmentID   string            `json:"enrollment_id,omitempty"`
	ContactID      string            `json:"contact_id,omitempty"`
	Email          string            `json:"email,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
	URL            string            `json:"-"`
}

// Sink accepts notifications.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Multi fans a notification out to every sink and joins their errors.
type Multi []Sink

// Notify implements Sink.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every notification.
type Discard struct{}

// Notify implements Sink.
func (Discard) Notify(context.Context, Notification) error { return nil }
