package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrStatusRegression is returned when a transition would move a send
// record backwards or out of a terminal state.
var ErrStatusRegression = errors.New("status transition not allowed")

// SendStatus is the lifecycle of a single send attempt. Recipients and
// step executions share it.
type SendStatus string

const (
	StatusPending      SendStatus = "pending"
	StatusQueued       SendStatus = "queued"
	StatusSending      SendStatus = "sending"
	StatusSent         SendStatus = "sent"
	StatusDelivered    SendStatus = "delivered"
	StatusOpened       SendStatus = "opened"
	StatusClicked      SendStatus = "clicked"
	StatusReplied      SendStatus = "replied"
	StatusBounced      SendStatus = "bounced"
	StatusUnsubscribed SendStatus = "unsubscribed"
	StatusComplained   SendStatus = "complained"
	StatusFailed       SendStatus = "failed"
	StatusSkipped      SendStatus = "skipped"
	// StatusExecuted is the terminal success state of steps that do not
	// send mail (delay, condition, tag, task, webhook).
	StatusExecuted SendStatus = "executed"
)

// forward ranks; terminal side states are absent.
var sendRank = map[SendStatus]int{
	StatusPending:   0,
	StatusQueued:    1,
	StatusSending:   2,
	StatusSent:      3,
	StatusDelivered: 4,
	StatusOpened:    5,
	StatusClicked:   6,
	StatusReplied:   7,
}

// IsTerminal reports whether no further transition is possible.
func (s SendStatus) IsTerminal() bool {
	switch s {
	case StatusBounced, StatusUnsubscribed, StatusComplained,
		StatusFailed, StatusSkipped, StatusExecuted:
		return true
	}
	return false
}

// IsPreSend reports whether the record has not been handed to a transport yet.
func (s SendStatus) IsPreSend() bool {
	r, ok := sendRank[s]
	return ok && r <= sendRank[StatusSending]
}

// WasSent reports whether the message left the engine.
func (s SendStatus) WasSent() bool {
	if r, ok := sendRank[s]; ok {
		return r >= sendRank[StatusSent]
	}
	return s == StatusBounced || s == StatusUnsubscribed || s == StatusComplained
}

// Valid reports whether s is a known status.
func (s SendStatus) Valid() bool {
	if _, ok := sendRank[s]; ok {
		return true
	}
	return s.IsTerminal()
}

// CanTransitionTo reports whether moving from s to next follows the forward
// graph. Same-state moves are not transitions and return false.
func (s SendStatus) CanTransitionTo(next SendStatus) bool {
	if s == next || s.IsTerminal() || !next.Valid() {
		return false
	}
	cur := sendRank[s]
	switch next {
	case StatusFailed, StatusSkipped, StatusExecuted:
		return cur <= sendRank[StatusSending]
	case StatusBounced:
		return cur >= sendRank[StatusSending]
	case StatusUnsubscribed, StatusComplained:
		return cur >= sendRank[StatusSent]
	}
	return sendRank[next] > cur
}

// Delivery is the send/outcome record embedded by Recipient and
// StepExecution.
type Delivery struct {
	Status     SendStatus `json:"status" db:"status"`
	AccountID  string     `json:"account_id,omitempty" db:"account_id"`
	MessageID  string     `json:"message_id,omitempty" db:"message_id"`
	RetryCount int        `json:"retry_count" db:"retry_count"`
	LastError  string     `json:"last_error,omitempty" db:"last_error"`

	OpenCount  int `json:"open_count" db:"open_count"`
	ClickCount int `json:"click_count" db:"click_count"`

	ScheduledAt    *time.Time `json:"scheduled_at,omitempty" db:"scheduled_at"`
	SentAt         *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	OpenedAt       *time.Time `json:"opened_at,omitempty" db:"opened_at"`
	ClickedAt      *time.Time `json:"clicked_at,omitempty" db:"clicked_at"`
	RepliedAt      *time.Time `json:"replied_at,omitempty" db:"replied_at"`
	BouncedAt      *time.Time `json:"bounced_at,omitempty" db:"bounced_at"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at,omitempty" db:"unsubscribed_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// Transition moves the record to next and stamps the matching timestamp.
// A same-state call is a no-op. Anything else off the forward graph returns
// ErrStatusRegression.
func (d *Delivery) Transition(next SendStatus, at time.Time) error {
	if d.Status == next {
		return nil
	}
	if !d.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, d.Status, next)
	}
	d.Status = next
	d.stamp(next, at)
	return nil
}

// stamp sets first-occurrence timestamps; existing values are kept.
func (d *Delivery) stamp(s SendStatus, at time.Time) {
	set := func(p **time.Time) {
		if *p == nil {
			t := at
			*p = &t
		}
	}
	switch s {
	case StatusSent:
		set(&d.SentAt)
	case StatusDelivered:
		set(&d.DeliveredAt)
	case StatusOpened:
		set(&d.OpenedAt)
	case StatusClicked:
		set(&d.ClickedAt)
	case StatusReplied:
		set(&d.RepliedAt)
	case StatusBounced:
		set(&d.BouncedAt)
	case StatusUnsubscribed, StatusComplained:
		set(&d.UnsubscribedAt)
	}
	if s.IsTerminal() {
		set(&d.FinishedAt)
	}
}

// MarkOpened records an open: count always, timestamp once.
func (d *Delivery) MarkOpened(at time.Time) {
	d.OpenCount++
	if d.OpenedAt == nil {
		t := at
		d.OpenedAt = &t
	}
}

// MarkClicked records a click: count always, timestamp once.
func (d *Delivery) MarkClicked(at time.Time) {
	d.ClickCount++
	if d.ClickedAt == nil {
		t := at
		d.ClickedAt = &t
	}
}

// MarkReplied stamps the first reply.
func (d *Delivery) MarkReplied(at time.Time) {
	if d.RepliedAt == nil {
		t := at
		d.RepliedAt = &t
	}
}

// Fail moves a pre-send record into failed with a human-readable reason.
func (d *Delivery) Fail(reason string, at time.Time) error {
	if err := d.Transition(StatusFailed, at); err != nil {
		return err
	}
	d.LastError = reason
	return nil
}

// Skip moves a pre-send record into skipped with a reason.
func (d *Delivery) Skip(reason string, at time.Time) error {
	if err := d.Transition(StatusSkipped, at); err != nil {
		return err
	}
	d.LastError = reason
	return nil
}

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignScheduled, CampaignSending, CampaignCancelled},
	CampaignScheduled: {CampaignDraft, CampaignSending, CampaignCancelled},
	CampaignSending:   {CampaignPaused, CampaignCompleted, CampaignCancelled},
	CampaignPaused:    {CampaignSending, CampaignCancelled},
}

// CanTransitionTo reports whether the campaign lifecycle allows s -> next.
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	for _, n := range campaignTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for completed and cancelled.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled
}

// EnrollmentStatus enumerates the states of one contact's traversal.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentPaused    EnrollmentStatus = "paused"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentStopped   EnrollmentStatus = "stopped"
	EnrollmentFailed    EnrollmentStatus = "failed"
)

var enrollmentTransitions = map[EnrollmentStatus][]EnrollmentStatus{
	EnrollmentActive: {EnrollmentPaused, EnrollmentCompleted, EnrollmentStopped, EnrollmentFailed},
	EnrollmentPaused: {EnrollmentActive, EnrollmentStopped, EnrollmentFailed},
}

// CanTransitionTo reports whether the enrollment lifecycle allows s -> next.
func (s EnrollmentStatus) CanTransitionTo(next EnrollmentStatus) bool {
	for _, n := range enrollmentTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for completed, stopped and failed.
func (s EnrollmentStatus) IsTerminal() bool {
	return s == EnrollmentCompleted || s == EnrollmentStopped || s == EnrollmentFailed
}

// SequenceStatus enumerates the states of a sequence definition.
type SequenceStatus string

const (
	SequenceDraft    SequenceStatus = "draft"
	SequenceActive   SequenceStatus = "active"
	SequencePaused   SequenceStatus = "paused"
	SequenceArchived SequenceStatus = "archived"
)

var sequenceTransitions = map[SequenceStatus][]SequenceStatus{
	SequenceDraft:  {SequenceActive, SequenceArchived},
	SequenceActive: {SequencePaused, SequenceArchived},
	SequencePaused: {SequenceActive, SequenceArchived},
}

// CanTransitionTo reports whether the sequence lifecycle allows s -> next.
func (s SequenceStatus) CanTransitionTo(next SequenceStatus) bool {
	for _, n := range sequenceTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}
