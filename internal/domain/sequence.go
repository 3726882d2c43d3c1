package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StepKind tags which payload a Step carries.
type StepKind string

const (
	StepEmail     StepKind = "email"
	StepDelay     StepKind = "delay"
	StepCondition StepKind = "condition"
	StepTask      StepKind = "task"
	StepWebhook   StepKind = "webhook"
	StepTag       StepKind = "tag"
)

// DelayUnit converts a step's delay value to a duration.
type DelayUnit string

const (
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
	DelayWeeks   DelayUnit = "weeks"
)

// Duration returns value expressed in u.
func (u DelayUnit) Duration(value int) (time.Duration, error) {
	if value < 0 {
		return 0, fmt.Errorf("negative delay %d", value)
	}
	v := time.Duration(value)
	switch u {
	case DelayMinutes:
		return v * time.Minute, nil
	case DelayHours:
		return v * time.Hour, nil
	case DelayDays, "":
		return v * 24 * time.Hour, nil
	case DelayWeeks:
		return v * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown delay unit %q", u)
}

// ConditionType names an engagement or contact predicate.
type ConditionType string

const (
	ConditionOpened      ConditionType = "opened"
	ConditionNotOpened   ConditionType = "not_opened"
	ConditionClicked     ConditionType = "clicked"
	ConditionNotClicked  ConditionType = "not_clicked"
	ConditionReplied     ConditionType = "replied"
	ConditionNotReplied  ConditionType = "not_replied"
	ConditionScoreAbove  ConditionType = "score_above"
	ConditionScoreBelow  ConditionType = "score_below"
	ConditionHasTag      ConditionType = "has_tag"
	ConditionFieldEquals ConditionType = "field_equals"
)

// Validate checks that value is well formed for the condition type.
func (c ConditionType) Validate(value string) error {
	switch c {
	case ConditionOpened, ConditionNotOpened, ConditionClicked, ConditionNotClicked,
		ConditionReplied, ConditionNotReplied:
		return nil
	case ConditionScoreAbove, ConditionScoreBelow:
		if _, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err != nil {
			return fmt.Errorf("condition %s needs a numeric value, got %q", c, value)
		}
		return nil
	case ConditionHasTag:
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("condition %s needs a tag name", c)
		}
		return nil
	case ConditionFieldEquals:
		if k, _, ok := strings.Cut(value, "="); !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("condition %s needs field=value, got %q", c, value)
		}
		return nil
	}
	return fmt.Errorf("unknown condition type %q", c)
}

// TagAction is what a tag step does to the contact.
type TagAction string

const (
	TagAdd    TagAction = "add"
	TagRemove TagAction = "remove"
)

// EmailStep is the payload of an email step.
type EmailStep struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// ConditionStep branches on engagement or contact state.
type ConditionStep struct {
	Type              ConditionType `json:"condition_type"`
	Value             string        `json:"condition_value"`
	TrueBranchStepID  string        `json:"true_branch_step"`
	FalseBranchStepID string        `json:"false_branch_step"`
}

// TaskStep creates a manual task for the sequence owner.
type TaskStep struct {
	Title string `json:"title"`
	Note  string `json:"note,omitempty"`
}

// WebhookStep notifies an external endpoint.
type WebhookStep struct {
	URL   string `json:"url"`
	Event string `json:"event,omitempty"`
}

// TagStep adds or removes a contact tag.
type TagStep struct {
	Action TagAction `json:"action"`
	Tag    string    `json:"tag"`
}

// StepEnd as a next or branch target ends the enrollment.
const StepEnd = "end"

// Step is one node of a sequence graph. Exactly one payload matching Kind is
// set. Non-condition steps continue at NextStepID, or at the following step
// by position when NextStepID is empty.
type Step struct {
	ID         string    `json:"id"`
	Position   int       `json:"position"`
	Kind       StepKind  `json:"kind"`
	Name       string    `json:"name,omitempty"`
	DelayValue int       `json:"delay_value"`
	DelayUnit  DelayUnit `json:"delay_unit,omitempty"`
	NextStepID string    `json:"next_step_id,omitempty"`

	Email     *EmailStep     `json:"email,omitempty"`
	Condition *ConditionStep `json:"condition,omitempty"`
	Task      *TaskStep      `json:"task,omitempty"`
	Webhook   *WebhookStep   `json:"webhook,omitempty"`
	Tag       *TagStep       `json:"tag,omitempty"`
}

// Delay returns the wait before this step runs.
func (s *Step) Delay() (time.Duration, error) {
	return s.DelayUnit.Duration(s.DelayValue)
}

// Validate checks that the payload matches the kind and nothing else is set.
func (s *Step) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("step at position %d has no id", s.Position)
	}
	if _, err := s.Delay(); err != nil {
		return fmt.Errorf("step %s: %w", s.ID, err)
	}
	payloads := 0
	for _, set := range []bool{s.Email != nil, s.Condition != nil, s.Task != nil, s.Webhook != nil, s.Tag != nil} {
		if set {
			payloads++
		}
	}
	if s.Kind == StepDelay {
		if payloads != 0 {
			return fmt.Errorf("step %s: delay step carries a payload", s.ID)
		}
		return nil
	}
	if payloads != 1 {
		return fmt.Errorf("step %s: %s step needs exactly one payload", s.ID, s.Kind)
	}
	switch s.Kind {
	case StepEmail:
		if s.Email == nil {
			return fmt.Errorf("step %s: missing email payload", s.ID)
		}
		if strings.TrimSpace(s.Email.Subject) == "" && strings.TrimSpace(s.Email.Body) == "" {
			return fmt.Errorf("step %s: email step has no content", s.ID)
		}
	case StepCondition:
		if s.Condition == nil {
			return fmt.Errorf("step %s: missing condition payload", s.ID)
		}
		if err := s.Condition.Type.Validate(s.Condition.Value); err != nil {
			return fmt.Errorf("step %s: %w", s.ID, err)
		}
	case StepTask:
		if s.Task == nil || s.Task.Title == "" {
			return fmt.Errorf("step %s: task step needs a title", s.ID)
		}
	case StepWebhook:
		if s.Webhook == nil || s.Webhook.URL == "" {
			return fmt.Errorf("step %s: webhook step needs a url", s.ID)
		}
	case StepTag:
		if s.Tag == nil || s.Tag.Tag == "" {
			return fmt.Errorf("step %s: tag step needs a tag", s.ID)
		}
		if s.Tag.Action != TagAdd && s.Tag.Action != TagRemove {
			return fmt.Errorf("step %s: unknown tag action %q", s.ID, s.Tag.Action)
		}
	default:
		return fmt.Errorf("step %s: unknown kind %q", s.ID, s.Kind)
	}
	return nil
}

// StopConditions end an enrollment early when engagement arrives.
type StopConditions struct {
	OnReply       bool     `json:"stop_on_reply"`
	OnClick       bool     `json:"stop_on_click"`
	OnOpen        bool     `json:"stop_on_open"`
	OnUnsubscribe bool     `json:"stop_on_unsubscribe"`
	OnBounce      bool     `json:"stop_on_bounce"`
	ScoreAbove    *float64 `json:"stop_on_score_above,omitempty"`
	ScoreBelow    *float64 `json:"stop_on_score_below,omitempty"`
}

// SendWindow restricts sends to given weekdays and a daily time range in a
// timezone. End is exclusive.
type SendWindow struct {
	Days      []time.Weekday `json:"days"`
	StartTime string         `json:"start_time"` // "HH:MM"
	EndTime   string         `json:"end_time"`
	Timezone  string         `json:"timezone"`
}

// Sequence is a multi-step outreach definition.
type Sequence struct {
	ID              string         `json:"id" db:"id"`
	OrganizationID  string         `json:"organization_id" db:"organization_id"`
	Name            string         `json:"name" db:"name"`
	FromName        string         `json:"from_name" db:"from_name"`
	Steps           []Step         `json:"steps" db:"steps"`
	Stop            StopConditions `json:"stop_conditions" db:"stop_conditions"`
	Window          *SendWindow    `json:"send_window,omitempty" db:"send_window"`
	MaxEmailsPerDay int            `json:"max_emails_per_day" db:"max_emails_per_day"`
	AccountIDs      []string       `json:"account_ids" db:"account_ids"`
	MaxRetries      int            `json:"max_retries" db:"max_retries"`
	Status          SequenceStatus `json:"status" db:"status"`

	EnrolledCount  int `json:"enrolled_count" db:"enrolled_count"`
	CompletedCount int `json:"completed_count" db:"completed_count"`
	StoppedCount   int `json:"stopped_count" db:"stopped_count"`
	FailedCount    int `json:"failed_count" db:"failed_count"`

	ActivatedAt *time.Time `json:"activated_at,omitempty" db:"activated_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// StopReason records why an enrollment ended early.
type StopReason string

const (
	StopReply       StopReason = "reply"
	StopClick       StopReason = "click"
	StopOpen        StopReason = "open"
	StopUnsubscribe StopReason = "unsubscribe"
	StopComplaint   StopReason = "complaint"
	StopBounce      StopReason = "bounce"
	StopScoreAbove  StopReason = "score_above"
	StopScoreBelow  StopReason = "score_below"
	StopManual      StopReason = "manual"
	// StopSuppressed ends an enrollment whose contact became unsendable
	// without a matching stop condition.
	StopSuppressed StopReason = "suppressed"
)

// Enrollment is one contact's traversal through a sequence.
type Enrollment struct {
	ID             string           `json:"id" db:"id"`
	SequenceID     string           `json:"sequence_id" db:"sequence_id"`
	OrganizationID string           `json:"organization_id" db:"organization_id"`
	ContactID      string           `json:"contact_id" db:"contact_id"`
	Email          string           `json:"email" db:"email"`
	Order          int64            `json:"order" db:"position"`
	Status         EnrollmentStatus `json:"status" db:"status"`
	CurrentStepID  string           `json:"current_step" db:"current_step_id"`
	NextStepAt     *time.Time       `json:"next_step_at,omitempty" db:"next_step_at"`
	StopReason     StopReason       `json:"stop_reason,omitempty" db:"stop_reason"`
	LastError      string           `json:"last_error,omitempty" db:"last_error"`

	OpenCount  int        `json:"open_count" db:"open_count"`
	ClickCount int        `json:"click_count" db:"click_count"`
	ReplyCount int        `json:"reply_count" db:"reply_count"`
	OpenedAt   *time.Time `json:"opened_at,omitempty" db:"opened_at"`
	ClickedAt  *time.Time `json:"clicked_at,omitempty" db:"clicked_at"`
	RepliedAt  *time.Time `json:"replied_at,omitempty" db:"replied_at"`

	EnrolledAt time.Time  `json:"enrolled_at" db:"enrolled_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// Transition moves the enrollment along its lifecycle.
func (e *Enrollment) Transition(next EnrollmentStatus, at time.Time) error {
	if e.Status == next {
		return nil
	}
	if !e.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: enrollment %s -> %s", ErrStatusRegression, e.Status, next)
	}
	e.Status = next
	if next.IsTerminal() {
		t := at
		e.FinishedAt = &t
		e.NextStepAt = nil
	}
	return nil
}

// StepExecution is one attempted step within one enrollment.
type StepExecution struct {
	ID           string   `json:"id" db:"id"`
	EnrollmentID string   `json:"enrollment_id" db:"enrollment_id"`
	SequenceID   string   `json:"sequence_id" db:"sequence_id"`
	StepID       string   `json:"step_id" db:"step_id"`
	StepKind     StepKind `json:"step_kind" db:"step_kind"`
	Order        int64    `json:"order" db:"position"`
	Branch       string   `json:"branch,omitempty" db:"branch"`

	Delivery

	DueAt     time.Time `json:"due_at" db:"due_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
