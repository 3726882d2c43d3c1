// Package ingest applies engagement and delivery events to send records.
//
// An event and the record changes it causes are stored as one unit, so a
// failed write leaves nothing behind and a redelivery applies it again. A
// duplicate (same target, type and dedup key) changes no records; it only
// repeats the idempotent follow-ups (suppression and the stop check) in case
// the first delivery failed after storing. Status changes only move
// forward, first-occurrence timestamps are set once, and unique engagement
// is counted once per send.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/coldreach/internal/contacts"
	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/executor"
	"github.com/ignite/coldreach/internal/notify"
	"github.com/ignite/coldreach/internal/pkg/logger"
	"github.com/ignite/coldreach/internal/scoring"
	"github.com/ignite/coldreach/internal/service/suppression"
	"github.com/ignite/coldreach/internal/store"
)

// EnrollmentStopper ends an enrollment early. The caller already holds the
// enrollment lock.
type EnrollmentStopper interface {
	StopLocked(ctx context.Context, en *domain.Enrollment, reason domain.StopReason) error
}

// Config tunes ingestion side effects.
type Config struct {
	// HotLeadThreshold triggers a hot_lead notification when a contact's
	// score rises to or past it. Zero disables the trigger.
	HotLeadThreshold float64
	// DedupTTL bounds how long the Redis fast path remembers an event.
	DedupTTL time.Duration
}

// Ingestor applies events. It is safe for concurrent use.
type Ingestor struct {
	store       store.Store
	contacts    contacts.Directory
	suppression *suppression.Service
	scoring     scoring.Engine
	notify      notify.Sink
	locks       executor.Locker
	stopper     EnrollmentStopper
	dedup       *Dedup
	cfg         Config
	now         func() time.Time
}

// New builds an ingestor. locks must be the Locker the executor uses so
// events and dispatches on one target never interleave. scorer and sink may
// be nil.
func New(st store.Store, dir contacts.Directory, supp *suppression.Service, scorer scoring.Engine,
	sink notify.Sink, locks executor.Locker, cfg Config) *Ingestor {
	if sink == nil {
		sink = notify.Discard{}
	}
	return &Ingestor{
		store:       st,
		contacts:    dir,
		suppression: supp,
		scoring:     scorer,
		notify:      sink,
		locks:       locks,
		cfg:         cfg,
		now:         time.Now,
	}
}

// SetStopper installs the sequence machine that ends enrollments.
func (in *Ingestor) SetStopper(s EnrollmentStopper) { in.stopper = s }

// SetDedup enables the Redis duplicate fast path.
func (in *Ingestor) SetDedup(d *Dedup) { in.dedup = d }

// SetClock overrides the time source.
func (in *Ingestor) SetClock(now func() time.Time) { in.now = now }

// effects collects work done after the target lock is released.
type effects struct {
	email     string
	accountID string
	hardFail  bool // hard bounce, unsubscribe or complaint
	change    *scoring.Change
	reply     bool
	// replayed marks an already stored event: only idempotent follow-ups run.
	replayed bool
}

// Ingest applies one event. Replays of an already stored event change no
// records and return nil once the idempotent follow-ups succeed. The Redis
// fast path only remembers an event after every step succeeded.
func (in *Ingestor) Ingest(ctx context.Context, e *domain.Event) error {
	if err := in.normalize(e); err != nil {
		return err
	}

	if in.dedup != nil {
		seen, err := in.dedup.Seen(ctx, e.Key())
		if err != nil {
			logger.Warn("ingest dedup lookup failed", "error", err.Error())
		} else if seen {
			return nil
		}
	}

	var (
		fx  *effects
		err error
	)
	switch {
	case e.RecipientID != "":
		fx, err = in.ingestRecipient(ctx, e)
	case e.StepExecutionID != "" || e.EnrollmentID != "":
		fx, err = in.ingestEnrollment(ctx, e)
	default:
		fx, err = in.ingestContact(ctx, e)
	}
	if err != nil {
		return err
	}
	if err := in.afterApply(ctx, e, fx); err != nil {
		return err
	}

	if in.dedup != nil {
		if err := in.dedup.Mark(ctx, e.Key()); err != nil {
			logger.Warn("ingest dedup mark failed", "error", err.Error())
		}
	}
	return nil
}

func (in *Ingestor) normalize(e *domain.Event) error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if e.TargetID() == "" {
		return fmt.Errorf("%w: no recipient, step execution, enrollment or contact", ErrInvalidEvent)
	}
	if e.TargetID() == e.ContactID && e.OrganizationID == "" {
		return fmt.Errorf("%w: contact events need an organization", ErrInvalidEvent)
	}
	now := in.now().UTC()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	e.ReceivedAt = now
	if e.DedupKey == "" {
		// Producers without their own key dedupe on the occurrence instant.
		e.DedupKey = e.OccurredAt.UTC().Format(time.RFC3339Nano)
	}
	return nil
}

// ============================================================================
// Campaign recipients
// ============================================================================

func (in *Ingestor) ingestRecipient(ctx context.Context, e *domain.Event) (*effects, error) {
	unlock, err := in.locks.Lock(ctx, executor.RecipientKey(e.RecipientID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := in.store.GetRecipient(ctx, e.RecipientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: recipient %s", ErrUnknownTarget, e.RecipientID)
	}
	if err != nil {
		return nil, err
	}
	e.CampaignID = r.CampaignID
	e.ContactID = r.ContactID
	e.OrganizationID = r.OrganizationID

	fx := &effects{email: r.Email, accountID: r.AccountID, hardFail: isHardFailure(e)}
	out := applyDelivery(&r.Delivery, e)
	app := store.EventApplication{Event: e, CampaignID: r.CampaignID, CampaignStats: out.stats}
	if out.changed {
		app.Recipient = r
	}
	if r.VariantID != "" {
		app.VariantID = r.VariantID
		app.VariantStats = out.variant
	}

	inserted, err := in.store.ApplyEvent(ctx, app)
	if err != nil {
		return nil, err
	}
	if !inserted {
		fx.replayed = true
		return fx, nil
	}
	fx.reply = out.firstReply
	fx.change = in.applyScore(ctx, e)
	return fx, nil
}

// ============================================================================
// Sequence enrollments
// ============================================================================

func (in *Ingestor) ingestEnrollment(ctx context.Context, e *domain.Event) (*effects, error) {
	if e.StepExecutionID != "" {
		x, err := in.store.GetStepExecution(ctx, e.StepExecutionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: step execution %s", ErrUnknownTarget, e.StepExecutionID)
		}
		if err != nil {
			return nil, err
		}
		e.EnrollmentID = x.EnrollmentID
		e.SequenceID = x.SequenceID
	}

	unlock, err := in.locks.Lock(ctx, executor.EnrollmentKey(e.EnrollmentID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	en, err := in.store.GetEnrollment(ctx, e.EnrollmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: enrollment %s", ErrUnknownTarget, e.EnrollmentID)
	}
	if err != nil {
		return nil, err
	}
	e.SequenceID = en.SequenceID
	e.ContactID = en.ContactID
	e.OrganizationID = en.OrganizationID

	fx := &effects{email: en.Email, hardFail: isHardFailure(e)}
	app := store.EventApplication{Event: e}
	if e.StepExecutionID != "" {
		x, err := in.store.GetStepExecution(ctx, e.StepExecutionID)
		if err != nil {
			return nil, err
		}
		fx.accountID = x.AccountID
		if applyDelivery(&x.Delivery, e).changed {
			app.Execution = x
		}
	}
	// Counters move on a copy so a replay still sees the stored enrollment.
	updated := *en
	if applyEnrollment(&updated, e, in.now().UTC()) {
		app.Enrollment = &updated
	}

	inserted, err := in.store.ApplyEvent(ctx, app)
	if err != nil {
		return nil, err
	}
	if !inserted {
		fx.replayed = true
		fx.change = replayedScore(e)
		if err := in.checkStop(ctx, en, e, fx.hardFail, fx.change); err != nil {
			return nil, err
		}
		return fx, nil
	}

	fx.reply = e.Type == domain.EventReplied && en.RepliedAt == nil
	fx.change = in.applyScore(ctx, e)
	if err := in.checkStop(ctx, &updated, e, fx.hardFail, fx.change); err != nil {
		return nil, err
	}
	return fx, nil
}

// applyEnrollment folds engagement into the enrollment counters.
func applyEnrollment(en *domain.Enrollment, e *domain.Event, now time.Time) bool {
	at := e.OccurredAt
	first := func(p **time.Time) {
		if *p == nil {
			t := at
			*p = &t
		}
	}
	switch e.Type {
	case domain.EventOpened:
		en.OpenCount++
		first(&en.OpenedAt)
	case domain.EventClicked:
		en.ClickCount++
		first(&en.ClickedAt)
	case domain.EventReplied:
		en.ReplyCount++
		first(&en.RepliedAt)
	default:
		return false
	}
	en.UpdatedAt = now
	return true
}

// ============================================================================
// Contact-level events (score changes, unattributed signals)
// ============================================================================

func (in *Ingestor) ingestContact(ctx context.Context, e *domain.Event) (*effects, error) {
	unlock, err := in.locks.Lock(ctx, "contact:"+e.ContactID)
	if err != nil {
		return nil, err
	}
	inserted, err := in.store.AppendEvent(ctx, e)
	unlock()
	if err != nil {
		return nil, err
	}

	fx := &effects{hardFail: isHardFailure(e), replayed: !inserted}
	if ct, err := in.contacts.GetContact(ctx, e.OrganizationID, e.ContactID); err == nil {
		fx.email = ct.Email
	} else if !errors.Is(err, contacts.ErrNotFound) {
		return nil, err
	}
	if inserted {
		fx.reply = e.Type == domain.EventReplied
		fx.change = in.applyScore(ctx, e)
	} else {
		fx.change = replayedScore(e)
	}

	active, err := in.store.ListEnrollments(ctx, store.EnrollmentFilter{
		ContactID: e.ContactID,
		Statuses:  []domain.EnrollmentStatus{domain.EnrollmentActive, domain.EnrollmentPaused},
	})
	if err != nil {
		return nil, err
	}
	for i := range active {
		if active[i].OrganizationID != e.OrganizationID {
			continue
		}
		if err := in.recheckEnrollment(ctx, active[i].ID, e, fx); err != nil {
			return nil, err
		}
	}
	return fx, nil
}

func (in *Ingestor) recheckEnrollment(ctx context.Context, enrollmentID string, e *domain.Event, fx *effects) error {
	unlock, err := in.locks.Lock(ctx, executor.EnrollmentKey(enrollmentID))
	if err != nil {
		return err
	}
	defer unlock()

	en, err := in.store.GetEnrollment(ctx, enrollmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return in.checkStop(ctx, en, e, fx.hardFail, fx.change)
}

// ============================================================================
// Scoring and stop conditions
// ============================================================================

// applyScore moves the contact's score for engagement events. score_changed
// events carry the new score in metadata and are not re-applied.
func (in *Ingestor) applyScore(ctx context.Context, e *domain.Event) *scoring.Change {
	if e.Type == domain.EventScoreChanged {
		return scoreFromMetadata(e)
	}
	if in.scoring == nil || e.ContactID == "" {
		return nil
	}
	if e.Type == domain.EventBounced && !isHardFailure(e) {
		return nil
	}
	ch, err := in.scoring.ApplyEvent(ctx, e.OrganizationID, e.ContactID, e.Type)
	if err != nil {
		logger.Warn("score update failed", "contact_id", e.ContactID, "error", err.Error())
		return nil
	}
	return &ch
}

// replayedScore recovers the score change of a stored event without moving
// the score again. Only score_changed events carry it.
func replayedScore(e *domain.Event) *scoring.Change {
	if e.Type != domain.EventScoreChanged {
		return nil
	}
	return scoreFromMetadata(e)
}

func scoreFromMetadata(e *domain.Event) *scoring.Change {
	cur, err := strconv.ParseFloat(e.Metadata["score"], 64)
	if err != nil {
		return nil
	}
	prev, err := strconv.ParseFloat(e.Metadata["previous"], 64)
	if err != nil {
		prev = cur
	}
	return &scoring.Change{Previous: prev, Current: cur}
}

// stopReason evaluates the sequence's stop conditions for one event.
func stopReason(sc domain.StopConditions, e *domain.Event, hardFail bool, change *scoring.Change) (domain.StopReason, bool) {
	switch e.Type {
	case domain.EventReplied:
		if sc.OnReply {
			return domain.StopReply, true
		}
	case domain.EventClicked:
		if sc.OnClick {
			return domain.StopClick, true
		}
	case domain.EventOpened:
		if sc.OnOpen {
			return domain.StopOpen, true
		}
	case domain.EventUnsubscribed:
		if sc.OnUnsubscribe {
			return domain.StopUnsubscribe, true
		}
	case domain.EventComplained:
		if sc.OnUnsubscribe {
			return domain.StopComplaint, true
		}
	case domain.EventBounced:
		if sc.OnBounce && hardFail {
			return domain.StopBounce, true
		}
	}
	if change != nil {
		if sc.ScoreAbove != nil && change.Current > *sc.ScoreAbove {
			return domain.StopScoreAbove, true
		}
		if sc.ScoreBelow != nil && change.Current < *sc.ScoreBelow {
			return domain.StopScoreBelow, true
		}
	}
	return "", false
}

func (in *Ingestor) checkStop(ctx context.Context, en *domain.Enrollment, e *domain.Event, hardFail bool, change *scoring.Change) error {
	if en.Status.IsTerminal() || in.stopper == nil {
		return nil
	}
	seq, err := in.store.GetSequence(ctx, en.SequenceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	reason, stop := stopReason(seq.Stop, e, hardFail, change)
	if !stop {
		return nil
	}
	logger.Info("enrollment stop condition met", "enrollment_id", en.ID, "reason", reason, "event", e.Type)
	return in.stopper.StopLocked(ctx, en, reason)
}

// ============================================================================
// Side effects outside the target lock
// ============================================================================

// afterApply runs once the event is stored. A suppression failure is
// returned so the source redelivers; the replay then suppresses again.
// Counters and notifications only follow the first delivery.
func (in *Ingestor) afterApply(ctx context.Context, e *domain.Event, fx *effects) error {
	if fx.hardFail && fx.email != "" && in.suppression != nil {
		if err := in.suppression.SuppressFromEvent(ctx, fx.email, e); err != nil {
			logger.Error("suppression from event failed", "event_id", e.ID, "error", err.Error())
			return fmt.Errorf("suppress %s: %w", e.ID, err)
		}
	}
	if fx.replayed {
		return nil
	}
	if e.Type == domain.EventBounced && fx.hardFail && fx.accountID != "" {
		if err := in.store.RecordAccountBounce(ctx, fx.accountID); err != nil {
			logger.Warn("account bounce update failed", "account_id", fx.accountID, "error", err.Error())
		}
	}
	if fx.reply {
		in.send(ctx, e, notify.EventReply, fx.email, nil)
	}
	if ch := fx.change; ch != nil && in.cfg.HotLeadThreshold > 0 && ch.CrossedAbove(in.cfg.HotLeadThreshold) {
		in.send(ctx, e, notify.EventHotLead, fx.email, map[string]string{
			"score":     strconv.FormatFloat(ch.Current, 'f', -1, 64),
			"threshold": strconv.FormatFloat(in.cfg.HotLeadThreshold, 'f', -1, 64),
		})
	}
	return nil
}

func (in *Ingestor) send(ctx context.Context, e *domain.Event, event, email string, data map[string]string) {
	n := notify.Notification{
		ID:             uuid.New().String(),
		Event:          event,
		OrganizationID: e.OrganizationID,
		CampaignID:     e.CampaignID,
		SequenceID:     e.SequenceID,
		EnrollmentID:   e.EnrollmentID,
		ContactID:      e.ContactID,
		Email:          email,
		Data:           data,
		OccurredAt:     e.OccurredAt,
	}
	if err := in.notify.Notify(ctx, n); err != nil {
		logger.Warn("notification failed", "event", event, "error", err.Error())
	}
}
