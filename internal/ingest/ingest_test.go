package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/coldreach/internal/contacts"
	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/notify"
	"github.com/ignite/coldreach/internal/pkg/keylock"
	"github.com/ignite/coldreach/internal/repository/memory"
	"github.com/ignite/coldreach/internal/scoring"
	"github.com/ignite/coldreach/internal/service/suppression"
	"github.com/ignite/coldreach/internal/store"
)

type recordingSink struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recordingSink) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func (r *recordingSink) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.got {
		out = append(out, n.Event)
	}
	return out
}

type fakeStopper struct {
	store   store.Store
	reasons map[string]domain.StopReason
}

func (f *fakeStopper) StopLocked(ctx context.Context, en *domain.Enrollment, reason domain.StopReason) error {
	if f.reasons == nil {
		f.reasons = map[string]domain.StopReason{}
	}
	f.reasons[en.ID] = reason
	en.StopReason = reason
	if err := en.Transition(domain.EnrollmentStopped, time.Now()); err != nil {
		return err
	}
	return f.store.UpdateEnrollment(ctx, en)
}

type fixture struct {
	in      *Ingestor
	store   *memory.Store
	dir     *contacts.MemoryDirectory
	supp    *suppression.Service
	scores  *scoring.MemoryEngine
	sink    *recordingSink
	stopper *fakeStopper
	now     time.Time
}

const org = "org-1"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	dir := contacts.NewMemoryDirectory(domain.Contact{ID: "c-1", OrganizationID: org, Email: "ada@example.com", Status: domain.ContactActive})
	f := &fixture{
		store:   st,
		dir:     dir,
		supp:    suppression.NewService(st),
		scores:  scoring.NewMemoryEngine(nil),
		sink:    &recordingSink{},
		stopper: &fakeStopper{store: st},
		now:     time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	}
	f.in = New(st, dir, f.supp, f.scores, f.sink, keylock.New(), Config{HotLeadThreshold: 10})
	f.in.SetStopper(f.stopper)
	f.in.SetClock(func() time.Time { return f.now })

	ctx := context.Background()
	require.NoError(t, st.SaveAccount(ctx, &domain.SendingAccount{ID: "acct-1", OrganizationID: org, Status: domain.AccountActive}))
	require.NoError(t, st.CreateCampaign(ctx, &domain.Campaign{ID: "camp-1", OrganizationID: org, Status: domain.CampaignSending}))
	require.NoError(t, st.ReplaceVariants(ctx, "camp-1", []domain.ABVariant{{ID: "var-a", Weight: 1}}))
	return f
}

func (f *fixture) sentRecipient(t *testing.T, id string) {
	t.Helper()
	sentAt := f.now.Add(-time.Hour)
	require.NoError(t, f.store.CreateRecipients(context.Background(), []domain.Recipient{{
		ID: id, CampaignID: "camp-1", OrganizationID: org, ContactID: "c-1", Email: "ada@example.com",
		VariantID: "var-a",
		Delivery:  domain.Delivery{Status: domain.StatusSent, AccountID: "acct-1", SentAt: &sentAt},
	}}))
}

func (f *fixture) recipient(t *testing.T, id string) *domain.Recipient {
	t.Helper()
	r, err := f.store.GetRecipient(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (f *fixture) campaignStats(t *testing.T) domain.CampaignStats {
	t.Helper()
	c, err := f.store.GetCampaign(context.Background(), "camp-1")
	require.NoError(t, err)
	return c.Stats
}

func TestIngest_OpenCountsUniqueOnce(t *testing.T) {
	f := newFixture(t)
	f.sentRecipient(t, "r-1")
	ctx := context.Background()

	open := func(key string) *domain.Event {
		return &domain.Event{Type: domain.EventOpened, RecipientID: "r-1", DedupKey: key}
	}
	require.NoError(t, f.in.Ingest(ctx, open("o-1")))
	require.NoError(t, f.in.Ingest(ctx, open("o-1")), "replay is acknowledged")
	require.NoError(t, f.in.Ingest(ctx, open("o-2")))

	r := f.recipient(t, "r-1")
	assert.Equal(t, domain.StatusOpened, r.Status)
	assert.Equal(t, 2, r.OpenCount)
	require.NotNil(t, r.OpenedAt)
	assert.Equal(t, f.now, *r.OpenedAt)
	assert.Equal(t, 1, f.campaignStats(t).Opened)

	vs, err := f.store.ListVariants(ctx, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, vs[0].Stats.Opened)

	events, err := f.store.ListEvents(ctx, store.EventFilter{RecipientID: "r-1"})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	score, _ := f.scores.Score(ctx, org, "c-1")
	assert.Equal(t, 2.0, score, "duplicate must not score twice")
}

func TestIngest_StatusNeverRegresses(t *testing.T) {
	f := newFixture(t)
	f.sentRecipient(t, "r-1")
	ctx := context.Background()

	require.NoError(t, f.in.Ingest(ctx, &domain.Event{Type: domain.EventReplied, RecipientID: "r-1", DedupKey: "msg-1"}))
	require.NoError(t, f.in.Ingest(ctx, &domain.Event{Type: domain.EventDelivered, RecipientID: "r-1", DedupKey: "d"}))
	require.NoError(t, f.in.Ingest(ctx, &domain.Event{Type: domain.EventOpened, RecipientID: "r-1", DedupKey: "o"}))

	r := f.recipient(t, "r-1")
	assert.Equal(t, domain.StatusReplied, r.Status)
	assert.NotNil(t, r.DeliveredAt, "late delivery still stamps its timestamp")
	assert.Equal(t, 1, r.OpenCount)

	stats := f.campaignStats(t)
	assert.Equal(t, 1, stats.Replied)
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 1, stats.Opened)
	assert.Contains(t, f.sink.events(), notify.EventReply)
}

func TestIngest_EngagementBeforeSendIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateRecipients(ctx, []domain.Recipient{{
		ID: "r-q", CampaignID: "camp-1", OrganizationID: org, ContactID: "c-1", Email: "ada@example.com",
		Delivery: domain.Delivery{Status: domain.StatusQueued},
	}}))

	require.NoError(t, f.in.Ingest(ctx, &domain.Event{Type: domain.EventOpened, RecipientID: "r-q", DedupKey: "o"}))
	r := f.recipient(t, "r-q")
	assert.Equal(t, domain.StatusQueued, r.Status)
	assert.Zero(t, r.OpenCount)
	assert.True(t, f.campaignStats(t).IsZero())
}

// Unsubscribe after a send ends the recipient and suppresses the address for
// every other campaign.
func TestIngest_UnsubscribeSuppresses(t *testing.T) {
	f := newFixture(t)
	f.sentRecipient(t, "r-1")
	ctx := context.Background()

	require.NoError(t, f.in.Ingest(ctx, &domain.Event{Type: domain.EventUnsubscribed, RecipientID: "r-1", DedupKey: "u"}))

	r := f.recipient(t, "r-1")
	assert.Equal(t, domain.StatusUnsubscribed, r.Status)
	assert.NotNil(t, r.FinishedAt)
	assert.Equal(t, 1, f.campaignStats(t).Unsubscribed)

	ok, err := f.supp.IsSuppressed(ctx, org, "ADA@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	// terminal: later engagement leaves the status alone
	require.NoError(t, f.in.Ingest(ctx, &domain.Event{Type: domain.EventClicked, RecipientID: "r-1", DedupKey: "c"}))
	assert.Equal(t, domain.StatusUnsubscribed, f.recipient(t, "r-1").Status)
}

func TestIngest_Bounces(t *testing.T) {
	f := newFixture(t)
	f.sentRecipient(t, "r-soft")
	f.sentRecipient(t, "r-hard")
	ctx := context.Background()

	require.NoError(t, f.in.Ingest(ctx, &domain.Event{Type: domain.EventBounced, RecipientID: "r-soft", DedupKey: "b",
		Metadata: map[string]string{"bounce_type": "soft"}}))
	assert.Equal(t, domain.StatusSent, f.recipient(t, "r-soft").Status)
	ok, _ := f.supp.IsSuppressed(ctx, org, "ada@example.com")
	assert.False(t, ok, "soft bounces do not suppress")

	require.NoError(t, f.in.Ingest(ctx, &domain.Event{Type: domain.EventBounced, RecipientID: "r-hard", DedupKey: "b",
		Metadata: map[string]string{"reason": "550 mailbox unavailable"}}))
	r := f.recipient(t, "r-hard")
	assert.Equal(t, domain.StatusBounced, r.Status)
	assert.Equal(t, "550 mailbox unavailable", r.LastError)
	ok, _ = f.supp.IsSuppressed(ctx, org, "ada@example.com")
	assert.True(t, ok)

	acct, err := f.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 1, acct.BounceCount)
	assert.Equal(t, 1, f.campaignStats(t).Bounced)
}

func TestIngest_RejectsBadEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.in.Ingest(ctx, &domain.Event{Type: "bogus", RecipientID: "r-1"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.True(t, IsPermanent(err))

	err = f.in.Ingest(ctx, &domain.Event{Type: domain.EventOpened})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	err = f.in.Ingest(ctx, &domain.Event{Type: domain.EventOpened, RecipientID: "missing"})
	assert.ErrorIs(t, err, ErrUnknownTarget)

	err = f.in.Ingest(ctx, &domain.Event{Type: domain.EventScoreChanged, ContactID: "c-1"})
	assert.ErrorIs(t, err, ErrInvalidEvent, "contact events need an organization")
}

// ============================================================================
// Enrollments
// ============================================================================

func (f *fixture) enrollment(t *testing.T, stop domain.StopConditions) (*domain.Enrollment, *domain.StepExecution) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateSequence(ctx, &domain.Sequence{
		ID: "seq-1", OrganizationID: org, Status: domain.SequenceActive, Stop: stop,
		Steps: []domain.Step{{ID: "s1", Kind: domain.StepEmail, Email: &domain.EmailStep{Subject: "hi", Body: "hello"}}},
	}))
	en := &domain.Enrollment{ID: "en-1", SequenceID: "seq-1", OrganizationID: org, ContactID: "c-1",
		Email: "ada@example.com", Status: domain.EnrollmentActive, CurrentStepID: "s1", EnrolledAt: f.now}
	require.NoError(t, f.store.CreateEnrollment(ctx, en))
	sentAt := f.now.Add(-time.Hour)
	x := &domain.StepExecution{ID: "x-1", EnrollmentID: "en-1", SequenceID: "seq-1", StepID: "s1",
		StepKind: domain.StepEmail, Delivery: domain.Delivery{Status: domain.StatusSent, AccountID: "acct-1", SentAt: &sentAt}}
	require.NoError(t, f.store.CreateStepExecution(ctx, x))
	return en, x
}

func TestIngest_StopOnReply(t *testing.T) {
	f := newFixture(t)
	f.enrollment(t, domain.StopConditions{OnReply: true})
	ctx := context.Background()

	require.NoError(t, f.in.Ingest(ctx, &domain.Event{Type: domain.EventOpened, StepExecutionID: "x-1", DedupKey: "o"}))
	en, err := f.store.GetEnrollment(ctx, "en-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentActive, en.Status, "open does not stop a reply-only sequence")
	assert.Equal(t, 1, en.OpenCount)

	require.NoError(t, f.in.Ingest(ctx, &domain.Event{Type: domain.EventReplied, StepExecutionID: "x-1", DedupKey: "m"}))
	en, err = f.store.GetEnrollment(ctx, "en-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentStopped, en.Status)
	assert.Equal(t, domain.StopReply, en.StopReason)
	assert.Equal(t, 1, en.ReplyCount)

	x, err := f.store.GetStepExecution(ctx, "x-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReplied, x.Status)
	assert.Contains(t, f.sink.events(), notify.EventReply)

	events, err := f.store.ListEvents(ctx, store.EventFilter{EnrollmentID: "en-1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "seq-1", events[1].SequenceID)
}

func TestIngest_ComplaintStopsUnderUnsubscribe(t *testing.T) {
	f := newFixture(t)
	f.enrollment(t, domain.StopConditions{OnUnsubscribe: true})
	ctx := context.Background()

	require.NoError(t, f.in.Ingest(ctx, &domain.Event{Type: domain.EventComplained, StepExecutionID: "x-1", DedupKey: "fbl"}))
	assert.Equal(t, domain.StopComplaint, f.stopper.reasons["en-1"])
	ok, _ := f.supp.IsSuppressed(ctx, org, "ada@example.com")
	assert.True(t, ok)
}

func TestIngest_ScoreChangedRechecksThresholds(t *testing.T) {
	f := newFixture(t)
	above := 50.0
	f.enrollment(t, domain.StopConditions{ScoreAbove: &above})
	ctx := context.Background()

	require.NoError(t, f.in.Ingest(ctx, &domain.Event{Type: domain.EventScoreChanged, OrganizationID: org, ContactID: "c-1",
		DedupKey: "run-1", Metadata: map[string]string{"previous": "40", "score": "50"}}))
	en, _ := f.store.GetEnrollment(ctx, "en-1")
	assert.Equal(t, domain.EnrollmentActive, en.Status, "threshold is strict")

	require.NoError(t, f.in.Ingest(ctx, &domain.Event{Type: domain.EventScoreChanged, OrganizationID: org, ContactID: "c-1",
		DedupKey: "run-2", Metadata: map[string]string{"previous": "50", "score": "60.5"}}))
	en, _ = f.store.GetEnrollment(ctx, "en-1")
	assert.Equal(t, domain.EnrollmentStopped, en.Status)
	assert.Equal(t, domain.StopScoreAbove, en.StopReason)
}

func TestIngest_HotLeadNotification(t *testing.T) {
	f := newFixture(t)
	f.sentRecipient(t, "r-1")
	f.scores.Set(org, "c-1", 8)
	ctx := context.Background()

	require.NoError(t, f.in.Ingest(ctx, &domain.Event{Type: domain.EventClicked, RecipientID: "r-1", DedupKey: "c1"}))
	require.NoError(t, f.in.Ingest(ctx, &domain.Event{Type: domain.EventClicked, RecipientID: "r-1", DedupKey: "c2"}))

	hot := 0
	for _, e := range f.sink.events() {
		if e == notify.EventHotLead {
			hot++
		}
	}
	assert.Equal(t, 1, hot, "only the crossing fires")
}

func TestIngest_RedisDedupSkipsReplays(t *testing.T) {
	f := newFixture(t)
	f.sentRecipient(t, "r-1")
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	f.in.SetDedup(NewDedup(client, "", time.Hour))
	ctx := context.Background()

	e := &domain.Event{Type: domain.EventClicked, RecipientID: "r-1", DedupKey: "c1"}
	require.NoError(t, f.in.Ingest(ctx, e))
	assert.True(t, mr.Exists("ingest:seen:"+e.Key()))

	require.NoError(t, f.in.Ingest(ctx, &domain.Event{Type: domain.EventClicked, RecipientID: "r-1", DedupKey: "c1"}))
	assert.Equal(t, 1, f.recipient(t, "r-1").ClickCount)

	mr.FastForward(2 * time.Hour)
	require.NoError(t, f.in.Ingest(ctx, &domain.Event{Type: domain.EventClicked, RecipientID: "r-1", DedupKey: "c1"}))
	assert.Equal(t, 1, f.recipient(t, "r-1").ClickCount, "event log still rejects the replay")
}

func TestIngest_ConcurrentDuplicatesApplyOnce(t *testing.T) {
	f := newFixture(t)
	f.sentRecipient(t, "r-1")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.in.Ingest(ctx, &domain.Event{Type: domain.EventOpened, RecipientID: "r-1", DedupKey: "same"}); err != nil {
				t.Errorf("ingest: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.recipient(t, "r-1").OpenCount)
	assert.Equal(t, 1, f.campaignStats(t).Opened)
}

// ============================================================================
// Redelivery after partial failure
// ============================================================================

var errStoreDown = errors.New("store unavailable")

// flakyStore fails the next failApply ApplyEvent calls.
type flakyStore struct {
	*memory.Store
	failApply int
}

func (s *flakyStore) ApplyEvent(ctx context.Context, app store.EventApplication) (bool, error) {
	if s.failApply > 0 {
		s.failApply--
		return false, errStoreDown
	}
	return s.Store.ApplyEvent(ctx, app)
}

// flakySuppressions fails the next fail Suppress calls.
type flakySuppressions struct {
	*memory.Store
	fail int
}

func (s *flakySuppressions) Suppress(ctx context.Context, sp *domain.Suppression) error {
	if s.fail > 0 {
		s.fail--
		return errStoreDown
	}
	return s.Store.Suppress(ctx, sp)
}

// flakyStopper fails its first call.
type flakyStopper struct {
	*fakeStopper
	failed bool
}

func (s *flakyStopper) StopLocked(ctx context.Context, en *domain.Enrollment, reason domain.StopReason) error {
	if !s.failed {
		s.failed = true
		return errStoreDown
	}
	return s.fakeStopper.StopLocked(ctx, en, reason)
}

func TestIngest_FailedApplyIsAppliedOnRedelivery(t *testing.T) {
	f := newFixture(t)
	f.sentRecipient(t, "r-1")
	ctx := context.Background()
	st := &flakyStore{Store: f.store, failApply: 1}
	in := New(st, f.dir, f.supp, f.scores, f.sink, keylock.New(), Config{})
	in.SetClock(func() time.Time { return f.now })

	unsub := func() *domain.Event {
		return &domain.Event{Type: domain.EventUnsubscribed, RecipientID: "r-1", DedupKey: "u-1"}
	}
	err := in.Ingest(ctx, unsub())
	require.ErrorIs(t, err, errStoreDown)

	assert.Equal(t, domain.StatusSent, f.recipient(t, "r-1").Status)
	events, err := f.store.ListEvents(ctx, store.EventFilter{RecipientID: "r-1"})
	require.NoError(t, err)
	assert.Empty(t, events, "failed apply leaves no event behind")

	require.NoError(t, in.Ingest(ctx, unsub()))
	r := f.recipient(t, "r-1")
	assert.Equal(t, domain.StatusUnsubscribed, r.Status)
	assert.Equal(t, 1, f.campaignStats(t).Unsubscribed)
	ok, err := f.supp.IsSuppressed(ctx, org, "ada@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	events, err = f.store.ListEvents(ctx, store.EventFilter{RecipientID: "r-1"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestIngest_SuppressionRetriedOnReplay(t *testing.T) {
	f := newFixture(t)
	f.sentRecipient(t, "r-1")
	ctx := context.Background()
	supp := suppression.NewService(&flakySuppressions{Store: f.store, fail: 1})
	in := New(f.store, f.dir, supp, f.scores, f.sink, keylock.New(), Config{})
	in.SetClock(func() time.Time { return f.now })

	bounce := func() *domain.Event {
		return &domain.Event{Type: domain.EventBounced, RecipientID: "r-1", DedupKey: "b-1"}
	}
	require.ErrorIs(t, in.Ingest(ctx, bounce()), errStoreDown)
	assert.Equal(t, domain.StatusBounced, f.recipient(t, "r-1").Status, "the event itself is stored")
	ok, _ := supp.IsSuppressed(ctx, org, "ada@example.com")
	assert.False(t, ok)

	require.NoError(t, in.Ingest(ctx, bounce()))
	ok, err := supp.IsSuppressed(ctx, org, "ada@example.com")
	require.NoError(t, err)
	assert.True(t, ok, "replay suppresses")
	assert.Equal(t, 1, f.campaignStats(t).Bounced, "replay does not count twice")

	acct, err := f.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Zero(t, acct.BounceCount, "bounce counter follows the first full delivery only")
}

func TestIngest_StopRetriedOnReplay(t *testing.T) {
	f := newFixture(t)
	f.enrollment(t, domain.StopConditions{OnReply: true})
	ctx := context.Background()
	stopper := &flakyStopper{fakeStopper: f.stopper}
	f.in.SetStopper(stopper)

	reply := func() *domain.Event {
		return &domain.Event{Type: domain.EventReplied, StepExecutionID: "x-1", DedupKey: "m-1"}
	}
	require.ErrorIs(t, f.in.Ingest(ctx, reply()), errStoreDown)
	en, err := f.store.GetEnrollment(ctx, "en-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentActive, en.Status)
	assert.Equal(t, 1, en.ReplyCount)

	require.NoError(t, f.in.Ingest(ctx, reply()))
	en, err = f.store.GetEnrollment(ctx, "en-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentStopped, en.Status)
	assert.Equal(t, domain.StopReply, en.StopReason)
	assert.Equal(t, 1, en.ReplyCount, "replay does not count twice")
}
