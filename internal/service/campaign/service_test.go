package campaign_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/coldreach/internal/contacts"
	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/executor"
	"github.com/ignite/coldreach/internal/notify"
	"github.com/ignite/coldreach/internal/pkg/distlock"
	"github.com/ignite/coldreach/internal/pkg/keylock"
	"github.com/ignite/coldreach/internal/ratelimit"
	"github.com/ignite/coldreach/internal/render"
	"github.com/ignite/coldreach/internal/repository/memory"
	"github.com/ignite/coldreach/internal/resolver"
	"github.com/ignite/coldreach/internal/scheduler"
	"github.com/ignite/coldreach/internal/service/campaign"
	"github.com/ignite/coldreach/internal/service/sending"
	"github.com/ignite/coldreach/internal/store"
)

// ============================================================================
// FIXTURE
// ============================================================================

type fakeTransport struct {
	mu        sync.Mutex
	sent      []sending.Email
	reject    map[string]bool
	transient map[string]bool
}

func (f *fakeTransport) Send(_ context.Context, _ *domain.SendingAccount, email *sending.Email) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject[email.To] {
		return "", sending.PermanentError(errors.New("mailbox unavailable"))
	}
	if f.transient[email.To] {
		return "", sending.TransientError(errors.New("421 try again later"))
	}
	f.sent = append(f.sent, *email)
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *fakeTransport) setReject(to string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject == nil {
		f.reject = map[string]bool{}
	}
	f.reject[to] = v
}

func (f *fakeTransport) setTransient(to string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transient == nil {
		f.transient = map[string]bool{}
	}
	f.transient[to] = true
}

func (f *fakeTransport) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.sent {
		out = append(out, e.Subject)
	}
	return out
}

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

func (r *recordingSink) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.got {
		if x.Event == event {
			n++
		}
	}
	return n
}

type fixture struct {
	svc   *campaign.Service
	exec  *executor.Executor
	store *memory.Store
	dir   *contacts.MemoryDirectory
	tr    *fakeTransport
	sink  *recordingSink
	queue *scheduler.Queue
	now   time.Time
}

func newFixture(t *testing.T, contactsOnList int) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.New(),
		dir:   contacts.NewMemoryDirectory(),
		tr:    &fakeTransport{},
		sink:  &recordingSink{},
		queue: scheduler.NewQueue(50 * time.Millisecond),
		now:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	res := resolver.New(f.dir, f.store, f.store)
	f.exec = executor.New(f.store, res, ratelimit.NewMemoryLimiter(), f.tr, render.NewRenderer(),
		f.queue, keylock.New(), executor.Config{RetryBase: time.Minute, RetryMax: 10 * time.Minute})
	f.exec.SetClock(func() time.Time { return f.now })
	f.svc = campaign.NewService(f.store, f.exec, res, f.sink)
	f.svc.SetClock(func() time.Time { return f.now })
	f.svc.SetRand(rand.New(rand.NewSource(1)))

	require.NoError(t, f.store.SaveAccount(context.Background(), &domain.SendingAccount{
		ID: "acct-1", OrganizationID: "org", Email: "sdr@out.example", FromName: "Grace",
		Status: domain.AccountActive, DailyLimit: 100,
	}))
	for i := 0; i < contactsOnList; i++ {
		f.dir.Put(domain.Contact{
			ID: fmt.Sprintf("c-%d", i), OrganizationID: "org", Email: fmt.Sprintf("c%d@example.com", i),
			FirstName: "Ada", Status: domain.ContactActive, ListIDs: []string{"leads"},
		})
	}
	return f
}

func baseInput() campaign.Input {
	return campaign.Input{
		Name:       "Q1 outreach",
		Subject:    "Hi {{ first_name }}",
		Body:       "Hello {{ first_name }}",
		Target:     domain.TargetCriteria{IncludeListIDs: []string{"leads"}},
		AccountIDs: []string{"acct-1"},
	}
}

func (f *fixture) create(t *testing.T, mutate func(in *campaign.Input)) *domain.Campaign {
	t.Helper()
	in := baseInput()
	if mutate != nil {
		mutate(&in)
	}
	c, err := f.svc.Create(context.Background(), "org", in)
	require.NoError(t, err)
	return c
}

// drain executes due items until nothing is due at the current time.
func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	n := 0
	for {
		items := f.queue.PopDue(f.now, 0)
		if len(items) == 0 {
			return n
		}
		for _, it := range items {
			_, err := f.exec.Execute(context.Background(), it)
			require.NoError(t, err)
			n++
		}
	}
}

func (f *fixture) campaign(t *testing.T, id string) *domain.Campaign {
	t.Helper()
	c, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

// ============================================================================
// LIFECYCLE
// ============================================================================

func TestStart_BatchPlan(t *testing.T) {
	f := newFixture(t, 5)
	c := f.create(t, func(in *campaign.Input) {
		in.BatchSize = 2
		in.BatchDelayMinutes = 10
	})

	_, err := f.svc.Start(context.Background(), c.ID)
	require.NoError(t, err)

	items := f.queue.Pending(c.ID)
	require.Len(t, items, 5)
	t0 := f.now
	want := []time.Time{t0, t0, t0.Add(10 * time.Minute), t0.Add(10 * time.Minute), t0.Add(20 * time.Minute)}
	for i, it := range items {
		assert.True(t, want[i].Equal(it.DueAt), "item %d due %s, want %s", i, it.DueAt, want[i])
	}
	assert.Equal(t, domain.CampaignSending, f.campaign(t, c.ID).Status)

	rs, err := f.svc.Recipients(context.Background(), store.RecipientFilter{CampaignID: c.ID})
	require.NoError(t, err)
	for _, r := range rs {
		assert.Equal(t, domain.StatusQueued, r.Status)
		require.NotNil(t, r.ScheduledAt)
	}
}

func TestPrepare_FreezesRecipients(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	f.dir.Put(domain.Contact{ID: "c-x", OrganizationID: "org", Email: "x@example.com",
		Status: domain.ContactActive, ListIDs: []string{"leads"}, Tags: []string{"customer"}})
	f.dir.SetStatus("c-2", domain.ContactUnsubscribed)
	c := f.create(t, func(in *campaign.Input) { in.Target.ExcludeTags = []string{"customer"} })

	res, err := f.svc.Prepare(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Recipients)
	assert.Equal(t, 1, res.Excluded)
	assert.Equal(t, 1, res.Suppressed)

	// Contacts joining later do not change the frozen set.
	f.dir.Put(domain.Contact{ID: "c-late", OrganizationID: "org", Email: "late@example.com",
		Status: domain.ContactActive, ListIDs: []string{"leads"}})
	_, err = f.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, f.queue.Len())

	_, err = f.svc.Prepare(ctx, c.ID)
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition)
	_, err = f.svc.Update(ctx, c.ID, baseInput())
	assert.ErrorIs(t, err, campaign.ErrNotEditable)
}

func TestStart_RequiresUsableAccount(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	c := f.create(t, func(in *campaign.Input) { in.AccountIDs = nil })

	_, err := f.svc.Start(ctx, c.ID)
	assert.ErrorIs(t, err, campaign.ErrNoAccounts)
	assert.Zero(t, f.queue.Len())
	assert.Equal(t, domain.CampaignDraft, f.campaign(t, c.ID).Status)

	empty := f.create(t, func(in *campaign.Input) { in.Target.IncludeListIDs = []string{"nobody"} })
	_, err = f.svc.Start(ctx, empty.ID)
	assert.ErrorIs(t, err, campaign.ErrNoRecipients)
}

func TestRunToCompletion(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	c := f.create(t, nil)
	_, err := f.svc.Start(ctx, c.ID)
	require.NoError(t, err)

	assert.Equal(t, 3, f.drain(t))
	got := f.campaign(t, c.ID)
	assert.Equal(t, domain.CampaignCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, 1, f.sink.count(notify.EventCampaignComplete))

	st, err := f.svc.Stats(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalRecipients)
	assert.Equal(t, 3, st.Sent)
	assert.Equal(t, 3, st.ByStatus[domain.StatusSent])
}

func TestPauseResume_KeepsQueuePosition(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	c := f.create(t, nil)
	_, err := f.svc.Start(ctx, c.ID)
	require.NoError(t, err)

	_, err = f.svc.Pause(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, f.queue.IsParked(c.ID))
	assert.Zero(t, f.drain(t))
	assert.Equal(t, 2, f.queue.Len())

	_, err = f.svc.Resume(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, f.drain(t))
	assert.Len(t, f.tr.subjects(), 2)
	assert.Equal(t, domain.CampaignCompleted, f.campaign(t, c.ID).Status)
}

func TestCancel_SkipsUnsent(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	c := f.create(t, func(in *campaign.Input) {
		in.BatchSize = 2
		in.BatchDelayMinutes = 10
	})
	_, err := f.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, f.drain(t))

	got, err := f.svc.Cancel(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignCancelled, got.Status)
	assert.Zero(t, f.queue.Len())

	st, err := f.svc.Stats(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Sent)
	assert.Equal(t, 2, st.Skipped)

	f.now = f.now.Add(time.Hour)
	assert.Zero(t, f.drain(t))
	_, err = f.svc.Cancel(ctx, c.ID)
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition)
}

// A transient failure leaves the row in sending until its retry runs.
// Cancelling drops the retry, so the row must be closed out by Cancel.
func TestCancel_SkipsRecipientWaitingOnRetry(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.tr.setTransient("c0@example.com")
	c := f.create(t, func(in *campaign.Input) { in.MaxRetries = 3 })
	_, err := f.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.drain(t))

	rs, err := f.store.ListRecipients(ctx, store.RecipientFilter{CampaignID: c.ID})
	require.NoError(t, err)
	require.Len(t, rs, 1)
	require.Equal(t, domain.StatusSending, rs[0].Status)
	assert.Equal(t, 1, rs[0].RetryCount)

	_, err = f.svc.Cancel(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, f.queue.Len())

	r, err := f.store.GetRecipient(ctx, rs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSkipped, r.Status)
	assert.Equal(t, "campaign cancelled", r.LastError)

	st, err := f.svc.Stats(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Skipped)
	assert.Zero(t, st.Sent)

	f.now = f.now.Add(time.Hour)
	assert.Zero(t, f.drain(t))
	assert.Empty(t, f.tr.subjects())
}

func TestRetryFailed_ReopensAndSupersedes(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.tr.setReject("c1@example.com", true)
	c := f.create(t, nil)
	_, err := f.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	f.drain(t)
	require.Equal(t, domain.CampaignCompleted, f.campaign(t, c.ID).Status)

	f.tr.setReject("c1@example.com", false)
	n, err := f.svc.RetryFailed(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.CampaignSending, f.campaign(t, c.ID).Status)

	f.drain(t)
	assert.Equal(t, domain.CampaignCompleted, f.campaign(t, c.ID).Status)
	st, err := f.svc.Stats(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalRecipients)
	assert.Equal(t, 2, st.Sent)
	assert.Zero(t, st.Failed)

	failed, err := f.svc.Recipients(ctx, store.RecipientFilter{CampaignID: c.ID, Statuses: []domain.SendStatus{domain.StatusFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.NotEmpty(t, failed[0].SupersededBy)
	assert.Equal(t, 2, f.sink.count(notify.EventCampaignComplete))
}

func TestDuplicate(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	c := f.create(t, func(in *campaign.Input) {
		in.ABTestEnabled = true
		in.Variants = []campaign.VariantInput{{Name: "A", Subject: "one", IsControl: true}, {Name: "B", Subject: "two"}}
	})
	_, err := f.svc.Start(ctx, c.ID)
	require.NoError(t, err)

	cp, err := f.svc.Duplicate(ctx, c.ID)
	require.NoError(t, err)
	assert.NotEqual(t, c.ID, cp.ID)
	assert.Equal(t, domain.CampaignDraft, cp.Status)
	assert.Equal(t, "Q1 outreach (copy)", cp.Name)
	assert.Nil(t, cp.StartedAt)

	vs, err := f.svc.Variants(ctx, cp.ID)
	require.NoError(t, err)
	assert.Len(t, vs, 2)
	rs, err := f.svc.Recipients(ctx, store.RecipientFilter{CampaignID: cp.ID})
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestRecover_RequeuesUnsent(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	c := f.create(t, nil)
	_, err := f.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	f.queue.Cancel(c.ID)

	n, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, f.drain(t))
	assert.Equal(t, domain.CampaignCompleted, f.campaign(t, c.ID).Status)
}

// ============================================================================
// A/B
// ============================================================================

func TestPickWinner(t *testing.T) {
	vs := []domain.ABVariant{
		{ID: "ctl", IsControl: true, Stats: domain.VariantStats{Sent: 100, Opened: 30}},
		{ID: "b", Stats: domain.VariantStats{Sent: 100, Opened: 30}},
		{ID: "c", Stats: domain.VariantStats{Sent: 100, Opened: 20, Clicked: 9}},
	}
	assert.Equal(t, "ctl", campaign.PickWinner(vs, domain.WinnerOpenRate).ID, "a tie keeps the control")
	assert.Equal(t, "c", campaign.PickWinner(vs, domain.WinnerClickRate).ID)
	assert.Nil(t, campaign.PickWinner(nil, domain.WinnerOpenRate))
}

func TestSelectABWinner_LocksIn(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	c := f.create(t, func(in *campaign.Input) {
		in.ABTestEnabled = true
		in.Variants = []campaign.VariantInput{{Name: "A", Subject: "alpha", IsControl: true}, {Name: "B", Subject: "bravo"}}
	})
	vs, err := f.svc.Variants(ctx, c.ID)
	require.NoError(t, err)
	var bravo string
	for _, v := range vs {
		if v.Subject == "bravo" {
			bravo = v.ID
		}
	}

	_, err = f.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	w, err := f.svc.SelectABWinner(ctx, c.ID, bravo)
	require.NoError(t, err)
	assert.Equal(t, bravo, w.ID)

	_, err = f.svc.SelectABWinner(ctx, c.ID, "")
	assert.ErrorIs(t, err, campaign.ErrWinnerSelected)

	f.drain(t)
	assert.Equal(t, []string{"bravo", "bravo", "bravo", "bravo"}, f.tr.subjects())
	assert.Equal(t, bravo, f.campaign(t, c.ID).ABWinnerVariantID)
}

func TestSelectABWinner_NoTest(t *testing.T) {
	f := newFixture(t, 1)
	c := f.create(t, nil)
	_, err := f.svc.SelectABWinner(context.Background(), c.ID, "")
	assert.ErrorIs(t, err, campaign.ErrNoABTest)
}

// ============================================================================
// SWEEPER
// ============================================================================

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client
}

func TestSweeper_StartsDueScheduledCampaigns(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	c := f.create(t, nil)
	_, err := f.svc.Schedule(ctx, c.ID, f.now.Add(time.Hour))
	require.NoError(t, err)

	client := setupTestRedis(t)
	sw := campaign.NewSweeper(f.svc, distlock.NewFactory(client, nil, time.Minute), time.Minute)

	res, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Started)

	f.now = f.now.Add(time.Hour)

	// Another host holding the sweep lock keeps this one idle.
	other := distlock.NewRedisLock(client, "coldreach:campaign-sweeper", time.Minute)
	ok, err := other.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	res, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Started)
	require.NoError(t, other.Release(ctx))

	res, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Started)
	assert.Equal(t, domain.CampaignSending, f.campaign(t, c.ID).Status)
	assert.Equal(t, 2, f.queue.Len())
}

func TestSweeper_AutoSelectsWinnerAfterDuration(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	c := f.create(t, func(in *campaign.Input) {
		in.ABTestEnabled = true
		in.ABTestDurationHours = 4
		in.ABTestSampleSize = 1
		in.Variants = []campaign.VariantInput{{Name: "A", Subject: "alpha", IsControl: true}, {Name: "B", Subject: "bravo"}}
	})
	_, err := f.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	sw := campaign.NewSweeper(f.svc, nil, time.Minute)

	f.drain(t)
	assert.Len(t, f.tr.subjects(), 1, "the rest waits for the winner")

	res, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Winners)

	f.now = f.now.Add(4 * time.Hour)
	res, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Winners)
	assert.NotEmpty(t, f.campaign(t, c.ID).ABWinnerVariantID)

	f.drain(t)
	assert.Len(t, f.tr.subjects(), 2)
	assert.Equal(t, domain.CampaignCompleted, f.campaign(t, c.ID).Status)
}
