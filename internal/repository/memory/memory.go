// Package memory implements store.Store and the suppression repository in
// process. It backs unit tests and single-node deployments without
// Postgres.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/service/suppression"
	"github.com/ignite/coldreach/internal/store"
)

// Store keeps every aggregate in maps guarded by one RWMutex. Values are
// copied in and out so callers never share memory with the store.
type Store struct {
	mu sync.RWMutex

	accounts    map[string]*domain.SendingAccount
	campaigns   map[string]*domain.Campaign
	variants    map[string]*domain.ABVariant
	recipients  map[string]*domain.Recipient
	sequences   map[string]*domain.Sequence
	enrollments map[string]*domain.Enrollment
	executions  map[string]*domain.StepExecution
	events      []domain.Event
	eventKeys   map[string]bool
	logs        []domain.LogEntry
	suppressed  map[string]*domain.Suppression // orgID|email

	order int64
}

var _ store.Store = (*Store)(nil)
var _ suppression.Repository = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts:    map[string]*domain.SendingAccount{},
		campaigns:   map[string]*domain.Campaign{},
		variants:    map[string]*domain.ABVariant{},
		recipients:  map[string]*domain.Recipient{},
		sequences:   map[string]*domain.Sequence{},
		enrollments: map[string]*domain.Enrollment{},
		executions:  map[string]*domain.StepExecution{},
		eventKeys:   map[string]bool{},
		suppressed:  map[string]*domain.Suppression{},
	}
}

func (s *Store) nextOrder() int64 {
	s.order++
	return s.order
}

func timePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func strs(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneDelivery(d domain.Delivery) domain.Delivery {
	d.ScheduledAt = timePtr(d.ScheduledAt)
	d.SentAt = timePtr(d.SentAt)
	d.DeliveredAt = timePtr(d.DeliveredAt)
	d.OpenedAt = timePtr(d.OpenedAt)
	d.ClickedAt = timePtr(d.ClickedAt)
	d.RepliedAt = timePtr(d.RepliedAt)
	d.BouncedAt = timePtr(d.BouncedAt)
	d.UnsubscribedAt = timePtr(d.UnsubscribedAt)
	d.FinishedAt = timePtr(d.FinishedAt)
	return d
}

func cloneCampaign(c *domain.Campaign) *domain.Campaign {
	out := *c
	out.AccountIDs = strs(c.AccountIDs)
	out.Target = domain.TargetCriteria{
		IncludeListIDs: strs(c.Target.IncludeListIDs),
		IncludeTags:    strs(c.Target.IncludeTags),
		ExcludeListIDs: strs(c.Target.ExcludeListIDs),
		ExcludeTags:    strs(c.Target.ExcludeTags),
	}
	out.ScheduledAt = timePtr(c.ScheduledAt)
	out.ABWinnerSelectedAt = timePtr(c.ABWinnerSelectedAt)
	out.PreparedAt = timePtr(c.PreparedAt)
	out.StartedAt = timePtr(c.StartedAt)
	out.CompletedAt = timePtr(c.CompletedAt)
	out.CancelledAt = timePtr(c.CancelledAt)
	return &out
}

func cloneRecipient(r *domain.Recipient) *domain.Recipient {
	out := *r
	out.Delivery = cloneDelivery(r.Delivery)
	return &out
}

func cloneSequence(q *domain.Sequence) *domain.Sequence {
	out := *q
	out.AccountIDs = strs(q.AccountIDs)
	out.Steps = make([]domain.Step, len(q.Steps))
	for i, st := range q.Steps {
		out.Steps[i] = st
		if st.Email != nil {
			e := *st.Email
			out.Steps[i].Email = &e
		}
		if st.Condition != nil {
			c := *st.Condition
			out.Steps[i].Condition = &c
		}
		if st.Task != nil {
			t := *st.Task
			out.Steps[i].Task = &t
		}
		if st.Webhook != nil {
			w := *st.Webhook
			out.Steps[i].Webhook = &w
		}
		if st.Tag != nil {
			t := *st.Tag
			out.Steps[i].Tag = &t
		}
	}
	if q.Window != nil {
		w := *q.Window
		w.Days = append([]time.Weekday(nil), q.Window.Days...)
		out.Window = &w
	}
	if q.Stop.ScoreAbove != nil {
		v := *q.Stop.ScoreAbove
		out.Stop.ScoreAbove = &v
	}
	if q.Stop.ScoreBelow != nil {
		v := *q.Stop.ScoreBelow
		out.Stop.ScoreBelow = &v
	}
	out.ActivatedAt = timePtr(q.ActivatedAt)
	return &out
}

func cloneEnrollment(e *domain.Enrollment) *domain.Enrollment {
	out := *e
	out.NextStepAt = timePtr(e.NextStepAt)
	out.OpenedAt = timePtr(e.OpenedAt)
	out.ClickedAt = timePtr(e.ClickedAt)
	out.RepliedAt = timePtr(e.RepliedAt)
	out.FinishedAt = timePtr(e.FinishedAt)
	return &out
}

func cloneExecution(x *domain.StepExecution) *domain.StepExecution {
	out := *x
	out.Delivery = cloneDelivery(x.Delivery)
	return &out
}

func cloneEvent(e domain.Event) domain.Event {
	if e.Metadata != nil {
		m := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			m[k] = v
		}
		e.Metadata = m
	}
	return e
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// =============================================================================
// Accounts
// =============================================================================

func (s *Store) GetAccount(_ context.Context, id string) (*domain.SendingAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	cp.WarmupStartedAt = timePtr(a.WarmupStartedAt)
	return &cp, nil
}

func (s *Store) ListAccounts(_ context.Context, orgID string) ([]domain.SendingAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SendingAccount
	for _, a := range s.accounts {
		if orgID == "" || a.OrganizationID == orgID {
			cp := *a
			cp.WarmupStartedAt = timePtr(a.WarmupStartedAt)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveAccount(_ context.Context, a *domain.SendingAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	cp.WarmupStartedAt = timePtr(a.WarmupStartedAt)
	if prev, ok := s.accounts[a.ID]; ok {
		cp.EmailsSentToday = prev.EmailsSentToday
		cp.TotalSent = prev.TotalSent
		cp.BounceCount = prev.BounceCount
		cp.BounceRate = prev.BounceRate
	}
	s.accounts[a.ID] = &cp
	return nil
}

func (s *Store) RecordAccountSend(_ context.Context, id string, sentToday int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.TotalSent++
	a.EmailsSentToday = sentToday
	if a.TotalSent > 0 {
		a.BounceRate = float64(a.BounceCount) / float64(a.TotalSent)
	}
	return nil
}

func (s *Store) RampAccount(_ context.Context, id string, w domain.WarmupState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	if !a.WarmupEnabled || a.WarmupRampedOn == w.RampedOn {
		return store.ErrConflict
	}
	a.WarmupEnabled = w.Enabled
	a.WarmupCurrentLimit = w.CurrentLimit
	if a.WarmupStartedAt == nil {
		a.WarmupStartedAt = timePtr(w.StartedAt)
	}
	a.WarmupRampedOn = w.RampedOn
	return nil
}

func (s *Store) RecordAccountBounce(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.RecordBounce()
	return nil
}

// =============================================================================
// Campaigns and variants
// =============================================================================

func (s *Store) GetCampaign(_ context.Context, id string) (*domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneCampaign(c), nil
}

func statusIn[T comparable](v T, set []T) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func (s *Store) ListCampaigns(_ context.Context, f store.CampaignFilter) ([]domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Campaign
	for _, c := range s.campaigns {
		if f.OrganizationID != "" && c.OrganizationID != f.OrganizationID {
			continue
		}
		if !statusIn(c.Status, f.Statuses) {
			continue
		}
		out = append(out, *cloneCampaign(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, f.Limit, f.Offset), nil
}

func (s *Store) CreateCampaign(_ context.Context, c *domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[c.ID]; ok {
		return store.ErrConflict
	}
	s.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (s *Store) UpdateCampaign(_ context.Context, c *domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.campaigns[c.ID]
	if !ok {
		return store.ErrNotFound
	}
	cp := cloneCampaign(c)
	cp.Stats = prev.Stats
	// The winner is only ever written by LockABWinner.
	cp.ABWinnerVariantID = prev.ABWinnerVariantID
	cp.ABWinnerSelectedAt = timePtr(prev.ABWinnerSelectedAt)
	s.campaigns[c.ID] = cp
	return nil
}

func (s *Store) DeleteCampaign(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.campaigns, id)
	for vid, v := range s.variants {
		if v.CampaignID == id {
			delete(s.variants, vid)
		}
	}
	for rid, r := range s.recipients {
		if r.CampaignID == id {
			delete(s.recipients, rid)
		}
	}
	return nil
}

func (s *Store) IncrementCampaignStats(_ context.Context, id string, delta domain.CampaignStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Stats.Add(delta)
	return nil
}

func (s *Store) SetCampaignStats(_ context.Context, id string, stats domain.CampaignStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Stats = stats
	return nil
}

func (s *Store) LockABWinner(_ context.Context, campaignID, variantID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return store.ErrNotFound
	}
	if c.ABWinnerVariantID != "" {
		return store.ErrWinnerLocked
	}
	v, ok := s.variants[variantID]
	if !ok || v.CampaignID != campaignID {
		return store.ErrNotFound
	}
	c.ABWinnerVariantID = variantID
	t := at
	c.ABWinnerSelectedAt = &t
	v.IsWinner = true
	return nil
}

func (s *Store) ListVariants(_ context.Context, campaignID string) ([]domain.ABVariant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ABVariant
	for _, v := range s.variants {
		if v.CampaignID == campaignID {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ReplaceVariants(_ context.Context, campaignID string, variants []domain.ABVariant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, v := range s.variants {
		if v.CampaignID == campaignID {
			delete(s.variants, id)
		}
	}
	for _, v := range variants {
		cp := v
		cp.CampaignID = campaignID
		s.variants[cp.ID] = &cp
	}
	return nil
}

func (s *Store) IncrementVariantStats(_ context.Context, variantID string, d domain.VariantStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variants[variantID]
	if !ok {
		return store.ErrNotFound
	}
	v.Stats.Sent += d.Sent
	v.Stats.Opened += d.Opened
	v.Stats.Clicked += d.Clicked
	v.Stats.Replied += d.Replied
	return nil
}

// =============================================================================
// Recipients
// =============================================================================

func (s *Store) CreateRecipients(_ context.Context, rs []domain.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range rs {
		if _, ok := s.recipients[rs[i].ID]; ok {
			return store.ErrConflict
		}
	}
	for i := range rs {
		rs[i].Order = s.nextOrder()
		s.recipients[rs[i].ID] = cloneRecipient(&rs[i])
	}
	return nil
}

func (s *Store) DeleteRecipients(_ context.Context, campaignID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.recipients {
		if r.CampaignID == campaignID {
			delete(s.recipients, id)
		}
	}
	return nil
}

func (s *Store) GetRecipient(_ context.Context, id string) (*domain.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recipients[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRecipient(r), nil
}

func (s *Store) UpdateRecipient(_ context.Context, r *domain.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.recipients[r.ID]
	if !ok {
		return store.ErrNotFound
	}
	cp := cloneRecipient(r)
	cp.Order = prev.Order
	s.recipients[r.ID] = cp
	return nil
}

func (s *Store) ListRecipients(_ context.Context, f store.RecipientFilter) ([]domain.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Recipient
	for _, r := range s.recipients {
		if f.CampaignID != "" && r.CampaignID != f.CampaignID {
			continue
		}
		if f.ContactID != "" && r.ContactID != f.ContactID {
			continue
		}
		if !statusIn(r.Status, f.Statuses) {
			continue
		}
		out = append(out, *cloneRecipient(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return page(out, f.Limit, f.Offset), nil
}

func (s *Store) CountRecipientsByStatus(_ context.Context, campaignID string) (map[domain.SendStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[domain.SendStatus]int{}
	for _, r := range s.recipients {
		if r.CampaignID == campaignID && r.SupersededBy == "" {
			out[r.Status]++
		}
	}
	return out, nil
}

// =============================================================================
// Sequences
// =============================================================================

func (s *Store) GetSequence(_ context.Context, id string) (*domain.Sequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.sequences[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSequence(q), nil
}

func (s *Store) ListSequences(_ context.Context, orgID string, statuses ...domain.SequenceStatus) ([]domain.Sequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Sequence
	for _, q := range s.sequences {
		if orgID != "" && q.OrganizationID != orgID {
			continue
		}
		if !statusIn(q.Status, statuses) {
			continue
		}
		out = append(out, *cloneSequence(q))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateSequence(_ context.Context, q *domain.Sequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sequences[q.ID]; ok {
		return store.ErrConflict
	}
	s.sequences[q.ID] = cloneSequence(q)
	return nil
}

func (s *Store) UpdateSequence(_ context.Context, q *domain.Sequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.sequences[q.ID]
	if !ok {
		return store.ErrNotFound
	}
	cp := cloneSequence(q)
	cp.EnrolledCount = prev.EnrolledCount
	cp.CompletedCount = prev.CompletedCount
	cp.StoppedCount = prev.StoppedCount
	cp.FailedCount = prev.FailedCount
	s.sequences[q.ID] = cp
	return nil
}

func (s *Store) DeleteSequence(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sequences[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.sequences, id)
	return nil
}

func (s *Store) IncrementSequenceCounters(_ context.Context, id string, d store.SequenceCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.sequences[id]
	if !ok {
		return store.ErrNotFound
	}
	q.EnrolledCount += d.Enrolled
	q.CompletedCount += d.Completed
	q.StoppedCount += d.Stopped
	q.FailedCount += d.Failed
	return nil
}

// =============================================================================
// Enrollments and step executions
// =============================================================================

func (s *Store) CreateEnrollment(_ context.Context, e *domain.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.enrollments[e.ID]; ok {
		return store.ErrConflict
	}
	for _, other := range s.enrollments {
		if other.SequenceID == e.SequenceID && other.ContactID == e.ContactID && !other.Status.IsTerminal() {
			return store.ErrActiveEnrollment
		}
	}
	e.Order = s.nextOrder()
	s.enrollments[e.ID] = cloneEnrollment(e)
	return nil
}

func (s *Store) GetEnrollment(_ context.Context, id string) (*domain.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneEnrollment(e), nil
}

func (s *Store) UpdateEnrollment(_ context.Context, e *domain.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.enrollments[e.ID]
	if !ok {
		return store.ErrNotFound
	}
	cp := cloneEnrollment(e)
	cp.Order = prev.Order
	s.enrollments[e.ID] = cp
	return nil
}

func (s *Store) ListEnrollments(_ context.Context, f store.EnrollmentFilter) ([]domain.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Enrollment
	for _, e := range s.enrollments {
		if f.SequenceID != "" && e.SequenceID != f.SequenceID {
			continue
		}
		if f.ContactID != "" && e.ContactID != f.ContactID {
			continue
		}
		if !statusIn(e.Status, f.Statuses) {
			continue
		}
		out = append(out, *cloneEnrollment(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return page(out, f.Limit, f.Offset), nil
}

func (s *Store) CreateStepExecution(_ context.Context, x *domain.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[x.ID]; ok {
		return store.ErrConflict
	}
	x.Order = s.nextOrder()
	s.executions[x.ID] = cloneExecution(x)
	return nil
}

func (s *Store) GetStepExecution(_ context.Context, id string) (*domain.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	x, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneExecution(x), nil
}

func (s *Store) UpdateStepExecution(_ context.Context, x *domain.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.executions[x.ID]
	if !ok {
		return store.ErrNotFound
	}
	cp := cloneExecution(x)
	cp.Order = prev.Order
	s.executions[x.ID] = cp
	return nil
}

func matchExecution(x *domain.StepExecution, f store.ExecutionFilter) bool {
	if f.EnrollmentID != "" && x.EnrollmentID != f.EnrollmentID {
		return false
	}
	if f.SequenceID != "" && x.SequenceID != f.SequenceID {
		return false
	}
	if f.Kind != "" && x.StepKind != f.Kind {
		return false
	}
	if !statusIn(x.Status, f.Statuses) {
		return false
	}
	if f.SentSince != nil && (x.SentAt == nil || x.SentAt.Before(*f.SentSince)) {
		return false
	}
	return true
}

func (s *Store) ListStepExecutions(_ context.Context, f store.ExecutionFilter) ([]domain.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.StepExecution
	for _, x := range s.executions {
		if matchExecution(x, f) {
			out = append(out, *cloneExecution(x))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return page(out, f.Limit, 0), nil
}

func (s *Store) CountStepExecutions(_ context.Context, f store.ExecutionFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, x := range s.executions {
		if matchExecution(x, f) {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// Events and logs
// =============================================================================

func (s *Store) AppendEvent(_ context.Context, e *domain.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := e.Key()
	if s.eventKeys[k] {
		return false, nil
	}
	s.eventKeys[k] = true
	s.events = append(s.events, cloneEvent(*e))
	return true, nil
}

// ApplyEvent checks every target before touching any of them, so a missing
// record leaves the store unchanged.
func (s *Store) ApplyEvent(_ context.Context, app store.EventApplication) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := app.Event.Key()
	if s.eventKeys[k] {
		return false, nil
	}

	var (
		r  *domain.Recipient
		c  *domain.Campaign
		v  *domain.ABVariant
		x  *domain.StepExecution
		en *domain.Enrollment
		ok bool
	)
	if app.Recipient != nil {
		if r, ok = s.recipients[app.Recipient.ID]; !ok {
			return false, store.ErrNotFound
		}
	}
	if app.CampaignStats != (domain.CampaignStats{}) {
		if c, ok = s.campaigns[app.CampaignID]; !ok {
			return false, store.ErrNotFound
		}
	}
	if app.VariantStats != (domain.VariantStats{}) {
		if v, ok = s.variants[app.VariantID]; !ok {
			return false, store.ErrNotFound
		}
	}
	if app.Execution != nil {
		if x, ok = s.executions[app.Execution.ID]; !ok {
			return false, store.ErrNotFound
		}
	}
	if app.Enrollment != nil {
		if en, ok = s.enrollments[app.Enrollment.ID]; !ok {
			return false, store.ErrNotFound
		}
	}

	s.eventKeys[k] = true
	s.events = append(s.events, cloneEvent(*app.Event))
	if r != nil {
		cp := cloneRecipient(app.Recipient)
		cp.Order = r.Order
		s.recipients[r.ID] = cp
	}
	if c != nil {
		c.Stats.Add(app.CampaignStats)
	}
	if v != nil {
		v.Stats.Sent += app.VariantStats.Sent
		v.Stats.Opened += app.VariantStats.Opened
		v.Stats.Clicked += app.VariantStats.Clicked
		v.Stats.Replied += app.VariantStats.Replied
	}
	if x != nil {
		cp := cloneExecution(app.Execution)
		cp.Order = x.Order
		s.executions[x.ID] = cp
	}
	if en != nil {
		cp := cloneEnrollment(app.Enrollment)
		cp.Order = en.Order
		s.enrollments[en.ID] = cp
	}
	return true, nil
}

func (s *Store) ListEvents(_ context.Context, f store.EventFilter) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Event
	for _, e := range s.events {
		if f.CampaignID != "" && e.CampaignID != f.CampaignID {
			continue
		}
		if f.RecipientID != "" && e.RecipientID != f.RecipientID {
			continue
		}
		if f.EnrollmentID != "" && e.EnrollmentID != f.EnrollmentID {
			continue
		}
		if f.ContactID != "" && e.ContactID != f.ContactID {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return page(out, f.Limit, 0), nil
}

func (s *Store) AppendLog(_ context.Context, l *domain.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, *l)
	return nil
}

func (s *Store) ListLogs(_ context.Context, f store.LogFilter) ([]domain.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.LogEntry
	for i := len(s.logs) - 1; i >= 0; i-- {
		l := s.logs[i]
		if f.CampaignID != "" && l.CampaignID != f.CampaignID {
			continue
		}
		if f.SequenceID != "" && l.SequenceID != f.SequenceID {
			continue
		}
		out = append(out, l)
	}
	return page(out, f.Limit, 0), nil
}

// =============================================================================
// Suppression list
// =============================================================================

func suppressionKey(orgID, email string) string {
	return orgID + "|" + strings.ToLower(email)
}

func (s *Store) IsSuppressed(_ context.Context, orgID, email string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.suppressed[suppressionKey(orgID, email)]
	return ok, nil
}

func (s *Store) Suppress(_ context.Context, e *domain.Suppression) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := suppressionKey(e.OrganizationID, e.Email)
	if _, ok := s.suppressed[k]; ok {
		return nil
	}
	cp := *e
	s.suppressed[k] = &cp
	return nil
}

func (s *Store) Remove(_ context.Context, orgID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := suppressionKey(orgID, email)
	if _, ok := s.suppressed[k]; !ok {
		return suppression.ErrNotFound
	}
	delete(s.suppressed, k)
	return nil
}

func (s *Store) List(_ context.Context, orgID string, f suppression.ListFilter) ([]domain.Suppression, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Suppression
	for _, e := range s.suppressed {
		if e.OrganizationID != orgID {
			continue
		}
		if f.Reason != "" && string(e.Reason) != f.Reason {
			continue
		}
		if f.Source != "" && string(e.Source) != f.Source {
			continue
		}
		if f.Search != "" && !strings.Contains(e.Email, strings.ToLower(f.Search)) {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return page(out, f.Limit, f.Offset), len(out), nil
}

func (s *Store) Count(_ context.Context, orgID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.suppressed {
		if e.OrganizationID == orgID {
			n++
		}
	}
	return n, nil
}
