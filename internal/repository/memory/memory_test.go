package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/store"
)

func TestCreateEnrollmentRejectsSecondActive(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := &domain.Enrollment{ID: "e1", SequenceID: "s1", ContactID: "c1", Status: domain.EnrollmentActive}
	require.NoError(t, s.CreateEnrollment(ctx, first))

	err := s.CreateEnrollment(ctx, &domain.Enrollment{ID: "e2", SequenceID: "s1", ContactID: "c1", Status: domain.EnrollmentActive})
	assert.ErrorIs(t, err, store.ErrActiveEnrollment)

	first.Status = domain.EnrollmentCompleted
	require.NoError(t, s.UpdateEnrollment(ctx, first))
	assert.NoError(t, s.CreateEnrollment(ctx, &domain.Enrollment{ID: "e3", SequenceID: "s1", ContactID: "c1", Status: domain.EnrollmentActive}))
}

func TestLockABWinnerOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateCampaign(ctx, &domain.Campaign{ID: "c1"}))
	require.NoError(t, s.ReplaceVariants(ctx, "c1", []domain.ABVariant{{ID: "a"}, {ID: "b"}}))

	require.NoError(t, s.LockABWinner(ctx, "c1", "a", time.Now()))
	assert.ErrorIs(t, s.LockABWinner(ctx, "c1", "b", time.Now()), store.ErrWinnerLocked)

	// A full campaign update cannot overwrite the lock.
	c, err := s.GetCampaign(ctx, "c1")
	require.NoError(t, err)
	c.ABWinnerVariantID = "b"
	require.NoError(t, s.UpdateCampaign(ctx, c))
	c, _ = s.GetCampaign(ctx, "c1")
	assert.Equal(t, "a", c.ABWinnerVariantID)
}

func TestAppendEventDedup(t *testing.T) {
	s := New()
	ctx := context.Background()
	e := &domain.Event{ID: "1", Type: domain.EventOpened, RecipientID: "r1", DedupKey: "px-1"}

	ok, err := s.AppendEvent(ctx, e)
	require.NoError(t, err)
	assert.True(t, ok)

	dup := *e
	dup.ID = "2"
	ok, err = s.AppendEvent(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, ok)

	events, _ := s.ListEvents(ctx, store.EventFilter{RecipientID: "r1"})
	assert.Len(t, events, 1)
}

func TestRecipientsKeepCreationOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	rs := []domain.Recipient{{ID: "z", CampaignID: "c"}, {ID: "a", CampaignID: "c"}}
	require.NoError(t, s.CreateRecipients(ctx, rs))
	assert.Less(t, rs[0].Order, rs[1].Order)

	list, err := s.ListRecipients(ctx, store.RecipientFilter{CampaignID: "c"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "z", list[0].ID)
}

func TestSaveAccountKeepsRollingStats(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveAccount(ctx, &domain.SendingAccount{ID: "a", DailyLimit: 10}))
	require.NoError(t, s.RecordAccountSend(ctx, "a", 1))
	require.NoError(t, s.SaveAccount(ctx, &domain.SendingAccount{ID: "a", DailyLimit: 20}))

	a, err := s.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 20, a.DailyLimit)
	assert.Equal(t, 1, a.TotalSent)
}
