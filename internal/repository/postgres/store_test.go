package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/coldreach/internal/contacts"
	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/service/suppression"
	"github.com/ignite/coldreach/internal/store"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

func TestGetCampaign_NotFound(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectQuery(`SELECT .* FROM campaigns WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := New(db).GetCampaign(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateCampaign_NoRow(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectExec(`UPDATE campaigns SET`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := New(db).UpdateCampaign(context.Background(), &domain.Campaign{ID: "c-1", Name: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetSequence_DecodesDocuments(t *testing.T) {
	db, mock := setupTestDB(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	cols := []string{"id", "organization_id", "name", "from_name", "steps", "stop_conditions", "send_window",
		"max_emails_per_day", "account_ids", "max_retries", "status",
		"enrolled_count", "completed_count", "stopped_count", "failed_count",
		"activated_at", "created_at", "updated_at"}
	mock.ExpectQuery(`SELECT .* FROM sequences WHERE id = \$1`).
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"s-1", "org", "Outbound", "Grace",
			[]byte(`[{"id":"a","position":1,"kind":"email","email":{"subject":"hi","body":"yo"}}]`),
			[]byte(`{"stop_on_reply":true}`), nil,
			25, "{acct-1,acct-2}", 3, "active",
			4, 1, 1, 0,
			now, now, now,
		))

	q, err := New(db).GetSequence(context.Background(), "s-1")
	require.NoError(t, err)
	require.Len(t, q.Steps, 1)
	assert.Equal(t, domain.StepEmail, q.Steps[0].Kind)
	assert.Equal(t, "hi", q.Steps[0].Email.Subject)
	assert.True(t, q.Stop.OnReply)
	assert.Nil(t, q.Window)
	assert.Equal(t, []string{"acct-1", "acct-2"}, q.AccountIDs)
	assert.Equal(t, 4, q.EnrolledCount)
	require.NotNil(t, q.ActivatedAt)
}

func TestCreateEnrollment_AssignsPosition(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectQuery(`INSERT INTO sequence_enrollments .* RETURNING position`).
		WillReturnRows(sqlmock.NewRows([]string{"position"}).AddRow(42))

	e := &domain.Enrollment{ID: "e-1", SequenceID: "s-1", ContactID: "c-1", Status: domain.EnrollmentActive}
	require.NoError(t, New(db).CreateEnrollment(context.Background(), e))
	assert.Equal(t, int64(42), e.Order)
}

func TestCreateEnrollment_ActiveDuplicate(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectQuery(`INSERT INTO sequence_enrollments`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "sequence_enrollments_active_contact"})

	err := New(db).CreateEnrollment(context.Background(), &domain.Enrollment{ID: "e-2"})
	assert.ErrorIs(t, err, store.ErrActiveEnrollment)
}

func TestCreateEnrollment_DuplicateID(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectQuery(`INSERT INTO sequence_enrollments`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "sequence_enrollments_pkey"})

	err := New(db).CreateEnrollment(context.Background(), &domain.Enrollment{ID: "e-2"})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestAppendEvent_Dedup(t *testing.T) {
	db, mock := setupTestDB(t)
	s := New(db)
	e := &domain.Event{ID: "ev-1", Type: domain.EventOpened, RecipientID: "r-1", DedupKey: "k1", OccurredAt: time.Now()}

	mock.ExpectExec(`INSERT INTO engagement_events .* ON CONFLICT \(event_key\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO engagement_events`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.AppendEvent(context.Background(), e)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.AppendEvent(context.Background(), e)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyEvent_RollsBackOnFailedUpdate(t *testing.T) {
	db, mock := setupTestDB(t)
	s := New(db)
	e := &domain.Event{ID: "ev-1", Type: domain.EventUnsubscribed, RecipientID: "r-1", DedupKey: "u", OccurredAt: time.Now()}
	app := store.EventApplication{
		Event:         e,
		Recipient:     &domain.Recipient{ID: "r-1", CampaignID: "c-1", Delivery: domain.Delivery{Status: domain.StatusUnsubscribed}},
		CampaignID:    "c-1",
		CampaignStats: domain.CampaignStats{Unsubscribed: 1},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO engagement_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaign_recipients SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaigns SET`).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	ok, err := s.ApplyEvent(context.Background(), app)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestApplyEvent_CommitsAndSkipsDuplicates(t *testing.T) {
	db, mock := setupTestDB(t)
	s := New(db)
	e := &domain.Event{ID: "ev-1", Type: domain.EventOpened, RecipientID: "r-1", DedupKey: "o", OccurredAt: time.Now()}
	app := store.EventApplication{Event: e, CampaignID: "c-1", CampaignStats: domain.CampaignStats{Opened: 1}}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO engagement_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaigns SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO engagement_events`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	ok, err := s.ApplyEvent(context.Background(), app)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ApplyEvent(context.Background(), app)
	require.NoError(t, err)
	assert.False(t, ok, "duplicate writes nothing")
}

func TestLockABWinner_FirstWins(t *testing.T) {
	db, mock := setupTestDB(t)
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE campaigns SET ab_winner_variant_id`).
		WithArgs("c-1", "v-2", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT ab_winner_variant_id FROM campaigns`).
		WithArgs("c-1").
		WillReturnRows(sqlmock.NewRows([]string{"ab_winner_variant_id"}).AddRow("v-1"))
	mock.ExpectRollback()

	err := New(db).LockABWinner(context.Background(), "c-1", "v-2", at)
	assert.ErrorIs(t, err, store.ErrWinnerLocked)
}

func TestLockABWinner_Marks(t *testing.T) {
	db, mock := setupTestDB(t)
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE campaigns SET ab_winner_variant_id`).
		WithArgs("c-1", "v-2", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE ab_variants SET is_winner`).
		WithArgs("c-1", "v-2").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, New(db).LockABWinner(context.Background(), "c-1", "v-2", at))
}

func TestListRecipients_Filters(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectQuery(`SELECT .* FROM campaign_recipients WHERE campaign_id = \$1 AND status = ANY\(\$2\) ORDER BY position LIMIT \$3 OFFSET \$4`).
		WithArgs("c-1", sqlmock.AnyArg(), 10, 20).
		WillReturnRows(sqlmock.NewRows(recipientColList))

	rs, err := New(db).ListRecipients(context.Background(), store.RecipientFilter{
		CampaignID: "c-1", Statuses: []domain.SendStatus{domain.StatusFailed}, Limit: 10, Offset: 20,
	})
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestCountRecipientsByStatus(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM campaign_recipients`).
		WithArgs("c-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("sent", 3).
			AddRow("failed", 1))

	got, err := New(db).CountRecipientsByStatus(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, map[domain.SendStatus]int{domain.StatusSent: 3, domain.StatusFailed: 1}, got)
}

func TestRecordAccountSend_Missing(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectExec(`UPDATE sending_accounts`).
		WithArgs("acct-9", 5).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := New(db).RecordAccountSend(context.Background(), "acct-9", 5)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRampAccount_WritesOnlyWarmupColumns(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectExec(`(?s)UPDATE sending_accounts\s+SET warmup_enabled = \$2,.*WHERE id = \$1 AND warmup_enabled AND warmup_ramped_on <> \$5`).
		WithArgs("acct-1", true, 15, nil, "2026-03-02").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sending_accounts`).
		WithArgs("acct-1", true, 15, nil, "2026-03-02").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := New(db)
	w := domain.WarmupState{Enabled: true, CurrentLimit: 15, RampedOn: "2026-03-02"}
	require.NoError(t, s.RampAccount(context.Background(), "acct-1", w))
	assert.ErrorIs(t, s.RampAccount(context.Background(), "acct-1", w), store.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSuppressionRepo(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewSuppressionRepo(db)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("org", "ada@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	ok, err := repo.IsSuppressed(ctx, "org", "Ada@Example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(`DELETE FROM suppressions`).
		WithArgs("org", "gone@example.com").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.Remove(ctx, "org", "gone@example.com"), suppression.ErrNotFound)

	mock.ExpectExec(`INSERT INTO suppressions .* ON CONFLICT \(organization_id, email\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	s := &domain.Suppression{OrganizationID: "org", Email: "X@example.com", Reason: domain.ReasonManual, Source: domain.SourceManual}
	require.NoError(t, repo.Suppress(ctx, s))
	assert.NotEmpty(t, s.ID)
}

func TestContactDirectory(t *testing.T) {
	db, mock := setupTestDB(t)
	dir := NewContactDirectory(db)
	ctx := context.Background()
	cols := []string{"id", "organization_id", "email", "first_name", "last_name", "company", "title",
		"status", "tags", "list_ids", "custom_fields", "created_at"}

	mock.ExpectQuery(`SELECT .* FROM contacts WHERE organization_id = \$1 AND \$2 = ANY\(list_ids\)`).
		WithArgs("org", "leads").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"c-1", "org", "ada@example.com", "Ada", "Lovelace", "Engines", "CTO",
			"active", "{vip}", "{leads}", []byte(`{"city":"London"}`), time.Now(),
		))
	cs, err := dir.ListMembers(ctx, "org", "leads")
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, []string{"vip"}, cs[0].Tags)
	assert.Equal(t, "London", cs[0].CustomFields["city"])
	assert.Equal(t, domain.ContactActive, cs[0].Status)

	mock.ExpectQuery(`SELECT .* FROM contacts`).
		WithArgs("org", "gone").
		WillReturnError(sql.ErrNoRows)
	_, err = dir.GetContact(ctx, "org", "gone")
	assert.ErrorIs(t, err, contacts.ErrNotFound)

	mock.ExpectExec(`UPDATE contacts SET tags = CASE`).
		WithArgs("org", "c-1", "hot").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, dir.AddTag(ctx, "org", "c-1", "hot"))

	mock.ExpectExec(`UPDATE contacts SET tags = array_remove`).
		WithArgs("org", "c-9", "hot").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, dir.RemoveTag(ctx, "org", "c-9", "hot"), contacts.ErrNotFound)
}
