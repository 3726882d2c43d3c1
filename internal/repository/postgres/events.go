package postgres

import (
	"context"
	"fmt"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/store"
)

const eventCols = `id, organization_id, event_type, campaign_id, recipient_id, sequence_id,
	enrollment_id, step_execution_id, contact_id, dedup_key, metadata, occurred_at, received_at`

// AppendEvent inserts the event unless its dedup key is already stored.
func (s *Store) AppendEvent(ctx context.Context, e *domain.Event) (bool, error) {
	return appendEvent(ctx, s.db, e)
}

func appendEvent(ctx context.Context, q execer, e *domain.Event) (bool, error) {
	meta, err := toJSON(e.Metadata)
	if err != nil {
		return false, err
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO engagement_events (`+eventCols+`, event_key)
		VALUES (`+placeholders(1, 14)+`)
		ON CONFLICT (event_key) DO NOTHING
	`, e.ID, e.OrganizationID, e.Type, e.CampaignID, e.RecipientID, e.SequenceID,
		e.EnrollmentID, e.StepExecutionID, e.ContactID, e.DedupKey, meta, e.OccurredAt, e.ReceivedAt,
		e.Key())
	if err != nil {
		return false, mapErr("append event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append event: %w", err)
	}
	return n == 1, nil
}

// ApplyEvent appends the event and writes every changed record in one
// transaction. A duplicate key rolls back before anything else is written.
func (s *Store) ApplyEvent(ctx context.Context, app store.EventApplication) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inserted, err := appendEvent(ctx, tx, app.Event)
	if err != nil || !inserted {
		return false, err
	}
	if app.Recipient != nil {
		if err := updateRecipient(ctx, tx, app.Recipient); err != nil {
			return false, err
		}
	}
	if app.CampaignStats != (domain.CampaignStats{}) {
		if err := incrementCampaignStats(ctx, tx, app.CampaignID, app.CampaignStats); err != nil {
			return false, err
		}
	}
	if app.VariantStats != (domain.VariantStats{}) {
		if err := incrementVariantStats(ctx, tx, app.VariantID, app.VariantStats); err != nil {
			return false, err
		}
	}
	if app.Execution != nil {
		if err := updateStepExecution(ctx, tx, app.Execution); err != nil {
			return false, err
		}
	}
	if app.Enrollment != nil {
		if err := updateEnrollment(ctx, tx, app.Enrollment); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("apply event: %w", err)
	}
	return true, nil
}

func (s *Store) ListEvents(ctx context.Context, f store.EventFilter) ([]domain.Event, error) {
	w := &where{}
	if f.CampaignID != "" {
		w.add("campaign_id = $%d", f.CampaignID)
	}
	if f.RecipientID != "" {
		w.add("recipient_id = $%d", f.RecipientID)
	}
	if f.EnrollmentID != "" {
		w.add("enrollment_id = $%d", f.EnrollmentID)
	}
	if f.ContactID != "" {
		w.add("contact_id = $%d", f.ContactID)
	}
	q := `SELECT ` + eventCols + ` FROM engagement_events` + w.String() + ` ORDER BY occurred_at, received_at` + w.page(f.Limit, 0)
	rows, err := s.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var meta []byte
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.Type, &e.CampaignID, &e.RecipientID, &e.SequenceID,
			&e.EnrollmentID, &e.StepExecutionID, &e.ContactID, &e.DedupKey, &meta, &e.OccurredAt, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := fromJSON(meta, &e.Metadata); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) AppendLog(ctx context.Context, l *domain.LogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_logs (id, organization_id, campaign_id, sequence_id, target_id, level, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, l.ID, l.OrganizationID, l.CampaignID, l.SequenceID, l.TargetID, l.Level, l.Message, l.CreatedAt)
	return mapErr("append log", err)
}

func (s *Store) ListLogs(ctx context.Context, f store.LogFilter) ([]domain.LogEntry, error) {
	w := &where{}
	if f.CampaignID != "" {
		w.add("campaign_id = $%d", f.CampaignID)
	}
	if f.SequenceID != "" {
		w.add("sequence_id = $%d", f.SequenceID)
	}
	q := `SELECT id, organization_id, campaign_id, sequence_id, target_id, level, message, created_at
		FROM activity_logs` + w.String() + ` ORDER BY created_at DESC, id DESC` + w.page(f.Limit, 0)
	rows, err := s.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()
	var out []domain.LogEntry
	for rows.Next() {
		var l domain.LogEntry
		if err := rows.Scan(&l.ID, &l.OrganizationID, &l.CampaignID, &l.SequenceID, &l.TargetID, &l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
