package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/store"
)

// =============================================================================
// Campaigns
// =============================================================================

const campaignCols = `id, organization_id, name, subject, body, from_name, target, account_ids, status,
	send_mode, scheduled_at, timezone, min_delay_seconds, max_delay_seconds, batch_size,
	batch_delay_minutes, spread_days, spread_start_time, spread_end_time, max_retries,
	ab_test_enabled, ab_test_sample_size, ab_test_duration_hours, ab_test_winner_criteria,
	ab_winner_variant_id, ab_winner_selected_at,
	total_recipients, sent_count, delivered_count, open_count, click_count, reply_count,
	bounce_count, unsubscribe_count, complaint_count, failed_count, skipped_count,
	prepared_at, started_at, completed_at, cancelled_at, created_at, updated_at`

const campaignColCount = 43

func statsDest(st *domain.CampaignStats) []interface{} {
	return []interface{}{
		&st.TotalRecipients, &st.Sent, &st.Delivered, &st.Opened, &st.Clicked, &st.Replied,
		&st.Bounced, &st.Unsubscribed, &st.Complained, &st.Failed, &st.Skipped,
	}
}

func statsArgs(st domain.CampaignStats) []interface{} {
	return []interface{}{
		st.TotalRecipients, st.Sent, st.Delivered, st.Opened, st.Clicked, st.Replied,
		st.Bounced, st.Unsubscribed, st.Complained, st.Failed, st.Skipped,
	}
}

func scanCampaign(row scanner) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var target []byte
	var accounts pq.StringArray
	dest := []interface{}{
		&c.ID, &c.OrganizationID, &c.Name, &c.Subject, &c.Body, &c.FromName, &target, &accounts, &c.Status,
		&c.SendMode, &c.ScheduledAt, &c.Timezone, &c.MinDelaySeconds, &c.MaxDelaySeconds, &c.BatchSize,
		&c.BatchDelayMinutes, &c.SpreadDays, &c.SpreadStartTime, &c.SpreadEndTime, &c.MaxRetries,
		&c.ABTestEnabled, &c.ABTestSampleSize, &c.ABTestDurationHours, &c.ABTestWinnerCriteria,
		&c.ABWinnerVariantID, &c.ABWinnerSelectedAt,
	}
	dest = append(dest, statsDest(&c.Stats)...)
	dest = append(dest, &c.PreparedAt, &c.StartedAt, &c.CompletedAt, &c.CancelledAt, &c.CreatedAt, &c.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := fromJSON(target, &c.Target); err != nil {
		return nil, err
	}
	c.AccountIDs = []string(accounts)
	return c, nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get campaign", err)
	}
	return c, nil
}

func (s *Store) ListCampaigns(ctx context.Context, f store.CampaignFilter) ([]domain.Campaign, error) {
	w := &where{}
	if f.OrganizationID != "" {
		w.add("organization_id = $%d", f.OrganizationID)
	}
	if len(f.Statuses) > 0 {
		w.add("status = ANY($%d)", pq.Array(strs(f.Statuses)))
	}
	q := `SELECT ` + campaignCols + ` FROM campaigns` + w.String() + ` ORDER BY created_at, id` + w.page(f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()
	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	target, err := toJSON(c.Target)
	if err != nil {
		return err
	}
	args := []interface{}{
		c.ID, c.OrganizationID, c.Name, c.Subject, c.Body, c.FromName, target, pq.Array(c.AccountIDs), c.Status,
		c.SendMode, c.ScheduledAt, c.Timezone, c.MinDelaySeconds, c.MaxDelaySeconds, c.BatchSize,
		c.BatchDelayMinutes, c.SpreadDays, c.SpreadStartTime, c.SpreadEndTime, c.MaxRetries,
		c.ABTestEnabled, c.ABTestSampleSize, c.ABTestDurationHours, c.ABTestWinnerCriteria,
		c.ABWinnerVariantID, c.ABWinnerSelectedAt,
	}
	args = append(args, statsArgs(c.Stats)...)
	args = append(args, c.PreparedAt, c.StartedAt, c.CompletedAt, c.CancelledAt, c.CreatedAt, c.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO campaigns (`+campaignCols+`) VALUES (`+placeholders(1, campaignColCount)+`)`, args...)
	return mapErr("create campaign", err)
}

// UpdateCampaign writes definition and lifecycle columns. Counters and the
// A/B winner have their own writers.
func (s *Store) UpdateCampaign(ctx context.Context, c *domain.Campaign) error {
	target, err := toJSON(c.Target)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET
			name = $2, subject = $3, body = $4, from_name = $5, target = $6, account_ids = $7,
			status = $8, send_mode = $9, scheduled_at = $10, timezone = $11,
			min_delay_seconds = $12, max_delay_seconds = $13, batch_size = $14,
			batch_delay_minutes = $15, spread_days = $16, spread_start_time = $17,
			spread_end_time = $18, max_retries = $19, ab_test_enabled = $20,
			ab_test_sample_size = $21, ab_test_duration_hours = $22, ab_test_winner_criteria = $23,
			prepared_at = $24, started_at = $25, completed_at = $26, cancelled_at = $27,
			updated_at = $28
		WHERE id = $1
	`, c.ID, c.Name, c.Subject, c.Body, c.FromName, target, pq.Array(c.AccountIDs),
		c.Status, c.SendMode, c.ScheduledAt, c.Timezone,
		c.MinDelaySeconds, c.MaxDelaySeconds, c.BatchSize,
		c.BatchDelayMinutes, c.SpreadDays, c.SpreadStartTime,
		c.SpreadEndTime, c.MaxRetries, c.ABTestEnabled,
		c.ABTestSampleSize, c.ABTestDurationHours, c.ABTestWinnerCriteria,
		c.PreparedAt, c.StartedAt, c.CompletedAt, c.CancelledAt,
		c.UpdatedAt)
	return expectOne(res, err, "update campaign")
}

// DeleteCampaign removes the campaign; variants and recipients cascade.
func (s *Store) DeleteCampaign(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	return expectOne(res, err, "delete campaign")
}

func (s *Store) IncrementCampaignStats(ctx context.Context, id string, d domain.CampaignStats) error {
	return incrementCampaignStats(ctx, s.db, id, d)
}

func incrementCampaignStats(ctx context.Context, q execer, id string, d domain.CampaignStats) error {
	args := append([]interface{}{id}, statsArgs(d)...)
	res, err := q.ExecContext(ctx, `
		UPDATE campaigns SET
			total_recipients = total_recipients + $2, sent_count = sent_count + $3,
			delivered_count = delivered_count + $4, open_count = open_count + $5,
			click_count = click_count + $6, reply_count = reply_count + $7,
			bounce_count = bounce_count + $8, unsubscribe_count = unsubscribe_count + $9,
			complaint_count = complaint_count + $10, failed_count = failed_count + $11,
			skipped_count = skipped_count + $12
		WHERE id = $1
	`, args...)
	return expectOne(res, err, "increment campaign stats")
}

func (s *Store) SetCampaignStats(ctx context.Context, id string, st domain.CampaignStats) error {
	args := append([]interface{}{id}, statsArgs(st)...)
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET
			total_recipients = $2, sent_count = $3, delivered_count = $4, open_count = $5,
			click_count = $6, reply_count = $7, bounce_count = $8, unsubscribe_count = $9,
			complaint_count = $10, failed_count = $11, skipped_count = $12
		WHERE id = $1
	`, args...)
	return expectOne(res, err, "set campaign stats")
}

// LockABWinner writes the winner only while none is set, so concurrent
// selections resolve to the first.
func (s *Store) LockABWinner(ctx context.Context, campaignID, variantID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET ab_winner_variant_id = $2, ab_winner_selected_at = $3
		WHERE id = $1 AND ab_winner_variant_id = ''
		  AND EXISTS (SELECT 1 FROM ab_variants WHERE id = $2 AND campaign_id = $1)
	`, campaignID, variantID, at)
	if err != nil {
		return fmt.Errorf("lock a/b winner: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT ab_winner_variant_id FROM campaigns WHERE id = $1`, campaignID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock a/b winner: %w", err)
		}
		if current != "" {
			return store.ErrWinnerLocked
		}
		return store.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `UPDATE ab_variants SET is_winner = (id = $2) WHERE campaign_id = $1`, campaignID, variantID); err != nil {
		return fmt.Errorf("mark winner variant: %w", err)
	}
	return tx.Commit()
}

// =============================================================================
// Variants
// =============================================================================

const variantCols = `id, campaign_id, name, subject, body, weight, is_control, is_winner,
	sent_count, open_count, click_count, reply_count, created_at`

func (s *Store) ListVariants(ctx context.Context, campaignID string) ([]domain.ABVariant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+variantCols+` FROM ab_variants WHERE campaign_id = $1 ORDER BY created_at, id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	defer rows.Close()
	var out []domain.ABVariant
	for rows.Next() {
		var v domain.ABVariant
		if err := rows.Scan(&v.ID, &v.CampaignID, &v.Name, &v.Subject, &v.Body, &v.Weight, &v.IsControl,
			&v.IsWinner, &v.Stats.Sent, &v.Stats.Opened, &v.Stats.Clicked, &v.Stats.Replied, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) ReplaceVariants(ctx context.Context, campaignID string, variants []domain.ABVariant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ab_variants WHERE campaign_id = $1`, campaignID); err != nil {
		return fmt.Errorf("clear variants: %w", err)
	}
	for _, v := range variants {
		_, err := tx.ExecContext(ctx, `INSERT INTO ab_variants (`+variantCols+`) VALUES (`+placeholders(1, 13)+`)`,
			v.ID, campaignID, v.Name, v.Subject, v.Body, v.Weight, v.IsControl, v.IsWinner,
			v.Stats.Sent, v.Stats.Opened, v.Stats.Clicked, v.Stats.Replied, v.CreatedAt)
		if err != nil {
			return mapErr("insert variant", err)
		}
	}
	return tx.Commit()
}

func (s *Store) IncrementVariantStats(ctx context.Context, variantID string, d domain.VariantStats) error {
	return incrementVariantStats(ctx, s.db, variantID, d)
}

func incrementVariantStats(ctx context.Context, q execer, variantID string, d domain.VariantStats) error {
	res, err := q.ExecContext(ctx, `
		UPDATE ab_variants SET
			sent_count = sent_count + $2, open_count = open_count + $3,
			click_count = click_count + $4, reply_count = reply_count + $5
		WHERE id = $1
	`, variantID, d.Sent, d.Opened, d.Clicked, d.Replied)
	return expectOne(res, err, "increment variant stats")
}
