package postgres

import (
	"context"
	"fmt"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/store"
)

const accountCols = `id, organization_id, name, email, from_name, status, timezone,
	daily_limit, hourly_limit, warmup_enabled, warmup_current_limit, warmup_increment,
	warmup_started_at, warmup_ramped_on, emails_sent_today, total_sent, bounce_count,
	bounce_rate, created_at, updated_at`

func scanAccount(row scanner) (*domain.SendingAccount, error) {
	a := &domain.SendingAccount{}
	err := row.Scan(
		&a.ID, &a.OrganizationID, &a.Name, &a.Email, &a.FromName, &a.Status, &a.Timezone,
		&a.DailyLimit, &a.HourlyLimit, &a.WarmupEnabled, &a.WarmupCurrentLimit, &a.WarmupIncrement,
		&a.WarmupStartedAt, &a.WarmupRampedOn, &a.EmailsSentToday, &a.TotalSent, &a.BounceCount,
		&a.BounceRate, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*domain.SendingAccount, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM sending_accounts WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get account", err)
	}
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context, orgID string) ([]domain.SendingAccount, error) {
	w := &where{}
	if orgID != "" {
		w.add("organization_id = $%d", orgID)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountCols+` FROM sending_accounts`+w.String()+` ORDER BY id`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()
	var out []domain.SendingAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// SaveAccount upserts settings; the rolling stats columns are left alone on
// conflict.
func (s *Store) SaveAccount(ctx context.Context, a *domain.SendingAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sending_accounts
			(id, organization_id, name, email, from_name, status, timezone,
			 daily_limit, hourly_limit, warmup_enabled, warmup_current_limit, warmup_increment,
			 warmup_started_at, warmup_ramped_on, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			organization_id = EXCLUDED.organization_id, name = EXCLUDED.name,
			email = EXCLUDED.email, from_name = EXCLUDED.from_name, status = EXCLUDED.status,
			timezone = EXCLUDED.timezone, daily_limit = EXCLUDED.daily_limit,
			hourly_limit = EXCLUDED.hourly_limit, warmup_enabled = EXCLUDED.warmup_enabled,
			warmup_current_limit = EXCLUDED.warmup_current_limit,
			warmup_increment = EXCLUDED.warmup_increment,
			warmup_started_at = EXCLUDED.warmup_started_at,
			warmup_ramped_on = EXCLUDED.warmup_ramped_on, updated_at = NOW()
	`, a.ID, a.OrganizationID, a.Name, a.Email, a.FromName, a.Status, a.Timezone,
		a.DailyLimit, a.HourlyLimit, a.WarmupEnabled, a.WarmupCurrentLimit, a.WarmupIncrement,
		a.WarmupStartedAt, a.WarmupRampedOn)
	return mapErr("save account", err)
}

func (s *Store) RecordAccountSend(ctx context.Context, id string, sentToday int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sending_accounts
		SET total_sent = total_sent + 1,
		    emails_sent_today = $2,
		    bounce_rate = bounce_count::float8 / (total_sent + 1),
		    updated_at = NOW()
		WHERE id = $1
	`, id, sentToday)
	return expectOne(res, err, "record account send")
}

func (s *Store) RampAccount(ctx context.Context, id string, w domain.WarmupState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sending_accounts
		SET warmup_enabled = $2,
		    warmup_current_limit = $3,
		    warmup_started_at = COALESCE(warmup_started_at, $4),
		    warmup_ramped_on = $5,
		    updated_at = NOW()
		WHERE id = $1 AND warmup_enabled AND warmup_ramped_on <> $5
	`, id, w.Enabled, w.CurrentLimit, w.StartedAt, w.RampedOn)
	if err != nil {
		return mapErr("ramp account", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ramp account: %w", err)
	}
	if n == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *Store) RecordAccountBounce(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sending_accounts
		SET bounce_count = bounce_count + 1,
		    bounce_rate = CASE WHEN total_sent > 0
		                       THEN (bounce_count + 1)::float8 / total_sent
		                       ELSE bounce_rate END,
		    updated_at = NOW()
		WHERE id = $1
	`, id)
	return expectOne(res, err, "record account bounce")
}
