package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/service/suppression"
)

// SuppressionRepo implements suppression.Repository against PostgreSQL.
type SuppressionRepo struct{ db *sql.DB }

var _ suppression.Repository = (*SuppressionRepo)(nil)

// NewSuppressionRepo creates a Postgres-backed suppression repository.
func NewSuppressionRepo(db *sql.DB) *SuppressionRepo { return &SuppressionRepo{db: db} }

func (r *SuppressionRepo) IsSuppressed(ctx context.Context, orgID, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM suppressions WHERE organization_id = $1 AND email = $2)`,
		orgID, strings.ToLower(email),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check suppression: %w", err)
	}
	return exists, nil
}

// Suppress keeps the first record for an address.
func (r *SuppressionRepo) Suppress(ctx context.Context, s *domain.Suppression) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO suppressions
			(id, organization_id, email, md5_hash, reason, source, campaign_id, sequence_id, event_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (organization_id, email) DO NOTHING
	`, s.ID, s.OrganizationID, strings.ToLower(s.Email), s.MD5Hash, s.Reason, s.Source,
		s.CampaignID, s.SequenceID, s.EventID, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("suppress: %w", err)
	}
	return nil
}

func (r *SuppressionRepo) Remove(ctx context.Context, orgID, email string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM suppressions WHERE organization_id = $1 AND email = $2`,
		orgID, strings.ToLower(email),
	)
	if err != nil {
		return fmt.Errorf("remove suppression: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return suppression.ErrNotFound
	}
	return nil
}

func (r *SuppressionRepo) List(ctx context.Context, orgID string, f suppression.ListFilter) ([]domain.Suppression, int, error) {
	w := &where{}
	w.add("organization_id = $%d", orgID)
	if f.Reason != "" {
		w.add("reason = $%d", f.Reason)
	}
	if f.Source != "" {
		w.add("source = $%d", f.Source)
	}
	if f.Search != "" {
		w.add("email LIKE $%d", "%"+strings.ToLower(f.Search)+"%")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM suppressions`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count suppressions: %w", err)
	}

	q := `SELECT id, organization_id, email, md5_hash, reason, source, campaign_id, sequence_id, event_id, created_at
		FROM suppressions` + w.String() + ` ORDER BY email` + w.page(f.Limit, f.Offset)
	rows, err := r.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list suppressions: %w", err)
	}
	defer rows.Close()

	var out []domain.Suppression
	for rows.Next() {
		var s domain.Suppression
		if err := rows.Scan(&s.ID, &s.OrganizationID, &s.Email, &s.MD5Hash, &s.Reason, &s.Source,
			&s.CampaignID, &s.SequenceID, &s.EventID, &s.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan suppression: %w", err)
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

func (r *SuppressionRepo) Count(ctx context.Context, orgID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM suppressions WHERE organization_id = $1`, orgID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count suppressions: %w", err)
	}
	return n, nil
}
