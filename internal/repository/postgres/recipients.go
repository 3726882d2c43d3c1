package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/store"
)

// deliveryCols are shared by recipients and step executions.
var deliveryCols = []string{
	"status", "account_id", "message_id", "retry_count", "last_error", "open_count", "click_count",
	"scheduled_at", "sent_at", "delivered_at", "opened_at", "clicked_at", "replied_at",
	"bounced_at", "unsubscribed_at", "finished_at",
}

func deliveryDest(d *domain.Delivery) []interface{} {
	return []interface{}{
		&d.Status, &d.AccountID, &d.MessageID, &d.RetryCount, &d.LastError, &d.OpenCount, &d.ClickCount,
		&d.ScheduledAt, &d.SentAt, &d.DeliveredAt, &d.OpenedAt, &d.ClickedAt, &d.RepliedAt,
		&d.BouncedAt, &d.UnsubscribedAt, &d.FinishedAt,
	}
}

func deliveryArgs(d *domain.Delivery) []interface{} {
	return []interface{}{
		d.Status, d.AccountID, d.MessageID, d.RetryCount, d.LastError, d.OpenCount, d.ClickCount,
		d.ScheduledAt, d.SentAt, d.DeliveredAt, d.OpenedAt, d.ClickedAt, d.RepliedAt,
		d.BouncedAt, d.UnsubscribedAt, d.FinishedAt,
	}
}

// deliverySet renders "status = $from, account_id = $from+1, ...".
func deliverySet(from int) string {
	sets := make([]string, len(deliveryCols))
	for i, c := range deliveryCols {
		sets[i] = fmt.Sprintf("%s = $%d", c, from+i)
	}
	return strings.Join(sets, ", ")
}

var recipientColList = append(append([]string{
	"id", "campaign_id", "organization_id", "contact_id", "email", "position", "variant_id", "superseded_by",
}, deliveryCols...), "created_at", "updated_at")

var recipientCols = strings.Join(recipientColList, ", ")

func scanRecipient(row scanner) (*domain.Recipient, error) {
	r := &domain.Recipient{}
	dest := []interface{}{&r.ID, &r.CampaignID, &r.OrganizationID, &r.ContactID, &r.Email, &r.Order, &r.VariantID, &r.SupersededBy}
	dest = append(dest, deliveryDest(&r.Delivery)...)
	dest = append(dest, &r.CreatedAt, &r.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return r, nil
}

// CreateRecipients bulk-loads rows with COPY inside one transaction. Orders
// come from the shared position sequence in slice order.
func (s *Store) CreateRecipients(ctx context.Context, rs []domain.Recipient) error {
	if len(rs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	pos, err := positions(ctx, tx, len(rs))
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("campaign_recipients", recipientColList...))
	if err != nil {
		return fmt.Errorf("failed to prepare COPY: %w", err)
	}
	for i := range rs {
		r := &rs[i]
		r.Order = pos[i]
		args := []interface{}{r.ID, r.CampaignID, r.OrganizationID, r.ContactID, r.Email, r.Order, r.VariantID, r.SupersededBy}
		args = append(args, deliveryArgs(&r.Delivery)...)
		args = append(args, r.CreatedAt, r.UpdatedAt)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			stmt.Close()
			return mapErr("copy recipient", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return mapErr("flush recipients", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close COPY: %w", err)
	}
	return tx.Commit()
}

func (s *Store) DeleteRecipients(ctx context.Context, campaignID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM campaign_recipients WHERE campaign_id = $1`, campaignID)
	return mapErr("delete recipients", err)
}

func (s *Store) GetRecipient(ctx context.Context, id string) (*domain.Recipient, error) {
	r, err := scanRecipient(s.db.QueryRowContext(ctx, `SELECT `+recipientCols+` FROM campaign_recipients WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get recipient", err)
	}
	return r, nil
}

// UpdateRecipient rewrites the mutable columns; contact and position stay.
func (s *Store) UpdateRecipient(ctx context.Context, r *domain.Recipient) error {
	return updateRecipient(ctx, s.db, r)
}

func updateRecipient(ctx context.Context, q execer, r *domain.Recipient) error {
	args := []interface{}{r.ID, r.VariantID, r.SupersededBy, r.UpdatedAt}
	args = append(args, deliveryArgs(&r.Delivery)...)
	if r.UpdatedAt.IsZero() {
		args[3] = time.Now().UTC()
	}
	res, err := q.ExecContext(ctx, `
		UPDATE campaign_recipients SET variant_id = $2, superseded_by = $3, updated_at = $4, `+deliverySet(5)+`
		WHERE id = $1`, args...)
	return expectOne(res, err, "update recipient")
}

func (s *Store) ListRecipients(ctx context.Context, f store.RecipientFilter) ([]domain.Recipient, error) {
	w := &where{}
	if f.CampaignID != "" {
		w.add("campaign_id = $%d", f.CampaignID)
	}
	if f.ContactID != "" {
		w.add("contact_id = $%d", f.ContactID)
	}
	if len(f.Statuses) > 0 {
		w.add("status = ANY($%d)", pq.Array(strs(f.Statuses)))
	}
	q := `SELECT ` + recipientCols + ` FROM campaign_recipients` + w.String() + ` ORDER BY position` + w.page(f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()
	var out []domain.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) CountRecipientsByStatus(ctx context.Context, campaignID string) (map[domain.SendStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM campaign_recipients
		WHERE campaign_id = $1 AND superseded_by = ''
		GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count recipients: %w", err)
	}
	defer rows.Close()
	out := map[domain.SendStatus]int{}
	for rows.Next() {
		var st domain.SendStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan recipient count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}
