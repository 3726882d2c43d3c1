package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/coldreach/internal/contacts"
	"github.com/ignite/coldreach/internal/domain"
)

// ContactDirectory reads contacts from the contacts table and writes their
// tags. Soft-deleted rows are invisible.
type ContactDirectory struct{ db *sql.DB }

var (
	_ contacts.Directory = (*ContactDirectory)(nil)
	_ contacts.Tagger    = (*ContactDirectory)(nil)
)

// NewContactDirectory creates a Postgres-backed contact directory.
func NewContactDirectory(db *sql.DB) *ContactDirectory { return &ContactDirectory{db: db} }

const contactCols = `id, organization_id, email, first_name, last_name, company, title,
	status, tags, list_ids, custom_fields, created_at`

func scanContact(row scanner) (*domain.Contact, error) {
	var c domain.Contact
	var tags, lists pq.StringArray
	var fields []byte
	if err := row.Scan(&c.ID, &c.OrganizationID, &c.Email, &c.FirstName, &c.LastName, &c.Company, &c.Title,
		&c.Status, &tags, &lists, &fields, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Tags = []string(tags)
	c.ListIDs = []string(lists)
	if err := fromJSON(fields, &c.CustomFields); err != nil {
		return nil, err
	}
	return &c, nil
}

func (d *ContactDirectory) GetContact(ctx context.Context, orgID, id string) (*domain.Contact, error) {
	c, err := scanContact(d.db.QueryRowContext(ctx, `SELECT `+contactCols+` FROM contacts
		WHERE organization_id = $1 AND id = $2 AND deleted_at IS NULL`, orgID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contacts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return c, nil
}

func (d *ContactDirectory) ListMembers(ctx context.Context, orgID, listID string) ([]domain.Contact, error) {
	return d.query(ctx, "list members", `SELECT `+contactCols+` FROM contacts
		WHERE organization_id = $1 AND $2 = ANY(list_ids) AND deleted_at IS NULL ORDER BY id`, orgID, listID)
}

func (d *ContactDirectory) TagMembers(ctx context.Context, orgID, tag string) ([]domain.Contact, error) {
	return d.query(ctx, "tag members", `SELECT `+contactCols+` FROM contacts
		WHERE organization_id = $1 AND $2 = ANY(tags) AND deleted_at IS NULL ORDER BY id`, orgID, tag)
}

func (d *ContactDirectory) query(ctx context.Context, op, q string, args ...interface{}) ([]domain.Contact, error) {
	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// AddTag appends tag unless the contact already carries it.
func (d *ContactDirectory) AddTag(ctx context.Context, orgID, contactID, tag string) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE contacts SET tags = CASE WHEN $3 = ANY(tags) THEN tags ELSE array_append(tags, $3) END
		WHERE organization_id = $1 AND id = $2 AND deleted_at IS NULL
	`, orgID, contactID, tag)
	return d.tagResult(res, err, "add tag")
}

func (d *ContactDirectory) RemoveTag(ctx context.Context, orgID, contactID, tag string) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE contacts SET tags = array_remove(tags, $3)
		WHERE organization_id = $1 AND id = $2 AND deleted_at IS NULL
	`, orgID, contactID, tag)
	return d.tagResult(res, err, "remove tag")
}

func (d *ContactDirectory) tagResult(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contacts.ErrNotFound
	}
	return nil
}
