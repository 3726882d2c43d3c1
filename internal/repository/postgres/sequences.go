package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/store"
)

// =============================================================================
// Sequences
// =============================================================================

const sequenceCols = `id, organization_id, name, from_name, steps, stop_conditions, send_window,
	max_emails_per_day, account_ids, max_retries, status,
	enrolled_count, completed_count, stopped_count, failed_count,
	activated_at, created_at, updated_at`

func scanSequence(row scanner) (*domain.Sequence, error) {
	q := &domain.Sequence{}
	var steps, stop, window []byte
	var accounts pq.StringArray
	err := row.Scan(
		&q.ID, &q.OrganizationID, &q.Name, &q.FromName, &steps, &stop, &window,
		&q.MaxEmailsPerDay, &accounts, &q.MaxRetries, &q.Status,
		&q.EnrolledCount, &q.CompletedCount, &q.StoppedCount, &q.FailedCount,
		&q.ActivatedAt, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := fromJSON(steps, &q.Steps); err != nil {
		return nil, err
	}
	if err := fromJSON(stop, &q.Stop); err != nil {
		return nil, err
	}
	if len(window) > 0 && string(window) != "null" {
		q.Window = &domain.SendWindow{}
		if err := fromJSON(window, q.Window); err != nil {
			return nil, err
		}
	}
	q.AccountIDs = []string(accounts)
	return q, nil
}

// sequenceJSON encodes the document columns. A nil window is stored as SQL
// NULL.
func sequenceJSON(q *domain.Sequence) (steps, stop, window []byte, err error) {
	if steps, err = toJSON(q.Steps); err != nil {
		return
	}
	if stop, err = toJSON(q.Stop); err != nil {
		return
	}
	if q.Window != nil {
		window, err = toJSON(q.Window)
	}
	return
}

func (s *Store) GetSequence(ctx context.Context, id string) (*domain.Sequence, error) {
	q, err := scanSequence(s.db.QueryRowContext(ctx, `SELECT `+sequenceCols+` FROM sequences WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get sequence", err)
	}
	return q, nil
}

func (s *Store) ListSequences(ctx context.Context, orgID string, statuses ...domain.SequenceStatus) ([]domain.Sequence, error) {
	w := &where{}
	if orgID != "" {
		w.add("organization_id = $%d", orgID)
	}
	if len(statuses) > 0 {
		w.add("status = ANY($%d)", pq.Array(strs(statuses)))
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sequenceCols+` FROM sequences`+w.String()+` ORDER BY id`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	defer rows.Close()
	var out []domain.Sequence
	for rows.Next() {
		q, err := scanSequence(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

func (s *Store) CreateSequence(ctx context.Context, q *domain.Sequence) error {
	steps, stop, window, err := sequenceJSON(q)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sequences (`+sequenceCols+`) VALUES (`+placeholders(1, 18)+`)`,
		q.ID, q.OrganizationID, q.Name, q.FromName, steps, stop, window,
		q.MaxEmailsPerDay, pq.Array(q.AccountIDs), q.MaxRetries, q.Status,
		q.EnrolledCount, q.CompletedCount, q.StoppedCount, q.FailedCount,
		q.ActivatedAt, q.CreatedAt, q.UpdatedAt)
	return mapErr("create sequence", err)
}

// UpdateSequence writes the definition and status; counters are only moved
// by IncrementSequenceCounters.
func (s *Store) UpdateSequence(ctx context.Context, q *domain.Sequence) error {
	steps, stop, window, err := sequenceJSON(q)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sequences SET
			name = $2, from_name = $3, steps = $4, stop_conditions = $5, send_window = $6,
			max_emails_per_day = $7, account_ids = $8, max_retries = $9, status = $10,
			activated_at = $11, updated_at = $12
		WHERE id = $1
	`, q.ID, q.Name, q.FromName, steps, stop, window,
		q.MaxEmailsPerDay, pq.Array(q.AccountIDs), q.MaxRetries, q.Status,
		q.ActivatedAt, q.UpdatedAt)
	return expectOne(res, err, "update sequence")
}

// DeleteSequence removes the sequence; enrollments and executions cascade.
func (s *Store) DeleteSequence(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sequences WHERE id = $1`, id)
	return expectOne(res, err, "delete sequence")
}

func (s *Store) IncrementSequenceCounters(ctx context.Context, id string, d store.SequenceCounters) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sequences SET
			enrolled_count = enrolled_count + $2, completed_count = completed_count + $3,
			stopped_count = stopped_count + $4, failed_count = failed_count + $5
		WHERE id = $1
	`, id, d.Enrolled, d.Completed, d.Stopped, d.Failed)
	return expectOne(res, err, "increment sequence counters")
}

// =============================================================================
// Enrollments
// =============================================================================

const enrollmentCols = `id, sequence_id, organization_id, contact_id, email, position, status,
	current_step_id, next_step_at, stop_reason, last_error,
	open_count, click_count, reply_count, opened_at, clicked_at, replied_at,
	enrolled_at, finished_at, updated_at`

func scanEnrollment(row scanner) (*domain.Enrollment, error) {
	e := &domain.Enrollment{}
	err := row.Scan(
		&e.ID, &e.SequenceID, &e.OrganizationID, &e.ContactID, &e.Email, &e.Order, &e.Status,
		&e.CurrentStepID, &e.NextStepAt, &e.StopReason, &e.LastError,
		&e.OpenCount, &e.ClickCount, &e.ReplyCount, &e.OpenedAt, &e.ClickedAt, &e.RepliedAt,
		&e.EnrolledAt, &e.FinishedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// CreateEnrollment relies on the partial unique index over non-terminal
// enrollments, so the duplicate check and the insert are one statement.
func (s *Store) CreateEnrollment(ctx context.Context, e *domain.Enrollment) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sequence_enrollments (`+strings.Replace(enrollmentCols, "position, ", "", 1)+`)
		VALUES (`+placeholders(1, 19)+`)
		RETURNING position
	`, e.ID, e.SequenceID, e.OrganizationID, e.ContactID, e.Email, e.Status,
		e.CurrentStepID, e.NextStepAt, e.StopReason, e.LastError,
		e.OpenCount, e.ClickCount, e.ReplyCount, e.OpenedAt, e.ClickedAt, e.RepliedAt,
		e.EnrolledAt, e.FinishedAt, e.UpdatedAt,
	).Scan(&e.Order)
	if isUniqueViolation(err, activeEnrollmentIndex) {
		return store.ErrActiveEnrollment
	}
	return mapErr("create enrollment", err)
}

func (s *Store) GetEnrollment(ctx context.Context, id string) (*domain.Enrollment, error) {
	e, err := scanEnrollment(s.db.QueryRowContext(ctx, `SELECT `+enrollmentCols+` FROM sequence_enrollments WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get enrollment", err)
	}
	return e, nil
}

func (s *Store) UpdateEnrollment(ctx context.Context, e *domain.Enrollment) error {
	return updateEnrollment(ctx, s.db, e)
}

func updateEnrollment(ctx context.Context, q execer, e *domain.Enrollment) error {
	res, err := q.ExecContext(ctx, `
		UPDATE sequence_enrollments SET
			status = $2, current_step_id = $3, next_step_at = $4, stop_reason = $5, last_error = $6,
			open_count = $7, click_count = $8, reply_count = $9, opened_at = $10, clicked_at = $11,
			replied_at = $12, finished_at = $13, updated_at = $14
		WHERE id = $1
	`, e.ID, e.Status, e.CurrentStepID, e.NextStepAt, e.StopReason, e.LastError,
		e.OpenCount, e.ClickCount, e.ReplyCount, e.OpenedAt, e.ClickedAt,
		e.RepliedAt, e.FinishedAt, e.UpdatedAt)
	return expectOne(res, err, "update enrollment")
}

func (s *Store) ListEnrollments(ctx context.Context, f store.EnrollmentFilter) ([]domain.Enrollment, error) {
	w := &where{}
	if f.SequenceID != "" {
		w.add("sequence_id = $%d", f.SequenceID)
	}
	if f.ContactID != "" {
		w.add("contact_id = $%d", f.ContactID)
	}
	if len(f.Statuses) > 0 {
		w.add("status = ANY($%d)", pq.Array(strs(f.Statuses)))
	}
	q := `SELECT ` + enrollmentCols + ` FROM sequence_enrollments` + w.String() + ` ORDER BY position` + w.page(f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()
	var out []domain.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// =============================================================================
// Step executions
// =============================================================================

var executionColList = append(append([]string{
	"id", "enrollment_id", "sequence_id", "step_id", "step_kind", "position", "branch",
}, deliveryCols...), "due_at", "created_at", "updated_at")

var executionCols = strings.Join(executionColList, ", ")

func scanExecution(row scanner) (*domain.StepExecution, error) {
	x := &domain.StepExecution{}
	dest := []interface{}{&x.ID, &x.EnrollmentID, &x.SequenceID, &x.StepID, &x.StepKind, &x.Order, &x.Branch}
	dest = append(dest, deliveryDest(&x.Delivery)...)
	dest = append(dest, &x.DueAt, &x.CreatedAt, &x.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return x, nil
}

func (s *Store) CreateStepExecution(ctx context.Context, x *domain.StepExecution) error {
	cols := strings.Replace(executionCols, "position, ", "", 1)
	args := []interface{}{x.ID, x.EnrollmentID, x.SequenceID, x.StepID, x.StepKind, x.Branch}
	args = append(args, deliveryArgs(&x.Delivery)...)
	args = append(args, x.DueAt, x.CreatedAt, x.UpdatedAt)
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO step_executions (`+cols+`) VALUES (`+placeholders(1, len(args))+`) RETURNING position`,
		args...).Scan(&x.Order)
	return mapErr("create step execution", err)
}

func (s *Store) GetStepExecution(ctx context.Context, id string) (*domain.StepExecution, error) {
	x, err := scanExecution(s.db.QueryRowContext(ctx, `SELECT `+executionCols+` FROM step_executions WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get step execution", err)
	}
	return x, nil
}

func (s *Store) UpdateStepExecution(ctx context.Context, x *domain.StepExecution) error {
	return updateStepExecution(ctx, s.db, x)
}

func updateStepExecution(ctx context.Context, q execer, x *domain.StepExecution) error {
	args := []interface{}{x.ID, x.Branch, x.DueAt, x.UpdatedAt}
	args = append(args, deliveryArgs(&x.Delivery)...)
	res, err := q.ExecContext(ctx, `
		UPDATE step_executions SET branch = $2, due_at = $3, updated_at = $4, `+deliverySet(5)+`
		WHERE id = $1`, args...)
	return expectOne(res, err, "update step execution")
}

func executionWhere(f store.ExecutionFilter) *where {
	w := &where{}
	if f.EnrollmentID != "" {
		w.add("enrollment_id = $%d", f.EnrollmentID)
	}
	if f.SequenceID != "" {
		w.add("sequence_id = $%d", f.SequenceID)
	}
	if f.Kind != "" {
		w.add("step_kind = $%d", f.Kind)
	}
	if len(f.Statuses) > 0 {
		w.add("status = ANY($%d)", pq.Array(strs(f.Statuses)))
	}
	if f.SentSince != nil {
		w.add("sent_at >= $%d", *f.SentSince)
	}
	return w
}

func (s *Store) ListStepExecutions(ctx context.Context, f store.ExecutionFilter) ([]domain.StepExecution, error) {
	w := executionWhere(f)
	q := `SELECT ` + executionCols + ` FROM step_executions` + w.String() + ` ORDER BY position` + w.page(f.Limit, 0)
	rows, err := s.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list step executions: %w", err)
	}
	defer rows.Close()
	var out []domain.StepExecution
	for rows.Next() {
		x, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step execution: %w", err)
		}
		out = append(out, *x)
	}
	return out, rows.Err()
}

func (s *Store) CountStepExecutions(ctx context.Context, f store.ExecutionFilter) (int, error) {
	w := executionWhere(f)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM step_executions`+w.String(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count step executions: %w", err)
	}
	return n, nil
}
