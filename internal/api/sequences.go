package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/pkg/httputil"
	"github.com/ignite/coldreach/internal/service/sequence"
	"github.com/ignite/coldreach/internal/store"
)

// =============================================================================
// SEQUENCES & ENROLLMENTS
// =============================================================================

// maxBulkEnroll caps contact ids per bulk_enroll request.
const maxBulkEnroll = 10000

func (s *Server) sequenceFor(w http.ResponseWriter, r *http.Request) *domain.Sequence {
	q, err := s.sequences.Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil && q.OrganizationID != orgID(r) {
		err = sequence.ErrNotFound
	}
	if err != nil {
		writeError(w, err)
		return nil
	}
	return q
}

func (s *Server) enrollmentFor(w http.ResponseWriter, r *http.Request) *domain.Enrollment {
	en, err := s.sequences.GetEnrollment(r.Context(), chi.URLParam(r, "id"))
	if err == nil && en.OrganizationID != orgID(r) {
		err = sequence.ErrEnrollmentNotFound
	}
	if err != nil {
		writeError(w, err)
		return nil
	}
	return en
}

//	GET /api/v1/sequences?status=active
func (s *Server) listSequences(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.SequenceStatus
	for _, st := range splitList(r.URL.Query().Get("status")) {
		statuses = append(statuses, domain.SequenceStatus(st))
	}
	qs, err := s.sequences.List(r.Context(), orgID(r), statuses...)
	if err != nil {
		writeError(w, err)
		return
	}
	if qs == nil {
		qs = []domain.Sequence{}
	}
	httputil.OK(w, qs)
}

//	POST /api/v1/sequences
func (s *Server) createSequence(w http.ResponseWriter, r *http.Request) {
	var in sequence.Input
	if !httputil.Decode(w, r, &in) {
		return
	}
	q, err := s.sequences.Create(r.Context(), orgID(r), in)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, q)
}

//	GET /api/v1/sequences/{id}
func (s *Server) getSequence(w http.ResponseWriter, r *http.Request) {
	if q := s.sequenceFor(w, r); q != nil {
		httputil.OK(w, q)
	}
}

//	PUT /api/v1/sequences/{id}
func (s *Server) updateSequence(w http.ResponseWriter, r *http.Request) {
	q := s.sequenceFor(w, r)
	if q == nil {
		return
	}
	var in sequence.Input
	if !httputil.Decode(w, r, &in) {
		return
	}
	out, err := s.sequences.Update(r.Context(), q.ID, in)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, out)
}

//	DELETE /api/v1/sequences/{id}
func (s *Server) deleteSequence(w http.ResponseWriter, r *http.Request) {
	q := s.sequenceFor(w, r)
	if q == nil {
		return
	}
	if err := s.sequences.Delete(r.Context(), q.ID); err != nil {
		writeError(w, err)
		return
	}
	httputil.NoContent(w)
}

func (s *Server) sequenceAction(fn func(ctx context.Context, id string) (*domain.Sequence, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := s.sequenceFor(w, r)
		if q == nil {
			return
		}
		out, err := fn(r.Context(), q.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.OK(w, out)
	}
}

type enrollRequest struct {
	ContactID  string   `json:"contact_id"`
	ContactIDs []string `json:"contact_ids"`
}

//	POST /api/v1/sequences/{id}/enroll {"contact_id": "..."}
func (s *Server) enroll(w http.ResponseWriter, r *http.Request) {
	q := s.sequenceFor(w, r)
	if q == nil {
		return
	}
	var req enrollRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.ContactID == "" {
		httputil.BadRequest(w, "contact_id is required")
		return
	}
	en, err := s.sequences.Enroll(r.Context(), q.ID, req.ContactID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, en)
}

//	POST /api/v1/sequences/{id}/bulk_enroll {"contact_ids": ["...", "..."]}
func (s *Server) bulkEnroll(w http.ResponseWriter, r *http.Request) {
	q := s.sequenceFor(w, r)
	if q == nil {
		return
	}
	var req enrollRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.ContactIDs) == 0 {
		httputil.BadRequest(w, "contact_ids is required")
		return
	}
	if len(req.ContactIDs) > maxBulkEnroll {
		httputil.BadRequest(w, "too many contact_ids")
		return
	}
	res, err := s.sequences.BulkEnroll(r.Context(), q.ID, req.ContactIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, res)
}

//	GET /api/v1/sequences/{id}/enrollments?status=active&page=1&limit=100
func (s *Server) listEnrollments(w http.ResponseWriter, r *http.Request) {
	q := s.sequenceFor(w, r)
	if q == nil {
		return
	}
	p := ParsePagination(r, 100, 1000)
	f := store.EnrollmentFilter{
		SequenceID: q.ID,
		ContactID:  r.URL.Query().Get("contact_id"),
		Limit:      p.Limit,
		Offset:     p.Offset,
	}
	for _, st := range splitList(r.URL.Query().Get("status")) {
		f.Statuses = append(f.Statuses, domain.EnrollmentStatus(st))
	}
	ens, err := s.sequences.ListEnrollments(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if ens == nil {
		ens = []domain.Enrollment{}
	}
	httputil.OK(w, newPage(ens, len(ens), p))
}

//	GET /api/v1/sequences/{id}/stats
func (s *Server) sequenceStats(w http.ResponseWriter, r *http.Request) {
	q := s.sequenceFor(w, r)
	if q == nil {
		return
	}
	st, err := s.sequences.Stats(r.Context(), q.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, st)
}

//	GET /api/v1/sequences/{id}/logs?limit=100
func (s *Server) sequenceLogs(w http.ResponseWriter, r *http.Request) {
	q := s.sequenceFor(w, r)
	if q == nil {
		return
	}
	logs, err := s.sequences.Logs(r.Context(), q.ID, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []domain.LogEntry{}
	}
	httputil.OK(w, logs)
}

//	GET /api/v1/sequences/{id}/steps/{stepID}/preview?contact_id=...
func (s *Server) previewStep(w http.ResponseWriter, r *http.Request) {
	q := s.sequenceFor(w, r)
	if q == nil {
		return
	}
	contactID := r.URL.Query().Get("contact_id")
	if contactID == "" {
		httputil.BadRequest(w, "contact_id is required")
		return
	}
	stepID := chi.URLParam(r, "stepID")
	var found bool
	for _, st := range q.Steps {
		if st.ID == stepID && st.Email != nil {
			found = true
		}
	}
	if !found {
		httputil.Error(w, http.StatusNotFound, "email step not found")
		return
	}
	p, err := s.sequences.Preview(r.Context(), q.ID, stepID, contactID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, p)
}

//	GET /api/v1/enrollments/{id}
func (s *Server) getEnrollment(w http.ResponseWriter, r *http.Request) {
	if en := s.enrollmentFor(w, r); en != nil {
		httputil.OK(w, en)
	}
}

func (s *Server) enrollmentAction(fn func(ctx context.Context, id string) (*domain.Enrollment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		en := s.enrollmentFor(w, r)
		if en == nil {
			return
		}
		out, err := fn(r.Context(), en.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.OK(w, out)
	}
}

//	GET /api/v1/enrollments/{id}/executions
func (s *Server) enrollmentExecutions(w http.ResponseWriter, r *http.Request) {
	en := s.enrollmentFor(w, r)
	if en == nil {
		return
	}
	xs, err := s.sequences.Executions(r.Context(), en.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if xs == nil {
		xs = []domain.StepExecution{}
	}
	httputil.OK(w, xs)
}
