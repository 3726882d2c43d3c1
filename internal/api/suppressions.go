package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/pkg/httputil"
	"github.com/ignite/coldreach/internal/service/suppression"
)

type suppressionRequest struct {
	Email  string                   `json:"email"`
	Reason domain.SuppressionReason `json:"reason"`
}

//	GET /api/v1/suppressions?reason=&source=&search=&page=&limit=
func (s *Server) listSuppressions(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r, 100, 1000)
	q := r.URL.Query()
	entries, total, err := s.suppression.List(r.Context(), orgID(r), suppression.ListFilter{
		Reason: q.Get("reason"),
		Source: q.Get("source"),
		Search: q.Get("search"),
		Limit:  p.Limit,
		Offset: p.Offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.Suppression{}
	}
	httputil.OK(w, map[string]any{"data": entries, "total": total, "page": p.Page, "limit": p.Limit})
}

//	POST /api/v1/suppressions {"email": "...", "reason": "manual"}
func (s *Server) addSuppression(w http.ResponseWriter, r *http.Request) {
	var req suppressionRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = domain.ReasonManual
	}
	err := s.suppression.Suppress(r.Context(), orgID(r), suppression.Entry{
		Email:  req.Email,
		Reason: req.Reason,
		Source: domain.SourceManual,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, map[string]string{"email": suppression.Normalize(req.Email)})
}

//	DELETE /api/v1/suppressions/{email}
func (s *Server) removeSuppression(w http.ResponseWriter, r *http.Request) {
	if err := s.suppression.Remove(r.Context(), orgID(r), chi.URLParam(r, "email")); err != nil {
		writeError(w, err)
		return
	}
	httputil.NoContent(w)
}

//	GET /api/v1/suppressions/stats
func (s *Server) suppressionStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.suppression.GetStats(r.Context(), orgID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, st)
}
