package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/pkg/httputil"
	"github.com/ignite/coldreach/internal/service/campaign"
	"github.com/ignite/coldreach/internal/store"
)

// =============================================================================
// CAMPAIGNS
// =============================================================================

// campaignFor loads the campaign named in the path and checks it belongs to
// the caller. It writes the error response and returns nil on failure.
func (s *Server) campaignFor(w http.ResponseWriter, r *http.Request) *domain.Campaign {
	c, err := s.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil && c.OrganizationID != orgID(r) {
		err = campaign.ErrNotFound
	}
	if err != nil {
		writeError(w, err)
		return nil
	}
	return c
}

//	GET /api/v1/campaigns?status=sending,paused&page=1&limit=50
func (s *Server) listCampaigns(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r, 50, 200)
	f := store.CampaignFilter{OrganizationID: orgID(r), Limit: p.Limit, Offset: p.Offset}
	for _, st := range splitList(r.URL.Query().Get("status")) {
		f.Statuses = append(f.Statuses, domain.CampaignStatus(st))
	}
	cs, err := s.campaigns.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if cs == nil {
		cs = []domain.Campaign{}
	}
	httputil.OK(w, newPage(cs, len(cs), p))
}

//	POST /api/v1/campaigns
func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaign.Input
	if !httputil.Decode(w, r, &in) {
		return
	}
	c, err := s.campaigns.Create(r.Context(), orgID(r), in)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, c)
}

//	GET /api/v1/campaigns/{id}
func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	if c := s.campaignFor(w, r); c != nil {
		httputil.OK(w, c)
	}
}

//	PUT /api/v1/campaigns/{id}
func (s *Server) updateCampaign(w http.ResponseWriter, r *http.Request) {
	c := s.campaignFor(w, r)
	if c == nil {
		return
	}
	var in campaign.Input
	if !httputil.Decode(w, r, &in) {
		return
	}
	out, err := s.campaigns.Update(r.Context(), c.ID, in)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, out)
}

//	DELETE /api/v1/campaigns/{id}
func (s *Server) deleteCampaign(w http.ResponseWriter, r *http.Request) {
	c := s.campaignFor(w, r)
	if c == nil {
		return
	}
	if err := s.campaigns.Delete(r.Context(), c.ID); err != nil {
		writeError(w, err)
		return
	}
	httputil.NoContent(w)
}

// campaignAction adapts a lifecycle method that takes only the id.
func (s *Server) campaignAction(fn func(ctx context.Context, id string) (*domain.Campaign, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := s.campaignFor(w, r)
		if c == nil {
			return
		}
		out, err := fn(r.Context(), c.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.OK(w, out)
	}
}

//	POST /api/v1/campaigns/{id}/prepare
func (s *Server) prepareCampaign(w http.ResponseWriter, r *http.Request) {
	c := s.campaignFor(w, r)
	if c == nil {
		return
	}
	res, err := s.campaigns.Prepare(r.Context(), c.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, res)
}

type scheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

//	POST /api/v1/campaigns/{id}/schedule {"scheduled_at": "2026-03-02T09:00:00Z"}
func (s *Server) scheduleCampaign(w http.ResponseWriter, r *http.Request) {
	c := s.campaignFor(w, r)
	if c == nil {
		return
	}
	var req scheduleRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.ScheduledAt.IsZero() {
		httputil.BadRequest(w, "scheduled_at is required")
		return
	}
	out, err := s.campaigns.Schedule(r.Context(), c.ID, req.ScheduledAt)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, out)
}

//	POST /api/v1/campaigns/{id}/duplicate
func (s *Server) duplicateCampaign(w http.ResponseWriter, r *http.Request) {
	c := s.campaignFor(w, r)
	if c == nil {
		return
	}
	out, err := s.campaigns.Duplicate(r.Context(), c.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, out)
}

//	POST /api/v1/campaigns/{id}/retry_failed
func (s *Server) retryFailed(w http.ResponseWriter, r *http.Request) {
	c := s.campaignFor(w, r)
	if c == nil {
		return
	}
	n, err := s.campaigns.RetryFailed(r.Context(), c.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, map[string]int{"requeued": n})
}

type winnerRequest struct {
	VariantID string `json:"variant_id"`
}

// An empty variant_id picks the winner by the campaign's criteria.
//
//	POST /api/v1/campaigns/{id}/select_ab_winner {"variant_id": "..."}
func (s *Server) selectABWinner(w http.ResponseWriter, r *http.Request) {
	c := s.campaignFor(w, r)
	if c == nil {
		return
	}
	var req winnerRequest
	if r.ContentLength != 0 && !httputil.Decode(w, r, &req) {
		return
	}
	v, err := s.campaigns.SelectABWinner(r.Context(), c.ID, req.VariantID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, v)
}

//	GET /api/v1/campaigns/{id}/preview?contact_id=...
func (s *Server) previewCampaign(w http.ResponseWriter, r *http.Request) {
	c := s.campaignFor(w, r)
	if c == nil {
		return
	}
	contactID := r.URL.Query().Get("contact_id")
	if contactID == "" {
		httputil.BadRequest(w, "contact_id is required")
		return
	}
	p, err := s.campaigns.Preview(r.Context(), c.ID, contactID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, p)
}

//	GET /api/v1/campaigns/{id}/stats
func (s *Server) campaignStats(w http.ResponseWriter, r *http.Request) {
	c := s.campaignFor(w, r)
	if c == nil {
		return
	}
	st, err := s.campaigns.Stats(r.Context(), c.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, st)
}

//	GET /api/v1/campaigns/{id}/variants
func (s *Server) campaignVariants(w http.ResponseWriter, r *http.Request) {
	c := s.campaignFor(w, r)
	if c == nil {
		return
	}
	vs, err := s.campaigns.Variants(r.Context(), c.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if vs == nil {
		vs = []domain.ABVariant{}
	}
	httputil.OK(w, vs)
}

//	GET /api/v1/campaigns/{id}/recipients?status=failed&page=1&limit=100
func (s *Server) campaignRecipients(w http.ResponseWriter, r *http.Request) {
	c := s.campaignFor(w, r)
	if c == nil {
		return
	}
	p := ParsePagination(r, 100, 1000)
	f := store.RecipientFilter{CampaignID: c.ID, Limit: p.Limit, Offset: p.Offset}
	for _, st := range splitList(r.URL.Query().Get("status")) {
		f.Statuses = append(f.Statuses, domain.SendStatus(st))
	}
	rs, err := s.campaigns.Recipients(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if rs == nil {
		rs = []domain.Recipient{}
	}
	httputil.OK(w, newPage(rs, len(rs), p))
}

//	GET /api/v1/campaigns/{id}/logs?limit=100
func (s *Server) campaignLogs(w http.ResponseWriter, r *http.Request) {
	c := s.campaignFor(w, r)
	if c == nil {
		return
	}
	logs, err := s.campaigns.Logs(r.Context(), c.ID, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []domain.LogEntry{}
	}
	httputil.OK(w, logs)
}

// splitList parses a comma separated query value.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
