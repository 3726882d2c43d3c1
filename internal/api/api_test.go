package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/coldreach/internal/api"
	"github.com/ignite/coldreach/internal/contacts"
	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/executor"
	"github.com/ignite/coldreach/internal/ingest"
	"github.com/ignite/coldreach/internal/pkg/keylock"
	"github.com/ignite/coldreach/internal/ratelimit"
	"github.com/ignite/coldreach/internal/render"
	"github.com/ignite/coldreach/internal/repository/memory"
	"github.com/ignite/coldreach/internal/resolver"
	"github.com/ignite/coldreach/internal/scheduler"
	"github.com/ignite/coldreach/internal/service/campaign"
	"github.com/ignite/coldreach/internal/service/sequence"
	"github.com/ignite/coldreach/internal/service/suppression"
	"github.com/ignite/coldreach/internal/transport"
)

const (
	org   = "org"
	token = "s3cret"
)

type testServer struct {
	router chi.Router
	store  *memory.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := memory.New()
	dir := contacts.NewMemoryDirectory()
	for i := 0; i < 3; i++ {
		dir.Put(domain.Contact{
			ID: fmt.Sprintf("c-%d", i), OrganizationID: org, Email: fmt.Sprintf("c%d@example.com", i),
			FirstName: "Ada", Status: domain.ContactActive, ListIDs: []string{"leads"},
		})
	}
	supp := suppression.NewService(st)
	res := resolver.New(dir, supp, st)
	locks := keylock.New()
	exec := executor.New(st, res, ratelimit.NewMemoryLimiter(), transport.NewLogTransport(0), render.NewRenderer(),
		scheduler.NewQueue(50*time.Millisecond), locks, executor.Config{RetryBase: time.Minute, RetryMax: time.Hour})
	campaigns := campaign.NewService(st, exec, res, nil)
	sequences := sequence.NewService(st, exec, res, dir, nil, nil, nil)
	in := ingest.New(st, dir, supp, nil, nil, locks, ingest.Config{})
	in.SetStopper(sequences)

	require.NoError(t, st.SaveAccount(context.Background(), &domain.SendingAccount{
		ID: "acct-1", OrganizationID: org, Email: "sdr@out.example", FromName: "Grace",
		Status: domain.AccountActive, DailyLimit: 100,
	}))

	srv := api.NewServer(campaigns, sequences, in, supp, nil, api.Options{IngestToken: token})
	return &testServer{router: srv.Routes(), store: st}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Organization-ID", org)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func campaignBody(lists ...string) campaign.Input {
	if len(lists) == 0 {
		lists = []string{"leads"}
	}
	return campaign.Input{
		Name:       "Q1 outreach",
		Subject:    "Hi {{ first_name }}",
		Body:       "Hello {{ first_name }}",
		Target:     domain.TargetCriteria{IncludeListIDs: lists},
		AccountIDs: []string{"acct-1"},
	}
}

func (ts *testServer) createCampaign(t *testing.T, in campaign.Input) domain.Campaign {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/campaigns", in)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[domain.Campaign](t, rec)
}

// ============================================================================
// HEALTH & AUTH
// ============================================================================

func TestHealth_NoDependencies(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	h := decode[api.HealthStatus](t, rec)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "not_configured", h.Checks["database"].Status)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health/ready", nil).Code)
}

func TestOrganizationRequired(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/campaigns", nil, "X-Organization-ID", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// ============================================================================
// CAMPAIGNS
// ============================================================================

func TestCampaigns_CRUD(t *testing.T) {
	ts := newTestServer(t)
	c := ts.createCampaign(t, campaignBody())
	assert.Equal(t, domain.CampaignDraft, c.Status)
	assert.Equal(t, org, c.OrganizationID)

	rec := ts.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID, nil, "X-Organization-ID", "other-org")
	assert.Equal(t, http.StatusNotFound, rec.Code, "campaigns of other organizations are invisible")

	in := campaignBody()
	in.Name = "Renamed"
	rec = ts.do(t, http.MethodPut, "/api/v1/campaigns/"+c.ID, in)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Renamed", decode[domain.Campaign](t, rec).Name)

	rec = ts.do(t, http.MethodGet, "/api/v1/campaigns?status=draft", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[struct {
		Data []domain.Campaign `json:"data"`
	}](t, rec)
	assert.Len(t, page.Data, 1)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/v1/campaigns/"+c.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID, nil).Code)
}

func TestCampaigns_ValidationErrors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/campaigns", campaign.Input{Subject: "no name"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/campaigns", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	c := ts.createCampaign(t, campaignBody())
	rec = ts.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/schedule", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "scheduled_at is required")
}

func TestCampaigns_Lifecycle(t *testing.T) {
	ts := newTestServer(t)
	c := ts.createCampaign(t, campaignBody())

	rec := ts.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/prepare", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.CampaignSending, decode[domain.Campaign](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "only paused campaigns resume")

	rec = ts.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.CampaignPaused, decode[domain.Campaign](t, rec).Status)

	rec = ts.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID+"/recipients?status=queued", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	recips := decode[struct {
		Data []domain.Recipient `json:"data"`
	}](t, rec)
	assert.Len(t, recips.Data, 3)

	rec = ts.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID+"/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[campaign.Stats](t, rec)
	assert.Equal(t, 3, stats.ByStatus[domain.StatusSkipped])

	rec = ts.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[[]domain.LogEntry](t, rec))

	rec = ts.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/duplicate", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	dup := decode[domain.Campaign](t, rec)
	assert.NotEqual(t, c.ID, dup.ID)
	assert.Equal(t, domain.CampaignDraft, dup.Status)
}

func TestCampaigns_StartPreconditions(t *testing.T) {
	ts := newTestServer(t)
	c := ts.createCampaign(t, campaignBody("empty-list"))

	rec := ts.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/select_ab_winner", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "campaign has no a/b test")
}

func TestCampaigns_Preview(t *testing.T) {
	ts := newTestServer(t)
	c := ts.createCampaign(t, campaignBody())

	rec := ts.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID+"/preview", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID+"/preview?contact_id=c-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decode[executor.Preview](t, rec)
	assert.Equal(t, "Hi Ada", p.Subject)
}

// ============================================================================
// SEQUENCES
// ============================================================================

func (ts *testServer) activeSequence(t *testing.T) domain.Sequence {
	t.Helper()
	in := sequence.Input{
		Name:       "Outbound",
		AccountIDs: []string{"acct-1"},
		Stop:       domain.StopConditions{OnReply: true},
		Steps: []domain.Step{
			{ID: "s1", Kind: domain.StepEmail, Email: &domain.EmailStep{Subject: "Hi {{ first_name }}", Body: "Hello"}},
		},
	}
	rec := ts.do(t, http.MethodPost, "/api/v1/sequences", in)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	q := decode[domain.Sequence](t, rec)

	rec = ts.do(t, http.MethodPost, "/api/v1/sequences/"+q.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[domain.Sequence](t, rec)
}

func TestSequences_EnrollAndStop(t *testing.T) {
	ts := newTestServer(t)
	q := ts.activeSequence(t)
	assert.Equal(t, domain.SequenceActive, q.Status)

	rec := ts.do(t, http.MethodPost, "/api/v1/sequences/"+q.ID+"/enroll", map[string]string{"contact_id": "c-0"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	en := decode[domain.Enrollment](t, rec)

	rec = ts.do(t, http.MethodPost, "/api/v1/sequences/"+q.ID+"/enroll", map[string]string{"contact_id": "c-0"})
	assert.Equal(t, http.StatusConflict, rec.Code, "one open enrollment per contact")

	rec = ts.do(t, http.MethodPost, "/api/v1/enrollments/"+en.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.EnrollmentPaused, decode[domain.Enrollment](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/api/v1/enrollments/"+en.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.EnrollmentStopped, decode[domain.Enrollment](t, rec).Status)

	rec = ts.do(t, http.MethodGet, "/api/v1/enrollments/"+en.ID+"/executions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/enrollments/"+en.ID, nil, "X-Organization-ID", "other-org")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSequences_BulkEnroll(t *testing.T) {
	ts := newTestServer(t)
	q := ts.activeSequence(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/sequences/"+q.ID+"/bulk_enroll",
		map[string][]string{"contact_ids": {"c-0", "c-1", "missing"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[sequence.BulkResult](t, rec)
	assert.ElementsMatch(t, []string{"c-0", "c-1"}, res.Enrolled)
	assert.Contains(t, res.Errors, "missing")

	rec = ts.do(t, http.MethodGet, "/api/v1/sequences/"+q.ID+"/enrollments?status=active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[struct {
		Data []domain.Enrollment `json:"data"`
	}](t, rec)
	assert.Len(t, page.Data, 2)

	rec = ts.do(t, http.MethodGet, "/api/v1/sequences/"+q.ID+"/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[sequence.Stats](t, rec).Enrolled)
}

func TestSequences_EnrollRequiresActive(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/sequences", sequence.Input{
		Name:  "Draft",
		Steps: []domain.Step{{ID: "s1", Kind: domain.StepEmail, Email: &domain.EmailStep{Subject: "x", Body: "y"}}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	q := decode[domain.Sequence](t, rec)

	rec = ts.do(t, http.MethodPost, "/api/v1/sequences/"+q.ID+"/enroll", map[string]string{"contact_id": "c-0"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/sequences/"+q.ID+"/steps/s1/preview?contact_id=c-0", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodGet, "/api/v1/sequences/"+q.ID+"/steps/nope/preview?contact_id=c-0", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ============================================================================
// EVENTS & SUPPRESSIONS
// ============================================================================

func TestEvents_RequireToken(t *testing.T) {
	ts := newTestServer(t)
	body := `{"type":"opened","recipient_id":"r-1"}`

	rec := ts.do(t, http.MethodPost, "/api/v1/events", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/events", body, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEvents_SingleAndBatch(t *testing.T) {
	ts := newTestServer(t)
	c := ts.createCampaign(t, campaignBody())
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", nil).Code)

	rec := ts.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID+"/recipients", nil)
	recips := decode[struct {
		Data []domain.Recipient `json:"data"`
	}](t, rec)
	require.NotEmpty(t, recips.Data)
	rid := recips.Data[0].ID
	auth := []string{"Authorization", "Bearer " + token}

	rec = ts.do(t, http.MethodPost, "/api/v1/events", `{"type":"opened","recipient_id":"nope"}`, auth...)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/events", `{"type":"teleported","recipient_id":"`+rid+`"}`, auth...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/events", `{"type":"opened","recipient_id":"`+rid+`","dedup_key":"k1"}`, auth...)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	batch := `[{"type":"clicked","recipient_id":"` + rid + `","dedup_key":"k2"},{"type":"opened","recipient_id":"gone"}]`
	rec = ts.do(t, http.MethodPost, "/api/v1/events", batch, auth...)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	res := decode[struct {
		Accepted int               `json:"accepted"`
		Errors   map[string]string `json:"errors"`
	}](t, rec)
	assert.Equal(t, 1, res.Accepted)
	assert.Contains(t, res.Errors, "1")
}

func TestSuppressions(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/suppressions", map[string]string{"email": "Ada@Example.com"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/suppressions", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/suppressions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Total int `json:"total"`
	}](t, rec)
	assert.Equal(t, 1, list.Total)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/v1/suppressions/ada@example.com", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/v1/suppressions/ada@example.com", nil).Code)
}
