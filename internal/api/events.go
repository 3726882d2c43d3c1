package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/ingest"
	"github.com/ignite/coldreach/internal/pkg/httputil"
	"github.com/ignite/coldreach/internal/pkg/logger"
)

const (
	maxEventBody  = 4 << 20
	maxEventBatch = 500
)

// ingestResult reports a batch. Errors is keyed by the event's index in
// the request.
type ingestResult struct {
	Accepted int               `json:"accepted"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// ingestEvents accepts one event object or an array of them. A single event
// answers with the mapped error status; a batch reports per-event failures
// and only fails as a whole on transient errors.
//
//	POST /api/v1/events
func (s *Server) ingestEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		httputil.BadRequest(w, "unreadable body")
		return
	}
	body = bytes.TrimSpace(body)

	if len(body) == 0 || body[0] != '[' {
		e, err := ingest.Decode(body)
		if err == nil {
			err = s.ingest(r, e)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.Accepted(w, ingestResult{Accepted: 1})
		return
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		httputil.BadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if len(raw) > maxEventBatch {
		httputil.BadRequest(w, "too many events")
		return
	}
	res := ingestResult{Errors: map[string]string{}}
	for i, msg := range raw {
		e, err := ingest.Decode(msg)
		if err == nil {
			err = s.ingest(r, e)
		}
		switch {
		case err == nil:
			res.Accepted++
		case ingest.IsPermanent(err):
			res.Errors[strconv.Itoa(i)] = err.Error()
		default:
			writeError(w, err)
			return
		}
	}
	if len(res.Errors) == 0 {
		res.Errors = nil
	}
	httputil.Accepted(w, res)
}

func (s *Server) ingest(r *http.Request, e *domain.Event) error {
	if e.OrganizationID == "" {
		e.OrganizationID = orgID(r)
	}
	err := s.ingestor.Ingest(r.Context(), e)
	if err != nil && !ingest.IsPermanent(err) {
		logger.Error("event ingest failed", "type", e.Type, "dedup_key", e.DedupKey, "error", err)
	}
	return err
}
