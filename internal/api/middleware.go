package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/ignite/coldreach/internal/pkg/httputil"
)

type orgKey struct{}

// orgContext resolves the calling organization from X-Organization-ID,
// falling back to the configured default.
func (s *Server) orgContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org := strings.TrimSpace(r.Header.Get("X-Organization-ID"))
		if org == "" {
			org = s.opts.DefaultOrgID
		}
		if org == "" {
			httputil.Error(w, http.StatusUnauthorized, "organization is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), orgKey{}, org)))
	})
}

func orgID(r *http.Request) string {
	org, _ := r.Context().Value(orgKey{}).(string)
	return org
}

// requireIngestToken admits trusted event producers presenting the shared
// bearer token.
func (s *Server) requireIngestToken(next http.Handler) http.Handler {
	want := []byte(s.opts.IngestToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			httputil.Error(w, http.StatusUnauthorized, "invalid ingest token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
