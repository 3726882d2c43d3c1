package api

import (
	"errors"
	"net/http"

	"github.com/ignite/coldreach/internal/ingest"
	"github.com/ignite/coldreach/internal/pkg/httputil"
	"github.com/ignite/coldreach/internal/resolver"
	"github.com/ignite/coldreach/internal/service/campaign"
	"github.com/ignite/coldreach/internal/service/sequence"
	"github.com/ignite/coldreach/internal/service/suppression"
	"github.com/ignite/coldreach/internal/store"
)

var statusBySentinel = []struct {
	err    error
	status int
}{
	{campaign.ErrNotFound, http.StatusNotFound},
	{sequence.ErrNotFound, http.StatusNotFound},
	{sequence.ErrEnrollmentNotFound, http.StatusNotFound},
	{suppression.ErrNotFound, http.StatusNotFound},
	{ingest.ErrUnknownTarget, http.StatusNotFound},
	{store.ErrNotFound, http.StatusNotFound},

	{campaign.ErrInvalidCampaign, http.StatusBadRequest},
	{sequence.ErrInvalidSequence, http.StatusBadRequest},
	{ingest.ErrInvalidEvent, http.StatusBadRequest},
	{suppression.ErrEmailMissing, http.StatusBadRequest},

	{campaign.ErrInvalidTransition, http.StatusConflict},
	{campaign.ErrNotEditable, http.StatusConflict},
	{campaign.ErrWinnerSelected, http.StatusConflict},
	{sequence.ErrInvalidTransition, http.StatusConflict},
	{sequence.ErrNotEditable, http.StatusConflict},
	{sequence.ErrAlreadyEnrolled, http.StatusConflict},
	{store.ErrWinnerLocked, http.StatusConflict},
	{store.ErrActiveEnrollment, http.StatusConflict},
	{store.ErrConflict, http.StatusConflict},

	{campaign.ErrNoRecipients, http.StatusUnprocessableEntity},
	{campaign.ErrNoAccounts, http.StatusUnprocessableEntity},
	{campaign.ErrNoABTest, http.StatusUnprocessableEntity},
	{sequence.ErrNotActive, http.StatusUnprocessableEntity},
	{resolver.ErrNoTargets, http.StatusUnprocessableEntity},
	{resolver.ErrSuppressed, http.StatusUnprocessableEntity},
	{resolver.ErrNoEmail, http.StatusUnprocessableEntity},
}

// statusFor maps a service error to its HTTP status; 0 means unknown.
func statusFor(err error) int {
	for _, m := range statusBySentinel {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return 0
}

// writeError responds with the mapped status and the error text. Unknown
// errors are logged and answered with a generic 500.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == 0 {
		httputil.InternalError(w, err)
		return
	}
	httputil.Error(w, status, err.Error())
}
