// Package sending defines the contract between the engine and whatever
// actually delivers mail.
//
// The executor renders a message, reserves quota for the sending account and
// then hands the message to a Transport. Transports classify their failures
// with *Error so the executor can tell a retryable hiccup from a message
// that will never be accepted.
package sending

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/ignite/coldreach/internal/domain"
)

// Email is one fully rendered outgoing message.
type Email struct {
	To        string
	FromName  string
	FromEmail string
	ReplyTo   string
	Subject   string
	Body      string
	IsHTML    bool
	Headers   map[string]string

	// Correlation ids; transports attach them as tags or headers so tracking
	// events can be joined back to the send record.
	CampaignID      string
	RecipientID     string
	SequenceID      string
	StepExecutionID string
}

// Transport sends a single email through an account. Implementations must be
// safe for concurrent use and must honor ctx cancellation.
type Transport interface {
	Send(ctx context.Context, account *domain.SendingAccount, email *Email) (messageID string, err error)
}

// ErrorKind classifies a transport failure.
type ErrorKind string

const (
	// Transient failures are retried with backoff.
	Transient ErrorKind = "transient"
	// Permanent failures fail the send record immediately.
	Permanent ErrorKind = "permanent"
)

// Error is a classified transport failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s transport error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// TransientError wraps err as retryable.
func TransientError(err error) error { return &Error{Kind: Transient, Err: err} }

// PermanentError wraps err as non-retryable.
func PermanentError(err error) error { return &Error{Kind: Permanent, Err: err} }

// IsTransient reports whether err should be retried. Unclassified errors are
// transient when they are timeouts, cancellations of the per-send deadline or
// network errors, and permanent otherwise.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
