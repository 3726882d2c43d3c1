package ingest

import "errors"

// Sentinel errors for event ingestion.
var (
	ErrInvalidEvent  = errors.New("invalid event")
	ErrUnknownTarget = errors.New("event target not found")
)

// IsPermanent reports whether retrying err can never succeed. Sources drop
// such messages instead of redelivering them.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidEvent) || errors.Is(err, ErrUnknownTarget)
}
