package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/pkg/logger"
	"github.com/ignite/coldreach/internal/service/sending"
)

// LogTransport accepts every message without delivering it. It keeps the
// most recent messages for inspection.
type LogTransport struct {
	mu   sync.Mutex
	keep int
	sent []sending.Email
}

// NewLogTransport creates a dry-run transport retaining up to keep messages.
func NewLogTransport(keep int) *LogTransport {
	return &LogTransport{keep: keep}
}

// Send logs the message and returns a synthetic id.
func (t *LogTransport) Send(ctx context.Context, account *domain.SendingAccount, email *sending.Email) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", sending.TransientError(err)
	}
	id := "dryrun-" + uuid.New().String()
	logger.Info("dry-run send",
		"account_id", account.ID,
		"to", email.To,
		"subject", email.Subject,
		"message_id", id,
	)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.keep > 0 {
		t.sent = append(t.sent, *email)
		if len(t.sent) > t.keep {
			t.sent = t.sent[len(t.sent)-t.keep:]
		}
	}
	return id, nil
}

// Sent returns a copy of the retained messages, oldest first.
func (t *LogTransport) Sent() []sending.Email {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sending.Email(nil), t.sent...)
}
