package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/coldreach/internal/pkg/httpretry"
	"github.com/ignite/coldreach/internal/pkg/logger"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is
// configured.
const SignatureHeader = "X-Coldreach-Signature"

// WebhookSink POSTs notifications as JSON.
type WebhookSink struct {
	client    httpretry.HTTPDoer
	endpoints map[string][]string // event -> urls; "*" matches every event
	secret    []byte
	timeout   time.Duration
}

// NewWebhookSink creates a sink. client is usually an httpretry.RetryClient.
func NewWebhookSink(client httpretry.HTTPDoer, endpoints map[string][]string, secret string, timeout time.Duration) *WebhookSink {
	if client == nil {
		client = httpretry.NewRetryClient(nil, 3)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookSink{client: client, endpoints: endpoints, secret: []byte(secret), timeout: timeout}
}

func (s *WebhookSink) targets(n Notification) []string {
	if n.URL != "" {
		return []string{n.URL}
	}
	out := append([]string(nil), s.endpoints[n.Event]...)
	return append(out, s.endpoints["*"]...)
}

// Notify implements Sink. Every target is attempted; the first error is
// returned.
func (s *WebhookSink) Notify(ctx context.Context, n Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.OccurredAt.IsZero() {
		n.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	var first error
	for _, url := range s.targets(n) {
		if err := s.post(ctx, url, n.Event, body); err != nil {
			logger.Warn("webhook delivery failed", "event", n.Event, "url", url, "error", err.Error())
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (s *WebhookSink) post(ctx context.Context, url, event string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Coldreach-Event", event)
	if len(s.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %d", url, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
