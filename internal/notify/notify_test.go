package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/coldreach/internal/pkg/httpretry"
)

type captured struct {
	mu     sync.Mutex
	bodies []Notification
	sigs   []string
}

func (c *captured) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var n Notification
		_ = json.Unmarshal(raw, &n)
		c.mu.Lock()
		c.bodies = append(c.bodies, n)
		c.sigs = append(c.sigs, r.Header.Get(SignatureHeader))
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (c *captured) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func TestWebhookSink_RoutesAndSigns(t *testing.T) {
	var replies, all captured
	replySrv := httptest.NewServer(replies.handler(http.StatusOK))
	defer replySrv.Close()
	allSrv := httptest.NewServer(all.handler(http.StatusNoContent))
	defer allSrv.Close()

	sink := NewWebhookSink(http.DefaultClient, map[string][]string{
		EventReply: {replySrv.URL},
		"*":        {allSrv.URL},
	}, "s3cret", time.Second)

	require.NoError(t, sink.Notify(context.Background(), Notification{Event: EventReply, ContactID: "c1"}))
	require.NoError(t, sink.Notify(context.Background(), Notification{Event: EventHotLead, ContactID: "c2"}))

	require.Equal(t, 1, replies.len())
	assert.Equal(t, "c1", replies.bodies[0].ContactID)
	assert.NotEmpty(t, replies.bodies[0].ID)
	assert.Len(t, replies.sigs[0], 64)
	assert.Equal(t, 2, all.len())
}

func TestWebhookSink_URLOverride(t *testing.T) {
	var step captured
	srv := httptest.NewServer(step.handler(http.StatusOK))
	defer srv.Close()

	sink := NewWebhookSink(http.DefaultClient, nil, "", time.Second)
	require.NoError(t, sink.Notify(context.Background(), Notification{Event: EventSequenceWebhook, URL: srv.URL}))
	assert.Equal(t, 1, step.len())
	assert.Empty(t, step.sigs[0])
}

func TestWebhookSink_ReportsFailure(t *testing.T) {
	var bad captured
	srv := httptest.NewServer(bad.handler(http.StatusServiceUnavailable))
	defer srv.Close()

	client := httpretry.NewRetryClient(srv.Client(), 2, httpretry.WithBackoff(time.Millisecond, time.Millisecond))
	sink := NewWebhookSink(client, map[string][]string{EventReply: {srv.URL}}, "", time.Second)
	err := sink.Notify(context.Background(), Notification{Event: EventReply})
	require.Error(t, err)
	assert.Equal(t, 3, bad.len())
}

type recorder struct {
	mu sync.Mutex
	ns []Notification
}

func (r *recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	r.ns = append(r.ns, n)
	r.mu.Unlock()
	return nil
}

func TestAsync_DeliversOnStop(t *testing.T) {
	rec := &recorder{}
	a := NewAsync(rec, 10, 2)
	a.Start()
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Notify(context.Background(), Notification{Event: EventReply}))
	}
	a.Stop()
	assert.Len(t, rec.ns, 5)
}

func TestMulti_JoinsErrors(t *testing.T) {
	rec := &recorder{}
	failing := NewWebhookSink(http.DefaultClient, map[string][]string{"*": {"http://127.0.0.1:0/none"}}, "", 100*time.Millisecond)
	err := Multi{rec, failing}.Notify(context.Background(), Notification{Event: EventReply})
	assert.Error(t, err)
	assert.Len(t, rec.ns, 1)
}
