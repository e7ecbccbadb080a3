package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSink_SendAsyncPostsPayload(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	sink.SendAsync(context.Background(), "credit exhausted")

	select {
	case body := <-received:
		assert.Contains(t, body, "credit exhausted")
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never called")
	}
}

func TestWebhookSink_EmptyURLNeverDialsOut(t *testing.T) {
	sink := NewWebhookSink("")
	assert.NotPanics(t, func() {
		sink.SendAsync(context.Background(), "message")
		time.Sleep(10 * time.Millisecond)
	})
}

func TestJSONQuote_EscapesSpecialCharacters(t *testing.T) {
	out := jsonQuote("line1\nline2\t\"quoted\"\\")
	require.Equal(t, `"line1\nline2\t\"quoted\"\\"`, out)
}

func TestNoopSink_NeverPanics(t *testing.T) {
	var sink NoopSink
	assert.NotPanics(t, func() { sink.SendAsync(context.Background(), "ignored") })
}
