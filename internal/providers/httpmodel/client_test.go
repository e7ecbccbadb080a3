package httpmodel

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/internal/research/domain"
	"deepresearch/internal/research/ports"
)

func newSSEServer(t *testing.T, lines []string, wantAuth string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantAuth != "" {
			assert.Equal(t, "Bearer "+wantAuth, r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}))
}

func collect(t *testing.T, events <-chan ports.ModelEvent) []ports.ModelEvent {
	t.Helper()
	var out []ports.ModelEvent
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestStream_EmitsTextDeltasAndFinish(t *testing.T) {
	srv := newSSEServer(t, []string{
		`{"choices":[{"delta":{"content":"hello "}}]}`,
		`{"choices":[{"delta":{"content":"world"},"finish_reason":"stop"}]}`,
		"[DONE]",
	}, "secret-key")
	defer srv.Close()

	client := New(srv.URL, "secret-key")
	events, err := client.Stream(context.Background(), "gpt-test", "system prompt", "hi")
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 3)
	assert.Equal(t, ports.ModelEventTextDelta, got[0].Kind)
	assert.Equal(t, "hello ", got[0].Text)
	assert.Equal(t, "world", got[1].Text)
	assert.Equal(t, ports.ModelEventFinish, got[2].Kind)
	assert.Equal(t, domain.FinishStop, got[2].FinishReason)
}

func TestStream_SkipsMalformedChunks(t *testing.T) {
	srv := newSSEServer(t, []string{
		`not-json`,
		`{"choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}]}`,
	}, "")
	defer srv.Close()

	client := New(srv.URL, "")
	events, err := client.Stream(context.Background(), "model", "", "prompt")
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, "ok", got[0].Text)
}

func TestStream_NonOKStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New(srv.URL, "")
	_, err := client.Stream(context.Background(), "model", "", "prompt")
	require.Error(t, err)
}

func TestMapFinishReason(t *testing.T) {
	c := New("http://example.invalid", "")
	assert.Equal(t, domain.FinishStop, c.mapFinishReason("stop"))
	assert.Equal(t, domain.FinishLength, c.mapFinishReason("length"))
	assert.Equal(t, domain.FinishContentFilter, c.mapFinishReason("content_filter"))
	assert.Equal(t, domain.FinishUnknown, c.mapFinishReason("something_else"))
}
