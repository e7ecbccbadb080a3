// Package httpmodel provides the default reference implementation of the
// model provider port (§10.E): an OpenAI-compatible chat-completions client
// that streams server-sent `data:` lines back as text-delta events.
package httpmodel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"deepresearch/internal/logging"
	"deepresearch/internal/research/domain"
	"deepresearch/internal/research/ports"
)

// Client implements ports.ModelClient against a configurable
// OpenAI-compatible chat-completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client (timeouts, transport).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger overrides the default component logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) {
		if !logging.IsNil(logger) {
			c.logger = logger
		}
	}
}

// New builds a Client against baseURL (e.g. "https://api.openai.com/v1")
// authenticated with apiKey.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     logging.NewComponentLogger("httpmodel"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Stream implements ports.ModelClient: posts a chat-completions request
// with stream=true and relays server-sent `data:` lines as text-delta
// events, followed by a finish event carrying the mapped finish reason.
func (c *Client) Stream(ctx context.Context, model, system, prompt string) (<-chan ports.ModelEvent, error) {
	messages := []chatMessage{}
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{Model: model, Stream: true, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("httpmodel: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httpmodel: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpmodel: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("httpmodel: provider returned status %d", resp.StatusCode)
	}

	events := make(chan ports.ModelEvent, 16)
	go c.pump(resp.Body, events)
	return events, nil
}

// pump reads the SSE body line by line, forwarding each delta's content as
// a text-delta event and emitting a final finish event once the stream
// closes or the provider sends the `[DONE]` sentinel.
func (c *Client) pump(body io.ReadCloser, events chan<- ports.ModelEvent) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	finish := domain.FinishUnknown
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Warn("httpmodel: malformed stream chunk: %v", err)
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				events <- ports.ModelEvent{Kind: ports.ModelEventTextDelta, Text: choice.Delta.Content}
			}
			if choice.FinishReason != nil {
				finish = c.mapFinishReason(*choice.FinishReason)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("httpmodel: stream read error: %v", err)
	}

	events <- ports.ModelEvent{Kind: ports.ModelEventFinish, FinishReason: finish}
}

func (c *Client) mapFinishReason(raw string) domain.FinishReason {
	switch raw {
	case "stop":
		return domain.FinishStop
	case "length":
		return domain.FinishLength
	case "content_filter":
		return domain.FinishContentFilter
	default:
		return domain.FinishUnknown
	}
}
