// Package notify provides reference implementations of the notification
// sink port (§10.E): best-effort, non-blocking delivery of credit/quota
// exhaustion alerts (§4.H, §7).
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"deepresearch/internal/async"
	errs "deepresearch/internal/errors"
	"deepresearch/internal/logging"
	"deepresearch/internal/metrics"
)

// WebhookSink posts notification messages to a webhook URL (e.g. Slack's
// incoming-webhook format) in a background goroutine so SendAsync never
// blocks the caller.
type WebhookSink struct {
	webhookURL string
	httpClient *http.Client
	logger     logging.Logger
}

// Option configures a WebhookSink.
type Option func(*WebhookSink)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *WebhookSink) {
		if hc != nil {
			s.httpClient = hc
		}
	}
}

// WithLogger overrides the default component logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *WebhookSink) {
		if !logging.IsNil(logger) {
			s.logger = logger
		}
	}
}

// NewWebhookSink builds a WebhookSink posting to webhookURL. An empty
// webhookURL yields a sink that only logs, never dials out.
func NewWebhookSink(webhookURL string, opts ...Option) *WebhookSink {
	s := &WebhookSink{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logging.NewComponentLogger("notify"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// webhookRetryConfig bounds redelivery attempts for a single best-effort
// notification; a webhook is advisory, not a delivery guarantee, so this
// stays short rather than competing with the pipeline's own rotation
// backoff for the caller's attention.
var webhookRetryConfig = errs.RetryConfig{
	MaxAttempts:  2,
	BaseDelay:    500 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	JitterFactor: 0.25,
}

// SendAsync implements ports.NotificationSink. Delivery happens in a
// panic-guarded background goroutine decoupled from ctx's lifetime, since
// the caller (typically a failing pipeline stage) may already be
// unwinding by the time the notification lands.
func (s *WebhookSink) SendAsync(ctx context.Context, message string) {
	async.Go(s.logger, "notify.send", func() {
		s.logger.Info("notification: %s", message)
		metrics.NotificationsSentTotal.Inc()
		if s.webhookURL == "" {
			return
		}
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		err := errs.RetryWithLog(sendCtx, webhookRetryConfig, func(attemptCtx context.Context) error {
			body := strings.NewReader(`{"text":` + jsonQuote(message) + `}`)
			req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, s.webhookURL, body)
			if err != nil {
				return errs.NewPermanentError(err, "failed to build webhook request")
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := s.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return fmt.Errorf("webhook returned status %d", resp.StatusCode)
			}
			return nil
		}, s.logger)
		if err != nil {
			s.logger.Warn("notify: webhook delivery failed: %v", err)
		}
	})
}

// jsonQuote escapes message for embedding in a hand-built JSON payload.
func jsonQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// NoopSink discards every notification. Used when no webhook is
// configured and even the log-only WebhookSink is more than a deployment
// needs.
type NoopSink struct{}

// SendAsync implements ports.NotificationSink as a no-op.
func (NoopSink) SendAsync(context.Context, string) {}
