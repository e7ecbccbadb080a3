// Package ports declares the interfaces the research engine depends on but
// does not implement itself: the task store, the model/search provider
// clients, the notification sink, and the auth verifier (§6). Concrete
// implementations live in internal/research/app (store) and
// internal/providers (model/search/notify/auth).
package ports

import (
	"context"
	"time"

	"deepresearch/internal/research/domain"
)

// TaskStore is the durable key/value task record store of §4.A.
type TaskStore interface {
	Upsert(ctx context.Context, record *domain.Record) error
	Get(ctx context.Context, id string) (*domain.Record, error)
	List(ctx context.Context, limit, offset int) ([]*domain.Record, int, error)
	Rename(ctx context.Context, id, newID string) error
	Delete(ctx context.Context, id string) error
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// ModelEventKind enumerates the model-stream event shapes used by §6's
// model provider port.
type ModelEventKind string

const (
	ModelEventTextDelta ModelEventKind = "text-delta"
	ModelEventReasoning ModelEventKind = "reasoning"
	ModelEventSource    ModelEventKind = "source"
	ModelEventFinish    ModelEventKind = "finish"
)

// ModelEvent is one item of a model stream.
type ModelEvent struct {
	Kind         ModelEventKind
	Text         string
	SourceURL    string
	SourceTitle  string
	FinishReason domain.FinishReason
}

// ModelClient is the opaque language-model provider port (§6). Stream
// emits the full event sequence for one call; implementations close the
// channel when the stream ends (after a finish event) or ctx is cancelled.
type ModelClient interface {
	Stream(ctx context.Context, model, system, prompt string) (<-chan ModelEvent, error)
}

// SearchSource is one result returned by the search provider.
type SearchSource struct {
	URL     string
	Title   string
	Content string
}

// SearchImage is one inline image reference returned by the search
// provider.
type SearchImage struct {
	URL         string
	Description string
}

// SearchOptions configures a single search call.
type SearchOptions struct {
	MaxResults int
	APIKey     string
}

// SearchResult is what the search provider returns for one query.
type SearchResult struct {
	Sources []SearchSource
	Images  []SearchImage
}

// SearchClient is the opaque web-search provider port (§6).
type SearchClient interface {
	Search(ctx context.Context, query string, opts SearchOptions) (SearchResult, error)
}

// NotificationSink is the non-blocking, best-effort notification side
// channel used for credit/quota exhaustion alerts (§4.H, §7).
type NotificationSink interface {
	SendAsync(ctx context.Context, message string)
}

// AuthConfig is whatever the verifier resolves for an authenticated
// request: a bag of string values. The SSE handler copies its locale,
// timezone, deviceClass and sourceEnv entries into the task's Attribution
// (§10.C).
type AuthConfig map[string]string

// AuthResult is the verdict returned by the Auth Verifier port.
type AuthResult struct {
	Valid  bool
	Error  string
	Config AuthConfig
}

// AuthVerifier is the pluggable request-authentication port (§6, §10.I).
type AuthVerifier interface {
	Verify(ctx context.Context, token string) (AuthResult, error)
}

// Subscriber is a connected streaming session for a given task id (§4.F).
type Subscriber interface {
	// Emit delivers one output chunk. Implementations must not block for
	// long; a slow consumer is the transport's problem, not the task
	// manager's.
	Emit(chunk string)
	// Progress delivers a progress/status update.
	Progress(record domain.Record)
	// Done signals the task reached a terminal state.
	Done(record domain.Record)
}
