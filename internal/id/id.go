// Package id generates and propagates the identifiers this engine attaches
// to tasks, requests, and background runs: task/run ids, request correlation
// ids, and the parent-run linkage used when one task's pipeline spawns
// diagnostic sub-calls.
package id

import (
	"context"

	"github.com/google/uuid"
)

// IDs bundles the identifiers that travel together through a request's
// context.
type IDs struct {
	RunID         string
	ParentRunID   string
	RequestID     string
	CorrelationID string
}

type ctxKey struct{}

// WithIDs attaches a full IDs bundle to ctx, replacing any existing one.
func WithIDs(ctx context.Context, ids IDs) context.Context {
	return context.WithValue(ctx, ctxKey{}, ids)
}

// IDsFromContext returns the IDs bundle attached to ctx, or the zero value.
func IDsFromContext(ctx context.Context) IDs {
	if ctx == nil {
		return IDs{}
	}
	if ids, ok := ctx.Value(ctxKey{}).(IDs); ok {
		return ids
	}
	return IDs{}
}

// WithRunID returns a context carrying runID alongside any other ids already set.
func WithRunID(ctx context.Context, runID string) context.Context {
	ids := IDsFromContext(ctx)
	ids.RunID = runID
	return WithIDs(ctx, ids)
}

// RunIDFromContext returns the run id attached to ctx, or "".
func RunIDFromContext(ctx context.Context) string {
	return IDsFromContext(ctx).RunID
}

// WithParentRunID returns a context carrying parentRunID.
func WithParentRunID(ctx context.Context, parentRunID string) context.Context {
	ids := IDsFromContext(ctx)
	ids.ParentRunID = parentRunID
	return WithIDs(ctx, ids)
}

// ParentRunIDFromContext returns the parent run id attached to ctx, or "".
func ParentRunIDFromContext(ctx context.Context) string {
	return IDsFromContext(ctx).ParentRunID
}

// WithRequestID returns a context carrying requestID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	ids := IDsFromContext(ctx)
	ids.RequestID = requestID
	return WithIDs(ctx, ids)
}

// RequestIDFromContext returns the request id attached to ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	return IDsFromContext(ctx).RequestID
}

// NewRunID generates a fresh task/run identifier.
func NewRunID() string {
	return "run-" + uuid.NewString()
}

// NewRequestID generates a fresh per-request correlation identifier.
func NewRequestID() string {
	return "req-" + uuid.NewString()
}

// EnsureRunID returns ctx unchanged if it already carries a run id;
// otherwise it generates one, attaches it, and returns both.
func EnsureRunID(ctx context.Context) (context.Context, string) {
	if existing := RunIDFromContext(ctx); existing != "" {
		return ctx, existing
	}
	runID := NewRunID()
	return WithRunID(ctx, runID), runID
}
