package httpapi

import (
	"net/http"

	"deepresearch/internal/logging"
	"deepresearch/internal/research/app"
	"deepresearch/internal/research/ports"
)

// RouterDeps bundles everything NewRouter needs to wire the engine's HTTP
// surface, mirroring the teacher's RouterDeps shape (§10.I).
type RouterDeps struct {
	Manager     *app.Manager
	Multiplex   *app.StreamMultiplexer
	RunnerFunc  func() app.PipelineRunner
	AuthVerify  ports.AuthVerifier
	Readiness   *ReadinessGate
	RateLimiter *RateLimiter
	Logger      logging.Logger
}

// NewRouter builds the engine's HTTP handler: `/api/sse`, `/api/stats`,
// `/healthz`, wrapped in the recover → request-id → auth → rate-limit
// middleware chain of §10.I.
func NewRouter(deps RouterDeps) http.Handler {
	logger := logging.OrNop(deps.Logger)

	sseHandler := NewSSEHandler(deps.Manager, deps.Multiplex, deps.RunnerFunc)
	statsHandler := NewStatsHandler(deps.Manager)
	healthHandler := NewHealthHandler(deps.Readiness)

	// /api/sse carries the full chain of §10.I: recover → request-id →
	// auth → rate-limit. /healthz and /api/stats skip auth so
	// orchestrators and dashboards can probe them unauthenticated; they
	// still get recover/request-id/rate-limit.
	sseChain := Chain(sseHandler,
		RecoverMiddleware(logger),
		RequestIDMiddleware(),
		AuthMiddleware(deps.AuthVerify, logger),
		RateLimitMiddleware(deps.RateLimiter),
	)
	unauthenticatedChain := func(h http.Handler) http.Handler {
		return Chain(h,
			RecoverMiddleware(logger),
			RequestIDMiddleware(),
			RateLimitMiddleware(deps.RateLimiter),
		)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /api/sse", sseChain)
	mux.Handle("GET /api/stats", unauthenticatedChain(statsHandler))
	mux.Handle("GET /healthz", unauthenticatedChain(healthHandler))

	return mux
}
