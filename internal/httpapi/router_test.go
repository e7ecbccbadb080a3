package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"deepresearch/internal/research/app"
	"deepresearch/internal/research/ports"
)

func newTestRouter(t *testing.T, verifier ports.AuthVerifier) http.Handler {
	t.Helper()
	store := app.NewInMemoryTaskStore()
	manager := app.NewManager(store)
	t.Cleanup(manager.Destroy)
	mux := app.NewStreamMultiplexer(manager)
	gate := NewReadinessGate()
	gate.MarkReady()

	return NewRouter(RouterDeps{
		Manager:     manager,
		Multiplex:   mux,
		RunnerFunc:  func() app.PipelineRunner { return scriptedRunner{} },
		AuthVerify:  verifier,
		Readiness:   gate,
		RateLimiter: NewRateLimiter(1000, 1000),
	})
}

func TestRouter_HealthzServedUnauthenticated(t *testing.T) {
	router := newTestRouter(t, &stubVerifier{result: ports.AuthResult{Valid: false, Error: "no"}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_StatsServedUnauthenticated(t *testing.T) {
	router := newTestRouter(t, &stubVerifier{result: ports.AuthResult{Valid: false, Error: "no"}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_SSERequiresAuth(t *testing.T) {
	router := newTestRouter(t, &stubVerifier{result: ports.AuthResult{Valid: false, Error: "missing credential"}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sse?query=hello", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_SSEWithNilVerifierPassesAuth(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/sse?query=hello", nil)
	router.ServeHTTP(rec, req)
	assert.NotEqual(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_UnknownRouteReturns404(t *testing.T) {
	router := newTestRouter(t, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nonexistent", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
