package httpapi

import (
	"net/http"
	"sync/atomic"
)

// ReadinessGate flips to ready once bootstrap completes; /healthz consults
// it to return 503 during initialization (§6 exit conditions).
type ReadinessGate struct {
	ready atomic.Bool
}

// NewReadinessGate builds a gate starting in the not-ready state.
func NewReadinessGate() *ReadinessGate {
	return &ReadinessGate{}
}

// MarkReady flips the gate to ready. Idempotent.
func (g *ReadinessGate) MarkReady() { g.ready.Store(true) }

// Ready reports the current readiness state.
func (g *ReadinessGate) Ready() bool { return g.ready.Load() }

// NewHealthHandler serves /healthz: 200 once bootstrap has completed, 503
// during initialization.
func NewHealthHandler(gate *ReadinessGate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if gate == nil || !gate.Ready() {
			http.Error(w, "initializing", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
