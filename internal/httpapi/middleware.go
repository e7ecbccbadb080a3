// Package httpapi wires the research engine's HTTP transport: routing,
// middleware, and the SSE/stats/health handlers of §10.I. It depends on
// internal/research/app for orchestration and internal/research/ports for
// the auth verifier contract; it never reaches into internal/research/domain
// directly except to construct a domain.Params from a request.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"deepresearch/internal/id"
	"deepresearch/internal/logging"
	"deepresearch/internal/research/ports"
)

// RecoverMiddleware converts a panicking handler into a 500 response
// instead of crashing the process, logging the stack trace.
func RecoverMiddleware(logger logging.Logger) func(http.Handler) http.Handler {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic handling %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestIDMiddleware assigns a per-request correlation id, honoring an
// inbound X-Request-Id header, and echoes it back in the response.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if reqID == "" {
				reqID = id.NewRequestID()
			}
			ctx := id.WithRequestID(r.Context(), reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authConfigKey namespaces the resolved ports.AuthConfig in the request
// context for downstream handlers.
type authConfigKey struct{}

// AuthConfigFromContext returns the auth config resolved by AuthMiddleware,
// or nil if none was set.
func AuthConfigFromContext(ctx context.Context) ports.AuthConfig {
	if v, ok := ctx.Value(authConfigKey{}).(ports.AuthConfig); ok {
		return v
	}
	return nil
}

// AuthMiddleware verifies the bearer token (or API key header) against
// verifier and rejects the request with 401 on failure (§6 exit conditions).
// A nil verifier means auth is disabled and every request passes through.
func AuthMiddleware(verifier ports.AuthVerifier, logger logging.Logger) func(http.Handler) http.Handler {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				next.ServeHTTP(w, r)
				return
			}
			token := bearerToken(r)
			result, err := verifier.Verify(r.Context(), token)
			if err != nil {
				logger.Warn("auth verifier error: %v", err)
				http.Error(w, "authentication unavailable", http.StatusInternalServerError)
				return
			}
			if !result.Valid {
				http.Error(w, "unauthorized: "+result.Error, http.StatusUnauthorized)
				return
			}
			ctx := r.Context()
			if result.Config != nil {
				ctx = context.WithValue(ctx, authConfigKey{}, result.Config)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get("X-Api-Key")); apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return r.URL.Query().Get("token")
}

// tokenBucket is a minimal per-key rate limiter. No third-party limiter is
// wired here: none of the pack's example repos actually import one (x/time
// appears only as an unused transitive dependency elsewhere), so this one
// concern stays on a small hand-rolled token bucket rather than an
// ungrounded import.
type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// RateLimiter enforces a per-IP token bucket (§10.I "rate limiting
// (token-bucket per caller ip)").
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*tokenBucket
	rate     float64 // tokens per second
	burst    float64
	lastSwap time.Time
}

// NewRateLimiter builds a limiter allowing burst immediate requests per IP,
// refilling at ratePerSecond thereafter.
func NewRateLimiter(ratePerSecond float64, burst int) *RateLimiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		rate:    ratePerSecond,
		burst:   float64(burst),
	}
}

// Allow reports whether a request from key may proceed, consuming a token
// if so.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[key]
	if !ok {
		rl.buckets[key] = &tokenBucket{tokens: rl.burst - 1, lastRefill: now}
		rl.periodicSweep(now)
		return true
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * rl.rate
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// periodicSweep drops idle buckets so long-running processes don't
// accumulate one entry per distinct client forever. Called opportunistically
// under the lock rather than on its own ticker.
func (rl *RateLimiter) periodicSweep(now time.Time) {
	if now.Sub(rl.lastSwap) < time.Minute {
		return
	}
	rl.lastSwap = now
	for k, b := range rl.buckets {
		if now.Sub(b.lastRefill) > 10*time.Minute {
			delete(rl.buckets, k)
		}
	}
}

// RateLimitMiddleware rejects requests over the configured per-IP rate with
// 429. A nil limiter disables rate limiting.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			ip := clientIP(r)
			if !limiter.Allow(ip) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Chain applies middleware in the given order, first-listed runs outermost.
func Chain(handler http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		handler = mws[i](handler)
	}
	return handler
}
