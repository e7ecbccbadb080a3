// Package auth provides reference implementations of the auth verifier
// port (§10.E, §10.I): a default no-op verifier and a static-token
// verifier for single-tenant deployments.
package auth

import (
	"context"

	"deepresearch/internal/research/ports"
)

// NoopVerifier accepts every request unauthenticated, attaching no config
// overrides. This is the default when no auth is configured.
type NoopVerifier struct{}

// Verify implements ports.AuthVerifier as an always-valid pass-through.
func (NoopVerifier) Verify(context.Context, string) (ports.AuthResult, error) {
	return ports.AuthResult{Valid: true}, nil
}

// StaticTokenVerifier accepts a fixed set of bearer tokens, each mapped to
// an AuthConfig of overrides (locale, timezone, deviceClass, sourceEnv)
// copied into the authenticated request's Attribution (§10.C).
type StaticTokenVerifier struct {
	tokens map[string]ports.AuthConfig
}

// NewStaticTokenVerifier builds a verifier from a map of token to the
// AuthConfig it resolves to. A token with a nil AuthConfig still
// authenticates but contributes no overrides.
func NewStaticTokenVerifier(tokens map[string]ports.AuthConfig) *StaticTokenVerifier {
	v := &StaticTokenVerifier{tokens: make(map[string]ports.AuthConfig, len(tokens))}
	for token, cfg := range tokens {
		if cfg == nil {
			cfg = ports.AuthConfig{}
		}
		v.tokens[token] = cfg
	}
	return v
}

// Verify implements ports.AuthVerifier: looks the bearer token up in the
// static table, rejecting unknown or empty tokens.
func (v *StaticTokenVerifier) Verify(_ context.Context, token string) (ports.AuthResult, error) {
	if token == "" {
		return ports.AuthResult{Valid: false, Error: "missing credential"}, nil
	}
	cfg, ok := v.tokens[token]
	if !ok {
		return ports.AuthResult{Valid: false, Error: "unknown credential"}, nil
	}
	return ports.AuthResult{Valid: true, Config: cfg}, nil
}
