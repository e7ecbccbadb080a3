package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient_ExplicitTypesTakePriority(t *testing.T) {
	assert.True(t, IsTransient(NewTransientError(stderrors.New("x"), "")))
	assert.False(t, IsTransient(NewPermanentError(stderrors.New("x"), "")))
}

func TestIsTransient_NetworkPatterns(t *testing.T) {
	assert.True(t, IsTransient(stderrors.New("dial tcp: connection refused")))
	assert.True(t, IsTransient(stderrors.New("context deadline exceeded")))
}

func TestIsTransient_HTTPStatusCodes(t *testing.T) {
	assert.True(t, IsTransient(stderrors.New("API error 429: rate limited")))
	assert.True(t, IsTransient(stderrors.New("HTTP 503: service unavailable")))
	assert.False(t, IsTransient(stderrors.New("HTTP 404: not found")))
}

func TestIsPermanent_StatusCodesAndPatterns(t *testing.T) {
	assert.True(t, IsPermanent(stderrors.New("status 401: unauthorized")))
	assert.True(t, IsPermanent(stderrors.New("permission denied")))
	assert.False(t, IsPermanent(stderrors.New("connection refused")))
}

func TestIsDegraded(t *testing.T) {
	assert.True(t, IsDegraded(NewDegradedError(stderrors.New("x"), "msg", "fallback")))
	assert.False(t, IsDegraded(stderrors.New("plain")))
}

func TestGetErrorType_PriorityOrder(t *testing.T) {
	assert.Equal(t, ErrorTypeDegraded, GetErrorType(NewDegradedError(stderrors.New("x"), "", "")))
	assert.Equal(t, ErrorTypeTransient, GetErrorType(NewTransientError(stderrors.New("x"), "")))
	assert.Equal(t, ErrorTypePermanent, GetErrorType(NewPermanentError(stderrors.New("x"), "")))
	assert.Equal(t, ErrorTypePermanent, GetErrorType(nil))
}

func TestFormatForLLM_PrefersCustomMessage(t *testing.T) {
	err := NewTransientError(stderrors.New("raw"), "friendly message")
	assert.Equal(t, "friendly message", FormatForLLM(err))
}

func TestFormatForLLM_ClassifiesCreditExhaustion(t *testing.T) {
	msg := FormatForLLM(stderrors.New("insufficient credit balance"))
	assert.Contains(t, msg, "credit or quota exhausted")
}

func TestFormatForLLM_ClassifiesConnectionRefused(t *testing.T) {
	msg := FormatForLLM(stderrors.New("dial tcp 127.0.0.1:443: connection refused"))
	assert.Contains(t, msg, "Provider endpoint is not reachable")
}

func TestFormatForLLM_FallsBackToOriginalMessage(t *testing.T) {
	msg := FormatForLLM(stderrors.New("something entirely unrecognized happened"))
	assert.Equal(t, "something entirely unrecognized happened", msg)
}

func TestFormatForLLM_NilErrorIsEmpty(t *testing.T) {
	assert.Equal(t, "", FormatForLLM(nil))
}
