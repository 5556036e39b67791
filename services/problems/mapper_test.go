package problems

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/inference-gateway/services"
	"github.com/upb/inference-gateway/services/providers"
	"github.com/upb/inference-gateway/utils"
)

func TestMap_Table(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = func() time.Time { return time.Now().UTC() } })

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"token budget", services.NewDomainError(services.ErrorTypeTokenBudget, "request token budget exceeded", nil), 400, CodeQuotaExceeded},
		{"max tokens", services.ErrMaxTokensExceeded, 400, CodeInvalidRequest},
		{"domain validation", services.ErrInvalidStrategy, 400, CodeInvalidRequest},
		{"request validation", &utils.ValidationError{Message: "Validation failed", Fields: map[string]string{"messages": "messages is required"}}, 400, CodeInvalidRequest},
		{"circuit open", services.ErrCircuitOpen, 503, CodeServiceUnavailable},
		{"bulkhead full", services.ErrBulkheadExceeded, 503, CodeServiceUnavailable},
		{"no eligible provider", services.ErrNoEligibleProvider, 503, CodeServiceUnavailable},
		{"provider timeout domain", services.ErrProviderTimeout, 503, CodeServiceUnavailable},
		{"transport timeout", &providers.ProviderError{Provider: "openai", Code: "TIMEOUT", Retryable: true, Timeout: true}, 503, CodeServiceUnavailable},
		{"exhausted retries", &providers.ProviderError{Provider: "openai", StatusCode: 429, Retryable: true, Attempts: 4}, 503, CodeServiceUnavailable},
		{"deadline exceeded", context.DeadlineExceeded, 503, CodeServiceUnavailable},
		{"wrapped deadline", fmt.Errorf("calling provider: %w", context.DeadlineExceeded), 503, CodeServiceUnavailable},
		{"fatal provider error", &providers.ProviderError{Provider: "openai", StatusCode: 401, Message: "bad key sk-123"}, 500, CodeInternalError},
		{"caller cancelled", context.Canceled, 500, CodeInternalError},
		{"internal domain", services.WrapInternal("token window unavailable", errors.New("dial tcp: refused")), 500, CodeInternalError},
		{"not found domain", services.ErrProviderNotFound, 500, CodeInternalError},
		{"external wrapping provider timeout", services.WrapExternal("upstream", &providers.ProviderError{Timeout: true}), 503, CodeServiceUnavailable},
		{"plain error", errors.New("something odd"), 500, CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Map(tt.err, "req-1")
			require.NotNil(t, p)
			assert.Equal(t, tt.status, p.Status)
			assert.Equal(t, tt.code, p.Code)
			assert.Equal(t, "req-1", p.Instance)
			assert.Equal(t, fixed, p.Timestamp)
			assert.NotEmpty(t, p.Type)
			assert.NotEmpty(t, p.Title)
			assert.NotEmpty(t, p.Message)

			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, InternalErrorMessage, p.Message, "500s never leak internals")
				assert.Nil(t, p.Details)
			}

			// deterministic
			assert.Equal(t, p, Map(tt.err, "req-1"))
		})
	}
}

func TestMap_Nil(t *testing.T) {
	assert.Nil(t, Map(nil, "req"))
}

func TestMap_Details(t *testing.T) {
	err := services.NewDomainError(services.ErrorTypeTokenBudget, "request token budget exceeded", nil).
		WithDetail("scope", "window").
		WithDetail("ceiling", 1000).
		WithDetail("provider", "openai")

	p := Map(err, "")
	assert.Equal(t, map[string]interface{}{"scope": "window", "ceiling": 1000}, p.Details)
	assert.Equal(t, TypeBase+"quota-exceeded", p.Type)

	v := Map(&utils.ValidationError{Message: "Validation failed", Fields: map[string]string{"model": "model is required"}}, "")
	assert.Equal(t, "model is required", v.Details["model"])
}

func TestMap_PassesProblemsThrough(t *testing.T) {
	orig := &Problem{Status: 503, Code: CodeServiceUnavailable, Message: "all down"}
	p := Map(fmt.Errorf("wrapped: %w", orig), "req-9")
	assert.Equal(t, 503, p.Status)
	assert.Equal(t, "req-9", p.Instance)
	assert.Empty(t, orig.Instance, "original is not mutated")
}

func TestWrite(t *testing.T) {
	w := httptest.NewRecorder()
	p := Map(services.ErrCircuitOpen, "req-2")

	require.NoError(t, Write(w, p))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, ContentType, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `"code":"SERVICE_UNAVAILABLE"`)
	assert.Contains(t, w.Body.String(), `"instance":"req-2"`)
}
