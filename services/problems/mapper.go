package problems

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/upb/inference-gateway/services"
	"github.com/upb/inference-gateway/services/providers"
	"github.com/upb/inference-gateway/utils"
)

// Codes returned to callers.
const (
	CodeQuotaExceeded      = "QUOTA_EXCEEDED"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternalError      = "INTERNAL_ERROR"
)

// InternalErrorMessage is the only message ever returned for a 500.
const InternalErrorMessage = "An internal error occurred"

// ContentType is the media type problems are served with.
const ContentType = "application/problem+json"

// Problem is an RFC 7807 problem description extended with a stable code.
type Problem struct {
	Type      string                 `json:"type"`
	Title     string                 `json:"title"`
	Status    int                    `json:"status"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Instance  string                 `json:"instance,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Error makes a Problem usable where an error is expected.
func (p *Problem) Error() string {
	return p.Code + ": " + p.Message
}

type kind struct {
	slug   string
	title  string
	status int
	code   string
}

var (
	kindQuota       = kind{"quota-exceeded", "Token budget exceeded", http.StatusBadRequest, CodeQuotaExceeded}
	kindInvalid     = kind{"invalid-request", "Invalid request", http.StatusBadRequest, CodeInvalidRequest}
	kindUnavailable = kind{"service-unavailable", "Service unavailable", http.StatusServiceUnavailable, CodeServiceUnavailable}
	kindInternal    = kind{"internal", "Internal server error", http.StatusInternalServerError, CodeInternalError}
)

// TypeBase prefixes every problem type URI.
const TypeBase = "/problems/"

// now is replaced in tests.
var now = func() time.Time { return time.Now().UTC() }

// Map converts any error into a Problem. It is total: every non-nil error
// yields exactly one Problem, and errors it does not recognize become a 500
// with a fixed message. instance is usually the request ID. Map(nil) is nil.
func Map(err error, instance string) *Problem {
	if err == nil {
		return nil
	}

	var existing *Problem
	if errors.As(err, &existing) {
		p := *existing
		if p.Instance == "" {
			p.Instance = instance
		}
		return &p
	}

	k, message, details := classify(err)
	if k == kindInternal {
		message = InternalErrorMessage
		details = nil
	}
	return &Problem{
		Type:      TypeBase + k.slug,
		Title:     k.title,
		Status:    k.status,
		Code:      k.code,
		Message:   message,
		Instance:  instance,
		Timestamp: now(),
		Details:   details,
	}
}

func classify(err error) (kind, string, map[string]interface{}) {
	var validationErr *utils.ValidationError
	if errors.As(err, &validationErr) {
		details := make(map[string]interface{}, len(validationErr.Fields))
		for k, v := range validationErr.Fields {
			details[k] = v
		}
		return kindInvalid, validationErr.Message, details
	}

	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		switch domainErr.Type {
		case services.ErrorTypeTokenBudget:
			return kindQuota, domainErr.Message, publicDetails(domainErr.Details)
		case services.ErrorTypeMaxTokens, services.ErrorTypeValidation:
			return kindInvalid, domainErr.Message, publicDetails(domainErr.Details)
		case services.ErrorTypeCircuitOpen,
			services.ErrorTypeBulkheadFull,
			services.ErrorTypeNoEligibleProvider,
			services.ErrorTypeProviderTimeout:
			return kindUnavailable, domainErr.Message, nil
		}
		// Other domain types fall through so a wrapped provider or context
		// error can still be recognized.
	}

	var provErr *providers.ProviderError
	if errors.As(err, &provErr) {
		if provErr.Timeout {
			return kindUnavailable, "provider timed out", nil
		}
		if provErr.Retryable {
			return kindUnavailable, "provider unavailable after retries", nil
		}
		return kindInternal, "", nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return kindUnavailable, "request deadline exceeded", nil
	}

	return kindInternal, "", nil
}

// publicDetails keeps only details safe to echo to callers.
func publicDetails(in map[string]interface{}) map[string]interface{} {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		switch k {
		case "scope", "estimate", "ceiling", "limit", "used", "strategy", "model", "field":
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Write serves p as application/problem+json.
func Write(w http.ResponseWriter, p *Problem) error {
	return utils.WriteProblem(w, p.Status, p)
}
