package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound           ErrorType = "not_found"
	ErrorTypeValidation         ErrorType = "validation"
	ErrorTypeTokenBudget        ErrorType = "token_budget"
	ErrorTypeMaxTokens          ErrorType = "max_tokens"
	ErrorTypeCircuitOpen        ErrorType = "circuit_open"
	ErrorTypeBulkheadFull       ErrorType = "bulkhead_full"
	ErrorTypeNoEligibleProvider ErrorType = "no_eligible_provider"
	ErrorTypeProviderTimeout    ErrorType = "provider_timeout"
	ErrorTypeInternal           ErrorType = "internal"
	ErrorTypeExternal           ErrorType = "external"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables. They are matched by type through errors.Is and must
// never be mutated; build a fresh error with NewDomainError to attach details.
var (
	ErrProviderNotFound = NewDomainError(ErrorTypeNotFound, "provider not found", nil)

	ErrInvalidInput    = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidStrategy = NewDomainError(ErrorTypeValidation, "unknown routing strategy", nil)

	ErrTokenBudgetExceeded = NewDomainError(ErrorTypeTokenBudget, "token budget exceeded", nil)
	ErrMaxTokensExceeded   = NewDomainError(ErrorTypeMaxTokens, "max tokens per call exceeded", nil)

	ErrCircuitOpen        = NewDomainError(ErrorTypeCircuitOpen, "circuit breaker is open", nil)
	ErrBulkheadExceeded   = NewDomainError(ErrorTypeBulkheadFull, "provider concurrency limit reached", nil)
	ErrNoEligibleProvider = NewDomainError(ErrorTypeNoEligibleProvider, "no eligible provider", nil)
	ErrProviderTimeout    = NewDomainError(ErrorTypeProviderTimeout, "provider timed out", nil)

	ErrInternal = NewDomainError(ErrorTypeInternal, "internal server error", nil)
)

// Error type checking helper functions

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsTokenBudgetError checks if an error reports an exhausted token budget
func IsTokenBudgetError(err error) bool {
	return hasType(err, ErrorTypeTokenBudget)
}

// IsMaxTokensError checks if an error reports a per-call token cap violation
func IsMaxTokensError(err error) bool {
	return hasType(err, ErrorTypeMaxTokens)
}

// IsCircuitOpenError checks if an error was raised by an open circuit breaker
func IsCircuitOpenError(err error) bool {
	return hasType(err, ErrorTypeCircuitOpen)
}

// IsBulkheadError checks if an error was raised by a saturated bulkhead
func IsBulkheadError(err error) bool {
	return hasType(err, ErrorTypeBulkheadFull)
}

// IsNoEligibleProviderError checks if routing produced no candidates
func IsNoEligibleProviderError(err error) bool {
	return hasType(err, ErrorTypeNoEligibleProvider)
}

// IsProviderTimeoutError checks if an error is a provider timeout
func IsProviderTimeoutError(err error) bool {
	return hasType(err, ErrorTypeProviderTimeout)
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return hasType(err, ErrorTypeInternal)
}

// IsExternalError checks if an error is an external provider error
func IsExternalError(err error) bool {
	return hasType(err, ErrorTypeExternal)
}

func hasType(err error, errType ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == errType
	}
	return false
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapExternal wraps an error as an external provider error
func WrapExternal(message string, err error) error {
	return NewDomainError(ErrorTypeExternal, message, err)
}
