package orchestrator

import (
	"time"

	"github.com/upb/inference-gateway/services/attempts"
	"github.com/upb/inference-gateway/services/providers"
	"github.com/upb/inference-gateway/services/routing"
	"github.com/upb/inference-gateway/services/tokens"
)

// InferenceRequest is one logical request. It is treated as immutable; each
// attempt works on its own providers.ChatRequest copy.
type InferenceRequest struct {
	// RequestID is generated when empty
	RequestID string `json:"request_id,omitempty"`

	// Model may be empty; each provider then uses its default model
	Model    string              `json:"model,omitempty"`
	Messages []providers.Message `json:"messages"`

	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	User        string   `json:"user,omitempty"`
	Stream      bool     `json:"stream,omitempty"`

	// Strategy overrides the configured routing strategy
	Strategy routing.RoutingStrategy `json:"strategy,omitempty"`

	// PreferLocal overrides the configured local preference
	PreferLocal *bool `json:"prefer_local,omitempty"`

	// TokenBudget caps tokens for this request; zero uses the default ceiling
	TokenBudget int `json:"token_budget,omitempty"`

	// NoCache skips the response cache lookup and store
	NoCache bool `json:"no_cache,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutcomeKind tags the result of one attempt
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetryableFailure lets the loop advance to the next candidate
	OutcomeRetryableFailure
	// OutcomeFatalFailure stops the loop
	OutcomeFatalFailure
)

// String returns the snake_case name used in records and metrics
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryableFailure:
		return "retryable_failure"
	case OutcomeFatalFailure:
		return "fatal_failure"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of one attempt. Response is set only for
// OutcomeSuccess and Err only for failures.
type Outcome struct {
	Kind     OutcomeKind
	Response *providers.ChatResponse
	Err      error
}

// AttemptRecord describes one provider attempt
type AttemptRecord = attempts.Record

// InferenceResult is returned for a successful request
type InferenceResult struct {
	RequestID string                  `json:"request_id"`
	Provider  string                  `json:"provider"`
	Model     string                  `json:"model"`
	Strategy  routing.RoutingStrategy `json:"strategy"`

	Response *providers.ChatResponse `json:"response"`
	Usage    providers.Usage         `json:"usage"`
	Estimate tokens.Estimate         `json:"estimate"`

	// Cost is total tokens times the provider's cost per token
	Cost float64 `json:"cost"`

	Cached   bool            `json:"cached"`
	Latency  time.Duration   `json:"latency"`
	Attempts []AttemptRecord `json:"attempts"`
}

// Config holds configuration for the orchestrator
type Config struct {
	// EnableFallback advances to the next candidate after a retryable failure
	EnableFallback bool

	// CacheEnabled turns on the response cache when one is provided
	CacheEnabled bool
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		EnableFallback: true,
		CacheEnabled:   true,
	}
}
