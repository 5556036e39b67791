package providers

import (
	"fmt"
	"strings"
	"time"
)

// LatencyClass is a coarse expected-latency bucket used by latency routing.
type LatencyClass string

const (
	LatencyLow    LatencyClass = "low"
	LatencyMedium LatencyClass = "medium"
	LatencyHigh   LatencyClass = "high"
)

// Rank orders latency classes, low first. Unknown classes sort last.
func (l LatencyClass) Rank() int {
	switch l {
	case LatencyLow:
		return 0
	case LatencyMedium:
		return 1
	case LatencyHigh:
		return 2
	default:
		return 3
	}
}

// Kinds of adapters a descriptor can be built into.
const (
	KindOpenAI = "openai"
	KindOllama = "ollama"
)

// Descriptor is the static, read-only description of one provider.
type Descriptor struct {
	Name     string `yaml:"name" json:"name"`
	Kind     string `yaml:"kind" json:"kind"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	APIKey   string `yaml:"api_key" json:"-"`

	CostPerToken float64      `yaml:"cost_per_token" json:"cost_per_token"`
	LatencyClass LatencyClass `yaml:"latency_class" json:"latency_class"`
	Tier         int          `yaml:"tier" json:"tier"`
	Local        bool         `yaml:"local" json:"local"`

	SupportsStreaming bool `yaml:"supports_streaming" json:"supports_streaming"`

	// Models served by this provider. Empty means any model.
	Models []string `yaml:"models" json:"models,omitempty"`

	// DefaultModel is used when the request names no model.
	DefaultModel string `yaml:"default_model" json:"default_model,omitempty"`

	// MaxConcurrency overrides the default bulkhead ceiling. Zero keeps the
	// default, a negative value means unlimited.
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`

	// Timeout overrides the per-attempt call timeout when non-zero.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// Supports reports whether the provider can serve the model.
func (d Descriptor) Supports(model string) bool {
	if model == "" || len(d.Models) == 0 {
		return true
	}
	for _, m := range d.Models {
		if strings.EqualFold(m, model) {
			return true
		}
	}
	return false
}

// ResolveModel returns the model to send upstream.
func (d Descriptor) ResolveModel(model string) string {
	if model != "" {
		return model
	}
	if d.DefaultModel != "" {
		return d.DefaultModel
	}
	if len(d.Models) > 0 {
		return d.Models[0]
	}
	return ""
}

// Ceiling resolves the bulkhead ceiling against a default. Zero or less from
// the result means unlimited.
func (d Descriptor) Ceiling(defaultCeiling int) int {
	switch {
	case d.MaxConcurrency > 0:
		return d.MaxConcurrency
	case d.MaxConcurrency < 0:
		return 0
	default:
		return defaultCeiling
	}
}

// Validate checks the descriptor for obvious misconfiguration.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if d.Endpoint == "" {
		return fmt.Errorf("provider %s: endpoint is required", d.Name)
	}
	if d.CostPerToken < 0 {
		return fmt.Errorf("provider %s: cost_per_token must be non-negative", d.Name)
	}
	if d.Tier < 0 {
		return fmt.Errorf("provider %s: tier must be non-negative", d.Name)
	}
	switch d.LatencyClass {
	case LatencyLow, LatencyMedium, LatencyHigh:
	default:
		return fmt.Errorf("provider %s: invalid latency_class %q", d.Name, d.LatencyClass)
	}
	switch d.Kind {
	case KindOpenAI, KindOllama:
	default:
		return fmt.Errorf("provider %s: unknown kind %q", d.Name, d.Kind)
	}
	return nil
}
