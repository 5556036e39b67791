package resilience

import (
	"time"

	"github.com/upb/inference-gateway/services"
	"go.uber.org/zap"
)

// Guard pairs the breaker and bulkhead of one provider.
type Guard struct {
	Breaker  *CircuitBreaker
	Bulkhead *Bulkhead
}

// GuardSpec describes the per-provider limits used to build a Guard.
type GuardSpec struct {
	Provider       string
	Ceiling        int
	AcquireTimeout time.Duration
}

// Guards holds one Guard per provider. The map is built once and never
// mutated afterwards, so lookups need no lock and there is no lock shared
// across providers.
type Guards struct {
	guards map[string]*Guard
	order  []string
}

// NewGuards builds guards for every spec.
func NewGuards(specs []GuardSpec, breakerCfg BreakerConfig, logger *zap.Logger, opts ...BreakerOption) *Guards {
	g := &Guards{
		guards: make(map[string]*Guard, len(specs)),
		order:  make([]string, 0, len(specs)),
	}
	for _, spec := range specs {
		if _, exists := g.guards[spec.Provider]; exists {
			continue
		}
		g.guards[spec.Provider] = &Guard{
			Breaker:  NewCircuitBreaker(spec.Provider, breakerCfg, logger, opts...),
			Bulkhead: NewBulkhead(spec.Provider, spec.Ceiling, spec.AcquireTimeout),
		}
		g.order = append(g.order, spec.Provider)
	}
	return g
}

// Get returns the guard for a provider.
func (g *Guards) Get(provider string) (*Guard, error) {
	guard, ok := g.guards[provider]
	if !ok {
		return nil, services.NewDomainError(services.ErrorTypeNotFound, "no guard for provider", nil).
			WithDetail("provider", provider)
	}
	return guard, nil
}

// Available reports whether the provider's breaker would admit a call.
// Unknown providers are reported unavailable.
func (g *Guards) Available(provider string) bool {
	guard, ok := g.guards[provider]
	if !ok {
		return false
	}
	return guard.Breaker.Available()
}

// Providers lists guarded providers in registration order.
func (g *Guards) Providers() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}
