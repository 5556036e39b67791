package routing

import (
	"cmp"
	"slices"

	"github.com/upb/inference-gateway/services"
	"github.com/upb/inference-gateway/services/providers"
	"go.uber.org/zap"
)

// RoutingStrategy defines how candidate providers are ordered
type RoutingStrategy string

const (
	// StrategyCostOptimized orders by ascending cost per token
	StrategyCostOptimized RoutingStrategy = "cost-optimized"

	// StrategyLatencyOptimized orders by latency class, low first
	StrategyLatencyOptimized RoutingStrategy = "latency-optimized"

	// StrategyLocalFirst puts local providers ahead of remote ones
	StrategyLocalFirst RoutingStrategy = "local-first"

	// StrategyCascading orders by ascending tier
	StrategyCascading RoutingStrategy = "cascading"

	// StrategyPredictive orders by descending recent success score
	StrategyPredictive RoutingStrategy = "predictive"
)

// Strategies lists every supported strategy.
var Strategies = []RoutingStrategy{
	StrategyCostOptimized,
	StrategyLatencyOptimized,
	StrategyLocalFirst,
	StrategyCascading,
	StrategyPredictive,
}

// ParseStrategy validates a strategy name.
func ParseStrategy(name string) (RoutingStrategy, error) {
	for _, s := range Strategies {
		if string(s) == name {
			return s, nil
		}
	}
	return "", services.NewDomainError(services.ErrorTypeValidation, "unknown routing strategy", nil).
		WithDetail("strategy", name)
}

// RoutingConfig holds configuration for the routing service
type RoutingConfig struct {
	DefaultStrategy RoutingStrategy

	// EnableFallback appends open providers as last-resort candidates
	EnableFallback bool

	// PreferLocal moves local providers to the front for every strategy
	PreferLocal bool

	// OfflineMode never routes to remote providers
	OfflineMode bool
}

// DefaultRoutingConfig returns the default configuration
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		DefaultStrategy: StrategyCostOptimized,
		EnableFallback:  true,
	}
}

// HealthSnapshot reports whether a provider's breaker would admit a call.
type HealthSnapshot interface {
	Available(provider string) bool
}

// HealthFunc adapts a function to HealthSnapshot.
type HealthFunc func(provider string) bool

// Available implements HealthSnapshot.
func (f HealthFunc) Available(provider string) bool { return f(provider) }

// Request carries the per-request routing inputs.
type Request struct {
	Model string

	// Strategy overrides the default when non-empty
	Strategy RoutingStrategy

	// PreferLocal overrides the configured preference when non-nil
	PreferLocal *bool
}

// Candidate is one provider in attempt order.
type Candidate struct {
	Descriptor providers.Descriptor

	// Open marks a provider whose breaker was open at routing time. These
	// are only present as last-resort candidates.
	Open bool
}

// RoutingService orders providers for a request
type RoutingService struct {
	config  RoutingConfig
	tracker *Tracker
	logger  *zap.Logger
}

// NewRoutingService creates a new routing service. tracker may be nil when
// the predictive strategy is never used; it then scores every provider equally.
func NewRoutingService(config RoutingConfig, tracker *Tracker, logger *zap.Logger) *RoutingService {
	if config.DefaultStrategy == "" {
		config.DefaultStrategy = StrategyCostOptimized
	}
	if tracker == nil {
		tracker = NewTracker(DefaultAlpha, DefaultInitialScore)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoutingService{
		config:  config,
		tracker: tracker,
		logger:  logger,
	}
}

// Config returns the routing configuration
func (s *RoutingService) Config() RoutingConfig {
	return s.config
}

// Tracker returns the predictive score tracker
func (s *RoutingService) Tracker() *Tracker {
	return s.tracker
}

// Route returns candidates in attempt order. descs must be in declaration
// order, which breaks every tie. Providers that cannot serve the model, and
// remote providers in offline mode, are dropped. Providers reported
// unavailable by health are left out of the primary ordering and appended
// last when fallback is enabled.
func (s *RoutingService) Route(req Request, descs []providers.Descriptor, health HealthSnapshot) ([]Candidate, error) {
	strategy := s.config.DefaultStrategy
	if req.Strategy != "" {
		strategy = req.Strategy
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}

	preferLocal := s.config.PreferLocal
	if req.PreferLocal != nil {
		preferLocal = *req.PreferLocal
	}

	capable := make([]providers.Descriptor, 0, len(descs))
	for _, d := range descs {
		if !d.Supports(req.Model) {
			continue
		}
		if s.config.OfflineMode && !d.Local {
			continue
		}
		capable = append(capable, d)
	}
	if len(capable) == 0 {
		return nil, services.NewDomainError(services.ErrorTypeNoEligibleProvider, "no provider can serve the request", nil).
			WithDetail("model", req.Model).
			WithDetail("offline_mode", s.config.OfflineMode)
	}

	var healthy, open []providers.Descriptor
	for _, d := range capable {
		if health != nil && !health.Available(d.Name) {
			open = append(open, d)
			continue
		}
		healthy = append(healthy, d)
	}

	compare := s.comparator(strategy, preferLocal)
	slices.SortStableFunc(healthy, compare)
	slices.SortStableFunc(open, compare)

	if len(healthy) == 0 && !s.config.EnableFallback {
		return nil, services.NewDomainError(services.ErrorTypeNoEligibleProvider, "all capable providers are unavailable", nil).
			WithDetail("model", req.Model).
			WithDetail("open", len(open))
	}

	out := make([]Candidate, 0, len(capable))
	for _, d := range healthy {
		out = append(out, Candidate{Descriptor: d})
	}
	if s.config.EnableFallback {
		for _, d := range open {
			out = append(out, Candidate{Descriptor: d, Open: true})
		}
	}

	s.logger.Debug("routed request",
		zap.String("strategy", string(strategy)),
		zap.String("model", req.Model),
		zap.Int("healthy", len(healthy)),
		zap.Int("open", len(open)))

	return out, nil
}

// comparator orders two descriptors for a strategy. Equal results keep
// declaration order because the sort is stable.
func (s *RoutingService) comparator(strategy RoutingStrategy, preferLocal bool) func(a, b providers.Descriptor) int {
	var byStrategy func(a, b providers.Descriptor) int
	switch strategy {
	case StrategyLatencyOptimized:
		byStrategy = func(a, b providers.Descriptor) int {
			return cmp.Compare(a.LatencyClass.Rank(), b.LatencyClass.Rank())
		}
	case StrategyLocalFirst:
		byStrategy = localFirst
	case StrategyCascading:
		byStrategy = func(a, b providers.Descriptor) int {
			return cmp.Compare(a.Tier, b.Tier)
		}
	case StrategyPredictive:
		scores := s.tracker.Snapshot()
		score := func(name string) float64 {
			if v, ok := scores[name]; ok {
				return v
			}
			return s.tracker.InitialScore()
		}
		byStrategy = func(a, b providers.Descriptor) int {
			return cmp.Compare(score(b.Name), score(a.Name))
		}
	default:
		byStrategy = func(a, b providers.Descriptor) int {
			return cmp.Compare(a.CostPerToken, b.CostPerToken)
		}
	}

	if !preferLocal {
		return byStrategy
	}
	if strategy == StrategyCascading {
		// Tiers stay strict; local providers lead within a tier.
		return func(a, b providers.Descriptor) int {
			if c := byStrategy(a, b); c != 0 {
				return c
			}
			return localFirst(a, b)
		}
	}
	return func(a, b providers.Descriptor) int {
		if c := localFirst(a, b); c != 0 {
			return c
		}
		return byStrategy(a, b)
	}
}

func localFirst(a, b providers.Descriptor) int {
	switch {
	case a.Local == b.Local:
		return 0
	case a.Local:
		return -1
	default:
		return 1
	}
}
