package resilience

import (
	"sync"
	"time"

	"github.com/upb/inference-gateway/services"
	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name used in logs and status payloads.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Ticket is handed out by Allow and passed back to Report. It pins the
// admission to the breaker generation it was granted in.
type Ticket struct {
	generation uint64
}

// CallResult is what a caller reports back after an admitted call.
type CallResult int

const (
	// ResultSuccess counts toward closing a half-open breaker and resets the
	// consecutive failure counter.
	ResultSuccess CallResult = iota
	// ResultFailure is a provider-health failure (timeout, 5xx, 429, connection).
	ResultFailure
	// ResultIgnored releases the admission without touching counters. Used for
	// caller cancellation and client-input errors.
	ResultIgnored
)

// BreakerConfig holds configuration for a CircuitBreaker.
type BreakerConfig struct {
	FailureThreshold  int
	Cooldown          time.Duration
	SuccessThreshold  int
	HalfOpenMaxTrials int
}

// DefaultBreakerConfig returns the defaults used when nothing is configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		Cooldown:          60 * time.Second,
		SuccessThreshold:  3,
		HalfOpenMaxTrials: 3,
	}
}

// StateListener is notified after every state transition, outside the lock.
type StateListener func(provider string, from, to CircuitState)

// CircuitBreaker tracks the health of a single provider.
type CircuitBreaker struct {
	mu sync.Mutex

	provider string
	cfg      BreakerConfig
	now      func() time.Time
	logger   *zap.Logger
	listener StateListener

	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	lastFailure         time.Time
	trialSuccesses      int
	trialsInFlight      int
	generation          uint64

	totalSuccesses int64
	totalFailures  int64
	totalRejected  int64
}

// BreakerOption customizes a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithStateListener registers a transition callback.
func WithStateListener(l StateListener) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.listener = l
	}
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(provider string, cfg BreakerConfig, logger *zap.Logger, opts ...BreakerOption) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.HalfOpenMaxTrials <= 0 {
		cfg.HalfOpenMaxTrials = cfg.SuccessThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cb := &CircuitBreaker{
		provider: provider,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
		state:    StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Provider returns the provider this breaker guards.
func (cb *CircuitBreaker) Provider() string {
	return cb.provider
}

// Allow admits or rejects a call. An open breaker whose cool-down has elapsed
// moves to half-open here, on the attempt, and admits the call as a trial.
// Every admitted call must be followed by exactly one Report with the
// returned ticket.
func (cb *CircuitBreaker) Allow() (Ticket, error) {
	cb.mu.Lock()

	var transition *[2]CircuitState
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			cb.totalRejected++
			cb.mu.Unlock()
			return Ticket{}, cb.openError()
		}
		transition = &[2]CircuitState{StateOpen, StateHalfOpen}
		cb.state = StateHalfOpen
		cb.trialSuccesses = 0
		cb.trialsInFlight = 1
	case StateHalfOpen:
		if cb.trialsInFlight >= cb.cfg.HalfOpenMaxTrials {
			cb.totalRejected++
			cb.mu.Unlock()
			return Ticket{}, cb.openError()
		}
		cb.trialsInFlight++
	}
	ticket := Ticket{generation: cb.generation}
	cb.mu.Unlock()

	if transition != nil {
		cb.notify(transition[0], transition[1])
	}
	return ticket, nil
}

// Report records the result of a call admitted by Allow. A ticket issued
// before the last trip or close only counts toward the totals.
func (cb *CircuitBreaker) Report(ticket Ticket, result CallResult) {
	cb.mu.Lock()

	switch result {
	case ResultSuccess:
		cb.totalSuccesses++
	case ResultFailure:
		cb.totalFailures++
		cb.lastFailure = cb.now()
	}

	if ticket.generation != cb.generation {
		cb.mu.Unlock()
		return
	}

	from := cb.state
	if from == StateHalfOpen && cb.trialsInFlight > 0 {
		cb.trialsInFlight--
	}

	switch result {
	case ResultSuccess:
		switch cb.state {
		case StateClosed:
			cb.consecutiveFailures = 0
		case StateHalfOpen:
			cb.trialSuccesses++
			if cb.trialSuccesses >= cb.cfg.SuccessThreshold {
				cb.close()
			}
		}
	case ResultFailure:
		switch cb.state {
		case StateClosed:
			cb.consecutiveFailures++
			if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
				cb.trip()
			}
		case StateHalfOpen:
			cb.trip()
		}
	}

	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

// trip moves to open and restarts the cool-down. Must be called with mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.trialSuccesses = 0
	cb.trialsInFlight = 0
	cb.generation++
}

// close must be called with mu held.
func (cb *CircuitBreaker) close() {
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.trialSuccesses = 0
	cb.trialsInFlight = 0
	cb.generation++
}

// State returns the stored state without applying the cool-down edge.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Available reports whether the next Allow could admit a call: closed,
// half-open, or open with an elapsed cool-down.
func (cb *CircuitBreaker) Available() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return true
	}
	return cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown
}

// BreakerStats is a consistent snapshot of breaker counters.
type BreakerStats struct {
	State               CircuitState
	ConsecutiveFailures int
	TrialSuccesses      int
	LastFailure         time.Time
	OpenedAt            time.Time
	TotalSuccesses      int64
	TotalFailures       int64
	TotalRejected       int64
}

// Stats returns a snapshot taken under the lock.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		TrialSuccesses:      cb.trialSuccesses,
		LastFailure:         cb.lastFailure,
		OpenedAt:            cb.openedAt,
		TotalSuccesses:      cb.totalSuccesses,
		TotalFailures:       cb.totalFailures,
		TotalRejected:       cb.totalRejected,
	}
}

func (cb *CircuitBreaker) openError() error {
	return services.NewDomainError(services.ErrorTypeCircuitOpen, "circuit breaker is open", nil).
		WithDetail("provider", cb.provider)
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	cb.logger.Info("circuit breaker state changed",
		zap.String("provider", cb.provider),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	if cb.listener != nil {
		cb.listener(cb.provider, from, to)
	}
}
