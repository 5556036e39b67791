package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LLMBuckets are histogram buckets suited for inference latencies, 50ms to 120s.
var LLMBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

const namespace = "gateway"

// Metrics holds the gateway collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	AttemptsTotal    *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	TokensTotal      *prometheus.CounterVec
	CostTotal        *prometheus.CounterVec
	TokenRejections  *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	BulkheadInFlight *prometheus.GaugeVec
	BulkheadRejected *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_requests_total",
			Help:      "Logical inference requests by result.",
		}, []string{"result"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_request_duration_seconds",
			Help:      "End-to-end inference duration including fallback.",
			Buckets:   LLMBuckets,
		}, []string{"strategy"}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Provider attempts by outcome.",
		}, []string{"provider", "outcome"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Provider call latency including transport retries.",
			Buckets:   LLMBuckets,
		}, []string{"provider"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_total",
			Help:      "Tokens processed by direction (input/output).",
		}, []string{"provider", "direction"}),
		CostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_cost_total",
			Help:      "Accumulated cost computed from cost_per_token.",
		}, []string{"provider"}),
		TokenRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_budget_rejections_total",
			Help:      "Reservations rejected by scope (request, window, per_call).",
		}, []string{"scope"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current circuit breaker state: 0=closed, 1=open, 2=half-open.",
		}, []string{"provider"}),
		BulkheadInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bulkhead_in_flight",
			Help:      "Calls currently holding a bulkhead slot.",
		}, []string{"provider"}),
		BulkheadRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulkhead_rejected_total",
			Help:      "Calls rejected by a saturated bulkhead.",
		}, []string{"provider"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result (hit/miss).",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration.",
			Buckets:   LLMBuckets,
		}, []string{"method", "route"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.AttemptsTotal,
			m.ProviderLatency,
			m.TokensTotal,
			m.CostTotal,
			m.TokenRejections,
			m.BreakerState,
			m.BulkheadInFlight,
			m.BulkheadRejected,
			m.CacheLookups,
			m.HTTPRequests,
			m.HTTPDuration,
		)
	}
	return m
}

// ObserveRequest records the end of a logical request.
func (m *Metrics) ObserveRequest(result, strategy string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(result).Inc()
	m.RequestDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// ObserveAttempt records a single provider attempt.
func (m *Metrics) ObserveAttempt(provider, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(provider, outcome).Inc()
	if latency > 0 {
		m.ProviderLatency.WithLabelValues(provider).Observe(latency.Seconds())
	}
}

// ObserveTokens records token usage and cost for a provider.
func (m *Metrics) ObserveTokens(provider string, input, output int, cost float64) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues(provider, "input").Add(float64(input))
	m.TokensTotal.WithLabelValues(provider, "output").Add(float64(output))
	if cost > 0 {
		m.CostTotal.WithLabelValues(provider).Add(cost)
	}
}

// ObserveTokenRejection counts a failed reservation.
func (m *Metrics) ObserveTokenRejection(scope string) {
	if m == nil {
		return
	}
	m.TokenRejections.WithLabelValues(scope).Inc()
}

// SetBreakerState exports a breaker state as its numeric value.
func (m *Metrics) SetBreakerState(provider string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(provider).Set(float64(state))
}

// SetBulkheadInFlight exports the in-flight count of a bulkhead.
func (m *Metrics) SetBulkheadInFlight(provider string, inFlight int64) {
	if m == nil {
		return
	}
	m.BulkheadInFlight.WithLabelValues(provider).Set(float64(inFlight))
}

// ObserveBulkheadRejected counts a saturated-bulkhead rejection.
func (m *Metrics) ObserveBulkheadRejected(provider string) {
	if m == nil {
		return
	}
	m.BulkheadRejected.WithLabelValues(provider).Inc()
}

// ObserveCache records a cache lookup.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// ObserveHTTP records one served HTTP request.
func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
