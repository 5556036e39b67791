package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/upb/inference-gateway/services/attempts"
	"github.com/upb/inference-gateway/services/cache"
	"github.com/upb/inference-gateway/services/providers"
	"github.com/upb/inference-gateway/services/resilience"
	"github.com/upb/inference-gateway/services/routing"
	"github.com/upb/inference-gateway/services/tokens"
	"github.com/upb/inference-gateway/utils"
	"go.uber.org/zap"
)

// BreakerStatus is the JSON view of a circuit breaker
type BreakerStatus struct {
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TrialSuccesses      int        `json:"trial_successes"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	TotalSuccesses      int64      `json:"total_successes"`
	TotalFailures       int64      `json:"total_failures"`
	TotalRejected       int64      `json:"total_rejected"`
}

// ProviderStatus describes one provider and its live guard state
type ProviderStatus struct {
	providers.Descriptor
	Available bool                     `json:"available"`
	Breaker   *BreakerStatus           `json:"breaker,omitempty"`
	Bulkhead  *resilience.BulkheadStats `json:"bulkhead,omitempty"`
	Score     float64                  `json:"predictive_score"`
	Samples   int64                    `json:"predictive_samples"`
}

// TokenWindowStatus is the JSON view of the process-wide token window
type TokenWindowStatus struct {
	Used      int64 `json:"used"`
	Ceiling   int64 `json:"ceiling"`
	Available bool  `json:"available"`
}

// ProvidersResponse is returned by GET /api/v1/providers
type ProvidersResponse struct {
	Strategy    routing.RoutingStrategy `json:"default_strategy"`
	PreferLocal bool                    `json:"prefer_local"`
	OfflineMode bool                    `json:"offline_mode"`
	Fallback    bool                    `json:"fallback"`
	Providers   []ProviderStatus        `json:"providers"`
	TokenWindow *TokenWindowStatus      `json:"token_window,omitempty"`
	Cache       *cache.CacheStats       `json:"cache,omitempty"`
}

// ProvidersHandler exposes provider status and recent attempt diagnostics
type ProvidersHandler struct {
	registry *providers.Registry
	guards   *resilience.Guards
	router   *routing.RoutingService
	recent   *attempts.RecentWriter
	window   tokens.Window
	cache    *cache.ResponseCache
	logger   *zap.Logger
}

// NewProvidersHandler creates a new ProvidersHandler. recent may be nil.
func NewProvidersHandler(registry *providers.Registry, guards *resilience.Guards, router *routing.RoutingService, recent *attempts.RecentWriter, logger *zap.Logger) *ProvidersHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProvidersHandler{
		registry: registry,
		guards:   guards,
		router:   router,
		recent:   recent,
		logger:   logger,
	}
}

// WithTokenWindow reports usage of the shared token window.
func (h *ProvidersHandler) WithTokenWindow(w tokens.Window) *ProvidersHandler {
	h.window = w
	return h
}

// WithCache reports response cache statistics and enables HandleClearCache.
func (h *ProvidersHandler) WithCache(c *cache.ResponseCache) *ProvidersHandler {
	h.cache = c
	return h
}

// HandleList handles GET /api/v1/providers
func (h *ProvidersHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	cfg := h.router.Config()
	tracker := h.router.Tracker()

	descs := h.registry.Descriptors()
	resp := ProvidersResponse{
		Strategy:    cfg.DefaultStrategy,
		PreferLocal: cfg.PreferLocal,
		OfflineMode: cfg.OfflineMode,
		Fallback:    cfg.EnableFallback,
		Providers:   make([]ProviderStatus, 0, len(descs)),
	}

	for _, d := range descs {
		status := ProviderStatus{
			Descriptor: d,
			Available:  h.guards.Available(d.Name),
		}
		if tracker != nil {
			status.Score = tracker.Score(d.Name)
			status.Samples = tracker.Samples(d.Name)
		}
		if g, err := h.guards.Get(d.Name); err == nil {
			status.Breaker = breakerStatus(g.Breaker.Stats())
			stats := g.Bulkhead.Stats()
			status.Bulkhead = &stats
		}
		resp.Providers = append(resp.Providers, status)
	}

	if h.window != nil {
		status := &TokenWindowStatus{Ceiling: h.window.Ceiling()}
		used, err := h.window.Usage(r.Context())
		if err != nil {
			h.logger.Warn("failed to read token window usage", zap.Error(err))
		} else {
			status.Used = used
			status.Available = true
		}
		resp.TokenWindow = status
	}
	if h.cache != nil {
		stats := h.cache.Stats()
		resp.Cache = &stats
	}

	if err := utils.WriteOK(w, resp); err != nil {
		h.logger.Error("failed to write providers response", zap.Error(err))
	}
}

// HandleRecentAttempts handles GET /api/v1/attempts/recent?limit=N
func (h *ProvidersHandler) HandleRecentAttempts(w http.ResponseWriter, r *http.Request) {
	events := []*attempts.Event{}
	if h.recent != nil {
		events = h.recent.Recent()
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			HandleServiceError(w, &utils.ValidationError{
				Message: "limit must be a positive integer",
				Fields:  map[string]string{"limit": "limit must be a positive integer"},
			}, "", h.logger)
			return
		}
		if limit < len(events) {
			events = events[:limit]
		}
	}

	if err := utils.WriteOK(w, events); err != nil {
		h.logger.Error("failed to write attempts response", zap.Error(err))
	}
}

// HandleClearCache handles DELETE /api/v1/cache
func (h *ProvidersHandler) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	var stats cache.CacheStats
	if h.cache != nil {
		h.cache.Clear()
		stats = h.cache.Stats()
		h.logger.Info("response cache cleared")
	}
	if err := utils.WriteOK(w, stats); err != nil {
		h.logger.Error("failed to write cache response", zap.Error(err))
	}
}

func breakerStatus(s resilience.BreakerStats) *BreakerStatus {
	out := &BreakerStatus{
		State:               s.State.String(),
		ConsecutiveFailures: s.ConsecutiveFailures,
		TrialSuccesses:      s.TrialSuccesses,
		TotalSuccesses:      s.TotalSuccesses,
		TotalFailures:       s.TotalFailures,
		TotalRejected:       s.TotalRejected,
	}
	if !s.OpenedAt.IsZero() {
		opened := s.OpenedAt
		out.OpenedAt = &opened
	}
	return out
}
