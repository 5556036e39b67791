package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upb/inference-gateway/app"
	"github.com/upb/inference-gateway/handlers"
	"github.com/upb/inference-gateway/middleware"
	"github.com/upb/inference-gateway/services/problems"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.AccessLog(deps.Logger, deps.Metrics))
	r.Use(chimw.Recoverer)

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: deps.Config.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	}))

	health := handlers.NewHealthHandler(deps.SQLDB(), deps.Logger).
		WithProviders(deps.AnyProviderAvailable)
	if deps.Redis != nil {
		health.WithCheck("redis", deps.PingRedis)
	}
	inference := handlers.NewInferenceHandler(deps.Orchestrator, deps.Logger)
	status := handlers.NewProvidersHandler(deps.Registry, deps.Guards, deps.Router, deps.RecentAttempts, deps.Logger).
		WithTokenWindow(deps.Tokens.Window())
	if deps.Cache != nil {
		status.WithCache(deps.Cache)
	}

	// Health check endpoints
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	if deps.Config.Observability.MetricsEnabled && deps.MetricsGatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.MetricsGatherer, promhttp.HandlerOpts{}))
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/inference", inference.HandleInference)
		r.Get("/providers", status.HandleList)
		r.Get("/attempts/recent", status.HandleRecentAttempts)
		if deps.Cache != nil {
			r.Delete("/cache", status.HandleClearCache)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeRouteProblem(w, r, http.StatusNotFound, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeRouteProblem(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

func writeRouteProblem(w http.ResponseWriter, r *http.Request, status int, message string) {
	_ = problems.Write(w, &problems.Problem{
		Type:     problems.TypeBase + "invalid-request",
		Title:    http.StatusText(status),
		Status:   status,
		Code:     problems.CodeInvalidRequest,
		Message:  message,
		Instance: middleware.GetRequestIDFromContext(r.Context()),
	})
}
