package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/upb/inference-gateway/config"
	"github.com/upb/inference-gateway/internal/observability"
	"github.com/upb/inference-gateway/repositories/postgres"
	"github.com/upb/inference-gateway/services/attempts"
	"github.com/upb/inference-gateway/services/cache"
	"github.com/upb/inference-gateway/services/orchestrator"
	"github.com/upb/inference-gateway/services/providers"
	"github.com/upb/inference-gateway/services/providers/ollama"
	"github.com/upb/inference-gateway/services/providers/openai"
	"github.com/upb/inference-gateway/services/resilience"
	"github.com/upb/inference-gateway/services/routing"
	"github.com/upb/inference-gateway/services/tokens"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger
	DB     *postgres.DB          // nil unless a component uses PostgreSQL
	Redis  redis.UniversalClient // nil unless the redis token window is used

	// Observability
	Metrics         *observability.Metrics
	MetricsGatherer prometheus.Gatherer

	// Inference pipeline
	Registry       *providers.Registry
	Guards         *resilience.Guards
	Router         *routing.RoutingService
	Tokens         *tokens.Service
	Cache          *cache.ResponseCache
	Sink           *attempts.Sink
	RecentAttempts *attempts.RecentWriter
	Orchestrator   *orchestrator.Service

	httpClient *http.Client
	stopBg     context.CancelFunc
	bg         errgroup.Group
}

// Option customizes NewDependencies, mostly for tests.
type Option func(*Dependencies)

// WithHTTPClient replaces the HTTP client shared by provider adapters.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dependencies) {
		d.httpClient = c
	}
}

// WithDB injects an existing pool instead of dialing cfg.Database.
func WithDB(db *postgres.DB) Option {
	return func(d *Dependencies) {
		d.DB = db
	}
}

// WithRedis injects an existing redis client instead of dialing cfg.Redis.
func WithRedis(client redis.UniversalClient) Option {
	return func(d *Dependencies) {
		d.Redis = client
	}
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Dependencies, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}
	for _, opt := range opts {
		opt(deps)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	deps.stopBg = cancel

	deps.initMetrics()

	if err := deps.initStores(ctx); err != nil {
		deps.closeStores()
		cancel()
		return nil, err
	}

	if err := deps.initProviders(); err != nil {
		deps.closeStores()
		cancel()
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}
	deps.initGuards()
	deps.initRouter()

	if err := deps.initTokens(ctx, bgCtx); err != nil {
		deps.closeStores()
		cancel()
		return nil, fmt.Errorf("failed to initialize token accounting: %w", err)
	}

	deps.initCache()

	if err := deps.initAttempts(); err != nil {
		cancel()
		_ = deps.bg.Wait()
		deps.closeStores()
		return nil, fmt.Errorf("failed to initialize attempt sink: %w", err)
	}

	deps.Orchestrator = orchestrator.NewService(orchestrator.Dependencies{
		Registry: deps.Registry,
		Router:   deps.Router,
		Guards:   deps.Guards,
		Tokens:   deps.Tokens,
		Cache:    deps.Cache,
		Sink:     deps.Sink,
		Metrics:  deps.Metrics,
	}, orchestrator.Config{
		EnableFallback: cfg.Routing.EnableFallback,
		CacheEnabled:   cfg.Cache.Enabled,
	}, logger)

	logger.Info("all dependencies initialized successfully",
		zap.Strings("providers", deps.Registry.Names()),
		zap.String("strategy", cfg.Routing.Strategy),
		zap.String("token_window", cfg.Tokens.WindowBackend))
	return deps, nil
}

func (d *Dependencies) initMetrics() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.Metrics = observability.NewMetrics(reg)
	d.MetricsGatherer = reg
}

// initStores opens the PostgreSQL pool and redis client when configured
// components need them.
func (d *Dependencies) initStores(ctx context.Context) error {
	cfg := d.Config

	if d.DB == nil && cfg.NeedsDatabase() {
		db, err := postgres.NewDB(ctx, cfg.Database, d.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		d.DB = db
	}

	if d.Redis == nil && cfg.Tokens.WindowBackend == config.WindowBackendRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		d.Redis = client
		d.Logger.Info("redis connection established", zap.String("addr", cfg.Redis.Addr))
	}
	return nil
}

// initProviders builds one adapter per descriptor, in declaration order,
// sharing a single transport client.
func (d *Dependencies) initProviders() error {
	cfg := d.Config

	strategy, err := providers.ParseStrategy(cfg.Retry.Strategy)
	if err != nil {
		return err
	}
	call := providers.CallOptions{
		Timeout: cfg.Retry.CallTimeout,
		Retries: cfg.Retry.Count,
		Backoff: providers.Backoff{
			Base:     cfg.Retry.BackoffBase,
			Max:      cfg.Retry.BackoffMax,
			Jitter:   cfg.Retry.Jitter,
			Strategy: strategy,
		},
	}
	client := providers.NewClient(d.httpClient, d.Logger)

	registry, err := providers.Build(cfg.Providers.Descriptors, map[string]providers.Builder{
		providers.KindOpenAI: func(desc providers.Descriptor) (providers.Provider, error) {
			return openai.NewOpenAIAdapter(desc, client, call), nil
		},
		providers.KindOllama: func(desc providers.Descriptor) (providers.Provider, error) {
			return ollama.NewAdapter(desc, client, call), nil
		},
	})
	if err != nil {
		return err
	}

	for _, desc := range registry.Descriptors() {
		d.Logger.Info("registered provider",
			zap.String("provider", desc.Name),
			zap.String("kind", desc.Kind),
			zap.Bool("local", desc.Local),
			zap.Int("tier", desc.Tier))
	}
	d.Registry = registry
	return nil
}

func (d *Dependencies) initGuards() {
	cfg := d.Config.Resilience

	descs := d.Registry.Descriptors()
	specs := make([]resilience.GuardSpec, 0, len(descs))
	for _, desc := range descs {
		specs = append(specs, resilience.GuardSpec{
			Provider:       desc.Name,
			Ceiling:        desc.Ceiling(cfg.DefaultCeiling),
			AcquireTimeout: cfg.AcquireTimeout,
		})
		d.Metrics.SetBreakerState(desc.Name, int(resilience.StateClosed))
	}

	metrics := d.Metrics
	d.Guards = resilience.NewGuards(specs, resilience.BreakerConfig{
		FailureThreshold:  cfg.FailureThreshold,
		Cooldown:          cfg.Cooldown,
		SuccessThreshold:  cfg.SuccessThreshold,
		HalfOpenMaxTrials: cfg.HalfOpenMaxTrials,
	}, d.Logger, resilience.WithStateListener(func(provider string, _, to resilience.CircuitState) {
		metrics.SetBreakerState(provider, int(to))
	}))
}

func (d *Dependencies) initRouter() {
	cfg := d.Config.Routing
	tracker := routing.NewTracker(cfg.PredictiveAlpha, cfg.PredictiveInitScore)
	d.Router = routing.NewRoutingService(routing.RoutingConfig{
		DefaultStrategy: routing.RoutingStrategy(cfg.Strategy),
		EnableFallback:  cfg.EnableFallback,
		PreferLocal:     cfg.PreferLocal,
		OfflineMode:     cfg.OfflineMode,
	}, tracker, d.Logger)
}

func (d *Dependencies) initTokens(ctx, bgCtx context.Context) error {
	cfg := d.Config.Tokens

	var window tokens.Window
	if cfg.WindowCeiling > 0 {
		wcfg := tokens.WindowConfig{Ceiling: cfg.WindowCeiling, Length: cfg.Window}
		switch cfg.WindowBackend {
		case config.WindowBackendRedis:
			window = tokens.NewRedisWindow(d.Redis, wcfg)
		case config.WindowBackendPostgres:
			pw := tokens.NewPostgresWindow(d.DB.DB, wcfg, d.Logger)
			if err := pw.EnsureSchema(ctx); err != nil {
				return err
			}
			d.bg.Go(func() error {
				pw.StartCleanupWorker(bgCtx, cfg.CleanupInterval, 2*cfg.Window)
				return nil
			})
			window = pw
		default:
			window = tokens.NewMemoryWindow(wcfg)
		}
	}

	d.Tokens = tokens.NewService(
		tokens.NewEstimator(d.newTokenizer(), cfg.DefaultCompletion, cfg.ForceFallback),
		window,
		tokens.Config{MaxTokensPerCall: cfg.MaxPerCall, RequestCeiling: cfg.RequestCeiling},
		d.Logger,
	)
	return nil
}

// newTokenizer returns the primary tokenizer. When the tiktoken encoding
// cannot be loaded the gateway still starts and the runes heuristic serves
// as the primary.
func (d *Dependencies) newTokenizer() tokens.Tokenizer {
	cfg := d.Config.Tokens
	if cfg.Tokenizer != config.TokenizerTiktoken {
		return tokens.RuneTokenizer{}
	}
	tk, err := tokens.NewTiktokenTokenizer(cfg.Encoding)
	if err != nil {
		d.Logger.Warn("tiktoken unavailable, estimating with the runes tokenizer",
			zap.String("encoding", cfg.Encoding),
			zap.Error(err))
		return tokens.RuneTokenizer{}
	}
	return tk
}

func (d *Dependencies) initCache() {
	cfg := d.Config.Cache
	if !cfg.Enabled {
		return
	}
	d.Cache = cache.NewResponseCache(cfg.MaxEntries, cfg.TTL)
}

// initAttempts starts the diagnostics sink. Events go to the log and to an
// in-memory ring served by GET /api/v1/attempts/recent.
func (d *Dependencies) initAttempts() error {
	cfg := d.Config.Attempts

	d.RecentAttempts = attempts.NewRecentWriter(cfg.RecentSize)

	sinkCfg := attempts.DefaultConfig()
	if cfg.BufferSize > 0 {
		sinkCfg.BufferSize = cfg.BufferSize
	}
	if cfg.Workers > 0 {
		sinkCfg.WorkerCount = cfg.Workers
	}
	d.Sink = attempts.NewSink(
		attempts.MultiWriter{attempts.NewLogWriter(d.Logger), d.RecentAttempts},
		d.Logger,
		sinkCfg,
	)
	return d.Sink.Start()
}

// SQLDB returns the raw pool for readiness checks, or nil.
func (d *Dependencies) SQLDB() *sql.DB {
	if d.DB == nil {
		return nil
	}
	return d.DB.DB
}

// PingRedis checks the redis connection.
func (d *Dependencies) PingRedis(ctx context.Context) error {
	if d.Redis == nil {
		return nil
	}
	return d.Redis.Ping(ctx).Err()
}

// AnyProviderAvailable reports whether at least one breaker admits calls.
func (d *Dependencies) AnyProviderAvailable() bool {
	if d.Guards == nil {
		return false
	}
	for _, name := range d.Guards.Providers() {
		if d.Guards.Available(name) {
			return true
		}
	}
	return false
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.stopBg != nil {
		d.stopBg()
		_ = d.bg.Wait()
	}

	if d.Sink != nil {
		timeout := 5 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.Sink.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop attempt sink: %w", err))
		}
		d.Sink = nil
	}

	errs = append(errs, d.closeStores()...)

	// Sync logger
	_ = d.Logger.Sync()

	return errors.Join(errs...)
}

func (d *Dependencies) closeStores() []error {
	var errs []error
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
		d.Redis = nil
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
		d.DB = nil
	}
	return errs
}
