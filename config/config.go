package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/upb/inference-gateway/services/providers"
	"github.com/upb/inference-gateway/services/routing"
)

// Token window backends
const (
	WindowBackendMemory   = "memory"
	WindowBackendRedis    = "redis"
	WindowBackendPostgres = "postgres"

	TokenizerTiktoken = "tiktoken"
	TokenizerRunes    = "runes"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Routing       RoutingConfig
	Resilience    ResilienceConfig
	Retry         RetryConfig
	Tokens        TokensConfig
	Cache         CacheConfig
	Attempts      AttemptsConfig
	Providers     ProvidersConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// DatabaseConfig holds PostgreSQL configuration for the postgres token window.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RedisConfig holds the redis connection used by the redis token window
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RoutingConfig holds candidate ordering settings
type RoutingConfig struct {
	Strategy            string
	PreferLocal         bool
	OfflineMode         bool
	EnableFallback      bool
	PredictiveAlpha     float64
	PredictiveInitScore float64
}

// ResilienceConfig holds circuit breaker and bulkhead settings
type ResilienceConfig struct {
	FailureThreshold  int
	Cooldown          time.Duration
	SuccessThreshold  int
	HalfOpenMaxTrials int

	// DefaultCeiling applies to providers without max_concurrency. Zero means unlimited.
	DefaultCeiling int
	AcquireTimeout time.Duration
}

// RetryConfig holds transport retry settings shared by all adapters
type RetryConfig struct {
	Count       int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Strategy    string
	Jitter      float64
	CallTimeout time.Duration
}

// TokensConfig holds token accounting limits
type TokensConfig struct {
	MaxPerCall        int
	RequestCeiling    int
	WindowCeiling     int64
	Window            time.Duration
	WindowBackend     string
	DefaultCompletion int
	ForceFallback     bool
	CleanupInterval   time.Duration
	// Tokenizer selects the primary tokenizer; empty means runes
	Tokenizer string
	// Encoding is the tiktoken encoding for models without a known mapping
	Encoding string
}

// CacheConfig holds response cache settings
type CacheConfig struct {
	Enabled    bool
	TTL        time.Duration
	MaxEntries int
}

// AttemptsConfig holds attempt diagnostics settings
type AttemptsConfig struct {
	RecentSize int
	BufferSize int
	Workers    int
}

// ProvidersConfig holds the provider descriptors in declaration order
type ProvidersConfig struct {
	File        string
	Descriptors []providers.Descriptor
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
}

// providersFile is the on-disk layout of PROVIDERS_FILE
type providersFile struct {
	Providers []providers.Descriptor `yaml:"providers"`
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Routing: RoutingConfig{
			Strategy:            getEnv("ROUTING_STRATEGY", string(routing.StrategyCostOptimized)),
			PreferLocal:         getEnvAsBool("PREFER_LOCAL", false),
			OfflineMode:         getEnvAsBool("OFFLINE_MODE", false),
			EnableFallback:      getEnvAsBool("ENABLE_FALLBACK", true),
			PredictiveAlpha:     getEnvAsFloat("PREDICTIVE_ALPHA", routing.DefaultAlpha),
			PredictiveInitScore: getEnvAsFloat("PREDICTIVE_INITIAL_SCORE", routing.DefaultInitialScore),
		},
		Resilience: ResilienceConfig{
			FailureThreshold:  getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
			Cooldown:          getEnvAsDuration("BREAKER_COOLDOWN", 60*time.Second),
			SuccessThreshold:  getEnvAsInt("BREAKER_SUCCESS_THRESHOLD", 3),
			HalfOpenMaxTrials: getEnvAsInt("BREAKER_HALF_OPEN_MAX_TRIALS", 3),
			DefaultCeiling:    getEnvAsInt("BULKHEAD_DEFAULT_CEILING", 10),
			AcquireTimeout:    getEnvAsDuration("BULKHEAD_ACQUIRE_TIMEOUT", 0),
		},
		Retry: RetryConfig{
			Count:       getEnvAsInt("RETRY_COUNT", 3),
			BackoffBase: getEnvAsDuration("RETRY_BACKOFF_BASE", 500*time.Millisecond),
			BackoffMax:  getEnvAsDuration("RETRY_BACKOFF_MAX", 30*time.Second),
			Strategy:    getEnv("RETRY_STRATEGY", string(providers.StrategyExponential)),
			Jitter:      getEnvAsFloat("RETRY_JITTER", 0.1),
			CallTimeout: getEnvAsDuration("PROVIDER_CALL_TIMEOUT", 30*time.Second),
		},
		Tokens: TokensConfig{
			MaxPerCall:        getEnvAsInt("TOKENS_MAX_PER_CALL", 8192),
			RequestCeiling:    getEnvAsInt("TOKENS_REQUEST_CEILING", 32768),
			WindowCeiling:     int64(getEnvAsInt("TOKENS_WINDOW_CEILING", 0)),
			Window:            getEnvAsDuration("TOKENS_WINDOW", time.Minute),
			WindowBackend:     strings.ToLower(getEnv("TOKEN_WINDOW_BACKEND", WindowBackendMemory)),
			DefaultCompletion: getEnvAsInt("TOKENS_DEFAULT_COMPLETION", 512),
			ForceFallback:     getEnvAsBool("TOKENS_FORCE_FALLBACK", false),
			CleanupInterval:   getEnvAsDuration("TOKENS_CLEANUP_INTERVAL", 5*time.Minute),
			Tokenizer:         strings.ToLower(getEnv("TOKENIZER", TokenizerTiktoken)),
			Encoding:          getEnv("TOKENIZER_ENCODING", "cl100k_base"),
		},
		Cache: CacheConfig{
			Enabled:    getEnvAsBool("CACHE_ENABLED", true),
			TTL:        getEnvAsDuration("CACHE_TTL", 5*time.Minute),
			MaxEntries: getEnvAsInt("CACHE_MAX_ENTRIES", 1000),
		},
		Attempts: AttemptsConfig{
			RecentSize: getEnvAsInt("ATTEMPTS_RECENT_SIZE", 200),
			BufferSize: getEnvAsInt("ATTEMPTS_BUFFER_SIZE", 1000),
			Workers:    getEnvAsInt("ATTEMPTS_WORKERS", 2),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	descs, file, err := loadProviders()
	if err != nil {
		return nil, err
	}
	cfg.Providers = ProvidersConfig{File: file, Descriptors: descs}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for values the gateway cannot run with
func (c *Config) Validate() error {
	if _, err := routing.ParseStrategy(c.Routing.Strategy); err != nil {
		return fmt.Errorf("ROUTING_STRATEGY: %w", err)
	}
	if c.Routing.PredictiveAlpha <= 0 || c.Routing.PredictiveAlpha > 1 {
		return fmt.Errorf("PREDICTIVE_ALPHA must be in (0, 1]")
	}
	if _, err := providers.ParseStrategy(c.Retry.Strategy); err != nil {
		return fmt.Errorf("RETRY_STRATEGY: %w", err)
	}
	if c.Retry.Count < 0 {
		return fmt.Errorf("RETRY_COUNT must be non-negative")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("RETRY_JITTER must be in [0, 1]")
	}

	if c.Resilience.FailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be at least 1")
	}
	if c.Resilience.SuccessThreshold < 1 {
		return fmt.Errorf("BREAKER_SUCCESS_THRESHOLD must be at least 1")
	}
	if c.Resilience.DefaultCeiling < 0 {
		return fmt.Errorf("BULKHEAD_DEFAULT_CEILING must be non-negative")
	}
	if c.Resilience.AcquireTimeout < 0 {
		return fmt.Errorf("BULKHEAD_ACQUIRE_TIMEOUT must be non-negative")
	}

	if c.Tokens.MaxPerCall < 0 || c.Tokens.RequestCeiling < 0 || c.Tokens.WindowCeiling < 0 {
		return fmt.Errorf("token ceilings must be non-negative")
	}
	switch c.Tokens.WindowBackend {
	case WindowBackendMemory, WindowBackendRedis:
	case WindowBackendPostgres:
		if !c.Database.Configured() {
			return fmt.Errorf("postgres token window requires DATABASE_URL or DB_HOST")
		}
	default:
		return fmt.Errorf("unknown TOKEN_WINDOW_BACKEND %q", c.Tokens.WindowBackend)
	}
	switch c.Tokens.Tokenizer {
	case "", TokenizerTiktoken, TokenizerRunes:
	default:
		return fmt.Errorf("unknown TOKENIZER %q", c.Tokens.Tokenizer)
	}
	if c.Attempts.RecentSize < 0 || c.Attempts.BufferSize < 0 || c.Attempts.Workers < 0 {
		return fmt.Errorf("attempt sink sizes must be non-negative")
	}

	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive when the cache is enabled")
	}

	if len(c.Providers.Descriptors) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	seen := make(map[string]struct{}, len(c.Providers.Descriptors))
	for _, d := range c.Providers.Descriptors {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("duplicate provider %q", d.Name)
		}
		seen[d.Name] = struct{}{}
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// NeedsDatabase reports whether any component uses PostgreSQL
func (c *Config) NeedsDatabase() bool {
	return c.Tokens.WindowBackend == WindowBackendPostgres
}

// Configured reports whether a connection target was given
func (c *DatabaseConfig) Configured() bool {
	return c.ConnectionString != "" || c.Host != ""
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", ""),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "gateway"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "gateway"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// loadProviders reads PROVIDERS_FILE when set, otherwise builds descriptors
// from OPENAI_* and OLLAMA_* variables.
func loadProviders() ([]providers.Descriptor, string, error) {
	path := getEnv("PROVIDERS_FILE", "")
	if path == "" {
		return providersFromEnv(), "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("reading providers file: %w", err)
	}
	descs, err := ParseProviders(data)
	if err != nil {
		return nil, path, fmt.Errorf("parsing providers file %s: %w", path, err)
	}
	return descs, path, nil
}

// ParseProviders decodes a YAML providers document. Environment references
// such as ${OPENAI_API_KEY} are expanded before decoding.
func ParseProviders(data []byte) ([]providers.Descriptor, error) {
	expanded := os.ExpandEnv(string(data))

	var file providersFile
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, err
	}
	for i := range file.Providers {
		if file.Providers[i].LatencyClass == "" {
			file.Providers[i].LatencyClass = providers.LatencyMedium
		}
	}
	return file.Providers, nil
}

func providersFromEnv() []providers.Descriptor {
	var descs []providers.Descriptor

	if key := getEnv("OPENAI_API_KEY", ""); key != "" {
		descs = append(descs, providers.Descriptor{
			Name:           getEnv("OPENAI_NAME", "openai"),
			Kind:           providers.KindOpenAI,
			Endpoint:       getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			APIKey:         key,
			CostPerToken:   getEnvAsFloat("OPENAI_COST_PER_TOKEN", 0.00001),
			LatencyClass:   providers.LatencyClass(getEnv("OPENAI_LATENCY_CLASS", string(providers.LatencyMedium))),
			Tier:           getEnvAsInt("OPENAI_TIER", 1),
			Models:         getEnvAsList("OPENAI_MODELS", nil),
			DefaultModel:   getEnv("OPENAI_DEFAULT_MODEL", "gpt-4o-mini"),
			MaxConcurrency: getEnvAsInt("OPENAI_MAX_CONCURRENCY", 0),
			Timeout:        getEnvAsDuration("OPENAI_TIMEOUT", 0),
		})
	}

	if getEnvAsBool("OLLAMA_ENABLED", false) || os.Getenv("OLLAMA_BASE_URL") != "" {
		descs = append(descs, providers.Descriptor{
			Name:           getEnv("OLLAMA_NAME", "ollama"),
			Kind:           providers.KindOllama,
			Endpoint:       getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
			LatencyClass:   providers.LatencyClass(getEnv("OLLAMA_LATENCY_CLASS", string(providers.LatencyLow))),
			Tier:           getEnvAsInt("OLLAMA_TIER", 0),
			Local:          true,
			Models:         getEnvAsList("OLLAMA_MODELS", nil),
			DefaultModel:   getEnv("OLLAMA_DEFAULT_MODEL", "llama3"),
			MaxConcurrency: getEnvAsInt("OLLAMA_MAX_CONCURRENCY", 2),
			Timeout:        getEnvAsDuration("OLLAMA_TIMEOUT", 0),
		})
	}

	return descs
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
