package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	apperrors "github.com/NikhilSetiya/evalcache/pkg/errors"
)

// Config holds the application configuration
type Config struct {
	Server      ServerConfig      `json:"server"`
	Logging     LoggingConfig     `json:"logging"`
	Performance PerformanceConfig `json:"performance"`
	Evaluator   EvaluatorConfig   `json:"evaluator"`
	Tracing     TracingConfig     `json:"tracing"`
	Metrics     MetricsConfig     `json:"metrics"`
	Admin       AdminConfig       `json:"admin"`
	Alerting    AlertingConfig    `json:"alerting"`
	RateLimit   RateLimitConfig   `json:"rate_limit"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	AllowedOrigins  []string      `json:"allowed_origins"`
	Environment     string        `json:"environment"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// PerformanceConfig configures the cache, circuit breaker and batching layers.
type PerformanceConfig struct {
	CacheMaxEntries      int           `json:"cache_max_entries"`
	CacheTTLSeconds      int           `json:"cache_ttl_seconds"`
	CacheStrategy        string        `json:"cache_strategy"`
	CacheMemoryLimitMB   int           `json:"cache_memory_limit_mb"`
	CacheCleanupInterval time.Duration `json:"cache_cleanup_interval"`

	CircuitFailureThreshold   int `json:"circuit_failure_threshold"`
	CircuitOpenTimeoutSeconds int `json:"circuit_open_timeout_seconds"`
	CircuitSuccessThreshold   int `json:"circuit_success_threshold"`

	BatchSize            int `json:"batch_size"`
	BatchMaxWaitMS       int `json:"batch_max_wait_ms"`
	MaxConcurrentBatches int `json:"max_concurrent_batches"`
	QueueCapacity        int `json:"queue_capacity"`

	Enabled bool `json:"enabled"`
}

// EvaluatorConfig points at the remote scoring service.
type EvaluatorConfig struct {
	URL          string        `json:"url"`
	TokenURL     string        `json:"token_url"`
	ClientID     string        `json:"client_id"`
	ClientSecret string        `json:"-"`
	Timeout      time.Duration `json:"timeout"`
	MaxRetries   int           `json:"max_retries"`
	// HealthURL is probed by the readiness check when set
	HealthURL string `json:"health_url"`
}

// AlertingConfig contains the notification targets for breaker alerts.
// Alerting is off when neither URL is set.
type AlertingConfig struct {
	WebhookURL      string `json:"webhook_url"`
	SlackWebhookURL string `json:"-"`
	SlackChannel    string `json:"slack_channel"`
}

// RateLimitConfig limits POST /api/v1/evaluate. Zero disables a limit.
type RateLimitConfig struct {
	PerIPRequests  int           `json:"per_ip_requests"`
	GlobalRequests int           `json:"global_requests"`
	Window         time.Duration `json:"window"`
	// RedisURL shares counters between replicas, e.g. redis://localhost:6379/0
	RedisURL string `json:"-"`
}

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled         bool          `json:"enabled"`
	CollectInterval time.Duration `json:"collect_interval"`
}

// AdminConfig guards the administrative API routes.
type AdminConfig struct {
	JWTSecret string `json:"-"`
}

// DefaultPerformanceConfig returns the documented defaults.
func DefaultPerformanceConfig() PerformanceConfig {
	return PerformanceConfig{
		CacheMaxEntries:           1000,
		CacheTTLSeconds:           3600,
		CacheStrategy:             "HYBRID",
		CacheMemoryLimitMB:        100,
		CacheCleanupInterval:      5 * time.Minute,
		CircuitFailureThreshold:   5,
		CircuitOpenTimeoutSeconds: 60,
		CircuitSuccessThreshold:   3,
		BatchSize:                 10,
		BatchMaxWaitMS:            100,
		MaxConcurrentBatches:      5,
		QueueCapacity:             1000,
		Enabled:                   true,
	}
}

// Load loads configuration from environment variables with sensible defaults.
// A .env file in the working directory is read first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	defaults := DefaultPerformanceConfig()

	config := &Config{
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			Environment:     getEnvString("ENVIRONMENT", "development"),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Performance: PerformanceConfig{
			CacheMaxEntries:           getEnvInt("CACHE_MAX_ENTRIES", defaults.CacheMaxEntries),
			CacheTTLSeconds:           getEnvInt("CACHE_TTL_SECONDS", defaults.CacheTTLSeconds),
			CacheStrategy:             strings.ToUpper(getEnvString("CACHE_STRATEGY", defaults.CacheStrategy)),
			CacheMemoryLimitMB:        getEnvInt("CACHE_MEMORY_LIMIT_MB", defaults.CacheMemoryLimitMB),
			CacheCleanupInterval:      getEnvDuration("CACHE_CLEANUP_INTERVAL", defaults.CacheCleanupInterval),
			CircuitFailureThreshold:   getEnvInt("CIRCUIT_FAILURE_THRESHOLD", defaults.CircuitFailureThreshold),
			CircuitOpenTimeoutSeconds: getEnvInt("CIRCUIT_OPEN_TIMEOUT_SECONDS", defaults.CircuitOpenTimeoutSeconds),
			CircuitSuccessThreshold:   getEnvInt("CIRCUIT_SUCCESS_THRESHOLD", defaults.CircuitSuccessThreshold),
			BatchSize:                 getEnvInt("BATCH_SIZE", defaults.BatchSize),
			BatchMaxWaitMS:            getEnvInt("BATCH_MAX_WAIT_MS", defaults.BatchMaxWaitMS),
			MaxConcurrentBatches:      getEnvInt("MAX_CONCURRENT_BATCHES", defaults.MaxConcurrentBatches),
			QueueCapacity:             getEnvInt("QUEUE_CAPACITY", defaults.QueueCapacity),
			Enabled:                   getEnvBool("PERFORMANCE_ENABLED", defaults.Enabled),
		},
		Evaluator: EvaluatorConfig{
			URL:          getEnvString("EVALUATOR_URL", ""),
			TokenURL:     getEnvString("EVALUATOR_TOKEN_URL", ""),
			ClientID:     getEnvString("EVALUATOR_CLIENT_ID", ""),
			ClientSecret: getEnvString("EVALUATOR_CLIENT_SECRET", ""),
			Timeout:      getEnvDuration("EVALUATOR_TIMEOUT", 30*time.Second),
			MaxRetries:   getEnvInt("EVALUATOR_MAX_RETRIES", 3),
			HealthURL:    getEnvString("EVALUATOR_HEALTH_URL", ""),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SampleRate:     getEnvFloat("TRACING_SAMPLE_RATE", 0.1),
		},
		Metrics: MetricsConfig{
			Enabled:         getEnvBool("METRICS_ENABLED", true),
			CollectInterval: getEnvDuration("METRICS_COLLECT_INTERVAL", 15*time.Second),
		},
		Admin: AdminConfig{
			JWTSecret: getEnvString("ADMIN_JWT_SECRET", ""),
		},
		RateLimit: RateLimitConfig{
			PerIPRequests:  getEnvInt("RATE_LIMIT_PER_IP", 0),
			GlobalRequests: getEnvInt("RATE_LIMIT_GLOBAL", 0),
			Window:         getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			RedisURL:       getEnvString("REDIS_URL", ""),
		},
		Alerting: AlertingConfig{
			WebhookURL:      getEnvString("ALERT_WEBHOOK_URL", ""),
			SlackWebhookURL: getEnvString("ALERT_SLACK_WEBHOOK_URL", ""),
			SlackChannel:    getEnvString("ALERT_SLACK_CHANNEL", ""),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", apperrors.ErrInvalidConfig, c.Server.Port)
	}

	if c.Evaluator.URL == "" {
		return fmt.Errorf("%w: EVALUATOR_URL is required", apperrors.ErrInvalidConfig)
	}

	if c.Evaluator.TokenURL != "" && (c.Evaluator.ClientID == "" || c.Evaluator.ClientSecret == "") {
		return fmt.Errorf("%w: evaluator OAuth client credentials are required when EVALUATOR_TOKEN_URL is set", apperrors.ErrInvalidConfig)
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("%w: tracing sample rate must be within [0,1]", apperrors.ErrInvalidConfig)
	}

	return c.Performance.Validate()
}

// Validate checks the performance settings once so the components can trust them.
func (p PerformanceConfig) Validate() error {
	switch {
	case p.CacheMaxEntries <= 0:
		return fmt.Errorf("%w: cache max entries must be positive", apperrors.ErrInvalidConfig)
	case p.CacheTTLSeconds <= 0:
		return fmt.Errorf("%w: cache TTL must be positive", apperrors.ErrInvalidConfig)
	case p.CacheMemoryLimitMB <= 0:
		return fmt.Errorf("%w: cache memory limit must be positive", apperrors.ErrInvalidConfig)
	case p.CacheCleanupInterval <= 0:
		return fmt.Errorf("%w: cache cleanup interval must be positive", apperrors.ErrInvalidConfig)
	case p.CircuitFailureThreshold <= 0 || p.CircuitSuccessThreshold <= 0:
		return fmt.Errorf("%w: circuit breaker thresholds must be positive", apperrors.ErrInvalidConfig)
	case p.CircuitOpenTimeoutSeconds <= 0:
		return fmt.Errorf("%w: circuit open timeout must be positive", apperrors.ErrInvalidConfig)
	case p.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive", apperrors.ErrInvalidConfig)
	case p.BatchMaxWaitMS < 0:
		return fmt.Errorf("%w: batch max wait must not be negative", apperrors.ErrInvalidConfig)
	case p.MaxConcurrentBatches <= 0:
		return fmt.Errorf("%w: max concurrent batches must be positive", apperrors.ErrInvalidConfig)
	case p.QueueCapacity <= 0:
		return fmt.Errorf("%w: queue capacity must be positive", apperrors.ErrInvalidConfig)
	}

	switch p.CacheStrategy {
	case "LRU", "TTL", "HYBRID":
	default:
		return fmt.Errorf("%w: unknown cache strategy %q", apperrors.ErrInvalidConfig, p.CacheStrategy)
	}

	return nil
}

// CacheTTL returns the entry time-to-live.
func (p PerformanceConfig) CacheTTL() time.Duration {
	return time.Duration(p.CacheTTLSeconds) * time.Second
}

// CacheMemoryLimitBytes returns the soft memory ceiling in bytes.
func (p PerformanceConfig) CacheMemoryLimitBytes() int64 {
	return int64(p.CacheMemoryLimitMB) * 1024 * 1024
}

// CircuitOpenTimeout returns how long the breaker stays open before probing.
func (p PerformanceConfig) CircuitOpenTimeout() time.Duration {
	return time.Duration(p.CircuitOpenTimeoutSeconds) * time.Second
}

// BatchMaxWait returns the collection window of a batch.
func (p PerformanceConfig) BatchMaxWait() time.Duration {
	return time.Duration(p.BatchMaxWaitMS) * time.Millisecond
}

// Address returns the listen address of the HTTP server
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
