// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, database and Redis settings, rate limiting, session and
// idempotency TTLs, upstream model settings, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/streamguard/go-chat-backend/internal/sysutil"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RedisConfig defines connection settings for the shared store.
type RedisConfig struct {
	Addr     string // REDIS_ADDR (host:port)
	Password string // REDIS_PASSWORD
	DB       int    // REDIS_DB
}

// RateLimitConfig defines the chat sliding-window limiter and lockout.
type RateLimitConfig struct {
	MaxRequests     int           // requests per window
	Window          time.Duration // window length
	LockoutAttempts int           // violations before lockout (0 disables)
	LockoutDuration time.Duration // lockout length
}

// UpstreamConfig defines the model provider settings.
type UpstreamConfig struct {
	APIKey      string  // OPENAI_API_KEY
	BaseURL     string  // OPENAI_BASE_URL (optional override)
	Model       string  // OPENAI_MODEL
	MaxRetries  int     // UPSTREAM_MAX_RETRIES
	RPS         float64 // UPSTREAM_RPS pacing toward the provider (0 = unpaced)
	Temperature float64 // OPENAI_TEMPERATURE
}

// BreakerConfig defines circuit breaker thresholds shared by the Redis and
// upstream breakers.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures to open
	RecoveryTimeout  time.Duration // open -> half-open delay
	HalfOpenMax      int           // probes allowed while half-open
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 120s (must cover a full stream)
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// Storage
	DBPath string // SQLite path
	Redis  RedisConfig

	// Protection
	RateLimit      RateLimitConfig
	SessionTTL     time.Duration // session record lifetime
	DedupLockTTL   time.Duration // in-flight duplicate lock lifetime
	IdempotencyTTL time.Duration // replay cache lifetime
	Breaker        BreakerConfig

	// Upstream model
	Upstream UpstreamConfig

	// Chat behavior
	SystemPrompt string // SYSTEM_PROMPT prepended to model context

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables, applies defaults,
// normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 120*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Storage
		DBPath: getenv("DB_PATH", "app.db"),
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
		},

		// Protection
		RateLimit: RateLimitConfig{
			MaxRequests:     getint("RATE_MAX_REQUESTS", 10),
			Window:          getdur("RATE_WINDOW", time.Minute),
			LockoutAttempts: getint("RATE_LOCKOUT_ATTEMPTS", 5),
			LockoutDuration: getdur("RATE_LOCKOUT_DURATION", 15*time.Minute),
		},
		SessionTTL:     getdur("SESSION_TTL", 24*time.Hour),
		DedupLockTTL:   getdur("DEDUP_LOCK_TTL", 30*time.Second),
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),
		Breaker: BreakerConfig{
			FailureThreshold: getint("BREAKER_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  getdur("BREAKER_RECOVERY_TIMEOUT", 30*time.Second),
			HalfOpenMax:      getint("BREAKER_HALF_OPEN_MAX", 1),
		},

		// Upstream model
		Upstream: UpstreamConfig{
			APIKey:      getenv("OPENAI_API_KEY", ""),
			BaseURL:     getenv("OPENAI_BASE_URL", ""),
			Model:       getenv("OPENAI_MODEL", "gpt-4o-mini"),
			MaxRetries:  getint("UPSTREAM_MAX_RETRIES", 3),
			RPS:         getfloat("UPSTREAM_RPS", 0),
			Temperature: getfloat("OPENAI_TEMPERATURE", 0.7),
		},

		// Chat behavior
		SystemPrompt: getenv("SYSTEM_PROMPT", "You are a helpful assistant."),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-chat-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return cfg, errors.New("REDIS_ADDR must not be empty")
	}
	if cfg.RateLimit.MaxRequests < 1 {
		return cfg, errors.New("RATE_MAX_REQUESTS must be >= 1")
	}
	if cfg.RateLimit.Window <= 0 {
		return cfg, errors.New("RATE_WINDOW must be > 0")
	}
	if cfg.RateLimit.LockoutAttempts < 0 {
		return cfg, errors.New("RATE_LOCKOUT_ATTEMPTS must be >= 0")
	}
	if cfg.SessionTTL <= 0 {
		return cfg, errors.New("SESSION_TTL must be > 0")
	}
	if cfg.DedupLockTTL <= 0 {
		return cfg, errors.New("DEDUP_LOCK_TTL must be > 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.Breaker.FailureThreshold < 1 {
		return cfg, errors.New("BREAKER_FAILURE_THRESHOLD must be >= 1")
	}
	if cfg.Upstream.MaxRetries < 0 {
		return cfg, errors.New("UPSTREAM_MAX_RETRIES must be >= 0")
	}
	if cfg.Upstream.RPS < 0 {
		return cfg, errors.New("UPSTREAM_RPS must be >= 0")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- env helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if sysutil.IsTruthy(v) {
			return true
		}
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
