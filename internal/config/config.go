// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes engine settings such
// as server timeouts, logging, Redis connectivity, cache tier TTLs, queue
// behavior, scheduler cadence, rate limiting, and upstream endpoints.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nodal-labs/prefetch-engine/internal/sysutil"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "prefetch-engine")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RedisConfig defines connectivity to the Redis backend shared by the job
// queue and the tiered cache.
type RedisConfig struct {
	Addr     string // REDIS_ADDR, host:port
	Password string // REDIS_PASSWORD
	DB       int    // REDIS_DB
}

// CacheConfig defines tier TTLs and the artifact size bound.
type CacheConfig struct {
	HotTTL          time.Duration // CACHE_HOT_TTL (default 5m)
	WarmTTL         time.Duration // CACHE_WARM_TTL (default 15m)
	MaxTimelineSize int           // CACHE_MAX_TIMELINE_SIZE, entries per artifact
}

// QueueConfig defines retry, backoff, stall, and retention behavior of the
// durable job queue.
type QueueConfig struct {
	RetryAttempts      int           // QUEUE_RETRY_ATTEMPTS (default 3)
	BackoffBase        time.Duration // QUEUE_BACKOFF_BASE (default 2s, doubling)
	StallInterval      time.Duration // QUEUE_STALL_INTERVAL, watchdog deadline per claim
	RetentionCompleted int           // QUEUE_RETENTION_COMPLETED (default 100)
	RetentionFailed    int           // QUEUE_RETENTION_FAILED (default 50)
}

// WorkerConfig bounds worker-pool concurrency and scheduler batching.
type WorkerConfig struct {
	Concurrency int // WORKER_CONCURRENCY (default 100)
	BatchSize   int // WORKER_BATCH_SIZE, scheduler batch ceiling (default 50)
}

// RateLimitConfig holds per-minute request ceilings enforced at the edge.
type RateLimitConfig struct {
	GlobalPerMin  int // RATE_LIMIT_GLOBAL (default 300 req/min/peer)
	EnqueuePerMin int // RATE_LIMIT_ENQUEUE (default 100)
	ReadPerMin    int // RATE_LIMIT_READ (default 300)
}

// AuthConfig identifies this service to the Certificate Authority and tunes
// token handling.
type AuthConfig struct {
	CAURL          string        // CA_URL, base URL of the Certificate Authority
	ServiceID      string        // SERVICE_ID, the engine's own identity
	Credential     string        // SERVICE_CREDENTIAL, certificate-bound secret
	TokenExpiry    time.Duration // TOKEN_EXPIRY requested from the CA
	SafetyMargin   time.Duration // TOKEN_SAFETY_MARGIN before expiry re-issue
	VerifyCacheTTL time.Duration // VERIFY_CACHE_TTL for inbound verification results
}

// Config holds all configuration values for the engine.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// Upstreams
	OriginURL       string        // ORIGIN_URL, base URL of the timeline service
	PrefetchTimeout time.Duration // PREFETCH_TIMEOUT, per-origin-call deadline

	// Scheduler
	ActivityCheckInterval time.Duration // ACTIVITY_CHECK_INTERVAL (default 60s)

	Redis     RedisConfig
	Cache     CacheConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	RateLimit RateLimitConfig
	Auth      AuthConfig

	// Web protection
	CORS CORSConfig

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

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "3005"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Upstreams
		OriginURL:       getenv("ORIGIN_URL", "http://localhost:3001"),
		PrefetchTimeout: getdur("PREFETCH_TIMEOUT", 10*time.Second),

		// Scheduler
		ActivityCheckInterval: getdur("ACTIVITY_CHECK_INTERVAL", 60*time.Second),

		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
		},

		Cache: CacheConfig{
			HotTTL:          getdur("CACHE_HOT_TTL", 5*time.Minute),
			WarmTTL:         getdur("CACHE_WARM_TTL", 15*time.Minute),
			MaxTimelineSize: getint("CACHE_MAX_TIMELINE_SIZE", 100),
		},

		Queue: QueueConfig{
			RetryAttempts:      getint("QUEUE_RETRY_ATTEMPTS", 3),
			BackoffBase:        getdur("QUEUE_BACKOFF_BASE", 2*time.Second),
			StallInterval:      getdur("QUEUE_STALL_INTERVAL", 30*time.Second),
			RetentionCompleted: getint("QUEUE_RETENTION_COMPLETED", 100),
			RetentionFailed:    getint("QUEUE_RETENTION_FAILED", 50),
		},

		Worker: WorkerConfig{
			Concurrency: getint("WORKER_CONCURRENCY", 100),
			BatchSize:   getint("WORKER_BATCH_SIZE", 50),
		},

		RateLimit: RateLimitConfig{
			GlobalPerMin:  getint("RATE_LIMIT_GLOBAL", 300),
			EnqueuePerMin: getint("RATE_LIMIT_ENQUEUE", 100),
			ReadPerMin:    getint("RATE_LIMIT_READ", 300),
		},

		Auth: AuthConfig{
			CAURL:          getenv("CA_URL", "http://localhost:3000"),
			ServiceID:      getenv("SERVICE_ID", "prefetch-engine"),
			Credential:     getenv("SERVICE_CREDENTIAL", ""),
			TokenExpiry:    getdur("TOKEN_EXPIRY", 1*time.Hour),
			SafetyMargin:   getdur("TOKEN_SAFETY_MARGIN", 30*time.Second),
			VerifyCacheTTL: getdur("VERIFY_CACHE_TTL", 60*time.Second),
		},

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "prefetch-engine"),
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
	if strings.TrimSpace(cfg.OriginURL) == "" {
		return cfg, errors.New("ORIGIN_URL must not be empty")
	}
	if strings.TrimSpace(cfg.Auth.CAURL) == "" {
		return cfg, errors.New("CA_URL must not be empty")
	}
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return cfg, errors.New("REDIS_ADDR must not be empty")
	}
	if cfg.PrefetchTimeout <= 0 {
		return cfg, errors.New("PREFETCH_TIMEOUT must be > 0")
	}
	if cfg.ActivityCheckInterval <= 0 {
		return cfg, errors.New("ACTIVITY_CHECK_INTERVAL must be > 0")
	}
	if cfg.Cache.HotTTL <= 0 || cfg.Cache.WarmTTL <= 0 {
		return cfg, errors.New("cache TTLs must be positive durations")
	}
	if cfg.Cache.MaxTimelineSize <= 0 {
		return cfg, errors.New("CACHE_MAX_TIMELINE_SIZE must be > 0")
	}
	if cfg.Queue.RetryAttempts < 1 {
		return cfg, errors.New("QUEUE_RETRY_ATTEMPTS must be >= 1")
	}
	if cfg.Queue.BackoffBase <= 0 || cfg.Queue.StallInterval <= 0 {
		return cfg, errors.New("queue durations must be positive")
	}
	if cfg.Queue.RetentionCompleted < 1 || cfg.Queue.RetentionFailed < 1 {
		return cfg, errors.New("queue retention windows must be >= 1")
	}
	if cfg.Worker.Concurrency < 1 {
		return cfg, errors.New("WORKER_CONCURRENCY must be >= 1")
	}
	if cfg.Worker.BatchSize < 1 {
		return cfg, errors.New("WORKER_BATCH_SIZE must be >= 1")
	}
	if cfg.RateLimit.GlobalPerMin < 1 || cfg.RateLimit.EnqueuePerMin < 1 || cfg.RateLimit.ReadPerMin < 1 {
		return cfg, errors.New("rate limits must be >= 1 req/min")
	}
	if cfg.Auth.TokenExpiry <= 0 || cfg.Auth.SafetyMargin < 0 || cfg.Auth.VerifyCacheTTL <= 0 {
		return cfg, errors.New("auth durations must be positive")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers ----

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
