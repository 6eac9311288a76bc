// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, rate limiting, the
// completion-claim lease, webhook deduplication, and the external
// collaborator endpoints (payment gateway, print partner, upscaler).
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/printforge/go-orders-backend/internal/sysutil"
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-orders-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// PartnerConfig defines the print partner API settings.
type PartnerConfig struct {
	BaseURL string        // PARTNER_BASE_URL
	APIKey  string        // PARTNER_API_KEY
	Timeout time.Duration // PARTNER_TIMEOUT
}

// PaygateConfig defines the payment gateway API and webhook settings.
type PaygateConfig struct {
	BaseURL       string        // PAYGATE_BASE_URL
	APIKey        string        // PAYGATE_API_KEY
	Timeout       time.Duration // PAYGATE_TIMEOUT
	WebhookSecret string        // PAYGATE_WEBHOOK_SECRET
	CallbackURL   string        // PAYGATE_CALLBACK_URL (signed into webhooks)
}

// UpscalerConfig defines the asset transform service settings.
type UpscalerConfig struct {
	BaseURL string        // UPSCALER_BASE_URL
	Timeout time.Duration // UPSCALER_TIMEOUT
}

// DedupConfig defines the webhook event deduplication window.
type DedupConfig struct {
	Backend    string        // DEDUP_BACKEND: memory|redis
	TTL        time.Duration // DEDUP_TTL (e.g. 1h)
	MaxEntries int           // DEDUP_MAX_ENTRIES (memory backend)
	RedisAddr  string        // REDIS_ADDR (redis backend)
}

// Config holds all configuration values for the application.
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
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// App
	DBPath     string        // SQLite path
	SKUPrefix  string        // internal SKU namespace prefix, stripped for the partner
	ClaimLease time.Duration // processing-claim lease duration

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Collaborators
	Partner  PartnerConfig
	Paygate  PaygateConfig
	Upscaler UpscalerConfig
	Dedup    DedupConfig

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
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:     getenv("DB_PATH", "app.db"),
		SKUPrefix:  getenv("SKU_PREFIX", "US-"),
		ClaimLease: getdur("CLAIM_LEASE", 5*time.Minute),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Collaborators
		Partner: PartnerConfig{
			BaseURL: getenv("PARTNER_BASE_URL", "http://localhost:9101"),
			APIKey:  getenv("PARTNER_API_KEY", ""),
			Timeout: getdur("PARTNER_TIMEOUT", 30*time.Second),
		},
		Paygate: PaygateConfig{
			BaseURL:       getenv("PAYGATE_BASE_URL", "http://localhost:9102"),
			APIKey:        getenv("PAYGATE_API_KEY", ""),
			Timeout:       getdur("PAYGATE_TIMEOUT", 30*time.Second),
			WebhookSecret: getenv("PAYGATE_WEBHOOK_SECRET", ""),
			CallbackURL:   getenv("PAYGATE_CALLBACK_URL", "http://localhost:8080/webhooks/payment"),
		},
		Upscaler: UpscalerConfig{
			BaseURL: getenv("UPSCALER_BASE_URL", "http://localhost:9103"),
			Timeout: getdur("UPSCALER_TIMEOUT", 60*time.Second),
		},
		Dedup: DedupConfig{
			Backend:    strings.ToLower(getenv("DEDUP_BACKEND", "memory")),
			TTL:        getdur("DEDUP_TTL", time.Hour),
			MaxEntries: getint("DEDUP_MAX_ENTRIES", 100_000),
			RedisAddr:  getenv("REDIS_ADDR", "localhost:6379"),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-orders-backend"),
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
	if cfg.ClaimLease <= 0 {
		return cfg, errors.New("CLAIM_LEASE must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	switch cfg.Dedup.Backend {
	case "memory", "redis":
	default:
		return cfg, errors.New("DEDUP_BACKEND must be memory or redis")
	}
	if cfg.Dedup.TTL <= 0 {
		return cfg, errors.New("DEDUP_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- env parsing helpers ----

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

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
