// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage, the credential pool, the conversation window, the upstream
// model client, rate limiting and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
	AdminToken string // ADMIN_TOKEN; admin routes are disabled when empty
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-keypool-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// PoolConfig describes the upstream credential pool.
type PoolConfig struct {
	APIKeys        []string      // GEMINI_API_KEYS (CSV)
	MaxUsersPerKey int           // MAX_USERS_PER_KEY
	RedisURL       string        // REDIS_URL; enables cross-process user locks
	LockTTL        time.Duration // LOCK_TTL
}

// WindowConfig bounds each user's conversation window.
type WindowConfig struct {
	Size        int    // CONTEXT_WINDOW_SIZE
	SummaryMode string // digest|upstream
}

// UpstreamConfig configures the generation API client.
type UpstreamConfig struct {
	Provider         string        // gemini|openai
	BaseURL          string        // optional override of the provider endpoint
	Timeout          time.Duration // per attempt
	Retries          int           // attempts per credential on transient errors
	Backoff          time.Duration // initial backoff between transient retries
	MaxReassignments int           // credential swaps per message
	DefaultModel     string        // model catalog key
	SystemPrompt     string
	MaxPromptRunes   int
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 60s, covers upstream latency
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Storage
	DBDriver string // sqlite|postgres|mysql
	DBDSN    string // DSN for postgres/mysql
	DBPath   string // SQLite path

	// Domain
	Pool     PoolConfig
	Window   WindowConfig
	Upstream UpstreamConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

const defaultSystemPrompt = "You are a helpful assistant. Answer concisely and in the user's language."

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
		WriteTimeout:      getdur("WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DBDriver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		DBDSN:    getenv("DB_DSN", ""),
		DBPath:   getenv("DB_PATH", "app.db"),

		Pool: PoolConfig{
			APIKeys:        splitCSV(getenv("GEMINI_API_KEYS", "")),
			MaxUsersPerKey: getint("MAX_USERS_PER_KEY", 5),
			RedisURL:       getenv("REDIS_URL", ""),
			LockTTL:        getdur("LOCK_TTL", 2*time.Minute),
		},
		Window: WindowConfig{
			Size:        getint("CONTEXT_WINDOW_SIZE", 20),
			SummaryMode: strings.ToLower(getenv("SUMMARY_MODE", "digest")),
		},
		Upstream: UpstreamConfig{
			Provider:         strings.ToLower(getenv("UPSTREAM_PROVIDER", "gemini")),
			BaseURL:          getenv("UPSTREAM_BASE_URL", ""),
			Timeout:          getdur("UPSTREAM_TIMEOUT", 60*time.Second),
			Retries:          getint("UPSTREAM_RETRIES", 3),
			Backoff:          getdur("UPSTREAM_BACKOFF", 250*time.Millisecond),
			MaxReassignments: getint("MAX_REASSIGNMENTS", 3),
			DefaultModel:     strings.ToLower(getenv("DEFAULT_MODEL", "flash")),
			SystemPrompt:     getenv("SYSTEM_PROMPT", defaultSystemPrompt),
			MaxPromptRunes:   getint("MAX_PROMPT_RUNES", 4000),
		},

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
			AdminToken: getenv("ADMIN_TOKEN", ""),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-keypool-backend"),
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
	switch cfg.DBDriver {
	case "sqlite3":
		cfg.DBDriver = "sqlite"
	case "postgresql", "pg":
		cfg.DBDriver = "postgres"
	}
	if cfg.Upstream.Provider == "openai-compatible" {
		cfg.Upstream.Provider = "openai"
	}
	cfg.Pool.APIKeys = dedupe(cfg.Pool.APIKeys)

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
	switch cfg.DBDriver {
	case "sqlite":
		if strings.TrimSpace(cfg.DBPath) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres", "mysql":
		if strings.TrimSpace(cfg.DBDSN) == "" {
			return cfg, errors.New("DB_DSN is required for postgres and mysql")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres, mysql")
	}
	if cfg.Pool.MaxUsersPerKey < 1 {
		return cfg, errors.New("MAX_USERS_PER_KEY must be >= 1")
	}
	if cfg.Pool.LockTTL <= 0 {
		return cfg, errors.New("LOCK_TTL must be > 0")
	}
	if cfg.Window.Size < 1 {
		return cfg, errors.New("CONTEXT_WINDOW_SIZE must be >= 1")
	}
	switch cfg.Window.SummaryMode {
	case "digest", "upstream":
	default:
		return cfg, errors.New("SUMMARY_MODE must be one of: digest, upstream")
	}
	switch cfg.Upstream.Provider {
	case "gemini", "openai":
	default:
		return cfg, errors.New("UPSTREAM_PROVIDER must be one of: gemini, openai")
	}
	if cfg.Upstream.Timeout <= 0 {
		return cfg, errors.New("UPSTREAM_TIMEOUT must be > 0")
	}
	if cfg.Upstream.Retries < 1 {
		return cfg, errors.New("UPSTREAM_RETRIES must be >= 1")
	}
	if cfg.Upstream.Backoff < 0 {
		return cfg, errors.New("UPSTREAM_BACKOFF must be >= 0")
	}
	if cfg.Upstream.MaxReassignments < 0 {
		return cfg, errors.New("MAX_REASSIGNMENTS must be >= 0")
	}
	if strings.TrimSpace(cfg.Upstream.DefaultModel) == "" {
		return cfg, errors.New("DEFAULT_MODEL must not be empty")
	}
	if cfg.Upstream.MaxPromptRunes < 1 {
		return cfg, errors.New("MAX_PROMPT_RUNES must be >= 1")
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
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

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
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
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

// dedupe keeps the first occurrence of each value, preserving order.
// Key order matters: it decides which credential fills first.
func dedupe(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
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
