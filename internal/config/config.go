// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment
// variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider admin API keys — at least one must be non-empty. These are
	// sealed into the KeyVault at startup; nothing downstream of app/init.go
	// ever sees the plaintext again outside a short-TTL in-memory cache.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig
	Grok      ProviderConfig // xAI, OpenAI-compatible wire format

	// Deepgram is the real-time transcription provider's admin credential
	// and endpoints.
	Deepgram DeepgramConfig

	// Redis holds the connection URL backing the cache, rate limiter, and
	// auth/device-code/usage-counter store.
	Redis RedisConfig

	// Cache controls response caching behaviour.
	Cache CacheConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds used
	// by the cascade orchestrator.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// ProviderTimeout is the per-provider upstream call timeout.
	ProviderTimeout time.Duration

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// AppBaseURL is used to construct absolute URLs, e.g. the device-code
	// verification page.
	AppBaseURL string

	// Auth holds token-signing and device-flow configuration.
	Auth AuthConfig

	// ClickHouseDSN configures the UsageRecorder's analytics sink. Empty
	// disables usage persistence (no recorder is built and events are not
	// recorded or counted).
	ClickHouseDSN string
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider's admin API key. Leave empty to disable the
	// provider — the cascade treats it as provider_not_configured.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// DeepgramConfig holds Deepgram transcription configuration.
type DeepgramConfig struct {
	APIKey    string
	ProjectID string
	// WSURL is the real-time listen endpoint the liveness probe dials
	// before a token is minted.
	WSURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// ExcludeExact is a list of exact model names that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// model names. Requests whose model matches any pattern are not cached.
	ExcludePatterns []string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of consecutive errors that trip the breaker.
	// Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute across the whole gateway
	// (one shared counter, not per device or per user).
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// AuthConfig controls token signing, admin-key encryption, the device-code
// verification URI, and the device-binding limit (one value for every plan).
type AuthConfig struct {
	// JWTSigningSecret signs access tokens (HS256) and AssemblyAI opaque
	// transcription tokens. Must be at least 32 bytes.
	JWTSigningSecret []byte

	// AdminKeyEncryptionSecret is the AES-256 key KeyVault uses to seal
	// provider admin API keys at rest. Must be exactly 32 bytes.
	AdminKeyEncryptionSecret []byte

	// VerificationURI is the user-facing URL returned alongside a device
	// code, where the user enters the user code to approve the device.
	VerificationURI string

	// DeviceLimit is the maximum number of concurrent device bindings per
	// user before the oldest is evicted.
	DeviceLimit int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one LLM provider admin key must be configured. REDIS_URL is
// always required — the auth/device-code/usage-counter store has no
// in-memory fallback, unlike the response cache.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	v.SetDefault("PROVIDER_TIMEOUT", "30s")
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("DEVICE_LIMIT", 5)
	v.SetDefault("DEVICE_VERIFICATION_URI", "https://app.example.com/device")
	v.SetDefault("DEEPGRAM_WS_URL", "wss://api.deepgram.com/v1/listen")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},
		Grok:      ProviderConfig{APIKey: v.GetString("XAI_API_KEY"), BaseURL: v.GetString("XAI_BASE_URL")},

		Deepgram: DeepgramConfig{
			APIKey:    v.GetString("DEEPGRAM_API_KEY"),
			ProjectID: v.GetString("DEEPGRAM_PROJECT_ID"),
			WSURL:     v.GetString("DEEPGRAM_WS_URL"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		AppBaseURL:  v.GetString("APP_BASE_URL"),

		Auth: AuthConfig{
			JWTSigningSecret:         []byte(v.GetString("JWT_SIGNING_SECRET")),
			AdminKeyEncryptionSecret: []byte(v.GetString("ADMIN_KEY_ENCRYPTION_SECRET")),
			VerificationURI:          v.GetString("DEVICE_VERIFICATION_URI"),
			DeviceLimit:              v.GetInt("DEVICE_LIMIT"),
		},

		ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider admin key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, or XAI_API_KEY)",
		)
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required (backs auth, rate limiting, and usage counters)")
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when CACHE_MODE=redis")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}

	if len(c.Auth.JWTSigningSecret) < 32 {
		return fmt.Errorf("config: JWT_SIGNING_SECRET must be at least 32 bytes")
	}
	if len(c.Auth.AdminKeyEncryptionSecret) != 32 {
		return fmt.Errorf("config: ADMIN_KEY_ENCRYPTION_SECRET must be exactly 32 bytes (AES-256)")
	}
	if c.Auth.DeviceLimit < 1 {
		return fmt.Errorf("config: DEVICE_LIMIT must be ≥ 1, got %d", c.Auth.DeviceLimit)
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one LLM provider admin key
// is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.Grok.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
