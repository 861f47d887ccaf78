// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENROUTER_API_KEY becomes
// openrouter_api_key in YAML.
//
// One of GOOGLE_API_KEY and OPENROUTER_API_KEY is required for the gateway to
// start. Redis is optional and only backs the inbound rate limiter.
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

	// Gemini is the managed provider.
	Gemini GeminiConfig

	// OpenRouter is the aggregator provider.
	OpenRouter OpenRouterConfig

	// Retry controls the per-provider retry policy.
	Retry RetryConfig

	// Timeouts bound upstream calls and whole requests.
	Timeouts TimeoutConfig

	// Redis holds the connection URL for the rate limiter.
	Redis RedisConfig

	// RateLimit controls inbound request-rate limiting.
	RateLimit RateLimitConfig

	// CORSOrigins is the exact-match list of allowed browser origins.
	// There is no wildcard. Default: http://localhost:3000.
	CORSOrigins []string
}

// GeminiConfig configures the managed provider.
type GeminiConfig struct {
	// APIKey is GOOGLE_API_KEY, falling back to GEMINI_API_KEY.
	APIKey string

	// BaseURL overrides the API endpoint. Useful for local mocks.
	BaseURL string

	// DefaultModel replaces empty and unknown model names. Default:
	// gemini-1.5-flash.
	DefaultModel string

	// Models overrides the built-in allow-list when non-empty.
	Models []string
}

// OpenRouterConfig configures the aggregator provider.
type OpenRouterConfig struct {
	APIKey string

	// BaseURL overrides the API endpoint. Useful for local mocks.
	BaseURL string

	// DefaultModel is used when the request names none and on failover.
	// Default: openrouter/auto.
	DefaultModel string

	// AppBaseURL and AppTitle are sent as HTTP-Referer and X-Title.
	AppBaseURL string
	AppTitle   string
}

// RetryConfig mirrors retry.Policy.
type RetryConfig struct {
	// MaxAttempts is the total number of calls per provider. Default: 3.
	MaxAttempts int

	// BaseDelay is multiplied by Multiplier^i before attempt i. Default: 500ms.
	BaseDelay time.Duration

	// Multiplier must be ≥ 1. Default: 2.
	Multiplier float64
}

type TimeoutConfig struct {
	// Provider bounds a single upstream call. Default: 30s.
	Provider time.Duration

	// Request bounds the whole request including retries and failover.
	// Default: 120s.
	Request time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute per client.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
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
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	v.SetDefault("GEMINI_DEFAULT_MODEL", "gemini-1.5-flash")
	v.SetDefault("OPENROUTER_DEFAULT_MODEL", "openrouter/auto")

	// Retry defaults: 3 calls, waiting 1s then 2s.
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY", "500ms")
	v.SetDefault("RETRY_MULTIPLIER", 2.0)

	v.SetDefault("PROVIDER_TIMEOUT", "30s")
	v.SetDefault("REQUEST_TIMEOUT", "120s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	geminiKey := v.GetString("GOOGLE_API_KEY")
	if geminiKey == "" {
		geminiKey = v.GetString("GEMINI_API_KEY")
	}

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Gemini: GeminiConfig{
			APIKey:       geminiKey,
			BaseURL:      v.GetString("GEMINI_BASE_URL"),
			DefaultModel: v.GetString("GEMINI_DEFAULT_MODEL"),
			Models:       splitList(v.GetString("GEMINI_MODELS")),
		},

		OpenRouter: OpenRouterConfig{
			APIKey:       v.GetString("OPENROUTER_API_KEY"),
			BaseURL:      v.GetString("OPENROUTER_BASE_URL"),
			DefaultModel: v.GetString("OPENROUTER_DEFAULT_MODEL"),
			AppBaseURL:   v.GetString("APP_BASE_URL"),
			AppTitle:     v.GetString("APP_TITLE"),
		},

		Retry: RetryConfig{
			MaxAttempts: v.GetInt("RETRY_MAX_ATTEMPTS"),
			BaseDelay:   v.GetDuration("RETRY_BASE_DELAY"),
			Multiplier:  v.GetFloat64("RETRY_MULTIPLIER"),
		},

		Timeouts: TimeoutConfig{
			Provider: v.GetDuration("PROVIDER_TIMEOUT"),
			Request:  v.GetDuration("REQUEST_TIMEOUT"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(GOOGLE_API_KEY or GEMINI_API_KEY, OPENROUTER_API_KEY)",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: RETRY_MAX_ATTEMPTS must be ≥ 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay < 0 {
		return fmt.Errorf("config: RETRY_BASE_DELAY must not be negative")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("config: RETRY_MULTIPLIER must be ≥ 1, got %g", c.Retry.Multiplier)
	}

	if c.Timeouts.Provider <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}
	if c.Timeouts.Request <= 0 {
		return fmt.Errorf("config: REQUEST_TIMEOUT must be a positive duration")
	}

	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	for _, o := range c.CORSOrigins {
		if o == "*" {
			return fmt.Errorf("config: CORS_ORIGINS must list exact origins; \"*\" is not allowed")
		}
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.Gemini.APIKey != "" || c.OpenRouter.APIKey != ""
}

// splitList parses a comma-separated env value, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
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
