// Package config loads and validates all runtime configuration for the relay.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_KEYS becomes openai_keys
// in YAML.
//
// Credentials are comma-separated lists, one entry per upstream key:
// bare secrets for OpenAI, Anthropic, Google AI, and Mistral;
// "id:secret:region" for AWS; "project:email:region:b64pkcs8" for GCP;
// "resource:deployment:key" for Azure. At least one list must be non-empty.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
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

	// Keys holds the per-service credential lists.
	Keys KeysConfig

	// AllowAWSLogging keeps AWS keys selectable even when the account has
	// invocation logging enabled. Default: false.
	AllowAWSLogging bool

	// CheckerInterval floors the time between two probes of one key.
	// Default: 6h.
	CheckerInterval time.Duration

	// Queue tunes the scheduler admission limits.
	Queue QueueConfig

	// Filter is the local content-filter policy.
	Filter FilterConfig

	// Quotas maps model family names to per-identity token budgets.
	// Zero or missing means unbounded.
	Quotas map[string]int64

	// ContextLimits maps model family names to maximum prompt+output tokens.
	ContextLimits map[string]int64

	// VisionFamilies lists the model families allowed to carry image parts.
	VisionFamilies []string

	// Upstream overrides the provider endpoints, for mocks and tests.
	Upstream UpstreamConfig

	// Redis holds the connection URL for the Redis-backed cache and rate
	// limiter. Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls the model-listing / status cache backend.
	Cache CacheConfig

	// RateLimit controls the per-identity request-rate limiter.
	RateLimit RateLimitConfig

	// ClickHouse enables the persistent completion-event sink when Addr is
	// set.
	ClickHouse ClickHouseConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string
}

// KeysConfig holds the comma-separated credential lists.
type KeysConfig struct {
	OpenAI    string
	Anthropic string
	AWS       string
	GCP       string
	Azure     string
	GoogleAI  string
	Mistral   string
}

// QueueConfig tunes scheduler admission.
type QueueConfig struct {
	// UserConcurrencyLimit is the number of queued requests one identity may
	// hold. Default: 1.
	UserConcurrencyLimit int

	// LoadThreshold is the total queue depth above which non-streaming
	// requests are rejected. Default: 50.
	LoadThreshold int
}

// FilterConfig is the local content filter.
type FilterConfig struct {
	// BlockedOrigins rejects requests whose Origin or Referer contains any
	// of these substrings.
	BlockedOrigins []string

	// Patterns are Go regular expressions matched against prompt text.
	Patterns []string

	// StrikeBase is the first per-IP backoff after a filter hit; each
	// further hit doubles it. Default: 30s.
	StrikeBase time.Duration

	// BlockedModels withholds exact model names from relaying.
	BlockedModels []string

	// BlockedModelPatterns withholds models matching these Go regular
	// expressions.
	BlockedModelPatterns []string
}

// UpstreamConfig overrides provider endpoints.
type UpstreamConfig struct {
	OpenAIBaseURL    string
	AnthropicBaseURL string
	AWSBaseURL       string
	GCPBaseURL       string
	AzureBaseURL     string
	GoogleAIBaseURL  string
	MistralBaseURL   string

	AzureAPIVersion  string
	AnthropicVersion string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the listing/status cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL).
	//   "memory" — In-process TTL cache. No external deps.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// ModelListTTL bounds the cached /v1/models answer. Default: 60s.
	ModelListTTL time.Duration
}

// RateLimitConfig controls the per-identity request limiter.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute per identity.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// ClickHouseConfig enables the completion-event sink.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
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
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("MODEL_LIST_TTL", "60s")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("CHECKER_INTERVAL", "6h")
	v.SetDefault("ALLOW_AWS_LOGGING", false)

	v.SetDefault("USER_CONCURRENCY_LIMIT", 1)
	v.SetDefault("LOAD_THRESHOLD", 50)

	v.SetDefault("FILTER_STRIKE_BASE", "30s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("CLICKHOUSE_DATABASE", "default")
	v.SetDefault("CLICKHOUSE_USERNAME", "default")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Keys: KeysConfig{
			OpenAI:    v.GetString("OPENAI_KEYS"),
			Anthropic: v.GetString("ANTHROPIC_KEYS"),
			AWS:       v.GetString("AWS_KEYS"),
			GCP:       v.GetString("GCP_KEYS"),
			Azure:     v.GetString("AZURE_KEYS"),
			GoogleAI:  v.GetString("GOOGLE_AI_KEYS"),
			Mistral:   v.GetString("MISTRAL_KEYS"),
		},

		AllowAWSLogging: v.GetBool("ALLOW_AWS_LOGGING"),
		CheckerInterval: v.GetDuration("CHECKER_INTERVAL"),

		Queue: QueueConfig{
			UserConcurrencyLimit: v.GetInt("USER_CONCURRENCY_LIMIT"),
			LoadThreshold:        v.GetInt("LOAD_THRESHOLD"),
		},

		Filter: FilterConfig{
			BlockedOrigins:       v.GetStringSlice("BLOCKED_ORIGINS"),
			Patterns:             v.GetStringSlice("FILTER_PATTERNS"),
			StrikeBase:           v.GetDuration("FILTER_STRIKE_BASE"),
			BlockedModels:        v.GetStringSlice("BLOCKED_MODELS"),
			BlockedModelPatterns: v.GetStringSlice("BLOCKED_MODEL_PATTERNS"),
		},

		Quotas:         parseFamilyLimits(v.GetString("TOKEN_QUOTAS")),
		ContextLimits:  parseFamilyLimits(v.GetString("CONTEXT_LIMITS")),
		VisionFamilies: v.GetStringSlice("VISION_FAMILIES"),

		Upstream: UpstreamConfig{
			OpenAIBaseURL:    v.GetString("OPENAI_BASE_URL"),
			AnthropicBaseURL: v.GetString("ANTHROPIC_BASE_URL"),
			AWSBaseURL:       v.GetString("AWS_BASE_URL"),
			GCPBaseURL:       v.GetString("GCP_BASE_URL"),
			AzureBaseURL:     v.GetString("AZURE_BASE_URL"),
			GoogleAIBaseURL:  v.GetString("GOOGLE_AI_BASE_URL"),
			MistralBaseURL:   v.GetString("MISTRAL_BASE_URL"),
			AzureAPIVersion:  v.GetString("AZURE_API_VERSION"),
			AnthropicVersion: v.GetString("ANTHROPIC_VERSION"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:         strings.ToLower(v.GetString("CACHE_MODE")),
			ModelListTTL: v.GetDuration("MODEL_LIST_TTL"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneKeyList() {
		return fmt.Errorf(
			"config: at least one credential list is required " +
				"(OPENAI_KEYS, ANTHROPIC_KEYS, AWS_KEYS, GCP_KEYS, AZURE_KEYS, " +
				"GOOGLE_AI_KEYS, or MISTRAL_KEYS)",
		)
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT is set")
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
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

	if c.Queue.UserConcurrencyLimit < 1 {
		return fmt.Errorf("config: USER_CONCURRENCY_LIMIT must be ≥ 1, got %d", c.Queue.UserConcurrencyLimit)
	}
	if c.Queue.LoadThreshold < 1 {
		return fmt.Errorf("config: LOAD_THRESHOLD must be ≥ 1, got %d", c.Queue.LoadThreshold)
	}

	return nil
}

// AtLeastOneKeyList returns true if at least one credential list is set.
func (c *Config) AtLeastOneKeyList() bool {
	return c.Keys.OpenAI != "" ||
		c.Keys.Anthropic != "" ||
		c.Keys.AWS != "" ||
		c.Keys.GCP != "" ||
		c.Keys.Azure != "" ||
		c.Keys.GoogleAI != "" ||
		c.Keys.Mistral != ""
}

// parseFamilyLimits reads "family=limit,family=limit" pairs. Malformed
// entries are dropped.
func parseFamilyLimits(s string) map[string]int64 {
	out := make(map[string]int64)
	for _, pair := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		out[strings.TrimSpace(name)] = n
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
