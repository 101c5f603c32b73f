// -----------------------------------------------------------------------
// Configuration - defaults -> file(s) -> env -> CLI flag overrides
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	Engine      EngineConfig    `toml:"engine"`
	Retry       RetryConfig     `toml:"retry"`
	RateLimit   RateLimitConfig `toml:"ratelimit"`
	Health      HealthConfig    `toml:"health"`
	LLM         LLMConfig       `toml:"llm"`
	Claude      ClaudeConfig    `toml:"claude"`
	Gemini      GeminiConfig    `toml:"gemini"`
	Analytics   AnalyticsConfig `toml:"analytics"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// EngineConfig bounds the execution engine
type EngineConfig struct {
	Workers           int    `toml:"workers"`             // system-wide concurrent external calls
	RequestTimeout    string `toml:"request_timeout"`     // per-attempt generation timeout
	RequestsPerSecond int    `toml:"requests_per_second"` // outbound pacing
	TemplatesDir      string `toml:"templates_dir"`       // optional prompt template overrides
}

// RetryConfig holds the backoff parameters applied by the recovery manager
type RetryConfig struct {
	BaseDelay string `toml:"base_delay"` // backoff base, delay = base * 2^retry
	MaxDelay  string `toml:"max_delay"`  // backoff cap
}

// RoleLimits are the admission ceilings applied to one role
type RoleLimits struct {
	PerMinute      int `toml:"per_minute"`
	PerHour        int `toml:"per_hour"`
	PerDay         int `toml:"per_day"`
	ConcurrentJobs int `toml:"concurrent_jobs"`
}

// RateLimitConfig holds per-role admission ceilings. Roles not listed fall
// back to Default.
type RateLimitConfig struct {
	Default RoleLimits            `toml:"default"`
	Roles   map[string]RoleLimits `toml:"roles"`
}

// LimitsForRole resolves the ceilings for a role
func (c *RateLimitConfig) LimitsForRole(role string) RoleLimits {
	if limits, ok := c.Roles[role]; ok {
		return limits
	}
	return c.Default
}

// HealthConfig holds the staleness thresholds for health classification
// and the monitor sweep schedule
type HealthConfig struct {
	StalledAfter   string `toml:"stalled_after"`   // T1: no transition -> stalled
	StuckAfter     string `toml:"stuck_after"`     // T2: no transition -> stuck
	AbandonedAfter string `toml:"abandoned_after"` // no transition, still processing -> abandoned
	SweepSchedule  string `toml:"sweep_schedule"`  // cron spec for the monitor sweep
	StaleTaskAfter string `toml:"stale_task_after"`
}

// LLMConfig selects the generation provider
type LLMConfig struct {
	Provider string `toml:"provider"` // "claude", "gemini", or "offline"
}

type ClaudeConfig struct {
	APIKey    string `toml:"api_key"`
	Model     string `toml:"model"`
	MaxTokens int    `toml:"max_tokens"`
}

type GeminiConfig struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
}

// AnalyticsConfig holds cost-estimation parameters
type AnalyticsConfig struct {
	CostPerCall      float64 `toml:"cost_per_call"`
	CostPerKiloToken float64 `toml:"cost_per_kilo_token"`
}

// DefaultConfig returns the baseline configuration before file/env overrides
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8951,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/cursus",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Engine: EngineConfig{
			Workers:           4,
			RequestTimeout:    "90s",
			RequestsPerSecond: 5,
		},
		Retry: RetryConfig{
			BaseDelay: "5s",
			MaxDelay:  "2m",
		},
		RateLimit: RateLimitConfig{
			Default: RoleLimits{
				PerMinute:      10,
				PerHour:        100,
				PerDay:         500,
				ConcurrentJobs: 3,
			},
			Roles: map[string]RoleLimits{
				"pro": {
					PerMinute:      50,
					PerHour:        500,
					PerDay:         2000,
					ConcurrentJobs: 10,
				},
			},
		},
		Health: HealthConfig{
			StalledAfter:   "2m",
			StuckAfter:     "10m",
			AbandonedAfter: "1h",
			SweepSchedule:  "@every 1m",
			StaleTaskAfter: "10m",
		},
		LLM: LLMConfig{
			Provider: "offline",
		},
		Claude: ClaudeConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 8192,
		},
		Gemini: GeminiConfig{
			Model: "gemini-2.0-flash",
		},
		Analytics: AnalyticsConfig{
			CostPerCall:      0.002,
			CostPerKiloToken: 0.003,
		},
	}
}

// LoadFromFiles loads configuration from defaults, then each file in order
// (later files override earlier ones), then environment variables.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies CURSUS_* environment variable overrides
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("CURSUS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("CURSUS_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("CURSUS_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("CURSUS_BADGER_PATH"); v != "" {
		config.Storage.Badger.Path = v
	}
	if v := os.Getenv("CURSUS_LLM_PROVIDER"); v != "" {
		config.LLM.Provider = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && config.Claude.APIKey == "" {
		config.Claude.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && config.Gemini.APIKey == "" {
		config.Gemini.APIKey = v
	}
}

// ApplyFlagOverrides applies CLI flag values (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks that duration and schedule fields parse
func (c *Config) Validate() error {
	durations := map[string]string{
		"engine.request_timeout":  c.Engine.RequestTimeout,
		"retry.base_delay":        c.Retry.BaseDelay,
		"retry.max_delay":         c.Retry.MaxDelay,
		"health.stalled_after":    c.Health.StalledAfter,
		"health.stuck_after":      c.Health.StuckAfter,
		"health.abandoned_after":  c.Health.AbandonedAfter,
		"health.stale_task_after": c.Health.StaleTaskAfter,
	}
	for name, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q: %w", name, value, err)
		}
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	return nil
}

// MustDuration parses a duration string validated by Config.Validate
func MustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}
