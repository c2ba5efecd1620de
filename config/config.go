// Package config provides configuration management for the metering service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	LogLevel string

	Postgres PostgresConfig
	Redis    RedisConfig
	Recorder RecorderConfig
	Pricing  PricingConfig
	Sweep    SweepConfig
}

// PostgresConfig holds durable-store connection settings.
type PostgresConfig struct {
	URL      string
	MaxConns int
}

// RedisConfig holds fast-store connection settings.
type RedisConfig struct {
	URL string
}

// RecorderConfig tunes the usage recording write path.
type RecorderConfig struct {
	// RetryBufferSize bounds the in-memory queue of ledger writes that
	// failed and await the reconciliation sweep.
	RetryBufferSize int

	// RateLimitWindow is the default rate-limit window applied to keys
	// that do not carry their own.
	RateLimitWindow time.Duration
}

// PricingConfig controls price table loading.
type PricingConfig struct {
	// TableFile is an optional JSON price table (per-token rates) loaded
	// at startup and on refresh.
	TableFile string

	// OverridesFile is an optional YAML file with static price overrides
	// and expected cost-range bands for anomaly detection.
	OverridesFile string
}

// SweepConfig controls the out-of-band reconciliation schedule.
type SweepConfig struct {
	// Schedule is a cron expression; empty disables the sweep.
	Schedule string
}

// Overrides is the parsed YAML overrides file.
type Overrides struct {
	// StaticPrices maps model id to per-1M-token rates, merged over the
	// built-in fallback table.
	StaticPrices map[string]StaticPrice `yaml:"static_prices"`

	// CostBands maps a model name fragment to the expected
	// cost-per-million band used by anomaly detection.
	CostBands map[string]CostBand `yaml:"cost_bands"`
}

// StaticPrice is one static price table entry, in USD per 1M tokens.
type StaticPrice struct {
	Input      float64 `yaml:"input"`
	Output     float64 `yaml:"output"`
	CacheWrite float64 `yaml:"cache_write"`
	CacheRead  float64 `yaml:"cache_read"`
}

// CostBand is an expected cost-per-million-token range.
type CostBand struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Load reads configuration from the environment, with an optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional

	cfg := &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Postgres: PostgresConfig{
			URL:      os.Getenv("DATABASE_URL"),
			MaxConns: getEnvInt("DATABASE_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Recorder: RecorderConfig{
			RetryBufferSize: getEnvInt("RECORDER_RETRY_BUFFER", 10000),
			RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Pricing: PricingConfig{
			TableFile:     os.Getenv("PRICING_TABLE_FILE"),
			OverridesFile: os.Getenv("PRICING_OVERRIDES_FILE"),
		},
		Sweep: SweepConfig{
			Schedule: getEnv("SWEEP_SCHEDULE", "*/5 * * * *"),
		},
	}

	if cfg.Postgres.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// LoadOverrides parses the YAML overrides file. A missing path returns an
// empty Overrides value rather than an error.
func LoadOverrides(path string) (*Overrides, error) {
	if path == "" {
		return &Overrides{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read overrides file: %w", err)
	}

	var ov Overrides
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return nil, fmt.Errorf("parse overrides file: %w", err)
	}
	return &ov, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
