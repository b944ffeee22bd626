// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tathienbao/barsmith/internal/types"
	"github.com/tathienbao/barsmith/pkg/indicator"
)

// Config represents the full application configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Alerting AlertingConfig `yaml:"alerting"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds relational store settings.
type DatabaseConfig struct {
	Type string `yaml:"type"` // sqlite | postgres
	Path string `yaml:"path"` // for sqlite
	DSN  string `yaml:"dsn"`  // for postgres
}

// PipelineConfig holds derivation pipeline settings.
type PipelineConfig struct {
	// Assets limits the run to these ids; empty means every asset in the
	// observations table.
	Assets []string `yaml:"assets"`
	// Concurrency is the number of assets processed in parallel.
	Concurrency int `yaml:"concurrency"`
	// StalenessThresholdHours skips EMA keys whose upstream data is older.
	// Zero disables the check.
	StalenessThresholdHours int `yaml:"staleness_threshold_hours"`
	// LookbackWindows is how many full windows incremental bar runs recompute.
	LookbackWindows int `yaml:"lookback_windows"`
	// WarmupMultiplier sizes the EMA rewrite window as a multiple of the
	// largest period.
	WarmupMultiplier int `yaml:"warmup_multiplier"`
	// SeedPolicy is "direct" or "sma".
	SeedPolicy string `yaml:"seed_policy"`
	// EmaPeriods are smoothing horizons in bars of each timeframe.
	EmaPeriods []int `yaml:"ema_periods"`
	// HorizonPeriods are smoothing horizons in days over the daily series.
	HorizonPeriods []int `yaml:"horizon_periods"`
	// WriteRatePerSecond throttles units of work; zero disables pacing.
	WriteRatePerSecond int `yaml:"write_rate_per_second"`
	// MaxRetries and RetryDelayMs govern retry of transient store errors.
	MaxRetries   int `yaml:"max_retries"`
	RetryDelayMs int `yaml:"retry_delay_ms"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Channels []ChannelConfig `yaml:"channels"`
	Events   []string        `yaml:"events"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type     string `yaml:"type"` // telegram | console
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Default returns a runnable configuration with an in-memory store.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Type: "sqlite", Path: ":memory:"},
		Pipeline: PipelineConfig{
			Concurrency:             4,
			StalenessThresholdHours: 48,
			LookbackWindows:         2,
			WarmupMultiplier:        3,
			SeedPolicy:              "direct",
			EmaPeriods:              []int{10, 20, 50},
			HorizonPeriods:          []int{21, 50, 200},
			MaxRetries:              2,
			RetryDelayMs:            500,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Validate validates the configuration and fills defaults.
func (c *Config) Validate() error {
	var errs []string

	switch c.Database.Type {
	case "", "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.type '%s' must be 'sqlite' or 'postgres'", c.Database.Type))
	}

	if c.Pipeline.Concurrency <= 0 {
		c.Pipeline.Concurrency = 4 // default
	}
	if c.Pipeline.LookbackWindows <= 0 {
		c.Pipeline.LookbackWindows = 2 // default
	}
	if c.Pipeline.WarmupMultiplier < 3 {
		c.Pipeline.WarmupMultiplier = 3
	}
	if c.Pipeline.StalenessThresholdHours < 0 {
		errs = append(errs, "pipeline.staleness_threshold_hours must not be negative")
	}
	switch c.Pipeline.SeedPolicy {
	case "":
		c.Pipeline.SeedPolicy = "direct"
	case "direct", "sma":
	default:
		errs = append(errs, fmt.Sprintf("pipeline.seed_policy '%s' must be 'direct' or 'sma'", c.Pipeline.SeedPolicy))
	}
	if len(c.Pipeline.EmaPeriods) == 0 {
		c.Pipeline.EmaPeriods = []int{10, 20, 50}
	}
	for _, p := range c.Pipeline.EmaPeriods {
		if p < 1 {
			errs = append(errs, fmt.Sprintf("pipeline.ema_periods contains invalid period %d", p))
		}
	}
	if len(c.Pipeline.HorizonPeriods) == 0 {
		c.Pipeline.HorizonPeriods = []int{21, 50, 200}
	}
	for _, p := range c.Pipeline.HorizonPeriods {
		if p < 1 {
			errs = append(errs, fmt.Sprintf("pipeline.horizon_periods contains invalid period %d", p))
		}
	}
	if c.Pipeline.MaxRetries < 0 {
		c.Pipeline.MaxRetries = 2 // default
	}
	if c.Pipeline.RetryDelayMs <= 0 {
		c.Pipeline.RetryDelayMs = 500 // default
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			errs = append(errs, "metrics.port must be a valid port")
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = "/metrics"
		}
	}

	switch c.Logging.Level {
	case "":
		c.Logging.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level '%s' is not supported", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "":
		c.Logging.Format = "text"
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format '%s' is not supported", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// SeedPolicy returns the parsed seed policy.
func (c *Config) SeedPolicy() indicator.SeedPolicy {
	if c.Pipeline.SeedPolicy == "sma" {
		return indicator.SeedSMA
	}
	return indicator.SeedDirect
}

// StalenessThreshold returns the staleness cutoff as a duration.
func (c *Config) StalenessThreshold() time.Duration {
	return time.Duration(c.Pipeline.StalenessThresholdHours) * time.Hour
}

// RetryDelay returns the retry delay duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Pipeline.RetryDelayMs) * time.Millisecond
}

// IsAlertEventEnabled checks if an alert event type is enabled.
func (c *Config) IsAlertEventEnabled(event string) bool {
	if !c.Alerting.Enabled {
		return false
	}
	// If no events specified, all are enabled
	if len(c.Alerting.Events) == 0 {
		return true
	}
	for _, e := range c.Alerting.Events {
		if e == event || e == "all" {
			return true
		}
	}
	return false
}
