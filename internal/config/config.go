// Package config provides configuration loading and validation for
// flintfs. Supports YAML files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the flintfs GC core.
type Config struct {
	GC            GCConfig            `yaml:"gc"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// GCConfig tunes the garbage collector.
type GCConfig struct {
	// BackgroundEnabled enables the background GC worker's cycles.
	BackgroundEnabled bool `yaml:"backgroundEnabled" env:"FLINTFS_GC_BG_ENABLED"`

	// MinSleepMs is the shortest background wait in milliseconds.
	MinSleepMs int64 `yaml:"minSleepMs" env:"FLINTFS_GC_MIN_SLEEP_MS"`

	// MaxSleepMs is the longest background wait in milliseconds.
	MaxSleepMs int64 `yaml:"maxSleepMs" env:"FLINTFS_GC_MAX_SLEEP_MS"`

	// NoGCSleepMs is the wait after a cycle that found no victim.
	NoGCSleepMs int64 `yaml:"noGcSleepMs" env:"FLINTFS_GC_NOGC_SLEEP_MS"`

	// MaxVictimSearch bounds one victim-selection scan.
	MaxVictimSearch int `yaml:"maxVictimSearch" env:"FLINTFS_GC_MAX_VICTIM_SEARCH"`
}

// ObservabilityConfig configures metrics and logging.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"FLINTFS_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"FLINTFS_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"FLINTFS_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		GC: GCConfig{
			BackgroundEnabled: true,
			MinSleepMs:        10000,  // 10 seconds
			MaxSleepMs:        60000,  // 1 minute
			NoGCSleepMs:       300000, // 5 minutes
			MaxVictimSearch:   4096,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load returns the default configuration with environment overrides
// applied.
func Load() (*Config, error) {
	cfg := Default()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads a YAML configuration file, then applies
// environment overrides on top.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.GC.MinSleepMs <= 0 {
		return fmt.Errorf("gc.minSleepMs must be positive, got %d", c.GC.MinSleepMs)
	}
	if c.GC.MaxSleepMs < c.GC.MinSleepMs {
		return fmt.Errorf("gc.maxSleepMs (%d) must be >= gc.minSleepMs (%d)",
			c.GC.MaxSleepMs, c.GC.MinSleepMs)
	}
	if c.GC.NoGCSleepMs < c.GC.MaxSleepMs {
		return fmt.Errorf("gc.noGcSleepMs (%d) must be >= gc.maxSleepMs (%d)",
			c.GC.NoGCSleepMs, c.GC.MaxSleepMs)
	}
	if c.GC.MaxVictimSearch <= 0 {
		return fmt.Errorf("gc.maxVictimSearch must be positive, got %d", c.GC.MaxVictimSearch)
	}
	return nil
}

// MinSleep returns the minimum background wait as a duration.
func (c GCConfig) MinSleep() time.Duration { return time.Duration(c.MinSleepMs) * time.Millisecond }

// MaxSleep returns the maximum background wait as a duration.
func (c GCConfig) MaxSleep() time.Duration { return time.Duration(c.MaxSleepMs) * time.Millisecond }

// NoGCSleep returns the no-victim wait as a duration.
func (c GCConfig) NoGCSleep() time.Duration { return time.Duration(c.NoGCSleepMs) * time.Millisecond }

func (c *Config) applyEnv() {
	if v, ok := envBool("FLINTFS_GC_BG_ENABLED"); ok {
		c.GC.BackgroundEnabled = v
	}
	if v, ok := envInt64("FLINTFS_GC_MIN_SLEEP_MS"); ok {
		c.GC.MinSleepMs = v
	}
	if v, ok := envInt64("FLINTFS_GC_MAX_SLEEP_MS"); ok {
		c.GC.MaxSleepMs = v
	}
	if v, ok := envInt64("FLINTFS_GC_NOGC_SLEEP_MS"); ok {
		c.GC.NoGCSleepMs = v
	}
	if v, ok := envInt64("FLINTFS_GC_MAX_VICTIM_SEARCH"); ok {
		c.GC.MaxVictimSearch = int(v)
	}
	if v := os.Getenv("FLINTFS_METRICS_ADDR"); v != "" {
		c.Observability.MetricsAddr = v
	}
	if v := os.Getenv("FLINTFS_LOG_LEVEL"); v != "" {
		c.Observability.LogLevel = v
	}
	if v := os.Getenv("FLINTFS_LOG_FORMAT"); v != "" {
		c.Observability.LogFormat = v
	}
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envInt64(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
