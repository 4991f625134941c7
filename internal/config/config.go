// Package config loads and validates the scanner configuration. Validation is
// eager: a config that loads is a config every component can trust, so scoring
// weights, fallback strategies and rate plans are never re-checked downstream.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ft1-1/pmcc-scanner-sub002/internal/provider"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/scoring"
)

// Config is the root configuration document.
type Config struct {
	FallbackStrategy string           `yaml:"fallback_strategy"`
	Providers        []ProviderConfig `yaml:"providers"`
	Scoring          ScoringConfig    `yaml:"scoring"`
	Cache            CacheConfig      `yaml:"cache"`
	Scan             ScanConfig       `yaml:"scan"`
	AI               AIConfig         `yaml:"ai"`
}

// ProviderConfig declares one market-data provider.
type ProviderConfig struct {
	Name           string   `yaml:"name"`
	APIKey         string   `yaml:"api_key"`
	BaseURL        string   `yaml:"base_url"`
	Plan           string   `yaml:"plan"`
	Priority       int      `yaml:"priority"`
	MaxConcurrent  int      `yaml:"max_concurrent"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Preferred      []string `yaml:"preferred_operations"`
}

// Timeout returns the request timeout with a 30s default.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// ScoringConfig carries the combination weights and output filters.
type ScoringConfig struct {
	Weights       scoring.Weights `yaml:"weights"`
	MinScore      float64         `yaml:"min_combined_score"`
	MinConfidence float64         `yaml:"min_confidence"`
}

// CacheConfig selects the cache backend. An empty redis_addr means in-memory.
type CacheConfig struct {
	RedisAddr  string        `yaml:"redis_addr"`
	RedisDB    int           `yaml:"redis_db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ScanConfig bounds a scan run.
type ScanConfig struct {
	Symbols      []string `yaml:"symbols"`
	Workers      int      `yaml:"workers"`
	MinLongDTE   int      `yaml:"min_long_dte"`
	MinShortDTE  int      `yaml:"min_short_dte"`
	MaxShortDTE  int      `yaml:"max_short_dte"`
	MinLongDelta float64  `yaml:"min_long_delta"`
	MinOpenInt   int64    `yaml:"min_open_interest"`
}

// AIConfig configures the analysis client. Disabled when the key is empty.
type AIConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	Model        string        `yaml:"model"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxBatchSize int           `yaml:"max_batch_size"`
	BreakerTrips uint32        `yaml:"breaker_trips"`
	BreakerReset time.Duration `yaml:"breaker_reset"`
}

// Enabled reports whether AI analysis is configured.
func (a AIConfig) Enabled() bool { return a.APIKey != "" }

// Load reads and validates the YAML config at path. Environment variables in
// the document are expanded before parsing so keys can stay out of the file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(raw))))
}

// Parse decodes and validates a config document.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when the document is silent.
func Default() *Config {
	return &Config{
		FallbackStrategy: string(provider.StrategyHealthBased),
		Scoring: ScoringConfig{
			Weights: scoring.DefaultWeights(),
		},
		Cache: CacheConfig{
			DefaultTTL: 60 * time.Second,
		},
		Scan: ScanConfig{
			Workers:      4,
			MinLongDTE:   270,
			MinShortDTE:  25,
			MaxShortDTE:  45,
			MinLongDelta: 0.70,
			MinOpenInt:   50,
		},
	}
}

// Validate enforces every invariant the rest of the scanner assumes.
func (c *Config) Validate() error {
	if _, err := provider.ParseStrategy(c.FallbackStrategy); err != nil {
		return err
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: providers[%d] has no name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		switch p.Name {
		case "eodhd", "marketdata":
		default:
			return fmt.Errorf("config: unknown provider %q", p.Name)
		}
		if p.APIKey == "" {
			return fmt.Errorf("config: provider %q has no api_key", p.Name)
		}
		if p.Plan != "" {
			if _, err := provider.LookupPlan(p.Plan); err != nil {
				return fmt.Errorf("config: provider %q: %w", p.Name, err)
			}
		}
	}
	if err := c.Scoring.Weights.Validate(); err != nil {
		return err
	}
	if c.Scan.Workers <= 0 {
		return fmt.Errorf("config: scan.workers must be positive, got %d", c.Scan.Workers)
	}
	if c.Scan.MinShortDTE >= c.Scan.MaxShortDTE {
		return fmt.Errorf("config: short DTE window [%d,%d] is empty", c.Scan.MinShortDTE, c.Scan.MaxShortDTE)
	}
	return nil
}
