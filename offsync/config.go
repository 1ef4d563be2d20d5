// Copyright 2025 Trendpulse Contributors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds tuning for the sync engine.
type Config struct {
	// MaxRetries is the retry cap; an action is dead-lettered exactly
	// when its retry count reaches this value.
	MaxRetries int

	// BatchLimit bounds how many actions one NextBatch call returns.
	BatchLimit int

	// SyncInterval is the periodic drain trigger while online.
	SyncInterval time.Duration

	// RetryBackoff holds the per-retry gate delays; retries past the end
	// of the table clamp to the last entry.
	RetryBackoff []time.Duration

	// BackoffJitter is added uniformly at random to each backoff delay.
	BackoffJitter time.Duration

	// LocalOnlyFields are merged into the winning version on a remote-wins
	// conflict resolution.
	LocalOnlyFields []string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the engine defaults: 3 retries, 30s periodic sync,
// 1s/3s/5s backoff with 300ms jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:      3,
		BatchLimit:      50,
		SyncInterval:    30 * time.Second,
		RetryBackoff:    []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second},
		BackoffJitter:   300 * time.Millisecond,
		LocalOnlyFields: DefaultLocalOnlyFields,
		Logger:          slog.Default(),
	}
}

func (c *Config) validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("config.MaxRetries must be at least 1")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("config.SyncInterval must be positive")
	}
	if len(c.RetryBackoff) == 0 {
		return fmt.Errorf("config.RetryBackoff must have at least one step")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// fileConfig is the YAML layout for LoadConfig. Durations are strings in
// time.ParseDuration syntax ("30s", "1.5s").
type fileConfig struct {
	MaxRetries      *int     `yaml:"max_retries,omitempty"`
	BatchLimit      *int     `yaml:"batch_limit,omitempty"`
	SyncInterval    string   `yaml:"sync_interval,omitempty"`
	RetryBackoff    []string `yaml:"retry_backoff,omitempty"`
	BackoffJitter   string   `yaml:"backoff_jitter,omitempty"`
	LocalOnlyFields []string `yaml:"local_only_fields,omitempty"`
}

// LoadConfig reads a YAML config file over DefaultConfig; absent keys keep
// their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := DefaultConfig()
	if fc.MaxRetries != nil {
		cfg.MaxRetries = *fc.MaxRetries
	}
	if fc.BatchLimit != nil {
		cfg.BatchLimit = *fc.BatchLimit
	}
	if fc.SyncInterval != "" {
		d, err := time.ParseDuration(fc.SyncInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid sync_interval: %w", err)
		}
		cfg.SyncInterval = d
	}
	if len(fc.RetryBackoff) > 0 {
		steps := make([]time.Duration, len(fc.RetryBackoff))
		for i, s := range fc.RetryBackoff {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("invalid retry_backoff[%d]: %w", i, err)
			}
			steps[i] = d
		}
		cfg.RetryBackoff = steps
	}
	if fc.BackoffJitter != "" {
		d, err := time.ParseDuration(fc.BackoffJitter)
		if err != nil {
			return nil, fmt.Errorf("invalid backoff_jitter: %w", err)
		}
		cfg.BackoffJitter = d
	}
	if fc.LocalOnlyFields != nil {
		cfg.LocalOnlyFields = fc.LocalOnlyFields
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
