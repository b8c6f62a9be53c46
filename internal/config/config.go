// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for vitaplan.
//
// Supports TOML configuration files with sensible defaults, environment
// variable overrides, and validation with clamping.
//
// Configuration locations (in order of precedence):
//   - VITAPLAN_* environment variables
//   - the TOML file passed to Load
//   - built-in defaults
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete vitaplan configuration.
type Config struct {
	// Generator configures the plan-generation endpoint
	Generator GeneratorConfig `toml:"generator"`

	// Pool configures the worker pool
	Pool PoolConfig `toml:"pool"`

	// History configures the completed-round archive
	History HistoryConfig `toml:"history"`
}

// GeneratorConfig holds the generation endpoint parameters.
type GeneratorConfig struct {
	// BaseURL is the OpenAI-compatible API base URL
	BaseURL string `toml:"base_url"`
	// APIKey authenticates against the endpoint (often set via env instead)
	APIKey string `toml:"api_key"`
	// Model is the model used for all requests
	Model string `toml:"model"`
	// TimeoutSecs bounds each generation call. Clamped to 5..600.
	TimeoutSecs int `toml:"timeout_secs"`
	// MaxTokens caps completion length
	MaxTokens int `toml:"max_tokens"`
	// Temperature is the sampling temperature
	Temperature float64 `toml:"temperature"`
	// RequestsPerSec rate-limits outbound calls (0 = unlimited)
	RequestsPerSec float64 `toml:"requests_per_sec"`
}

// PoolConfig holds worker pool parameters.
type PoolConfig struct {
	// Workers bounds concurrent generator calls. Clamped to 1..64.
	Workers int `toml:"workers"`
	// QueueWarnDepth logs a warning when the queue backs up past this
	// depth (0 = disabled)
	QueueWarnDepth int `toml:"queue_warn_depth"`
}

// HistoryConfig holds the round-archive parameters.
type HistoryConfig struct {
	// Enabled turns the archive on
	Enabled bool `toml:"enabled"`
	// Path is the SQLite database file (empty = ~/.vitaplan/history.db)
	Path string `toml:"path"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

const (
	defaultBaseURL     = "https://api.openai.com/v1"
	defaultModel       = "gpt-4o-mini"
	defaultTimeoutSecs = 120
	defaultMaxTokens   = 2000
	defaultTemperature = 0.7
	defaultWorkers        = 10
	defaultQueueWarnDepth = 32

	minWorkers     = 1
	maxWorkers     = 64
	minTimeoutSecs = 5
	maxTimeoutSecs = 600
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Generator: GeneratorConfig{
			BaseURL:     defaultBaseURL,
			Model:       defaultModel,
			TimeoutSecs: defaultTimeoutSecs,
			MaxTokens:   defaultMaxTokens,
			Temperature: defaultTemperature,
		},
		Pool: PoolConfig{
			Workers:        defaultWorkers,
			QueueWarnDepth: defaultQueueWarnDepth,
		},
		History: HistoryConfig{
			Enabled: false,
		},
	}
}

// DefaultPath returns the default config file location (~/.vitaplan/config.toml).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".vitaplan", "config.toml"), nil
}

// DefaultHistoryPath returns the default archive location (~/.vitaplan/history.db).
func DefaultHistoryPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".vitaplan", "history.db"), nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the config file at path, applies environment overrides, and
// validates. A missing file is not an error; defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as TOML, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(c)
}

// applyEnvOverrides layers VITAPLAN_* environment variables over the config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VITAPLAN_GENERATOR_URL"); v != "" {
		c.Generator.BaseURL = v
	}
	if v := os.Getenv("VITAPLAN_API_KEY"); v != "" {
		c.Generator.APIKey = v
	}
	if v := os.Getenv("VITAPLAN_MODEL"); v != "" {
		c.Generator.Model = v
	}
	if v := os.Getenv("VITAPLAN_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Generator.TimeoutSecs = n
		}
	}
	if v := os.Getenv("VITAPLAN_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.Workers = n
		}
	}
	if v := os.Getenv("VITAPLAN_HISTORY_PATH"); v != "" {
		c.History.Enabled = true
		c.History.Path = v
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks hard constraints and clamps soft ones.
func (c *Config) Validate() error {
	if c.Generator.BaseURL == "" {
		return errors.New("generator.base_url must not be empty")
	}
	if _, err := url.Parse(c.Generator.BaseURL); err != nil {
		return fmt.Errorf("generator.base_url is not a valid URL: %w", err)
	}
	if c.Generator.Model == "" {
		return errors.New("generator.model must not be empty")
	}

	// Clamp rather than reject: a misconfigured pool should degrade, not
	// refuse to start.
	if c.Pool.Workers < minWorkers {
		c.Pool.Workers = minWorkers
	}
	if c.Pool.Workers > maxWorkers {
		c.Pool.Workers = maxWorkers
	}
	if c.Generator.TimeoutSecs < minTimeoutSecs {
		c.Generator.TimeoutSecs = minTimeoutSecs
	}
	if c.Generator.TimeoutSecs > maxTimeoutSecs {
		c.Generator.TimeoutSecs = maxTimeoutSecs
	}
	if c.Generator.Temperature < 0 {
		c.Generator.Temperature = 0
	}
	if c.Generator.Temperature > 2 {
		c.Generator.Temperature = 2
	}
	if c.Generator.RequestsPerSec < 0 {
		c.Generator.RequestsPerSec = 0
	}
	if c.Pool.QueueWarnDepth < 0 {
		c.Pool.QueueWarnDepth = 0
	}

	return nil
}

// Timeout returns the generator call timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Generator.TimeoutSecs) * time.Second
}
