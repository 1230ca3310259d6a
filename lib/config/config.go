// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for catalogengine
// components.
//
// Configuration is loaded from a single file specified by:
//   - CATALOGENGINE_CONFIG environment variable, or
//   - -config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
// Command-line flags that address the same setting as the config file
// take precedence over it, since a flag is the more explicit,
// per-invocation choice.
//
// The config file may contain environment-specific sections
// (development, staging, production) that override base values when
// the environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment type.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the master configuration for one catalogengine daemon.
type Config struct {
	// Environment selects which of Development/Staging/Production's
	// overrides apply.
	Environment Environment `yaml:"environment"`

	Paths    PathsConfig    `yaml:"paths"`
	Sockets  SocketsConfig  `yaml:"sockets"`
	Balancer BalancerConfig `yaml:"balancer"`
	Pool     PoolConfig     `yaml:"pool"`
	Logging  LoggingConfig  `yaml:"logging"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains the fields that may be overridden per
// environment.
type ConfigOverrides struct {
	Balancer *BalancerConfig `yaml:"balancer,omitempty"`
	Pool     *PoolConfig     `yaml:"pool,omitempty"`
	Logging  *LoggingConfig  `yaml:"logging,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the repository's state directory: catalogs, objects,
	// tags, and signing keys all live under it.
	Root string `yaml:"root"`
}

// SocketsConfig configures the daemon's two listening sockets.
type SocketsConfig struct {
	// Control is the CBOR control-plane socket path. Empty means
	// "<root>/control.sock".
	Control string `yaml:"control"`

	// Receiver is the length-prefixed publish-session socket path.
	// Empty means "<root>/receiver.sock".
	Receiver string `yaml:"receiver"`
}

// BalancerConfig configures nested-catalog weight thresholds, the
// YAML-facing twin of catalogtree.Balancer.
type BalancerConfig struct {
	// MaxWeight is the entry count above which a catalog is a split
	// candidate. Zero disables balancing.
	MaxWeight int64 `yaml:"max_weight"`

	// MinWeight is the entry count below which a non-root catalog is a
	// merge candidate.
	MinWeight int64 `yaml:"min_weight"`
}

// PoolConfig configures the read-only catalog query pool.
type PoolConfig struct {
	// Size is the number of pooled read connections opened per
	// mountpoint on first use. Zero means "let lib/sqlitepool choose".
	Size int `yaml:"size"`
}

// LoggingConfig configures structured log output.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
}

// Default returns the default configuration. These defaults exist
// primarily to ensure every field has a sensible zero-value, not as a
// fallback: the config file, when one is loaded, is the source of
// truth for anything it sets.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "state", "catalogengine")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root: defaultRoot,
		},
		Balancer: BalancerConfig{
			MaxWeight: 200_000,
			MinWeight: 1_000,
		},
		Pool: PoolConfig{
			Size: 0,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the CATALOGENGINE_CONFIG environment
// variable. There is no fallback: if the variable is unset, this
// fails, so that a caller either sets it or passes an explicit path
// via LoadFile (typically backing a -config flag).
func Load() (*Config, error) {
	configPath := os.Getenv("CATALOGENGINE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("config: CATALOGENGINE_CONFIG environment variable not set; " +
			"set it to the path of a config file, or pass -config")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, applies
// environment overrides, and expands ${VAR} path references.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Balancer != nil {
		if overrides.Balancer.MaxWeight != 0 {
			c.Balancer.MaxWeight = overrides.Balancer.MaxWeight
		}
		if overrides.Balancer.MinWeight != 0 {
			c.Balancer.MinWeight = overrides.Balancer.MinWeight
		}
	}
	if overrides.Pool != nil && overrides.Pool.Size != 0 {
		c.Pool.Size = overrides.Pool.Size
	}
	if overrides.Logging != nil && overrides.Logging.Level != "" {
		c.Logging.Level = overrides.Logging.Level
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// fields, the same syntax used for Paths.Root-relative sockets.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"CATALOGENGINE_ROOT": c.Paths.Root,
		"HOME":               os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["CATALOGENGINE_ROOT"] = c.Paths.Root

	c.Sockets.Control = expandVars(c.Sockets.Control, vars)
	c.Sockets.Receiver = expandVars(c.Sockets.Receiver, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("config: invalid environment %q", c.Environment))
	}
	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("config: paths.root is required"))
	}
	if c.Balancer.MaxWeight < 0 || c.Balancer.MinWeight < 0 {
		errs = append(errs, fmt.Errorf("config: balancer weights must be non-negative"))
	}
	if c.Balancer.MaxWeight != 0 && c.Balancer.MinWeight >= c.Balancer.MaxWeight {
		errs = append(errs, fmt.Errorf("config: balancer.min_weight must be less than max_weight"))
	}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Errorf("config: logging.level must be one of debug/info/warn/error"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ControlSocketPath returns the configured control-plane socket path,
// defaulting to "<root>/control.sock" when unset.
func (c *Config) ControlSocketPath() string {
	if c.Sockets.Control != "" {
		return c.Sockets.Control
	}
	return filepath.Join(c.Paths.Root, "control.sock")
}

// ReceiverSocketPath returns the configured receiver socket path,
// defaulting to "<root>/receiver.sock" when unset.
func (c *Config) ReceiverSocketPath() string {
	if c.Sockets.Receiver != "" {
		return c.Sockets.Receiver
	}
	return filepath.Join(c.Paths.Root, "receiver.sock")
}
