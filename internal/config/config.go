// Package config holds the service configuration: where to listen, how
// to reach the upstream data platform, and how callers authenticate.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Upstream configures the data platform connection.
type Upstream struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-call timeout, zero when unset.
func (u Upstream) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// Config holds all service parameters.
type Config struct {
	Listen     string   `yaml:"listen"`
	LogLevel   string   `yaml:"log_level"`
	AdminToken string   `yaml:"admin_token"`
	Upstream   Upstream `yaml:"upstream"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:   ":8055",
		LogLevel: "info",
		Upstream: Upstream{
			BaseURL:        "http://localhost:8080",
			TimeoutSeconds: 15,
		},
	}
}

// Load reads configuration from a YAML file and returns it with the
// SHA-256 hash of the raw bytes on disk. Empty path or a missing file
// yields defaults and the hash of empty input. YAML overwrites only the
// fields it specifies. Secrets left empty fall back to the
// WHATIF_UPSTREAM_TOKEN and WHATIF_ADMIN_TOKEN environment variables.
func Load(path string) (*Config, string, error) {
	cfg := Default()

	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				data = nil
			} else {
				return nil, "", fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	if data != nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, "", fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if cfg.Upstream.Token == "" {
		cfg.Upstream.Token = os.Getenv("WHATIF_UPSTREAM_TOKEN")
	}
	if cfg.AdminToken == "" {
		cfg.AdminToken = os.Getenv("WHATIF_ADMIN_TOKEN")
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, hash, nil
}

// Validate checks the fields the service cannot run without.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must not be negative")
	}
	return nil
}
