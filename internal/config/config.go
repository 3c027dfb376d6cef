// Package config loads the migration run configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/ini.v1"
)

// Environment variables override whatever the config file carries.
const (
	EnvSourceToken = "SLACK_SOURCE_TOKEN"
	EnvDestToken   = "SLACK_DEST_TOKEN"
	EnvAdminToken  = "SLACK_ADMIN_TOKEN"
)

// Config holds everything a migration run needs.
type Config struct {
	// SourceToken reads from the source workspace.
	SourceToken string `ini:"source_token"`

	// DestToken writes to the destination workspace.
	DestToken string `ini:"dest_token"`

	// AdminToken is an optional elevated credential (e.g. temporary unarchiving).
	AdminToken string `ini:"admin_token"`

	// OutputDir is the root of the on-disk archive.
	OutputDir string `ini:"output_dir"`

	// RateLimitDelay is the default minimum inter-call interval for API
	// methods without a specific tier.
	RateLimitDelay time.Duration `ini:"rate_limit_delay"`

	// MaxRetries bounds retry attempts per API call.
	MaxRetries int `ini:"max_retries"`

	// DisplayTimezone is the IANA zone used when rendering original message
	// times into the posted username.
	DisplayTimezone string `ini:"display_timezone"`
}

// Default returns a Config with the stock settings.
func Default() Config {
	return Config{
		OutputDir:       "slack_data",
		RateLimitDelay:  time.Second,
		MaxRetries:      3,
		DisplayTimezone: "Asia/Tokyo",
	}
}

// Load reads the INI config file at path, then applies environment overrides.
// A missing file is not an error; env-only configuration is supported.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			file, err := ini.Load(path)
			if err != nil {
				return cfg, fmt.Errorf("failed to load config file: %w", err)
			}

			if err := file.Section("migrate").MapTo(&cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if v := os.Getenv(EnvSourceToken); v != "" {
		cfg.SourceToken = v
	}

	if v := os.Getenv(EnvDestToken); v != "" {
		cfg.DestToken = v
	}

	if v := os.Getenv(EnvAdminToken); v != "" {
		cfg.AdminToken = v
	}

	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = time.Second
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	return cfg, nil
}

// Location resolves the configured display timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DisplayTimezone)
	if err != nil {
		return time.UTC
	}

	return loc
}

// ValidateDownload checks the fields the download phase requires.
func (c Config) ValidateDownload() error {
	if c.SourceToken == "" {
		return fmt.Errorf("source token is required (set %s or source_token in the config file)", EnvSourceToken)
	}

	return nil
}

// ValidateUpload checks the fields the upload phase requires.
func (c Config) ValidateUpload() error {
	if c.DestToken == "" {
		return fmt.Errorf("destination token is required (set %s or dest_token in the config file)", EnvDestToken)
	}

	return nil
}
