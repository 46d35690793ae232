// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	GatewayBaseURL       string  `env:"GATEWAY_BASE_URL" envDefault:"https://gateway.x-plane.com/apiv1"`
	XPlanePath           string  `env:"XPLANE_PATH"`
	DataDir              string  `env:"DATA_DIR" envDefault:"data"`
	DatabasePath         string  `env:"DATABASE_PATH" envDefault:"data/history.db"`
	ServerPort           string  `env:"SERVER_PORT" envDefault:"8080"`
	LogLevel             string  `env:"LOG_LEVEL" envDefault:"info"`
	PrefetchConcurrency  int     `env:"PREFETCH_CONCURRENCY" envDefault:"4"`
	GatewayRateLimit     float64 `env:"GATEWAY_RATE_LIMIT" envDefault:"2"`
	HistoryRetentionDays int     `env:"HISTORY_RETENTION_DAYS" envDefault:"60"`
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if file doesn't exist)
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration and cleans the paths it holds
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	logLevel := strings.ToLower(c.LogLevel)
	isValidLevel := false
	for _, level := range validLogLevels {
		if logLevel == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("invalid log level %q, must be one of: %v", c.LogLevel, validLogLevels)
	}

	u, err := url.Parse(c.GatewayBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("GATEWAY_BASE_URL must be an http(s) URL, got: %q", c.GatewayBaseURL)
	}

	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR cannot be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH cannot be empty")
	}

	if c.PrefetchConcurrency < 1 {
		return fmt.Errorf("PREFETCH_CONCURRENCY must be at least 1, got: %d", c.PrefetchConcurrency)
	}
	if c.GatewayRateLimit < 0 {
		return fmt.Errorf("GATEWAY_RATE_LIMIT cannot be negative, got: %g", c.GatewayRateLimit)
	}
	if c.HistoryRetentionDays < 0 {
		return fmt.Errorf("HISTORY_RETENTION_DAYS cannot be negative, got: %d", c.HistoryRetentionDays)
	}

	// An explicit simulator path must at least not be a file; whether it is a
	// valid installation is checked when the queue first needs it
	if c.XPlanePath != "" {
		cleanPath := filepath.Clean(c.XPlanePath)
		if info, err := os.Stat(cleanPath); err == nil && !info.IsDir() {
			return fmt.Errorf("XPLANE_PATH must be a directory, got file: %s", cleanPath)
		}
		c.XPlanePath = cleanPath
	}

	c.DataDir = filepath.Clean(c.DataDir)
	c.DatabasePath = filepath.Clean(c.DatabasePath)
	c.LogLevel = logLevel

	return nil
}

// InstalledRegistryPath is where the installed-scenery record lives
func (c *Config) InstalledRegistryPath() string {
	return filepath.Join(c.DataDir, "installed_sceneries.json")
}

// HistoryRetention is how long finished tasks are kept; zero keeps them forever
func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}
