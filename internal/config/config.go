package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for its config file, relative to the workspace.
const DefaultPath = ".arca/config.yaml"

// Config holds all Arca configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Pipeline backend
	API APIConfig `yaml:"api"`

	// Live log stream
	Stream StreamConfig `yaml:"stream"`

	// Status polling
	Poll PollConfig `yaml:"poll"`

	// Local cache
	Store StoreConfig `yaml:"store"`

	// Terminal dashboard
	UI UIConfig `yaml:"ui"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig configures the REST client.
type APIConfig struct {
	BaseURL    string `yaml:"base_url"`
	Token      string `yaml:"token"`
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"` // GET retries on transient failures
	UserAgent  string `yaml:"user_agent"`
}

// PollConfig configures job status polling.
type PollConfig struct {
	Interval    string `yaml:"interval"`
	MaxFailures int    `yaml:"max_failures"`
}

// StoreConfig configures the local SQLite cache.
type StoreConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
	RetainFor    string `yaml:"retain_for"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "arca",
		Version: "0.4.0",

		API: APIConfig{
			BaseURL:    "http://localhost:8000",
			Timeout:    "30s",
			MaxRetries: 3,
			UserAgent:  "arca-cli",
		},

		Stream: DefaultStreamConfig(),

		Poll: PollConfig{
			Interval:    "2s",
			MaxFailures: 5,
		},

		Store: StoreConfig{
			Enabled:      true,
			DatabasePath: ".arca/cache.db",
			RetainFor:    "720h",
		},

		UI: DefaultUIConfig(),

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may carry an API token.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if u := os.Getenv("ARCA_API_URL"); u != "" {
		c.API.BaseURL = u
	}
	if tok := os.Getenv("ARCA_API_TOKEN"); tok != "" {
		c.API.Token = tok
	}
	if path := os.Getenv("ARCA_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if v := os.Getenv("ARCA_DEBUG"); v != "" {
		if on, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = on
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api base URL not configured (set api.base_url or ARCA_API_URL)")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid api base URL %q: %w", c.API.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid api base URL %q: scheme must be http or https", c.API.BaseURL)
	}
	if c.API.MaxRetries < 0 {
		return fmt.Errorf("api.max_retries must be >= 0, got %d", c.API.MaxRetries)
	}
	if err := c.Stream.Validate(); err != nil {
		return err
	}
	if c.Poll.MaxFailures < 0 {
		return fmt.Errorf("poll.max_failures must be >= 0, got %d", c.Poll.MaxFailures)
	}
	return nil
}

// GetAPITimeout returns the per-request timeout as a duration.
func (c *Config) GetAPITimeout() time.Duration {
	return parseDuration(c.API.Timeout, 30*time.Second)
}

// GetPollInterval returns the status polling interval as a duration.
func (c *Config) GetPollInterval() time.Duration {
	return parseDuration(c.Poll.Interval, 2*time.Second)
}

// GetStoreRetention returns how long cached log entries are kept.
func (c *Config) GetStoreRetention() time.Duration {
	return parseDuration(c.Store.RetainFor, 30*24*time.Hour)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
