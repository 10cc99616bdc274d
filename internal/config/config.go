// ABOUTME: Configuration loading and parsing for prestus-connect
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete prestus-connect configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Presence PresenceConfig `yaml:"presence"`
	Routing  RoutingConfig  `yaml:"routing"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds session authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// GatewayConfig holds the messaging gateway connection settings
type GatewayConfig struct {
	BaseURL     string `yaml:"base_url"`
	ClientToken string `yaml:"client_token"`

	SendTimeout    time.Duration `yaml:"-"`
	SendTimeoutRaw string        `yaml:"send_timeout"`

	DedupeTTL    time.Duration `yaml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl"`
}

// PresenceConfig holds presence timing configuration
type PresenceConfig struct {
	StaleTimeout    time.Duration `yaml:"-"`
	StaleTimeoutRaw string        `yaml:"stale_timeout"`
}

// RoutingConfig holds assignment policy switches
type RoutingConfig struct {
	// AutoAssign routes new queued conversations to the least-loaded
	// online agent as they arrive.
	AutoAssign bool `yaml:"auto_assign"`

	// ReassignOnRelease re-evaluates the queue when an agent frees up.
	ReassignOnRelease bool `yaml:"reassign_on_release"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration
// values, applying defaults where the config is silent.
func parseDurations(cfg *Config) error {
	var err error

	cfg.Gateway.SendTimeout = 10 * time.Second
	if cfg.Gateway.SendTimeoutRaw != "" {
		cfg.Gateway.SendTimeout, err = time.ParseDuration(cfg.Gateway.SendTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing send_timeout %q: %w", cfg.Gateway.SendTimeoutRaw, err)
		}
	}

	cfg.Gateway.DedupeTTL = 10 * time.Minute
	if cfg.Gateway.DedupeTTLRaw != "" {
		cfg.Gateway.DedupeTTL, err = time.ParseDuration(cfg.Gateway.DedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe_ttl %q: %w", cfg.Gateway.DedupeTTLRaw, err)
		}
	}

	cfg.Presence.StaleTimeout = 2 * time.Minute
	if cfg.Presence.StaleTimeoutRaw != "" {
		cfg.Presence.StaleTimeout, err = time.ParseDuration(cfg.Presence.StaleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing stale_timeout %q: %w", cfg.Presence.StaleTimeoutRaw, err)
		}
	}

	return nil
}
