// ABOUTME: Configuration loading and parsing for clawboard
// ABOUTME: Supports YAML files with environment variable expansion and env overrides

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingToken is returned by RequireGatewayToken when no bearer token is
// configured. Every gateway-touching path must fail fast on it instead of
// attempting a handshake.
var ErrMissingToken = errors.New("missing gateway token")

// Config represents the complete clawboard configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Database DatabaseConfig `yaml:"database"`
	Identity IdentityConfig `yaml:"identity"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the downstream HTTP/WebSocket listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// GatewayConfig holds the upstream gateway connection configuration
type GatewayConfig struct {
	URL   string `yaml:"url"`    // HTTP base URL for tools/invoke calls
	WSURL string `yaml:"ws_url"` // WebSocket URL for the streaming session
	Token string `yaml:"token"`  // bearer token; empty is surfaced per-request, not at load

	PollInterval time.Duration `yaml:"-"`
	SyncTimeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PollIntervalRaw string `yaml:"poll_interval"`
	SyncTimeoutRaw  string `yaml:"sync_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// IdentityConfig holds the device identity file location
type IdentityConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration used when no config file exists.
// Environment overrides are applied on top.
func Default() *Config {
	cfg := &Config{
		Server:   ServerConfig{HTTPAddr: "localhost:8990"},
		Gateway:  GatewayConfig{URL: "http://127.0.0.1:18789", WSURL: "ws://127.0.0.1:18789"},
		Database: DatabaseConfig{Path: "data/clawboard.db"},
		Identity: IdentityConfig{Path: "data/clawboard-device.json"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
	cfg.Gateway.PollInterval = time.Second
	cfg.Gateway.SyncTimeout = 7 * time.Second
	cfg.applyEnv()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded, and the
// CLAWBOARD_GATEWAY_* overrides are applied after parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads the config file at path if it exists, otherwise
// returns the defaults with environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// applyEnv overlays CLAWBOARD_GATEWAY_* environment variables onto the
// gateway section. Set variables always win over file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("CLAWBOARD_GATEWAY_URL"); v != "" {
		c.Gateway.URL = v
	}
	if v := os.Getenv("CLAWBOARD_GATEWAY_WS"); v != "" {
		c.Gateway.WSURL = v
	}
	if v := os.Getenv("CLAWBOARD_GATEWAY_TOKEN"); v != "" {
		c.Gateway.Token = v
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// A missing gateway token is deliberately not a validation error: the bridge
// starts without one and reports the failure on each gateway-touching request.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if c.Gateway.WSURL == "" {
		return fmt.Errorf("gateway.ws_url is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Identity.Path == "" {
		return fmt.Errorf("identity.path is required")
	}
	return nil
}

// RequireGatewayToken returns the configured bearer token or ErrMissingToken.
func (c *Config) RequireGatewayToken() (string, error) {
	if c.Gateway.Token == "" {
		return "", ErrMissingToken
	}
	return c.Gateway.Token, nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Gateway.PollIntervalRaw != "" {
		cfg.Gateway.PollInterval, err = time.ParseDuration(cfg.Gateway.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing poll_interval %q: %w", cfg.Gateway.PollIntervalRaw, err)
		}
	}

	if cfg.Gateway.SyncTimeoutRaw != "" {
		cfg.Gateway.SyncTimeout, err = time.ParseDuration(cfg.Gateway.SyncTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing sync_timeout %q: %w", cfg.Gateway.SyncTimeoutRaw, err)
		}
	}

	return nil
}
