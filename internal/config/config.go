// ABOUTME: Configuration loading and parsing for sheepfarm-hub
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied to fields left empty in the config file.
const (
	DefaultHTTPAddr             = "0.0.0.0:8080"
	DefaultHeartbeatInterval    = 10 * time.Second
	DefaultHeartbeatTimeout     = 30 * time.Second
	DefaultReconnectGracePeriod = 5 * time.Minute
	DefaultObserverQueueSize    = 64
	DefaultMetricsPath          = "/metrics"
	DefaultSubjectPrefix        = "sheepfarm"
)

// Config represents the complete sheepfarm-hub configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Observers ObserversConfig `yaml:"observers" toml:"observers"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds journal database configuration.
// An empty path or ":memory:" keeps the journal in memory.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AgentsConfig holds agent liveness timing configuration
type AgentsConfig struct {
	HeartbeatInterval    time.Duration `yaml:"-" toml:"-"`
	HeartbeatTimeout     time.Duration `yaml:"-" toml:"-"`
	ReconnectGracePeriod time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	HeartbeatIntervalRaw    string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeoutRaw     string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	ReconnectGracePeriodRaw string `yaml:"reconnect_grace_period" toml:"reconnect_grace_period"`
}

// ObserversConfig holds dashboard connection configuration
type ObserversConfig struct {
	QueueSize int `yaml:"queue_size" toml:"queue_size"`
	// PasswordHash is a bcrypt hash. When empty, observers connect without a password.
	PasswordHash string `yaml:"password_hash" toml:"password_hash"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// EventsConfig holds the optional NATS event bus configuration
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url" toml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration suitable for running without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// DefaultPath returns the config path from SHEEPFARM_CONFIG, falling back to
// $XDG_CONFIG_HOME/sheepfarm/hub.yaml (or ~/.config/sheepfarm/hub.yaml).
func DefaultPath() string {
	if p := os.Getenv("SHEEPFARM_CONFIG"); p != "" {
		return p
	}
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "hub.yaml"
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "sheepfarm", "hub.yaml")
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

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Agents.HeartbeatIntervalRaw == "" {
		c.Agents.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Agents.HeartbeatTimeoutRaw == "" {
		c.Agents.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Agents.ReconnectGracePeriodRaw == "" {
		c.Agents.ReconnectGracePeriod = DefaultReconnectGracePeriod
	}
	if c.Observers.QueueSize == 0 {
		c.Observers.QueueSize = DefaultObserverQueueSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = DefaultSubjectPrefix
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Agents.HeartbeatInterval < 0 || c.Agents.HeartbeatTimeout < 0 {
		return fmt.Errorf("agents heartbeat durations must not be negative")
	}
	// A zero interval or timeout disables the liveness sweep.
	if c.Agents.HeartbeatInterval > 0 && c.Agents.HeartbeatTimeout > 0 &&
		c.Agents.HeartbeatTimeout <= c.Agents.HeartbeatInterval {
		return fmt.Errorf("agents.heartbeat_timeout (%s) must exceed agents.heartbeat_interval (%s)",
			c.Agents.HeartbeatTimeout, c.Agents.HeartbeatInterval)
	}
	if c.Agents.ReconnectGracePeriod < 0 {
		return fmt.Errorf("agents.reconnect_grace_period must not be negative")
	}

	if c.Observers.QueueSize < 1 {
		return fmt.Errorf("observers.queue_size must be at least 1")
	}
	if h := c.Observers.PasswordHash; h != "" && !strings.HasPrefix(h, "$2") {
		return fmt.Errorf("observers.password_hash must be a bcrypt hash")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agents.HeartbeatIntervalRaw != "" {
		cfg.Agents.HeartbeatInterval, err = time.ParseDuration(cfg.Agents.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Agents.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Agents.HeartbeatTimeoutRaw != "" {
		cfg.Agents.HeartbeatTimeout, err = time.ParseDuration(cfg.Agents.HeartbeatTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_timeout %q: %w", cfg.Agents.HeartbeatTimeoutRaw, err)
		}
	}

	if cfg.Agents.ReconnectGracePeriodRaw != "" {
		cfg.Agents.ReconnectGracePeriod, err = time.ParseDuration(cfg.Agents.ReconnectGracePeriodRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_grace_period %q: %w", cfg.Agents.ReconnectGracePeriodRaw, err)
		}
	}

	return nil
}
