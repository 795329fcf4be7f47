// Package config loads the daemon configuration from YAML with environment
// variable expansion.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "5m", or from integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value at line %d", value.Line)
	}
	*d = Duration(n)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// Config is the main configuration structure for Flotilla.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	Transport TransportConfig `yaml:"transport"`
	Registry  RegistryConfig  `yaml:"registry"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StoreConfig points at the shared coordination/cache store.
type StoreConfig struct {
	// URL is a redis:// connection URL, or "memory" for the in-process
	// store (single-node deployments and tests only).
	URL string `yaml:"url"`
}

type DatabaseConfig struct {
	// Path is the SQLite database file holding the agent roster.
	Path string `yaml:"path"`
}

type TransportConfig struct {
	// SessionDir holds per-agent session databases.
	SessionDir string `yaml:"session_dir"`

	// PairingTTL bounds pairing artifact validity.
	PairingTTL Duration `yaml:"pairing_ttl"`

	// QRSize is the rendered QR PNG edge length in pixels.
	QRSize int `yaml:"qr_size"`
}

type RegistryConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      Duration `yaml:"heartbeat_ttl"`

	// Capacity is the maximum number of agents this instance accepts.
	Capacity int `yaml:"capacity"`
}

type LifecycleConfig struct {
	CooldownWindow    Duration `yaml:"cooldown_window"`
	MaxAttempts       int      `yaml:"max_attempts"`
	ReconcileInterval Duration `yaml:"reconcile_interval"`
	CredentialsTTL    Duration `yaml:"credentials_ttl"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file. Environment variables in
// the file (${VAR} or $VAR) are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Store.URL == "" {
		cfg.Store.URL = "memory"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "flotilla.db"
	}
	if cfg.Transport.SessionDir == "" {
		cfg.Transport.SessionDir = "sessions"
	}
	if cfg.Transport.PairingTTL == 0 {
		cfg.Transport.PairingTTL = Duration(60 * time.Second)
	}
	if cfg.Transport.QRSize == 0 {
		cfg.Transport.QRSize = 256
	}
	if cfg.Registry.HeartbeatInterval == 0 {
		cfg.Registry.HeartbeatInterval = Duration(12 * time.Second)
	}
	if cfg.Registry.HeartbeatTTL == 0 {
		cfg.Registry.HeartbeatTTL = Duration(30 * time.Second)
	}
	if cfg.Registry.Capacity == 0 {
		cfg.Registry.Capacity = 200
	}
	if cfg.Lifecycle.CooldownWindow == 0 {
		cfg.Lifecycle.CooldownWindow = Duration(5 * time.Minute)
	}
	if cfg.Lifecycle.MaxAttempts == 0 {
		cfg.Lifecycle.MaxAttempts = 10
	}
	if cfg.Lifecycle.ReconcileInterval == 0 {
		cfg.Lifecycle.ReconcileInterval = Duration(15 * time.Second)
	}
	if cfg.Lifecycle.CredentialsTTL == 0 {
		cfg.Lifecycle.CredentialsTTL = Duration(7 * 24 * time.Hour)
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks cross-field constraints the defaults cannot guarantee.
func (c *Config) Validate() error {
	if c.Registry.Capacity < 0 {
		return fmt.Errorf("registry.capacity must not be negative")
	}
	if c.Registry.HeartbeatTTL <= c.Registry.HeartbeatInterval {
		return fmt.Errorf("registry.heartbeat_ttl (%s) must exceed heartbeat_interval (%s)",
			c.Registry.HeartbeatTTL, c.Registry.HeartbeatInterval)
	}
	if c.Lifecycle.MaxAttempts < 1 {
		return fmt.Errorf("lifecycle.max_attempts must be at least 1")
	}
	if c.Lifecycle.ReconcileInterval.Std() < time.Second {
		return fmt.Errorf("lifecycle.reconcile_interval must be at least 1s")
	}
	if c.Transport.PairingTTL.Std() < 10*time.Second {
		return fmt.Errorf("transport.pairing_ttl must be at least 10s")
	}
	return nil
}
