// ABOUTME: Configuration loading and parsing for orchestrad
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete orchestrad configuration
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Agents     AgentsConfig     `yaml:"agents"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Connectors ConnectorsConfig `yaml:"connectors"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig holds task scheduling configuration
type SchedulerConfig struct {
	Tick time.Duration `yaml:"-"`

	// FailureThreshold is how many consecutive task failures move an
	// agent to error status. Zero means use the default of 3.
	FailureThreshold int `yaml:"failure_threshold"`

	TickRaw string `yaml:"tick"`
}

// AgentsConfig holds agent liveness timing configuration
type AgentsConfig struct {
	HeartbeatTimeout time.Duration `yaml:"-"`
	SweepInterval    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatTimeoutRaw string `yaml:"heartbeat_timeout"`
	SweepIntervalRaw    string `yaml:"sweep_interval"`
}

// SessionsConfig holds session lifecycle configuration
type SessionsConfig struct {
	IdleThreshold time.Duration `yaml:"-"`
	ReapInterval  time.Duration `yaml:"-"`

	// BufferCapacity is the per-session output buffer size in lines
	BufferCapacity int `yaml:"buffer_capacity"`

	IdleThresholdRaw string `yaml:"idle_threshold"`
	ReapIntervalRaw  string `yaml:"reap_interval"`
}

// ConnectorsConfig holds agent connector policy
type ConnectorsConfig struct {
	ConnectTimeout time.Duration `yaml:"-"`
	SendTimeout    time.Duration `yaml:"-"`
	BackoffBase    time.Duration `yaml:"-"`
	BackoffMax     time.Duration `yaml:"-"`

	SendTimeoutLimit int  `yaml:"send_timeout_limit"`
	Reconnect        bool `yaml:"reconnect"`
	MaxAttempts      int  `yaml:"max_attempts"`

	ConnectTimeoutRaw string `yaml:"connect_timeout"`
	SendTimeoutRaw    string `yaml:"send_timeout"`
	BackoffBaseRaw    string `yaml:"backoff_base"`
	BackoffMaxRaw     string `yaml:"backoff_max"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// File enables rotating file output when Path is set
	File LogFileConfig `yaml:"file"`
}

// LogFileConfig holds rotating log file settings
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns a Config with every field at its default value.
// Used by `orchestrad config init` and as the base for partial files.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "orchestra.db",
		},
		Scheduler: SchedulerConfig{
			Tick:             3 * time.Second,
			FailureThreshold: 3,
		},
		Agents: AgentsConfig{
			HeartbeatTimeout: 60 * time.Second,
			SweepInterval:    10 * time.Second,
		},
		Sessions: SessionsConfig{
			IdleThreshold:  30 * time.Minute,
			ReapInterval:   time.Minute,
			BufferCapacity: 2000,
		},
		Connectors: ConnectorsConfig{
			ConnectTimeout:   10 * time.Second,
			SendTimeout:      5 * time.Second,
			SendTimeoutLimit: 3,
			Reconnect:        true,
			BackoffBase:      time.Second,
			BackoffMax:       30 * time.Second,
			MaxAttempts:      5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Unset fields fall back to the Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills any unset field from Default.
func (c *Config) applyDefaults() {
	def := Default()

	if c.Database.Path == "" {
		c.Database.Path = def.Database.Path
	}
	if c.Scheduler.Tick <= 0 {
		c.Scheduler.Tick = def.Scheduler.Tick
	}
	if c.Scheduler.FailureThreshold <= 0 {
		c.Scheduler.FailureThreshold = def.Scheduler.FailureThreshold
	}
	if c.Agents.HeartbeatTimeout <= 0 {
		c.Agents.HeartbeatTimeout = def.Agents.HeartbeatTimeout
	}
	if c.Agents.SweepInterval <= 0 {
		c.Agents.SweepInterval = def.Agents.SweepInterval
	}
	if c.Sessions.IdleThreshold <= 0 {
		c.Sessions.IdleThreshold = def.Sessions.IdleThreshold
	}
	if c.Sessions.ReapInterval <= 0 {
		c.Sessions.ReapInterval = def.Sessions.ReapInterval
	}
	if c.Sessions.BufferCapacity <= 0 {
		c.Sessions.BufferCapacity = def.Sessions.BufferCapacity
	}
	if c.Connectors.ConnectTimeout <= 0 {
		c.Connectors.ConnectTimeout = def.Connectors.ConnectTimeout
	}
	if c.Connectors.SendTimeout <= 0 {
		c.Connectors.SendTimeout = def.Connectors.SendTimeout
	}
	if c.Connectors.SendTimeoutLimit <= 0 {
		c.Connectors.SendTimeoutLimit = def.Connectors.SendTimeoutLimit
	}
	if c.Connectors.BackoffBase <= 0 {
		c.Connectors.BackoffBase = def.Connectors.BackoffBase
	}
	if c.Connectors.BackoffMax <= 0 {
		c.Connectors.BackoffMax = def.Connectors.BackoffMax
	}
	if c.Connectors.MaxAttempts <= 0 {
		c.Connectors.MaxAttempts = def.Connectors.MaxAttempts
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	if c.Agents.SweepInterval > c.Agents.HeartbeatTimeout {
		return fmt.Errorf("agents.sweep_interval must not exceed agents.heartbeat_timeout")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Scheduler.TickRaw, &cfg.Scheduler.Tick, "scheduler.tick"},
		{cfg.Agents.HeartbeatTimeoutRaw, &cfg.Agents.HeartbeatTimeout, "agents.heartbeat_timeout"},
		{cfg.Agents.SweepIntervalRaw, &cfg.Agents.SweepInterval, "agents.sweep_interval"},
		{cfg.Sessions.IdleThresholdRaw, &cfg.Sessions.IdleThreshold, "sessions.idle_threshold"},
		{cfg.Sessions.ReapIntervalRaw, &cfg.Sessions.ReapInterval, "sessions.reap_interval"},
		{cfg.Connectors.ConnectTimeoutRaw, &cfg.Connectors.ConnectTimeout, "connectors.connect_timeout"},
		{cfg.Connectors.SendTimeoutRaw, &cfg.Connectors.SendTimeout, "connectors.send_timeout"},
		{cfg.Connectors.BackoffBaseRaw, &cfg.Connectors.BackoffBase, "connectors.backoff_base"},
		{cfg.Connectors.BackoffMaxRaw, &cfg.Connectors.BackoffMax, "connectors.backoff_max"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
