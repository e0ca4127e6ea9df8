// ABOUTME: Configuration loading and parsing for qm-relay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete qm-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Queue     QueueConfig     `yaml:"queue"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds listen address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	HelloTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	HelloTimeoutRaw string `yaml:"hello_timeout"`
}

// HeartbeatConfig holds liveness monitoring configuration
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"-"`
	Timeout  time.Duration `yaml:"-"`

	IntervalRaw string `yaml:"interval"`
	TimeoutRaw  string `yaml:"timeout"`
}

// QueueConfig holds command queue timing configuration
type QueueConfig struct {
	AckTimeout time.Duration `yaml:"-"`
	Retention  time.Duration `yaml:"-"`

	// Workers bounds the pool servicing dashboard command submissions
	Workers int `yaml:"workers"`

	AckTimeoutRaw string `yaml:"ack_timeout"`
	RetentionRaw  string `yaml:"retention"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults applied when the config file omits a value.
const (
	DefaultHelloTimeout      = 10 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatTimeout  = 45 * time.Second
	DefaultAckTimeout        = 30 * time.Second
	DefaultRetention         = 24 * time.Hour
	DefaultQueueWorkers      = 4
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.timeout (%s) must exceed heartbeat.interval (%s)",
			c.Heartbeat.Timeout, c.Heartbeat.Interval)
	}

	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1")
	}

	return nil
}

// applyDefaults fills in zero-valued timing fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Auth.HelloTimeout == 0 {
		c.Auth.HelloTimeout = DefaultHelloTimeout
	}
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = DefaultHeartbeatInterval
	}
	if c.Heartbeat.Timeout == 0 {
		c.Heartbeat.Timeout = DefaultHeartbeatTimeout
	}
	if c.Queue.AckTimeout == 0 {
		c.Queue.AckTimeout = DefaultAckTimeout
	}
	if c.Queue.Retention == 0 {
		c.Queue.Retention = DefaultRetention
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = DefaultQueueWorkers
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Auth.HelloTimeoutRaw, &cfg.Auth.HelloTimeout, "auth.hello_timeout"},
		{cfg.Heartbeat.IntervalRaw, &cfg.Heartbeat.Interval, "heartbeat.interval"},
		{cfg.Heartbeat.TimeoutRaw, &cfg.Heartbeat.Timeout, "heartbeat.timeout"},
		{cfg.Queue.AckTimeoutRaw, &cfg.Queue.AckTimeout, "queue.ack_timeout"},
		{cfg.Queue.RetentionRaw, &cfg.Queue.Retention, "queue.retention"},
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
