package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the MQTT session client.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	Auth     AuthConfig     `yaml:"auth"`
	Session  SessionConfig  `yaml:"session"`
	Journal  JournalConfig  `yaml:"journal"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BrokerConfig contains MQTT broker connection details.
type BrokerConfig struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	TLS       bool          `yaml:"tls"`
	ClientID  string        `yaml:"client_id"`
	KeepAlive time.Duration `yaml:"keep_alive"`
}

// AuthConfig contains MQTT authentication credentials.
type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SessionConfig controls the connection lifecycle.
type SessionConfig struct {
	// Subscriptions are applied after every connect and reconnect.
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`

	// QoS is the default publish QoS.
	QoS int `yaml:"qos"`

	// WatchdogInterval is the delay between health checks.
	// Default: 2s
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`

	// SettleDelay is the pause after an explicit disconnect.
	// Default: 2s
	SettleDelay time.Duration `yaml:"settle_delay"`

	// OperationTimeout bounds each broker round trip.
	// Default: 10s
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// RetryFirstConnect lets the watchdog retry a failed first connect.
	RetryFirstConnect bool `yaml:"retry_first_connect"`

	// StickyDisconnect keeps the session down after an explicit disconnect
	// until the next connect. When false the watchdog reconnects once the
	// settle delay has passed.
	StickyDisconnect bool `yaml:"sticky_disconnect"`

	// QueueSize is the inbound message buffer. Full queues drop messages.
	// Default: 256
	QueueSize int `yaml:"queue_size"`

	// PresencePrefix enables the last will and online/offline status
	// on <prefix>/<client_id>/status. Empty disables presence.
	PresencePrefix string `yaml:"presence_prefix"`
}

// SubscriptionConfig is one topic filter and its requested QoS.
type SubscriptionConfig struct {
	Filter string `yaml:"filter"`
	QoS    int    `yaml:"qos"`
}

// JournalConfig contains SQLite journal settings.
type JournalConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MQTTSESSION_SECTION_KEY
// For example: MQTTSESSION_BROKER_HOST, MQTTSESSION_JOURNAL_PATH
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return parse(data)
}

// LoadOptional behaves like Load but treats a missing file as empty, so the
// defaults and environment overrides alone form the configuration.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	cfg := defaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if cfg.Broker.ClientID == "" {
		cfg.Broker.ClientID = GenerateClientID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// GenerateClientID returns a random client ID of the form mqttsession-xxxxxxxx.
func GenerateClientID() string {
	return "mqttsession-" + uuid.NewString()[:8]
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:      "localhost",
			Port:      1883,
			KeepAlive: 60 * time.Second,
		},
		Session: SessionConfig{
			Subscriptions: []SubscriptionConfig{
				{Filter: "test/#", QoS: 1},
				{Filter: "new/case", QoS: 1},
			},
			QoS:              1,
			WatchdogInterval: 2 * time.Second,
			SettleDelay:      2 * time.Second,
			OperationTimeout: 10 * time.Second,
			QueueSize:        256,
			PresencePrefix:   "mqttsession",
		},
		Journal: JournalConfig{
			Enabled:     false,
			Path:        "./data/mqttsession.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			Enabled:       false,
			URL:           "http://localhost:8086",
			Org:           "mqttsession",
			Bucket:        "mqttsession",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MQTTSESSION_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	// Broker
	if v := os.Getenv("MQTTSESSION_BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv("MQTTSESSION_BROKER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MQTTSESSION_BROKER_PORT: %w", err)
		}
		cfg.Broker.Port = port
	}
	if v := os.Getenv("MQTTSESSION_BROKER_CLIENT_ID"); v != "" {
		cfg.Broker.ClientID = v
	}

	// Auth
	if v := os.Getenv("MQTTSESSION_AUTH_USERNAME"); v != "" {
		cfg.Auth.Username = v
	}
	if v := os.Getenv("MQTTSESSION_AUTH_PASSWORD"); v != "" {
		cfg.Auth.Password = v
	}

	// Journal
	if v := os.Getenv("MQTTSESSION_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}

	// InfluxDB
	if v := os.Getenv("MQTTSESSION_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("MQTTSESSION_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Broker validation
	if c.Broker.Host == "" {
		errs = append(errs, "broker.host is required")
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		errs = append(errs, "broker.port must be between 1 and 65535")
	}
	if c.Broker.KeepAlive < 0 {
		errs = append(errs, "broker.keep_alive must not be negative")
	}

	// Session validation
	if c.Session.QoS < 0 || c.Session.QoS > 2 {
		errs = append(errs, "session.qos must be 0, 1, or 2")
	}
	for i, sub := range c.Session.Subscriptions {
		if sub.Filter == "" {
			errs = append(errs, fmt.Sprintf("session.subscriptions[%d].filter is required", i))
		}
		if sub.QoS < 0 || sub.QoS > 2 {
			errs = append(errs, fmt.Sprintf("session.subscriptions[%d].qos must be 0, 1, or 2", i))
		}
	}
	if c.Session.WatchdogInterval <= 0 {
		errs = append(errs, "session.watchdog_interval must be positive")
	}
	if c.Session.OperationTimeout <= 0 {
		errs = append(errs, "session.operation_timeout must be positive")
	}
	if c.Session.QueueSize < 1 {
		errs = append(errs, "session.queue_size must be at least 1")
	}

	// Journal validation
	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, "journal.path is required when the journal is enabled")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// BrokerAddress returns host:port for display.
func (c *Config) BrokerAddress() string {
	return fmt.Sprintf("%s:%d", c.Broker.Host, c.Broker.Port)
}
