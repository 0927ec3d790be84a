package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for V900 Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

// ServerConfig contains the device TCP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// MaxFrameSize is the largest length prefix (and handshake line) accepted, in bytes.
	MaxFrameSize int `yaml:"max_frame_size"`

	// MaxConnections bounds the number of concurrent device connections.
	MaxConnections int `yaml:"max_connections"`

	// HandshakeTimeout is how long a new connection may take to send its handshake line.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// WriteTimeout bounds a single frame write to a device.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
}

// HeartbeatConfig controls the dead-peer sweep.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Auth policies for devices that have no stored token.
const (
	AuthPolicyOpen   = "open"
	AuthPolicyPin    = "pin"
	AuthPolicyStrict = "strict"
)

// AuthConfig contains device authentication settings.
type AuthConfig struct {
	// Policy decides what happens to devices without a stored token:
	// "open" accepts them, "pin" accepts them and stores the presented token,
	// "strict" rejects them.
	Policy string `yaml:"policy"`

	// Tokens seeds the token store at startup (device ID -> token).
	Tokens map[string]string `yaml:"tokens"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`

	// PanelDir serves the dashboard from disk instead of the embedded
	// assets when set.
	PanelDir string `yaml:"panel_dir"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
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

	// StatsInterval is how often link statistics are written.
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// AlertsConfig contains tank level alert thresholds (percent).
type AlertsConfig struct {
	Enabled               bool          `yaml:"enabled"`
	FuelLowPercent        float64       `yaml:"fuel_low_percent"`
	FreshWaterLowPercent  float64       `yaml:"fresh_water_low_percent"`
	BlackWaterHighPercent float64       `yaml:"black_water_high_percent"`
	Cooldown              time.Duration `yaml:"cooldown"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: V900_SECTION_KEY
// For example: V900_SERVER_PORT, V900_DATABASE_PATH
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             12345,
			MaxFrameSize:     1 << 20,
			MaxConnections:   64,
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     5 * time.Second,
			Heartbeat: HeartbeatConfig{
				Interval: 10 * time.Second,
				Timeout:  90 * time.Second,
			},
		},
		Auth: AuthConfig{
			Policy: AuthPolicyOpen,
		},
		Database: DatabaseConfig{
			Path:        "./data/v900.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "v900-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			StatsInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Alerts: AlertsConfig{
			Enabled:               true,
			FuelLowPercent:        15,
			FreshWaterLowPercent:  10,
			BlackWaterHighPercent: 90,
			Cooldown:              time.Minute,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("V900_SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("V900_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	if v := os.Getenv("V900_AUTH_POLICY"); v != "" {
		cfg.Auth.Policy = v
	}

	if v := os.Getenv("V900_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("V900_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("V900_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("V900_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("V900_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	return nil
}

// Frame size bounds accepted by Validate.
const (
	minFrameSize = 64 << 10
	maxFrameSize = 16 << 20
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Server.MaxFrameSize < minFrameSize || c.Server.MaxFrameSize > maxFrameSize {
		errs = append(errs, fmt.Sprintf("server.max_frame_size must be between %d and %d", minFrameSize, maxFrameSize))
	}
	if c.Server.MaxConnections < 1 {
		errs = append(errs, "server.max_connections must be at least 1")
	}
	if c.Server.HandshakeTimeout <= 0 {
		errs = append(errs, "server.handshake_timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, "server.write_timeout must be positive")
	}
	if c.Server.Heartbeat.Interval <= 0 || c.Server.Heartbeat.Timeout <= 0 {
		errs = append(errs, "server.heartbeat interval and timeout must be positive")
	} else if c.Server.Heartbeat.Timeout < c.Server.Heartbeat.Interval {
		errs = append(errs, "server.heartbeat.timeout must not be shorter than the interval")
	}

	switch c.Auth.Policy {
	case AuthPolicyOpen, AuthPolicyPin, AuthPolicyStrict:
	default:
		errs = append(errs, fmt.Sprintf("auth.policy %q must be one of open, pin, strict", c.Auth.Policy))
	}
	for id, token := range c.Auth.Tokens {
		if strings.TrimSpace(id) == "" || token == "" {
			errs = append(errs, "auth.tokens entries need a device id and a non-empty token")
			break
		}
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.Enabled && c.API.Port == c.Server.Port && c.API.Host == c.Server.Host {
		errs = append(errs, "api.port must differ from server.port")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Alerts.Cooldown < 0 {
		errs = append(errs, "alerts.cooldown must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// ServerAddress returns the host:port the device listener binds to.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
