// Package config handles bridge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mcp-bridge/config.yaml, /config/config.yaml,
// /etc/mcp-bridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcp-bridge", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/mcp-bridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an empty string if nothing was found (the
// bridge runs fine on flags, environment, and defaults alone).
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Config holds all bridge configuration.
type Config struct {
	MQTT     MQTTConfig   `yaml:"mqtt"`
	Store    StoreConfig  `yaml:"store"`
	Bridge   BridgeConfig `yaml:"bridge"`
	Server   ServerConfig `yaml:"server"`
	LogLevel string       `yaml:"log_level"`
}

// MQTTConfig defines the broker connection settings.
type MQTTConfig struct {
	// Broker is the broker hostname, or a full URL (mqtt://, mqtts://,
	// ssl://). A bare hostname is combined with Port.
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TLS forces a TLS connection even for a bare-hostname broker.
	TLS bool `yaml:"tls"`
}

// BrokerURL returns the broker address as a URL string. A broker value
// that already carries a scheme is returned as-is.
func (c MQTTConfig) BrokerURL() string {
	for _, scheme := range []string{"mqtt://", "mqtts://", "ssl://", "tcp://", "ws://", "wss://"} {
		if strings.HasPrefix(c.Broker, scheme) {
			return c.Broker
		}
	}
	scheme := "mqtt"
	if c.TLS {
		scheme = "mqtts"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Broker, c.Port)
}

// StoreConfig defines the embedded database settings.
type StoreConfig struct {
	// Path is the SQLite database file. The parent directory must be
	// writable; WAL journal files are created alongside.
	Path string `yaml:"path"`
}

// BridgeConfig defines device lifecycle and maintenance settings.
type BridgeConfig struct {
	// DeviceTimeoutMinutes is how long a device may stay silent before
	// the timeout scan marks it offline.
	DeviceTimeoutMinutes int `yaml:"device_timeout_minutes"`
	// SensorRetentionDays bounds the age of persisted sensor readings.
	SensorRetentionDays int `yaml:"sensor_retention_days"`
	// ErrorRetentionDays bounds the age of persisted device errors.
	ErrorRetentionDays int `yaml:"error_retention_days"`
	// MaxRecentErrors bounds the in-memory per-device error ring.
	MaxRecentErrors int `yaml:"max_recent_errors"`
	// TimeoutScanSec is the interval between timeout scans.
	TimeoutScanSec int `yaml:"timeout_scan_sec"`
	// MetricsIntervalSec is the interval between metrics snapshots.
	MetricsIntervalSec int `yaml:"metrics_interval_sec"`
	// CleanupIntervalHours is the interval between retention sweeps.
	CleanupIntervalHours int `yaml:"cleanup_interval_hours"`
	// ToolDeadlineSec bounds every MCP tool call.
	ToolDeadlineSec int `yaml:"tool_deadline_sec"`
	// DataDir holds bridge-local state (instance ID).
	DataDir string `yaml:"data_dir"`
}

// DeviceTimeout returns the device timeout as a duration.
func (c BridgeConfig) DeviceTimeout() time.Duration {
	return time.Duration(c.DeviceTimeoutMinutes) * time.Minute
}

// SensorRetention returns the sensor retention window as a duration.
func (c BridgeConfig) SensorRetention() time.Duration {
	return time.Duration(c.SensorRetentionDays) * 24 * time.Hour
}

// ErrorRetention returns the error retention window as a duration.
func (c BridgeConfig) ErrorRetention() time.Duration {
	return time.Duration(c.ErrorRetentionDays) * 24 * time.Hour
}

// ToolDeadline returns the per-tool-call deadline as a duration.
func (c BridgeConfig) ToolDeadline() time.Duration {
	return time.Duration(c.ToolDeadlineSec) * time.Second
}

// ServerConfig defines the MCP transport settings.
type ServerConfig struct {
	// Transport selects the MCP framing: "stdio" or "http".
	Transport string `yaml:"transport"`
	// Address is the HTTP listen address (http transport only).
	Address string `yaml:"address"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${MQTT_PASSWORD}). This is a
	// convenience for container deployments; the recommended approach
	// is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load and Default. After this, callers can
// read any field without checking for empty strings or zero values.
func (c *Config) ApplyDefaults() {
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "localhost"
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.Store.Path == "" {
		c.Store.Path = "./data/bridge.db"
	}
	if c.Bridge.DeviceTimeoutMinutes == 0 {
		c.Bridge.DeviceTimeoutMinutes = 5
	}
	if c.Bridge.SensorRetentionDays == 0 {
		c.Bridge.SensorRetentionDays = 30
	}
	if c.Bridge.ErrorRetentionDays == 0 {
		c.Bridge.ErrorRetentionDays = 30
	}
	if c.Bridge.MaxRecentErrors == 0 {
		c.Bridge.MaxRecentErrors = 100
	}
	if c.Bridge.TimeoutScanSec == 0 {
		c.Bridge.TimeoutScanSec = 60
	}
	if c.Bridge.MetricsIntervalSec == 0 {
		c.Bridge.MetricsIntervalSec = 300
	}
	if c.Bridge.CleanupIntervalHours == 0 {
		c.Bridge.CleanupIntervalHours = 24
	}
	if c.Bridge.ToolDeadlineSec == 0 {
		c.Bridge.ToolDeadlineSec = 5
	}
	if c.Bridge.DataDir == "" {
		c.Bridge.DataDir = "./data"
	}
	if c.Server.Transport == "" {
		c.Server.Transport = "stdio"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8090"
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after ApplyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port %d out of range (1-65535)", c.MQTT.Port)
	}
	if c.Bridge.DeviceTimeoutMinutes < 0 {
		return fmt.Errorf("bridge.device_timeout_minutes must not be negative")
	}
	if c.Bridge.SensorRetentionDays < 1 {
		return fmt.Errorf("bridge.sensor_retention_days must be at least 1")
	}
	if c.Bridge.ErrorRetentionDays < 1 {
		return fmt.Errorf("bridge.error_retention_days must be at least 1")
	}
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("server.transport %q unknown (valid: stdio, http)", c.Server.Transport)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development against a broker on localhost. All defaults are already
// applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}
