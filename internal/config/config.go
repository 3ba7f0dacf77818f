package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds application configuration
type Config struct {
	// Server settings
	ServerPort int    `json:"server_port"`
	DataDir    string `json:"data_dir"`

	// Nature Remo cloud settings
	RemoBaseURL           string `json:"remo_base_url"`
	RequestsPerMinute     int    `json:"requests_per_minute"`
	PendingTimeoutSeconds int    `json:"pending_timeout_seconds"`

	// Mode defaults used when nothing has been remembered for a mode yet
	CoolTemperature float64 `json:"cool_temperature"`
	WarmTemperature float64 `json:"warm_temperature"`

	// Legacy file-based configuration imported once at startup
	LegacyConfigPath string `json:"legacy_config_path"`

	// Logging
	LogLevel string `json:"log_level"`
	LogJSON  bool   `json:"log_json"`

	MQTT     MQTTConfig     `json:"mqtt"`
	HostLink HostLinkConfig `json:"host_link"`

	// Encryption key path (for the access token)
	EncryptionKeyPath string `json:"encryption_key_path"`
}

// MQTTConfig configures the Home Assistant MQTT discovery publisher
type MQTTConfig struct {
	Enabled         bool   `json:"enabled"`
	Broker          string `json:"broker"`
	ClientID        string `json:"client_id"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	DiscoveryPrefix string `json:"discovery_prefix"`
	TopicPrefix     string `json:"topic_prefix"`
}

// HostLinkConfig configures the optional external host link
type HostLinkConfig struct {
	URL string `json:"url"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".remo-bridge")

	return &Config{
		ServerPort:            8080,
		DataDir:               dataDir,
		RemoBaseURL:           "https://api.nature.global/1/",
		RequestsPerMinute:     6, // API budget is 30 requests per 5 minutes
		PendingTimeoutSeconds: 30,
		CoolTemperature:       DefaultCoolTemperature,
		WarmTemperature:       DefaultWarmTemperature,
		LogLevel:              "info",
		MQTT: MQTTConfig{
			Broker:          "tcp://localhost:1883",
			ClientID:        "remo-bridge",
			DiscoveryPrefix: "homeassistant",
			TopicPrefix:     "remo",
		},
		EncryptionKeyPath: filepath.Join(dataDir, "encryption.key"),
	}
}

// Load reads configuration from a JSON file
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the bridge cannot run with
func (c *Config) Validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port %d out of range", c.ServerPort)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.RemoBaseURL == "" {
		return fmt.Errorf("remo_base_url is required")
	}
	if c.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests_per_minute must be positive")
	}
	if c.PendingTimeoutSeconds <= 0 {
		return fmt.Errorf("pending_timeout_seconds must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// Save writes configuration to a JSON file
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// EnsureDataDir creates the data directory if it doesn't exist
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

// DatabasePath returns the path to the SQLite database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "remo-bridge.db")
}

// PendingTimeout is how long an unconfirmed command stays optimistic
func (c *Config) PendingTimeout() time.Duration {
	return time.Duration(c.PendingTimeoutSeconds) * time.Second
}
