package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Volume backend identifiers accepted in volume.backend.
const (
	VolumeBackendMPD    = "mpd"
	VolumeBackendAmixer = "amixer"
	VolumeBackendMemory = "memory"
)

// DefaultLegacyCommandTopic is the fixed command topic older Bifrost
// installations published volume commands to.
const DefaultLegacyCommandTopic = "electron-ha/volume/set"

// Config is the root configuration structure for Bifrost.
// All configuration is loaded from YAML and can be overridden by environment variables.
//
// The broker connection itself (URL, credentials, base topic) is not part of
// this file; it is submitted at runtime and persisted in the settings store.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Volume    VolumeConfig    `yaml:"volume"`
	Bridge    BridgeConfig    `yaml:"bridge"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains the local HTTP server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`

	// PanelDir, when set, serves the configuration page from disk instead
	// of the embedded copy.
	PanelDir string `yaml:"panel_dir"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for volume history.
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

// VolumeConfig selects and configures the device volume source.
type VolumeConfig struct {
	// Backend is one of "mpd", "amixer" or "memory".
	Backend string `yaml:"backend"`

	// PollInterval is how often the device volume is sampled.
	// Default: 100ms
	PollInterval time.Duration `yaml:"poll_interval"`

	// Initial is the starting level of the memory backend.
	Initial int `yaml:"initial"`

	MPD    MPDConfig    `yaml:"mpd"`
	Amixer AmixerConfig `yaml:"amixer"`
}

// MPDConfig contains Music Player Daemon connection details.
type MPDConfig struct {
	// Network is "tcp" or "unix".
	Network  string `yaml:"network"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
}

// AmixerConfig contains ALSA mixer settings.
type AmixerConfig struct {
	Binary  string `yaml:"binary"`
	Card    string `yaml:"card"`
	Control string `yaml:"control"`
}

// BridgeConfig contains settings for the MQTT state-sync core.
type BridgeConfig struct {
	QoS int `yaml:"qos"`

	// ProbeTimeout bounds the connectivity probe run while validating a
	// submitted broker configuration.
	// Default: 10s
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// LegacyCommandTopic is an extra, fixed command topic subscribed in
	// addition to {base}/volume/set. Empty disables it.
	LegacyCommandTopic string `yaml:"legacy_command_topic"`

	Reconnect     ReconnectConfig     `yaml:"reconnect"`
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
}

// ReconnectConfig contains broker reconnection settings (seconds).
//
// InitialDelay is the first wait before retrying a stored configuration
// that failed to connect at startup. A dropped live connection is
// re-established by paho, which always starts at 1s; MaxDelay caps both.
type ReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// HomeAssistantConfig controls MQTT discovery announcements.
type HomeAssistantConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	NodeID          string `yaml:"node_id"`
	Name            string `yaml:"name"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: BIFROST_SECTION_KEY
// For example: BIFROST_DATABASE_PATH, BIFROST_API_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/bifrost.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8765,
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
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Volume: VolumeConfig{
			Backend:      VolumeBackendMemory,
			PollInterval: 100 * time.Millisecond,
			Initial:      50,
			MPD: MPDConfig{
				Network: "tcp",
				Address: "localhost:6600",
			},
			Amixer: AmixerConfig{
				Binary:  "amixer",
				Control: "Master",
			},
		},
		Bridge: BridgeConfig{
			QoS:                0,
			ProbeTimeout:       10 * time.Second,
			LegacyCommandTopic: DefaultLegacyCommandTopic,
			Reconnect: ReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			HomeAssistant: HomeAssistantConfig{
				DiscoveryPrefix: "homeassistant",
				NodeID:          "bifrost",
				Name:            "Bifrost Volume",
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: BIFROST_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("BIFROST_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// API
	if v := os.Getenv("BIFROST_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// Volume
	if v := os.Getenv("BIFROST_VOLUME_BACKEND"); v != "" {
		cfg.Volume.Backend = v
	}
	if v := os.Getenv("BIFROST_MPD_PASSWORD"); v != "" {
		cfg.Volume.MPD.Password = v
	}

	// InfluxDB
	if v := os.Getenv("BIFROST_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// All problems are collected and reported together so a broken config file
// can be fixed in one pass.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	switch c.Volume.Backend {
	case VolumeBackendMPD:
		if c.Volume.MPD.Address == "" {
			errs = append(errs, "volume.mpd.address is required for the mpd backend")
		}
	case VolumeBackendAmixer:
		if c.Volume.Amixer.Control == "" {
			errs = append(errs, "volume.amixer.control is required for the amixer backend")
		}
	case VolumeBackendMemory:
	default:
		errs = append(errs, fmt.Sprintf("volume.backend %q must be one of mpd, amixer, memory", c.Volume.Backend))
	}

	if c.Volume.PollInterval <= 0 {
		errs = append(errs, "volume.poll_interval must be positive")
	}

	if c.Bridge.QoS < 0 || c.Bridge.QoS > 2 {
		errs = append(errs, "bridge.qos must be 0, 1, or 2")
	}
	if c.Bridge.ProbeTimeout <= 0 {
		errs = append(errs, "bridge.probe_timeout must be positive")
	}
	if c.Bridge.Reconnect.InitialDelay < 1 {
		errs = append(errs, "bridge.reconnect.initial_delay must be at least 1 second")
	}
	if c.Bridge.Reconnect.MaxDelay < c.Bridge.Reconnect.InitialDelay {
		errs = append(errs, "bridge.reconnect.max_delay must not be less than initial_delay")
	}
	if c.Bridge.HomeAssistant.Enabled && c.Bridge.HomeAssistant.NodeID == "" {
		errs = append(errs, "bridge.home_assistant.node_id is required when discovery is enabled")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
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
