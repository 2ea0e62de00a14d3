// Package config handles configuration loading, validation, and persistence
// for the blockfort game server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir   = "config"
	DefaultConfigFile  = "config.json"
	DefaultGamePort    = 32887
	DefaultAPIPort     = 5080
	DefaultProtocolVer = 3
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Server    ServerConfig    `json:"server"`
	Transfer  TransferConfig  `json:"transfer"`
	Guard     GuardConfig     `json:"guard"`
	Broadcast BroadcastConfig `json:"broadcast"`
	API       APIConfig       `json:"api"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Database  DatabaseConfig  `json:"database"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig holds the connection layer settings.
type ServerConfig struct {
	Name            string `json:"name"`
	BindAddress     string `json:"bind_address"`
	Port            int    `json:"port"`
	ProtocolVersion uint32 `json:"protocol_version"`
	MapFile         string `json:"map_file"`
	MapName         string `json:"map_name"`

	// Capacity
	MaxConnections      int `json:"max_connections"`
	MaxPlayers          int `json:"max_players"`
	MaxConnectionsPerIP int `json:"max_connections_per_ip"`

	// Timing
	TickRateHz     int `json:"tick_rate_hz"`
	IdleTimeoutSec int `json:"idle_timeout_sec"`
	JoinTimeoutSec int `json:"join_timeout_sec"`
	PingIntervalMs int `json:"ping_interval_ms"`

	// Abuse handling
	MalformedBurst    int `json:"malformed_burst"`
	ViolationBurst    int `json:"violation_burst"`
	MalformedWindowMs int `json:"malformed_window_ms"`
	DatagramsPerSec   int `json:"datagrams_per_sec_per_ip"`

	EnableInfoResponder bool `json:"enable_info_responder"`
	StatusIntervalSec   int  `json:"status_interval_sec"`
	HealthIntervalSec   int  `json:"health_interval_sec"`
}

// TransferConfig holds the map streaming settings.
type TransferConfig struct {
	ChunkSize    int  `json:"chunk_size"`
	Window       int  `json:"window"`
	AckTimeoutMs int  `json:"ack_timeout_ms"`
	MaxRetries   int  `json:"max_retries"`
	Compress     bool `json:"compress"`
}

// GuardConfig holds the client timer anomaly detector settings.
type GuardConfig struct {
	Enabled         bool    `json:"enabled"`
	Window          int     `json:"window"`
	NominalRate     float64 `json:"nominal_rate"`
	Threshold       float64 `json:"threshold"`
	MaxSampleAgeSec int     `json:"max_sample_age_sec"`
}

// BroadcastConfig holds broadcast filtering settings.
type BroadcastConfig struct {
	Distance float64 `json:"distance"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	ClientID  string `json:"client_id"`
	Topic     string `json:"topic_prefix"`
}

// DatabaseConfig holds the audit database settings.
type DatabaseConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
	PruneTime     string `json:"prune_time"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name:                "blockfort",
			BindAddress:         "0.0.0.0",
			Port:                DefaultGamePort,
			ProtocolVersion:     DefaultProtocolVer,
			MapFile:             "maps/default.vxl",
			MapName:             "default",
			MaxConnections:      32,
			MaxPlayers:          32,
			MaxConnectionsPerIP: 3,
			TickRateHz:          60,
			IdleTimeoutSec:      30,
			JoinTimeoutSec:      120,
			PingIntervalMs:      1000,
			MalformedBurst:      10,
			ViolationBurst:      3,
			MalformedWindowMs:   2000,
			DatagramsPerSec:     400,
			EnableInfoResponder: true,
			StatusIntervalSec:   30,
			HealthIntervalSec:   60,
		},
		Transfer: TransferConfig{
			ChunkSize:    1024,
			Window:       4,
			AckTimeoutMs: 1000,
			MaxRetries:   5,
			Compress:     true,
		},
		Guard: GuardConfig{
			Enabled:         true,
			Window:          10,
			NominalRate:     1.0,
			Threshold:       3.0,
			MaxSampleAgeSec: 10,
		},
		Broadcast: BroadcastConfig{
			Distance: 128,
		},
		API: APIConfig{
			Enabled:      true,
			Port:         DefaultAPIPort,
			RateLimitRPS: 50,
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Port:    8883,
			UseTLS:  true,
			Topic:   "blockfort",
		},
		Database: DatabaseConfig{
			Enabled:       true,
			Path:          "data/audit.db",
			RetentionDays: 30,
			PruneTime:     "04:00",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
			Console:    true,
		},
	}
}

// Load reads configuration from a JSON file, creating it with defaults if missing.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json always lists every option known to this build.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServer returns a copy of the server configuration.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// UpdateServerField updates a single server setting by its JSON key.
func (c *Config) UpdateServerField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.Server)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown server field %q", key)
	}
	m[key] = value

	updated, _ := json.Marshal(m)
	if err := json.Unmarshal(updated, &c.Server); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}

	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// TickInterval is the dispatcher tick period.
func (s ServerConfig) TickInterval() time.Duration {
	if s.TickRateHz <= 0 {
		return time.Second / 60
	}
	return time.Second / time.Duration(s.TickRateHz)
}

// IdleTimeout is how long a connection may stay silent.
func (s ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSec) * time.Second
}

// JoinTimeout bounds the time from handshake to Active.
func (s ServerConfig) JoinTimeout() time.Duration {
	return time.Duration(s.JoinTimeoutSec) * time.Second
}

// PingInterval is the keepalive period.
func (s ServerConfig) PingInterval() time.Duration {
	return time.Duration(s.PingIntervalMs) * time.Millisecond
}

// MalformedWindow is the sliding window for malformed/violation counting.
func (s ServerConfig) MalformedWindow() time.Duration {
	return time.Duration(s.MalformedWindowMs) * time.Millisecond
}

// StatusInterval is the period of server_status events. Zero disables them.
func (s ServerConfig) StatusInterval() time.Duration {
	return time.Duration(s.StatusIntervalSec) * time.Second
}

// HealthInterval is the period of the health checks. Zero disables them.
func (s ServerConfig) HealthInterval() time.Duration {
	return time.Duration(s.HealthIntervalSec) * time.Second
}

// AckTimeout is how long a chunk batch may stay unacknowledged.
func (t TransferConfig) AckTimeout() time.Duration {
	return time.Duration(t.AckTimeoutMs) * time.Millisecond
}

// MaxSampleAge bounds how old a timing sample may be.
func (g GuardConfig) MaxSampleAge() time.Duration {
	return time.Duration(g.MaxSampleAgeSec) * time.Second
}
