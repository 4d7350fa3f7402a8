package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Relay.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Gateway GatewayConfig `yaml:"gateway"`
	Agent   AgentConfig   `yaml:"agent"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type SessionConfig struct {
	// StorePath is the SQLite database backing session records and the
	// message log. Empty means in-memory only.
	StorePath string `yaml:"store_path"`

	// SaveDelayMs debounces session record writes. Zero means writes
	// complete synchronously before the triggering call returns.
	SaveDelayMs int `yaml:"save_delay_ms"`

	// HistoryLimit is the default number of messages returned by
	// chat.history when the caller does not specify one.
	HistoryLimit int `yaml:"history_limit"`

	// HistoryMaxBytes caps the serialized size of a history window.
	HistoryMaxBytes int `yaml:"history_max_bytes"`
}

type GatewayConfig struct {
	// MaxPayloadBytes limits inbound and outbound websocket frames.
	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`

	// TickIntervalMs controls the keepalive tick cadence.
	TickIntervalMs int `yaml:"tick_interval_ms"`
}

type AgentConfig struct {
	// Runner selects the executor wired into the coordinator.
	// "echo" is the built-in local runner.
	Runner string `yaml:"runner"`

	// EchoDelayMs paces the echo runner's deltas.
	EchoDelayMs int `yaml:"echo_delay_ms"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        18080,
			MetricsPort: 19090,
		},
		Session: SessionConfig{
			SaveDelayMs:     2000,
			HistoryLimit:    50,
			HistoryMaxBytes: 256 * 1024,
		},
		Gateway: GatewayConfig{
			MaxPayloadBytes: 1 << 20,
			TickIntervalMs:  15000,
		},
		Agent: AgentConfig{
			Runner: "echo",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file, expanding ${ENV} references.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Session.SaveDelayMs < 0 {
		return fmt.Errorf("session.save_delay_ms must not be negative")
	}
	if c.Session.HistoryLimit <= 0 {
		return fmt.Errorf("session.history_limit must be positive")
	}
	if c.Session.HistoryMaxBytes <= 0 {
		return fmt.Errorf("session.history_max_bytes must be positive")
	}
	if c.Gateway.MaxPayloadBytes <= 0 {
		return fmt.Errorf("gateway.max_payload_bytes must be positive")
	}
	return nil
}

// SaveDelay returns the session save delay as a duration.
func (c *Config) SaveDelay() time.Duration {
	return time.Duration(c.Session.SaveDelayMs) * time.Millisecond
}

// TickInterval returns the gateway tick interval as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Gateway.TickIntervalMs) * time.Millisecond
}
