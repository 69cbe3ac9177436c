package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvConfigFile names an optional TOML file read before env overrides
const EnvConfigFile = "GATEWAY_CONFIG"

var ErrInvalidConfig = errors.New("invalid config")

// Config holds all configuration for the gateway
type Config struct {
	GatewayID   string `toml:"gateway_id"`
	GatewayPort int    `toml:"gateway_port"`
	HTTPPort    int    `toml:"http_port"`
	RedisURL    string `toml:"redis_url"`
	NATSURL     string `toml:"nats_url"`

	// MaxFrameSize bounds the unconsumed bytes a connection may hold
	// before it is dropped
	MaxFrameSize      int  `toml:"max_frame_size"`
	IdleTimeoutSec    int  `toml:"idle_timeout_seconds"`
	SessionTTLSec     int  `toml:"session_ttl_seconds"`
	DownlinkQueueSize int  `toml:"downlink_queue_size"`
	JetStreamEnabled  bool `toml:"jetstream_enabled"`

	// JWTSecret protects mutating management routes when set
	JWTSecret string `toml:"jwt_secret"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		GatewayID:         "node-01",
		GatewayPort:       8080,
		HTTPPort:          8081,
		RedisURL:          "localhost:6379",
		NATSURL:           "nats://localhost:4222",
		MaxFrameSize:      16 * 1024,
		IdleTimeoutSec:    300,
		SessionTTLSec:     300,
		DownlinkQueueSize: 64,
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

// Load loads configuration from the optional TOML file named by
// GATEWAY_CONFIG, then from environment variables
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.GatewayID = getEnv("GATEWAY_ID", c.GatewayID)
	c.GatewayPort = getEnvAsInt("GATEWAY_PORT", c.GatewayPort)
	c.HTTPPort = getEnvAsInt("HTTP_PORT", c.HTTPPort)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.MaxFrameSize = getEnvAsInt("MAX_FRAME_SIZE", c.MaxFrameSize)
	c.IdleTimeoutSec = getEnvAsInt("IDLE_TIMEOUT", c.IdleTimeoutSec)
	c.SessionTTLSec = getEnvAsInt("SESSION_TTL", c.SessionTTLSec)
	c.DownlinkQueueSize = getEnvAsInt("DOWNLINK_QUEUE_SIZE", c.DownlinkQueueSize)
	c.JetStreamEnabled = getEnvAsBool("JETSTREAM_ENABLED", c.JetStreamEnabled)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

// Validate rejects values the gateway cannot run with
func (c *Config) Validate() error {
	switch {
	case c.GatewayID == "":
		return fmt.Errorf("%w: gateway_id is empty", ErrInvalidConfig)
	case c.GatewayPort <= 0 || c.GatewayPort > 65535:
		return fmt.Errorf("%w: gateway_port %d", ErrInvalidConfig, c.GatewayPort)
	case c.HTTPPort <= 0 || c.HTTPPort > 65535:
		return fmt.Errorf("%w: http_port %d", ErrInvalidConfig, c.HTTPPort)
	case c.MaxFrameSize <= 0:
		return fmt.Errorf("%w: max_frame_size must be positive", ErrInvalidConfig)
	case c.IdleTimeoutSec <= 0:
		return fmt.Errorf("%w: idle_timeout_seconds must be positive", ErrInvalidConfig)
	case c.SessionTTLSec <= 0:
		return fmt.Errorf("%w: session_ttl_seconds must be positive", ErrInvalidConfig)
	case c.DownlinkQueueSize <= 0:
		return fmt.Errorf("%w: downlink_queue_size must be positive", ErrInvalidConfig)
	}
	return nil
}

// IdleTimeout is the read deadline applied to device connections
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// SessionTTL is the lifetime of a session key in the registry
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSec) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
