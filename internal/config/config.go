package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Auth modes accepted by AUTH_MODE
const (
	AuthModeNone   = "none"
	AuthModeAPIKey = "api-key"
	AuthModeJWT    = "jwt"
)

// Config holds all configuration for the worker server
type Config struct {
	// Worker configuration
	WorkerID   string `env:"WORKER_ID" envDefault:"worker-1"`
	WorkerName string `env:"WORKER_NAME" envDefault:"Worker"`

	// Listener configuration
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8081"`
	SidecarAddr string `env:"SIDECAR_ADDR" envDefault:":8082"`

	// AdvertiseAddr is the address published in the worker directory;
	// defaults to ListenAddr when empty
	AdvertiseAddr string `env:"ADVERTISE_ADDR" envDefault:""`

	// Redis directory configuration (directory disabled when REDIS_ADDR is empty)
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:""`
	RedisPassword string        `env:"REDIS_PASS" envDefault:""`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	DirectoryTTL  time.Duration `env:"DIRECTORY_TTL" envDefault:"1m"`

	// Authentication configuration
	AuthMode     string `env:"AUTH_MODE" envDefault:"none"`
	APIVerifyURL string `env:"API_VERIFY_URL"`
	SigningKey   string `env:"SIGNING_KEY"`

	// Protocol configuration
	ConnectionTimeout time.Duration `env:"CONNECTION_TIMEOUT" envDefault:"5m"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	WorkerPoolSize    int           `env:"WORKER_POOL_SIZE" envDefault:"4"`
	StreamBuffer      int           `env:"STREAM_BUFFER" envDefault:"64"`
	MaxMessageBytes   int64         `env:"MAX_MESSAGE_BYTES" envDefault:"52428800"`

	// Upload side-channel configuration
	UploadDir      string `env:"UPLOAD_DIR" envDefault:"uploads"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" envDefault:"16777216"`

	// Logging configuration
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.WorkerID == "" {
		return fmt.Errorf("WORKER_ID is required")
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}

	switch c.AuthMode {
	case AuthModeNone:
	case AuthModeAPIKey:
		if c.APIVerifyURL == "" {
			return fmt.Errorf("API_VERIFY_URL is required when AUTH_MODE is api-key")
		}
	case AuthModeJWT:
		if c.SigningKey == "" {
			return fmt.Errorf("SIGNING_KEY is required when AUTH_MODE is jwt")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be one of: none, api-key, jwt")
	}

	if c.RedisAddr != "" && c.DirectoryTTL <= 0 {
		return fmt.Errorf("DIRECTORY_TTL must be positive")
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("CONNECTION_TIMEOUT must be positive")
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}

	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("WORKER_POOL_SIZE must be positive")
	}

	if c.StreamBuffer <= 0 {
		return fmt.Errorf("STREAM_BUFFER must be positive")
	}

	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("MAX_MESSAGE_BYTES must be positive")
	}

	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}

	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error")
	}

	return nil
}

// isValidLogLevel checks if the log level is valid
func isValidLogLevel(level string) bool {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	return validLevels[level]
}

// Advertise returns the address to publish in the worker directory
func (c *Config) Advertise() string {
	if c.AdvertiseAddr != "" {
		return c.AdvertiseAddr
	}
	return c.ListenAddr
}

// DirectoryEnabled reports whether the Redis worker directory is configured
func (c *Config) DirectoryEnabled() bool {
	return c.RedisAddr != ""
}

// String returns a string representation of the config (without sensitive data)
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{WorkerID=%s, ListenAddr=%s, SidecarAddr=%s, RedisAddr=%s, AuthMode=%s, "+
			"ConnectionTimeout=%s, HeartbeatInterval=%s, WorkerPoolSize=%d, LogLevel=%s}",
		c.WorkerID,
		c.ListenAddr,
		c.SidecarAddr,
		c.RedisAddr,
		c.AuthMode,
		c.ConnectionTimeout,
		c.HeartbeatInterval,
		c.WorkerPoolSize,
		c.LogLevel,
	)
}
