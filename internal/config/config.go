package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Priority: environment variables > .env file > defaults.
type Config struct {
	// Server basics
	Addr    string `env:"ADDR" envDefault:":3002"`
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:3002"`
	NodeID  string `env:"NODE_ID"`

	// Storage
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"memory"`
	DatabaseURL   string `env:"DATABASE_URL"`

	// Cache / bus
	RedisURL string `env:"REDIS_URL"`
	NATSURL  string `env:"NATS_URL"`

	// Auth
	JWTPublicKey string `env:"JWT_PUBLIC_KEY"`

	// Rate limiting
	RateLimitDisabled bool `env:"RATE_LIMIT_DISABLED" envDefault:"false"`
	SendPerMinute     int  `env:"RATE_LIMIT_SEND_PER_MIN" envDefault:"30"`
	ListPerMinute     int  `env:"RATE_LIMIT_LIST_PER_MIN" envDefault:"120"`

	// Hub capacity
	MaxConnections  int `env:"MAX_CONNECTIONS" envDefault:"5000"`
	OutboundQueue   int `env:"WS_OUTBOUND_QUEUE" envDefault:"1024"`
	WorkerCount     int `env:"WS_WORKER_COUNT" envDefault:"16"`
	WorkerQueueSize int `env:"WS_WORKER_QUEUE" envDefault:"1600"`

	// Hub safety thresholds
	CPURejectThreshold float64 `env:"WS_CPU_REJECT_THRESHOLD" envDefault:"85.0"`

	// Timeouts
	AuthTimeout     time.Duration `env:"WS_AUTH_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"10s"`
	DrainTimeout    time.Duration `env:"WS_DRAIN_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env (optional) and environment variables.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("ADDR is required")
	}

	switch c.StorageDriver {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be one of: memory, postgres (got: %s)", c.StorageDriver)
	}

	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.OutboundQueue < 1 {
		return fmt.Errorf("WS_OUTBOUND_QUEUE must be > 0, got %d", c.OutboundQueue)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("WS_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.SendPerMinute < 1 || c.ListPerMinute < 1 {
		return fmt.Errorf("rate limits must be > 0")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration with structured fields.
// Connection strings carry credentials, so only their presence is logged.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("storage_driver", c.StorageDriver).
		Bool("database_configured", c.DatabaseURL != "").
		Bool("redis_configured", c.RedisURL != "").
		Bool("nats_configured", c.NATSURL != "").
		Bool("rate_limit_disabled", c.RateLimitDisabled).
		Int("max_connections", c.MaxConnections).
		Int("outbound_queue", c.OutboundQueue).
		Int("worker_count", c.WorkerCount).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
