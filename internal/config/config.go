// Package config provides application configuration management.
//
// Configuration is loaded from environment variables using the envconfig package.
// This follows the 12-factor app methodology for configuration management.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Config holds all application configuration.
//
// Configuration is loaded from environment variables with sensible defaults.
// Required fields will cause the application to fail if not provided.
type Config struct {
	// Environment
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	// Server
	ServerHost string `envconfig:"ADMISSION_HOST" default:"0.0.0.0"`
	ServerPort int    `envconfig:"ADMISSION_PORT" default:"8080"`

	// Admission core bounds
	Admission AdmissionConfig

	// Config store (external, not respecified by the admission core itself)
	Store StoreConfig

	// Events (best-effort audit publishing)
	Events EventsConfig

	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"` // json or console

	// Shutdown
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// AdmissionConfig holds the bounds governing the load manager's gate and
// per-tenant queues.
type AdmissionConfig struct {
	GateCapacity    int           `envconfig:"ADMISSION_GATE_CAPACITY" default:"100"`
	QueueCapacity   int           `envconfig:"ADMISSION_QUEUE_CAPACITY" default:"50"`
	ShardCount      int           `envconfig:"ADMISSION_SHARD_COUNT" default:"32"`
	QueueWaitLimit  time.Duration `envconfig:"ADMISSION_QUEUE_WAIT_LIMIT" default:"30s"`
	SweepInterval   time.Duration `envconfig:"ADMISSION_SWEEP_INTERVAL" default:"5m"`
}

// StoreConfig holds connection settings for the external dynamic
// configuration store: a Postgres-backed policy table invalidated over a
// Redis pub/sub channel.
type StoreConfig struct {
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`
	RedisURL    string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`

	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
	ConnectTimeout  time.Duration `envconfig:"DB_CONNECT_TIMEOUT" default:"10s"`

	InvalidationChannel string `envconfig:"POLICY_INVALIDATION_CHANNEL" default:"policy-invalidation"`
}

// EventsConfig holds settings for the best-effort admission-decision
// publisher.
type EventsConfig struct {
	KafkaBrokers     string  `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	Topic            string  `envconfig:"EVENTS_TOPIC" default:"admission-decisions"`
	PublishRateLimit float64 `envconfig:"EVENTS_PUBLISH_RATE" default:"500"`
	Enabled          bool    `envconfig:"EVENTS_ENABLED" default:"false"`
}

// Load loads configuration from environment variables.
//
// It uses envconfig to parse environment variables into the Config struct.
// Returns an error if required variables are missing or invalid.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info().
		Str("environment", cfg.Environment).
		Str("server_host", cfg.ServerHost).
		Int("server_port", cfg.ServerPort).
		Int("gate_capacity", cfg.Admission.GateCapacity).
		Int("queue_capacity", cfg.Admission.QueueCapacity).
		Str("log_level", cfg.LogLevel).
		Str("log_format", cfg.LogFormat).
		Msg("Configuration loaded successfully")

	return &cfg, nil
}

// Validate validates the configuration.
//
// Returns an error if any configuration values are invalid.
func (c *Config) Validate() error {
	validEnvironments := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
		"test":        true,
	}

	if !validEnvironments[c.Environment] {
		return fmt.Errorf("invalid environment: %s (must be development, staging, production, or test)", c.Environment)
	}

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.ServerPort)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.LogFormat)
	}

	if c.Admission.GateCapacity < 1 {
		return fmt.Errorf("admission gate capacity must be at least 1")
	}

	if c.Admission.QueueCapacity < 1 {
		return fmt.Errorf("admission queue capacity must be at least 1")
	}

	if c.Admission.ShardCount < 1 {
		return fmt.Errorf("admission shard count must be at least 1")
	}

	if c.Store.MaxOpenConns < 1 {
		return fmt.Errorf("max_open_conns must be at least 1")
	}

	if c.Store.MaxIdleConns < 1 {
		return fmt.Errorf("max_idle_conns must be at least 1")
	}

	if c.Store.MaxIdleConns > c.Store.MaxOpenConns {
		return fmt.Errorf("max_idle_conns (%d) cannot be greater than max_open_conns (%d)",
			c.Store.MaxIdleConns, c.Store.MaxOpenConns)
	}

	return nil
}

// IsDevelopment returns true if running in development environment.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ServerAddress returns the server address in host:port format.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}
