// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Notification drivers.
const (
	NotifyLog   = "log"
	NotifyRedis = "redis"
)

// Idempotency drivers.
const (
	IdempotencyMemory = "memory"
	IdempotencyRedis  = "redis"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Store         StoreConfig         `yaml:"store"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Billing       BillingConfig       `yaml:"billing"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes how callers are attributed. With an empty
// JWTSecret the ActorHeader value is trusted as is.
type IdentityConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	Issuer      string `yaml:"issuer"`
	ActorHeader string `yaml:"actor_header"`
}

// StoreConfig describes persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// CatalogConfig describes where to find template seed files.
type CatalogConfig struct {
	Directories []string `yaml:"directories"`
}

// BillingConfig describes the reconciliation sweep schedule.
type BillingConfig struct {
	SweepEnabled  bool          `yaml:"sweep_enabled"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// NotificationsConfig describes the notification channel.
type NotificationsConfig struct {
	Driver         string               `yaml:"driver"`
	Redis          RedisConfig          `yaml:"redis"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RedisConfig describes the Redis delivery queue.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	QueueKey string `yaml:"queue_key"`
}

// CircuitBreakerConfig describes circuit breaker settings for the
// notification channel.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// IdempotencyConfig describes Idempotency-Key replay for POST requests. The
// redis driver shares the notifications.redis connection settings.
type IdempotencyConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Driver    string        `yaml:"driver"`
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Actor-Id", "X-Correlation-Id", "Idempotency-Key"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			ActorHeader: "X-Actor-Id",
		},
		Store: StoreConfig{
			Driver:          StoreMemory,
			MaxConns:        25,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		Catalog: CatalogConfig{
			Directories: []string{"/templates"},
		},
		Billing: BillingConfig{
			SweepEnabled:  true,
			SweepInterval: time.Hour,
		},
		Notifications: NotificationsConfig{
			Driver: NotifyLog,
			Redis: RedisConfig{
				QueueKey: "jornada:notifications",
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Idempotency: IdempotencyConfig{
			Enabled:   true,
			Driver:    IdempotencyMemory,
			TTL:       24 * time.Hour,
			KeyPrefix: "jornada:idem:",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path skips the file and starts from
// Defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, "server.max_body_bytes must be positive")
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DSN == "" {
			errs = append(errs, "store.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres)", c.Store.Driver))
	}

	if c.Billing.SweepEnabled && c.Billing.SweepInterval <= 0 {
		errs = append(errs, "billing.sweep_interval must be positive")
	}

	switch c.Notifications.Driver {
	case NotifyLog:
	case NotifyRedis:
		if c.Notifications.Redis.Addr == "" {
			errs = append(errs, "notifications.redis.addr is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("notifications.driver %q is not supported (log, redis)", c.Notifications.Driver))
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Driver {
		case IdempotencyMemory:
		case IdempotencyRedis:
			if c.Notifications.Redis.Addr == "" {
				errs = append(errs, "notifications.redis.addr is required for the redis idempotency driver")
			}
		default:
			errs = append(errs, fmt.Sprintf("idempotency.driver %q is not supported (memory, redis)", c.Idempotency.Driver))
		}
		if c.Idempotency.TTL <= 0 {
			errs = append(errs, "idempotency.ttl must be positive")
		}
	}

	if rate := c.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		errs = append(errs, "observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads JORNADA_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("JORNADA_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("JORNADA_IDENTITY_JWT_SECRET"); v != "" {
		cfg.Identity.JWTSecret = v
	}
	if v := os.Getenv("JORNADA_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("JORNADA_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("JORNADA_BILLING_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Billing.SweepInterval = d
		}
	}
	if v := os.Getenv("JORNADA_NOTIFICATIONS_DRIVER"); v != "" {
		cfg.Notifications.Driver = v
	}
	if v := os.Getenv("JORNADA_NOTIFICATIONS_REDIS_ADDR"); v != "" {
		cfg.Notifications.Redis.Addr = v
	}
	if v := os.Getenv("JORNADA_IDEMPOTENCY_DRIVER"); v != "" {
		cfg.Idempotency.Driver = v
	}
	if v := os.Getenv("JORNADA_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
