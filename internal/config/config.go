package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration. It is loaded once in cmd/server and
// handed to components through their constructors.
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	Database DatabaseConfig
	Signing  SigningConfig
	Storage  StorageConfig
	Audit    AuditConfig
	NATS     NATSConfig
	Redis    RedisConfig
}

type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
	LogLevel    string
}

type ServerConfig struct {
	Port            int
	GRPCPort        int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig configures Postgres. An empty Host selects in-memory stores.
type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
}

type SigningConfig struct {
	BaseURL     string
	TokenTTL    time.Duration
	DocumentTTL time.Duration
	Location    string
	// FontPath is an optional TrueType font for text in signed artifacts.
	FontPath    string
}

// StorageConfig configures the blob store. An empty Dir keeps blobs in memory.
type StorageConfig struct {
	Dir string
}

type AuditConfig struct {
	QueueSize int
}

// NATSConfig configures the notification publisher. An empty URL disables it.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// RedisConfig configures the distributed document lock. An empty Addr keeps
// locking in-process.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        envDefault("SERVICE_NAME", "be-doc-signing"),
			Version:     envDefault("SERVICE_VERSION", "dev"),
			Environment: envDefault("ENVIRONMENT", "development"),
			LogLevel:    envDefault("LOG_LEVEL", "info"),
		},
		Server: ServerConfig{
			Port:            envIntDefault("HTTP_PORT", 8086),
			GRPCPort:        envIntDefault("GRPC_PORT", 9086),
			ReadTimeout:     envDurationDefault("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    envDurationDefault("HTTP_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     envDurationDefault("HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: envDurationDefault("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Host:        os.Getenv("DB_HOST"),
			Port:        envIntDefault("DB_PORT", 5432),
			User:        envDefault("DB_USER", "postgres"),
			Password:    os.Getenv("DB_PASSWORD"),
			Database:    envDefault("DB_NAME", "doc_signing"),
			SSLMode:     envDefault("DB_SSLMODE", "disable"),
			MaxConns:    int32(envIntDefault("DB_MAX_CONNS", 10)),
			MinConns:    int32(envIntDefault("DB_MIN_CONNS", 1)),
			MaxConnTime: envDurationDefault("DB_MAX_CONN_TIME", time.Hour),
			MaxIdleTime: envDurationDefault("DB_MAX_IDLE_TIME", 30*time.Minute),
			HealthCheck: envDurationDefault("DB_HEALTH_CHECK", time.Minute),
		},
		Signing: SigningConfig{
			BaseURL:     envDefault("SIGNING_BASE_URL", "http://localhost:3000"),
			TokenTTL:    envDurationDefault("SIGNING_TOKEN_TTL", 7*24*time.Hour),
			DocumentTTL: envDurationDefault("DOCUMENT_TTL", 30*24*time.Hour),
			Location:    envDefault("SIGNING_TIMEZONE", "UTC"),
			FontPath:    os.Getenv("SIGNING_FONT_PATH"),
		},
		Storage: StorageConfig{
			Dir: os.Getenv("STORAGE_DIR"),
		},
		Audit: AuditConfig{
			QueueSize: envIntDefault("AUDIT_QUEUE_SIZE", 1024),
		},
		NATS: NATSConfig{
			URL:           os.Getenv("NATS_URL"),
			SubjectPrefix: envDefault("NATS_SUBJECT_PREFIX", "notifications.signing"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envIntDefault("REDIS_DB", 0),
			LockTTL:  envDurationDefault("REDIS_LOCK_TTL", 30*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Signing.BaseURL) == "" {
		return fmt.Errorf("SIGNING_BASE_URL is required")
	}
	if c.Signing.TokenTTL <= 0 {
		return fmt.Errorf("SIGNING_TOKEN_TTL must be positive")
	}
	if c.Signing.DocumentTTL <= 0 {
		return fmt.Errorf("DOCUMENT_TTL must be positive")
	}
	if _, err := time.LoadLocation(c.Signing.Location); err != nil {
		return fmt.Errorf("SIGNING_TIMEZONE: %w", err)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT out of range: %d", c.Server.Port)
	}
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("GRPC_PORT out of range: %d", c.Server.GRPCPort)
	}
	if c.Audit.QueueSize <= 0 {
		return fmt.Errorf("AUDIT_QUEUE_SIZE must be positive")
	}
	return nil
}

// DSN builds the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
