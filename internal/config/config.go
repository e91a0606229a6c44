// Package config handles coordd configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends understood by coord.Open.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds all configuration for the daemon.
type Config struct {
	App       AppConfig
	Server    ServerConfig
	Store     StoreConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	RateLimit RateLimitConfig
	Lock      LockConfig
	Telemetry TelemetryConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Env      string
	LogLevel string
}

// IsDevelopment returns true if the app is running in development mode.
func (a AppConfig) IsDevelopment() bool {
	return a.Env == "development" || a.Env == "dev"
}

// IsProduction returns true if the app is running in production mode.
func (a AppConfig) IsProduction() bool {
	return a.Env == "production" || a.Env == "prod"
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Address returns the server address in host:port format.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig selects the shared store backend.
type StoreConfig struct {
	Backend   string
	KeyPrefix string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host        string
	Port        int
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
}

// Address returns the Redis address in host:port format.
func (r RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SweepInterval   time.Duration
}

// RateLimitConfig configures the limiter guarding the HTTP API itself.
type RateLimitConfig struct {
	Enabled    bool
	Requests   int
	Window     time.Duration
	TrustProxy bool
	// TrustedProxies lists the peer addresses or CIDR ranges whose
	// forwarding headers are believed. Empty means none are.
	TrustedProxies []string
	APIKeyHeader   string
	FailOpen       bool
}

// LockConfig holds default lock acquisition options.
type LockConfig struct {
	TTL     time.Duration
	Retries int
	// MaxRetries caps the retries a single HTTP acquire may ask for.
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Exponential   bool
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	TracingEnabled bool
	ServiceName    string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.App.Env = getEnvOrDefault("APP_ENV", "development")
	cfg.App.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", "0.0.0.0")
	if cfg.Server.Port, err = getEnvAsInt("SERVER_PORT", 8080); err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}
	if cfg.Server.ReadTimeout, err = getEnvAsDuration("SERVER_READ_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("invalid SERVER_READ_TIMEOUT: %w", err)
	}
	if cfg.Server.WriteTimeout, err = getEnvAsDuration("SERVER_WRITE_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("invalid SERVER_WRITE_TIMEOUT: %w", err)
	}
	if cfg.Server.ShutdownTimeout, err = getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("invalid SERVER_SHUTDOWN_TIMEOUT: %w", err)
	}

	cfg.Store.Backend = strings.ToLower(getEnvOrDefault("STORE_BACKEND", BackendRedis))
	cfg.Store.KeyPrefix = getEnvOrDefault("STORE_KEY_PREFIX", "")

	cfg.Redis.Host = getEnvOrDefault("REDIS_HOST", "localhost")
	if cfg.Redis.Port, err = getEnvAsInt("REDIS_PORT", 6379); err != nil {
		return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", "")
	if cfg.Redis.DB, err = getEnvAsInt("REDIS_DB", 0); err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	if cfg.Redis.PoolSize, err = getEnvAsInt("REDIS_POOL_SIZE", 10); err != nil {
		return nil, fmt.Errorf("invalid REDIS_POOL_SIZE: %w", err)
	}
	if cfg.Redis.DialTimeout, err = getEnvAsDuration("REDIS_DIAL_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("invalid REDIS_DIAL_TIMEOUT: %w", err)
	}

	cfg.Database.Host = getEnvOrDefault("DB_HOST", "localhost")
	if cfg.Database.Port, err = getEnvAsInt("DB_PORT", 5432); err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	cfg.Database.User = getEnvOrDefault("DB_USER", "coord")
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", "")
	cfg.Database.DBName = getEnvOrDefault("DB_NAME", "coord")
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")
	if cfg.Database.MaxOpenConns, err = getEnvAsInt("DB_MAX_OPEN_CONNS", 25); err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_OPEN_CONNS: %w", err)
	}
	if cfg.Database.MaxIdleConns, err = getEnvAsInt("DB_MAX_IDLE_CONNS", 5); err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_IDLE_CONNS: %w", err)
	}
	if cfg.Database.ConnMaxLifetime, err = getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
	}
	if cfg.Database.SweepInterval, err = getEnvAsDuration("DB_SWEEP_INTERVAL", 30*time.Second); err != nil {
		return nil, fmt.Errorf("invalid DB_SWEEP_INTERVAL: %w", err)
	}

	if cfg.RateLimit.Enabled, err = getEnvAsBool("RATE_LIMIT_ENABLED", true); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_ENABLED: %w", err)
	}
	if cfg.RateLimit.Requests, err = getEnvAsInt("RATE_LIMIT_REQUESTS", 100); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_REQUESTS: %w", err)
	}
	if cfg.RateLimit.Window, err = getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_WINDOW: %w", err)
	}
	if cfg.RateLimit.TrustProxy, err = getEnvAsBool("RATE_LIMIT_TRUST_PROXY", false); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_TRUST_PROXY: %w", err)
	}
	cfg.RateLimit.TrustedProxies = getEnvAsList("RATE_LIMIT_TRUSTED_PROXIES")
	cfg.RateLimit.APIKeyHeader = getEnvOrDefault("RATE_LIMIT_API_KEY_HEADER", "X-API-Key")
	if cfg.RateLimit.FailOpen, err = getEnvAsBool("RATE_LIMIT_FAIL_OPEN", false); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_FAIL_OPEN: %w", err)
	}

	if cfg.Lock.TTL, err = getEnvAsDuration("LOCK_TTL", 10*time.Second); err != nil {
		return nil, fmt.Errorf("invalid LOCK_TTL: %w", err)
	}
	if cfg.Lock.Retries, err = getEnvAsInt("LOCK_RETRIES", 0); err != nil {
		return nil, fmt.Errorf("invalid LOCK_RETRIES: %w", err)
	}
	if cfg.Lock.MaxRetries, err = getEnvAsInt("LOCK_MAX_RETRIES", 50); err != nil {
		return nil, fmt.Errorf("invalid LOCK_MAX_RETRIES: %w", err)
	}
	if cfg.Lock.RetryDelay, err = getEnvAsDuration("LOCK_RETRY_DELAY", 100*time.Millisecond); err != nil {
		return nil, fmt.Errorf("invalid LOCK_RETRY_DELAY: %w", err)
	}
	if cfg.Lock.MaxRetryDelay, err = getEnvAsDuration("LOCK_MAX_RETRY_DELAY", 2*time.Second); err != nil {
		return nil, fmt.Errorf("invalid LOCK_MAX_RETRY_DELAY: %w", err)
	}
	if cfg.Lock.Exponential, err = getEnvAsBool("LOCK_EXPONENTIAL_BACKOFF", false); err != nil {
		return nil, fmt.Errorf("invalid LOCK_EXPONENTIAL_BACKOFF: %w", err)
	}

	if cfg.Telemetry.TracingEnabled, err = getEnvAsBool("TRACING_ENABLED", false); err != nil {
		return nil, fmt.Errorf("invalid TRACING_ENABLED: %w", err)
	}
	cfg.Telemetry.ServiceName = getEnvOrDefault("TRACING_SERVICE_NAME", "coordd")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that env parsing cannot express.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendRedis, BackendPostgres, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT out of range: %d", c.Server.Port))
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Requests < 1 {
			errs = append(errs, errors.New("RATE_LIMIT_REQUESTS must be at least 1"))
		}
		if c.RateLimit.Window < time.Millisecond {
			errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be at least 1ms"))
		}
	}
	if c.Lock.TTL < time.Millisecond {
		errs = append(errs, errors.New("LOCK_TTL must be at least 1ms"))
	}
	if c.Lock.Retries < 0 {
		errs = append(errs, errors.New("LOCK_RETRIES must not be negative"))
	}
	if c.Lock.MaxRetries < c.Lock.Retries {
		errs = append(errs, fmt.Errorf("LOCK_MAX_RETRIES (%d) must be at least LOCK_RETRIES (%d)", c.Lock.MaxRetries, c.Lock.Retries))
	}
	for _, p := range c.RateLimit.TrustedProxies {
		if !validProxy(p) {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_TRUSTED_PROXIES: %q is not an IP or CIDR", p))
		}
	}
	if c.Lock.RetryDelay < 0 {
		errs = append(errs, errors.New("LOCK_RETRY_DELAY must not be negative"))
	}
	if c.Store.Backend == BackendPostgres && c.Database.Password == "" {
		errs = append(errs, errors.New("DB_PASSWORD is required for the postgres backend"))
	}

	return errors.Join(errs...)
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt returns the environment variable as an integer.
func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(valueStr)
}

// getEnvAsDuration returns the environment variable as a duration.
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(valueStr)
}

// getEnvAsList splits a comma-separated environment variable, dropping
// empty items.
func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func validProxy(s string) bool {
	if _, err := netip.ParsePrefix(s); err == nil {
		return true
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

// getEnvAsBool returns the environment variable as a boolean.
func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return strconv.ParseBool(valueStr)
}
