package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the relay.
type Config struct {
	App       AppConfig
	Gateway   GatewayConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Logger    LoggerConfig
	Auth      AuthConfig
	Relay     RelayConfig
	Retention RetentionConfig
}

// AppConfig controls the REST server.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// GatewayConfig controls the websocket gateway.
type GatewayConfig struct {
	Host                string
	Port                string
	Path                string
	SendBuffer          int
	MaxMessageBytes     int64
	PingIntervalSeconds int
	InboundRatePerSec   float64
	InboundBurst        int
	AuthTimeoutSeconds  int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values. An empty Addr disables the dedupe guard.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines token verification parameters.
type AuthConfig struct {
	JWTSecret string
}

// RelayConfig tunes the change feed, resolver and fan-out.
type RelayConfig struct {
	Channel               string
	ReconnectDelaySeconds int
	DispatchWorkers       int
	FanoutConcurrency     int
	RecordWriteAttempts   int
	RetryBackoffMillis    int
	RecordTimeoutSeconds  int
	ResolverPageSize      int
	ResolverTimeoutSecond int
	DedupeTTLMinutes      int
	ShutdownGraceSeconds  int
}

// RetentionConfig schedules pruning of read notifications.
type RetentionConfig struct {
	Cron string
	Days int
}

// Load reads configuration from environment variables, applying defaults where possible.
// Missing required values and malformed numbers are reported as errors and must stop the process.
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := &envReader{}
	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "order-relay"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: env.int("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Gateway: GatewayConfig{
			Host:                getEnv("GATEWAY_HOST", "0.0.0.0"),
			Port:                getEnv("GATEWAY_PORT", "8081"),
			Path:                getEnv("GATEWAY_PATH", "/ws"),
			SendBuffer:          env.int("GATEWAY_SEND_BUFFER", 64),
			MaxMessageBytes:     int64(env.int("GATEWAY_MAX_MESSAGE_BYTES", 4096)),
			PingIntervalSeconds: env.int("GATEWAY_PING_INTERVAL_SECONDS", 30),
			InboundRatePerSec:   env.float("GATEWAY_INBOUND_RATE", 10),
			InboundBurst:        env.int("GATEWAY_INBOUND_BURST", 20),
			AuthTimeoutSeconds:  env.int("GATEWAY_AUTH_TIMEOUT_SECONDS", 3),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(env.int("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(env.int("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  env.bool("POSTGRES_RUN_MIGRATIONS", true),
			MigrationsDir:  getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec: int32(env.int("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(env.int("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       env.int("REDIS_DB", 0),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("AUTH_JWT_SECRET"),
		},
		Relay: RelayConfig{
			Channel:               getEnv("RELAY_CHANNEL", "new_service_order"),
			ReconnectDelaySeconds: env.int("RELAY_RECONNECT_DELAY_SECONDS", 5),
			DispatchWorkers:       env.int("RELAY_DISPATCH_WORKERS", 4),
			FanoutConcurrency:     env.int("RELAY_FANOUT_CONCURRENCY", 16),
			RecordWriteAttempts:   env.int("RELAY_RECORD_WRITE_ATTEMPTS", 3),
			RetryBackoffMillis:    env.int("RELAY_RETRY_BACKOFF_MILLIS", 200),
			RecordTimeoutSeconds:  env.int("RELAY_RECORD_TIMEOUT_SECONDS", 5),
			ResolverPageSize:      env.int("RELAY_RESOLVER_PAGE_SIZE", 500),
			ResolverTimeoutSecond: env.int("RELAY_RESOLVER_TIMEOUT_SECONDS", 5),
			DedupeTTLMinutes:      env.int("RELAY_DEDUPE_TTL_MINUTES", 1440),
			ShutdownGraceSeconds:  env.int("RELAY_SHUTDOWN_GRACE_SECONDS", 10),
		},
		Retention: RetentionConfig{
			Cron: getEnv("RETENTION_CRON", "0 3 * * *"),
			Days: env.int("RETENTION_DAYS", 30),
		},
	}

	if err := cfg.validate(env.errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate(errs []error) error {
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		errs = append(errs, errors.New("POSTGRES_DSN is required"))
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		if c.App.Env != "development" {
			errs = append(errs, errors.New("AUTH_JWT_SECRET is required"))
		} else {
			c.Auth.JWTSecret = "dev-secret"
		}
	}
	if strings.TrimSpace(c.Relay.Channel) == "" {
		errs = append(errs, errors.New("RELAY_CHANNEL must not be empty"))
	}
	return errors.Join(errs...)
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// Addr returns the websocket bind address.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%s", g.Host, g.Port)
}

// PingInterval returns the keepalive interval.
func (g GatewayConfig) PingInterval() time.Duration {
	return seconds(g.PingIntervalSeconds, 30)
}

// AuthTimeout bounds a single token verification.
func (g GatewayConfig) AuthTimeout() time.Duration {
	return seconds(g.AuthTimeoutSeconds, 3)
}

// ReconnectDelay is the fixed delay between listener reconnect attempts.
func (r RelayConfig) ReconnectDelay() time.Duration {
	return seconds(r.ReconnectDelaySeconds, 5)
}

// RetryBackoff is the initial delay between record write attempts.
func (r RelayConfig) RetryBackoff() time.Duration {
	if r.RetryBackoffMillis <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(r.RetryBackoffMillis) * time.Millisecond
}

// RecordTimeout bounds a single record write.
func (r RelayConfig) RecordTimeout() time.Duration {
	return seconds(r.RecordTimeoutSeconds, 5)
}

// ResolverTimeout bounds a single resolver page query.
func (r RelayConfig) ResolverTimeout() time.Duration {
	return seconds(r.ResolverTimeoutSecond, 5)
}

// DedupeTTL is how long a delivered (order, user) pair is remembered.
func (r RelayConfig) DedupeTTL() time.Duration {
	if r.DedupeTTLMinutes <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(r.DedupeTTLMinutes) * time.Minute
}

// ShutdownGrace bounds how long in-flight fan-out may run after shutdown begins.
func (r RelayConfig) ShutdownGrace() time.Duration {
	return seconds(r.ShutdownGraceSeconds, 10)
}

func seconds(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// envReader parses typed environment values and keeps every parse failure.
type envReader struct {
	errs []error
}

func (r *envReader) int(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s %q: %w", key, val, err))
		return fallback
	}
	return parsed
}

func (r *envReader) float(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s %q: %w", key, val, err))
		return fallback
	}
	return parsed
}

func (r *envReader) bool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s %q: %w", key, val, err))
		return fallback
	}
	return parsed
}
