package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://relay@localhost/relay")
	t.Setenv("APP_ENV", "development")
	t.Setenv("AUTH_JWT_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "new_service_order", cfg.Relay.Channel)
	assert.Equal(t, 5*time.Second, cfg.Relay.ReconnectDelay())
	assert.Equal(t, 16, cfg.Relay.FanoutConcurrency)
	assert.Equal(t, 3, cfg.Relay.RecordWriteAttempts)
	assert.Equal(t, "dev-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "0.0.0.0:8081", cfg.Gateway.Addr())
	assert.Equal(t, "/ws", cfg.Gateway.Path)
	assert.Equal(t, 24*time.Hour, cfg.Relay.DedupeTTL())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://relay@localhost/relay")
	t.Setenv("AUTH_JWT_SECRET", "s3cret")
	t.Setenv("RELAY_CHANNEL", "orders_feed")
	t.Setenv("RELAY_RECONNECT_DELAY_SECONDS", "1")
	t.Setenv("RELAY_RETRY_BACKOFF_MILLIS", "25")
	t.Setenv("GATEWAY_INBOUND_RATE", "2.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "orders_feed", cfg.Relay.Channel)
	assert.Equal(t, time.Second, cfg.Relay.ReconnectDelay())
	assert.Equal(t, 25*time.Millisecond, cfg.Relay.RetryBackoff())
	assert.InDelta(t, 2.5, cfg.Gateway.InboundRatePerSec, 0.0001)
}

func TestLoad_MissingDSNIsFatal(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("APP_ENV", "development")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POSTGRES_DSN")
}

func TestLoad_SecretRequiredOutsideDevelopment(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://relay@localhost/relay")
	t.Setenv("APP_ENV", "production")
	t.Setenv("AUTH_JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_JWT_SECRET")
}

func TestLoad_InvalidRedisDB(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://relay@localhost/relay")
	t.Setenv("REDIS_DB", "zero")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_DB")
}

func TestLoad_MalformedNumbersAreFatal(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://relay@localhost/relay")
	t.Setenv("APP_ENV", "development")
	t.Setenv("RELAY_FANOUT_CONCURRENCY", "sixteen")
	t.Setenv("RELAY_RECONNECT_DELAY_SECONDS", "5s")

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "RELAY_FANOUT_CONCURRENCY")
	assert.Contains(t, err.Error(), "RELAY_RECONNECT_DELAY_SECONDS")
}

func TestLoad_MalformedBoolAndRateAreFatal(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("APP_ENV", "development")
	t.Setenv("POSTGRES_RUN_MIGRATIONS", "sometimes")
	t.Setenv("GATEWAY_INBOUND_RATE", "fast")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POSTGRES_RUN_MIGRATIONS")
	assert.Contains(t, err.Error(), "GATEWAY_INBOUND_RATE")
	assert.Contains(t, err.Error(), "POSTGRES_DSN is required")
}
