package persistence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/order-relay/internal/config"
)

// Redis wraps the go-redis client.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to Redis using the provided configuration. An empty
// address returns a nil *Redis; callers treat that as "no dedupe guard".
func NewRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) *Redis {
	if strings.TrimSpace(cfg.Addr) == "" {
		logger.Warn("REDIS_ADDR not provided; duplicate notification guard disabled")
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("unable to reach redis", zap.Error(err))
	} else {
		logger.Info("connected to redis")
	}

	return &Redis{Client: client}
}

// Close closes the client.
func (r *Redis) Close() {
	if r != nil && r.Client != nil {
		_ = r.Client.Close()
	}
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return errors.New("redis client not configured")
	}
	return r.Client.Ping(ctx).Err()
}

// DedupeGuard records delivered (order, user) pairs as expiring Redis keys.
type DedupeGuard struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewDedupeGuard builds a guard on client. Keys expire after ttl.
func NewDedupeGuard(client redis.Cmdable, ttl time.Duration) *DedupeGuard {
	return &DedupeGuard{client: client, ttl: ttl}
}

// Claim sets key if absent and reports whether this call set it.
func (g *DedupeGuard) Claim(ctx context.Context, key string) (bool, error) {
	return g.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
}

// Release forgets key so a later redelivery may write the record again.
func (g *DedupeGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, key).Err()
}
