package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keyStore implements the two commands the guard issues.
type keyStore struct {
	redis.Cmdable
	keys map[string]time.Duration
	err  error
}

func (k *keyStore) SetNX(_ context.Context, key string, _ interface{}, ttl time.Duration) *redis.BoolCmd {
	if k.err != nil {
		return redis.NewBoolResult(false, k.err)
	}
	if _, ok := k.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	k.keys[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (k *keyStore) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, key := range keys {
		if _, ok := k.keys[key]; ok {
			delete(k.keys, key)
			n++
		}
	}
	return redis.NewIntResult(n, k.err)
}

func TestDedupeGuard_ClaimOnce(t *testing.T) {
	store := &keyStore{keys: map[string]time.Duration{}}
	guard := NewDedupeGuard(store, time.Hour)
	ctx := context.Background()

	first, err := guard.Claim(ctx, "relay:notified:1:u1")
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, time.Hour, store.keys["relay:notified:1:u1"])

	second, err := guard.Claim(ctx, "relay:notified:1:u1")
	require.NoError(t, err)
	assert.False(t, second)
}

func TestDedupeGuard_ReleaseAllowsReclaim(t *testing.T) {
	guard := NewDedupeGuard(&keyStore{keys: map[string]time.Duration{}}, time.Minute)
	ctx := context.Background()

	_, _ = guard.Claim(ctx, "k")
	require.NoError(t, guard.Release(ctx, "k"))

	again, err := guard.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, again)
}

func TestDedupeGuard_PropagatesErrors(t *testing.T) {
	guard := NewDedupeGuard(&keyStore{keys: map[string]time.Duration{}, err: errors.New("connection refused")}, time.Minute)

	_, err := guard.Claim(context.Background(), "k")
	assert.Error(t, err)
}

func TestRedis_NilIsNotConfigured(t *testing.T) {
	var r *Redis
	assert.Error(t, r.Ping(context.Background()))
	r.Close()
}
