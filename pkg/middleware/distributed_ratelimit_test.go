package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisLimiter(t *testing.T, config *RateLimitConfig) (*DistributedRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewDistributedRateLimiter(client, config, "test:ratelimit", nil), mr
}

func TestDistributedRateLimiterAllow(t *testing.T) {
	ctx := context.Background()
	rl, _ := newMiniredisLimiter(t, &RateLimitConfig{
		RequestsPerWindow: 3,
		WindowDuration:    time.Minute,
	})

	for i := 0; i < 3; i++ {
		allowed, err := rl.Allow(ctx, "mal")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should pass", i)
	}

	allowed, err := rl.Allow(ctx, "mal")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = rl.Allow(ctx, "zoe")
	require.NoError(t, err)
	assert.True(t, allowed, "keys are limited independently")
}

func TestDistributedRateLimiterWindowReset(t *testing.T) {
	ctx := context.Background()
	rl, mr := newMiniredisLimiter(t, &RateLimitConfig{
		RequestsPerWindow: 1,
		WindowDuration:    time.Minute,
	})

	allowed, err := rl.Allow(ctx, "kaylee")
	require.NoError(t, err)
	require.True(t, allowed)
	allowed, err = rl.Allow(ctx, "kaylee")
	require.NoError(t, err)
	require.False(t, allowed)

	mr.FastForward(time.Minute + time.Second)

	allowed, err = rl.Allow(ctx, "kaylee")
	require.NoError(t, err)
	assert.True(t, allowed, "counters expire with the window")
}

func TestDistributedRateLimiterRemaining(t *testing.T) {
	ctx := context.Background()
	rl, _ := newMiniredisLimiter(t, &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Minute,
	})

	remaining, err := rl.Remaining(ctx, "wash")
	require.NoError(t, err)
	assert.Equal(t, 10, remaining, "untouched keys have the full quota")

	_, err = rl.Allow(ctx, "wash")
	require.NoError(t, err)
	remaining, err = rl.Remaining(ctx, "wash")
	require.NoError(t, err)
	assert.Equal(t, 9, remaining)
}

func TestDistributedRateLimiterFailsOpen(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rl := NewDistributedRateLimiter(client, DefaultRateLimitConfig(), "", nil)

	mr.Close()
	allowed, err := rl.Allow(ctx, "inara")
	assert.Error(t, err)
	assert.True(t, allowed, "redis outages must not block requests")
}

func TestDistributedRateLimiterReset(t *testing.T) {
	ctx := context.Background()
	rl, _ := newMiniredisLimiter(t, &RateLimitConfig{
		RequestsPerWindow: 1,
		WindowDuration:    time.Minute,
	})

	_, err := rl.Allow(ctx, "jayne")
	require.NoError(t, err)
	allowed, err := rl.Allow(ctx, "jayne")
	require.NoError(t, err)
	require.False(t, allowed)

	require.NoError(t, rl.Reset(ctx, "jayne"))
	allowed, err = rl.Allow(ctx, "jayne")
	require.NoError(t, err)
	assert.True(t, allowed)
}
