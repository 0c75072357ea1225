package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailer-service/internal/client"
	queueredis "mailer-service/internal/repository/redis"
)

func TestRateLimitCache_TakeTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFromConn(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	cache := queueredis.NewRateLimitCache(rc)

	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	ok, tokens, err := cache.TakeTokens(ctx, "user:1", 5, 6, 1, t0, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 1, tokens, 1e-9)

	ok, tokens, err = cache.TakeTokens(ctx, "user:1", 5, 6, 1, t0, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.InDelta(t, 1, tokens, 1e-9)

	// 4.5s later the bucket holds 5.5 credits.
	ok, tokens, err = cache.TakeTokens(ctx, "user:1", 5, 6, 1, t0.Add(4500*time.Millisecond), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 0.5, tokens, 1e-9)

	// Refill is capped at capacity.
	_, tokens, err = cache.TakeTokens(ctx, "user:1", 0, 6, 1, t0.Add(time.Hour), time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, 6, tokens, 1e-9)

	// Other keys are independent.
	ok, _, err = cache.TakeTokens(ctx, "user:2", 6, 6, 1, t0, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, mr.Exists(queueredis.RateLimitKey("user:1")))
	mr.FastForward(2 * time.Hour)
	assert.False(t, mr.Exists(queueredis.RateLimitKey("user:1")))
}
