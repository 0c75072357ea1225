package redis_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailer-service/internal/client"
	"mailer-service/internal/models"
	queueredis "mailer-service/internal/repository/redis"
)

func TestTemplateCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFromConn(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	cache := queueredis.NewTemplateCache(rc)

	_, ok, err := cache.GetAll(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Put(ctx, 1,
		models.Template{TemplateID: 2, UID: 1, TKey: "followup", TBody: "b2"},
		models.Template{TemplateID: 1, UID: 1, TKey: "intro", TBody: "b1"},
	))
	mr.HSet(queueredis.TemplateKey(1), "99", "{broken")

	got, ok, err := cache.GetAll(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "intro", got[0].TKey)
	assert.Equal(t, "followup", got[1].TKey)

	require.NoError(t, cache.Invalidate(ctx, 1))
	_, ok, err = cache.GetAll(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}
