// AngelaMos | 2026
// redis_test.go

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, prefix string) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedis(client, prefix), mr
}

func TestRedisSetGet(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t, "test:")

	require.NoError(t, r.Set(ctx, "k", "v", time.Hour))

	value, hit, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "v", value)

	_, hit, err = r.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestRedisTTLExpiry(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t, "test:")

	require.NoError(t, r.Set(ctx, "short", "v", time.Minute))

	mr.FastForward(2 * time.Minute)

	_, hit, err := r.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestRedisDelete(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t, "test:")

	require.NoError(t, r.Set(ctx, "k", "v", time.Hour))
	require.NoError(t, r.Delete(ctx, "k"))

	_, hit, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestRedisPrefixIsolation(t *testing.T) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := NewRedis(client, "a:")
	b := NewRedis(client, "b:")

	require.NoError(t, a.Set(ctx, "k", "from-a", time.Hour))
	require.NoError(t, b.Set(ctx, "k", "from-b", time.Hour))

	value, hit, err := a.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "from-a", value)

	lenA, err := a.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, lenA)
}
