// AngelaMos | 2026
// memory_test.go

package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)

	require.NoError(t, m.Set(ctx, "k", "v", time.Hour))

	value, hit, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "v", value)

	_, hit, err = m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)

	require.NoError(t, m.Set(ctx, "short", "v", 10*time.Millisecond))
	require.NoError(t, m.Set(ctx, "forever", "v", 0))

	time.Sleep(20 * time.Millisecond)

	_, hit, err := m.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, hit)

	// Zero TTL means no expiry.
	_, hit, err = m.Get(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestMemoryEvictsOldestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3)

	for i := range 3 {
		key := fmt.Sprintf("k%d", i)
		require.NoError(t, m.Set(ctx, key, "v", time.Hour))
	}

	require.NoError(t, m.Set(ctx, "k3", "v", time.Hour))

	_, hit, err := m.Get(ctx, "k0")
	require.NoError(t, err)
	assert.False(t, hit, "oldest entry is evicted at capacity")

	for _, key := range []string{"k1", "k2", "k3"} {
		_, hit, err := m.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, hit, "key %s", key)
	}

	size, err := m.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, size)
}

func TestMemoryOverwriteDoesNotEvict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)

	require.NoError(t, m.Set(ctx, "a", "1", time.Hour))
	require.NoError(t, m.Set(ctx, "b", "1", time.Hour))
	require.NoError(t, m.Set(ctx, "a", "2", time.Hour))

	value, hit, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "2", value)

	_, hit, err = m.Get(ctx, "b")
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)

	require.NoError(t, m.Set(ctx, "k", "v", time.Hour))
	require.NoError(t, m.Delete(ctx, "k"))
	require.NoError(t, m.Delete(ctx, "k"))

	_, hit, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestMemorySweep(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)

	require.NoError(t, m.Set(ctx, "dead1", "v", time.Millisecond))
	require.NoError(t, m.Set(ctx, "dead2", "v", time.Millisecond))
	require.NoError(t, m.Set(ctx, "live", "v", time.Hour))

	time.Sleep(10 * time.Millisecond)

	removed := m.Sweep(ctx)
	assert.Equal(t, 2, removed)

	size, err := m.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}
