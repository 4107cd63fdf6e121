package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTieredCache_SetWritesBothTiers(t *testing.T) {
	fast := NewMemoryLRU(10, time.Minute)
	slow := NewMemoryLRU(10, time.Minute)
	tc := NewTieredCache(fast, slow, time.Minute)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "k", []byte("v"), time.Minute))

	_, ok, _ := fast.Get(ctx, "k")
	assert.True(t, ok, "fast tier should have the value after Set")
	_, ok, _ = slow.Get(ctx, "k")
	assert.True(t, ok, "slow tier should have the value after Set")
}

func TestTieredCache_GetFillsFastTierOnSlowHit(t *testing.T) {
	fast := NewMemoryLRU(10, time.Minute)
	slow := NewMemoryLRU(10, time.Minute)
	ctx := context.Background()
	require.NoError(t, slow.Set(ctx, "k", []byte("v"), time.Minute))

	tc := NewTieredCache(fast, slow, time.Minute)
	v, ok, err := tc.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	_, ok, _ = fast.Get(ctx, "k")
	assert.True(t, ok, "a slow-tier hit should back-fill the fast tier")
}

func TestTieredCache_MissWhenNeitherTierHasValue(t *testing.T) {
	tc := NewTieredCache(NewMemoryLRU(10, time.Minute), NewMemoryLRU(10, time.Minute), time.Minute)
	_, ok, err := tc.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTieredCache_StatsSumsBothTiers(t *testing.T) {
	fast := NewMemoryLRU(10, time.Minute)
	slow := NewMemoryLRU(10, time.Minute)
	tc := NewTieredCache(fast, slow, time.Minute)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "k", []byte("v"), time.Minute))
	_, _, _ = tc.Get(ctx, "k")

	stats := tc.Stats()
	assert.Equal(t, fast.Stats().Hits+slow.Stats().Hits, stats.Hits)
}
