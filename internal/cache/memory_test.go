package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLRU_SetThenGetRoundTrips(t *testing.T) {
	m := NewMemoryLRU(10, time.Minute)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k1", []byte("v1"), 0))

	v, ok, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)
	assert.Equal(t, uint64(1), m.Stats().Hits)
}

func TestMemoryLRU_MissingKeyReportsMiss(t *testing.T) {
	m := NewMemoryLRU(10, time.Minute)
	_, ok, err := m.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), m.Stats().Misses)
}

func TestMemoryLRU_EvictsOldestOnceOverCapacity(t *testing.T) {
	m := NewMemoryLRU(2, time.Minute)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), 0))
	require.NoError(t, m.Set(ctx, "c", []byte("3"), 0))

	_, ok, _ := m.Get(ctx, "a")
	assert.False(t, ok, "oldest entry should have been evicted to stay within capacity")

	_, ok, _ = m.Get(ctx, "c")
	assert.True(t, ok)
	assert.GreaterOrEqual(t, m.Stats().Evictions, uint64(1))
}

func TestMemoryLRU_EntryExpiresAfterTTL(t *testing.T) {
	m := NewMemoryLRU(10, 10*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	time.Sleep(30 * time.Millisecond)

	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLRU_ClearRemovesEverything(t *testing.T) {
	m := NewMemoryLRU(10, time.Minute)
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, m.Clear(ctx))

	_, ok, _ := m.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryLRU_PreheatLoadsAllEntries(t *testing.T) {
	m := NewMemoryLRU(10, time.Minute)
	ctx := context.Background()

	entries := map[string][]byte{"a": []byte("1"), "b": []byte("2")}
	require.NoError(t, m.Preheat(ctx, entries, time.Minute))

	for k, v := range entries {
		got, ok, err := m.Get(ctx, k)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, v, got)
	}
	assert.Equal(t, uint64(len(entries)), m.Stats().PreheatHits)
}
