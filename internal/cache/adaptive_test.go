package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdaptiveCache_DelegatesToCurrentStrategy(t *testing.T) {
	primary := NewMemoryLRU(10, time.Minute)
	secondary := NewMemoryLRU(10, time.Minute)
	a := NewAdaptiveCache(primary, secondary)
	a.rand = func() float64 { return 1.0 } // never re-evaluate
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "k", []byte("v"), time.Minute))

	_, ok, _ := primary.Get(ctx, "k")
	assert.True(t, ok, "Set should hit the currently selected strategy")
	_, ok, _ = secondary.Get(ctx, "k")
	assert.False(t, ok)
}

func TestAdaptiveCache_GetReturnsUnderlyingValue(t *testing.T) {
	primary := NewMemoryLRU(10, time.Minute)
	require.NoError(t, primary.Set(context.Background(), "k", []byte("v"), time.Minute))

	a := NewAdaptiveCache(primary)
	a.rand = func() float64 { return 1.0 }

	v, ok, err := a.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestAdaptiveCache_SelectOptimalPicksHighestScoringStrategy(t *testing.T) {
	a := NewAdaptiveCache(NewMemoryLRU(1, time.Minute), NewMemoryLRU(1, time.Minute))
	a.history = []performanceSample{
		{strategyIndex: 0, hit: false, latency: 50 * time.Millisecond},
		{strategyIndex: 0, hit: false, latency: 50 * time.Millisecond},
		{strategyIndex: 1, hit: true, latency: 5 * time.Millisecond},
		{strategyIndex: 1, hit: true, latency: 5 * time.Millisecond},
	}
	assert.Equal(t, 1, a.selectOptimal(), "strategy 1's better hit rate and lower latency should score higher")
}

func TestAdaptiveCache_ReevaluationSwitchesCurrentStrategy(t *testing.T) {
	hit := NewMemoryLRU(10, time.Minute)
	require.NoError(t, hit.Set(context.Background(), "k", []byte("v"), time.Minute))

	a := NewAdaptiveCache(NewMemoryLRU(10, time.Minute), hit)
	a.current = 0
	a.history = []performanceSample{
		{strategyIndex: 0, hit: false, latency: 50 * time.Millisecond},
		{strategyIndex: 1, hit: true, latency: 5 * time.Millisecond},
	}
	a.rand = func() float64 { return 0.0 } // force re-evaluation on this Get

	_, _, err := a.Get(context.Background(), "k")
	require.NoError(t, err)

	assert.Equal(t, 1, a.current, "re-evaluation should switch to the higher-scoring strategy")
}

func TestAdaptiveCache_NoReevaluationKeepsCurrentStrategy(t *testing.T) {
	a := NewAdaptiveCache(NewMemoryLRU(10, time.Minute), NewMemoryLRU(10, time.Minute))
	a.current = 0
	a.history = []performanceSample{
		{strategyIndex: 1, hit: true, latency: time.Microsecond},
	}
	a.rand = func() float64 { return 1.0 } // never re-evaluate

	_, _, err := a.Get(context.Background(), "k")
	require.NoError(t, err)

	assert.Equal(t, 0, a.current)
}

func TestAdaptiveCache_ClearClearsAllStrategies(t *testing.T) {
	s1 := NewMemoryLRU(10, time.Minute)
	s2 := NewMemoryLRU(10, time.Minute)
	ctx := context.Background()
	require.NoError(t, s1.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, s2.Set(ctx, "k", []byte("v"), time.Minute))

	a := NewAdaptiveCache(s1, s2)
	require.NoError(t, a.Clear(ctx))

	_, ok, _ := s1.Get(ctx, "k")
	assert.False(t, ok)
	_, ok, _ = s2.Get(ctx, "k")
	assert.False(t, ok)
}
