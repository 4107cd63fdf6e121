package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirky-x/crawlrs/internal/engine"
)

func TestCircuitBreaker_OpensAtFailureThreshold(t *testing.T) {
	cb := engine.NewCircuitBreaker(engine.CircuitConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		FailureWindow:    time.Minute,
	}, nil)

	require.False(t, cb.IsOpen("http"))
	cb.RecordFailure("http")
	cb.RecordFailure("http")
	require.False(t, cb.IsOpen("http"))
	cb.RecordFailure("http")
	assert.True(t, cb.IsOpen("http"))
}

func TestCircuitBreaker_PrunesFailuresOutsideWindow(t *testing.T) {
	cb := engine.NewCircuitBreaker(engine.CircuitConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		FailureWindow:    20 * time.Millisecond,
	}, nil)

	cb.RecordFailure("http")
	time.Sleep(30 * time.Millisecond)
	cb.RecordFailure("http")

	assert.False(t, cb.IsOpen("http"))
	stats := cb.Stats("http")
	assert.Equal(t, 1, stats.FailureCount)
}

func TestCircuitBreaker_HalfOpenAfterRecoveryThenClosesOnSuccess(t *testing.T) {
	cb := engine.NewCircuitBreaker(engine.CircuitConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
		FailureWindow:    time.Minute,
	}, nil)

	cb.RecordFailure("http")
	require.True(t, cb.IsOpen("http"))

	time.Sleep(20 * time.Millisecond)
	require.False(t, cb.IsOpen("http"))

	cb.RecordSuccess("http")
	stats := cb.Stats("http")
	assert.False(t, stats.IsOpen)
	assert.Equal(t, 0, stats.FailureCount)
}

func TestCircuitBreaker_HalfOpenReopensOnAnyFailure(t *testing.T) {
	cb := engine.NewCircuitBreaker(engine.CircuitConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
		FailureWindow:    time.Minute,
	}, nil)

	cb.RecordFailure("http")
	time.Sleep(20 * time.Millisecond)
	require.False(t, cb.IsOpen("http"))

	cb.RecordFailure("http")
	assert.True(t, cb.IsOpen("http"))
}
