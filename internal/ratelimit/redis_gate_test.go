package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/kirky-x/crawlrs/internal/ratelimit"
)

func newTestGate(t *testing.T, cfg ratelimit.Config) (*ratelimit.Gate, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return ratelimit.NewGate(rdb, "crawlrs:test", cfg), mr
}

func TestGate_CheckRateLimitAllowsWithinBudgetAndRejectsOverBudget(t *testing.T) {
	gate, _ := newTestGate(t, ratelimit.Config{
		RateLimitEnabled:  true,
		RequestsPerSecond: 1,
		RequestsPerMinute: 1000,
		RequestsPerHour:   100000,
		BucketCapacity:    1,
	})
	ctx := context.Background()

	first, err := gate.CheckRateLimit(ctx, "team-1", "/scrape")
	require.NoError(t, err)
	require.True(t, first.Allowed)

	second, err := gate.CheckRateLimit(ctx, "team-1", "/scrape")
	require.NoError(t, err)
	require.False(t, second.Allowed)
}

func TestGate_CheckRateLimitDisabledAlwaysAllows(t *testing.T) {
	gate, _ := newTestGate(t, ratelimit.Config{RateLimitEnabled: false})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := gate.CheckRateLimit(ctx, "team-1", "/scrape")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
}

func TestGate_TeamSlotAcquireReleaseRoundTrips(t *testing.T) {
	gate, _ := newTestGate(t, ratelimit.Config{
		ConcurrencyEnabled: true,
		MaxConcurrentTeam:  1,
		LockTimeoutSeconds: 300,
	})
	ctx := context.Background()
	teamID := uuid.New()
	taskID := uuid.New()
	otherTaskID := uuid.New()

	ok, err := gate.AcquireTeamSlot(ctx, teamID, taskID)
	require.NoError(t, err)
	require.True(t, ok)

	ok2, err := gate.AcquireTeamSlot(ctx, teamID, otherTaskID)
	require.NoError(t, err)
	require.False(t, ok2)

	n, err := gate.CurrentConcurrency(ctx, teamID)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.NoError(t, gate.ReleaseTeamSlot(ctx, teamID, taskID))

	n2, err := gate.CurrentConcurrency(ctx, teamID)
	require.NoError(t, err)
	require.Equal(t, int64(0), n2)
}
