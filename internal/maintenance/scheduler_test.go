package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirky-x/crawlrs/internal/domain"
	"github.com/kirky-x/crawlrs/internal/store"
)

func TestScheduler_ResetStuckTasksReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	stores := mem.Stores()
	teamID := uuid.New()

	task := domain.NewTask(teamID, domain.TaskScrape, "https://a.example", nil)
	require.NoError(t, stores.Tasks.Create(ctx, task))

	leased, err := stores.Tasks.LeaseNext(ctx, uuid.New())
	require.NoError(t, err)
	require.NotNil(t, leased)

	expired := time.Now().Add(-time.Minute)
	leased.LockExpiresAt = &expired
	require.NoError(t, stores.Tasks.Update(ctx, leased))

	cfg := DefaultConfig()
	cfg.StaleAfter = 5 * time.Minute
	n, err := stores.Tasks.ResetStuckTasks(ctx, cfg.StaleAfter)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	refreshed, err := stores.Tasks.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskQueued, refreshed.Status)
}

func TestScheduler_ExpireTasksFailsOverdueQueuedTasks(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	stores := mem.Stores()
	teamID := uuid.New()

	task := domain.NewTask(teamID, domain.TaskScrape, "https://a.example", nil)
	past := time.Now().Add(-time.Minute)
	task.ExpiresAt = &past
	require.NoError(t, stores.Tasks.Create(ctx, task))

	n, err := stores.Tasks.ExpireTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	refreshed, err := stores.Tasks.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, refreshed.Status)
}

func TestScheduler_StartAndStopRunsWithoutPanicking(t *testing.T) {
	mem := store.NewMemory()
	cfg := DefaultConfig()
	cfg.ResetSchedule = "@every 1h"
	cfg.ExpirySchedule = "@every 1h"
	s := New(mem.Stores().Tasks, cfg)
	require.NoError(t, s.Start())
	s.Stop()
}
