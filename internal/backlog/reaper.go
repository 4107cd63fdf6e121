// Package backlog promotes spilled tasks back onto the active queue once
// a team's concurrency slot frees up, and expires or fails rows that
// outlive their TTL or retry budget. Adapted from original_source's
// BacklogWorker, with the tokio interval loop replaced by a
// github.com/robfig/cron/v3 schedule following the teacher pack's own
// cron-scheduler idiom.
package backlog

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kirky-x/crawlrs/internal/domain"
	"github.com/kirky-x/crawlrs/internal/ratelimit"
	"github.com/kirky-x/crawlrs/internal/store"
	"github.com/kirky-x/crawlrs/pkg/logging"
)

// Config controls the reaper's cron schedules and batch sizing.
type Config struct {
	// ProcessSchedule runs process(): promote or expire pending backlog
	// rows. Defaults to every 10 seconds, matching original_source's
	// sub-minute process_interval.
	ProcessSchedule string
	// CleanupSchedule runs cleanup(), a second run of the same process()
	// pass. Defaults to every 10 minutes, mirroring the Rust worker's
	// "every 10th tick" cleanup cadence at a 1-minute base interval.
	CleanupSchedule string
	BatchSize       int
}

// DefaultConfig matches original_source's BacklogWorker defaults.
func DefaultConfig() Config {
	return Config{
		ProcessSchedule: "@every 10s",
		CleanupSchedule: "@every 10m",
		BatchSize:       100,
	}
}

// Reaper promotes or retires TasksBacklog rows on a cron schedule.
type Reaper struct {
	stores store.Stores
	gate   *ratelimit.Gate
	cfg    Config
	cron   *cron.Cron
}

// New builds a Reaper. gate is used to check whether a team's
// concurrency slot has freed up before reactivating a backlog row.
func New(stores store.Stores, gate *ratelimit.Gate, cfg Config) *Reaper {
	return &Reaper{
		stores: stores,
		gate:   gate,
		cfg:    cfg,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
	}
}

// Start registers the cron schedules and begins running them in the
// background; call Stop to drain in-flight runs.
func (r *Reaper) Start() error {
	logger := logging.GetLogger("backlog")
	if _, err := r.cron.AddFunc(r.cfg.ProcessSchedule, func() {
		if err := r.process(context.Background()); err != nil {
			logger.Error().Err(err).Msg("backlog process run failed")
		}
	}); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc(r.cfg.CleanupSchedule, func() {
		if err := r.cleanup(context.Background()); err != nil {
			logger.Error().Err(err).Msg("backlog cleanup run failed")
		}
	}); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop blocks until any in-flight cron job completes.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// process walks pending backlog rows: expire any past their deadline,
// fail any that exhausted their retry budget, and for the rest try to
// reactivate the underlying task if the team now has a free slot.
func (r *Reaper) process(ctx context.Context) error {
	logger := logging.GetLogger("backlog")
	pending, err := r.stores.Backlog.FindPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	now := time.Now().UTC()
	var promoted, failed, expired int
	for _, b := range pending {
		switch {
		case b.IsExpired(now):
			b.Status = domain.BacklogExpired
			b.UpdatedAt = now
			if err := r.stores.Backlog.Update(ctx, b); err != nil {
				logger.Error().Err(err).Str("backlog_id", b.ID.String()).Msg("failed to expire backlog row")
				continue
			}
			if err := r.failUnderlyingTask(ctx, b); err != nil {
				logger.Error().Err(err).Str("task_id", b.TaskID.String()).Msg("failed to fail expired task")
			}
			expired++

		case b.RetryCount >= b.MaxRetries:
			b.Status = domain.BacklogFailed
			b.UpdatedAt = now
			if err := r.stores.Backlog.Update(ctx, b); err != nil {
				logger.Error().Err(err).Str("backlog_id", b.ID.String()).Msg("failed to fail backlog row")
			}
			failed++

		default:
			ok, err := r.reactivate(ctx, b)
			if err != nil {
				b.RetryCount++
				b.UpdatedAt = now
				_ = r.stores.Backlog.Update(ctx, b)
				logger.Error().Err(err).Str("backlog_id", b.ID.String()).Msg("reactivation failed, retry count bumped")
				continue
			}
			if ok {
				promoted++
			}
		}
	}

	logger.Info().Int("promoted", promoted).Int("failed", failed).Int("expired", expired).Msg("backlog process run complete")
	return nil
}

// reactivate tries to acquire a concurrency slot for the backlog row's
// team and, if one is free, marks the backlog row completed; the task
// itself is left as it is, still queued for the next lease. When the task
// is no longer queued, the row is marked completed and false is returned.
// It returns false (no error) when the team is still at its cap, matching
// ConcurrencyResult::Denied.
func (r *Reaper) reactivate(ctx context.Context, b *domain.TasksBacklog) (bool, error) {
	task, err := r.stores.Tasks.FindByID(ctx, b.TaskID)
	if err != nil {
		return false, err
	}
	if task.Status != domain.TaskQueued {
		b.Status = domain.BacklogCompleted
		b.UpdatedAt = time.Now().UTC()
		return false, r.stores.Backlog.Update(ctx, b)
	}

	if r.gate != nil {
		ok, err := r.gate.AcquireTeamSlot(ctx, b.TeamID, b.TaskID)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		// The slot reserved here is released when the task next completes
		// or fails, the same accounting point as a directly-admitted task;
		// the reaper itself never holds the token.
	}

	b.Status = domain.BacklogCompleted
	b.UpdatedAt = time.Now().UTC()
	if err := r.stores.Backlog.Update(ctx, b); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Reaper) failUnderlyingTask(ctx context.Context, b *domain.TasksBacklog) error {
	task, err := r.stores.Tasks.FindByID(ctx, b.TaskID)
	if err != nil {
		return err
	}
	if task.Status != domain.TaskQueued {
		return nil
	}
	return r.stores.Tasks.MarkFailed(ctx, task.ID)
}

// cleanup runs the same process pass again on the slower CleanupSchedule,
// standing in for original_source's separate cleanup_expired_tasks cadence.
func (r *Reaper) cleanup(ctx context.Context) error {
	return r.process(ctx)
}
