// Package maintenance runs the periodic upkeep jobs that keep the task
// queue healthy independent of any one worker: reclaiming stuck leases
// and expiring tasks whose deadline has passed. Grounded on the same
// cron-scheduler idiom internal/backlog uses.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kirky-x/crawlrs/internal/store"
	"github.com/kirky-x/crawlrs/pkg/logging"
)

// Config controls the reclaim threshold and cron schedules.
type Config struct {
	// StaleAfter is how long a lease may sit unrenewed before the stuck
	// task reaper reclaims it, matching spec.md's 5-minute lease timeout.
	StaleAfter     time.Duration
	ResetSchedule  string
	ExpirySchedule string
}

// DefaultConfig matches spec.md's 5-minute lease timeout and runs both
// sweeps once a minute.
func DefaultConfig() Config {
	return Config{
		StaleAfter:     5 * time.Minute,
		ResetSchedule:  "@every 1m",
		ExpirySchedule: "@every 1m",
	}
}

// Scheduler runs the stuck-task and task-expiry sweeps on a cron
// schedule.
type Scheduler struct {
	tasks store.TaskStore
	cfg   Config
	cron  *cron.Cron
}

// New builds a Scheduler.
func New(tasks store.TaskStore, cfg Config) *Scheduler {
	return &Scheduler{
		tasks: tasks,
		cfg:   cfg,
		cron:  cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
	}
}

// Start registers both sweeps and begins running them in the
// background.
func (s *Scheduler) Start() error {
	log := logging.GetLogger("maintenance")
	if _, err := s.cron.AddFunc(s.cfg.ResetSchedule, func() {
		n, err := s.tasks.ResetStuckTasks(context.Background(), s.cfg.StaleAfter)
		if err != nil {
			log.Error().Err(err).Msg("stuck task reset failed")
			return
		}
		if n > 0 {
			log.Info().Int64("reclaimed", n).Msg("reclaimed stuck tasks")
		}
	}); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.ExpirySchedule, func() {
		n, err := s.tasks.ExpireTasks(context.Background())
		if err != nil {
			log.Error().Err(err).Msg("task expiry sweep failed")
			return
		}
		if n > 0 {
			log.Info().Int64("expired", n).Msg("expired overdue tasks")
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop blocks until any in-flight sweep completes.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
