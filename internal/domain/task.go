// Package domain holds the entities shared by the store, gate, router,
// worker, expander and webhook dispatcher.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskKind is the kind of work a Task carries.
type TaskKind string

const (
	TaskScrape  TaskKind = "scrape"
	TaskCrawl   TaskKind = "crawl"
	TaskExtract TaskKind = "extract"
)

// TaskStatus is a Task's position in its lifecycle.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is a single unit of work owned by a team.
//
// Invariant: Status == TaskActive iff LockToken and LockExpiresAt are both
// set and LockExpiresAt is in the future, modulo the brief window where a
// stuck lease is eligible for the reaper but hasn't been swept yet.
type Task struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	TeamID        uuid.UUID       `db:"team_id" json:"team_id"`
	Kind          TaskKind        `db:"kind" json:"kind"`
	Status        TaskStatus      `db:"status" json:"status"`
	Priority      int32           `db:"priority" json:"priority"`
	URL           string          `db:"url" json:"url"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	AttemptCount  int             `db:"attempt_count" json:"attempt_count"`
	MaxRetries    int             `db:"max_retries" json:"max_retries"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	ScheduledAt   *time.Time      `db:"scheduled_at" json:"scheduled_at,omitempty"`
	StartedAt     *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	ExpiresAt     *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	LockToken     *uuid.UUID      `db:"lock_token" json:"lock_token,omitempty"`
	LockExpiresAt *time.Time      `db:"lock_expires_at" json:"lock_expires_at,omitempty"`
	CrawlID       *uuid.UUID      `db:"crawl_id" json:"crawl_id,omitempty"`
}

// NewTask builds a queued task with sane zero values, mirroring the
// constructor shape of the Rust domain model this spec was distilled
// from (Task::new).
func NewTask(teamID uuid.UUID, kind TaskKind, url string, payload json.RawMessage) *Task {
	return &Task{
		ID:           uuid.New(),
		TeamID:       teamID,
		Kind:         kind,
		Status:       TaskQueued,
		Priority:     0,
		URL:          url,
		Payload:      payload,
		AttemptCount: 0,
		MaxRetries:   3,
		CreatedAt:    time.Now().UTC(),
	}
}

// CanRetry reports whether a failed task still has retries left.
func (t *Task) CanRetry() bool {
	return t.Status == TaskFailed && t.AttemptCount < t.MaxRetries
}

// IsTerminal reports whether the task has left the active lifecycle.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// IsLeased reports whether the task is currently held by a worker with an
// unexpired lease.
func (t *Task) IsLeased(now time.Time) bool {
	return t.Status == TaskActive && t.LockToken != nil && t.LockExpiresAt != nil && t.LockExpiresAt.After(now)
}

// TaskQueryParams filters the batched /v2/tasks/query listing. Zero values
// are treated as "don't filter on this field"; Limit defaults to 50 when
// unset at the API boundary.
type TaskQueryParams struct {
	TeamID uuid.UUID
	Status TaskStatus
	Kind   TaskKind
	CrawlID *uuid.UUID
	Limit  int
	Offset int
}

// BackoffSchedule computes the exponential backoff, with jitter, applied to
// a task's next scheduled_at after a retryable failure. jitterFactor is a
// fraction (e.g. 0.1 for 10%); min/max clamp the result.
func BackoffSchedule(attempt int, min, max time.Duration, jitterFactor float64, rand func() float64) time.Duration {
	base := time.Duration(1<<uint(attempt)) * time.Second
	if base < min {
		base = min
	}
	if base > max {
		base = max
	}
	if jitterFactor > 0 {
		jitter := time.Duration(float64(base) * jitterFactor * rand())
		base += jitter
	}
	if base > max {
		base = max
	}
	return base
}
