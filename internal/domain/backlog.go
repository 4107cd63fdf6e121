package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// BacklogStatus is a TasksBacklog row's lifecycle; it only ever moves
// forward from pending (spec.md 8, invariant 5).
type BacklogStatus string

const (
	BacklogPending   BacklogStatus = "pending"
	BacklogCompleted BacklogStatus = "completed"
	BacklogExpired   BacklogStatus = "expired"
	BacklogFailed    BacklogStatus = "failed"
)

// TasksBacklog is the spill row created when a team is at its concurrency
// cap at admission time; it mirrors the owning Task until the reaper
// promotes, expires or fails it.
type TasksBacklog struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	TaskID      uuid.UUID       `db:"task_id" json:"task_id"`
	TeamID      uuid.UUID       `db:"team_id" json:"team_id"`
	Priority    int32           `db:"priority" json:"priority"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Status      BacklogStatus   `db:"status" json:"status"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	MaxRetries  int             `db:"max_retries" json:"max_retries"`
	ExpiresAt   time.Time       `db:"expires_at" json:"expires_at"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// NewBacklog spills a task into the backlog, inheriting its priority and
// payload per spec.md 3.
func NewBacklog(taskID, teamID uuid.UUID, priority int32, payload json.RawMessage, ttl time.Duration) *TasksBacklog {
	now := time.Now().UTC()
	return &TasksBacklog{
		ID:         uuid.New(),
		TaskID:     taskID,
		TeamID:     teamID,
		Priority:   priority,
		Payload:    payload,
		Status:     BacklogPending,
		MaxRetries: 10,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsExpired reports whether the backlog row has passed its deadline.
func (b *TasksBacklog) IsExpired(now time.Time) bool {
	return !b.ExpiresAt.After(now)
}
