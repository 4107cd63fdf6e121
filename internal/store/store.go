// Package store defines the repository contracts every other component
// depends on and a Postgres implementation, following the small-interface,
// several-backends idiom of the teacher's internal/storage.StorageBackend.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kirky-x/crawlrs/internal/domain"
)

// TaskStore owns the task table, including the SKIP LOCKED leasing used by
// the worker pool.
type TaskStore interface {
	Create(ctx context.Context, t *domain.Task) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	Update(ctx context.Context, t *domain.Task) error
	ExistsByURL(ctx context.Context, teamID uuid.UUID, url string) (bool, error)

	// LeaseNext atomically claims the highest-priority, oldest eligible
	// queued task for workerID, returning nil, nil if none is available.
	LeaseNext(ctx context.Context, workerID uuid.UUID) (*domain.Task, error)

	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
	MarkCancelled(ctx context.Context, id uuid.UUID) error

	// ResetStuckTasks reclaims tasks whose lease has expired, or that have
	// been active past staleAfter with no lease at all, back to queued.
	ResetStuckTasks(ctx context.Context, staleAfter time.Duration) (int64, error)

	// CancelTasksByCrawlID cancels every non-terminal task whose crawl_id
	// column equals crawlID.
	CancelTasksByCrawlID(ctx context.Context, crawlID uuid.UUID) (int64, error)

	// ExpireTasks fails every queued task whose deadline has passed.
	ExpireTasks(ctx context.Context) (int64, error)

	FindByCrawlID(ctx context.Context, crawlID uuid.UUID) ([]*domain.Task, error)

	// Query lists tasks matching params, newest first, for the batched
	// /v2/tasks/query endpoint.
	Query(ctx context.Context, params domain.TaskQueryParams) ([]*domain.Task, error)

	// BatchCancel cancels every non-terminal task in ids owned by teamID.
	// When force is true, active (leased) tasks are cancelled too; when
	// false, only queued tasks are touched, matching the original's
	// distinction between a polite and a forced bulk cancel.
	BatchCancel(ctx context.Context, ids []uuid.UUID, teamID uuid.UUID, force bool) (int64, error)
}

// CrawlStore owns the crawl aggregate rows.
type CrawlStore interface {
	Create(ctx context.Context, c *domain.Crawl) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Crawl, error)
	Update(ctx context.Context, c *domain.Crawl) error

	// IncrementCounters atomically bumps CompletedTasks/FailedTasks and,
	// when the crawl reaches completion, flips Status+CompletedAt.
	IncrementCounters(ctx context.Context, id uuid.UUID, completedDelta, failedDelta int) error

	// IncrementTotalTasks bumps TotalTasks as the expander enqueues each
	// new child task, so IsDone's denominator stays in sync with what was
	// actually scheduled.
	IncrementTotalTasks(ctx context.Context, id uuid.UUID, delta int) error

	ListByTeam(ctx context.Context, teamID uuid.UUID, limit, offset int) ([]*domain.Crawl, error)
}

// ResultStore persists immutable per-attempt scrape results.
type ResultStore interface {
	Create(ctx context.Context, r *domain.ScrapeResult) error
	FindLatestByTaskID(ctx context.Context, taskID uuid.UUID) (*domain.ScrapeResult, error)
}

// WebhookStore owns webhook registrations and their delivery queue.
type WebhookStore interface {
	CreateWebhook(ctx context.Context, w *domain.Webhook) error
	FindWebhooksByTeam(ctx context.Context, teamID uuid.UUID) ([]*domain.Webhook, error)

	CreateEvent(ctx context.Context, e *domain.WebhookEvent) error
	FindPendingEvents(ctx context.Context, limit int) ([]*domain.WebhookEvent, error)
	UpdateEvent(ctx context.Context, e *domain.WebhookEvent) error
}

// CreditsStore owns the per-team balance and its append-only ledger.
type CreditsStore interface {
	GetBalance(ctx context.Context, teamID uuid.UUID) (*domain.Credits, error)

	// Apply records a ledger entry and adjusts the balance in one
	// transaction; amount is signed (negative for debits).
	Apply(ctx context.Context, teamID uuid.UUID, txType domain.CreditsTransactionType, amount int64, referenceID uuid.UUID) error
}

// BacklogStore owns the spill queue used when a team is at its
// concurrency cap at admission time.
type BacklogStore interface {
	Create(ctx context.Context, b *domain.TasksBacklog) error
	FindPending(ctx context.Context, limit int) ([]*domain.TasksBacklog, error)
	Update(ctx context.Context, b *domain.TasksBacklog) error
}

// Stores bundles every repository together; container.Container embeds one.
type Stores struct {
	Tasks    TaskStore
	Crawls   CrawlStore
	Results  ResultStore
	Webhooks WebhookStore
	Credits  CreditsStore
	Backlog  BacklogStore
}
