package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/kirky-x/crawlrs/internal/domain"
)

// OpenPostgres opens and pings a connection pool per internal/config's
// DatabaseConfig, the way the teacher opens its repo-backed storage in
// cmd/server/main.go.
func OpenPostgres(dsn string, maxOpen, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	return db, nil
}

// taskStore implements TaskStore over Postgres, grounded on
// original_source's SeaORM acquire_next (SELECT ... FOR UPDATE SKIP LOCKED)
// translated into raw SQL via sqlx, following the prepared-repository shape
// of the pack's developer-mesh postgres.taskRepository.
type taskStore struct {
	db *sqlx.DB
}

// NewTaskStore builds a Postgres-backed TaskStore.
func NewTaskStore(db *sqlx.DB) TaskStore {
	return &taskStore{db: db}
}

func (s *taskStore) Create(ctx context.Context, t *domain.Task) error {
	const q = `
		INSERT INTO tasks (
			id, team_id, kind, status, priority, url, payload,
			attempt_count, max_retries, created_at, scheduled_at, expires_at, crawl_id
		) VALUES (
			:id, :team_id, :kind, :status, :priority, :url, :payload,
			:attempt_count, :max_retries, :created_at, :scheduled_at, :expires_at, :crawl_id
		)`
	_, err := s.db.NamedExecContext(ctx, q, t)
	if err != nil {
		return fmt.Errorf("store: create task: %w", err)
	}
	return nil
}

func (s *taskStore) FindByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	var t domain.Task
	err := s.db.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find task: %w", err)
	}
	return &t, nil
}

func (s *taskStore) Update(ctx context.Context, t *domain.Task) error {
	const q = `
		UPDATE tasks SET
			status = :status, priority = :priority, payload = :payload,
			attempt_count = :attempt_count, max_retries = :max_retries,
			scheduled_at = :scheduled_at, started_at = :started_at,
			completed_at = :completed_at, expires_at = :expires_at,
			lock_token = :lock_token, lock_expires_at = :lock_expires_at
		WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, t)
	if err != nil {
		return fmt.Errorf("store: update task: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *taskStore) ExistsByURL(ctx context.Context, teamID uuid.UUID, url string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM tasks WHERE team_id = $1 AND url = $2)`, teamID, url)
	if err != nil {
		return false, fmt.Errorf("store: exists by url: %w", err)
	}
	return exists, nil
}

// LeaseNext mirrors original_source's acquire_next: within one transaction,
// select the highest-priority, oldest eligible queued task with
// FOR UPDATE SKIP LOCKED so concurrent workers never block on each other or
// double-claim a row, then flip it to active and stamp the lease.
func (s *taskStore) LeaseNext(ctx context.Context, workerID uuid.UUID) (*domain.Task, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: lease begin: %w", err)
	}
	defer tx.Rollback()

	var t domain.Task
	const selectQ = `
		SELECT * FROM tasks
		WHERE status = 'queued'
		  AND (scheduled_at IS NULL OR scheduled_at <= now())
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`
	err = tx.GetContext(ctx, &t, selectQ)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: lease select: %w", err)
	}

	now := time.Now().UTC()
	leaseExpiry := now.Add(5 * time.Minute)
	t.Status = domain.TaskActive
	t.LockToken = &workerID
	t.LockExpiresAt = &leaseExpiry
	t.StartedAt = &now
	t.AttemptCount++

	const updateQ = `
		UPDATE tasks SET
			status = :status, lock_token = :lock_token,
			lock_expires_at = :lock_expires_at, started_at = :started_at,
			attempt_count = :attempt_count
		WHERE id = :id`
	if _, err := tx.NamedExecContext(ctx, updateQ, &t); err != nil {
		return nil, fmt.Errorf("store: lease update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: lease commit: %w", err)
	}
	return &t, nil
}

func (s *taskStore) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return s.markTerminal(ctx, id, domain.TaskCompleted)
}

func (s *taskStore) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return s.markTerminal(ctx, id, domain.TaskFailed)
}

func (s *taskStore) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	return s.markTerminal(ctx, id, domain.TaskCancelled)
}

func (s *taskStore) markTerminal(ctx context.Context, id uuid.UUID, status domain.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, completed_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("store: mark %s: %w", status, err)
	}
	return requireRowsAffected(res)
}

// ResetStuckTasks mirrors original_source's reset_stuck_tasks: reclaim any
// active task whose lease has expired, or that was started before
// staleAfter with no lease at all (a pre-lease-column row or a writer
// crash between claim and stamp).
func (s *taskStore) ResetStuckTasks(ctx context.Context, staleAfter time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-staleAfter)
	const q = `
		UPDATE tasks SET
			status = 'queued', lock_token = NULL, lock_expires_at = NULL, started_at = NULL
		WHERE status = 'active'
		  AND (
			(lock_expires_at IS NOT NULL AND lock_expires_at <= now())
			OR (lock_expires_at IS NULL AND started_at IS NOT NULL AND started_at <= $1)
		  )`
	res, err := s.db.ExecContext(ctx, q, threshold)
	if err != nil {
		return 0, fmt.Errorf("store: reset stuck tasks: %w", err)
	}
	return res.RowsAffected()
}

// CancelTasksByCrawlID matches original_source's raw JSON-path query
// (payload->>'crawl_id' = ?), here against the dedicated crawl_id column
// this schema carries instead of a payload field.
func (s *taskStore) CancelTasksByCrawlID(ctx context.Context, crawlID uuid.UUID) (int64, error) {
	const q = `
		UPDATE tasks SET status = 'cancelled', completed_at = now()
		WHERE crawl_id = $1 AND status IN ('queued', 'active')`
	res, err := s.db.ExecContext(ctx, q, crawlID)
	if err != nil {
		return 0, fmt.Errorf("store: cancel by crawl id: %w", err)
	}
	return res.RowsAffected()
}

func (s *taskStore) ExpireTasks(ctx context.Context) (int64, error) {
	const q = `
		UPDATE tasks SET status = 'failed', completed_at = now()
		WHERE status = 'queued' AND expires_at IS NOT NULL AND expires_at <= now()`
	res, err := s.db.ExecContext(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("store: expire tasks: %w", err)
	}
	return res.RowsAffected()
}

func (s *taskStore) FindByCrawlID(ctx context.Context, crawlID uuid.UUID) ([]*domain.Task, error) {
	var tasks []*domain.Task
	err := s.db.SelectContext(ctx, &tasks,
		`SELECT * FROM tasks WHERE crawl_id = $1 ORDER BY created_at ASC`, crawlID)
	if err != nil {
		return nil, fmt.Errorf("store: find by crawl id: %w", err)
	}
	return tasks, nil
}

// Query lists tasks matching params, newest first, building its WHERE
// clause dynamically since every filter field is optional, the same
// approach original_source's query_tasks takes over TaskQueryParams.
func (s *taskStore) Query(ctx context.Context, params domain.TaskQueryParams) ([]*domain.Task, error) {
	where := "WHERE team_id = $1"
	args := []interface{}{params.TeamID}

	if params.Status != "" {
		args = append(args, params.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if params.Kind != "" {
		args = append(args, params.Kind)
		where += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if params.CrawlID != nil {
		args = append(args, *params.CrawlID)
		where += fmt.Sprintf(" AND crawl_id = $%d", len(args))
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	limitClause := fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, params.Offset)
	offsetClause := fmt.Sprintf(" OFFSET $%d", len(args))

	q := "SELECT * FROM tasks " + where + limitClause + offsetClause

	var tasks []*domain.Task
	if err := s.db.SelectContext(ctx, &tasks, q, args...); err != nil {
		return nil, fmt.Errorf("store: query tasks: %w", err)
	}
	return tasks, nil
}

// BatchCancel cancels every task in ids owned by teamID that is still
// non-terminal. A polite cancel (force=false) only touches queued tasks,
// leaving anything a worker already leased to finish; force also cancels
// active tasks, matching the distinction request.force makes in the
// original's batch_cancel handler.
func (s *taskStore) BatchCancel(ctx context.Context, ids []uuid.UUID, teamID uuid.UUID, force bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	statuses := []domain.TaskStatus{domain.TaskQueued}
	if force {
		statuses = append(statuses, domain.TaskActive)
	}
	const q = `
		UPDATE tasks SET status = 'cancelled', completed_at = now()
		WHERE id = ANY($1) AND team_id = $2 AND status = ANY($3)`
	res, err := s.db.ExecContext(ctx, q, pq.Array(ids), teamID, pq.Array(statuses))
	if err != nil {
		return 0, fmt.Errorf("store: batch cancel: %w", err)
	}
	return res.RowsAffected()
}

// crawlStore implements CrawlStore over Postgres.
type crawlStore struct {
	db *sqlx.DB
}

// NewCrawlStore builds a Postgres-backed CrawlStore.
func NewCrawlStore(db *sqlx.DB) CrawlStore {
	return &crawlStore{db: db}
}

func (s *crawlStore) Create(ctx context.Context, c *domain.Crawl) error {
	const q = `
		INSERT INTO crawls (
			id, team_id, name, root_url, status, config,
			total_tasks, completed_tasks, failed_tasks, created_at, updated_at
		) VALUES (
			:id, :team_id, :name, :root_url, :status, :config,
			:total_tasks, :completed_tasks, :failed_tasks, :created_at, :updated_at
		)`
	_, err := s.db.NamedExecContext(ctx, q, c)
	if err != nil {
		return fmt.Errorf("store: create crawl: %w", err)
	}
	return nil
}

func (s *crawlStore) FindByID(ctx context.Context, id uuid.UUID) (*domain.Crawl, error) {
	var c domain.Crawl
	err := s.db.GetContext(ctx, &c, `SELECT * FROM crawls WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find crawl: %w", err)
	}
	return &c, nil
}

func (s *crawlStore) Update(ctx context.Context, c *domain.Crawl) error {
	const q = `
		UPDATE crawls SET
			status = :status, config = :config, total_tasks = :total_tasks,
			completed_tasks = :completed_tasks, failed_tasks = :failed_tasks,
			updated_at = :updated_at, completed_at = :completed_at
		WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, c)
	if err != nil {
		return fmt.Errorf("store: update crawl: %w", err)
	}
	return requireRowsAffected(res)
}

// IncrementCounters bumps the completed/failed counters and flips the crawl
// to its terminal status in one round trip once they reach total_tasks,
// implementing the completion-detection invariant at the storage layer so
// concurrent workers finishing the last tasks can't race past each other.
func (s *crawlStore) IncrementCounters(ctx context.Context, id uuid.UUID, completedDelta, failedDelta int) error {
	const q = `
		UPDATE crawls SET
			completed_tasks = completed_tasks + $2,
			failed_tasks = failed_tasks + $3,
			updated_at = now(),
			status = CASE
				WHEN status = 'cancelled' THEN status
				WHEN completed_tasks + $2 + failed_tasks + $3 >= total_tasks THEN 'completed'
				ELSE status
			END,
			completed_at = CASE
				WHEN status = 'cancelled' THEN completed_at
				WHEN completed_tasks + $2 + failed_tasks + $3 >= total_tasks THEN now()
				ELSE completed_at
			END
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, id, completedDelta, failedDelta)
	if err != nil {
		return fmt.Errorf("store: increment crawl counters: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *crawlStore) IncrementTotalTasks(ctx context.Context, id uuid.UUID, delta int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE crawls SET total_tasks = total_tasks + $2, updated_at = now() WHERE id = $1`, id, delta)
	if err != nil {
		return fmt.Errorf("store: increment total tasks: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *crawlStore) ListByTeam(ctx context.Context, teamID uuid.UUID, limit, offset int) ([]*domain.Crawl, error) {
	var crawls []*domain.Crawl
	err := s.db.SelectContext(ctx, &crawls,
		`SELECT * FROM crawls WHERE team_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		teamID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list crawls: %w", err)
	}
	return crawls, nil
}

// resultStore implements ResultStore over Postgres.
type resultStore struct {
	db *sqlx.DB
}

// NewResultStore builds a Postgres-backed ResultStore.
func NewResultStore(db *sqlx.DB) ResultStore {
	return &resultStore{db: db}
}

func (s *resultStore) Create(ctx context.Context, r *domain.ScrapeResult) error {
	const q = `
		INSERT INTO scrape_results (
			id, task_id, status_code, body, content_type, headers, metadata,
			screenshot, response_time_ms, error_message, created_at
		) VALUES (
			:id, :task_id, :status_code, :body, :content_type, :headers, :metadata,
			:screenshot, :response_time_ms, :error_message, :created_at
		)`
	_, err := s.db.NamedExecContext(ctx, q, r)
	if err != nil {
		return fmt.Errorf("store: create result: %w", err)
	}
	return nil
}

func (s *resultStore) FindLatestByTaskID(ctx context.Context, taskID uuid.UUID) (*domain.ScrapeResult, error) {
	var r domain.ScrapeResult
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM scrape_results WHERE task_id = $1 ORDER BY created_at DESC LIMIT 1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find latest result: %w", err)
	}
	return &r, nil
}

// webhookStore implements WebhookStore over Postgres.
type webhookStore struct {
	db *sqlx.DB
}

// NewWebhookStore builds a Postgres-backed WebhookStore.
func NewWebhookStore(db *sqlx.DB) WebhookStore {
	return &webhookStore{db: db}
}

func (s *webhookStore) CreateWebhook(ctx context.Context, w *domain.Webhook) error {
	const q = `
		INSERT INTO webhooks (id, team_id, url, secret, created_at)
		VALUES (:id, :team_id, :url, :secret, :created_at)`
	_, err := s.db.NamedExecContext(ctx, q, w)
	if err != nil {
		return fmt.Errorf("store: create webhook: %w", err)
	}
	return nil
}

func (s *webhookStore) FindWebhooksByTeam(ctx context.Context, teamID uuid.UUID) ([]*domain.Webhook, error) {
	var webhooks []*domain.Webhook
	err := s.db.SelectContext(ctx, &webhooks,
		`SELECT * FROM webhooks WHERE team_id = $1 ORDER BY created_at ASC`, teamID)
	if err != nil {
		return nil, fmt.Errorf("store: find webhooks: %w", err)
	}
	return webhooks, nil
}

func (s *webhookStore) CreateEvent(ctx context.Context, e *domain.WebhookEvent) error {
	const q = `
		INSERT INTO webhook_events (
			id, team_id, webhook_id, event_type, payload, webhook_url, status,
			attempt_count, max_retries, response_status, next_retry_at,
			created_at, updated_at, delivered_at
		) VALUES (
			:id, :team_id, :webhook_id, :event_type, :payload, :webhook_url, :status,
			:attempt_count, :max_retries, :response_status, :next_retry_at,
			:created_at, :updated_at, :delivered_at
		)`
	_, err := s.db.NamedExecContext(ctx, q, e)
	if err != nil {
		return fmt.Errorf("store: create webhook event: %w", err)
	}
	return nil
}

func (s *webhookStore) FindPendingEvents(ctx context.Context, limit int) ([]*domain.WebhookEvent, error) {
	const q = `
		SELECT * FROM webhook_events
		WHERE status = 'pending'
		   OR (status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= now())
		ORDER BY created_at ASC
		LIMIT $1`
	var events []*domain.WebhookEvent
	if err := s.db.SelectContext(ctx, &events, q, limit); err != nil {
		return nil, fmt.Errorf("store: find pending events: %w", err)
	}
	return events, nil
}

func (s *webhookStore) UpdateEvent(ctx context.Context, e *domain.WebhookEvent) error {
	const q = `
		UPDATE webhook_events SET
			status = :status, attempt_count = :attempt_count,
			response_status = :response_status, next_retry_at = :next_retry_at,
			updated_at = :updated_at, delivered_at = :delivered_at
		WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, e)
	if err != nil {
		return fmt.Errorf("store: update webhook event: %w", err)
	}
	return requireRowsAffected(res)
}

// creditsStore implements CreditsStore over Postgres.
type creditsStore struct {
	db *sqlx.DB
}

// NewCreditsStore builds a Postgres-backed CreditsStore.
func NewCreditsStore(db *sqlx.DB) CreditsStore {
	return &creditsStore{db: db}
}

func (s *creditsStore) GetBalance(ctx context.Context, teamID uuid.UUID) (*domain.Credits, error) {
	var c domain.Credits
	err := s.db.GetContext(ctx, &c, `SELECT * FROM credits WHERE team_id = $1`, teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get balance: %w", err)
	}
	return &c, nil
}

// Apply writes the ledger row and adjusts the balance atomically, so a
// crash between the two never leaves them inconsistent.
func (s *creditsStore) Apply(ctx context.Context, teamID uuid.UUID, txType domain.CreditsTransactionType, amount int64, referenceID uuid.UUID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: apply begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credits_transactions (id, team_id, type, amount, reference_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())`,
		uuid.New(), teamID, txType, amount, referenceID); err != nil {
		return fmt.Errorf("store: insert ledger row: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credits (team_id, balance, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (team_id) DO UPDATE SET balance = credits.balance + $2, updated_at = now()`,
		teamID, amount); err != nil {
		return fmt.Errorf("store: update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: apply commit: %w", err)
	}
	return nil
}

// backlogStore implements BacklogStore over Postgres.
type backlogStore struct {
	db *sqlx.DB
}

// NewBacklogStore builds a Postgres-backed BacklogStore.
func NewBacklogStore(db *sqlx.DB) BacklogStore {
	return &backlogStore{db: db}
}

func (s *backlogStore) Create(ctx context.Context, b *domain.TasksBacklog) error {
	const q = `
		INSERT INTO tasks_backlog (
			id, task_id, team_id, priority, payload, status,
			retry_count, max_retries, expires_at, created_at, updated_at
		) VALUES (
			:id, :task_id, :team_id, :priority, :payload, :status,
			:retry_count, :max_retries, :expires_at, :created_at, :updated_at
		)`
	_, err := s.db.NamedExecContext(ctx, q, b)
	if err != nil {
		return fmt.Errorf("store: create backlog row: %w", err)
	}
	return nil
}

func (s *backlogStore) FindPending(ctx context.Context, limit int) ([]*domain.TasksBacklog, error) {
	const q = `
		SELECT * FROM tasks_backlog
		WHERE status = 'pending'
		ORDER BY priority DESC, created_at ASC
		LIMIT $1`
	var rows []*domain.TasksBacklog
	if err := s.db.SelectContext(ctx, &rows, q, limit); err != nil {
		return nil, fmt.Errorf("store: find pending backlog: %w", err)
	}
	return rows, nil
}

func (s *backlogStore) Update(ctx context.Context, b *domain.TasksBacklog) error {
	const q = `
		UPDATE tasks_backlog SET
			status = :status, retry_count = :retry_count, updated_at = :updated_at
		WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, b)
	if err != nil {
		return fmt.Errorf("store: update backlog row: %w", err)
	}
	return requireRowsAffected(res)
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
