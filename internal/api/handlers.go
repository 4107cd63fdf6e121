// Package api exposes crawlrs' HTTP surface over Fiber, following the
// teacher's internal/api handler shape: typed Request/Response DTOs,
// BodyParser + a validateXRequest method per request, fiber.Map error
// bodies, uuid.New()-derived identifiers where the domain layer doesn't
// already mint its own.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/kirky-x/crawlrs/internal/domain"
	"github.com/kirky-x/crawlrs/internal/store"
	"github.com/kirky-x/crawlrs/internal/worker"
)

// creditsPerTask is what a single scrape/crawl/extract task submission
// debits from the owning team's balance, matching the flat per-task
// pricing query_tasks/cancel_tasks charge in the original handlers
// (`credits_used: 1` per task, `total_cancelled` per cancelled task).
const creditsPerTask = 1

// Handlers holds the store bundle every endpoint reads and writes
// through; there is no direct dependency on the worker pool or engine
// router; a submitted task is picked up by whichever worker goroutine
// leases it next.
type Handlers struct {
	stores store.Stores
}

// NewHandlers builds the HTTP handler set over stores.
func NewHandlers(stores store.Stores) *Handlers {
	return &Handlers{stores: stores}
}

// Health reports service liveness, matching the teacher's /health shape.
func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"service":   "crawlrs",
		"timestamp": time.Now().UTC(),
	})
}

// teamIDFromHeader resolves the caller's team from X-Team-Id, the
// primary authentication path spec.md 6 names. API-key authentication
// would additionally need a persisted api_keys table resolving a key to
// a team_id; nothing in this repo's store layer models that table yet,
// so X-Team-Id is the one fully wired path — the same simplification
// internal/ratelimit's CheckRateLimit already makes by keying its
// per-(api_key, endpoint) token buckets off the team ID string.
func teamIDFromHeader(c *fiber.Ctx) (uuid.UUID, error) {
	raw := c.Get("X-Team-Id")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%w: X-Team-Id header required", domain.ErrValidationFailure)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid X-Team-Id", domain.ErrValidationFailure)
	}
	return id, nil
}

// writeError maps a domain sentinel error to its HTTP status per
// spec.md 7's kind-to-code table and writes a sanitized body —
// everything uncategorized becomes a 500 with no internal detail
// leaked to the caller.
func writeError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, domain.ErrValidationFailure):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, domain.ErrRateLimited), errors.Is(err, domain.ErrQuotaExceeded):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": err.Error()})
	default:
		log.Printf("api: internal error: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
}

// debitOneTask applies the flat per-task credit charge, returning
// domain.ErrQuotaExceeded without creating anything if the team's
// balance can't cover it — spec.md 7's QuotaExceeded: "no task
// enqueued".
func (h *Handlers) debitOneTask(ctx context.Context, teamID, referenceID uuid.UUID) error {
	bal, err := h.stores.Credits.GetBalance(ctx, teamID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("check credits: %w", err)
	}
	if err == nil && bal.Balance < creditsPerTask {
		return domain.ErrQuotaExceeded
	}
	if err := h.stores.Credits.Apply(ctx, teamID, domain.CreditsDebit, -creditsPerTask, referenceID); err != nil {
		return fmt.Errorf("debit credits: %w", err)
	}
	return nil
}

// --- POST /v1/scrape ---

// ScrapeRequest is the subset of original_source's ScrapeRequestDto this
// spec keeps: a single-page fetch, optionally JS-rendered or
// screenshotted, with request headers and extraction rules passed
// through to the worker via TaskPayload.
type ScrapeRequest struct {
	URL             string                  `json:"url"`
	Formats         []string                `json:"formats,omitempty"`
	Headers         map[string]string       `json:"headers,omitempty"`
	JSRendering     bool                    `json:"js_rendering,omitempty"`
	Screenshot      bool                    `json:"screenshot,omitempty"`
	WebhookURL      string                  `json:"webhook_url,omitempty"`
	ExtractionRules []domain.ExtractionRule `json:"extraction_rules,omitempty"`
}

func (r *ScrapeRequest) validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("%w: url is required", domain.ErrValidationFailure)
	}
	parsed, err := url.Parse(r.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("%w: url must be http(s)", domain.ErrValidationFailure)
	}
	return nil
}

// ScrapeResponse is the immediate response to a scrape submission — the
// task runs asynchronously; GET /v1/scrape/{id} polls for the outcome.
type ScrapeResponse struct {
	ID      uuid.UUID `json:"id"`
	URL     string    `json:"url"`
	Success bool      `json:"success"`
}

// CreateScrape creates a queued scrape task for req.URL.
func (h *Handlers) CreateScrape(c *fiber.Ctx) error {
	teamID, err := teamIDFromHeader(c)
	if err != nil {
		return writeError(c, err)
	}

	var req ScrapeRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fmt.Errorf("%w: %v", domain.ErrValidationFailure, err))
	}
	if err := req.validate(); err != nil {
		return writeError(c, err)
	}

	payload := worker.TaskPayload{
		WebhookURL:      req.WebhookURL,
		Headers:         req.Headers,
		ExtractionRules: req.ExtractionRules,
		JSRendering:     req.JSRendering,
		Screenshot:      req.Screenshot,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return writeError(c, err)
	}

	task := domain.NewTask(teamID, domain.TaskScrape, req.URL, raw)
	if err := h.debitOneTask(c.Context(), teamID, task.ID); err != nil {
		return writeError(c, err)
	}
	if err := h.stores.Tasks.Create(c.Context(), task); err != nil {
		return writeError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(ScrapeResponse{ID: task.ID, URL: task.URL, Success: true})
}

// ScrapeStatusResponse reports a scrape task's current status plus its
// latest result, if any attempt has completed.
type ScrapeStatusResponse struct {
	ID     uuid.UUID            `json:"id"`
	Status domain.TaskStatus    `json:"status"`
	URL    string               `json:"url"`
	Result *domain.ScrapeResult `json:"result,omitempty"`
}

// GetScrape returns a scrape task's status and latest result.
func (h *Handlers) GetScrape(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return writeError(c, fmt.Errorf("%w: invalid task id", domain.ErrValidationFailure))
	}
	task, err := h.stores.Tasks.FindByID(c.Context(), id)
	if err != nil {
		return writeError(c, err)
	}

	resp := ScrapeStatusResponse{ID: task.ID, Status: task.Status, URL: task.URL}
	if result, err := h.stores.Results.FindLatestByTaskID(c.Context(), task.ID); err == nil {
		resp.Result = result
	} else if !errors.Is(err, domain.ErrNotFound) {
		return writeError(c, err)
	}
	return c.JSON(resp)
}

// --- POST /v1/crawl, GET /v1/crawl/{id}, GET /v1/crawl/{id}/results, DELETE /v1/crawl/{id} ---

// CrawlRequest starts a crawl rooted at URL, governed by Config (depth,
// patterns, strategy, delay, extraction rules) per spec.md 4.5.
type CrawlRequest struct {
	URL    string             `json:"url"`
	Name   string             `json:"name,omitempty"`
	Config domain.CrawlConfig `json:"config"`
}

func (r *CrawlRequest) validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("%w: url is required", domain.ErrValidationFailure)
	}
	if r.Config.Strategy == "" {
		r.Config.Strategy = domain.StrategyBFS
	}
	if r.Config.Strategy != domain.StrategyBFS && r.Config.Strategy != domain.StrategyDFS {
		return fmt.Errorf("%w: strategy must be bfs or dfs", domain.ErrValidationFailure)
	}
	if r.Config.MaxDepth < 0 {
		return fmt.Errorf("%w: max_depth cannot be negative", domain.ErrValidationFailure)
	}
	return nil
}

// CrawlResponse is the immediate response to a crawl submission.
type CrawlResponse struct {
	ID uuid.UUID `json:"id"`
}

// CreateCrawl creates the crawl aggregate and its root task.
func (h *Handlers) CreateCrawl(c *fiber.Ctx) error {
	teamID, err := teamIDFromHeader(c)
	if err != nil {
		return writeError(c, err)
	}

	var req CrawlRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fmt.Errorf("%w: %v", domain.ErrValidationFailure, err))
	}
	if err := req.validate(); err != nil {
		return writeError(c, err)
	}

	crawl := domain.NewCrawl(teamID, req.Name, req.URL, req.Config)
	if err := h.stores.Crawls.Create(c.Context(), crawl); err != nil {
		return writeError(c, err)
	}

	payload := worker.TaskPayload{CrawlID: crawl.ID.String(), Depth: 0, Config: &req.Config}
	raw, err := json.Marshal(payload)
	if err != nil {
		return writeError(c, err)
	}
	root := domain.NewTask(teamID, domain.TaskCrawl, req.URL, raw)
	root.CrawlID = &crawl.ID

	if err := h.debitOneTask(c.Context(), teamID, root.ID); err != nil {
		return writeError(c, err)
	}
	if err := h.stores.Tasks.Create(c.Context(), root); err != nil {
		return writeError(c, err)
	}
	if err := h.stores.Crawls.IncrementTotalTasks(c.Context(), crawl.ID, 1); err != nil {
		return writeError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(CrawlResponse{ID: crawl.ID})
}

// GetCrawl returns a crawl's status and progress counters.
func (h *Handlers) GetCrawl(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return writeError(c, fmt.Errorf("%w: invalid crawl id", domain.ErrValidationFailure))
	}
	crawl, err := h.stores.Crawls.FindByID(c.Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(crawl)
}

// CrawlResultsResponse flattens every child task's latest result.
type CrawlResultsResponse struct {
	CrawlID uuid.UUID              `json:"crawl_id"`
	Results []*domain.ScrapeResult `json:"results"`
}

// GetCrawlResults lists the latest result of every task in the crawl that
// has one.
func (h *Handlers) GetCrawlResults(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return writeError(c, fmt.Errorf("%w: invalid crawl id", domain.ErrValidationFailure))
	}
	tasks, err := h.stores.Tasks.FindByCrawlID(c.Context(), id)
	if err != nil {
		return writeError(c, err)
	}

	results := make([]*domain.ScrapeResult, 0, len(tasks))
	for _, t := range tasks {
		if r, err := h.stores.Results.FindLatestByTaskID(c.Context(), t.ID); err == nil {
			results = append(results, r)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return writeError(c, err)
		}
	}
	return c.JSON(CrawlResultsResponse{CrawlID: id, Results: results})
}

// CancelCrawl cancels every non-terminal task belonging to the crawl and
// marks the crawl itself cancelled.
func (h *Handlers) CancelCrawl(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return writeError(c, fmt.Errorf("%w: invalid crawl id", domain.ErrValidationFailure))
	}
	crawl, err := h.stores.Crawls.FindByID(c.Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	if _, err := h.stores.Tasks.CancelTasksByCrawlID(c.Context(), id); err != nil {
		return writeError(c, err)
	}
	crawl.Status = domain.CrawlCancelled
	now := time.Now().UTC()
	crawl.CompletedAt = &now
	crawl.UpdatedAt = now
	if err := h.stores.Crawls.Update(c.Context(), crawl); err != nil {
		return writeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// --- POST /v1/search ---

// SearchRequest is accepted but Search itself is out of scope per
// spec.md's non-goals (search-engine scraping is a collaborator
// concern); this endpoint exists so the route table matches spec.md 6
// without pretending to support it.
type SearchRequest struct {
	Query        string              `json:"query"`
	Engine       string              `json:"engine,omitempty"`
	Limit        int                 `json:"limit,omitempty"`
	CrawlConfig  *domain.CrawlConfig `json:"crawl_config,omitempty"`
	CrawlResults bool                `json:"crawl_results,omitempty"`
}

// Search always returns 501; search-engine scraping lives in a
// collaborator service this repo does not implement.
func (h *Handlers) Search(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{
		"error": "search is served by a separate collaborator service, not this execution plane",
	})
}

// --- POST /v1/webhooks ---

// WebhookRequest registers a delivery endpoint for a team.
type WebhookRequest struct {
	URL    string    `json:"url"`
	TeamID uuid.UUID `json:"team_id"`
}

// WebhookResponse returns the new webhook's id and its signing secret —
// the one time the secret is shown in full; subsequent reads only ever
// see the redacted `-` tag the domain.Webhook json tag already applies.
type WebhookResponse struct {
	ID     uuid.UUID `json:"id"`
	Secret string    `json:"secret"`
}

// CreateWebhook registers req.URL as a delivery target for req.TeamID,
// minting a fresh HMAC signing secret.
func (h *Handlers) CreateWebhook(c *fiber.Ctx) error {
	var req WebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fmt.Errorf("%w: %v", domain.ErrValidationFailure, err))
	}
	if strings.TrimSpace(req.URL) == "" || req.TeamID == uuid.Nil {
		return writeError(c, fmt.Errorf("%w: url and team_id are required", domain.ErrValidationFailure))
	}

	wh := &domain.Webhook{
		ID:        uuid.New(),
		TeamID:    req.TeamID,
		URL:       req.URL,
		Secret:    uuid.New().String(),
		CreatedAt: time.Now().UTC(),
	}
	if err := h.stores.Webhooks.CreateWebhook(c.Context(), wh); err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(WebhookResponse{ID: wh.ID, Secret: wh.Secret})
}

// --- POST /v2/tasks/query, DELETE /v2/tasks/cancel ---

// TaskQueryRequest mirrors original_source's TaskQueryRequestDto: every
// filter is optional, SyncWaitMS opts into the adaptive-poll wait for
// in-flight tasks to settle before responding.
type TaskQueryRequest struct {
	TeamID     uuid.UUID        `json:"team_id"`
	Status     domain.TaskStatus `json:"status,omitempty"`
	Kind       domain.TaskKind   `json:"kind,omitempty"`
	CrawlID    *uuid.UUID       `json:"crawl_id,omitempty"`
	Limit      int              `json:"limit,omitempty"`
	Offset     int              `json:"offset,omitempty"`
	SyncWaitMS int              `json:"sync_wait_ms,omitempty"`
}

func (r *TaskQueryRequest) validate() error {
	if r.TeamID == uuid.Nil {
		return fmt.Errorf("%w: team_id is required", domain.ErrValidationFailure)
	}
	return nil
}

// TaskQueryResponse lists matching tasks plus whether sync-wait
// observed every one reach a terminal state before its deadline.
type TaskQueryResponse struct {
	Tasks      []*domain.Task `json:"tasks"`
	Status     string         `json:"status"`
	WaitedMS   int64          `json:"waited_ms,omitempty"`
}

// QueryTasks lists tasks matching req's filters, optionally waiting
// (adaptive 500-2000ms polling) for them to reach a terminal state
// before responding, mirroring original_source's
// wait_for_tasks_completion.
func (h *Handlers) QueryTasks(c *fiber.Ctx) error {
	var req TaskQueryRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fmt.Errorf("%w: %v", domain.ErrValidationFailure, err))
	}
	if err := req.validate(); err != nil {
		return writeError(c, err)
	}

	params := domain.TaskQueryParams{
		TeamID:  req.TeamID,
		Status:  req.Status,
		Kind:    req.Kind,
		CrawlID: req.CrawlID,
		Limit:   req.Limit,
		Offset:  req.Offset,
	}
	tasks, err := h.stores.Tasks.Query(c.Context(), params)
	if err != nil {
		return writeError(c, err)
	}

	status := "async"
	var waitedMS int64
	if req.SyncWaitMS > 0 && len(tasks) > 0 {
		waited, timedOut := h.waitForTasksSettled(c.Context(), tasks, req.SyncWaitMS)
		waitedMS = waited.Milliseconds()
		if timedOut {
			status = "sync_timeout"
		} else {
			status = "sync_completed"
		}
		tasks, err = h.stores.Tasks.Query(c.Context(), params)
		if err != nil {
			return writeError(c, err)
		}
	}

	return c.JSON(TaskQueryResponse{Tasks: tasks, Status: status, WaitedMS: waitedMS})
}

// waitForTasksSettled polls every task in tasks until all are terminal
// or deadlineMS elapses. Between polls it waits 500ms plus 1500ms times
// the fraction of tasks already terminal (so 500ms to 2000ms, the same
// bounds as original_source's wait_for_tasks_completion), never longer
// than the time left before the deadline.
func (h *Handlers) waitForTasksSettled(ctx context.Context, tasks []*domain.Task, deadlineMS int) (time.Duration, bool) {
	deadline := time.Duration(deadlineMS) * time.Millisecond
	start := time.Now()
	interval := 500 * time.Millisecond

	ids := make([]uuid.UUID, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}

	for time.Since(start) < deadline {
		done := 0
		for _, id := range ids {
			t, err := h.stores.Tasks.FindByID(ctx, id)
			if err == nil && t.IsTerminal() {
				done++
			}
		}
		if done == len(ids) {
			return time.Since(start), false
		}

		rate := float64(done) / float64(len(ids))
		interval = time.Duration(500+int(1500*rate)) * time.Millisecond
		remaining := deadline - time.Since(start)
		if remaining <= 0 {
			break
		}
		if interval > remaining {
			interval = remaining
		}
		select {
		case <-ctx.Done():
			return time.Since(start), true
		case <-time.After(interval):
		}
	}
	return time.Since(start), true
}

// TaskCancelRequest batch-cancels tasks owned by TeamID.
type TaskCancelRequest struct {
	TaskIDs    []uuid.UUID `json:"task_ids"`
	TeamID     uuid.UUID   `json:"team_id"`
	Force      bool        `json:"force,omitempty"`
	SyncWaitMS int         `json:"sync_wait_ms,omitempty"`
}

func (r *TaskCancelRequest) validate() error {
	if r.TeamID == uuid.Nil {
		return fmt.Errorf("%w: team_id is required", domain.ErrValidationFailure)
	}
	if len(r.TaskIDs) == 0 {
		return fmt.Errorf("%w: task_ids cannot be empty", domain.ErrValidationFailure)
	}
	return nil
}

// TaskCancelResponse reports how many of the requested ids were
// actually cancelled — the rest were already terminal, not owned by
// this team, or (absent force) still leased.
type TaskCancelResponse struct {
	TotalCancelled int64 `json:"total_cancelled"`
	TotalFailed    int64 `json:"total_failed"`
	Status         string `json:"status"`
	WaitedMS       int64  `json:"waited_ms,omitempty"`
}

// CancelTasks batch-cancels req.TaskIDs, optionally waiting for the
// cancellation to settle before responding.
func (h *Handlers) CancelTasks(c *fiber.Ctx) error {
	var req TaskCancelRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fmt.Errorf("%w: %v", domain.ErrValidationFailure, err))
	}
	if err := req.validate(); err != nil {
		return writeError(c, err)
	}

	cancelled, err := h.stores.Tasks.BatchCancel(c.Context(), req.TaskIDs, req.TeamID, req.Force)
	if err != nil {
		return writeError(c, err)
	}

	status := "async"
	var waitedMS int64
	if req.SyncWaitMS > 0 && cancelled > 0 {
		tasks := make([]*domain.Task, 0, len(req.TaskIDs))
		for _, id := range req.TaskIDs {
			if t, err := h.stores.Tasks.FindByID(c.Context(), id); err == nil {
				tasks = append(tasks, t)
			}
		}
		waited, timedOut := h.waitForTasksSettled(c.Context(), tasks, req.SyncWaitMS)
		waitedMS = waited.Milliseconds()
		if timedOut {
			status = "sync_timeout"
		} else {
			status = "sync_completed"
		}
	}

	return c.JSON(TaskCancelResponse{
		TotalCancelled: cancelled,
		TotalFailed:    int64(len(req.TaskIDs)) - cancelled,
		Status:         status,
		WaitedMS:       waitedMS,
	})
}
