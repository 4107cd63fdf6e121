package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kirky-x/crawlrs/internal/domain"
	"github.com/kirky-x/crawlrs/internal/engine"
	"github.com/kirky-x/crawlrs/internal/ratelimit"
	"github.com/kirky-x/crawlrs/internal/store"
	"github.com/kirky-x/crawlrs/pkg/logging"
)

// Expander expands a crawl task into child tasks, implemented by
// internal/crawler. Kept as an interface here so worker never imports
// crawler directly, avoiding the cyclic-package problem the container
// pattern (SPEC_FULL.md design notes) exists to prevent.
type Expander interface {
	Expand(ctx context.Context, task *domain.Task, payload TaskPayload) error
}

// Extractor pulls structured fields out of scraped content, implemented
// by internal/extract.
type Extractor interface {
	Extract(content []byte, rules []domain.ExtractionRule) (map[string]interface{}, error)
}

// Config tunes one worker's behavior.
type Config struct {
	PollInterval  time.Duration
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	BackoffJitter float64
}

// DefaultConfig mirrors original_source's 1-second idle poll and the
// 2^attempt backoff handle_failure computes.
func DefaultConfig() Config {
	return Config{
		PollInterval:  1 * time.Second,
		MinBackoff:    1 * time.Second,
		MaxBackoff:    5 * time.Minute,
		BackoffJitter: 0.1,
	}
}

// Worker repeatedly leases and processes one task at a time, following
// original_source's ScrapeWorker::run loop shape.
type Worker struct {
	id       uuid.UUID
	stores   store.Stores
	router   *engine.Router
	gate     *ratelimit.Gate
	domains  *ratelimit.DomainLimiter
	expander Expander
	extractor Extractor
	cfg      Config
	rand     func() float64
}

// New builds a worker with a fresh random id, matching original_source's
// Uuid::new_v4() worker identity.
func New(stores store.Stores, router *engine.Router, gate *ratelimit.Gate, domains *ratelimit.DomainLimiter, expander Expander, extractor Extractor, cfg Config) *Worker {
	return &Worker{
		id:        uuid.New(),
		stores:    stores,
		router:    router,
		gate:      gate,
		domains:   domains,
		expander:  expander,
		extractor: extractor,
		cfg:       cfg,
		rand:      defaultRand,
	}
}

func defaultRand() float64 { return 0.5 }

// Run processes tasks until ctx is cancelled, sleeping PollInterval
// whenever the queue is empty or an iteration errors, exactly as
// original_source's run loop does on both branches.
func (w *Worker) Run(ctx context.Context) {
	log := logging.GetWorkerLogger(w.id.String())
	log.Info().Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("worker stopping")
			return
		default:
		}

		processed, err := w.processNext(ctx)
		if err != nil {
			log.Error().Err(err).Msg("error processing task")
		}
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
		}
	}
}

func (w *Worker) processNext(ctx context.Context) (bool, error) {
	task, err := w.stores.Tasks.LeaseNext(ctx, w.id)
	if err != nil {
		return false, fmt.Errorf("worker: lease: %w", err)
	}
	if task == nil {
		return false, nil
	}
	return true, w.processTask(ctx, task)
}

func (w *Worker) processTask(ctx context.Context, task *domain.Task) error {
	log := logging.GetWorkerLogger(w.id.String())
	log.Info().Str("task_id", task.ID.String()).Str("url", task.URL).Str("kind", string(task.Kind)).Msg("processing task")

	payload, err := parsePayload(task.Payload)
	if err != nil {
		log.Error().Err(err).Msg("invalid task payload")
		return w.handleFailure(ctx, task, TaskPayload{})
	}

	switch task.Kind {
	case domain.TaskScrape:
		return w.processScrapeTask(ctx, task, payload)
	case domain.TaskCrawl:
		return w.processCrawlTask(ctx, task, payload)
	case domain.TaskExtract:
		return w.processExtractTask(ctx, task, payload)
	default:
		log.Warn().Str("kind", string(task.Kind)).Msg("unsupported task kind")
		return w.stores.Tasks.MarkFailed(ctx, task.ID)
	}
}

// admitOrSpillToBacklog consults the per-team concurrency semaphore
// before a scrape or extract dispatch. If the team is at its
// max_concurrent cap, the task is reverted to queued and mirrored into
// TasksBacklog for the reaper to promote once a slot frees, per the
// admission rule in front of scrape dispatch; spilled is true in that
// case and the caller must not proceed with the dispatch this round.
func (w *Worker) admitOrSpillToBacklog(ctx context.Context, task *domain.Task) (spilled bool, err error) {
	if w.gate == nil {
		return false, nil
	}
	ok, err := w.gate.AcquireTeamSlot(ctx, task.TeamID, task.ID)
	if err != nil {
		logging.GetWorkerLogger(w.id.String()).Warn().Err(err).Msg("concurrency check failed, proceeding without a slot")
		return false, nil
	}
	if ok {
		return false, nil
	}

	task.Status = domain.TaskQueued
	if err := w.stores.Tasks.Update(ctx, task); err != nil {
		return false, fmt.Errorf("worker: requeue concurrency-capped task: %w", err)
	}

	ttl := 24 * time.Hour
	if task.ExpiresAt != nil {
		if d := time.Until(*task.ExpiresAt); d > 0 {
			ttl = d
		}
	}
	b := domain.NewBacklog(task.ID, task.TeamID, task.Priority, task.Payload, ttl)
	if err := w.stores.Backlog.Create(ctx, b); err != nil {
		return false, fmt.Errorf("worker: spill to backlog: %w", err)
	}
	logging.GetWorkerLogger(w.id.String()).Info().
		Str("task_id", task.ID.String()).Str("backlog_id", b.ID.String()).
		Msg("team at concurrency cap, spilled task to backlog")
	return true, nil
}

// releaseTeamSlot frees the concurrency slot task holds for its team, if
// any, matching the worker loop's "in all paths, release the semaphore
// slot" step. Safe to call on tasks that never acquired a slot.
func (w *Worker) releaseTeamSlot(ctx context.Context, task *domain.Task) {
	if w.gate == nil {
		return
	}
	if err := w.gate.ReleaseTeamSlot(ctx, task.TeamID, task.ID); err != nil {
		logging.GetWorkerLogger(w.id.String()).Error().Err(err).Str("task_id", task.ID.String()).Msg("failed to release concurrency slot")
	}
}

func (w *Worker) processScrapeTask(ctx context.Context, task *domain.Task, payload TaskPayload) error {
	if spilled, err := w.admitOrSpillToBacklog(ctx, task); err != nil {
		return err
	} else if spilled {
		return nil
	}
	defer w.releaseTeamSlot(ctx, task)

	if w.gate != nil {
		res, err := w.gate.CheckRateLimit(ctx, task.TeamID.String(), "scrape")
		if err != nil {
			// A transient Redis hiccup shouldn't stall the queue; the
			// caller still attempts the scrape.
			logging.GetWorkerLogger(w.id.String()).Warn().Err(err).Msg("rate limit check failed, proceeding")
		} else if !res.Allowed {
			task.Status = domain.TaskQueued
			nextRetry := time.Now().UTC().Add(time.Duration(res.RetryAfterSecond) * time.Second)
			task.ScheduledAt = &nextRetry
			if err := w.stores.Tasks.Update(ctx, task); err != nil {
				return fmt.Errorf("worker: reschedule rate-limited task: %w", err)
			}
			return nil
		}
	}
	if w.domains != nil {
		if err := w.domains.Wait(ctx, task.URL); err != nil {
			return err
		}
	}

	req := engine.RequestFromTask(task, payload.Headers, 30*time.Second, payload.JSRendering, payload.Screenshot)
	resp, err := w.router.Route(ctx, req)
	if err != nil {
		if w.domains != nil {
			w.domains.RecordResult(task.URL, false, err == domain.ErrRateLimited)
		}
		w.triggerWebhook(ctx, task, payload, domain.EventScrapeFailed, err.Error())
		return w.handleFailure(ctx, task, payload)
	}
	if w.domains != nil {
		w.domains.RecordResult(task.URL, true, false)
	}

	return w.handleScrapeSuccess(ctx, task, payload, resp)
}

func (w *Worker) handleScrapeSuccess(ctx context.Context, task *domain.Task, payload TaskPayload, resp *engine.Response) error {
	var extracted map[string]interface{}
	if w.extractor != nil && len(payload.ExtractionRules) > 0 {
		var err error
		extracted, err = w.extractor.Extract(resp.Content, payload.ExtractionRules)
		if err != nil {
			logging.GetWorkerLogger(w.id.String()).Warn().Err(err).Str("task_id", task.ID.String()).Msg("extraction failed")
		}
	}

	result := domain.NewScrapeResult(task.ID)
	result.StatusCode = resp.StatusCode
	result.Body = resp.Content
	result.ContentType = resp.ContentType
	result.Headers = domain.StringMap(resp.Headers)
	result.ResponseTimeMS = resp.ResponseTimeMS
	if extracted != nil {
		if b, err := json.Marshal(extracted); err == nil {
			meta := make(map[string]string, len(extracted))
			meta["extracted"] = string(b)
			result.Metadata = meta
		}
	}

	if err := w.stores.Results.Create(ctx, result); err != nil {
		return fmt.Errorf("worker: save result: %w", err)
	}
	if err := w.stores.Tasks.MarkCompleted(ctx, task.ID); err != nil {
		return fmt.Errorf("worker: mark completed: %w", err)
	}
	w.bumpCrawlCounters(ctx, task, true)
	w.triggerWebhook(ctx, task, payload, domain.EventScrapeCompleted, "")
	return nil
}

func (w *Worker) processCrawlTask(ctx context.Context, task *domain.Task, payload TaskPayload) error {
	defer w.releaseTeamSlot(ctx, task)
	if w.expander == nil {
		return w.stores.Tasks.MarkFailed(ctx, task.ID)
	}
	if err := w.expander.Expand(ctx, task, payload); err != nil {
		logging.GetWorkerLogger(w.id.String()).Error().Err(err).Str("task_id", task.ID.String()).Msg("crawl expansion failed")
		return w.handleFailure(ctx, task, payload)
	}
	if err := w.stores.Tasks.MarkCompleted(ctx, task.ID); err != nil {
		return fmt.Errorf("worker: mark crawl task completed: %w", err)
	}
	w.bumpCrawlCounters(ctx, task, true)
	return nil
}

func (w *Worker) processExtractTask(ctx context.Context, task *domain.Task, payload TaskPayload) error {
	if spilled, err := w.admitOrSpillToBacklog(ctx, task); err != nil {
		return err
	} else if spilled {
		return nil
	}
	defer w.releaseTeamSlot(ctx, task)

	if w.extractor == nil {
		return w.stores.Tasks.MarkFailed(ctx, task.ID)
	}
	result, err := w.stores.Results.FindLatestByTaskID(ctx, task.ID)
	if err != nil {
		return w.handleFailure(ctx, task, payload)
	}
	extracted, err := w.extractor.Extract(result.Body, payload.ExtractionRules)
	if err != nil {
		w.triggerWebhook(ctx, task, payload, domain.EventExtractFailed, err.Error())
		return w.handleFailure(ctx, task, payload)
	}

	extractResult := domain.NewScrapeResult(task.ID)
	extractResult.StatusCode = result.StatusCode
	extractResult.Body = result.Body
	extractResult.ContentType = result.ContentType
	extractResult.Headers = result.Headers
	extractResult.ResponseTimeMS = result.ResponseTimeMS
	if b, err := json.Marshal(extracted); err == nil {
		extractResult.Metadata = map[string]string{"extracted": string(b)}
	}
	if err := w.stores.Results.Create(ctx, extractResult); err != nil {
		return fmt.Errorf("worker: save extract result: %w", err)
	}

	if err := w.stores.Tasks.MarkCompleted(ctx, task.ID); err != nil {
		return fmt.Errorf("worker: mark extract task completed: %w", err)
	}
	w.triggerWebhook(ctx, task, payload, domain.EventExtractCompleted, "")
	return nil
}

// handleFailure mirrors original_source's handle_failure: bump the
// attempt count, and either reschedule with exponential backoff or mark
// the task permanently failed once max_retries is exhausted.
func (w *Worker) handleFailure(ctx context.Context, task *domain.Task, payload TaskPayload) error {
	log := logging.GetWorkerLogger(w.id.String())
	newAttempt := task.AttemptCount + 1

	if newAttempt >= task.MaxRetries {
		log.Warn().Str("task_id", task.ID.String()).Int("max_retries", task.MaxRetries).Msg("task failed after exhausting retries")
		if err := w.stores.Tasks.MarkFailed(ctx, task.ID); err != nil {
			return fmt.Errorf("worker: mark failed: %w", err)
		}
		w.bumpCrawlCounters(ctx, task, false)
		return nil
	}

	delay := domain.BackoffSchedule(newAttempt, w.cfg.MinBackoff, w.cfg.MaxBackoff, w.cfg.BackoffJitter, w.rand)
	nextRetry := time.Now().UTC().Add(delay)

	task.AttemptCount = newAttempt
	task.ScheduledAt = &nextRetry
	task.Status = domain.TaskQueued

	if err := w.stores.Tasks.Update(ctx, task); err != nil {
		return fmt.Errorf("worker: update for retry: %w", err)
	}
	log.Info().Str("task_id", task.ID.String()).Int("attempt", newAttempt).Dur("delay", delay).Msg("scheduled retry")
	return nil
}

func (w *Worker) bumpCrawlCounters(ctx context.Context, task *domain.Task, success bool) {
	if task.CrawlID == nil {
		return
	}
	completed, failed := 0, 0
	if success {
		completed = 1
	} else {
		failed = 1
	}
	if err := w.stores.Crawls.IncrementCounters(ctx, *task.CrawlID, completed, failed); err != nil {
		logging.GetWorkerLogger(w.id.String()).Error().Err(err).Str("crawl_id", task.CrawlID.String()).Msg("failed to update crawl counters")
	}
}

func (w *Worker) triggerWebhook(ctx context.Context, task *domain.Task, payload TaskPayload, eventType domain.WebhookEventType, errMsg string) {
	if payload.WebhookURL == "" {
		return
	}
	body := map[string]interface{}{
		"task_id":   task.ID,
		"url":       task.URL,
		"status":    string(task.Status),
		"timestamp": time.Now().UTC(),
	}
	if errMsg != "" {
		body["error"] = errMsg
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}

	event := domain.NewWebhookEvent(task.TeamID, uuid.Nil, eventType, payload.WebhookURL, raw)
	if err := w.stores.Webhooks.CreateEvent(ctx, event); err != nil {
		logging.GetWorkerLogger(w.id.String()).Error().Err(err).Msg("failed to create webhook event")
	}
}
