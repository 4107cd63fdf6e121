package activities

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"

	"github.com/kirky-x/crawlrs/internal/crawler"
	"github.com/kirky-x/crawlrs/internal/domain"
	"github.com/kirky-x/crawlrs/internal/engine"
	"github.com/kirky-x/crawlrs/internal/ratelimit"
	"github.com/kirky-x/crawlrs/internal/store"
	"github.com/kirky-x/crawlrs/internal/temporal/workflows"
)

// Package-level dependency injection, following the teacher's
// SetGlobalStorage pattern in store.go: activities are plain functions
// registered with worker.RegisterActivity, so they reach their
// dependencies through globals set once at startup rather than a
// constructor argument.
var (
	globalStores  store.Stores
	globalRouter  *engine.Router
	globalRobots  *crawler.RobotsCache
	globalDomains *ratelimit.DomainLimiter
)

// SetCrawlDeps wires the store, router, robots cache and domain
// limiter crawl activities need. Called once from container.New when
// Temporal durable expansion is enabled.
func SetCrawlDeps(stores store.Stores, router *engine.Router, robots *crawler.RobotsCache, domains *ratelimit.DomainLimiter) {
	globalStores = stores
	globalRouter = router
	globalRobots = robots
	globalDomains = domains
}

// FetchAndSaveActivity fetches input.URL through the engine router and
// persists the attempt as a ScrapeResult, the same outcome
// internal/crawler.Expander produces for a task run by the ordinary
// worker pool — this activity exists so the same step can instead run
// under Temporal's durable retry policy (SPEC_FULL.md 5.5).
func FetchAndSaveActivity(ctx context.Context, input workflows.CrawlStepInput) (workflows.CrawlStepResult, error) {
	logger := activity.GetLogger(ctx)

	if globalDomains != nil {
		if err := globalDomains.Wait(ctx, input.URL); err != nil {
			return workflows.CrawlStepResult{}, fmt.Errorf("domain wait: %w", err)
		}
	}

	req := &engine.Request{URL: input.URL, Timeout: 30 * time.Second}
	resp, err := globalRouter.Route(ctx, req)
	if globalDomains != nil {
		globalDomains.RecordResult(input.URL, err == nil, err == domain.ErrRateLimited)
	}
	if err != nil {
		return workflows.CrawlStepResult{}, fmt.Errorf("fetch %s: %w", input.URL, err)
	}

	taskID, err := uuid.Parse(input.TaskID)
	if err != nil {
		return workflows.CrawlStepResult{}, fmt.Errorf("invalid task id %q: %w", input.TaskID, err)
	}

	result := domain.NewScrapeResult(taskID)
	result.StatusCode = resp.StatusCode
	result.Body = resp.Content
	result.ContentType = resp.ContentType
	result.Headers = domain.StringMap(resp.Headers)
	result.ResponseTimeMS = resp.ResponseTimeMS
	if err := globalStores.Results.Create(ctx, result); err != nil {
		return workflows.CrawlStepResult{}, fmt.Errorf("save result: %w", err)
	}

	logger.Info("crawl fetch saved", "taskID", input.TaskID, "url", input.URL, "status", resp.StatusCode)
	return workflows.CrawlStepResult{
		ShouldExpand: strings.Contains(resp.ContentType, "text/html"),
		ContentType:  resp.ContentType,
	}, nil
}

// DiscoverLinksActivity re-fetches input.URL's saved result and
// extracts outbound links. It re-reads from the store rather than
// threading the HTML body through workflow history, keeping Temporal's
// event log small the way the teacher's activities pass small
// identifiers (commit hashes, document IDs) between steps rather than
// raw content.
func DiscoverLinksActivity(ctx context.Context, input workflows.CrawlStepInput) ([]string, error) {
	taskID, err := uuid.Parse(input.TaskID)
	if err != nil {
		return nil, fmt.Errorf("invalid task id %q: %w", input.TaskID, err)
	}
	result, err := globalStores.Results.FindLatestByTaskID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load result: %w", err)
	}
	links, err := crawler.DiscoverLinks(result.Body, input.URL)
	if err != nil {
		return nil, fmt.Errorf("discover links: %w", err)
	}
	return links, nil
}

// EnqueueChildActivity creates a task row for link under crawlID/teamID
// if one doesn't already exist, applying the same robots.txt and
// per-team dedup checks internal/crawler.Expander applies inline. It
// reports Created=false for links that are skipped rather than
// enqueued, so CrawlWorkflow knows not to start a child workflow for
// them.
func EnqueueChildActivity(ctx context.Context, input workflows.EnqueueChildInput) (workflows.EnqueueChildResult, error) {
	if globalRobots != nil && !globalRobots.IsAllowed(ctx, input.URL) {
		return workflows.EnqueueChildResult{Created: false}, nil
	}

	teamID, err := uuid.Parse(input.TeamID)
	if err != nil {
		return workflows.EnqueueChildResult{}, fmt.Errorf("invalid team id %q: %w", input.TeamID, err)
	}
	exists, err := globalStores.Tasks.ExistsByURL(ctx, teamID, input.URL)
	if err != nil {
		return workflows.EnqueueChildResult{}, fmt.Errorf("dedup check: %w", err)
	}
	if exists {
		return workflows.EnqueueChildResult{Created: false}, nil
	}

	crawlID, err := uuid.Parse(input.CrawlID)
	if err != nil {
		return workflows.EnqueueChildResult{}, fmt.Errorf("invalid crawl id %q: %w", input.CrawlID, err)
	}

	child := domain.NewTask(teamID, domain.TaskCrawl, input.URL, nil)
	child.CrawlID = &crawlID
	if err := globalStores.Tasks.Create(ctx, child); err != nil {
		return workflows.EnqueueChildResult{}, fmt.Errorf("create child task: %w", err)
	}
	if err := globalStores.Crawls.IncrementTotalTasks(ctx, crawlID, 1); err != nil {
		activity.GetLogger(ctx).Error("failed to bump total tasks", "crawlID", input.CrawlID, "error", err)
	}

	return workflows.EnqueueChildResult{Created: true, TaskID: child.ID.String()}, nil
}
