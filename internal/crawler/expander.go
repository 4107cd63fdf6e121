// Package crawler implements the durable crawl expansion step: fetch the
// current frontier URL, discover and filter outbound links, respect
// robots.txt and per-domain politeness, then enqueue one child crawl
// task per surviving link. Adapted from original_source's
// ScrapeWorker::process_crawl_task/extract_and_queue_links, with link
// discovery and robots handling delegated to goquery and
// temoto/robotstxt instead of the scraper/robotstxt crates.
package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirky-x/crawlrs/internal/domain"
	"github.com/kirky-x/crawlrs/internal/engine"
	"github.com/kirky-x/crawlrs/internal/ratelimit"
	"github.com/kirky-x/crawlrs/internal/store"
	"github.com/kirky-x/crawlrs/internal/worker"
	"github.com/kirky-x/crawlrs/pkg/logging"
)

// Expander implements worker.Expander: one crawl task's work is fetch,
// extract links, and enqueue the next frontier.
type Expander struct {
	stores  store.Stores
	router  *engine.Router
	robots  *RobotsCache
	domains *ratelimit.DomainLimiter
	timeout time.Duration
}

// New builds a crawl Expander. domains may be nil to skip per-domain
// politeness (tests, or when the caller already rate-limits upstream).
func New(stores store.Stores, router *engine.Router, robots *RobotsCache, domains *ratelimit.DomainLimiter) *Expander {
	return &Expander{stores: stores, router: router, robots: robots, domains: domains, timeout: 30 * time.Second}
}

var _ worker.Expander = (*Expander)(nil)

// Expand fetches task.URL, saves the attempt as a ScrapeResult the same
// way a plain scrape task would, and — while depth allows — discovers,
// filters, and enqueues one child crawl task per surviving link.
func (e *Expander) Expand(ctx context.Context, task *domain.Task, payload worker.TaskPayload) error {
	log := logging.GetCrawlLogger(valueOrEmpty(payload.CrawlID))

	if e.domains != nil {
		if err := e.domains.Wait(ctx, task.URL); err != nil {
			return err
		}
	}

	req := engine.RequestFromTask(task, payload.Headers, e.timeout, payload.JSRendering, payload.Screenshot)
	resp, err := e.router.Route(ctx, req)
	if e.domains != nil {
		e.domains.RecordResult(task.URL, err == nil, err == domain.ErrRateLimited)
	}
	if err != nil {
		return fmt.Errorf("crawler: fetch %s: %w", task.URL, err)
	}

	result := domain.NewScrapeResult(task.ID)
	result.StatusCode = resp.StatusCode
	result.Body = resp.Content
	result.ContentType = resp.ContentType
	result.Headers = domain.StringMap(resp.Headers)
	result.ResponseTimeMS = resp.ResponseTimeMS
	if err := e.stores.Results.Create(ctx, result); err != nil {
		return fmt.Errorf("crawler: save result: %w", err)
	}

	if payload.Config == nil || payload.CrawlID == "" {
		return nil
	}
	if payload.Depth >= payload.Config.MaxDepth {
		return nil
	}
	if !strings.Contains(resp.ContentType, "text/html") {
		return nil
	}

	crawlID, err := parseUUID(payload.CrawlID)
	if err != nil {
		return fmt.Errorf("crawler: invalid crawl_id: %w", err)
	}

	links, err := DiscoverLinks(resp.Content, task.URL)
	if err != nil {
		log.Warn().Err(err).Str("url", task.URL).Msg("link discovery failed")
		return nil
	}
	links = FilterLinks(links, payload.Config.IncludePatterns, payload.Config.ExcludePatterns)

	childPayload := payload
	childPayload.Depth = payload.Depth + 1
	created := 0
	for _, link := range links {
		if link == task.URL {
			continue
		}
		if e.robots != nil && !e.robots.IsAllowed(ctx, link) {
			continue
		}
		exists, err := e.stores.Tasks.ExistsByURL(ctx, task.TeamID, link)
		if err != nil {
			return fmt.Errorf("crawler: dedup check: %w", err)
		}
		if exists {
			continue
		}

		priority := task.Priority
		if payload.Config.Strategy == domain.StrategyDFS {
			priority += 10
		}

		raw, err := marshalChildPayload(childPayload)
		if err != nil {
			return fmt.Errorf("crawler: marshal child payload: %w", err)
		}

		child := domain.NewTask(task.TeamID, domain.TaskCrawl, link, raw)
		child.Priority = priority
		child.MaxRetries = task.MaxRetries
		child.CrawlID = &crawlID
		if payload.Config.CrawlDelayMS > 0 {
			scheduled := time.Now().UTC().Add(time.Duration(payload.Config.CrawlDelayMS) * time.Millisecond)
			child.ScheduledAt = &scheduled
		}

		if err := e.stores.Tasks.Create(ctx, child); err != nil {
			return fmt.Errorf("crawler: create child task: %w", err)
		}
		created++
	}

	if created > 0 {
		if err := e.stores.Crawls.IncrementTotalTasks(ctx, crawlID, created); err != nil {
			log.Error().Err(err).Str("crawl_id", crawlID.String()).Msg("failed to bump total tasks")
		}
	}
	log.Info().Str("url", task.URL).Int("links_found", len(links)).Int("children_created", created).Msg("crawl step expanded")
	return nil
}

func valueOrEmpty(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func parseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

func marshalChildPayload(p worker.TaskPayload) (json.RawMessage, error) {
	return json.Marshal(p)
}
