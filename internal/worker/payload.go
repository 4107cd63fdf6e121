// Package worker runs the scrape-task execution loop: lease, rate-limit,
// route to an engine, persist the result, enqueue a webhook, and
// reschedule or fail on error. Adapted from original_source's
// ScrapeWorker (process_task/handle_failure/handle_scrape_success), with
// the worker goroutine pool shape following the teacher's
// cmd/server/main.go Temporal worker registration.
package worker

import (
	"encoding/json"

	"github.com/kirky-x/crawlrs/internal/domain"
)

// TaskPayload is the JSON shape carried in domain.Task.Payload, combining
// original_source's ScrapeRequestDto and CrawlConfigDto into the one
// structure this schema's Task.Payload column holds.
type TaskPayload struct {
	WebhookURL      string                  `json:"webhook,omitempty"`
	Headers         map[string]string       `json:"headers,omitempty"`
	ExtractionRules []domain.ExtractionRule `json:"extraction_rules,omitempty"`
	CrawlID         string                  `json:"crawl_id,omitempty"`
	Depth           int                     `json:"depth,omitempty"`
	Config          *domain.CrawlConfig     `json:"config,omitempty"`
	JSRendering     bool                    `json:"js_rendering,omitempty"`
	Screenshot      bool                    `json:"screenshot,omitempty"`
}

func parsePayload(raw json.RawMessage) (TaskPayload, error) {
	var p TaskPayload
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return TaskPayload{}, err
	}
	return p, nil
}
