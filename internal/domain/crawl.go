package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CrawlStatus is a Crawl's position in its lifecycle.
type CrawlStatus string

const (
	CrawlQueued     CrawlStatus = "queued"
	CrawlProcessing CrawlStatus = "processing"
	CrawlCompleted  CrawlStatus = "completed"
	CrawlFailed     CrawlStatus = "failed"
	CrawlCancelled  CrawlStatus = "cancelled"
)

// CrawlStrategy governs how child task priority is derived from the
// parent's, per spec.md 4.5.
type CrawlStrategy string

const (
	StrategyBFS CrawlStrategy = "bfs"
	StrategyDFS CrawlStrategy = "dfs"
)

// CrawlConfig is the per-crawl expansion configuration carried in
// Crawl.Config and echoed into every child Task's payload.
type CrawlConfig struct {
	MaxDepth         int               `json:"max_depth"`
	IncludePatterns  []string          `json:"include_patterns,omitempty"`
	ExcludePatterns  []string          `json:"exclude_patterns,omitempty"`
	Strategy         CrawlStrategy     `json:"strategy"`
	CrawlDelayMS     int               `json:"crawl_delay_ms"`
	Headers          map[string]string `json:"headers,omitempty"`
	ExtractionRules  []ExtractionRule  `json:"extraction_rules,omitempty"`
}

// ExtractionRule names a field and the selector/regex used to pull it out
// of a crawled page, consumed by internal/extract.
type ExtractionRule struct {
	Field    string `json:"field"`
	Selector string `json:"selector,omitempty"`
	Regex    string `json:"regex,omitempty"`
}

// Value implements driver.Valuer so sqlx can persist CrawlConfig as a
// jsonb column.
func (c CrawlConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan implements sql.Scanner for the reverse direction.
func (c *CrawlConfig) Scan(src interface{}) error {
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	case nil:
		return nil
	default:
		return fmt.Errorf("domain: cannot scan %T into CrawlConfig", src)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, c)
}

// Crawl is the parent aggregate over a crawl's tasks.
//
// Invariant: CompletedTasks + FailedTasks <= TotalTasks, with equality iff
// Status is terminal (completed/cancelled).
type Crawl struct {
	ID             uuid.UUID   `db:"id" json:"id"`
	TeamID         uuid.UUID   `db:"team_id" json:"team_id"`
	Name           string      `db:"name" json:"name"`
	RootURL        string      `db:"root_url" json:"root_url"`
	Status         CrawlStatus `db:"status" json:"status"`
	Config         CrawlConfig `db:"config" json:"config"`
	TotalTasks     int         `db:"total_tasks" json:"total_tasks"`
	CompletedTasks int         `db:"completed_tasks" json:"completed_tasks"`
	FailedTasks    int         `db:"failed_tasks" json:"failed_tasks"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`
	CompletedAt    *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
}

// NewCrawl builds a queued crawl rooted at url, naming it after the URL
// when name is empty.
func NewCrawl(teamID uuid.UUID, name, rootURL string, cfg CrawlConfig) *Crawl {
	if name == "" {
		name = rootURL
	}
	now := time.Now().UTC()
	return &Crawl{
		ID:        uuid.New(),
		TeamID:    teamID,
		Name:      name,
		RootURL:   rootURL,
		Status:    CrawlQueued,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsDone reports whether the crawl's counters have reached completion,
// per spec.md 4.5's completion-detection rule.
func (c *Crawl) IsDone() bool {
	return c.CompletedTasks+c.FailedTasks >= c.TotalTasks
}
