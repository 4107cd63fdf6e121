package engine

import (
	"context"
	"time"

	"github.com/kirky-x/crawlrs/internal/domain"
)

// ScreenshotConfig controls an engine capable of rendering a page.
type ScreenshotConfig struct {
	FullPage bool
	Selector string
	Quality  int
	Format   string
}

// Request is one scrape attempt's parameters, mirroring
// original_source's ScrapeRequest.
type Request struct {
	URL                 string
	Headers             map[string]string
	Timeout             time.Duration
	NeedsJS             bool
	NeedsScreenshot     bool
	ScreenshotConfig    *ScreenshotConfig
	Mobile              bool
	Proxy               string
	SkipTLSVerify       bool
	NeedsTLSFingerprint bool
	UseFireEngine       bool
}

// Response is what an engine returns on success.
type Response struct {
	StatusCode     int
	Content        []byte
	Screenshot     []byte
	ContentType    string
	Headers        map[string]string
	ResponseTimeMS int64
}

// Engine is the pluggable scraping backend contract, mirroring
// original_source's ScraperEngine trait.
type Engine interface {
	Scrape(ctx context.Context, req *Request) (*Response, error)
	// SupportScore rates 0-100 how well this engine can serve req; 0 means
	// unsupported and the router skips it entirely.
	SupportScore(req *Request) uint8
	Name() string
}

// RequestFromTask builds an engine Request from a scrape task's URL and
// any headers carried in its crawl config (set by the crawler expander on
// child tasks, or left zero for a directly-submitted scrape task).
// needsJS/needsScreenshot come from the originating TaskPayload and drive
// SupportScore's engine selection (spec.md 4.3 scenario 2: a JS-rendering
// request scores the plain HTTP engine 0).
func RequestFromTask(t *domain.Task, headers map[string]string, timeout time.Duration, needsJS, needsScreenshot bool) *Request {
	return &Request{
		URL:             t.URL,
		Headers:         headers,
		Timeout:         timeout,
		NeedsJS:         needsJS,
		NeedsScreenshot: needsScreenshot,
	}
}
