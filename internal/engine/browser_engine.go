package engine

import (
	"context"
	"fmt"

	"github.com/kirky-x/crawlrs/internal/domain"
)

// BrowserEngine is a contract-only stand-in for a headless-browser
// backend: it implements the Engine interface and the spec's scoring
// table so the router can select it, but only ever reaches out to a
// remote browser-rendering service if one is configured — otherwise
// Scrape returns a terminal "not configured" error, same as the
// teacher's engines never fabricate support for something they can't
// actually do.
type BrowserEngine struct {
	remoteURL string
}

// NewBrowserEngine builds a BrowserEngine. remoteURL may be empty, in
// which case Scrape always fails with a terminal error; a deployment
// wires remoteURL to an actual headless-browser service (e.g.
// chromedp/Playwright behind an HTTP API) out of this repo's scope.
func NewBrowserEngine(remoteURL string) *BrowserEngine {
	return &BrowserEngine{remoteURL: remoteURL}
}

func (e *BrowserEngine) Name() string { return "browser" }

// SupportScore: 100 if the request needs JS rendering or a screenshot,
// 10 otherwise (can technically serve a plain page but at needless cost).
func (e *BrowserEngine) SupportScore(req *Request) uint8 {
	if req.NeedsJS || req.NeedsScreenshot {
		return 100
	}
	return 10
}

func (e *BrowserEngine) Scrape(ctx context.Context, req *Request) (*Response, error) {
	if e.remoteURL == "" {
		return nil, domain.NewTerminalEngineError(e.Name(), fmt.Errorf("browser engine not configured"))
	}
	return scrapeViaRemote(ctx, e.Name(), e.remoteURL, req)
}
