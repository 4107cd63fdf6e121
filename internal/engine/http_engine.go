package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kirky-x/crawlrs/internal/domain"
	"github.com/kirky-x/crawlrs/pkg/logging"
)

const maxBodyBytes = 100 * 1024 * 1024

// HTTPEngine is the default scraping backend: a plain HTTP GET, adapted
// from the teacher's FetchDocumentActivity (same client timeout, same
// io.LimitReader cap, same user-agent-setting style) into the Engine
// interface. It never claims support for JS rendering, screenshots or
// TLS fingerprinting, leaving those to higher-scoring specialized engines
// when present.
type HTTPEngine struct {
	client    *http.Client
	userAgent string
}

// NewHTTPEngine builds the default engine with the given request timeout.
func NewHTTPEngine(timeout time.Duration, userAgent string) *HTTPEngine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if userAgent == "" {
		userAgent = "crawlrs/1.0"
	}
	return &HTTPEngine{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

func (e *HTTPEngine) Name() string { return "http" }

// SupportScore gives every plain-HTML request the top score, but defers
// entirely to specialized engines for anything needing a real browser,
// a screenshot, or TLS fingerprint evasion.
func (e *HTTPEngine) SupportScore(req *Request) uint8 {
	if req.NeedsJS || req.NeedsScreenshot || req.NeedsTLSFingerprint || req.UseFireEngine {
		return 0
	}
	return 100
}

func (e *HTTPEngine) Scrape(ctx context.Context, req *Request) (*Response, error) {
	log := logging.GetEngineLogger(e.Name())
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, domain.NewTerminalEngineError(e.Name(), fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("User-Agent", e.userAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		log.Warn().Err(err).Str("url", req.URL).Msg("fetch failed")
		return nil, domain.NewRetryableEngineError(e.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, domain.NewRetryableEngineError(e.Name(), fmt.Errorf("read body: %w", err))
	}

	elapsed := time.Since(start)

	if resp.StatusCode >= 500 {
		return nil, domain.NewRetryableEngineError(e.Name(),
			fmt.Errorf("server error status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, domain.NewTerminalEngineError(e.Name(),
			fmt.Errorf("client error status %d", resp.StatusCode))
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	log.Debug().Str("url", req.URL).Int("status", resp.StatusCode).Dur("elapsed", elapsed).Msg("fetched")

	return &Response{
		StatusCode:     resp.StatusCode,
		Content:        body,
		ContentType:    resp.Header.Get("Content-Type"),
		Headers:        headers,
		ResponseTimeMS: elapsed.Milliseconds(),
	}, nil
}
