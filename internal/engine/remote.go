package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kirky-x/crawlrs/internal/domain"
)

// remoteScrapeRequest/remoteScrapeResponse are the wire shapes a
// configured browser/TLS-fingerprint backend is expected to speak: POST
// the Request as JSON, get a Response back the same way. Real
// deployments point remoteURL at whatever headless-browser or
// TLS-fingerprint proxy they run; this repo only needs the contract.
type remoteScrapeRequest struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Mobile  bool              `json:"mobile,omitempty"`
	Proxy   string            `json:"proxy,omitempty"`
}

type remoteScrapeResponse struct {
	StatusCode  int               `json:"status_code"`
	Content     []byte            `json:"content"`
	Screenshot  []byte            `json:"screenshot,omitempty"`
	ContentType string            `json:"content_type"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// scrapeViaRemote forwards req to a configured remote engine backend
// and translates its response (or failure) into the same
// retryable/terminal classification HTTPEngine.Scrape uses.
func scrapeViaRemote(ctx context.Context, engineName, remoteURL string, req *Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	body, err := json.Marshal(remoteScrapeRequest{
		URL:     req.URL,
		Headers: req.Headers,
		Mobile:  req.Mobile,
		Proxy:   req.Proxy,
	})
	if err != nil {
		return nil, domain.NewTerminalEngineError(engineName, fmt.Errorf("marshal remote request: %w", err))
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, remoteURL, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewTerminalEngineError(engineName, fmt.Errorf("build remote request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, domain.NewRetryableEngineError(engineName, fmt.Errorf("remote engine call: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, domain.NewRetryableEngineError(engineName, fmt.Errorf("read remote response: %w", err))
	}
	if resp.StatusCode >= 500 {
		return nil, domain.NewRetryableEngineError(engineName, fmt.Errorf("remote engine status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, domain.NewTerminalEngineError(engineName, fmt.Errorf("remote engine status %d", resp.StatusCode))
	}

	var parsed remoteScrapeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, domain.NewTerminalEngineError(engineName, fmt.Errorf("decode remote response: %w", err))
	}

	return &Response{
		StatusCode:     parsed.StatusCode,
		Content:        parsed.Content,
		Screenshot:     parsed.Screenshot,
		ContentType:    parsed.ContentType,
		Headers:        parsed.Headers,
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}, nil
}
