package engine

import (
	"context"
	"fmt"

	"github.com/kirky-x/crawlrs/internal/domain"
)

// TLSFingerprintEngine is a contract-only stand-in for a backend that
// evades TLS fingerprint-based bot detection (JA3/JA4 spoofing), the
// same shape as BrowserEngine: real scoring, but Scrape only succeeds
// once a remote backend is configured.
type TLSFingerprintEngine struct {
	remoteURL string
}

// NewTLSFingerprintEngine builds a TLSFingerprintEngine. remoteURL may
// be empty, in which case Scrape always fails with a terminal error; a
// deployment wires remoteURL to an actual fingerprint-spoofing proxy
// (e.g. utls-based) out of this repo's scope.
func NewTLSFingerprintEngine(remoteURL string) *TLSFingerprintEngine {
	return &TLSFingerprintEngine{remoteURL: remoteURL}
}

func (e *TLSFingerprintEngine) Name() string { return "tls_fingerprint" }

// SupportScore: 100 if the request explicitly asks for fingerprint
// evasion or the "fire engine" path, 80 if it just needs JS (this
// engine can run a JS-capable client but isn't purpose-built for it),
// 0 for a screenshot request it cannot serve, 50 otherwise.
func (e *TLSFingerprintEngine) SupportScore(req *Request) uint8 {
	if req.NeedsTLSFingerprint || req.UseFireEngine {
		return 100
	}
	if req.NeedsScreenshot {
		return 0
	}
	if req.NeedsJS {
		return 80
	}
	return 50
}

func (e *TLSFingerprintEngine) Scrape(ctx context.Context, req *Request) (*Response, error) {
	if e.remoteURL == "" {
		return nil, domain.NewTerminalEngineError(e.Name(), fmt.Errorf("tls fingerprint engine not configured"))
	}
	return scrapeViaRemote(ctx, e.Name(), e.remoteURL, req)
}
