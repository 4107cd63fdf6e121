package ratelimit

import (
	"context"
	"net/url"
	"sync"
	"time"
)

// AdaptiveConfig tunes per-domain politeness, adapted from the teacher's
// RateLimiterConfig.
type AdaptiveConfig struct {
	DefaultDelay       time.Duration
	BackoffMultiplier  float64
	AdaptiveAdjustment bool
	MinDelay           time.Duration
	MaxDelay           time.Duration
	HistoryWindow      int
}

// DefaultAdaptiveConfig mirrors the teacher's DefaultRateLimiterConfig
// defaults, trimmed to the fields this system uses.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		DefaultDelay:       1 * time.Second,
		BackoffMultiplier:  2.0,
		AdaptiveAdjustment: true,
		MinDelay:           100 * time.Millisecond,
		MaxDelay:           60 * time.Second,
		HistoryWindow:      20,
	}
}

// requestResult is one recorded outcome, mirroring the teacher's
// RequestResult used for adaptive learning.
type requestResult struct {
	success     bool
	rateLimited bool
}

// domainLimiter tracks one host's current delay and rolling history.
type domainLimiter struct {
	mu           sync.Mutex
	currentDelay time.Duration
	lastRequest  time.Time
	history      []requestResult
}

// DomainLimiter is an in-process, per-host politeness delay applied by the
// crawler before fetching the next URL on a domain it has already hit,
// adapted from the teacher's AdaptiveRateLimiter/DomainLimiter pair: a
// single shared crawl process consults it directly rather than a
// distributed semaphore (that's Gate's job).
type DomainLimiter struct {
	mu     sync.Mutex
	cfg    AdaptiveConfig
	byHost map[string]*domainLimiter
}

// NewDomainLimiter builds an empty per-host limiter.
func NewDomainLimiter(cfg AdaptiveConfig) *DomainLimiter {
	return &DomainLimiter{cfg: cfg, byHost: make(map[string]*domainLimiter)}
}

func (d *DomainLimiter) forHost(host string) *domainLimiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	dl, ok := d.byHost[host]
	if !ok {
		dl = &domainLimiter{currentDelay: d.cfg.DefaultDelay}
		d.byHost[host] = dl
	}
	return dl
}

// Wait blocks, respecting ctx, until the configured delay has elapsed
// since the last request to rawURL's host.
func (d *DomainLimiter) Wait(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	dl := d.forHost(u.Hostname())

	dl.mu.Lock()
	delay := dl.currentDelay
	elapsed := time.Since(dl.lastRequest)
	var remaining time.Duration
	if elapsed < delay {
		remaining = delay - elapsed
	}
	dl.lastRequest = time.Now()
	dl.mu.Unlock()

	if remaining <= 0 {
		return nil
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RecordResult feeds one request's outcome back into the domain's rolling
// history and, when adaptive adjustment is enabled, widens or narrows the
// delay the same way the teacher's adjustAdaptiveDelay does: a
// rate-limited response backs off by BackoffMultiplier, a clean run of
// successes relaxes the delay by dividing by it, both clamped to
// [MinDelay, MaxDelay].
func (d *DomainLimiter) RecordResult(rawURL string, success, rateLimited bool) {
	if !d.cfg.AdaptiveAdjustment {
		return
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	dl := d.forHost(u.Hostname())

	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.history = append(dl.history, requestResult{success: success, rateLimited: rateLimited})
	if len(dl.history) > d.cfg.HistoryWindow {
		dl.history = dl.history[len(dl.history)-d.cfg.HistoryWindow:]
	}

	if rateLimited {
		dl.currentDelay = clampDuration(
			time.Duration(float64(dl.currentDelay)*d.cfg.BackoffMultiplier),
			d.cfg.MinDelay, d.cfg.MaxDelay)
		return
	}

	if len(dl.history) < d.cfg.HistoryWindow {
		return
	}
	successRate := ratioOf(dl.history, func(r requestResult) bool { return r.success })
	limitedRate := ratioOf(dl.history, func(r requestResult) bool { return r.rateLimited })
	switch {
	case limitedRate > 0.1:
		dl.currentDelay = clampDuration(
			time.Duration(float64(dl.currentDelay)*d.cfg.BackoffMultiplier),
			d.cfg.MinDelay, d.cfg.MaxDelay)
	case successRate > 0.9:
		dl.currentDelay = clampDuration(
			time.Duration(float64(dl.currentDelay)/d.cfg.BackoffMultiplier),
			d.cfg.MinDelay, d.cfg.MaxDelay)
	}
}

func ratioOf(history []requestResult, pred func(requestResult) bool) float64 {
	if len(history) == 0 {
		return 0
	}
	var n int
	for _, r := range history {
		if pred(r) {
			n++
		}
	}
	return float64(n) / float64(len(history))
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
