package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

// RobotsCache fetches and memoizes robots.txt per host, adapted from the
// teacher's ComplianceEngine.robotsCache (read-write mutex map keyed by
// base URL, TTL-based invalidation) but delegating the actual directive
// matching to temoto/robotstxt instead of the teacher's hand-rolled
// parser, matching original_source's RobotsChecker which also reaches for
// a real robots.txt crate rather than parsing by hand.
type RobotsCache struct {
	mu        sync.RWMutex
	entries   map[string]*cachedRobots
	client    *http.Client
	ttl       time.Duration
	userAgent string
}

type cachedRobots struct {
	data      *robotstxt.RobotsData
	expiresAt time.Time
}

// NewRobotsCache builds a cache with a 1-hour TTL, matching
// original_source's RobotsChecker cache duration.
func NewRobotsCache(userAgent string) *RobotsCache {
	return &RobotsCache{
		entries:   make(map[string]*cachedRobots),
		client:    &http.Client{Timeout: 5 * time.Second},
		ttl:       1 * time.Hour,
		userAgent: userAgent,
	}
}

// IsAllowed reports whether rawURL may be fetched under the host's
// robots.txt. Network failures and missing robots.txt are treated as
// allow-all, matching original_source's "empty content means allow all".
func (c *RobotsCache) IsAllowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	base := u.Scheme + "://" + u.Host
	data := c.get(ctx, base)
	if data == nil {
		return true
	}
	group := data.FindGroup(c.userAgent)
	return group.Test(u.Path)
}

func (c *RobotsCache) get(ctx context.Context, base string) *robotstxt.RobotsData {
	c.mu.RLock()
	cached, ok := c.entries[base]
	c.mu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.data
	}

	data := c.fetch(ctx, base)
	c.mu.Lock()
	c.entries[base] = &cachedRobots{data: data, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return data
}

func (c *RobotsCache) fetch(ctx context.Context, base string) *robotstxt.RobotsData {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/robots.txt", base), nil)
	if err != nil {
		return allowAllRobots()
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return allowAllRobots()
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return allowAllRobots()
	}
	return data
}

func allowAllRobots() *robotstxt.RobotsData {
	data, _ := robotstxt.FromBytes([]byte{})
	return data
}
