package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRobotsCache_AllowsAndDisallowsPerDirectives(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	}))
	defer srv.Close()

	cache := NewRobotsCache("crawlrs-test")
	assert.True(t, cache.IsAllowed(context.Background(), srv.URL+"/public/page"))
	assert.False(t, cache.IsAllowed(context.Background(), srv.URL+"/private/page"))
}

func TestRobotsCache_CachesAcrossCalls(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("User-agent: *\nDisallow: /blocked\n"))
	}))
	defer srv.Close()

	cache := NewRobotsCache("crawlrs-test")
	for i := 0; i < 5; i++ {
		cache.IsAllowed(context.Background(), srv.URL+"/blocked/x")
	}
	assert.Equal(t, 1, hits, "robots.txt should be fetched once and served from cache thereafter")
}

func TestRobotsCache_NetworkFailureAllowsAll(t *testing.T) {
	cache := NewRobotsCache("crawlrs-test")
	allowed := cache.IsAllowed(context.Background(), "http://127.0.0.1:1/whatever")
	require.True(t, allowed, "an unreachable robots.txt must fail open")
}
