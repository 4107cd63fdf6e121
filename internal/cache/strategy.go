// Package cache implements the search-result cache layer: several
// Strategy backends behind one interface, adapted from
// original_source's CacheStrategy trait and its four implementations
// (memory, Redis, layered, smart). Values are opaque JSON blobs rather
// than a domain-specific result type, since crawlrs carries no search
// engine of its own (see SPEC_FULL.md's /v1/search stub) — the cache
// is still wired for whatever component needs a keyed, TTL'd lookup.
package cache

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Strategy is the common cache backend contract every implementation
// in this package satisfies.
type Strategy interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Stats() Stats
	Preheat(ctx context.Context, entries map[string][]byte, ttl time.Duration) error
}

// Stats mirrors CacheStats: hit/miss/eviction/store counters a caller
// can use to judge a strategy's effectiveness.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Stores      uint64
	PreheatHits uint64
}

// Key derives a cache key the way spec.md's search cache does: query,
// result limit, language, country and engine name joined by ":". Empty
// segments are kept in place (not collapsed) so the key shape stays
// fixed-width regardless of which fields are set.
func Key(query string, limit int, lang, country, engine string) string {
	return strings.Join([]string{
		query,
		strconv.Itoa(limit),
		lang,
		country,
		engine,
	}, ":")
}
