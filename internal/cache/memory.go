package cache

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryLRU is an in-process Strategy backed by an expirable LRU, the
// Go-idiomatic replacement for original_source's hand-rolled
// DashMap-plus-priority-score MemoryCacheStrategy: the library already
// tracks per-entry recency and expiry, so eviction delegates to it
// instead of reimplementing the Rust age/access-count scoring formula
// by hand.
type MemoryLRU struct {
	cache *lru.LRU[string, []byte]
	ttl   time.Duration

	hits, misses, stores, evictions, preheatHits atomic.Uint64
}

// NewMemoryLRU builds a MemoryLRU capped at maxEntries; every entry
// expires defaultTTL after it is stored, whatever ttl Set is given.
func NewMemoryLRU(maxEntries int, defaultTTL time.Duration) *MemoryLRU {
	m := &MemoryLRU{ttl: defaultTTL}
	m.cache = lru.NewLRU[string, []byte](maxEntries, func(key string, value []byte) {
		m.evictions.Add(1)
	}, defaultTTL)
	return m
}

var _ Strategy = (*MemoryLRU)(nil)

func (m *MemoryLRU) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		m.misses.Add(1)
		return nil, false, nil
	}
	m.hits.Add(1)
	return v, true, nil
}

// Set stores value under key. expirable.LRU applies one TTL to the
// whole cache rather than per-entry, so a ttl argument differing from
// the instance's default is ignored — callers needing a distinct TTL
// should build a separate MemoryLRU.
func (m *MemoryLRU) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.cache.Add(key, value)
	m.stores.Add(1)
	return nil
}

func (m *MemoryLRU) Delete(_ context.Context, key string) error {
	m.cache.Remove(key)
	return nil
}

func (m *MemoryLRU) Clear(_ context.Context) error {
	m.cache.Purge()
	return nil
}

func (m *MemoryLRU) Stats() Stats {
	return Stats{
		Hits:        m.hits.Load(),
		Misses:      m.misses.Load(),
		Stores:      m.stores.Load(),
		Evictions:   m.evictions.Load(),
		PreheatHits: m.preheatHits.Load(),
	}
}

func (m *MemoryLRU) Preheat(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	for k, v := range entries {
		if err := m.Set(ctx, k, v, ttl); err != nil {
			return err
		}
	}
	m.preheatHits.Add(uint64(len(entries)))
	return nil
}
