package cache

import (
	"context"
	"time"
)

// TieredCache checks an in-process tier before a shared tier, filling
// the fast tier on a slow-tier hit — original_source's
// LayeredCacheStrategy, adapted to Go's two-return-value Get instead
// of tokio::try_join!'ed parallel writes (sequential is fine here:
// both writes are local/network calls well under the cache's own TTL
// granularity).
type TieredCache struct {
	fast    Strategy
	slow    Strategy
	fastTTL time.Duration
}

// NewTieredCache composes fast (typically a MemoryLRU) in front of
// slow (typically a KVBacked). fastTTL governs how long a value
// back-filled from slow into fast stays warm.
func NewTieredCache(fast, slow Strategy, fastTTL time.Duration) *TieredCache {
	return &TieredCache{fast: fast, slow: slow, fastTTL: fastTTL}
}

var _ Strategy = (*TieredCache)(nil)

func (t *TieredCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok, err := t.fast.Get(ctx, key); err != nil {
		return nil, false, err
	} else if ok {
		return v, true, nil
	}

	v, ok, err := t.slow.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	if err := t.fast.Set(ctx, key, v, t.fastTTL); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (t *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := t.fast.Set(ctx, key, value, t.fastTTL); err != nil {
		return err
	}
	return t.slow.Set(ctx, key, value, ttl)
}

func (t *TieredCache) Delete(ctx context.Context, key string) error {
	if err := t.fast.Delete(ctx, key); err != nil {
		return err
	}
	return t.slow.Delete(ctx, key)
}

func (t *TieredCache) Clear(ctx context.Context) error {
	if err := t.fast.Clear(ctx); err != nil {
		return err
	}
	return t.slow.Clear(ctx)
}

func (t *TieredCache) Stats() Stats {
	fs, ss := t.fast.Stats(), t.slow.Stats()
	return Stats{
		Hits:        fs.Hits + ss.Hits,
		Misses:      fs.Misses + ss.Misses,
		Evictions:   fs.Evictions + ss.Evictions,
		Stores:      fs.Stores + ss.Stores,
		PreheatHits: fs.PreheatHits + ss.PreheatHits,
	}
}

func (t *TieredCache) Preheat(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if err := t.fast.Preheat(ctx, entries, t.fastTTL); err != nil {
		return err
	}
	return t.slow.Preheat(ctx, entries, ttl)
}
