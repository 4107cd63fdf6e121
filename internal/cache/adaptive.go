package cache

import (
	"context"
	"sync"
	"time"
)

// performanceSample is one strategy's observed hit/miss and latency
// for a single call, the Go analogue of original_source's
// CachePerformance.
type performanceSample struct {
	strategyIndex int
	hit           bool
	latency       time.Duration
}

// AdaptiveCache wraps several Strategy backends and routes every call
// to whichever one scored best recently, re-evaluating the choice with
// small probability on every Get. Grounded on original_source's
// SmartCacheStrategy::select_optimal_strategy (70% hit-rate weight,
// 30% inverse-latency weight) and its "retry with ~1% probability"
// re-selection cadence.
type AdaptiveCache struct {
	strategies []Strategy

	mu      sync.Mutex
	current int
	history []performanceSample

	// rand returns a float in [0,1); overridden in tests for
	// determinism instead of rand.Float64.
	rand func() float64
}

const maxHistory = 1000
const historyTrim = 100
const reevaluateProbability = 0.01

// NewAdaptiveCache requires at least one backing strategy; the first
// is used until enough history accumulates to justify a switch.
func NewAdaptiveCache(strategies ...Strategy) *AdaptiveCache {
	return &AdaptiveCache{strategies: strategies, rand: pseudoRandom}
}

var _ Strategy = (*AdaptiveCache)(nil)

func (a *AdaptiveCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	a.mu.Lock()
	idx := a.current
	a.mu.Unlock()

	start := time.Now()
	v, ok, err := a.strategies[idx].Get(ctx, key)
	latency := time.Since(start)
	if err != nil {
		return nil, false, err
	}

	a.recordPerformance(idx, ok, latency)

	if a.rand() < reevaluateProbability {
		a.mu.Lock()
		optimal := a.selectOptimal()
		if optimal != a.current {
			a.current = optimal
		}
		a.mu.Unlock()
	}

	return v, ok, nil
}

func (a *AdaptiveCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	a.mu.Lock()
	idx := a.current
	a.mu.Unlock()
	return a.strategies[idx].Set(ctx, key, value, ttl)
}

func (a *AdaptiveCache) Delete(ctx context.Context, key string) error {
	a.mu.Lock()
	idx := a.current
	a.mu.Unlock()
	return a.strategies[idx].Delete(ctx, key)
}

func (a *AdaptiveCache) Clear(ctx context.Context) error {
	for _, s := range a.strategies {
		if err := s.Clear(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *AdaptiveCache) Stats() Stats {
	a.mu.Lock()
	idx := a.current
	a.mu.Unlock()
	return a.strategies[idx].Stats()
}

func (a *AdaptiveCache) Preheat(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	a.mu.Lock()
	idx := a.current
	a.mu.Unlock()
	return a.strategies[idx].Preheat(ctx, entries, ttl)
}

func (a *AdaptiveCache) recordPerformance(idx int, hit bool, latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, performanceSample{strategyIndex: idx, hit: hit, latency: latency})
	if len(a.history) > maxHistory {
		a.history = a.history[historyTrim:]
	}
}

// selectOptimal must be called with a.mu held. It scores every
// strategy by 70% average hit rate plus 30% inverse average latency,
// matching select_optimal_strategy's weighting, and returns the
// highest-scoring index. A strategy with no history yet scores 0.5,
// the same neutral default the original uses.
func (a *AdaptiveCache) selectOptimal() int {
	if len(a.history) == 0 {
		return a.current
	}

	best, bestScore := a.current, -1.0
	for i := range a.strategies {
		var hits, count int
		var totalLatencyMS float64
		for _, s := range a.history {
			if s.strategyIndex != i {
				continue
			}
			count++
			if s.hit {
				hits++
			}
			totalLatencyMS += float64(s.latency.Microseconds()) / 1000.0
		}

		var score float64
		if count == 0 {
			score = 0.5
		} else {
			hitRate := float64(hits) / float64(count)
			avgLatencyMS := totalLatencyMS / float64(count)
			score = hitRate*0.7 + (1000.0/(avgLatencyMS+1.0))*0.3
		}

		if score > bestScore {
			bestScore = score
			best = i
		}
	}
	return best
}

// pseudoRandom is a simple time-seeded source used only as the default
// re-evaluation trigger; callers needing determinism (tests) replace
// AdaptiveCache.rand directly.
func pseudoRandom() float64 {
	return float64(time.Now().UnixNano()%1000) / 1000.0
}
