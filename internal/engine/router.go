package engine

import (
	"context"
	"sort"

	"github.com/kirky-x/crawlrs/internal/domain"
	"github.com/kirky-x/crawlrs/pkg/logging"
)

// Router selects and invokes the best-scoring available engine for a
// request, skipping unsupported or circuit-open engines and falling
// through to the next candidate on a retryable failure, mirroring
// original_source's EngineRouter::route.
type Router struct {
	engines []Engine
	breaker *CircuitBreaker
}

// NewRouter builds a router over engines sharing one circuit breaker.
func NewRouter(engines []Engine, breaker *CircuitBreaker) *Router {
	return &Router{engines: engines, breaker: breaker}
}

type scoredEngine struct {
	engine Engine
	score  uint8
}

// Route tries each engine in descending score order, returning the first
// successful response, the first terminal (non-retryable) error, or
// domain.ErrAllEnginesFailed if every candidate is exhausted.
func (r *Router) Route(ctx context.Context, req *Request) (*Response, error) {
	scored := make([]scoredEngine, 0, len(r.engines))
	for _, e := range r.engines {
		scored = append(scored, scoredEngine{engine: e, score: e.SupportScore(req)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	log := logging.GetLogger("engine-router")

	for _, se := range scored {
		if se.score == 0 {
			continue
		}
		name := se.engine.Name()
		if r.breaker.IsOpen(name) {
			log.Warn().Str("engine", name).Msg("circuit breaker open, skipping engine")
			continue
		}

		resp, err := se.engine.Scrape(ctx, req)
		if err == nil {
			r.breaker.RecordSuccess(name)
			return resp, nil
		}

		if ee, ok := err.(*domain.EngineError); ok {
			if ee.IsRetryable() {
				r.breaker.RecordFailure(name)
				continue
			}
			return nil, err
		}
		// Unclassified error: treat as retryable against this engine, same
		// as the teacher's default-deny posture elsewhere in the retry path.
		r.breaker.RecordFailure(name)
	}

	return nil, domain.ErrAllEnginesFailed
}
