// Package container wires every component into a running process: the
// Postgres-backed store, the Redis-backed rate limit gate, the engine
// router, a pool of workers, the backlog reaper, the webhook
// dispatcher and the maintenance scheduler. It exists so that
// cyclic-looking dependencies (worker needs crawler's Expander, crawler
// needs worker's TaskPayload) only ever meet here, through the small
// interfaces internal/worker declares — the same reason the teacher
// keeps all its wiring inline in cmd/server/main.go rather than having
// packages import each other directly.
package container

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	temporalclient "go.temporal.io/sdk/client"
	temporalworker "go.temporal.io/sdk/worker"

	"github.com/kirky-x/crawlrs/internal/backlog"
	"github.com/kirky-x/crawlrs/internal/cache"
	"github.com/kirky-x/crawlrs/internal/config"
	"github.com/kirky-x/crawlrs/internal/crawler"
	"github.com/kirky-x/crawlrs/internal/domain"
	"github.com/kirky-x/crawlrs/internal/engine"
	"github.com/kirky-x/crawlrs/internal/extract"
	"github.com/kirky-x/crawlrs/internal/maintenance"
	"github.com/kirky-x/crawlrs/internal/ratelimit"
	"github.com/kirky-x/crawlrs/internal/store"
	"github.com/kirky-x/crawlrs/internal/temporal/activities"
	"github.com/kirky-x/crawlrs/internal/temporal/workflows"
	"github.com/kirky-x/crawlrs/internal/webhook"
	"github.com/kirky-x/crawlrs/internal/worker"
	"github.com/kirky-x/crawlrs/pkg/logging"
)

// crawlTaskQueue is the Temporal task queue crawlrs' durable crawl
// expansion workflow and its worker register against.
const crawlTaskQueue = "crawlrs-crawl-expansion"

// Container owns every long-lived dependency the server needs, built
// once at startup from a loaded config.Config.
type Container struct {
	Config *config.Config

	DB  *sqlx.DB
	RDB *redis.Client

	Stores store.Stores
	Gate   *ratelimit.Gate
	Router *engine.Router
	Cache  cache.Strategy

	Workers    []*worker.Worker
	Reaper     *backlog.Reaper
	Dispatcher *webhook.Dispatcher
	Scheduler  *maintenance.Scheduler

	// TemporalClient and TemporalWorker are nil unless
	// Config.TemporalHostPort is set: durable crawl expansion via
	// internal/temporal is an opt-in alternative to the worker pool's
	// own crawl handling (SPEC_FULL.md 5.5), not a hard requirement of
	// the core task lease/backoff model spec.md 4.4/4.5 describe.
	TemporalClient temporalclient.Client
	TemporalWorker temporalworker.Worker
}

// New opens the database and Redis connections named in cfg and wires
// every component together, following the teacher's main.go (open
// storage, build workers, build handlers — all in one place) but
// returning a struct instead of running the wiring inline.
func New(cfg *config.Config) (*Container, error) {
	db, err := store.OpenPostgres(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("container: open postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	stores := store.Stores{
		Tasks:    store.NewTaskStore(db),
		Crawls:   store.NewCrawlStore(db),
		Results:  store.NewResultStore(db),
		Webhooks: store.NewWebhookStore(db),
		Credits:  store.NewCreditsStore(db),
		Backlog:  store.NewBacklogStore(db),
	}

	gate := ratelimit.NewGate(rdb, "crawlrs", ratelimit.Config{
		RateLimitEnabled:   cfg.RateLimit.Enabled,
		RequestsPerSecond:  cfg.RateLimit.RequestsPerSecond,
		RequestsPerMinute:  cfg.RateLimit.RequestsPerMinute,
		RequestsPerHour:    cfg.RateLimit.RequestsPerHour,
		BucketCapacity:     cfg.RateLimit.BucketCapacity,
		ConcurrencyEnabled: cfg.Concurrency.Enabled,
		MaxConcurrentTeam:  cfg.Concurrency.MaxConcurrentTeam,
		LockTimeoutSeconds: cfg.Concurrency.LockTimeoutSeconds,
	})

	breaker := engine.NewCircuitBreaker(engine.CircuitConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout,
		FailureWindow:    cfg.CircuitBreaker.FailureWindow,
	}, prometheus.DefaultRegisterer)

	engines := buildEngines(cfg)
	router := engine.NewRouter(engines, breaker)

	domains := ratelimit.NewDomainLimiter(ratelimit.DefaultAdaptiveConfig())
	robots := crawler.NewRobotsCache("crawlrs-bot/1.0")
	expander := crawler.New(stores, router, robots, domains)
	extractor := extract.New()

	memLRU := cache.NewMemoryLRU(10000, 5*time.Minute)
	kv := cache.NewKVBacked(rdb, time.Hour)
	cacheStrategy := cache.NewTieredCache(memLRU, kv, time.Minute)

	workers := make([]*worker.Worker, 0, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		workers = append(workers, worker.New(stores, router, gate, domains, expander, extractor, worker.DefaultConfig()))
	}

	reaperCfg := backlog.DefaultConfig()
	reaperCfg.ProcessSchedule = fmt.Sprintf("@every %ds", cfg.Backlog.ProcessIntervalSeconds)
	reaperCfg.BatchSize = cfg.Backlog.BatchSize
	reaper := backlog.New(stores, gate, reaperCfg)

	dispatcherCfg := webhook.DefaultConfig()
	dispatcherCfg.MaxConcurrency = cfg.Webhook.Concurrency
	dispatcherCfg.RequestTimeout = time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second
	dispatcher := webhook.New(stores, dispatcherCfg)

	schedulerCfg := maintenance.DefaultConfig()
	schedulerCfg.StaleAfter = time.Duration(cfg.Lease.StuckThresholdMinutes) * time.Minute
	scheduler := maintenance.New(stores.Tasks, schedulerCfg)

	var tClient temporalclient.Client
	var tWorker temporalworker.Worker
	if cfg.TemporalHostPort != "" {
		tClient, err = temporalclient.Dial(temporalclient.Options{HostPort: cfg.TemporalHostPort})
		if err != nil {
			return nil, fmt.Errorf("container: dial temporal: %w", err)
		}

		activities.SetCrawlDeps(stores, router, robots, domains)
		tWorker = temporalworker.New(tClient, crawlTaskQueue, temporalworker.Options{})
		tWorker.RegisterWorkflow(workflows.CrawlWorkflow)
		tWorker.RegisterActivityWithOptions(activities.FetchAndSaveActivity, temporalworker.RegisterActivityOptions{Name: workflows.FetchAndSaveActivityName})
		tWorker.RegisterActivityWithOptions(activities.DiscoverLinksActivity, temporalworker.RegisterActivityOptions{Name: workflows.DiscoverLinksActivityName})
		tWorker.RegisterActivityWithOptions(activities.EnqueueChildActivity, temporalworker.RegisterActivityOptions{Name: workflows.EnqueueChildActivityName})
	}

	return &Container{
		Config:         cfg,
		DB:             db,
		RDB:            rdb,
		Stores:         stores,
		Gate:           gate,
		Router:         router,
		Cache:          cacheStrategy,
		Workers:        workers,
		Reaper:         reaper,
		Dispatcher:     dispatcher,
		Scheduler:      scheduler,
		TemporalClient: tClient,
		TemporalWorker: tWorker,
	}, nil
}

// buildEngines always registers the three engines SPEC_FULL.md's
// routing table assumes: the plain HTTPEngine, plus BrowserEngine and
// TLSFingerprintEngine stubs that only actually reach a backend once
// cfg.Engines names a remote URL for them ("browser" / "tls_fingerprint"
// keys) — otherwise their Scrape terminally fails, but they still
// report real SupportScore so the router can pick them.
func buildEngines(cfg *config.Config) []engine.Engine {
	httpTimeout := 30 * time.Second
	if ec, ok := cfg.Engines["http"]; ok && ec.Timeout > 0 {
		httpTimeout = ec.Timeout
	}

	engines := []engine.Engine{
		engine.NewHTTPEngine(httpTimeout, "crawlrs-bot/1.0"),
		engine.NewBrowserEngine(cfg.Engines["browser"].URL),
		engine.NewTLSFingerprintEngine(cfg.Engines["tls_fingerprint"].URL),
	}
	return engines
}

// Start runs every worker, the reaper, the dispatcher and the
// maintenance scheduler in the background until ctx is cancelled.
func (c *Container) Start(ctx context.Context) error {
	log := logging.GetLogger("container")

	if err := c.Reaper.Start(); err != nil {
		return fmt.Errorf("container: start reaper: %w", err)
	}
	if err := c.Scheduler.Start(); err != nil {
		return fmt.Errorf("container: start scheduler: %w", err)
	}

	for _, w := range c.Workers {
		go w.Run(ctx)
	}
	go c.Dispatcher.Run(ctx)

	if c.TemporalWorker != nil {
		if err := c.TemporalWorker.Start(); err != nil {
			return fmt.Errorf("container: start temporal worker: %w", err)
		}
		log.Info().Str("taskQueue", crawlTaskQueue).Msg("temporal crawl-expansion worker started")
	}

	log.Info().Int("workers", len(c.Workers)).Msg("container started")
	return nil
}

// Stop tears down the cron-driven components and closes the
// connections New opened; worker/dispatcher goroutines exit on their
// own once ctx (passed to Start) is cancelled.
func (c *Container) Stop() {
	c.Reaper.Stop()
	c.Scheduler.Stop()
	if c.TemporalWorker != nil {
		c.TemporalWorker.Stop()
	}
	if c.TemporalClient != nil {
		c.TemporalClient.Close()
	}
	_ = c.DB.Close()
	_ = c.RDB.Close()
}

// StartCrawlWorkflow kicks off durable Temporal-driven expansion for a
// crawl's root task, an alternative to letting the ordinary worker pool
// pick the task up by lease. Returns domain.ErrValidationFailure if no
// TemporalHostPort was configured.
func (c *Container) StartCrawlWorkflow(ctx context.Context, task *domain.Task, maxDepth int) error {
	if c.TemporalClient == nil {
		return fmt.Errorf("container: temporal not configured: %w", domain.ErrValidationFailure)
	}
	crawlID := ""
	if task.CrawlID != nil {
		crawlID = task.CrawlID.String()
	}
	input := workflows.CrawlStepInput{
		TaskID:   task.ID.String(),
		CrawlID:  crawlID,
		TeamID:   task.TeamID.String(),
		URL:      task.URL,
		Depth:    0,
		MaxDepth: maxDepth,
	}
	_, err := c.TemporalClient.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:        "crawl-" + crawlID,
		TaskQueue: crawlTaskQueue,
	}, workflows.CrawlWorkflow, input)
	if err != nil {
		return fmt.Errorf("container: start crawl workflow: %w", err)
	}
	return nil
}
