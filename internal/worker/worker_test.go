package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirky-x/crawlrs/internal/domain"
	"github.com/kirky-x/crawlrs/internal/engine"
	"github.com/kirky-x/crawlrs/internal/ratelimit"
	"github.com/kirky-x/crawlrs/internal/store"
)

func newTestGate(t *testing.T, cfg ratelimit.Config) *ratelimit.Gate {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return ratelimit.NewGate(rdb, "crawlrs:test", cfg)
}

type fakeEngine struct {
	name     string
	score    uint8
	scrapeFn func(*engine.Request) (*engine.Response, error)
}

func (f *fakeEngine) Name() string                        { return f.name }
func (f *fakeEngine) SupportScore(_ *engine.Request) uint8 { return f.score }
func (f *fakeEngine) Scrape(_ context.Context, req *engine.Request) (*engine.Response, error) {
	return f.scrapeFn(req)
}

type fakeExpander struct {
	err error
}

func (f *fakeExpander) Expand(_ context.Context, _ *domain.Task, _ TaskPayload) error {
	return f.err
}

type fakeExtractor struct {
	fields map[string]interface{}
	err    error
}

func (f *fakeExtractor) Extract(_ []byte, _ []domain.ExtractionRule) (map[string]interface{}, error) {
	return f.fields, f.err
}

func newTestRouter(t *testing.T, e engine.Engine) *engine.Router {
	t.Helper()
	cb := engine.NewCircuitBreaker(engine.DefaultCircuitConfig(), nil)
	return engine.NewRouter([]engine.Engine{e}, cb)
}

func seedScrapeTask(t *testing.T, mem *store.Memory, payload TaskPayload, maxRetries int) *domain.Task {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	task := domain.NewTask(uuid.New(), domain.TaskScrape, "https://example.com/page", raw)
	task.MaxRetries = maxRetries
	require.NoError(t, mem.Stores().Tasks.Create(context.Background(), task))
	return task
}

func TestWorker_ProcessScrapeTaskSuccessPersistsResultAndWebhook(t *testing.T) {
	mem := store.NewMemory()
	stores := mem.Stores()

	fe := &fakeEngine{name: "http", score: 50, scrapeFn: func(*engine.Request) (*engine.Response, error) {
		return &engine.Response{StatusCode: 200, Content: []byte("hello"), ContentType: "text/plain"}, nil
	}}
	router := newTestRouter(t, fe)

	task := seedScrapeTask(t, mem, TaskPayload{WebhookURL: "https://hooks.example.com/cb"}, 3)
	leased, err := stores.Tasks.LeaseNext(context.Background(), uuid.New())
	require.NoError(t, err)
	require.NotNil(t, leased)

	w := New(stores, router, nil, nil, nil, nil, DefaultConfig())
	require.NoError(t, w.processTask(context.Background(), leased))

	got, err := stores.Tasks.FindByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)

	result, err := stores.Results.FindLatestByTaskID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, []byte("hello"), result.Body)

	events, err := stores.Webhooks.FindPendingEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventScrapeCompleted, events[0].EventType)
}

func TestWorker_ProcessScrapeTaskRetryableFailureReschedulesWithBackoff(t *testing.T) {
	mem := store.NewMemory()
	stores := mem.Stores()

	fe := &fakeEngine{name: "http", score: 50, scrapeFn: func(*engine.Request) (*engine.Response, error) {
		return nil, domain.NewRetryableEngineError("http", errors.New("timeout"))
	}}
	router := newTestRouter(t, fe)

	task := seedScrapeTask(t, mem, TaskPayload{}, 3)
	leased, err := stores.Tasks.LeaseNext(context.Background(), uuid.New())
	require.NoError(t, err)

	w := New(stores, router, nil, nil, nil, nil, DefaultConfig())
	require.NoError(t, w.processTask(context.Background(), leased))

	got, err := stores.Tasks.FindByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskQueued, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	require.NotNil(t, got.ScheduledAt)
	assert.True(t, got.ScheduledAt.After(time.Now().UTC()))
}

func TestWorker_ProcessScrapeTaskExhaustedRetriesMarksFailed(t *testing.T) {
	mem := store.NewMemory()
	stores := mem.Stores()

	fe := &fakeEngine{name: "http", score: 50, scrapeFn: func(*engine.Request) (*engine.Response, error) {
		return nil, domain.NewRetryableEngineError("http", errors.New("timeout"))
	}}
	router := newTestRouter(t, fe)

	task := seedScrapeTask(t, mem, TaskPayload{}, 1)
	leased, err := stores.Tasks.LeaseNext(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Equal(t, 1, leased.AttemptCount)

	w := New(stores, router, nil, nil, nil, nil, DefaultConfig())
	require.NoError(t, w.processTask(context.Background(), leased))

	got, err := stores.Tasks.FindByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
}

func TestWorker_ProcessScrapeTaskAtConcurrencyCapSpillsToBacklog(t *testing.T) {
	mem := store.NewMemory()
	stores := mem.Stores()

	gate := newTestGate(t, ratelimit.Config{
		ConcurrencyEnabled: true,
		MaxConcurrentTeam:  0, // no slots available to anyone
		LockTimeoutSeconds: 300,
	})

	fe := &fakeEngine{name: "http", score: 50, scrapeFn: func(*engine.Request) (*engine.Response, error) {
		return &engine.Response{StatusCode: 200, Content: []byte("hello"), ContentType: "text/plain"}, nil
	}}
	router := newTestRouter(t, fe)

	task := seedScrapeTask(t, mem, TaskPayload{}, 3)
	leased, err := stores.Tasks.LeaseNext(context.Background(), uuid.New())
	require.NoError(t, err)

	w := New(stores, router, gate, nil, nil, nil, DefaultConfig())
	require.NoError(t, w.processTask(context.Background(), leased))

	got, err := stores.Tasks.FindByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskQueued, got.Status, "a concurrency-capped task stays queued, not failed")

	pending, err := stores.Backlog.FindPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, task.ID, pending[0].TaskID)
}

func TestWorker_ProcessScrapeTaskReleasesSlotAfterSuccess(t *testing.T) {
	mem := store.NewMemory()
	stores := mem.Stores()

	gate := newTestGate(t, ratelimit.Config{
		ConcurrencyEnabled: true,
		MaxConcurrentTeam:  1,
		LockTimeoutSeconds: 300,
	})

	fe := &fakeEngine{name: "http", score: 50, scrapeFn: func(*engine.Request) (*engine.Response, error) {
		return &engine.Response{StatusCode: 200, Content: []byte("hello"), ContentType: "text/plain"}, nil
	}}
	router := newTestRouter(t, fe)

	task := seedScrapeTask(t, mem, TaskPayload{}, 3)
	leased, err := stores.Tasks.LeaseNext(context.Background(), uuid.New())
	require.NoError(t, err)

	w := New(stores, router, gate, nil, nil, nil, DefaultConfig())
	require.NoError(t, w.processTask(context.Background(), leased))

	n, err := gate.CurrentConcurrency(context.Background(), task.TeamID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "the slot should be released once the task completes")
}

func TestWorker_ProcessExtractTaskPersistsExtractedFields(t *testing.T) {
	mem := store.NewMemory()
	stores := mem.Stores()

	teamID := uuid.New()
	rules := []domain.ExtractionRule{{Field: "title", Regex: `<title>(.*)</title>`}}
	payload := TaskPayload{ExtractionRules: rules}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	task := domain.NewTask(teamID, domain.TaskExtract, "https://example.com/page", raw)
	task.MaxRetries = 3
	require.NoError(t, stores.Tasks.Create(context.Background(), task))

	prior := domain.NewScrapeResult(task.ID)
	prior.StatusCode = 200
	prior.Body = []byte("<html><title>hello</title></html>")
	prior.ContentType = "text/html"
	require.NoError(t, stores.Results.Create(context.Background(), prior))

	leased, err := stores.Tasks.LeaseNext(context.Background(), uuid.New())
	require.NoError(t, err)
	require.NotNil(t, leased)

	w := New(stores, nil, nil, nil, nil, &fakeExtractor{fields: map[string]interface{}{"title": "hello"}}, DefaultConfig())
	require.NoError(t, w.processTask(context.Background(), leased))

	got, err := stores.Tasks.FindByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)

	result, err := stores.Results.FindLatestByTaskID(context.Background(), task.ID)
	require.NoError(t, err)
	require.Contains(t, result.Metadata, "extracted")

	var extracted map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(result.Metadata["extracted"]), &extracted))
	assert.Equal(t, "hello", extracted["title"])
}

func TestWorker_ProcessCrawlTaskDelegatesToExpander(t *testing.T) {
	mem := store.NewMemory()
	stores := mem.Stores()

	exp := &fakeExpander{}
	fe := &fakeEngine{name: "http", score: 1, scrapeFn: func(*engine.Request) (*engine.Response, error) {
		return nil, errors.New("unused")
	}}
	w := New(stores, newTestRouter(t, fe), nil, nil, exp, nil, DefaultConfig())

	raw, err := json.Marshal(TaskPayload{})
	require.NoError(t, err)
	task := domain.NewTask(uuid.New(), domain.TaskCrawl, "https://example.com", raw)
	task.MaxRetries = 3
	require.NoError(t, stores.Tasks.Create(context.Background(), task))
	leased, err := stores.Tasks.LeaseNext(context.Background(), uuid.New())
	require.NoError(t, err)

	require.NoError(t, w.processTask(context.Background(), leased))

	got, err := stores.Tasks.FindByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
}

func TestWorker_ProcessCrawlTaskFailureReschedules(t *testing.T) {
	mem := store.NewMemory()
	stores := mem.Stores()

	exp := &fakeExpander{err: errors.New("robots disallowed")}
	fe := &fakeEngine{name: "http", score: 1, scrapeFn: func(*engine.Request) (*engine.Response, error) {
		return nil, errors.New("unused")
	}}
	w := New(stores, newTestRouter(t, fe), nil, nil, exp, nil, DefaultConfig())

	raw, err := json.Marshal(TaskPayload{})
	require.NoError(t, err)
	task := domain.NewTask(uuid.New(), domain.TaskCrawl, "https://example.com", raw)
	task.MaxRetries = 3
	require.NoError(t, stores.Tasks.Create(context.Background(), task))
	leased, err := stores.Tasks.LeaseNext(context.Background(), uuid.New())
	require.NoError(t, err)

	require.NoError(t, w.processTask(context.Background(), leased))

	got, err := stores.Tasks.FindByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskQueued, got.Status)
}
