package crawler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirky-x/crawlrs/internal/domain"
	"github.com/kirky-x/crawlrs/internal/engine"
	"github.com/kirky-x/crawlrs/internal/store"
	"github.com/kirky-x/crawlrs/internal/worker"
)

type fakeEngine struct {
	scrapeFn func(*engine.Request) (*engine.Response, error)
}

func (f *fakeEngine) Name() string                        { return "fake" }
func (f *fakeEngine) SupportScore(_ *engine.Request) uint8 { return 50 }
func (f *fakeEngine) Scrape(_ context.Context, req *engine.Request) (*engine.Response, error) {
	return f.scrapeFn(req)
}

func newRouter(t *testing.T, e engine.Engine) *engine.Router {
	t.Helper()
	cb := engine.NewCircuitBreaker(engine.DefaultCircuitConfig(), nil)
	return engine.NewRouter([]engine.Engine{e}, cb)
}

func htmlResponse(body string) func(*engine.Request) (*engine.Response, error) {
	return func(*engine.Request) (*engine.Response, error) {
		return &engine.Response{StatusCode: 200, Content: []byte(body), ContentType: "text/html; charset=utf-8"}, nil
	}
}

func seedCrawlTask(t *testing.T, stores store.Stores, teamID, crawlID uuid.UUID, url string, depth, priority int32, cfg domain.CrawlConfig) *domain.Task {
	t.Helper()
	payload := worker.TaskPayload{CrawlID: crawlID.String(), Depth: int(depth), Config: &cfg}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	task := domain.NewTask(teamID, domain.TaskCrawl, url, raw)
	task.Priority = priority
	task.CrawlID = &crawlID
	task.MaxRetries = 3
	require.NoError(t, stores.Tasks.Create(context.Background(), task))
	return task
}

func mustParsePayload(t *testing.T, task *domain.Task) worker.TaskPayload {
	t.Helper()
	var p worker.TaskPayload
	require.NoError(t, json.Unmarshal(task.Payload, &p))
	return p
}

func TestExpander_EnqueuesOneChildPerSurvivingLink(t *testing.T) {
	mem := store.NewMemory()
	stores := mem.Stores()
	teamID := uuid.New()
	crawl := domain.NewCrawl(teamID, "", "https://example.com/index", domain.CrawlConfig{MaxDepth: 3, Strategy: domain.StrategyBFS})
	require.NoError(t, stores.Crawls.Create(context.Background(), crawl))

	body := `<html><body><a href="/a">A</a><a href="/b">B</a></body></html>`
	fe := &fakeEngine{scrapeFn: htmlResponse(body)}
	exp := New(stores, newRouter(t, fe), nil, nil)

	task := seedCrawlTask(t, stores, teamID, crawl.ID, "https://example.com/index", 0, 0, crawl.Config)
	payload := mustParsePayload(t, task)

	require.NoError(t, exp.Expand(context.Background(), task, payload))

	children, err := stores.Tasks.FindByCrawlID(context.Background(), crawl.ID)
	require.NoError(t, err)
	// FindByCrawlID also returns the parent task itself.
	var childURLs []string
	for _, c := range children {
		if c.ID != task.ID {
			childURLs = append(childURLs, c.URL)
			assert.Equal(t, domain.TaskCrawl, c.Kind)
		}
	}
	assert.ElementsMatch(t, []string{"https://example.com/a", "https://example.com/b"}, childURLs)

	got, err := stores.Crawls.FindByID(context.Background(), crawl.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalTasks)

	result, err := stores.Results.FindLatestByTaskID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 200, result.StatusCode)
}

func TestExpander_StopsAtMaxDepth(t *testing.T) {
	mem := store.NewMemory()
	stores := mem.Stores()
	teamID := uuid.New()
	cfg := domain.CrawlConfig{MaxDepth: 1, Strategy: domain.StrategyBFS}
	crawl := domain.NewCrawl(teamID, "", "https://example.com/index", cfg)
	require.NoError(t, stores.Crawls.Create(context.Background(), crawl))

	fe := &fakeEngine{scrapeFn: htmlResponse(`<a href="/a">A</a>`)}
	exp := New(stores, newRouter(t, fe), nil, nil)

	task := seedCrawlTask(t, stores, teamID, crawl.ID, "https://example.com/index", 1, 0, cfg)
	payload := mustParsePayload(t, task)

	require.NoError(t, exp.Expand(context.Background(), task, payload))

	children, err := stores.Tasks.FindByCrawlID(context.Background(), crawl.ID)
	require.NoError(t, err)
	assert.Len(t, children, 1, "only the parent task should exist once depth has reached max_depth")
}

func TestExpander_SkipsAlreadySeenURLs(t *testing.T) {
	mem := store.NewMemory()
	stores := mem.Stores()
	teamID := uuid.New()
	cfg := domain.CrawlConfig{MaxDepth: 3, Strategy: domain.StrategyBFS}
	crawl := domain.NewCrawl(teamID, "", "https://example.com/index", cfg)
	require.NoError(t, stores.Crawls.Create(context.Background(), crawl))

	existing := domain.NewTask(teamID, domain.TaskCrawl, "https://example.com/a", nil)
	existing.CrawlID = &crawl.ID
	require.NoError(t, stores.Tasks.Create(context.Background(), existing))

	fe := &fakeEngine{scrapeFn: htmlResponse(`<a href="/a">A</a><a href="/b">B</a>`)}
	exp := New(stores, newRouter(t, fe), nil, nil)

	task := seedCrawlTask(t, stores, teamID, crawl.ID, "https://example.com/index", 0, 0, cfg)
	payload := mustParsePayload(t, task)
	require.NoError(t, exp.Expand(context.Background(), task, payload))

	got, err := stores.Crawls.FindByID(context.Background(), crawl.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalTasks, "the already-existing /a URL must not be re-enqueued")
}

func TestExpander_DFSPriorityIsParentPlusTen(t *testing.T) {
	mem := store.NewMemory()
	stores := mem.Stores()
	teamID := uuid.New()
	cfg := domain.CrawlConfig{MaxDepth: 3, Strategy: domain.StrategyDFS}
	crawl := domain.NewCrawl(teamID, "", "https://example.com/index", cfg)
	require.NoError(t, stores.Crawls.Create(context.Background(), crawl))

	fe := &fakeEngine{scrapeFn: htmlResponse(`<a href="/a">A</a>`)}
	exp := New(stores, newRouter(t, fe), nil, nil)

	task := seedCrawlTask(t, stores, teamID, crawl.ID, "https://example.com/index", 0, 5, cfg)
	payload := mustParsePayload(t, task)
	require.NoError(t, exp.Expand(context.Background(), task, payload))

	children, err := stores.Tasks.FindByCrawlID(context.Background(), crawl.ID)
	require.NoError(t, err)
	for _, c := range children {
		if c.ID == task.ID {
			continue
		}
		assert.EqualValues(t, 15, c.Priority)
	}
}

func TestExpander_RobotsDisallowSkipsLink(t *testing.T) {
	robotsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /a\n"))
	}))
	defer robotsSrv.Close()

	mem := store.NewMemory()
	stores := mem.Stores()
	teamID := uuid.New()
	cfg := domain.CrawlConfig{MaxDepth: 3, Strategy: domain.StrategyBFS}
	rootURL := robotsSrv.URL + "/index"
	crawl := domain.NewCrawl(teamID, "", rootURL, cfg)
	require.NoError(t, stores.Crawls.Create(context.Background(), crawl))

	fe := &fakeEngine{scrapeFn: htmlResponse(`<a href="/a">A</a><a href="/b">B</a>`)}
	robots := NewRobotsCache("crawlrs-test")
	exp := New(stores, newRouter(t, fe), robots, nil)

	task := seedCrawlTask(t, stores, teamID, crawl.ID, rootURL, 0, 0, cfg)
	payload := mustParsePayload(t, task)
	require.NoError(t, exp.Expand(context.Background(), task, payload))

	children, err := stores.Tasks.FindByCrawlID(context.Background(), crawl.ID)
	require.NoError(t, err)
	var urls []string
	for _, c := range children {
		if c.ID != task.ID {
			urls = append(urls, c.URL)
		}
	}
	assert.NotContains(t, urls, robotsSrv.URL+"/a")
	assert.Contains(t, urls, robotsSrv.URL+"/b")
}
