package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirky-x/crawlrs/internal/domain"
	"github.com/kirky-x/crawlrs/internal/store"
)

func newTestApp(t *testing.T) (*fiberTestApp, store.Stores) {
	t.Helper()
	mem := store.NewMemory()
	stores := mem.Stores()
	app := NewApp(stores)
	return &fiberTestApp{app: app}, stores
}

type fiberTestApp struct {
	app interface {
		Test(req *http.Request, msTimeout ...int) (*http.Response, error)
	}
}

func (f *fiberTestApp) do(t *testing.T, method, path string, body interface{}, teamID uuid.UUID) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if teamID != uuid.Nil {
		req.Header.Set("X-Team-Id", teamID.String())
	}
	resp, err := f.app.Test(req, 5000)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHealth(t *testing.T) {
	app, _ := newTestApp(t)
	resp := app.do(t, http.MethodGet, "/health", nil, uuid.Nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateAndGetScrape(t *testing.T) {
	app, stores := newTestApp(t)
	teamID := uuid.New()

	resp := app.do(t, http.MethodPost, "/v1/scrape", ScrapeRequest{URL: "http://example.com/"}, teamID)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created ScrapeResponse
	decode(t, resp, &created)
	assert.True(t, created.Success)
	assert.Equal(t, "http://example.com/", created.URL)

	task, err := stores.Tasks.FindByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskQueued, task.Status)

	getResp := app.do(t, http.MethodGet, "/v1/scrape/"+created.ID.String(), nil, uuid.Nil)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	var status ScrapeStatusResponse
	decode(t, getResp, &status)
	assert.Equal(t, domain.TaskQueued, status.Status)
	assert.Nil(t, status.Result)
}

func TestCreateScrapeRejectsMissingTeamHeader(t *testing.T) {
	app, _ := newTestApp(t)
	resp := app.do(t, http.MethodPost, "/v1/scrape", ScrapeRequest{URL: "http://example.com/"}, uuid.Nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateScrapeRejectsInvalidURL(t *testing.T) {
	app, _ := newTestApp(t)
	resp := app.do(t, http.MethodPost, "/v1/scrape", ScrapeRequest{URL: "not-a-url"}, uuid.New())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateScrapeRespectsQuota(t *testing.T) {
	app, stores := newTestApp(t)
	teamID := uuid.New()
	require.NoError(t, stores.Credits.Apply(context.Background(), teamID, domain.CreditsCredit, 0, uuid.New()))

	resp := app.do(t, http.MethodPost, "/v1/scrape", ScrapeRequest{URL: "http://example.com/"}, teamID)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestCreateCrawlCreatesRootTaskAndCounters(t *testing.T) {
	app, stores := newTestApp(t)
	teamID := uuid.New()

	resp := app.do(t, http.MethodPost, "/v1/crawl", CrawlRequest{
		URL:    "http://example.com/",
		Config: domain.CrawlConfig{MaxDepth: 1, Strategy: domain.StrategyBFS},
	}, teamID)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created CrawlResponse
	decode(t, resp, &created)

	crawl, err := stores.Crawls.FindByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, crawl.TotalTasks)
	assert.Equal(t, domain.CrawlQueued, crawl.Status)

	tasks, err := stores.Tasks.FindByCrawlID(context.Background(), created.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskCrawl, tasks[0].Kind)
}

func TestCancelCrawlCancelsTasksAndCrawl(t *testing.T) {
	app, stores := newTestApp(t)
	teamID := uuid.New()

	resp := app.do(t, http.MethodPost, "/v1/crawl", CrawlRequest{
		URL:    "http://example.com/",
		Config: domain.CrawlConfig{MaxDepth: 0},
	}, teamID)
	var created CrawlResponse
	decode(t, resp, &created)

	cancelResp := app.do(t, http.MethodDelete, "/v1/crawl/"+created.ID.String(), nil, uuid.Nil)
	assert.Equal(t, http.StatusNoContent, cancelResp.StatusCode)

	crawl, err := stores.Crawls.FindByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CrawlCancelled, crawl.Status)

	tasks, err := stores.Tasks.FindByCrawlID(context.Background(), created.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskCancelled, tasks[0].Status)
}

func TestCreateWebhookReturnsSecretOnce(t *testing.T) {
	app, stores := newTestApp(t)
	teamID := uuid.New()

	resp := app.do(t, http.MethodPost, "/v1/webhooks", WebhookRequest{
		URL:    "https://hooks.example.com/cb",
		TeamID: teamID,
	}, uuid.Nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created WebhookResponse
	decode(t, resp, &created)
	assert.NotEmpty(t, created.Secret)

	hooks, err := stores.Webhooks.FindWebhooksByTeam(context.Background(), teamID)
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, created.Secret, hooks[0].Secret)
}

func TestSearchReturnsNotImplemented(t *testing.T) {
	app, _ := newTestApp(t)
	resp := app.do(t, http.MethodPost, "/v1/search", SearchRequest{Query: "golang"}, uuid.Nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestQueryTasksFiltersByTeamAndStatus(t *testing.T) {
	app, stores := newTestApp(t)
	teamID := uuid.New()

	task := domain.NewTask(teamID, domain.TaskScrape, "http://example.com/a", nil)
	require.NoError(t, stores.Tasks.Create(context.Background(), task))
	other := domain.NewTask(uuid.New(), domain.TaskScrape, "http://example.com/b", nil)
	require.NoError(t, stores.Tasks.Create(context.Background(), other))

	resp := app.do(t, http.MethodPost, "/v2/tasks/query", TaskQueryRequest{
		TeamID: teamID,
		Status: domain.TaskQueued,
	}, uuid.Nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got TaskQueryResponse
	decode(t, resp, &got)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, task.ID, got.Tasks[0].ID)
	assert.Equal(t, "async", got.Status)
}

func TestCancelTasksBatchCancelsQueuedOnly(t *testing.T) {
	app, stores := newTestApp(t)
	teamID := uuid.New()

	queued := domain.NewTask(teamID, domain.TaskScrape, "http://example.com/a", nil)
	require.NoError(t, stores.Tasks.Create(context.Background(), queued))

	resp := app.do(t, http.MethodDelete, "/v2/tasks/cancel", TaskCancelRequest{
		TaskIDs: []uuid.UUID{queued.ID},
		TeamID:  teamID,
	}, uuid.Nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got TaskCancelResponse
	decode(t, resp, &got)
	assert.EqualValues(t, 1, got.TotalCancelled)
	assert.EqualValues(t, 0, got.TotalFailed)

	updated, err := stores.Tasks.FindByID(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, updated.Status)
}
