package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirky-x/crawlrs/internal/domain"
)

// Memory is an in-process fake implementing every store interface, used by
// package tests that don't need a live Postgres instance, following the
// teacher's preference for testify-driven unit tests over integration-only
// coverage.
type Memory struct {
	mu sync.Mutex

	tasks    map[uuid.UUID]*domain.Task
	crawls   map[uuid.UUID]*domain.Crawl
	results  map[uuid.UUID][]*domain.ScrapeResult
	webhooks map[uuid.UUID]*domain.Webhook
	events   map[uuid.UUID]*domain.WebhookEvent
	credits  map[uuid.UUID]*domain.Credits
	backlog  map[uuid.UUID]*domain.TasksBacklog
}

// NewMemory builds an empty in-memory store bundle.
func NewMemory() *Memory {
	return &Memory{
		tasks:    make(map[uuid.UUID]*domain.Task),
		crawls:   make(map[uuid.UUID]*domain.Crawl),
		results:  make(map[uuid.UUID][]*domain.ScrapeResult),
		webhooks: make(map[uuid.UUID]*domain.Webhook),
		events:   make(map[uuid.UUID]*domain.WebhookEvent),
		credits:  make(map[uuid.UUID]*domain.Credits),
		backlog:  make(map[uuid.UUID]*domain.TasksBacklog),
	}
}

// Stores exposes the memory instance through the Stores bundle so it can
// stand in for a Postgres-backed one in container wiring during tests.
func (m *Memory) Stores() Stores {
	return Stores{
		Tasks:    (*memoryTasks)(m),
		Crawls:   (*memoryCrawls)(m),
		Results:  (*memoryResults)(m),
		Webhooks: (*memoryWebhooks)(m),
		Credits:  (*memoryCredits)(m),
		Backlog:  (*memoryBacklog)(m),
	}
}

type memoryTasks Memory

func (m *memoryTasks) lock() *Memory   { return (*Memory)(m) }

func (m *memoryTasks) Create(_ context.Context, t *domain.Task) error {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	cp := *t
	mm.tasks[t.ID] = &cp
	return nil
}

func (m *memoryTasks) FindByID(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	t, ok := mm.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memoryTasks) Update(_ context.Context, t *domain.Task) error {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.tasks[t.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *t
	mm.tasks[t.ID] = &cp
	return nil
}

func (m *memoryTasks) ExistsByURL(_ context.Context, teamID uuid.UUID, url string) (bool, error) {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for _, t := range mm.tasks {
		if t.TeamID == teamID && t.URL == url {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryTasks) LeaseNext(_ context.Context, workerID uuid.UUID) (*domain.Task, error) {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()

	now := time.Now().UTC()
	var candidates []*domain.Task
	for _, t := range mm.tasks {
		if t.Status != domain.TaskQueued {
			continue
		}
		if t.ScheduledAt != nil && t.ScheduledAt.After(now) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	t := candidates[0]
	leaseExpiry := now.Add(5 * time.Minute)
	t.Status = domain.TaskActive
	t.LockToken = &workerID
	t.LockExpiresAt = &leaseExpiry
	t.StartedAt = &now
	t.AttemptCount++

	cp := *t
	return &cp, nil
}

func (m *memoryTasks) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return m.markTerminal(id, domain.TaskCompleted)
}

func (m *memoryTasks) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return m.markTerminal(id, domain.TaskFailed)
}

func (m *memoryTasks) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	return m.markTerminal(id, domain.TaskCancelled)
}

func (m *memoryTasks) markTerminal(id uuid.UUID, status domain.TaskStatus) error {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	t, ok := mm.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	t.Status = status
	t.CompletedAt = &now
	return nil
}

func (m *memoryTasks) ResetStuckTasks(_ context.Context, staleAfter time.Duration) (int64, error) {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	now := time.Now().UTC()
	threshold := now.Add(-staleAfter)
	var n int64
	for _, t := range mm.tasks {
		if t.Status != domain.TaskActive {
			continue
		}
		expired := t.LockExpiresAt != nil && !t.LockExpiresAt.After(now)
		staleNoLease := t.LockExpiresAt == nil && t.StartedAt != nil && !t.StartedAt.After(threshold)
		if expired || staleNoLease {
			t.Status = domain.TaskQueued
			t.LockToken = nil
			t.LockExpiresAt = nil
			t.StartedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *memoryTasks) CancelTasksByCrawlID(_ context.Context, crawlID uuid.UUID) (int64, error) {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for _, t := range mm.tasks {
		if t.CrawlID == nil || *t.CrawlID != crawlID {
			continue
		}
		if t.Status == domain.TaskQueued || t.Status == domain.TaskActive {
			t.Status = domain.TaskCancelled
			t.CompletedAt = &now
			n++
		}
	}
	return n, nil
}

func (m *memoryTasks) ExpireTasks(_ context.Context) (int64, error) {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for _, t := range mm.tasks {
		if t.Status == domain.TaskQueued && t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
			t.Status = domain.TaskFailed
			t.CompletedAt = &now
			n++
		}
	}
	return n, nil
}

func (m *memoryTasks) FindByCrawlID(_ context.Context, crawlID uuid.UUID) ([]*domain.Task, error) {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var out []*domain.Task
	for _, t := range mm.tasks {
		if t.CrawlID != nil && *t.CrawlID == crawlID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryTasks) Query(_ context.Context, params domain.TaskQueryParams) ([]*domain.Task, error) {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var out []*domain.Task
	for _, t := range mm.tasks {
		if t.TeamID != params.TeamID {
			continue
		}
		if params.Status != "" && t.Status != params.Status {
			continue
		}
		if params.Kind != "" && t.Kind != params.Kind {
			continue
		}
		if params.CrawlID != nil && (t.CrawlID == nil || *t.CrawlID != *params.CrawlID) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	offset := params.Offset
	if offset >= len(out) {
		return nil, nil
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

func (m *memoryTasks) BatchCancel(_ context.Context, ids []uuid.UUID, teamID uuid.UUID, force bool) (int64, error) {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for _, id := range ids {
		t, ok := mm.tasks[id]
		if !ok || t.TeamID != teamID {
			continue
		}
		cancellable := t.Status == domain.TaskQueued || (force && t.Status == domain.TaskActive)
		if !cancellable {
			continue
		}
		t.Status = domain.TaskCancelled
		t.CompletedAt = &now
		n++
	}
	return n, nil
}

type memoryCrawls Memory

func (m *memoryCrawls) lock() *Memory { return (*Memory)(m) }

func (m *memoryCrawls) Create(_ context.Context, c *domain.Crawl) error {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	cp := *c
	mm.crawls[c.ID] = &cp
	return nil
}

func (m *memoryCrawls) FindByID(_ context.Context, id uuid.UUID) (*domain.Crawl, error) {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	c, ok := mm.crawls[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memoryCrawls) Update(_ context.Context, c *domain.Crawl) error {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.crawls[c.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *c
	mm.crawls[c.ID] = &cp
	return nil
}

func (m *memoryCrawls) IncrementCounters(_ context.Context, id uuid.UUID, completedDelta, failedDelta int) error {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	c, ok := mm.crawls[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.CompletedTasks += completedDelta
	c.FailedTasks += failedDelta
	c.UpdatedAt = time.Now().UTC()
	if c.Status != domain.CrawlCancelled && c.IsDone() {
		c.Status = domain.CrawlCompleted
		now := time.Now().UTC()
		c.CompletedAt = &now
	}
	return nil
}

func (m *memoryCrawls) IncrementTotalTasks(_ context.Context, id uuid.UUID, delta int) error {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	c, ok := mm.crawls[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.TotalTasks += delta
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memoryCrawls) ListByTeam(_ context.Context, teamID uuid.UUID, limit, offset int) ([]*domain.Crawl, error) {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var all []*domain.Crawl
	for _, c := range mm.crawls {
		if c.TeamID == teamID {
			cp := *c
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) || limit <= 0 {
		end = len(all)
	}
	return all[offset:end], nil
}

type memoryResults Memory

func (m *memoryResults) lock() *Memory { return (*Memory)(m) }

func (m *memoryResults) Create(_ context.Context, r *domain.ScrapeResult) error {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	cp := *r
	mm.results[r.TaskID] = append(mm.results[r.TaskID], &cp)
	return nil
}

func (m *memoryResults) FindLatestByTaskID(_ context.Context, taskID uuid.UUID) (*domain.ScrapeResult, error) {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	rs := mm.results[taskID]
	if len(rs) == 0 {
		return nil, domain.ErrNotFound
	}
	latest := rs[0]
	for _, r := range rs[1:] {
		if r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	cp := *latest
	return &cp, nil
}

type memoryWebhooks Memory

func (m *memoryWebhooks) lock() *Memory { return (*Memory)(m) }

func (m *memoryWebhooks) CreateWebhook(_ context.Context, w *domain.Webhook) error {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	cp := *w
	mm.webhooks[w.ID] = &cp
	return nil
}

func (m *memoryWebhooks) FindWebhooksByTeam(_ context.Context, teamID uuid.UUID) ([]*domain.Webhook, error) {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var out []*domain.Webhook
	for _, w := range mm.webhooks {
		if w.TeamID == teamID {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memoryWebhooks) CreateEvent(_ context.Context, e *domain.WebhookEvent) error {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	cp := *e
	mm.events[e.ID] = &cp
	return nil
}

func (m *memoryWebhooks) FindPendingEvents(_ context.Context, limit int) ([]*domain.WebhookEvent, error) {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	now := time.Now().UTC()
	var out []*domain.WebhookEvent
	for _, e := range mm.events {
		if e.IsPendingDelivery(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryWebhooks) UpdateEvent(_ context.Context, e *domain.WebhookEvent) error {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.events[e.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *e
	mm.events[e.ID] = &cp
	return nil
}

type memoryCredits Memory

func (m *memoryCredits) lock() *Memory { return (*Memory)(m) }

func (m *memoryCredits) GetBalance(_ context.Context, teamID uuid.UUID) (*domain.Credits, error) {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	c, ok := mm.credits[teamID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memoryCredits) Apply(_ context.Context, teamID uuid.UUID, _ domain.CreditsTransactionType, amount int64, _ uuid.UUID) error {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	c, ok := mm.credits[teamID]
	if !ok {
		c = &domain.Credits{TeamID: teamID}
		mm.credits[teamID] = c
	}
	c.Balance += amount
	c.UpdatedAt = time.Now().UTC()
	return nil
}

type memoryBacklog Memory

func (m *memoryBacklog) lock() *Memory { return (*Memory)(m) }

func (m *memoryBacklog) Create(_ context.Context, b *domain.TasksBacklog) error {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	cp := *b
	mm.backlog[b.ID] = &cp
	return nil
}

func (m *memoryBacklog) FindPending(_ context.Context, limit int) ([]*domain.TasksBacklog, error) {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var out []*domain.TasksBacklog
	for _, b := range mm.backlog {
		if b.Status == domain.BacklogPending {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryBacklog) Update(_ context.Context, b *domain.TasksBacklog) error {
	mm := m.lock()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.backlog[b.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *b
	mm.backlog[b.ID] = &cp
	return nil
}
