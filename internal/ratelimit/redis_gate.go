// Package ratelimit implements the two admission gates the worker checks
// before leasing or executing a task: a distributed per-key token bucket
// and a per-team concurrency semaphore, both backed by Redis Lua scripts
// for atomicity across workers, translated line-for-line from
// original_source's rate_limiting_service_impl.rs. A per-domain adaptive
// limiter, adapted from the teacher's AdaptiveRateLimiter, layers
// in-process politeness on top once a request is already admitted.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed          bool
	RetryAfterSecond int64
}

// tokenBucketScript mirrors original_source's check_token_bucket_rate_limit
// Lua script: refill proportionally to elapsed time, consume one token if
// available, else report how long to wait.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local tokens_key = key .. ":tokens"
local last_refill_key = key .. ":last_refill"

local tokens = tonumber(redis.call("GET", tokens_key) or capacity)
local last_refill = tonumber(redis.call("GET", last_refill_key) or now)

local time_passed = now - last_refill
local tokens_to_add = time_passed * refill_rate
tokens = math.min(capacity, tokens + tokens_to_add)

if tokens >= 1 then
	tokens = tokens - 1
	redis.call("SET", tokens_key, tokens)
	redis.call("SET", last_refill_key, now)
	redis.call("EXPIRE", tokens_key, window)
	redis.call("EXPIRE", last_refill_key, window)
	return {1, 0}
else
	local wait_time = (1 - tokens) / refill_rate
	return {0, math.ceil(wait_time)}
end
`

// semaphoreAcquireScript mirrors original_source's acquire_semaphore: a
// sorted set scored by acquisition time acts as a self-expiring set of
// concurrent holders.
const semaphoreAcquireScript = `
local key = KEYS[1]
local max_concurrent = tonumber(ARGV[1])
local timeout = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local token = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, 0, now - timeout)
local current = redis.call("ZCARD", key)

if current < max_concurrent then
	redis.call("ZADD", key, now, token)
	redis.call("EXPIRE", key, timeout * 2)
	return 1
else
	return 0
end
`

// semaphoreCountScript mirrors original_source's get_current_concurrency.
const semaphoreCountScript = `
local key = KEYS[1]
local timeout = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

redis.call("ZREMRANGEBYSCORE", key, 0, now - timeout)
return redis.call("ZCARD", key)
`

// Gate checks the distributed rate limit and concurrency admission
// policies against Redis, shared across every worker process.
type Gate struct {
	rdb              *redis.Client
	keyPrefix        string
	tokenBucket      *redis.Script
	semaphoreAcquire *redis.Script
	semaphoreCount   *redis.Script

	rateLimitEnabled   bool
	requestsPerSecond  int
	requestsPerMinute  int
	requestsPerHour    int
	bucketCapacity     int

	concurrencyEnabled bool
	maxConcurrentTeam  int
	lockTimeoutSeconds int64
}

// Config is the subset of internal/config consumed by the gate.
type Config struct {
	RateLimitEnabled  bool
	RequestsPerSecond int
	RequestsPerMinute int
	RequestsPerHour   int
	BucketCapacity    int

	ConcurrencyEnabled bool
	MaxConcurrentTeam  int
	LockTimeoutSeconds int
}

// NewGate builds a Gate over an existing Redis client.
func NewGate(rdb *redis.Client, keyPrefix string, cfg Config) *Gate {
	if keyPrefix == "" {
		keyPrefix = "crawlrs:ratelimit"
	}
	return &Gate{
		rdb:                rdb,
		keyPrefix:          keyPrefix,
		tokenBucket:        redis.NewScript(tokenBucketScript),
		semaphoreAcquire:   redis.NewScript(semaphoreAcquireScript),
		semaphoreCount:     redis.NewScript(semaphoreCountScript),
		rateLimitEnabled:   cfg.RateLimitEnabled,
		requestsPerSecond:  cfg.RequestsPerSecond,
		requestsPerMinute:  cfg.RequestsPerMinute,
		requestsPerHour:    cfg.RequestsPerHour,
		bucketCapacity:     cfg.BucketCapacity,
		concurrencyEnabled: cfg.ConcurrencyEnabled,
		maxConcurrentTeam:  cfg.MaxConcurrentTeam,
		lockTimeoutSeconds: int64(cfg.LockTimeoutSeconds),
	}
}

func (g *Gate) apiKey(teamID, endpoint, window string) string {
	return fmt.Sprintf("%s:api:%s:%s:%s", g.keyPrefix, teamID, endpoint, window)
}

func (g *Gate) teamSemaphoreKey(teamID string) string {
	return fmt.Sprintf("%s:team:%s:semaphore", g.keyPrefix, teamID)
}

// CheckRateLimit runs the per-second, per-minute and per-hour token
// buckets in sequence, short-circuiting at the first one that rejects,
// exactly as original_source's check_rate_limit does.
func (g *Gate) CheckRateLimit(ctx context.Context, teamID, endpoint string) (Result, error) {
	if !g.rateLimitEnabled {
		return Result{Allowed: true}, nil
	}

	capacity := g.bucketCapacity
	if capacity <= 0 {
		capacity = 100
	}

	perSecond, err := g.checkBucket(ctx, g.apiKey(teamID, endpoint, "per_second"),
		capacity, float64(g.requestsPerSecond), 1)
	if err != nil || !perSecond.Allowed {
		return perSecond, err
	}

	perMinute, err := g.checkBucket(ctx, g.apiKey(teamID, endpoint, "per_minute"),
		g.requestsPerMinute, float64(g.requestsPerMinute)/60.0, 60)
	if err != nil || !perMinute.Allowed {
		return perMinute, err
	}

	perHour, err := g.checkBucket(ctx, g.apiKey(teamID, endpoint, "per_hour"),
		g.requestsPerHour, float64(g.requestsPerHour)/3600.0, 3600)
	return perHour, err
}

func (g *Gate) checkBucket(ctx context.Context, key string, capacity int, refillRate float64, windowSeconds int) (Result, error) {
	now := time.Now().Unix()
	res, err := g.tokenBucket.Run(ctx, g.rdb, []string{key}, capacity, refillRate, windowSeconds, now).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: token bucket: %w", err)
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return Result{}, fmt.Errorf("ratelimit: unexpected token bucket reply: %v", res)
	}
	allowed, _ := pair[0].(int64)
	retryAfter, _ := pair[1].(int64)
	return Result{Allowed: allowed == 1, RetryAfterSecond: retryAfter}, nil
}

// slotToken derives the semaphore member for a team/task pair the same
// way original_source's check_team_concurrency does (format!("{}:{}",
// team_id, task_id)): deterministic from the pair, not a fresh UUID, so
// the admission path and the eventual release path never need to thread
// a token through the task's lifetime — each independently recomputes it
// from the team and task IDs they already carry.
func slotToken(teamID, taskID uuid.UUID) string {
	return teamID.String() + ":" + taskID.String()
}

// AcquireTeamSlot tries to reserve one of the team's concurrency slots
// for taskID. ok is false when the team is at its cap; the caller (the
// admission path) should spill the task to the backlog.
func (g *Gate) AcquireTeamSlot(ctx context.Context, teamID, taskID uuid.UUID) (ok bool, err error) {
	if !g.concurrencyEnabled {
		return true, nil
	}
	key := g.teamSemaphoreKey(teamID.String())
	timeout := g.lockTimeoutSeconds
	if timeout <= 0 {
		timeout = 300
	}
	now := time.Now().Unix()

	res, err := g.semaphoreAcquire.Run(ctx, g.rdb, []string{key}, g.maxConcurrentTeam, timeout, now, slotToken(teamID, taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: acquire semaphore: %w", err)
	}
	acquired, _ := res.(int64)
	return acquired == 1, nil
}

// ReleaseTeamSlot frees the concurrency slot taskID holds for teamID, if
// any. Safe to call on tasks that never held a slot (concurrency
// disabled, or the team was never at its cap): ZREM on a missing member
// is a no-op.
func (g *Gate) ReleaseTeamSlot(ctx context.Context, teamID, taskID uuid.UUID) error {
	key := g.teamSemaphoreKey(teamID.String())
	if err := g.rdb.ZRem(ctx, key, slotToken(teamID, taskID)).Err(); err != nil {
		return fmt.Errorf("ratelimit: release semaphore: %w", err)
	}
	return nil
}

// CurrentConcurrency reports how many slots a team currently holds.
func (g *Gate) CurrentConcurrency(ctx context.Context, teamID uuid.UUID) (int64, error) {
	key := g.teamSemaphoreKey(teamID.String())
	timeout := g.lockTimeoutSeconds
	if timeout <= 0 {
		timeout = 300
	}
	now := time.Now().Unix()
	res, err := g.semaphoreCount.Run(ctx, g.rdb, []string{key}, timeout, now).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: current concurrency: %w", err)
	}
	n, _ := res.(int64)
	return n, nil
}
