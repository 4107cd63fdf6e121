// Package workflows holds the Temporal workflow definitions crawlrs
// registers with its worker. CrawlWorkflow durably drives one crawl
// task's expansion (fetch, discover links, enqueue children) as a
// child-workflow fan-out, adapted from BatchIngestionWorkflow's
// concurrency-gated ExecuteChildWorkflow loop in scheduled_ingestion.go.
package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// CrawlStepInput identifies one crawl task to expand. Depth tracks how
// many hops from the crawl root this task is (the same count a crawl
// task's payload carries in its Depth field) so the workflow can stop recursing at
// Config.MaxDepth without a round-trip to the store.
type CrawlStepInput struct {
	TaskID   string
	CrawlID  string
	TeamID   string
	URL      string
	Depth    int
	MaxDepth int
}

// CrawlStepResult reports what FetchAndSaveActivity did so the workflow
// can decide whether expansion continues.
type CrawlStepResult struct {
	ShouldExpand bool
	ContentType  string
}

// CrawlWorkflow fetches input's URL, saves the result, and — while
// Depth allows and the response looks like HTML — discovers links and
// recurses into one child CrawlWorkflow per surviving, not-yet-seen
// link. Each child task is created in the store by EnqueueChildActivity
// before its child workflow starts, so the spec's store-level
// invariants (one row per task, crawl counters bumped)
// hold independent of Temporal's own workflow history.
func CrawlWorkflow(ctx workflow.Context, input CrawlStepInput) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("expanding crawl task", "taskID", input.TaskID, "url", input.URL, "depth", input.Depth)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var step CrawlStepResult
	if err := workflow.ExecuteActivity(ctx, FetchAndSaveActivityName, input).Get(ctx, &step); err != nil {
		return fmt.Errorf("fetch and save task %s: %w", input.TaskID, err)
	}

	if !step.ShouldExpand || input.Depth >= input.MaxDepth {
		return nil
	}

	var links []string
	if err := workflow.ExecuteActivity(ctx, DiscoverLinksActivityName, input).Get(ctx, &links); err != nil {
		logger.Warn("link discovery failed, stopping expansion here", "error", err)
		return nil
	}

	const maxConcurrentChildren = 5
	sem := make(chan struct{}, maxConcurrentChildren)
	var futures []workflow.Future

	for i, link := range links {
		enqueueInput := EnqueueChildInput{ParentTaskID: input.TaskID, CrawlID: input.CrawlID, TeamID: input.TeamID, URL: link}
		var enqueued EnqueueChildResult
		if err := workflow.ExecuteActivity(ctx, EnqueueChildActivityName, enqueueInput).Get(ctx, &enqueued); err != nil {
			logger.Warn("failed to enqueue child task", "url", link, "error", err)
			continue
		}
		if !enqueued.Created {
			continue
		}

		sem <- struct{}{}
		childInput := CrawlStepInput{
			TaskID:   enqueued.TaskID,
			CrawlID:  input.CrawlID,
			TeamID:   input.TeamID,
			URL:      link,
			Depth:    input.Depth + 1,
			MaxDepth: input.MaxDepth,
		}
		childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID: fmt.Sprintf("crawl-%s-%s", input.CrawlID, enqueued.TaskID),
		})
		future := workflow.ExecuteChildWorkflow(childCtx, CrawlWorkflow, childInput)
		futures = append(futures, future)

		workflow.Go(ctx, func(ctx workflow.Context) {
			_ = future.Get(ctx, nil)
			<-sem
		})
	}

	for _, f := range futures {
		if err := f.Get(ctx, nil); err != nil {
			logger.Warn("child crawl workflow failed", "error", err)
		}
	}

	logger.Info("crawl step expanded", "taskID", input.TaskID, "linksFound", len(links), "childrenStarted", len(futures))
	return nil
}

// Activity names, registered by internal/temporal/activities and
// referenced here by string so the workflow package carries no direct
// dependency on the activities package (workflow code must stay
// deterministic; activities do all the real IO).
const (
	FetchAndSaveActivityName  = "FetchAndSaveActivity"
	DiscoverLinksActivityName = "DiscoverLinksActivity"
	EnqueueChildActivityName  = "EnqueueChildActivity"
)

// EnqueueChildInput is the argument to EnqueueChildActivity.
type EnqueueChildInput struct {
	ParentTaskID string
	CrawlID      string
	TeamID       string
	URL          string
}

// EnqueueChildResult reports whether a new task row was created for
// URL (false if it was already seen for this team, per the crawl's
// dedup invariant).
type EnqueueChildResult struct {
	Created bool
	TaskID  string
}
