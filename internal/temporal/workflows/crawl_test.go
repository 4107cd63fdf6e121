package workflows

import (
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

func TestCrawlWorkflowStopsAtMaxDepth(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	env.OnActivity(FetchAndSaveActivityName, mock.Anything, mock.Anything).Return(
		CrawlStepResult{ShouldExpand: true}, nil)

	input := CrawlStepInput{
		TaskID:   "11111111-1111-1111-1111-111111111111",
		CrawlID:  "22222222-2222-2222-2222-222222222222",
		TeamID:   "33333333-3333-3333-3333-333333333333",
		URL:      "http://example.com/",
		Depth:    1,
		MaxDepth: 1,
	}
	env.ExecuteWorkflow(CrawlWorkflow, input)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	env.AssertNotCalled(t, DiscoverLinksActivityName, mock.Anything, mock.Anything)
}

func TestCrawlWorkflowFansOutToDiscoveredLinks(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	env.OnActivity(FetchAndSaveActivityName, mock.Anything, mock.Anything).Return(
		CrawlStepResult{ShouldExpand: true}, nil)
	env.OnActivity(DiscoverLinksActivityName, mock.Anything, mock.Anything).Return(
		[]string{"http://example.com/a", "http://example.com/b"}, nil)
	env.OnActivity(EnqueueChildActivityName, mock.Anything, EnqueueChildInput{
		ParentTaskID: "11111111-1111-1111-1111-111111111111",
		CrawlID:      "22222222-2222-2222-2222-222222222222",
		TeamID:       "33333333-3333-3333-3333-333333333333",
		URL:          "http://example.com/a",
	}).Return(EnqueueChildResult{Created: true, TaskID: "44444444-4444-4444-4444-444444444444"}, nil)
	env.OnActivity(EnqueueChildActivityName, mock.Anything, EnqueueChildInput{
		ParentTaskID: "11111111-1111-1111-1111-111111111111",
		CrawlID:      "22222222-2222-2222-2222-222222222222",
		TeamID:       "33333333-3333-3333-3333-333333333333",
		URL:          "http://example.com/b",
	}).Return(EnqueueChildResult{Created: false}, nil)

	env.OnWorkflow(CrawlWorkflow, mock.Anything, mock.Anything).Return(nil)

	input := CrawlStepInput{
		TaskID:   "11111111-1111-1111-1111-111111111111",
		CrawlID:  "22222222-2222-2222-2222-222222222222",
		TeamID:   "33333333-3333-3333-3333-333333333333",
		URL:      "http://example.com/",
		Depth:    0,
		MaxDepth: 2,
	}
	env.ExecuteWorkflow(CrawlWorkflow, input)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	childWorkflowCount := 0
	for _, event := range env.GetWorkflowHistory().Events {
		if event.GetEventType().String() == "EVENT_TYPE_START_CHILD_WORKFLOW_EXECUTION_INITIATED" {
			childWorkflowCount++
		}
	}
	require.Equal(t, 1, childWorkflowCount, "only the created child task should start a child workflow")
}
