package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomflow/loomflow/common/cache"
	"github.com/loomflow/loomflow/common/config"
	"github.com/loomflow/loomflow/common/logger"
	"github.com/loomflow/loomflow/common/models"
)

type fakeStarter struct {
	mu        sync.Mutex
	started   []string
	cancelled []string
	failStart bool
	hooks     []func(string, models.ExecutionStatus)
}

func (f *fakeStarter) StartWorkflow(ctx context.Context, workflow *models.Workflow, triggerData map[string]interface{}, executionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return "", errors.New("queue unavailable")
	}
	f.started = append(f.started, executionID)
	return executionID, nil
}

func (f *fakeStarter) CancelExecution(ctx context.Context, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, executionID)
	return nil
}

func (f *fakeStarter) OnExecutionFinished(fn func(string, models.ExecutionStatus)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, fn)
}

func (f *fakeStarter) finish(executionID string, status models.ExecutionStatus) {
	f.mu.Lock()
	hooks := make([]func(string, models.ExecutionStatus), len(f.hooks))
	copy(hooks, f.hooks)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn(executionID, status)
	}
}

func (f *fakeStarter) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func testTriggerConfig() config.TriggerConfig {
	return config.TriggerConfig{
		MaxConcurrentTriggers:    10,
		MaxConcurrentPerWorkflow: 5,
		MaxConcurrentPerUser:     10,
		ConflictStrategy:         "queue",
		MaxQueueSize:             5,
		QueueTimeout:             time.Minute,
		CompletedMaxAge:          time.Hour,
		CleanupInterval:          time.Minute,
		SyncWaitTimeout:          time.Second,
	}
}

func newTestManager(t *testing.T, starter *fakeStarter, cfg config.TriggerConfig) (*Manager, cache.ResultCache) {
	t.Helper()
	log := logger.New("error", "json")
	resultCache := cache.NewMemoryResultCache(log)
	return NewManager(starter, resultCache, cfg, log), resultCache
}

// forkWorkflow has two independent trigger roots feeding disjoint nodes.
func forkWorkflow() *models.Workflow {
	return &models.Workflow{
		ID:     "wf-fork",
		UserID: "user-1",
		Nodes: []models.Node{
			{ID: "t1", Type: "webhook", Name: "t1"},
			{ID: "a", Type: "noop", Name: "a"},
			{ID: "t2", Type: "webhook", Name: "t2"},
			{ID: "b", Type: "noop", Name: "b"},
		},
		Connections: []models.Connection{
			{ID: "t1->a", SourceNodeID: "t1", SourceOutput: models.PortMain, TargetNodeID: "a", TargetInput: models.PortMain},
			{ID: "t2->b", SourceNodeID: "t2", SourceOutput: models.PortMain, TargetNodeID: "b", TargetInput: models.PortMain},
		},
	}
}

func request(triggerNode string) *models.TriggerRequest {
	return &models.TriggerRequest{
		TriggerID:     "trig-" + triggerNode,
		TriggerType:   models.TriggerTypeWebhook,
		WorkflowID:    "wf-fork",
		UserID:        "user-1",
		TriggerNodeID: triggerNode,
	}
}

func TestAffectedNodes(t *testing.T) {
	wf := forkWorkflow()

	nodes := AffectedNodes(wf, "t1", false)
	assert.Len(t, nodes, 2)
	assert.Contains(t, nodes, "t1")
	assert.Contains(t, nodes, "a")

	// Isolated execution claims everything
	all := AffectedNodes(wf, "t1", true)
	assert.Len(t, all, 4)

	// Unknown trigger node claims everything
	all = AffectedNodes(wf, "", false)
	assert.Len(t, all, 4)
}

func TestResourceManager(t *testing.T) {
	rm := NewResourceManager()

	set1 := map[string]struct{}{"a": {}, "b": {}}
	set2 := map[string]struct{}{"c": {}}
	overlap := map[string]struct{}{"b": {}, "c": {}}

	rm.Acquire("wf", "exec-1", set1)
	rm.Acquire("wf", "exec-2", set2)
	assert.True(t, rm.Conflicts("wf", overlap))

	// Other workflows are unaffected
	assert.False(t, rm.Conflicts("other", overlap))

	rm.Release("wf", "exec-1")
	rm.Release("wf", "exec-2")
	assert.False(t, rm.Conflicts("wf", overlap))
}

func TestTriggerQueueOrdering(t *testing.T) {
	q := newTriggerQueue()

	push := func(id string, priority int) {
		q.push(&queuedTrigger{context: &models.TriggerContext{ExecutionID: id, Priority: priority}})
	}

	push("low-1", 10)
	push("high", 1)
	push("low-2", 10)
	push("mid", 5)

	// Lower value first; equal priorities keep arrival order
	assert.Equal(t, "high", q.pop().context.ExecutionID)
	assert.Equal(t, "mid", q.pop().context.ExecutionID)
	assert.Equal(t, "low-1", q.pop().context.ExecutionID)
	assert.Equal(t, "low-2", q.pop().context.ExecutionID)
	assert.Nil(t, q.pop())
}

func TestHandleTriggerStartsWhenUncontended(t *testing.T) {
	starter := &fakeStarter{}
	m, _ := newTestManager(t, starter, testTriggerConfig())

	resp := m.HandleTrigger(context.Background(), forkWorkflow(), request("t1"))
	require.True(t, resp.Success)
	assert.Equal(t, models.TriggerStatusStarted, resp.Status)
	assert.NotEmpty(t, resp.ExecutionID)
	assert.Equal(t, 1, starter.startedCount())

	stats := m.Stats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.ActivePerWorkflow["wf-fork"])
}

func TestDisjointTriggersRunConcurrently(t *testing.T) {
	starter := &fakeStarter{}
	m, _ := newTestManager(t, starter, testTriggerConfig())

	wf := forkWorkflow()
	resp1 := m.HandleTrigger(context.Background(), wf, request("t1"))
	resp2 := m.HandleTrigger(context.Background(), wf, request("t2"))

	assert.Equal(t, models.TriggerStatusStarted, resp1.Status)
	assert.Equal(t, models.TriggerStatusStarted, resp2.Status)
	assert.Equal(t, 2, starter.startedCount())
}

func TestNonIsolatedOverlapRunsConcurrently(t *testing.T) {
	starter := &fakeStarter{}
	m, _ := newTestManager(t, starter, testTriggerConfig())

	// Same subgraph, neither isolated: both start within the limits
	wf := forkWorkflow()
	resp1 := m.HandleTrigger(context.Background(), wf, request("t1"))
	resp2 := m.HandleTrigger(context.Background(), wf, request("t1"))

	assert.Equal(t, models.TriggerStatusStarted, resp1.Status)
	assert.Equal(t, models.TriggerStatusStarted, resp2.Status)
	assert.Equal(t, 2, starter.startedCount())
}

func TestIsolatedTriggerIsQueuedThenPromoted(t *testing.T) {
	starter := &fakeStarter{}
	m, _ := newTestManager(t, starter, testTriggerConfig())

	wf := forkWorkflow()
	resp1 := m.HandleTrigger(context.Background(), wf, request("t1"))
	require.Equal(t, models.TriggerStatusStarted, resp1.Status)

	// An isolated trigger claims every node and waits out the overlap
	isolated := request("t2")
	isolated.Options = &models.TriggerOptions{IsolatedExecution: true}
	resp2 := m.HandleTrigger(context.Background(), wf, isolated)
	require.Equal(t, models.TriggerStatusQueued, resp2.Status)
	assert.True(t, resp2.Success)
	assert.Equal(t, 1, m.Stats().Queued)

	// Finishing the first admits the queued one
	starter.finish(resp1.ExecutionID, models.ExecutionStatusSuccess)
	assert.Equal(t, 2, starter.startedCount())
	assert.Equal(t, 0, m.Stats().Queued)
	assert.Equal(t, 1, m.Stats().Active)
}

func TestWorkflowConcurrencyLimit(t *testing.T) {
	cfg := testTriggerConfig()
	cfg.MaxConcurrentPerWorkflow = 1

	starter := &fakeStarter{}
	m, _ := newTestManager(t, starter, cfg)

	wf := forkWorkflow()
	resp1 := m.HandleTrigger(context.Background(), wf, request("t1"))
	require.Equal(t, models.TriggerStatusStarted, resp1.Status)

	// Disjoint nodes, but the per-workflow cap fires first
	resp2 := m.HandleTrigger(context.Background(), wf, request("t2"))
	assert.Equal(t, models.TriggerStatusQueued, resp2.Status)
	assert.Contains(t, resp2.Reason, "workflow concurrency")
}

func TestRejectStrategy(t *testing.T) {
	cfg := testTriggerConfig()
	cfg.ConflictStrategy = "reject"
	cfg.MaxConcurrentPerWorkflow = 1

	starter := &fakeStarter{}
	m, _ := newTestManager(t, starter, cfg)

	wf := forkWorkflow()
	m.HandleTrigger(context.Background(), wf, request("t1"))
	resp := m.HandleTrigger(context.Background(), wf, request("t2"))

	assert.False(t, resp.Success)
	assert.Equal(t, models.TriggerStatusRejected, resp.Status)
	assert.Equal(t, int64(1), m.Stats().Rejected)
}

func TestQueueFullRejects(t *testing.T) {
	cfg := testTriggerConfig()
	cfg.MaxConcurrentPerWorkflow = 1
	cfg.MaxQueueSize = 1

	starter := &fakeStarter{}
	m, _ := newTestManager(t, starter, cfg)

	wf := forkWorkflow()
	m.HandleTrigger(context.Background(), wf, request("t1"))
	resp2 := m.HandleTrigger(context.Background(), wf, request("t2"))
	require.Equal(t, models.TriggerStatusQueued, resp2.Status)

	resp3 := m.HandleTrigger(context.Background(), wf, request("t2"))
	assert.Equal(t, models.TriggerStatusRejected, resp3.Status)
	assert.Equal(t, "queue full", resp3.Reason)
}

func TestPriorityStrategyEvictsLowerPriority(t *testing.T) {
	cfg := testTriggerConfig()
	cfg.ConflictStrategy = "priority"
	cfg.MaxConcurrentPerWorkflow = 1
	cfg.MaxQueueSize = 1

	starter := &fakeStarter{}
	m, _ := newTestManager(t, starter, cfg)

	wf := forkWorkflow()
	m.HandleTrigger(context.Background(), wf, request("t1"))

	low := request("t2")
	low.Options = &models.TriggerOptions{Priority: 10}
	respLow := m.HandleTrigger(context.Background(), wf, low)
	require.Equal(t, models.TriggerStatusQueued, respLow.Status)

	high := request("t2")
	high.Options = &models.TriggerOptions{Priority: 1}
	respHigh := m.HandleTrigger(context.Background(), wf, high)
	assert.Equal(t, models.TriggerStatusQueued, respHigh.Status)

	// The low-priority entry was evicted to make room
	assert.Equal(t, 1, m.Stats().Queued)

	lower := request("t2")
	lower.Options = &models.TriggerOptions{Priority: 20}
	respLower := m.HandleTrigger(context.Background(), wf, lower)
	assert.Equal(t, models.TriggerStatusRejected, respLower.Status)
}

func TestStartFailureRollsBackAdmission(t *testing.T) {
	starter := &fakeStarter{failStart: true}
	m, _ := newTestManager(t, starter, testTriggerConfig())

	resp := m.HandleTrigger(context.Background(), forkWorkflow(), request("t1"))
	assert.False(t, resp.Success)
	assert.Equal(t, models.TriggerStatusRejected, resp.Status)
	assert.Equal(t, 0, m.Stats().Active)
}

func TestCancelQueuedTrigger(t *testing.T) {
	cfg := testTriggerConfig()
	cfg.MaxConcurrentPerWorkflow = 1

	starter := &fakeStarter{}
	m, _ := newTestManager(t, starter, cfg)

	wf := forkWorkflow()
	m.HandleTrigger(context.Background(), wf, request("t1"))
	queued := m.HandleTrigger(context.Background(), wf, request("t2"))
	require.Equal(t, models.TriggerStatusQueued, queued.Status)

	require.NoError(t, m.Cancel(context.Background(), queued.ExecutionID))
	assert.Equal(t, 0, m.Stats().Queued)
	assert.Empty(t, starter.cancelled)
}

func TestCancelActiveTriggerDelegatesToEngine(t *testing.T) {
	starter := &fakeStarter{}
	m, _ := newTestManager(t, starter, testTriggerConfig())

	resp := m.HandleTrigger(context.Background(), forkWorkflow(), request("t1"))
	require.NoError(t, m.Cancel(context.Background(), resp.ExecutionID))
	assert.Equal(t, []string{resp.ExecutionID}, starter.cancelled)

	assert.Error(t, m.Cancel(context.Background(), "unknown"))
}

func TestExecuteAndWaitReturnsResult(t *testing.T) {
	starter := &fakeStarter{}
	m, resultCache := newTestManager(t, starter, testTriggerConfig())

	done := make(chan *models.TriggerResponse, 1)
	go func() {
		done <- m.ExecuteAndWait(context.Background(), forkWorkflow(), request("t1"))
	}()

	// Simulate the engine publishing the execution result
	var executionID string
	require.Eventually(t, func() bool {
		if starter.startedCount() == 0 {
			return false
		}
		starter.mu.Lock()
		executionID = starter.started[0]
		starter.mu.Unlock()
		return true
	}, time.Second, 5*time.Millisecond)

	payload := map[string]interface{}{"executionId": executionID, "status": "SUCCESS"}
	require.NoError(t, resultCache.Set(context.Background(), executionID, payload, time.Minute))

	resp := <-done
	require.True(t, resp.Success)
	require.NotNil(t, resp.Result)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, "SUCCESS", result["status"])
}

func TestExecuteAndWaitTimesOut(t *testing.T) {
	cfg := testTriggerConfig()
	cfg.SyncWaitTimeout = 50 * time.Millisecond

	starter := &fakeStarter{}
	m, _ := newTestManager(t, starter, cfg)

	resp := m.ExecuteAndWait(context.Background(), forkWorkflow(), request("t1"))
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.ExecutionID)
	assert.Nil(t, resp.Result)
	assert.Equal(t, "timed out waiting for result", resp.Reason)
}

func TestCleanupExpiresQueuedTriggers(t *testing.T) {
	cfg := testTriggerConfig()
	cfg.MaxConcurrentPerWorkflow = 1
	cfg.QueueTimeout = 0

	starter := &fakeStarter{}
	m, _ := newTestManager(t, starter, cfg)

	wf := forkWorkflow()
	m.HandleTrigger(context.Background(), wf, request("t1"))
	queued := m.HandleTrigger(context.Background(), wf, request("t2"))
	require.Equal(t, models.TriggerStatusQueued, queued.Status)

	time.Sleep(5 * time.Millisecond)
	m.cleanup(context.Background())
	assert.Equal(t, 0, m.Stats().Queued)
	assert.Equal(t, int64(1), m.Stats().Rejected)
}
