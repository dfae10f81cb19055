package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomflow/loomflow/common/cache"
	"github.com/loomflow/loomflow/common/config"
	"github.com/loomflow/loomflow/common/logger"
	"github.com/loomflow/loomflow/common/models"
	"github.com/loomflow/loomflow/common/queue"
	"github.com/loomflow/loomflow/common/repository"
)

type nodeFunc func(ctx context.Context, node models.Node, input *NodeInput) (*models.NodeOutput, error)

// fakeExecutor routes execution by node id, with a catch-all echo.
type fakeExecutor struct {
	mu       sync.Mutex
	handlers map[string]nodeFunc
	defs     map[string]*NodeDefinition
	inputs   map[string][]*NodeInput
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		handlers: make(map[string]nodeFunc),
		defs:     make(map[string]*NodeDefinition),
		inputs:   make(map[string][]*NodeInput),
	}
}

func (f *fakeExecutor) on(nodeID string, fn nodeFunc) {
	f.handlers[nodeID] = fn
}

func (f *fakeExecutor) ExecuteNode(ctx context.Context, node models.Node, input *NodeInput) (*models.NodeOutput, error) {
	f.mu.Lock()
	f.inputs[node.ID] = append(f.inputs[node.ID], input)
	fn := f.handlers[node.ID]
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, node, input)
	}
	// Echo: pass the first satisfied input list through
	items := input.Data[models.PortMain][0]
	return &models.NodeOutput{Main: items}, nil
}

func (f *fakeExecutor) GetNodeDefinition(nodeType string) (*NodeDefinition, bool) {
	def, ok := f.defs[nodeType]
	return def, ok
}

func (f *fakeExecutor) inputsFor(nodeID string) []*NodeInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*NodeInput(nil), f.inputs[nodeID]...)
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		WorkflowTimeout:   5 * time.Second,
		NodeWaitTimeout:   2 * time.Second,
		NodePollInterval:  5 * time.Millisecond,
		MaxRetries:        3,
		RetryDelay:        1 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxRetryDelay:     10 * time.Millisecond,
		RetryableErrors:   []string{"TIMEOUT", "NETWORK_ERROR", "RATE_LIMIT"},
		MaxLoopIterations: 50,
		StaleExecutionAge: time.Hour,
	}
}

func newTestEngine(t *testing.T, executor NodeExecutor) (*Engine, *repository.MemoryStore) {
	t.Helper()

	log := logger.New("error", "json")
	store := repository.NewMemoryStore()
	q := queue.NewMemoryQueue(log)
	resultCache := cache.NewMemoryResultCache(log)

	eng := New(store, q, resultCache, executor, nil, testEngineConfig(), config.QueueConfig{NodeConcurrency: 4}, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, eng.Start(ctx))

	return eng, store
}

func awaitExecution(t *testing.T, store *repository.MemoryStore, executionID string) *models.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := store.GetExecution(context.Background(), executionID)
		require.NoError(t, err)
		if exec.Status.IsTerminal() {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s did not finish", executionID)
	return nil
}

func dataEdge(source, target string) models.Connection {
	return models.Connection{
		ID:           source + "->" + target,
		SourceNodeID: source,
		SourceOutput: models.PortMain,
		TargetNodeID: target,
		TargetInput:  models.PortMain,
	}
}

func portEdge(source, port, target string) models.Connection {
	c := dataEdge(source, target)
	c.ID = source + ":" + port + "->" + target
	c.SourceOutput = port
	return c
}

func linearWorkflow(ids ...string) *models.Workflow {
	wf := &models.Workflow{ID: "wf-1", UserID: "user-1"}
	for _, id := range ids {
		wf.Nodes = append(wf.Nodes, models.Node{ID: id, Type: "test." + id, Name: id})
	}
	for i := 0; i+1 < len(ids); i++ {
		wf.Connections = append(wf.Connections, dataEdge(ids[i], ids[i+1]))
	}
	return wf
}

func nodeRecordsFor(t *testing.T, store *repository.MemoryStore, executionID, nodeID string) []*models.NodeExecution {
	t.Helper()
	all, err := store.ListNodeExecutions(context.Background(), executionID)
	require.NoError(t, err)
	var records []*models.NodeExecution
	for _, ne := range all {
		if ne.NodeID == nodeID {
			records = append(records, ne)
		}
	}
	return records
}

func TestLinearWorkflowSucceeds(t *testing.T) {
	executor := newFakeExecutor()
	executor.on("a", func(ctx context.Context, node models.Node, input *NodeInput) (*models.NodeOutput, error) {
		return &models.NodeOutput{Main: []models.Item{{JSON: map[string]interface{}{"value": "from-a"}}}}, nil
	})

	eng, store := newTestEngine(t, executor)

	id, err := eng.StartWorkflow(context.Background(), linearWorkflow("a", "b", "c"), map[string]interface{}{"source": "test"}, "")
	require.NoError(t, err)

	exec := awaitExecution(t, store, id)
	assert.Equal(t, models.ExecutionStatusSuccess, exec.Status)
	assert.NotNil(t, exec.FinishedAt)

	// b saw a's output, not the trigger data
	bInputs := executor.inputsFor("b")
	require.Len(t, bInputs, 1)
	require.Len(t, bInputs[0].Data[models.PortMain], 1)
	assert.Equal(t, "from-a", bInputs[0].Data[models.PortMain][0][0].JSON["value"])

	// a saw the trigger data
	aInputs := executor.inputsFor("a")
	require.Len(t, aInputs, 1)
	assert.Equal(t, "test", aInputs[0].Data[models.PortMain][0][0].JSON["source"])

	assert.Equal(t, float64(3), toFloat(exec.Progress["completedNodes"]))
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return -1
}

func TestBranchingSkipsUntakenPath(t *testing.T) {
	executor := newFakeExecutor()
	executor.on("check", func(ctx context.Context, node models.Node, input *NodeInput) (*models.NodeOutput, error) {
		return &models.NodeOutput{Branches: map[string][]models.Item{
			models.PortTrue:  {{JSON: map[string]interface{}{"approved": true}}},
			models.PortFalse: {},
		}}, nil
	})

	eng, store := newTestEngine(t, executor)

	wf := &models.Workflow{
		ID:     "wf-branch",
		UserID: "user-1",
		Nodes: []models.Node{
			{ID: "check", Type: "if", Name: "check"},
			{ID: "approve", Type: "noop", Name: "approve"},
			{ID: "reject", Type: "noop", Name: "reject"},
		},
		Connections: []models.Connection{
			portEdge("check", models.PortTrue, "approve"),
			portEdge("check", models.PortFalse, "reject"),
		},
	}

	id, err := eng.StartWorkflow(context.Background(), wf, nil, "")
	require.NoError(t, err)

	exec := awaitExecution(t, store, id)
	assert.Equal(t, models.ExecutionStatusSuccess, exec.Status)

	assert.NotEmpty(t, nodeRecordsFor(t, store, id, "approve"))
	// Skip purity: the untaken branch leaves no record and no state
	assert.Empty(t, nodeRecordsFor(t, store, id, "reject"))
	assert.Empty(t, executor.inputsFor("reject"))

	states, err := store.LoadFlowExecutionState(context.Background(), id)
	require.NoError(t, err)
	for _, state := range states {
		assert.NotEqual(t, "reject", state.NodeID)
	}
}

func TestConditionGatesEdge(t *testing.T) {
	executor := newFakeExecutor()
	executor.on("source", func(ctx context.Context, node models.Node, input *NodeInput) (*models.NodeOutput, error) {
		return &models.NodeOutput{Main: []models.Item{{JSON: map[string]interface{}{"score": 0.4}}}}, nil
	})

	eng, store := newTestEngine(t, executor)

	gated := dataEdge("source", "sink")
	gated.Condition = `output.score > 0.5`
	wf := &models.Workflow{
		ID:     "wf-cond",
		UserID: "user-1",
		Nodes: []models.Node{
			{ID: "source", Type: "noop", Name: "source"},
			{ID: "sink", Type: "noop", Name: "sink"},
		},
		Connections: []models.Connection{gated},
	}

	id, err := eng.StartWorkflow(context.Background(), wf, nil, "")
	require.NoError(t, err)

	exec := awaitExecution(t, store, id)
	assert.Equal(t, models.ExecutionStatusSuccess, exec.Status)
	assert.Empty(t, executor.inputsFor("sink"))
}

func TestLoopProtocol(t *testing.T) {
	executor := newFakeExecutor()

	iterations := 0
	executor.on("batch", func(ctx context.Context, node models.Node, input *NodeInput) (*models.NodeOutput, error) {
		iterations++
		if iterations <= 2 {
			return &models.NodeOutput{Branches: map[string][]models.Item{
				models.PortLoop: {{JSON: map[string]interface{}{"batch": iterations}}},
			}}, nil
		}
		return &models.NodeOutput{Branches: map[string][]models.Item{
			models.PortDone: {{JSON: map[string]interface{}{"total": iterations - 1}}},
		}}, nil
	})

	eng, store := newTestEngine(t, executor)

	wf := &models.Workflow{
		ID:     "wf-loop",
		UserID: "user-1",
		Nodes: []models.Node{
			{ID: "start", Type: "noop", Name: "start"},
			{ID: "batch", Type: "loop", Name: "batch"},
			{ID: "work", Type: "noop", Name: "work"},
			{ID: "end", Type: "noop", Name: "end"},
		},
		Connections: []models.Connection{
			dataEdge("start", "batch"),
			portEdge("batch", models.PortLoop, "work"),
			dataEdge("work", "batch"),
			portEdge("batch", models.PortDone, "end"),
		},
	}

	id, err := eng.StartWorkflow(context.Background(), wf, nil, "")
	require.NoError(t, err)

	exec := awaitExecution(t, store, id)
	assert.Equal(t, models.ExecutionStatusSuccess, exec.Status)

	// One record per iteration, never deduplicated
	assert.Len(t, nodeRecordsFor(t, store, id, "batch"), 3)
	assert.Len(t, nodeRecordsFor(t, store, id, "work"), 2)
	assert.Len(t, nodeRecordsFor(t, store, id, "end"), 1)
}

func TestLoopIterationCap(t *testing.T) {
	executor := newFakeExecutor()
	executor.on("batch", func(ctx context.Context, node models.Node, input *NodeInput) (*models.NodeOutput, error) {
		return &models.NodeOutput{Branches: map[string][]models.Item{
			models.PortLoop: {{JSON: map[string]interface{}{}}},
		}}, nil
	})

	eng, store := newTestEngine(t, executor)

	wf := &models.Workflow{
		ID:     "wf-runaway",
		UserID: "user-1",
		Nodes: []models.Node{
			{ID: "batch", Type: "loop", Name: "batch"},
			{ID: "work", Type: "noop", Name: "work"},
		},
		Connections: []models.Connection{
			portEdge("batch", models.PortLoop, "work"),
			dataEdge("work", "batch"),
		},
	}

	id, err := eng.StartWorkflow(context.Background(), wf, nil, "")
	require.NoError(t, err)

	exec := awaitExecution(t, store, id)
	assert.Equal(t, models.ExecutionStatusError, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Contains(t, exec.Error.Message, "iterations")
}

func TestLoopWithoutProgressFails(t *testing.T) {
	executor := newFakeExecutor()
	executor.on("batch", func(ctx context.Context, node models.Node, input *NodeInput) (*models.NodeOutput, error) {
		return &models.NodeOutput{Branches: map[string][]models.Item{}}, nil
	})

	eng, store := newTestEngine(t, executor)

	wf := &models.Workflow{
		ID:     "wf-stuck",
		UserID: "user-1",
		Nodes: []models.Node{
			{ID: "batch", Type: "loop", Name: "batch"},
			{ID: "work", Type: "noop", Name: "work"},
		},
		Connections: []models.Connection{
			portEdge("batch", models.PortLoop, "work"),
			dataEdge("work", "batch"),
		},
	}

	id, err := eng.StartWorkflow(context.Background(), wf, nil, "")
	require.NoError(t, err)

	// Neither loop nor done items is a stuck loop, not a normal exit
	exec := awaitExecution(t, store, id)
	assert.Equal(t, models.ExecutionStatusError, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Contains(t, exec.Error.Message, "no loop or done items")
}

func TestRetryableErrorRecovers(t *testing.T) {
	executor := newFakeExecutor()

	attempts := 0
	executor.on("flaky", func(ctx context.Context, node models.Node, input *NodeInput) (*models.NodeOutput, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("NETWORK_ERROR: connection reset (attempt %d)", attempts)
		}
		return &models.NodeOutput{Main: []models.Item{{JSON: map[string]interface{}{"ok": true}}}}, nil
	})

	eng, store := newTestEngine(t, executor)

	id, err := eng.StartWorkflow(context.Background(), linearWorkflow("flaky"), nil, "")
	require.NoError(t, err)

	exec := awaitExecution(t, store, id)
	assert.Equal(t, models.ExecutionStatusSuccess, exec.Status)

	// One record per attempt
	records := nodeRecordsFor(t, store, id, "flaky")
	assert.Len(t, records, 3)
}

func TestNonRetryableErrorFailsExecution(t *testing.T) {
	executor := newFakeExecutor()
	executor.on("broken", func(ctx context.Context, node models.Node, input *NodeInput) (*models.NodeOutput, error) {
		return nil, fmt.Errorf("VALIDATION_FAILED: bad parameters")
	})

	eng, store := newTestEngine(t, executor)

	id, err := eng.StartWorkflow(context.Background(), linearWorkflow("broken", "never"), nil, "")
	require.NoError(t, err)

	exec := awaitExecution(t, store, id)
	assert.Equal(t, models.ExecutionStatusError, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, "NODE_ERROR", exec.Error.Type)

	assert.Len(t, nodeRecordsFor(t, store, id, "broken"), 1)
	assert.Empty(t, nodeRecordsFor(t, store, id, "never"))
}

func TestRetriesExhaust(t *testing.T) {
	executor := newFakeExecutor()
	executor.on("flaky", func(ctx context.Context, node models.Node, input *NodeInput) (*models.NodeOutput, error) {
		return nil, fmt.Errorf("RATE_LIMIT exceeded")
	})

	eng, store := newTestEngine(t, executor)

	id, err := eng.StartWorkflow(context.Background(), linearWorkflow("flaky"), nil, "")
	require.NoError(t, err)

	exec := awaitExecution(t, store, id)
	assert.Equal(t, models.ExecutionStatusError, exec.Status)

	// Initial attempt plus MaxRetries
	assert.Len(t, nodeRecordsFor(t, store, id, "flaky"), 4)
}

func TestCancellation(t *testing.T) {
	executor := newFakeExecutor()
	executor.on("slow", func(ctx context.Context, node models.Node, input *NodeInput) (*models.NodeOutput, error) {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
		}
		return &models.NodeOutput{}, nil
	})

	eng, store := newTestEngine(t, executor)

	id, err := eng.StartWorkflow(context.Background(), linearWorkflow("slow", "after"), nil, "")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, eng.CancelExecution(context.Background(), id))

	exec := awaitExecution(t, store, id)
	assert.Equal(t, models.ExecutionStatusCancelled, exec.Status)
	assert.Empty(t, executor.inputsFor("after"))

	// Cancelling a finished execution is a no-op that leaves the record alone
	require.NoError(t, eng.CancelExecution(context.Background(), id))
	exec, err = store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, exec.Status)
}

func TestValidationFailureFailsExecution(t *testing.T) {
	executor := newFakeExecutor()
	eng, store := newTestEngine(t, executor)

	wf := &models.Workflow{
		ID:     "wf-cycle",
		UserID: "user-1",
		Nodes: []models.Node{
			{ID: "a", Type: "noop", Name: "a"},
			{ID: "b", Type: "noop", Name: "b"},
		},
		Connections: []models.Connection{dataEdge("a", "b"), dataEdge("b", "a")},
	}

	id, err := eng.StartWorkflow(context.Background(), wf, nil, "")
	require.NoError(t, err)

	exec := awaitExecution(t, store, id)
	assert.Equal(t, models.ExecutionStatusError, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, "VALIDATION_ERROR", exec.Error.Type)
}

func TestServiceInputsCarryConfiguration(t *testing.T) {
	executor := newFakeExecutor()
	executor.defs["llm"] = &NodeDefinition{
		Type: "llm",
		Properties: []NodeProperty{
			{Name: "apiKey", Type: "credential", AllowedTypes: []string{"OpenAIApi"}},
			{Name: "model", Type: "string"},
		},
	}

	eng, store := newTestEngine(t, executor)

	modelEdge := models.Connection{
		ID:           "llm->agent",
		SourceNodeID: "llm",
		SourceOutput: models.PortMain,
		TargetNodeID: "agent",
		TargetInput:  "model",
	}
	wf := &models.Workflow{
		ID:     "wf-agent",
		UserID: "user-1",
		Nodes: []models.Node{
			{ID: "llm", Type: "llm", Name: "llm", Parameters: map[string]interface{}{"model": "gpt-4"}},
			{ID: "agent", Type: "agent", Name: "agent"},
		},
		Connections: []models.Connection{modelEdge},
	}

	id, err := eng.StartWorkflow(context.Background(), wf, nil, "")
	require.NoError(t, err)

	exec := awaitExecution(t, store, id)
	assert.Equal(t, models.ExecutionStatusSuccess, exec.Status)

	inputs := executor.inputsFor("agent")
	require.Len(t, inputs, 1)
	refs := inputs[0].Services["model"]
	require.Len(t, refs, 1)
	assert.Equal(t, "llm", refs[0].NodeID)
	assert.Equal(t, "gpt-4", refs[0].Parameters["model"])
	// Credential synthesized from the schema's first allowed type
	assert.Equal(t, "cred_openaiapi", refs[0].Parameters["apiKey"])
}

func TestDisabledNodePassesThrough(t *testing.T) {
	executor := newFakeExecutor()
	executor.on("a", func(ctx context.Context, node models.Node, input *NodeInput) (*models.NodeOutput, error) {
		return &models.NodeOutput{Main: []models.Item{{JSON: map[string]interface{}{"value": 1}}}}, nil
	})

	eng, store := newTestEngine(t, executor)

	wf := linearWorkflow("a", "skipme", "c")
	wf.Nodes[1].Disabled = true

	id, err := eng.StartWorkflow(context.Background(), wf, nil, "")
	require.NoError(t, err)

	exec := awaitExecution(t, store, id)
	assert.Equal(t, models.ExecutionStatusSuccess, exec.Status)

	// Disabled node never runs but its input flows onward
	assert.Empty(t, executor.inputsFor("skipme"))
	cInputs := executor.inputsFor("c")
	require.Len(t, cInputs, 1)
	assert.Equal(t, float64(1), toFloat(cInputs[0].Data[models.PortMain][0][0].JSON["value"]))
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	assert.Equal(t, 1*time.Second, backoffDelay(base, 2, 30*time.Second, 0))
	assert.Equal(t, 2*time.Second, backoffDelay(base, 2, 30*time.Second, 1))
	assert.Equal(t, 4*time.Second, backoffDelay(base, 2, 30*time.Second, 2))
	assert.Equal(t, 30*time.Second, backoffDelay(base, 2, 30*time.Second, 10))
}

func TestIsRetryable(t *testing.T) {
	markers := []string{"TIMEOUT", "NETWORK_ERROR", "RATE_LIMIT"}
	assert.True(t, isRetryable("request TIMEOUT after 5s", markers))
	assert.True(t, isRetryable("upstream NETWORK_ERROR", markers))
	assert.False(t, isRetryable("validation failed", markers))
	assert.False(t, isRetryable("timeout", markers))
}

func TestAnalyzeLoops(t *testing.T) {
	conns := []models.Connection{
		dataEdge("start", "batch"),
		portEdge("batch", models.PortLoop, "work"),
		dataEdge("work", "batch"),
		portEdge("batch", models.PortDone, "end"),
	}

	info := analyzeLoops(conns)
	assert.True(t, info.isLoopNode("batch"))
	assert.True(t, info.inBody("work"))
	assert.False(t, info.inBody("end"))
	assert.True(t, info.backEdges["work->batch"])

	filtered := info.withoutBackEdges(conns)
	assert.Len(t, filtered, 3)
}
