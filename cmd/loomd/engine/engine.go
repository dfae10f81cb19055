package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomflow/loomflow/cmd/loomd/condition"
	"github.com/loomflow/loomflow/cmd/loomd/graph"
	"github.com/loomflow/loomflow/cmd/loomd/resolver"
	"github.com/loomflow/loomflow/common/cache"
	"github.com/loomflow/loomflow/common/config"
	"github.com/loomflow/loomflow/common/logger"
	"github.com/loomflow/loomflow/common/models"
	"github.com/loomflow/loomflow/common/queue"
)

// Queue names.
const (
	QueueWorkflow = "workflow"
	QueueNodes    = "nodes"
)

const (
	workflowConcurrency = 10
	staleSweepInterval  = 1 * time.Minute
	resultCacheTTL      = 5 * time.Minute
)

type workflowJob struct {
	ExecutionID string `json:"executionId"`
}

type nodeJob struct {
	ExecutionID     string     `json:"executionId"`
	NodeID          string     `json:"nodeId"`
	NodeExecutionID string     `json:"nodeExecutionId"`
	RetryCount      int        `json:"retryCount"`
	Input           *NodeInput `json:"input"`
}

// Engine runs workflow executions. Each execution is scheduled by a
// single goroutine (one workflow job); node invocations fan out through
// the nodes queue and are awaited by polling their persisted records.
type Engine struct {
	store           Store
	queue           queue.Queue
	cache           cache.ResultCache
	executor        NodeExecutor
	publisher       EventPublisher
	evaluator       *condition.Evaluator
	cfg             config.EngineConfig
	nodeConcurrency int
	registry        *Registry
	log             *logger.Logger

	mu       sync.Mutex
	finished []func(executionID string, status models.ExecutionStatus)
}

// New creates an engine. A nil publisher discards events.
func New(store Store, q queue.Queue, resultCache cache.ResultCache, executor NodeExecutor, publisher EventPublisher, cfg config.EngineConfig, queueCfg config.QueueConfig, log *logger.Logger) *Engine {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Engine{
		store:           store,
		queue:           q,
		cache:           resultCache,
		executor:        executor,
		publisher:       publisher,
		evaluator:       condition.NewEvaluator(),
		cfg:             cfg,
		nodeConcurrency: queueCfg.NodeConcurrency,
		registry:        NewRegistry(),
		log:             log,
	}
}

// OnExecutionFinished registers a hook invoked after every execution
// reaches a terminal status.
func (e *Engine) OnExecutionFinished(fn func(executionID string, status models.ExecutionStatus)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished = append(e.finished, fn)
}

// Start recovers abandoned executions, registers queue workers and
// launches the stale-execution sweeper. Blocks only on setup errors.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.recoverAbandoned(ctx); err != nil {
		e.log.Warn("recovery sweep failed", "error", err)
	}

	if err := e.queue.Process(ctx, QueueWorkflow, workflowConcurrency, e.handleWorkflowJob); err != nil {
		return fmt.Errorf("failed to start workflow workers: %w", err)
	}
	if err := e.queue.Process(ctx, QueueNodes, e.nodeConcurrency, e.handleNodeJob); err != nil {
		return fmt.Errorf("failed to start node workers: %w", err)
	}

	go e.staleSweeper(ctx)

	return nil
}

// StartWorkflow creates an execution record for the workflow and queues
// it for scheduling. Returns the new execution id.
func (e *Engine) StartWorkflow(ctx context.Context, workflow *models.Workflow, triggerData map[string]interface{}, executionID string) (string, error) {
	if executionID == "" {
		executionID = uuid.NewString()
	}

	exec := &models.Execution{
		ID:               executionID,
		WorkflowID:       workflow.ID,
		UserID:           workflow.UserID,
		Status:           models.ExecutionStatusRunning,
		StartedAt:        time.Now(),
		TriggerData:      triggerData,
		WorkflowSnapshot: workflow,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("failed to create execution: %w", err)
	}

	e.registry.Register(NewExecutionContext(exec, workflow))

	payload, err := json.Marshal(workflowJob{ExecutionID: executionID})
	if err != nil {
		return "", err
	}
	if _, err := e.queue.Add(ctx, QueueWorkflow, payload, queue.JobOptions{
		Timeout:  e.workflowTimeout(workflow) + 30*time.Second,
		Attempts: 1,
	}); err != nil {
		e.registry.Remove(executionID)
		return "", fmt.Errorf("failed to queue execution: %w", err)
	}

	e.emit(models.ExecutionEvent{
		ExecutionID: executionID,
		WorkflowID:  workflow.ID,
		Type:        models.EventStarted,
		Status:      string(models.ExecutionStatusRunning),
	})

	return executionID, nil
}

// CancelExecution requests cooperative cancellation. Queued node jobs
// for the execution are dropped immediately; the scheduling loop
// finalizes the record when it observes the flag. Cancelling an already
// finished execution is a no-op that leaves the record untouched.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return nil
	}

	e.dropQueuedNodeJobs(ctx, executionID)

	if e.registry.Cancel(executionID) {
		return nil
	}

	// Not live on this instance: finalize the record directly
	now := time.Now()
	if err := e.store.UpdateExecutionStatus(ctx, executionID, models.ExecutionUpdate{
		Status:     models.ExecutionStatusCancelled,
		FinishedAt: &now,
	}); err != nil {
		return err
	}
	e.emit(models.ExecutionEvent{
		ExecutionID: executionID,
		WorkflowID:  exec.WorkflowID,
		Type:        models.EventCancelled,
		Status:      string(models.ExecutionStatusCancelled),
	})
	e.publishResult(ctx, executionID, models.ExecutionStatusCancelled, nil)
	e.notifyFinished(executionID, models.ExecutionStatusCancelled)
	return nil
}

func (e *Engine) dropQueuedNodeJobs(ctx context.Context, executionID string) {
	jobs, err := e.queue.GetJobs(ctx, QueueNodes, queue.JobStateWaiting)
	if err != nil {
		e.log.Warn("failed to list queued node jobs", "error", err)
		return
	}
	for _, job := range jobs {
		var payload nodeJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			continue
		}
		if payload.ExecutionID != executionID {
			continue
		}
		if err := e.queue.Remove(ctx, job); err != nil {
			e.log.Warn("failed to remove queued node job", "job_id", job.ID, "error", err)
		}
	}
}

func (e *Engine) handleWorkflowJob(ctx context.Context, job *queue.Job) error {
	var payload workflowJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		e.log.Error("invalid workflow job payload", "job_id", job.ID, "error", err)
		return nil
	}
	e.runExecution(ctx, payload.ExecutionID)
	return nil
}

func (e *Engine) workflowTimeout(workflow *models.Workflow) time.Duration {
	if workflow.Settings.ExecutionTimeoutMS > 0 {
		return time.Duration(workflow.Settings.ExecutionTimeoutMS) * time.Millisecond
	}
	return e.cfg.WorkflowTimeout
}

func (e *Engine) runExecution(ctx context.Context, executionID string) {
	log := e.log.WithExecutionID(executionID)

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		log.Error("failed to load execution", "error", err)
		return
	}
	workflow := exec.WorkflowSnapshot
	if workflow == nil {
		e.finalize(ctx, executionID, exec.WorkflowID, models.ExecutionStatusError, &models.ExecutionError{
			Type:      "VALIDATION_ERROR",
			Message:   "execution has no workflow snapshot",
			Timestamp: time.Now(),
		})
		return
	}

	ec, ok := e.registry.Get(executionID)
	if !ok {
		ec = NewExecutionContext(exec, workflow)
		e.registry.Register(ec)
	}
	defer e.registry.Remove(executionID)

	loops := analyzeLoops(workflow.Connections)
	scheduled := loops.withoutBackEdges(workflow.Connections)

	if err := graph.ValidateExecutionSafety(workflow.NodeIDs(), scheduled, nil); err != nil {
		log.Error("workflow failed validation", "error", err)
		e.finalize(ctx, executionID, workflow.ID, models.ExecutionStatusError, &models.ExecutionError{
			Type:      "VALIDATION_ERROR",
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}

	flat := *workflow
	flat.Connections = scheduled
	g, err := graph.BuildExecutionGraph(&flat, log)
	if err != nil {
		e.finalize(ctx, executionID, workflow.ID, models.ExecutionStatusError, &models.ExecutionError{
			Type:      "VALIDATION_ERROR",
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, e.workflowTimeout(workflow))
	defer cancel()

	total := len(g.ExecutionOrder)
	completed := 0

	for _, nodeID := range g.ExecutionOrder {
		if ec.Cancelled() {
			e.finalize(ctx, executionID, workflow.ID, models.ExecutionStatusCancelled, nil)
			return
		}
		if runCtx.Err() != nil {
			e.finalize(ctx, executionID, workflow.ID, models.ExecutionStatusTimeout, &models.ExecutionError{
				Type:      "TIMEOUT_ERROR",
				Message:   "execution exceeded its timeout",
				Timestamp: time.Now(),
			})
			return
		}

		// Loop bodies are driven by their loop node
		if loops.inBody(nodeID) {
			completed++
			continue
		}

		node := g.Nodes[nodeID]
		var stepErr error
		if loops.isLoopNode(nodeID) {
			stepErr = e.runLoop(runCtx, ec, g, loops, node, workflow)
		} else {
			_, stepErr = e.step(runCtx, ec, g, node)
		}
		if stepErr != nil {
			if ec.Cancelled() {
				e.finalize(ctx, executionID, workflow.ID, models.ExecutionStatusCancelled, nil)
				return
			}
			if runCtx.Err() != nil {
				e.finalize(ctx, executionID, workflow.ID, models.ExecutionStatusTimeout, &models.ExecutionError{
					Type:      "TIMEOUT_ERROR",
					Message:   "execution exceeded its timeout",
					Timestamp: time.Now(),
				})
				return
			}
			log.Error("node failed", "node_id", nodeID, "error", stepErr)
			e.finalize(ctx, executionID, workflow.ID, models.ExecutionStatusError, &models.ExecutionError{
				Type:      "NODE_ERROR",
				Message:   fmt.Sprintf("node %s: %s", nodeID, stepErr.Error()),
				Timestamp: time.Now(),
			})
			return
		}

		completed++
		e.reportProgress(ctx, executionID, workflow.ID, completed, total)
	}

	e.finalize(ctx, executionID, workflow.ID, models.ExecutionStatusSuccess, nil)
}

// step executes one non-loop node: disabled nodes pass their input
// through, unsatisfied nodes are skipped without record or output.
func (e *Engine) step(ctx context.Context, ec *ExecutionContext, g *graph.ExecutionGraph, node models.Node) (bool, error) {
	incoming := g.IncomingConnections(node.ID)

	if node.Disabled {
		input, err := buildNodeInput(ec, g, node, incoming, e.executor, e.evaluator)
		if err != nil {
			return false, err
		}
		var items []models.Item
		for _, list := range input.Data[models.PortMain] {
			items = append(items, list...)
		}
		ec.SetNodeOutput(node.ID, &models.NodeOutput{Main: items})
		return false, nil
	}

	run, err := shouldExecuteNode(ec, incoming, e.evaluator)
	if err != nil {
		return false, err
	}
	if !run {
		return false, nil
	}

	output, err := e.runNode(ctx, ec, g, node, incoming)
	if err != nil {
		return false, err
	}

	ec.SetNodeOutput(node.ID, output)
	e.saveNodeState(ctx, ec.ExecutionID, node.ID, output)
	return true, nil
}

// runNode dispatches a node, awaits its result, and drives retries.
// Each attempt is its own node-execution record.
func (e *Engine) runNode(ctx context.Context, ec *ExecutionContext, g *graph.ExecutionGraph, node models.Node, incoming []models.Connection) (*models.NodeOutput, error) {
	input, err := buildNodeInput(ec, g, node, incoming, e.executor, e.evaluator)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		output, execErr := e.dispatchNode(ctx, ec, node, input, attempt)
		if execErr == nil {
			return output, nil
		}
		if attempt >= e.cfg.MaxRetries || !isRetryable(execErr.Error(), e.cfg.RetryableErrors) {
			return nil, execErr
		}

		delay := backoffDelay(e.cfg.RetryDelay, e.cfg.BackoffMultiplier, e.cfg.MaxRetryDelay, attempt)
		e.log.Warn("retrying node",
			"execution_id", ec.ExecutionID,
			"node_id", node.ID,
			"attempt", attempt+1,
			"delay", delay,
			"error", execErr)

		select {
		case <-ctx.Done():
			return nil, execErr
		case <-time.After(delay):
		}
		if ec.Cancelled() {
			return nil, execErr
		}
	}
}

func (e *Engine) dispatchNode(ctx context.Context, ec *ExecutionContext, node models.Node, input *NodeInput, retryCount int) (*models.NodeOutput, error) {
	record := &models.NodeExecution{
		ID:          uuid.NewString(),
		ExecutionID: ec.ExecutionID,
		NodeID:      node.ID,
		Status:      models.NodeStatusQueued,
		InputData:   map[string]interface{}{"retryCount": retryCount},
	}
	if err := e.store.CreateNodeExecution(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create node execution: %w", err)
	}

	e.emitNodeEvent(ec.ExecutionID, ec.WorkflowID, node.ID, models.EventNodeStarted, models.NodeStatusQueued, "")

	payload, err := json.Marshal(nodeJob{
		ExecutionID:     ec.ExecutionID,
		NodeID:          node.ID,
		NodeExecutionID: record.ID,
		RetryCount:      retryCount,
		Input:           input,
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.queue.Add(ctx, QueueNodes, payload, queue.JobOptions{
		Timeout:  e.cfg.NodeWaitTimeout,
		Attempts: 1,
	}); err != nil {
		return nil, fmt.Errorf("failed to queue node: %w", err)
	}

	final, err := e.waitForNode(ctx, record.ID)
	if err != nil {
		return nil, err
	}

	switch final.Status {
	case models.NodeStatusSuccess:
		e.emitNodeEvent(ec.ExecutionID, ec.WorkflowID, node.ID, models.EventNodeCompleted, models.NodeStatusSuccess, "")
		if final.OutputData == nil {
			return &models.NodeOutput{}, nil
		}
		return final.OutputData, nil
	case models.NodeStatusCancelled:
		return nil, errors.New("node execution cancelled")
	default:
		e.emitNodeEvent(ec.ExecutionID, ec.WorkflowID, node.ID, models.EventNodeFailed, models.NodeStatusError, final.Error)
		return nil, errors.New(final.Error)
	}
}

// waitForNode polls the node-execution record until it reaches a
// terminal status or the wait budget runs out.
func (e *Engine) waitForNode(ctx context.Context, nodeExecutionID string) (*models.NodeExecution, error) {
	deadline := time.Now().Add(e.cfg.NodeWaitTimeout)
	ticker := time.NewTicker(e.cfg.NodePollInterval)
	defer ticker.Stop()

	for {
		record, err := e.store.GetNodeExecution(ctx, nodeExecutionID)
		if err != nil {
			return nil, err
		}
		if record.Status.IsTerminal() {
			return record, nil
		}
		if time.Now().After(deadline) {
			now := time.Now()
			_ = e.store.UpdateNodeExecution(ctx, &models.NodeExecution{
				ID:         nodeExecutionID,
				Status:     models.NodeStatusError,
				Error:      "node wait TIMEOUT exceeded",
				FinishedAt: &now,
			})
			return nil, errors.New("node wait TIMEOUT exceeded")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// handleNodeJob runs one node invocation on a node worker. Parameters
// are resolved against the live execution context before execution.
func (e *Engine) handleNodeJob(ctx context.Context, job *queue.Job) error {
	var payload nodeJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		e.log.Error("invalid node job payload", "job_id", job.ID, "error", err)
		return nil
	}

	log := e.log.WithExecutionID(payload.ExecutionID).WithNodeID(payload.NodeID)

	now := time.Now()
	if err := e.store.UpdateNodeExecution(ctx, &models.NodeExecution{
		ID:        payload.NodeExecutionID,
		Status:    models.NodeStatusRunning,
		StartedAt: &now,
	}); err != nil {
		log.Error("failed to mark node running", "error", err)
	}

	ec, live := e.registry.Get(payload.ExecutionID)
	if live && ec.Cancelled() {
		finished := time.Now()
		return e.store.UpdateNodeExecution(ctx, &models.NodeExecution{
			ID:         payload.NodeExecutionID,
			Status:     models.NodeStatusCancelled,
			FinishedAt: &finished,
		})
	}

	node, err := e.loadNode(ctx, payload.ExecutionID, payload.NodeID)
	if err != nil {
		e.failNodeExecution(ctx, payload.NodeExecutionID, err)
		return nil
	}

	lookup := resolver.OutputLookup(func(string) (interface{}, bool) { return nil, false })
	if live {
		lookup = ec.OutputByName
	}
	params, err := resolver.NewResolver(lookup).ResolveParameters(node.Parameters)
	if err != nil {
		e.failNodeExecution(ctx, payload.NodeExecutionID, err)
		return nil
	}
	node.Parameters = params

	output, err := e.executor.ExecuteNode(ctx, *node, payload.Input)
	finished := time.Now()
	if err != nil {
		log.Warn("node execution failed", "error", err)
		_ = e.store.UpdateNodeExecution(ctx, &models.NodeExecution{
			ID:         payload.NodeExecutionID,
			Status:     models.NodeStatusError,
			Error:      err.Error(),
			FinishedAt: &finished,
		})
		return nil
	}

	if err := e.store.UpdateNodeExecution(ctx, &models.NodeExecution{
		ID:         payload.NodeExecutionID,
		Status:     models.NodeStatusSuccess,
		OutputData: output,
		FinishedAt: &finished,
	}); err != nil {
		log.Error("failed to record node output", "error", err)
	}
	return nil
}

func (e *Engine) loadNode(ctx context.Context, executionID, nodeID string) (*models.Node, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.WorkflowSnapshot == nil {
		return nil, fmt.Errorf("execution %s has no workflow snapshot", executionID)
	}
	node := exec.WorkflowSnapshot.NodeByID(nodeID)
	if node == nil {
		return nil, fmt.Errorf("node %s not in workflow snapshot", nodeID)
	}
	clone := *node
	return &clone, nil
}

func (e *Engine) failNodeExecution(ctx context.Context, nodeExecutionID string, cause error) {
	now := time.Now()
	_ = e.store.UpdateNodeExecution(ctx, &models.NodeExecution{
		ID:         nodeExecutionID,
		Status:     models.NodeStatusError,
		Error:      cause.Error(),
		FinishedAt: &now,
	})
}

func (e *Engine) saveNodeState(ctx context.Context, executionID, nodeID string, output *models.NodeOutput) {
	err := e.store.SaveFlowExecutionState(ctx, executionID, []models.FlowNodeState{{
		NodeID: nodeID,
		Status: models.NodeStatusSuccess,
		Output: output,
	}})
	if err != nil {
		e.log.Warn("failed to save flow state", "execution_id", executionID, "node_id", nodeID, "error", err)
	}
}

func (e *Engine) reportProgress(ctx context.Context, executionID, workflowID string, completed, total int) {
	err := e.store.UpdateExecutionStatus(ctx, executionID, models.ExecutionUpdate{
		Status: models.ExecutionStatusRunning,
		Progress: map[string]interface{}{
			"completedNodes": completed,
			"totalNodes":     total,
		},
	})
	if err != nil {
		e.log.Warn("failed to update progress", "execution_id", executionID, "error", err)
	}

	e.emit(models.ExecutionEvent{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Type:        models.EventExecutionProgress,
		Progress:    &models.ExecutionProgress{CompletedNodes: completed, TotalNodes: total},
	})
}

func (e *Engine) finalize(ctx context.Context, executionID, workflowID string, status models.ExecutionStatus, execErr *models.ExecutionError) {
	now := time.Now()
	if err := e.store.UpdateExecutionStatus(ctx, executionID, models.ExecutionUpdate{
		Status:     status,
		FinishedAt: &now,
		Error:      execErr,
	}); err != nil {
		e.log.Error("failed to finalize execution", "execution_id", executionID, "error", err)
	}

	eventType := models.EventCompleted
	switch status {
	case models.ExecutionStatusError, models.ExecutionStatusTimeout:
		eventType = models.EventFailed
	case models.ExecutionStatusCancelled:
		eventType = models.EventCancelled
	}
	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Message
	}
	e.emit(models.ExecutionEvent{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Type:        eventType,
		Status:      string(status),
		Error:       errMsg,
	})

	e.publishResult(ctx, executionID, status, execErr)
	e.notifyFinished(executionID, status)
}

func (e *Engine) publishResult(ctx context.Context, executionID string, status models.ExecutionStatus, execErr *models.ExecutionError) {
	if e.cache == nil {
		return
	}
	result := map[string]interface{}{
		"executionId": executionID,
		"status":      string(status),
	}
	if execErr != nil {
		result["error"] = execErr.Message
	}
	if err := e.cache.Set(ctx, executionID, result, resultCacheTTL); err != nil {
		e.log.Warn("failed to cache execution result", "execution_id", executionID, "error", err)
	}
}

func (e *Engine) notifyFinished(executionID string, status models.ExecutionStatus) {
	e.mu.Lock()
	hooks := make([]func(string, models.ExecutionStatus), len(e.finished))
	copy(hooks, e.finished)
	e.mu.Unlock()
	for _, fn := range hooks {
		fn(executionID, status)
	}
}

// recoverAbandoned marks RUNNING executions with no live context as
// failed. Runs once at startup.
func (e *Engine) recoverAbandoned(ctx context.Context) error {
	active, err := e.store.GetActiveExecutions(ctx)
	if err != nil {
		return err
	}

	for _, exec := range active {
		if _, live := e.registry.Get(exec.ID); live {
			continue
		}
		e.log.Warn("recovering abandoned execution", "execution_id", exec.ID)
		e.finalize(ctx, exec.ID, exec.WorkflowID, models.ExecutionStatusError, &models.ExecutionError{
			Type:      "RECOVERY_ERROR",
			Message:   "execution was interrupted by an engine restart",
			Timestamp: time.Now(),
		})
	}
	return nil
}

func (e *Engine) staleSweeper(ctx context.Context) {
	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := e.store.CleanupStaleExecutions(ctx, e.cfg.StaleExecutionAge)
			if err != nil {
				e.log.Warn("stale execution cleanup failed", "error", err)
				continue
			}
			if count > 0 {
				e.log.Info("cleaned up stale executions", "count", count)
			}
		}
	}
}
