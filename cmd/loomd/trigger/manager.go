package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomflow/loomflow/common/cache"
	"github.com/loomflow/loomflow/common/config"
	"github.com/loomflow/loomflow/common/logger"
	"github.com/loomflow/loomflow/common/models"
)

// Starter is the engine capability the manager consumes.
type Starter interface {
	StartWorkflow(ctx context.Context, workflow *models.Workflow, triggerData map[string]interface{}, executionID string) (string, error)
	CancelExecution(ctx context.Context, executionID string) error
	OnExecutionFinished(fn func(executionID string, status models.ExecutionStatus))
}

// Stats is a point-in-time view of the manager's admission state.
type Stats struct {
	Active            int            `json:"active"`
	Queued            int            `json:"queued"`
	Completed         int            `json:"completed"`
	Rejected          int64          `json:"rejected"`
	ActivePerWorkflow map[string]int `json:"activePerWorkflow"`
	ActivePerUser     map[string]int `json:"activePerUser"`
}

// Manager admits trigger requests against concurrency limits and
// per-workflow resource locks. Admission checks run in a fixed order:
// global limit, per-workflow limit, per-user limit, then node overlap.
type Manager struct {
	engine    Starter
	cache     cache.ResultCache
	cfg       config.TriggerConfig
	resources *ResourceManager
	log       *logger.Logger

	mu          sync.Mutex
	active      map[string]*models.TriggerContext
	perWorkflow map[string]int
	perUser     map[string]int
	queue       *triggerQueue
	completed   map[string]time.Time
	rejected    int64
}

// NewManager creates a trigger manager wired to the engine's completion
// hook so finished executions release their slots and pump the queue.
func NewManager(engine Starter, resultCache cache.ResultCache, cfg config.TriggerConfig, log *logger.Logger) *Manager {
	m := &Manager{
		engine:      engine,
		cache:       resultCache,
		cfg:         cfg,
		resources:   NewResourceManager(),
		log:         log,
		active:      make(map[string]*models.TriggerContext),
		perWorkflow: make(map[string]int),
		perUser:     make(map[string]int),
		queue:       newTriggerQueue(),
		completed:   make(map[string]time.Time),
	}
	engine.OnExecutionFinished(m.handleFinished)
	return m
}

// Start launches the cleanup loop. Returns immediately.
func (m *Manager) Start(ctx context.Context) {
	go m.cleanupLoop(ctx)
}

// HandleTrigger admits, queues or rejects a trigger request. The
// response always carries the assigned execution id for admitted and
// queued triggers.
func (m *Manager) HandleTrigger(ctx context.Context, workflow *models.Workflow, req *models.TriggerRequest) *models.TriggerResponse {
	if workflow == nil || req == nil {
		return &models.TriggerResponse{Status: models.TriggerStatusRejected, Reason: "missing workflow or request"}
	}

	opts := req.Options
	if opts == nil {
		opts = &models.TriggerOptions{}
	}
	userID := req.UserID
	if userID == "" {
		userID = workflow.UserID
	}

	tc := &models.TriggerContext{
		ExecutionID:       uuid.NewString(),
		TriggerID:         req.TriggerID,
		TriggerType:       req.TriggerType,
		WorkflowID:        workflow.ID,
		UserID:            userID,
		TriggerNodeID:     req.TriggerNodeID,
		TriggerData:       req.TriggerData,
		Priority:          opts.Priority,
		AffectedNodes:     AffectedNodes(workflow, req.TriggerNodeID, opts.IsolatedExecution),
		IsolatedExecution: opts.IsolatedExecution,
		StartTime:         time.Now(),
	}

	m.mu.Lock()
	reason := m.admissionConflict(tc)
	if reason == "" {
		m.admitLocked(tc)
		m.mu.Unlock()
		return m.startExecution(ctx, tc, workflow)
	}

	switch m.cfg.ConflictStrategy {
	case "reject":
		m.rejected++
		m.mu.Unlock()
		return &models.TriggerResponse{Status: models.TriggerStatusRejected, Reason: reason}

	case "priority":
		if m.queue.len() >= m.cfg.MaxQueueSize {
			evictable := m.queue.evictLowestPriority()
			if evictable == nil || evictable.context.Priority <= tc.Priority {
				if evictable != nil {
					m.queue.push(evictable)
				}
				m.rejected++
				m.mu.Unlock()
				return &models.TriggerResponse{Status: models.TriggerStatusRejected, Reason: "queue full"}
			}
			m.rejected++
			m.mu.Unlock()
			m.publishOutcome(ctx, evictable.context.ExecutionID, models.TriggerStatusRejected, "evicted by higher priority trigger")
			m.mu.Lock()
		}
		m.queue.push(&queuedTrigger{context: tc, workflow: workflow, enqueuedAt: time.Now()})
		m.mu.Unlock()
		return &models.TriggerResponse{Success: true, ExecutionID: tc.ExecutionID, Status: models.TriggerStatusQueued, Reason: reason}

	default: // queue
		if m.queue.len() >= m.cfg.MaxQueueSize {
			m.rejected++
			m.mu.Unlock()
			return &models.TriggerResponse{Status: models.TriggerStatusRejected, Reason: "queue full"}
		}
		m.queue.push(&queuedTrigger{context: tc, workflow: workflow, enqueuedAt: time.Now()})
		m.mu.Unlock()
		return &models.TriggerResponse{Success: true, ExecutionID: tc.ExecutionID, Status: models.TriggerStatusQueued, Reason: reason}
	}
}

// ExecuteAndWait admits the trigger and blocks for its result up to the
// synchronous wait budget. On timeout the response still reports the
// admission outcome, without a result.
func (m *Manager) ExecuteAndWait(ctx context.Context, workflow *models.Workflow, req *models.TriggerRequest) *models.TriggerResponse {
	resp := m.HandleTrigger(ctx, workflow, req)
	if !resp.Success || resp.ExecutionID == "" {
		return resp
	}

	result, err := m.cache.WaitForResult(ctx, resp.ExecutionID, m.cfg.SyncWaitTimeout)
	if err != nil {
		m.log.Warn("result wait failed", "execution_id", resp.ExecutionID, "error", err)
		return resp
	}
	if result == nil {
		resp.Success = false
		resp.Reason = "timed out waiting for result"
		return resp
	}
	resp.Result = result
	return resp
}

// Cancel cancels a queued or active trigger.
func (m *Manager) Cancel(ctx context.Context, executionID string) error {
	m.mu.Lock()
	if item := m.queue.remove(executionID); item != nil {
		item.context.Cancelled = true
		m.completed[executionID] = time.Now()
		m.mu.Unlock()
		m.publishOutcome(ctx, executionID, models.TriggerStatusRejected, "cancelled while queued")
		return nil
	}
	_, isActive := m.active[executionID]
	m.mu.Unlock()

	if isActive {
		return m.engine.CancelExecution(ctx, executionID)
	}
	return fmt.Errorf("trigger %s not found", executionID)
}

// Stats returns the current admission state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Active:            len(m.active),
		Queued:            m.queue.len(),
		Completed:         len(m.completed),
		Rejected:          m.rejected,
		ActivePerWorkflow: make(map[string]int, len(m.perWorkflow)),
		ActivePerUser:     make(map[string]int, len(m.perUser)),
	}
	for k, v := range m.perWorkflow {
		stats.ActivePerWorkflow[k] = v
	}
	for k, v := range m.perUser {
		stats.ActivePerUser[k] = v
	}
	return stats
}

// admissionConflict returns the first violated admission rule, or "".
// Caller holds m.mu.
func (m *Manager) admissionConflict(tc *models.TriggerContext) string {
	if len(m.active) >= m.cfg.MaxConcurrentTriggers {
		return "global concurrency limit reached"
	}
	if m.perWorkflow[tc.WorkflowID] >= m.cfg.MaxConcurrentPerWorkflow {
		return "workflow concurrency limit reached"
	}
	if m.perUser[tc.UserID] >= m.cfg.MaxConcurrentPerUser {
		return "user concurrency limit reached"
	}
	// Overlap only gates isolated triggers; concurrent non-isolated
	// executions of the same workflow are allowed within the limits above.
	if tc.IsolatedExecution && m.resources.Conflicts(tc.WorkflowID, tc.AffectedNodes) {
		return "conflicting execution holds overlapping nodes"
	}
	return ""
}

// admitLocked claims a slot and the node locks. Caller holds m.mu.
func (m *Manager) admitLocked(tc *models.TriggerContext) {
	m.active[tc.ExecutionID] = tc
	m.perWorkflow[tc.WorkflowID]++
	m.perUser[tc.UserID]++
	m.resources.Acquire(tc.WorkflowID, tc.ExecutionID, tc.AffectedNodes)
}

func (m *Manager) releaseLocked(tc *models.TriggerContext) {
	delete(m.active, tc.ExecutionID)
	if m.perWorkflow[tc.WorkflowID]--; m.perWorkflow[tc.WorkflowID] <= 0 {
		delete(m.perWorkflow, tc.WorkflowID)
	}
	if m.perUser[tc.UserID]--; m.perUser[tc.UserID] <= 0 {
		delete(m.perUser, tc.UserID)
	}
	m.resources.Release(tc.WorkflowID, tc.ExecutionID)
}

func (m *Manager) startExecution(ctx context.Context, tc *models.TriggerContext, workflow *models.Workflow) *models.TriggerResponse {
	if _, err := m.engine.StartWorkflow(ctx, workflow, tc.TriggerData, tc.ExecutionID); err != nil {
		m.log.Error("failed to start execution", "execution_id", tc.ExecutionID, "error", err)
		m.mu.Lock()
		m.releaseLocked(tc)
		m.mu.Unlock()
		return &models.TriggerResponse{Status: models.TriggerStatusRejected, Reason: err.Error()}
	}
	return &models.TriggerResponse{Success: true, ExecutionID: tc.ExecutionID, Status: models.TriggerStatusStarted}
}

// handleFinished releases a finished execution's slot and admits as many
// queued triggers as now fit.
func (m *Manager) handleFinished(executionID string, status models.ExecutionStatus) {
	m.mu.Lock()
	tc, ok := m.active[executionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.releaseLocked(tc)
	m.completed[executionID] = time.Now()
	admitted := m.admitQueuedLocked()
	m.mu.Unlock()

	for _, item := range admitted {
		m.startExecution(context.Background(), item.context, item.workflow)
	}
}

// admitQueuedLocked pops every queued trigger that passes admission.
// Caller holds m.mu.
func (m *Manager) admitQueuedLocked() []*queuedTrigger {
	var admitted []*queuedTrigger
	i := 0
	for i < m.queue.len() {
		item := m.queue.peekAt(i)
		if m.admissionConflict(item.context) != "" {
			i++
			continue
		}
		m.queue.removeAt(i)
		m.admitLocked(item.context)
		admitted = append(admitted, item)
		i = 0
	}
	return admitted
}

// publishOutcome unblocks synchronous waiters for triggers that will
// never run.
func (m *Manager) publishOutcome(ctx context.Context, executionID string, status models.TriggerStatus, reason string) {
	if m.cache == nil {
		return
	}
	result := map[string]interface{}{
		"executionId": executionID,
		"status":      string(status),
		"reason":      reason,
	}
	if err := m.cache.Set(ctx, executionID, result, m.cfg.CompletedMaxAge); err != nil {
		m.log.Warn("failed to publish trigger outcome", "execution_id", executionID, "error", err)
	}
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(ctx)
		}
	}
}

// cleanup expires overdue queued triggers and prunes old completions.
func (m *Manager) cleanup(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	expired := m.queue.expire(now.Add(-m.cfg.QueueTimeout))
	for _, item := range expired {
		m.rejected++
		m.completed[item.context.ExecutionID] = now
	}
	for id, finishedAt := range m.completed {
		if now.Sub(finishedAt) > m.cfg.CompletedMaxAge {
			delete(m.completed, id)
		}
	}
	m.mu.Unlock()

	for _, item := range expired {
		m.log.Warn("queued trigger expired", "execution_id", item.context.ExecutionID, "workflow_id", item.context.WorkflowID)
		m.publishOutcome(ctx, item.context.ExecutionID, models.TriggerStatusRejected, "queue wait timed out")
	}
}
