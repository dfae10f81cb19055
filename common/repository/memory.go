package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomflow/loomflow/common/models"
)

// MemoryStore is an in-memory persistence adapter for development and
// tests. It enforces the same monotonic-terminal rules as the Postgres
// store.
type MemoryStore struct {
	mu             sync.RWMutex
	executions     map[string]*models.Execution
	nodeExecutions map[string]*models.NodeExecution
	flowState      map[string]models.FlowNodeState
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions:     make(map[string]*models.Execution),
		nodeExecutions: make(map[string]*models.NodeExecution),
		flowState:      make(map[string]models.FlowNodeState),
	}
}

// CreateExecution inserts a new execution record
func (s *MemoryStore) CreateExecution(ctx context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	clone := *exec
	s.executions[exec.ID] = &clone
	return nil
}

// GetExecution retrieves an execution by id
func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, exists := s.executions[id]
	if !exists {
		return nil, ErrNotFound
	}
	clone := *exec
	return &clone, nil
}

// UpdateExecutionStatus applies a status transition to an execution.
// Terminal records are left untouched, matching the Postgres store.
func (s *MemoryStore) UpdateExecutionStatus(ctx context.Context, id string, update models.ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, exists := s.executions[id]
	if !exists {
		return ErrNotFound
	}
	if exec.Status.IsTerminal() {
		return nil
	}

	exec.Status = update.Status
	if update.FinishedAt != nil {
		exec.FinishedAt = update.FinishedAt
	}
	if update.Error != nil {
		exec.Error = update.Error
	}
	if update.Progress != nil {
		if exec.Progress == nil {
			exec.Progress = make(map[string]interface{})
		}
		for k, v := range update.Progress {
			if v == nil {
				delete(exec.Progress, k)
				continue
			}
			exec.Progress[k] = v
		}
	}
	return nil
}

// DeleteExecution removes an execution record
func (s *MemoryStore) DeleteExecution(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.executions, id)
	return nil
}

// CreateNodeExecution inserts a new node execution record
func (s *MemoryStore) CreateNodeExecution(ctx context.Context, ne *models.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodeExecutions[ne.ID]; exists {
		return fmt.Errorf("node execution %s already exists", ne.ID)
	}
	clone := *ne
	s.nodeExecutions[ne.ID] = &clone
	return nil
}

// UpdateNodeExecution writes the mutable fields of a node execution.
// A terminal row is never overwritten.
func (s *MemoryStore) UpdateNodeExecution(ctx context.Context, ne *models.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.nodeExecutions[ne.ID]
	if !exists {
		return ErrNotFound
	}
	if stored.Status.IsTerminal() {
		return nil
	}

	stored.Status = ne.Status
	if ne.OutputData != nil {
		stored.OutputData = ne.OutputData
	}
	if ne.Error != "" {
		stored.Error = ne.Error
	}
	if ne.StartedAt != nil {
		stored.StartedAt = ne.StartedAt
	}
	if ne.FinishedAt != nil {
		stored.FinishedAt = ne.FinishedAt
	}
	return nil
}

// GetNodeExecution retrieves a node execution by id
func (s *MemoryStore) GetNodeExecution(ctx context.Context, id string) (*models.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ne, exists := s.nodeExecutions[id]
	if !exists {
		return nil, ErrNotFound
	}
	clone := *ne
	return &clone, nil
}

// ListNodeExecutions retrieves all node executions for an execution
func (s *MemoryStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*models.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*models.NodeExecution
	for _, ne := range s.nodeExecutions {
		if ne.ExecutionID == executionID {
			clone := *ne
			records = append(records, &clone)
		}
	}
	return records, nil
}

// SaveFlowExecutionState upserts per-node execution state rows
func (s *MemoryStore) SaveFlowExecutionState(ctx context.Context, executionID string, states []models.FlowNodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, state := range states {
		state.ExecutionID = executionID
		state.UpdatedAt = time.Now()
		s.flowState[models.FlowStateKey(executionID, state.NodeID)] = state
	}
	return nil
}

// LoadFlowExecutionState retrieves all node states for an execution
func (s *MemoryStore) LoadFlowExecutionState(ctx context.Context, executionID string) ([]models.FlowNodeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var states []models.FlowNodeState
	for _, state := range s.flowState {
		if state.ExecutionID == executionID {
			states = append(states, state)
		}
	}
	return states, nil
}

// GetActiveExecutions retrieves all RUNNING executions
func (s *MemoryStore) GetActiveExecutions(ctx context.Context) ([]*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var execs []*models.Execution
	for _, exec := range s.executions {
		if exec.Status == models.ExecutionStatusRunning && exec.FinishedAt == nil {
			clone := *exec
			execs = append(execs, &clone)
		}
	}
	return execs, nil
}

// CleanupStaleExecutions promotes overdue RUNNING executions to ERROR and
// drops flow-state rows older than 7 days. Idempotent.
func (s *MemoryStore) CleanupStaleExecutions(ctx context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-maxAge)
	count := 0

	for _, exec := range s.executions {
		if exec.Status == models.ExecutionStatusRunning && exec.StartedAt.Before(cutoff) {
			finished := now
			exec.Status = models.ExecutionStatusError
			exec.FinishedAt = &finished
			exec.Error = &models.ExecutionError{
				Type:      "TIMEOUT_ERROR",
				Message:   fmt.Sprintf("execution exceeded maximum age of %s", maxAge),
				Timestamp: now,
			}
			count++
		}
	}

	stateCutoff := now.Add(-7 * 24 * time.Hour)
	for key, state := range s.flowState {
		if state.UpdatedAt.Before(stateCutoff) {
			delete(s.flowState, key)
		}
	}

	return count, nil
}
