package repository

import (
	"context"
	"time"

	"github.com/loomflow/loomflow/common/db"
	"github.com/loomflow/loomflow/common/models"
)

// Store aggregates the execution, node-execution and flow-state
// repositories behind the persistence capability the engine consumes.
type Store struct {
	executions     *ExecutionRepository
	nodeExecutions *NodeExecutionRepository
	flowState      *FlowStateRepository
}

// NewStore creates a Postgres-backed store
func NewStore(database *db.DB) *Store {
	return &Store{
		executions:     NewExecutionRepository(database),
		nodeExecutions: NewNodeExecutionRepository(database),
		flowState:      NewFlowStateRepository(database),
	}
}

// CreateExecution inserts a new execution record
func (s *Store) CreateExecution(ctx context.Context, exec *models.Execution) error {
	return s.executions.Create(ctx, exec)
}

// GetExecution retrieves an execution by id
func (s *Store) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	return s.executions.GetByID(ctx, id)
}

// UpdateExecutionStatus applies a status transition to an execution
func (s *Store) UpdateExecutionStatus(ctx context.Context, id string, update models.ExecutionUpdate) error {
	return s.executions.UpdateStatus(ctx, id, update)
}

// DeleteExecution removes an execution record
func (s *Store) DeleteExecution(ctx context.Context, id string) error {
	return s.executions.Delete(ctx, id)
}

// CreateNodeExecution inserts a new node execution record
func (s *Store) CreateNodeExecution(ctx context.Context, ne *models.NodeExecution) error {
	return s.nodeExecutions.Create(ctx, ne)
}

// UpdateNodeExecution writes the mutable fields of a node execution record
func (s *Store) UpdateNodeExecution(ctx context.Context, ne *models.NodeExecution) error {
	return s.nodeExecutions.Update(ctx, ne)
}

// GetNodeExecution retrieves a node execution by id
func (s *Store) GetNodeExecution(ctx context.Context, id string) (*models.NodeExecution, error) {
	return s.nodeExecutions.GetByID(ctx, id)
}

// ListNodeExecutions retrieves all node executions for an execution
func (s *Store) ListNodeExecutions(ctx context.Context, executionID string) ([]*models.NodeExecution, error) {
	return s.nodeExecutions.ListByExecution(ctx, executionID)
}

// SaveFlowExecutionState upserts per-node execution state rows
func (s *Store) SaveFlowExecutionState(ctx context.Context, executionID string, states []models.FlowNodeState) error {
	return s.flowState.Save(ctx, executionID, states)
}

// LoadFlowExecutionState retrieves all node states for an execution
func (s *Store) LoadFlowExecutionState(ctx context.Context, executionID string) ([]models.FlowNodeState, error) {
	return s.flowState.Load(ctx, executionID)
}

// GetActiveExecutions retrieves all RUNNING executions
func (s *Store) GetActiveExecutions(ctx context.Context) ([]*models.Execution, error) {
	return s.executions.GetActive(ctx)
}

// CleanupStaleExecutions promotes overdue RUNNING executions to ERROR and
// drops flow-state rows older than 7 days
func (s *Store) CleanupStaleExecutions(ctx context.Context, maxAge time.Duration) (int, error) {
	return s.executions.CleanupStale(ctx, maxAge)
}
