package engine

import (
	"context"
	"time"

	"github.com/loomflow/loomflow/common/models"
)

// Store is the persistence capability the engine consumes. Both the
// Postgres-backed repository.Store and repository.MemoryStore satisfy it.
type Store interface {
	CreateExecution(ctx context.Context, exec *models.Execution) error
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	UpdateExecutionStatus(ctx context.Context, id string, update models.ExecutionUpdate) error
	DeleteExecution(ctx context.Context, id string) error

	CreateNodeExecution(ctx context.Context, ne *models.NodeExecution) error
	UpdateNodeExecution(ctx context.Context, ne *models.NodeExecution) error
	GetNodeExecution(ctx context.Context, id string) (*models.NodeExecution, error)
	ListNodeExecutions(ctx context.Context, executionID string) ([]*models.NodeExecution, error)

	SaveFlowExecutionState(ctx context.Context, executionID string, states []models.FlowNodeState) error
	LoadFlowExecutionState(ctx context.Context, executionID string) ([]models.FlowNodeState, error)

	GetActiveExecutions(ctx context.Context) ([]*models.Execution, error)
	CleanupStaleExecutions(ctx context.Context, maxAge time.Duration) (int, error)
}
