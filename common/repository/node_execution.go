package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/loomflow/loomflow/common/db"
	"github.com/loomflow/loomflow/common/models"
)

// NodeExecutionRepository handles database operations for node executions
type NodeExecutionRepository struct {
	db *db.DB
}

// NewNodeExecutionRepository creates a new node execution repository
func NewNodeExecutionRepository(database *db.DB) *NodeExecutionRepository {
	return &NodeExecutionRepository{db: database}
}

// Create inserts a new node execution record
func (r *NodeExecutionRepository) Create(ctx context.Context, ne *models.NodeExecution) error {
	query := `
		INSERT INTO node_executions (id, execution_id, node_id, status, input_data, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	var inputData []byte
	var err error
	if ne.InputData != nil {
		inputData, err = json.Marshal(ne.InputData)
		if err != nil {
			return fmt.Errorf("failed to marshal input data: %w", err)
		}
	}

	_, err = r.db.Exec(ctx, query, ne.ID, ne.ExecutionID, ne.NodeID, ne.Status, inputData, ne.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create node execution: %w", err)
	}

	return nil
}

// Update writes the mutable fields of a node execution record.
// Terminal transitions are monotonic: a terminal row is never overwritten.
func (r *NodeExecutionRepository) Update(ctx context.Context, ne *models.NodeExecution) error {
	var outputData []byte
	var err error
	if ne.OutputData != nil {
		outputData, err = json.Marshal(ne.OutputData)
		if err != nil {
			return fmt.Errorf("failed to marshal output data: %w", err)
		}
	}

	query := `
		UPDATE node_executions
		SET status = $2,
		    output_data = COALESCE($3, output_data),
		    error = COALESCE(NULLIF($4, ''), error),
		    started_at = COALESCE($5, started_at),
		    finished_at = COALESCE($6, finished_at)
		WHERE id = $1
		  AND status NOT IN ('SUCCESS', 'ERROR', 'CANCELLED', 'SKIPPED')
	`

	_, err = r.db.Exec(ctx, query, ne.ID, ne.Status, outputData, ne.Error, ne.StartedAt, ne.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to update node execution: %w", err)
	}

	return nil
}

// GetByID retrieves a node execution by its ID
func (r *NodeExecutionRepository) GetByID(ctx context.Context, id string) (*models.NodeExecution, error) {
	query := `
		SELECT id, execution_id, node_id, status, input_data, output_data, error, started_at, finished_at
		FROM node_executions
		WHERE id = $1
	`

	return r.scanNodeExecution(r.db.QueryRow(ctx, query, id))
}

// ListByExecution retrieves all node executions for an execution
func (r *NodeExecutionRepository) ListByExecution(ctx context.Context, executionID string) ([]*models.NodeExecution, error) {
	query := `
		SELECT id, execution_id, node_id, status, input_data, output_data, error, started_at, finished_at
		FROM node_executions
		WHERE execution_id = $1
		ORDER BY started_at ASC
	`

	rows, err := r.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node executions: %w", err)
	}
	defer rows.Close()

	var records []*models.NodeExecution
	for rows.Next() {
		ne, err := r.scanNodeExecution(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, ne)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node executions: %w", err)
	}

	return records, nil
}

func (r *NodeExecutionRepository) scanNodeExecution(row pgx.Row) (*models.NodeExecution, error) {
	ne := &models.NodeExecution{}
	var inputData, outputData []byte
	var execError *string

	err := row.Scan(
		&ne.ID,
		&ne.ExecutionID,
		&ne.NodeID,
		&ne.Status,
		&inputData,
		&outputData,
		&execError,
		&ne.StartedAt,
		&ne.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node execution: %w", err)
	}

	if len(inputData) > 0 {
		if err := json.Unmarshal(inputData, &ne.InputData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input data: %w", err)
		}
	}
	if len(outputData) > 0 {
		if err := json.Unmarshal(outputData, &ne.OutputData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output data: %w", err)
		}
	}
	if execError != nil {
		ne.Error = *execError
	}

	return ne, nil
}
