package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomflow/loomflow/common/db"
	"github.com/loomflow/loomflow/common/models"
)

// FlowStateRepository persists per-node execution state, one row per
// (executionId, nodeId) under the composite key "<executionId>_<nodeId>".
type FlowStateRepository struct {
	db *db.DB
}

// NewFlowStateRepository creates a new flow state repository
func NewFlowStateRepository(database *db.DB) *FlowStateRepository {
	return &FlowStateRepository{db: database}
}

// Save upserts one row per node state
func (r *FlowStateRepository) Save(ctx context.Context, executionID string, states []models.FlowNodeState) error {
	query := `
		INSERT INTO flow_execution_state (key, execution_id, node_id, status, output, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (key) DO UPDATE
		SET status = EXCLUDED.status, output = EXCLUDED.output, updated_at = EXCLUDED.updated_at
	`

	for _, state := range states {
		var output []byte
		var err error
		if state.Output != nil {
			output, err = json.Marshal(state.Output)
			if err != nil {
				return fmt.Errorf("failed to marshal node state output: %w", err)
			}
		}

		key := models.FlowStateKey(executionID, state.NodeID)
		if _, err := r.db.Exec(ctx, query, key, executionID, state.NodeID, state.Status, output); err != nil {
			return fmt.Errorf("failed to save flow state %s: %w", key, err)
		}
	}

	return nil
}

// Load retrieves all node states for an execution
func (r *FlowStateRepository) Load(ctx context.Context, executionID string) ([]models.FlowNodeState, error) {
	query := `
		SELECT execution_id, node_id, status, output, updated_at
		FROM flow_execution_state
		WHERE execution_id = $1
	`

	rows, err := r.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow state: %w", err)
	}
	defer rows.Close()

	var states []models.FlowNodeState
	for rows.Next() {
		var state models.FlowNodeState
		var output []byte

		if err := rows.Scan(&state.ExecutionID, &state.NodeID, &state.Status, &output, &state.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan flow state: %w", err)
		}
		if len(output) > 0 {
			if err := json.Unmarshal(output, &state.Output); err != nil {
				return nil, fmt.Errorf("failed to unmarshal node state output: %w", err)
			}
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flow state: %w", err)
	}

	return states, nil
}
