package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/jackc/pgx/v5"
	"github.com/loomflow/loomflow/common/db"
	"github.com/loomflow/loomflow/common/models"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// ExecutionRepository handles database operations for workflow executions
type ExecutionRepository struct {
	db *db.DB
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(database *db.DB) *ExecutionRepository {
	return &ExecutionRepository{db: database}
}

// Create inserts a new execution record
func (r *ExecutionRepository) Create(ctx context.Context, exec *models.Execution) error {
	query := `
		INSERT INTO executions (id, workflow_id, user_id, status, started_at, trigger_data, workflow_snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	triggerData, err := json.Marshal(exec.TriggerData)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger data: %w", err)
	}

	var snapshot []byte
	if exec.WorkflowSnapshot != nil {
		snapshot, err = json.Marshal(exec.WorkflowSnapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow snapshot: %w", err)
		}
	}

	_, err = r.db.Exec(
		ctx,
		query,
		exec.ID,
		exec.WorkflowID,
		exec.UserID,
		exec.Status,
		exec.StartedAt,
		triggerData,
		snapshot,
	)

	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

// GetByID retrieves an execution by its ID
func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	query := `
		SELECT id, workflow_id, user_id, status, started_at, finished_at, trigger_data, error, progress, workflow_snapshot
		FROM executions
		WHERE id = $1
	`

	return r.scanExecution(r.db.QueryRow(ctx, query, id))
}

func (r *ExecutionRepository) scanExecution(row pgx.Row) (*models.Execution, error) {
	exec := &models.Execution{}
	var triggerData, execError, progress, snapshot []byte

	err := row.Scan(
		&exec.ID,
		&exec.WorkflowID,
		&exec.UserID,
		&exec.Status,
		&exec.StartedAt,
		&exec.FinishedAt,
		&triggerData,
		&execError,
		&progress,
		&snapshot,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	if len(triggerData) > 0 {
		if err := json.Unmarshal(triggerData, &exec.TriggerData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger data: %w", err)
		}
	}
	if len(execError) > 0 {
		if err := json.Unmarshal(execError, &exec.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution error: %w", err)
		}
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &exec.Progress); err != nil {
			return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
		}
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &exec.WorkflowSnapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow snapshot: %w", err)
		}
	}

	return exec, nil
}

// UpdateStatus applies a status transition. Progress, when present, is
// merge-patched into the stored progress object so partial updates from
// different nodes accumulate instead of overwriting each other.
func (r *ExecutionRepository) UpdateStatus(ctx context.Context, id string, update models.ExecutionUpdate) error {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	var errJSON []byte
	if update.Error != nil {
		errJSON, err = json.Marshal(update.Error)
		if err != nil {
			return fmt.Errorf("failed to marshal execution error: %w", err)
		}
	}

	progressJSON, err := mergeProgress(current.Progress, update.Progress)
	if err != nil {
		return err
	}

	// Terminal records are immutable: a late progress write or a second
	// finalize must not overwrite SUCCESS/ERROR/CANCELLED/TIMEOUT
	query := `
		UPDATE executions
		SET status = $2,
		    finished_at = COALESCE($3, finished_at),
		    error = COALESCE($4, error),
		    progress = COALESCE($5, progress)
		WHERE id = $1 AND status NOT IN ('SUCCESS', 'ERROR', 'CANCELLED', 'TIMEOUT')
	`

	_, err = r.db.Exec(ctx, query, id, update.Status, update.FinishedAt, errJSON, progressJSON)
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}

	return nil
}

// mergeProgress merge-patches the incoming progress into the existing one
func mergeProgress(existing, incoming map[string]interface{}) ([]byte, error) {
	if incoming == nil {
		return nil, nil
	}

	patch, err := json.Marshal(incoming)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal progress patch: %w", err)
	}

	if existing == nil {
		return patch, nil
	}

	base, err := json.Marshal(existing)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal existing progress: %w", err)
	}

	merged, err := jsonpatch.MergePatch(base, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to merge progress: %w", err)
	}

	return merged, nil
}

// Delete removes an execution record
func (r *ExecutionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM executions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}
	return nil
}

// GetActive retrieves all RUNNING executions with no finished timestamp
func (r *ExecutionRepository) GetActive(ctx context.Context) ([]*models.Execution, error) {
	query := `
		SELECT id, workflow_id, user_id, status, started_at, finished_at, trigger_data, error, progress, workflow_snapshot
		FROM executions
		WHERE status = $1 AND finished_at IS NULL
	`

	rows, err := r.db.Query(ctx, query, models.ExecutionStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list active executions: %w", err)
	}
	defer rows.Close()

	var execs []*models.Execution
	for rows.Next() {
		exec, err := r.scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return execs, nil
}

// CleanupStale transitions RUNNING executions older than maxAge to ERROR
// with a TIMEOUT_ERROR payload, and drops flow-state rows older than 7 days.
// Returns the number of executions transitioned. Idempotent.
func (r *ExecutionRepository) CleanupStale(ctx context.Context, maxAge time.Duration) (int, error) {
	timeoutErr := models.ExecutionError{
		Type:      "TIMEOUT_ERROR",
		Message:   fmt.Sprintf("execution exceeded maximum age of %s", maxAge),
		Timestamp: time.Now(),
	}
	errJSON, err := json.Marshal(timeoutErr)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal timeout error: %w", err)
	}

	query := `
		UPDATE executions
		SET status = $1, finished_at = NOW(), error = $2
		WHERE status = $3 AND started_at < NOW() - $4::interval
	`

	tag, err := r.db.Exec(ctx, query,
		models.ExecutionStatusError,
		errJSON,
		models.ExecutionStatusRunning,
		fmt.Sprintf("%d milliseconds", maxAge.Milliseconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup stale executions: %w", err)
	}

	_, err = r.db.Exec(ctx, `DELETE FROM flow_execution_state WHERE updated_at < NOW() - INTERVAL '7 days'`)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup stale flow state: %w", err)
	}

	return int(tag.RowsAffected()), nil
}
