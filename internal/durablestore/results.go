package durablestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskmesh/taskmesh/internal/models"
)

// InsertResult persists one subtask result. The unique constraint on
// (task_id, subtask_id) makes ingestion idempotent: a redelivered message
// is a no-op and inserted reports false.
func (s *Store) InsertResult(ctx context.Context, result *models.SubTaskResult) (inserted bool, err error) {
	output, err := marshalOutput(result)
	if err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO subtask_results
			(task_id, subtask_id, worker_id, outcome, output, error, execution_time_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		ON CONFLICT (task_id, subtask_id) DO NOTHING`,
		result.TaskID, result.SubTaskID, result.WorkerID, string(result.Outcome),
		output, result.Error, result.ExecutionSecs, result.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert result for %s/%s: %w",
			result.TaskID, result.SubTaskID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpsertResult persists a result that supersedes any prior row for the same
// subtask. Used on the manual retry path, where a fresh execution replaces
// the failed record.
func (s *Store) UpsertResult(ctx context.Context, result *models.SubTaskResult) error {
	output, err := marshalOutput(result)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO subtask_results
			(task_id, subtask_id, worker_id, outcome, output, error, execution_time_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		ON CONFLICT (task_id, subtask_id) DO UPDATE SET
			worker_id = EXCLUDED.worker_id,
			outcome = EXCLUDED.outcome,
			output = EXCLUDED.output,
			error = EXCLUDED.error,
			execution_time_seconds = EXCLUDED.execution_time_seconds,
			created_at = EXCLUDED.created_at`,
		result.TaskID, result.SubTaskID, result.WorkerID, string(result.Outcome),
		output, result.Error, result.ExecutionSecs, result.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert result for %s/%s: %w",
			result.TaskID, result.SubTaskID, err)
	}
	return nil
}

// ListResults returns every result row for the task in insertion order.
func (s *Store) ListResults(ctx context.Context, taskID string) ([]models.SubTaskResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, subtask_id, worker_id, outcome, output, error, execution_time_seconds, created_at
		FROM subtask_results WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var results []models.SubTaskResult
	for rows.Next() {
		var (
			r       models.SubTaskResult
			outcome string
			output  []byte
			rErr    *string
		)
		if err := rows.Scan(&r.TaskID, &r.SubTaskID, &r.WorkerID, &outcome,
			&output, &rErr, &r.ExecutionSecs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		r.Outcome = models.Outcome(outcome)
		if len(output) > 0 {
			if err := json.Unmarshal(output, &r.Output); err != nil {
				return nil, fmt.Errorf("corrupt output blob for %s/%s: %w",
					r.TaskID, r.SubTaskID, err)
			}
		}
		if rErr != nil {
			r.Error = *rErr
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func marshalOutput(result *models.SubTaskResult) ([]byte, error) {
	if result.Output == nil {
		return nil, nil
	}
	output, err := json.Marshal(result.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output for %s/%s: %w",
			result.TaskID, result.SubTaskID, err)
	}
	return output, nil
}
