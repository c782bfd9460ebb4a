package durablestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/taskmesh/taskmesh/internal/models"
)

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, task *models.Task) error {
	subtasks, err := json.Marshal(task.SubTasks)
	if err != nil {
		return fmt.Errorf("failed to marshal subtasks: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, submitter_id, description, state, subtasks, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		task.ID, task.SubmitterID, task.Description, string(task.State),
		subtasks, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask loads one task by id. Returns ErrNotFound when absent.
func (s *Store) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, submitter_id, description, state, subtasks, aggregate_result, error, created_at, updated_at
		FROM tasks WHERE id = $1`, taskID)
	return scanTask(row)
}

// ListTasks returns the most recent tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, submitter_id, description, state, subtasks, aggregate_result, error, created_at, updated_at
		FROM tasks ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// UpdateTask writes the task's mutable columns with an optimistic check
// against the updated_at value the caller read. Returns ErrStale when the
// row changed underneath, ErrNotFound when it is gone.
func (s *Store) UpdateTask(ctx context.Context, task *models.Task, expectedUpdatedAt time.Time) error {
	var aggregate []byte
	if task.AggregateResult != nil {
		var err error
		aggregate, err = json.Marshal(task.AggregateResult)
		if err != nil {
			return fmt.Errorf("failed to marshal aggregate result: %w", err)
		}
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET state = $1, aggregate_result = $2, error = NULLIF($3, ''), updated_at = $4
		WHERE id = $5 AND updated_at = $6`,
		string(task.State), aggregate, task.Error, now, task.ID, expectedUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}
	if tag.RowsAffected() == 0 {
		exists, err := s.taskExists(ctx, task.ID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStale
	}
	task.UpdatedAt = now
	return nil
}

func (s *Store) taskExists(ctx context.Context, taskID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check task %s: %w", taskID, err)
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task      models.Task
		state     string
		subtasks  []byte
		aggregate []byte
		taskErr   *string
	)
	err := row.Scan(&task.ID, &task.SubmitterID, &task.Description, &state,
		&subtasks, &aggregate, &taskErr, &task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task row: %w", err)
	}

	task.State = models.TaskState(state)
	if err := json.Unmarshal(subtasks, &task.SubTasks); err != nil {
		return nil, fmt.Errorf("corrupt subtasks blob for task %s: %w", task.ID, err)
	}
	if len(aggregate) > 0 {
		if err := json.Unmarshal(aggregate, &task.AggregateResult); err != nil {
			return nil, fmt.Errorf("corrupt aggregate blob for task %s: %w", task.ID, err)
		}
	}
	if taskErr != nil {
		task.Error = *taskErr
	}
	return &task, nil
}
