package durablestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskmesh/taskmesh/internal/models"
)

// AppendActivity writes one audit row.
func (s *Store) AppendActivity(ctx context.Context, entry *models.ActivityLog) error {
	var metadata []byte
	if entry.Metadata != nil {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal activity metadata: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO activity_logs (worker_id, task_id, level, message, metadata, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)`,
		entry.WorkerID, entry.TaskID, string(entry.Level), entry.Message,
		metadata, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append activity log: %w", err)
	}
	return nil
}

// RecentActivity returns the newest log rows for a task, newest first.
func (s *Store) RecentActivity(ctx context.Context, taskID string, limit int) ([]models.ActivityLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, worker_id, COALESCE(task_id, ''), level, message, metadata, created_at
		FROM activity_logs WHERE task_id = $1
		ORDER BY id DESC LIMIT $2`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity logs for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var entries []models.ActivityLog
	for rows.Next() {
		var (
			e        models.ActivityLog
			level    string
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.WorkerID, &e.TaskID, &level, &e.Message,
			&metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		e.Level = models.LogLevel(level)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("corrupt activity metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
