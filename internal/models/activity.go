package models

import "time"

// LogLevel classifies activity log entries.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "INFO"
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// ActivityLog is an append-only audit record written by both the
// orchestrator and workers.
type ActivityLog struct {
	ID        int64     `json:"id,omitempty"`
	WorkerID  string    `json:"worker_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Metadata  JSON      `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
