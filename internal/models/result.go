package models

import (
	"fmt"
	"time"
)

// Outcome is the terminal state a worker reports for a single subtask.
type Outcome string

const (
	OutcomeCompleted Outcome = "COMPLETED"
	OutcomeFailed    Outcome = "FAILED"
)

// IsValid reports whether the outcome is one of the two wire values.
func (o Outcome) IsValid() bool {
	return o == OutcomeCompleted || o == OutcomeFailed
}

// SubTaskResult is the output of one subtask execution. Created once by the
// result processor upon dequeueing a worker's message; never updated except
// through the manual retry path.
type SubTaskResult struct {
	TaskID        string    `json:"task_id"`
	SubTaskID     string    `json:"subtask_id"`
	WorkerID      string    `json:"worker_id"`
	Outcome       Outcome   `json:"outcome"`
	Output        JSON      `json:"output,omitempty"`
	Error         string    `json:"error,omitempty"`
	ExecutionSecs float64   `json:"execution_time_seconds"`
	CreatedAt     time.Time `json:"created_at"`
}

// Validate enforces the result invariants: output iff completed, error iff
// failed, positive execution time.
func (r *SubTaskResult) Validate() error {
	if r.TaskID == "" || r.SubTaskID == "" || r.WorkerID == "" {
		return fmt.Errorf("result missing identifiers: task=%q subtask=%q worker=%q",
			r.TaskID, r.SubTaskID, r.WorkerID)
	}
	if !r.Outcome.IsValid() {
		return fmt.Errorf("invalid outcome %q", r.Outcome)
	}
	if r.Outcome == OutcomeCompleted && r.Output == nil {
		return fmt.Errorf("completed result for %s has no output", r.SubTaskID)
	}
	if r.Outcome == OutcomeFailed && r.Error == "" {
		return fmt.Errorf("failed result for %s has no error", r.SubTaskID)
	}
	if r.ExecutionSecs <= 0 {
		return fmt.Errorf("execution time must be positive, got %v", r.ExecutionSecs)
	}
	return nil
}
