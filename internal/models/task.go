package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskStatePending   TaskState = "PENDING"
	TaskStateRunning   TaskState = "RUNNING"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateFailed    TaskState = "FAILED"
	TaskStateCancelled TaskState = "CANCELLED"
)

// IsTerminal reports whether no further transitions are expected. FAILED is
// terminal except for the explicit manual retry path.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

// CanTransitionTo validates the task state machine:
// PENDING -> RUNNING -> {COMPLETED, FAILED}; {PENDING, RUNNING} -> CANCELLED;
// FAILED -> RUNNING only via manual retry.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	switch s {
	case TaskStatePending:
		return next == TaskStateRunning || next == TaskStateCancelled
	case TaskStateRunning:
		return next == TaskStateCompleted || next == TaskStateFailed || next == TaskStateCancelled
	case TaskStateFailed:
		return next == TaskStateRunning
	}
	return false
}

const (
	// MinTaskDescription and MaxTaskDescription bound user-submitted task
	// descriptions.
	MinTaskDescription = 10
	MaxTaskDescription = 5000

	// MinSubTaskDescription and MaxSubTaskDescription bound planner-produced
	// subtask descriptions.
	MinSubTaskDescription = 10
	MaxSubTaskDescription = 1000
)

// DefaultSubmitterID is used when a submission does not name a submitter.
const DefaultSubmitterID = "default_user"

// Task is a user submission decomposed into a DAG of subtasks. The task row
// is exclusively owned by the orchestrator; workers only produce
// SubTaskResult messages.
type Task struct {
	ID              string    `json:"id"`
	SubmitterID     string    `json:"submitter_id"`
	Description     string    `json:"description"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	State           TaskState `json:"state"`
	SubTasks        []SubTask `json:"subtasks"`
	AggregateResult JSON      `json:"aggregate_result,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// SubTask is the smallest schedulable unit, assigned to one worker.
type SubTask struct {
	ID                   string       `json:"id"`
	Description          string       `json:"description"`
	RequiredCapabilities []Capability `json:"required_capabilities"`
	Dependencies         []string     `json:"dependencies"`
	Priority             int          `json:"priority"`
	EstimatedDuration    int          `json:"estimated_duration_seconds,omitempty"`
	InputData            JSON         `json:"input_data"`
}

// SubTaskByID returns the subtask with the given id, if present.
func (t *Task) SubTaskByID(id string) (SubTask, bool) {
	for _, st := range t.SubTasks {
		if st.ID == id {
			return st, true
		}
	}
	return SubTask{}, false
}

// NewTaskID mints a globally unique, chronologically sortable task id.
func NewTaskID(now time.Time) string {
	return fmt.Sprintf("task_%s_%s", now.UTC().Format("20060102150405"), shortUUID(8))
}

// NewSubTaskID mints a subtask id unique within its task.
func NewSubTaskID() string {
	return "subtask_" + shortUUID(12)
}

func shortUUID(n int) string {
	s := strings.ReplaceAll(uuid.New().String(), "-", "")
	if len(s) > n {
		s = s[:n]
	}
	return s
}

// ValidateDescription checks the task description length constraint.
func ValidateDescription(desc string) error {
	if n := len(desc); n < MinTaskDescription || n > MaxTaskDescription {
		return fmt.Errorf("description must be %d..%d characters, got %d",
			MinTaskDescription, MaxTaskDescription, n)
	}
	return nil
}
