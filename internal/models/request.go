package models

// WorkItem is the unit carried on the work queue: one ready subtask plus the
// outputs of its completed dependencies.
type WorkItem struct {
	TaskID          string  `json:"task_id"`
	SubTask         SubTask `json:"subtask"`
	UpstreamContext JSON    `json:"upstream_context"`
}

// ExecutionRequest is the body posted to a worker's /execute endpoint. It is
// identical in shape to WorkItem; kept as its own type because it is a wire
// contract with remote workers, not an internal queue format.
type ExecutionRequest struct {
	TaskID          string  `json:"task_id"`
	SubTask         SubTask `json:"subtask"`
	UpstreamContext JSON    `json:"upstream_context"`
}

// ExecutionResponse is the worker's synchronous reply to /execute.
type ExecutionResponse struct {
	Status   string `json:"status"`
	WorkerID string `json:"worker_id"`
}

// ExecutionAccepted is the Status value for an accepted execution request.
const ExecutionAccepted = "accepted"

// HealthResponse is the worker's reply to /health.
type HealthResponse struct {
	Status         string `json:"status"`
	WorkerID       string `json:"worker_id"`
	Available      bool   `json:"available"`
	CurrentSubTask string `json:"current_subtask,omitempty"`
}
