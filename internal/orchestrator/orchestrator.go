// Package orchestrator wires the task lifecycle together: submission and
// decomposition, the dispatch and result-processing loops, and the
// management operations the HTTP layer exposes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/coordstore"
	"github.com/taskmesh/taskmesh/internal/dag"
	"github.com/taskmesh/taskmesh/internal/decomposer"
	"github.com/taskmesh/taskmesh/internal/dispatcher"
	"github.com/taskmesh/taskmesh/internal/durablestore"
	"github.com/taskmesh/taskmesh/internal/logger"
	"github.com/taskmesh/taskmesh/internal/metrics"
	"github.com/taskmesh/taskmesh/internal/models"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/resultproc"
	"github.com/taskmesh/taskmesh/internal/stringutil"
)

// ErrInvalidInput marks user errors surfaced as 400 at the API boundary.
var ErrInvalidInput = errors.New("invalid input")

// ErrBadState is returned when an operation does not apply to the task's
// current state, e.g. cancelling a completed task.
var ErrBadState = errors.New("operation not allowed in current task state")

// TaskStore is the durable store surface the orchestrator needs. Satisfied
// by *durablestore.Store.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	ListTasks(ctx context.Context, limit int) ([]models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task, expectedUpdatedAt time.Time) error
	InsertResult(ctx context.Context, result *models.SubTaskResult) (bool, error)
	UpsertResult(ctx context.Context, result *models.SubTaskResult) error
	ListResults(ctx context.Context, taskID string) ([]models.SubTaskResult, error)
	AppendActivity(ctx context.Context, entry *models.ActivityLog) error
	RecentActivity(ctx context.Context, taskID string, limit int) ([]models.ActivityLog, error)
}

// SubmitReceipt is returned to the submitter.
type SubmitReceipt struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	SubTasksCount int    `json:"subtasks_count"`
	InitialQueued int    `json:"initial_subtasks_queued"`
}

// Core is the orchestrator engine.
type Core struct {
	coord      *coordstore.Store
	tasks      TaskStore
	registry   *registry.Registry
	decomposer *decomposer.Decomposer
	counters   *metrics.Counters
	scheduler  config.Scheduler

	wg sync.WaitGroup
}

// New creates the Core from its collaborators.
func New(
	coord *coordstore.Store,
	tasks TaskStore,
	reg *registry.Registry,
	dec *decomposer.Decomposer,
	counters *metrics.Counters,
	scheduler config.Scheduler,
) *Core {
	return &Core{
		coord:      coord,
		tasks:      tasks,
		registry:   reg,
		decomposer: dec,
		counters:   counters,
		scheduler:  scheduler,
	}
}

// Start launches the dispatch and result-processing loops. They stop when
// the context is cancelled; Wait blocks until they have drained.
func (c *Core) Start(ctx context.Context) {
	for i := 0; i < c.scheduler.DispatcherConcurrency; i++ {
		d := dispatcher.New(c.coord, c.registry, c.tasks, c.counters, c.scheduler)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			d.Run(ctx)
		}()
	}
	for i := 0; i < c.scheduler.ResultProcessorConcurrency; i++ {
		p := resultproc.New(c.coord, c.tasks, c.counters, c.scheduler)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			p.Run(ctx)
		}()
	}
}

// Wait blocks until every loop started by Start has exited.
func (c *Core) Wait() {
	c.wg.Wait()
}

// Submit validates the description, decomposes it into a subtask DAG,
// persists the task, and enqueues the initial ready set.
func (c *Core) Submit(ctx context.Context, description, submitterID string) (*SubmitReceipt, error) {
	if err := models.ValidateDescription(description); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	if submitterID == "" {
		submitterID = models.DefaultSubmitterID
	}

	subtasks, err := c.decomposer.Decompose(ctx, description)
	if err != nil {
		return nil, fmt.Errorf("decomposition failed: %w", err)
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID:          models.NewTaskID(now),
		SubmitterID: submitterID,
		Description: description,
		State:       models.TaskStatePending,
		SubTasks:    subtasks,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.tasks.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}

	graph, err := dag.Build(subtasks)
	if err != nil {
		// Decompose validated the DAG already; failing here means a bug.
		return nil, fmt.Errorf("task DAG rejected: %w", err)
	}

	queued := 0
	for _, st := range graph.Roots() {
		item := &models.WorkItem{TaskID: task.ID, SubTask: st}
		if err := c.coord.EnqueueWork(ctx, item); err != nil {
			return nil, fmt.Errorf("failed to enqueue initial subtask %s: %w", st.ID, err)
		}
		queued++
	}

	snapshot := task.UpdatedAt
	task.State = models.TaskStateRunning
	if err := c.tasks.UpdateTask(ctx, task, snapshot); err != nil {
		return nil, fmt.Errorf("failed to mark task running: %w", err)
	}

	logger.Info(ctx, "Task submitted",
		"taskId", task.ID, "subtasks", len(subtasks), "queued", queued,
		"description", stringutil.TruncString(description, 64))
	c.logActivity(ctx, task.ID, models.LogLevelInfo, "task submitted",
		models.JSON{"subtasks": len(subtasks), "queued": queued})

	return &SubmitReceipt{
		TaskID:        task.ID,
		Status:        "created",
		SubTasksCount: len(subtasks),
		InitialQueued: queued,
	}, nil
}

// GetTask returns one task.
func (c *Core) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return c.tasks.GetTask(ctx, taskID)
}

// TaskResults returns every recorded subtask result for the task.
func (c *Core) TaskResults(ctx context.Context, taskID string) ([]models.SubTaskResult, error) {
	return c.tasks.ListResults(ctx, taskID)
}

// ListTasks returns the most recent tasks.
func (c *Core) ListTasks(ctx context.Context, limit int) ([]models.Task, error) {
	return c.tasks.ListTasks(ctx, limit)
}

// CancelTask moves a PENDING or RUNNING task to CANCELLED. Subtasks already
// at a worker finish and their results are recorded, but no successor is
// enqueued afterwards.
func (c *Core) CancelTask(ctx context.Context, taskID string) error {
	return c.transition(ctx, taskID, models.TaskStateCancelled, func(task *models.Task) error {
		task.State = models.TaskStateCancelled
		return nil
	})
}

// RetryTask re-dispatches a task's stuck subtasks. A FAILED task is reset
// to RUNNING and its failed subtasks go back on the queue. A RUNNING task
// re-enqueues the ready subtasks that never got a result recorded, which
// recovers work held by a worker that died mid-execution. Successors of a
// retried subtask become ready through the normal completion path.
func (c *Core) RetryTask(ctx context.Context, taskID string) error {
	var retry []models.SubTask
	var outputs map[string]models.JSON
	for attempt := 0; ; attempt++ {
		task, err := c.tasks.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.State != models.TaskStateFailed && task.State != models.TaskStateRunning {
			return fmt.Errorf("%w: cannot retry a %s task", ErrBadState, task.State)
		}

		results, err := c.tasks.ListResults(ctx, task.ID)
		if err != nil {
			return fmt.Errorf("failed to list results: %w", err)
		}
		failedIDs := make(map[string]bool)
		outputs = make(map[string]models.JSON)
		for _, r := range results {
			switch r.Outcome {
			case models.OutcomeFailed:
				failedIDs[r.SubTaskID] = true
			case models.OutcomeCompleted:
				outputs[r.SubTaskID] = r.Output
			}
		}

		retry = retry[:0]
		for _, st := range task.SubTasks {
			switch {
			case failedIDs[st.ID]:
				retry = append(retry, st)
			case task.State == models.TaskStateRunning:
				// A ready subtask with no result row was handed to a
				// worker that never reported back.
				if _, done := outputs[st.ID]; !done && depsSatisfied(st, outputs) {
					retry = append(retry, st)
				}
			}
		}
		if len(retry) == 0 {
			return fmt.Errorf("%w: no subtasks to retry", ErrBadState)
		}

		snapshot := task.UpdatedAt
		task.State = models.TaskStateRunning
		task.Error = ""
		err = c.tasks.UpdateTask(ctx, task, snapshot)
		if err == nil {
			break
		}
		if !errors.Is(err, durablestore.ErrStale) || attempt >= 3 {
			return err
		}
	}

	// Rebuild each subtask's upstream context from its completed
	// dependencies and put it back on the queue.
	for _, st := range retry {
		blob := make(models.JSON)
		for _, dep := range st.Dependencies {
			if out, ok := outputs[dep]; ok {
				blob[dep] = out
			}
		}
		if len(blob) == 0 {
			blob = nil
		}
		item := &models.WorkItem{TaskID: taskID, SubTask: st, UpstreamContext: blob}
		if err := c.coord.EnqueueWork(ctx, item); err != nil {
			return fmt.Errorf("failed to re-enqueue subtask %s: %w", st.ID, err)
		}
		logger.Info(ctx, "Subtask re-enqueued", "taskId", taskID, "subtaskId", st.ID)
	}
	c.logActivity(ctx, taskID, models.LogLevelInfo, "task retried",
		models.JSON{"retried_subtasks": len(retry)})
	return nil
}

// depsSatisfied reports whether every dependency has a completed output.
func depsSatisfied(st models.SubTask, outputs map[string]models.JSON) bool {
	for _, dep := range st.Dependencies {
		if _, ok := outputs[dep]; !ok {
			return false
		}
	}
	return true
}

// transition applies a guarded state change with optimistic retries.
func (c *Core) transition(ctx context.Context, taskID string, target models.TaskState, mutate func(*models.Task) error) error {
	for attempt := 0; ; attempt++ {
		task, err := c.tasks.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !task.State.CanTransitionTo(target) {
			return fmt.Errorf("%w: %s -> %s", ErrBadState, task.State, target)
		}

		snapshot := task.UpdatedAt
		if err := mutate(task); err != nil {
			return err
		}
		err = c.tasks.UpdateTask(ctx, task, snapshot)
		if err == nil {
			logger.Info(ctx, "Task state changed", "taskId", taskID, "state", string(target))
			return nil
		}
		if !errors.Is(err, durablestore.ErrStale) || attempt >= 3 {
			return err
		}
	}
}

// ListWorkers returns every live worker.
func (c *Core) ListWorkers(ctx context.Context) ([]models.WorkerInfo, error) {
	return c.registry.ListLive(ctx)
}

// ListAvailableWorkers returns the live, available workers matching the
// capability filter under the configured policy. An empty filter matches
// every available worker.
func (c *Core) ListAvailableWorkers(ctx context.Context, required []models.Capability) ([]models.WorkerInfo, error) {
	return c.registry.AvailableFor(ctx, required, c.scheduler.SelectionPolicy)
}

// RecentLogs returns the newest activity rows for a task.
func (c *Core) RecentLogs(ctx context.Context, taskID string, limit int) ([]models.ActivityLog, error) {
	if _, err := c.tasks.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return c.tasks.RecentActivity(ctx, taskID, limit)
}

func (c *Core) logActivity(ctx context.Context, taskID string, level models.LogLevel, message string, metadata models.JSON) {
	err := c.tasks.AppendActivity(ctx, &models.ActivityLog{
		WorkerID:  "orchestrator",
		TaskID:    taskID,
		Level:     level,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		logger.Error(ctx, "Failed to write activity log", "err", err)
	}
}
