// Package resultproc drains the result queue, records every subtask
// outcome durably, advances each task's DAG, and detects completion or
// failure of the whole task.
package resultproc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/coordstore"
	"github.com/taskmesh/taskmesh/internal/dag"
	"github.com/taskmesh/taskmesh/internal/durablestore"
	"github.com/taskmesh/taskmesh/internal/logger"
	"github.com/taskmesh/taskmesh/internal/metrics"
	"github.com/taskmesh/taskmesh/internal/models"
)

// TaskStore is the slice of the durable store the processor needs.
type TaskStore interface {
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task, expectedUpdatedAt time.Time) error
	InsertResult(ctx context.Context, result *models.SubTaskResult) (bool, error)
	UpsertResult(ctx context.Context, result *models.SubTaskResult) error
	ListResults(ctx context.Context, taskID string) ([]models.SubTaskResult, error)
	AppendActivity(ctx context.Context, entry *models.ActivityLog) error
}

// Processor runs one result-processing loop.
type Processor struct {
	queue    *coordstore.Store
	tasks    TaskStore
	counters *metrics.Counters

	dequeueTimeout time.Duration
}

// New creates a Processor.
func New(queue *coordstore.Store, tasks TaskStore, counters *metrics.Counters, cfg config.Scheduler) *Processor {
	return &Processor{
		queue:          queue,
		tasks:          tasks,
		counters:       counters,
		dequeueTimeout: cfg.DequeueTimeout,
	}
}

// Run processes the result queue until the context is cancelled.
func (p *Processor) Run(ctx context.Context) {
	logger.Info(ctx, "Result processor started")
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Result processor stopped")
			return
		default:
		}

		result, err := p.queue.DequeueResult(ctx, p.dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			// Poison messages are consumed by the dequeue; everything
			// else is a store problem worth a pause.
			logger.Error(ctx, "Result dequeue failed", "err", err)
			p.sleep(ctx, time.Second)
			continue
		}
		if result == nil {
			continue
		}

		if err := p.ProcessOne(ctx, result); err != nil && ctx.Err() == nil {
			logger.Error(ctx, "Result processing failed",
				"taskId", result.TaskID, "subtaskId", result.SubTaskID, "err", err)
		}
	}
}

// ProcessOne handles a single dequeued result end to end.
func (p *Processor) ProcessOne(ctx context.Context, result *models.SubTaskResult) error {
	if err := result.Validate(); err != nil {
		// Malformed results are dropped, not re-enqueued.
		logger.Error(ctx, "Dropping invalid result", "err", err)
		return nil
	}

	// Best-effort: free the worker regardless of what happens below, so a
	// processing hiccup does not wedge the worker as busy forever.
	defer func() {
		if err := p.queue.SetWorkerAvailable(ctx, result.WorkerID); err != nil {
			logger.Warn(ctx, "Failed to mark worker available",
				"workerId", result.WorkerID, "err", err)
		}
	}()

	inserted, err := p.tasks.InsertResult(ctx, result)
	if err != nil {
		return fmt.Errorf("failed to persist result: %w", err)
	}
	if !inserted {
		superseded, err := p.supersedeFailed(ctx, result)
		if err != nil {
			return err
		}
		if !superseded {
			// At-least-once delivery: a replay must not advance the DAG
			// a second time.
			logger.Debug(ctx, "Duplicate result ignored",
				"taskId", result.TaskID, "subtaskId", result.SubTaskID)
			return nil
		}
	}
	p.counters.ResultsProcessed.WithLabelValues(string(result.Outcome)).Inc()

	return p.advanceTask(ctx, result)
}

// supersedeFailed handles results for a subtask that already has a FAILED
// row: the manual retry path re-executes failed subtasks, and the fresh
// result replaces the old record. Rows in any other state stay untouched.
func (p *Processor) supersedeFailed(ctx context.Context, result *models.SubTaskResult) (bool, error) {
	existing, err := p.tasks.ListResults(ctx, result.TaskID)
	if err != nil {
		return false, fmt.Errorf("failed to list results: %w", err)
	}
	for i := range existing {
		if existing[i].SubTaskID != result.SubTaskID {
			continue
		}
		if existing[i].Outcome != models.OutcomeFailed {
			return false, nil
		}
		if err := p.tasks.UpsertResult(ctx, result); err != nil {
			return false, fmt.Errorf("failed to supersede result: %w", err)
		}
		logger.Info(ctx, "Superseded failed result",
			"taskId", result.TaskID, "subtaskId", result.SubTaskID,
			"outcome", string(result.Outcome))
		return true, nil
	}
	return false, nil
}

// advanceTask recomputes the task's state from its result rows and either
// finishes the task or enqueues the subtasks this result unblocked. The
// optimistic update retries a few times against concurrent processors.
func (p *Processor) advanceTask(ctx context.Context, result *models.SubTaskResult) error {
	for attempt := 0; ; attempt++ {
		task, err := p.tasks.GetTask(ctx, result.TaskID)
		if errors.Is(err, durablestore.ErrNotFound) {
			logger.Error(ctx, "Result for unknown task dropped", "taskId", result.TaskID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load task: %w", err)
		}

		done, err := p.advanceOnce(ctx, task, result)
		if err == nil || done {
			return err
		}
		if !errors.Is(err, durablestore.ErrStale) || attempt >= 3 {
			return err
		}
		logger.Debug(ctx, "Task row raced, retrying", "taskId", task.ID)
	}
}

func (p *Processor) advanceOnce(ctx context.Context, task *models.Task, result *models.SubTaskResult) (done bool, err error) {
	// Cancelled tasks keep their results for the record but spawn no
	// successors and never change state again.
	if task.State == models.TaskStateCancelled {
		logger.Info(ctx, "Result recorded for cancelled task",
			"taskId", task.ID, "subtaskId", result.SubTaskID)
		return true, nil
	}

	results, err := p.tasks.ListResults(ctx, task.ID)
	if err != nil {
		return true, fmt.Errorf("failed to list results: %w", err)
	}

	completed := make(map[string]bool)
	var firstFailed *models.SubTaskResult
	failedCount := 0
	for i := range results {
		switch results[i].Outcome {
		case models.OutcomeCompleted:
			completed[results[i].SubTaskID] = true
		case models.OutcomeFailed:
			failedCount++
			if firstFailed == nil {
				firstFailed = &results[i]
			}
		}
	}

	graph, err := dag.Build(task.SubTasks)
	if err != nil {
		return true, fmt.Errorf("corrupt task DAG: %w", err)
	}

	snapshot := task.UpdatedAt
	switch {
	case firstFailed != nil:
		// One failed subtask fails the task: its transitive successors
		// are blocked, so the plan can never fully execute.
		task.State = models.TaskStateFailed
		task.Error = fmt.Sprintf("subtask %s failed: %s", firstFailed.SubTaskID, firstFailed.Error)
		if err := p.tasks.UpdateTask(ctx, task, snapshot); err != nil {
			return false, err
		}
		p.counters.TasksFinished.WithLabelValues(string(models.TaskStateFailed)).Inc()
		logger.Warn(ctx, "Task failed",
			"taskId", task.ID, "failedSubtaskId", firstFailed.SubTaskID, "err", firstFailed.Error)
		p.logActivity(ctx, task.ID, result.WorkerID, models.LogLevelError,
			"task failed", models.JSON{"failed_subtask_id": firstFailed.SubTaskID})
		return true, nil

	case len(completed) == len(task.SubTasks):
		task.State = models.TaskStateCompleted
		task.AggregateResult = aggregate(results)
		if err := p.tasks.UpdateTask(ctx, task, snapshot); err != nil {
			return false, err
		}
		p.counters.TasksFinished.WithLabelValues(string(models.TaskStateCompleted)).Inc()
		logger.Info(ctx, "Task completed", "taskId", task.ID, "subtasks", len(task.SubTasks))
		p.logActivity(ctx, task.ID, result.WorkerID, models.LogLevelInfo,
			"task completed", models.JSON{"subtasks": len(task.SubTasks)})
		return true, nil

	default:
		// Still in progress. Only a completion can unblock successors,
		// and only those whose final dependency this result satisfied;
		// that keeps each subtask enqueued exactly once.
		if result.Outcome != models.OutcomeCompleted {
			return true, nil
		}
		outputs := outputsByID(results)
		for _, st := range graph.NewlyReady(result.SubTaskID, completed) {
			item := &models.WorkItem{
				TaskID:          task.ID,
				SubTask:         st,
				UpstreamContext: upstreamContext(st, outputs),
			}
			if err := p.queue.EnqueueWork(ctx, item); err != nil {
				return true, fmt.Errorf("failed to enqueue subtask %s: %w", st.ID, err)
			}
			logger.Info(ctx, "Subtask unblocked",
				"taskId", task.ID, "subtaskId", st.ID, "completedDependency", result.SubTaskID)
		}
		return true, nil
	}
}

// aggregate builds the task's final result blob from every subtask result.
func aggregate(results []models.SubTaskResult) models.JSON {
	rows := make([]any, 0, len(results))
	for _, r := range results {
		rows = append(rows, models.JSON{
			"subtask_id":             r.SubTaskID,
			"worker_id":              r.WorkerID,
			"output":                 r.Output,
			"execution_time_seconds": r.ExecutionSecs,
		})
	}
	return models.JSON{
		"subtask_results": rows,
		"summary":         fmt.Sprintf("Completed %d subtasks", len(results)),
	}
}

// upstreamContext collects the outputs of the subtask's dependencies, keyed
// by dependency id. Workers receive everything their inputs produced.
func upstreamContext(st models.SubTask, outputs map[string]models.JSON) models.JSON {
	if len(st.Dependencies) == 0 {
		return nil
	}
	blob := make(models.JSON, len(st.Dependencies))
	for _, dep := range st.Dependencies {
		if out, ok := outputs[dep]; ok {
			blob[dep] = out
		}
	}
	return blob
}

func outputsByID(results []models.SubTaskResult) map[string]models.JSON {
	outputs := make(map[string]models.JSON, len(results))
	for _, r := range results {
		if r.Outcome == models.OutcomeCompleted {
			outputs[r.SubTaskID] = r.Output
		}
	}
	return outputs
}

func (p *Processor) logActivity(ctx context.Context, taskID, workerID string, level models.LogLevel, message string, metadata models.JSON) {
	err := p.tasks.AppendActivity(ctx, &models.ActivityLog{
		WorkerID:  workerID,
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

func (p *Processor) sleep(ctx context.Context, duration time.Duration) {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
