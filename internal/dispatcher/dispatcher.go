// Package dispatcher drains the work queue and binds each subtask to a
// live, available worker matching its required capabilities. Work is never
// dropped: when no worker can take an item, or a worker rejects it, the
// item goes back to the tail of the queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/taskmesh/taskmesh/internal/backoff"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/coordstore"
	"github.com/taskmesh/taskmesh/internal/logger"
	"github.com/taskmesh/taskmesh/internal/metrics"
	"github.com/taskmesh/taskmesh/internal/models"
	"github.com/taskmesh/taskmesh/internal/registry"
)

// TaskStore is the slice of the durable store the dispatcher needs.
type TaskStore interface {
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	AppendActivity(ctx context.Context, entry *models.ActivityLog) error
}

// Dispatcher runs one dispatch loop. Start multiple instances for
// concurrency; the queue's atomic handoff keeps them from colliding.
type Dispatcher struct {
	queue    *coordstore.Store
	workers  *registry.Registry
	tasks    TaskStore
	client   *resty.Client
	counters *metrics.Counters

	policy          config.SelectionPolicy
	dequeueTimeout  time.Duration
	dispatchTimeout time.Duration
}

// New creates a Dispatcher.
func New(
	queue *coordstore.Store,
	workers *registry.Registry,
	tasks TaskStore,
	counters *metrics.Counters,
	cfg config.Scheduler,
) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		workers:  workers,
		tasks:    tasks,
		client:   resty.New().SetTimeout(cfg.DispatchTimeout),
		counters: counters,

		policy:          cfg.SelectionPolicy,
		dequeueTimeout:  cfg.DequeueTimeout,
		dispatchTimeout: cfg.DispatchTimeout,
	}
}

// Run processes the work queue until the context is cancelled. Store
// outages are logged and retried; the loop never exits on its own.
func (d *Dispatcher) Run(ctx context.Context) {
	logger.Info(ctx, "Dispatcher started")

	// Backoff between attempts when no worker can take an item. Reset as
	// soon as a dispatch succeeds.
	retrier := backoff.NewRetrier(backoff.WithJitter(
		&backoff.ExponentialBackoffPolicy{
			InitialInterval: 100 * time.Millisecond,
			BackoffFactor:   2.0,
			MaxInterval:     2 * time.Second,
		},
		backoff.FullJitter,
	))

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Dispatcher stopped")
			return
		default:
		}

		item, err := d.queue.DequeueWork(ctx, d.dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Error(ctx, "Work queue dequeue failed", "err", err)
			d.sleep(ctx, time.Second)
			continue
		}
		if item == nil {
			continue
		}

		dispatched, err := d.DispatchOne(ctx, item)
		if err != nil && ctx.Err() == nil {
			logger.Error(ctx, "Dispatch iteration failed",
				"taskId", item.TaskID, "subtaskId", item.SubTask.ID, "err", err)
		}
		if dispatched {
			retrier.Reset()
			continue
		}
		if interval, err := retrier.Next(nil); err == nil {
			d.sleep(ctx, interval)
		}
	}
}

// DispatchOne attempts to bind one work item to a worker. It reports
// whether the loop made progress: the item was accepted by a worker or
// dropped for a cancelled task. False means the item went back on the
// queue and the caller should back off before the next attempt.
func (d *Dispatcher) DispatchOne(ctx context.Context, item *models.WorkItem) (bool, error) {
	// Cancelled tasks stop consuming queue slots here; results of
	// subtasks already at a worker are handled by the result processor.
	task, err := d.tasks.GetTask(ctx, item.TaskID)
	if err == nil && task.State == models.TaskStateCancelled {
		d.counters.Dispatches.WithLabelValues(metrics.DispatchCancelled).Inc()
		logger.Info(ctx, "Dropping work item for cancelled task",
			"taskId", item.TaskID, "subtaskId", item.SubTask.ID)
		return true, nil
	}

	candidates, err := d.workers.AvailableFor(ctx, item.SubTask.RequiredCapabilities, d.policy)
	if err != nil {
		return false, d.requeue(ctx, item, fmt.Errorf("worker lookup failed: %w", err))
	}

	worker := registry.PickRandom(candidates)
	if worker == nil {
		d.counters.Dispatches.WithLabelValues(metrics.DispatchRequeued).Inc()
		logger.Warn(ctx, "No matching worker available, re-enqueueing",
			"taskId", item.TaskID, "subtaskId", item.SubTask.ID,
			"requiredCapabilities", models.CapabilityStrings(item.SubTask.RequiredCapabilities))
		return false, d.requeue(ctx, item, nil)
	}

	if err := d.post(ctx, worker, item); err != nil {
		outcome := metrics.DispatchFailed
		if errors.Is(err, errWorkerBusy) {
			outcome = metrics.DispatchBusy
		}
		d.counters.Dispatches.WithLabelValues(outcome).Inc()
		logger.Warn(ctx, "Worker rejected dispatch, re-enqueueing",
			"taskId", item.TaskID, "subtaskId", item.SubTask.ID,
			"workerId", worker.ID, "err", err)
		return false, d.requeue(ctx, item, nil)
	}

	if err := d.queue.SetWorkerBusy(ctx, worker.ID, item.SubTask.ID); err != nil {
		logger.Error(ctx, "Failed to mark worker busy", "workerId", worker.ID, "err", err)
	}
	d.counters.Dispatches.WithLabelValues(metrics.DispatchAccepted).Inc()
	logger.Info(ctx, "Subtask dispatched",
		"taskId", item.TaskID, "subtaskId", item.SubTask.ID, "workerId", worker.ID)
	d.logActivity(ctx, item, worker.ID)
	return true, nil
}

// errWorkerBusy marks a 503 from the worker, as opposed to a transport or
// protocol failure. Both re-enqueue; they count differently.
var errWorkerBusy = errors.New("worker busy")

// post sends the execution request. Returns nil only when the worker
// accepted.
func (d *Dispatcher) post(ctx context.Context, worker *models.WorkerInfo, item *models.WorkItem) error {
	var reply models.ExecutionResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(models.ExecutionRequest{
			TaskID:          item.TaskID,
			SubTask:         item.SubTask,
			UpstreamContext: item.UpstreamContext,
		}).
		SetResult(&reply).
		Post(worker.Endpoint + "/execute")
	if err != nil {
		return fmt.Errorf("worker %s unreachable: %w", worker.ID, err)
	}
	switch {
	case resp.StatusCode() == http.StatusServiceUnavailable:
		return errWorkerBusy
	case resp.IsError():
		return fmt.Errorf("worker %s returned %d", worker.ID, resp.StatusCode())
	case reply.Status != models.ExecutionAccepted:
		return fmt.Errorf("worker %s replied %q", worker.ID, reply.Status)
	}
	return nil
}

func (d *Dispatcher) requeue(ctx context.Context, item *models.WorkItem, cause error) error {
	if err := d.queue.EnqueueWork(ctx, item); err != nil {
		return fmt.Errorf("re-enqueue failed (item lost): %w", err)
	}
	return cause
}

func (d *Dispatcher) logActivity(ctx context.Context, item *models.WorkItem, workerID string) {
	err := d.tasks.AppendActivity(ctx, &models.ActivityLog{
		WorkerID:  workerID,
		TaskID:    item.TaskID,
		Level:     models.LogLevelInfo,
		Message:   "subtask dispatched",
		Metadata:  models.JSON{"subtask_id": item.SubTask.ID},
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		logger.Error(ctx, "Failed to write activity log", "err", err)
	}
}

func (d *Dispatcher) sleep(ctx context.Context, duration time.Duration) {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
