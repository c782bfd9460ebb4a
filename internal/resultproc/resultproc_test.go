package resultproc_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/coordstore"
	"github.com/taskmesh/taskmesh/internal/durablestore"
	"github.com/taskmesh/taskmesh/internal/metrics"
	"github.com/taskmesh/taskmesh/internal/models"
	"github.com/taskmesh/taskmesh/internal/resultproc"
)

// memStore mimics the durable store's semantics in memory, including the
// unique (task_id, subtask_id) constraint and the optimistic update check.
type memStore struct {
	mu      sync.Mutex
	tasks   map[string]*models.Task
	results map[string][]models.SubTaskResult
}

func newMemStore() *memStore {
	return &memStore{
		tasks:   make(map[string]*models.Task),
		results: make(map[string][]models.SubTaskResult),
	}
}

func (m *memStore) GetTask(_ context.Context, taskID string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, durablestore.ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (m *memStore) UpdateTask(_ context.Context, task *models.Task, expected time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[task.ID]
	if !ok {
		return durablestore.ErrNotFound
	}
	if !stored.UpdatedAt.Equal(expected) {
		return durablestore.ErrStale
	}
	cp := *task
	cp.UpdatedAt = time.Now().UTC()
	m.tasks[task.ID] = &cp
	task.UpdatedAt = cp.UpdatedAt
	return nil
}

func (m *memStore) InsertResult(_ context.Context, result *models.SubTaskResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.results[result.TaskID] {
		if r.SubTaskID == result.SubTaskID {
			return false, nil
		}
	}
	m.results[result.TaskID] = append(m.results[result.TaskID], *result)
	return true, nil
}

func (m *memStore) UpsertResult(_ context.Context, result *models.SubTaskResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.results[result.TaskID] {
		if r.SubTaskID == result.SubTaskID {
			m.results[result.TaskID][i] = *result
			return nil
		}
	}
	m.results[result.TaskID] = append(m.results[result.TaskID], *result)
	return nil
}

func (m *memStore) ListResults(_ context.Context, taskID string) ([]models.SubTaskResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.SubTaskResult(nil), m.results[taskID]...), nil
}

func (m *memStore) AppendActivity(_ context.Context, _ *models.ActivityLog) error {
	return nil
}

type fixture struct {
	store *coordstore.Store
	tasks *memStore
	proc  *resultproc.Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := coordstore.New(rdb)
	tasks := newMemStore()
	proc := resultproc.New(store, tasks, metrics.NewCounters(), config.Scheduler{
		DequeueTimeout: 100 * time.Millisecond,
	})
	return &fixture{store: store, tasks: tasks, proc: proc}
}

func (f *fixture) addTask(subtasks ...models.SubTask) *models.Task {
	now := time.Now().UTC()
	task := &models.Task{
		ID:          "task_1",
		SubmitterID: models.DefaultSubmitterID,
		Description: "a task under test with several subtasks",
		State:       models.TaskStateRunning,
		SubTasks:    subtasks,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.tasks.tasks[task.ID] = task
	return task
}

func st(id string, deps ...string) models.SubTask {
	return models.SubTask{
		ID:                   id,
		Description:          "subtask " + id + " under test",
		RequiredCapabilities: []models.Capability{models.CapabilityDataAnalysis},
		Dependencies:         deps,
		Priority:             5,
	}
}

func completedResult(subtaskID string, output models.JSON) *models.SubTaskResult {
	return &models.SubTaskResult{
		TaskID:        "task_1",
		SubTaskID:     subtaskID,
		WorkerID:      "worker_1",
		Outcome:       models.OutcomeCompleted,
		Output:        output,
		ExecutionSecs: 0.5,
		CreatedAt:     time.Now().UTC(),
	}
}

func failedResult(subtaskID, msg string) *models.SubTaskResult {
	return &models.SubTaskResult{
		TaskID:        "task_1",
		SubTaskID:     subtaskID,
		WorkerID:      "worker_1",
		Outcome:       models.OutcomeFailed,
		Error:         msg,
		ExecutionSecs: 0.5,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestCompletionAggregates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addTask(st("a"), st("b", "a"))

	require.NoError(t, f.proc.ProcessOne(ctx, completedResult("a", models.JSON{"n": 1.0})))
	require.NoError(t, f.proc.ProcessOne(ctx, completedResult("b", models.JSON{"n": 2.0})))

	task, err := f.tasks.GetTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCompleted, task.State)
	require.NotNil(t, task.AggregateResult)
	assert.Equal(t, "Completed 2 subtasks", task.AggregateResult["summary"])
	assert.Len(t, task.AggregateResult["subtask_results"], 2)
}

func TestCompletionUnblocksSuccessorsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addTask(st("a"), st("b"), st("c", "a", "b"))

	require.NoError(t, f.proc.ProcessOne(ctx, completedResult("a", models.JSON{"from": "a"})))

	// c still waits on b; nothing must be queued yet.
	depth, err := f.store.WorkQueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	require.NoError(t, f.proc.ProcessOne(ctx, completedResult("b", models.JSON{"from": "b"})))

	item, err := f.store.DequeueWork(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "c", item.SubTask.ID)

	// Upstream context carries both dependency outputs keyed by id.
	require.Len(t, item.UpstreamContext, 2)
	a := item.UpstreamContext["a"].(map[string]any)
	b := item.UpstreamContext["b"].(map[string]any)
	assert.Equal(t, "a", a["from"])
	assert.Equal(t, "b", b["from"])
}

func TestFailureBlocksSuccessorsAndFailsTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addTask(st("a"), st("b", "a"), st("c", "b"))

	require.NoError(t, f.proc.ProcessOne(ctx, failedResult("a", "disk full")))

	task, err := f.tasks.GetTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateFailed, task.State)
	assert.Contains(t, task.Error, "a")
	assert.Contains(t, task.Error, "disk full")

	// No successor of the failed subtask may enter the queue.
	depth, err := f.store.WorkQueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestDuplicateReplayIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addTask(st("a"), st("b", "a"))

	require.NoError(t, f.proc.ProcessOne(ctx, completedResult("a", models.JSON{"n": 1.0})))
	depth, err := f.store.WorkQueueDepth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	// Redelivery of the same result must not enqueue b a second time.
	require.NoError(t, f.proc.ProcessOne(ctx, completedResult("a", models.JSON{"n": 1.0})))
	depth, err = f.store.WorkQueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestCancelledTaskSpawnsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.addTask(st("a"), st("b", "a"))
	task.State = models.TaskStateCancelled

	require.NoError(t, f.proc.ProcessOne(ctx, completedResult("a", models.JSON{"n": 1.0})))

	// The result was persisted for the record.
	results, err := f.tasks.ListResults(ctx, "task_1")
	require.NoError(t, err)
	assert.Len(t, results, 1)

	// But no successor was enqueued and the state is untouched.
	depth, err := f.store.WorkQueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
	got, err := f.tasks.GetTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCancelled, got.State)
}

func TestWorkerFreedAfterProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addTask(st("a"))

	require.NoError(t, f.store.RegisterWorker(ctx, &models.WorkerInfo{
		ID:              "worker_1",
		Endpoint:        "http://127.0.0.1:8081",
		Available:       false,
		LastHeartbeatAt: time.Now().UTC(),
	}, time.Minute))

	require.NoError(t, f.proc.ProcessOne(ctx, completedResult("a", models.JSON{"ok": true})))

	info, err := f.store.GetWorker(ctx, "worker_1")
	require.NoError(t, err)
	assert.True(t, info.Available)
}

func TestInvalidResultDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addTask(st("a"))

	// Completed without output violates the result invariants.
	bad := &models.SubTaskResult{
		TaskID:        "task_1",
		SubTaskID:     "a",
		WorkerID:      "worker_1",
		Outcome:       models.OutcomeCompleted,
		ExecutionSecs: 0.5,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, f.proc.ProcessOne(ctx, bad))

	results, err := f.tasks.ListResults(ctx, "task_1")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRetriedSubtaskSupersedesFailedRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addTask(st("a"), st("b", "a"))

	require.NoError(t, f.proc.ProcessOne(ctx, failedResult("a", "flaky network")))
	got, err := f.tasks.GetTask(ctx, "task_1")
	require.NoError(t, err)
	require.Equal(t, models.TaskStateFailed, got.State)

	// Manual retry resets the task before the re-execution reports back.
	f.tasks.mu.Lock()
	f.tasks.tasks["task_1"].State = models.TaskStateRunning
	f.tasks.tasks["task_1"].Error = ""
	f.tasks.mu.Unlock()

	require.NoError(t, f.proc.ProcessOne(ctx, completedResult("a", models.JSON{"ok": true})))

	results, err := f.tasks.ListResults(ctx, "task_1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.OutcomeCompleted, results[0].Outcome)

	// The completion unblocks the successor.
	item, err := f.store.DequeueWork(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "b", item.SubTask.ID)
}

func TestUnknownTaskDropped(t *testing.T) {
	f := newFixture(t)
	err := f.proc.ProcessOne(context.Background(), completedResult("a", models.JSON{"ok": true}))
	require.NoError(t, err)
	assert.False(t, errors.Is(err, durablestore.ErrNotFound))
}
