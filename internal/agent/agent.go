// Package agent implements the worker runtime: an HTTP endpoint accepting
// execution requests from the dispatcher, a heartbeat loop keeping the
// worker's registry entry alive, and result publication to the result queue.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/coordstore"
	"github.com/taskmesh/taskmesh/internal/logger"
	"github.com/taskmesh/taskmesh/internal/models"
	"github.com/taskmesh/taskmesh/internal/registry"
)

// Agent is one worker process. It executes at most one subtask at a time;
// the dispatcher learns about a busy agent through the 503 reply and the
// availability flag in the registry.
type Agent struct {
	cfg       config.Agent
	scheduler config.Scheduler
	store     *coordstore.Store
	registry  *registry.Registry
	executor  Executor

	mu             sync.Mutex
	busy           bool
	currentSubTask string
	completedCount int

	srv *http.Server
	wg  sync.WaitGroup
}

// New creates an Agent.
func New(cfg config.Agent, scheduler config.Scheduler, store *coordstore.Store, executor Executor) *Agent {
	return &Agent{
		cfg:       cfg,
		scheduler: scheduler,
		store:     store,
		registry:  registry.New(store, scheduler.LivenessWindow),
		executor:  executor,
	}
}

// Run registers the agent, serves the worker HTTP surface, and heartbeats
// until the context is cancelled. On shutdown the agent deregisters; if the
// process dies instead, the registry TTL expires the entry.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.heartbeatLoop(ctx)
	}()

	a.srv = &http.Server{
		Addr:        a.cfg.Addr(),
		Handler:     a.Router(),
		ReadTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "Agent listening",
			"workerId", a.cfg.ID, "addr", a.cfg.Addr(),
			"capabilities", models.CapabilityStrings(a.cfg.Capabilities))
		errCh <- a.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn(ctx, "Agent shutdown", "err", err)
		}
		<-errCh
		a.wg.Wait()
		a.deregister()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Router builds the worker HTTP surface.
func (a *Agent) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", a.handleHealth)
	r.Post("/execute", a.handleExecute)
	return r
}

func (a *Agent) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	resp := models.HealthResponse{
		Status:         "healthy",
		WorkerID:       a.cfg.ID,
		Available:      !a.busy,
		CurrentSubTask: a.currentSubTask,
	}
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (a *Agent) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req models.ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed execution request"})
		return
	}
	if req.TaskID == "" || req.SubTask.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task_id and subtask.id are required"})
		return
	}

	a.mu.Lock()
	if a.busy {
		a.mu.Unlock()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "worker busy"})
		return
	}
	a.busy = true
	a.currentSubTask = req.SubTask.ID
	a.mu.Unlock()

	// Execution is asynchronous: the dispatcher only needs the accept. The
	// result travels back through the result queue.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.execute(&req)
	}()

	logger.Info(r.Context(), "Subtask accepted",
		"workerId", a.cfg.ID, "taskId", req.TaskID, "subtaskId", req.SubTask.ID)
	writeJSON(w, http.StatusOK, models.ExecutionResponse{
		Status:   models.ExecutionAccepted,
		WorkerID: a.cfg.ID,
	})
}

// execute runs the subtask and publishes its result. Detached from the
// request context so a dispatcher disconnect does not abort the work.
func (a *Agent) execute(req *models.ExecutionRequest) {
	ctx := context.Background()
	start := time.Now()
	output, err := a.executor.Execute(ctx, req)
	elapsed := time.Since(start).Seconds()

	result := &models.SubTaskResult{
		TaskID:        req.TaskID,
		SubTaskID:     req.SubTask.ID,
		WorkerID:      a.cfg.ID,
		ExecutionSecs: elapsed,
		CreatedAt:     time.Now().UTC(),
	}
	if err != nil {
		result.Outcome = models.OutcomeFailed
		result.Error = err.Error()
		logger.Warn(ctx, "Subtask execution failed",
			"workerId", a.cfg.ID, "subtaskId", req.SubTask.ID, "err", err)
	} else {
		result.Outcome = models.OutcomeCompleted
		result.Output = output
	}

	// Free the slot before publishing so the next dispatch is not rejected
	// while the result is in flight.
	a.mu.Lock()
	a.busy = false
	a.currentSubTask = ""
	if result.Outcome == models.OutcomeCompleted {
		a.completedCount++
	}
	a.mu.Unlock()

	if err := a.store.EnqueueResult(ctx, result); err != nil {
		// The result is lost; the orchestrator will see a subtask that
		// never reports, the same as a worker crash.
		logger.Error(ctx, "Failed to publish result",
			"workerId", a.cfg.ID, "subtaskId", req.SubTask.ID, "err", err)
	}

	if err := a.store.SetWorkerAvailable(ctx, a.cfg.ID); err != nil {
		logger.Warn(ctx, "Failed to update availability", "workerId", a.cfg.ID, "err", err)
	}
}

// register writes the initial registry entry.
func (a *Agent) register(ctx context.Context) error {
	return a.registry.Register(ctx, a.workerInfo(ctx))
}

func (a *Agent) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.registry.Deregister(ctx, a.cfg.ID); err != nil {
		logger.Warn(ctx, "Deregistration failed, TTL will expire the entry",
			"workerId", a.cfg.ID, "err", err)
		return
	}
	logger.Info(ctx, "Agent deregistered", "workerId", a.cfg.ID)
}

// heartbeatLoop refreshes the registry entry so the liveness window never
// lapses while the process is healthy.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.scheduler.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.registry.Register(ctx, a.workerInfo(ctx)); err != nil && ctx.Err() == nil {
				logger.Warn(ctx, "Heartbeat failed", "workerId", a.cfg.ID, "err", err)
			}
		}
	}
}

// workerInfo samples host load and snapshots the agent's current status.
func (a *Agent) workerInfo(ctx context.Context) *models.WorkerInfo {
	var cpuPct, memPct float64
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memPct = vm.UsedPercent
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return &models.WorkerInfo{
		ID:               a.cfg.ID,
		Endpoint:         a.cfg.Endpoint,
		Capabilities:     a.cfg.Capabilities,
		Available:        !a.busy,
		CurrentSubTaskID: a.currentSubTask,
		CPUPct:           cpuPct,
		MemPct:           memPct,
		CompletedCount:   a.completedCount,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
