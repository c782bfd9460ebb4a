package frontend

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/taskmesh/taskmesh/internal/durablestore"
	"github.com/taskmesh/taskmesh/internal/logger"
	"github.com/taskmesh/taskmesh/internal/models"
	"github.com/taskmesh/taskmesh/internal/orchestrator"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type submitRequest struct {
	Description string `json:"description"`
	SubmitterID string `json:"submitter_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed JSON body")
			return
		}
	} else {
		// Form and multipart submissions carry the same fields.
		req.Description = r.FormValue("description")
		req.SubmitterID = r.FormValue("submitter_id")
	}

	receipt, err := s.core.Submit(r.Context(), req.Description, req.SubmitterID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.core.ListTasks(r.Context(), listLimit(r))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.core.GetTask(r.Context(), taskID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	results, err := s.core.TaskResults(r.Context(), taskID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":            task,
		"subtask_results": results,
	})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.core.CancelTask(r.Context(), taskID); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"status":  "cancelled",
	})
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.core.RetryTask(r.Context(), taskID); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"status":  "retrying",
	})
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	logs, err := s.core.RecentLogs(r.Context(), taskID, listLimit(r))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"logs":    logs,
		"count":   len(logs),
	})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.core.ListWorkers(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workers": workers,
		"count":   len(workers),
	})
}

func (s *Server) handleAvailableWorkers(w http.ResponseWriter, r *http.Request) {
	var required []models.Capability
	if raw := r.URL.Query().Get("capability"); raw != "" {
		caps, err := models.ParseCapabilities([]string{raw})
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown capability "+strconv.Quote(raw))
			return
		}
		required = caps
	}

	workers, err := s.core.ListAvailableWorkers(r.Context(), required)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	ids := make([]string, 0, len(workers))
	for _, wk := range workers {
		ids = append(ids, wk.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"available": ids,
		"count":     len(ids),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func listLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

// writeFailure maps orchestrator errors onto the API's status codes. Store
// failures surface as 503; no internal detail escapes beyond the message.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidInput),
		errors.Is(err, orchestrator.ErrBadState):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, durablestore.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	default:
		logger.Error(r.Context(), "Request failed",
			"method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
