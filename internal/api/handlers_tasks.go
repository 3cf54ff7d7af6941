package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"contentcron/internal/core"

	"github.com/go-chi/chi/v5"
)

type createTaskRequest struct {
	Kind          string `json:"kind"`
	WorkflowCount int    `json:"workflow_count"`
}

type taskResponse struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Kind          string  `json:"kind"`
	ScheduledTime string  `json:"scheduled_time"`
	WorkflowCount int     `json:"workflow_count"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"created_at"`
	StartedAt     *string `json:"started_at,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty"`
	SuccessCount  int     `json:"success_count"`
	ErrorCount    int     `json:"error_count"`
	ErrorMessage  *string `json:"error_message,omitempty"`
	DueAt         *string `json:"due_at,omitempty"`
}

type groupedTasksResponse struct {
	Pending  []taskResponse `json:"pending"`
	Running  []taskResponse `json:"running"`
	Finished []taskResponse `json:"finished"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if req.WorkflowCount < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "workflow_count must be positive")
		return
	}

	var (
		task *core.Task
		err  error
	)
	switch core.TaskKind(strings.ToLower(strings.TrimSpace(req.Kind))) {
	case "", core.TaskKindNormal:
		task, err = s.scheduler.CreateDailyTask(r.Context(), req.WorkflowCount)
	case core.TaskKindImmediate:
		task, err = s.scheduler.CreateImmediateTask(r.Context(), req.WorkflowCount)
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", "kind must be normal or immediate")
		return
	}
	if err != nil {
		s.writeTaskError(w, err, "", "failed to create task")
		return
	}
	writeJSON(w, http.StatusCreated, s.taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var statusFilter *core.TaskStatus
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		st := core.TaskStatus(status)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_input", "unknown status")
			return
		}
		statusFilter = &st
	}
	tasks := s.scheduler.ListTasks(r.Context())
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		if statusFilter != nil && t.Status != *statusFilter {
			continue
		}
		res = append(res, s.taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGroupedTasks(w http.ResponseWriter, r *http.Request) {
	groups := s.scheduler.GroupedTasks(r.Context())
	writeJSON(w, http.StatusOK, groupedTasksResponse{
		Pending:  s.tasksToResponse(groups.Pending),
		Running:  s.tasksToResponse(groups.Running),
		Finished: s.tasksToResponse(groups.Finished),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.scheduler.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeTaskError(w, err, taskID, "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.scheduler.GetTask(r.Context(), taskID); err != nil {
		s.writeTaskError(w, err, taskID, "failed to load task")
		return
	}
	if !s.scheduler.DeleteTask(r.Context(), taskID) {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.scheduler.CancelTask(r.Context(), taskID); err != nil {
		s.writeTaskError(w, err, taskID, "failed to cancel task")
		return
	}
	task, err := s.scheduler.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeTaskError(w, err, taskID, "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(task))
}

func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.scheduler.ExecuteTaskImmediately(r.Context(), taskID); err != nil {
		s.writeTaskError(w, err, taskID, "failed to start task")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// writeTaskError maps scheduler errors onto HTTP statuses.
func (s *Server) writeTaskError(w http.ResponseWriter, err error, taskID, fallback string) {
	var cfgErr *core.ConfigError
	switch {
	case errors.Is(err, core.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, core.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, core.ErrTaskAlreadyRunning):
		writeError(w, http.StatusConflict, "conflict", "task is already running")
	case errors.Is(err, core.ErrWorkerPoolFull):
		writeError(w, http.StatusServiceUnavailable, "busy", "all workers are busy, retry later")
	case errors.Is(err, core.ErrSchedulerStopped):
		writeError(w, http.StatusServiceUnavailable, "stopped", "scheduler is shutting down")
	case errors.Is(err, core.ErrInvalidWorkflowCount):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusBadRequest, "invalid_config", cfgErr.Error())
	default:
		s.logger.Error(fallback, "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", fallback)
	}
}

func (s *Server) tasksToResponse(tasks []*core.Task) []taskResponse {
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, s.taskToResponse(t))
	}
	return res
}

func (s *Server) taskToResponse(task *core.Task) taskResponse {
	resp := taskResponse{
		ID:            task.ID,
		Name:          task.Name,
		Kind:          string(task.Kind),
		ScheduledTime: task.ScheduledTime,
		WorkflowCount: task.WorkflowCount,
		Status:        string(task.Status),
		CreatedAt:     formatTime(task.CreatedAt, s.location),
		StartedAt:     formatTimePtr(task.StartedAt, s.location),
		CompletedAt:   formatTimePtr(task.CompletedAt, s.location),
		SuccessCount:  task.SuccessCount,
		ErrorCount:    task.ErrorCount,
		ErrorMessage:  task.ErrorMessage,
	}
	if task.Status == core.TaskStatusPending {
		due := s.scheduler.DueAt(task)
		resp.DueAt = formatTimePtr(&due, s.location)
	}
	return resp
}

func formatTime(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.RFC3339)
}

func formatTimePtr(t *time.Time, loc *time.Location) *string {
	if t == nil {
		return nil
	}
	formatted := formatTime(*t, loc)
	return &formatted
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
