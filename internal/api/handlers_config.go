package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"contentcron/internal/core"
)

type configResponse struct {
	AutoCreateEnabled     bool   `json:"auto_create_enabled"`
	AutoCreateTime        string `json:"auto_create_time"`
	AutoExecuteDelayHours int    `json:"auto_execute_delay_hours"`
	DefaultWorkflowCount  int    `json:"default_workflow_count"`
}

type schedulerStatusResponse struct {
	Running        bool           `json:"running"`
	CurrentTaskID  string         `json:"current_task_id,omitempty"`
	RunningTaskIDs []string       `json:"running_task_ids"`
	NextAutoCreate *string        `json:"next_auto_create,omitempty"`
	Config         configResponse `json:"config"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, configToResponse(s.scheduler.Config()))
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req core.ConfigUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	cfg, err := s.scheduler.UpdateConfig(r.Context(), req)
	if err != nil {
		var cfgErr *core.ConfigError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusBadRequest, "invalid_config", cfgErr.Error())
			return
		}
		s.logger.Error("update config", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to save config")
		return
	}
	writeJSON(w, http.StatusOK, configToResponse(cfg))
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.schedulerStatus())
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Start(s.baseCtx)
	writeJSON(w, http.StatusOK, s.schedulerStatus())
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Stop()
	writeJSON(w, http.StatusOK, s.schedulerStatus())
}

func (s *Server) schedulerStatus() schedulerStatusResponse {
	resp := schedulerStatusResponse{
		Running:        s.scheduler.Running(),
		CurrentTaskID:  s.scheduler.CurrentTaskID(),
		RunningTaskIDs: s.scheduler.RunningTaskIDs(),
		Config:         configToResponse(s.scheduler.Config()),
	}
	if next, ok := s.scheduler.NextAutoCreate(); ok {
		resp.NextAutoCreate = formatTimePtr(&next, s.location)
	}
	return resp
}

func configToResponse(cfg core.SchedulerConfig) configResponse {
	return configResponse{
		AutoCreateEnabled:     cfg.AutoCreateEnabled,
		AutoCreateTime:        cfg.AutoCreateTime,
		AutoExecuteDelayHours: cfg.AutoExecuteDelayHours,
		DefaultWorkflowCount:  cfg.DefaultWorkflowCount,
	}
}
