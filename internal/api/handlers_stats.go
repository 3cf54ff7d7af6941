package api

import (
	"net/http"

	"contentcron/internal/core"
)

type statsResponse struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	Last7Days      int            `json:"last_7_days"`
	CurrentTaskID  string         `json:"current_task_id,omitempty"`
	RunningTaskIDs []string       `json:"running_task_ids"`
}

type cleanupResponse struct {
	Deleted int `json:"deleted"`
	Days    int `json:"days"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.scheduler.Statistics(r.Context())
	byStatus := make(map[string]int, len(core.AllTaskStatuses))
	for st, n := range stats.ByStatus {
		byStatus[string(st)] = n
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Total:          stats.Total,
		ByStatus:       byStatus,
		Last7Days:      stats.Last7Days,
		CurrentTaskID:  s.scheduler.CurrentTaskID(),
		RunningTaskIDs: s.scheduler.RunningTaskIDs(),
	})
}

// handleCleanup deletes terminal tasks older than ?days= (default: retention setting).
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days := parseIntDefault(r.URL.Query().Get("days"), 0)
	if days < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "days must be positive")
		return
	}
	if days == 0 {
		days = s.scheduler.RetentionDays()
	}
	deleted := s.scheduler.CleanOldTasks(r.Context(), days)
	writeJSON(w, http.StatusOK, cleanupResponse{Deleted: deleted, Days: days})
}
