package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"contentcron/internal/core"
)

// legacyStatuses maps the status labels of the old JSON dumps.
var legacyStatuses = map[string]core.TaskStatus{
	"待运行": core.TaskStatusPending,
	"运行中": core.TaskStatusRunning,
	"已完成": core.TaskStatusCompleted,
	"失败":  core.TaskStatusFailed,
	"已取消": core.TaskStatusCancelled,
}

// Python isoformat() output, written without a zone in local time.
var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

type legacyTask struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	ScheduledTime string  `json:"scheduled_time"`
	WorkflowCount int     `json:"workflow_count"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"created_at"`
	StartedAt     *string `json:"started_at"`
	CompletedAt   *string `json:"completed_at"`
	SuccessCount  int     `json:"success_count"`
	ErrorCount    int     `json:"error_count"`
	ErrorMessage  *string `json:"error_message"`
}

type legacyConfig struct {
	AutoCreateEnabled     *bool   `json:"auto_create_enabled"`
	AutoCreateTime        *string `json:"auto_create_time"`
	AutoExecuteDelayHours *int    `json:"auto_execute_delay_hours"`
	DefaultWorkflowCount  *int    `json:"default_workflow_count"`
}

// ImportLegacyJSON loads a JSON task dump into the store and renames the file
// to <path>.backup. A missing file imports nothing. Naive timestamps are read in loc.
func (s *Store) ImportLegacyJSON(ctx context.Context, path string, loc *time.Location) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read legacy tasks: %w", err)
	}
	var rows []legacyTask
	if err := json.Unmarshal(data, &rows); err != nil {
		return 0, fmt.Errorf("decode legacy tasks: %w", err)
	}
	if loc == nil {
		loc = time.Local
	}
	imported := 0
	for _, row := range rows {
		task, err := row.toTask(loc)
		if err != nil {
			return imported, fmt.Errorf("legacy task %q: %w", row.ID, err)
		}
		if err := s.SaveTask(ctx, task); err != nil {
			return imported, err
		}
		imported++
	}
	if err := os.Rename(path, path+".backup"); err != nil {
		return imported, fmt.Errorf("back up legacy tasks: %w", err)
	}
	return imported, nil
}

// ImportLegacyConfigJSON merges a JSON config dump over the defaults, saves it
// and renames the file to <path>.backup. It reports whether a file was imported.
func (s *Store) ImportLegacyConfigJSON(ctx context.Context, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read legacy config: %w", err)
	}
	var raw legacyConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return false, fmt.Errorf("decode legacy config: %w", err)
	}
	cfg := core.ConfigUpdate{
		AutoCreateEnabled:     raw.AutoCreateEnabled,
		AutoCreateTime:        raw.AutoCreateTime,
		AutoExecuteDelayHours: raw.AutoExecuteDelayHours,
		DefaultWorkflowCount:  raw.DefaultWorkflowCount,
	}.Apply(core.DefaultSchedulerConfig())
	if err := core.ValidateConfig(cfg); err != nil {
		return false, err
	}
	if err := s.SaveConfig(ctx, cfg); err != nil {
		return false, err
	}
	if err := os.Rename(path, path+".backup"); err != nil {
		return true, fmt.Errorf("back up legacy config: %w", err)
	}
	return true, nil
}

func (row legacyTask) toTask(loc *time.Location) (*core.Task, error) {
	if row.ID == "" {
		return nil, errors.New("missing id")
	}
	status, err := legacyStatus(row.Status)
	if err != nil {
		return nil, err
	}
	count := row.WorkflowCount
	if count < 1 {
		return nil, core.ErrInvalidWorkflowCount
	}
	createdAt, err := parseLegacyTime(row.CreatedAt, loc)
	if err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	task := &core.Task{
		ID:            row.ID,
		Name:          row.Name,
		Kind:          core.KindFromID(row.ID),
		ScheduledTime: row.ScheduledTime,
		WorkflowCount: count,
		Status:        status,
		CreatedAt:     createdAt,
		SuccessCount:  row.SuccessCount,
		ErrorCount:    row.ErrorCount,
		ErrorMessage:  row.ErrorMessage,
	}
	if row.StartedAt != nil {
		if t, err := parseLegacyTime(*row.StartedAt, loc); err == nil {
			task.StartedAt = &t
		}
	}
	if row.CompletedAt != nil {
		if t, err := parseLegacyTime(*row.CompletedAt, loc); err == nil {
			task.CompletedAt = &t
		}
	}
	return task, nil
}

func legacyStatus(label string) (core.TaskStatus, error) {
	label = strings.TrimSpace(label)
	if st, ok := legacyStatuses[label]; ok {
		return st, nil
	}
	if st := core.TaskStatus(strings.ToLower(label)); st.Valid() {
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", label)
}

func parseLegacyTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range legacyTimeLayouts {
		if layout == time.RFC3339Nano {
			if t, err := time.Parse(layout, value); err == nil {
				return t, nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", value)
}
