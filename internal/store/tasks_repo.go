package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"contentcron/internal/core"
)

var ErrTaskNotFound = core.ErrTaskNotFound

const taskColumns = `id, name, kind, scheduled_time, workflow_count, status, created_at,
	started_at, completed_at, success_count, error_count, error_message`

// SaveTask inserts the task or overwrites every column of an existing row with the same id.
func (s *Store) SaveTask(ctx context.Context, task *core.Task) error {
	kind := task.Kind
	if kind == "" {
		kind = core.KindFromID(task.ID)
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			scheduled_time = excluded.scheduled_time,
			workflow_count = excluded.workflow_count,
			status = excluded.status,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			success_count = excluded.success_count,
			error_count = excluded.error_count,
			error_message = excluded.error_message
	`, task.ID, task.Name, kind, task.ScheduledTime, task.WorkflowCount, task.Status,
		formatTime(task.CreatedAt), nullableTime(task.StartedAt), nullableTime(task.CompletedAt),
		task.SuccessCount, task.ErrorCount, nullableString(task.ErrorMessage))
	if err != nil {
		return core.NewStorageError("save task", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, core.NewStorageError("get task", err)
	}
	return task, nil
}

// ListTasks returns tasks newest first, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, status *core.TaskStatus) ([]*core.Task, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE status = ?
			ORDER BY created_at DESC, id DESC
		`, *status)
	} else {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			ORDER BY created_at DESC, id DESC
		`)
	}
	if err != nil {
		return nil, core.NewStorageError("query tasks", err)
	}
	defer rows.Close()
	tasks := []*core.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, core.NewStorageError("query tasks", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("query tasks", err)
	}
	return tasks, nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return core.NewStorageError("delete task", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return core.NewStorageError("delete task", err)
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// DeleteTasksOlderThan removes terminal tasks that finished, or were created when
// no finish time is recorded, more than days before now. Pending and running rows are kept.
func (s *Store) DeleteTasksOlderThan(ctx context.Context, days int, now time.Time) (int, error) {
	if days < 0 {
		days = 0
	}
	return s.deleteTasksBefore(ctx, now.Add(-time.Duration(days)*24*time.Hour))
}

func (s *Store) deleteTasksBefore(ctx context.Context, cutoff time.Time) (int, error) {
	c := formatTime(cutoff)
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status IN (?, ?, ?)
		AND (
			(completed_at IS NOT NULL AND completed_at < ?)
			OR (completed_at IS NULL AND created_at < ?)
		)
	`, core.TaskStatusCompleted, core.TaskStatusFailed, core.TaskStatusCancelled, c, c)
	if err != nil {
		return 0, core.NewStorageError("delete old tasks", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, core.NewStorageError("delete old tasks", err)
	}
	return int(rows), nil
}

// ClaimTask moves a pending task to running. It reports false when the row
// is missing or no longer pending.
func (s *Store) ClaimTask(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, started_at = ?, success_count = 0, error_count = 0, error_message = NULL
		WHERE id = ? AND status = ?
	`, core.TaskStatusRunning, formatTime(startedAt), id, core.TaskStatusPending)
	if err != nil {
		return false, core.NewStorageError("claim task", err)
	}
	return affectedOne(res, "claim task")
}

// CancelTask moves a pending task to cancelled.
func (s *Store) CancelTask(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, core.TaskStatusCancelled, formatTime(at), id, core.TaskStatusPending)
	if err != nil {
		return false, core.NewStorageError("cancel task", err)
	}
	ok, err := affectedOne(res, "cancel task")
	if err != nil || ok {
		return ok, err
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// UpdateTaskProgress records the running counters of a task.
func (s *Store) UpdateTaskProgress(ctx context.Context, id string, successCount, errorCount int) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET success_count = ?, error_count = ?
		WHERE id = ? AND status = ?
	`, successCount, errorCount, id, core.TaskStatusRunning)
	if err != nil {
		return core.NewStorageError("update task progress", err)
	}
	return nil
}

// CompleteTask writes the terminal state of a running task.
func (s *Store) CompleteTask(ctx context.Context, task *core.Task) (bool, error) {
	if !core.CanTransition(core.TaskStatusRunning, task.Status) {
		return false, fmt.Errorf("%w: running to %s", core.ErrInvalidTransition, task.Status)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, completed_at = ?, success_count = ?, error_count = ?, error_message = ?
		WHERE id = ? AND status = ?
	`, task.Status, nullableTime(task.CompletedAt), task.SuccessCount, task.ErrorCount,
		nullableString(task.ErrorMessage), task.ID, core.TaskStatusRunning)
	if err != nil {
		return false, core.NewStorageError("complete task", err)
	}
	return affectedOne(res, "complete task")
}

// TaskStatistics counts all tasks, tasks per status and tasks created since.
func (s *Store) TaskStatistics(ctx context.Context, since time.Time) (core.Statistics, error) {
	stats := core.Statistics{ByStatus: make(map[core.TaskStatus]int, len(core.AllTaskStatuses))}
	for _, st := range core.AllTaskStatuses {
		stats.ByStatus[st] = 0
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status`)
	if err != nil {
		return stats, core.NewStorageError("task statistics", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, core.NewStorageError("task statistics", err)
		}
		stats.ByStatus[core.TaskStatus(status)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return stats, core.NewStorageError("task statistics", err)
	}
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE created_at >= ?`,
		formatTime(since)).Scan(&stats.Last7Days); err != nil {
		return stats, core.NewStorageError("task statistics", err)
	}
	return stats, nil
}

func affectedOne(res sql.Result, op string) (bool, error) {
	rows, err := res.RowsAffected()
	if err != nil {
		return false, core.NewStorageError(op, err)
	}
	return rows == 1, nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		id            string
		name          string
		kind          string
		scheduledTime string
		workflowCount int
		status        string
		createdAt     string
		startedAt     sql.NullString
		completedAt   sql.NullString
		successCount  int
		errorCount    int
		errorMessage  sql.NullString
	)
	if err := scanner.Scan(&id, &name, &kind, &scheduledTime, &workflowCount, &status, &createdAt,
		&startedAt, &completedAt, &successCount, &errorCount, &errorMessage); err != nil {
		return nil, err
	}
	task := &core.Task{
		ID:            id,
		Name:          name,
		Kind:          core.TaskKind(kind),
		ScheduledTime: scheduledTime,
		WorkflowCount: workflowCount,
		Status:        core.TaskStatus(status),
		SuccessCount:  successCount,
		ErrorCount:    errorCount,
	}
	if task.Kind == "" {
		task.Kind = core.KindFromID(id)
	}
	if t, err := parseTime(createdAt); err == nil {
		task.CreatedAt = t
	}
	if startedAt.Valid {
		if t, err := parseTime(startedAt.String); err == nil {
			task.StartedAt = &t
		}
	}
	if completedAt.Valid {
		if t, err := parseTime(completedAt.String); err == nil {
			task.CompletedAt = &t
		}
	}
	if errorMessage.Valid {
		task.ErrorMessage = &errorMessage.String
	}
	return task, nil
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}
