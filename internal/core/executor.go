package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// WorkflowRunner executes one opaque unit of work, including persisting its output.
type WorkflowRunner interface {
	RunOnce(ctx context.Context) error
}

// WorkflowRunnerFunc adapts a function to WorkflowRunner.
type WorkflowRunnerFunc func(ctx context.Context) error

func (f WorkflowRunnerFunc) RunOnce(ctx context.Context) error { return f(ctx) }

// TaskRunner drives a claimed task through its iterations to a terminal state.
type TaskRunner struct {
	store    TaskStore
	workflow WorkflowRunner
	logger   *slog.Logger
	delay    time.Duration
	now      func() time.Time
}

// NewTaskRunner creates a runner that waits delay between iterations.
func NewTaskRunner(store TaskStore, workflow WorkflowRunner, logger *slog.Logger, delay time.Duration, now func() time.Time) *TaskRunner {
	if now == nil {
		now = time.Now
	}
	return &TaskRunner{
		store:    store,
		workflow: workflow,
		logger:   logger,
		delay:    delay,
		now:      now,
	}
}

const (
	completeAttempts   = 3
	completeRetryDelay = 50 * time.Millisecond
)

type iterationResult struct {
	success  int
	errors   int
	messages []string
	fatal    error
}

// Execute claims the task (pending -> running) and runs it to completion.
// A task that is no longer pending is left untouched and ErrInvalidTransition is returned.
func (r *TaskRunner) Execute(ctx context.Context, taskID string) (*Task, error) {
	startedAt := r.now().UTC()
	claimed, err := r.store.ClaimTask(ctx, taskID, startedAt)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if !claimed {
		return nil, fmt.Errorf("%w: task %s is not pending", ErrInvalidTransition, taskID)
	}

	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		err = fmt.Errorf("load claimed task: %w", err)
		return r.failClaimed(ctx, taskID, startedAt, err), err
	}
	r.logger.Info("task started", "task_id", task.ID, "workflow_count", task.WorkflowCount)

	res := r.iterate(ctx, task)

	completedAt := r.now().UTC()
	task.CompletedAt = &completedAt
	task.SuccessCount = res.success
	if res.fatal != nil {
		fatal := &FatalTaskError{TaskID: task.ID, Err: res.fatal}
		r.logger.Error("task aborted", "task_id", task.ID, "err", fatal)
		task.Status = TaskStatusFailed
		task.ErrorCount = task.WorkflowCount - res.success
		msg := res.fatal.Error()
		task.ErrorMessage = &msg
	} else {
		task.ErrorCount = res.errors
		task.Status = TaskStatusCompleted
		if res.errors > 0 {
			task.Status = TaskStatusFailed
		}
		task.ErrorMessage = nil
		if len(res.messages) > 0 {
			joined := strings.Join(res.messages, "; ")
			task.ErrorMessage = &joined
		}
	}

	ok, err := r.complete(ctx, task)
	if err != nil {
		return task, fmt.Errorf("complete task: %w", err)
	}
	if !ok {
		r.logger.Warn("task row changed while running, final state not written", "task_id", task.ID)
	}
	r.logger.Info("task finished", "task_id", task.ID, "status", task.Status,
		"success_count", task.SuccessCount, "error_count", task.ErrorCount)
	return task, nil
}

// failClaimed writes a Failed terminal state for a claimed task whose row could not be loaded.
// The iteration counts are unknown, so only the status, times and cause are recorded.
func (r *TaskRunner) failClaimed(ctx context.Context, taskID string, startedAt time.Time, cause error) *Task {
	completedAt := r.now().UTC()
	msg := truncateMessage(cause.Error(), maxErrorMessageLength)
	task := &Task{
		ID:           taskID,
		Name:         taskID,
		Kind:         KindFromID(taskID),
		Status:       TaskStatusFailed,
		StartedAt:    &startedAt,
		CompletedAt:  &completedAt,
		ErrorMessage: &msg,
	}
	r.logger.Error("task failed before its first iteration", "task_id", taskID, "err", cause)
	if _, err := r.complete(ctx, task); err != nil {
		r.logger.Error("write failed state of claimed task", "task_id", taskID, "err", err)
	}
	return task
}

// complete writes the terminal state, retrying storage errors a few times.
// It runs detached from ctx cancellation so a stopped worker still leaves a terminal row.
func (r *TaskRunner) complete(ctx context.Context, task *Task) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= completeAttempts; attempt++ {
		var ok bool
		ok, err = r.store.CompleteTask(ctx, task)
		if err == nil || errors.Is(err, ErrInvalidTransition) {
			return ok, err
		}
		if attempt < completeAttempts {
			r.logger.Warn("complete task, retrying", "task_id", task.ID, "attempt", attempt, "err", err)
			_ = sleepContext(ctx, time.Duration(attempt)*completeRetryDelay)
		}
	}
	return false, err
}

func (r *TaskRunner) iterate(ctx context.Context, task *Task) (res iterationResult) {
	defer func() {
		if p := recover(); p != nil {
			res.fatal = fmt.Errorf("panic: %v", p)
		}
	}()
	for i := 1; i <= task.WorkflowCount; i++ {
		if err := r.workflow.RunOnce(ctx); err != nil {
			werr := &WorkflowExecutionError{Iteration: i, Err: err}
			res.errors++
			if len(res.messages) < maxStoredErrorMessages {
				res.messages = append(res.messages, truncateMessage(werr.Error(), maxErrorMessageLength))
			}
			r.logger.Warn("workflow iteration failed", "task_id", task.ID,
				"iteration", i, "workflow_count", task.WorkflowCount, "err", err)
		} else {
			res.success++
			r.logger.Debug("workflow iteration succeeded", "task_id", task.ID,
				"iteration", i, "workflow_count", task.WorkflowCount)
		}
		if err := r.store.UpdateTaskProgress(ctx, task.ID, res.success, res.errors); err != nil {
			r.logger.Warn("update task progress", "task_id", task.ID, "err", err)
		}
		if i < task.WorkflowCount {
			if err := sleepContext(ctx, r.delay); err != nil {
				res.fatal = err
				return res
			}
		}
	}
	return res
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncateMessage(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

// isNotFound reports whether err means the task row does not exist.
func isNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound)
}
