package core

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound         = errors.New("task not found")
	ErrInvalidTransition    = errors.New("invalid task status transition")
	ErrWorkerPoolFull       = errors.New("worker pool is full")
	ErrTaskAlreadyRunning   = errors.New("task is already running")
	ErrInvalidWorkflowCount = errors.New("workflow count must be at least 1")
	ErrSchedulerStopped     = errors.New("scheduler is shut down")
)

// StorageError reports a failed persistence operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err unless it is nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// ConfigError reports an invalid or unreadable scheduler configuration.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// WorkflowExecutionError is one failed iteration of a task.
type WorkflowExecutionError struct {
	Iteration int
	Err       error
}

func (e *WorkflowExecutionError) Error() string {
	return fmt.Sprintf("iteration %d: %v", e.Iteration, e.Err)
}

func (e *WorkflowExecutionError) Unwrap() error { return e.Err }

// FatalTaskError aborted the iteration loop of a task.
type FatalTaskError struct {
	TaskID string
	Err    error
}

func (e *FatalTaskError) Error() string {
	return fmt.Sprintf("task %s aborted: %v", e.TaskID, e.Err)
}

func (e *FatalTaskError) Unwrap() error { return e.Err }
