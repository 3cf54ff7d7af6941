package core

import (
	"strings"
	"time"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// AllTaskStatuses lists every status in lifecycle order.
var AllTaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusRunning,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusCancelled,
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, st := range AllTaskStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning, TaskStatusCancelled},
	TaskStatusRunning: {TaskStatusCompleted, TaskStatusFailed},
}

// CanTransition reports whether the lifecycle graph has an edge from -> to.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskKind selects the due-time rule of a task.
type TaskKind string

const (
	// TaskKindNormal tasks become due autoExecuteDelayHours after creation.
	TaskKindNormal TaskKind = "normal"
	// TaskKindImmediate tasks become due one minute after creation.
	TaskKindImmediate TaskKind = "immediate"
)

const (
	normalIDPrefix    = "task_"
	immediateIDPrefix = "test_"
)

// KindFromID derives the kind of a legacy row from its id prefix.
func KindFromID(id string) TaskKind {
	if strings.HasPrefix(id, immediateIDPrefix) {
		return TaskKindImmediate
	}
	return TaskKindNormal
}

// Task is one tracked batch of WorkflowCount invocations of the workflow unit.
type Task struct {
	ID            string
	Name          string
	Kind          TaskKind
	ScheduledTime string
	WorkflowCount int
	Status        TaskStatus
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	SuccessCount  int
	ErrorCount    int
	ErrorMessage  *string
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.ErrorMessage != nil {
		v := *t.ErrorMessage
		c.ErrorMessage = &v
	}
	return &c
}

// SchedulerConfig is the singleton scheduling configuration row.
type SchedulerConfig struct {
	AutoCreateEnabled     bool   `json:"auto_create_enabled"`
	AutoCreateTime        string `json:"auto_create_time" validate:"required,hhmm"`
	AutoExecuteDelayHours int    `json:"auto_execute_delay_hours" validate:"gte=1"`
	DefaultWorkflowCount  int    `json:"default_workflow_count" validate:"gte=1"`
}

const (
	defaultAutoCreateTime       = "18:00"
	defaultAutoExecuteDelay     = 8
	defaultWorkflowCount        = 70
	defaultImmediateTaskCount   = 5
	immediateTaskDelay          = time.Minute
	defaultRetentionDays        = 30
	maxStoredErrorMessages      = 3
	maxErrorMessageLength       = 200
	statisticsTrailingWindow    = 7 * 24 * time.Hour
	interruptedTaskErrorMessage = "interrupted: process stopped while task was running"
)

// DefaultSchedulerConfig returns the hard-coded fallback configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		AutoCreateEnabled:     true,
		AutoCreateTime:        defaultAutoCreateTime,
		AutoExecuteDelayHours: defaultAutoExecuteDelay,
		DefaultWorkflowCount:  defaultWorkflowCount,
	}
}

// ConfigUpdate carries the fields to change; nil fields are left untouched.
type ConfigUpdate struct {
	AutoCreateEnabled     *bool   `json:"auto_create_enabled"`
	AutoCreateTime        *string `json:"auto_create_time"`
	AutoExecuteDelayHours *int    `json:"auto_execute_delay_hours"`
	DefaultWorkflowCount  *int    `json:"default_workflow_count"`
}

// Apply returns cfg with the non-nil fields of u applied.
func (u ConfigUpdate) Apply(cfg SchedulerConfig) SchedulerConfig {
	if u.AutoCreateEnabled != nil {
		cfg.AutoCreateEnabled = *u.AutoCreateEnabled
	}
	if u.AutoCreateTime != nil {
		cfg.AutoCreateTime = strings.TrimSpace(*u.AutoCreateTime)
	}
	if u.AutoExecuteDelayHours != nil {
		cfg.AutoExecuteDelayHours = *u.AutoExecuteDelayHours
	}
	if u.DefaultWorkflowCount != nil {
		cfg.DefaultWorkflowCount = *u.DefaultWorkflowCount
	}
	return cfg
}

// Statistics aggregates task counts.
type Statistics struct {
	Total     int                `json:"total"`
	ByStatus  map[TaskStatus]int `json:"by_status"`
	Last7Days int                `json:"last_7_days"`
}

// TaskGroups splits tasks by lifecycle phase.
type TaskGroups struct {
	Pending  []*Task
	Running  []*Task
	Finished []*Task
}
