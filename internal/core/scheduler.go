package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TaskStore abstracts the persistence layer used by the scheduler and runner.
type TaskStore interface {
	ConfigRepository

	SaveTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, status *TaskStatus) ([]*Task, error)
	DeleteTask(ctx context.Context, id string) error
	DeleteTasksOlderThan(ctx context.Context, days int, now time.Time) (int, error)

	// Conditional transitions; the bool is false when the row was not in the expected state.
	ClaimTask(ctx context.Context, id string, startedAt time.Time) (bool, error)
	CancelTask(ctx context.Context, id string, at time.Time) (bool, error)
	CompleteTask(ctx context.Context, task *Task) (bool, error)
	UpdateTaskProgress(ctx context.Context, id string, successCount, errorCount int) error

	TaskStatistics(ctx context.Context, since time.Time) (Statistics, error)
}

// Notifier is told about every task a worker drove to a terminal state.
type Notifier interface {
	NotifyTask(ctx context.Context, task *Task) error
}

// Options tunes the scheduler. Zero values pick the defaults.
type Options struct {
	PollInterval    time.Duration
	IterationDelay  time.Duration
	WorkerLimit     int
	RetentionDays   int
	CleanupInterval time.Duration
	Location        *time.Location
	Now             func() time.Time
	Notifier        Notifier
}

const (
	defaultPollInterval   = time.Minute
	defaultIterationDelay = 500 * time.Millisecond
	defaultWorkerLimit    = 2
)

// Scheduler owns the polling loop, the dispatch rule and the task workers.
type Scheduler struct {
	store    TaskStore
	config   *ConfigStore
	runner   *TaskRunner
	pool     *workerPool
	notifier Notifier
	logger   *slog.Logger

	pollInterval    time.Duration
	retentionDays   int
	cleanupInterval time.Duration
	location        *time.Location
	now             func() time.Time

	workerCtx    context.Context
	workerCancel context.CancelFunc

	loopMu     sync.Mutex
	loopParent context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	tickMu         sync.Mutex
	prevTick       time.Time
	lastAutoCreate string
	lastCleanup    time.Time

	currentMu sync.RWMutex
	current   string
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(store TaskStore, workflow WorkflowRunner, logger *slog.Logger, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.IterationDelay == 0 {
		opts.IterationDelay = defaultIterationDelay
	}
	if opts.WorkerLimit <= 0 {
		opts.WorkerLimit = defaultWorkerLimit
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = defaultRetentionDays
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	workerCtx, workerCancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:           store,
		config:          NewConfigStore(store, logger),
		runner:          NewTaskRunner(store, workflow, logger.With("component", "runner"), opts.IterationDelay, opts.Now),
		pool:            newWorkerPool(opts.WorkerLimit),
		notifier:        opts.Notifier,
		logger:          logger,
		pollInterval:    opts.PollInterval,
		retentionDays:   opts.RetentionDays,
		cleanupInterval: opts.CleanupInterval,
		location:        opts.Location,
		now:             opts.Now,
		workerCtx:       workerCtx,
		workerCancel:    workerCancel,
	}
}

// Init loads the configuration and fails tasks left running by a previous process.
func (s *Scheduler) Init(ctx context.Context) error {
	// Load falls back to the defaults and logs on failure.
	_, _ = s.config.Load(ctx)
	if n := s.RecoverInterrupted(ctx); n > 0 {
		s.logger.Warn("failed interrupted tasks", "count", n)
	}
	return nil
}

// Start begins the polling loop. It is a no-op when the loop is already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	s.startLocked(ctx)
}

func (s *Scheduler) startLocked(ctx context.Context) {
	if s.loopCancel != nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.loopParent = ctx
	s.loopCancel = cancel
	s.loopDone = done

	s.tickMu.Lock()
	s.prevTick = s.now()
	if s.lastCleanup.IsZero() {
		s.lastCleanup = s.prevTick
	}
	s.tickMu.Unlock()

	cfg := s.config.Get()
	s.logger.Info("scheduler started",
		"poll_interval", s.pollInterval,
		"auto_create_enabled", cfg.AutoCreateEnabled,
		"auto_create_time", cfg.AutoCreateTime,
		"auto_execute_delay_hours", cfg.AutoExecuteDelayHours)

	go s.loop(loopCtx, done)
}

// Stop stops the polling loop and waits for it to exit. Running workers are not affected.
func (s *Scheduler) Stop() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	cancel, done := s.loopCancel, s.loopDone
	s.loopCancel, s.loopDone = nil, nil
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

// Running reports whether the polling loop is active.
func (s *Scheduler) Running() bool {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	return s.loopCancel != nil
}

// Shutdown stops the loop, rejects new workers and waits for running ones until ctx ends.
// Workers still running after that observe a cancelled context.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.Stop()
	s.pool.close()
	err := s.pool.wait(ctx)
	s.workerCancel()
	if err != nil {
		return fmt.Errorf("wait for workers: %w", err)
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, s.now())
		}
	}
}

// tick runs one wake of the polling loop.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("scheduler tick panicked", "panic", p)
		}
	}()
	cfg := s.config.Get()
	s.autoCreate(ctx, cfg, now)
	s.dispatchDue(ctx, cfg, now)
	s.cleanup(ctx, now)
}

func (s *Scheduler) autoCreate(ctx context.Context, cfg SchedulerConfig, now time.Time) {
	s.tickMu.Lock()
	prev := s.prevTick
	if prev.IsZero() || !prev.Before(now) {
		prev = now.Add(-s.pollInterval)
	}
	s.prevTick = now
	if !cfg.AutoCreateEnabled {
		s.tickMu.Unlock()
		return
	}
	schedule, err := DailySchedule(cfg.AutoCreateTime)
	if err != nil {
		s.tickMu.Unlock()
		s.logger.Error("invalid auto create time", "auto_create_time", cfg.AutoCreateTime, "err", err)
		return
	}
	fired, ok := FiredBetween(schedule, prev.In(s.location), now.In(s.location))
	if !ok {
		s.tickMu.Unlock()
		return
	}
	day := fired.Format("2006-01-02")
	if s.lastAutoCreate == day {
		s.tickMu.Unlock()
		return
	}
	s.lastAutoCreate = day
	s.tickMu.Unlock()

	task, err := s.createTask(ctx, TaskKindNormal, cfg.DefaultWorkflowCount, cfg)
	if err != nil {
		s.logger.Error("auto create task", "err", err)
		return
	}
	s.logger.Info("auto created task", "task_id", task.ID, "workflow_count", task.WorkflowCount,
		"delay_hours", cfg.AutoExecuteDelayHours)
}

func (s *Scheduler) dispatchDue(ctx context.Context, cfg SchedulerConfig, now time.Time) {
	pending := TaskStatusPending
	tasks, err := s.store.ListTasks(ctx, &pending)
	if err != nil {
		s.logger.Error("list pending tasks", "err", err)
		return
	}
	for _, task := range tasks {
		if dueAt(task, cfg).After(now) {
			continue
		}
		err := s.dispatch(task.ID)
		if errors.Is(err, ErrTaskAlreadyRunning) {
			// Its worker has not claimed the row yet; nothing new started.
			continue
		}
		if err != nil {
			s.logger.Info("due task not dispatched", "task_id", task.ID, "err", err)
		} else {
			s.logger.Info("dispatched due task", "task_id", task.ID, "name", task.Name)
		}
		return
	}
}

func (s *Scheduler) cleanup(ctx context.Context, now time.Time) {
	if s.cleanupInterval <= 0 {
		return
	}
	s.tickMu.Lock()
	if now.Sub(s.lastCleanup) < s.cleanupInterval {
		s.tickMu.Unlock()
		return
	}
	s.lastCleanup = now
	s.tickMu.Unlock()
	if n := s.cleanOlderThan(ctx, s.retentionDays, now); n > 0 {
		s.logger.Info("retention removed old tasks", "count", n, "retention_days", s.retentionDays)
	}
}

// dueAt computes when a pending task becomes eligible to run under cfg.
func dueAt(task *Task, cfg SchedulerConfig) time.Time {
	if task.Kind == TaskKindImmediate {
		return task.CreatedAt.Add(immediateTaskDelay)
	}
	return task.CreatedAt.Add(time.Duration(cfg.AutoExecuteDelayHours) * time.Hour)
}

// DueAt computes the due time of task under the current configuration.
func (s *Scheduler) DueAt(task *Task) time.Time {
	return dueAt(task, s.config.Get())
}

func (s *Scheduler) dispatch(taskID string) error {
	return s.pool.submit(taskID, func() { s.runTask(taskID) })
}

func (s *Scheduler) runTask(taskID string) {
	ctx := s.workerCtx
	s.setCurrent(taskID)
	defer s.clearCurrent(taskID)

	task, err := s.runner.Execute(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			s.logger.Info("worker skipped task", "task_id", taskID, "reason", err)
			return
		}
		s.logger.Error("execute task", "task_id", taskID, "err", err)
		if task == nil {
			return
		}
	}
	s.notify(ctx, task)
}

func (s *Scheduler) notify(ctx context.Context, task *Task) {
	if s.notifier == nil || task == nil {
		return
	}
	if err := s.notifier.NotifyTask(ctx, task.Clone()); err != nil {
		s.logger.Warn("send task notification", "task_id", task.ID, "err", err)
	}
}

func (s *Scheduler) setCurrent(taskID string) {
	s.currentMu.Lock()
	s.current = taskID
	s.currentMu.Unlock()
}

func (s *Scheduler) clearCurrent(taskID string) {
	s.currentMu.Lock()
	if s.current == taskID {
		s.current = ""
	}
	s.currentMu.Unlock()
}

// CurrentTaskID returns the most recently started task still running, for display.
func (s *Scheduler) CurrentTaskID() string {
	s.currentMu.RLock()
	defer s.currentMu.RUnlock()
	return s.current
}

// RunningTaskIDs returns the ids of tasks with an active worker in this process.
func (s *Scheduler) RunningTaskIDs() []string {
	return s.pool.ids()
}

// Config returns the in-memory scheduler configuration.
func (s *Scheduler) Config() SchedulerConfig {
	return s.config.Get()
}

// NextAutoCreate returns the next automatic creation time, if enabled.
func (s *Scheduler) NextAutoCreate() (time.Time, bool) {
	cfg := s.config.Get()
	if !cfg.AutoCreateEnabled {
		return time.Time{}, false
	}
	schedule, err := DailySchedule(cfg.AutoCreateTime)
	if err != nil {
		return time.Time{}, false
	}
	return schedule.Next(s.now().In(s.location)), true
}

// UpdateConfig persists the change and restarts the loop if it is running.
func (s *Scheduler) UpdateConfig(ctx context.Context, update ConfigUpdate) (SchedulerConfig, error) {
	cfg, err := s.config.Update(ctx, update)
	if err != nil {
		return cfg, err
	}
	s.logger.Info("scheduler config updated",
		"auto_create_enabled", cfg.AutoCreateEnabled,
		"auto_create_time", cfg.AutoCreateTime,
		"auto_execute_delay_hours", cfg.AutoExecuteDelayHours,
		"default_workflow_count", cfg.DefaultWorkflowCount)

	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.loopCancel != nil {
		parent := s.loopParent
		s.stopLocked()
		s.startLocked(parent)
	}
	return cfg, nil
}

// CreateDailyTask creates a normal pending task; count 0 uses the configured default.
func (s *Scheduler) CreateDailyTask(ctx context.Context, count int) (*Task, error) {
	cfg := s.config.Get()
	if count == 0 {
		count = cfg.DefaultWorkflowCount
	}
	return s.createTask(ctx, TaskKindNormal, count, cfg)
}

// CreateImmediateTask creates a test task due one minute from now; count 0 means 5.
func (s *Scheduler) CreateImmediateTask(ctx context.Context, count int) (*Task, error) {
	if count == 0 {
		count = defaultImmediateTaskCount
	}
	return s.createTask(ctx, TaskKindImmediate, count, s.config.Get())
}

func (s *Scheduler) createTask(ctx context.Context, kind TaskKind, count int, cfg SchedulerConfig) (*Task, error) {
	if count < 1 {
		return nil, ErrInvalidWorkflowCount
	}
	now := s.now()
	executeAt := now.Add(time.Duration(cfg.AutoExecuteDelayHours) * time.Hour)
	if kind == TaskKindImmediate {
		executeAt = now.Add(immediateTaskDelay)
	}
	local := executeAt.In(s.location)

	id := TaskID(kind, local)
	if _, err := s.store.GetTask(ctx, id); err == nil {
		id = id + "_" + NewID(2)
	} else if !isNotFound(err) {
		return nil, fmt.Errorf("check task id: %w", err)
	}

	task := &Task{
		ID:            id,
		Name:          TaskName(kind, local),
		Kind:          kind,
		ScheduledTime: local.Format("15:04"),
		WorkflowCount: count,
		Status:        TaskStatusPending,
		CreatedAt:     now.UTC(),
	}
	if err := s.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}
	s.logger.Info("task created", "task_id", task.ID, "kind", kind, "workflow_count", count,
		"scheduled_time", task.ScheduledTime)
	return task, nil
}

// CancelTask moves a pending task to cancelled. Any other status is rejected.
func (s *Scheduler) CancelTask(ctx context.Context, id string) error {
	ok, err := s.store.CancelTask(ctx, id, s.now().UTC())
	if err != nil {
		return err
	}
	if ok {
		s.logger.Info("task cancelled", "task_id", id)
		return nil
	}
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot cancel task %s in status %s", ErrInvalidTransition, id, task.Status)
}

// DeleteTask removes a task in any state.
func (s *Scheduler) DeleteTask(ctx context.Context, id string) bool {
	if err := s.store.DeleteTask(ctx, id); err != nil {
		if isNotFound(err) {
			s.logger.Info("delete task: not found", "task_id", id)
		} else {
			s.logger.Error("delete task", "task_id", id, "err", err)
		}
		return false
	}
	s.logger.Info("task deleted", "task_id", id)
	return true
}

// ExecuteTaskImmediately starts a worker for the task now, skipping the due-time check.
// The worker only runs the task if it can still claim it from pending.
func (s *Scheduler) ExecuteTaskImmediately(ctx context.Context, id string) error {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return err
	}
	if err := s.dispatch(id); err != nil {
		return err
	}
	s.logger.Info("task dispatched manually", "task_id", id)
	return nil
}

// ListTasks returns all tasks, newest first. Storage failures yield an empty list.
func (s *Scheduler) ListTasks(ctx context.Context) []*Task {
	tasks, err := s.store.ListTasks(ctx, nil)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return []*Task{}
	}
	return tasks
}

// GroupedTasks splits all tasks into pending, running and finished.
func (s *Scheduler) GroupedTasks(ctx context.Context) TaskGroups {
	groups := TaskGroups{Pending: []*Task{}, Running: []*Task{}, Finished: []*Task{}}
	for _, t := range s.ListTasks(ctx) {
		switch {
		case t.Status == TaskStatusPending:
			groups.Pending = append(groups.Pending, t)
		case t.Status == TaskStatusRunning:
			groups.Running = append(groups.Running, t)
		default:
			groups.Finished = append(groups.Finished, t)
		}
	}
	return groups
}

// GetTask loads one task.
func (s *Scheduler) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.store.GetTask(ctx, id)
}

// Statistics returns task counts. Storage failures yield zero counts.
func (s *Scheduler) Statistics(ctx context.Context) Statistics {
	stats, err := s.store.TaskStatistics(ctx, s.now().Add(-statisticsTrailingWindow))
	if err != nil {
		s.logger.Error("task statistics", "err", err)
		stats = Statistics{}
	}
	if stats.ByStatus == nil {
		stats.ByStatus = make(map[TaskStatus]int, len(AllTaskStatuses))
	}
	for _, st := range AllTaskStatuses {
		if _, ok := stats.ByStatus[st]; !ok {
			stats.ByStatus[st] = 0
		}
	}
	return stats
}

// RetentionDays returns the default age limit used by cleanup.
func (s *Scheduler) RetentionDays() int {
	return s.retentionDays
}

// CleanOldTasks deletes terminal tasks older than days (0 uses the retention default).
func (s *Scheduler) CleanOldTasks(ctx context.Context, days int) int {
	if days <= 0 {
		days = s.retentionDays
	}
	return s.cleanOlderThan(ctx, days, s.now())
}

func (s *Scheduler) cleanOlderThan(ctx context.Context, days int, now time.Time) int {
	n, err := s.store.DeleteTasksOlderThan(ctx, days, now)
	if err != nil {
		s.logger.Error("clean old tasks", "days", days, "err", err)
		return 0
	}
	return n
}

// RecoverInterrupted fails running tasks that have no worker in this process.
func (s *Scheduler) RecoverInterrupted(ctx context.Context) int {
	running := TaskStatusRunning
	tasks, err := s.store.ListTasks(ctx, &running)
	if err != nil {
		s.logger.Error("list running tasks", "err", err)
		return 0
	}
	recovered := 0
	for _, task := range tasks {
		if s.pool.has(task.ID) {
			continue
		}
		completedAt := s.now().UTC()
		msg := interruptedTaskErrorMessage
		task.Status = TaskStatusFailed
		task.CompletedAt = &completedAt
		task.ErrorCount = task.WorkflowCount - task.SuccessCount
		task.ErrorMessage = &msg
		ok, err := s.store.CompleteTask(ctx, task)
		if err != nil {
			s.logger.Error("fail interrupted task", "task_id", task.ID, "err", err)
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered
}
