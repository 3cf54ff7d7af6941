package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// memStore is an in-memory TaskStore with the same conditional semantics as the SQLite one.
type memStore struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	cfg      SchedulerConfig
	progress int

	listErr error
	saveErr error
	// getFailsWhileRunning makes GetTask fail for rows in the running state.
	getFailsWhileRunning bool
	// completeErrs is the number of CompleteTask calls that fail before one succeeds.
	completeErrs int
}

func newMemStore(cfg SchedulerConfig) *memStore {
	return &memStore{tasks: make(map[string]*Task), cfg: cfg}
}

func (m *memStore) LoadConfig(context.Context) (SchedulerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg, nil
}

func (m *memStore) SaveConfig(_ context.Context, cfg SchedulerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	return nil
}

func (m *memStore) SaveTask(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return NewStorageError("save task", m.saveErr)
	}
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *memStore) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if m.getFailsWhileRunning && t.Status == TaskStatusRunning {
		return nil, NewStorageError("get task", errors.New("database is locked"))
	}
	return t.Clone(), nil
}

func (m *memStore) ListTasks(_ context.Context, status *TaskStatus) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, NewStorageError("query tasks", m.listErr)
	}
	out := []*Task{}
	for _, t := range m.tasks {
		if status == nil || t.Status == *status {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memStore) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *memStore) DeleteTasksOlderThan(_ context.Context, days int, now time.Time) (int, error) {
	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if !t.Status.Terminal() {
			continue
		}
		ref := t.CreatedAt
		if t.CompletedAt != nil {
			ref = *t.CompletedAt
		}
		if ref.Before(cutoff) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) ClaimTask(_ context.Context, id string, startedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != TaskStatusPending {
		return false, nil
	}
	t.Status = TaskStatusRunning
	t.StartedAt = &startedAt
	t.SuccessCount, t.ErrorCount, t.ErrorMessage = 0, 0, nil
	return true, nil
}

func (m *memStore) CancelTask(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, ErrTaskNotFound
	}
	if t.Status != TaskStatusPending {
		return false, nil
	}
	t.Status = TaskStatusCancelled
	t.CompletedAt = &at
	return true, nil
}

func (m *memStore) CompleteTask(_ context.Context, task *Task) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErrs > 0 {
		m.completeErrs--
		return false, NewStorageError("complete task", errors.New("disk I/O error"))
	}
	t, ok := m.tasks[task.ID]
	if !ok || t.Status != TaskStatusRunning {
		return false, nil
	}
	if !CanTransition(t.Status, task.Status) {
		return false, ErrInvalidTransition
	}
	next := task.Clone()
	next.StartedAt = t.StartedAt
	m.tasks[task.ID] = next
	return true, nil
}

func (m *memStore) UpdateTaskProgress(_ context.Context, id string, successCount, errorCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != TaskStatusRunning {
		return nil
	}
	t.SuccessCount, t.ErrorCount = successCount, errorCount
	m.progress++
	return nil
}

func (m *memStore) TaskStatistics(_ context.Context, since time.Time) (Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Statistics{ByStatus: map[TaskStatus]int{}}
	for _, t := range m.tasks {
		stats.Total++
		stats.ByStatus[t.Status]++
		if !t.CreatedAt.Before(since) {
			stats.Last7Days++
		}
	}
	return stats, nil
}

func (m *memStore) put(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t.Clone()
}

func (m *memStore) progressUpdates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

// fakeWorkflow counts invocations and delegates to fn when set.
type fakeWorkflow struct {
	calls atomic.Int64
	fn    func(call int) error
}

func (w *fakeWorkflow) RunOnce(ctx context.Context) error {
	n := int(w.calls.Add(1))
	if w.fn != nil {
		return w.fn(n)
	}
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (r *recordingNotifier) NotifyTask(_ context.Context, task *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, task.ID+" "+string(task.Status))
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.titles)
}

var errWorkflow = errors.New("generation failed")

func quietConfig() SchedulerConfig {
	cfg := DefaultSchedulerConfig()
	cfg.AutoCreateEnabled = false
	return cfg
}

type harness struct {
	store    *memStore
	clock    *fakeClock
	workflow *fakeWorkflow
	notifier *recordingNotifier
	sched    *Scheduler
}

func newHarness(t *testing.T, cfg SchedulerConfig, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(cfg),
		clock:    newFakeClock(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)),
		workflow: &fakeWorkflow{},
		notifier: &recordingNotifier{},
	}
	opts.Now = h.clock.Now
	opts.Notifier = h.notifier
	if opts.IterationDelay == 0 {
		opts.IterationDelay = -1
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	h.sched = NewScheduler(h.store, h.workflow, discardLogger(), opts)
	require.NoError(t, h.sched.Init(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.sched.Shutdown(ctx)
	})
	return h
}

func (h *harness) waitStatus(t *testing.T, id string, want TaskStatus) *Task {
	t.Helper()
	var got *Task
	require.Eventually(t, func() bool {
		task, err := h.store.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		got = task
		return task.Status == want
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return got
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.sched.RunningTaskIDs()) == 0
	}, 5*time.Second, 5*time.Millisecond)
}
