package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalTaskRunsAfterConfiguredDelay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{})

	task, err := h.sched.CreateDailyTask(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, TaskKindNormal, task.Kind)

	h.sched.tick(ctx, h.clock.Advance(8*time.Hour-time.Minute))
	h.waitIdle(t)
	got, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusPending, got.Status, "not due before the delay elapsed")
	assert.Zero(t, h.workflow.calls.Load())

	h.sched.tick(ctx, h.clock.Advance(time.Minute))
	done := h.waitStatus(t, task.ID, TaskStatusCompleted)
	assert.Equal(t, 2, done.SuccessCount)
	assert.Equal(t, 0, done.ErrorCount)
	assert.Nil(t, done.ErrorMessage)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.CompletedAt)
	assert.EqualValues(t, 2, h.workflow.calls.Load())
}

func TestDelayChangeAppliesToExistingPendingTasks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{})

	task, err := h.sched.CreateDailyTask(ctx, 1)
	require.NoError(t, err)

	delay := 2
	_, err = h.sched.UpdateConfig(ctx, ConfigUpdate{AutoExecuteDelayHours: &delay})
	require.NoError(t, err)

	h.sched.tick(ctx, h.clock.Advance(2*time.Hour))
	h.waitStatus(t, task.ID, TaskStatusCompleted)
}

func TestImmediateTaskScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{})
	h.workflow.fn = func(call int) error {
		if call == 2 {
			return errWorkflow
		}
		return nil
	}

	task, err := h.sched.CreateImmediateTask(ctx, 3)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(task.ID, "test_"))
	assert.Equal(t, TaskKindImmediate, task.Kind)
	assert.Equal(t, h.clock.Now().Add(time.Minute), h.sched.DueAt(task))

	h.sched.tick(ctx, h.clock.Advance(30*time.Second))
	h.waitIdle(t)
	assert.Zero(t, h.workflow.calls.Load())

	h.sched.tick(ctx, h.clock.Advance(30*time.Second))
	done := h.waitStatus(t, task.ID, TaskStatusFailed)
	assert.Equal(t, 2, done.SuccessCount)
	assert.Equal(t, 1, done.ErrorCount)
	require.NotNil(t, done.ErrorMessage)
	assert.Contains(t, *done.ErrorMessage, "iteration 2")
	assert.Contains(t, *done.ErrorMessage, errWorkflow.Error())
	assert.Equal(t, 3, h.store.progressUpdates())

	require.Eventually(t, func() bool { return h.notifier.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestImmediateTaskDefaultsToFiveIterations(t *testing.T) {
	h := newHarness(t, quietConfig(), Options{})
	task, err := h.sched.CreateImmediateTask(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, task.WorkflowCount)
}

func TestCreateRejectsNegativeCount(t *testing.T) {
	h := newHarness(t, quietConfig(), Options{})
	_, err := h.sched.CreateDailyTask(context.Background(), -1)
	assert.ErrorIs(t, err, ErrInvalidWorkflowCount)
}

func TestErrorMessagesAreCappedAndTruncated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{})
	long := strings.Repeat("x", 500)
	h.workflow.fn = func(call int) error {
		return fmt.Errorf("failure %d %s", call, long)
	}

	task, err := h.sched.CreateImmediateTask(ctx, 5)
	require.NoError(t, err)
	require.NoError(t, h.sched.ExecuteTaskImmediately(ctx, task.ID))

	done := h.waitStatus(t, task.ID, TaskStatusFailed)
	assert.Equal(t, 0, done.SuccessCount)
	assert.Equal(t, 5, done.ErrorCount)
	require.NotNil(t, done.ErrorMessage)
	parts := strings.Split(*done.ErrorMessage, "; ")
	require.Len(t, parts, 3)
	for i, p := range parts {
		assert.LessOrEqual(t, len([]rune(p)), 200)
		assert.Contains(t, p, fmt.Sprintf("iteration %d", i+1))
	}
}

func TestPanicInWorkflowFailsTaskImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{})
	h.workflow.fn = func(call int) error {
		if call == 2 {
			panic("unit exploded")
		}
		return nil
	}

	task, err := h.sched.CreateImmediateTask(ctx, 4)
	require.NoError(t, err)
	require.NoError(t, h.sched.ExecuteTaskImmediately(ctx, task.ID))

	done := h.waitStatus(t, task.ID, TaskStatusFailed)
	assert.EqualValues(t, 2, h.workflow.calls.Load(), "remaining iterations are skipped")
	assert.Equal(t, 1, done.SuccessCount)
	assert.Equal(t, 3, done.ErrorCount)
	assert.Equal(t, done.WorkflowCount, done.SuccessCount+done.ErrorCount)
	require.NotNil(t, done.ErrorMessage)
	assert.Contains(t, *done.ErrorMessage, "unit exploded")
}

func TestCancelOnlyFromPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{})
	now := h.clock.Now()

	h.store.put(&Task{ID: "pending", WorkflowCount: 1, Status: TaskStatusPending, CreatedAt: now})
	h.store.put(&Task{ID: "running", WorkflowCount: 1, Status: TaskStatusRunning, CreatedAt: now})
	h.store.put(&Task{ID: "done", WorkflowCount: 1, Status: TaskStatusCompleted, CreatedAt: now})

	require.NoError(t, h.sched.CancelTask(ctx, "pending"))
	got, _ := h.store.GetTask(ctx, "pending")
	assert.Equal(t, TaskStatusCancelled, got.Status)

	assert.ErrorIs(t, h.sched.CancelTask(ctx, "running"), ErrInvalidTransition)
	assert.ErrorIs(t, h.sched.CancelTask(ctx, "done"), ErrInvalidTransition)
	assert.ErrorIs(t, h.sched.CancelTask(ctx, "missing"), ErrTaskNotFound)

	running, _ := h.store.GetTask(ctx, "running")
	assert.Equal(t, TaskStatusRunning, running.Status)
}

func TestCancelledTaskIsNeverDispatched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{})
	task, err := h.sched.CreateImmediateTask(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, h.sched.CancelTask(ctx, task.ID))

	h.sched.tick(ctx, h.clock.Advance(time.Hour))
	h.waitIdle(t)
	assert.Zero(t, h.workflow.calls.Load())

	// A manual execute of a non-pending task is a no-op for the worker.
	require.NoError(t, h.sched.ExecuteTaskImmediately(ctx, task.ID))
	h.waitIdle(t)
	assert.Zero(t, h.workflow.calls.Load())
	got, _ := h.store.GetTask(ctx, task.ID)
	assert.Equal(t, TaskStatusCancelled, got.Status)
}

func TestConcurrentExecuteRunsTaskOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{WorkerLimit: 4})
	release := make(chan struct{})
	h.workflow.fn = func(int) error {
		<-release
		return nil
	}

	task, err := h.sched.CreateImmediateTask(ctx, 3)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.sched.ExecuteTaskImmediately(ctx, task.ID)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrTaskAlreadyRunning)
		}
	}
	close(release)

	h.waitStatus(t, task.ID, TaskStatusCompleted)
	h.waitIdle(t)
	assert.EqualValues(t, 3, h.workflow.calls.Load())
}

func TestDispatchStartsOneTaskPerTick(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{WorkerLimit: 4})
	release := make(chan struct{})
	defer close(release)
	h.workflow.fn = func(int) error {
		<-release
		return nil
	}

	old := h.clock.Now().Add(-time.Hour)
	h.store.put(&Task{ID: "test_a", Kind: TaskKindImmediate, WorkflowCount: 1, Status: TaskStatusPending, CreatedAt: old})
	h.store.put(&Task{ID: "test_b", Kind: TaskKindImmediate, WorkflowCount: 1, Status: TaskStatusPending, CreatedAt: old.Add(time.Second)})

	h.sched.tick(ctx, h.clock.Now())
	require.Eventually(t, func() bool { return len(h.sched.RunningTaskIDs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"test_b"}, h.sched.RunningTaskIDs(), "store order is newest first")
	h.waitStatus(t, "test_b", TaskStatusRunning)

	h.sched.tick(ctx, h.clock.Advance(time.Minute))
	require.Eventually(t, func() bool { return len(h.sched.RunningTaskIDs()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestDispatchSkipsTaskAlreadyInPool(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{WorkerLimit: 4})

	old := h.clock.Now().Add(-time.Hour)
	h.store.put(&Task{ID: "test_a", Kind: TaskKindImmediate, WorkflowCount: 1, Status: TaskStatusPending, CreatedAt: old})
	h.store.put(&Task{ID: "test_b", Kind: TaskKindImmediate, WorkflowCount: 1, Status: TaskStatusPending, CreatedAt: old.Add(time.Second)})

	// test_b holds a worker slot but has not claimed its row yet.
	release := make(chan struct{})
	require.NoError(t, h.sched.pool.submit("test_b", func() { <-release }))

	h.sched.tick(ctx, h.clock.Now())
	h.waitStatus(t, "test_a", TaskStatusCompleted)

	got, err := h.store.GetTask(ctx, "test_b")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusPending, got.Status)
	close(release)
	h.waitIdle(t)
}

func TestClaimedTaskFailsWhenRowCannotBeLoaded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{WorkerLimit: 2})
	h.store.getFailsWhileRunning = true

	task, err := h.sched.CreateImmediateTask(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, h.sched.ExecuteTaskImmediately(ctx, task.ID))

	got := h.waitStatus(t, task.ID, TaskStatusFailed)
	h.waitIdle(t)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "load claimed task")
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Zero(t, h.workflow.calls.Load())
	assert.Equal(t, 1, h.notifier.count())
}

func TestFinalWriteRetriesStorageErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{WorkerLimit: 2})
	h.store.completeErrs = completeAttempts - 1

	task, err := h.sched.CreateImmediateTask(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, h.sched.ExecuteTaskImmediately(ctx, task.ID))

	got := h.waitStatus(t, task.ID, TaskStatusCompleted)
	h.waitIdle(t)
	assert.Equal(t, 2, got.SuccessCount)
}

func TestWorkerPoolFullRejectsDispatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{WorkerLimit: 1})
	release := make(chan struct{})
	h.workflow.fn = func(int) error {
		<-release
		return nil
	}

	first, err := h.sched.CreateImmediateTask(ctx, 1)
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	second, err := h.sched.CreateImmediateTask(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, h.sched.ExecuteTaskImmediately(ctx, first.ID))
	assert.ErrorIs(t, h.sched.ExecuteTaskImmediately(ctx, second.ID), ErrWorkerPoolFull)

	close(release)
	h.waitStatus(t, first.ID, TaskStatusCompleted)
	h.waitIdle(t)
	got, _ := h.store.GetTask(ctx, second.ID)
	assert.Equal(t, TaskStatusPending, got.Status, "rejected dispatch leaves the task for a later tick")
}

func TestAutoCreateOncePerDay(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultSchedulerConfig()
	cfg.AutoCreateTime = "18:00"
	h := newHarness(t, cfg, Options{})

	h.clock.Advance(7*time.Hour + 59*time.Minute) // 17:59
	h.sched.prevTick = h.clock.Now()

	h.sched.tick(ctx, h.clock.Advance(90*time.Second)) // 18:00:30
	tasks := h.sched.ListTasks(ctx)
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskKindNormal, tasks[0].Kind)
	assert.Equal(t, cfg.DefaultWorkflowCount, tasks[0].WorkflowCount)
	assert.Equal(t, "task_20240602_0200", tasks[0].ID)
	assert.Equal(t, "02:00", tasks[0].ScheduledTime)

	h.sched.tick(ctx, h.clock.Advance(time.Minute))
	assert.Len(t, h.sched.ListTasks(ctx), 1)

	// Same calendar day again after a restart of the loop.
	h.sched.prevTick = h.clock.Now().Add(-2 * time.Hour)
	h.sched.tick(ctx, h.clock.Advance(time.Minute))
	assert.Len(t, h.sched.ListTasks(ctx), 1)

	h.sched.prevTick = h.clock.Advance(23*time.Hour + 57*time.Minute) // next day 17:59:30
	h.sched.tick(ctx, h.clock.Advance(time.Minute))
	assert.Len(t, h.sched.ListTasks(ctx), 2)
}

func TestAutoCreateDisabled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{})
	h.sched.prevTick = h.clock.Now()
	h.sched.tick(ctx, h.clock.Advance(48*time.Hour))
	assert.Empty(t, h.sched.ListTasks(ctx))
	_, ok := h.sched.NextAutoCreate()
	assert.False(t, ok)
}

func TestCreateIDCollisionGetsSuffix(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{})
	first, err := h.sched.CreateDailyTask(ctx, 1)
	require.NoError(t, err)
	second, err := h.sched.CreateDailyTask(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, "task_20240601_1800", first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, strings.HasPrefix(second.ID, first.ID+"_"))
	assert.Len(t, h.sched.ListTasks(ctx), 2)
}

func TestRecoverInterruptedFailsOrphanedRunningTasks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{})
	h.store.put(&Task{ID: "orphan", WorkflowCount: 5, Status: TaskStatusRunning, SuccessCount: 2,
		CreatedAt: h.clock.Now()})

	assert.Equal(t, 1, h.sched.RecoverInterrupted(ctx))
	got, err := h.store.GetTask(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, got.Status)
	assert.Equal(t, 3, got.ErrorCount)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "interrupted")
	assert.NotNil(t, got.CompletedAt)
}

func TestReadHelpersDegradeOnStorageFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{})
	h.store.listErr = assert.AnError

	tasks := h.sched.ListTasks(ctx)
	assert.NotNil(t, tasks)
	assert.Empty(t, tasks)

	groups := h.sched.GroupedTasks(ctx)
	assert.Empty(t, groups.Pending)
	assert.NotNil(t, groups.Finished)
	assert.Zero(t, h.sched.RecoverInterrupted(ctx))
}

func TestStatisticsIncludesEveryStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{})
	now := h.clock.Now()
	h.store.put(&Task{ID: "a", WorkflowCount: 1, Status: TaskStatusPending, CreatedAt: now})
	h.store.put(&Task{ID: "b", WorkflowCount: 1, Status: TaskStatusFailed, CreatedAt: now.Add(-30 * 24 * time.Hour)})

	stats := h.sched.Statistics(ctx)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Last7Days)
	assert.Len(t, stats.ByStatus, len(AllTaskStatuses))
	assert.Equal(t, 0, stats.ByStatus[TaskStatusRunning])

	sum := 0
	for _, n := range stats.ByStatus {
		sum += n
	}
	assert.Equal(t, stats.Total, sum)
}

func TestGroupedTasks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{})
	now := h.clock.Now()
	for i, st := range AllTaskStatuses {
		h.store.put(&Task{ID: fmt.Sprintf("t%d", i), WorkflowCount: 1, Status: st, CreatedAt: now})
	}
	groups := h.sched.GroupedTasks(ctx)
	assert.Len(t, groups.Pending, 1)
	assert.Len(t, groups.Running, 1)
	assert.Len(t, groups.Finished, 3)
}

func TestCleanOldTasks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{RetentionDays: 10})
	old := h.clock.Now().Add(-20 * 24 * time.Hour)
	h.store.put(&Task{ID: "old_done", WorkflowCount: 1, Status: TaskStatusCompleted, CreatedAt: old, CompletedAt: &old})
	h.store.put(&Task{ID: "old_pending", WorkflowCount: 1, Status: TaskStatusPending, CreatedAt: old})

	assert.Equal(t, 0, h.sched.CleanOldTasks(ctx, 30))
	assert.Equal(t, 1, h.sched.CleanOldTasks(ctx, 0))
	_, err := h.store.GetTask(ctx, "old_pending")
	assert.NoError(t, err)
}

func TestPeriodicCleanupRunsOnInterval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{RetentionDays: 1, CleanupInterval: time.Hour})
	old := h.clock.Now().Add(-48 * time.Hour)
	h.store.put(&Task{ID: "old_done", WorkflowCount: 1, Status: TaskStatusCompleted, CreatedAt: old, CompletedAt: &old})
	h.sched.lastCleanup = h.clock.Now()

	h.sched.tick(ctx, h.clock.Advance(30*time.Minute))
	_, err := h.store.GetTask(ctx, "old_done")
	assert.NoError(t, err)

	h.sched.tick(ctx, h.clock.Advance(30*time.Minute))
	_, err = h.store.GetTask(ctx, "old_done")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestUpdateConfigRejectsInvalidValues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{})
	bad := "25:00"
	_, err := h.sched.UpdateConfig(ctx, ConfigUpdate{AutoCreateTime: &bad})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "18:00", h.sched.Config().AutoCreateTime)
}

func TestUpdateConfigRestartsRunningLoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{PollInterval: time.Hour})
	h.sched.Start(ctx)
	require.True(t, h.sched.Running())

	enabled := true
	cfg, err := h.sched.UpdateConfig(ctx, ConfigUpdate{AutoCreateEnabled: &enabled})
	require.NoError(t, err)
	assert.True(t, cfg.AutoCreateEnabled)
	assert.True(t, h.sched.Running())

	h.sched.Stop()
	assert.False(t, h.sched.Running())
	h.sched.Stop()
}

func TestDeleteTaskAnyState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{})
	h.store.put(&Task{ID: "r", WorkflowCount: 1, Status: TaskStatusRunning, CreatedAt: h.clock.Now()})
	assert.True(t, h.sched.DeleteTask(ctx, "r"))
	assert.False(t, h.sched.DeleteTask(ctx, "r"))
}

func TestShutdownRejectsNewWork(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, quietConfig(), Options{})
	task, err := h.sched.CreateImmediateTask(ctx, 1)
	require.NoError(t, err)

	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, h.sched.Shutdown(sctx))
	assert.ErrorIs(t, h.sched.ExecuteTaskImmediately(ctx, task.ID), ErrSchedulerStopped)
}
