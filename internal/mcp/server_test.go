package mcp

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"contentcron/internal/core"
	"contentcron/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*MCPServer, *core.Scheduler) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	workflow := core.WorkflowRunnerFunc(func(context.Context) error { return nil })
	sched := core.NewScheduler(st, workflow, logger, core.Options{IterationDelay: -1, Location: time.UTC})
	require.NoError(t, sched.Init(ctx))
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(sctx)
	})
	return NewMCPServer(sched, logger, time.UTC), sched
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Name: name, Arguments: args}}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "unexpected content type %T", res.Content[0])
	return text.Text
}

func TestCreateListAndGet(t *testing.T) {
	ctx := context.Background()
	srv, sched := newTestServer(t)

	res, err := srv.handleCreateTask(ctx, callRequest("task_create", map[string]any{
		"kind":           "immediate",
		"workflow_count": float64(2),
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "任务已创建")

	tasks := sched.ListTasks(ctx)
	require.Len(t, tasks, 1)
	id := tasks[0].ID
	assert.Equal(t, 2, tasks[0].WorkflowCount)

	res, err = srv.handleListTasks(ctx, callRequest("task_list", map[string]any{"status": "pending"}))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "找到 1 个任务")
	assert.Contains(t, text, id)

	res, err = srv.handleListTasks(ctx, callRequest("task_list", map[string]any{"status": "completed"}))
	require.NoError(t, err)
	assert.Equal(t, "没有找到任务", resultText(t, res))

	res, err = srv.handleGetTask(ctx, callRequest("task_get", map[string]any{"task_id": id}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "待运行")
}

func TestCreateRejectsUnknownKind(t *testing.T) {
	srv, _ := newTestServer(t)
	res, err := srv.handleCreateTask(context.Background(), callRequest("task_create", map[string]any{"kind": "weekly"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestCancelDeleteAndMissingTask(t *testing.T) {
	ctx := context.Background()
	srv, sched := newTestServer(t)
	task, err := sched.CreateDailyTask(ctx, 1)
	require.NoError(t, err)

	res, err := srv.handleCancelTask(ctx, callRequest("task_cancel", map[string]any{"task_id": task.ID}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	res, err = srv.handleCancelTask(ctx, callRequest("task_cancel", map[string]any{"task_id": task.ID}))
	require.NoError(t, err)
	assert.True(t, res.IsError, "cancelled tasks cannot be cancelled again")

	res, err = srv.handleDeleteTask(ctx, callRequest("task_delete", map[string]any{"task_id": task.ID}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	res, err = srv.handleGetTask(ctx, callRequest("task_get", map[string]any{"task_id": task.ID}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "任务不存在")
}

func TestExecuteRunsTask(t *testing.T) {
	ctx := context.Background()
	srv, sched := newTestServer(t)
	task, err := sched.CreateImmediateTask(ctx, 2)
	require.NoError(t, err)

	res, err := srv.handleExecuteTask(ctx, callRequest("task_execute", map[string]any{"task_id": task.ID}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	require.Eventually(t, func() bool {
		got, err := sched.GetTask(ctx, task.ID)
		return err == nil && got.Status == core.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	res, err = srv.handleStats(ctx, callRequest("task_stats", nil))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "任务总数: 1")
	assert.Contains(t, text, "已完成: 1")
}

func TestConfigUpdateOnlyTouchesGivenFields(t *testing.T) {
	ctx := context.Background()
	srv, sched := newTestServer(t)

	res, err := srv.handleUpdateConfig(ctx, callRequest("config_update", map[string]any{
		"auto_create_enabled":    false,
		"default_workflow_count": float64(12),
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	cfg := sched.Config()
	assert.False(t, cfg.AutoCreateEnabled)
	assert.Equal(t, 12, cfg.DefaultWorkflowCount)
	assert.Equal(t, "18:00", cfg.AutoCreateTime)
	assert.Equal(t, 8, cfg.AutoExecuteDelayHours)

	res, err = srv.handleUpdateConfig(ctx, callRequest("config_update", map[string]any{"auto_create_time": "25:61"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "18:00", sched.Config().AutoCreateTime)

	res, err = srv.handleGetConfig(ctx, callRequest("config_get", nil))
	require.NoError(t, err)
	assert.True(t, strings.Contains(resultText(t, res), "默认执行次数: 12"))
}

func TestCleanupDefaultsToRetention(t *testing.T) {
	srv, _ := newTestServer(t)
	res, err := srv.handleCleanup(context.Background(), callRequest("task_cleanup", nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "超过 30 天")
}
