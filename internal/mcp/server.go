package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"contentcron/internal/core"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	serverName    = "contentcron"
	serverVersion = "1.0.0"
)

// MCPServer exposes the scheduler as MCP tools.
type MCPServer struct {
	scheduler *core.Scheduler
	logger    *slog.Logger
	location  *time.Location
	server    *server.MCPServer
}

// NewMCPServer creates the MCP server and registers its tools.
func NewMCPServer(scheduler *core.Scheduler, logger *slog.Logger, location *time.Location) *MCPServer {
	if location == nil {
		location = time.Local
	}
	s := &MCPServer{
		scheduler: scheduler,
		logger:    logger,
		location:  location,
	}
	s.server = server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
	)
	s.registerTools(s.server)
	return s
}

// Run serves MCP over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.server)
}

// HTTPHandler returns a streamable HTTP transport for the same tools.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("task_create",
		mcp.WithDescription("创建一个批量内容生成任务。normal 任务在配置的延迟后执行，immediate 任务一分钟后执行"),
		mcp.WithString("kind",
			mcp.Description("任务类型: normal（默认）或 immediate"),
			mcp.Enum(string(core.TaskKindNormal), string(core.TaskKindImmediate)),
		),
		mcp.WithNumber("workflow_count",
			mcp.Description("工作流执行次数，默认使用配置值（immediate 任务默认 5）"),
			mcp.Min(1),
		),
	), s.handleCreateTask)

	mcpServer.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("列出所有任务，最新的在前"),
		mcp.WithString("status",
			mcp.Description("按状态过滤"),
			mcp.Enum(statusEnum()...),
		),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("获取任务详情"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("任务 ID"),
		),
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("task_cancel",
		mcp.WithDescription("取消一个待运行的任务"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("任务 ID"),
		),
	), s.handleCancelTask)

	mcpServer.AddTool(mcp.NewTool("task_delete",
		mcp.WithDescription("删除任务（任何状态）"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("任务 ID"),
		),
	), s.handleDeleteTask)

	mcpServer.AddTool(mcp.NewTool("task_execute",
		mcp.WithDescription("跳过等待时间，立即执行一个待运行的任务"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("任务 ID"),
		),
	), s.handleExecuteTask)

	mcpServer.AddTool(mcp.NewTool("task_stats",
		mcp.WithDescription("任务统计: 总数、各状态数量、最近 7 天创建数"),
	), s.handleStats)

	mcpServer.AddTool(mcp.NewTool("task_cleanup",
		mcp.WithDescription("删除早于指定天数的已结束任务"),
		mcp.WithNumber("days",
			mcp.Description("保留天数，默认使用保留设置"),
			mcp.Min(1),
		),
	), s.handleCleanup)

	mcpServer.AddTool(mcp.NewTool("config_get",
		mcp.WithDescription("查看调度配置"),
	), s.handleGetConfig)

	mcpServer.AddTool(mcp.NewTool("config_update",
		mcp.WithDescription("更新调度配置，未提供的字段保持不变"),
		mcp.WithBoolean("auto_create_enabled",
			mcp.Description("是否每天自动创建任务"),
		),
		mcp.WithString("auto_create_time",
			mcp.Description("每天自动创建任务的时间，HH:MM"),
		),
		mcp.WithNumber("auto_execute_delay_hours",
			mcp.Description("创建后延迟多少小时执行"),
			mcp.Min(1),
		),
		mcp.WithNumber("default_workflow_count",
			mcp.Description("默认工作流执行次数"),
			mcp.Min(1),
		),
	), s.handleUpdateConfig)

	s.logger.Info("MCP tools registered", "count", 10)
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := core.TaskKind(mcp.ParseString(request, "kind", string(core.TaskKindNormal)))
	count := int(mcp.ParseFloat64(request, "workflow_count", 0))
	if count < 0 {
		return mcp.NewToolResultError("workflow_count 必须为正数"), nil
	}

	var (
		task *core.Task
		err  error
	)
	switch kind {
	case core.TaskKindNormal, "":
		task, err = s.scheduler.CreateDailyTask(ctx, count)
	case core.TaskKindImmediate:
		task, err = s.scheduler.CreateImmediateTask(ctx, count)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("未知任务类型: %s", kind)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("创建任务失败: %v", err)), nil
	}

	due := s.scheduler.DueAt(task)
	return mcp.NewToolResultText(fmt.Sprintf("任务已创建\nID: %s\n名称: %s\n执行次数: %d\n预计执行: %s",
		task.ID, task.Name, task.WorkflowCount, formatTime(&due, s.location))), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	statusStr := mcp.ParseString(request, "status", "")
	var filter *core.TaskStatus
	if statusStr != "" {
		st := core.TaskStatus(statusStr)
		if !st.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("未知状态: %s", statusStr)), nil
		}
		filter = &st
	}

	var tasks []*core.Task
	for _, t := range s.scheduler.ListTasks(ctx) {
		if filter == nil || t.Status == *filter {
			tasks = append(tasks, t)
		}
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("没有找到任务"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "找到 %d 个任务:\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "%s %s\n", statusIcon(t.Status), t.ID)
		fmt.Fprintf(&b, "  名称: %s\n", t.Name)
		fmt.Fprintf(&b, "  状态: %s\n", statusLabel(t.Status))
		fmt.Fprintf(&b, "  进度: %d 成功 / %d 失败 / 共 %d\n", t.SuccessCount, t.ErrorCount, t.WorkflowCount)
		if t.Status == core.TaskStatusPending {
			due := s.scheduler.DueAt(t)
			fmt.Fprintf(&b, "  预计执行: %s\n", formatTime(&due, s.location))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.scheduler.GetTask(ctx, taskID)
	if err != nil {
		return taskError(taskID, "获取任务失败", err), nil
	}
	return mcp.NewToolResultText(s.describeTask(task)), nil
}

func (s *MCPServer) handleCancelTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.scheduler.CancelTask(ctx, taskID); err != nil {
		return taskError(taskID, "取消任务失败", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("任务已取消: %s", taskID)), nil
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if !s.scheduler.DeleteTask(ctx, taskID) {
		return mcp.NewToolResultError(fmt.Sprintf("删除任务失败: %s", taskID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("任务已删除: %s", taskID)), nil
}

func (s *MCPServer) handleExecuteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.scheduler.ExecuteTaskImmediately(ctx, taskID); err != nil {
		return taskError(taskID, "启动任务失败", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("任务已开始执行: %s", taskID)), nil
}

func (s *MCPServer) handleStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats := s.scheduler.Statistics(ctx)
	var b strings.Builder
	fmt.Fprintf(&b, "任务总数: %d\n", stats.Total)
	for _, st := range core.AllTaskStatuses {
		fmt.Fprintf(&b, "  %s: %d\n", statusLabel(st), stats.ByStatus[st])
	}
	fmt.Fprintf(&b, "最近 7 天创建: %d\n", stats.Last7Days)
	if running := s.scheduler.RunningTaskIDs(); len(running) > 0 {
		fmt.Fprintf(&b, "正在运行: %s\n", strings.Join(running, ", "))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCleanup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	days := int(mcp.ParseFloat64(request, "days", 0))
	if days <= 0 {
		days = s.scheduler.RetentionDays()
	}
	n := s.scheduler.CleanOldTasks(ctx, days)
	return mcp.NewToolResultText(fmt.Sprintf("已删除 %d 个超过 %d 天的已结束任务", n, days)), nil
}

func (s *MCPServer) handleGetConfig(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(s.describeConfig(s.scheduler.Config())), nil
}

func (s *MCPServer) handleUpdateConfig(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	var update core.ConfigUpdate
	if _, ok := args["auto_create_enabled"]; ok {
		v := mcp.ParseBoolean(request, "auto_create_enabled", true)
		update.AutoCreateEnabled = &v
	}
	if _, ok := args["auto_create_time"]; ok {
		v := mcp.ParseString(request, "auto_create_time", "")
		update.AutoCreateTime = &v
	}
	if _, ok := args["auto_execute_delay_hours"]; ok {
		v := int(mcp.ParseFloat64(request, "auto_execute_delay_hours", 0))
		update.AutoExecuteDelayHours = &v
	}
	if _, ok := args["default_workflow_count"]; ok {
		v := int(mcp.ParseFloat64(request, "default_workflow_count", 0))
		update.DefaultWorkflowCount = &v
	}

	cfg, err := s.scheduler.UpdateConfig(ctx, update)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("更新配置失败: %v", err)), nil
	}
	return mcp.NewToolResultText("配置已更新\n" + s.describeConfig(cfg)), nil
}

func (s *MCPServer) describeTask(task *core.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "任务 ID: %s\n", task.ID)
	fmt.Fprintf(&b, "名称: %s\n", task.Name)
	fmt.Fprintf(&b, "类型: %s\n", task.Kind)
	fmt.Fprintf(&b, "状态: %s\n", statusLabel(task.Status))
	fmt.Fprintf(&b, "执行次数: %d\n", task.WorkflowCount)
	fmt.Fprintf(&b, "成功: %d  失败: %d\n", task.SuccessCount, task.ErrorCount)
	fmt.Fprintf(&b, "创建时间: %s\n", formatTime(&task.CreatedAt, s.location))
	if task.Status == core.TaskStatusPending {
		due := s.scheduler.DueAt(task)
		fmt.Fprintf(&b, "预计执行: %s\n", formatTime(&due, s.location))
	}
	if task.StartedAt != nil {
		fmt.Fprintf(&b, "开始时间: %s\n", formatTime(task.StartedAt, s.location))
	}
	if task.CompletedAt != nil {
		fmt.Fprintf(&b, "结束时间: %s\n", formatTime(task.CompletedAt, s.location))
	}
	if task.ErrorMessage != nil {
		fmt.Fprintf(&b, "错误: %s\n", *task.ErrorMessage)
	}
	return b.String()
}

func (s *MCPServer) describeConfig(cfg core.SchedulerConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "自动创建: %t\n", cfg.AutoCreateEnabled)
	fmt.Fprintf(&b, "创建时间: %s\n", cfg.AutoCreateTime)
	fmt.Fprintf(&b, "延迟执行: %d 小时\n", cfg.AutoExecuteDelayHours)
	fmt.Fprintf(&b, "默认执行次数: %d\n", cfg.DefaultWorkflowCount)
	if next, ok := s.scheduler.NextAutoCreate(); ok {
		fmt.Fprintf(&b, "下次自动创建: %s\n", formatTime(&next, s.location))
	}
	return b.String()
}

func taskError(taskID, prefix string, err error) *mcp.CallToolResult {
	if errors.Is(err, core.ErrTaskNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("任务不存在: %s", taskID))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// Helper functions

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04:05")
}

func statusEnum() []string {
	out := make([]string, 0, len(core.AllTaskStatuses))
	for _, st := range core.AllTaskStatuses {
		out = append(out, string(st))
	}
	return out
}

func statusLabel(status core.TaskStatus) string {
	switch status {
	case core.TaskStatusPending:
		return "待运行"
	case core.TaskStatusRunning:
		return "运行中"
	case core.TaskStatusCompleted:
		return "已完成"
	case core.TaskStatusFailed:
		return "失败"
	case core.TaskStatusCancelled:
		return "已取消"
	default:
		return string(status)
	}
}

func statusIcon(status core.TaskStatus) string {
	switch status {
	case core.TaskStatusPending:
		return "⏳"
	case core.TaskStatusRunning:
		return "▶️"
	case core.TaskStatusCompleted:
		return "✅"
	case core.TaskStatusFailed:
		return "❌"
	case core.TaskStatusCancelled:
		return "🚫"
	default:
		return "❓"
	}
}
