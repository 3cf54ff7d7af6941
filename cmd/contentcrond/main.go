package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"contentcron/internal/api"
	"contentcron/internal/config"
	"contentcron/internal/core"
	"contentcron/internal/logging"
	contentcronmcp "contentcron/internal/mcp"
	"contentcron/internal/notify"
	"contentcron/internal/store"
	"contentcron/internal/workflow"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// stdout carries the MCP stdio protocol in mcp and both modes.
	logOut := os.Stdout
	if cfg.Mode != "http" {
		logOut = os.Stderr
	}
	logger := logging.NewWithWriter(logOut, cfg.Log.Level, cfg.Log.Format)

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.Close()

	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}

	importLegacy(baseCtx, cfg, storeInst, logger, location)

	runner, err := buildWorkflow(cfg, logger)
	if err != nil {
		logger.Error("build workflow", "err", err)
		os.Exit(1)
	}

	scheduler := core.NewScheduler(storeInst, runner, logger.With("component", "scheduler"), core.Options{
		PollInterval:    cfg.Scheduler.PollInterval,
		IterationDelay:  cfg.Scheduler.IterationDelay,
		WorkerLimit:     cfg.Scheduler.WorkerLimit,
		RetentionDays:   cfg.Scheduler.RetentionDays,
		CleanupInterval: cfg.Scheduler.CleanupInterval,
		Location:        location,
		Notifier:        buildNotifier(cfg, logger),
	})

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	if err := scheduler.Init(ctx); err != nil {
		logger.Error("init scheduler", "err", err)
		os.Exit(1)
	}
	scheduler.Start(ctx)

	mcpServer := contentcronmcp.NewMCPServer(scheduler, logger.With("component", "mcp"), location)

	switch cfg.Mode {
	case "http":
		runHTTPMode(ctx, cfg, scheduler, mcpServer, logger, location)
	case "mcp":
		runMCPMode(cfg, scheduler, mcpServer, logger)
	case "both":
		runBothMode(ctx, cfg, scheduler, mcpServer, logger, location)
	default:
		logger.Error("invalid mode", "mode", cfg.Mode, "valid", []string{"http", "mcp", "both"})
		os.Exit(1)
	}
}

func buildWorkflow(cfg *config.Config, logger *slog.Logger) (core.WorkflowRunner, error) {
	wlog := logger.With("component", "workflow")
	var unit workflow.Unit
	switch cfg.Workflow.Kind {
	case "command":
		u, err := workflow.NewCommandUnit(cfg.Workflow.Command, cfg.Workflow.Timeout, wlog)
		if err != nil {
			return nil, err
		}
		unit = u
	case "claude":
		u, err := workflow.NewClaudeCLIUnit(cfg.Workflow.Anthropic.Prompt, cfg.Workflow.Timeout, wlog)
		if err != nil {
			return nil, err
		}
		unit = u
	case "anthropic":
		a := cfg.Workflow.Anthropic
		u, err := workflow.NewAnthropicUnit(workflow.AnthropicConfig{
			APIKey:       a.APIKey,
			BaseURL:      a.BaseURL,
			Model:        a.Model,
			MaxTokens:    a.MaxTokens,
			Prompt:       a.Prompt,
			SystemPrompt: a.SystemPrompt,
			HTTPClient:   &http.Client{Timeout: workflowHTTPTimeout(cfg.Workflow.Timeout)},
		})
		if err != nil {
			return nil, err
		}
		unit = u
	default:
		return nil, fmt.Errorf("unknown workflow kind %q", cfg.Workflow.Kind)
	}
	sink, err := workflow.NewFileSink(cfg.Workflow.OutputDir)
	if err != nil {
		return nil, err
	}
	logger.Info("workflow configured", "kind", cfg.Workflow.Kind, "output_dir", cfg.Workflow.OutputDir)
	return workflow.New(unit, sink), nil
}

func workflowHTTPTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Minute
	}
	return d
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) core.Notifier {
	notifiers := []notify.Notifier{&notify.LogNotifier{Logger: logger.With("component", "notify")}}
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			logger.Warn("bark notifier disabled", "err", err)
		} else {
			notifiers = append(notifiers, bark)
		}
	}
	return notify.NewMultiNotifier(notifiers...)
}

// importLegacy loads the JSON dumps of older installs once; the files are renamed afterwards.
func importLegacy(ctx context.Context, cfg *config.Config, s *store.Store, logger *slog.Logger, location *time.Location) {
	dir := cfg.Scheduler.LegacyDir
	if dir == "" {
		return
	}
	n, err := s.ImportLegacyJSON(ctx, filepath.Join(dir, "scheduled_tasks.json"), location)
	if err != nil {
		logger.Error("import legacy tasks", "imported", n, "err", err)
	} else if n > 0 {
		logger.Info("imported legacy tasks", "count", n)
	}
	ok, err := s.ImportLegacyConfigJSON(ctx, filepath.Join(dir, "scheduler_config.json"))
	if err != nil {
		logger.Error("import legacy config", "err", err)
	} else if ok {
		logger.Info("imported legacy config")
	}
}

// runHTTPMode serves the HTTP API, with MCP mounted at /mcp.
func runHTTPMode(ctx context.Context, cfg *config.Config, scheduler *core.Scheduler, mcpServer *contentcronmcp.MCPServer, logger *slog.Logger, location *time.Location) {
	server := api.NewServer(ctx, cfg.Server.Addr, cfg.Server.AuthToken, scheduler, mcpServer.HTTPHandler(), logger.With("component", "api"), location)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	shutdownScheduler(shutdownCtx, scheduler, logger)
}

// runMCPMode serves MCP over stdio until stdin closes or a signal arrives.
func runMCPMode(cfg *config.Config, scheduler *core.Scheduler, mcpServer *contentcronmcp.MCPServer, logger *slog.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	mcpErr := make(chan error, 1)
	go func() {
		mcpErr <- mcpServer.Run()
	}()

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-mcpErr:
		if err != nil {
			logger.Error("mcp server error", "err", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	shutdownScheduler(shutdownCtx, scheduler, logger)
}

// runBothMode serves the HTTP API and MCP over stdio.
func runBothMode(ctx context.Context, cfg *config.Config, scheduler *core.Scheduler, mcpServer *contentcronmcp.MCPServer, logger *slog.Logger, location *time.Location) {
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server := api.NewServer(ctx, cfg.Server.Addr, cfg.Server.AuthToken, scheduler, mcpServer.HTTPHandler(), logger.With("component", "api"), location)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	shutdownScheduler(shutdownCtx, scheduler, logger)
	logger.Info("shutdown complete")
}

func shutdownScheduler(ctx context.Context, scheduler *core.Scheduler, logger *slog.Logger) {
	if err := scheduler.Shutdown(ctx); err != nil {
		// Tasks still running are failed as interrupted on the next start.
		logger.Warn("scheduler shutdown timed out", "running", scheduler.RunningTaskIDs(), "err", err)
	}
}
