package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"contentcron/internal/core"
)

func (s *Store) ensureDefaultConfig(ctx context.Context) error {
	def := core.DefaultSchedulerConfig()
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO scheduler_config
			(id, auto_create_enabled, auto_create_time, auto_execute_delay_hours, default_workflow_count, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
	`, def.AutoCreateEnabled, def.AutoCreateTime, def.AutoExecuteDelayHours, def.DefaultWorkflowCount,
		formatTime(time.Now()))
	if err != nil {
		return core.NewStorageError("insert default config", err)
	}
	return nil
}

// LoadConfig reads the singleton config row. A missing row yields the defaults.
func (s *Store) LoadConfig(ctx context.Context) (core.SchedulerConfig, error) {
	var cfg core.SchedulerConfig
	err := s.DB.QueryRowContext(ctx, `
		SELECT auto_create_enabled, auto_create_time, auto_execute_delay_hours, default_workflow_count
		FROM scheduler_config WHERE id = 1
	`).Scan(&cfg.AutoCreateEnabled, &cfg.AutoCreateTime, &cfg.AutoExecuteDelayHours, &cfg.DefaultWorkflowCount)
	if errors.Is(err, sql.ErrNoRows) {
		return core.DefaultSchedulerConfig(), nil
	}
	if err != nil {
		return core.DefaultSchedulerConfig(), core.NewStorageError("load config", err)
	}
	return cfg, nil
}

// SaveConfig replaces the singleton config row.
func (s *Store) SaveConfig(ctx context.Context, cfg core.SchedulerConfig) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO scheduler_config
			(id, auto_create_enabled, auto_create_time, auto_execute_delay_hours, default_workflow_count, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			auto_create_enabled = excluded.auto_create_enabled,
			auto_create_time = excluded.auto_create_time,
			auto_execute_delay_hours = excluded.auto_execute_delay_hours,
			default_workflow_count = excluded.default_workflow_count,
			updated_at = excluded.updated_at
	`, cfg.AutoCreateEnabled, cfg.AutoCreateTime, cfg.AutoExecuteDelayHours, cfg.DefaultWorkflowCount,
		formatTime(time.Now()))
	if err != nil {
		return core.NewStorageError("save config", err)
	}
	return nil
}
