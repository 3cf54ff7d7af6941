package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ConfigRepository persists the singleton scheduler configuration row.
type ConfigRepository interface {
	LoadConfig(ctx context.Context) (SchedulerConfig, error)
	SaveConfig(ctx context.Context, cfg SchedulerConfig) error
}

var configValidate = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		_, _, err := ParseClock(fl.Field().String())
		return err == nil
	})
	return v
}

// ValidateConfig checks cfg and returns a *ConfigError naming the first bad field.
func ValidateConfig(cfg SchedulerConfig) error {
	err := configValidate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ConfigError{Field: fe.Field(), Err: fmt.Errorf("failed %q validation (value %v)", fe.Tag(), fe.Value())}
	}
	return &ConfigError{Err: err}
}

// ConfigStore holds the in-memory copy of the scheduler configuration.
// The copy is authoritative between loads.
type ConfigStore struct {
	repo   ConfigRepository
	logger *slog.Logger

	mu  sync.RWMutex
	cfg SchedulerConfig
}

// NewConfigStore creates a store primed with the default configuration.
func NewConfigStore(repo ConfigRepository, logger *slog.Logger) *ConfigStore {
	return &ConfigStore{
		repo:   repo,
		logger: logger,
		cfg:    DefaultSchedulerConfig(),
	}
}

// Load refreshes the in-memory copy from the repository. A missing or invalid
// row falls back to the defaults; the returned error is informational.
func (c *ConfigStore) Load(ctx context.Context) (SchedulerConfig, error) {
	cfg, err := c.repo.LoadConfig(ctx)
	if err == nil {
		err = ValidateConfig(cfg)
	}
	if err != nil {
		cfg = DefaultSchedulerConfig()
		c.logger.Warn("load scheduler config, using defaults", "err", err)
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	return cfg, err
}

// Get returns the current in-memory configuration.
func (c *ConfigStore) Get() SchedulerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Update validates and persists the merged configuration, then swaps the in-memory copy.
func (c *ConfigStore) Update(ctx context.Context, u ConfigUpdate) (SchedulerConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := u.Apply(c.cfg)
	if err := ValidateConfig(next); err != nil {
		return c.cfg, err
	}
	if err := c.repo.SaveConfig(ctx, next); err != nil {
		return c.cfg, err
	}
	c.cfg = next
	return next, nil
}
