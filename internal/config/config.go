package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const envPrefix = "CONTENTCRON_"

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string `validate:"required"`
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string `validate:"oneof=text json"`
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string `validate:"omitempty,url"`
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// SchedulerConfig holds the process-level tuning of the polling loop and workers.
// The persisted auto-create settings live in the database, not here.
type SchedulerConfig struct {
	PollInterval    time.Duration `validate:"gt=0"`
	IterationDelay  time.Duration `validate:"gte=0"`
	WorkerLimit     int           `validate:"gte=1"`
	RetentionDays   int           `validate:"gte=1"`
	CleanupInterval time.Duration `validate:"gte=0"`
	LegacyDir       string
}

// AnthropicConfig holds the LLM workflow settings.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int `validate:"gte=0"`
	Prompt       string
	SystemPrompt string
}

// WorkflowConfig selects and configures the unit invoked by every task iteration.
type WorkflowConfig struct {
	Kind      string `validate:"oneof=command claude anthropic"`
	Command   string `validate:"required_if=Kind command"`
	Timeout   time.Duration
	OutputDir string
	Anthropic AnthropicConfig
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Notification NotificationConfig
	Scheduler    SchedulerConfig
	Workflow     WorkflowConfig

	Mode          string `validate:"oneof=http mcp both"`
	StateDir      string
	UseUTC        bool
	ShutdownGrace time.Duration
}

const (
	defaultAddr            = "0.0.0.0:7171"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultMode            = "http"
	defaultShutdownGrace   = 10 * time.Second
	defaultPollInterval    = time.Minute
	defaultIterationDelay  = 500 * time.Millisecond
	defaultWorkerLimit     = 2
	defaultRetentionDays   = 30
	defaultCleanupInterval = 24 * time.Hour
	defaultWorkflowKind    = "command"
	defaultAnthropicModel  = "claude-sonnet-4-5"
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse reads the process flags and environment into Config.
func Parse() (*Config, error) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs parses args and environment variables into Config.
// Priority: CLI flags > Environment variables > .env file > defaults
func ParseArgs(args []string) (*Config, error) {
	// .env files are optional; existing environment variables win over them.
	envFiles := []string{}
	if _, err := os.Stat(".env"); err == nil {
		envFiles = append(envFiles, ".env")
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		p := filepath.Join(configDir, "contentcron", ".env")
		if _, err := os.Stat(p); err == nil {
			envFiles = append(envFiles, p)
		}
	}
	if len(envFiles) > 0 {
		_ = godotenv.Load(envFiles...)
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString(envPrefix+"ADDR", defaultAddr),
			AuthToken: getEnvString(envPrefix+"AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level:  getEnvString(envPrefix+"LOG_LEVEL", defaultLogLevel),
			Format: getEnvString(envPrefix+"LOG_FORMAT", defaultLogFormat),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString(envPrefix+"BARK_URL", ""),
				Enabled: getEnvBool(envPrefix+"BARK_ENABLED", false),
			},
		},
		Scheduler: SchedulerConfig{
			PollInterval:    getEnvDuration(envPrefix+"POLL_INTERVAL", defaultPollInterval),
			IterationDelay:  getEnvDuration(envPrefix+"ITERATION_DELAY", defaultIterationDelay),
			WorkerLimit:     getEnvInt(envPrefix+"WORKER_LIMIT", defaultWorkerLimit),
			RetentionDays:   getEnvInt(envPrefix+"RETENTION_DAYS", defaultRetentionDays),
			CleanupInterval: getEnvDuration(envPrefix+"CLEANUP_INTERVAL", defaultCleanupInterval),
			LegacyDir:       getEnvString(envPrefix+"LEGACY_DIR", ""),
		},
		Workflow: WorkflowConfig{
			Kind:      getEnvString(envPrefix+"WORKFLOW_KIND", defaultWorkflowKind),
			Command:   getEnvString(envPrefix+"WORKFLOW_COMMAND", ""),
			Timeout:   getEnvDuration(envPrefix+"WORKFLOW_TIMEOUT", 0),
			OutputDir: getEnvString(envPrefix+"OUTPUT_DIR", ""),
			Anthropic: AnthropicConfig{
				APIKey:       getEnvString(envPrefix+"ANTHROPIC_API_KEY", os.Getenv("ANTHROPIC_API_KEY")),
				BaseURL:      getEnvString(envPrefix+"ANTHROPIC_BASE_URL", os.Getenv("ANTHROPIC_BASE_URL")),
				Model:        getEnvString(envPrefix+"ANTHROPIC_MODEL", defaultAnthropicModel),
				MaxTokens:    getEnvInt(envPrefix+"ANTHROPIC_MAX_TOKENS", 0),
				Prompt:       getEnvString(envPrefix+"PROMPT", ""),
				SystemPrompt: getEnvString(envPrefix+"SYSTEM_PROMPT", ""),
			},
		},
		Mode:          getEnvString(envPrefix+"MODE", defaultMode),
		StateDir:      getEnvString(envPrefix+"STATE_DIR", ""),
		UseUTC:        getEnvBool(envPrefix+"USE_UTC", false),
		ShutdownGrace: getEnvDuration(envPrefix+"SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("contentcrond", flag.ContinueOnError)
	var (
		addr, logLevel, logFormat, stateDir, mode    string
		workflowKind, workflowCommand, outputDir     string
		legacyDir                                    string
		useUTC                                       bool
		shutdownGrace, pollInterval, workflowTimeout time.Duration
		workerLimit                                  int
	)
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&stateDir, "state-dir", "", "Directory holding the task database")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	fs.StringVar(&mode, "mode", "", "Serve mode: http, mcp (stdio) or both")
	fs.StringVar(&workflowKind, "workflow", "", "Workflow unit: command, claude or anthropic")
	fs.StringVar(&workflowCommand, "workflow-command", "", "Shell command run by every iteration")
	fs.StringVar(&outputDir, "output-dir", "", "Directory receiving workflow outputs")
	fs.StringVar(&legacyDir, "legacy-dir", "", "Directory holding scheduled_tasks.json to import on startup")
	fs.BoolVar(&useUTC, "use-utc", false, "Use UTC for the daily schedule instead of system local time")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	fs.DurationVar(&pollInterval, "poll-interval", 0, "Scheduler wake interval")
	fs.DurationVar(&workflowTimeout, "workflow-timeout", 0, "Timeout of one workflow command")
	fs.IntVar(&workerLimit, "workers", 0, "Maximum number of concurrently running tasks")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if workflowKind != "" {
		cfg.Workflow.Kind = workflowKind
	}
	if workflowCommand != "" {
		cfg.Workflow.Command = workflowCommand
	}
	if outputDir != "" {
		cfg.Workflow.OutputDir = outputDir
	}
	if legacyDir != "" {
		cfg.Scheduler.LegacyDir = legacyDir
	}
	if workerLimit > 0 {
		cfg.Scheduler.WorkerLimit = workerLimit
	}
	// Bool and duration flags only apply when set explicitly.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		case "poll-interval":
			cfg.Scheduler.PollInterval = pollInterval
		case "workflow-timeout":
			cfg.Workflow.Timeout = workflowTimeout
		}
	})

	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	cfg.Workflow.Kind = strings.ToLower(strings.TrimSpace(cfg.Workflow.Kind))

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Workflow.OutputDir == "" {
		cfg.Workflow.OutputDir = filepath.Join(cfg.StateDir, "outputs")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("invalid config %s: failed %q validation", fe.Namespace(), fe.Tag())
	}
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Notification.Bark.Enabled && strings.TrimSpace(c.Notification.Bark.URL) == "" {
		return errors.New("invalid config: bark enabled without a url")
	}
	switch c.Workflow.Kind {
	case "anthropic":
		if strings.TrimSpace(c.Workflow.Anthropic.APIKey) == "" {
			return errors.New("invalid config: anthropic workflow needs an api key")
		}
		if strings.TrimSpace(c.Workflow.Anthropic.Prompt) == "" {
			return errors.New("invalid config: anthropic workflow needs a prompt")
		}
	case "claude":
		if strings.TrimSpace(c.Workflow.Anthropic.Prompt) == "" {
			return errors.New("invalid config: claude workflow needs a prompt")
		}
	}
	return nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "contentcron")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
