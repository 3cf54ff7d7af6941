package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	killGrace      = 5 * time.Second
	pipeWaitDelay  = time.Second
	maxStderrBytes = 512
)

// CommandUnit runs a shell command and treats its stdout as the output.
type CommandUnit struct {
	Command string
	Timeout time.Duration
	Dir     string
	logger  *slog.Logger
}

// NewCommandUnit creates a unit for command. A zero timeout disables the watchdog.
func NewCommandUnit(command string, timeout time.Duration, logger *slog.Logger) (*CommandUnit, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("workflow command is empty")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CommandUnit{Command: command, Timeout: timeout, logger: logger}, nil
}

func (u *CommandUnit) Generate(ctx context.Context) (Output, error) {
	var stdout bytes.Buffer
	stderr := &syncWriter{w: &limitedBuffer{max: maxStderrBytes}}

	cmd := shellCommand(ctx, u.Command)
	cmd.Dir = u.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	// Grandchildren of the shell may keep the pipes open after it exits.
	cmd.WaitDelay = pipeWaitDelay

	var timedOut atomic.Bool
	var watchdog *time.Timer
	if err := cmd.Start(); err != nil {
		return Output{}, fmt.Errorf("start command: %w", err)
	}
	if u.Timeout > 0 {
		watchdog = time.AfterFunc(u.Timeout, func() {
			timedOut.Store(true)
			u.logger.Warn("workflow command exceeded timeout, sending termination", "timeout", u.Timeout)
			sendTermination(cmd.Process)
			time.AfterFunc(killGrace, func() {
				_ = cmd.Process.Kill()
			})
		})
	}
	waitErr := cmd.Wait()
	if watchdog != nil {
		watchdog.Stop()
	}

	if timedOut.Load() {
		return Output{}, fmt.Errorf("command timed out after %s", u.Timeout)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		msg := strings.TrimSpace(stderr.String())
		if errors.As(waitErr, &exitErr) {
			if msg != "" {
				return Output{}, fmt.Errorf("command exited with code %d: %s", exitErr.ExitCode(), msg)
			}
			return Output{}, fmt.Errorf("command exited with code %d", exitErr.ExitCode())
		}
		return Output{}, fmt.Errorf("run command: %w", waitErr)
	}
	return Output{
		Content:   strings.TrimSpace(stdout.String()),
		Source:    "command",
		CreatedAt: time.Now(),
	}, nil
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command) // #nosec G204
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command) // #nosec G204
}

func sendTermination(process *os.Process) {
	if process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = process.Kill()
		return
	}
	_ = process.Signal(syscall.SIGTERM)
}

type syncWriter struct {
	mu sync.Mutex
	w  *limitedBuffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *syncWriter) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.buf.String()
}

// limitedBuffer keeps the first max bytes and drops the rest.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}
