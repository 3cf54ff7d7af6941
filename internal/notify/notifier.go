package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"contentcron/internal/core"
)

// Notifier is told about every finished task.
type Notifier interface {
	NotifyTask(ctx context.Context, task *core.Task) error
}

// Message is the text rendering of a task outcome.
type Message struct {
	Title  string
	Body   string
	Failed bool
}

// TaskMessage renders the outcome of task for push and log channels.
func TaskMessage(task *core.Task) Message {
	msg := Message{Failed: task.Status == core.TaskStatusFailed}
	name := task.Name
	if name == "" {
		name = task.ID
	}
	switch task.Status {
	case core.TaskStatusCompleted:
		msg.Title = "Done: " + name
	case core.TaskStatusFailed:
		msg.Title = "Failed: " + name
	default:
		msg.Title = fmt.Sprintf("%s: %s", task.Status, name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d generations succeeded", task.SuccessCount, task.WorkflowCount)
	if task.ErrorCount > 0 {
		fmt.Fprintf(&b, ", %d failed", task.ErrorCount)
	}
	if task.StartedAt != nil && task.CompletedAt != nil {
		fmt.Fprintf(&b, " in %s", task.CompletedAt.Sub(*task.StartedAt).Round(time.Second))
	}
	if task.ErrorMessage != nil {
		// Only the first stored error; the rest are in the task record.
		first, _, _ := strings.Cut(*task.ErrorMessage, "; ")
		b.WriteString("\n")
		b.WriteString(first)
	}
	fmt.Fprintf(&b, "\n%s", task.ID)
	msg.Body = b.String()
	return msg
}

// MultiNotifier fans a task out to every notifier and joins their errors.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) NotifyTask(ctx context.Context, task *core.Task) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.NotifyTask(ctx, task); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of wrapped notifiers.
func (m *MultiNotifier) Len() int {
	return len(m.notifiers)
}

// LogNotifier records task outcomes in the log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) NotifyTask(ctx context.Context, task *core.Task) error {
	level := slog.LevelInfo
	if task.Status == core.TaskStatusFailed {
		level = slog.LevelWarn
	}
	n.Logger.Log(ctx, level, "task outcome",
		"task_id", task.ID,
		"status", task.Status,
		"success_count", task.SuccessCount,
		"error_count", task.ErrorCount,
		"workflow_count", task.WorkflowCount)
	return nil
}
