package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// BuildClaudeCommand builds a non-interactive claude CLI invocation for prompt.
// -p runs the prompt and exits; json output carries the reply under "result".
func BuildClaudeCommand(prompt string) string {
	return fmt.Sprintf("claude -p %q --output-format json --dangerously-skip-permissions", prompt)
}

// ClaudeCLIUnit runs the claude CLI through a CommandUnit and unwraps its JSON reply.
type ClaudeCLIUnit struct {
	cmd *CommandUnit
}

// NewClaudeCLIUnit creates a unit that sends prompt to the claude CLI.
func NewClaudeCLIUnit(prompt string, timeout time.Duration, logger *slog.Logger) (*ClaudeCLIUnit, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, fmt.Errorf("workflow prompt is required")
	}
	cmd, err := NewCommandUnit(BuildClaudeCommand(prompt), timeout, logger)
	if err != nil {
		return nil, err
	}
	return &ClaudeCLIUnit{cmd: cmd}, nil
}

func (u *ClaudeCLIUnit) Generate(ctx context.Context) (Output, error) {
	out, err := u.cmd.Generate(ctx)
	if err != nil {
		return Output{}, err
	}
	out.Source = "claude-cli"
	content, err := parseClaudeResult(out.Content)
	if err != nil {
		return Output{}, err
	}
	out.Content = content
	return out, nil
}

// parseClaudeResult extracts the reply from claude --output-format json.
// Non-JSON output is returned as is.
func parseClaudeResult(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !gjson.Valid(raw) {
		return raw, nil
	}
	if gjson.Get(raw, "is_error").Bool() {
		msg := gjson.Get(raw, "result").String()
		if msg == "" {
			msg = gjson.Get(raw, "subtype").String()
		}
		return "", fmt.Errorf("claude reported an error: %s", msg)
	}
	if res := gjson.Get(raw, "result"); res.Exists() {
		return strings.TrimSpace(res.String()), nil
	}
	return raw, nil
}
