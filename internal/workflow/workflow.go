// Package workflow adapts content-generation units to the scheduler's
// WorkflowRunner contract: a Unit produces one Output, a Sink persists it.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Output is the artifact produced by one invocation of a unit.
type Output struct {
	Content   string
	Source    string
	CreatedAt time.Time
}

// Unit produces one output per call.
type Unit interface {
	Generate(ctx context.Context) (Output, error)
}

// Sink persists an output.
type Sink interface {
	Save(ctx context.Context, out Output) error
}

// ErrEmptyOutput is returned when a unit produced no content.
var ErrEmptyOutput = errors.New("workflow produced empty output")

// Adapter runs the unit and hands the result to the sink. A sink failure is a run failure.
type Adapter struct {
	Unit Unit
	Sink Sink
}

// New returns an adapter. A nil sink discards outputs.
func New(unit Unit, sink Sink) *Adapter {
	if sink == nil {
		sink = DiscardSink{}
	}
	return &Adapter{Unit: unit, Sink: sink}
}

func (a *Adapter) RunOnce(ctx context.Context) error {
	if a.Unit == nil {
		return errors.New("workflow unit is not configured")
	}
	out, err := a.Unit.Generate(ctx)
	if err != nil {
		return err
	}
	if out.Content == "" {
		return ErrEmptyOutput
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	if err := a.Sink.Save(ctx, out); err != nil {
		return fmt.Errorf("save output: %w", err)
	}
	return nil
}
