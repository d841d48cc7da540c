package saga

import (
	"context"
	"fmt"
	"log/slog"
)

// Step is one forward action with an optional compensation.
type Step struct {
	Name       string
	Action     func(context.Context) error
	Compensate func(context.Context) error
}

// StepError identifies the step whose action failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("saga step %s: %v", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// Run executes steps in order. When a step fails, the compensations of every
// previously completed step run in reverse order and the original failure is
// returned. Compensation failures are logged and never replace it.
func Run(ctx context.Context, logger *slog.Logger, steps ...Step) error {
	if logger == nil {
		logger = slog.Default()
	}
	completed := make([]Step, 0, len(steps))
	for _, step := range steps {
		if step.Action == nil {
			completed = append(completed, step)
			continue
		}
		if err := step.Action(ctx); err != nil {
			unwind(context.WithoutCancel(ctx), logger, completed)
			return &StepError{Step: step.Name, Err: err}
		}
		completed = append(completed, step)
	}
	return nil
}

func unwind(ctx context.Context, logger *slog.Logger, completed []Step) {
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			logger.Warn("saga compensation failed",
				slog.String("step", step.Name),
				slog.String("error", err.Error()))
		}
	}
}
