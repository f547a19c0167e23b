package worker

import (
	"context"
	"errors"
	"time"

	"scan-orchestrator/internal/models"
)

// ProgressFunc receives a percentage (0-100) and a short status line.
type ProgressFunc func(percent int, message string)

// Executor runs the analysis behind one queue item.
type Executor interface {
	Run(ctx context.Context, item models.QueueItem, progress ProgressFunc) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, item models.QueueItem, progress ProgressFunc) error

// Run calls f.
func (f ExecutorFunc) Run(ctx context.Context, item models.QueueItem, progress ProgressFunc) error {
	return f(ctx, item, progress)
}

// SimulatedExecutor stands in for real scanners in development. Item options
// control it: {"should_fail": true} fails the run, "duration_ms" spreads the
// work over that long and "steps" sets how many progress reports are made.
type SimulatedExecutor struct{}

// Run walks through the configured steps, reporting progress after each.
func (SimulatedExecutor) Run(ctx context.Context, item models.QueueItem, progress ProgressFunc) error {
	if val, ok := item.Options["should_fail"].(bool); ok && val {
		return errors.New("simulated failure requested by options.should_fail")
	}

	steps := 4
	if n, ok := asInt(item.Options["steps"]); ok && n > 0 {
		steps = n
	}
	var pause time.Duration
	if ms, ok := asInt(item.Options["duration_ms"]); ok && ms > 0 {
		pause = time.Duration(ms) * time.Millisecond / time.Duration(steps)
	}

	progress(0, "starting "+item.ScanType)
	for i := 1; i <= steps; i++ {
		if pause > 0 {
			timer := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		progress(i*100/steps, "analyzing")
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
