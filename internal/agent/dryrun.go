package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DryRun stands in for an Executor when no agent should actually run. Every
// request succeeds after Delay.
type DryRun struct {
	Delay  time.Duration
	Logger *slog.Logger
}

// Execute logs the request and reports success.
func (d *DryRun) Execute(ctx context.Context, req Request) (*Result, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("dry run", "task", req.Task.ID, "agent", req.AgentType, "model", req.Model)

	if d.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.Delay):
		}
	}
	return &Result{
		Success:    true,
		Output:     fmt.Sprintf("dry run: %s would execute %q", req.AgentType, req.Task.Name),
		AgentType:  req.AgentType,
		ModelUsed:  req.Model,
		DurationMs: d.Delay.Milliseconds(),
	}, nil
}
