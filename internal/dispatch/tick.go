package dispatch

import (
	"context"
	"errors"

	"github.com/swamp-dev/agentboard/internal/journal"
	"github.com/swamp-dev/agentboard/internal/notify"
	"github.com/swamp-dev/agentboard/internal/risk"
	"github.com/swamp-dev/agentboard/internal/store"
	"github.com/swamp-dev/agentboard/internal/taskdb"
	"github.com/swamp-dev/agentboard/internal/workflow"
)

// Action says what a tick did.
type Action string

const (
	ActionIdle        Action = "idle"
	ActionRateLimited Action = "rate_limited"
	ActionHeld        Action = "held"
	ActionBreakerOpen Action = "breaker_open"
	ActionExecuted    Action = "executed"
	ActionError       Action = "error"
)

// TickResult reports one pass of the loop.
type TickResult struct {
	Action  Action
	TaskID  string
	Outcome *Outcome
	Err     error
}

// Tick runs one dispatch cycle: at most one ready task is gated and
// executed. Errors are logged and reported in the result, never returned.
func (d *Dispatcher) Tick(ctx context.Context) TickResult {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	d.mu.Lock()
	limit := d.maxTasksPerMinute
	d.mu.Unlock()

	if n, ok := d.rate.Allow(d.now(), limit); !ok {
		d.logger.Info("rate limited", "window_count", n, "max_tasks_per_minute", limit)
		return TickResult{Action: ActionRateLimited}
	}

	candidates, err := d.candidates(ctx)
	if err != nil {
		d.logger.Error("fetching ready tasks", "err", err)
		return TickResult{Action: ActionError, Err: err}
	}
	if len(candidates) == 0 {
		d.logger.Debug("no ready tasks")
		return TickResult{Action: ActionIdle}
	}

	task := candidates[0]
	d.logger.Info("dispatching task", "task", task.ID, "name", task.Name)

	out, err := d.Dispatch(ctx, task)
	switch {
	case errors.Is(err, ErrHeldForReview):
		return TickResult{Action: ActionHeld, TaskID: task.ID}
	case errors.Is(err, ErrBreakerOpen):
		return TickResult{Action: ActionBreakerOpen, TaskID: task.ID}
	case err != nil:
		d.logger.Error("dispatching task", "task", task.ID, "err", err)
		return TickResult{Action: ActionError, TaskID: task.ID, Err: err}
	}
	return TickResult{Action: ActionExecuted, TaskID: task.ID, Outcome: out}
}

// candidates returns ready tasks that pass the metadata gate and whose
// dependencies are done, in dispatch order.
func (d *Dispatcher) candidates(ctx context.Context) ([]*taskdb.Task, error) {
	ready, err := d.store.FetchReadyTasks(ctx)
	if err != nil {
		return nil, err
	}

	var out []*taskdb.Task
	hasDeps := false
	for _, t := range ready {
		if t.Status != taskdb.StatusReady {
			continue
		}
		if missing := t.MissingMetadata(); len(missing) > 0 {
			d.logger.Debug("task fails metadata gate", "task", t.ID, "missing", missing)
			continue
		}
		if len(t.DependsOn) > 0 {
			hasDeps = true
		}
		out = append(out, t)
	}

	if hasDeps {
		if out, err = d.filterDependencies(ctx, out); err != nil {
			return nil, err
		}
	}
	taskdb.SortByPriority(out)
	return out, nil
}

func (d *Dispatcher) filterDependencies(ctx context.Context, candidates []*taskdb.Task) ([]*taskdb.Task, error) {
	all, err := d.store.FetchTasks(ctx)
	if err != nil {
		return nil, err
	}
	g := workflow.NewGraph(all)
	if err := g.Err(); err != nil {
		d.reportCycle(ctx, err)
	}

	status := make(map[string]taskdb.TaskStatus, len(all))
	for _, t := range all {
		status[t.ID] = t.Status
	}

	var out []*taskdb.Task
	for _, t := range candidates {
		if n, ok := g.Node(t.ID); ok && n.Level < 0 {
			d.logger.Warn("skipping task on dependency cycle", "task", t.ID)
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			if status[dep] != taskdb.StatusDone {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, t)
		}
	}
	return out, nil
}

// reportCycle warns about a cycle and notifies once per distinct cycle.
func (d *Dispatcher) reportCycle(ctx context.Context, err error) {
	key := err.Error()
	d.mu.Lock()
	seen := d.cycles[key]
	d.cycles[key] = true
	d.mu.Unlock()

	d.logger.Warn("dependency cycle among tasks", "err", err)
	if !seen {
		d.notifier.Send(ctx, notify.CycleDetected(key), notify.Options{ParseMode: notify.ParseHTML})
	}
}

// Dispatch applies the risk gate (in dispatch mode) and the breaker gate,
// then runs the task. A held task yields ErrHeldForReview and a denied one
// ErrBreakerOpen; in both cases no run is created. RunTask errors only when
// it fails before executing, and then a consumed half-open trial is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, task *taskdb.Task) (*Outcome, error) {
	if d.DispatchMode() {
		if err := d.riskGate(ctx, task); err != nil {
			return nil, err
		}
	}

	dec := d.breaker.Check()
	if !dec.Allowed {
		d.logger.Warn("breaker denied dispatch", "task", task.ID, "reason", dec.Reason)
		return nil, ErrBreakerOpen
	}
	out, err := d.RunTask(ctx, task)
	if err != nil && dec.Trial {
		// The run never started, so no outcome will settle the trial.
		d.breaker.ReleaseTrial()
	}
	return out, err
}

func (d *Dispatcher) riskGate(ctx context.Context, task *taskdb.Task) error {
	if d.reviews.consumeApproval(task.ID) {
		d.logger.Info("task approved in review", "task", task.ID)
		return nil
	}

	level := risk.Classify(task)
	if !level.RequiresReview() {
		d.logger.Info("task auto-approved", "task", task.ID, "risk", level)
		return nil
	}
	d.hold(ctx, task, level)
	return ErrHeldForReview
}

// hold parks a task for human review. The task is marked in_progress so it
// is not picked up again while waiting.
func (d *Dispatcher) hold(ctx context.Context, task *taskdb.Task, level risk.Level) {
	review := store.PendingReview{
		TaskID:    task.ID,
		TaskName:  task.Name,
		RiskLevel: level.String(),
		Reason:    risk.Reason(task),
		CreatedAt: d.now(),
	}
	if d.reviews.add(review) && d.reviewDB != nil {
		if err := d.reviewDB.SaveReview(ctx, review); err != nil {
			d.logger.Warn("saving pending review", "task", task.ID, "err", err)
		}
	}

	if _, err := d.store.UpsertTaskStatus(ctx, task.ID, taskdb.StatusInProgress, taskdb.TaskFields{}); err != nil {
		d.logger.Error("holding task", "task", task.ID, "err", err)
	}

	d.logger.Warn("task held for review", "task", task.ID, "risk", level, "reason", review.Reason)
	d.notifier.Send(ctx, notify.PendingReview(task.Name, task.ID, level.String(), review.Reason),
		notify.Options{ParseMode: notify.ParseHTML})
	d.journal.Add(ctx, &store.HistoryEntry{
		TaskID:     task.ID,
		TaskName:   task.Name,
		Agent:      "pending",
		Status:     journal.StatusPendingReview,
		RiskLevel:  level.String(),
		FinishedAt: d.now(),
	})
}
