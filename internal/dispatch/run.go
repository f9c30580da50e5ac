package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swamp-dev/agentboard/internal/acceptance"
	"github.com/swamp-dev/agentboard/internal/agent"
	"github.com/swamp-dev/agentboard/internal/antistuck"
	"github.com/swamp-dev/agentboard/internal/notify"
	"github.com/swamp-dev/agentboard/internal/risk"
	"github.com/swamp-dev/agentboard/internal/rollback"
	"github.com/swamp-dev/agentboard/internal/store"
	"github.com/swamp-dev/agentboard/internal/taskdb"
)

const (
	// executorGrace lets the watchdog fire before the executor's own limit.
	executorGrace = 30 * time.Second

	outputSummaryChars = 500
	writeAttempts      = 3
	writeBackoff       = 200 * time.Millisecond
)

// Outcome is the result of one governed execution.
type Outcome struct {
	TaskID     string             `json:"task_id"`
	RunID      string             `json:"run_id"`
	Agent      string             `json:"agent"`
	Model      string             `json:"model,omitempty"`
	Status     taskdb.RunStatus   `json:"status"`
	Success    bool               `json:"success"`
	Attempts   int                `json:"attempts"`
	Error      string             `json:"error,omitempty"`
	DurationMs int64              `json:"duration_ms"`
	Rollback   *rollback.Result   `json:"rollback,omitempty"`
	Acceptance *acceptance.Result `json:"acceptance,omitempty"`
}

// RunTask executes a task under watchdog supervision and feeds the outcome
// into the trust ledger and the breaker. It applies no gates; see Dispatch.
// The execution is detached from ctx's cancellation so stopping the loop
// does not abort work in flight.
func (d *Dispatcher) RunTask(ctx context.Context, task *taskdb.Task) (*Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	task = d.withDefaults(task)
	agentName := d.selector.Select(task)

	if _, err := d.store.UpsertTaskStatus(ctx, task.ID, taskdb.StatusInProgress, taskdb.TaskFields{}); err != nil {
		return nil, fmt.Errorf("marking task %s in progress: %w", task.ID, err)
	}

	start := d.now()
	run := &taskdb.Run{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		TaskName:   task.Name,
		Status:     taskdb.RunRunning,
		AgentType:  agentName,
		StartedAt:  start,
		MaxRetries: task.MaxRetries(),
	}
	run.ModelUsed = d.antiStuck.ActiveModel(run.ID, task)
	if _, err := d.store.InsertRun(ctx, run); err != nil {
		d.revert(ctx, task, err.Error())
		return nil, fmt.Errorf("creating run for %s: %w", task.ID, err)
	}
	defer d.antiStuck.Forget(run.ID)

	d.rate.Record(start)
	d.mu.Lock()
	d.lastExecutedID = task.ID
	d.lastExecutedAt = start
	d.totalExecuted++
	gen := d.generation
	d.mu.Unlock()

	out := &Outcome{TaskID: task.ID, RunID: run.ID, Agent: agentName}
	var res *agent.Result
	for {
		out.Attempts++
		out.Model = d.antiStuck.ActiveModel(run.ID, task)

		var execErr error
		var mon *antistuck.Monitor
		mon, res, execErr = d.attempt(ctx, run, task, agentName, out.Model)

		if mon.TimedOut() {
			if mon.Retrying() && !d.stoppedSince(gen) {
				d.setRunning(ctx, run.ID)
				continue
			}
			out.Status = taskdb.RunTimeout
			out.Error = fmt.Sprintf("timed out after %s", task.Timeout())
			break
		}

		if execErr == nil && res != nil && res.Success {
			out.Status = taskdb.RunSuccess
			out.Success = true
			break
		}

		out.Error = failureText(res, execErr)
		d.logger.Warn("execution failed", "task", task.ID, "run", run.ID, "attempt", out.Attempts, "err", out.Error)
		if d.stoppedSince(gen) {
			d.logger.Info("dispatcher stopped, not retrying", "task", task.ID, "run", run.ID)
			out.Status = taskdb.RunFailed
			break
		}
		if d.antiStuck.AttemptRetry(ctx, run.ID, task, antistuck.ReasonFailure) {
			d.setRunning(ctx, run.ID)
			continue
		}
		out.Status = taskdb.RunFailed
		break
	}
	out.DurationMs = d.now().Sub(start).Milliseconds()

	if out.Success {
		d.succeed(ctx, task, run, res, out)
	} else {
		d.fail(ctx, task, run, res, out)
	}

	d.journal.Add(ctx, &store.HistoryEntry{
		RunID:      run.ID,
		TaskID:     task.ID,
		TaskName:   task.Name,
		Agent:      agentName,
		Model:      out.Model,
		Status:     string(out.Status),
		Success:    out.Success,
		DurationMs: out.DurationMs,
		RiskLevel:  risk.Classify(task).String(),
		Error:      out.Error,
		FinishedAt: d.now(),
	})
	d.persistGovernance(ctx, agentName)
	return out, nil
}

// attempt runs the executor once under a fresh monitor and waits until the
// monitor has settled, so a timeout verdict is final when it returns.
func (d *Dispatcher) attempt(ctx context.Context, run *taskdb.Run, task *taskdb.Task, agentName, model string) (*antistuck.Monitor, *agent.Result, error) {
	execCtx, abort := context.WithCancel(ctx)
	defer abort()

	mon := d.antiStuck.StartMonitoring(ctx, run, task, abort)
	res, err := d.execute(execCtx, agent.Request{
		Task:      task,
		AgentType: agentName,
		Model:     model,
		Timeout:   task.Timeout() + executorGrace,
	})
	d.antiStuck.StopMonitoring(run.ID)
	mon.Wait()
	return mon, res, err
}

// execute calls the executor, converting a panic into an error.
func (d *Dispatcher) execute(ctx context.Context, req agent.Request) (res *agent.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("executor panic", "task", req.Task.ID, "panic", r)
			res, err = nil, fmt.Errorf("executor panic: %v", r)
		}
	}()
	if d.executor == nil {
		return nil, fmt.Errorf("no executor configured")
	}
	return d.executor.Execute(ctx, req)
}

func (d *Dispatcher) succeed(ctx context.Context, task *taskdb.Task, run *taskdb.Run, res *agent.Result, out *Outcome) {
	ended := d.now()
	status := taskdb.RunSuccess
	summary := notify.Truncate(res.Output, outputSummaryChars)
	d.write(ctx, "completing run", func(ctx context.Context) error {
		return d.store.UpdateRun(ctx, run.ID, taskdb.RunPatch{
			Status:        &status,
			EndedAt:       &ended,
			DurationMs:    &out.DurationMs,
			OutputSummary: &summary,
		})
	})
	progress := 100
	d.write(ctx, "completing task", func(ctx context.Context) error {
		_, err := d.store.UpsertTaskStatus(ctx, task.ID, taskdb.StatusDone, taskdb.TaskFields{Progress: &progress})
		return err
	})

	d.trust.RecordSuccess(out.Agent)
	d.breaker.RecordSuccess()

	d.logger.Info("task completed", "task", task.ID, "run", run.ID, "agent", out.Agent, "attempts", out.Attempts)
	d.notifier.Send(ctx, notify.TaskSuccess(task.Name, run.ID, out.Agent, time.Duration(out.DurationMs)*time.Millisecond),
		notify.Options{ParseMode: notify.ParseHTML, Silent: true})

	if d.acceptance != nil && len(task.AcceptanceCriteria) > 0 {
		ar := d.acceptance.Validate(ctx, task, res.Output)
		out.Acceptance = &ar
		if !ar.Passed {
			d.logger.Warn("acceptance criteria unmet", "task", task.ID, "unmet", ar.Unmet())
		}
	}
}

func (d *Dispatcher) fail(ctx context.Context, task *taskdb.Task, run *taskdb.Run, res *agent.Result, out *Outcome) {
	ended := d.now()
	status := out.Status
	code := taskdb.ErrCodeExecutionFailed
	if status == taskdb.RunTimeout {
		code = taskdb.ErrCodeTimeout
	}
	patch := taskdb.RunPatch{
		Status:     &status,
		EndedAt:    &ended,
		DurationMs: &out.DurationMs,
		Error:      &taskdb.RunError{Code: code, Message: out.Error},
	}
	if res != nil && res.Output != "" {
		summary := notify.Truncate(res.Output, outputSummaryChars)
		patch.OutputSummary = &summary
	}
	d.write(ctx, "failing run", func(ctx context.Context) error {
		return d.store.UpdateRun(ctx, run.ID, patch)
	})
	d.revert(ctx, task, out.Error)

	if d.rollback != nil {
		rb := d.rollback.Attempt(ctx, task, out.Error)
		if rb.Attempted {
			out.Rollback = &rb
		}
	}
	rolledBack := out.Rollback != nil
	d.trust.RecordFailure(out.Agent, rolledBack)
	tripped := d.breaker.RecordFailure()

	d.logger.Error("task failed", "task", task.ID, "run", run.ID, "agent", out.Agent, "status", status,
		"attempts", out.Attempts, "rolled_back", rolledBack, "breaker_tripped", tripped, "err", out.Error)
	// Terminal timeouts are announced by the watchdog.
	if status == taskdb.RunFailed {
		d.notifier.Send(ctx, notify.TaskFailure(task.Name, run.ID, out.Error), notify.Options{ParseMode: notify.ParseHTML})
	}
}

// revert puts a task back in the ready queue with its last error.
func (d *Dispatcher) revert(ctx context.Context, task *taskdb.Task, lastError string) {
	progress := 0
	d.write(ctx, "reverting task", func(ctx context.Context) error {
		_, err := d.store.UpsertTaskStatus(ctx, task.ID, taskdb.StatusReady,
			taskdb.TaskFields{Progress: &progress, LastError: &lastError})
		return err
	})
}

func (d *Dispatcher) setRunning(ctx context.Context, runID string) {
	if err := d.store.UpdateRun(ctx, runID, taskdb.StatusPatch(taskdb.RunRunning)); err != nil {
		d.logger.Warn("marking run running", "run", runID, "err", err)
	}
}

// write retries a terminal store write with backoff and logs a final failure.
func (d *Dispatcher) write(ctx context.Context, what string, fn func(context.Context) error) {
	if err := antistuck.WithRetry(ctx, writeAttempts, writeBackoff, fn); err != nil {
		d.logger.Error(what, "err", err)
	}
}

func (d *Dispatcher) persistGovernance(ctx context.Context, agentName string) {
	if d.sink == nil {
		return
	}
	if err := d.sink.SaveBreaker(ctx, d.breaker.Snapshot()); err != nil {
		d.logger.Warn("persisting breaker state", "err", err)
	}
	if p, ok := d.trust.Profile(agentName); ok {
		if err := d.sink.SaveTrustProfile(ctx, p); err != nil {
			d.logger.Warn("persisting trust profile", "agent", agentName, "err", err)
		}
	}
}

// withDefaults returns task with unset watchdog settings filled from the
// configured defaults.
func (d *Dispatcher) withDefaults(task *taskdb.Task) *taskdb.Task {
	if d.defaults == nil {
		return task
	}
	t := task.Clone()
	if t.TimeoutConfig == nil {
		tc := *d.defaults
		t.TimeoutConfig = &tc
		return t
	}
	tc := t.TimeoutConfig
	if tc.TimeoutMinutes <= 0 {
		tc.TimeoutMinutes = d.defaults.TimeoutMinutes
	}
	if tc.MaxRetries == nil {
		tc.MaxRetries = d.defaults.MaxRetries
	}
	if tc.FallbackStrategy == "" {
		tc.FallbackStrategy = d.defaults.FallbackStrategy
	}
	if tc.NotifyOnTimeout == nil {
		tc.NotifyOnTimeout = d.defaults.NotifyOnTimeout
	}
	return t
}

func failureText(res *agent.Result, err error) string {
	switch {
	case err != nil:
		return err.Error()
	case res == nil:
		return "executor returned no result"
	case res.Error != "":
		return res.Error
	default:
		return "agent reported failure"
	}
}
