// Package antistuck watches in-flight runs for timeouts, counts retries and
// switches models when a run keeps failing.
package antistuck

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/swamp-dev/agentboard/internal/notify"
	"github.com/swamp-dev/agentboard/internal/taskdb"
)

// Reason explains why a retry is requested.
type Reason string

const (
	ReasonTimeout Reason = "timeout"
	ReasonFailure Reason = "failure"
)

const fallbackReason = "maximum retries reached"

// RunUpdater persists run changes.
type RunUpdater interface {
	UpdateRun(ctx context.Context, id string, patch taskdb.RunPatch) error
}

// ModelChain returns the ordered models (primary first) for a task.
type ModelChain interface {
	ModelChain(task *taskdb.Task) []string
}

// Options configures a Supervisor.
type Options struct {
	Runs     RunUpdater
	Models   ModelChain
	Notifier notify.Notifier
	Logger   *slog.Logger
	// Timeout overrides the per-task timeout. Nil uses Task.Timeout.
	Timeout func(*taskdb.Task) time.Duration
}

// Monitor is the watchdog of one in-flight run attempt.
type Monitor struct {
	RunID     string
	TaskID    string
	TimeoutAt time.Time

	task  *taskdb.Task
	timer *time.Timer
	abort func()

	stopped  bool // guarded by Supervisor.mu
	timedOut atomic.Bool
	retrying atomic.Bool

	settled chan struct{}
	once    sync.Once
}

func (m *Monitor) settle() {
	m.once.Do(func() { close(m.settled) })
}

// Wait blocks until the monitor is released or its timeout has been fully
// handled.
func (m *Monitor) Wait() {
	<-m.settled
}

// TimedOut reports whether the run exceeded its deadline.
func (m *Monitor) TimedOut() bool {
	return m.timedOut.Load()
}

// Retrying reports whether a timeout was converted into a retry.
func (m *Monitor) Retrying() bool {
	return m.retrying.Load()
}

// Supervisor tracks one Monitor per in-flight run, keyed by run id.
type Supervisor struct {
	mu       sync.Mutex
	monitors map[string]*Monitor
	retries  map[string]int
	models   map[string]int
	released map[string]bool // runs whose monitor Cleanup took away

	runs     RunUpdater
	chains   ModelChain
	notifier notify.Notifier
	logger   *slog.Logger
	timeout  func(*taskdb.Task) time.Duration
	now      func() time.Time
}

// New creates a Supervisor.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		monitors: make(map[string]*Monitor),
		retries:  make(map[string]int),
		models:   make(map[string]int),
		released: make(map[string]bool),
		runs:     opts.Runs,
		chains:   opts.Models,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		timeout:  opts.Timeout,
		now:      time.Now,
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.timeout == nil {
		s.timeout = (*taskdb.Task).Timeout
	}
	return s
}

// StartMonitoring arms the watchdog for a run attempt. When the deadline
// passes, abort is called to stop the execution and the timeout is turned
// into a retry or a terminal timeout. An existing monitor for the same run
// is released first. A run released by Cleanup is not armed again until it
// is forgotten; it gets a settled monitor that never times out.
func (s *Supervisor) StartMonitoring(ctx context.Context, run *taskdb.Run, task *taskdb.Task, abort func()) *Monitor {
	s.StopMonitoring(run.ID)

	d := s.timeout(task)
	m := &Monitor{
		RunID:     run.ID,
		TaskID:    task.ID,
		TimeoutAt: s.now().Add(d),
		task:      task,
		abort:     abort,
		settled:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.released[run.ID] {
		m.stopped = true
		s.mu.Unlock()
		m.settle()
		s.logger.Debug("not monitoring released run", "run", run.ID)
		return m
	}
	s.monitors[run.ID] = m
	m.timer = time.AfterFunc(d, func() { s.onTimeout(m) })
	s.mu.Unlock()

	if s.runs != nil {
		timeoutAt := m.TimeoutAt
		if err := s.runs.UpdateRun(ctx, run.ID, taskdb.RunPatch{TimeoutAt: &timeoutAt}); err != nil {
			s.logger.Warn("recording run deadline", "run", run.ID, "err", err)
		}
	}
	s.logger.Debug("monitoring run", "run", run.ID, "task", task.ID, "timeout", d)
	return m
}

// StopMonitoring releases the monitor of a run. It is safe to call more than
// once and for unknown ids.
func (s *Supervisor) StopMonitoring(runID string) {
	s.mu.Lock()
	m, ok := s.monitors[runID]
	if ok {
		delete(s.monitors, runID)
		m.stopped = true
	}
	s.mu.Unlock()

	if ok && m.timer.Stop() {
		m.settle()
	}
}

// Cleanup releases every monitor without aborting the executions they watch.
// The released runs cannot be armed again until Forget.
func (s *Supervisor) Cleanup() {
	s.mu.Lock()
	monitors := make([]*Monitor, 0, len(s.monitors))
	for id, m := range s.monitors {
		m.stopped = true
		monitors = append(monitors, m)
		delete(s.monitors, id)
		s.released[id] = true
	}
	s.mu.Unlock()

	for _, m := range monitors {
		if m.timer.Stop() {
			m.settle()
		}
	}
	if len(monitors) > 0 {
		s.logger.Info("released run monitors", "count", len(monitors))
	}
}

// ActiveMonitors returns the number of armed monitors.
func (s *Supervisor) ActiveMonitors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

// MonitorStatus describes one armed monitor.
type MonitorStatus struct {
	RunID      string    `json:"run_id"`
	TaskID     string    `json:"task_id"`
	TimeoutAt  time.Time `json:"timeout_at"`
	RetryCount int       `json:"retry_count"`
}

// Status lists armed monitors.
func (s *Supervisor) Status() []MonitorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MonitorStatus, 0, len(s.monitors))
	for id, m := range s.monitors {
		out = append(out, MonitorStatus{RunID: id, TaskID: m.TaskID, TimeoutAt: m.TimeoutAt, RetryCount: s.retries[id]})
	}
	return out
}

func (s *Supervisor) onTimeout(m *Monitor) {
	defer m.settle()

	s.mu.Lock()
	if m.stopped {
		s.mu.Unlock()
		return
	}
	m.stopped = true
	if s.monitors[m.RunID] == m {
		delete(s.monitors, m.RunID)
	}
	s.mu.Unlock()

	m.timedOut.Store(true)
	s.logger.Warn("run timed out", "run", m.RunID, "task", m.TaskID, "deadline", m.TimeoutAt)
	if m.abort != nil {
		m.abort()
	}

	ctx := context.Background()
	if s.AttemptRetry(ctx, m.RunID, m.task, ReasonTimeout) {
		m.retrying.Store(true)
		return
	}

	status := taskdb.RunTimeout
	s.updateRun(ctx, m.RunID, taskdb.RunPatch{
		Status: &status,
		Error: &taskdb.RunError{
			Code:    taskdb.ErrCodeTimeout,
			Message: fmt.Sprintf("exceeded %s with no retries left", s.timeout(m.task)),
		},
	})
	if m.task.NotifyOnTimeout() {
		s.notifier.Send(ctx, notify.TaskTimeout(m.task.Name, m.RunID, s.timeout(m.task)), notify.Options{})
	}
}

// AttemptRetry consumes one retry for a run. It returns false once the
// task's retry budget is spent. On the last allowed retry after a failure
// the run switches to the next model in the task's chain, unless fallback
// is disabled. The caller is responsible for re-submitting the task.
func (s *Supervisor) AttemptRetry(ctx context.Context, runID string, task *taskdb.Task, reason Reason) bool {
	limit := task.MaxRetries()

	s.mu.Lock()
	count := s.retries[runID]
	if count >= limit {
		s.mu.Unlock()
		s.logger.Info("retries exhausted", "run", runID, "task", task.ID, "retries", count)
		return false
	}
	count++
	s.retries[runID] = count
	s.mu.Unlock()

	s.logger.Info("retrying run", "run", runID, "task", task.ID, "attempt", count, "max", limit, "reason", reason)
	s.notifier.Send(ctx, notify.TaskRetry(task.Name, count, limit, string(reason)), notify.Options{Silent: true})

	if reason == ReasonFailure && count == limit && task.Fallback() != taskdb.FallbackNone {
		s.applyFallback(ctx, runID, task)
	}

	status := taskdb.RunRetrying
	s.updateRun(ctx, runID, taskdb.RunPatch{Status: &status, RetryCount: &count})
	return true
}

func (s *Supervisor) applyFallback(ctx context.Context, runID string, task *taskdb.Task) {
	if s.chains == nil {
		return
	}
	chain := s.chains.ModelChain(task)

	s.mu.Lock()
	idx := s.models[runID]
	if idx+1 >= len(chain) {
		s.mu.Unlock()
		s.logger.Info("no fallback model available", "run", runID, "task", task.ID)
		return
	}
	s.models[runID] = idx + 1
	s.mu.Unlock()

	rec := taskdb.FallbackRecord{
		From:      chain[idx],
		To:        chain[idx+1],
		Reason:    fallbackReason,
		Timestamp: s.now(),
	}
	s.logger.Warn("model fallback", "run", runID, "from", rec.From, "to", rec.To)
	s.updateRun(ctx, runID, taskdb.RunPatch{AppendFallback: &rec, ModelUsed: &rec.To})
	s.notifier.Send(ctx, notify.ModelFallback(task.Name, rec.From, rec.To, rec.Reason), notify.Options{})
}

// ActiveModel returns the model a run should use next, or "" if the task
// has no model chain.
func (s *Supervisor) ActiveModel(runID string, task *taskdb.Task) string {
	if s.chains == nil {
		return ""
	}
	chain := s.chains.ModelChain(task)
	if len(chain) == 0 {
		return ""
	}
	s.mu.Lock()
	idx := s.models[runID]
	s.mu.Unlock()
	if idx >= len(chain) {
		idx = len(chain) - 1
	}
	return chain[idx]
}

// RetryCount returns the retries consumed by a run.
func (s *Supervisor) RetryCount(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries[runID]
}

// Forget drops retry and model bookkeeping of a finished run.
func (s *Supervisor) Forget(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retries, runID)
	delete(s.models, runID)
	delete(s.released, runID)
}

func (s *Supervisor) updateRun(ctx context.Context, runID string, patch taskdb.RunPatch) {
	if s.runs == nil {
		return
	}
	if err := s.runs.UpdateRun(ctx, runID, patch); err != nil {
		s.logger.Warn("updating run", "run", runID, "err", err)
	}
}
