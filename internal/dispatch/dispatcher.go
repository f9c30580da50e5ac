// Package dispatch implements the polling loop that picks ready tasks, gates
// them on risk and the circuit breaker, runs them through an agent and feeds
// the outcome back into governance.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/swamp-dev/agentboard/internal/acceptance"
	"github.com/swamp-dev/agentboard/internal/agent"
	"github.com/swamp-dev/agentboard/internal/antistuck"
	"github.com/swamp-dev/agentboard/internal/config"
	"github.com/swamp-dev/agentboard/internal/governance"
	"github.com/swamp-dev/agentboard/internal/journal"
	"github.com/swamp-dev/agentboard/internal/notify"
	"github.com/swamp-dev/agentboard/internal/rollback"
	"github.com/swamp-dev/agentboard/internal/store"
	"github.com/swamp-dev/agentboard/internal/taskdb"
)

var (
	ErrAlreadyRunning  = errors.New("dispatcher already running")
	ErrReviewNotFound  = errors.New("no pending review for task")
	ErrInvalidDecision = errors.New("decision must be approved or rejected")
	ErrInvalidOptions  = errors.New("invalid dispatch options")
	ErrHeldForReview   = errors.New("task held for review")
	ErrBreakerOpen     = errors.New("circuit breaker denied dispatch")
)

// Loop defaults.
const (
	DefaultPollInterval      = 10 * time.Second
	DefaultMaxTasksPerMinute = 1
	DefaultDigestInterval    = 30 * time.Minute
)

// Store is the task and run persistence the dispatcher needs.
type Store interface {
	FetchReadyTasks(ctx context.Context) ([]*taskdb.Task, error)
	FetchTasks(ctx context.Context) ([]*taskdb.Task, error)
	UpsertTaskStatus(ctx context.Context, id string, status taskdb.TaskStatus, fields taskdb.TaskFields) (*taskdb.Task, error)
	InsertRun(ctx context.Context, run *taskdb.Run) (*taskdb.Run, error)
	UpdateRun(ctx context.Context, id string, patch taskdb.RunPatch) error
}

// AgentExecutor runs one attempt of a task.
type AgentExecutor interface {
	Execute(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// GovernanceSink persists breaker and trust state after each outcome.
type GovernanceSink interface {
	SaveBreaker(ctx context.Context, snap governance.Snapshot) error
	SaveTrustProfile(ctx context.Context, p governance.TrustProfile) error
}

// Options wires a Dispatcher. Store and Executor are required; the rest
// default to inert or freshly built components.
type Options struct {
	Store      Store
	Executor   AgentExecutor
	Breaker    *governance.CircuitBreaker
	Trust      *governance.TrustLedger
	AntiStuck  *antistuck.Supervisor
	Rollback   *rollback.Executor
	Acceptance *acceptance.Validator
	Journal    *journal.Journal
	Notifier   notify.Notifier
	Selector   agent.Selector
	Governance GovernanceSink
	Reviews    ReviewStore
	Logger     *slog.Logger

	PollInterval      time.Duration
	MaxTasksPerMinute int
	DigestInterval    time.Duration
	DispatchMode      bool
	// StateFile receives the DiskState whenever it changes. Empty disables
	// persistence.
	StateFile string
	// TimeoutDefaults fills the watchdog settings of tasks that leave them
	// unset.
	TimeoutDefaults *taskdb.TimeoutConfig

	Now func() time.Time
}

// StartOptions parameterise Start. Zero fields keep the current values.
type StartOptions struct {
	PollInterval      time.Duration
	MaxTasksPerMinute int
}

// Status is a snapshot of the loop.
type Status struct {
	Running            bool                      `json:"running"`
	DispatchMode       bool                      `json:"dispatch_mode"`
	DispatchStartedAt  *time.Time                `json:"dispatch_started_at,omitempty"`
	PollIntervalMs     int64                     `json:"poll_interval_ms"`
	MaxTasksPerMinute  int                       `json:"max_tasks_per_minute"`
	DigestIntervalMs   int64                     `json:"digest_interval_ms"`
	LastPollAt         *time.Time                `json:"last_poll_at,omitempty"`
	NextPollAt         *time.Time                `json:"next_poll_at,omitempty"`
	LastDigestAt       *time.Time                `json:"last_digest_at,omitempty"`
	LastExecutedTaskID string                    `json:"last_executed_task_id,omitempty"`
	LastExecutedAt     *time.Time                `json:"last_executed_at,omitempty"`
	TotalExecuted      int                       `json:"total_executed"`
	WindowCount        int                       `json:"window_count"`
	PendingReviewCount int                       `json:"pending_review_count"`
	HistoryCount       int                       `json:"history_count"`
	ActiveMonitors     int                       `json:"active_monitors"`
	Breaker            governance.State          `json:"breaker"`
	Monitors           []antistuck.MonitorStatus `json:"monitors,omitempty"`
}

// Dispatcher is the ticker-driven dispatch loop.
type Dispatcher struct {
	store      Store
	executor   AgentExecutor
	breaker    *governance.CircuitBreaker
	trust      *governance.TrustLedger
	antiStuck  *antistuck.Supervisor
	rollback   *rollback.Executor
	acceptance *acceptance.Validator
	journal    *journal.Journal
	notifier   notify.Notifier
	selector   agent.Selector
	sink       GovernanceSink
	reviewDB   ReviewStore
	logger     *slog.Logger
	now        func() time.Time
	stateFile  string
	defaults   *taskdb.TimeoutConfig

	rate    *rateWindow
	reviews *reviewQueue

	// tickMu serialises ticks across Stop/Start cycles.
	tickMu sync.Mutex

	mu                sync.Mutex
	running           bool
	generation        uint64 // bumped by every stop
	cancelLoop        context.CancelFunc
	loopDone          chan struct{}
	pollInterval      time.Duration
	maxTasksPerMinute int
	dispatchMode      bool
	dispatchStartedAt time.Time
	digestInterval    time.Duration
	cancelDigest      context.CancelFunc
	digestDone        chan struct{}
	lastPollAt        time.Time
	lastDigestAt      time.Time
	lastExecutedID    string
	lastExecutedAt    time.Time
	totalExecuted     int
	cycles            map[string]bool
}

// New creates a stopped Dispatcher.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		store:             opts.Store,
		executor:          opts.Executor,
		breaker:           opts.Breaker,
		trust:             opts.Trust,
		antiStuck:         opts.AntiStuck,
		rollback:          opts.Rollback,
		acceptance:        opts.Acceptance,
		journal:           opts.Journal,
		notifier:          opts.Notifier,
		selector:          opts.Selector,
		sink:              opts.Governance,
		reviewDB:          opts.Reviews,
		logger:            opts.Logger,
		now:               opts.Now,
		stateFile:         opts.StateFile,
		defaults:          opts.TimeoutDefaults,
		rate:              newRateWindow(RateWindow),
		reviews:           newReviewQueue(),
		pollInterval:      opts.PollInterval,
		maxTasksPerMinute: opts.MaxTasksPerMinute,
		digestInterval:    opts.DigestInterval,
		dispatchMode:      opts.DispatchMode,
		cycles:            make(map[string]bool),
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.notifier == nil {
		d.notifier = notify.Nop{}
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.breaker == nil {
		d.breaker = governance.NewCircuitBreaker(0, 0, 0)
	}
	if d.trust == nil {
		d.trust = governance.NewTrustLedger()
	}
	if d.antiStuck == nil {
		d.antiStuck = antistuck.New(antistuck.Options{
			Runs:     opts.Store,
			Models:   d.selector,
			Notifier: d.notifier,
			Logger:   d.logger,
		})
	}
	if d.journal == nil {
		d.journal = journal.New(journal.DefaultSize, nil, d.logger)
	}
	if d.pollInterval <= 0 {
		d.pollInterval = DefaultPollInterval
	}
	if d.maxTasksPerMinute <= 0 {
		d.maxTasksPerMinute = DefaultMaxTasksPerMinute
	}
	if d.digestInterval <= 0 {
		d.digestInterval = DefaultDigestInterval
	}
	if d.dispatchMode {
		d.dispatchStartedAt = d.now()
	}
	return d
}

// Restore reloads history and pending reviews, then applies the state file:
// dispatch mode and intervals are restored and the loop resumes if it was
// enabled.
func (d *Dispatcher) Restore(ctx context.Context) error {
	if err := d.journal.Load(ctx); err != nil {
		d.logger.Warn("restoring history", "err", err)
	}
	if d.reviewDB != nil {
		reviews, err := d.reviewDB.ListReviews(ctx)
		if err != nil {
			return fmt.Errorf("restoring pending reviews: %w", err)
		}
		d.reviews.replace(reviews)
	}

	if d.stateFile == "" {
		return nil
	}
	state, ok, err := LoadState(d.stateFile)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	d.mu.Lock()
	if state.PollIntervalMs >= config.MinPollIntervalMs {
		d.pollInterval = time.Duration(state.PollIntervalMs) * time.Millisecond
	}
	if state.MaxTasksPerMinute >= 1 {
		d.maxTasksPerMinute = state.MaxTasksPerMinute
	}
	if state.DigestIntervalMs >= config.MinDigestIntervalMs {
		d.digestInterval = time.Duration(state.DigestIntervalMs) * time.Millisecond
	}
	d.dispatchMode = state.DispatchMode
	if d.dispatchMode {
		d.dispatchStartedAt = d.now()
		d.startDigestLocked()
	}
	if state.Enabled && !d.running {
		d.startLocked()
	}
	d.mu.Unlock()

	d.logger.Info("restored dispatch state", "enabled", state.Enabled, "dispatch_mode", state.DispatchMode,
		"pending_reviews", d.reviews.len())
	return nil
}

// Start begins polling. It fails with ErrAlreadyRunning if the loop is up.
func (d *Dispatcher) Start(ctx context.Context, opts StartOptions) error {
	if opts.PollInterval != 0 && opts.PollInterval < config.MinPollIntervalMs*time.Millisecond {
		return fmt.Errorf("%w: poll interval must be at least %dms", ErrInvalidOptions, config.MinPollIntervalMs)
	}
	if opts.MaxTasksPerMinute < 0 {
		return fmt.Errorf("%w: max tasks per minute must be at least 1", ErrInvalidOptions)
	}

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	if opts.PollInterval > 0 {
		d.pollInterval = opts.PollInterval
	}
	if opts.MaxTasksPerMinute > 0 {
		d.maxTasksPerMinute = opts.MaxTasksPerMinute
	}
	d.startLocked()
	d.mu.Unlock()

	d.saveState()
	return nil
}

func (d *Dispatcher) startLocked() {
	// The loop outlives the request that started it.
	ctx, cancel := context.WithCancel(context.Background())
	d.running = true
	d.cancelLoop = cancel
	d.loopDone = make(chan struct{})
	go d.loop(ctx, d.pollInterval, d.loopDone)

	d.logger.Info("dispatcher started", "poll_interval", d.pollInterval, "max_tasks_per_minute", d.maxTasksPerMinute)
}

func (d *Dispatcher) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runTick(ctx)
		}
	}
}

func (d *Dispatcher) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	d.mu.Lock()
	d.lastPollAt = d.now()
	d.mu.Unlock()

	res := d.Tick(ctx)
	d.logger.Debug("tick", "action", res.Action, "task", res.TaskID)
}

// Stop halts future ticks and releases every run monitor. Executions already
// in flight finish under their own hard timeout but are not retried.
func (d *Dispatcher) Stop(_ context.Context) error {
	if d.halt() {
		d.saveState()
		d.logger.Info("dispatcher stopped")
	}
	return nil
}

// halt cancels the loop and releases monitors. It reports whether the loop
// was running.
func (d *Dispatcher) halt() bool {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return false
	}
	d.cancelLoop()
	d.running = false
	d.generation++
	d.mu.Unlock()

	d.antiStuck.Cleanup()
	return true
}

// Close shuts the loop and the digest timer down for process exit and waits
// for their goroutines or ctx to end. Unlike Stop it leaves the state file
// as it was, so the next Restore resumes a loop that was running.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d.halt() {
		d.logger.Info("dispatcher shut down")
	}

	d.mu.Lock()
	d.stopDigestLocked()
	loopDone, digestDone := d.loopDone, d.digestDone
	d.mu.Unlock()

	for _, ch := range []chan struct{}{loopDone, digestDone} {
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// stoppedSince reports whether the loop was stopped after gen was read.
func (d *Dispatcher) stoppedSince(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation != gen
}

// Running reports whether the loop is polling.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// DispatchMode reports whether risk gating is on.
func (d *Dispatcher) DispatchMode() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatchMode
}

// ToggleDispatchMode turns risk gating on or off. Turning it on clears the
// history and pending reviews and starts the loop if needed. Turning it off
// sends a final digest.
func (d *Dispatcher) ToggleDispatchMode(ctx context.Context, enabled bool) error {
	d.mu.Lock()
	if enabled == d.dispatchMode {
		d.mu.Unlock()
		return nil
	}
	d.dispatchMode = enabled
	if !enabled {
		d.stopDigestLocked()
	}
	d.mu.Unlock()

	if enabled {
		d.journal.Clear(ctx)
		d.reviews.clear()
		if d.reviewDB != nil {
			if err := d.reviewDB.ClearReviews(ctx); err != nil {
				d.logger.Warn("clearing pending reviews", "err", err)
			}
		}

		d.mu.Lock()
		d.dispatchStartedAt = d.now()
		d.lastDigestAt = time.Time{}
		if !d.running {
			d.startLocked()
		}
		d.startDigestLocked()
		d.mu.Unlock()
	} else {
		d.SendDigest(ctx)
		d.mu.Lock()
		d.dispatchStartedAt = time.Time{}
		d.mu.Unlock()
	}

	d.logger.Info("dispatch mode changed", "enabled", enabled)
	d.notifier.Send(ctx, notify.DispatchMode(enabled), notify.Options{ParseMode: notify.ParseHTML})
	d.saveState()
	return nil
}

// SetDigestInterval changes how often digests are sent.
func (d *Dispatcher) SetDigestInterval(interval time.Duration) error {
	if interval < config.MinDigestIntervalMs*time.Millisecond {
		return fmt.Errorf("%w: digest interval must be at least %dms", ErrInvalidOptions, config.MinDigestIntervalMs)
	}
	d.mu.Lock()
	d.digestInterval = interval
	if d.dispatchMode {
		d.startDigestLocked()
	}
	d.mu.Unlock()

	d.saveState()
	return nil
}

func (d *Dispatcher) startDigestLocked() {
	d.stopDigestLocked()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.cancelDigest = cancel
	d.digestDone = done
	interval := d.digestInterval

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.SendDigest(ctx)
			}
		}
	}()
}

func (d *Dispatcher) stopDigestLocked() {
	if d.cancelDigest != nil {
		d.cancelDigest()
		d.cancelDigest = nil
	}
}

// Digest builds the digest of executions since the last one.
func (d *Dispatcher) Digest() journal.Digest {
	d.mu.Lock()
	from := d.lastDigestAt
	if from.IsZero() {
		from = d.dispatchStartedAt
	}
	d.mu.Unlock()

	to := d.now()
	return journal.BuildDigest(d.journal.Since(from), from, to, d.reviews.len())
}

// SendDigest sends the digest since the last one, unless it is empty.
func (d *Dispatcher) SendDigest(ctx context.Context) {
	dg := d.Digest()
	d.mu.Lock()
	d.lastDigestAt = dg.To
	d.mu.Unlock()

	if dg.Empty() {
		return
	}
	if err := d.notifier.Send(ctx, journal.RenderDigest(dg), notify.Options{ParseMode: notify.ParseHTML}); err != nil {
		d.logger.Warn("sending digest", "err", err)
	}
}

// Status returns a snapshot of the loop.
func (d *Dispatcher) Status() Status {
	now := d.now()
	d.mu.Lock()
	s := Status{
		Running:            d.running,
		DispatchMode:       d.dispatchMode,
		PollIntervalMs:     d.pollInterval.Milliseconds(),
		MaxTasksPerMinute:  d.maxTasksPerMinute,
		DigestIntervalMs:   d.digestInterval.Milliseconds(),
		LastExecutedTaskID: d.lastExecutedID,
		TotalExecuted:      d.totalExecuted,
		DispatchStartedAt:  timePtr(d.dispatchStartedAt),
		LastPollAt:         timePtr(d.lastPollAt),
		LastDigestAt:       timePtr(d.lastDigestAt),
		LastExecutedAt:     timePtr(d.lastExecutedAt),
	}
	if d.running && !d.lastPollAt.IsZero() {
		s.NextPollAt = timePtr(d.lastPollAt.Add(d.pollInterval))
	}
	d.mu.Unlock()

	s.WindowCount = d.rate.Count(now)
	s.PendingReviewCount = d.reviews.len()
	s.HistoryCount = d.journal.Len()
	s.ActiveMonitors = d.antiStuck.ActiveMonitors()
	s.Monitors = d.antiStuck.Status()
	s.Breaker = d.breaker.State()
	return s
}

// PendingReviews lists tasks held for review, oldest first.
func (d *Dispatcher) PendingReviews() []store.PendingReview {
	return d.reviews.list()
}

// History returns up to limit finished executions, newest first.
func (d *Dispatcher) History(limit int) []*store.HistoryEntry {
	return d.journal.Entries(limit)
}

// Breaker exposes the circuit breaker.
func (d *Dispatcher) Breaker() *governance.CircuitBreaker {
	return d.breaker
}

// Trust exposes the trust ledger.
func (d *Dispatcher) Trust() *governance.TrustLedger {
	return d.trust
}

// ResetBreaker closes the breaker by hand and persists the result.
func (d *Dispatcher) ResetBreaker(ctx context.Context) governance.Snapshot {
	d.breaker.Reset()
	snap := d.breaker.Snapshot()
	if d.sink != nil {
		if err := d.sink.SaveBreaker(ctx, snap); err != nil {
			d.logger.Warn("persisting breaker state", "err", err)
		}
	}
	d.logger.Info("breaker reset by operator", "total_trips", snap.TotalTrips)
	return snap
}

// ResolvePendingReview applies a human decision. Approval returns the task
// to ready and lets it skip the risk gate once; rejection closes it.
func (d *Dispatcher) ResolvePendingReview(ctx context.Context, taskID string, decision Decision) error {
	if !decision.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	review, ok := d.reviews.get(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrReviewNotFound, taskID)
	}

	var err error
	switch decision {
	case DecisionApproved:
		_, err = d.store.UpsertTaskStatus(ctx, taskID, taskdb.StatusReady, taskdb.TaskFields{})
		if err == nil {
			d.reviews.approve(taskID)
		}
	case DecisionRejected:
		msg := "rejected in review"
		_, err = d.store.UpsertTaskStatus(ctx, taskID, taskdb.StatusDone, taskdb.TaskFields{LastError: &msg})
	}
	if err != nil {
		return fmt.Errorf("resolving review of %s: %w", taskID, err)
	}

	d.reviews.remove(taskID)
	if d.reviewDB != nil {
		if err := d.reviewDB.DeleteReview(ctx, taskID); err != nil {
			d.logger.Warn("deleting pending review", "task", taskID, "err", err)
		}
	}

	d.logger.Info("review resolved", "task", taskID, "name", review.TaskName, "decision", decision)
	d.notifier.Send(ctx, notify.ReviewResolved(taskID, string(decision)), notify.Options{ParseMode: notify.ParseHTML})
	return nil
}

func (d *Dispatcher) saveState() {
	if d.stateFile == "" {
		return
	}
	d.mu.Lock()
	state := DiskState{
		Enabled:           d.running,
		PollIntervalMs:    d.pollInterval.Milliseconds(),
		MaxTasksPerMinute: d.maxTasksPerMinute,
		DispatchMode:      d.dispatchMode,
		DigestIntervalMs:  d.digestInterval.Milliseconds(),
		UpdatedAt:         d.now(),
	}
	d.mu.Unlock()

	if err := SaveState(d.stateFile, state); err != nil {
		d.logger.Warn("saving dispatch state", "err", err)
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
