// Package supervisor builds and owns every component of a running board:
// persistence, notifications, governance, the agent executor and the
// dispatch loop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/swamp-dev/agentboard/internal/acceptance"
	"github.com/swamp-dev/agentboard/internal/agent"
	"github.com/swamp-dev/agentboard/internal/config"
	"github.com/swamp-dev/agentboard/internal/container"
	"github.com/swamp-dev/agentboard/internal/dispatch"
	"github.com/swamp-dev/agentboard/internal/governance"
	"github.com/swamp-dev/agentboard/internal/journal"
	"github.com/swamp-dev/agentboard/internal/notify"
	"github.com/swamp-dev/agentboard/internal/rollback"
	"github.com/swamp-dev/agentboard/internal/shell"
	"github.com/swamp-dev/agentboard/internal/store"
	"github.com/swamp-dev/agentboard/internal/taskdb"
)

const acceptanceHTTPTimeout = 10 * time.Second

// Supervisor is the composition root.
type Supervisor struct {
	cfg        *config.Config
	board      Board
	db         *store.Store
	queue      *notify.Queue
	containers *container.Manager
	breaker    *governance.CircuitBreaker
	trust      *governance.TrustLedger
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// Option customises New.
type Option func(*options)

type options struct {
	notifier notify.Notifier
	executor dispatch.AgentExecutor
}

// WithNotifier replaces the notifier built from config.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithExecutor replaces the agent executor built from config.
func WithExecutor(e dispatch.AgentExecutor) Option {
	return func(o *options) { o.executor = e }
}

// New builds every component from cfg. Persisted breaker and trust state is
// restored; the dispatch loop is not started (see Boot).
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Supervisor, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Supervisor{cfg: cfg, logger: logger}
	if err := s.openBoard(); err != nil {
		return nil, err
	}

	base := o.notifier
	if base == nil {
		base = buildNotifier(cfg.Notifier, logger)
	}
	s.queue = notify.NewQueue(base, cfg.Notifier.QueueSize, logger)

	s.breaker = governance.NewCircuitBreaker(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown(), cfg.Breaker.HalfOpenAllowance)
	s.breaker.SetNotifier(s.queue)
	s.breaker.SetLogger(logger)
	s.trust = governance.NewTrustLedger()
	if err := s.restoreGovernance(context.Background()); err != nil {
		s.closeResources()
		return nil, err
	}

	workDir := s.path(cfg.Agent.WorkDir)
	runner := shell.NewExecRunner(workDir, logger)

	executor := o.executor
	if executor == nil {
		var err error
		if executor, err = s.buildExecutor(runner); err != nil {
			s.closeResources()
			return nil, err
		}
	}

	dopts := dispatch.Options{
		Store:    s.board,
		Executor: executor,
		Breaker:  s.breaker,
		Trust:    s.trust,
		Rollback: rollback.NewExecutor(runner, s.queue, logger),
		Acceptance: acceptance.NewValidator(acceptance.Options{
			Fs:       afero.NewOsFs(),
			BaseDir:  workDir,
			Client:   &http.Client{Timeout: acceptanceHTTPTimeout},
			Runner:   runner,
			Notifier: s.queue,
			Logger:   logger,
		}),
		Notifier:          s.queue,
		Selector:          agent.Selector{Default: cfg.Agent.Default},
		Logger:            logger,
		PollInterval:      cfg.Dispatch.PollInterval(),
		MaxTasksPerMinute: cfg.Dispatch.MaxTasksPerMinute,
		DigestInterval:    cfg.Dispatch.DigestInterval(),
		DispatchMode:      cfg.Dispatch.DispatchMode,
		TimeoutDefaults:   timeoutDefaults(cfg.AntiStuck),
	}
	if cfg.Dispatch.StateFile != "" {
		dopts.StateFile = s.path(cfg.Dispatch.StateFile)
	}
	if s.db != nil {
		dopts.Journal = journal.New(cfg.Dispatch.HistorySize, s.db, logger)
		dopts.Governance = s.db
		dopts.Reviews = s.db
	} else {
		dopts.Journal = journal.New(cfg.Dispatch.HistorySize, nil, logger)
	}
	s.dispatcher = dispatch.New(dopts)

	return s, nil
}

func (s *Supervisor) openBoard() error {
	if s.cfg.Store.Driver == "memory" {
		s.board = NewMemoryBoard()
		return nil
	}

	path := s.path(s.cfg.Store.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	db, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	s.db = db
	s.board = db
	return nil
}

func (s *Supervisor) restoreGovernance(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	snap, ok, err := s.db.LoadBreaker(ctx)
	if err != nil {
		return fmt.Errorf("loading breaker state: %w", err)
	}
	if ok {
		s.breaker.Restore(snap)
		s.logger.Info("restored circuit breaker", "state", snap.State, "total_trips", snap.TotalTrips)
	}

	profiles, err := s.db.LoadTrustProfiles(ctx)
	if err != nil {
		return fmt.Errorf("loading trust profiles: %w", err)
	}
	s.trust.Restore(profiles)
	return nil
}

func (s *Supervisor) buildExecutor(runner shell.Runner) (dispatch.AgentExecutor, error) {
	switch s.cfg.Agent.Sandbox {
	case agent.SandboxDryRun:
		return &agent.DryRun{Logger: s.logger}, nil
	case agent.SandboxDocker:
		mgr, err := container.NewManager()
		if err != nil {
			return nil, fmt.Errorf("connecting to docker: %w", err)
		}
		s.containers = mgr
		return agent.NewExecutor(s.cfg, runner, mgr, s.logger), nil
	default:
		return agent.NewExecutor(s.cfg, runner, nil, s.logger), nil
	}
}

// path resolves p against the project directory.
func (s *Supervisor) path(p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.cfg.Project.Path, p)
}

func buildNotifier(cfg config.NotifierConfig, logger *slog.Logger) notify.Notifier {
	switch cfg.Kind {
	case "telegram":
		tg := notify.NewTelegram(cfg.BotToken, cfg.ChatID)
		if !tg.Configured() {
			logger.Warn("telegram notifier has no credentials, logging notifications instead")
			return notify.Log{Logger: logger}
		}
		return tg
	case "none":
		return notify.Nop{}
	default:
		return notify.Log{Logger: logger}
	}
}

func timeoutDefaults(c config.AntiStuckConfig) *taskdb.TimeoutConfig {
	retries := c.MaxRetries
	notifyOnTimeout := c.NotifyOnTimeout
	return &taskdb.TimeoutConfig{
		TimeoutMinutes:   c.TimeoutMinutes,
		MaxRetries:       &retries,
		FallbackStrategy: taskdb.FallbackStrategy(c.FallbackStrategy),
		NotifyOnTimeout:  &notifyOnTimeout,
	}
}

// Boot restores the dispatcher's persisted state and starts the loop when
// it was running before or the config enables it.
func (s *Supervisor) Boot(ctx context.Context) error {
	if err := s.dispatcher.Restore(ctx); err != nil {
		return fmt.Errorf("restoring dispatcher: %w", err)
	}
	if s.cfg.Dispatch.Enabled && !s.dispatcher.Running() {
		if err := s.dispatcher.Start(ctx, dispatch.StartOptions{}); err != nil && !errors.Is(err, dispatch.ErrAlreadyRunning) {
			return fmt.Errorf("starting dispatcher: %w", err)
		}
	}
	s.logger.Info("supervisor ready",
		"store", s.cfg.Store.Driver,
		"sandbox", s.cfg.Agent.Sandbox,
		"running", s.dispatcher.Running(),
		"dispatch_mode", s.dispatcher.DispatchMode(),
	)
	return nil
}

// Reconfigure applies changed breaker and dispatch settings. A running loop
// is restarted with the new poll interval and rate.
func (s *Supervisor) Reconfigure(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	s.breaker.Configure(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown(), cfg.Breaker.HalfOpenAllowance)
	if err := s.dispatcher.SetDigestInterval(cfg.Dispatch.DigestInterval()); err != nil {
		return err
	}
	if s.dispatcher.Running() {
		if err := s.dispatcher.Stop(ctx); err != nil {
			return err
		}
		if err := s.dispatcher.Start(ctx, dispatch.StartOptions{
			PollInterval:      cfg.Dispatch.PollInterval(),
			MaxTasksPerMinute: cfg.Dispatch.MaxTasksPerMinute,
		}); err != nil {
			return err
		}
	}
	s.cfg.Breaker = cfg.Breaker
	s.cfg.Dispatch = cfg.Dispatch
	s.logger.Info("configuration reloaded",
		"poll_interval", cfg.Dispatch.PollInterval(),
		"max_tasks_per_minute", cfg.Dispatch.MaxTasksPerMinute,
	)
	return nil
}

// Config returns the active configuration.
func (s *Supervisor) Config() *config.Config {
	return s.cfg
}

// Dispatcher returns the dispatch loop.
func (s *Supervisor) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Board returns the task store.
func (s *Supervisor) Board() Board {
	return s.board
}

// History returns finished executions, newest first. With a database the
// full persisted history is read; otherwise only the in-memory journal.
func (s *Supervisor) History(ctx context.Context, limit int) ([]*store.HistoryEntry, error) {
	if s.db != nil {
		return s.db.HistoryEntries(ctx, store.HistoryQuery{Limit: limit})
	}
	return s.dispatcher.History(limit), nil
}

// Close stops the loop, drains notifications and releases the store.
func (s *Supervisor) Close(ctx context.Context) error {
	var errs []error
	if err := s.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing dispatcher: %w", err))
	}
	if err := s.queue.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("draining notifications: %w", err))
	}
	errs = append(errs, s.closeResources())
	return errors.Join(errs...)
}

func (s *Supervisor) closeResources() error {
	var errs []error
	if s.containers != nil {
		if err := s.containers.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing docker client: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	return errors.Join(errs...)
}
