package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/swamp-dev/agentboard/internal/api"
	"github.com/swamp-dev/agentboard/internal/config"
	"github.com/swamp-dev/agentboard/internal/dispatch"
	"github.com/swamp-dev/agentboard/internal/supervisor"
	"github.com/swamp-dev/agentboard/internal/taskdb"
)

const (
	shutdownTimeout = 30 * time.Second
	// Editors often write a file in several steps.
	taskFileDebounce = 500 * time.Millisecond
)

var (
	serveAddr        string
	serveWatchConfig bool
	serveWatchTasks  string
	serveStart       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch loop and the HTTP control API",
	Long: `Serve restores the persisted dispatch state, resumes the loop if it
was running, and exposes the control API.

Examples:
  agentboard serve
  agentboard serve --addr :7420 --start
  agentboard serve --watch-config --watch-tasks tasks.yaml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	serveCmd.Flags().BoolVar(&serveWatchConfig, "watch-config", false, "reload dispatch and breaker settings when the config file changes")
	serveCmd.Flags().StringVar(&serveWatchTasks, "watch-tasks", "", "task file to import now and re-import on change")
	serveCmd.Flags().BoolVar(&serveStart, "start", false, "start the dispatch loop immediately")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup, err := openSupervisor()
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sup.Close(closeCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	if serveWatchTasks != "" {
		if err := importTaskFile(ctx, sup, serveWatchTasks); err != nil {
			return err
		}
		go watchTaskFile(ctx, sup, serveWatchTasks)
	}

	if err := sup.Boot(ctx); err != nil {
		return err
	}
	if serveStart && !sup.Dispatcher().Running() {
		if err := sup.Dispatcher().Start(ctx, dispatchStartOptions(sup.Config())); err != nil {
			return err
		}
	}

	if serveWatchConfig {
		watchConfig(ctx, sup)
	}

	cfg := sup.Config()
	addr := serveAddr
	if addr == "" {
		addr = cfg.API.Addr
	}
	srv := api.NewServer(sup.Dispatcher(),
		api.WithLogger(logger),
		api.WithWorkflows(sup),
		api.WithAllowedOrigins(cfg.API.AllowedOrigins),
	)
	return srv.ListenAndServe(ctx, addr)
}

// watchConfig applies config file edits to the running supervisor.
func watchConfig(ctx context.Context, sup *supervisor.Supervisor) {
	path := configPath()
	if path == "" {
		logger.Warn("no config file to watch")
		return
	}
	viper.SetConfigFile(path)
	viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := loadConfig()
		if err != nil {
			logger.Error("reloading config", "file", e.Name, "error", err)
			return
		}
		if err := sup.Reconfigure(ctx, cfg); err != nil {
			logger.Error("applying config", "file", e.Name, "error", err)
		}
	})
	viper.WatchConfig()
	logger.Info("watching config file", "path", path)
}

func importTaskFile(ctx context.Context, sup *supervisor.Supervisor, path string) error {
	tasks, err := taskdb.LoadFile(path)
	if err != nil {
		return err
	}
	if err := sup.ImportTasks(ctx, tasks); err != nil {
		return fmt.Errorf("importing %s: %w", path, err)
	}
	return nil
}

// watchTaskFile re-imports path whenever it is written. The parent
// directory is watched so editors that replace the file are handled.
func watchTaskFile(ctx context.Context, sup *supervisor.Supervisor, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("creating task file watcher", "error", err)
		return
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		logger.Error("resolving task file", "path", path, "error", err)
		return
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		logger.Error("watching task file", "path", path, "error", err)
		return
	}
	logger.Info("watching task file", "path", abs)

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != abs || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(taskFileDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := importTaskFile(ctx, sup, abs); err != nil {
				logger.Error("re-importing tasks", "path", abs, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("task file watcher", "error", err)
		}
	}
}

func dispatchStartOptions(cfg *config.Config) dispatch.StartOptions {
	return dispatch.StartOptions{
		PollInterval:      cfg.Dispatch.PollInterval(),
		MaxTasksPerMinute: cfg.Dispatch.MaxTasksPerMinute,
	}
}
