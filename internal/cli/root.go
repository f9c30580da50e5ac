// Package cli provides the command-line interface for agentboard.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/swamp-dev/agentboard/internal/config"
	"github.com/swamp-dev/agentboard/internal/supervisor"
)

var (
	cfgFile string
	verbose bool
	logger  *slog.Logger = slog.Default()
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "agentboard",
	Short: "Governed autonomous dispatch of coding-agent tasks",
	Long: `Agentboard polls a task board, hands ready tasks to coding agents
(Claude Code, Amp, Aider) and governs the results.

Every execution passes a risk gate and a circuit breaker, is watched for
timeouts with retry and model fallback, and feeds a per-agent trust ledger.
Failed tasks can run a rollback plan; finished ones are checked against
their acceptance criteria.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logLevel := slog.LevelInfo
		if verbose {
			logLevel = slog.LevelDebug
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		}))
		slog.SetDefault(logger)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./agentboard.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("agentboard")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("agentboard")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("notifier.bot_token", "TELEGRAM_BOT_TOKEN")
	_ = viper.BindEnv("notifier.chat_id", "TELEGRAM_CHAT_ID")

	if err := viper.ReadInConfig(); err == nil {
		logger.Debug("using config file", "path", viper.ConfigFileUsed())
	}
}

// configPath returns the config file in use, or "" when there is none.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" {
		if _, err := os.Stat(used); err == nil {
			return used
		}
	}
	path, err := config.FindConfigFile()
	if err != nil {
		return ""
	}
	return path
}

// loadConfig reads the config file (defaults when none exists) and applies
// environment overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path := configPath(); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays AGENTBOARD_* variables and the Telegram credentials.
func applyEnv(cfg *config.Config) {
	if v := viper.GetString("notifier.bot_token"); v != "" {
		cfg.Notifier.BotToken = v
	}
	if v := viper.GetString("notifier.chat_id"); v != "" {
		cfg.Notifier.ChatID = v
	}
	if v := viper.GetString("notifier.kind"); v != "" {
		cfg.Notifier.Kind = v
	}
	if v := viper.GetString("api.addr"); v != "" {
		cfg.API.Addr = v
	}
	if v := viper.GetString("store.path"); v != "" {
		cfg.Store.Path = v
	}
	if v := viper.GetString("agent.sandbox"); v != "" {
		cfg.Agent.Sandbox = v
	}
	if v := viper.GetString("agent.default"); v != "" {
		cfg.Agent.Default = v
	}
}

// openSupervisor loads config and builds a supervisor. The caller closes it.
func openSupervisor() (*supervisor.Supervisor, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	sup, err := supervisor.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return sup, nil
}

var errNoTasks = errors.New("no tasks on the board; run 'agentboard tasks import <file>' first")
