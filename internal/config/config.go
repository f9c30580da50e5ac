// Package config handles agentboard configuration parsing and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the default config file name looked up by FindConfigFile.
const FileName = "agentboard.yaml"

// Lower bounds enforced by Validate and by the control surface.
const (
	MinPollIntervalMs   = 5000
	MinDigestIntervalMs = 60000
)

// Config represents the agentboard.yaml configuration file.
type Config struct {
	Version   string          `yaml:"version"`
	Project   ProjectConfig   `yaml:"project"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	AntiStuck AntiStuckConfig `yaml:"antistuck"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Agent     AgentConfig     `yaml:"agent"`
	Docker    DockerConfig    `yaml:"docker"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Store     StoreConfig     `yaml:"store"`
	API       APIConfig       `yaml:"api"`
}

// ProjectConfig holds project-level settings.
type ProjectConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// DispatchConfig controls the polling scheduler.
type DispatchConfig struct {
	Enabled           bool   `yaml:"enabled"`
	PollIntervalMs    int    `yaml:"poll_interval_ms"`
	MaxTasksPerMinute int    `yaml:"max_tasks_per_minute"`
	DispatchMode      bool   `yaml:"dispatch_mode"`
	DigestIntervalMs  int    `yaml:"digest_interval_ms"`
	HistorySize       int    `yaml:"history_size"`
	StateFile         string `yaml:"state_file"`
}

// BreakerConfig tunes the global circuit breaker.
type BreakerConfig struct {
	FailureThreshold  int `yaml:"failure_threshold"`
	CooldownMs        int `yaml:"cooldown_ms"`
	HalfOpenAllowance int `yaml:"half_open_allowance"`
}

// AntiStuckConfig holds the per-run watchdog defaults. Tasks may override them.
type AntiStuckConfig struct {
	TimeoutMinutes   int    `yaml:"timeout_minutes"`
	MaxRetries       int    `yaml:"max_retries"`
	FallbackStrategy string `yaml:"fallback_strategy"` // primary-to-next, none
	NotifyOnTimeout  bool   `yaml:"notify_on_timeout"`
}

// WorkflowConfig controls batch execution of dependent tasks.
type WorkflowConfig struct {
	Mode        string `yaml:"mode"` // parallel, sequential
	Concurrency int    `yaml:"concurrency"`
}

// AgentConfig specifies how tasks are handed to coding agents.
type AgentConfig struct {
	Default  string `yaml:"default"`  // claude, amp, aider
	Sandbox  string `yaml:"sandbox"`  // local, docker, dry-run
	WorkDir  string `yaml:"work_dir"` // working directory for local runs
	MaxChars int    `yaml:"max_output_chars"`
}

// DockerConfig controls container resources and networking.
type DockerConfig struct {
	Image     string          `yaml:"image"` // node, python, go, rust, full
	Resources ResourcesConfig `yaml:"resources"`
	Network   string          `yaml:"network"` // none, bridge, host
}

// ResourcesConfig sets container resource limits.
type ResourcesConfig struct {
	Memory string `yaml:"memory"`
	CPUs   string `yaml:"cpus"`
}

// NotifierConfig selects where operator notifications go.
type NotifierConfig struct {
	Kind      string `yaml:"kind"` // telegram, log, none
	BotToken  string `yaml:"bot_token,omitempty"`
	ChatID    string `yaml:"chat_id,omitempty"`
	QueueSize int    `yaml:"queue_size"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite, memory
	Path   string `yaml:"path"`
}

// APIConfig configures the HTTP control surface.
type APIConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		Project: ProjectConfig{
			Name: "my-project",
			Path: ".",
		},
		Dispatch: DispatchConfig{
			PollIntervalMs:    10000,
			MaxTasksPerMinute: 1,
			DigestIntervalMs:  1800000,
			HistorySize:       100,
			StateFile:         ".agentboard/dispatch-state.json",
		},
		Breaker: BreakerConfig{
			FailureThreshold:  3,
			CooldownMs:        300000,
			HalfOpenAllowance: 1,
		},
		AntiStuck: AntiStuckConfig{
			TimeoutMinutes:   5,
			MaxRetries:       2,
			FallbackStrategy: "primary-to-next",
			NotifyOnTimeout:  true,
		},
		Workflow: WorkflowConfig{
			Mode:        "parallel",
			Concurrency: 3,
		},
		Agent: AgentConfig{
			Default:  "claude",
			Sandbox:  "local",
			WorkDir:  ".",
			MaxChars: 2000,
		},
		Docker: DockerConfig{
			Image: "full",
			Resources: ResourcesConfig{
				Memory: "4g",
				CPUs:   "2",
			},
			Network: "none",
		},
		Notifier: NotifierConfig{
			Kind:      "log",
			QueueSize: 64,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   ".agentboard/agentboard.db",
		},
		API: APIConfig{
			Addr: "127.0.0.1:7420",
		},
	}
}

// PollInterval returns the dispatch poll interval as a duration.
func (d DispatchConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMs) * time.Millisecond
}

// DigestInterval returns the digest interval as a duration.
func (d DispatchConfig) DigestInterval() time.Duration {
	return time.Duration(d.DigestIntervalMs) * time.Millisecond
}

// Cooldown returns the breaker cooldown as a duration.
func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownMs) * time.Millisecond
}

// Load reads and parses the agentboard.yaml config file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = FileName
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to the specified path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Dispatch.PollIntervalMs < MinPollIntervalMs {
		return fmt.Errorf("poll_interval_ms must be at least %d", MinPollIntervalMs)
	}
	if c.Dispatch.DigestIntervalMs < MinDigestIntervalMs {
		return fmt.Errorf("digest_interval_ms must be at least %d", MinDigestIntervalMs)
	}
	if c.Dispatch.MaxTasksPerMinute < 1 {
		return fmt.Errorf("max_tasks_per_minute must be at least 1")
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1")
	}
	if c.Breaker.CooldownMs < 0 {
		return fmt.Errorf("cooldown_ms must not be negative")
	}

	if c.AntiStuck.TimeoutMinutes < 1 {
		return fmt.Errorf("timeout_minutes must be at least 1")
	}
	if c.AntiStuck.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	validStrategies := map[string]bool{"primary-to-next": true, "none": true}
	if !validStrategies[c.AntiStuck.FallbackStrategy] {
		return fmt.Errorf("invalid fallback_strategy: %s (must be primary-to-next or none)", c.AntiStuck.FallbackStrategy)
	}

	validModes := map[string]bool{"parallel": true, "sequential": true}
	if !validModes[c.Workflow.Mode] {
		return fmt.Errorf("invalid workflow mode: %s (must be parallel or sequential)", c.Workflow.Mode)
	}
	if c.Workflow.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}

	validAgents := map[string]bool{"claude": true, "amp": true, "aider": true}
	if !validAgents[c.Agent.Default] {
		return fmt.Errorf("invalid agent: %s (must be claude, amp, or aider)", c.Agent.Default)
	}

	validSandboxes := map[string]bool{"local": true, "docker": true, "dry-run": true}
	if !validSandboxes[c.Agent.Sandbox] {
		return fmt.Errorf("invalid sandbox: %s (must be local, docker, or dry-run)", c.Agent.Sandbox)
	}

	validImages := map[string]bool{"node": true, "python": true, "go": true, "rust": true, "full": true}
	if !validImages[c.Docker.Image] {
		return fmt.Errorf("invalid image: %s", c.Docker.Image)
	}

	validNetworks := map[string]bool{"none": true, "bridge": true, "host": true}
	if !validNetworks[c.Docker.Network] {
		return fmt.Errorf("invalid network: %s (must be none, bridge, or host)", c.Docker.Network)
	}

	validNotifiers := map[string]bool{"telegram": true, "log": true, "none": true}
	if !validNotifiers[c.Notifier.Kind] {
		return fmt.Errorf("invalid notifier: %s (must be telegram, log, or none)", c.Notifier.Kind)
	}

	validDrivers := map[string]bool{"sqlite": true, "memory": true}
	if !validDrivers[c.Store.Driver] {
		return fmt.Errorf("invalid store driver: %s (must be sqlite or memory)", c.Store.Driver)
	}

	return nil
}

// FindConfigFile searches for agentboard.yaml in current and parent directories.
func FindConfigFile() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for dir := cwd; ; dir = filepath.Dir(dir) {
		configPath := filepath.Join(dir, FileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		if dir == filepath.Dir(dir) {
			break
		}
	}

	return "", fmt.Errorf("%s not found in %s or parent directories", FileName, cwd)
}
