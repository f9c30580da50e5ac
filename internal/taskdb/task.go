// Package taskdb defines the task and run model shared by the dispatch core
// and provides an in-memory implementation of the task store.
package taskdb

import (
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	StatusDraft      TaskStatus = "draft"
	StatusReady      TaskStatus = "ready"
	StatusInProgress TaskStatus = "in_progress"
	StatusRunning    TaskStatus = "running"
	StatusReview     TaskStatus = "review"
	StatusDone       TaskStatus = "done"
	StatusBlocked    TaskStatus = "blocked"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusReady, StatusInProgress, StatusRunning, StatusReview, StatusDone, StatusBlocked:
		return true
	}
	return false
}

// ExecutionMode controls how a workflow schedules runnable tasks.
type ExecutionMode string

const (
	ModeParallel   ExecutionMode = "parallel"
	ModeSequential ExecutionMode = "sequential"
)

// FallbackStrategy selects how a model is replaced after repeated failures.
type FallbackStrategy string

const (
	FallbackPrimaryToNext FallbackStrategy = "primary-to-next"
	FallbackNone          FallbackStrategy = "none"
)

// DefaultPriority is used for tasks that leave priority unset.
const DefaultPriority = 3

// Watchdog defaults applied when a task carries no timeout config.
const (
	DefaultTimeoutMinutes = 5
	DefaultMaxRetries     = 2
)

// TimeoutConfig holds the per-task watchdog settings.
type TimeoutConfig struct {
	TimeoutMinutes   int              `json:"timeout_minutes" yaml:"timeout_minutes"`
	MaxRetries       *int             `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	FallbackStrategy FallbackStrategy `json:"fallback_strategy,omitempty" yaml:"fallback_strategy,omitempty"`
	NotifyOnTimeout  *bool            `json:"notify_on_timeout,omitempty" yaml:"notify_on_timeout,omitempty"`
}

// Task is a unit of work that can be dispatched to an agent.
type Task struct {
	ID                 string         `json:"id" yaml:"id"`
	Name               string         `json:"name" yaml:"name"`
	Description        string         `json:"description,omitempty" yaml:"description,omitempty"`
	Status             TaskStatus     `json:"status" yaml:"status"`
	Priority           int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	Tags               []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Source             string         `json:"source,omitempty" yaml:"source,omitempty"`
	Agent              string         `json:"agent,omitempty" yaml:"agent,omitempty"`
	RunCommands        []string       `json:"run_commands,omitempty" yaml:"run_commands,omitempty"`
	DependsOn          []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	RiskLevel          string         `json:"risk_level,omitempty" yaml:"risk_level,omitempty"`
	RollbackPlan       string         `json:"rollback_plan,omitempty" yaml:"rollback_plan,omitempty"`
	AcceptanceCriteria []string       `json:"acceptance_criteria,omitempty" yaml:"acceptance_criteria,omitempty"`
	TimeoutConfig      *TimeoutConfig `json:"timeout_config,omitempty" yaml:"timeout_config,omitempty"`
	ExecutionMode      ExecutionMode  `json:"execution_mode,omitempty" yaml:"execution_mode,omitempty"`
	ExecutionOrder     int            `json:"execution_order,omitempty" yaml:"execution_order,omitempty"`
	Progress           int            `json:"progress,omitempty" yaml:"progress,omitempty"`
	LastError          string         `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	CreatedAt          time.Time      `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt          time.Time      `json:"updated_at" yaml:"updated_at,omitempty"`
}

// EffectivePriority returns the priority with the default applied.
func (t *Task) EffectivePriority() int {
	if t.Priority <= 0 {
		return DefaultPriority
	}
	return t.Priority
}

// Timeout returns the watchdog timeout for a single run of the task.
func (t *Task) Timeout() time.Duration {
	if t.TimeoutConfig == nil || t.TimeoutConfig.TimeoutMinutes <= 0 {
		return DefaultTimeoutMinutes * time.Minute
	}
	return time.Duration(t.TimeoutConfig.TimeoutMinutes) * time.Minute
}

// MaxRetries returns how many retries a run of the task may use.
func (t *Task) MaxRetries() int {
	if t.TimeoutConfig == nil || t.TimeoutConfig.MaxRetries == nil || *t.TimeoutConfig.MaxRetries < 0 {
		return DefaultMaxRetries
	}
	return *t.TimeoutConfig.MaxRetries
}

// Fallback returns the model fallback strategy for the task.
func (t *Task) Fallback() FallbackStrategy {
	if t.TimeoutConfig == nil || t.TimeoutConfig.FallbackStrategy == "" {
		return FallbackPrimaryToNext
	}
	return t.TimeoutConfig.FallbackStrategy
}

// NotifyOnTimeout reports whether a terminal timeout should be announced.
func (t *Task) NotifyOnTimeout() bool {
	if t.TimeoutConfig == nil || t.TimeoutConfig.NotifyOnTimeout == nil {
		return true
	}
	return *t.TimeoutConfig.NotifyOnTimeout
}

// MissingMetadata lists the required fields a task lacks before it can be
// dispatched. An empty result means the task passes the gate.
func (t *Task) MissingMetadata() []string {
	var missing []string
	if strings.TrimSpace(t.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(t.Agent) == "" {
		missing = append(missing, "agent")
	}
	hasCommand := false
	for _, c := range t.RunCommands {
		if strings.TrimSpace(c) != "" {
			hasCommand = true
			break
		}
	}
	if !hasCommand {
		missing = append(missing, "run_commands")
	}
	return missing
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Tags = append([]string(nil), t.Tags...)
	c.RunCommands = append([]string(nil), t.RunCommands...)
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	if t.TimeoutConfig != nil {
		tc := *t.TimeoutConfig
		c.TimeoutConfig = &tc
	}
	return &c
}

// TaskFields carries optional fields written alongside a status change.
type TaskFields struct {
	Progress  *int
	LastError *string
}
