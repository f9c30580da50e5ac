package taskdb

import "time"

// RunStatus represents the state of one execution attempt.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunTimeout   RunStatus = "timeout"
	RunRetrying  RunStatus = "retrying"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunCancelled, RunTimeout:
		return true
	}
	return false
}

// Error codes recorded on failed runs.
const (
	ErrCodeExecutionFailed = "EXECUTION_FAILED"
	ErrCodeTimeout         = "TIMEOUT"
)

// RunError describes why a run failed.
type RunError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// FallbackRecord captures one model switch made during a run.
type FallbackRecord struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Run is one execution attempt of a task.
type Run struct {
	ID              string           `json:"id"`
	TaskID          string           `json:"task_id"`
	TaskName        string           `json:"task_name"`
	Status          RunStatus        `json:"status"`
	AgentType       string           `json:"agent_type"`
	ModelUsed       string           `json:"model_used,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	EndedAt         *time.Time       `json:"ended_at,omitempty"`
	DurationMs      int64            `json:"duration_ms,omitempty"`
	TimeoutAt       *time.Time       `json:"timeout_at,omitempty"`
	RetryCount      int              `json:"retry_count"`
	MaxRetries      int              `json:"max_retries"`
	FallbackHistory []FallbackRecord `json:"fallback_history,omitempty"`
	Error           *RunError        `json:"error,omitempty"`
	OutputSummary   string           `json:"output_summary,omitempty"`
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	c := *r
	c.FallbackHistory = append([]FallbackRecord(nil), r.FallbackHistory...)
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	if r.TimeoutAt != nil {
		t := *r.TimeoutAt
		c.TimeoutAt = &t
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return &c
}

// RunPatch is a sparse update to a run. Nil fields are left unchanged.
type RunPatch struct {
	Status         *RunStatus
	ModelUsed      *string
	EndedAt        *time.Time
	DurationMs     *int64
	TimeoutAt      *time.Time
	RetryCount     *int
	Error          *RunError
	OutputSummary  *string
	AppendFallback *FallbackRecord
}

// Apply writes the non-nil fields of p onto r.
func (p RunPatch) Apply(r *Run) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.ModelUsed != nil {
		r.ModelUsed = *p.ModelUsed
	}
	if p.EndedAt != nil {
		t := *p.EndedAt
		r.EndedAt = &t
	}
	if p.DurationMs != nil {
		r.DurationMs = *p.DurationMs
	}
	if p.TimeoutAt != nil {
		t := *p.TimeoutAt
		r.TimeoutAt = &t
	}
	if p.RetryCount != nil {
		r.RetryCount = *p.RetryCount
	}
	if p.Error != nil {
		e := *p.Error
		r.Error = &e
	}
	if p.OutputSummary != nil {
		r.OutputSummary = *p.OutputSummary
	}
	if p.AppendFallback != nil {
		r.FallbackHistory = append(r.FallbackHistory, *p.AppendFallback)
	}
}

// StatusPatch is shorthand for a patch that only changes the status.
func StatusPatch(s RunStatus) RunPatch {
	return RunPatch{Status: &s}
}
