// Package governance holds the process-wide dispatch guards: the circuit
// breaker that halts dispatch after repeated failures and the trust ledger
// that tracks per-agent reliability.
package governance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/swamp-dev/agentboard/internal/notify"
)

// Breaker defaults.
const (
	DefaultFailureThreshold  = 3
	DefaultCooldown          = 5 * time.Minute
	DefaultHalfOpenAllowance = 1
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Decision is the result of CircuitBreaker.Check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// Trial is set when the check consumed a half-open trial.
	Trial bool `json:"trial,omitempty"`
}

// Snapshot is a point-in-time copy of the breaker, suitable for persistence.
type Snapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownEndsAt      time.Time `json:"cooldown_ends_at,omitempty"`
	HalfOpenPassed      int       `json:"half_open_passed"`
	TotalTrips          int       `json:"total_trips"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	FailureThreshold    int       `json:"failure_threshold"`
	Cooldown            string    `json:"cooldown"`
	HalfOpenAllowance   int       `json:"half_open_allowance"`
}

// CircuitBreaker is a global closed/open/half-open dispatch gate.
//
//   - Closed: every check is allowed.
//   - Open: checks are denied until the cooldown elapses; the first read
//     after that moves the breaker to half-open.
//   - Half-open: a bounded number of trial checks are allowed, then checks
//     are denied until an outcome is recorded.
//
// A single success closes the breaker from any state.
type CircuitBreaker struct {
	mu                sync.Mutex
	threshold         int
	cooldown          time.Duration
	halfOpenAllowance int

	state               State
	consecutiveFailures int
	cooldownEndsAt      time.Time
	halfOpenPassed      int
	totalTrips          int
	lastFailureAt       time.Time
	openedAt            time.Time

	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewCircuitBreaker creates a closed breaker. Non-positive values use the
// package defaults.
func NewCircuitBreaker(threshold int, cooldown time.Duration, halfOpenAllowance int) *CircuitBreaker {
	cb := &CircuitBreaker{
		threshold:         DefaultFailureThreshold,
		cooldown:          DefaultCooldown,
		halfOpenAllowance: DefaultHalfOpenAllowance,
		state:             StateClosed,
		notifier:          notify.Nop{},
		logger:            slog.Default(),
		now:               time.Now,
	}
	cb.Configure(threshold, cooldown, halfOpenAllowance)
	return cb
}

// SetNotifier routes trip and heal notifications. n should be asynchronous;
// it is called while no lock is held but on the caller's goroutine.
func (cb *CircuitBreaker) SetNotifier(n notify.Notifier) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if n == nil {
		n = notify.Nop{}
	}
	cb.notifier = n
}

// SetLogger sets the logger used for state transitions.
func (cb *CircuitBreaker) SetLogger(l *slog.Logger) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if l != nil {
		cb.logger = l
	}
}

// Configure updates the tuning. Non-positive values keep the current setting.
func (cb *CircuitBreaker) Configure(threshold int, cooldown time.Duration, halfOpenAllowance int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if threshold > 0 {
		cb.threshold = threshold
	}
	if cooldown > 0 {
		cb.cooldown = cooldown
	}
	if halfOpenAllowance > 0 {
		cb.halfOpenAllowance = halfOpenAllowance
	}
}

// refreshLocked applies the time-based open → half-open transition.
func (cb *CircuitBreaker) refreshLocked() {
	if cb.state == StateOpen && !cb.now().Before(cb.cooldownEndsAt) {
		cb.state = StateHalfOpen
		cb.halfOpenPassed = 0
		cb.logger.Info("circuit breaker half-open", "consecutive_failures", cb.consecutiveFailures)
	}
}

// Check reports whether a dispatch may proceed. In half-open state each
// allowed check consumes one trial.
func (cb *CircuitBreaker) Check() Decision {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refreshLocked()

	switch cb.state {
	case StateOpen:
		remaining := cb.cooldownEndsAt.Sub(cb.now()).Round(time.Second)
		return Decision{
			Reason: fmt.Sprintf("circuit open after %d consecutive failures, cooldown %s remaining", cb.consecutiveFailures, remaining),
		}
	case StateHalfOpen:
		if cb.halfOpenPassed < cb.halfOpenAllowance {
			cb.halfOpenPassed++
			return Decision{Allowed: true, Trial: true}
		}
		return Decision{
			Reason: fmt.Sprintf("circuit half-open, %d trial(s) in flight awaiting outcome", cb.halfOpenPassed),
		}
	default:
		return Decision{Allowed: true}
	}
}

// ReleaseTrial returns a half-open trial whose execution never started, so
// the next check may use it. It does nothing outside half-open state.
func (cb *CircuitBreaker) ReleaseTrial() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenPassed > 0 {
		cb.halfOpenPassed--
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	prev := cb.state
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.cooldownEndsAt = time.Time{}
	cb.halfOpenPassed = 0
	cb.openedAt = time.Time{}
	n, logger := cb.notifier, cb.logger
	cb.mu.Unlock()

	if prev != StateClosed {
		logger.Info("circuit breaker closed", "from", prev)
		n.Send(context.Background(), notify.BreakerHealed(string(prev)), notify.Options{Silent: true})
	}
}

// RecordFailure counts a failure. It returns true if this failure tripped
// the breaker open.
func (cb *CircuitBreaker) RecordFailure() bool {
	cb.mu.Lock()
	cb.refreshLocked()

	cb.consecutiveFailures++
	cb.lastFailureAt = cb.now()

	if cb.consecutiveFailures < cb.threshold || cb.state == StateOpen {
		cb.mu.Unlock()
		return false
	}

	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.cooldownEndsAt = cb.openedAt.Add(cb.cooldown)
	cb.halfOpenPassed = 0
	cb.totalTrips++
	failures, cooldown, trips := cb.consecutiveFailures, cb.cooldown, cb.totalTrips
	n, logger := cb.notifier, cb.logger
	cb.mu.Unlock()

	logger.Warn("circuit breaker open", "consecutive_failures", failures, "cooldown", cooldown, "total_trips", trips)
	n.Send(context.Background(), notify.BreakerOpened(failures, cooldown, trips), notify.Options{})
	return true
}

// State returns the current position, applying any elapsed cooldown.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked()
	return cb.state
}

// Snapshot returns a copy of the breaker for reporting and persistence.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked()
	return Snapshot{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		CooldownEndsAt:      cb.cooldownEndsAt,
		HalfOpenPassed:      cb.halfOpenPassed,
		TotalTrips:          cb.totalTrips,
		LastFailureAt:       cb.lastFailureAt,
		OpenedAt:            cb.openedAt,
		FailureThreshold:    cb.threshold,
		Cooldown:            cb.cooldown.String(),
		HalfOpenAllowance:   cb.halfOpenAllowance,
	}
}

// Restore loads persisted counters. Tuning is left as configured.
func (cb *CircuitBreaker) Restore(s Snapshot) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch s.State {
	case StateOpen, StateHalfOpen:
		cb.state = s.State
	default:
		cb.state = StateClosed
	}
	cb.consecutiveFailures = s.ConsecutiveFailures
	cb.cooldownEndsAt = s.CooldownEndsAt
	cb.halfOpenPassed = s.HalfOpenPassed
	cb.totalTrips = s.TotalTrips
	cb.lastFailureAt = s.LastFailureAt
	cb.openedAt = s.OpenedAt
}

// Reset closes the breaker by operator action. The trip count is kept.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.cooldownEndsAt = time.Time{}
	cb.halfOpenPassed = 0
	cb.openedAt = time.Time{}
	cb.logger.Info("circuit breaker reset")
}
