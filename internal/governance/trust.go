package governance

import (
	"math"
	"sort"
	"sync"
	"time"
)

// NeutralScore is reported for agents with no history.
const NeutralScore = 50

// TrustProfile is the execution record of one agent.
type TrustProfile struct {
	AgentID                 string    `json:"agent_id"`
	TotalExecutions         int       `json:"total_executions"`
	SuccessCount            int       `json:"success_count"`
	FailureCount            int       `json:"failure_count"`
	RollbackCount           int       `json:"rollback_count"`
	ConsecutiveSuccesses    int       `json:"consecutive_successes"`
	MaxConsecutiveSuccesses int       `json:"max_consecutive_successes"`
	TrustScore              int       `json:"trust_score"`
	LastExecutionAt         time.Time `json:"last_execution_at,omitempty"`
}

// score derives the 0-100 trust value from the counters.
func (p *TrustProfile) score() int {
	if p.TotalExecutions == 0 {
		return NeutralScore
	}
	successRate := float64(p.SuccessCount) / float64(p.TotalExecutions)
	rollbackRate := float64(p.RollbackCount) / float64(max(1, p.FailureCount))
	streak := math.Min(10, float64(p.ConsecutiveSuccesses*2))

	s := int(math.Round(successRate*70 + (1-rollbackRate)*20 + streak))
	return min(100, max(0, s))
}

// TrustLedger keeps per-agent reliability counters. It is observational:
// nothing in the ledger denies dispatch.
type TrustLedger struct {
	mu       sync.Mutex
	profiles map[string]*TrustProfile
	now      func() time.Time
}

// NewTrustLedger creates an empty ledger.
func NewTrustLedger() *TrustLedger {
	return &TrustLedger{
		profiles: make(map[string]*TrustProfile),
		now:      time.Now,
	}
}

func (l *TrustLedger) profileLocked(agentID string) *TrustProfile {
	p, ok := l.profiles[agentID]
	if !ok {
		p = &TrustProfile{AgentID: agentID, TrustScore: NeutralScore}
		l.profiles[agentID] = p
	}
	return p
}

// RecordSuccess counts a successful execution and returns the updated profile.
func (l *TrustLedger) RecordSuccess(agentID string) TrustProfile {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.profileLocked(agentID)
	p.TotalExecutions++
	p.SuccessCount++
	p.ConsecutiveSuccesses++
	p.MaxConsecutiveSuccesses = max(p.MaxConsecutiveSuccesses, p.ConsecutiveSuccesses)
	p.LastExecutionAt = l.now()
	p.TrustScore = p.score()
	return *p
}

// RecordFailure counts a failed execution and returns the updated profile.
func (l *TrustLedger) RecordFailure(agentID string, rolledBack bool) TrustProfile {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.profileLocked(agentID)
	p.TotalExecutions++
	p.FailureCount++
	if rolledBack {
		p.RollbackCount++
	}
	p.ConsecutiveSuccesses = 0
	p.LastExecutionAt = l.now()
	p.TrustScore = p.score()
	return *p
}

// ScoreOf returns the agent's trust score, or NeutralScore if unknown.
func (l *TrustLedger) ScoreOf(agentID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.profiles[agentID]; ok {
		return p.TrustScore
	}
	return NeutralScore
}

// Profile returns a copy of the agent's profile.
func (l *TrustLedger) Profile(agentID string) (TrustProfile, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.profiles[agentID]
	if !ok {
		return TrustProfile{}, false
	}
	return *p, true
}

// Profiles returns copies of all profiles sorted by agent id.
func (l *TrustLedger) Profiles() []TrustProfile {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]TrustProfile, 0, len(l.profiles))
	for _, p := range l.profiles {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Restore replaces the ledger contents with persisted profiles. Scores are
// recomputed from the counters.
func (l *TrustLedger) Restore(profiles []TrustProfile) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.profiles = make(map[string]*TrustProfile, len(profiles))
	for _, p := range profiles {
		cp := p
		cp.TrustScore = cp.score()
		l.profiles[cp.AgentID] = &cp
	}
}
