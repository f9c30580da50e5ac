// Package risk maps tasks to a risk tier used by the dispatch gate.
package risk

import (
	"strings"

	"github.com/swamp-dev/agentboard/internal/taskdb"
)

// Level is a risk tier. The zero value is None.
type Level int

const (
	None Level = iota
	Low
	Medium
	High
	Critical
)

var levelNames = [...]string{"none", "low", "medium", "high", "critical"}

// String returns the lower-case tier name.
func (l Level) String() string {
	if l < None || l > Critical {
		return "unknown"
	}
	return levelNames[l]
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// RequiresReview reports whether tasks of this tier are held for a human
// decision when dispatch gating is on.
func (l Level) RequiresReview() bool {
	return l >= High
}

// ParseLevel parses a tier name. Unknown names return ok == false.
func ParseLevel(s string) (Level, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range levelNames {
		if s == name {
			return Level(i), true
		}
	}
	return None, false
}

// rule is one tier of the keyword taxonomy.
type rule struct {
	level    Level
	keywords []string
}

// rules is evaluated top-down; the first matching tier wins.
var rules = []rule{
	{Critical, []string{
		"安全漏洞", "資料外洩", "權限繞過", "注入攻擊", "後門", "root 存取", "生產環境崩潰", "全站停機",
		"security breach", "security vulnerability", "data leak", "data breach", "privilege escalation",
		"auth bypass", "backdoor", "root access", "production outage", "production down",
	}},
	{High, []string{
		"xss", "csrf", "未授權", "sql injection", "critical", "嚴重", "緊急修復", "資料遺失",
		"injection", "unauthorized", "hotfix", "data loss",
	}},
	{Medium, []string{
		"效能瓶頸", "相容性", "單點故障", "memory leak", "race condition", "風險", "risk", "deprecated",
		"performance", "bottleneck", "compatibility", "single point of failure", "deadlock",
	}},
	{Low, []string{
		"code smell", "技術債", "重構", "refactor", "minor", "低優先",
		"tech debt", "technical debt", "cleanup", "low priority",
	}},
}

// Classify returns the risk tier of a task. An explicit, parseable risk
// level other than "none" wins; otherwise the task's name, description and
// source are matched against the keyword taxonomy.
func Classify(t *taskdb.Task) Level {
	if t == nil {
		return None
	}
	if lvl, ok := ParseLevel(t.RiskLevel); ok && lvl != None {
		return lvl
	}
	return ClassifyText(t.Name + "\n" + t.Description + "\n" + t.Source)
}

// ClassifyText matches free text against the keyword taxonomy.
func ClassifyText(text string) Level {
	text = strings.ToLower(text)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(text, kw) {
				return r.level
			}
		}
	}
	return None
}

// Reason returns a short explanation of why a task classified as it did.
func Reason(t *taskdb.Task) string {
	if t == nil {
		return "no task"
	}
	if lvl, ok := ParseLevel(t.RiskLevel); ok && lvl != None {
		return "explicit risk level " + lvl.String()
	}
	text := strings.ToLower(t.Name + "\n" + t.Description + "\n" + t.Source)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(text, kw) {
				return "matched " + r.level.String() + " keyword \"" + kw + "\""
			}
		}
	}
	return "no risk keywords"
}
