package agent

import (
	"slices"
	"strings"

	"github.com/swamp-dev/agentboard/internal/risk"
	"github.com/swamp-dev/agentboard/internal/taskdb"
)

var (
	frontendTags = []string{"frontend", "ui", "react", "vue", "css", "html"}
	opsTags      = []string{"script", "automation", "system", "devops", "deploy"}
)

// Selector resolves which agent runs a task and which models it may use.
type Selector struct {
	// Default is used when no rule matches an auto task.
	Default string
}

// Select returns the agent for a task. An explicit agent wins; "auto" (or
// empty) is resolved by risk and tags.
func (s Selector) Select(task *taskdb.Task) string {
	name := strings.ToLower(strings.TrimSpace(task.Agent))
	if name != "" && name != Auto {
		return name
	}

	if risk.Classify(task) >= risk.High {
		return "claude"
	}
	if hasTag(task, frontendTags) {
		return "aider"
	}
	if hasTag(task, opsTags) {
		return "amp"
	}
	if s.Default != "" {
		return s.Default
	}
	return "claude"
}

// ModelChain returns the model chain of the agent selected for task.
func (s Selector) ModelChain(task *taskdb.Task) []string {
	ag, err := New(s.Select(task))
	if err != nil {
		return nil
	}
	return ag.Models()
}

func hasTag(task *taskdb.Task, set []string) bool {
	for _, t := range task.Tags {
		if slices.Contains(set, strings.ToLower(t)) {
			return true
		}
	}
	return false
}
