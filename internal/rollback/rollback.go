// Package rollback turns a task's free-text rollback plan into shell
// commands and runs them after a failed execution.
package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/swamp-dev/agentboard/internal/notify"
	"github.com/swamp-dev/agentboard/internal/shell"
	"github.com/swamp-dev/agentboard/internal/taskdb"
)

// DefaultTimeout bounds the whole rollback command chain.
const DefaultTimeout = 60 * time.Second

var commandVerb = regexp.MustCompile(`(?i)^(git|npm|yarn|pnpm|curl|mv|cp|rm|mkdir|cd|docker|kubectl) `)

// ParsePlan extracts executable commands from a rollback plan.
//
// Fenced code blocks are taken verbatim apart from # and // comment lines.
// Outside a fence, lines prefixed with $ or > are commands with the prefix
// stripped, and other lines count only if they start with a known CLI verb.
func ParsePlan(plan string) []string {
	var cmds []string
	inBlock := false

	for _, line := range strings.Split(plan, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "```") {
			inBlock = !inBlock
			continue
		}
		if inBlock {
			if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
				continue
			}
			cmds = append(cmds, line)
			continue
		}
		if strings.HasPrefix(line, "$") || strings.HasPrefix(line, ">") {
			if cmd := strings.TrimSpace(line[1:]); cmd != "" {
				cmds = append(cmds, cmd)
			}
			continue
		}
		if commandVerb.MatchString(line) {
			cmds = append(cmds, line)
		}
	}
	return cmds
}

// Result reports a rollback attempt.
type Result struct {
	Attempted bool          `json:"attempted"`
	Success   bool          `json:"success"`
	Commands  []string      `json:"commands,omitempty"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Executor runs rollback plans.
type Executor struct {
	runner   shell.Runner
	notifier notify.Notifier
	logger   *slog.Logger
	timeout  time.Duration
}

// NewExecutor creates a rollback executor.
func NewExecutor(runner shell.Runner, notifier notify.Notifier, logger *slog.Logger) *Executor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		runner:   runner,
		notifier: notifier,
		logger:   logger,
		timeout:  DefaultTimeout,
	}
}

// Attempt runs the task's rollback plan. A blank plan, or one that yields no
// commands, is not attempted.
func (e *Executor) Attempt(ctx context.Context, task *taskdb.Task, failureContext string) Result {
	if strings.TrimSpace(task.RollbackPlan) == "" {
		return Result{}
	}

	cmds := ParsePlan(task.RollbackPlan)
	if len(cmds) == 0 {
		e.logger.Warn("rollback plan has no executable commands", "task", task.ID)
		return Result{}
	}

	chain := strings.Join(cmds, " && ")
	e.logger.Info("running rollback", "task", task.ID, "commands", len(cmds), "cause", notify.Truncate(failureContext, 200))

	res := Result{Attempted: true, Commands: cmds}
	out, err := e.runner.Run(ctx, chain, e.timeout)
	if out != nil {
		res.Output = out.Combined()
		res.Duration = out.Duration
	}
	switch {
	case err != nil:
		res.Error = err.Error()
	case out == nil:
		res.Error = "no result from runner"
	case out.ExitCode != 0:
		res.Error = fmt.Sprintf("exit code %d", out.ExitCode)
	default:
		res.Success = true
	}

	if res.Success {
		e.logger.Info("rollback succeeded", "task", task.ID, "duration", res.Duration)
	} else {
		e.logger.Warn("rollback failed", "task", task.ID, "err", res.Error)
	}

	detail := res.Output
	if !res.Success {
		detail = strings.TrimSpace(res.Error + "\n" + res.Output)
	}
	e.notifier.Send(ctx, notify.RollbackResult(task.Name, res.Success, detail), notify.Options{})
	return res
}
