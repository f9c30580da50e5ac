package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/swamp-dev/agentboard/internal/config"
	"github.com/swamp-dev/agentboard/internal/container"
	"github.com/swamp-dev/agentboard/internal/shell"
	"github.com/swamp-dev/agentboard/internal/taskdb"
)

// Sandbox values.
const (
	SandboxLocal  = "local"
	SandboxDocker = "docker"
	SandboxDryRun = "dry-run"
)

// DefaultMaxOutputChars bounds the output kept in a Result.
const DefaultMaxOutputChars = 2000

// Request asks for one execution of a task.
type Request struct {
	Task      *taskdb.Task
	AgentType string
	Model     string
	Timeout   time.Duration
}

// Result is the outcome of one execution.
type Result struct {
	Success         bool   `json:"success"`
	Output          string `json:"output"`
	Error           string `json:"error,omitempty"`
	ExitCode        int    `json:"exit_code"`
	DurationMs      int64  `json:"duration_ms"`
	AgentType       string `json:"agent_type"`
	ModelUsed       string `json:"model_used,omitempty"`
	EstimatedTokens int    `json:"estimated_tokens"`
}

// ContainerRunner runs one command in a sandbox container.
type ContainerRunner interface {
	Run(ctx context.Context, cfg *container.RunConfig) (*container.Output, error)
}

// Executor runs agents either on the host through a shell.Runner or inside
// a Docker container.
type Executor struct {
	cfg        *config.Config
	shell      shell.Runner
	containers ContainerRunner
	logger     *slog.Logger
}

// NewExecutor creates an Executor. containers may be nil unless the sandbox
// is docker.
func NewExecutor(cfg *config.Config, runner shell.Runner, containers ContainerRunner, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cfg: cfg, shell: runner, containers: containers, logger: logger}
}

// Execute runs the agent named in req against its task. Errors are returned
// only when the agent could not be run at all or ctx was cancelled; a run
// that finished badly is reported through Result.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	ag, err := New(req.AgentType)
	if err != nil {
		return nil, err
	}

	prompt := BuildPrompt(req.Task)
	argv := ag.Command(prompt, req.Model)
	res := &Result{AgentType: ag.Name(), ModelUsed: req.Model}
	start := time.Now()

	e.logger.Info("executing task", "task", req.Task.ID, "agent", ag.Name(), "model", req.Model, "sandbox", e.cfg.Agent.Sandbox)

	var output string
	switch e.cfg.Agent.Sandbox {
	case SandboxDocker:
		if e.containers == nil {
			return nil, errors.New("docker sandbox requested but no container runner configured")
		}
		output, res.ExitCode, err = e.runContainer(ctx, req, argv, ag.Environment())
	default:
		output, res.ExitCode, err = e.runLocal(ctx, req, argv)
	}
	res.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("executing %s: %w", req.Task.ID, ctx.Err())
		}
		if !errors.Is(err, shell.ErrTimeout) {
			return nil, err
		}
		res.Error = err.Error()
	}

	parsed := ag.ParseOutput(output)
	res.Output = tail(output, e.maxChars())
	res.EstimatedTokens = (len(prompt) + len(output) + 3) / 4
	res.Success = res.Error == "" && res.ExitCode == 0 && parsed.Success
	if !res.Success && res.Error == "" {
		res.Error = failureMessage(res.ExitCode, output)
	}
	return res, nil
}

func (e *Executor) runLocal(ctx context.Context, req Request, argv []string) (string, int, error) {
	out, err := e.shell.Run(ctx, shellJoin(argv), req.Timeout)
	if out == nil {
		return "", -1, err
	}
	return out.Combined(), out.ExitCode, err
}

func (e *Executor) runContainer(ctx context.Context, req Request, argv, env []string) (string, int, error) {
	runCfg, err := container.NewRunConfig(e.cfg, req.Task.ID+"-"+time.Now().Format("150405"), argv, env)
	if err != nil {
		return "", -1, err
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	out, err := e.containers.Run(ctx, runCfg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return "", -1, shell.ErrTimeout
		}
		return "", -1, err
	}
	return out.Logs, int(out.ExitCode), nil
}

func (e *Executor) maxChars() int {
	if e.cfg.Agent.MaxChars <= 0 {
		return DefaultMaxOutputChars
	}
	return e.cfg.Agent.MaxChars
}

func failureMessage(exitCode int, output string) string {
	if exitCode != 0 {
		return fmt.Sprintf("agent exited with code %d", exitCode)
	}
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "Error:") || strings.Contains(line, "error:") {
			return strings.TrimSpace(line)
		}
	}
	return "agent reported failure"
}

// tail keeps the last n runes of s.
func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "..." + string(r[len(r)-n:])
}

// shellJoin quotes argv for sh -c.
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
