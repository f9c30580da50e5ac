// Package shell runs commands through the system shell with a hard timeout.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// ErrTimeout is returned when a command is killed for exceeding its timeout.
var ErrTimeout = errors.New("command timed out")

// Result is the captured outcome of a command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Combined returns stdout followed by stderr.
func (r *Result) Combined() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// Runner executes a shell command line.
type Runner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (*Result, error)
}

// ExecRunner runs commands with sh -c.
type ExecRunner struct {
	Dir    string
	Env    []string
	Logger *slog.Logger
}

// NewExecRunner creates a runner rooted at dir.
func NewExecRunner(dir string, logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{Dir: dir, Logger: logger}
}

// Run executes command and waits for it to exit or for timeout to elapse.
// A non-zero exit is reported in Result.ExitCode with a nil error; errors are
// reserved for commands that could not be started or were killed.
func (r *ExecRunner) Run(ctx context.Context, command string, timeout time.Duration) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if r.Logger != nil {
		r.Logger.Debug("shell", "command", command, "dir", r.Dir, "timeout", timeout)
	}

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		res.ExitCode = -1
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, fmt.Errorf("%w after %s", ErrTimeout, res.Duration.Round(time.Millisecond))
		}
		return res, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("running %q: %w", command, err)
	}
	return res, nil
}
