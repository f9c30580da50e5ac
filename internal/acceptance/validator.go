// Package acceptance checks a completed task's acceptance criteria against
// the real world: files on disk, HTTP endpoints and shell commands.
package acceptance

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/swamp-dev/agentboard/internal/notify"
	"github.com/swamp-dev/agentboard/internal/shell"
	"github.com/swamp-dev/agentboard/internal/taskdb"
)

// Per-check time budgets.
const (
	FileTimeout    = 5 * time.Second
	HTTPTimeout    = 10 * time.Second
	CommandTimeout = 30 * time.Second
)

const maxOutputChars = 500

// Kind is the category of an acceptance criterion.
type Kind string

const (
	KindFile    Kind = "file"
	KindHTTP    Kind = "http"
	KindCommand Kind = "cmd"
	KindManual  Kind = "manual"
)

// ManualNote annotates criteria that cannot be checked automatically.
const ManualNote = "requires human confirmation"

// KindOf classifies a criterion by its prefix.
func KindOf(criterion string) Kind {
	c := strings.TrimSpace(criterion)
	lower := strings.ToLower(c)
	switch {
	case strings.HasPrefix(lower, "file:"):
		return KindFile
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return KindHTTP
	case strings.HasPrefix(lower, "cmd:"):
		return KindCommand
	default:
		return KindManual
	}
}

// CheckResult is the outcome of one criterion.
type CheckResult struct {
	Criterion string `json:"criterion"`
	Kind      Kind   `json:"kind"`
	Passed    bool   `json:"passed"`
	Detail    string `json:"detail,omitempty"`
}

// Result is the outcome of validating a task.
type Result struct {
	Validated bool          `json:"validated"`
	Passed    bool          `json:"passed"`
	Results   []CheckResult `json:"results,omitempty"`
}

// Unmet returns the criteria that failed.
func (r Result) Unmet() []string {
	var out []string
	for _, c := range r.Results {
		if !c.Passed {
			out = append(out, c.Criterion)
		}
	}
	return out
}

// Validator runs acceptance checks.
type Validator struct {
	fs       afero.Fs
	baseDir  string
	client   *http.Client
	runner   shell.Runner
	notifier notify.Notifier
	logger   *slog.Logger
}

// Options configures a Validator. Zero values use the OS filesystem, a
// default HTTP client and no notifications.
type Options struct {
	Fs       afero.Fs
	BaseDir  string
	Client   *http.Client
	Runner   shell.Runner
	Notifier notify.Notifier
	Logger   *slog.Logger
}

// NewValidator creates a Validator.
func NewValidator(opts Options) *Validator {
	v := &Validator{
		fs:       opts.Fs,
		baseDir:  opts.BaseDir,
		client:   opts.Client,
		runner:   opts.Runner,
		notifier: opts.Notifier,
		logger:   opts.Logger,
	}
	if v.fs == nil {
		v.fs = afero.NewOsFs()
	}
	if v.client == nil {
		v.client = &http.Client{}
	}
	if v.runner == nil {
		v.runner = shell.NewExecRunner(v.baseDir, v.logger)
	}
	if v.notifier == nil {
		v.notifier = notify.Nop{}
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	return v
}

// Validate checks every acceptance criterion of task. A task with no
// criteria is not validated and counts as passed. A failed check is only
// reported; the caller decides what to do with it.
func (v *Validator) Validate(ctx context.Context, task *taskdb.Task, executionOutput string) Result {
	var criteria []string
	for _, c := range task.AcceptanceCriteria {
		if strings.TrimSpace(c) != "" {
			criteria = append(criteria, strings.TrimSpace(c))
		}
	}
	if len(criteria) == 0 {
		return Result{Validated: false, Passed: true}
	}

	res := Result{Validated: true, Passed: true}
	for _, c := range criteria {
		cr := v.check(ctx, c)
		if !cr.Passed {
			res.Passed = false
		}
		res.Results = append(res.Results, cr)
	}

	if !res.Passed {
		unmet := res.Unmet()
		v.logger.Warn("acceptance check failed", "task", task.ID, "unmet", len(unmet), "output_len", len(executionOutput))
		v.notifier.Send(ctx, notify.AcceptanceFailed(task.Name, unmet), notify.Options{})
	}
	return res
}

func (v *Validator) check(ctx context.Context, criterion string) CheckResult {
	kind := KindOf(criterion)
	cr := CheckResult{Criterion: criterion, Kind: kind}

	switch kind {
	case KindFile:
		cr.Passed, cr.Detail = v.checkFile(ctx, strings.TrimSpace(criterion[len("file:"):]))
	case KindHTTP:
		cr.Passed, cr.Detail = v.checkHTTP(ctx, criterion)
	case KindCommand:
		cr.Passed, cr.Detail = v.checkCommand(ctx, strings.TrimSpace(criterion[len("cmd:"):]))
	default:
		cr.Passed, cr.Detail = true, ManualNote
	}
	return cr
}

func (v *Validator) checkFile(ctx context.Context, path string) (bool, string) {
	if path == "" {
		return false, "empty path"
	}
	if !filepath.IsAbs(path) && v.baseDir != "" {
		path = filepath.Join(v.baseDir, path)
	}

	ctx, cancel := context.WithTimeout(ctx, FileTimeout)
	defer cancel()

	type statResult struct {
		dir bool
		err error
	}
	ch := make(chan statResult, 1)
	go func() {
		info, err := v.fs.Stat(path)
		if err != nil {
			ch <- statResult{err: err}
			return
		}
		ch <- statResult{dir: info.IsDir()}
	}()

	select {
	case <-ctx.Done():
		return false, "file check timed out"
	case r := <-ch:
		if r.err != nil {
			return false, fmt.Sprintf("not found: %s", path)
		}
		if r.dir {
			return true, "directory exists"
		}
		return true, "file exists"
	}
}

func (v *Validator) checkHTTP(ctx context.Context, url string) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Sprintf("invalid request: %v", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return true, fmt.Sprintf("HTTP %d", resp.StatusCode)
}

func (v *Validator) checkCommand(ctx context.Context, command string) (bool, string) {
	if command == "" {
		return false, "empty command"
	}
	out, err := v.runner.Run(ctx, command, CommandTimeout)
	if err != nil {
		return false, err.Error()
	}
	detail := notify.Truncate(strings.TrimSpace(out.Combined()), maxOutputChars)
	if out.ExitCode != 0 {
		return false, strings.TrimSpace(fmt.Sprintf("exit code %d: %s", out.ExitCode, detail))
	}
	return true, detail
}
