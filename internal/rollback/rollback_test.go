package rollback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/swamp-dev/agentboard/internal/notify"
	"github.com/swamp-dev/agentboard/internal/shell"
	"github.com/swamp-dev/agentboard/internal/taskdb"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name string
		plan string
		want []string
	}{
		{
			name: "fenced block",
			plan: "```bash\nrm -rf tmp/\n```",
			want: []string{"rm -rf tmp/"},
		},
		{
			name: "prose only",
			plan: "please fix it",
			want: nil,
		},
		{
			name: "comments inside fence are skipped",
			plan: "```\n# restore build\n// and logs\nmake restore\n```",
			want: []string{"make restore"},
		},
		{
			name: "prompt prefixes stripped",
			plan: "$ git checkout main\n> npm ci\n$",
			want: []string{"git checkout main", "npm ci"},
		},
		{
			name: "known verbs outside fence",
			plan: "First revert the commit:\ngit revert HEAD --no-edit\nCleanup containers:\ndocker compose down\nthen tell the team",
			want: []string{"git revert HEAD --no-edit", "docker compose down"},
		},
		{
			name: "verb match is case-insensitive and needs a space",
			plan: "GIT reset --hard\ngitk\nrmdir build",
			want: []string{"GIT reset --hard"},
		},
		{
			name: "indented lines are trimmed",
			plan: "   kubectl rollout undo deploy/api   \n\n\n",
			want: []string{"kubectl rollout undo deploy/api"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParsePlan(tt.plan)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParsePlan() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	timeouts []time.Duration
	result   *shell.Result
	err      error
}

func (f *fakeRunner) Run(_ context.Context, command string, timeout time.Duration) (*shell.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	f.timeouts = append(f.timeouts, timeout)
	if f.result == nil {
		return &shell.Result{}, f.err
	}
	return f.result, f.err
}

type captureNotifier struct {
	texts []string
}

func (c *captureNotifier) Send(_ context.Context, text string, _ notify.Options) error {
	c.texts = append(c.texts, text)
	return nil
}

func TestAttempt_NotAttempted(t *testing.T) {
	for _, plan := range []string{"", "   ", "please fix it"} {
		runner := &fakeRunner{}
		n := &captureNotifier{}
		e := NewExecutor(runner, n, testLogger())

		res := e.Attempt(context.Background(), &taskdb.Task{ID: "t", RollbackPlan: plan}, "boom")
		if res.Attempted {
			t.Errorf("plan %q should not be attempted", plan)
		}
		if len(runner.commands) != 0 || len(n.texts) != 0 {
			t.Errorf("plan %q should not run or notify", plan)
		}
	}
}

func TestAttempt_JoinsCommands(t *testing.T) {
	runner := &fakeRunner{result: &shell.Result{Stdout: "done"}}
	n := &captureNotifier{}
	e := NewExecutor(runner, n, testLogger())

	task := &taskdb.Task{ID: "t", Name: "deploy", RollbackPlan: "$ git stash\n$ rm -rf dist"}
	res := e.Attempt(context.Background(), task, "agent crashed")

	if !res.Attempted || !res.Success {
		t.Fatalf("expected successful attempt, got %+v", res)
	}
	if runner.commands[0] != "git stash && rm -rf dist" {
		t.Errorf("unexpected command chain %q", runner.commands[0])
	}
	if runner.timeouts[0] != DefaultTimeout {
		t.Errorf("expected %s timeout, got %s", DefaultTimeout, runner.timeouts[0])
	}
	if len(n.texts) != 1 || !strings.Contains(n.texts[0], "Rollback succeeded") {
		t.Errorf("expected success notification, got %v", n.texts)
	}
}

func TestAttempt_Failure(t *testing.T) {
	tests := []struct {
		name   string
		runner *fakeRunner
		errSub string
	}{
		{"non-zero exit", &fakeRunner{result: &shell.Result{ExitCode: 1, Stderr: "no such file"}}, "exit code 1"},
		{"timeout", &fakeRunner{result: &shell.Result{ExitCode: -1}, err: shell.ErrTimeout}, "timed out"},
		{"start error", &fakeRunner{err: errors.New("sh not found")}, "sh not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &captureNotifier{}
			e := NewExecutor(tt.runner, n, testLogger())

			res := e.Attempt(context.Background(), &taskdb.Task{ID: "t", Name: "x", RollbackPlan: "rm -rf tmp/"}, "")
			if !res.Attempted || res.Success {
				t.Fatalf("expected failed attempt, got %+v", res)
			}
			if !strings.Contains(res.Error, tt.errSub) {
				t.Errorf("expected error containing %q, got %q", tt.errSub, res.Error)
			}
			if len(n.texts) != 1 || !strings.Contains(n.texts[0], "Rollback failed") {
				t.Errorf("expected failure notification, got %v", n.texts)
			}
		})
	}
}

func TestAttempt_RealShell(t *testing.T) {
	dir := t.TempDir()
	e := NewExecutor(shell.NewExecRunner(dir, testLogger()), nil, testLogger())

	task := &taskdb.Task{ID: "t", RollbackPlan: "```sh\nmkdir -p tmp/cache\nrm -rf tmp/\n```"}
	res := e.Attempt(context.Background(), task, "")
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
}
