package acceptance

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/swamp-dev/agentboard/internal/notify"
	"github.com/swamp-dev/agentboard/internal/shell"
	"github.com/swamp-dev/agentboard/internal/taskdb"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRunner struct {
	results map[string]*shell.Result
}

func (f *fakeRunner) Run(_ context.Context, command string, _ time.Duration) (*shell.Result, error) {
	if r, ok := f.results[command]; ok {
		return r, nil
	}
	return &shell.Result{ExitCode: 127, Stderr: "command not found"}, nil
}

type captureNotifier struct {
	texts []string
}

func (c *captureNotifier) Send(_ context.Context, text string, _ notify.Options) error {
	c.texts = append(c.texts, text)
	return nil
}

func TestKindOf(t *testing.T) {
	tests := map[string]Kind{
		"file:dist/app.js":         KindFile,
		"  FILE: build":            KindFile,
		"https://example.com/ok":   KindHTTP,
		"http://localhost:8080":    KindHTTP,
		"cmd:go test ./...":        KindCommand,
		"UI looks right on mobile": KindManual,
		"":                         KindManual,
	}
	for in, want := range tests {
		if got := KindOf(in); got != want {
			t.Errorf("KindOf(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestValidate_NoCriteria(t *testing.T) {
	v := NewValidator(Options{Fs: afero.NewMemMapFs(), Logger: testLogger()})

	res := v.Validate(context.Background(), &taskdb.Task{ID: "t", AcceptanceCriteria: []string{" "}}, "")
	if res.Validated || !res.Passed {
		t.Errorf("expected validated=false passed=true, got %+v", res)
	}
}

func TestValidate_AllKinds(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/work/dist/app.js", []byte("ok"), 0644)
	fs.MkdirAll("/work/reports", 0755)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	runner := &fakeRunner{results: map[string]*shell.Result{
		"make test": {ExitCode: 0, Stdout: strings.Repeat("x", 600)},
		"make lint": {ExitCode: 2, Stderr: "lint errors"},
	}}
	n := &captureNotifier{}
	v := NewValidator(Options{
		Fs:       fs,
		BaseDir:  "/work",
		Client:   srv.Client(),
		Runner:   runner,
		Notifier: n,
		Logger:   testLogger(),
	})

	task := &taskdb.Task{
		ID:   "t-1",
		Name: "ship it",
		AcceptanceCriteria: []string{
			"file:dist/app.js",
			"file:reports",
			"file:/work/missing.txt",
			srv.URL + "/health",
			srv.URL + "/missing",
			"cmd:make test",
			"cmd:make lint",
			"stakeholder sign-off",
		},
	}

	res := v.Validate(context.Background(), task, "agent output")
	if !res.Validated || res.Passed {
		t.Fatalf("expected validated and failed, got %+v", res)
	}

	want := []bool{true, true, false, true, false, true, false, true}
	if len(res.Results) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(res.Results))
	}
	for i, w := range want {
		if res.Results[i].Passed != w {
			t.Errorf("criterion %q: passed=%v, want %v (%s)", res.Results[i].Criterion, res.Results[i].Passed, w, res.Results[i].Detail)
		}
	}

	if res.Results[7].Detail != ManualNote {
		t.Errorf("expected manual note, got %q", res.Results[7].Detail)
	}
	if got := len([]rune(res.Results[5].Detail)); got > maxOutputChars {
		t.Errorf("command output not truncated: %d chars", got)
	}

	if len(n.texts) != 1 {
		t.Fatalf("expected one consolidated notification, got %d", len(n.texts))
	}
	if !strings.Contains(n.texts[0], "missing.txt") || !strings.Contains(n.texts[0], "make lint") {
		t.Errorf("notification should list unmet criteria: %s", n.texts[0])
	}
	if len(res.Unmet()) != 3 {
		t.Errorf("expected 3 unmet, got %v", res.Unmet())
	}
}

func TestValidate_AllPassNoNotification(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "out.txt", []byte("ok"), 0644)
	n := &captureNotifier{}
	v := NewValidator(Options{Fs: fs, Notifier: n, Runner: &fakeRunner{}, Logger: testLogger()})

	res := v.Validate(context.Background(), &taskdb.Task{AcceptanceCriteria: []string{"file:out.txt", "looks good"}}, "")
	if !res.Passed {
		t.Errorf("expected pass, got %+v", res)
	}
	if len(n.texts) != 0 {
		t.Errorf("expected no notification, got %v", n.texts)
	}
}
