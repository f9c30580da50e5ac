package antistuck

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/swamp-dev/agentboard/internal/notify"
	"github.com/swamp-dev/agentboard/internal/taskdb"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type captureNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureNotifier) Send(_ context.Context, text string, _ notify.Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return nil
}

func (c *captureNotifier) count(sub string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.texts {
		if strings.Contains(t, sub) {
			n++
		}
	}
	return n
}

type staticChain []string

func (c staticChain) ModelChain(*taskdb.Task) []string { return c }

type fixture struct {
	sup      *Supervisor
	db       *taskdb.DB
	notifier *captureNotifier
}

func newFixture(t *testing.T, timeout time.Duration, chain staticChain) *fixture {
	t.Helper()
	db := taskdb.New()
	n := &captureNotifier{}
	sup := New(Options{
		Runs:     db,
		Models:   chain,
		Notifier: n,
		Logger:   testLogger(),
		Timeout:  func(*taskdb.Task) time.Duration { return timeout },
	})
	return &fixture{sup: sup, db: db, notifier: n}
}

func (f *fixture) insertRun(t *testing.T, id string) *taskdb.Run {
	t.Helper()
	run, err := f.db.InsertRun(context.Background(), &taskdb.Run{ID: id, TaskID: "t-1", Status: taskdb.RunRunning, StartedAt: time.Now()})
	if err != nil {
		t.Fatalf("InsertRun: %v", err)
	}
	return run
}

func retries(n int) *taskdb.TimeoutConfig {
	return &taskdb.TimeoutConfig{MaxRetries: &n}
}

func TestMonitorCleanup(t *testing.T) {
	f := newFixture(t, time.Hour, nil)
	task := &taskdb.Task{ID: "t-1", Name: "cleanup"}

	for _, id := range []string{"r-1", "r-2", "r-3"} {
		m := f.sup.StartMonitoring(context.Background(), f.insertRun(t, id), task, nil)
		if m.TimeoutAt.IsZero() {
			t.Fatal("expected deadline to be set")
		}
	}
	if got := f.sup.ActiveMonitors(); got != 3 {
		t.Fatalf("expected 3 monitors, got %d", got)
	}

	f.sup.StopMonitoring("r-1")
	f.sup.StopMonitoring("r-1")
	f.sup.StopMonitoring("unknown")
	if got := f.sup.ActiveMonitors(); got != 2 {
		t.Errorf("expected 2 monitors after stop, got %d", got)
	}

	f.sup.Cleanup()
	if got := f.sup.ActiveMonitors(); got != 0 {
		t.Errorf("expected no monitors after cleanup, got %d", got)
	}

	r, _ := f.db.GetRun("r-2")
	if r.TimeoutAt == nil {
		t.Error("expected deadline recorded on run")
	}
}

func TestCleanupBlocksRearming(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond, nil)
	run := f.insertRun(t, "r-1")
	task := &taskdb.Task{ID: "t-1", Name: "released"}

	f.sup.StartMonitoring(context.Background(), run, task, nil)
	f.sup.Cleanup()

	var aborted atomic.Bool
	m := f.sup.StartMonitoring(context.Background(), run, task, func() { aborted.Store(true) })
	if got := f.sup.ActiveMonitors(); got != 0 {
		t.Fatalf("expected released run to stay unmonitored, got %d monitors", got)
	}
	m.Wait()
	time.Sleep(100 * time.Millisecond)
	if m.TimedOut() || aborted.Load() {
		t.Error("released run must not time out")
	}

	f.sup.Forget("r-1")
	f.sup.StartMonitoring(context.Background(), run, task, nil)
	if got := f.sup.ActiveMonitors(); got != 1 {
		t.Errorf("expected a forgotten run to be armed again, got %d monitors", got)
	}
	f.sup.StopMonitoring("r-1")
}

func TestStopMonitoringSettles(t *testing.T) {
	f := newFixture(t, time.Hour, nil)
	m := f.sup.StartMonitoring(context.Background(), f.insertRun(t, "r-1"), &taskdb.Task{ID: "t-1"}, nil)

	f.sup.StopMonitoring("r-1")

	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait should return after StopMonitoring")
	}
	if m.TimedOut() {
		t.Error("stopped monitor must not report a timeout")
	}
}

func TestRestartReplacesMonitor(t *testing.T) {
	f := newFixture(t, time.Hour, nil)
	run := f.insertRun(t, "r-1")
	task := &taskdb.Task{ID: "t-1"}

	first := f.sup.StartMonitoring(context.Background(), run, task, nil)
	f.sup.StartMonitoring(context.Background(), run, task, nil)

	if got := f.sup.ActiveMonitors(); got != 1 {
		t.Errorf("expected 1 monitor, got %d", got)
	}
	first.Wait()
	f.sup.StopMonitoring("r-1")
}

func TestTimeoutWithRetriesLeft(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, nil)
	run := f.insertRun(t, "r-1")
	var aborted atomic.Bool

	m := f.sup.StartMonitoring(context.Background(), run, &taskdb.Task{ID: "t-1", Name: "slow"}, func() { aborted.Store(true) })
	m.Wait()

	if !m.TimedOut() || !m.Retrying() {
		t.Fatalf("expected timed out and retrying, got timedOut=%v retrying=%v", m.TimedOut(), m.Retrying())
	}
	if !aborted.Load() {
		t.Error("expected execution to be aborted")
	}
	if f.sup.ActiveMonitors() != 0 {
		t.Error("timed out monitor should be removed")
	}

	r, _ := f.db.GetRun("r-1")
	if r.Status != taskdb.RunRetrying || r.RetryCount != 1 {
		t.Errorf("expected retrying with 1 retry, got %s/%d", r.Status, r.RetryCount)
	}
	if f.notifier.count("Retrying task") != 1 {
		t.Error("expected retry notification")
	}
}

func TestTimeoutExhausted(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, nil)
	run := f.insertRun(t, "r-1")
	task := &taskdb.Task{ID: "t-1", Name: "slow", TimeoutConfig: retries(0)}

	m := f.sup.StartMonitoring(context.Background(), run, task, nil)
	m.Wait()

	if !m.TimedOut() || m.Retrying() {
		t.Fatalf("expected terminal timeout, got timedOut=%v retrying=%v", m.TimedOut(), m.Retrying())
	}
	r, _ := f.db.GetRun("r-1")
	if r.Status != taskdb.RunTimeout {
		t.Errorf("expected run timeout, got %s", r.Status)
	}
	if r.Error == nil || r.Error.Code != taskdb.ErrCodeTimeout {
		t.Errorf("expected timeout error, got %+v", r.Error)
	}
	if f.notifier.count("timed out") != 1 {
		t.Error("expected timeout notification")
	}
}

func TestTimeoutNotificationDisabled(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond, nil)
	off := false
	zero := 0
	task := &taskdb.Task{ID: "t-1", TimeoutConfig: &taskdb.TimeoutConfig{MaxRetries: &zero, NotifyOnTimeout: &off}}

	m := f.sup.StartMonitoring(context.Background(), f.insertRun(t, "r-1"), task, nil)
	m.Wait()

	if f.notifier.count("timed out") != 0 {
		t.Error("timeout notification should be suppressed")
	}
}

func TestRetryAndEscalate(t *testing.T) {
	f := newFixture(t, time.Hour, staticChain{"primary", "backup-1", "backup-2"})
	f.insertRun(t, "r-1")
	task := &taskdb.Task{ID: "t-1", Name: "flaky", TimeoutConfig: retries(2)}
	ctx := context.Background()

	if got := f.sup.ActiveModel("r-1", task); got != "primary" {
		t.Fatalf("expected primary model, got %s", got)
	}

	if !f.sup.AttemptRetry(ctx, "r-1", task, ReasonFailure) {
		t.Fatal("first retry should be granted")
	}
	r, _ := f.db.GetRun("r-1")
	if r.Status != taskdb.RunRetrying || len(r.FallbackHistory) != 0 {
		t.Fatalf("after first retry: status=%s fallbacks=%d", r.Status, len(r.FallbackHistory))
	}

	if !f.sup.AttemptRetry(ctx, "r-1", task, ReasonFailure) {
		t.Fatal("second retry should be granted")
	}
	r, _ = f.db.GetRun("r-1")
	if len(r.FallbackHistory) != 1 {
		t.Fatalf("expected one fallback entry, got %d", len(r.FallbackHistory))
	}
	fb := r.FallbackHistory[0]
	if fb.From != "primary" || fb.To != "backup-1" || fb.Reason != "maximum retries reached" {
		t.Errorf("unexpected fallback record %+v", fb)
	}
	if r.ModelUsed != "backup-1" || f.sup.ActiveModel("r-1", task) != "backup-1" {
		t.Errorf("expected backup-1 active, got run=%s sup=%s", r.ModelUsed, f.sup.ActiveModel("r-1", task))
	}

	if f.sup.AttemptRetry(ctx, "r-1", task, ReasonFailure) {
		t.Fatal("third failure should exhaust retries")
	}
	if f.sup.RetryCount("r-1") != 2 {
		t.Errorf("expected 2 retries recorded, got %d", f.sup.RetryCount("r-1"))
	}
	if f.notifier.count("Retrying task") != 2 || f.notifier.count("Model fallback") != 1 {
		t.Errorf("unexpected notifications: %v", f.notifier.texts)
	}

	f.sup.Forget("r-1")
	if f.sup.RetryCount("r-1") != 0 || f.sup.ActiveModel("r-1", task) != "primary" {
		t.Error("Forget should clear bookkeeping")
	}
}

func TestFallbackSkipped(t *testing.T) {
	tests := []struct {
		name   string
		chain  staticChain
		task   *taskdb.Task
		reason Reason
	}{
		{"strategy none", staticChain{"a", "b"}, &taskdb.Task{ID: "t", TimeoutConfig: &taskdb.TimeoutConfig{MaxRetries: intPtr(1), FallbackStrategy: taskdb.FallbackNone}}, ReasonFailure},
		{"timeout reason", staticChain{"a", "b"}, &taskdb.Task{ID: "t", TimeoutConfig: retries(1)}, ReasonTimeout},
		{"single model", staticChain{"a"}, &taskdb.Task{ID: "t", TimeoutConfig: retries(1)}, ReasonFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, time.Hour, tt.chain)
			f.insertRun(t, "r-1")

			if !f.sup.AttemptRetry(context.Background(), "r-1", tt.task, tt.reason) {
				t.Fatal("retry should be granted")
			}
			r, _ := f.db.GetRun("r-1")
			if len(r.FallbackHistory) != 0 {
				t.Errorf("expected no fallback, got %+v", r.FallbackHistory)
			}
		})
	}
}

func intPtr(n int) *int { return &n }

func TestWithRetry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("expected success on third call, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = WithRetry(context.Background(), 2, time.Millisecond, func(context.Context) error {
		calls++
		return errors.New("down")
	})
	if err == nil || calls != 2 {
		t.Errorf("expected final error after 2 calls, got err=%v calls=%d", err, calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = WithRetry(ctx, 5, time.Hour, func(context.Context) error { return errors.New("x") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	var stamps []time.Time
	err = WithRetry(context.Background(), 3, 20*time.Millisecond, func(context.Context) error {
		stamps = append(stamps, time.Now())
		return errors.New("slow")
	})
	if err == nil || len(stamps) != 3 {
		t.Fatalf("expected 3 calls and an error, got err=%v calls=%d", err, len(stamps))
	}
	if gap := stamps[2].Sub(stamps[1]); gap < 40*time.Millisecond {
		t.Errorf("expected the delay to double to 40ms, got %v", gap)
	}
}
