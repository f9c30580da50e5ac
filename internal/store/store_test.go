package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/swamp-dev/agentboard/internal/governance"
	"github.com/swamp-dev/agentboard/internal/taskdb"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSchemaVersion(t *testing.T) {
	s := openTestStore(t)
	var version int
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version)
	if err != nil {
		t.Fatalf("querying schema version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("expected schema version %d, got %d", currentSchemaVersion, version)
	}
}

func TestReopenFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.UpsertTask(ctx, &taskdb.Task{ID: "t-1", Name: "persist"}); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer s.Close()
	got, err := s.GetTask(ctx, "t-1")
	if err != nil || got.Name != "persist" {
		t.Errorf("expected task after reopen, got %+v, %v", got, err)
	}
}

func TestTaskUpsertAndFetch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tasks := []*taskdb.Task{
		{ID: "low", Name: "low", Priority: 5, CreatedAt: base},
		{ID: "default", Name: "default", CreatedAt: base.Add(time.Minute)},
		{ID: "urgent", Name: "urgent", Priority: 1, CreatedAt: base.Add(2 * time.Minute)},
		{ID: "done", Name: "done", Status: taskdb.StatusDone, Priority: 1, CreatedAt: base},
	}
	for _, task := range tasks {
		if err := s.UpsertTask(ctx, task); err != nil {
			t.Fatalf("UpsertTask(%s): %v", task.ID, err)
		}
	}

	ready, err := s.FetchReadyTasks(ctx)
	if err != nil {
		t.Fatalf("FetchReadyTasks: %v", err)
	}
	var ids []string
	for _, r := range ready {
		ids = append(ids, r.ID)
	}
	want := []string{"urgent", "default", "low"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], ids[i])
		}
	}

	all, err := s.FetchTasks(ctx)
	if err != nil || len(all) != 4 {
		t.Fatalf("expected 4 tasks, got %d (%v)", len(all), err)
	}

	if err := s.UpsertTask(ctx, &taskdb.Task{ID: "low", Name: "renamed", CreatedAt: base.Add(time.Hour)}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, _ := s.GetTask(ctx, "low")
	if got.Name != "renamed" || !got.CreatedAt.Equal(base) {
		t.Errorf("expected rename with original created_at, got %+v", got)
	}

	stats, err := s.TaskStats(ctx)
	if err != nil {
		t.Fatalf("TaskStats: %v", err)
	}
	if stats[taskdb.StatusReady] != 3 || stats[taskdb.StatusDone] != 1 {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestUpsertTaskStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.UpsertTask(ctx, &taskdb.Task{ID: "t-1", Name: "x"})

	msg := "boom"
	progress := 40
	got, err := s.UpsertTaskStatus(ctx, "t-1", taskdb.StatusInProgress, taskdb.TaskFields{Progress: &progress, LastError: &msg})
	if err != nil {
		t.Fatalf("UpsertTaskStatus: %v", err)
	}
	if got.Status != taskdb.StatusInProgress || got.Progress != 40 || got.LastError != "boom" {
		t.Errorf("unexpected task %+v", got)
	}

	ready, _ := s.FetchReadyTasks(ctx)
	if len(ready) != 0 {
		t.Errorf("in-progress task should not be ready")
	}

	_, err = s.UpsertTaskStatus(ctx, "missing", taskdb.StatusDone, taskdb.TaskFields{})
	if !errors.Is(err, taskdb.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Now().UTC()

	if _, err := s.InsertRun(ctx, &taskdb.Run{TaskID: "t-1"}); err == nil {
		t.Error("expected error for run without id")
	}

	run, err := s.InsertRun(ctx, &taskdb.Run{ID: "r-1", TaskID: "t-1", Status: taskdb.RunRunning, StartedAt: start, MaxRetries: 2})
	if err != nil {
		t.Fatalf("InsertRun: %v", err)
	}
	if _, err := s.InsertRun(ctx, run); err == nil {
		t.Error("expected duplicate run error")
	}

	rec := taskdb.FallbackRecord{From: "a", To: "b", Reason: "maximum retries reached", Timestamp: start}
	retries := 1
	if err := s.UpdateRun(ctx, "r-1", taskdb.RunPatch{AppendFallback: &rec, RetryCount: &retries, ModelUsed: &rec.To}); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	ended := start.Add(time.Second)
	status := taskdb.RunFailed
	if err := s.UpdateRun(ctx, "r-1", taskdb.RunPatch{Status: &status, EndedAt: &ended, Error: &taskdb.RunError{Code: taskdb.ErrCodeExecutionFailed, Message: "x"}}); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, err := s.GetRun(ctx, "r-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != taskdb.RunFailed || got.RetryCount != 1 || got.ModelUsed != "b" {
		t.Errorf("unexpected run %+v", got)
	}
	if len(got.FallbackHistory) != 1 || got.Error == nil || got.Error.Code != taskdb.ErrCodeExecutionFailed {
		t.Errorf("expected fallback and error recorded, got %+v", got)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Errorf("expected ended_at %v, got %v", ended, got.EndedAt)
	}

	s.InsertRun(ctx, &taskdb.Run{ID: "r-2", TaskID: "t-1", Status: taskdb.RunRunning, StartedAt: start.Add(time.Minute)})
	runs, err := s.RunsForTask(ctx, "t-1")
	if err != nil || len(runs) != 2 || runs[0].ID != "r-1" {
		t.Errorf("expected two runs oldest first, got %v (%v)", runs, err)
	}

	if err := s.UpdateRun(ctx, "nope", taskdb.RunPatch{}); !errors.Is(err, taskdb.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRunsForTaskSubSecondOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	// Inserted out of order; ".12" and ".1" compare wrongly as trimmed text.
	for _, r := range []struct {
		id     string
		offset time.Duration
	}{
		{"r-3", 120 * time.Millisecond},
		{"r-2", 100 * time.Millisecond},
		{"r-1", 0},
	} {
		if _, err := s.InsertRun(ctx, &taskdb.Run{ID: r.id, TaskID: "t-1", Status: taskdb.RunRunning, StartedAt: base.Add(r.offset)}); err != nil {
			t.Fatalf("InsertRun %s: %v", r.id, err)
		}
	}

	runs, err := s.RunsForTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("RunsForTask: %v", err)
	}
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	if len(ids) != 3 || ids[0] != "r-1" || ids[1] != "r-2" || ids[2] != "r-3" {
		t.Errorf("expected runs ordered by start time, got %v", ids)
	}
}

func TestParseTimeAcceptsLegacyLayout(t *testing.T) {
	want := time.Date(2026, 5, 1, 10, 0, 0, 100_000_000, time.UTC)
	if got := parseTime("2026-05-01T10:00:00.1Z"); !got.Equal(want) {
		t.Errorf("parseTime legacy = %v, want %v", got, want)
	}
	if got := parseTime(formatTime(want)); !got.Equal(want) {
		t.Errorf("parseTime(formatTime) = %v, want %v", got, want)
	}
}

func TestGovernancePersistence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.LoadBreaker(ctx); ok || err != nil {
		t.Fatalf("expected no breaker state, got ok=%v err=%v", ok, err)
	}

	snap := governance.Snapshot{State: governance.StateOpen, ConsecutiveFailures: 3, TotalTrips: 2, CooldownEndsAt: time.Now().Add(time.Minute).UTC()}
	if err := s.SaveBreaker(ctx, snap); err != nil {
		t.Fatalf("SaveBreaker: %v", err)
	}
	snap.TotalTrips = 3
	if err := s.SaveBreaker(ctx, snap); err != nil {
		t.Fatalf("SaveBreaker overwrite: %v", err)
	}
	got, ok, err := s.LoadBreaker(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadBreaker: ok=%v err=%v", ok, err)
	}
	if got.State != governance.StateOpen || got.TotalTrips != 3 || !got.CooldownEndsAt.Equal(snap.CooldownEndsAt) {
		t.Errorf("unexpected snapshot %+v", got)
	}

	for _, p := range []governance.TrustProfile{
		{AgentID: "claude", TotalExecutions: 4, SuccessCount: 3, FailureCount: 1, TrustScore: 70},
		{AgentID: "aider", TotalExecutions: 1, SuccessCount: 1, TrustScore: 82},
	} {
		if err := s.SaveTrustProfile(ctx, p); err != nil {
			t.Fatalf("SaveTrustProfile: %v", err)
		}
	}
	profiles, err := s.LoadTrustProfiles(ctx)
	if err != nil {
		t.Fatalf("LoadTrustProfiles: %v", err)
	}
	if len(profiles) != 2 || profiles[0].AgentID != "aider" || profiles[1].SuccessCount != 3 {
		t.Errorf("unexpected profiles %+v", profiles)
	}
}

func TestHistoryEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, ok := range []bool{true, false, true} {
		e := &HistoryEntry{
			ID:         string(rune('a' + i)),
			RunID:      "r",
			TaskID:     "t",
			TaskName:   "task",
			Status:     "success",
			Success:    ok,
			DurationMs: int64(i * 100),
			FinishedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AddHistoryEntry(ctx, e); err != nil {
			t.Fatalf("AddHistoryEntry: %v", err)
		}
	}

	all, err := s.HistoryEntries(ctx, HistoryQuery{})
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d (%v)", len(all), err)
	}
	if all[0].ID != "c" || all[1].Success {
		t.Errorf("expected newest first, got %s/%v", all[0].ID, all[1].Success)
	}
	if !all[2].FinishedAt.Equal(base) {
		t.Errorf("finished_at round trip: %v", all[2].FinishedAt)
	}

	recent, _ := s.HistoryEntries(ctx, HistoryQuery{Since: base.Add(time.Minute)})
	if len(recent) != 2 {
		t.Errorf("expected 2 entries since +1m, got %d", len(recent))
	}
	limited, _ := s.HistoryEntries(ctx, HistoryQuery{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("expected limit 1, got %d", len(limited))
	}

	if err := s.ClearHistory(ctx); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	if all, _ := s.HistoryEntries(ctx, HistoryQuery{}); len(all) != 0 {
		t.Errorf("expected empty history, got %d", len(all))
	}
}

func TestPendingReviews(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.SaveReview(ctx, PendingReview{TaskID: "b", TaskName: "B", RiskLevel: "critical", CreatedAt: now.Add(time.Second)})
	s.SaveReview(ctx, PendingReview{TaskID: "a", TaskName: "A", RiskLevel: "high", Reason: "hotfix", CreatedAt: now})

	reviews, err := s.ListReviews(ctx)
	if err != nil || len(reviews) != 2 {
		t.Fatalf("expected 2 reviews, got %v (%v)", reviews, err)
	}
	if reviews[0].TaskID != "a" || reviews[0].Reason != "hotfix" {
		t.Errorf("expected oldest first, got %+v", reviews[0])
	}

	if err := s.DeleteReview(ctx, "a"); err != nil {
		t.Fatalf("DeleteReview: %v", err)
	}
	if err := s.DeleteReview(ctx, "unknown"); err != nil {
		t.Errorf("deleting unknown review should be a no-op: %v", err)
	}
	reviews, _ = s.ListReviews(ctx)
	if len(reviews) != 1 || reviews[0].TaskID != "b" {
		t.Errorf("unexpected reviews %+v", reviews)
	}

	s.ClearReviews(ctx)
	if reviews, _ = s.ListReviews(ctx); len(reviews) != 0 {
		t.Errorf("expected no reviews, got %d", len(reviews))
	}
}
