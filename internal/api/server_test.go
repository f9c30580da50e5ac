package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swamp-dev/agentboard/internal/agent"
	"github.com/swamp-dev/agentboard/internal/dispatch"
	"github.com/swamp-dev/agentboard/internal/governance"
	"github.com/swamp-dev/agentboard/internal/store"
	"github.com/swamp-dev/agentboard/internal/taskdb"
	"github.com/swamp-dev/agentboard/internal/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type okExecutor struct{}

func (okExecutor) Execute(_ context.Context, req agent.Request) (*agent.Result, error) {
	return &agent.Result{Success: true, Output: "ok", AgentType: req.AgentType}, nil
}

type fakeWorkflows struct {
	runs []workflow.Request
}

func (f *fakeWorkflows) RunWorkflow(_ context.Context, req workflow.Request) (*workflow.BatchResult, error) {
	f.runs = append(f.runs, req)
	for _, id := range req.TaskIDs {
		switch id {
		case "missing":
			return nil, fmt.Errorf("loading workflow: %w: %s", taskdb.ErrTaskNotFound, id)
		case "cycle":
			return nil, fmt.Errorf("%w: cycle -> cycle", workflow.ErrCircularDependency)
		}
	}
	return &workflow.BatchResult{Success: true, Completed: req.TaskIDs, Batches: 1}, nil
}

func (f *fakeWorkflows) PlanWorkflow(_ context.Context, ids []string) (workflow.Summary, error) {
	steps := make([]workflow.PlanStep, len(ids))
	for i, id := range ids {
		steps[i] = workflow.PlanStep{TaskID: id}
	}
	return workflow.Summary{Mode: taskdb.ModeParallel, Steps: steps}, nil
}

type testServer struct {
	db  *taskdb.DB
	d   *dispatch.Dispatcher
	wf  *fakeWorkflows
	srv *httptest.Server
}

func newTestServer(t *testing.T, mode bool) *testServer {
	t.Helper()
	ts := &testServer{db: taskdb.New(), wf: &fakeWorkflows{}}
	ts.d = dispatch.New(dispatch.Options{
		Store:        ts.db,
		Executor:     okExecutor{},
		Selector:     agent.Selector{Default: "claude"},
		Logger:       testLogger(),
		PollInterval: time.Hour,
		DispatchMode: mode,
		Breaker:      governance.NewCircuitBreaker(2, time.Hour, 1),
	})
	s := NewServer(ts.d, WithLogger(testLogger()), WithWorkflows(ts.wf))
	ts.srv = httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ts.d.Close(ctx)
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, false)

	resp, body := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got map[string]string
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "healthy", got["status"])
	assert.NotEmpty(t, got["time"])
}

func TestStartStop(t *testing.T) {
	ts := newTestServer(t, false)

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/dispatch/start", `{"pollIntervalMs": 1000}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/dispatch/start", `{"pollIntervalMs": 3600000, "maxTasksPerMinute": 2}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var st dispatch.Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.True(t, st.Running)
	assert.Equal(t, int64(3600000), st.PollIntervalMs)
	assert.Equal(t, 2, st.MaxTasksPerMinute)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/dispatch/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/v1/dispatch/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &st))
	assert.False(t, st.Running)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/dispatch", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &st))
	assert.False(t, st.Running)
}

func TestMode(t *testing.T) {
	ts := newTestServer(t, false)

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/dispatch/mode", `{"enabled": true, "digestIntervalMs": 1000}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, ts.d.DispatchMode())

	resp, body := ts.do(t, http.MethodPost, "/api/v1/dispatch/mode", `{"enabled": true, "digestIntervalMs": 120000}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var st dispatch.Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.True(t, st.DispatchMode)
	assert.Equal(t, int64(120000), st.DigestIntervalMs)

	// Only the digest interval: the mode is left alone.
	resp, body = ts.do(t, http.MethodPost, "/api/v1/dispatch/mode", `{"digestIntervalMs": 300000}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &st))
	assert.True(t, st.DispatchMode)
	assert.Equal(t, int64(300000), st.DigestIntervalMs)

	// An empty body toggles.
	resp, body = ts.do(t, http.MethodPost, "/api/v1/dispatch/mode", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &st))
	assert.False(t, st.DispatchMode)
}

func TestReviews(t *testing.T) {
	ts := newTestServer(t, true)
	require.NoError(t, ts.db.Add(&taskdb.Task{
		ID:          "risky",
		Name:        "fix perms",
		Description: "需要 root 存取 才能修改",
		Status:      taskdb.StatusReady,
		Priority:    5,
		Agent:       "claude",
		RunCommands: []string{"make perms"},
	}))

	res := ts.d.Tick(context.Background())
	require.Equal(t, dispatch.ActionHeld, res.Action)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/dispatch/reviews", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reviews []store.PendingReview
	require.NoError(t, json.Unmarshal(body, &reviews))
	require.Len(t, reviews, 1)
	assert.Equal(t, "risky", reviews[0].TaskID)
	assert.Equal(t, "critical", reviews[0].RiskLevel)

	t.Run("invalid decision", func(t *testing.T) {
		resp, _ := ts.do(t, http.MethodPost, "/api/v1/dispatch/reviews/risky", `{"decision": "maybe"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown task", func(t *testing.T) {
		resp, _ := ts.do(t, http.MethodPost, "/api/v1/dispatch/reviews/nope", `{"decision": "approved"}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("approve", func(t *testing.T) {
		resp, _ := ts.do(t, http.MethodPost, "/api/v1/dispatch/reviews/risky", `{"decision": "approved"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		task, ok := ts.db.Get("risky")
		require.True(t, ok)
		assert.Equal(t, taskdb.StatusReady, task.Status)
		assert.Empty(t, ts.d.PendingReviews())

		resp, _ = ts.do(t, http.MethodPost, "/api/v1/dispatch/reviews/risky", `{"decision": "approved"}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestHistory(t *testing.T) {
	ts := newTestServer(t, false)
	require.NoError(t, ts.db.Add(&taskdb.Task{
		ID:          "t1",
		Name:        "lint",
		Status:      taskdb.StatusReady,
		Priority:    3,
		Agent:       "claude",
		RunCommands: []string{"make lint"},
	}))
	res := ts.d.Tick(context.Background())
	require.Equal(t, dispatch.ActionExecuted, res.Action)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/dispatch/history?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []store.HistoryEntry
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].TaskID)
	assert.True(t, entries[0].Success)

	for _, bad := range []string{"abc", "0", "-3"} {
		resp, _ := ts.do(t, http.MethodGet, "/api/v1/dispatch/history?limit="+bad, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
	}
}

func TestGovernance(t *testing.T) {
	ts := newTestServer(t, false)
	ts.d.Breaker().RecordFailure()
	ts.d.Breaker().RecordFailure()
	ts.d.Trust().RecordSuccess("claude")

	resp, body := ts.do(t, http.MethodGet, "/api/v1/governance", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var gov GovernanceResponse
	require.NoError(t, json.Unmarshal(body, &gov))
	assert.Equal(t, governance.StateOpen, gov.Breaker.State)
	require.Len(t, gov.Trust, 1)
	assert.Equal(t, "claude", gov.Trust[0].AgentID)

	resp, body = ts.do(t, http.MethodPost, "/api/v1/governance/breaker/reset", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap governance.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, governance.StateClosed, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, governance.StateClosed, ts.d.Breaker().State())
}

func TestWorkflows(t *testing.T) {
	ts := newTestServer(t, false)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/workflows/run", `{"taskIds": ["a", "b"], "mode": "sequential", "concurrency": 2}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res workflow.BatchResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Success)
	assert.Equal(t, []string{"a", "b"}, res.Completed)
	require.Len(t, ts.wf.runs, 1)
	assert.Equal(t, taskdb.ModeSequential, ts.wf.runs[0].Mode)
	assert.Equal(t, 2, ts.wf.runs[0].Concurrency)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad mode", `{"taskIds": ["a"], "mode": "random"}`, http.StatusBadRequest},
		{"bad json", `{"taskIds":`, http.StatusBadRequest},
		{"unknown task", `{"taskIds": ["missing"]}`, http.StatusNotFound},
		{"cycle", `{"taskIds": ["cycle"]}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := ts.do(t, http.MethodPost, "/api/v1/workflows/run", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	resp, body = ts.do(t, http.MethodGet, "/api/v1/workflows/plan?ids=a,%20b,,c", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var plan workflow.Summary
	require.NoError(t, json.Unmarshal(body, &plan))
	require.Len(t, plan.Steps, 3)
	assert.Equal(t, "b", plan.Steps[1].TaskID)
}

func TestWorkflowRoutesAbsentWithoutBackend(t *testing.T) {
	d := dispatch.New(dispatch.Options{Store: taskdb.New(), Logger: testLogger()})
	srv := httptest.NewServer(NewServer(d, WithLogger(testLogger())).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/workflows/plan?ids=a")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	d := dispatch.New(dispatch.Options{Store: taskdb.New(), Logger: testLogger()})
	s := NewServer(d, WithLogger(testLogger()), WithAllowedOrigins([]string{"http://localhost:3000"}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
