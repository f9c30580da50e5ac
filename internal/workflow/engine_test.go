package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swamp-dev/agentboard/internal/taskdb"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func ids(tasks []*taskdb.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestEngineBatches(t *testing.T) {
	e := NewEngine([]*taskdb.Task{task("a"), task("b"), task("c", "a", "b")}, taskdb.ModeParallel)

	assert.Equal(t, []string{"a", "b"}, ids(e.NextBatch()))

	e.MarkRunning("a")
	assert.Equal(t, []string{"b"}, ids(e.NextBatch()))
	assert.Equal(t, StateRunning, e.State("a"))

	e.MarkCompleted("a")
	e.MarkCompleted("b")
	assert.Equal(t, []string{"c"}, ids(e.NextBatch()))
	assert.False(t, e.IsComplete())

	e.MarkCompleted("c")
	assert.Empty(t, e.NextBatch())
	assert.True(t, e.IsComplete())
	assert.Equal(t, Status{Total: 3, Completed: 3, Done: true}, e.Status())
}

func TestEngineSequentialMode(t *testing.T) {
	e := NewEngine([]*taskdb.Task{task("b"), task("a")}, taskdb.ModeSequential)
	assert.Equal(t, []string{"a"}, ids(e.NextBatch()))
	assert.Equal(t, taskdb.ModeSequential, e.Mode())
}

func TestEngineFailureBlocksDependents(t *testing.T) {
	e := NewEngine([]*taskdb.Task{
		task("a"),
		task("b", "a"),
		task("c", "b"),
		task("d"),
	}, "")

	e.MarkFailed("a")
	e.MarkCompleted("d")

	assert.Equal(t, []string{"b", "c"}, e.Blocked())
	assert.Equal(t, StateBlocked, e.State("c"))
	assert.True(t, e.IsComplete())

	s := e.Status()
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 2, s.Blocked)
	assert.True(t, s.Done)
}

func TestEngineCycleAndMissingAreBlocked(t *testing.T) {
	e := NewEngine([]*taskdb.Task{task("x", "y"), task("y", "x"), task("m", "ghost"), task("ok")}, "")

	assert.Equal(t, []string{"m", "x", "y"}, e.Blocked())
	problems := e.Validate()
	require.Len(t, problems, 2)
	assert.Contains(t, problems[1], "unknown task ghost")
}

func TestGenerateExecutionPlan(t *testing.T) {
	e := NewEngine([]*taskdb.Task{task("a"), task("b"), task("c", "a")}, taskdb.ModeParallel)
	plan := e.GenerateExecutionPlan()

	require.Len(t, plan, 3)
	assert.Equal(t, PlanStep{TaskID: "a", Order: 1, Level: 0, CanRunInParallel: true}, plan[0])
	assert.Equal(t, PlanStep{TaskID: "c", Order: 3, Level: 1, CanRunInParallel: false, Dependencies: []string{"a"}}, plan[2])

	seq := NewEngine([]*taskdb.Task{task("a"), task("b")}, taskdb.ModeSequential)
	for _, s := range seq.GenerateExecutionPlan() {
		assert.False(t, s.CanRunInParallel)
	}
}

func TestDependencyChainAndAffected(t *testing.T) {
	e := NewEngine([]*taskdb.Task{task("a"), task("b", "a"), task("c", "b"), task("d", "a")}, "")

	assert.Equal(t, []string{"a", "b"}, e.DependencyChain("c"))
	assert.Equal(t, []string{"b", "c", "d"}, e.AffectedTasks("a"))
	assert.Empty(t, e.AffectedTasks("c"))
}

func TestBatchExecutorRunsAll(t *testing.T) {
	e := NewEngine([]*taskdb.Task{task("a"), task("b"), task("c", "a", "b"), task("d", "c")}, taskdb.ModeParallel)

	var mu sync.Mutex
	var order []string
	b := &BatchExecutor{Concurrency: 2, Logger: testLogger()}
	res, err := b.Execute(context.Background(), e, func(_ context.Context, t *taskdb.Task) error {
		mu.Lock()
		order = append(order, t.ID)
		mu.Unlock()
		return nil
	})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"a", "b", "c", "d"}, res.Completed)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, []string{"c", "d"}, order[2:])
}

func TestBatchExecutorRespectsConcurrency(t *testing.T) {
	var tasks []*taskdb.Task
	for i := 0; i < 7; i++ {
		tasks = append(tasks, task(fmt.Sprintf("t%d", i)))
	}
	e := NewEngine(tasks, taskdb.ModeParallel)

	var active, peak atomic.Int32
	b := &BatchExecutor{Concurrency: 3, Logger: testLogger()}
	res, err := b.Execute(context.Background(), e, func(context.Context, *taskdb.Task) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return nil
	})

	require.NoError(t, err)
	assert.Len(t, res.Completed, 7)
	assert.Equal(t, 3, res.Batches)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestBatchExecutorFailureAndPanic(t *testing.T) {
	e := NewEngine([]*taskdb.Task{task("bad"), task("boom"), task("after", "bad"), task("fine")}, "")

	b := &BatchExecutor{Logger: testLogger()}
	res, err := b.Execute(context.Background(), e, func(_ context.Context, t *taskdb.Task) error {
		switch t.ID {
		case "bad":
			return errors.New("exit 1")
		case "boom":
			panic("kaboom")
		}
		return nil
	})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"fine"}, res.Completed)
	assert.Equal(t, "exit 1", res.Failed["bad"])
	assert.Contains(t, res.Failed["boom"], "kaboom")
	assert.Equal(t, []string{"after"}, res.Blocked)
}

func TestBatchExecutorRejectsCycle(t *testing.T) {
	e := NewEngine([]*taskdb.Task{task("a", "b"), task("b", "a")}, "")
	called := false

	b := &BatchExecutor{Logger: testLogger()}
	_, err := b.Execute(context.Background(), e, func(context.Context, *taskdb.Task) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ErrCircularDependency)
	assert.False(t, called)
}

func TestBatchExecutorCancelled(t *testing.T) {
	e := NewEngine([]*taskdb.Task{task("a"), task("b", "a")}, "")
	ctx, cancel := context.WithCancel(context.Background())

	b := &BatchExecutor{Logger: testLogger()}
	res, err := b.Execute(ctx, e, func(context.Context, *taskdb.Task) error {
		cancel()
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, []string{"a"}, res.Completed)
	assert.False(t, res.Success)
}

func TestEngineSummary(t *testing.T) {
	e := NewEngine([]*taskdb.Task{task("a"), task("b", "a"), task("c", "ghost")}, taskdb.ModeSequential)

	s := e.Summary()
	assert.Equal(t, taskdb.ModeSequential, s.Mode)
	assert.Len(t, s.Steps, 3)
	assert.Equal(t, 3, s.Status.Total)
	assert.Contains(t, s.Issues, "task c depends on unknown task ghost")
	require.NotEmpty(t, s.Levels)
	assert.Contains(t, s.Levels[0], "a")
}
