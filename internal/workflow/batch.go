package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/swamp-dev/agentboard/internal/taskdb"
)

// DefaultConcurrency bounds how many tasks of one batch run at once.
const DefaultConcurrency = 3

// TaskFunc executes one task. A non-nil error marks the task failed.
type TaskFunc func(ctx context.Context, task *taskdb.Task) error

// Request selects the tasks of a workflow run. Empty TaskIDs means every
// task in the store.
type Request struct {
	TaskIDs     []string             `json:"taskIds"`
	Mode        taskdb.ExecutionMode `json:"mode,omitempty"`
	Concurrency int                  `json:"concurrency,omitempty"`
}

// BatchResult reports a workflow run.
type BatchResult struct {
	Success   bool              `json:"success"`
	Completed []string          `json:"completed"`
	Failed    map[string]string `json:"failed,omitempty"`
	Blocked   []string          `json:"blocked,omitempty"`
	Batches   int               `json:"batches"`
}

// BatchExecutor runs an Engine to completion in bounded batches. Each batch
// is awaited in full before the next one is requested.
type BatchExecutor struct {
	Concurrency int
	Logger      *slog.Logger
}

func (b *BatchExecutor) concurrency() int {
	if b.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return b.Concurrency
}

func (b *BatchExecutor) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

// Execute runs every runnable task of e through fn. A cyclic graph is
// rejected before anything runs.
func (b *BatchExecutor) Execute(ctx context.Context, e *Engine, fn TaskFunc) (*BatchResult, error) {
	if err := e.Graph().Err(); err != nil {
		return nil, err
	}

	res := &BatchResult{Failed: make(map[string]string)}
	var mu sync.Mutex
	limit := b.concurrency()

	for {
		if err := ctx.Err(); err != nil {
			return b.finish(e, res), err
		}

		batch := e.NextBatch()
		if len(batch) == 0 {
			break
		}
		if len(batch) > limit {
			batch = batch[:limit]
		}
		res.Batches++
		b.logger().Info("running workflow batch", "batch", res.Batches, "tasks", len(batch))

		var g errgroup.Group
		g.SetLimit(limit)
		for _, task := range batch {
			task := task
			e.MarkRunning(task.ID)
			g.Go(func() error {
				err := runTask(ctx, fn, task)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					e.MarkFailed(task.ID)
					res.Failed[task.ID] = err.Error()
					b.logger().Warn("workflow task failed", "task", task.ID, "err", err)
					return nil
				}
				e.MarkCompleted(task.ID)
				res.Completed = append(res.Completed, task.ID)
				return nil
			})
		}
		g.Wait()
	}

	return b.finish(e, res), nil
}

func (b *BatchExecutor) finish(e *Engine, res *BatchResult) *BatchResult {
	res.Blocked = e.Blocked()
	sort.Strings(res.Completed)
	res.Success = len(res.Failed) == 0 && len(res.Blocked) == 0 && len(res.Completed) == e.Graph().Len()
	if len(res.Blocked) > 0 {
		b.logger().Warn("workflow tasks left unrunnable", "tasks", res.Blocked)
	}
	return res
}

func runTask(ctx context.Context, fn TaskFunc, task *taskdb.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return fn(ctx, task)
}
