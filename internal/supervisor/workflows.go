package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/swamp-dev/agentboard/internal/taskdb"
	"github.com/swamp-dev/agentboard/internal/workflow"
)

// ImportTasks upserts tasks into the board. The merged task set must be
// free of dependency cycles; nothing is written otherwise.
func (s *Supervisor) ImportTasks(ctx context.Context, tasks []*taskdb.Task) error {
	existing, err := s.board.FetchTasks(ctx)
	if err != nil {
		return fmt.Errorf("loading tasks: %w", err)
	}

	merged := make(map[string]*taskdb.Task, len(existing)+len(tasks))
	for _, t := range existing {
		merged[t.ID] = t
	}
	for _, t := range tasks {
		merged[t.ID] = t
	}
	all := make([]*taskdb.Task, 0, len(merged))
	for _, t := range merged {
		all = append(all, t)
	}
	g := workflow.NewGraph(all)
	if err := g.Err(); err != nil {
		return err
	}
	for id, deps := range g.Missing() {
		s.logger.Warn("task depends on unknown tasks", "task", id, "missing", deps)
	}

	for _, t := range tasks {
		if err := s.board.UpsertTask(ctx, t); err != nil {
			return fmt.Errorf("saving task %s: %w", t.ID, err)
		}
	}
	s.logger.Info("imported tasks", "count", len(tasks))
	return nil
}

// Tasks returns every task on the board in priority order.
func (s *Supervisor) Tasks(ctx context.Context) ([]*taskdb.Task, error) {
	tasks, err := s.board.FetchTasks(ctx)
	if err != nil {
		return nil, err
	}
	taskdb.SortByPriority(tasks)
	return tasks, nil
}

// RunWorkflow runs the requested tasks and their unfinished dependencies in
// dependency order through the dispatcher's gates.
func (s *Supervisor) RunWorkflow(ctx context.Context, req workflow.Request) (*workflow.BatchResult, error) {
	tasks, err := s.selectWorkflow(ctx, req.TaskIDs)
	if err != nil {
		return nil, err
	}

	mode := req.Mode
	if mode == "" {
		mode = taskdb.ExecutionMode(s.cfg.Workflow.Mode)
	}
	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = s.cfg.Workflow.Concurrency
	}

	engine := workflow.NewEngine(tasks, mode)
	exec := &workflow.BatchExecutor{Concurrency: concurrency, Logger: s.logger}
	s.logger.Info("running workflow", "tasks", len(tasks), "mode", engine.Mode(), "concurrency", concurrency)

	return exec.Execute(ctx, engine, func(ctx context.Context, task *taskdb.Task) error {
		out, err := s.dispatcher.Dispatch(ctx, task)
		if err != nil {
			return err
		}
		if !out.Success {
			return errors.New(out.Error)
		}
		return nil
	})
}

// PlanWorkflow describes how RunWorkflow would order the given tasks.
func (s *Supervisor) PlanWorkflow(ctx context.Context, taskIDs []string) (workflow.Summary, error) {
	tasks, err := s.selectWorkflow(ctx, taskIDs)
	if err != nil {
		return workflow.Summary{}, err
	}
	return workflow.NewEngine(tasks, taskdb.ExecutionMode(s.cfg.Workflow.Mode)).Summary(), nil
}

// selectWorkflow returns the unfinished tasks among ids and their
// transitive dependencies, or every unfinished task when ids is empty.
// Dependencies that are already done are dropped from the copies returned.
func (s *Supervisor) selectWorkflow(ctx context.Context, ids []string) ([]*taskdb.Task, error) {
	all, err := s.board.FetchTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading tasks: %w", err)
	}
	byID := make(map[string]*taskdb.Task, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}

	selected := make(map[string]bool)
	if len(ids) == 0 {
		for _, t := range all {
			selected[t.ID] = true
		}
	} else {
		queue := slices.Clone(ids)
		for _, id := range ids {
			if _, ok := byID[id]; !ok {
				return nil, fmt.Errorf("%w: %s", taskdb.ErrTaskNotFound, id)
			}
		}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			t, ok := byID[id]
			if !ok || selected[id] {
				continue
			}
			selected[id] = true
			queue = append(queue, t.DependsOn...)
		}
	}

	var out []*taskdb.Task
	for _, t := range all {
		if !selected[t.ID] || t.Status == taskdb.StatusDone {
			continue
		}
		c := t.Clone()
		c.DependsOn = slices.DeleteFunc(c.DependsOn, func(dep string) bool {
			d, ok := byID[dep]
			return ok && d.Status == taskdb.StatusDone
		})
		out = append(out, c)
	}
	taskdb.SortByPriority(out)
	return out, nil
}
