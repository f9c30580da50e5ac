package workflow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/swamp-dev/agentboard/internal/taskdb"
)

// TaskState is a task's position in one workflow run.
type TaskState string

const (
	StatePending   TaskState = "pending"
	StateRunning   TaskState = "running"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
	StateBlocked   TaskState = "blocked"
)

// PlanStep is one entry of an execution plan.
type PlanStep struct {
	TaskID           string   `json:"task_id"`
	Order            int      `json:"order"`
	Level            int      `json:"level"`
	CanRunInParallel bool     `json:"can_run_in_parallel"`
	Dependencies     []string `json:"dependencies,omitempty"`
}

// Status summarises a workflow run.
type Status struct {
	Total     int  `json:"total"`
	Pending   int  `json:"pending"`
	Running   int  `json:"running"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Blocked   int  `json:"blocked"`
	Done      bool `json:"done"`
}

// Engine tracks per-task state over a Graph and hands out runnable batches.
type Engine struct {
	mu        sync.Mutex
	graph     *Graph
	mode      taskdb.ExecutionMode
	tasks     map[string]*taskdb.Task
	completed map[string]bool
	running   map[string]bool
	failed    map[string]bool
}

// NewEngine builds a graph from tasks. An empty mode means parallel.
func NewEngine(tasks []*taskdb.Task, mode taskdb.ExecutionMode) *Engine {
	if mode == "" {
		mode = taskdb.ModeParallel
	}
	e := &Engine{
		graph:     NewGraph(tasks),
		mode:      mode,
		tasks:     make(map[string]*taskdb.Task, len(tasks)),
		completed: make(map[string]bool),
		running:   make(map[string]bool),
		failed:    make(map[string]bool),
	}
	for _, t := range tasks {
		if _, dup := e.tasks[t.ID]; !dup {
			e.tasks[t.ID] = t
		}
	}
	return e
}

// Graph returns the underlying dependency graph.
func (e *Engine) Graph() *Graph {
	return e.graph
}

// Mode returns the execution mode.
func (e *Engine) Mode() taskdb.ExecutionMode {
	return e.mode
}

// Task returns the task with the given id.
func (e *Engine) Task(id string) (*taskdb.Task, bool) {
	t, ok := e.tasks[id]
	return t, ok
}

// NextBatch returns the tasks that may start now. Sequential mode returns
// at most one.
func (e *Engine) NextBatch() []*taskdb.Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	var batch []*taskdb.Task
	for _, id := range e.graph.RunnableTasks(e.completed) {
		if e.running[id] || e.failed[id] {
			continue
		}
		batch = append(batch, e.tasks[id])
		if e.mode == taskdb.ModeSequential {
			break
		}
	}
	return batch
}

// MarkRunning moves a task to running.
func (e *Engine) MarkRunning(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running[id] = true
}

// MarkCompleted moves a task to completed.
func (e *Engine) MarkCompleted(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
	e.completed[id] = true
}

// MarkFailed moves a task to failed. Its dependents become blocked.
func (e *Engine) MarkFailed(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
	e.failed[id] = true
}

// State returns the state of one task.
func (e *Engine) State(id string) TaskState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked(id, e.blockedLocked())
}

func (e *Engine) stateLocked(id string, blocked map[string]bool) TaskState {
	switch {
	case e.completed[id]:
		return StateCompleted
	case e.failed[id]:
		return StateFailed
	case e.running[id]:
		return StateRunning
	case blocked[id]:
		return StateBlocked
	default:
		return StatePending
	}
}

// blockedLocked returns pending tasks that can never run: they sit on a
// cycle, reference a missing task, or depend on a failed or blocked task.
func (e *Engine) blockedLocked() map[string]bool {
	memo := make(map[string]bool, len(e.tasks))
	seen := make(map[string]bool, len(e.tasks))

	var isBlocked func(id string) bool
	isBlocked = func(id string) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		if seen[id] {
			return true
		}
		seen[id] = true

		n := e.graph.nodes[id]
		blocked := n.Level < 0 || len(e.graph.missing[id]) > 0
		for _, dep := range n.Dependencies {
			if blocked {
				break
			}
			if _, ok := e.graph.nodes[dep]; !ok {
				continue
			}
			if e.failed[dep] || (!e.completed[dep] && isBlocked(dep)) {
				blocked = true
			}
		}
		memo[id] = blocked
		return blocked
	}

	out := make(map[string]bool)
	for id := range e.tasks {
		if e.completed[id] || e.failed[id] || e.running[id] {
			continue
		}
		if isBlocked(id) {
			out[id] = true
		}
	}
	return out
}

// Blocked lists tasks that can no longer run, sorted by id.
func (e *Engine) Blocked() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	blocked := e.blockedLocked()
	out := make([]string, 0, len(blocked))
	for id := range blocked {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsComplete reports whether every task has finished or can never run.
func (e *Engine) IsComplete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.completed)+len(e.failed)+len(e.blockedLocked()) >= len(e.tasks)
}

// Status summarises the run.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	blocked := e.blockedLocked()
	s := Status{Total: len(e.tasks)}
	for id := range e.tasks {
		switch e.stateLocked(id, blocked) {
		case StateCompleted:
			s.Completed++
		case StateFailed:
			s.Failed++
		case StateRunning:
			s.Running++
		case StateBlocked:
			s.Blocked++
		default:
			s.Pending++
		}
	}
	s.Done = s.Completed+s.Failed+s.Blocked >= s.Total
	return s
}

// GenerateExecutionPlan orders tasks by level, execution order, then id.
// Tasks on a cycle are left out.
func (e *Engine) GenerateExecutionPlan() []PlanStep {
	levels := e.graph.Levels()
	var plan []PlanStep
	for lvl, ids := range levels {
		for _, id := range ids {
			n := e.graph.nodes[id]
			plan = append(plan, PlanStep{
				TaskID:           id,
				Order:            len(plan) + 1,
				Level:            lvl,
				CanRunInParallel: e.mode == taskdb.ModeParallel && len(ids) > 1,
				Dependencies:     append([]string(nil), n.Dependencies...),
			})
		}
	}
	return plan
}

// DependencyChain returns every transitive dependency of id, deepest first.
func (e *Engine) DependencyChain(id string) []string {
	seen := make(map[string]bool)
	var chain []string
	var walk func(string)
	walk = func(cur string) {
		n, ok := e.graph.nodes[cur]
		if !ok {
			return
		}
		for _, dep := range n.Dependencies {
			if seen[dep] || dep == id {
				continue
			}
			seen[dep] = true
			walk(dep)
			chain = append(chain, dep)
		}
	}
	walk(id)
	return chain
}

// AffectedTasks returns every task that transitively depends on id.
func (e *Engine) AffectedTasks(id string) []string {
	seen := map[string]bool{id: true}
	var out []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		n, ok := e.graph.nodes[cur]
		if !ok {
			continue
		}
		for _, d := range n.Dependents {
			if seen[d] {
				continue
			}
			seen[d] = true
			out = append(out, d)
			queue = append(queue, d)
		}
	}
	sort.Strings(out)
	return out
}

// Validate returns every structural problem in the graph.
func (e *Engine) Validate() []string {
	var problems []string
	if err := e.graph.Err(); err != nil {
		problems = append(problems, err.Error())
	}
	ids := make([]string, 0, len(e.graph.missing))
	for id := range e.graph.missing {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, dep := range e.graph.missing[id] {
			problems = append(problems, fmt.Sprintf("task %s depends on unknown task %s", id, dep))
		}
	}
	return problems
}

// Summary describes a workflow for display before or while it runs.
type Summary struct {
	Mode   taskdb.ExecutionMode `json:"mode"`
	Steps  []PlanStep           `json:"steps"`
	Levels [][]string           `json:"levels"`
	Status Status               `json:"status"`
	Issues []string             `json:"issues,omitempty"`
}

// Summary collects the plan, levels, status and validation issues.
func (e *Engine) Summary() Summary {
	return Summary{
		Mode:   e.mode,
		Steps:  e.GenerateExecutionPlan(),
		Levels: e.graph.Levels(),
		Status: e.Status(),
		Issues: e.Validate(),
	}
}
