// Package workflow builds a dependency DAG from tasks and schedules them in
// topological batches.
package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/swamp-dev/agentboard/internal/taskdb"
)

// ErrCircularDependency is wrapped by every CycleError.
var ErrCircularDependency = errors.New("circular dependency")

// CycleError reports a dependency cycle. Path starts and ends at the same task.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCircularDependency }

// Node is a task's position in the graph. Level is -1 for tasks on or
// behind a cycle.
type Node struct {
	TaskID         string   `json:"task_id"`
	Dependencies   []string `json:"dependencies"`
	Dependents     []string `json:"dependents"`
	Level          int      `json:"level"`
	ExecutionOrder int      `json:"execution_order"`
}

// Graph is an immutable dependency graph rebuilt from the full task set on
// every planning pass.
type Graph struct {
	nodes   map[string]*Node
	order   []string
	missing map[string][]string
	cycle   *CycleError
}

// NewGraph builds the graph and computes levels. A cycle does not fail
// construction; it is reported by HasCircularDependency and Err.
func NewGraph(tasks []*taskdb.Task) *Graph {
	g := &Graph{
		nodes:   make(map[string]*Node, len(tasks)),
		missing: make(map[string][]string),
	}
	for _, t := range tasks {
		if _, dup := g.nodes[t.ID]; dup {
			continue
		}
		g.nodes[t.ID] = &Node{
			TaskID:         t.ID,
			Dependencies:   dedupe(t.DependsOn),
			ExecutionOrder: t.ExecutionOrder,
			Level:          -1,
		}
		g.order = append(g.order, t.ID)
	}

	for _, id := range g.order {
		n := g.nodes[id]
		for _, dep := range n.Dependencies {
			d, ok := g.nodes[dep]
			if !ok {
				g.missing[id] = append(g.missing[id], dep)
				continue
			}
			d.Dependents = append(d.Dependents, id)
		}
	}

	g.calculateLevels()
	return g
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// calculateLevels assigns level = 1 + max(level of dependencies) with a DFS
// that tracks the current path to detect cycles.
func (g *Graph) calculateLevels() {
	done := make(map[string]bool, len(g.nodes))
	visiting := make(map[string]bool)
	var path []string

	var visit func(id string) int
	visit = func(id string) int {
		n := g.nodes[id]
		if done[id] {
			return n.Level
		}
		if visiting[id] {
			if g.cycle == nil {
				start := 0
				for i, p := range path {
					if p == id {
						start = i
						break
					}
				}
				cyc := append(append([]string(nil), path[start:]...), id)
				g.cycle = &CycleError{Path: cyc}
			}
			return -1
		}

		visiting[id] = true
		path = append(path, id)

		level := 0
		for _, dep := range n.Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			dl := visit(dep)
			if dl < 0 {
				level = -1
				continue
			}
			if level >= 0 && dl+1 > level {
				level = dl + 1
			}
		}

		path = path[:len(path)-1]
		delete(visiting, id)
		done[id] = true
		n.Level = level
		return level
	}

	for _, id := range g.order {
		visit(id)
	}
}

// HasCircularDependency reports whether the graph contains a cycle.
func (g *Graph) HasCircularDependency() bool {
	return g.cycle != nil
}

// Err returns the first cycle found, or nil.
func (g *Graph) Err() error {
	if g.cycle == nil {
		return nil
	}
	return g.cycle
}

// Node returns a copy of a node.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Missing returns dependencies that reference unknown tasks, keyed by the
// depending task.
func (g *Graph) Missing() map[string][]string {
	out := make(map[string][]string, len(g.missing))
	for k, v := range g.missing {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Levels groups task ids by level in ascending order. Tasks on a cycle are
// omitted.
func (g *Graph) Levels() [][]string {
	maxLevel := -1
	for _, n := range g.nodes {
		maxLevel = max(maxLevel, n.Level)
	}
	levels := make([][]string, maxLevel+1)
	for _, id := range g.sorted() {
		n := g.nodes[id]
		if n.Level >= 0 {
			levels[n.Level] = append(levels[n.Level], id)
		}
	}
	return levels
}

// RunnableTasks returns the tasks that are not completed and whose
// dependencies are all completed, ordered by level, execution order, then id.
func (g *Graph) RunnableTasks(completed map[string]bool) []string {
	var out []string
	for _, id := range g.sorted() {
		n := g.nodes[id]
		if completed[id] || n.Level < 0 || len(g.missing[id]) > 0 {
			continue
		}
		ready := true
		for _, dep := range n.Dependencies {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, id)
		}
	}
	return out
}

// sorted returns all ids ordered by level, execution order, then id. Cyclic
// tasks sort last.
func (g *Graph) sorted() []string {
	ids := append([]string(nil), g.order...)
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := g.nodes[ids[i]], g.nodes[ids[j]]
		la, lb := a.Level, b.Level
		if la < 0 {
			la = int(^uint(0) >> 1)
		}
		if lb < 0 {
			lb = int(^uint(0) >> 1)
		}
		if la != lb {
			return la < lb
		}
		if a.ExecutionOrder != b.ExecutionOrder {
			return a.ExecutionOrder < b.ExecutionOrder
		}
		return a.TaskID < b.TaskID
	})
	return ids
}
