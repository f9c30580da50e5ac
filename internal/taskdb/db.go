package taskdb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrTaskNotFound is returned when a task id is unknown.
	ErrTaskNotFound = errors.New("task not found")
	// ErrRunNotFound is returned when a run id is unknown.
	ErrRunNotFound = errors.New("run not found")
)

// DB is an in-memory task and run store.
// All operations are protected by a mutex for concurrent safety, and every
// value handed out is a copy.
type DB struct {
	mu    sync.Mutex
	tasks map[string]*Task
	runs  map[string]*Run
	now   func() time.Time
}

// New creates a new empty task database.
func New() *DB {
	return &DB{
		tasks: make(map[string]*Task),
		runs:  make(map[string]*Run),
		now:   time.Now,
	}
}

// Add inserts a task into the database.
func (db *DB) Add(task *Task) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, exists := db.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	db.putLocked(task)
	return nil
}

// Put inserts or replaces a task.
func (db *DB) Put(task *Task) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.putLocked(task)
}

// putLocked stores a copy of task (caller must hold lock).
func (db *DB) putLocked(task *Task) {
	t := task.Clone()
	if t.Status == "" {
		t.Status = StatusReady
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = db.now()
	}
	t.UpdatedAt = db.now()
	db.tasks[t.ID] = t
}

// Get returns a copy of a task by ID.
func (db *DB) Get(id string) (*Task, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// FetchReadyTasks returns every task in the ready state, highest priority first.
func (db *DB) FetchReadyTasks(_ context.Context) ([]*Task, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []*Task
	for _, t := range db.tasks {
		if t.Status == StatusReady {
			out = append(out, t.Clone())
		}
	}
	SortByPriority(out)
	return out, nil
}

// FetchTasks returns every task regardless of status.
func (db *DB) FetchTasks(_ context.Context) ([]*Task, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	out := make([]*Task, 0, len(db.tasks))
	for _, t := range db.tasks {
		out = append(out, t.Clone())
	}
	SortByPriority(out)
	return out, nil
}

// UpsertTaskStatus changes a task's status and optional fields.
func (db *DB) UpsertTaskStatus(_ context.Context, id string, status TaskStatus, fields TaskFields) (*Task, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	t, ok := db.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.Status = status
	if fields.Progress != nil {
		t.Progress = *fields.Progress
	}
	if fields.LastError != nil {
		t.LastError = *fields.LastError
	}
	t.UpdatedAt = db.now()
	return t.Clone(), nil
}

// InsertRun stores a new run.
func (db *DB) InsertRun(_ context.Context, run *Run) (*Run, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if run.ID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if _, exists := db.runs[run.ID]; exists {
		return nil, fmt.Errorf("run %s already exists", run.ID)
	}
	db.runs[run.ID] = run.Clone()
	return run.Clone(), nil
}

// UpdateRun applies a sparse patch to a run.
func (db *DB) UpdateRun(_ context.Context, id string, patch RunPatch) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	r, ok := db.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	patch.Apply(r)
	return nil
}

// GetRun returns a copy of a run by ID.
func (db *DB) GetRun(id string) (*Run, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.runs[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// RunsForTask returns the runs of a task ordered by start time.
func (db *DB) RunsForTask(taskID string) []*Run {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []*Run
	for _, r := range db.runs {
		if r.TaskID == taskID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Stats returns task counts by status.
func (db *DB) Stats() map[TaskStatus]int {
	db.mu.Lock()
	defer db.mu.Unlock()

	stats := make(map[TaskStatus]int)
	for _, t := range db.tasks {
		stats[t.Status]++
	}
	return stats
}

// SortByPriority orders tasks by ascending effective priority, oldest first
// within a priority.
func SortByPriority(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		pi, pj := tasks[i].EffectivePriority(), tasks[j].EffectivePriority()
		if pi != pj {
			return pi < pj
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
