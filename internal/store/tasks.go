package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/swamp-dev/agentboard/internal/taskdb"
)

// --- Tasks ---

// UpsertTask inserts a task or replaces an existing one with the same id.
// CreatedAt of an existing task is preserved.
func (s *Store) UpsertTask(ctx context.Context, t *taskdb.Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		c := t.Clone()
		if c.Status == "" {
			c.Status = taskdb.StatusReady
		}
		existing, err := getTaskTx(ctx, tx, c.ID)
		switch {
		case err == nil:
			c.CreatedAt = existing.CreatedAt
		case errors.Is(err, taskdb.ErrTaskNotFound):
			if c.CreatedAt.IsZero() {
				c.CreatedAt = s.now()
			}
		default:
			return err
		}
		c.UpdatedAt = s.now()
		return putTaskTx(ctx, tx, c)
	})
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*taskdb.Task, error) {
	var out *taskdb.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTaskTx(ctx, tx, id)
		out = t
		return err
	})
	return out, err
}

// FetchReadyTasks returns every task in the ready state, highest priority first.
func (s *Store) FetchReadyTasks(ctx context.Context) ([]*taskdb.Task, error) {
	return s.queryTasks(ctx,
		"SELECT data FROM tasks WHERE status = ? ORDER BY priority ASC, created_at ASC, id ASC",
		string(taskdb.StatusReady))
}

// FetchTasks returns every task regardless of status.
func (s *Store) FetchTasks(ctx context.Context) ([]*taskdb.Task, error) {
	return s.queryTasks(ctx, "SELECT data FROM tasks ORDER BY priority ASC, created_at ASC, id ASC")
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*taskdb.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*taskdb.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		t := &taskdb.Task{}
		if err := json.Unmarshal([]byte(data), t); err != nil {
			return nil, fmt.Errorf("decoding task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Priority 0 means the default, which SQL ordering does not know about.
	taskdb.SortByPriority(tasks)
	return tasks, nil
}

// UpsertTaskStatus changes a task's status and optional fields.
func (s *Store) UpsertTaskStatus(ctx context.Context, id string, status taskdb.TaskStatus, fields taskdb.TaskFields) (*taskdb.Task, error) {
	var out *taskdb.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		t.Status = status
		if fields.Progress != nil {
			t.Progress = *fields.Progress
		}
		if fields.LastError != nil {
			t.LastError = *fields.LastError
		}
		t.UpdatedAt = s.now()
		out = t
		return putTaskTx(ctx, tx, t)
	})
	return out, err
}

// TaskStats returns task counts by status.
func (s *Store) TaskStats(ctx context.Context) (map[taskdb.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[taskdb.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[taskdb.TaskStatus(status)] = n
	}
	return stats, rows.Err()
}

func getTaskTx(ctx context.Context, tx *sql.Tx, id string) (*taskdb.Task, error) {
	var data string
	err := tx.QueryRowContext(ctx, "SELECT data FROM tasks WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", taskdb.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading task %s: %w", id, err)
	}
	t := &taskdb.Task{}
	if err := json.Unmarshal([]byte(data), t); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", id, err)
	}
	return t, nil
}

func putTaskTx(ctx context.Context, tx *sql.Tx, t *taskdb.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", t.ID, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, status, priority, created_at, updated_at, data)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status, priority = excluded.priority,
		   updated_at = excluded.updated_at, data = excluded.data`,
		t.ID, string(t.Status), t.EffectivePriority(), formatTime(t.CreatedAt), formatTime(t.UpdatedAt), string(data),
	)
	if err != nil {
		return fmt.Errorf("writing task %s: %w", t.ID, err)
	}
	return nil
}

// --- Runs ---

// InsertRun stores a new run.
func (s *Store) InsertRun(ctx context.Context, run *taskdb.Run) (*taskdb.Run, error) {
	if run.ID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	data, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("encoding run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO runs (id, task_id, status, started_at, data) VALUES (?, ?, ?, ?, ?)",
		run.ID, run.TaskID, string(run.Status), formatTime(run.StartedAt), string(data),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting run %s: %w", run.ID, err)
	}
	return run.Clone(), nil
}

// UpdateRun applies a sparse patch to a run.
func (s *Store) UpdateRun(ctx context.Context, id string, patch taskdb.RunPatch) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := getRunTx(ctx, tx, id)
		if err != nil {
			return err
		}
		patch.Apply(r)
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding run %s: %w", id, err)
		}
		_, err = tx.ExecContext(ctx, "UPDATE runs SET status = ?, data = ? WHERE id = ?", string(r.Status), string(data), id)
		return err
	})
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*taskdb.Run, error) {
	var out *taskdb.Run
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := getRunTx(ctx, tx, id)
		out = r
		return err
	})
	return out, err
}

// RunsForTask returns the runs of a task ordered by start time.
func (s *Store) RunsForTask(ctx context.Context, taskID string) ([]*taskdb.Run, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM runs WHERE task_id = ? ORDER BY started_at ASC", taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*taskdb.Run
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		r := &taskdb.Run{}
		if err := json.Unmarshal([]byte(data), r); err != nil {
			return nil, fmt.Errorf("decoding run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func getRunTx(ctx context.Context, tx *sql.Tx, id string) (*taskdb.Run, error) {
	var data string
	err := tx.QueryRowContext(ctx, "SELECT data FROM runs WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", taskdb.ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", id, err)
	}
	r := &taskdb.Run{}
	if err := json.Unmarshal([]byte(data), r); err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", id, err)
	}
	return r, nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
