package store

import (
	"context"
	"fmt"
	"time"
)

// --- Execution history ---

// HistoryEntry records the outcome of one finished run.
type HistoryEntry struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	TaskID     string    `json:"task_id"`
	TaskName   string    `json:"task_name"`
	Agent      string    `json:"agent,omitempty"`
	Model      string    `json:"model,omitempty"`
	Status     string    `json:"status"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"duration_ms"`
	RiskLevel  string    `json:"risk_level,omitempty"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// HistoryQuery filters history lookups.
type HistoryQuery struct {
	Since time.Time
	Limit int
}

// AddHistoryEntry appends an entry.
func (s *Store) AddHistoryEntry(ctx context.Context, e *HistoryEntry) error {
	success := 0
	if e.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_history (id, run_id, task_id, task_name, agent, model,
		 status, success, duration_ms, risk_level, error, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.TaskID, e.TaskName, e.Agent, e.Model,
		e.Status, success, e.DurationMs, e.RiskLevel, e.Error, formatTime(e.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("adding history entry: %w", err)
	}
	return nil
}

// HistoryEntries returns entries newest first.
func (s *Store) HistoryEntries(ctx context.Context, q HistoryQuery) ([]*HistoryEntry, error) {
	query := `SELECT id, run_id, task_id, task_name, agent, model, status, success,
	 duration_ms, risk_level, error, finished_at FROM execution_history`
	var args []any

	if !q.Since.IsZero() {
		query += " WHERE finished_at >= ?"
		args = append(args, formatTime(q.Since))
	}
	query += " ORDER BY finished_at DESC, rowid DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		var success int
		var finished string
		if err := rows.Scan(&e.ID, &e.RunID, &e.TaskID, &e.TaskName, &e.Agent, &e.Model,
			&e.Status, &success, &e.DurationMs, &e.RiskLevel, &e.Error, &finished); err != nil {
			return nil, err
		}
		e.Success = success == 1
		e.FinishedAt = parseTime(finished)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClearHistory deletes every history entry.
func (s *Store) ClearHistory(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM execution_history")
	return err
}

// --- Pending reviews ---

// PendingReview is a task held back for human approval.
type PendingReview struct {
	TaskID    string    `json:"task_id"`
	TaskName  string    `json:"task_name"`
	RiskLevel string    `json:"risk_level"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveReview inserts or replaces a pending review.
func (s *Store) SaveReview(ctx context.Context, r PendingReview) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_reviews (task_id, task_name, risk_level, reason, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET task_name = excluded.task_name,
		   risk_level = excluded.risk_level, reason = excluded.reason`,
		r.TaskID, r.TaskName, r.RiskLevel, r.Reason, formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving review %s: %w", r.TaskID, err)
	}
	return nil
}

// DeleteReview removes a pending review. Unknown ids are ignored.
func (s *Store) DeleteReview(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM pending_reviews WHERE task_id = ?", taskID)
	return err
}

// ListReviews returns pending reviews oldest first.
func (s *Store) ListReviews(ctx context.Context) ([]PendingReview, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT task_id, task_name, risk_level, reason, created_at FROM pending_reviews ORDER BY created_at ASC, task_id ASC")
	if err != nil {
		return nil, fmt.Errorf("listing reviews: %w", err)
	}
	defer rows.Close()

	var out []PendingReview
	for rows.Next() {
		var r PendingReview
		var created string
		if err := rows.Scan(&r.TaskID, &r.TaskName, &r.RiskLevel, &r.Reason, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClearReviews deletes every pending review.
func (s *Store) ClearReviews(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM pending_reviews")
	return err
}
