// Package journal keeps the execution history of the dispatcher and renders
// it as digests and markdown.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swamp-dev/agentboard/internal/notify"
	"github.com/swamp-dev/agentboard/internal/store"
)

// DefaultSize bounds the in-memory history.
const DefaultSize = 100

// StatusPendingReview marks an entry for a task held for review rather than
// executed.
const StatusPendingReview = "pending_review"

// Recorder persists history entries.
type Recorder interface {
	AddHistoryEntry(ctx context.Context, e *store.HistoryEntry) error
	HistoryEntries(ctx context.Context, q store.HistoryQuery) ([]*store.HistoryEntry, error)
	ClearHistory(ctx context.Context) error
}

// Journal is a bounded, newest-last history of finished runs, optionally
// mirrored to a Recorder.
type Journal struct {
	mu      sync.Mutex
	entries []*store.HistoryEntry
	size    int
	rec     Recorder
	logger  *slog.Logger
}

// New creates a journal holding at most size entries. rec may be nil.
func New(size int, rec Recorder, logger *slog.Logger) *Journal {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{size: size, rec: rec, logger: logger}
}

// Load fills the in-memory history from the recorder.
func (j *Journal) Load(ctx context.Context) error {
	if j.rec == nil {
		return nil
	}
	entries, err := j.rec.HistoryEntries(ctx, store.HistoryQuery{Limit: j.size})
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = j.entries[:0]
	for i := len(entries) - 1; i >= 0; i-- {
		j.entries = append(j.entries, entries[i])
	}
	return nil
}

// Add appends an entry, dropping the oldest once full. Persistence errors are
// logged, not returned.
func (j *Journal) Add(ctx context.Context, e *store.HistoryEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now()
	}

	j.mu.Lock()
	j.entries = append(j.entries, e)
	if over := len(j.entries) - j.size; over > 0 {
		j.entries = append([]*store.HistoryEntry(nil), j.entries[over:]...)
	}
	j.mu.Unlock()

	if j.rec != nil {
		if err := j.rec.AddHistoryEntry(ctx, e); err != nil {
			j.logger.Warn("persisting history entry", "task", e.TaskID, "err", err)
		}
	}
}

// Entries returns up to limit entries, newest first. limit <= 0 returns all.
func (j *Journal) Entries(limit int) []*store.HistoryEntry {
	j.mu.Lock()
	defer j.mu.Unlock()

	n := len(j.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*store.HistoryEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		c := *j.entries[i]
		out = append(out, &c)
	}
	return out
}

// Since returns entries finished after t, oldest first.
func (j *Journal) Since(t time.Time) []*store.HistoryEntry {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []*store.HistoryEntry
	for _, e := range j.entries {
		if e.FinishedAt.After(t) {
			c := *e
			out = append(out, &c)
		}
	}
	return out
}

// Len returns the number of entries held in memory.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Clear drops every entry.
func (j *Journal) Clear(ctx context.Context) {
	j.mu.Lock()
	j.entries = nil
	j.mu.Unlock()

	if j.rec != nil {
		if err := j.rec.ClearHistory(ctx); err != nil {
			j.logger.Warn("clearing history", "err", err)
		}
	}
}

// Digest summarises the executions of one period.
type Digest struct {
	From           time.Time
	To             time.Time
	Total          int
	Successes      int
	Failures       int
	PendingReviews int
	Entries        []*store.HistoryEntry
}

// Empty reports whether there is nothing worth sending.
func (d Digest) Empty() bool {
	return d.Total == 0 && d.PendingReviews == 0
}

// BuildDigest summarises entries finished in (from, to].
func BuildDigest(entries []*store.HistoryEntry, from, to time.Time, pendingReviews int) Digest {
	d := Digest{From: from, To: to, PendingReviews: pendingReviews}
	for _, e := range entries {
		if !e.FinishedAt.After(from) || e.FinishedAt.After(to) {
			continue
		}
		d.Total++
		switch {
		case e.Success:
			d.Successes++
		case e.Status != StatusPendingReview:
			d.Failures++
		}
		d.Entries = append(d.Entries, e)
	}
	return d
}

const digestTaskLimit = 10

var riskMarks = map[string]string{
	"none":     "🟢",
	"low":      "🟡",
	"medium":   "🟠",
	"high":     "🔴",
	"critical": "🟣",
}

// RenderDigest formats a digest for the notifier in HTML parse mode.
func RenderDigest(d Digest) string {
	var sb strings.Builder

	sb.WriteString("📋 <b>Dispatch digest</b>\n")
	sb.WriteString(fmt.Sprintf("<b>Period:</b> %s ~ %s\n", d.From.Format("15:04"), d.To.Format("15:04")))
	sb.WriteString(fmt.Sprintf("<b>Executed:</b> %d tasks\n", d.Total))
	sb.WriteString(fmt.Sprintf("<b>Succeeded:</b> %d  <b>Failed:</b> %d\n", d.Successes, d.Failures))
	if d.PendingReviews > 0 {
		sb.WriteString(fmt.Sprintf("\n🟣 <b>Awaiting review: %d</b>\n", d.PendingReviews))
	}

	if len(d.Entries) > 0 {
		sb.WriteString("\n<b>Tasks:</b>\n")
		for i, e := range d.Entries {
			if i == digestTaskLimit {
				sb.WriteString(fmt.Sprintf("... and %d more\n", len(d.Entries)-digestTaskLimit))
				break
			}
			mark, ok := riskMarks[e.RiskLevel]
			if !ok {
				mark = "⚪"
			}
			result := "✅"
			switch {
			case e.Status == StatusPendingReview:
				result = "⏸"
			case !e.Success:
				result = "❌"
			}
			sb.WriteString(fmt.Sprintf("%s %s → %s\n", mark, notify.Escape(e.TaskName), result))
			if !e.Success && e.Error != "" {
				sb.WriteString(fmt.Sprintf("   └ %s\n", notify.Escape(notify.Truncate(e.Error, 100))))
			}
		}
	}
	return sb.String()
}

// RenderEntry formats a single history entry as a markdown line.
func RenderEntry(e *store.HistoryEntry) string {
	result := "ok"
	if !e.Success {
		result = "FAILED"
	}
	line := fmt.Sprintf("- %s **%s** (%s) %s via %s in %s",
		e.FinishedAt.Format("2006-01-02 15:04"), e.TaskName, e.TaskID, result, e.Agent,
		(time.Duration(e.DurationMs) * time.Millisecond).Round(time.Second))
	if e.Error != "" {
		line += ": " + notify.Truncate(e.Error, 120)
	}
	return line
}

// ExportMarkdown renders entries as a markdown document.
func ExportMarkdown(entries []*store.HistoryEntry) string {
	var sb strings.Builder
	sb.WriteString("# Execution History\n\n")
	if len(entries) == 0 {
		sb.WriteString("_No executions recorded._\n")
		return sb.String()
	}
	for _, e := range entries {
		sb.WriteString(RenderEntry(e))
		sb.WriteString("\n")
	}
	return sb.String()
}
