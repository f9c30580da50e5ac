package notify

import (
	"fmt"
	"html"
	"strings"
	"time"
)

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// Escape makes s safe for HTML parse mode.
func Escape(s string) string {
	return html.EscapeString(s)
}

func code(s string) string {
	return "<code>" + Escape(s) + "</code>"
}

// TaskSuccess reports a completed run.
func TaskSuccess(task, runID, agent string, d time.Duration) string {
	return fmt.Sprintf("✅ <b>Task completed</b>\n%s\nrun %s via %s in %s",
		Escape(task), code(runID), Escape(agent), d.Round(time.Second))
}

// TaskFailure reports a run that exhausted its retries.
func TaskFailure(task, runID, errMsg string) string {
	return fmt.Sprintf("❌ <b>Task failed</b>\n%s\nrun %s\n<pre>%s</pre>",
		Escape(task), code(runID), Escape(Truncate(errMsg, 500)))
}

// TaskTimeout reports a run that timed out with no retries left.
func TaskTimeout(task, runID string, timeout time.Duration) string {
	return fmt.Sprintf("⏱ <b>Task timed out</b>\n%s\nrun %s exceeded %s, retries exhausted",
		Escape(task), code(runID), timeout)
}

// TaskRetry reports a retry being scheduled.
func TaskRetry(task string, attempt, max int, reason string) string {
	return fmt.Sprintf("🔁 <b>Retrying task</b> (%d/%d)\n%s\nreason: %s",
		attempt, max, Escape(task), Escape(reason))
}

// ModelFallback reports a model switch.
func ModelFallback(task, from, to, reason string) string {
	return fmt.Sprintf("🔀 <b>Model fallback</b>\n%s\n%s → %s\n%s",
		Escape(task), code(from), code(to), Escape(reason))
}

// BreakerOpened reports a breaker trip.
func BreakerOpened(failures int, cooldown time.Duration, totalTrips int) string {
	return fmt.Sprintf("🛑 <b>Circuit breaker open</b>\n%d consecutive failures, dispatch paused for %s (trip #%d)",
		failures, cooldown, totalTrips)
}

// BreakerHealed reports the breaker closing again.
func BreakerHealed(from string) string {
	return fmt.Sprintf("🟢 <b>Circuit breaker closed</b>\nrecovered from %s, dispatch resumed", Escape(from))
}

// RollbackResult reports the outcome of a rollback attempt.
func RollbackResult(task string, success bool, output string) string {
	status := "✅ <b>Rollback succeeded</b>"
	if !success {
		status = "⚠️ <b>Rollback failed</b>"
	}
	return fmt.Sprintf("%s\n%s\n<pre>%s</pre>", status, Escape(task), Escape(Truncate(output, 500)))
}

// AcceptanceFailed lists the unmet criteria of a completed task.
func AcceptanceFailed(task string, unmet []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "⚠️ <b>Acceptance check failed</b>\n%s\n", Escape(task))
	for _, u := range unmet {
		fmt.Fprintf(&sb, "• %s\n", Escape(Truncate(u, 200)))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// PendingReview reports a task held for human review.
func PendingReview(task, taskID, level, reason string) string {
	return fmt.Sprintf("🚨 <b>Review required</b> [%s]\n%s\ntask %s\n%s",
		strings.ToUpper(level), Escape(task), code(taskID), Escape(reason))
}

// ReviewResolved reports a review decision.
func ReviewResolved(taskID, decision string) string {
	return fmt.Sprintf("📝 <b>Review %s</b>\ntask %s", Escape(decision), code(taskID))
}

// DispatchMode reports the dispatch gate being toggled.
func DispatchMode(enabled bool) string {
	if enabled {
		return "🤖 <b>Dispatch mode on</b>\nhigh-risk tasks will be held for review"
	}
	return "⏸ <b>Dispatch mode off</b>"
}

// CycleDetected reports a dependency cycle among ready tasks.
func CycleDetected(err string) string {
	return fmt.Sprintf("♻️ <b>Dependency cycle detected</b>\n%s", Escape(err))
}
