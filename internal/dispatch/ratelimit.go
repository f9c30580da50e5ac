package dispatch

import (
	"sync"
	"time"
)

// RateWindow is the span over which MaxTasksPerMinute is enforced.
const RateWindow = time.Minute

// rateWindow counts dispatches over a sliding window.
type rateWindow struct {
	mu     sync.Mutex
	span   time.Duration
	stamps []time.Time
}

func newRateWindow(span time.Duration) *rateWindow {
	return &rateWindow{span: span}
}

func (w *rateWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// Allow reports whether another dispatch fits under limit, along with the
// number of dispatches currently in the window.
func (w *rateWindow) Allow(now time.Time, limit int) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	return len(w.stamps), len(w.stamps) < limit
}

// Record adds a dispatch at now.
func (w *rateWindow) Record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	w.stamps = append(w.stamps, now)
}

// Count returns the dispatches in the window ending at now.
func (w *rateWindow) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	return len(w.stamps)
}
