package dispatch

import (
	"context"
	"sort"
	"sync"

	"github.com/swamp-dev/agentboard/internal/store"
)

// Decision resolves a pending review.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// ReviewStore persists pending reviews.
type ReviewStore interface {
	SaveReview(ctx context.Context, r store.PendingReview) error
	DeleteReview(ctx context.Context, taskID string) error
	ListReviews(ctx context.Context) ([]store.PendingReview, error)
	ClearReviews(ctx context.Context) error
}

// reviewQueue holds tasks waiting for a human decision, keyed by task id,
// and the one-shot approvals granted by those decisions.
type reviewQueue struct {
	mu       sync.Mutex
	pending  map[string]store.PendingReview
	approved map[string]bool
}

func newReviewQueue() *reviewQueue {
	return &reviewQueue{
		pending:  make(map[string]store.PendingReview),
		approved: make(map[string]bool),
	}
}

// add queues r unless its task is already pending. It reports whether r was
// added.
func (q *reviewQueue) add(r store.PendingReview) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[r.TaskID]; ok {
		return false
	}
	q.pending[r.TaskID] = r
	return true
}

func (q *reviewQueue) get(taskID string) (store.PendingReview, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.pending[taskID]
	return r, ok
}

func (q *reviewQueue) remove(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, taskID)
}

func (q *reviewQueue) approve(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.approved[taskID] = true
}

// consumeApproval reports whether taskID was approved and clears the grant.
func (q *reviewQueue) consumeApproval(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.approved[taskID] {
		return false
	}
	delete(q.approved, taskID)
	return true
}

func (q *reviewQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = make(map[string]store.PendingReview)
}

func (q *reviewQueue) replace(reviews []store.PendingReview) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = make(map[string]store.PendingReview, len(reviews))
	for _, r := range reviews {
		q.pending[r.TaskID] = r
	}
}

func (q *reviewQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// list returns reviews oldest first.
func (q *reviewQueue) list() []store.PendingReview {
	q.mu.Lock()
	out := make([]store.PendingReview, 0, len(q.pending))
	for _, r := range q.pending {
		out = append(out, r)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}
