package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrQueueClosed is returned by Send after Close.
var ErrQueueClosed = errors.New("notification queue closed")

const (
	defaultQueueSize   = 64
	defaultSendTimeout = 15 * time.Second
)

type message struct {
	text string
	opts Options
}

// QueueStats counts delivery outcomes.
type QueueStats struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

// Queue is a bounded asynchronous wrapper around a Notifier. Send never
// blocks: when the buffer is full the message is dropped and logged.
// Delivery errors are logged by the queue and never reach the caller.
type Queue struct {
	next    Notifier
	logger  *slog.Logger
	timeout time.Duration

	ch     chan message
	done   chan struct{}
	mu     sync.RWMutex
	closed bool

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewQueue starts a delivery worker in front of next.
func NewQueue(next Notifier, size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		next:    next,
		logger:  logger,
		timeout: defaultSendTimeout,
		ch:      make(chan message, size),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Send enqueues a message for delivery.
func (q *Queue) Send(_ context.Context, text string, opts Options) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- message{text: text, opts: opts}:
	default:
		q.dropped.Add(1)
		q.logger.Warn("notification queue full, dropping message", "len", len(text))
	}
	return nil
}

// Stats returns delivery counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Sent:    q.sent.Load(),
		Failed:  q.failed.Load(),
		Dropped: q.dropped.Load(),
	}
}

// Close stops accepting messages and waits for queued ones to be delivered
// or for ctx to expire.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for m := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		err := q.next.Send(ctx, m.text, m.opts)
		cancel()

		if err != nil {
			q.failed.Add(1)
			if errors.Is(err, ErrNotConfigured) {
				q.logger.Debug("notification skipped", "reason", err)
				continue
			}
			q.logger.Warn("notification delivery failed", "err", err)
			continue
		}
		q.sent.Add(1)
	}
}
