// Package channel provides the in-process ready queue between the
// event bus and the dispatcher. It carries delivery ids only; the rows
// themselves live in the ledger, so a dropped id is recoverable by the
// dispatcher's periodic sweep.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrQueueFull = errors.New("ready queue is full")

// DefaultEnqueueTimeout bounds how long a blocking Enqueue waits for
// buffer space before giving up.
const DefaultEnqueueTimeout = 5 * time.Second

// MetricsSink records queue metrics. All methods must be non-blocking.
type MetricsSink interface {
	QueueDepthUpdate(depth int)
	QueueCapacitySet(capacity int)
	EnqueueDropped()
}

type Option func(*Queue)

// WithEnqueueTimeout overrides the blocking enqueue timeout.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(q *Queue) { q.enqueueTimeout = d }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m MetricsSink) Option {
	return func(q *Queue) { q.metrics = m }
}

// Queue is a bounded multi-producer ready queue of delivery ids.
type Queue struct {
	ch             chan uuid.UUID
	enqueueTimeout time.Duration
	metrics        MetricsSink
}

func NewQueue(buffer int, opts ...Option) *Queue {
	q := &Queue{
		ch:             make(chan uuid.UUID, buffer),
		enqueueTimeout: DefaultEnqueueTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.metrics != nil {
		q.metrics.QueueCapacitySet(buffer)
	}
	return q
}

// Enqueue blocks until the id is buffered, the timeout elapses, or ctx
// is cancelled.
func (q *Queue) Enqueue(ctx context.Context, id uuid.UUID) error {
	timer := time.NewTimer(q.enqueueTimeout)
	defer timer.Stop()

	select {
	case q.ch <- id:
		q.updateDepth()
		return nil
	case <-timer.C:
		if q.metrics != nil {
			q.metrics.EnqueueDropped()
		}
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue buffers the id without blocking. Publish paths use this:
// a full queue must never stall a producer, the sweep picks the row up
// later.
func (q *Queue) TryEnqueue(id uuid.UUID) bool {
	select {
	case q.ch <- id:
		q.updateDepth()
		return true
	default:
		if q.metrics != nil {
			q.metrics.EnqueueDropped()
		}
		return false
	}
}

// Channel exposes the consumer side.
func (q *Queue) Channel() <-chan uuid.UUID {
	return q.ch
}

// Depth returns the number of buffered ids.
func (q *Queue) Depth() int {
	return len(q.ch)
}

func (q *Queue) updateDepth() {
	if q.metrics != nil {
		q.metrics.QueueDepthUpdate(len(q.ch))
	}
}
