// FIFO job intake for the write worker. A fixed ring buffer serves the hot
// path; past its capacity submissions spill into an overflow list, so Enqueue
// never rejects and submission order is never reshuffled.
package queue

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
)

// ErrClosed is returned once the queue is shut and drained.
var ErrClosed = errors.New("job queue is closed")

// Queue is a blocking FIFO of jobs, safe for concurrent use.
type Queue struct {
	logger *zap.Logger

	mu       sync.Mutex
	ring     []schemas.Job
	head     int
	count    int
	overflow []schemas.Job
	closed   bool

	signal chan struct{}
}

// New creates a queue whose ring holds capacity jobs before spilling.
func New(logger *zap.Logger, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 16
	}
	return &Queue{
		logger: logger.Named("queue"),
		ring:   make([]schemas.Job, capacity),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends a job. It only fails on a closed queue, never on capacity.
func (q *Queue) Enqueue(job schemas.Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.count < len(q.ring) {
		q.ring[(q.head+q.count)%len(q.ring)] = job
		q.count++
	} else {
		q.overflow = append(q.overflow, job)
		q.logger.Debug("Ring full, job spilled to overflow",
			zap.String("job_id", job.ID),
			zap.Int("overflow", len(q.overflow)))
	}
	q.mu.Unlock()

	q.wake()
	return nil
}

// Dequeue blocks until a job is available, the context dies, or the queue is
// closed and empty. A closed queue still drains its remaining jobs in order.
func (q *Queue) Dequeue(ctx context.Context) (schemas.Job, error) {
	for {
		q.mu.Lock()
		if q.count > 0 {
			job := q.ring[q.head]
			q.ring[q.head] = schemas.Job{}
			q.head = (q.head + 1) % len(q.ring)
			q.count--

			if len(q.overflow) > 0 {
				q.ring[(q.head+q.count)%len(q.ring)] = q.overflow[0]
				q.overflow[0] = schemas.Job{}
				q.overflow = q.overflow[1:]
				if len(q.overflow) == 0 {
					q.overflow = nil
				}
				q.count++
			}
			remaining := q.count
			q.mu.Unlock()

			// Other waiters may still have work to pick up.
			if remaining > 0 {
				q.wake()
			}
			return job, nil
		}
		if q.closed {
			q.mu.Unlock()
			q.wake()
			return schemas.Job{}, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return schemas.Job{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len reports queued jobs, overflow included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count + len(q.overflow)
}

// Close stops intake. Blocked Dequeues return ErrClosed once the backlog is
// drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
