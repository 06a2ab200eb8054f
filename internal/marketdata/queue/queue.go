// Package queue provides the bounded FIFO buffer between the network
// receive loops (producers, one per connection) and the persistence
// batcher (single consumer).
package queue

import (
	"context"
	"errors"
	"time"

	"kitefeed/internal/model"
)

// DefaultCapacity bounds the queue when no explicit capacity is given.
const DefaultCapacity = 10000

var (
	// ErrTimeout is returned by Dequeue when no event arrived in time.
	ErrTimeout = errors.New("queue: dequeue timeout")
	// ErrClosed is returned by Dequeue once the queue is closed and
	// drained.
	ErrClosed = errors.New("queue: closed")
)

// Queue is a fixed-capacity FIFO of market events. Enqueue BLOCKS the
// producer when the queue is full: a slow consumer deliberately
// throttles the socket read rate instead of dropping data silently.
// Safe for concurrent producers and a single consumer.
type Queue struct {
	ch chan model.Event

	// mirror receives a best-effort copy of every enqueued event for
	// independent watchers. Mirror overflow never blocks or fails the
	// primary path.
	mirror       chan<- model.Event
	onMirrorDrop func()
}

// New creates a queue with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan model.Event, capacity)}
}

// AttachWatcher mirrors every subsequently enqueued event into ch,
// dropping on overflow. Must be called before producers start.
func (q *Queue) AttachWatcher(ch chan<- model.Event, onDrop func()) {
	q.mirror = ch
	q.onMirrorDrop = onDrop
}

// Enqueue appends ev, blocking while the queue is full. Returns the
// context error if ctx ends first.
func (q *Queue) Enqueue(ctx context.Context, ev model.Event) error {
	if q.mirror != nil {
		select {
		case q.mirror <- ev:
		default:
			if q.onMirrorDrop != nil {
				q.onMirrorDrop()
			}
		}
	}
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue returns the next event, ErrTimeout if none arrived within
// timeout, or ErrClosed once the queue is closed and empty. The
// consumer uses the timeout to flush partial batches during sparse
// input.
func (q *Queue) Dequeue(timeout time.Duration) (model.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev, ok := <-q.ch:
		if !ok {
			return nil, ErrClosed
		}
		return ev, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Close marks the queue finished. All producers must have stopped;
// the consumer drains remaining events and then sees ErrClosed.
func (q *Queue) Close() { close(q.ch) }

// Len returns the number of buffered events.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }
