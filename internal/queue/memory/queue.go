// Package memory provides the in-process task queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/adintel/internal/jobs"
)

// Queue errors.
var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = jobs.ErrQueueClosed
	// ErrFull is returned by TryEnqueue when no slot is free.
	ErrFull = jobs.ErrQueueFull
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch        chan jobs.Task
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan jobs.Task, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a task into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, task jobs.Task) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- task:
		return nil
	}
}

// TryEnqueue pushes a task only if a slot (or a waiting worker) is free
// right now. It returns ErrFull instead of waiting, so request handlers
// never block on a saturated pool.
func (q *Queue) TryEnqueue(ctx context.Context, task jobs.Task) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- task:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (jobs.Task, error) {
	select {
	case <-ctx.Done():
		return jobs.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return jobs.Task{}, ErrClosed
	case task := <-q.ch:
		return task, nil
	}
}

// Len reports the number of buffered tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue. Buffered tasks are dropped; the reconciliation
// sweep picks their jobs up again.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
