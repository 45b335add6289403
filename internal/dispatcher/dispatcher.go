// Package dispatcher manages worker fan-out over the task queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/adintel/internal/jobs"
	"github.com/JakeFAU/adintel/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers. It is also the
// orchestrator's Enqueuer, so request handlers only ever touch the queue.
type Dispatcher struct {
	queue   jobs.Queue
	mu      sync.Mutex
	workers []*worker.Worker
}

// New creates a Dispatcher. Workers may be registered later, since they
// depend on an orchestrator that itself enqueues through the Dispatcher.
func New(queue jobs.Queue, workers ...*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Register adds workers. It must be called before Run.
func (d *Dispatcher) Register(workers ...*worker.Worker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workers = append(d.workers, workers...)
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	workers := append([]*worker.Worker(nil), d.workers...)
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task jobs.Task) error {
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// TryEnqueue proxies to the queue's non-blocking enqueue.
func (d *Dispatcher) TryEnqueue(ctx context.Context, task jobs.Task) error {
	if err := d.queue.TryEnqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
