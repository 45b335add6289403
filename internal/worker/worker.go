// Package worker executes queued job steps.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adintel/internal/jobs"
	"github.com/JakeFAU/adintel/internal/metrics"
)

// Runner is the set of orchestrator steps a worker can execute.
type Runner interface {
	Dispatch(ctx context.Context, jobID string) error
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, cause error) error
}

// Config controls Worker behavior.
type Config struct {
	// TaskTimeout bounds one task, including every AI call it makes.
	TaskTimeout time.Duration
}

// Worker consumes queue items and runs the matching orchestrator step.
type Worker struct {
	queue  jobs.Queue
	runner Runner
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(queue jobs.Queue, runner Runner, cfg Config, logger *zap.Logger) *Worker {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{queue: queue, runner: runner, cfg: cfg, logger: logger}
}

// Run blocks, consuming queue items until the context finishes or the
// queue is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, jobs.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task", zap.String("job_id", task.JobID), zap.String("kind", string(task.Kind)))
		w.process(ctx, task)
	}
}

// process runs one task. Unexpected errors and panics fail the job so it
// never sits in a non-terminal state because of a bug.
func (w *Worker) process(ctx context.Context, task jobs.Task) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	taskCtx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
	defer cancel()

	err := w.run(taskCtx, task)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		// Shutting down; leave the job for the reconciliation sweep.
		w.logger.Warn("task interrupted by shutdown", zap.String("job_id", task.JobID), zap.Error(err))
		return
	}
	w.logger.Error("task failed",
		zap.String("job_id", task.JobID),
		zap.String("kind", string(task.Kind)),
		zap.Error(err),
	)
	// The task context may be the one that expired.
	failCtx, failCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer failCancel()
	if ferr := w.runner.Fail(failCtx, task.JobID, err); ferr != nil {
		w.logger.Error("fail job status update failed", zap.String("job_id", task.JobID), zap.Error(ferr))
	}
}

func (w *Worker) run(ctx context.Context, task jobs.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s task: %v", task.Kind, r)
		}
	}()
	switch task.Kind {
	case jobs.TaskDispatch:
		return w.runner.Dispatch(ctx, task.JobID)
	case jobs.TaskComplete:
		return w.runner.Complete(ctx, task.JobID)
	default:
		w.logger.Warn("unknown task kind", zap.String("job_id", task.JobID), zap.String("kind", string(task.Kind)))
		return nil
	}
}
