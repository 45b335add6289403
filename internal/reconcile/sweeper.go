// Package reconcile periodically repairs jobs whose asynchronous step was
// lost: a dispatch task that never ran, or a provider callback that never
// arrived.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/JakeFAU/adintel/internal/jobs"
	"github.com/JakeFAU/adintel/internal/metrics"
)

// ErrCallbackTimeout is the failure cause for running jobs that never heard
// back from the provider.
var ErrCallbackTimeout = errors.New("timed out waiting for provider callback")

// Reconcile actions, also used as metric labels.
const (
	ActionRequeueDispatch = "requeue_dispatch"
	ActionRequeueComplete = "requeue_complete"
	ActionTimeoutFailed   = "timeout_failed"
)

// Failer fails a job through the orchestrator so notifications and metrics
// stay consistent.
type Failer interface {
	Fail(ctx context.Context, jobID string, cause error) error
}

// Config controls the sweep.
type Config struct {
	Interval       time.Duration
	RunningTimeout time.Duration
	QueuedTimeout  time.Duration
	BatchSize      int
}

// Report counts the actions taken by one sweep.
type Report struct {
	RequeuedDispatch int
	RequeuedComplete int
	TimedOut         int
}

// Sweeper runs the reconciliation sweep on a gocron schedule.
type Sweeper struct {
	store     jobs.JobStore
	enqueuer  jobs.Enqueuer
	failer    Failer
	clock     jobs.Clock
	cfg       Config
	logger    *zap.Logger
	scheduler *gocron.Scheduler

	mu      sync.Mutex
	running bool
}

// New constructs a Sweeper. Zero durations fall back to defaults.
func New(store jobs.JobStore, enqueuer jobs.Enqueuer, failer Failer, clock jobs.Clock, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RunningTimeout <= 0 {
		cfg.RunningTimeout = 30 * time.Minute
	}
	if cfg.QueuedTimeout <= 0 {
		cfg.QueuedTimeout = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:     store,
		enqueuer:  enqueuer,
		failer:    failer,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		scheduler: gocron.NewScheduler(time.UTC),
	}
}

// Start schedules the sweep and stops the scheduler when ctx ends.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.scheduler.Every(s.cfg.Interval).SingletonMode().Do(func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("reconcile sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reconcile sweep: %w", err)
	}
	s.scheduler.StartAsync()
	s.logger.Info("reconcile sweep scheduled", zap.Duration("interval", s.cfg.Interval))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the scheduler. It is safe to call more than once.
func (s *Sweeper) Stop() {
	if s.scheduler.IsRunning() {
		s.scheduler.Stop()
	}
}

// Sweep performs one pass. Overlapping calls return immediately.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Report{}, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var report Report
	now := s.clock.Now()

	queued, err := s.store.ListStale(ctx, jobs.StatusQueued, now.Add(-s.cfg.QueuedTimeout), s.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list stale queued jobs: %w", err)
	}
	for _, job := range queued {
		if err := s.enqueue(ctx, jobs.TaskDispatch, job.ID, now); err != nil {
			return report, err
		}
		report.RequeuedDispatch++
		metrics.ObserveReconcile(ActionRequeueDispatch)
	}

	running, err := s.store.ListStale(ctx, jobs.StatusRunning, now.Add(-s.cfg.RunningTimeout), s.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list stale running jobs: %w", err)
	}
	for _, job := range running {
		if job.CallbackReceived() {
			if err := s.enqueue(ctx, jobs.TaskComplete, job.ID, now); err != nil {
				return report, err
			}
			report.RequeuedComplete++
			metrics.ObserveReconcile(ActionRequeueComplete)
			continue
		}
		if err := s.failer.Fail(ctx, job.ID, ErrCallbackTimeout); err != nil {
			s.logger.Warn("reconcile fail job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		report.TimedOut++
		metrics.ObserveReconcile(ActionTimeoutFailed)
	}

	if report != (Report{}) {
		s.logger.Info("reconcile sweep",
			zap.Int("requeued_dispatch", report.RequeuedDispatch),
			zap.Int("requeued_complete", report.RequeuedComplete),
			zap.Int("timed_out", report.TimedOut),
		)
	}
	return report, nil
}

func (s *Sweeper) enqueue(ctx context.Context, kind jobs.TaskKind, jobID string, now time.Time) error {
	if err := s.enqueuer.Enqueue(ctx, jobs.Task{Kind: kind, JobID: jobID, Enqueued: now}); err != nil {
		return fmt.Errorf("requeue %s for %s: %w", kind, jobID, err)
	}
	return nil
}
