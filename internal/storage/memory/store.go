// Package memory provides in-memory persistence for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/adintel/internal/jobs"
)

// Store implements jobs.Store with maps guarded by one mutex. The single lock
// gives RecordEvent, AdmitJob and IncrementUsage the same atomicity a
// database transaction would.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]jobs.Job
	events map[string]jobs.WebhookEvent
	quotas map[string]jobs.QuotaState
	now    func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock makes the store stamp updates from clock.
func WithClock(clock jobs.Clock) Option {
	return func(s *Store) {
		s.now = clock.Now
	}
}

// NewStore constructs an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		jobs:   make(map[string]jobs.Job),
		events: make(map[string]jobs.WebhookEvent),
		quotas: make(map[string]jobs.QuotaState),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateJob stores a new job.
func (s *Store) CreateJob(_ context.Context, job jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// AdmitJob debits the tenant and stores job under one lock.
func (s *Store) AdmitJob(_ context.Context, job jobs.Job, debit int) (jobs.QuotaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return jobs.QuotaState{}, fmt.Errorf("job %s already exists", job.ID)
	}
	var st jobs.QuotaState
	if debit > 0 {
		var ok bool
		st, ok = s.quotas[job.TenantID]
		if !ok {
			return jobs.QuotaState{}, jobs.ErrNotFound
		}
		if st.Used+debit > st.Limit {
			return st, jobs.ErrQuotaExceeded
		}
		st.Used += debit
		st.UpdatedAt = s.now()
		s.quotas[job.TenantID] = st
	}
	s.jobs[job.ID] = cloneJob(job)
	return st, nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return cloneJob(job), nil
}

// TransitionJob applies t if the job's current status permits it.
func (s *Store) TransitionJob(_ context.Context, jobID string, t jobs.Transition) (jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}
	if !t.Permits(job.Status) {
		return cloneJob(job), fmt.Errorf("%s to %s: %w", job.Status, t.To, jobs.ErrInvalidTransition)
	}
	job.Apply(t, s.now())
	s.jobs[jobID] = job
	return cloneJob(job), nil
}

// ListStale returns jobs in status whose last update is before the cutoff,
// oldest first.
func (s *Store) ListStale(_ context.Context, status jobs.Status, before time.Time, limit int) ([]jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []jobs.Job
	for _, job := range s.jobs {
		if job.Status == status && job.UpdatedAt.Before(before) {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordEvent stores the event and applies t under the same lock.
func (s *Store) RecordEvent(_ context.Context, event jobs.WebhookEvent, t *jobs.Transition) (jobs.EventResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.events[event.ID]; seen {
		return jobs.EventResult{}, jobs.ErrDuplicateEvent
	}
	job, ok := s.jobs[event.JobID]
	if !ok {
		return jobs.EventResult{}, jobs.ErrNotFound
	}
	s.events[event.ID] = event
	if t == nil || !t.Permits(job.Status) {
		return jobs.EventResult{Job: cloneJob(job)}, nil
	}
	job.Apply(*t, s.now())
	s.jobs[job.ID] = job
	return jobs.EventResult{Applied: true, Job: cloneJob(job)}, nil
}

// EventCount returns the number of stored webhook events.
func (s *Store) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// GetQuota returns the tenant's counter.
func (s *Store) GetQuota(_ context.Context, tenantID string) (jobs.QuotaState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.quotas[tenantID]
	if !ok {
		return jobs.QuotaState{}, jobs.ErrNotFound
	}
	return st, nil
}

// IncrementUsage adds units only if the result stays within the limit.
func (s *Store) IncrementUsage(_ context.Context, tenantID string, units int) (jobs.QuotaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.quotas[tenantID]
	if !ok {
		return jobs.QuotaState{}, jobs.ErrNotFound
	}
	if st.Used+units > st.Limit {
		return st, jobs.ErrQuotaExceeded
	}
	st.Used += units
	st.UpdatedAt = s.now()
	s.quotas[tenantID] = st
	return st, nil
}

// DecrementUsage subtracts units, never going below zero.
func (s *Store) DecrementUsage(_ context.Context, tenantID string, units int) (jobs.QuotaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.quotas[tenantID]
	if !ok {
		return jobs.QuotaState{}, jobs.ErrNotFound
	}
	st.Used = max(st.Used-units, 0)
	st.UpdatedAt = s.now()
	s.quotas[tenantID] = st
	return st, nil
}

// SetPlan upserts the tenant's plan and limit.
func (s *Store) SetPlan(_ context.Context, state jobs.QuotaState, resetUsage bool) (jobs.QuotaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.quotas[state.TenantID]
	if !ok {
		current = jobs.QuotaState{TenantID: state.TenantID, PeriodStart: state.PeriodStart}
	}
	current.Plan = state.Plan
	current.Limit = state.Limit
	if resetUsage {
		current.Used = 0
		current.PeriodStart = state.PeriodStart
	}
	current.UpdatedAt = s.now()
	s.quotas[state.TenantID] = current
	return current, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

func cloneJob(job jobs.Job) jobs.Job {
	out := job
	if job.RawPayload != nil {
		out.RawPayload = append(json.RawMessage(nil), job.RawPayload...)
	}
	if job.Classified != nil {
		c := *job.Classified
		out.Classified = &c
	}
	if job.Result != nil {
		r := *job.Result
		out.Result = &r
	}
	if job.StartedAt != nil {
		ts := *job.StartedAt
		out.StartedAt = &ts
	}
	if job.CallbackAt != nil {
		ts := *job.CallbackAt
		out.CallbackAt = &ts
	}
	if job.FinishedAt != nil {
		ts := *job.FinishedAt
		out.FinishedAt = &ts
	}
	return out
}
