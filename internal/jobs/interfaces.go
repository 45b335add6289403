package jobs

import (
	"context"
	"io"
	"time"
)

// JobStore persists jobs. TransitionJob is a conditional update that fails
// with ErrInvalidTransition when the current status is not in From.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	TransitionJob(ctx context.Context, jobID string, t Transition) (Job, error)
	ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]Job, error)
}

// EventStore records webhook events. The insert and the optional transition
// commit together; a repeated event ID yields ErrDuplicateEvent.
type EventStore interface {
	RecordEvent(ctx context.Context, event WebhookEvent, t *Transition) (EventResult, error)
}

// QuotaStore holds per-tenant counters. IncrementUsage must be a single
// conditional update that returns ErrQuotaExceeded instead of overshooting.
type QuotaStore interface {
	GetQuota(ctx context.Context, tenantID string) (QuotaState, error)
	IncrementUsage(ctx context.Context, tenantID string, units int) (QuotaState, error)
	DecrementUsage(ctx context.Context, tenantID string, units int) (QuotaState, error)
	SetPlan(ctx context.Context, state QuotaState, resetUsage bool) (QuotaState, error)
}

// AdmissionStore creates a job together with its quota debit. AdmitJob
// inserts job and, when debit is positive, applies the same conditional
// increment as IncrementUsage, committing both or neither. A failed
// increment returns ErrQuotaExceeded (or ErrNotFound) with the tenant's
// current counter, and no job row is written.
type AdmissionStore interface {
	AdmitJob(ctx context.Context, job Job, debit int) (QuotaState, error)
}

// Store is implemented by every persistence backend.
type Store interface {
	JobStore
	EventStore
	QuotaStore
	AdmissionStore
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes job notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for tasks.
type Queue interface {
	Enqueuer
	TryEnqueuer
	Dequeue(ctx context.Context) (Task, error)
}

// Enqueuer is the blocking write half of a Queue, for background callers
// that can wait for a free slot.
type Enqueuer interface {
	Enqueue(ctx context.Context, task Task) error
}

// TryEnqueuer hands a task off without waiting. It returns ErrQueueFull
// when no slot is free, which request handlers must not wait out.
type TryEnqueuer interface {
	TryEnqueue(ctx context.Context, task Task) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
