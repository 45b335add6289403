// Package jobs defines the domain types and storage contracts shared by the
// admission, webhook, and analysis subsystems.
package jobs

import (
	"encoding/json"
	"errors"
	"time"
)

// Status represents the lifecycle state of a scrape job.
type Status string

// Job status values persisted in the job store.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Plan identifies a tenant's billing plan.
type Plan string

// Supported plans.
const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanPro, PlanEnterprise:
		return true
	default:
		return false
	}
}

// Sentinel errors shared by store implementations.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicateEvent    = errors.New("duplicate webhook event")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrQueueClosed       = errors.New("queue closed")
	ErrQueueFull         = errors.New("queue full")
)

// Job is the durable record of one keyword scrape and its analysis.
type Job struct {
	ID            string          `json:"jobId"`
	TenantID      string          `json:"tenantId"`
	RequesterID   string          `json:"requesterId"`
	Keyword       string          `json:"keyword"`
	AdsRequested  int             `json:"adsRequested"`
	AdsImported   int             `json:"adsImported"`
	Status        Status          `json:"status"`
	ProviderRunID string          `json:"providerRunId,omitempty"`
	DatasetID     string          `json:"datasetId,omitempty"`
	RawPayload    json.RawMessage `json:"-"`
	PayloadURI    string          `json:"payloadUri,omitempty"`
	Classified    *Classification `json:"classified,omitempty"`
	Result        *AnalysisResult `json:"result,omitempty"`
	Note          string          `json:"note,omitempty"`
	ErrorText     string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	CallbackAt    *time.Time      `json:"callbackAt,omitempty"`
	FinishedAt    *time.Time      `json:"finishedAt,omitempty"`
}

// CallbackReceived reports whether a validated succeeded event has been
// applied. A dataset id recorded at dispatch alone does not count: the run
// may still be in progress.
func (j Job) CallbackReceived() bool {
	return j.CallbackAt != nil
}

// Classification holds the fields persisted from the selected ad.
type Classification struct {
	AdArchiveID string `json:"adArchiveId,omitempty"`
	ContentType string `json:"contentType"`
	PageName    string `json:"pageName,omitempty"`
	PageID      string `json:"pageId,omitempty"`
	IsActive    bool   `json:"isActive"`
	LikeCount   int    `json:"likeCount"`
}

// Modality names one analysis branch.
type Modality string

// Analysis modalities.
const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityVideo Modality = "video"
)

// OutcomeKind tags the result of one modality.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeSkipped   OutcomeKind = "skipped"
	OutcomeFailed    OutcomeKind = "failed"
)

// Outcome is the tagged result of one attempted modality. Reason is set for
// skips, Error for failures.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Reason string      `json:"reason,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// AnalysisResult is the merged output of every modality that ran.
type AnalysisResult struct {
	Summary            string               `json:"summary,omitempty"`
	RewrittenCopy      string               `json:"rewrittenCopy,omitempty"`
	KeyInsights        []string             `json:"keyInsights,omitempty"`
	CompetitorStrategy string               `json:"competitorStrategy,omitempty"`
	Recommendations    []string             `json:"recommendations,omitempty"`
	ImageAnalysis      map[string]any       `json:"imageAnalysis,omitempty"`
	VideoAnalysis      map[string]any       `json:"videoAnalysis,omitempty"`
	Modalities         map[Modality]Outcome `json:"modalities,omitempty"`
}

// Succeeded reports whether at least one attempted modality succeeded.
func (r AnalysisResult) Succeeded() bool {
	for _, o := range r.Modalities {
		if o.Kind == OutcomeSucceeded {
			return true
		}
	}
	return false
}

// EventKind classifies a provider callback.
type EventKind string

// Provider event kinds.
const (
	EventSucceeded EventKind = "succeeded"
	EventFailed    EventKind = "failed"
	EventAborted   EventKind = "aborted"
	EventTimedOut  EventKind = "timed_out"
	EventOther     EventKind = "other"
)

// Failure reports whether the event ends the run unsuccessfully.
func (k EventKind) Failure() bool {
	return k == EventFailed || k == EventAborted || k == EventTimedOut
}

// WebhookEvent is a validated provider callback. It is stored once per ID.
type WebhookEvent struct {
	ID         string          `json:"eventId"`
	JobID      string          `json:"jobId"`
	Type       string          `json:"type"`
	Kind       EventKind       `json:"kind"`
	RunID      string          `json:"runId,omitempty"`
	DatasetID  string          `json:"datasetId,omitempty"`
	Message    string          `json:"message,omitempty"`
	Items      json.RawMessage `json:"-"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Transition describes a conditional status change and the fields written
// with it. Empty optional fields leave the stored value untouched.
type Transition struct {
	From          []Status
	To            Status
	ProviderRunID string
	DatasetID     string
	RawPayload    json.RawMessage
	PayloadURI    string
	Classified    *Classification
	Result        *AnalysisResult
	Note          string
	ErrorText     string
	// Callback marks the provider's succeeded event and stamps CallbackAt.
	Callback bool
}

// Permits reports whether the transition may start from current.
func (t Transition) Permits(current Status) bool {
	if current.Terminal() {
		return false
	}
	for _, s := range t.From {
		if s == current {
			return true
		}
	}
	return false
}

// EventResult reports what RecordEvent did after storing a new event.
type EventResult struct {
	Applied bool
	Job     Job
}

// QuotaState is the per-tenant usage counter.
type QuotaState struct {
	TenantID    string    `json:"tenantId"`
	Plan        Plan      `json:"plan"`
	Limit       int       `json:"limit"`
	Used        int       `json:"used"`
	PeriodStart time.Time `json:"periodStart"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TaskKind selects the orchestrator step a worker runs.
type TaskKind string

// Task kinds.
const (
	TaskDispatch TaskKind = "dispatch"
	TaskComplete TaskKind = "complete"
)

// Task is a unit of asynchronous work keyed on a job.
type Task struct {
	Kind     TaskKind
	JobID    string
	Enqueued time.Time
}

// Notification is published when a job reaches a terminal state.
type Notification struct {
	JobID      string    `json:"jobId"`
	TenantID   string    `json:"tenantId"`
	Keyword    string    `json:"keyword"`
	Status     Status    `json:"status"`
	Note       string    `json:"note,omitempty"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Attributes returns message attributes subscribers can filter on.
func (n Notification) Attributes() map[string]string {
	return map[string]string{
		"job_id":    n.JobID,
		"tenant_id": n.TenantID,
		"status":    string(n.Status),
	}
}

// Apply writes t onto j. Callers must check Permits first.
func (j *Job) Apply(t Transition, now time.Time) {
	j.Status = t.To
	if t.ProviderRunID != "" {
		j.ProviderRunID = t.ProviderRunID
	}
	if t.DatasetID != "" {
		j.DatasetID = t.DatasetID
	}
	if len(t.RawPayload) > 0 {
		j.RawPayload = append(json.RawMessage(nil), t.RawPayload...)
	}
	if t.PayloadURI != "" {
		j.PayloadURI = t.PayloadURI
	}
	if t.Classified != nil {
		c := *t.Classified
		j.Classified = &c
	}
	if t.Result != nil {
		r := *t.Result
		j.Result = &r
	}
	if t.Note != "" {
		j.Note = t.Note
	}
	if t.ErrorText != "" {
		j.ErrorText = t.ErrorText
	}
	j.UpdatedAt = now
	if t.To == StatusRunning && j.StartedAt == nil {
		started := now
		j.StartedAt = &started
	}
	if t.Callback && j.CallbackAt == nil {
		received := now
		j.CallbackAt = &received
	}
	if t.To.Terminal() {
		finished := now
		j.FinishedAt = &finished
	}
}
