// Package orchestrator drives a scrape job from admission to a terminal
// state. Every step is keyed on the job id and guarded by its current
// status, so replays after a crash or a duplicate task are no-ops.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/adintel/internal/classifier"
	"github.com/JakeFAU/adintel/internal/jobs"
	"github.com/JakeFAU/adintel/internal/metrics"
	"github.com/JakeFAU/adintel/internal/provider/apify"
	"github.com/JakeFAU/adintel/internal/quota"
	"github.com/JakeFAU/adintel/internal/telemetry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidRequest wraps admission input errors.
var ErrInvalidRequest = errors.New("invalid request")

// Admission input bounds.
const (
	MaxKeywordLength = 200
	MaxLimit         = 1000
)

// Provider starts scrape runs and reads their output.
type Provider interface {
	StartRun(ctx context.Context, req apify.RunRequest) (apify.Run, error)
	FetchItems(ctx context.Context, datasetID string) ([]byte, error)
}

// Selector picks the candidate ad to analyze.
type Selector interface {
	SelectFirst(items []map[string]any) (classifier.Selection, bool)
}

// Analyzer runs the multimodal analysis.
type Analyzer interface {
	Analyze(ctx context.Context, ad classifier.Ad, raw map[string]any) jobs.AnalysisResult
	Usable(result jobs.AnalysisResult) bool
}

// Config controls optional side effects.
type Config struct {
	NotificationTopic string
	PayloadPrefix     string
}

// Deps bundles the orchestrator's collaborators. Blobs and Publisher are
// optional. Enqueuer is only ever called from request handlers, so it must
// not block.
type Deps struct {
	Store     jobs.Store
	Ledger    *quota.Ledger
	Enqueuer  jobs.TryEnqueuer
	Provider  Provider
	Selector  Selector
	Analyzer  Analyzer
	Blobs     jobs.BlobStore
	Publisher jobs.Publisher
	Clock     jobs.Clock
	IDs       jobs.IDGenerator
}

// Orchestrator owns the job state machine.
type Orchestrator struct {
	Deps
	cfg    Config
	tracer trace.Tracer
	logger *zap.Logger
}

// New validates deps and builds an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case deps.Ledger == nil:
		return nil, errors.New("orchestrator: ledger is required")
	case deps.Enqueuer == nil:
		return nil, errors.New("orchestrator: enqueuer is required")
	case deps.Provider == nil:
		return nil, errors.New("orchestrator: provider is required")
	case deps.Selector == nil:
		return nil, errors.New("orchestrator: selector is required")
	case deps.Analyzer == nil:
		return nil, errors.New("orchestrator: analyzer is required")
	case deps.Clock == nil:
		return nil, errors.New("orchestrator: clock is required")
	case deps.IDs == nil:
		return nil, errors.New("orchestrator: id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{Deps: deps, cfg: cfg, tracer: telemetry.Tracer(), logger: logger}, nil
}

// AdmitRequest is a client's scrape request with identity from the auth
// layer.
type AdmitRequest struct {
	TenantID    string
	RequesterID string
	Keyword     string
	Limit       int
}

// Admission is returned when a job was created.
type Admission struct {
	JobID     string      `json:"jobId"`
	Requested int         `json:"requested"`
	Allowed   int         `json:"allowed"`
	Status    jobs.Status `json:"status"`
	Plan      jobs.Plan   `json:"plan"`
	Remaining int         `json:"remaining"`
}

// Admit checks quota, creates the queued job together with its debit and
// schedules dispatch. A *quota.ExceededError is returned when the tenant has
// nothing left, and an error wrapping jobs.ErrQueueFull when the worker pool
// cannot take the job right now.
func (o *Orchestrator) Admit(ctx context.Context, req AdmitRequest) (Admission, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.admit", trace.WithAttributes(
		attribute.String("tenant_id", req.TenantID),
	))
	defer span.End()

	req.Keyword = strings.TrimSpace(req.Keyword)
	if err := validate(req); err != nil {
		metrics.ObserveAdmission("", "invalid")
		return Admission{}, err
	}

	decision, err := o.Ledger.Admit(ctx, req.TenantID, req.Limit)
	if err != nil {
		return Admission{}, o.denied(req.TenantID, err)
	}

	id, err := o.IDs.NewID()
	if err != nil {
		return Admission{}, err
	}
	now := o.Clock.Now()
	job := jobs.Job{
		ID:           id,
		TenantID:     req.TenantID,
		RequesterID:  req.RequesterID,
		Keyword:      req.Keyword,
		AdsRequested: req.Limit,
		AdsImported:  decision.Allowed,
		Status:       jobs.StatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	// Another admission may take the remaining allowance between the check
	// above and this commit; the store then refuses the debit and the row.
	if err := o.Ledger.Commit(ctx, decision, job); err != nil {
		return Admission{}, o.denied(req.TenantID, err)
	}
	span.SetAttributes(attribute.String("job_id", id), attribute.Int("allowed", decision.Allowed))

	if err := o.Enqueuer.TryEnqueue(ctx, jobs.Task{Kind: jobs.TaskDispatch, JobID: id, Enqueued: now}); err != nil {
		if rerr := o.Ledger.Refund(ctx, req.TenantID, decision.Plan, decision.Allowed); rerr != nil {
			o.logger.Error("quota refund failed", zap.String("job_id", id), zap.Error(rerr))
		}
		o.failQuietly(ctx, id, []jobs.Status{jobs.StatusQueued}, "could not schedule dispatch")
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue dispatch")
		if errors.Is(err, jobs.ErrQueueFull) {
			metrics.ObserveAdmission(string(decision.Plan), "queue_full")
		}
		return Admission{}, fmt.Errorf("schedule dispatch: %w", err)
	}

	metrics.ObserveAdmission(string(decision.Plan), "admitted")
	o.logger.Info("job admitted",
		zap.String("job_id", id),
		zap.String("tenant_id", req.TenantID),
		zap.String("plan", string(decision.Plan)),
		zap.Int("requested", req.Limit),
		zap.Int("allowed", decision.Allowed),
	)
	remaining := decision.Remaining
	if decision.Plan != jobs.PlanFree {
		remaining -= decision.Allowed
	}
	return Admission{
		JobID:     id,
		Requested: req.Limit,
		Allowed:   decision.Allowed,
		Status:    jobs.StatusQueued,
		Plan:      decision.Plan,
		Remaining: remaining,
	}, nil
}

// denied logs and counts a quota refusal; other errors pass through wrapped.
func (o *Orchestrator) denied(tenantID string, err error) error {
	var exceeded *quota.ExceededError
	if !errors.As(err, &exceeded) {
		return fmt.Errorf("quota admit: %w", err)
	}
	metrics.ObserveAdmission(string(exceeded.Plan), "exceeded")
	o.logger.Info("admission denied",
		zap.String("tenant_id", tenantID),
		zap.String("plan", string(exceeded.Plan)),
		zap.Int("used", exceeded.Used),
		zap.Int("limit", exceeded.Limit),
	)
	return err
}

func validate(req AdmitRequest) error {
	switch {
	case strings.TrimSpace(req.TenantID) == "":
		return fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	case req.Keyword == "":
		return fmt.Errorf("%w: keyword is required", ErrInvalidRequest)
	case utf8.RuneCountInString(req.Keyword) > MaxKeywordLength:
		return fmt.Errorf("%w: keyword exceeds %d characters", ErrInvalidRequest, MaxKeywordLength)
	case req.Limit < 1 || req.Limit > MaxLimit:
		return fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidRequest, MaxLimit)
	}
	return nil
}

// Dispatch hands a queued job to the provider. Provider errors fail the job
// immediately and are not retried.
func (o *Orchestrator) Dispatch(ctx context.Context, jobID string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.dispatch", trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	job, err := o.Store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != jobs.StatusQueued {
		o.logger.Debug("dispatch skipped", zap.String("job_id", jobID), zap.String("status", string(job.Status)))
		return nil
	}

	run, err := o.Provider.StartRun(ctx, apify.RunRequest{
		JobID:    job.ID,
		Keyword:  job.Keyword,
		MaxItems: job.AdsImported,
	})
	if err != nil {
		span.RecordError(err)
		o.logger.Warn("dispatch failed", zap.String("job_id", jobID), zap.Error(err))
		_, ferr := o.finish(ctx, jobID, jobs.Transition{
			From:      []jobs.Status{jobs.StatusQueued},
			To:        jobs.StatusFailed,
			ErrorText: "dispatch failed: " + err.Error(),
		})
		return ferr
	}

	_, err = o.Store.TransitionJob(ctx, jobID, jobs.Transition{
		From:          []jobs.Status{jobs.StatusQueued},
		To:            jobs.StatusRunning,
		ProviderRunID: run.ID,
		DatasetID:     run.DatasetID,
	})
	switch {
	case errors.Is(err, jobs.ErrInvalidTransition):
		// A callback arrived before the acknowledgement was recorded.
		o.logger.Debug("dispatch raced with callback", zap.String("job_id", jobID))
		return nil
	case err != nil:
		return fmt.Errorf("mark running: %w", err)
	}
	o.logger.Info("job dispatched",
		zap.String("job_id", jobID),
		zap.String("run_id", run.ID),
		zap.Int("max_items", job.AdsImported),
	)
	return nil
}

// HandleEvent records a validated provider callback and applies its
// transition in the same store operation. A succeeded event schedules the
// completion step.
func (o *Orchestrator) HandleEvent(ctx context.Context, event jobs.WebhookEvent) (jobs.EventResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.handle_event", trace.WithAttributes(
		attribute.String("job_id", event.JobID),
		attribute.String("event_type", event.Type),
	))
	defer span.End()

	t := transitionFor(event)
	res, err := o.Store.RecordEvent(ctx, event, t)
	switch {
	case errors.Is(err, jobs.ErrDuplicateEvent):
		metrics.ObserveWebhook("duplicate")
		return res, err
	case errors.Is(err, jobs.ErrNotFound):
		metrics.ObserveWebhook("unknown_job")
		return res, err
	case err != nil:
		metrics.ObserveWebhook("error")
		return res, fmt.Errorf("record event: %w", err)
	}
	if !res.Applied {
		metrics.ObserveWebhook("ignored")
		return res, nil
	}
	metrics.ObserveWebhook("processed")

	switch {
	case event.Kind == jobs.EventSucceeded:
		task := jobs.Task{Kind: jobs.TaskComplete, JobID: event.JobID, Enqueued: o.Clock.Now()}
		if err := o.Enqueuer.TryEnqueue(ctx, task); err != nil {
			// The callback is recorded, so the sweep re-enqueues completion.
			o.logger.Warn("enqueue completion deferred to sweep", zap.String("job_id", event.JobID), zap.Error(err))
		}
	case res.Job.Status.Terminal():
		o.terminal(ctx, res.Job)
	}
	return res, nil
}

func transitionFor(event jobs.WebhookEvent) *jobs.Transition {
	from := []jobs.Status{jobs.StatusQueued, jobs.StatusRunning}
	switch {
	case event.Kind == jobs.EventSucceeded:
		return &jobs.Transition{
			From:          from,
			To:            jobs.StatusRunning,
			ProviderRunID: event.RunID,
			DatasetID:     event.DatasetID,
			RawPayload:    event.Items,
			Callback:      true,
		}
	case event.Kind.Failure():
		msg := event.Message
		if msg == "" {
			msg = "provider reported " + strings.ToLower(event.Type)
		}
		return &jobs.Transition{
			From:          from,
			To:            jobs.StatusFailed,
			ProviderRunID: event.RunID,
			ErrorText:     msg,
		}
	default:
		return nil
	}
}

// Complete turns a finished provider run into analysis results. It is safe
// to run more than once: a terminal job is left alone and the payload is
// only fetched and archived until it has been recorded.
func (o *Orchestrator) Complete(ctx context.Context, jobID string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.complete", trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	job, err := o.Store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		return nil
	}
	if job.Status != jobs.StatusRunning {
		o.logger.Warn("completion requested for job that is not running",
			zap.String("job_id", jobID), zap.String("status", string(job.Status)))
		return nil
	}
	if !job.CallbackReceived() {
		// The dataset may still be filling; only the succeeded event says it is done.
		o.logger.Warn("completion requested before provider callback", zap.String("job_id", jobID))
		return nil
	}

	job, err = o.loadPayload(ctx, job)
	if err != nil {
		span.RecordError(err)
		return err
	}

	items, err := decodeItems(job.RawPayload)
	if err != nil {
		_, ferr := o.finish(ctx, jobID, jobs.Transition{
			From:      []jobs.Status{jobs.StatusRunning},
			To:        jobs.StatusFailed,
			ErrorText: "provider payload is not a list of ads: " + err.Error(),
		})
		return ferr
	}

	sel, ok := o.Selector.SelectFirst(items)
	if !ok {
		_, err := o.finish(ctx, jobID, jobs.Transition{
			From: []jobs.Status{jobs.StatusRunning},
			To:   jobs.StatusCompleted,
			Note: fmt.Sprintf("none of the %d scraped ads is active with at least one like", len(items)),
		})
		return err
	}
	span.SetAttributes(
		attribute.Int("candidates", len(items)),
		attribute.Int("selected_index", sel.Index),
		attribute.String("content_type", string(sel.Ad.ContentType)),
	)

	result := o.Analyzer.Analyze(ctx, sel.Ad, sel.Raw)
	observeAnalysis(result)
	classified := sel.Ad.Classification()

	t := jobs.Transition{
		From:       []jobs.Status{jobs.StatusRunning},
		To:         jobs.StatusCompleted,
		Classified: &classified,
		Result:     &result,
	}
	if !o.Analyzer.Usable(result) {
		t.To = jobs.StatusFailed
		t.ErrorText = "analysis failed for every modality"
	}
	_, err = o.finish(ctx, jobID, t)
	return err
}

// loadPayload makes sure the job's raw payload is stored and archived,
// fetching it from the dataset when the callback did not carry it inline.
func (o *Orchestrator) loadPayload(ctx context.Context, job jobs.Job) (jobs.Job, error) {
	payload := job.RawPayload
	fetched := false
	if len(payload) == 0 {
		if job.DatasetID == "" {
			return job, errors.New("no dataset recorded for running job")
		}
		data, err := o.Provider.FetchItems(ctx, job.DatasetID)
		if err != nil {
			return job, fmt.Errorf("fetch dataset: %w", err)
		}
		payload = data
		fetched = true
	}

	uri := ""
	if job.PayloadURI == "" && o.Blobs != nil {
		var err error
		uri, err = o.Blobs.PutObject(ctx, o.archivePath(job), "application/json", bytes.NewReader(payload))
		if err != nil {
			o.logger.Warn("payload archive failed", zap.String("job_id", job.ID), zap.Error(err))
			uri = ""
		}
	}
	if !fetched && uri == "" {
		return job, nil
	}

	t := jobs.Transition{
		From:       []jobs.Status{jobs.StatusRunning},
		To:         jobs.StatusRunning,
		PayloadURI: uri,
	}
	if fetched {
		t.RawPayload = payload
	}
	updated, err := o.Store.TransitionJob(ctx, job.ID, t)
	if err != nil {
		return job, fmt.Errorf("record payload: %w", err)
	}
	return updated, nil
}

func (o *Orchestrator) archivePath(job jobs.Job) string {
	prefix := strings.Trim(o.cfg.PayloadPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.json", job.TenantID, job.ID)
	}
	return fmt.Sprintf("%s/%s/%s.json", prefix, job.TenantID, job.ID)
}

func decodeItems(payload []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var items []map[string]any
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func observeAnalysis(result jobs.AnalysisResult) {
	for modality, outcome := range result.Modalities {
		metrics.ObserveModality(string(modality), string(outcome.Kind))
		if outcome.Kind == jobs.OutcomeSkipped && outcome.Reason != "" {
			metrics.ObserveMediaSkip(outcome.Reason)
		}
	}
}

// Fail moves a non-terminal job to failed. Workers call it when a step
// returns an unexpected error or panics.
func (o *Orchestrator) Fail(ctx context.Context, jobID string, cause error) error {
	msg := "internal error"
	if cause != nil {
		msg = cause.Error()
	}
	_, err := o.finish(ctx, jobID, jobs.Transition{
		From:      []jobs.Status{jobs.StatusQueued, jobs.StatusRunning},
		To:        jobs.StatusFailed,
		ErrorText: msg,
	})
	return err
}

// finish applies t and, when it lands in a terminal state, emits metrics and
// the notification. Losing the race to another writer is not an error.
func (o *Orchestrator) finish(ctx context.Context, jobID string, t jobs.Transition) (jobs.Job, error) {
	job, err := o.Store.TransitionJob(ctx, jobID, t)
	if errors.Is(err, jobs.ErrInvalidTransition) {
		o.logger.Debug("transition skipped", zap.String("job_id", jobID), zap.String("to", string(t.To)), zap.Error(err))
		return job, nil
	}
	if err != nil {
		return job, fmt.Errorf("transition job to %s: %w", t.To, err)
	}
	if job.Status.Terminal() {
		o.terminal(ctx, job)
	}
	return job, nil
}

func (o *Orchestrator) failQuietly(ctx context.Context, jobID string, from []jobs.Status, msg string) {
	if _, err := o.finish(ctx, jobID, jobs.Transition{From: from, To: jobs.StatusFailed, ErrorText: msg}); err != nil {
		o.logger.Error("fail job", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (o *Orchestrator) terminal(ctx context.Context, job jobs.Job) {
	metrics.ObserveJob(string(job.Status))
	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("status", string(job.Status)),
	}
	if job.ErrorText != "" {
		fields = append(fields, zap.String("error", job.ErrorText))
	}
	o.logger.Info("job finished", fields...)

	if o.Publisher == nil || o.cfg.NotificationTopic == "" {
		return
	}
	finished := o.Clock.Now()
	if job.FinishedAt != nil {
		finished = *job.FinishedAt
	}
	note := jobs.Notification{
		JobID:      job.ID,
		TenantID:   job.TenantID,
		Keyword:    job.Keyword,
		Status:     job.Status,
		Note:       job.Note,
		Error:      job.ErrorText,
		FinishedAt: finished,
	}
	if _, err := o.Publisher.Publish(ctx, o.cfg.NotificationTopic, note); err != nil {
		o.logger.Warn("publish notification failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
