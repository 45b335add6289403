package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/adintel/internal/analysis"
	"github.com/JakeFAU/adintel/internal/classifier"
	"github.com/JakeFAU/adintel/internal/clock/system"
	"github.com/JakeFAU/adintel/internal/jobs"
	"github.com/JakeFAU/adintel/internal/media"
	"github.com/JakeFAU/adintel/internal/provider/apify"
	pubmemory "github.com/JakeFAU/adintel/internal/publisher/memory"
	queuememory "github.com/JakeFAU/adintel/internal/queue/memory"
	"github.com/JakeFAU/adintel/internal/quota"
	"github.com/JakeFAU/adintel/internal/reconcile"
	"github.com/JakeFAU/adintel/internal/storage/memory"
	"github.com/JakeFAU/adintel/internal/webhook"
)

const topic = "job-notifications"

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return "job-" + string(rune('0'+s.n)), nil
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []jobs.Task
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, task jobs.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *recordingQueue) TryEnqueue(ctx context.Context, task jobs.Task) error {
	return q.Enqueue(ctx, task)
}

func (q *recordingQueue) last() jobs.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks[len(q.tasks)-1]
}

type fakeProvider struct {
	run      apify.Run
	startErr error
	items    []byte
	fetchErr error
	started  []apify.RunRequest
	fetched  int
}

func (p *fakeProvider) StartRun(_ context.Context, req apify.RunRequest) (apify.Run, error) {
	p.started = append(p.started, req)
	if p.startErr != nil {
		return apify.Run{}, p.startErr
	}
	return p.run, nil
}

func (p *fakeProvider) FetchItems(context.Context, string) ([]byte, error) {
	p.fetched++
	return p.items, p.fetchErr
}

type textGenerator struct {
	resp string
	err  error
}

func (g textGenerator) Generate(context.Context, string, []analysis.Part) (string, error) {
	return g.resp, g.err
}

type noMedia struct{}

func (noMedia) FetchWithCap(context.Context, string, int64) (media.Media, error) {
	return media.Media{}, errors.New("unexpected media fetch")
}

type harness struct {
	store     *memory.Store
	ledger    *quota.Ledger
	queue     *recordingQueue
	provider  *fakeProvider
	blobs     *memory.BlobStore
	publisher *pubmemory.Publisher
	orch      *Orchestrator
}

const summaryJSON = `{"summary":"Discounted running shoes for commuters.","rewrittenCopy":"Run the city.",` +
	`"keyInsights":["urgency"],"competitorStrategy":"price","recommendations":["bundle socks"]}`

func newHarness(t *testing.T, gen analysis.Generator) *harness {
	t.Helper()
	clock := fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.NewStore(memory.WithClock(clock))
	ledger := quota.NewLedger(store, quota.DefaultLimits(), clock)
	cls, err := classifier.New(classifier.Config{})
	require.NoError(t, err)
	if gen == nil {
		gen = textGenerator{resp: summaryJSON}
	}
	h := &harness{
		store:     store,
		ledger:    ledger,
		queue:     &recordingQueue{},
		provider:  &fakeProvider{run: apify.Run{ID: "run-1", DatasetID: "ds-1", Status: "READY"}},
		blobs:     memory.NewBlobStore(),
		publisher: pubmemory.New(),
	}
	h.orch, err = New(Deps{
		Store:     store,
		Ledger:    ledger,
		Enqueuer:  h.queue,
		Provider:  h.provider,
		Selector:  cls,
		Analyzer:  analysis.New(gen, noMedia{}, analysis.Config{TextModel: "text"}, zap.NewNop()),
		Blobs:     h.blobs,
		Publisher: h.publisher,
		Clock:     clock,
		IDs:       &seqIDs{},
	}, Config{NotificationTopic: topic, PayloadPrefix: "payloads"}, zap.NewNop())
	require.NoError(t, err)
	return h
}

func (h *harness) setPro(t *testing.T, tenant string, used int) {
	t.Helper()
	ctx := context.Background()
	_, err := h.ledger.ApplyPlan(ctx, tenant, jobs.PlanPro, true)
	require.NoError(t, err)
	if used > 0 {
		_, err = h.store.IncrementUsage(ctx, tenant, used)
		require.NoError(t, err)
	}
}

func TestEndToEndProTenant(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.setPro(t, "acme", 490)

	adm, err := h.orch.Admit(ctx, AdmitRequest{TenantID: "acme", RequesterID: "u1", Keyword: "running shoes", Limit: 50})
	require.NoError(t, err)
	require.Equal(t, 50, adm.Requested)
	require.Equal(t, 10, adm.Allowed)
	require.Equal(t, jobs.StatusQueued, adm.Status)
	require.Equal(t, 0, adm.Remaining)

	job, err := h.store.GetJob(ctx, adm.JobID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusQueued, job.Status)
	require.Equal(t, 10, job.AdsImported)

	st, err := h.ledger.Status(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, 500, st.Used)

	require.Equal(t, jobs.Task{Kind: jobs.TaskDispatch, JobID: adm.JobID, Enqueued: job.CreatedAt}, h.queue.last())
	require.NoError(t, h.orch.Dispatch(ctx, adm.JobID))
	require.Equal(t, 10, h.provider.started[0].MaxItems)

	job, _ = h.store.GetJob(ctx, adm.JobID)
	require.Equal(t, jobs.StatusRunning, job.Status)
	require.Equal(t, "run-1", job.ProviderRunID)

	gw, err := webhook.New("secret", h.orch, nil, zap.NewNop())
	require.NoError(t, err)
	body := []byte(`{"jobId":"` + adm.JobID + `","eventType":"ACTOR.RUN.SUCCEEDED","resource":{"id":"run-1","defaultDatasetId":"ds-1"},` +
		`"items":[{"adArchiveID":"a1","likes":0,"isActive":true},{"adArchiveID":"a2","likes":12,"isActive":true,"adText":"Shoes"}]}`)
	res, err := gw.Receive(ctx, body, webhook.SignatureHeader("secret", body))
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeProcessed, res.Outcome)

	task := h.queue.last()
	require.Equal(t, jobs.TaskComplete, task.Kind)
	require.NoError(t, h.orch.Complete(ctx, task.JobID))

	job, _ = h.store.GetJob(ctx, adm.JobID)
	require.Equal(t, jobs.StatusCompleted, job.Status)
	require.NotNil(t, job.Result)
	require.Equal(t, "Discounted running shoes for commuters.", job.Result.Summary)
	require.Nil(t, job.Result.ImageAnalysis)
	require.Equal(t, "a2", job.Classified.AdArchiveID)
	require.Equal(t, "text", job.Classified.ContentType)
	require.Equal(t, "memory://payloads/acme/"+adm.JobID+".json", job.PayloadURI)
	require.Zero(t, h.provider.fetched, "inline items need no dataset fetch")

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	note := msgs[0].Payload.(jobs.Notification)
	require.Equal(t, jobs.StatusCompleted, note.Status)
	require.Equal(t, topic, msgs[0].Topic)

	// Replaying the callback changes nothing.
	res, err = gw.Receive(ctx, body, webhook.SignatureHeader("secret", body))
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeDuplicate, res.Outcome)
	require.Equal(t, 1, h.store.EventCount())
}

func TestAdmitFreePlanClamp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	for _, tc := range []struct{ limit, want int }{{25, 10}, {10, 10}, {3, 3}} {
		adm, err := h.orch.Admit(ctx, AdmitRequest{TenantID: "free-co", Keyword: "kw", Limit: tc.limit})
		require.NoError(t, err)
		require.Equal(t, tc.want, adm.Allowed)
		require.Equal(t, jobs.PlanFree, adm.Plan)
	}
	_, err := h.store.GetQuota(ctx, "free-co")
	require.ErrorIs(t, err, jobs.ErrNotFound, "free plans are never debited")
}

func TestAdmitQuotaExceeded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.setPro(t, "acme", 500)

	_, err := h.orch.Admit(context.Background(), AdmitRequest{TenantID: "acme", Keyword: "kw", Limit: 5})
	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	require.Equal(t, 0, exceeded.Remaining)
	require.Contains(t, exceeded.UpgradeHint, "enterprise")
	require.Empty(t, h.queue.tasks)
}

func TestAdmitValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	long := make([]byte, MaxKeywordLength+1)
	for i := range long {
		long[i] = 'k'
	}
	tests := []AdmitRequest{
		{TenantID: "", Keyword: "kw", Limit: 1},
		{TenantID: "t", Keyword: "   ", Limit: 1},
		{TenantID: "t", Keyword: string(long), Limit: 1},
		{TenantID: "t", Keyword: "kw", Limit: 0},
		{TenantID: "t", Keyword: "kw", Limit: MaxLimit + 1},
	}
	for _, req := range tests {
		_, err := h.orch.Admit(context.Background(), req)
		require.ErrorIs(t, err, ErrInvalidRequest)
	}
}

func TestAdmitEnqueueFailureRefunds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.setPro(t, "acme", 100)
	h.queue.err = errors.New("queue closed")

	_, err := h.orch.Admit(ctx, AdmitRequest{TenantID: "acme", Keyword: "kw", Limit: 20})
	require.Error(t, err)

	st, _ := h.ledger.Status(ctx, "acme")
	require.Equal(t, 100, st.Used)
	job, err := h.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusFailed, job.Status)
}

func TestDispatchFailureFailsJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.provider.startErr = errors.New("connection refused")
	adm, err := h.orch.Admit(ctx, AdmitRequest{TenantID: "t", Keyword: "kw", Limit: 1})
	require.NoError(t, err)

	require.NoError(t, h.orch.Dispatch(ctx, adm.JobID))
	job, _ := h.store.GetJob(ctx, adm.JobID)
	require.Equal(t, jobs.StatusFailed, job.Status)
	require.Contains(t, job.ErrorText, "connection refused")

	// A second dispatch of the same job is a no-op.
	require.NoError(t, h.orch.Dispatch(ctx, adm.JobID))
	require.Len(t, h.provider.started, 1)
}

func TestFailureEventFailsJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	adm, err := h.orch.Admit(ctx, AdmitRequest{TenantID: "t", Keyword: "kw", Limit: 1})
	require.NoError(t, err)
	require.NoError(t, h.orch.Dispatch(ctx, adm.JobID))

	res, err := h.orch.HandleEvent(ctx, jobs.WebhookEvent{
		ID: "run-1:ACTOR.RUN.ABORTED", JobID: adm.JobID, Kind: jobs.EventAborted,
		Type: "ACTOR.RUN.ABORTED", Message: "Actor was aborted",
	})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, jobs.StatusFailed, res.Job.Status)
	require.Equal(t, "Actor was aborted", res.Job.ErrorText)

	// A late success cannot resurrect the job.
	res, err = h.orch.HandleEvent(ctx, jobs.WebhookEvent{
		ID: "run-1:ACTOR.RUN.SUCCEEDED", JobID: adm.JobID, Kind: jobs.EventSucceeded,
	})
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.Equal(t, jobs.StatusFailed, res.Job.Status)
	require.Len(t, h.publisher.Messages(), 1)
}

func TestCompleteNoQualifyingAd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.provider.items = []byte(`[{"likes":0,"isActive":true},{"likes":3,"isActive":false}]`)
	adm, _ := h.orch.Admit(ctx, AdmitRequest{TenantID: "t", Keyword: "kw", Limit: 2})
	require.NoError(t, h.orch.Dispatch(ctx, adm.JobID))
	_, err := h.orch.HandleEvent(ctx, jobs.WebhookEvent{ID: "e1", JobID: adm.JobID, Kind: jobs.EventSucceeded, DatasetID: "ds-1"})
	require.NoError(t, err)

	require.NoError(t, h.orch.Complete(ctx, adm.JobID))
	job, _ := h.store.GetJob(ctx, adm.JobID)
	require.Equal(t, jobs.StatusCompleted, job.Status)
	require.Contains(t, job.Note, "none of the 2 scraped ads")
	require.Nil(t, job.Result)
	require.Equal(t, 1, h.provider.fetched)
	require.JSONEq(t, string(h.provider.items), string(job.RawPayload))

	data, contentType, ok := h.blobs.Object("payloads/t/" + adm.JobID + ".json")
	require.True(t, ok)
	require.Equal(t, "application/json", contentType)
	require.JSONEq(t, string(h.provider.items), string(data))

	// Running completion again is harmless.
	require.NoError(t, h.orch.Complete(ctx, adm.JobID))
	require.Equal(t, 1, h.provider.fetched)
}

func TestCompleteAllModalitiesFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, textGenerator{err: errors.New("model overloaded")})
	adm, _ := h.orch.Admit(ctx, AdmitRequest{TenantID: "t", Keyword: "kw", Limit: 1})
	require.NoError(t, h.orch.Dispatch(ctx, adm.JobID))
	_, err := h.orch.HandleEvent(ctx, jobs.WebhookEvent{
		ID: "e1", JobID: adm.JobID, Kind: jobs.EventSucceeded,
		Items: []byte(`[{"likes":1,"isActive":true,"adText":"hi"}]`),
	})
	require.NoError(t, err)

	require.NoError(t, h.orch.Complete(ctx, adm.JobID))
	job, _ := h.store.GetJob(ctx, adm.JobID)
	require.Equal(t, jobs.StatusFailed, job.Status)
	require.Equal(t, "analysis failed for every modality", job.ErrorText)
	require.NotNil(t, job.Result)
	assert.Equal(t, jobs.OutcomeFailed, job.Result.Modalities[jobs.ModalityText].Kind)
}

func TestCompleteMalformedPayload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	adm, _ := h.orch.Admit(ctx, AdmitRequest{TenantID: "t", Keyword: "kw", Limit: 1})
	require.NoError(t, h.orch.Dispatch(ctx, adm.JobID))
	_, err := h.orch.HandleEvent(ctx, jobs.WebhookEvent{
		ID: "e1", JobID: adm.JobID, Kind: jobs.EventSucceeded, Items: []byte(`["not an object"]`),
	})
	require.NoError(t, err)

	require.NoError(t, h.orch.Complete(ctx, adm.JobID))
	job, _ := h.store.GetJob(ctx, adm.JobID)
	require.Equal(t, jobs.StatusFailed, job.Status)
	require.Contains(t, job.ErrorText, "not a list of ads")
}

func TestCompleteDatasetFetchErrorIsReturned(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.provider.fetchErr = errors.New("502 bad gateway")
	adm, _ := h.orch.Admit(ctx, AdmitRequest{TenantID: "t", Keyword: "kw", Limit: 1})
	require.NoError(t, h.orch.Dispatch(ctx, adm.JobID))
	_, err := h.orch.HandleEvent(ctx, jobs.WebhookEvent{ID: "e1", JobID: adm.JobID, Kind: jobs.EventSucceeded, DatasetID: "ds-1"})
	require.NoError(t, err)

	err = h.orch.Complete(ctx, adm.JobID)
	require.ErrorContains(t, err, "502 bad gateway")

	require.NoError(t, h.orch.Fail(ctx, adm.JobID, err))
	job, _ := h.store.GetJob(ctx, adm.JobID)
	require.Equal(t, jobs.StatusFailed, job.Status)
}

func TestCompleteWaitsForCallback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.provider.items = []byte(`[]`)
	adm, err := h.orch.Admit(ctx, AdmitRequest{TenantID: "t", Keyword: "kw", Limit: 1})
	require.NoError(t, err)
	require.NoError(t, h.orch.Dispatch(ctx, adm.JobID))

	// Dispatch knows the dataset id, but the run has not reported success.
	require.NoError(t, h.orch.Complete(ctx, adm.JobID))
	job, _ := h.store.GetJob(ctx, adm.JobID)
	require.Equal(t, jobs.StatusRunning, job.Status)
	require.Equal(t, "ds-1", job.DatasetID)
	require.Nil(t, job.CallbackAt)
	require.Zero(t, h.provider.fetched)
	require.Empty(t, h.publisher.Messages())
}

func TestSweepFailsDispatchedJobThatNeverCalledBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	adm, err := h.orch.Admit(ctx, AdmitRequest{TenantID: "t", Keyword: "kw", Limit: 1})
	require.NoError(t, err)
	require.NoError(t, h.orch.Dispatch(ctx, adm.JobID))

	clock := system.NewFrozen(time.Date(2026, 3, 1, 12, 31, 0, 0, time.UTC))
	sweeper := reconcile.New(h.store, h.queue, h.orch, clock, reconcile.Config{RunningTimeout: 30 * time.Minute}, zap.NewNop())
	report, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, reconcile.Report{TimedOut: 1}, report)

	job, _ := h.store.GetJob(ctx, adm.JobID)
	require.Equal(t, jobs.StatusFailed, job.Status)
	require.Equal(t, reconcile.ErrCallbackTimeout.Error(), job.ErrorText)
	require.Zero(t, h.provider.fetched)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, jobs.StatusFailed, msgs[0].Payload.(jobs.Notification).Status)
}

func TestAdmitQueueFullRefundsAndFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.setPro(t, "acme", 100)
	h.orch.Enqueuer = queuememory.NewQueue(0)

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Admit(ctx, AdmitRequest{TenantID: "acme", Keyword: "kw", Limit: 20})
		done <- err
	}()
	var err error
	select {
	case err = <-done:
	case <-time.After(time.Second):
		t.Fatal("admission blocked on a full queue")
	}
	require.ErrorIs(t, err, jobs.ErrQueueFull)

	st, _ := h.ledger.Status(ctx, "acme")
	require.Equal(t, 100, st.Used)
	job, err := h.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusFailed, job.Status)
}

func TestHandleEventQueueFullLeavesCompletionToSweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	adm, err := h.orch.Admit(ctx, AdmitRequest{TenantID: "t", Keyword: "kw", Limit: 1})
	require.NoError(t, err)
	require.NoError(t, h.orch.Dispatch(ctx, adm.JobID))

	h.orch.Enqueuer = queuememory.NewQueue(0)
	res, err := h.orch.HandleEvent(ctx, jobs.WebhookEvent{ID: "e1", JobID: adm.JobID, Kind: jobs.EventSucceeded, DatasetID: "ds-1"})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.NotNil(t, res.Job.CallbackAt)

	clock := system.NewFrozen(time.Date(2026, 3, 1, 12, 31, 0, 0, time.UTC))
	sweeper := reconcile.New(h.store, h.queue, h.orch, clock, reconcile.Config{RunningTimeout: 30 * time.Minute}, zap.NewNop())
	report, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, reconcile.Report{RequeuedComplete: 1}, report)
	require.Equal(t, jobs.Task{Kind: jobs.TaskComplete, JobID: adm.JobID, Enqueued: clock.Now()}, h.queue.last())
}

// racingStore lets a concurrent admission spend units just before the
// orchestrator's own commit reaches the store.
type racingStore struct {
	*memory.Store
	steal int
}

func (r *racingStore) AdmitJob(ctx context.Context, job jobs.Job, debit int) (jobs.QuotaState, error) {
	if _, err := r.IncrementUsage(ctx, job.TenantID, r.steal); err != nil {
		return jobs.QuotaState{}, err
	}
	return r.Store.AdmitJob(ctx, job, debit)
}

func TestAdmitLostRaceLeavesNoJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.setPro(t, "acme", 495)
	racing := &racingStore{Store: h.store, steal: 3}
	h.orch.Ledger = quota.NewLedger(racing, quota.DefaultLimits(), fakeClock{})

	_, err := h.orch.Admit(ctx, AdmitRequest{TenantID: "acme", Keyword: "kw", Limit: 5})
	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	require.Equal(t, 498, exceeded.Used)

	_, err = h.store.GetJob(ctx, "job-1")
	require.ErrorIs(t, err, jobs.ErrNotFound)
	require.Empty(t, h.queue.tasks)
	st, _ := h.ledger.Status(ctx, "acme")
	require.Equal(t, 498, st.Used)
}

func TestHandleEventUnknownJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, err := h.orch.HandleEvent(context.Background(), jobs.WebhookEvent{ID: "e", JobID: "nope", Kind: jobs.EventSucceeded})
	require.ErrorIs(t, err, jobs.ErrNotFound)
	require.Zero(t, h.store.EventCount())
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{}, nil)
	require.Error(t, err)
}
