package sqlite

import (
	"context"
	stdjson "encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adintel/internal/clock/system"
	"github.com/JakeFAU/adintel/internal/jobs"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", system.NewFrozen(now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func queuedJob(id string, updated time.Time) jobs.Job {
	return jobs.Job{
		ID:           id,
		TenantID:     "acme",
		Keyword:      "running shoes",
		AdsRequested: 25,
		AdsImported:  10,
		Status:       jobs.StatusQueued,
		CreatedAt:    updated,
		UpdatedAt:    updated,
	}
}

func TestJobRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.CreateJob(ctx, queuedJob("job-1", now)))
	require.EqualError(t, s.CreateJob(ctx, queuedJob("job-1", now)), "job job-1 already exists")

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, queuedJob("job-1", now), got)

	_, err = s.GetJob(ctx, "missing")
	require.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestTransitionJobPersistsFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.CreateJob(ctx, queuedJob("job-1", now.Add(-time.Minute))))

	_, err := s.TransitionJob(ctx, "job-1", jobs.Transition{
		From: []jobs.Status{jobs.StatusQueued}, To: jobs.StatusRunning,
		ProviderRunID: "run-1", DatasetID: "ds-1",
		RawPayload: stdjson.RawMessage(`[{"a":1}]`), PayloadURI: "memory://p.json",
		Callback: true,
	})
	require.NoError(t, err)

	_, err = s.TransitionJob(ctx, "job-1", jobs.Transition{
		From: []jobs.Status{jobs.StatusRunning}, To: jobs.StatusCompleted,
		Classified: &jobs.Classification{ContentType: "text", IsActive: true, LikeCount: 3},
		Result: &jobs.AnalysisResult{
			Summary:    "ok",
			Modalities: map[jobs.Modality]jobs.Outcome{jobs.ModalityText: {Kind: jobs.OutcomeSucceeded}},
		},
	})
	require.NoError(t, err)

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Equal(t, "run-1", got.ProviderRunID)
	assert.JSONEq(t, `[{"a":1}]`, string(got.RawPayload))
	assert.Equal(t, "memory://p.json", got.PayloadURI)
	require.NotNil(t, got.Classified)
	assert.Equal(t, 3, got.Classified.LikeCount)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Succeeded())
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CallbackAt)
	assert.Equal(t, now, *got.CallbackAt)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, now, *got.FinishedAt)

	_, err = s.TransitionJob(ctx, "job-1", jobs.Transition{
		From: []jobs.Status{jobs.StatusRunning}, To: jobs.StatusFailed,
	})
	require.ErrorIs(t, err, jobs.ErrInvalidTransition)
}

func TestRecordEventIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.CreateJob(ctx, queuedJob("job-1", now)))

	event := jobs.WebhookEvent{ID: "run-1:ACTOR.RUN.FAILED", JobID: "job-1", Type: "ACTOR.RUN.FAILED", Kind: jobs.EventFailed, ReceivedAt: now}
	transition := &jobs.Transition{
		From: []jobs.Status{jobs.StatusQueued, jobs.StatusRunning}, To: jobs.StatusFailed, ErrorText: "crashed",
	}

	res, err := s.RecordEvent(ctx, event, transition)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, jobs.StatusFailed, res.Job.Status)

	_, err = s.RecordEvent(ctx, event, transition)
	require.ErrorIs(t, err, jobs.ErrDuplicateEvent)

	late := jobs.WebhookEvent{ID: "run-1:ACTOR.RUN.SUCCEEDED", JobID: "job-1", Type: "ACTOR.RUN.SUCCEEDED", Kind: jobs.EventSucceeded, ReceivedAt: now}
	res, err = s.RecordEvent(ctx, late, &jobs.Transition{
		From: []jobs.Status{jobs.StatusQueued, jobs.StatusRunning}, To: jobs.StatusRunning,
	})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, jobs.StatusFailed, res.Job.Status)
}

func TestRecordEventUnknownJobLeavesNoEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)
	event := jobs.WebhookEvent{ID: "evt-1", JobID: "ghost", Type: "ACTOR.RUN.FAILED", Kind: jobs.EventFailed, ReceivedAt: now}

	_, err := s.RecordEvent(ctx, event, nil)
	require.ErrorIs(t, err, jobs.ErrNotFound)

	// The rolled-back insert must not turn a later retry into a duplicate.
	require.NoError(t, s.CreateJob(ctx, queuedJob("ghost", now)))
	_, err = s.RecordEvent(ctx, event, nil)
	require.NoError(t, err)
}

func TestListStale(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.CreateJob(ctx, queuedJob("old", now.Add(-2*time.Hour))))
	require.NoError(t, s.CreateJob(ctx, queuedJob("older", now.Add(-3*time.Hour))))
	require.NoError(t, s.CreateJob(ctx, queuedJob("fresh", now)))

	stale, err := s.ListStale(ctx, jobs.StatusQueued, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "older", stale[0].ID)
	assert.Equal(t, "old", stale[1].ID)

	stale, err = s.ListStale(ctx, jobs.StatusQueued, now.Add(-time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, stale, 1)
}

func TestQuotaCounters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)

	_, err := s.IncrementUsage(ctx, "acme", 1)
	require.ErrorIs(t, err, jobs.ErrNotFound)

	st, err := s.SetPlan(ctx, jobs.QuotaState{TenantID: "acme", Plan: jobs.PlanPro, Limit: 500, PeriodStart: now}, true)
	require.NoError(t, err)
	assert.Equal(t, jobs.PlanPro, st.Plan)
	assert.Equal(t, 0, st.Used)

	st, err = s.IncrementUsage(ctx, "acme", 490)
	require.NoError(t, err)
	assert.Equal(t, 490, st.Used)

	st, err = s.IncrementUsage(ctx, "acme", 11)
	require.ErrorIs(t, err, jobs.ErrQuotaExceeded)
	assert.Equal(t, 490, st.Used)

	st, err = s.SetPlan(ctx, jobs.QuotaState{TenantID: "acme", Plan: jobs.PlanEnterprise, Limit: 2000, PeriodStart: now}, false)
	require.NoError(t, err)
	assert.Equal(t, 490, st.Used, "upgrade without reset keeps usage")

	st, err = s.DecrementUsage(ctx, "acme", 1000)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Used)

	got, err := s.GetQuota(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2000, got.Limit)
	assert.Equal(t, now, got.PeriodStart)
}

func TestIncrementUsageNeverOvershoots(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)
	_, err := s.SetPlan(ctx, jobs.QuotaState{TenantID: "acme", Plan: jobs.PlanPro, Limit: 50, PeriodStart: now}, true)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.IncrementUsage(ctx, "acme", 5)
		}()
	}
	wg.Wait()

	st, err := s.GetQuota(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 50, st.Used)
}

func TestAdmitJobCommitsDebitWithRow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)
	_, err := s.SetPlan(ctx, jobs.QuotaState{TenantID: "acme", Plan: jobs.PlanPro, Limit: 500, PeriodStart: now}, true)
	require.NoError(t, err)

	st, err := s.AdmitJob(ctx, queuedJob("job-1", now), 10)
	require.NoError(t, err)
	assert.Equal(t, 10, st.Used)
	_, err = s.GetJob(ctx, "job-1")
	require.NoError(t, err)

	// A failed insert must hand the units back.
	_, err = s.AdmitJob(ctx, queuedJob("job-1", now), 10)
	require.EqualError(t, err, "job job-1 already exists")
	got, err := s.GetQuota(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 10, got.Used)

	// A denied debit must leave no job behind.
	_, err = s.AdmitJob(ctx, queuedJob("job-2", now), 491)
	require.ErrorIs(t, err, jobs.ErrQuotaExceeded)
	_, err = s.GetJob(ctx, "job-2")
	require.ErrorIs(t, err, jobs.ErrNotFound)

	// Free admissions carry no debit and need no quota row.
	free := queuedJob("job-3", now)
	free.TenantID = "free-co"
	_, err = s.AdmitJob(ctx, free, 0)
	require.NoError(t, err)
}

func TestAdmitJobRaceAdmitsOnlyWhatFits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)
	_, err := s.SetPlan(ctx, jobs.QuotaState{TenantID: "acme", Plan: jobs.PlanPro, Limit: 50, PeriodStart: now}, true)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.AdmitJob(ctx, queuedJob(fmt.Sprintf("job-%d", i), now), 5)
		}()
	}
	wg.Wait()

	st, err := s.GetQuota(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 50, st.Used)

	var rows int
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ad_jobs").Scan(&rows))
	assert.Equal(t, 10, rows, "one job row per debited admission")
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "", nil)
	require.Error(t, err)
}
