package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/adintel/internal/jobs"
)

var jobColumns = []string{
	"id",
	"tenant_id",
	"requester_id",
	"keyword",
	"ads_requested",
	"ads_imported",
	"status",
	"provider_run_id",
	"dataset_id",
	"raw_payload",
	"payload_uri",
	"classified",
	"result",
	"note",
	"error_text",
	"created_at",
	"updated_at",
	"started_at",
	"callback_at",
	"finished_at",
}

var eventColumns = []string{
	"event_id",
	"job_id",
	"event_type",
	"kind",
	"run_id",
	"dataset_id",
	"message",
	"received_at",
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job jobs.Job) error {
	return insertJob(ctx, s.pool, job)
}

// AdmitJob runs the conditional quota increment and the job insert in one
// transaction, so a job row exists exactly when its units were debited.
func (s *Store) AdmitJob(ctx context.Context, job jobs.Job, debit int) (jobs.QuotaState, error) {
	var st jobs.QuotaState
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if debit > 0 {
			var err error
			st, err = s.incrementUsage(ctx, tx, job.TenantID, debit)
			if err != nil {
				return err
			}
		}
		return insertJob(ctx, tx, job)
	})
	return st, err
}

func insertJob(ctx context.Context, q querier, job jobs.Job) error {
	enc, err := encodeJob(job)
	if err != nil {
		return err
	}
	query, args, err := psql.Insert(jobsTable).
		Columns(jobColumns...).
		Values(
			job.ID, job.TenantID, job.RequesterID, job.Keyword,
			job.AdsRequested, job.AdsImported, string(job.Status),
			job.ProviderRunID, job.DatasetID, enc.payload, job.PayloadURI,
			enc.classified, enc.result, job.Note, job.ErrorText,
			job.CreatedAt, job.UpdatedAt, job.StartedAt, job.CallbackAt, job.FinishedAt,
		).ToSql()
	if err != nil {
		return fmt.Errorf("build insert job: %w", err)
	}
	if _, err := q.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (jobs.Job, error) {
	return getJob(ctx, s.pool, jobID, false)
}

// TransitionJob locks the row, checks the current status and writes the
// transition in one transaction.
func (s *Store) TransitionJob(ctx context.Context, jobID string, t jobs.Transition) (jobs.Job, error) {
	var out jobs.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		job, err := getJob(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		if !t.Permits(job.Status) {
			out = job
			return fmt.Errorf("%s to %s: %w", job.Status, t.To, jobs.ErrInvalidTransition)
		}
		job.Apply(t, s.now())
		if err := updateJob(ctx, tx, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	return out, err
}

// ListStale returns jobs in status last updated before the cutoff, oldest first.
func (s *Store) ListStale(ctx context.Context, status jobs.Status, before time.Time, limit int) ([]jobs.Job, error) {
	builder := psql.Select(jobColumns...).
		From(jobsTable).
		Where(sq.Eq{"status": string(status)}).
		Where(sq.Lt{"updated_at": before}).
		OrderBy("updated_at ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list stale: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale jobs: %w", err)
	}
	return out, nil
}

// RecordEvent inserts the event and applies t in one transaction. A
// repeated event ID or a missing job rolls the insert back.
func (s *Store) RecordEvent(ctx context.Context, event jobs.WebhookEvent, t *jobs.Transition) (jobs.EventResult, error) {
	var res jobs.EventResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		query, args, err := psql.Insert(eventsTable).
			Columns(eventColumns...).
			Values(
				event.ID, event.JobID, event.Type, string(event.Kind),
				event.RunID, event.DatasetID, event.Message, event.ReceivedAt,
			).
			Suffix("ON CONFLICT (event_id) DO NOTHING").
			ToSql()
		if err != nil {
			return fmt.Errorf("build insert event: %w", err)
		}
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return jobs.ErrDuplicateEvent
		}

		job, err := getJob(ctx, tx, event.JobID, true)
		if err != nil {
			return err
		}
		if t == nil || !t.Permits(job.Status) {
			res = jobs.EventResult{Job: job}
			return nil
		}
		job.Apply(*t, s.now())
		if err := updateJob(ctx, tx, job); err != nil {
			return err
		}
		res = jobs.EventResult{Applied: true, Job: job}
		return nil
	})
	if err != nil {
		return jobs.EventResult{}, err
	}
	return res, nil
}

func getJob(ctx context.Context, q querier, jobID string, lock bool) (jobs.Job, error) {
	builder := psql.Select(jobColumns...).From(jobsTable).Where(sq.Eq{"id": jobID})
	if lock {
		builder = builder.Suffix("FOR UPDATE")
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return jobs.Job{}, fmt.Errorf("build select job: %w", err)
	}
	job, err := scanJob(q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return job, err
}

func updateJob(ctx context.Context, q querier, job jobs.Job) error {
	enc, err := encodeJob(job)
	if err != nil {
		return err
	}
	query, args, err := psql.Update(jobsTable).
		Set("status", string(job.Status)).
		Set("provider_run_id", job.ProviderRunID).
		Set("dataset_id", job.DatasetID).
		Set("raw_payload", enc.payload).
		Set("payload_uri", job.PayloadURI).
		Set("classified", enc.classified).
		Set("result", enc.result).
		Set("note", job.Note).
		Set("error_text", job.ErrorText).
		Set("updated_at", job.UpdatedAt).
		Set("started_at", job.StartedAt).
		Set("callback_at", job.CallbackAt).
		Set("finished_at", job.FinishedAt).
		Where(sq.Eq{"id": job.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update job: %w", err)
	}
	if _, err := q.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

type encodedJob struct {
	payload    []byte
	classified []byte
	result     []byte
}

func encodeJob(job jobs.Job) (encodedJob, error) {
	var enc encodedJob
	if len(job.RawPayload) > 0 {
		enc.payload = []byte(job.RawPayload)
	}
	if job.Classified != nil {
		b, err := json.Marshal(job.Classified)
		if err != nil {
			return enc, fmt.Errorf("marshal classification: %w", err)
		}
		enc.classified = b
	}
	if job.Result != nil {
		b, err := json.Marshal(job.Result)
		if err != nil {
			return enc, fmt.Errorf("marshal result: %w", err)
		}
		enc.result = b
	}
	return enc, nil
}

func scanJob(row pgx.Row) (jobs.Job, error) {
	var (
		job                         jobs.Job
		status                      string
		payload, classified, result []byte
	)
	err := row.Scan(
		&job.ID, &job.TenantID, &job.RequesterID, &job.Keyword,
		&job.AdsRequested, &job.AdsImported, &status,
		&job.ProviderRunID, &job.DatasetID, &payload, &job.PayloadURI,
		&classified, &result, &job.Note, &job.ErrorText,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.CallbackAt, &job.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return jobs.Job{}, err
		}
		return jobs.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = jobs.Status(status)
	if len(payload) > 0 {
		job.RawPayload = payload
	}
	if len(classified) > 0 {
		job.Classified = &jobs.Classification{}
		if err := json.Unmarshal(classified, job.Classified); err != nil {
			return jobs.Job{}, fmt.Errorf("decode classification: %w", err)
		}
	}
	if len(result) > 0 {
		job.Result = &jobs.AnalysisResult{}
		if err := json.Unmarshal(result, job.Result); err != nil {
			return jobs.Job{}, fmt.Errorf("decode result: %w", err)
		}
	}
	return job, nil
}
