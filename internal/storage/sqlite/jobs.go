package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/adintel/internal/jobs"
)

var jobColumns = []string{
	"id", "tenant_id", "requester_id", "keyword", "ads_requested", "ads_imported",
	"status", "provider_run_id", "dataset_id", "raw_payload", "payload_uri",
	"classified", "result", "note", "error_text",
	"created_at", "updated_at", "started_at", "callback_at", "finished_at",
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job jobs.Job) error {
	return insertJob(ctx, s.db, job)
}

// AdmitJob debits the tenant and inserts the job in one transaction.
func (s *Store) AdmitJob(ctx context.Context, job jobs.Job, debit int) (jobs.QuotaState, error) {
	var st jobs.QuotaState
	err := s.inTx(ctx, func(tx *sql.Tx) error {
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

func insertJob(ctx context.Context, r runner, job jobs.Job) error {
	classified, result, err := encodeJSON(job)
	if err != nil {
		return err
	}
	query, args, err := builder.Insert("ad_jobs").
		Columns(jobColumns...).
		Values(
			job.ID, job.TenantID, job.RequesterID, job.Keyword,
			job.AdsRequested, job.AdsImported, string(job.Status),
			job.ProviderRunID, job.DatasetID, nullBytes(job.RawPayload), job.PayloadURI,
			classified, result, job.Note, job.ErrorText,
			toUnix(job.CreatedAt), toUnix(job.UpdatedAt),
			toNullUnix(job.StartedAt), toNullUnix(job.CallbackAt), toNullUnix(job.FinishedAt),
		).ToSql()
	if err != nil {
		return fmt.Errorf("build insert job: %w", err)
	}
	if _, err := r.ExecContext(ctx, query, args...); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (jobs.Job, error) {
	return getJob(ctx, s.db, jobID)
}

// TransitionJob checks and writes the transition in one transaction.
func (s *Store) TransitionJob(ctx context.Context, jobID string, t jobs.Transition) (jobs.Job, error) {
	var out jobs.Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		job, err := getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		out = job
		if !t.Permits(job.Status) {
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
	b := builder.Select(jobColumns...).
		From("ad_jobs").
		Where(sq.Eq{"status": string(status)}).
		Where(sq.Lt{"updated_at": toUnix(before)}).
		OrderBy("updated_at ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list stale: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

// RecordEvent inserts the event and applies t in one transaction.
func (s *Store) RecordEvent(ctx context.Context, event jobs.WebhookEvent, t *jobs.Transition) (jobs.EventResult, error) {
	var res jobs.EventResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		query, args, err := builder.Insert("webhook_events").
			Columns("event_id", "job_id", "event_type", "kind", "run_id", "dataset_id", "message", "received_at").
			Values(
				event.ID, event.JobID, event.Type, string(event.Kind),
				event.RunID, event.DatasetID, event.Message, toUnix(event.ReceivedAt),
			).
			Suffix("ON CONFLICT (event_id) DO NOTHING").
			ToSql()
		if err != nil {
			return fmt.Errorf("build insert event: %w", err)
		}
		r, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if n, err := r.RowsAffected(); err != nil {
			return fmt.Errorf("insert event: %w", err)
		} else if n == 0 {
			return jobs.ErrDuplicateEvent
		}

		job, err := getJob(ctx, tx, event.JobID)
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

func getJob(ctx context.Context, r runner, jobID string) (jobs.Job, error) {
	query, args, err := builder.Select(jobColumns...).From("ad_jobs").Where(sq.Eq{"id": jobID}).ToSql()
	if err != nil {
		return jobs.Job{}, fmt.Errorf("build select job: %w", err)
	}
	job, err := scanJob(r.QueryRowContext(ctx, query, args...))
	if notFound(err) {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return job, err
}

func updateJob(ctx context.Context, r runner, job jobs.Job) error {
	classified, result, err := encodeJSON(job)
	if err != nil {
		return err
	}
	query, args, err := builder.Update("ad_jobs").
		Set("status", string(job.Status)).
		Set("provider_run_id", job.ProviderRunID).
		Set("dataset_id", job.DatasetID).
		Set("raw_payload", nullBytes(job.RawPayload)).
		Set("payload_uri", job.PayloadURI).
		Set("classified", classified).
		Set("result", result).
		Set("note", job.Note).
		Set("error_text", job.ErrorText).
		Set("updated_at", toUnix(job.UpdatedAt)).
		Set("started_at", toNullUnix(job.StartedAt)).
		Set("callback_at", toNullUnix(job.CallbackAt)).
		Set("finished_at", toNullUnix(job.FinishedAt)).
		Where(sq.Eq{"id": job.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update job: %w", err)
	}
	if _, err := r.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (jobs.Job, error) {
	var (
		job                         jobs.Job
		status                      string
		payload, classified, result []byte
		created, updated            int64
		started, callback, finished sql.NullInt64
	)
	err := row.Scan(
		&job.ID, &job.TenantID, &job.RequesterID, &job.Keyword,
		&job.AdsRequested, &job.AdsImported, &status,
		&job.ProviderRunID, &job.DatasetID, &payload, &job.PayloadURI,
		&classified, &result, &job.Note, &job.ErrorText,
		&created, &updated, &started, &callback, &finished,
	)
	if err != nil {
		if notFound(err) {
			return jobs.Job{}, err
		}
		return jobs.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = jobs.Status(status)
	job.CreatedAt = fromUnix(created)
	job.UpdatedAt = fromUnix(updated)
	job.StartedAt = fromNullUnix(started)
	job.CallbackAt = fromNullUnix(callback)
	job.FinishedAt = fromNullUnix(finished)
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

func encodeJSON(job jobs.Job) (classified, result []byte, err error) {
	if job.Classified != nil {
		if classified, err = json.Marshal(job.Classified); err != nil {
			return nil, nil, fmt.Errorf("marshal classification: %w", err)
		}
	}
	if job.Result != nil {
		if result, err = json.Marshal(job.Result); err != nil {
			return nil, nil, fmt.Errorf("marshal result: %w", err)
		}
	}
	return classified, result, nil
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
