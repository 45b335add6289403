package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/adintel/internal/jobs"
)

var quotaColumns = []string{"tenant_id", "plan", "monthly_limit", "used", "period_start", "updated_at"}

const quotaReturning = "RETURNING tenant_id, plan, monthly_limit, used, period_start, updated_at"

// GetQuota returns the tenant's counter.
func (s *Store) GetQuota(ctx context.Context, tenantID string) (jobs.QuotaState, error) {
	return getQuota(ctx, s.pool, tenantID)
}

func getQuota(ctx context.Context, q querier, tenantID string) (jobs.QuotaState, error) {
	query, args, err := psql.Select(quotaColumns...).
		From(quotasTable).
		Where(sq.Eq{"tenant_id": tenantID}).
		ToSql()
	if err != nil {
		return jobs.QuotaState{}, fmt.Errorf("build select quota: %w", err)
	}
	return scanQuota(q.QueryRow(ctx, query, args...))
}

// IncrementUsage adds units in a single conditional update, so concurrent
// callers can never push used past the limit.
func (s *Store) IncrementUsage(ctx context.Context, tenantID string, units int) (jobs.QuotaState, error) {
	return s.incrementUsage(ctx, s.pool, tenantID, units)
}

func (s *Store) incrementUsage(ctx context.Context, q querier, tenantID string, units int) (jobs.QuotaState, error) {
	query, args, err := psql.Update(quotasTable).
		Set("used", sq.Expr("used + ?", units)).
		Set("updated_at", s.now()).
		Where(sq.Eq{"tenant_id": tenantID}).
		Where("used + ? <= monthly_limit", units).
		Suffix(quotaReturning).
		ToSql()
	if err != nil {
		return jobs.QuotaState{}, fmt.Errorf("build increment usage: %w", err)
	}
	st, err := scanQuota(q.QueryRow(ctx, query, args...))
	if !errors.Is(err, jobs.ErrNotFound) {
		return st, err
	}
	// No row matched: either the tenant is unknown or the limit would be crossed.
	current, getErr := getQuota(ctx, q, tenantID)
	if getErr != nil {
		return jobs.QuotaState{}, getErr
	}
	return current, jobs.ErrQuotaExceeded
}

// DecrementUsage subtracts units, clamped at zero.
func (s *Store) DecrementUsage(ctx context.Context, tenantID string, units int) (jobs.QuotaState, error) {
	query, args, err := psql.Update(quotasTable).
		Set("used", sq.Expr("GREATEST(used - ?, 0)", units)).
		Set("updated_at", s.now()).
		Where(sq.Eq{"tenant_id": tenantID}).
		Suffix(quotaReturning).
		ToSql()
	if err != nil {
		return jobs.QuotaState{}, fmt.Errorf("build decrement usage: %w", err)
	}
	return scanQuota(s.pool.QueryRow(ctx, query, args...))
}

// SetPlan upserts the tenant's plan and limit. resetUsage also zeroes the
// counter and starts a new period.
func (s *Store) SetPlan(ctx context.Context, state jobs.QuotaState, resetUsage bool) (jobs.QuotaState, error) {
	conflict := "ON CONFLICT (tenant_id) DO UPDATE SET plan = EXCLUDED.plan, " +
		"monthly_limit = EXCLUDED.monthly_limit, updated_at = EXCLUDED.updated_at"
	if resetUsage {
		conflict += ", used = 0, period_start = EXCLUDED.period_start"
	}
	query, args, err := psql.Insert(quotasTable).
		Columns(quotaColumns...).
		Values(state.TenantID, string(state.Plan), state.Limit, 0, state.PeriodStart, s.now()).
		Suffix(conflict + " " + quotaReturning).
		ToSql()
	if err != nil {
		return jobs.QuotaState{}, fmt.Errorf("build set plan: %w", err)
	}
	return scanQuota(s.pool.QueryRow(ctx, query, args...))
}

func scanQuota(row pgx.Row) (jobs.QuotaState, error) {
	var (
		st   jobs.QuotaState
		plan string
	)
	if err := row.Scan(&st.TenantID, &plan, &st.Limit, &st.Used, &st.PeriodStart, &st.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return jobs.QuotaState{}, jobs.ErrNotFound
		}
		return jobs.QuotaState{}, fmt.Errorf("scan quota: %w", err)
	}
	st.Plan = jobs.Plan(plan)
	return st, nil
}
