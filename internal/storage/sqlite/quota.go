package sqlite

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/adintel/internal/jobs"
)

const quotaReturning = "RETURNING tenant_id, plan, monthly_limit, used, period_start, updated_at"

// GetQuota returns the tenant's counter.
func (s *Store) GetQuota(ctx context.Context, tenantID string) (jobs.QuotaState, error) {
	return getQuota(ctx, s.db, tenantID)
}

func getQuota(ctx context.Context, r runner, tenantID string) (jobs.QuotaState, error) {
	query, args, err := builder.Select("tenant_id", "plan", "monthly_limit", "used", "period_start", "updated_at").
		From("tenant_quotas").
		Where(sq.Eq{"tenant_id": tenantID}).
		ToSql()
	if err != nil {
		return jobs.QuotaState{}, fmt.Errorf("build select quota: %w", err)
	}
	return scanQuota(r.QueryRowContext(ctx, query, args...))
}

// IncrementUsage adds units only when the result stays within the limit.
func (s *Store) IncrementUsage(ctx context.Context, tenantID string, units int) (jobs.QuotaState, error) {
	return s.incrementUsage(ctx, s.db, tenantID, units)
}

func (s *Store) incrementUsage(ctx context.Context, r runner, tenantID string, units int) (jobs.QuotaState, error) {
	query, args, err := builder.Update("tenant_quotas").
		Set("used", sq.Expr("used + ?", units)).
		Set("updated_at", toUnix(s.now())).
		Where(sq.Eq{"tenant_id": tenantID}).
		Where("used + ? <= monthly_limit", units).
		Suffix(quotaReturning).
		ToSql()
	if err != nil {
		return jobs.QuotaState{}, fmt.Errorf("build increment usage: %w", err)
	}
	st, err := scanQuota(r.QueryRowContext(ctx, query, args...))
	if !errors.Is(err, jobs.ErrNotFound) {
		return st, err
	}
	current, getErr := getQuota(ctx, r, tenantID)
	if getErr != nil {
		return jobs.QuotaState{}, getErr
	}
	return current, jobs.ErrQuotaExceeded
}

// DecrementUsage subtracts units, clamped at zero.
func (s *Store) DecrementUsage(ctx context.Context, tenantID string, units int) (jobs.QuotaState, error) {
	query, args, err := builder.Update("tenant_quotas").
		Set("used", sq.Expr("MAX(used - ?, 0)", units)).
		Set("updated_at", toUnix(s.now())).
		Where(sq.Eq{"tenant_id": tenantID}).
		Suffix(quotaReturning).
		ToSql()
	if err != nil {
		return jobs.QuotaState{}, fmt.Errorf("build decrement usage: %w", err)
	}
	return scanQuota(s.db.QueryRowContext(ctx, query, args...))
}

// SetPlan upserts the tenant's plan and limit.
func (s *Store) SetPlan(ctx context.Context, state jobs.QuotaState, resetUsage bool) (jobs.QuotaState, error) {
	conflict := "ON CONFLICT (tenant_id) DO UPDATE SET plan = excluded.plan, " +
		"monthly_limit = excluded.monthly_limit, updated_at = excluded.updated_at"
	if resetUsage {
		conflict += ", used = 0, period_start = excluded.period_start"
	}
	query, args, err := builder.Insert("tenant_quotas").
		Columns("tenant_id", "plan", "monthly_limit", "used", "period_start", "updated_at").
		Values(state.TenantID, string(state.Plan), state.Limit, 0, toUnix(state.PeriodStart), toUnix(s.now())).
		Suffix(conflict + " " + quotaReturning).
		ToSql()
	if err != nil {
		return jobs.QuotaState{}, fmt.Errorf("build set plan: %w", err)
	}
	return scanQuota(s.db.QueryRowContext(ctx, query, args...))
}

func scanQuota(row scanner) (jobs.QuotaState, error) {
	var (
		st              jobs.QuotaState
		plan            string
		period, updated int64
	)
	if err := row.Scan(&st.TenantID, &plan, &st.Limit, &st.Used, &period, &updated); err != nil {
		if notFound(err) {
			return jobs.QuotaState{}, jobs.ErrNotFound
		}
		return jobs.QuotaState{}, fmt.Errorf("scan quota: %w", err)
	}
	st.Plan = jobs.Plan(plan)
	st.PeriodStart = fromUnix(period)
	st.UpdatedAt = fromUnix(updated)
	return st, nil
}
