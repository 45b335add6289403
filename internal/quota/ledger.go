// Package quota enforces per-plan ad allowances.
//
// Free tenants are bounded per request and never debited. Paid tenants draw
// from a monthly counter that is only ever advanced through the store's
// conditional increment, so concurrent admissions cannot overshoot the limit.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/adintel/internal/jobs"
)

// ErrInvalidUnits is returned when a request asks for zero or fewer units.
var ErrInvalidUnits = errors.New("requested units must be positive")

// Limits configures plan allowances.
type Limits struct {
	FreeRequestCap    int
	ProMonthly        int
	EnterpriseMonthly int
	UpgradeURL        string
}

// DefaultLimits returns the standard plan allowances.
func DefaultLimits() Limits {
	return Limits{
		FreeRequestCap:    10,
		ProMonthly:        500,
		EnterpriseMonthly: 2000,
	}
}

// Decision is the outcome of a successful admission check.
type Decision struct {
	Plan      jobs.Plan `json:"plan"`
	Requested int       `json:"requested"`
	Allowed   int       `json:"allowed"`
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
}

// Debit is the number of units the admission draws from the monthly
// counter. Free admissions draw nothing.
func (d Decision) Debit() int {
	if d.Plan == jobs.PlanFree {
		return 0
	}
	return d.Allowed
}

// Status is the read-only view of a tenant's quota.
type Status struct {
	Plan      jobs.Plan `json:"plan"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
}

// ExceededError is the expected denial when a paid tenant has no allowance
// left. It matches jobs.ErrQuotaExceeded under errors.Is.
type ExceededError struct {
	Plan        jobs.Plan `json:"plan"`
	Limit       int       `json:"limit"`
	Used        int       `json:"used"`
	Remaining   int       `json:"remaining"`
	UpgradeHint string    `json:"upgradeHint"`
	UpgradeURL  string    `json:"upgradeUrl,omitempty"`
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: plan %s used %d of %d", e.Plan, e.Used, e.Limit)
}

// Unwrap lets errors.Is match jobs.ErrQuotaExceeded.
func (e *ExceededError) Unwrap() error {
	return jobs.ErrQuotaExceeded
}

// Store is the persistence the ledger needs: the counters and the atomic
// job-plus-debit insert.
type Store interface {
	jobs.QuotaStore
	jobs.AdmissionStore
}

// Ledger answers admission questions and applies debits.
type Ledger struct {
	store  Store
	limits Limits
	clock  jobs.Clock
}

// NewLedger constructs a Ledger. Zero limits fall back to DefaultLimits.
func NewLedger(store Store, limits Limits, clock jobs.Clock) *Ledger {
	def := DefaultLimits()
	if limits.FreeRequestCap <= 0 {
		limits.FreeRequestCap = def.FreeRequestCap
	}
	if limits.ProMonthly <= 0 {
		limits.ProMonthly = def.ProMonthly
	}
	if limits.EnterpriseMonthly <= 0 {
		limits.EnterpriseMonthly = def.EnterpriseMonthly
	}
	return &Ledger{store: store, limits: limits, clock: clock}
}

// Admit decides how many units the request may consume. It never mutates
// the counter; Commit does that together with the job insert.
func (l *Ledger) Admit(ctx context.Context, tenantID string, requested int) (Decision, error) {
	if requested <= 0 {
		return Decision{}, ErrInvalidUnits
	}
	st, err := l.state(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}
	if st.Plan == jobs.PlanFree {
		return Decision{
			Plan:      jobs.PlanFree,
			Requested: requested,
			Allowed:   min(requested, l.limits.FreeRequestCap),
			Limit:     l.limits.FreeRequestCap,
			Used:      0,
			Remaining: l.limits.FreeRequestCap,
		}, nil
	}
	remaining := st.Limit - st.Used
	if remaining <= 0 {
		return Decision{}, l.exceeded(st)
	}
	return Decision{
		Plan:      st.Plan,
		Requested: requested,
		Allowed:   min(requested, remaining),
		Limit:     st.Limit,
		Used:      st.Used,
		Remaining: remaining,
	}, nil
}

// Commit persists job and debits d in one store transaction. When a
// concurrent admission took the remaining allowance first, it returns
// *ExceededError and no job row exists.
func (l *Ledger) Commit(ctx context.Context, d Decision, job jobs.Job) error {
	st, err := l.store.AdmitJob(ctx, job, d.Debit())
	if errors.Is(err, jobs.ErrQuotaExceeded) {
		return l.exceeded(l.normalize(st))
	}
	if err != nil {
		return fmt.Errorf("admit job: %w", err)
	}
	return nil
}

// Refund returns units taken by Commit when the job could not be handed off.
func (l *Ledger) Refund(ctx context.Context, tenantID string, plan jobs.Plan, units int) error {
	if plan == jobs.PlanFree || units <= 0 {
		return nil
	}
	if _, err := l.store.DecrementUsage(ctx, tenantID, units); err != nil {
		return fmt.Errorf("refund quota: %w", err)
	}
	return nil
}

// Status reports the tenant's plan and usage.
func (l *Ledger) Status(ctx context.Context, tenantID string) (Status, error) {
	st, err := l.state(ctx, tenantID)
	if err != nil {
		return Status{}, err
	}
	return l.view(st), nil
}

// ApplyPlan is the billing entry point. It sets the plan's allowance and,
// when resetUsage is true, starts a new period with a zero counter.
func (l *Ledger) ApplyPlan(ctx context.Context, tenantID string, plan jobs.Plan, resetUsage bool) (Status, error) {
	if tenantID == "" {
		return Status{}, errors.New("tenant id is required")
	}
	if !plan.Valid() {
		return Status{}, fmt.Errorf("unknown plan %q", plan)
	}
	now := l.clock.Now()
	st, err := l.store.SetPlan(ctx, jobs.QuotaState{
		TenantID:    tenantID,
		Plan:        plan,
		Limit:       l.monthlyLimit(plan),
		PeriodStart: now,
		UpdatedAt:   now,
	}, resetUsage)
	if err != nil {
		return Status{}, fmt.Errorf("set plan: %w", err)
	}
	return l.view(st), nil
}

// Limits returns the configured allowances.
func (l *Ledger) Limits() Limits {
	return l.limits
}

func (l *Ledger) state(ctx context.Context, tenantID string) (jobs.QuotaState, error) {
	st, err := l.store.GetQuota(ctx, tenantID)
	if errors.Is(err, jobs.ErrNotFound) {
		return jobs.QuotaState{TenantID: tenantID, Plan: jobs.PlanFree}, nil
	}
	if err != nil {
		return jobs.QuotaState{}, fmt.Errorf("load quota: %w", err)
	}
	return l.normalize(st), nil
}

func (l *Ledger) normalize(st jobs.QuotaState) jobs.QuotaState {
	if st.Plan == "" {
		st.Plan = jobs.PlanFree
	}
	if st.Plan != jobs.PlanFree && st.Limit <= 0 {
		st.Limit = l.monthlyLimit(st.Plan)
	}
	return st
}

func (l *Ledger) view(st jobs.QuotaState) Status {
	if st.Plan == jobs.PlanFree {
		return Status{
			Plan:      jobs.PlanFree,
			Used:      0,
			Limit:     l.limits.FreeRequestCap,
			Remaining: l.limits.FreeRequestCap,
		}
	}
	return Status{
		Plan:      st.Plan,
		Used:      st.Used,
		Limit:     st.Limit,
		Remaining: max(st.Limit-st.Used, 0),
	}
}

func (l *Ledger) monthlyLimit(plan jobs.Plan) int {
	switch plan {
	case jobs.PlanPro:
		return l.limits.ProMonthly
	case jobs.PlanEnterprise:
		return l.limits.EnterpriseMonthly
	default:
		return 0
	}
}

func (l *Ledger) exceeded(st jobs.QuotaState) *ExceededError {
	return &ExceededError{
		Plan:        st.Plan,
		Limit:       st.Limit,
		Used:        st.Used,
		Remaining:   max(st.Limit-st.Used, 0),
		UpgradeHint: l.upgradeHint(st.Plan),
		UpgradeURL:  l.limits.UpgradeURL,
	}
}

func (l *Ledger) upgradeHint(plan jobs.Plan) string {
	if plan == jobs.PlanPro {
		return fmt.Sprintf(
			"Monthly allowance used. Upgrade to enterprise for %d ads per month.",
			l.limits.EnterpriseMonthly,
		)
	}
	return "Monthly allowance used. Contact sales to raise the limit or wait for the next billing period."
}
