package billing

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/jornada/internal/observability"
	"github.com/pitabwire/jornada/internal/store"
	"github.com/pitabwire/jornada/model"
)

// Reconciler ages overdue installments and defaults plans. Every pass only
// moves rows forward (pendente to vencida, ativo to inadimplente), so passes
// are idempotent and safe to run beside foreground writes.
type Reconciler struct {
	options
	store     store.Store
	lastSweep atomic.Pointer[time.Time]
}

// NewReconciler creates a Reconciler backed by s.
func NewReconciler(s store.Store, opts ...Option) *Reconciler {
	return &Reconciler{options: buildOptions(opts), store: s}
}

// SweepResult summarizes one reconciliation pass.
type SweepResult struct {
	Plans            int           `json:"plans"`
	InstallmentsAged int           `json:"installments_aged"`
	PlansDefaulted   int           `json:"plans_defaulted"`
	Failures         int           `json:"failures"`
	Duration         time.Duration `json:"duration"`
}

// Sweep runs one pass. Each candidate plan is reconciled in its own atomic
// unit; a failing plan is logged and counted and the pass moves on. Only a
// failure to list candidates is returned.
func (r *Reconciler) Sweep(ctx context.Context) (result SweepResult, err error) {
	ctx, span := observability.StartSpan(ctx, "billing.Sweep")
	defer func() { observability.EndSpanWithError(span, err) }()

	start := time.Now()
	now := r.clock.Now()

	planIDs, err := r.store.FindPlansToReconcile(ctx, now)
	if err != nil {
		return result, err
	}
	result.Plans = len(planIDs)

	for _, planID := range planIDs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		aged, defaulted, err := r.reconcilePlan(ctx, planID, now)
		if err != nil {
			result.Failures++
			r.logger.Warn("plan reconciliation failed",
				zap.String("plan_id", planID),
				zap.Error(err),
			)
			continue
		}
		result.InstallmentsAged += aged
		if defaulted {
			result.PlansDefaulted++
		}
	}

	result.Duration = time.Since(start)
	r.lastSweep.Store(&now)
	span.SetAttributes(
		observability.AttrAged.Int(result.InstallmentsAged),
		observability.AttrDefaulted.Int(result.PlansDefaulted),
	)
	r.observer.RecordSweep(result.Duration, result.InstallmentsAged, result.PlansDefaulted, result.Failures)
	r.logger.Info("reconciliation sweep complete",
		zap.Int("plans", result.Plans),
		zap.Int("installments_aged", result.InstallmentsAged),
		zap.Int("plans_defaulted", result.PlansDefaulted),
		zap.Int("failures", result.Failures),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

func (r *Reconciler) reconcilePlan(ctx context.Context, planID string, now time.Time) (aged int, defaulted bool, err error) {
	ctx, span := observability.StartSpan(ctx, "billing.reconcilePlan", observability.AttrPlanID.String(planID))
	defer func() { observability.EndSpanWithError(span, err) }()

	err = r.store.Atomically(ctx, func(ctx context.Context, repo store.Repository) error {
		aged, defaulted = 0, false

		plan, err := repo.LockPlan(ctx, planID)
		if err != nil {
			return err
		}
		installments, err := repo.ListInstallments(ctx, planID)
		if err != nil {
			return err
		}

		overdue := false
		for _, in := range installments {
			if in.Status == model.InstallmentPendente && in.DueDate.Before(now) {
				in.Status = model.InstallmentVencida
				if err := repo.UpdateInstallment(ctx, in); err != nil {
					return err
				}
				aged++
			}
			if in.Status == model.InstallmentVencida {
				overdue = true
			}
		}

		if overdue && plan.Status == model.PlanStatusAtivo {
			plan.Status = model.PlanStatusInadimplente
			plan.UpdatedAt = now
			if err := repo.UpdatePlan(ctx, plan); err != nil {
				return err
			}
			defaulted = true
		}
		return nil
	})
	return aged, defaulted, err
}

// LastSweep returns the clock time of the last pass that listed its
// candidates, even if some plans failed.
func (r *Reconciler) LastSweep() (time.Time, bool) {
	if at := r.lastSweep.Load(); at != nil {
		return *at, true
	}
	return time.Time{}, false
}

// Run sweeps every interval until ctx is cancelled. Errors are logged and the
// next tick retries.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}
