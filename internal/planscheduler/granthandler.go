package planscheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/jobengine"
)

// PlanLookup is the narrow store slice GrantHandler needs to price the
// grant.
type PlanLookup interface {
	GetPlan(ctx context.Context, id domain.ID) (*domain.Plan, error)
}

// PlanAdvancer rolls a UserPlan's billing period forward once its grant
// for the closing period has landed.
type PlanAdvancer interface {
	AdvanceUserPlanPeriod(ctx context.Context, userPlanID domain.ID, grantedAt, newPeriodStart, newPeriodEnd time.Time) error
}

// PlanLedger is the narrow Ledger slice GrantHandler needs: an
// idempotent grant and the month-close snapshot it triggers.
type PlanLedger interface {
	GrantIdempotent(ctx context.Context, userID domain.ID, kind domain.TransactionKind, amount domain.Money, tag, notes string, relatedPlanID *domain.ID) (domain.ID, bool, error)
	SnapshotMonth(ctx context.Context, userID domain.ID, monthStart time.Time) error
}

// GrantHandler is the jobengine.Handler for GrantPlanJobType: it grants
// one month of plan credits via domain.TxGrantPlan, snapshots the
// closing month so Ledger.SnapshotMonth has a balance to carry forward,
// and advances the UserPlan's billing period so the next tick doesn't
// pick it up again until it is due.
type GrantHandler struct {
	plans   PlanLookup
	advance PlanAdvancer
	ledger  PlanLedger
	log     zerolog.Logger
}

func NewGrantHandler(plans PlanLookup, advance PlanAdvancer, ledger PlanLedger, log zerolog.Logger) *GrantHandler {
	return &GrantHandler{plans: plans, advance: advance, ledger: ledger, log: log.With().Str("component", "plan_grant_handler").Logger()}
}

// Handle matches jobengine.Handler's signature; register with
// engine.RegisterHandler(planscheduler.GrantPlanJobType, handler.Handle).
func (h *GrantHandler) Handle(ctx context.Context, job *domain.Job, reporter jobengine.ProgressReporter) (map[string]interface{}, *domain.JobError) {
	userPlanID, _ := job.Payload["userPlanId"].(string)
	userID, _ := job.Payload["userId"].(string)
	planID, _ := job.Payload["planId"].(string)
	periodEndStr, _ := job.Payload["periodEnd"].(string)

	periodEnd, err := time.Parse(time.RFC3339, periodEndStr)
	if err != nil {
		return nil, &domain.JobError{Code: "bad_period_end", Message: err.Error(), Retryable: false}
	}

	plan, err := h.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, &domain.JobError{Code: "plan_lookup_failed", Message: err.Error(), Retryable: true}
	}
	if plan == nil || !plan.IsActive {
		return nil, &domain.JobError{Code: "plan_not_found", Message: "plan no longer active", Retryable: false}
	}

	tag := planID + ":" + periodEnd.Format("2006-01")
	relatedPlanID := domain.ID(planID)
	_, granted, err := h.ledger.GrantIdempotent(ctx, userID, domain.TxGrantPlan, plan.MonthlyCredits, tag, "monthly plan grant: "+plan.Name, &relatedPlanID)
	if err != nil {
		return nil, &domain.JobError{Code: "grant_failed", Message: err.Error(), Retryable: true}
	}
	if !granted {
		h.log.Debug().Str("user_id", userID).Str("tag", tag).Msg("monthly plan grant already applied, skipping")
	}

	if err := h.ledger.SnapshotMonth(ctx, userID, periodEnd); err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("could not snapshot closing month after plan grant")
	}

	nextPeriodEnd := periodEnd.AddDate(0, 1, 0)
	if err := h.advance.AdvanceUserPlanPeriod(ctx, userPlanID, time.Now().UTC(), periodEnd, nextPeriodEnd); err != nil {
		return nil, &domain.JobError{Code: "advance_period_failed", Message: err.Error(), Retryable: true}
	}

	return map[string]interface{}{"granted": granted}, nil
}
