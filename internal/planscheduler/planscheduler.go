// Package planscheduler implements the scheduled tick that grants
// monthly plan credits (§2 "scheduled tick → JobEngine grants monthly
// credits → Ledger transactions"). It polls on a plain time.Ticker
// rather than a cron expression — the only schedule this needs is
// "check periodically for what's due" — and hands the actual grant off
// to the JobEngine so retries and leasing go through the same
// machinery as every other job type.
package planscheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ocx/backend/internal/clockwork"
	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/jobengine"
)

// GrantPlanJobType is the JobEngine job type GrantHandler.Handle must be
// registered against.
const GrantPlanJobType = "grant_monthly_plan"

// PlanStore is the narrow store slice the Scheduler polls.
type PlanStore interface {
	ListUserPlansDueForGrant(ctx context.Context, asOf time.Time) ([]domain.UserPlan, error)
}

// JobEnqueuer is the narrow JobEngine slice the Scheduler enqueues
// through.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, j domain.Job) (domain.ID, error)
}

// Scheduler is the tick side of the monthly-grant mechanism: it finds
// UserPlans whose current billing period has ended and enqueues one
// grant job per plan.
type Scheduler struct {
	plans PlanStore
	jobs  JobEnqueuer
	clock clockwork.Clock
	log   zerolog.Logger
}

func New(plans PlanStore, jobs JobEnqueuer, clock clockwork.Clock, log zerolog.Logger) *Scheduler {
	return &Scheduler{plans: plans, jobs: jobs, clock: clock, log: log.With().Str("component", "plan_scheduler").Logger()}
}

// Run blocks, ticking every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick is one scheduling pass, exported so callers (and tests) can drive
// it without waiting on a ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()
	due, err := s.plans.ListUserPlansDueForGrant(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("could not list user plans due for grant")
		return
	}
	for _, up := range due {
		dedupKey := GrantPlanJobType + ":" + string(up.ID) + ":" + up.CurrentPeriodEnd.Format("2006-01")
		_, err := s.jobs.Enqueue(ctx, domain.Job{
			Type:        GrantPlanJobType,
			OwnerUserID: up.UserID,
			Priority:    3,
			DedupKey:    dedupKey,
			Payload: map[string]interface{}{
				"userPlanId":  string(up.ID),
				"userId":      string(up.UserID),
				"planId":      string(up.PlanID),
				"periodStart": up.CurrentPeriodStart.Format(time.RFC3339),
				"periodEnd":   up.CurrentPeriodEnd.Format(time.RFC3339),
			},
		})
		if err != nil {
			s.log.Error().Err(err).Str("user_id", string(up.UserID)).Msg("could not enqueue grant_monthly_plan job")
		}
	}
}
