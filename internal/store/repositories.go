package store

import (
	"context"
	"time"

	"github.com/ocx/backend/internal/domain"
)

type Users interface {
	GetUser(ctx context.Context, id domain.ID) (*domain.User, error)
}

type Conversations interface {
	GetConversation(ctx context.Context, id domain.ID) (*domain.Conversation, error)
	UpdateConversationLastMessageAt(ctx context.Context, id domain.ID, at time.Time) error
	TransferOwnership(ctx context.Context, convID, newOwner domain.ID) error
}

type Memberships interface {
	GetMembership(ctx context.Context, convID, userID domain.ID) (*domain.Membership, error)
	ListActiveMemberships(ctx context.Context, convID domain.ID) ([]domain.Membership, error)
	UpsertMembership(ctx context.Context, m domain.Membership) error
	DeactivateMembership(ctx context.Context, convID, userID domain.ID) error
	CountActiveMemberships(ctx context.Context, convID domain.ID) (int, error)
}

type Participants interface {
	ListParticipants(ctx context.Context, convID domain.ID) ([]domain.Participant, error)
}

type Messages interface {
	AppendMessage(ctx context.Context, m domain.Message) (domain.Message, error)
	RecentMessages(ctx context.Context, convID domain.ID, limit int) ([]domain.Message, error)
}

type Plans interface {
	GetPlan(ctx context.Context, id domain.ID) (*domain.Plan, error)
	GetActiveUserPlan(ctx context.Context, userID domain.ID) (*domain.UserPlan, error)
	// ListUserPlansDueForGrant returns every ACTIVE UserPlan whose
	// CurrentPeriodEnd has passed asOf — PlanScheduler's tick (§2) polls
	// this to find who is owed this month's plan credits.
	ListUserPlansDueForGrant(ctx context.Context, asOf time.Time) ([]domain.UserPlan, error)
	// AdvanceUserPlanPeriod records a completed grant and rolls the plan's
	// billing period forward to [newPeriodStart, newPeriodEnd).
	AdvanceUserPlanPeriod(ctx context.Context, userPlanID domain.ID, grantedAt, newPeriodStart, newPeriodEnd time.Time) error
}

// CreditLedgerRows is the narrow relational slice the Ledger component
// uses for durable writes; the Ledger owns CreditTransaction and
// MonthlySnapshot semantically, but the rows live in the same
// RelationalStore as everything else.
type CreditLedgerRows interface {
	InsertCreditTransaction(ctx context.Context, tx domain.CreditTransaction) error
	SumTransactionsSince(ctx context.Context, userID domain.ID, since time.Time) (domain.Money, error)
	// SumTransactionsInRange sums transactions in [since, before) — the
	// bounded form SnapshotMonth needs so a closed month's delta never
	// picks up transactions from the period that followed it.
	SumTransactionsInRange(ctx context.Context, userID domain.ID, since, before time.Time) (domain.Money, error)
	LatestSnapshot(ctx context.Context, userID domain.ID, asOf time.Time) (*domain.MonthlySnapshot, error)
	InsertSnapshotIfAbsent(ctx context.Context, snap domain.MonthlySnapshot) error
	// ExistsTransactionTagged reports whether a transaction with the given
	// idempotency tag (stored in Notes by convention: "idem:<tag>") has
	// already been recorded for userID+kind — backs the unique-index
	// idempotency described in §4.1.
	ExistsTransactionTagged(ctx context.Context, userID domain.ID, kind domain.TransactionKind, tag string) (bool, error)
	// ListTransactions returns a user's transactions newest-first, for
	// the /credits/transactions endpoint (§6.2).
	ListTransactions(ctx context.Context, userID domain.ID, limit int) ([]domain.CreditTransaction, error)
}

// UsageRecords is the narrow relational slice usage.Pipeline uses to
// persist raw usage and, once priced, the credits charged for it (§4.2).
type UsageRecords interface {
	InsertUsageRecord(ctx context.Context, rec domain.UsageRecord) error
	NextUnpriced(ctx context.Context, userID domain.ID, limit int) ([]domain.UsageRecord, error)
	MarkPriced(ctx context.Context, recordID domain.ID, creditsCharged domain.Money, unknownService, failedInsufficientCredits bool) error
}

type Jobs interface {
	InsertJob(ctx context.Context, j domain.Job) error
	GetJobByDedupKey(ctx context.Context, dedupKey string) (*domain.Job, error)
	GetJob(ctx context.Context, id domain.ID) (*domain.Job, error)
	// ClaimNextJob atomically transitions the highest-priority eligible
	// QUEUED job (or a RUNNING job whose lease expired) to RUNNING for one
	// of the given types, bumping attempts and setting leaseUntil. Returns
	// nil, nil if nothing is claimable.
	ClaimNextJob(ctx context.Context, types []string, leaseUntil time.Time) (*domain.Job, error)
	UpdateJobProgress(ctx context.Context, id domain.ID, p domain.JobProgress, leaseUntil time.Time) error
	CompleteJob(ctx context.Context, id domain.ID, result map[string]interface{}) error
	FailJob(ctx context.Context, id domain.ID, jobErr domain.JobError, requeueAt *time.Time) error
	CancelJob(ctx context.Context, id domain.ID) error
}
