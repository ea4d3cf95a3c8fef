// Package domain holds the shared entity types for the CharHub core:
// conversations, memberships, participants, messages, plans, credits,
// usage, and jobs. These are plain structs; persistence lives in store,
// ledger, usage, and jobengine.
package domain

import "time"

// ID is an opaque 128-bit identifier, rendered as a UUID string.
type ID = string

// Money is an integer credit amount. Never a float — fractional credits
// don't exist.
type Money = int64

type UserRole string

const (
	RoleFree    UserRole = "FREE"
	RolePremium UserRole = "PREMIUM"
	RoleAdmin   UserRole = "ADMIN"
)

type User struct {
	ID                ID
	PreferredLanguage string
	Role              UserRole
	CreatedAt         time.Time
}

type Conversation struct {
	ID               ID
	OwnerUserID      ID
	IsMultiUser      bool
	MaxUsers         int
	AllowUserInvites bool
	CreatedAt        time.Time
	LastMessageAt    *time.Time
}

type MembershipRole string

const (
	MembershipOwner     MembershipRole = "OWNER"
	MembershipModerator MembershipRole = "MODERATOR"
	MembershipMember    MembershipRole = "MEMBER"
	MembershipViewer    MembershipRole = "VIEWER"
)

type Membership struct {
	ConversationID ID
	UserID         ID
	Role           MembershipRole
	CanWrite       bool
	CanInvite      bool
	CanModerate    bool
	IsActive       bool
	InvitedBy      *ID
	JoinedAt       time.Time
}

type ParticipantKind string

const (
	ParticipantUser            ParticipantKind = "USER"
	ParticipantCharacterDirect ParticipantKind = "CHARACTER_DIRECT"
	ParticipantAssistant       ParticipantKind = "ASSISTANT"
)

type Participant struct {
	ID                     ID
	ConversationID         ID
	Kind                   ParticipantKind
	DisplayName            string
	RepresentedCharacterID *ID
	LLMProfile             string
	ConfigOverride         map[string]interface{}
	CreatedAt              time.Time
}

// IsNonHuman reports whether this participant is an AI responder
// (CHARACTER_DIRECT or ASSISTANT), i.e. a candidate for the Orchestrator.
func (p Participant) IsNonHuman() bool {
	return p.Kind == ParticipantCharacterDirect || p.Kind == ParticipantAssistant
}

type SenderKind string

const (
	SenderUser      SenderKind = "USER"
	SenderCharacter SenderKind = "CHARACTER"
	SenderAssistant SenderKind = "ASSISTANT"
	SenderSystem    SenderKind = "SYSTEM"
)

type Attachment struct {
	URL      string
	MimeType string
}

type Message struct {
	ID             ID
	ConversationID ID
	SenderKind     SenderKind
	SenderRef      ID
	Content        string
	Attachments    []Attachment
	Metadata       map[string]interface{}
	CreatedAt      time.Time
}

type Plan struct {
	ID             ID
	Name           string
	MonthlyCredits Money
	PriceUSD       float64
	Features       map[string]bool
	IsActive       bool
}

type UserPlanStatus string

const (
	UserPlanActive    UserPlanStatus = "ACTIVE"
	UserPlanCancelled UserPlanStatus = "CANCELLED"
	UserPlanExpired   UserPlanStatus = "EXPIRED"
	UserPlanSuspended UserPlanStatus = "SUSPENDED"
)

type UserPlan struct {
	ID                   ID
	UserID               ID
	PlanID               ID
	Status               UserPlanStatus
	StartDate            time.Time
	EndDate              *time.Time
	CurrentPeriodStart   time.Time
	CurrentPeriodEnd     time.Time
	LastCreditsGrantedAt *time.Time
}

type TransactionKind string

const (
	TxGrantInitial    TransactionKind = "GRANT_INITIAL"
	TxGrantPlan       TransactionKind = "GRANT_PLAN"
	TxPurchase        TransactionKind = "PURCHASE"
	TxConsumption     TransactionKind = "CONSUMPTION"
	TxAdjustmentAdd   TransactionKind = "ADJUSTMENT_ADD"
	TxAdjustmentRem   TransactionKind = "ADJUSTMENT_REMOVE"
	TxRefund          TransactionKind = "REFUND"
	TxExpiration      TransactionKind = "EXPIRATION"
	TxSystemReward    TransactionKind = "SYSTEM_REWARD"
)

type CreditTransaction struct {
	ID            ID
	UserID        ID
	Kind          TransactionKind
	Amount        Money // signed; positive grants, negative debits
	Notes         string
	RelatedUsageID *ID
	RelatedPlanID  *ID
	CreatedAt      time.Time
}

type MonthlySnapshot struct {
	UserID         ID
	MonthStart     time.Time
	StartingBalance Money
}

type UsageRecord struct {
	ID              ID
	UserID          ID
	ServiceKey      string
	Provider        string
	Model           string
	InputTokens     int64
	OutputTokens    int64
	Chars           int64
	Units           float64
	RawCostUSD      float64
	CreditsCharged  *Money
	UnknownService  bool
	FailedInsufficientCredits bool
	Metadata        map[string]interface{}
	CreatedAt       time.Time
}

type JobState string

const (
	JobQueued    JobState = "QUEUED"
	JobRunning   JobState = "RUNNING"
	JobSucceeded JobState = "SUCCEEDED"
	JobFailed    JobState = "FAILED"
	JobCancelled JobState = "CANCELLED"
)

type JobProgress struct {
	Stage   int
	Total   int
	Message string
	Data    map[string]interface{}
}

type Job struct {
	ID          ID
	Type        string
	Payload     map[string]interface{}
	State       JobState
	Attempts    int
	MaxAttempts int
	Priority    int
	NotBefore   time.Time
	OwnerUserID ID
	SessionID   string
	DedupKey    string
	Progress    JobProgress
	Result      map[string]interface{}
	Error       *JobError
	LeaseUntil  time.Time
	Cancelled   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type JobError struct {
	Code      string
	Message   string
	Retryable bool
}

type InviteToken struct {
	ConversationID ID
	InviterID      ID
	IssuedAt       time.Time
	ExpiresAt      time.Time
	SingleUse      bool
	Consumed       bool
}
