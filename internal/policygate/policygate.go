// Package policygate implements PolicyGate (§4.9): per-action rate
// limits, content age-rating checks, and credit pre-authorization ahead
// of any metered action. Rate limiting is a token bucket per
// (userId, action), adapted from the teacher's keyed rate_limiter.go
// windows but generalized to golang.org/x/time/rate the way llmbroker's
// tool limiters already do.
package policygate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/errs"
	"github.com/ocx/backend/internal/ledger"
)

const defaultReservationTTL = 60 * time.Second

// RateLimit configures one action's token bucket.
type RateLimit struct {
	RatePerSecond float64
	Burst         int
}

// Reserver is the narrow Ledger slice PolicyGate pre-authorizes against.
type Reserver interface {
	Reserve(ctx context.Context, userID domain.ID, amount domain.Money, ttl time.Duration) (*ledger.Reservation, error)
	Settle(ctx context.Context, r *ledger.Reservation, actualAmount domain.Money, notes string, relatedUsageID *domain.ID) (domain.ID, error)
	Release(ctx context.Context, r *ledger.Reservation) error
}

// AgeRatingChecker decides whether userID may access content rated
// contentRating. A nil checker skips the check entirely.
type AgeRatingChecker interface {
	IsAllowed(ctx context.Context, userID domain.ID, contentRating string) (bool, error)
}

// AuthToken is returned by Authorize and must be Settled or Released by
// the caller once the action completes or fails (§4.9).
type AuthToken struct {
	UserID      domain.ID
	Action      string
	Reservation *ledger.Reservation
	IssuedAt    time.Time
}

type Gate struct {
	reserve Reserver
	ageChk  AgeRatingChecker
	log     zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	defaults map[string]RateLimit
	fallback RateLimit
}

func NewGate(reserve Reserver, ageChk AgeRatingChecker, actionLimits map[string]RateLimit, log zerolog.Logger) *Gate {
	return &Gate{
		reserve:  reserve,
		ageChk:   ageChk,
		log:      log.With().Str("component", "policygate").Logger(),
		limiters: make(map[string]*rate.Limiter),
		defaults: actionLimits,
		fallback: RateLimit{RatePerSecond: 1, Burst: 10},
	}
}

func (g *Gate) limiterFor(userID domain.ID, action string) *rate.Limiter {
	key := string(userID) + ":" + action
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.limiters[key]; ok {
		return l
	}
	cfg, ok := g.defaults[action]
	if !ok {
		cfg = g.fallback
	}
	l := rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	g.limiters[key] = l
	return l
}

// Authorize pre-authorizes userID to perform action. If estimatedCost is
// nonzero, a 60s credit reservation is embedded in the returned token;
// the caller must Settle or Release it (§4.9, §5 "Reservation TTL: 60s").
func (g *Gate) Authorize(ctx context.Context, userID domain.ID, action string, estimatedCost domain.Money, contentRating string) (*AuthToken, error) {
	if !g.limiterFor(userID, action).Allow() {
		return nil, errs.ErrRateLimited
	}

	if g.ageChk != nil && contentRating != "" {
		allowed, err := g.ageChk.IsAllowed(ctx, userID, contentRating)
		if err != nil {
			return nil, errs.Wrap(errs.KindFatal, "age_check_failed", "could not evaluate age rating", err)
		}
		if !allowed {
			return nil, errs.New(errs.KindPolicy, "age_restricted", "content rating exceeds user preference")
		}
	}

	token := &AuthToken{UserID: userID, Action: action, IssuedAt: time.Now()}
	if estimatedCost > 0 {
		resv, err := g.reserve.Reserve(ctx, userID, estimatedCost, defaultReservationTTL)
		if err != nil {
			return nil, err
		}
		token.Reservation = resv
	}
	return token, nil
}

// Settle finalizes the token's reservation (if any) at the actual cost
// once the action completes successfully.
func (g *Gate) Settle(ctx context.Context, token *AuthToken, actualCost domain.Money, notes string, relatedUsageID *domain.ID) (domain.ID, error) {
	if token == nil || token.Reservation == nil {
		return "", nil
	}
	return g.reserve.Settle(ctx, token.Reservation, actualCost, notes, relatedUsageID)
}

// Release drops the token's reservation (if any) without charging
// anything, on action failure.
func (g *Gate) Release(ctx context.Context, token *AuthToken) error {
	if token == nil || token.Reservation == nil {
		return nil
	}
	return g.reserve.Release(ctx, token.Reservation)
}
