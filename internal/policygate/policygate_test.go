package policygate

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/errs"
	"github.com/ocx/backend/internal/ledger"
)

type fakeReserver struct {
	reserveErr  error
	settled     []domain.Money
	released    []domain.ID
	nextResID   int
}

func (f *fakeReserver) Reserve(ctx context.Context, userID domain.ID, amount domain.Money, ttl time.Duration) (*ledger.Reservation, error) {
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	f.nextResID++
	return &ledger.Reservation{ID: domain.ID("r"), UserID: userID, Amount: amount}, nil
}

func (f *fakeReserver) Settle(ctx context.Context, r *ledger.Reservation, actualAmount domain.Money, notes string, relatedUsageID *domain.ID) (domain.ID, error) {
	f.settled = append(f.settled, actualAmount)
	return "txn-1", nil
}

func (f *fakeReserver) Release(ctx context.Context, r *ledger.Reservation) error {
	f.released = append(f.released, r.ID)
	return nil
}

type fakeAgeChecker struct{ allowed bool }

func (f fakeAgeChecker) IsAllowed(ctx context.Context, userID domain.ID, contentRating string) (bool, error) {
	return f.allowed, nil
}

func TestAuthorizeReservesEstimatedCost(t *testing.T) {
	r := &fakeReserver{}
	g := NewGate(r, nil, nil, zerolog.Nop())

	token, err := g.Authorize(context.Background(), "u1", "generate_image", 10, "")
	require.NoError(t, err)
	require.NotNil(t, token.Reservation)
}

func TestAuthorizeSkipsReservationWhenCostZero(t *testing.T) {
	r := &fakeReserver{}
	g := NewGate(r, nil, nil, zerolog.Nop())

	token, err := g.Authorize(context.Background(), "u1", "send_message", 0, "")
	require.NoError(t, err)
	require.Nil(t, token.Reservation)
}

func TestAuthorizePropagatesInsufficientCredits(t *testing.T) {
	r := &fakeReserver{reserveErr: errs.ErrInsufficientCredits}
	g := NewGate(r, nil, nil, zerolog.Nop())

	_, err := g.Authorize(context.Background(), "u1", "generate_image", 10, "")
	require.ErrorIs(t, err, errs.ErrInsufficientCredits)
}

func TestAuthorizeRejectsOverAgeRatingRestriction(t *testing.T) {
	r := &fakeReserver{}
	g := NewGate(r, fakeAgeChecker{allowed: false}, nil, zerolog.Nop())

	_, err := g.Authorize(context.Background(), "u1", "generate_image", 0, "explicit")
	require.Error(t, err)
}

func TestAuthorizeRateLimitsBurst(t *testing.T) {
	r := &fakeReserver{}
	limits := map[string]RateLimit{"ping": {RatePerSecond: 0.001, Burst: 2}}
	g := NewGate(r, nil, limits, zerolog.Nop())

	ctx := context.Background()
	_, err := g.Authorize(ctx, "u1", "ping", 0, "")
	require.NoError(t, err)
	_, err = g.Authorize(ctx, "u1", "ping", 0, "")
	require.NoError(t, err)
	_, err = g.Authorize(ctx, "u1", "ping", 0, "")
	require.ErrorIs(t, err, errs.ErrRateLimited)
}

func TestRateLimitsAreIndependentPerUser(t *testing.T) {
	r := &fakeReserver{}
	limits := map[string]RateLimit{"ping": {RatePerSecond: 0.001, Burst: 1}}
	g := NewGate(r, nil, limits, zerolog.Nop())
	ctx := context.Background()

	_, err := g.Authorize(ctx, "u1", "ping", 0, "")
	require.NoError(t, err)
	_, err = g.Authorize(ctx, "u2", "ping", 0, "")
	require.NoError(t, err, "u2's bucket is independent of u1's")
}

func TestSettleAndReleaseNoopWithoutReservation(t *testing.T) {
	r := &fakeReserver{}
	g := NewGate(r, nil, nil, zerolog.Nop())
	token := &AuthToken{UserID: "u1", Action: "send_message"}

	_, err := g.Settle(context.Background(), token, 0, "", nil)
	require.NoError(t, err)
	require.NoError(t, g.Release(context.Background(), token))
	require.Empty(t, r.settled)
	require.Empty(t, r.released)
}

func TestSettleForwardsActualCost(t *testing.T) {
	r := &fakeReserver{}
	g := NewGate(r, nil, nil, zerolog.Nop())
	ctx := context.Background()

	token, err := g.Authorize(ctx, "u1", "generate_image", 10, "")
	require.NoError(t, err)

	_, err = g.Settle(ctx, token, 7, "actual cost", nil)
	require.NoError(t, err)
	require.Equal(t, []domain.Money{7}, r.settled)
}
