package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/clockwork"
	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/errs"
	"github.com/ocx/backend/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, *store.MemoryStore, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mem := store.NewMemoryStore()
	clock := clockwork.NewFakeClock(time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC))
	l := NewLedger(client, mem, clock, zerolog.Nop(), 2)

	cleanup := func() {
		l.Close()
		client.Close()
		mr.Close()
	}
	return l, mem, cleanup
}

func drain(l *Ledger) {
	// writes are queued asynchronously; give workers a moment and then
	// synchronize by closing (tests call cleanup last, so use a small
	// sleep for assertions that need the durable row to exist first).
	time.Sleep(20 * time.Millisecond)
}

func TestGrantThenBalance(t *testing.T) {
	l, _, cleanup := newTestLedger(t)
	defer cleanup()
	ctx := context.Background()

	_, err := l.Grant(ctx, "user-1", domain.TxGrantInitial, 100, "welcome", nil, nil)
	require.NoError(t, err)

	bal, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, domain.Money(100), bal)
}

func TestConsumeInsufficientCredits(t *testing.T) {
	l, _, cleanup := newTestLedger(t)
	defer cleanup()
	ctx := context.Background()

	_, err := l.Grant(ctx, "user-2", domain.TxGrantInitial, 10, "welcome", nil, nil)
	require.NoError(t, err)

	_, err = l.Consume(ctx, "user-2", 50, "usage", nil)
	require.ErrorIs(t, err, errs.ErrInsufficientCredits)

	bal, err := l.Balance(ctx, "user-2")
	require.NoError(t, err)
	require.Equal(t, domain.Money(10), bal, "balance must be unchanged on a rejected consume")
}

func TestNoOversellUnderConcurrency(t *testing.T) {
	l, _, cleanup := newTestLedger(t)
	defer cleanup()
	ctx := context.Background()

	_, err := l.Grant(ctx, "user-3", domain.TxGrantInitial, 100, "welcome", nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	successes := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Consume(ctx, "user-3", 10, "usage", nil)
			successes <- err == nil
		}()
	}
	wg.Wait()
	close(successes)

	ok := 0
	for s := range successes {
		if s {
			ok++
		}
	}
	require.Equal(t, 10, ok, "exactly 10 of 20 concurrent 10-credit consumes should succeed against a 100-credit balance")

	bal, err := l.Balance(ctx, "user-3")
	require.NoError(t, err)
	require.GreaterOrEqual(t, bal, domain.Money(0), "balance must never go negative")
	require.Equal(t, domain.Money(0), bal)
}

func TestReserveSettleRelease(t *testing.T) {
	l, _, cleanup := newTestLedger(t)
	defer cleanup()
	ctx := context.Background()

	_, err := l.Grant(ctx, "user-4", domain.TxGrantInitial, 100, "welcome", nil, nil)
	require.NoError(t, err)

	r, err := l.Reserve(ctx, "user-4", 30, 60*time.Second)
	require.NoError(t, err)

	balDuringHold, err := l.Balance(ctx, "user-4")
	require.NoError(t, err)
	require.Equal(t, domain.Money(70), balDuringHold, "reservation reduces readable balance without a CONSUMPTION write")

	_, err = l.Settle(ctx, r, 25, "llm call", nil)
	require.NoError(t, err)

	balAfterSettle, err := l.Balance(ctx, "user-4")
	require.NoError(t, err)
	require.Equal(t, domain.Money(75), balAfterSettle, "settle charges the actual amount, not the estimate")

	r2, err := l.Reserve(ctx, "user-4", 20, 60*time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, r2))

	balAfterRelease, err := l.Balance(ctx, "user-4")
	require.NoError(t, err)
	require.Equal(t, domain.Money(75), balAfterRelease, "release must not charge anything")
}

func TestDailyRewardIdempotent(t *testing.T) {
	l, _, cleanup := newTestLedger(t)
	defer cleanup()
	ctx := context.Background()

	_, granted1, err := l.ClaimDaily(ctx, "user-5")
	require.NoError(t, err)
	require.True(t, granted1)
	drain(l)

	_, granted2, err := l.ClaimDaily(ctx, "user-5")
	require.NoError(t, err)
	require.False(t, granted2, "a second claim within the same UTC day must be a no-op")

	bal, err := l.Balance(ctx, "user-5")
	require.NoError(t, err)
	require.Equal(t, domain.Money(50), bal)
}

func TestSnapshotMonthIdempotent(t *testing.T) {
	l, mem, cleanup := newTestLedger(t)
	defer cleanup()
	ctx := context.Background()

	monthStart := clockwork.UTCMonthStart(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	mem.PutUser(domain.User{ID: "user-6"})

	_, err := l.Grant(ctx, "user-6", domain.TxGrantInitial, 40, "welcome", nil, nil)
	require.NoError(t, err)

	require.NoError(t, l.SnapshotMonth(ctx, "user-6", monthStart))
	snap1, err := mem.LatestSnapshot(ctx, "user-6", monthStart)
	require.NoError(t, err)
	require.NotNil(t, snap1)

	require.NoError(t, l.SnapshotMonth(ctx, "user-6", monthStart))
	snap2, err := mem.LatestSnapshot(ctx, "user-6", monthStart)
	require.NoError(t, err)
	require.Equal(t, snap1.StartingBalance, snap2.StartingBalance, "repeated SnapshotMonth must not change the stored balance")
}
