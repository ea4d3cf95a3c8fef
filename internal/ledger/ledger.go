// Package ledger implements the credit Ledger (§4.1): authoritative
// balances computed from monthly snapshots plus transactions, atomic
// credit/debit, and TTL-bounded reservations used by PolicyGate.
//
// The atomic hot path is adapted directly from the consonant-engine
// ledger: balance and reservation state live as Redis counters mutated
// by Lua scripts (single-threaded execution gives us the atomicity the
// no-oversell property needs without a distributed lock), while every
// mutation is queued for asynchronous durable insertion into the
// RelationalStore's append-only credit_transactions table. Redis is the
// enforcement cache; Postgres is the permanent record.
package ledger

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ocx/backend/internal/clockwork"
	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/errs"
	"github.com/ocx/backend/internal/store"
)

const (
	balanceCacheTTL    = 10 * time.Second
	defaultWriteQueue  = 10000
	defaultWorkerCount = 8
	maxWriteRetries    = 5
)

// checkAndReserveScript atomically compares available balance (balance
// minus already-reserved) against the requested amount, and if
// sufficient, books the hold. KEYS: [1]=balanceKey [2]=reservedSumKey
// [3]=holdKey. ARGV: [1]=amount [2]=ttlSeconds.
var checkAndReserveScript = redis.NewScript(`
local bal = tonumber(redis.call('GET', KEYS[1]) or '0')
local reserved = tonumber(redis.call('GET', KEYS[2]) or '0')
local amount = tonumber(ARGV[1])
local available = bal - reserved
if available < amount then
  return {0, bal, reserved}
end
redis.call('INCRBY', KEYS[2], amount)
redis.call('SET', KEYS[3], amount, 'EX', ARGV[2])
return {1, bal, reserved + amount}
`)

// consumeScript atomically debits balanceKey iff sufficient.
// KEYS: [1]=balanceKey. ARGV: [1]=amount.
var consumeScript = redis.NewScript(`
local bal = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
if bal < amount then
  return {0, bal}
end
redis.call('DECRBY', KEYS[1], amount)
return {1, bal - amount}
`)

// settleScript releases a hold and debits the actual (possibly
// different) amount from balance. KEYS: [1]=balanceKey
// [2]=reservedSumKey [3]=holdKey. ARGV: [1]=actualAmount.
var settleScript = redis.NewScript(`
local held = tonumber(redis.call('GET', KEYS[3]) or '0')
if held == 0 then
  return {0}
end
redis.call('DECRBY', KEYS[2], held)
redis.call('DECRBY', KEYS[1], tonumber(ARGV[1]))
redis.call('DEL', KEYS[3])
return {1, held}
`)

// releaseScript drops a hold without touching balance.
// KEYS: [1]=reservedSumKey [2]=holdKey.
var releaseScript = redis.NewScript(`
local held = tonumber(redis.call('GET', KEYS[2]) or '0')
if held == 0 then
  return 0
end
redis.call('DECRBY', KEYS[1], held)
redis.call('DEL', KEYS[2])
return held
`)

type writeOp struct {
	txn     domain.CreditTransaction
	retries int
}

// Ledger is the credit ledger. Construct with NewLedger; Close drains
// the async write queue on shutdown.
type Ledger struct {
	redis *redis.Client
	rel   store.RelationalStore
	clock clockwork.Clock
	log   zerolog.Logger

	writeQueue chan writeOp
	wg         sync.WaitGroup
}

func NewLedger(redisClient *redis.Client, rel store.RelationalStore, clock clockwork.Clock, log zerolog.Logger, workerCount int) *Ledger {
	if workerCount <= 0 {
		workerCount = defaultWorkerCount
	}
	l := &Ledger{
		redis:      redisClient,
		rel:        rel,
		clock:      clock,
		log:        log.With().Str("component", "ledger").Logger(),
		writeQueue: make(chan writeOp, defaultWriteQueue),
	}
	for i := 0; i < workerCount; i++ {
		l.wg.Add(1)
		go l.asyncWriteWorker(i)
	}
	return l
}

// Close stops accepting new writes and waits for the queue to drain.
func (l *Ledger) Close() {
	close(l.writeQueue)
	l.wg.Wait()
}

func balanceKey(userID domain.ID) string     { return "ledger:balance:" + string(userID) }
func reservedSumKey(userID domain.ID) string { return "ledger:reservedsum:" + string(userID) }
func holdKey(reservationID domain.ID) string { return "ledger:hold:" + string(reservationID) }

// Balance returns the current credit balance, net of active
// reservations (§4.1).
func (l *Ledger) Balance(ctx context.Context, userID domain.ID) (domain.Money, error) {
	if err := l.ensurePrimed(ctx, userID); err != nil {
		return 0, err
	}
	bal, err := l.redis.Get(ctx, balanceKey(userID)).Int64()
	if err != nil && err != redis.Nil {
		return 0, errs.Wrap(errs.KindTransient, "balance_read_failed", "could not read balance", err)
	}
	reserved, err := l.redis.Get(ctx, reservedSumKey(userID)).Int64()
	if err != nil && err != redis.Nil {
		return 0, errs.Wrap(errs.KindTransient, "balance_read_failed", "could not read reservations", err)
	}
	return bal - reserved, nil
}

// ensurePrimed lazily initializes the Redis balance counter from the
// authoritative Postgres snapshot+transactions the first time a user is
// touched (e.g. after a Redis restart).
func (l *Ledger) ensurePrimed(ctx context.Context, userID domain.ID) error {
	authoritative, err := l.computeAuthoritativeBalance(ctx, userID)
	if err != nil {
		return err
	}
	// SETNX: if another goroutine already primed it, this is a no-op.
	if err := l.redis.SetNX(ctx, balanceKey(userID), authoritative, 0).Err(); err != nil {
		return errs.Wrap(errs.KindTransient, "balance_prime_failed", "could not prime balance cache", err)
	}
	return nil
}

func (l *Ledger) computeAuthoritativeBalance(ctx context.Context, userID domain.ID) (domain.Money, error) {
	now := l.clock.Now()
	snap, err := l.rel.LatestSnapshot(ctx, userID, now)
	if err != nil {
		return 0, errs.Wrap(errs.KindTransient, "snapshot_read_failed", "could not read latest snapshot", err)
	}
	since := time.Time{}
	var starting domain.Money
	if snap != nil {
		since = snap.MonthStart
		starting = snap.StartingBalance
	}
	sum, err := l.rel.SumTransactionsSince(ctx, userID, since)
	if err != nil {
		return 0, errs.Wrap(errs.KindTransient, "transaction_sum_failed", "could not sum transactions", err)
	}
	return starting + sum, nil
}

// Grant appends a positive transaction (initial grant, plan grant,
// purchase, refund, reward, adjustment).
func (l *Ledger) Grant(ctx context.Context, userID domain.ID, kind domain.TransactionKind, amount domain.Money, notes string, relatedUsageID, relatedPlanID *domain.ID) (domain.ID, error) {
	if amount <= 0 {
		return "", errs.New(errs.KindValidation, "invalid_amount", "grant amount must be positive")
	}
	return l.recordAndApply(ctx, userID, kind, amount, notes, relatedUsageID, relatedPlanID)
}

// GrantIdempotent appends a positive transaction tagged with tag,
// unless a transaction with the same (userId, kind, tag) already
// exists, in which case it is a no-op returning the sentinel "" id and
// false. Backs daily-reward and monthly-grant idempotency (§4.1).
func (l *Ledger) GrantIdempotent(ctx context.Context, userID domain.ID, kind domain.TransactionKind, amount domain.Money, tag, notes string, relatedPlanID *domain.ID) (domain.ID, bool, error) {
	exists, err := l.rel.ExistsTransactionTagged(ctx, userID, kind, tag)
	if err != nil {
		return "", false, errs.Wrap(errs.KindTransient, "idempotency_check_failed", "could not check idempotency tag", err)
	}
	if exists {
		return "", false, nil
	}
	id, err := l.recordAndApply(ctx, userID, kind, amount, "idem:"+tag+" "+notes, nil, relatedPlanID)
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// ClaimDaily grants the 50-credit daily system reward, idempotent per
// UTC day (§8 "Daily-reward idempotence").
func (l *Ledger) ClaimDaily(ctx context.Context, userID domain.ID) (domain.ID, bool, error) {
	const dailyRewardAmount domain.Money = 50
	day := clockwork.UTCDay(l.clock.Now())
	return l.GrantIdempotent(ctx, userID, domain.TxSystemReward, dailyRewardAmount, "daily:"+day, "daily reward", nil)
}

func (l *Ledger) recordAndApply(ctx context.Context, userID domain.ID, kind domain.TransactionKind, signedAmount domain.Money, notes string, relatedUsageID, relatedPlanID *domain.ID) (domain.ID, error) {
	txnID := uuid.NewString()
	// Prime before mutating: IncrBy on an absent key silently creates it
	// at 0, which would undercount a user whose balance cache was never
	// touched yet (e.g. right after a Redis restart).
	if err := l.ensurePrimed(ctx, userID); err != nil {
		return "", err
	}
	if err := l.redis.IncrBy(ctx, balanceKey(userID), int64(signedAmount)).Err(); err != nil {
		return "", errs.Wrap(errs.KindTransient, "balance_write_failed", "could not update balance", err)
	}

	txn := domain.CreditTransaction{
		ID:             txnID,
		UserID:         userID,
		Kind:           kind,
		Amount:         signedAmount,
		Notes:          notes,
		RelatedUsageID: relatedUsageID,
		RelatedPlanID:  relatedPlanID,
		CreatedAt:      l.clock.Now(),
	}
	select {
	case l.writeQueue <- writeOp{txn: txn}:
	default:
		l.log.Warn().Str("user_id", string(userID)).Msg("ledger write queue full, writing synchronously")
		if err := l.rel.InsertCreditTransaction(ctx, txn); err != nil {
			return "", errs.Wrap(errs.KindTransient, "durable_write_failed", "could not persist transaction", err)
		}
	}
	return txnID, nil
}

// Consume appends a negative transaction atomically iff the balance
// (net of reservations) covers amount. Returns errs.ErrInsufficientCredits
// (not a failure — a domain outcome) when it doesn't.
func (l *Ledger) Consume(ctx context.Context, userID domain.ID, amount domain.Money, notes string, relatedUsageID *domain.ID) (domain.ID, error) {
	if amount < 0 {
		return "", errs.New(errs.KindValidation, "invalid_amount", "consume amount must be non-negative")
	}
	if amount == 0 {
		return l.recordAndApply(ctx, userID, domain.TxConsumption, 0, notes, relatedUsageID, nil)
	}
	if err := l.ensurePrimed(ctx, userID); err != nil {
		return "", err
	}

	// consumeScript only checks raw balance; reservations must also be
	// respected, so this path runs consumeWithReservationScript, which
	// compares the amount against balance minus the reserved sum. A
	// single Lua script keeps both reads+the decrement atomic.
	keys := []string{balanceKey(userID), reservedSumKey(userID)}
	res, err := consumeWithReservationScript.Run(ctx, l.redis, keys, int64(amount)).Result()
	if err != nil {
		return "", errs.Wrap(errs.KindTransient, "consume_failed", "could not execute consume", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 1 {
		return "", errs.New(errs.KindFatal, "consume_bad_result", "unexpected script result")
	}
	approved, _ := arr[0].(int64)
	if approved == 0 {
		return "", errs.ErrInsufficientCredits
	}

	txnID := uuid.NewString()
	txn := domain.CreditTransaction{
		ID:             txnID,
		UserID:         userID,
		Kind:           domain.TxConsumption,
		Amount:         -amount,
		Notes:          notes,
		RelatedUsageID: relatedUsageID,
		CreatedAt:      l.clock.Now(),
	}
	select {
	case l.writeQueue <- writeOp{txn: txn}:
	default:
		if err := l.rel.InsertCreditTransaction(ctx, txn); err != nil {
			return "", errs.Wrap(errs.KindTransient, "durable_write_failed", "could not persist transaction", err)
		}
	}
	return txnID, nil
}

// consumeWithReservationScript debits balanceKey iff (balance -
// reserved) >= amount. KEYS: [1]=balanceKey [2]=reservedSumKey.
// ARGV: [1]=amount.
var consumeWithReservationScript = redis.NewScript(`
local bal = tonumber(redis.call('GET', KEYS[1]) or '0')
local reserved = tonumber(redis.call('GET', KEYS[2]) or '0')
local amount = tonumber(ARGV[1])
if (bal - reserved) < amount then
  return {0, bal}
end
redis.call('DECRBY', KEYS[1], amount)
return {1, bal - amount}
`)

// Reservation is a soft hold returned by Reserve. It is ephemeral
// (Redis-only, TTL-bounded) by design — a lost reservation after a
// restart merely frees up credit early, it never oversells.
type Reservation struct {
	ID     domain.ID
	UserID domain.ID
	Amount domain.Money
}

// Reserve places a TTL-bounded hold on amount, used by PolicyGate as a
// pre-authorization (§4.9).
func (l *Ledger) Reserve(ctx context.Context, userID domain.ID, amount domain.Money, ttl time.Duration) (*Reservation, error) {
	if amount < 0 {
		return nil, errs.New(errs.KindValidation, "invalid_amount", "reserve amount must be non-negative")
	}
	if err := l.ensurePrimed(ctx, userID); err != nil {
		return nil, err
	}
	resID := uuid.NewString()
	keys := []string{balanceKey(userID), reservedSumKey(userID), holdKey(resID)}
	res, err := checkAndReserveScript.Run(ctx, l.redis, keys, int64(amount), int(ttl.Seconds())).Result()
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "reserve_failed", "could not execute reserve", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 1 {
		return nil, errs.New(errs.KindFatal, "reserve_bad_result", "unexpected script result")
	}
	approved, _ := arr[0].(int64)
	if approved == 0 {
		return nil, errs.ErrInsufficientCredits
	}
	return &Reservation{ID: domain.ID(resID), UserID: userID, Amount: amount}, nil
}

// Settle finalizes a reservation, releasing the hold and debiting
// actualAmount (which may differ from the original estimate) as a
// CONSUMPTION transaction.
func (l *Ledger) Settle(ctx context.Context, r *Reservation, actualAmount domain.Money, notes string, relatedUsageID *domain.ID) (domain.ID, error) {
	keys := []string{balanceKey(r.UserID), reservedSumKey(r.UserID), holdKey(r.ID)}
	res, err := settleScript.Run(ctx, l.redis, keys, int64(actualAmount)).Result()
	if err != nil {
		return "", errs.Wrap(errs.KindTransient, "settle_failed", "could not execute settle", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 1 {
		return "", errs.New(errs.KindFatal, "settle_bad_result", "unexpected script result")
	}
	found, _ := arr[0].(int64)
	if found == 0 {
		return "", errs.New(errs.KindConflict, "reservation_expired", "reservation not found or already settled")
	}

	txnID := uuid.NewString()
	txn := domain.CreditTransaction{
		ID:             txnID,
		UserID:         r.UserID,
		Kind:           domain.TxConsumption,
		Amount:         -actualAmount,
		Notes:          notes,
		RelatedUsageID: relatedUsageID,
		CreatedAt:      l.clock.Now(),
	}
	select {
	case l.writeQueue <- writeOp{txn: txn}:
	default:
		if err := l.rel.InsertCreditTransaction(ctx, txn); err != nil {
			return "", errs.Wrap(errs.KindTransient, "durable_write_failed", "could not persist transaction", err)
		}
	}
	return txnID, nil
}

// Release drops a reservation without charging anything (§7: "On
// FAILED, any Reservation held for the job is Released").
func (l *Ledger) Release(ctx context.Context, r *Reservation) error {
	keys := []string{reservedSumKey(r.UserID), holdKey(r.ID)}
	if err := releaseScript.Run(ctx, l.redis, keys).Err(); err != nil {
		return errs.Wrap(errs.KindTransient, "release_failed", "could not execute release", err)
	}
	return nil
}

// SnapshotMonth idempotently materializes the starting balance for
// monthStart from the prior snapshot plus prior-month deltas.
func (l *Ledger) SnapshotMonth(ctx context.Context, userID domain.ID, monthStart time.Time) error {
	monthStart = clockwork.UTCMonthStart(monthStart)
	prior, err := l.rel.LatestSnapshot(ctx, userID, monthStart.Add(-time.Second))
	if err != nil {
		return errs.Wrap(errs.KindTransient, "snapshot_read_failed", "could not read prior snapshot", err)
	}
	var since time.Time
	var starting domain.Money
	if prior != nil {
		starting = prior.StartingBalance
		since = prior.MonthStart
	}
	// Bounded to [prior.MonthStart, monthStart) (or everything before
	// monthStart when there is no prior snapshot) so a closing balance
	// never picks up transactions from the period that followed it.
	delta, err := l.rel.SumTransactionsInRange(ctx, userID, since, monthStart)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "transaction_sum_failed", "could not sum transactions", err)
	}
	newStarting := starting + delta
	if err := l.rel.InsertSnapshotIfAbsent(ctx, domain.MonthlySnapshot{
		UserID:          userID,
		MonthStart:      monthStart,
		StartingBalance: newStarting,
	}); err != nil {
		// Snapshot creation failure does not break Balance (§4.1).
		l.log.Warn().Err(err).Str("user_id", string(userID)).Msg("snapshot insert failed, balance unaffected")
		return errs.Wrap(errs.KindTransient, "snapshot_write_failed", "could not persist snapshot", err)
	}
	return nil
}

func (l *Ledger) asyncWriteWorker(id int) {
	defer l.wg.Done()
	for op := range l.writeQueue {
		l.persistWithRetry(op)
	}
}

func (l *Ledger) persistWithRetry(op writeOp) {
	ctx := context.Background()
	for {
		err := l.rel.InsertCreditTransaction(ctx, op.txn)
		if err == nil {
			return
		}
		op.retries++
		if op.retries > maxWriteRetries {
			l.log.Error().Err(err).Str("txn_id", string(op.txn.ID)).Str("user_id", string(op.txn.UserID)).
				Msg("giving up on durable write after max retries")
			return
		}
		backoff := time.Duration(1<<uint(op.retries)) * 10 * time.Millisecond
		backoff += time.Duration(rand.Intn(20)) * time.Millisecond
		l.log.Warn().Err(err).Int("retries", op.retries).Dur("backoff", backoff).
			Str("txn_id", string(op.txn.ID)).Msg("durable write failed, retrying")
		time.Sleep(backoff)
	}
}
