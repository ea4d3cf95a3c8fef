package usage

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/errs"
)

type fakeLedger struct {
	mu       sync.Mutex
	balances map[domain.ID]domain.Money
	calls    []domain.ID
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: map[domain.ID]domain.Money{}}
}

func (f *fakeLedger) Consume(ctx context.Context, userID domain.ID, amount domain.Money, notes string, relatedUsageID *domain.ID) (domain.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[userID] < amount {
		return "", errs.ErrInsufficientCredits
	}
	f.balances[userID] -= amount
	f.calls = append(f.calls, *relatedUsageID)
	return "txn", nil
}

type fakeStore struct {
	mu      sync.Mutex
	records map[domain.ID]domain.UsageRecord
	priced  map[domain.ID]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[domain.ID]domain.UsageRecord{}, priced: map[domain.ID]bool{}}
}

func (s *fakeStore) InsertUsageRecord(ctx context.Context, rec domain.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

func (s *fakeStore) NextUnpriced(ctx context.Context, userID domain.ID, limit int) ([]domain.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.UsageRecord
	for id, rec := range s.records {
		if rec.UserID != userID || s.priced[id] {
			continue
		}
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) MarkPriced(ctx context.Context, recordID domain.ID, creditsCharged domain.Money, unknownService, failedInsufficient bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priced[recordID] = true
	rec := s.records[recordID]
	rec.CreditsCharged = &creditsCharged
	rec.UnknownService = unknownService
	rec.FailedInsufficientCredits = failedInsufficient
	s.records[recordID] = rec
	return nil
}

func TestPriceOneChargesCeilingOfUnits(t *testing.T) {
	ledger := newFakeLedger()
	ledger.balances["u1"] = 100
	recs := newFakeStore()
	costs := NewCostTable(map[string]ServiceCost{
		"gpt-4-chat": {CreditsPerUnit: 10, Unit: UnitPer1kTokens},
	})
	p := NewPipeline(ledger, recs, costs, zerolog.Nop(), 4)

	_, err := p.Record(context.Background(), domain.UsageRecord{
		ID: "rec-1", UserID: "u1", ServiceKey: "gpt-4-chat", InputTokens: 400, OutputTokens: 300,
	})
	require.NoError(t, err)

	p.processUserBacklog(context.Background(), "u1")

	require.True(t, recs.priced["rec-1"])
	rec := recs.records["rec-1"]
	require.NotNil(t, rec.CreditsCharged)
	require.Equal(t, domain.Money(7), *rec.CreditsCharged, "ceil(0.7 units * 10 credits) = 7")
	require.Equal(t, domain.Money(93), ledger.balances["u1"])
}

func TestPriceOneUnknownServiceNeverRetried(t *testing.T) {
	ledger := newFakeLedger()
	recs := newFakeStore()
	costs := NewCostTable(nil)
	p := NewPipeline(ledger, recs, costs, zerolog.Nop(), 4)

	_, err := p.Record(context.Background(), domain.UsageRecord{ID: "rec-2", UserID: "u2", ServiceKey: "mystery-service"})
	require.NoError(t, err)

	p.processUserBacklog(context.Background(), "u2")

	require.True(t, recs.priced["rec-2"])
	rec := recs.records["rec-2"]
	require.True(t, rec.UnknownService)
	require.Equal(t, domain.Money(0), *rec.CreditsCharged)
}

func TestPriceOneInsufficientCreditsMarksFailedNotRetried(t *testing.T) {
	ledger := newFakeLedger()
	ledger.balances["u3"] = 1
	recs := newFakeStore()
	costs := NewCostTable(map[string]ServiceCost{
		"image-gen": {CreditsPerUnit: 50, Unit: UnitPerImage},
	})
	p := NewPipeline(ledger, recs, costs, zerolog.Nop(), 4)

	_, err := p.Record(context.Background(), domain.UsageRecord{ID: "rec-3", UserID: "u3", ServiceKey: "image-gen", Units: 1})
	require.NoError(t, err)

	p.processUserBacklog(context.Background(), "u3")

	rec := recs.records["rec-3"]
	require.True(t, rec.FailedInsufficientCredits)
	require.Equal(t, domain.Money(0), *rec.CreditsCharged)
	require.Equal(t, domain.Money(1), ledger.balances["u3"], "balance must be untouched when charge is rejected")
}

func TestZeroCostServiceSkipsLedger(t *testing.T) {
	ledger := newFakeLedger()
	recs := newFakeStore()
	costs := NewCostTable(map[string]ServiceCost{
		"free-tier-echo": {CreditsPerUnit: 0, Unit: UnitPerRequest},
	})
	p := NewPipeline(ledger, recs, costs, zerolog.Nop(), 4)

	_, err := p.Record(context.Background(), domain.UsageRecord{ID: "rec-4", UserID: "u4", ServiceKey: "free-tier-echo"})
	require.NoError(t, err)

	p.processUserBacklog(context.Background(), "u4")

	require.Empty(t, ledger.calls)
	require.Equal(t, domain.Money(0), *recs.records["rec-4"].CreditsCharged)
}
