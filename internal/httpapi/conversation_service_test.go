package httpapi

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/errs"
	"github.com/ocx/backend/internal/jobengine"
	"github.com/ocx/backend/internal/ledger"
	"github.com/ocx/backend/internal/orchestrator"
	"github.com/ocx/backend/internal/policygate"
	"github.com/ocx/backend/internal/sessionhub"
	"github.com/ocx/backend/internal/store"
	"github.com/ocx/backend/internal/usage"
)

// fakeReserver is a Reserver stub backed by a single in-memory balance,
// so tests can exercise PolicyGate's real Reserve/Settle/Release
// accounting without a Redis dependency.
type fakeReserver struct {
	mu       sync.Mutex
	balance  domain.Money
	reserved map[domain.ID]domain.Money
	seq      int
}

func newFakeReserver(balance domain.Money) *fakeReserver {
	return &fakeReserver{balance: balance, reserved: map[domain.ID]domain.Money{}}
}

func (f *fakeReserver) Reserve(ctx context.Context, userID domain.ID, amount domain.Money, ttl time.Duration) (*ledger.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balance < amount {
		return nil, errs.ErrInsufficientCredits
	}
	f.balance -= amount
	f.seq++
	id := domain.ID(fmt.Sprintf("resv-%d", f.seq))
	f.reserved[id] = amount
	return &ledger.Reservation{ID: id, UserID: userID, Amount: amount}, nil
}

func (f *fakeReserver) Settle(ctx context.Context, r *ledger.Reservation, actualAmount domain.Money, notes string, relatedUsageID *domain.ID) (domain.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reserved, r.ID)
	f.balance -= actualAmount - r.Amount
	return "txn-" + r.ID, nil
}

func (f *fakeReserver) Release(ctx context.Context, r *ledger.Reservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if amt, ok := f.reserved[r.ID]; ok {
		f.balance += amt
		delete(f.reserved, r.ID)
	}
	return nil
}

func messagePayload(content string) sessionhub.SendMessagePayload {
	return sessionhub.SendMessagePayload{Content: content}
}

func testCostTable() *usage.CostTable {
	return usage.NewCostTable(map[string]usage.ServiceCost{
		aiTurnServiceKey: {CreditsPerUnit: 10, Unit: usage.UnitPer1kTokens},
	})
}

func newTestConversationServiceWithBalance(balance domain.Money) (*ConversationService, *store.MemoryStore) {
	mem := store.NewMemoryStore()
	gate := policygate.NewGate(newFakeReserver(balance), nil, nil, zerolog.Nop())
	engine := jobengine.NewEngine(mem, mem.WithTx, zerolog.Nop())
	svc := NewConversationService(mem, orchestrator.New(), gate, engine, testCostTable(), zerolog.Nop())
	return svc, mem
}

func newTestConversationService() (*ConversationService, *store.MemoryStore) {
	return newTestConversationServiceWithBalance(1000)
}

func TestSendMessageRejectsNonMember(t *testing.T) {
	svc, mem := newTestConversationService()
	mem.PutConversation(domain.Conversation{ID: "c1", OwnerUserID: "owner", CreatedAt: time.Now()})

	_, err := svc.SendMessage(context.Background(), "c1", "stranger", messagePayload("hi"))
	require.Error(t, err)
	require.Equal(t, errs.KindAuth, errs.KindOf(err))
}

func TestSendMessagePersistsAndEnqueuesResponders(t *testing.T) {
	svc, mem := newTestConversationService()
	mem.PutConversation(domain.Conversation{ID: "c1", OwnerUserID: "owner", CreatedAt: time.Now()})
	require.NoError(t, mem.UpsertMembership(context.Background(), domain.Membership{
		ConversationID: "c1", UserID: "owner", Role: domain.MembershipOwner, CanWrite: true, IsActive: true,
	}))
	mem.PutParticipant(domain.Participant{ID: "p1", ConversationID: "c1", Kind: domain.ParticipantCharacterDirect, DisplayName: "Aria", CreatedAt: time.Now()})

	msg, err := svc.SendMessage(context.Background(), "c1", "owner", messagePayload("hello there"))
	require.NoError(t, err)
	require.Equal(t, "hello there", msg.Content)
	require.NotEmpty(t, msg.ID)

	conv, err := mem.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, conv.LastMessageAt)

	job, err := mem.ClaimNextJob(context.Background(), []string{aiTurnJobType}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, job, "one ai_turn job is enqueued for the responder")
	require.Equal(t, "p1", job.Payload["participantId"])
}

func TestSendMessageRejectsViewerWithoutCanWrite(t *testing.T) {
	svc, mem := newTestConversationService()
	mem.PutConversation(domain.Conversation{ID: "c1", OwnerUserID: "owner", CreatedAt: time.Now()})
	require.NoError(t, mem.UpsertMembership(context.Background(), domain.Membership{
		ConversationID: "c1", UserID: "viewer", Role: domain.MembershipViewer, CanWrite: false, IsActive: true,
	}))

	_, err := svc.SendMessage(context.Background(), "c1", "viewer", messagePayload("hi"))
	require.Error(t, err)
	require.True(t, errs.Is(err, "forbidden"))
}

// TestSendMessageInsufficientCreditsBlocksSend covers §8 scenario 3: a
// responder's ai_turn reservation failing must abort the whole send —
// no Message persisted, no job enqueued.
func TestSendMessageInsufficientCreditsBlocksSend(t *testing.T) {
	svc, mem := newTestConversationServiceWithBalance(0)
	mem.PutConversation(domain.Conversation{ID: "c1", OwnerUserID: "owner", CreatedAt: time.Now()})
	require.NoError(t, mem.UpsertMembership(context.Background(), domain.Membership{
		ConversationID: "c1", UserID: "owner", Role: domain.MembershipOwner, CanWrite: true, IsActive: true,
	}))
	mem.PutParticipant(domain.Participant{ID: "p1", ConversationID: "c1", Kind: domain.ParticipantCharacterDirect, DisplayName: "Aria", CreatedAt: time.Now()})

	_, err := svc.SendMessage(context.Background(), "c1", "owner", messagePayload("hello there"))
	require.Error(t, err)
	require.Equal(t, errs.KindPolicy, errs.KindOf(err))

	recent, err := mem.RecentMessages(context.Background(), "c1", 10)
	require.NoError(t, err)
	require.Empty(t, recent)

	job, err := mem.ClaimNextJob(context.Background(), []string{aiTurnJobType}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Nil(t, job)
}
