package membership

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/clockwork"
	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	clock := clockwork.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := NewService(mem, mem, clock, []byte("invite-secret"), zerolog.Nop())
	return svc, mem
}

func seedConversation(mem *store.MemoryStore, id domain.ID, owner domain.ID, maxUsers int, allowInvites bool) {
	mem.PutConversation(domain.Conversation{ID: id, OwnerUserID: owner, IsMultiUser: true, MaxUsers: maxUsers, AllowUserInvites: allowInvites})
	mem.UpsertMembership(context.Background(), domain.Membership{
		ConversationID: id, UserID: owner, Role: domain.MembershipOwner,
		CanWrite: true, CanInvite: true, CanModerate: true, IsActive: true,
	})
}

func TestInviteThenJoinActivatesMembership(t *testing.T) {
	svc, mem := newTestService(t)
	seedConversation(mem, "c1", "owner", 5, false)
	ctx := context.Background()

	_, err := svc.Invite(ctx, "c1", "bob", "owner")
	require.NoError(t, err)

	got, err := mem.GetMembership(ctx, "c1", "bob")
	require.NoError(t, err)
	require.False(t, got.IsActive, "invite leaves the membership pending until Join")

	m, err := svc.Join(ctx, "c1", "bob")
	require.NoError(t, err)
	require.True(t, m.IsActive)
}

func TestInviteRejectedAtCapacity(t *testing.T) {
	svc, mem := newTestService(t)
	seedConversation(mem, "c1", "owner", 1, false)
	ctx := context.Background()

	_, err := svc.Invite(ctx, "c1", "bob", "owner")
	require.Error(t, err)
}

func TestInviteRejectedWithoutCanInvite(t *testing.T) {
	svc, mem := newTestService(t)
	seedConversation(mem, "c1", "owner", 5, false)
	ctx := context.Background()
	mem.UpsertMembership(ctx, domain.Membership{ConversationID: "c1", UserID: "carol", Role: domain.MembershipMember, IsActive: true, CanInvite: false})

	_, err := svc.Invite(ctx, "c1", "bob", "carol")
	require.Error(t, err)
}

func TestJoinOpenConversationWithoutInvite(t *testing.T) {
	svc, mem := newTestService(t)
	seedConversation(mem, "c1", "owner", 5, true)
	ctx := context.Background()

	m, err := svc.Join(ctx, "c1", "dave")
	require.NoError(t, err)
	require.True(t, m.IsActive)
}

func TestJoinClosedConversationWithoutInviteRejected(t *testing.T) {
	svc, mem := newTestService(t)
	seedConversation(mem, "c1", "owner", 5, false)
	ctx := context.Background()

	_, err := svc.Join(ctx, "c1", "dave")
	require.Error(t, err)
}

func TestOwnerCannotLeaveWithoutTransferringOwnership(t *testing.T) {
	svc, mem := newTestService(t)
	seedConversation(mem, "c1", "owner", 5, false)
	ctx := context.Background()

	err := svc.Leave(ctx, "c1", "owner")
	require.Error(t, err)
}

func TestTransferOwnershipThenLeave(t *testing.T) {
	svc, mem := newTestService(t)
	seedConversation(mem, "c1", "owner", 5, true)
	ctx := context.Background()
	_, err := svc.Join(ctx, "c1", "bob")
	require.NoError(t, err)

	require.NoError(t, svc.TransferOwnership(ctx, "c1", "owner", "bob"))
	require.NoError(t, svc.Leave(ctx, "c1", "owner"))

	conv, err := mem.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, domain.ID("bob"), conv.OwnerUserID)
}

func TestKickCannotTargetOwner(t *testing.T) {
	svc, mem := newTestService(t)
	seedConversation(mem, "c1", "owner", 5, true)
	ctx := context.Background()

	err := svc.Kick(ctx, "c1", "owner", "owner")
	require.Error(t, err)
}

func TestKickRequiresCanModerate(t *testing.T) {
	svc, mem := newTestService(t)
	seedConversation(mem, "c1", "owner", 5, true)
	ctx := context.Background()
	_, err := svc.Join(ctx, "c1", "bob")
	require.NoError(t, err)
	_, err = svc.Join(ctx, "c1", "carol")
	require.NoError(t, err)

	err = svc.Kick(ctx, "c1", "carol", "bob")
	require.Error(t, err, "bob has no moderation rights by default")
}

func TestInviteTokenRoundTrip(t *testing.T) {
	svc, mem := newTestService(t)
	seedConversation(mem, "c1", "owner", 5, false)
	ctx := context.Background()

	token, err := svc.GenerateInviteToken(ctx, "c1", "owner")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	m, err := svc.AcceptInviteToken(ctx, token, "bob")
	require.NoError(t, err)
	require.True(t, m.IsActive)

	// Idempotent for an already-active member.
	again, err := svc.AcceptInviteToken(ctx, token, "bob")
	require.NoError(t, err)
	require.Equal(t, m.UserID, again.UserID)
}

func TestInviteTokenRejectsTamperedSignature(t *testing.T) {
	svc, mem := newTestService(t)
	seedConversation(mem, "c1", "owner", 5, false)
	ctx := context.Background()

	token, err := svc.GenerateInviteToken(ctx, "c1", "owner")
	require.NoError(t, err)

	otherSvc := NewService(mem, mem, clockwork.NewFakeClock(time.Now()), []byte("different-secret"), zerolog.Nop())
	_, err = otherSvc.AcceptInviteToken(ctx, token, "bob")
	require.Error(t, err)
}

func TestCanJoinConversationReflectsActiveMembership(t *testing.T) {
	svc, mem := newTestService(t)
	seedConversation(mem, "c1", "owner", 5, false)
	ctx := context.Background()

	allowed, err := svc.CanJoinConversation(ctx, "nobody", "c1")
	require.NoError(t, err)
	require.False(t, allowed)

	allowed, err = svc.CanJoinConversation(ctx, "owner", "c1")
	require.NoError(t, err)
	require.True(t, allowed)
}
