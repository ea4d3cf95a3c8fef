// Package membership implements MembershipCore (§4.7): invites, joins,
// leaves, kicks, and invite-link tokens, enforcing the "exactly one
// OWNER" and capacity invariants.
package membership

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/ocx/backend/internal/clockwork"
	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/errs"
)

const inviteTokenTTL = 7 * 24 * time.Hour

type ConversationStore interface {
	GetConversation(ctx context.Context, id domain.ID) (*domain.Conversation, error)
	TransferOwnership(ctx context.Context, convID, newOwner domain.ID) error
}

type MembershipStore interface {
	GetMembership(ctx context.Context, convID, userID domain.ID) (*domain.Membership, error)
	ListActiveMemberships(ctx context.Context, convID domain.ID) ([]domain.Membership, error)
	UpsertMembership(ctx context.Context, m domain.Membership) error
	DeactivateMembership(ctx context.Context, convID, userID domain.ID) error
	CountActiveMemberships(ctx context.Context, convID domain.ID) (int, error)
}

type InviteClaims struct {
	ConversationID domain.ID `json:"conversationId"`
	InvitedBy      domain.ID `json:"invitedBy"`
	jwt.RegisteredClaims
}

// Service is MembershipCore.
type Service struct {
	convos      ConversationStore
	memberships MembershipStore
	clock       clockwork.Clock
	log         zerolog.Logger
	inviteKey   []byte
}

func NewService(convos ConversationStore, memberships MembershipStore, clock clockwork.Clock, inviteKey []byte, log zerolog.Logger) *Service {
	return &Service{
		convos:      convos,
		memberships: memberships,
		clock:       clock,
		log:         log.With().Str("component", "membership").Logger(),
		inviteKey:   inviteKey,
	}
}

func (s *Service) requireActive(ctx context.Context, convID, userID domain.ID) (*domain.Membership, error) {
	m, err := s.memberships.GetMembership(ctx, convID, userID)
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, "membership_lookup_failed", "could not load membership", err)
	}
	if m == nil || !m.IsActive {
		return nil, errs.New(errs.KindAuth, "not_a_member", "user is not an active member of this conversation")
	}
	return m, nil
}

func (s *Service) checkCapacity(ctx context.Context, convID domain.ID, conv *domain.Conversation) error {
	count, err := s.memberships.CountActiveMemberships(ctx, convID)
	if err != nil {
		return errs.Wrap(errs.KindFatal, "capacity_check_failed", "could not count active memberships", err)
	}
	if conv.MaxUsers > 0 && count >= conv.MaxUsers {
		return errs.New(errs.KindConflict, "conversation_at_capacity", "conversation has reached its member limit")
	}
	return nil
}

// Invite adds invitee as a pending (inactive) member, requiring by's
// CanInvite. An existing inactive membership is reactivated (its role
// kept) rather than duplicated; inviting an already-active member is a
// conflict (§4.7).
func (s *Service) Invite(ctx context.Context, convID, invitee, by domain.ID) (domain.Membership, error) {
	byMembership, err := s.requireActive(ctx, convID, by)
	if err != nil {
		return domain.Membership{}, err
	}
	if !byMembership.CanInvite {
		return domain.Membership{}, errs.New(errs.KindAuth, "forbidden", "user cannot invite to this conversation")
	}

	conv, err := s.convos.GetConversation(ctx, convID)
	if err != nil || conv == nil {
		return domain.Membership{}, errs.New(errs.KindValidation, "not_found", "conversation not found")
	}
	if err := s.checkCapacity(ctx, convID, conv); err != nil {
		return domain.Membership{}, err
	}

	existing, err := s.memberships.GetMembership(ctx, convID, invitee)
	if err != nil {
		return domain.Membership{}, errs.Wrap(errs.KindFatal, "membership_lookup_failed", "could not check existing membership", err)
	}

	m := domain.Membership{
		ConversationID: convID,
		UserID:         invitee,
		Role:           domain.MembershipMember,
		CanWrite:       true,
		CanInvite:      conv.AllowUserInvites,
		CanModerate:    false,
		IsActive:       false, // pending until Join/AcceptInviteToken
		InvitedBy:      &by,
		JoinedAt:       s.clock.Now(),
	}
	if existing != nil {
		if existing.IsActive {
			return domain.Membership{}, errs.New(errs.KindConflict, "already_member", "user is already an active member of this conversation")
		}
		m.Role = existing.Role
		m.IsActive = true
	}
	if err := s.memberships.UpsertMembership(ctx, m); err != nil {
		return domain.Membership{}, errs.Wrap(errs.KindFatal, "membership_write_failed", "could not persist invite", err)
	}
	return m, nil
}

// Join activates a pending invite, or creates a MEMBER membership
// directly when the conversation allows open joins (§4.7).
func (s *Service) Join(ctx context.Context, convID, userID domain.ID) (domain.Membership, error) {
	conv, err := s.convos.GetConversation(ctx, convID)
	if err != nil || conv == nil {
		return domain.Membership{}, errs.New(errs.KindValidation, "not_found", "conversation not found")
	}

	existing, err := s.memberships.GetMembership(ctx, convID, userID)
	if err != nil {
		return domain.Membership{}, errs.Wrap(errs.KindFatal, "membership_lookup_failed", "could not load membership", err)
	}
	if existing != nil && existing.IsActive {
		return *existing, nil // idempotent
	}
	if existing == nil && !conv.AllowUserInvites {
		return domain.Membership{}, errs.New(errs.KindAuth, "forbidden", "this conversation requires an invite")
	}
	if err := s.checkCapacity(ctx, convID, conv); err != nil {
		return domain.Membership{}, err
	}

	m := domain.Membership{
		ConversationID: convID,
		UserID:         userID,
		Role:           domain.MembershipMember,
		CanWrite:       true,
		CanInvite:      conv.AllowUserInvites,
		CanModerate:    false,
		IsActive:       true,
		JoinedAt:       s.clock.Now(),
	}
	if existing != nil {
		m.Role = existing.Role
		m.InvitedBy = existing.InvitedBy
	}
	if err := s.memberships.UpsertMembership(ctx, m); err != nil {
		return domain.Membership{}, errs.Wrap(errs.KindFatal, "membership_write_failed", "could not persist join", err)
	}
	return m, nil
}

// Leave deactivates userID's membership. OWNER cannot leave without
// transferring ownership first (§4.7 invariant "exactly one OWNER").
func (s *Service) Leave(ctx context.Context, convID, userID domain.ID) error {
	m, err := s.requireActive(ctx, convID, userID)
	if err != nil {
		return err
	}
	if m.Role == domain.MembershipOwner {
		return errs.New(errs.KindConflict, "owner_must_transfer_ownership", "transfer ownership before leaving")
	}
	if err := s.memberships.DeactivateMembership(ctx, convID, userID); err != nil {
		return errs.Wrap(errs.KindFatal, "membership_write_failed", "could not deactivate membership", err)
	}
	return nil
}

// TransferOwnership moves OWNER to newOwner (who must be an active
// member) and demotes the prior owner to MODERATOR, clearing the way for
// them to subsequently Leave.
func (s *Service) TransferOwnership(ctx context.Context, convID, currentOwner, newOwner domain.ID) error {
	owner, err := s.requireActive(ctx, convID, currentOwner)
	if err != nil {
		return err
	}
	if owner.Role != domain.MembershipOwner {
		return errs.New(errs.KindAuth, "forbidden", "only the current owner can transfer ownership")
	}
	target, err := s.requireActive(ctx, convID, newOwner)
	if err != nil {
		return errs.New(errs.KindValidation, "not_found", "new owner is not an active member")
	}

	if err := s.convos.TransferOwnership(ctx, convID, newOwner); err != nil {
		return errs.Wrap(errs.KindFatal, "ownership_transfer_failed", "could not transfer conversation ownership", err)
	}

	target.Role = domain.MembershipOwner
	target.CanInvite, target.CanModerate = true, true
	if err := s.memberships.UpsertMembership(ctx, *target); err != nil {
		return errs.Wrap(errs.KindFatal, "membership_write_failed", "could not promote new owner", err)
	}

	owner.Role = domain.MembershipModerator
	if err := s.memberships.UpsertMembership(ctx, *owner); err != nil {
		return errs.Wrap(errs.KindFatal, "membership_write_failed", "could not demote prior owner", err)
	}
	return nil
}

// Kick deactivates target's membership. Requires by's CanModerate;
// cannot target OWNER (§4.7).
func (s *Service) Kick(ctx context.Context, convID, target, by domain.ID) error {
	byMembership, err := s.requireActive(ctx, convID, by)
	if err != nil {
		return err
	}
	if !byMembership.CanModerate {
		return errs.New(errs.KindAuth, "forbidden", "user cannot moderate this conversation")
	}
	targetMembership, err := s.requireActive(ctx, convID, target)
	if err != nil {
		return err
	}
	if targetMembership.Role == domain.MembershipOwner {
		return errs.New(errs.KindConflict, "cannot_kick_owner", "the conversation owner cannot be kicked")
	}
	if err := s.memberships.DeactivateMembership(ctx, convID, target); err != nil {
		return errs.Wrap(errs.KindFatal, "membership_write_failed", "could not deactivate membership", err)
	}
	return nil
}

// GenerateInviteToken mints a 7-day JWT bearer bound to (conv, by)
// (§4.7).
func (s *Service) GenerateInviteToken(ctx context.Context, convID, by domain.ID) (string, error) {
	byMembership, err := s.requireActive(ctx, convID, by)
	if err != nil {
		return "", err
	}
	if !byMembership.CanInvite {
		return "", errs.New(errs.KindAuth, "forbidden", "user cannot invite to this conversation")
	}

	now := s.clock.Now()
	claims := InviteClaims{
		ConversationID: convID,
		InvitedBy:      by,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(inviteTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.inviteKey)
	if err != nil {
		return "", errs.Wrap(errs.KindFatal, "token_sign_failed", "could not sign invite token", err)
	}
	return signed, nil
}

// AcceptInviteToken verifies token and joins user to the bound
// conversation, enforcing capacity; idempotent for already-active
// members (§4.7).
func (s *Service) AcceptInviteToken(ctx context.Context, token string, userID domain.ID) (domain.Membership, error) {
	var claims InviteClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.inviteKey, nil
	}, jwt.WithTimeFunc(s.clock.Now))
	if err != nil || !parsed.Valid {
		return domain.Membership{}, errs.Wrap(errs.KindAuth, "invalid_invite_token", "invite token is invalid or expired", err)
	}

	existing, err := s.memberships.GetMembership(ctx, claims.ConversationID, userID)
	if err != nil {
		return domain.Membership{}, errs.Wrap(errs.KindFatal, "membership_lookup_failed", "could not load membership", err)
	}
	if existing != nil && existing.IsActive {
		return *existing, nil
	}

	conv, err := s.convos.GetConversation(ctx, claims.ConversationID)
	if err != nil || conv == nil {
		return domain.Membership{}, errs.New(errs.KindValidation, "not_found", "conversation not found")
	}
	if err := s.checkCapacity(ctx, claims.ConversationID, conv); err != nil {
		return domain.Membership{}, err
	}

	m := domain.Membership{
		ConversationID: claims.ConversationID,
		UserID:         userID,
		Role:           domain.MembershipMember,
		CanWrite:       true,
		CanInvite:      conv.AllowUserInvites,
		IsActive:       true,
		InvitedBy:      &claims.InvitedBy,
		JoinedAt:       s.clock.Now(),
	}
	if existing != nil {
		m.Role = existing.Role
	}
	if err := s.memberships.UpsertMembership(ctx, m); err != nil {
		return domain.Membership{}, errs.Wrap(errs.KindFatal, "membership_write_failed", "could not accept invite", err)
	}
	return m, nil
}

// CanJoinConversation implements sessionhub.RoomAuthorizer: a socket may
// join a conversation's WS room only if it has an active membership
// (§4.6 "A socket joins a room only after MembershipCore authorizes").
func (s *Service) CanJoinConversation(ctx context.Context, userID, convID domain.ID) (bool, error) {
	m, err := s.memberships.GetMembership(ctx, convID, userID)
	if err != nil {
		return false, err
	}
	return m != nil && m.IsActive, nil
}
