package httpapi

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/errs"
	"github.com/ocx/backend/internal/jobengine"
	"github.com/ocx/backend/internal/orchestrator"
	"github.com/ocx/backend/internal/policygate"
	"github.com/ocx/backend/internal/sessionhub"
	"github.com/ocx/backend/internal/store"
	"github.com/ocx/backend/internal/usage"
)

const recentMessagesWindow = 20

// aiTurnJobType is the job type registered with the JobEngine for
// running one decided responder's turn (§2 "per-responder LLMBroker
// streams"). One job per responder keeps the engine's existing
// priority/retry/lease machinery in charge of turn execution instead of
// a bespoke scheduler.
const aiTurnJobType = "ai_turn"

// aiTurnServiceKey is the CostTable entry both the pre-flight estimate
// below and TurnHandler's post-stream Settle price against, so the two
// halves of one billed turn always read the same row (§4.2, §4.9).
const aiTurnServiceKey = "llm_completion"

// estimatedTurnUnits is a conservative pre-flight size (≈1000 tokens,
// CostTable's "per 1k total tokens" unit) used to size each responder's
// reservation before the real completion length is known; Settle
// corrects to the actual cost once the stream completes (§8 scenario 3).
const estimatedTurnUnits = 1.0

// ConversationService is the single place a new user message is
// appended and turned into an ordered set of AI responder jobs — used
// both by this package's own POST /messages handler and by
// sessionhub.Hub's send_message event, so REST and WS never diverge.
type ConversationService struct {
	convos store.RelationalStore
	orch   *orchestrator.Orchestrator
	policy *policygate.Gate
	jobs   *jobengine.Engine
	costs  *usage.CostTable
	log    zerolog.Logger
}

func NewConversationService(convos store.RelationalStore, orch *orchestrator.Orchestrator, policy *policygate.Gate, jobs *jobengine.Engine, costs *usage.CostTable, log zerolog.Logger) *ConversationService {
	return &ConversationService{convos: convos, orch: orch, policy: policy, jobs: jobs, costs: costs, log: log.With().Str("component", "conversation_service").Logger()}
}

// SendMessage implements sessionhub.ConversationService. Responders are
// decided and their ai_turn cost reserved against senderUserID *before*
// the message is persisted or any job is enqueued: if any responder
// can't be authorized (insufficient credits, rate limit), every
// reservation already taken is released and the whole send aborts with
// no Message row and no LLM call issued (§8 scenario 3).
func (s *ConversationService) SendMessage(ctx context.Context, conversationID, senderUserID domain.ID, payload sessionhub.SendMessagePayload) (domain.Message, error) {
	membership, err := s.convos.GetMembership(ctx, conversationID, senderUserID)
	if err != nil {
		return domain.Message{}, errs.Wrap(errs.KindTransient, "membership_lookup_failed", "could not load membership", err)
	}
	if membership == nil || !membership.IsActive || !membership.CanWrite {
		return domain.Message{}, errs.ErrForbidden
	}

	writeAuth, err := s.policy.Authorize(ctx, senderUserID, "send_message", 0, "")
	if err != nil {
		return domain.Message{}, err
	}
	defer s.policy.Release(ctx, writeAuth)

	draft := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderKind:     domain.SenderUser,
		SenderRef:      senderUserID,
		Content:        payload.Content,
		Attachments:    payload.Attachments,
		Metadata:       payload.Metadata,
		CreatedAt:      time.Now().UTC(),
	}

	conv, participants, recent, err := s.loadConversationContext(ctx, conversationID)
	if err != nil {
		return domain.Message{}, err
	}
	responders := s.orch.Decide(*conv, participants, draft, recent)

	tokens, err := s.authorizeResponders(ctx, senderUserID, responders)
	if err != nil {
		return domain.Message{}, err
	}

	saved, err := s.convos.AppendMessage(ctx, draft)
	if err != nil {
		s.releaseAll(ctx, tokens)
		return domain.Message{}, errs.Wrap(errs.KindTransient, "append_message_failed", "could not save message", err)
	}
	if err := s.convos.UpdateConversationLastMessageAt(ctx, conversationID, saved.CreatedAt); err != nil {
		s.log.Warn().Err(err).Str("conversationId", conversationID).Msg("could not update lastMessageAt")
	}

	s.enqueueResponders(ctx, conversationID, senderUserID, saved, responders, tokens)

	return saved, nil
}

func (s *ConversationService) loadConversationContext(ctx context.Context, conversationID domain.ID) (*domain.Conversation, []domain.Participant, []domain.Message, error) {
	conv, err := s.convos.GetConversation(ctx, conversationID)
	if err != nil || conv == nil {
		return nil, nil, nil, errs.Wrap(errs.KindTransient, "conversation_lookup_failed", "could not load conversation", err)
	}
	participants, err := s.convos.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.KindTransient, "participants_lookup_failed", "could not load participants", err)
	}
	recent, err := s.convos.RecentMessages(ctx, conversationID, recentMessagesWindow)
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.KindTransient, "recent_messages_lookup_failed", "could not load recent messages", err)
	}
	return conv, participants, recent, nil
}

// authorizeResponders reserves one ai_turn credit hold per responder,
// in order, against senderUserID. On the first failure every reservation
// already granted in this call is released before the error is returned
// — partial authorization is never left outstanding.
func (s *ConversationService) authorizeResponders(ctx context.Context, senderUserID domain.ID, responders []domain.ID) ([]*policygate.AuthToken, error) {
	estimatedCost, ok := s.costs.EstimateCost(aiTurnServiceKey, estimatedTurnUnits)
	if !ok {
		estimatedCost = 0
	}

	tokens := make([]*policygate.AuthToken, 0, len(responders))
	for range responders {
		token, err := s.policy.Authorize(ctx, senderUserID, "ai_turn", estimatedCost, "")
		if err != nil {
			s.releaseAll(ctx, tokens)
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

func (s *ConversationService) releaseAll(ctx context.Context, tokens []*policygate.AuthToken) {
	for _, t := range tokens {
		if err := s.policy.Release(ctx, t); err != nil {
			s.log.Warn().Err(err).Msg("could not release ai_turn reservation")
		}
	}
}

// enqueueResponders runs the Orchestrator's decided order and enqueues
// one ai_turn job per responder, embedding its already-authorized
// reservation in the job payload so TurnHandler can Settle or Release it
// once the turn finishes (§4.9). Jobs are enqueued in the decided order,
// but the Engine runs more than one worker per job type (two by
// default), so turns for different responders of the same message can
// run concurrently; neither the order in which they finish nor their
// serialization within a conversation is guaranteed.
func (s *ConversationService) enqueueResponders(ctx context.Context, conversationID, senderUserID domain.ID, newMessage domain.Message, responders []domain.ID, tokens []*policygate.AuthToken) {
	for i, participantID := range responders {
		token := tokens[i]
		jobPayload := map[string]interface{}{
			"conversationId": conversationID,
			"participantId":  participantID,
			"messageId":      newMessage.ID,
		}
		if token.Reservation != nil {
			jobPayload["reservationId"] = string(token.Reservation.ID)
			jobPayload["reservedAmount"] = int64(token.Reservation.Amount)
			jobPayload["policyUserId"] = string(senderUserID)
		}
		_, err := s.jobs.Enqueue(ctx, domain.Job{
			Type:        aiTurnJobType,
			OwnerUserID: senderUserID,
			SessionID:   conversationID,
			Priority:    5,
			Payload:     jobPayload,
		})
		if err != nil {
			s.log.Error().Err(err).Str("participantId", participantID).Msg("could not enqueue ai_turn job")
			if releaseErr := s.policy.Release(ctx, token); releaseErr != nil {
				s.log.Warn().Err(releaseErr).Msg("could not release reservation after enqueue failure")
			}
		}
	}
}
