package httpapi

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/jobengine"
	"github.com/ocx/backend/internal/ledger"
	"github.com/ocx/backend/internal/llmbroker"
	"github.com/ocx/backend/internal/policygate"
	"github.com/ocx/backend/internal/store"
	"github.com/ocx/backend/internal/usage"
)

// RoomBroadcaster is the SessionHub slice the turn handler streams
// chunks into.
type RoomBroadcaster interface {
	BroadcastAIResponseStart(conversationID, participantID, messageID domain.ID)
	BroadcastAIResponseChunk(conversationID, participantID, messageID domain.ID, delta string)
	BroadcastAIResponseComplete(conversationID, participantID, messageID domain.ID)
	BroadcastAIResponseError(conversationID, participantID domain.ID, reason string)
}

// TurnHandler is the jobengine.Handler for aiTurnJobType: it loads the
// named participant and recent history, streams a completion from
// LLMBroker, fans chunks out to the conversation's SessionHub room, and
// settles the ai_turn reservation ConversationService took out before
// this job was enqueued (§4.9) at the real token cost, recording the
// result as an already-priced audit row via usage.Pipeline.
type TurnHandler struct {
	convos store.RelationalStore
	broker *llmbroker.Broker
	usage  *usage.Pipeline
	costs  *usage.CostTable
	policy *policygate.Gate
	hub    RoomBroadcaster
	log    zerolog.Logger
}

func NewTurnHandler(convos store.RelationalStore, broker *llmbroker.Broker, up *usage.Pipeline, costs *usage.CostTable, policy *policygate.Gate, hub RoomBroadcaster, log zerolog.Logger) *TurnHandler {
	return &TurnHandler{convos: convos, broker: broker, usage: up, costs: costs, policy: policy, hub: hub, log: log.With().Str("component", "turn_handler").Logger()}
}

// reservationFromPayload reconstructs the AuthToken ConversationService
// authorized for this job, so it can be Settled or Released here without
// PolicyGate or the Ledger ever needing to know about jobs. Jobs enqueued
// with no reservation (estimatedCost resolved to zero) yield a token
// with no Reservation, and Settle/Release on that are no-ops.
func reservationFromPayload(job *domain.Job) *policygate.AuthToken {
	resID, _ := job.Payload["reservationId"].(string)
	policyUserID, _ := job.Payload["policyUserId"].(string)
	if resID == "" || policyUserID == "" {
		return &policygate.AuthToken{UserID: job.OwnerUserID, Action: "ai_turn"}
	}
	return &policygate.AuthToken{
		UserID: domain.ID(policyUserID),
		Action: "ai_turn",
		Reservation: &ledger.Reservation{
			ID:     domain.ID(resID),
			UserID: domain.ID(policyUserID),
			Amount: moneyFromPayload(job.Payload["reservedAmount"]),
		},
	}
}

// moneyFromPayload reads a domain.Money out of a job payload map, which
// round-trips through JSON as float64 in PostgresStore but stays an
// int64 in MemoryStore's in-process tests.
func moneyFromPayload(v interface{}) domain.Money {
	switch n := v.(type) {
	case float64:
		return domain.Money(n)
	case int64:
		return domain.Money(n)
	case int:
		return domain.Money(n)
	default:
		return 0
	}
}

// Handle matches jobengine.Handler's signature; register with
// engine.RegisterHandler(aiTurnJobType, handler.Handle).
func (t *TurnHandler) Handle(ctx context.Context, job *domain.Job, reporter jobengine.ProgressReporter) (map[string]interface{}, *domain.JobError) {
	conversationID, _ := job.Payload["conversationId"].(string)
	participantID, _ := job.Payload["participantId"].(string)
	token := reservationFromPayload(job)

	participants, err := t.convos.ListParticipants(ctx, conversationID)
	if err != nil {
		t.release(ctx, token)
		return nil, &domain.JobError{Code: "participants_lookup_failed", Message: err.Error(), Retryable: true}
	}
	var participant *domain.Participant
	for i := range participants {
		if participants[i].ID == participantID {
			participant = &participants[i]
			break
		}
	}
	if participant == nil {
		t.release(ctx, token)
		return nil, &domain.JobError{Code: "participant_not_found", Message: "responder no longer in conversation", Retryable: false}
	}

	recent, err := t.convos.RecentMessages(ctx, conversationID, recentMessagesWindow)
	if err != nil {
		t.release(ctx, token)
		return nil, &domain.JobError{Code: "recent_messages_lookup_failed", Message: err.Error(), Retryable: true}
	}

	req := llmbroker.Request{
		Provider:     providerFor(*participant),
		Model:        participant.LLMProfile,
		SystemPrompt: fmt.Sprintf("You are %s.", participant.DisplayName),
		Messages:     toBrokerMessages(recent),
	}

	responseMessageID := uuid.NewString()
	t.hub.BroadcastAIResponseStart(conversationID, participantID, responseMessageID)

	chunks, err := t.broker.Stream(ctx, req)
	if err != nil {
		t.hub.BroadcastAIResponseError(conversationID, participantID, err.Error())
		t.release(ctx, token)
		return nil, &domain.JobError{Code: "broker_stream_failed", Message: err.Error(), Retryable: true}
	}

	var content string
	var chunksEmitted int
	var finalUsage llmbroker.Usage
	for c := range chunks {
		switch c.Kind {
		case llmbroker.ChunkContent:
			content += c.Delta
			chunksEmitted++
			t.hub.BroadcastAIResponseChunk(conversationID, participantID, responseMessageID, c.Delta)
		case llmbroker.ChunkEnd:
			if c.Usage != nil {
				finalUsage = *c.Usage
			}
		}
	}

	if _, err := t.convos.AppendMessage(ctx, domain.Message{
		ID:             responseMessageID,
		ConversationID: conversationID,
		SenderKind:     domain.SenderCharacter,
		SenderRef:      participantID,
		Content:        content,
	}); err != nil {
		t.log.Error().Err(err).Msg("could not persist responder message")
	}

	t.hub.BroadcastAIResponseComplete(conversationID, participantID, responseMessageID)

	// §E Open Question #2: only bill if at least one CHUNK was emitted —
	// a stream that errors before any content never bills, and its
	// reservation is released rather than settled.
	if chunksEmitted == 0 {
		t.release(ctx, token)
		return map[string]interface{}{"messageId": responseMessageID}, nil
	}

	units := float64(finalUsage.InputTokens+finalUsage.OutputTokens) / 1000.0
	actualCost, ok := t.costs.EstimateCost(aiTurnServiceKey, units)
	if !ok {
		actualCost = 0
	}
	txnID, err := t.policy.Settle(ctx, token, actualCost, "ai_turn:"+participantID, nil)
	if err != nil {
		t.log.Error().Err(err).Str("participantId", participantID).Msg("could not settle ai_turn reservation")
	}
	if _, err := t.usage.RecordSettled(ctx, domain.UsageRecord{
		UserID:       token.UserID,
		ServiceKey:   aiTurnServiceKey,
		Provider:     req.Provider,
		Model:        req.Model,
		InputTokens:  finalUsage.InputTokens,
		OutputTokens: finalUsage.OutputTokens,
		Units:        units,
		Metadata:     map[string]interface{}{"relatedTransactionId": string(txnID)},
	}, actualCost); err != nil {
		t.log.Error().Err(err).Msg("could not record settled usage")
	}

	return map[string]interface{}{"messageId": responseMessageID}, nil
}

func (t *TurnHandler) release(ctx context.Context, token *policygate.AuthToken) {
	if err := t.policy.Release(ctx, token); err != nil {
		t.log.Warn().Err(err).Msg("could not release ai_turn reservation")
	}
}

func providerFor(p domain.Participant) string {
	if p.ConfigOverride != nil {
		if v, ok := p.ConfigOverride["provider"].(string); ok && v != "" {
			return v
		}
	}
	return "default"
}

func toBrokerMessages(recent []domain.Message) []llmbroker.Message {
	out := make([]llmbroker.Message, 0, len(recent))
	for _, m := range recent {
		role := llmbroker.RoleUser
		if m.SenderKind == domain.SenderCharacter || m.SenderKind == domain.SenderAssistant {
			role = llmbroker.RoleAssistant
		} else if m.SenderKind == domain.SenderSystem {
			role = llmbroker.RoleSystem
		}
		out = append(out, llmbroker.Message{Role: role, Content: m.Content})
	}
	return out
}
