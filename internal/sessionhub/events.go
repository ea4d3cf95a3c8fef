// Package sessionhub implements the SessionHub (§4.6): WebSocket rooms,
// handshake authentication, presence, typing, and event fan-out.
//
// The room registry is repurposed from the teacher's fabric.Hub spoke
// registry: a socket subscribing to a room is the spoke registration,
// "capability routing" becomes room-kind routing (conversation vs
// job-progress rooms), and fabric.RedisEventBus becomes the optional
// cross-replica fan-out path so message_received/job_progress still
// reach every replica even though socket state itself is process-local.
package sessionhub

import "github.com/ocx/backend/internal/domain"

type EventType string

const (
	// Client -> server
	EventJoinConversation  EventType = "join_conversation"
	EventLeaveConversation EventType = "leave_conversation"
	EventSendMessage       EventType = "send_message"
	EventTypingStart       EventType = "typing_start"
	EventTypingStop        EventType = "typing_stop"
	EventJoinJobProgress   EventType = "join_job_progress"

	// Server -> client
	EventMessageReceived   EventType = "message_received"
	EventUserJoined        EventType = "user_joined"
	EventUserLeft          EventType = "user_left"
	EventUserTypingStart   EventType = "user_typing_start"
	EventUserTypingStop    EventType = "user_typing_stop"
	EventPresenceUpdate    EventType = "presence_update"
	EventAIResponseStart   EventType = "ai_response_start"
	EventAIResponseChunk   EventType = "ai_response_chunk"
	EventAIResponseComplete EventType = "ai_response_complete"
	EventAIResponseError   EventType = "ai_response_error"
	EventJobProgress       EventType = "job_progress"
	EventError             EventType = "error"
)

// Frame is the wire envelope for every WS message, in both directions
// (§6.1). ID echoes on server replies when the client supplied one.
type Frame struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload"`
	ID      string      `json:"id,omitempty"`
}

type JoinConversationPayload struct {
	ConversationID domain.ID `json:"conversationId"`
}

type LeaveConversationPayload struct {
	ConversationID domain.ID `json:"conversationId"`
}

type SendMessagePayload struct {
	ConversationID      domain.ID              `json:"conversationId"`
	Content             string                 `json:"content"`
	Attachments         []domain.Attachment    `json:"attachments,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
	TargetParticipantID *domain.ID             `json:"targetParticipantId,omitempty"`
}

type TypingPayload struct {
	ConversationID domain.ID `json:"conversationId"`
}

type JoinJobProgressPayload struct {
	SessionID string `json:"sessionId"`
}

type MessageReceivedPayload struct {
	Message domain.Message `json:"message"`
}

type UserPresencePayload struct {
	UserID domain.ID `json:"userId"`
}

type PresenceUpdatePayload struct {
	OnlineUserIDs []domain.ID `json:"onlineUserIds"`
}

type AIResponseStartPayload struct {
	ParticipantID domain.ID `json:"participantId"`
	MessageID     domain.ID `json:"messageId"`
}

type AIResponseChunkPayload struct {
	ParticipantID domain.ID `json:"participantId"`
	MessageID     domain.ID `json:"messageId"`
	Delta         string    `json:"delta"`
}

type AIResponseCompletePayload struct {
	ParticipantID domain.ID `json:"participantId"`
	MessageID     domain.ID `json:"messageId"`
}

type AIResponseErrorPayload struct {
	ParticipantID domain.ID `json:"participantId"`
	Reason        string    `json:"reason"`
}

type JobProgressPayload struct {
	SessionID string                 `json:"sessionId"`
	Stage     string                 `json:"stage"`
	Total     int                    `json:"total"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
