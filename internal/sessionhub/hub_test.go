package sessionhub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/errs"
)

type allowAllAuthz struct{ allow bool }

func (a allowAllAuthz) CanJoinConversation(ctx context.Context, userID, conversationID domain.ID) (bool, error) {
	return a.allow, nil
}

type fakeConvoService struct {
	nextErr error
	sent    []SendMessagePayload
}

func (f *fakeConvoService) SendMessage(ctx context.Context, conversationID, senderUserID domain.ID, p SendMessagePayload) (domain.Message, error) {
	if f.nextErr != nil {
		return domain.Message{}, f.nextErr
	}
	f.sent = append(f.sent, p)
	return domain.Message{ID: "msg-1", ConversationID: conversationID, SenderRef: senderUserID, Content: p.Content}, nil
}

func newTestSocket(id, userID string) *Socket {
	return &Socket{ID: id, UserID: userID, send: make(chan []byte, sendBuffer), rooms: make(map[string]bool), log: zerolog.Nop()}
}

func drain(t *testing.T, s *Socket) []Frame {
	t.Helper()
	var out []Frame
	for {
		select {
		case data := <-s.send:
			var f Frame
			require.NoError(t, json.Unmarshal(data, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

func payloadFrame(eventType EventType, payload interface{}) Frame {
	data, _ := json.Marshal(payload)
	var m map[string]interface{}
	json.Unmarshal(data, &m)
	return Frame{Type: eventType, Payload: m}
}

func TestJoinConversationExcludesSelfFromUserJoinedButSendsPresence(t *testing.T) {
	h := NewHub(nil, allowAllAuthz{allow: true}, &fakeConvoService{}, zerolog.Nop())
	s1 := newTestSocket("s1", "u1")
	s1.hub = h
	h.register(s1)

	h.handleFrame(s1, payloadFrame(EventJoinConversation, JoinConversationPayload{ConversationID: "c1"}))

	got := drain(t, s1)
	require.Len(t, got, 1, "the joiner itself is excluded from user_joined, but still receives the presence_update")
	require.Equal(t, EventPresenceUpdate, got[0].Type)
}

func TestSendMessageFansOutToEverySocketIncludingSender(t *testing.T) {
	convos := &fakeConvoService{}
	h := NewHub(nil, allowAllAuthz{allow: true}, convos, zerolog.Nop())
	s1 := newTestSocket("s1", "u1")
	s1.hub = h
	s2 := newTestSocket("s2", "u2")
	s2.hub = h
	h.register(s1)
	h.register(s2)
	h.joinRoom(s1, conversationRoomKey("c1"))
	h.joinRoom(s2, conversationRoomKey("c1"))
	drain(t, s1)
	drain(t, s2)

	h.handleFrame(s1, payloadFrame(EventSendMessage, SendMessagePayload{ConversationID: "c1", Content: "hello"}))

	for _, s := range []*Socket{s1, s2} {
		got := drain(t, s)
		require.Len(t, got, 1)
		require.Equal(t, EventMessageReceived, got[0].Type)
	}
}

func TestTypingNeverEchoesToSender(t *testing.T) {
	h := NewHub(nil, allowAllAuthz{allow: true}, &fakeConvoService{}, zerolog.Nop())
	s1 := newTestSocket("s1", "u1")
	s1.hub = h
	s2 := newTestSocket("s2", "u2")
	s2.hub = h
	h.register(s1)
	h.register(s2)
	h.joinRoom(s1, conversationRoomKey("c1"))
	h.joinRoom(s2, conversationRoomKey("c1"))
	drain(t, s1)
	drain(t, s2)

	h.handleFrame(s1, payloadFrame(EventTypingStart, TypingPayload{ConversationID: "c1"}))

	require.Empty(t, drain(t, s1), "sender must never see its own typing event")
	got := drain(t, s2)
	require.Len(t, got, 1)
	require.Equal(t, EventUserTypingStart, got[0].Type)
}

func TestJoinConversationDeniedWhenNotAuthorized(t *testing.T) {
	h := NewHub(nil, allowAllAuthz{allow: false}, &fakeConvoService{}, zerolog.Nop())
	s1 := newTestSocket("s1", "u1")
	s1.hub = h
	h.register(s1)

	h.handleFrame(s1, payloadFrame(EventJoinConversation, JoinConversationPayload{ConversationID: "c1"}))

	got := drain(t, s1)
	require.Len(t, got, 1)
	require.Equal(t, EventError, got[0].Type)
	require.Empty(t, s1.rooms)
}

func TestSendMessagePropagatesServiceError(t *testing.T) {
	convos := &fakeConvoService{nextErr: errs.ErrInsufficientCredits}
	h := NewHub(nil, allowAllAuthz{allow: true}, convos, zerolog.Nop())
	s1 := newTestSocket("s1", "u1")
	s1.hub = h
	h.register(s1)
	h.joinRoom(s1, conversationRoomKey("c1"))
	drain(t, s1)

	h.handleFrame(s1, payloadFrame(EventSendMessage, SendMessagePayload{ConversationID: "c1", Content: "hi"}))

	got := drain(t, s1)
	require.Len(t, got, 1)
	require.Equal(t, EventError, got[0].Type)
}

func TestLeaveConversationPrunesEmptyRoom(t *testing.T) {
	h := NewHub(nil, allowAllAuthz{allow: true}, &fakeConvoService{}, zerolog.Nop())
	s1 := newTestSocket("s1", "u1")
	s1.hub = h
	h.register(s1)
	h.joinRoom(s1, conversationRoomKey("c1"))

	h.handleFrame(s1, payloadFrame(EventLeaveConversation, LeaveConversationPayload{ConversationID: "c1"}))

	h.mu.RLock()
	_, exists := h.rooms[conversationRoomKey("c1")]
	h.mu.RUnlock()
	require.False(t, exists, "room is pruned once its last subscriber leaves")
}

func TestUnregisterLeavesAllRooms(t *testing.T) {
	h := NewHub(nil, allowAllAuthz{allow: true}, &fakeConvoService{}, zerolog.Nop())
	s1 := newTestSocket("s1", "u1")
	s1.hub = h
	h.register(s1)
	h.joinRoom(s1, conversationRoomKey("c1"))
	h.joinRoom(s1, jobRoomKey("u1", "sess1"))

	h.unregister(s1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	require.Empty(t, h.rooms)
	require.Empty(t, h.sockets)
}
