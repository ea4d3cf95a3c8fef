package sessionhub

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/errs"
)

// RoomAuthorizer gates join_conversation against MembershipCore (§4.7):
// "A socket joins a room only after MembershipCore authorizes" (§4.6).
type RoomAuthorizer interface {
	CanJoinConversation(ctx context.Context, userID, conversationID domain.ID) (bool, error)
}

// ConversationService persists an inbound send_message and returns the
// stored message in commit order; sessionhub never talks to the store
// directly.
type ConversationService interface {
	SendMessage(ctx context.Context, conversationID, senderUserID domain.ID, payload SendMessagePayload) (domain.Message, error)
}

// Bus optionally fans events out across replicas (§5: "replicas share no
// state... message fan-out correctness across replicas still needs the
// Redis path"). A nil Bus means single-replica, in-process only.
type Bus interface {
	Publish(ctx context.Context, roomKey string, frame Frame) error
	Subscribe(onFrame func(roomKey string, frame Frame)) (unsubscribe func(), err error)
}

// Hub is the SessionHub: the room registry and dispatch loop for every
// connected socket (§4.6). Grounded on the teacher's fabric.Hub spoke
// registry, generalized from virtual-address routing to named rooms.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]*room   // roomKey -> room
	sockets map[string]*Socket // socketID -> Socket, across all rooms

	verifier TokenVerifier
	authz    RoomAuthorizer
	convos   ConversationService
	bus      Bus

	log zerolog.Logger

	allowedOrigins map[string]bool
	devAllowAll    bool
}

type Option func(*Hub)

func WithBus(b Bus) Option { return func(h *Hub) { h.bus = b } }

func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		h.devAllowAll = false
		h.allowedOrigins = make(map[string]bool, len(origins))
		for _, o := range origins {
			h.allowedOrigins[strings.TrimSpace(o)] = true
		}
	}
}

func NewHub(verifier TokenVerifier, authz RoomAuthorizer, convos ConversationService, log zerolog.Logger, opts ...Option) *Hub {
	h := &Hub{
		rooms:       make(map[string]*room),
		sockets:     make(map[string]*Socket),
		verifier:    verifier,
		authz:       authz,
		convos:      convos,
		log:         log.With().Str("component", "sessionhub").Logger(),
		devAllowAll: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.bus != nil {
		if _, err := h.bus.Subscribe(h.onBusFrame); err != nil {
			h.log.Warn().Err(err).Msg("bus subscribe failed, falling back to single-replica fan-out")
		}
	}
	return h
}

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// HandleWebSocket upgrades an HTTP request to a WS connection at
// /api/v1/ws, verifying the handshake bearer token before accepting any
// frames (§4.6, §6.1).
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid handshake token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	socket := newSocket(uuid.NewString(), claims.UserID, claims.Role, conn, h, h.log)
	h.register(socket)

	go socket.writePump()
	socket.readPump()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.devAllowAll {
		return true
	}
	origin := r.Header.Get("Origin")
	return h.allowedOrigins[origin]
}

func (h *Hub) register(s *Socket) {
	h.mu.Lock()
	h.sockets[s.ID] = s
	h.mu.Unlock()
}

func (h *Hub) unregister(s *Socket) {
	h.mu.Lock()
	rooms := make([]string, 0, len(s.rooms))
	for key := range s.rooms {
		rooms = append(rooms, key)
	}
	delete(h.sockets, s.ID)
	h.mu.Unlock()

	for _, key := range rooms {
		h.leaveRoom(s, key)
	}
}

func (h *Hub) getOrCreateRoom(key string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[key]
	if !ok {
		r = newRoom()
		h.rooms[key] = r
	}
	return r
}

func (h *Hub) pruneIfEmpty(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[key]; ok && r.isEmpty() {
		delete(h.rooms, key)
	}
}

// handleFrame dispatches one inbound client frame (§4.6 "Events (client
// -> server)").
func (h *Hub) handleFrame(s *Socket, frame Frame) {
	ctx := context.Background()
	switch frame.Type {
	case EventJoinConversation:
		h.onJoinConversation(ctx, s, frame)
	case EventLeaveConversation:
		h.onLeaveConversation(s, frame)
	case EventSendMessage:
		h.onSendMessage(ctx, s, frame)
	case EventTypingStart:
		h.onTyping(s, frame, EventUserTypingStart)
	case EventTypingStop:
		h.onTyping(s, frame, EventUserTypingStop)
	case EventJoinJobProgress:
		h.onJoinJobProgress(s, frame)
	default:
		s.deliver(Frame{Type: EventError, ID: frame.ID, Payload: ErrorPayload{Code: "unknown_event", Message: string(frame.Type)}})
	}
}

func decodePayload[T any](frame Frame) (T, bool) {
	var out T
	m, ok := frame.Payload.(map[string]interface{})
	if !ok {
		// Already-decoded payloads (tests constructing frames directly)
		if v, ok := frame.Payload.(T); ok {
			return v, true
		}
		return out, false
	}
	return decodeMap[T](m)
}

func (h *Hub) onJoinConversation(ctx context.Context, s *Socket, frame Frame) {
	p, ok := decodePayload[JoinConversationPayload](frame)
	if !ok || p.ConversationID == "" {
		s.deliver(Frame{Type: EventError, ID: frame.ID, Payload: ErrorPayload{Code: "bad_payload", Message: "join_conversation requires conversationId"}})
		return
	}

	allowed, err := h.authz.CanJoinConversation(ctx, s.UserID, p.ConversationID)
	if err != nil || !allowed {
		s.deliver(Frame{Type: EventError, ID: frame.ID, Payload: ErrorPayload{Code: "forbidden", Message: "not authorized to join this conversation"}})
		return
	}

	key := conversationRoomKey(p.ConversationID)
	h.joinRoom(s, key)
	h.broadcastRoom(key, Frame{Type: EventUserJoined, Payload: UserPresencePayload{UserID: s.UserID}}, s.ID)
	h.broadcastPresence(key)
}

func (h *Hub) onLeaveConversation(s *Socket, frame Frame) {
	p, ok := decodePayload[LeaveConversationPayload](frame)
	if !ok || p.ConversationID == "" {
		return
	}
	key := conversationRoomKey(p.ConversationID)
	h.leaveRoom(s, key)
	h.broadcastRoom(key, Frame{Type: EventUserLeft, Payload: UserPresencePayload{UserID: s.UserID}}, "")
	h.broadcastPresence(key)
}

func (h *Hub) onSendMessage(ctx context.Context, s *Socket, frame Frame) {
	p, ok := decodePayload[SendMessagePayload](frame)
	if !ok || p.ConversationID == "" {
		s.deliver(Frame{Type: EventError, ID: frame.ID, Payload: ErrorPayload{Code: "bad_payload", Message: "send_message requires conversationId"}})
		return
	}

	msg, err := h.convos.SendMessage(ctx, p.ConversationID, s.UserID, p)
	if err != nil {
		s.deliver(Frame{Type: EventError, ID: frame.ID, Payload: ErrorPayload{Code: string(errs.KindOf(err)), Message: err.Error()}})
		return
	}

	key := conversationRoomKey(p.ConversationID)
	// message_received goes to every socket including the sender, for ack (§4.6).
	h.broadcastRoom(key, Frame{Type: EventMessageReceived, Payload: MessageReceivedPayload{Message: msg}}, "")
}

func (h *Hub) onTyping(s *Socket, frame Frame, event EventType) {
	p, ok := decodePayload[TypingPayload](frame)
	if !ok || p.ConversationID == "" {
		return
	}
	key := conversationRoomKey(p.ConversationID)
	// Never echo a user's own typing back to them (§4.6).
	h.broadcastRoom(key, Frame{Type: event, Payload: UserPresencePayload{UserID: s.UserID}}, s.ID)
}

func (h *Hub) onJoinJobProgress(s *Socket, frame Frame) {
	p, ok := decodePayload[JoinJobProgressPayload](frame)
	if !ok || p.SessionID == "" {
		s.deliver(Frame{Type: EventError, ID: frame.ID, Payload: ErrorPayload{Code: "bad_payload", Message: "join_job_progress requires sessionId"}})
		return
	}
	key := jobRoomKey(s.UserID, p.SessionID)
	h.joinRoom(s, key)
}

func (h *Hub) joinRoom(s *Socket, key string) {
	r := h.getOrCreateRoom(key)
	r.join(s)
	s.rooms[key] = true
}

func (h *Hub) leaveRoom(s *Socket, key string) {
	h.mu.RLock()
	r, ok := h.rooms[key]
	h.mu.RUnlock()
	if !ok {
		return
	}
	r.leave(s.ID)
	delete(s.rooms, key)
	h.pruneIfEmpty(key)
}

// broadcastRoom delivers frame to every socket in roomKey except the one
// whose ID equals exceptSocketID (empty string excepts nobody). Also
// republishes to the optional cross-replica Bus.
func (h *Hub) broadcastRoom(roomKey string, frame Frame, exceptSocketID string) {
	h.mu.RLock()
	r, ok := h.rooms[roomKey]
	h.mu.RUnlock()
	if ok {
		for _, sock := range r.snapshot() {
			if sock.ID == exceptSocketID {
				continue
			}
			if !sock.deliver(frame) {
				h.log.Debug().Str("socketId", sock.ID).Msg("dropping frame for unresponsive socket")
			}
		}
	}
	if h.bus != nil {
		if err := h.bus.Publish(context.Background(), roomKey, frame); err != nil {
			h.log.Warn().Err(err).Str("room", roomKey).Msg("bus publish failed")
		}
	}
}

func (h *Hub) broadcastPresence(roomKey string) {
	h.mu.RLock()
	r, ok := h.rooms[roomKey]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.broadcastRoom(roomKey, Frame{Type: EventPresenceUpdate, Payload: PresenceUpdatePayload{OnlineUserIDs: r.onlineUserIDs()}}, "")
}

// onBusFrame re-delivers a frame received from another replica to this
// replica's local subscribers only (never re-published, to avoid a loop).
func (h *Hub) onBusFrame(roomKey string, frame Frame) {
	h.mu.RLock()
	r, ok := h.rooms[roomKey]
	h.mu.RUnlock()
	if !ok {
		return
	}
	for _, sock := range r.snapshot() {
		sock.deliver(frame)
	}
}

// BroadcastAIResponseStart, BroadcastAIResponseChunk,
// BroadcastAIResponseComplete, and BroadcastAIResponseError are called by
// the AI turn driver (wired in httpapi/cmd) as each responder streams
// (§4.6 ordering guarantee: chunks for message m stay ordered between
// start(m) and complete(m)).
func (h *Hub) BroadcastAIResponseStart(conversationID, participantID, messageID domain.ID) {
	h.broadcastRoom(conversationRoomKey(conversationID), Frame{Type: EventAIResponseStart, Payload: AIResponseStartPayload{ParticipantID: participantID, MessageID: messageID}}, "")
}

func (h *Hub) BroadcastAIResponseChunk(conversationID, participantID, messageID domain.ID, delta string) {
	h.broadcastRoom(conversationRoomKey(conversationID), Frame{Type: EventAIResponseChunk, Payload: AIResponseChunkPayload{ParticipantID: participantID, MessageID: messageID, Delta: delta}}, "")
}

func (h *Hub) BroadcastAIResponseComplete(conversationID, participantID, messageID domain.ID) {
	h.broadcastRoom(conversationRoomKey(conversationID), Frame{Type: EventAIResponseComplete, Payload: AIResponseCompletePayload{ParticipantID: participantID, MessageID: messageID}}, "")
}

func (h *Hub) BroadcastAIResponseError(conversationID, participantID domain.ID, reason string) {
	h.broadcastRoom(conversationRoomKey(conversationID), Frame{Type: EventAIResponseError, Payload: AIResponseErrorPayload{ParticipantID: participantID, Reason: reason}}, "")
}

// BroadcastJobProgress is ProgressRouter's delivery path into
// room "job:<ownerUserId>:<sessionId>" (§4.8).
func (h *Hub) BroadcastJobProgress(ownerUserID, sessionID string, p JobProgressPayload) {
	h.broadcastRoom(jobRoomKey(ownerUserID, sessionID), Frame{Type: EventJobProgress, Payload: p}, "")
}
