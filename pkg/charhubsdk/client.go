// Package charhubsdk is the CharHub WebSocket client SDK: the library a
// frontend or bot client embeds to connect to SessionHub (§4.6), join
// conversation/job-progress rooms, send messages, and receive the
// server's event stream, without hand-rolling frame encoding.
//
// Mirrors the teacher's pkg/sdk shape — a Config, a NewClient
// constructor, and callback hooks for asynchronous events — but the
// wire protocol underneath is SessionHub's JSON WS Frame (§6.1), not
// governance-gateway HTTP calls.
//
// Quick start:
//
//	client, err := charhubsdk.Connect(ctx, charhubsdk.Config{
//	    GatewayURL: "wss://charhub.example.com/api/v1/ws",
//	    Token:      userSessionToken,
//	    OnMessageReceived: func(p sessionhub.MessageReceivedPayload) {
//	        fmt.Println(p.Message.Content)
//	    },
//	})
//	defer client.Close()
//	client.JoinConversation(conversationID)
//	client.SendMessage(conversationID, "hello")
package charhubsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/sessionhub"
)

// Config holds the CharHub client SDK configuration.
type Config struct {
	// GatewayURL is the SessionHub WebSocket endpoint, e.g.
	// "wss://charhub.example.com/api/v1/ws" (required).
	GatewayURL string

	// Token is the bearer handshake token (§6.1), sent as a query
	// parameter so it reaches the server before any frame round-trip.
	Token string

	// HandshakeTimeout bounds the initial WS upgrade (default 10s).
	HandshakeTimeout time.Duration

	OnMessageReceived func(sessionhub.MessageReceivedPayload)
	OnUserJoined      func(sessionhub.UserPresencePayload)
	OnUserLeft        func(sessionhub.UserPresencePayload)
	OnPresenceUpdate  func(sessionhub.PresenceUpdatePayload)
	OnTypingStart     func(sessionhub.UserPresencePayload)
	OnTypingStop      func(sessionhub.UserPresencePayload)
	OnAIResponseStart func(sessionhub.AIResponseStartPayload)
	OnAIResponseChunk func(sessionhub.AIResponseChunkPayload)
	OnAIResponseDone  func(sessionhub.AIResponseCompletePayload)
	OnAIResponseError func(sessionhub.AIResponseErrorPayload)
	OnJobProgress     func(sessionhub.JobProgressPayload)
	OnServerError     func(sessionhub.ErrorPayload)
}

// Client is a single CharHub WebSocket connection.
type Client struct {
	cfg  Config
	conn *websocket.Conn

	writeMu sync.Mutex
	closeCh chan struct{}
	closeOnce sync.Once
}

// Connect dials GatewayURL, appending Token as a query parameter, and
// starts the background read loop that dispatches inbound frames to
// cfg's On* callbacks.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("charhubsdk: GatewayURL is required")
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	u, err := url.Parse(cfg.GatewayURL)
	if err != nil {
		return nil, fmt.Errorf("charhubsdk: invalid GatewayURL: %w", err)
	}
	q := u.Query()
	q.Set("token", cfg.Token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("charhubsdk: dial failed: %w", err)
	}

	c := &Client{cfg: cfg, conn: conn, closeCh: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

// Close terminates the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	return c.conn.Close()
}

func (c *Client) send(frame sessionhub.Frame) error {
	if frame.ID == "" {
		frame.ID = uuid.NewString()
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(frame)
}

// JoinConversation subscribes this connection to a conversation room.
func (c *Client) JoinConversation(conversationID domain.ID) error {
	return c.send(sessionhub.Frame{
		Type:    sessionhub.EventJoinConversation,
		Payload: sessionhub.JoinConversationPayload{ConversationID: conversationID},
	})
}

// LeaveConversation unsubscribes from a conversation room.
func (c *Client) LeaveConversation(conversationID domain.ID) error {
	return c.send(sessionhub.Frame{
		Type:    sessionhub.EventLeaveConversation,
		Payload: sessionhub.LeaveConversationPayload{ConversationID: conversationID},
	})
}

// SendMessage appends a message to conversationID and triggers responder
// dispatch server-side (§4.5).
func (c *Client) SendMessage(conversationID domain.ID, content string) error {
	return c.send(sessionhub.Frame{
		Type:    sessionhub.EventSendMessage,
		Payload: sessionhub.SendMessagePayload{ConversationID: conversationID, Content: content},
	})
}

// SetTyping sends typing_start or typing_stop for conversationID.
func (c *Client) SetTyping(conversationID domain.ID, typing bool) error {
	event := sessionhub.EventTypingStop
	if typing {
		event = sessionhub.EventTypingStart
	}
	return c.send(sessionhub.Frame{Type: event, Payload: sessionhub.TypingPayload{ConversationID: conversationID}})
}

// JoinJobProgress subscribes this connection to a job's progress room
// (§4.8), keyed by the owning user's session id.
func (c *Client) JoinJobProgress(sessionID string) error {
	return c.send(sessionhub.Frame{
		Type:    sessionhub.EventJoinJobProgress,
		Payload: sessionhub.JoinJobProgressPayload{SessionID: sessionID},
	})
}

func (c *Client) readLoop() {
	for {
		var frame sessionhub.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame sessionhub.Frame) {
	raw, err := json.Marshal(frame.Payload)
	if err != nil {
		return
	}
	switch frame.Type {
	case sessionhub.EventMessageReceived:
		dispatchPayload(raw, c.cfg.OnMessageReceived)
	case sessionhub.EventUserJoined:
		dispatchPayload(raw, c.cfg.OnUserJoined)
	case sessionhub.EventUserLeft:
		dispatchPayload(raw, c.cfg.OnUserLeft)
	case sessionhub.EventPresenceUpdate:
		dispatchPayload(raw, c.cfg.OnPresenceUpdate)
	case sessionhub.EventUserTypingStart:
		dispatchPayload(raw, c.cfg.OnTypingStart)
	case sessionhub.EventUserTypingStop:
		dispatchPayload(raw, c.cfg.OnTypingStop)
	case sessionhub.EventAIResponseStart:
		dispatchPayload(raw, c.cfg.OnAIResponseStart)
	case sessionhub.EventAIResponseChunk:
		dispatchPayload(raw, c.cfg.OnAIResponseChunk)
	case sessionhub.EventAIResponseComplete:
		dispatchPayload(raw, c.cfg.OnAIResponseDone)
	case sessionhub.EventAIResponseError:
		dispatchPayload(raw, c.cfg.OnAIResponseError)
	case sessionhub.EventJobProgress:
		dispatchPayload(raw, c.cfg.OnJobProgress)
	case sessionhub.EventError:
		dispatchPayload(raw, c.cfg.OnServerError)
	}
}

// dispatchPayload decodes raw into T and invokes cb, the generic
// equivalent of a type switch over every On* callback's payload type.
func dispatchPayload[T any](raw []byte, cb func(T)) {
	if cb == nil {
		return
	}
	var payload T
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	cb(payload)
}
