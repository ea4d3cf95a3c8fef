package sessionhub

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

// Socket is one authenticated WebSocket connection, holding the
// single-writer send channel the teacher's websocket.go also uses to
// keep per-connection send order (§5 "single writer per connection").
type Socket struct {
	ID     string
	UserID string
	Role   string

	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	log  zerolog.Logger

	rooms map[string]bool // room keys this socket currently subscribes to
}

func newSocket(id, userID, role string, conn *websocket.Conn, hub *Hub, log zerolog.Logger) *Socket {
	return &Socket{
		ID:    id,
		UserID: userID,
		Role:  role,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		hub:   hub,
		log:   log.With().Str("socketId", id).Str("userId", userID).Logger(),
		rooms: make(map[string]bool),
	}
}

// deliver enqueues a frame for this socket's writePump. Never blocks the
// caller: when the send buffer is full the frame is dropped for this
// socket and deliver returns false, rather than stalling the
// broadcaster; the socket itself stays registered.
func (s *Socket) deliver(frame Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to marshal frame")
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *Socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Socket) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.deliver(Frame{Type: EventError, Payload: ErrorPayload{Code: "bad_frame", Message: "could not parse frame"}})
			continue
		}
		s.hub.handleFrame(s, frame)
	}
}
