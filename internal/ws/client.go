package ws

import (
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/huddle/backend/internal/identity"
	"github.com/manpreetbhatti/huddle/backend/internal/protocol"
	"github.com/manpreetbhatti/huddle/backend/internal/ratelimit"
	"github.com/manpreetbhatti/huddle/backend/internal/room"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	messagesPerSecond = 100
	messageBurst      = 200
	sendBuffer        = 256
	maxDisplayName    = 64
)

func newUpgrader(origins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 || allowed["*"] {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		},
	}
}

// Client is one websocket connection. The read pump owns guard and
// joinSent; every other mutable field belongs to the hub loop.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	id       string
	identity string
	guard    *ratelimit.Guard

	joinSent bool

	roomID      string
	displayName string
	closed      bool
	evicting    bool

	// joining is set from registration until room-state is sent; frames
	// for the client wait in backlog meanwhile. announced is set once the
	// room has been told about the client.
	joining   bool
	backlog   [][]byte
	announced bool
}

func (h *Hub) newClient(conn *websocket.Conn, identity string) *Client {
	return &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, h.opts.SendBuffer),
		id:       uuid.NewString(),
		identity: identity,
		guard:    ratelimit.NewGuard(h.opts.MessagesPerSecond, h.opts.MessageBurst),
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.post(event{kind: evLeave, client: c})
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error", zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}
		if !c.process(message) {
			return
		}
	}
}

// process handles one inbound frame. It returns false when the connection
// should be closed.
func (c *Client) process(data []byte) bool {
	switch c.guard.Check() {
	case ratelimit.Disconnect:
		c.hub.log.Warn("disconnecting client for excessive rate limit violations",
			zap.String("connection_id", c.id),
			zap.Int("violations", c.guard.Violations()))
		return false
	case ratelimit.Warn:
		c.hub.log.Warn("rate limit exceeded",
			zap.String("connection_id", c.id),
			zap.Int("violations", c.guard.Violations()))
		c.hub.notify(c, protocol.Error, protocol.ErrorPayload{
			Code:    protocol.CodeRateLimited,
			Message: "slow down",
		})
		return true
	case ratelimit.Dropped:
		return true
	}

	env, err := protocol.Decode(data)
	if err != nil {
		c.hub.log.Debug("invalid message", zap.String("connection_id", c.id), zap.Error(err))
		c.hub.notify(c, protocol.Error, protocol.ErrorPayload{
			Code:    protocol.CodeBadMessage,
			Message: err.Error(),
		})
		return true
	}

	if env.Type != protocol.JoinRoom {
		c.hub.post(event{kind: evMessage, client: c, env: env, raw: data})
		return true
	}
	return c.join(env)
}

// join validates the request and hands it to the hub loop, which registers
// the connection before the room document is loaded.
func (c *Client) join(env protocol.Envelope) bool {
	if c.joinSent {
		return true
	}
	var p protocol.JoinRoomPayload
	if err := env.Unmarshal(&p); err != nil || !room.ValidID(p.RoomID) {
		c.hub.notify(c, protocol.Error, protocol.ErrorPayload{
			Code:    protocol.CodeBadMessage,
			Message: "invalid room id",
			Event:   protocol.JoinRoom,
		})
		return true
	}

	name := strings.TrimSpace(p.DisplayName)
	if name == "" {
		name = identity.DisplayName(c.identity)
	}
	if utf8.RuneCountInString(name) > maxDisplayName {
		name = string([]rune(name)[:maxDisplayName])
	}

	c.joinSent = true
	c.hub.post(event{kind: evJoin, client: c, roomID: p.RoomID, displayName: name})
	return true
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
