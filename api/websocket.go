package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/watoto/collab/internal/config"
	"github.com/watoto/collab/internal/slogging"
)

// Gateway upgrades HTTP requests to WebSocket connections and binds each
// connection to a session. One Client per connection; read and write each get
// a dedicated goroutine because gorilla/websocket allows at most one
// concurrent reader and one concurrent writer per connection.
type Gateway struct {
	registry *SessionRegistry
	router   *MessageRouter
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader
}

// NewGateway creates a gateway over the given registry and router
func NewGateway(registry *SessionRegistry, router *MessageRouter, cfg config.WebSocketConfig) *Gateway {
	return &Gateway{
		registry: registry,
		router:   router,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from the LMS origin; cross-origin
			// policy is enforced upstream.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Client represents one WebSocket connection bound to a session
type Client struct {
	Session  *Session
	Conn     *websocket.Conn
	Send     chan []byte
	User     User
	JoinedAt time.Time

	joined   atomic.Bool
	sendOnce sync.Once
	// cursor is guarded by Session.mu
	cursor *CursorPosition

	cfg config.WebSocketConfig
}

// Joined reports whether the join handshake has completed
func (c *Client) Joined() bool {
	return c.joined.Load()
}

func (c *Client) setJoined(v bool) {
	c.joined.Store(v)
}

// closeSend closes the send channel exactly once. Both the session run loop
// and fan-out eviction may try to close it.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.Send)
	})
}

// trySend queues a frame without blocking; frames to full or closed send
// buffers are dropped. A concurrent eviction may close Send, hence the
// recover.
func (c *Client) trySend(data []byte) {
	defer func() { _ = recover() }()
	select {
	case c.Send <- data:
	default:
	}
}

// sendError queues an error reply to this client only
func (c *Client) sendError(code, message string) {
	payload := ErrorPayload{Code: code, Message: message}
	if data, err := marshalEnvelope(MessageTypeError, c.Session.ID, c.User, payload); err == nil {
		c.trySend(data)
	}
}

// HandleWS handles GET /ws/session/:session_id
func (g *Gateway) HandleWS(c *gin.Context) {
	logger := slogging.GetContextLogger(c)

	sessionID := c.Param("session_id")
	if err := ValidateSessionID(sessionID); err != nil {
		logger.Warn("Rejected WebSocket connection: %v", err)
		c.JSON(http.StatusBadRequest, Error{
			Error:   "invalid_session_id",
			Message: err.Error(),
		})
		return
	}

	user := userFromRequest(c)

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade writes its own error response
		logger.Error("WebSocket upgrade failed for session %s: %v", sessionID, err)
		return
	}

	session := g.registry.GetOrCreate(sessionID)
	client := &Client{
		Session: session,
		Conn:    conn,
		Send:    make(chan []byte, g.cfg.SendBufferSize),
		User:    user,
		cfg:     g.cfg,
	}

	logger.Debug("WebSocket connected: user %s, session %s", user.ID, sessionID)

	go client.WritePump()
	go client.ReadPump(g.router)
}

// ReadPump reads frames from the connection and routes them until the
// connection fails or a protocol violation occurs.
func (c *Client) ReadPump(router *MessageRouter) {
	defer func() {
		c.Session.unregister(c)
		if err := c.Conn.Close(); err != nil {
			slogging.Get().Debug("Error closing WebSocket connection: %v", err)
		}
	}()

	c.Conn.SetReadLimit(c.cfg.ReadLimitBytes)
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		return
	}
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				slogging.Get().Warn("WebSocket read error in session %s: %v", c.Session.ID, err)
			}
			break
		}

		if err := router.Route(c, message); err != nil {
			slogging.Get().Warn("Protocol violation in session %s from user %s: %v",
				c.Session.ID, c.User.ID, err)
			c.sendError(ErrorCodeProtocol, err.Error())
			break
		}
	}
}

// WritePump serializes all writes to the connection: queued frames, the close
// frame when the send channel is closed, and keepalive pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		if err := c.Conn.Close(); err != nil {
			slogging.Get().Debug("Error closing WebSocket connection: %v", err)
		}
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
