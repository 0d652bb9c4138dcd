package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/watoto/collab/api"
	"github.com/watoto/collab/internal/slogging"
)

// ConnectionState tracks the controller's lifecycle
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosing
)

// String returns the state name
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// EventType identifies what a controller event carries
type EventType string

const (
	EventConnected      EventType = "connected"
	EventDisconnected   EventType = "disconnected"
	EventReconnecting   EventType = "reconnecting"
	EventConnectionLost EventType = "connection_lost"
	EventSync           EventType = "sync"
	EventPeerJoined     EventType = "peer_joined"
	EventPeerLeft       EventType = "peer_left"
	EventDiagramUpdated EventType = "diagram_updated"
	EventChatReceived   EventType = "chat_received"
	EventCursorMoved    EventType = "cursor_moved"
	EventErrorReceived  EventType = "error_received"
)

// Event is one item on the controller's event stream. Only the fields
// relevant to the event type are populated.
type Event struct {
	Type    EventType
	User    api.User
	Sync    *api.SyncPayload
	Diagram *api.DiagramUpdatePayload
	Chat    *api.ChatMessagePayload
	Cursor  *api.CursorPosition
	Error   *api.ErrorPayload
	Err     error
	Attempt int
}

// Errors returned by controller operations
var (
	ErrNotConnected   = errors.New("not connected to a session")
	ErrAlreadyStarted = errors.New("controller already started")
	ErrConnectionLost = errors.New("connection lost and retries exhausted")
	ErrClosed         = errors.New("controller is closed")
)

// Options configures a Controller
type Options struct {
	// BaseURL is the server root, e.g. ws://localhost:8080
	BaseURL   string
	SessionID string
	User      api.User
	// Token is sent as a query parameter when the server enforces auth
	Token string

	HandshakeTimeout time.Duration

	// Reconnect policy: exponential backoff with jitter, bounded retries
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	MaxRetries     int

	// Cursor updates beyond this rate are dropped client-side
	CursorRate  rate.Limit
	CursorBurst int

	// EventBuffer sizes the event channel; events beyond it are dropped
	EventBuffer int
}

func (o *Options) applyDefaults() {
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.InitialBackoff == 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.BackoffFactor == 0 {
		o.BackoffFactor = 2
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 10
	}
	if o.CursorRate == 0 {
		o.CursorRate = 20
	}
	if o.CursorBurst == 0 {
		o.CursorBurst = 5
	}
	if o.EventBuffer == 0 {
		o.EventBuffer = 64
	}
}

// Validate checks that the options can form a connection
func (o *Options) Validate() error {
	if o.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if err := api.ValidateSessionID(o.SessionID); err != nil {
		return err
	}
	if o.User.Name == "" {
		return fmt.Errorf("display name is required")
	}
	return nil
}

// Controller maintains a client-side session connection: it performs the
// join handshake, surfaces inbound messages as events, sends local changes,
// and reconnects with exponential backoff when the transport drops.
type Controller struct {
	opts Options

	mu      sync.Mutex
	state   ConnectionState
	conn    *websocket.Conn
	started bool
	// loopRunning is set once the read loop owns closing the event channel
	loopRunning bool

	// writeMu serializes writes; gorilla/websocket allows one writer
	writeMu sync.Mutex

	events        chan Event
	eventsOnce    sync.Once
	done          chan struct{}
	closeOnce     sync.Once
	cursorLimiter *rate.Limiter
}

// NewController creates a controller; Connect starts it
func NewController(opts Options) (*Controller, error) {
	opts.applyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		opts:          opts,
		state:         StateDisconnected,
		events:        make(chan Event, opts.EventBuffer),
		done:          make(chan struct{}),
		cursorLimiter: rate.NewLimiter(opts.CursorRate, opts.CursorBurst),
	}, nil
}

// Events returns the controller's event stream. The channel is closed when
// the controller shuts down.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// State returns the current connection state
func (c *Controller) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the session endpoint, sends the join handshake, and starts
// the read loop. It may be called once per controller.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closing() {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("failed to connect to session %s: %w", c.opts.SessionID, err)
	}

	c.mu.Lock()
	if c.closing() {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	if err := c.sendJoin(); err != nil {
		_ = conn.Close()
		c.setState(StateDisconnected)
		return fmt.Errorf("join handshake failed: %w", err)
	}

	c.mu.Lock()
	if c.closing() {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.loopRunning = true
	c.mu.Unlock()

	c.emit(Event{Type: EventConnected})
	go c.readLoop()
	return nil
}

// Close leaves the session and shuts the controller down
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosing
		conn := c.conn
		loopRunning := c.loopRunning
		// done is closed under the mutex so Connect cannot start the read
		// loop after this point.
		close(c.done)
		c.mu.Unlock()

		if conn != nil {
			// Best effort: tell the session we are leaving before the
			// transport goes away.
			_ = c.writeEnvelope(api.MessageTypeLeave, nil)
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}

		// Without a read loop nobody else ends the event stream
		if !loopRunning {
			c.closeEvents()
		}
	})
	return nil
}

// SendChatMessage sends chat text to the session. Validation failures are
// returned; transport errors surface through the event stream instead.
func (c *Controller) SendChatMessage(text string) error {
	payload := api.ChatMessagePayload{Text: text}
	if err := payload.Validate(); err != nil {
		return err
	}
	return c.sendUserMessage(api.MessageTypeChatMessage, payload)
}

// SendDiagramUpdate sends a whole-snapshot diagram replacement
func (c *Controller) SendDiagramUpdate(payload api.DiagramUpdatePayload) error {
	if err := payload.Validate(); err != nil {
		return err
	}
	return c.sendUserMessage(api.MessageTypeDiagramUpdate, payload)
}

// SendCursorUpdate sends the local cursor position. Updates beyond the
// configured rate are dropped silently; cursor traffic is transient.
func (c *Controller) SendCursorUpdate(x, y float64) error {
	if !c.cursorLimiter.Allow() {
		return nil
	}
	payload := api.CursorUpdatePayload{X: &x, Y: &y}
	if err := payload.Validate(); err != nil {
		return err
	}
	return c.sendUserMessage(api.MessageTypeCursorUpdate, payload)
}

func (c *Controller) sendUserMessage(msgType api.MessageType, payload any) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	if err := c.writeEnvelope(msgType, payload); err != nil {
		// The read loop observes the broken transport and reconnects;
		// the local action is not retried.
		slogging.Get().Debug("Dropped %s message on broken transport: %v", msgType, err)
	}
	return nil
}

func (c *Controller) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := c.endpointURL()
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (c *Controller) endpointURL() (string, error) {
	base, err := url.Parse(c.opts.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	base.Path = "/ws/session/" + c.opts.SessionID
	q := base.Query()
	q.Set("uid", c.opts.User.ID)
	q.Set("name", c.opts.User.Name)
	if c.opts.Token != "" {
		q.Set("token", c.opts.Token)
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (c *Controller) sendJoin() error {
	return c.writeEnvelope(api.MessageTypeJoin, nil)
}

func (c *Controller) writeEnvelope(msgType api.MessageType, payload any) error {
	env, err := api.NewEnvelope(msgType, c.opts.SessionID, c.opts.User, payload)
	if err != nil {
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads inbound frames and reconnects on transport failure until
// the controller is closed or retries are exhausted.
func (c *Controller) readLoop() {
	defer c.closeEvents()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.closing() {
				c.setState(StateDisconnected)
				c.emit(Event{Type: EventDisconnected})
				return
			}
			c.emit(Event{Type: EventDisconnected, Err: err})
			if !c.reconnect() {
				return
			}
			continue
		}

		c.dispatch(message)
	}
}

// reconnect attempts to re-establish the session with exponential backoff.
// Returns false when the controller closed or retries ran out.
func (c *Controller) reconnect() bool {
	c.setState(StateReconnecting)
	backoff := c.opts.InitialBackoff

	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		c.emit(Event{Type: EventReconnecting, Attempt: attempt})

		// Jitter spreads simultaneous reconnects from a restarted server
		delay := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-time.After(delay):
		case <-c.done:
			c.setState(StateDisconnected)
			return false
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.state = StateConnected
			c.mu.Unlock()

			if err := c.sendJoin(); err == nil {
				c.emit(Event{Type: EventConnected, Attempt: attempt})
				return true
			}
			_ = conn.Close()
		}

		slogging.Get().Debug("Reconnect attempt %d for session %s failed", attempt, c.opts.SessionID)
		backoff = time.Duration(float64(backoff) * c.opts.BackoffFactor)
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}

	c.setState(StateDisconnected)
	c.emit(Event{Type: EventConnectionLost, Err: ErrConnectionLost})
	return false
}

func (c *Controller) dispatch(raw []byte) {
	var env api.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slogging.Get().Warn("Ignoring malformed frame from server: %v", err)
		return
	}

	switch env.Type {
	case api.MessageTypeSync:
		var payload api.SyncPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		c.emit(Event{Type: EventSync, Sync: &payload})

	case api.MessageTypeJoin:
		c.emit(Event{Type: EventPeerJoined, User: env.User})

	case api.MessageTypeLeave:
		c.emit(Event{Type: EventPeerLeft, User: env.User})

	case api.MessageTypeDiagramUpdate:
		var payload api.DiagramUpdatePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		c.emit(Event{Type: EventDiagramUpdated, User: env.User, Diagram: &payload})

	case api.MessageTypeChatMessage:
		var payload api.ChatMessagePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		c.emit(Event{Type: EventChatReceived, User: env.User, Chat: &payload})

	case api.MessageTypeCursorUpdate:
		var pos api.CursorPosition
		if err := json.Unmarshal(env.Payload, &pos); err != nil {
			return
		}
		c.emit(Event{Type: EventCursorMoved, User: env.User, Cursor: &pos})

	case api.MessageTypeError:
		var payload api.ErrorPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		c.emit(Event{Type: EventErrorReceived, Error: &payload})
	}
}

// emit delivers an event without blocking; a slow consumer loses events
// rather than stalling the read loop.
func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		slogging.Get().Debug("Dropped %s event for slow consumer", ev.Type)
	}
}

func (c *Controller) setState(s ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosing || s == StateDisconnected {
		c.state = s
	}
}

// closeEvents ends the event stream exactly once; both Close and the read
// loop may reach it.
func (c *Controller) closeEvents() {
	c.eventsOnce.Do(func() {
		close(c.events)
	})
}

func (c *Controller) closing() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
