package api

import (
	"context"
	"sync"
	"time"

	"github.com/watoto/collab/internal/config"
	"github.com/watoto/collab/internal/slogging"
)

// SessionRegistry is the single source of truth for active collaborative
// sessions. Sessions are keyed by the opaque session id from the connection
// URL. Membership and broadcast for one session are serialized through the
// session's run goroutine; different sessions proceed independently.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cfg      config.SessionConfig
}

// Session holds one collaborative workspace: the shared diagram snapshot,
// the in-memory chat history, and the set of connected participants.
type Session struct {
	ID        string
	CreatedAt time.Time

	// Channel-fed run loop, the single writer for membership and broadcast
	RegisterCh   chan *Client
	UnregisterCh chan unregisterRequest
	BroadcastCh  chan broadcastMessage

	done     chan struct{}
	doneOnce sync.Once

	chatLimit int

	mu           sync.RWMutex
	clients      map[*Client]bool
	diagram      DiagramSnapshot
	chat         []ChatEntry
	lastActivity time.Time
	// emptySince is set when the last participant leaves; a session is
	// only evicted after the configured grace window so brief reconnects
	// survive.
	emptySince time.Time
}

type broadcastMessage struct {
	// sender is excluded from the fan-out (echo suppression); nil
	// broadcasts to every participant.
	sender *Client
	data   []byte
}

type unregisterRequest struct {
	client *Client
	// closeSend is set when the transport is gone. An explicit leave keeps
	// the send channel open so the participant can rejoin on the same
	// connection.
	closeSend bool
}

// SessionSummary is the REST-facing view of an active session
type SessionSummary struct {
	ID               string    `json:"id"`
	CreatedAt        time.Time `json:"created_at"`
	ParticipantCount int       `json:"participant_count"`
	MessageCount     int       `json:"message_count"`
}

// NewSessionRegistry creates an empty registry
func NewSessionRegistry(cfg config.SessionConfig) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		cfg:      cfg,
	}
}

// GetOrCreate returns the session for the given id, creating it (and starting
// its run goroutine) on first join.
func (r *SessionRegistry) GetOrCreate(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session, ok := r.sessions[sessionID]; ok {
		return session
	}

	session := &Session{
		ID:           sessionID,
		CreatedAt:    time.Now().UTC(),
		RegisterCh:   make(chan *Client),
		UnregisterCh: make(chan unregisterRequest),
		BroadcastCh:  make(chan broadcastMessage),
		done:         make(chan struct{}),
		chatLimit:    r.cfg.ChatHistoryLimit,
		clients:      make(map[*Client]bool),
		diagram:      EmptyDiagramSnapshot(),
		lastActivity: time.Now().UTC(),
		emptySince:   time.Now().UTC(),
	}
	r.sessions[sessionID] = session
	metricActiveSessions.Inc()
	go session.Run()

	slogging.Get().Info("Created collaboration session %s", sessionID)
	return session
}

// Get returns the session for the given id, or nil
func (r *SessionRegistry) Get(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// List returns summaries of all active sessions
func (r *SessionRegistry) List() []SessionSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]SessionSummary, 0, len(r.sessions))
	for _, session := range r.sessions {
		summaries = append(summaries, session.Summary())
	}
	return summaries
}

// CloseSession terminates a session and disconnects its participants.
// Returns false if the session does not exist.
func (r *SessionRegistry) CloseSession(sessionID string) bool {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	session.terminate()
	metricActiveSessions.Dec()
	slogging.Get().Info("Closed collaboration session %s", sessionID)
	return true
}

// CleanupInactiveSessions evicts sessions that have been empty past the grace
// window or idle past the inactivity timeout.
func (r *SessionRegistry) CleanupInactiveSessions() {
	now := time.Now().UTC()

	r.mu.Lock()
	var evicted []*Session
	for sessionID, session := range r.sessions {
		session.mu.RLock()
		clientCount := len(session.clients)
		lastActivity := session.lastActivity
		emptySince := session.emptySince
		session.mu.RUnlock()

		emptyTooLong := clientCount == 0 && now.Sub(emptySince) > r.cfg.EmptyGrace
		idleTooLong := now.Sub(lastActivity) > r.cfg.InactivityTimeout
		if emptyTooLong || idleTooLong {
			delete(r.sessions, sessionID)
			evicted = append(evicted, session)
		}
	}
	r.mu.Unlock()

	for _, session := range evicted {
		session.terminate()
		metricActiveSessions.Dec()
		slogging.Get().Info("Evicted inactive session %s", session.ID)
	}
}

// StartCleanupTimer runs periodic session cleanup until the context is done
func (r *SessionRegistry) StartCleanupTimer(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.CleanupInactiveSessions()
		case <-ctx.Done():
			return
		}
	}
}

// Run processes membership changes and broadcasts for this session. It is the
// single writer for the participant set, which keeps joins, leaves, and
// fan-outs serialized per session.
func (s *Session) Run() {
	for {
		select {
		case client := <-s.RegisterCh:
			s.mu.Lock()
			s.clients[client] = true
			s.lastActivity = time.Now().UTC()
			s.emptySince = time.Time{}
			sync := s.syncPayloadLocked()
			s.mu.Unlock()
			metricActiveConnections.Inc()

			// Late joiners render immediately from the sync snapshot
			if data, err := marshalEnvelope(MessageTypeSync, s.ID, client.User, sync); err == nil {
				client.trySend(data)
			}
			if data, err := marshalEnvelope(MessageTypeJoin, s.ID, client.User, nil); err == nil {
				s.fanOut(client, data)
			}

		case req := <-s.UnregisterCh:
			s.mu.Lock()
			_, ok := s.clients[req.client]
			if ok {
				delete(s.clients, req.client)
				s.lastActivity = time.Now().UTC()
				if len(s.clients) == 0 {
					s.emptySince = time.Now().UTC()
				}
			}
			s.mu.Unlock()

			if req.closeSend {
				req.client.closeSend()
			}
			if ok {
				metricActiveConnections.Dec()
				if data, err := marshalEnvelope(MessageTypeLeave, s.ID, req.client.User, nil); err == nil {
					s.fanOut(nil, data)
				}
			}

		case msg := <-s.BroadcastCh:
			s.mu.Lock()
			s.lastActivity = time.Now().UTC()
			s.mu.Unlock()
			s.fanOut(msg.sender, msg.data)

		case <-s.done:
			s.mu.Lock()
			for client := range s.clients {
				client.closeSend()
				delete(s.clients, client)
				metricActiveConnections.Dec()
			}
			s.mu.Unlock()
			return
		}
	}
}

// register hands a client to the run loop, giving up if the session is gone
func (s *Session) register(client *Client) {
	select {
	case s.RegisterCh <- client:
	case <-s.done:
	}
}

// unregister removes a disconnected client and closes its send channel;
// safe to call after session termination.
func (s *Session) unregister(client *Client) {
	select {
	case s.UnregisterCh <- unregisterRequest{client: client, closeSend: true}:
	case <-s.done:
		client.closeSend()
	}
}

// leave removes a client that sent an explicit leave. The send channel stays
// open so a later join on the same connection works.
func (s *Session) leave(client *Client) {
	select {
	case s.UnregisterCh <- unregisterRequest{client: client}:
	case <-s.done:
	}
}

// broadcast relays a message to the session's participants except the sender
func (s *Session) broadcast(sender *Client, data []byte) {
	select {
	case s.BroadcastCh <- broadcastMessage{sender: sender, data: data}:
	case <-s.done:
	}
}

// fanOut delivers one frame to every participant except the excluded one.
// Participants whose send buffers are full are dropped from the session.
func (s *Session) fanOut(except *Client, data []byte) {
	s.mu.Lock()
	for client := range s.clients {
		if client == except {
			continue
		}
		select {
		case client.Send <- data:
		default:
			client.closeSend()
			delete(s.clients, client)
			metricActiveConnections.Dec()
		}
	}
	s.mu.Unlock()
}

func (s *Session) terminate() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

// ApplyDiagramUpdate replaces the stored snapshot with the latest payload.
// Last-write-wins: concurrent edits are not merged.
func (s *Session) ApplyDiagramUpdate(p DiagramUpdatePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diagram = DiagramSnapshot{Elements: p.Elements, AppState: p.AppState}
	s.lastActivity = time.Now().UTC()
}

// AppendChat adds an entry to the in-memory history, discarding the oldest
// entries past the configured limit.
func (s *Session) AppendChat(entry ChatEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat = append(s.chat, entry)
	if len(s.chat) > s.chatLimit {
		s.chat = s.chat[len(s.chat)-s.chatLimit:]
	}
	s.lastActivity = time.Now().UTC()
}

// SetCursor records a participant's last-known cursor position
func (s *Session) SetCursor(client *Client, pos CursorPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	client.cursor = &pos
	s.lastActivity = time.Now().UTC()
}

// Diagram returns a copy of the current snapshot
func (s *Session) Diagram() DiagramSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.diagram
}

// ChatHistory returns a copy of the retained chat entries
func (s *Session) ChatHistory() []ChatEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := make([]ChatEntry, len(s.chat))
	copy(history, s.chat)
	return history
}

// Participants lists the session's current participants
func (s *Session) Participants() []ParticipantInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.participantsLocked()
}

// Summary returns the REST-facing view of this session
func (s *Session) Summary() SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionSummary{
		ID:               s.ID,
		CreatedAt:        s.CreatedAt,
		ParticipantCount: len(s.clients),
		MessageCount:     len(s.chat),
	}
}

func (s *Session) participantsLocked() []ParticipantInfo {
	participants := make([]ParticipantInfo, 0, len(s.clients))
	for client := range s.clients {
		participants = append(participants, ParticipantInfo{
			User:     client.User,
			JoinedAt: client.JoinedAt,
			Cursor:   client.cursor,
		})
	}
	return participants
}

func (s *Session) syncPayloadLocked() SyncPayload {
	chat := make([]ChatEntry, len(s.chat))
	copy(chat, s.chat)
	return SyncPayload{
		Diagram:      s.diagram,
		Participants: s.participantsLocked(),
		Chat:         chat,
	}
}

func marshalEnvelope(msgType MessageType, sessionID string, user User, payload any) ([]byte, error) {
	env, err := NewEnvelope(msgType, sessionID, user, payload)
	if err != nil {
		return nil, err
	}
	return env.Marshal()
}
