package api

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/watoto/collab/internal/slogging"
)

// MessageRouter dispatches validated client frames to session operations and
// broadcasts. One router instance serves all sessions; per-session ordering
// comes from each connection's read loop delivering frames sequentially.
type MessageRouter struct {
	sanitizer *bluemonday.Policy
}

// NewMessageRouter creates a router with a strict HTML sanitization policy
// for chat text.
func NewMessageRouter() *MessageRouter {
	return &MessageRouter{
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// Route processes one inbound frame. A non-nil error is a protocol violation
// and the caller must fail the connection; validation rejections are answered
// in-band and return nil.
func (rt *MessageRouter) Route(client *Client, raw []byte) error {
	env, err := ParseEnvelope(raw)
	if err != nil {
		metricMessagesRejected.WithLabelValues("protocol").Inc()
		return err
	}

	if env.SessionID != client.Session.ID {
		metricMessagesRejected.WithLabelValues("session_mismatch").Inc()
		client.sendError(ErrorCodeSessionMismatch,
			fmt.Sprintf("message addressed to session %s on a connection bound to %s",
				env.SessionID, client.Session.ID))
		return nil
	}

	if !client.Joined() && env.Type != MessageTypeJoin {
		metricMessagesRejected.WithLabelValues("not_joined").Inc()
		client.sendError(ErrorCodeNotJoined, "a join message must precede other messages")
		return nil
	}

	switch env.Type {
	case MessageTypeJoin:
		rt.handleJoin(client, env)
	case MessageTypeLeave:
		rt.handleLeave(client)
	case MessageTypeDiagramUpdate:
		rt.handleDiagramUpdate(client, env)
	case MessageTypeChatMessage:
		rt.handleChatMessage(client, env)
	case MessageTypeCursorUpdate:
		rt.handleCursorUpdate(client, env)
	}
	return nil
}

func (rt *MessageRouter) handleJoin(client *Client, env *Envelope) {
	if client.Joined() {
		metricMessagesRejected.WithLabelValues("validation").Inc()
		client.sendError(ErrorCodeValidation, "already joined")
		return
	}

	// The connection identity is authoritative for the id; the join message
	// supplies the display name when the connection did not.
	if env.User.Name != "" {
		client.User.Name = env.User.Name
	}
	if client.User.ID == "" && env.User.ID != "" {
		client.User.ID = env.User.ID
	}

	check := Envelope{User: client.User}
	if err := check.ValidateJoin(); err != nil {
		metricMessagesRejected.WithLabelValues("validation").Inc()
		client.sendError(ErrorCodeValidation, err.Error())
		return
	}

	client.JoinedAt = serverNow()
	client.setJoined(true)
	client.Session.register(client)
	metricMessagesRelayed.WithLabelValues(string(MessageTypeJoin)).Inc()
	slogging.Get().Debug("User %s joined session %s", client.User.ID, client.Session.ID)
}

func (rt *MessageRouter) handleLeave(client *Client) {
	client.setJoined(false)
	client.Session.leave(client)
	metricMessagesRelayed.WithLabelValues(string(MessageTypeLeave)).Inc()
	slogging.Get().Debug("User %s left session %s", client.User.ID, client.Session.ID)
}

func (rt *MessageRouter) handleDiagramUpdate(client *Client, env *Envelope) {
	var payload DiagramUpdatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		metricMessagesRejected.WithLabelValues("malformed_diagram").Inc()
		slogging.Get().Warn("Dropping malformed diagram update in session %s: %v", client.Session.ID, err)
		return
	}
	if err := payload.Validate(); err != nil {
		metricMessagesRejected.WithLabelValues("malformed_diagram").Inc()
		slogging.Get().Warn("Dropping invalid diagram update in session %s: %v", client.Session.ID, err)
		return
	}

	client.Session.ApplyDiagramUpdate(payload)
	if data, err := marshalEnvelope(MessageTypeDiagramUpdate, client.Session.ID, client.User, payload); err == nil {
		client.Session.broadcast(client, data)
		metricMessagesRelayed.WithLabelValues(string(MessageTypeDiagramUpdate)).Inc()
	}
}

func (rt *MessageRouter) handleChatMessage(client *Client, env *Envelope) {
	var payload ChatMessagePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		metricMessagesRejected.WithLabelValues("validation").Inc()
		client.sendError(ErrorCodeValidation, "chat payload is not valid JSON")
		return
	}
	if err := payload.Validate(); err != nil {
		metricMessagesRejected.WithLabelValues("validation").Inc()
		client.sendError(ErrorCodeValidation, err.Error())
		return
	}

	sanitized := rt.sanitizer.Sanitize(payload.Text)
	if sanitized == "" {
		// Markup-only input sanitizes away to nothing
		metricMessagesRejected.WithLabelValues("validation").Inc()
		client.sendError(ErrorCodeValidation, "chat text is empty after sanitization")
		return
	}

	entry := ChatEntry{
		ID:        uuid.New().String(),
		User:      client.User,
		Text:      sanitized,
		Timestamp: serverNow(),
	}
	client.Session.AppendChat(entry)

	out := ChatMessagePayload{ID: entry.ID, Text: entry.Text}
	if data, err := marshalEnvelope(MessageTypeChatMessage, client.Session.ID, client.User, out); err == nil {
		client.Session.broadcast(client, data)
		metricMessagesRelayed.WithLabelValues(string(MessageTypeChatMessage)).Inc()
	}
}

func (rt *MessageRouter) handleCursorUpdate(client *Client, env *Envelope) {
	var payload CursorUpdatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		metricMessagesRejected.WithLabelValues("cursor_invalid").Inc()
		return
	}
	if err := payload.Validate(); err != nil {
		// Cursor traffic is high-volume and transient; bad frames are
		// dropped without a reply.
		metricMessagesRejected.WithLabelValues("cursor_invalid").Inc()
		return
	}

	pos := CursorPosition{X: *payload.X, Y: *payload.Y}
	client.Session.SetCursor(client, pos)
	if data, err := marshalEnvelope(MessageTypeCursorUpdate, client.Session.ID, client.User, pos); err == nil {
		client.Session.broadcast(client, data)
		metricMessagesRelayed.WithLabelValues(string(MessageTypeCursorUpdate)).Inc()
	}
}
