package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/watoto/collab/internal/unicodecheck"
)

// Message types exchanged over a collaboration session. Client-originated
// types are validated at the gateway boundary before they reach the router;
// sync and error are server-originated only.

// MessageType represents the type of WebSocket message
type MessageType string

const (
	MessageTypeJoin          MessageType = "join"
	MessageTypeLeave         MessageType = "leave"
	MessageTypeDiagramUpdate MessageType = "diagram_update"
	MessageTypeChatMessage   MessageType = "chat_message"
	MessageTypeCursorUpdate  MessageType = "cursor_update"

	// Server-to-client only
	MessageTypeSync  MessageType = "sync"
	MessageTypeError MessageType = "error"
)

const (
	// MaxChatMessageLength is the chat text limit in characters; longer
	// messages are rejected, not truncated.
	MaxChatMessageLength = 500
	// MaxDisplayNameLength bounds participant display names on join.
	MaxDisplayNameLength = 100
)

// Error reply codes carried in error payloads
const (
	ErrorCodeProtocol        = "protocol_error"
	ErrorCodeValidation      = "validation_failed"
	ErrorCodeSessionMismatch = "session_mismatch"
	ErrorCodeSessionNotFound = "session_not_found"
	ErrorCodeNotJoined       = "not_joined"
)

// User identifies the originating participant of a message
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Envelope is the wire format for all session messages
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	User      User            `json:"user"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ParseEnvelope decodes a raw frame into an envelope. A frame that is not
// valid JSON, or that omits type or session_id, is a protocol error and the
// caller is expected to fail the connection.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("missing message type")
	}
	if env.SessionID == "" {
		return nil, fmt.Errorf("missing session_id")
	}
	switch env.Type {
	case MessageTypeJoin, MessageTypeLeave, MessageTypeDiagramUpdate,
		MessageTypeChatMessage, MessageTypeCursorUpdate:
		return &env, nil
	case MessageTypeSync, MessageTypeError:
		return nil, fmt.Errorf("message type %s is server-originated", env.Type)
	default:
		return nil, fmt.Errorf("unknown message type: %s", env.Type)
	}
}

// NewEnvelope builds a server-stamped envelope with a marshaled payload.
func NewEnvelope(msgType MessageType, sessionID string, user User, payload any) (*Envelope, error) {
	env := &Envelope{
		Type:      msgType,
		SessionID: sessionID,
		User:      user,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Marshal serializes the envelope for the wire
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ValidateJoin checks the join handshake requirements on the envelope itself;
// join carries no payload beyond the user identity.
func (e *Envelope) ValidateJoin() error {
	if e.User.Name == "" {
		return fmt.Errorf("display name is required")
	}
	if utf8.RuneCountInString(e.User.Name) > MaxDisplayNameLength {
		return fmt.Errorf("display name exceeds %d characters", MaxDisplayNameLength)
	}
	return unicodecheck.VerifyDisplayName(e.User.Name)
}

// ChatMessagePayload carries chat text
type ChatMessagePayload struct {
	// ID is assigned by the server before broadcast
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
}

// Validate enforces the chat text limits. Exactly MaxChatMessageLength
// characters is accepted; one more is rejected.
func (p ChatMessagePayload) Validate() error {
	if p.Text == "" {
		return fmt.Errorf("chat text is required")
	}
	if utf8.RuneCountInString(p.Text) > MaxChatMessageLength {
		return fmt.Errorf("chat text exceeds %d characters", MaxChatMessageLength)
	}
	return unicodecheck.VerifyChatText(p.Text)
}

// DiagramUpdatePayload carries a whole-snapshot diagram replacement
type DiagramUpdatePayload struct {
	Elements []json.RawMessage `json:"elements"`
	AppState json.RawMessage   `json:"appState"`
}

// Validate requires a well-formed element list and view-state object
func (p DiagramUpdatePayload) Validate() error {
	if p.Elements == nil {
		return fmt.Errorf("elements array is required")
	}
	for i, el := range p.Elements {
		if !isJSONObject(el) {
			return fmt.Errorf("element %d is not an object", i)
		}
	}
	if !isJSONObject(p.AppState) {
		return fmt.Errorf("appState object is required")
	}
	return nil
}

// CursorUpdatePayload carries cursor coordinates. Pointer fields distinguish
// missing coordinates from zero values.
type CursorUpdatePayload struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

// Validate requires both coordinates to be present and finite
func (p CursorUpdatePayload) Validate() error {
	if p.X == nil || p.Y == nil {
		return fmt.Errorf("cursor coordinates are required")
	}
	if math.IsNaN(*p.X) || math.IsInf(*p.X, 0) || math.IsNaN(*p.Y) || math.IsInf(*p.Y, 0) {
		return fmt.Errorf("cursor coordinates must be finite")
	}
	return nil
}

// CursorPosition is the resolved, validated cursor location
type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DiagramSnapshot is the full current state of a session's diagram,
// used to sync late joiners.
type DiagramSnapshot struct {
	Elements []json.RawMessage `json:"elements"`
	AppState json.RawMessage   `json:"appState"`
}

// EmptyDiagramSnapshot returns the snapshot a fresh session starts with
func EmptyDiagramSnapshot() DiagramSnapshot {
	return DiagramSnapshot{
		Elements: []json.RawMessage{},
		AppState: json.RawMessage("{}"),
	}
}

// ParticipantInfo describes one live connection within a session
type ParticipantInfo struct {
	User     User            `json:"user"`
	JoinedAt time.Time       `json:"joined_at"`
	Cursor   *CursorPosition `json:"cursor,omitempty"`
}

// ChatEntry is one chat message retained in the session's in-memory history
type ChatEntry struct {
	ID        string    `json:"id"`
	User      User      `json:"user"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncPayload is sent to a participant immediately after a successful join
type SyncPayload struct {
	Diagram      DiagramSnapshot   `json:"diagram"`
	Participants []ParticipantInfo `json:"participants"`
	Chat         []ChatEntry       `json:"chat"`
}

// ErrorPayload is the rejection notice echoed back to a sender
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// serverNow is the single timestamp source for server-stamped messages
func serverNow() time.Time {
	return time.Now().UTC()
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
