package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error is the JSON body for REST error responses
type Error struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SessionDetail is the full REST view of one session
type SessionDetail struct {
	SessionSummary
	Participants []ParticipantInfo `json:"participants"`
	Diagram      DiagramSnapshot   `json:"diagram"`
}

// SessionHandlers exposes read-only and administrative REST endpoints over
// the registry, for dashboards and operational tooling.
type SessionHandlers struct {
	registry *SessionRegistry
}

// NewSessionHandlers creates REST handlers over the given registry
func NewSessionHandlers(registry *SessionRegistry) *SessionHandlers {
	return &SessionHandlers{registry: registry}
}

// ListSessions handles GET /sessions
func (h *SessionHandlers) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.List())
}

// GetSession handles GET /sessions/:session_id
func (h *SessionHandlers) GetSession(c *gin.Context) {
	session, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, SessionDetail{
		SessionSummary: session.Summary(),
		Participants:   session.Participants(),
		Diagram:        session.Diagram(),
	})
}

// GetSessionMessages handles GET /sessions/:session_id/messages
func (h *SessionHandlers) GetSessionMessages(c *gin.Context) {
	session, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session.ChatHistory())
}

// DeleteSession handles DELETE /sessions/:session_id
func (h *SessionHandlers) DeleteSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	if !h.registry.CloseSession(sessionID) {
		c.JSON(http.StatusNotFound, Error{
			Error:   "session_not_found",
			Message: "no active session with id " + sessionID,
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// Health handles GET /health
func (h *SessionHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *SessionHandlers) lookup(c *gin.Context) (*Session, bool) {
	sessionID := c.Param("session_id")
	session := h.registry.Get(sessionID)
	if session == nil {
		c.JSON(http.StatusNotFound, Error{
			Error:   "session_not_found",
			Message: "no active session with id " + sessionID,
		})
		return nil, false
	}
	return session, true
}
