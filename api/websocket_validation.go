package api

import (
	"fmt"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Session ids come straight from the URL path, so they are constrained to a
// conservative character set before any registry lookup.
var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// ValidateSessionID checks that a session id from the connection URL is
// well-formed.
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if !sessionIDPattern.MatchString(sessionID) {
		return fmt.Errorf("session id must be 1-64 characters of [a-zA-Z0-9._-]")
	}
	return nil
}

// userFromRequest resolves the connecting user's identity. The auth
// middleware populates the context when a token was presented; otherwise the
// uid and name query parameters serve as the development fallback, with a
// generated id as the last resort.
func userFromRequest(c *gin.Context) User {
	user := User{}

	if v, ok := c.Get("userID"); ok {
		if id, ok := v.(string); ok {
			user.ID = id
		}
	}
	if v, ok := c.Get("userName"); ok {
		if name, ok := v.(string); ok {
			user.Name = name
		}
	}

	if user.ID == "" {
		user.ID = c.Query("uid")
	}
	if user.Name == "" {
		user.Name = c.Query("name")
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	return user
}
