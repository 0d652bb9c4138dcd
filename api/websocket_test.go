package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watoto/collab/internal/config"
)

func setupTestServer(t *testing.T, mutate ...func(*config.Config)) (*httptest.Server, *Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Session.EmptyGrace = time.Hour
	for _, m := range mutate {
		m(cfg)
	}

	server := NewServer(cfg)
	r := gin.New()
	server.RegisterHandlers(r)

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, server
}

func wsURL(ts *httptest.Server, sessionID, uid, name string) string {
	base := "ws" + strings.TrimPrefix(ts.URL, "http")
	return fmt.Sprintf("%s/ws/session/%s?uid=%s&name=%s", base, sessionID, uid, url.QueryEscape(name))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return &env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// dialAndJoin connects, completes the join handshake, and returns the
// connection plus the sync payload it received.
func dialAndJoin(t *testing.T, ts *httptest.Server, sessionID, uid, name string) (*websocket.Conn, *SyncPayload) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, sessionID, uid, name), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	writeEnvelope(t, conn, fmt.Sprintf(
		`{"type":"join","session_id":%q,"user":{"id":%q,"name":%q}}`, sessionID, uid, name))

	env := readEnvelope(t, conn)
	require.Equal(t, MessageTypeSync, env.Type)
	var sync SyncPayload
	require.NoError(t, json.Unmarshal(env.Payload, &sync))
	return conn, &sync
}

func TestWebSocketJoinHandshake(t *testing.T) {
	ts, _ := setupTestServer(t)

	_, sync := dialAndJoin(t, ts, "lesson-1", "u1", "Amina")
	assert.Empty(t, sync.Diagram.Elements)
	assert.Empty(t, sync.Chat)
	require.Len(t, sync.Participants, 1)
	assert.Equal(t, "Amina", sync.Participants[0].User.Name)
}

func TestWebSocketLateJoinerReceivesState(t *testing.T) {
	ts, server := setupTestServer(t)

	conn, _ := dialAndJoin(t, ts, "lesson-1", "u1", "Amina")

	writeEnvelope(t, conn,
		`{"type":"diagram_update","session_id":"lesson-1","payload":{"elements":[{"id":"el-1","type":"rect"}],"appState":{"zoom":1}}}`)
	writeEnvelope(t, conn,
		`{"type":"chat_message","session_id":"lesson-1","payload":{"text":"welcome"}}`)

	require.Eventually(t, func() bool {
		session := server.Registry().Get("lesson-1")
		return session != nil && len(session.ChatHistory()) == 1 && len(session.Diagram().Elements) == 1
	}, 2*time.Second, 20*time.Millisecond)

	_, sync := dialAndJoin(t, ts, "lesson-1", "u2", "Baraka")
	require.Len(t, sync.Diagram.Elements, 1)
	require.Len(t, sync.Chat, 1)
	assert.Equal(t, "welcome", sync.Chat[0].Text)
	assert.Len(t, sync.Participants, 2)
}

func TestWebSocketChatBroadcast(t *testing.T) {
	ts, _ := setupTestServer(t)

	alice, _ := dialAndJoin(t, ts, "lesson-1", "u1", "Amina")
	bob, _ := dialAndJoin(t, ts, "lesson-1", "u2", "Baraka")

	// Amina sees Baraka's join broadcast
	joinEnv := readEnvelope(t, alice)
	require.Equal(t, MessageTypeJoin, joinEnv.Type)
	assert.Equal(t, "u2", joinEnv.User.ID)

	writeEnvelope(t, alice, `{"type":"chat_message","session_id":"lesson-1","payload":{"text":"habari"}}`)

	env := readEnvelope(t, bob)
	require.Equal(t, MessageTypeChatMessage, env.Type)
	assert.Equal(t, "u1", env.User.ID)
	assert.False(t, env.Timestamp.IsZero(), "server stamps the timestamp")

	var payload ChatMessagePayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "habari", payload.Text)

	// No echo to the sender
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := alice.ReadMessage()
	assert.Error(t, err, "sender should not receive an echo")
}

func TestWebSocketRejectsInvalidSessionID(t *testing.T) {
	ts, _ := setupTestServer(t)

	badURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/session/" + url.PathEscape("bad id!")
	conn, resp, err := websocket.DefaultDialer.Dial(badURL, nil)
	require.Error(t, err)
	if conn != nil {
		_ = conn.Close()
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketProtocolViolationFailsConnection(t *testing.T) {
	ts, _ := setupTestServer(t)

	conn, _ := dialAndJoin(t, ts, "lesson-1", "u1", "Amina")
	writeEnvelope(t, conn, `this is not json`)

	env := readEnvelope(t, conn)
	require.Equal(t, MessageTypeError, env.Type)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, ErrorCodeProtocol, payload.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection should be closed after a protocol violation")
}

func TestWebSocketValidationErrorKeepsConnection(t *testing.T) {
	ts, server := setupTestServer(t)

	conn, _ := dialAndJoin(t, ts, "lesson-1", "u1", "Amina")
	long := strings.Repeat("x", MaxChatMessageLength+1)
	writeEnvelope(t, conn, fmt.Sprintf(
		`{"type":"chat_message","session_id":"lesson-1","payload":{"text":%q}}`, long))

	env := readEnvelope(t, conn)
	require.Equal(t, MessageTypeError, env.Type)

	// The connection survives and can still send valid messages
	writeEnvelope(t, conn, `{"type":"chat_message","session_id":"lesson-1","payload":{"text":"short"}}`)
	require.Eventually(t, func() bool {
		session := server.Registry().Get("lesson-1")
		return session != nil && len(session.ChatHistory()) == 1
	}, 2*time.Second, 20*time.Millisecond)

	_, sync := dialAndJoin(t, ts, "lesson-1", "u2", "Baraka")
	require.Len(t, sync.Chat, 1)
	assert.Equal(t, "short", sync.Chat[0].Text)
}

func TestWebSocketDisconnectBroadcastsLeave(t *testing.T) {
	ts, server := setupTestServer(t)

	alice, _ := dialAndJoin(t, ts, "lesson-1", "u1", "Amina")
	bob, _ := dialAndJoin(t, ts, "lesson-1", "u2", "Baraka")

	joinEnv := readEnvelope(t, alice)
	require.Equal(t, MessageTypeJoin, joinEnv.Type)

	require.NoError(t, bob.Close())

	leaveEnv := readEnvelope(t, alice)
	require.Equal(t, MessageTypeLeave, leaveEnv.Type)
	assert.Equal(t, "u2", leaveEnv.User.ID)

	require.Eventually(t, func() bool {
		session := server.Registry().Get("lesson-1")
		return session != nil && len(session.Participants()) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWebSocketLeaveThenRejoin(t *testing.T) {
	ts, _ := setupTestServer(t)

	alice, _ := dialAndJoin(t, ts, "lesson-1", "u1", "Amina")
	bob, _ := dialAndJoin(t, ts, "lesson-1", "u2", "Baraka")

	joinEnv := readEnvelope(t, alice)
	require.Equal(t, MessageTypeJoin, joinEnv.Type)

	// Leave and rejoin back-to-back on the same connection
	writeEnvelope(t, bob, `{"type":"leave","session_id":"lesson-1"}`)
	writeEnvelope(t, bob, `{"type":"join","session_id":"lesson-1","user":{"id":"u2","name":"Baraka"}}`)

	leaveEnv := readEnvelope(t, alice)
	require.Equal(t, MessageTypeLeave, leaveEnv.Type)
	rejoinEnv := readEnvelope(t, alice)
	require.Equal(t, MessageTypeJoin, rejoinEnv.Type)
	assert.Equal(t, "u2", rejoinEnv.User.ID)

	syncEnv := readEnvelope(t, bob)
	require.Equal(t, MessageTypeSync, syncEnv.Type)

	// The rejoined connection still receives broadcasts
	writeEnvelope(t, alice, `{"type":"chat_message","session_id":"lesson-1","payload":{"text":"welcome back"}}`)
	chatEnv := readEnvelope(t, bob)
	require.Equal(t, MessageTypeChatMessage, chatEnv.Type)

	var payload ChatMessagePayload
	require.NoError(t, json.Unmarshal(chatEnv.Payload, &payload))
	assert.Equal(t, "welcome back", payload.Text)
}

func TestRESTSessionEndpoints(t *testing.T) {
	ts, _ := setupTestServer(t)

	conn, _ := dialAndJoin(t, ts, "lesson-1", "u1", "Amina")
	writeEnvelope(t, conn, `{"type":"chat_message","session_id":"lesson-1","payload":{"text":"hello"}}`)

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/sessions/lesson-1/messages")
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		var history []ChatEntry
		if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
			return false
		}
		return len(history) == 1
	}, 2*time.Second, 20*time.Millisecond)

	t.Run("ListSessions", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/sessions")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var list []SessionSummary
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
		require.Len(t, list, 1)
		assert.Equal(t, "lesson-1", list[0].ID)
		assert.Equal(t, 1, list[0].ParticipantCount)
	})

	t.Run("GetSession", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/sessions/lesson-1")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var detail SessionDetail
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
		assert.Equal(t, "lesson-1", detail.ID)
		require.Len(t, detail.Participants, 1)
		assert.Equal(t, "Amina", detail.Participants[0].User.Name)
	})

	t.Run("GetUnknownSession", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/sessions/nope")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("DeleteSession", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/sessions/lesson-1", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp2, err := http.Get(ts.URL + "/sessions/lesson-1")
		require.NoError(t, err)
		defer func() { _ = resp2.Body.Close() }()
		assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
	})
}

func TestHealthAndMetricsOutsideAuthGate(t *testing.T) {
	ts, _ := setupTestServer(t, func(cfg *config.Config) {
		cfg.Auth.JWTSecret = "test-secret"
	})

	for _, path := range []string{"/health", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestAuthGate(t *testing.T) {
	const secret = "test-secret"
	ts, _ := setupTestServer(t, func(cfg *config.Config) {
		cfg.Auth.JWTSecret = secret
	})

	t.Run("MissingTokenRejected", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/sessions")
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("InvalidTokenRejected", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/sessions", nil)
		req.Header.Set("Authorization", "Bearer not-a-token")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("ValidTokenAccepted", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub":  "u1",
			"name": "Amina",
			"exp":  time.Now().Add(time.Hour).Unix(),
		})
		signed, err := token.SignedString([]byte(secret))
		require.NoError(t, err)

		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/sessions", nil)
		req.Header.Set("Authorization", "Bearer "+signed)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("QueryTokenAcceptedForWebSocket", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub":  "u9",
			"name": "Neema",
			"exp":  time.Now().Add(time.Hour).Unix(),
		})
		signed, err := token.SignedString([]byte(secret))
		require.NoError(t, err)

		u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/session/lesson-9?token=" + signed
		conn, _, err := websocket.DefaultDialer.Dial(u, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		writeEnvelope(t, conn, `{"type":"join","session_id":"lesson-9"}`)
		env := readEnvelope(t, conn)
		require.Equal(t, MessageTypeSync, env.Type)
		var sync SyncPayload
		require.NoError(t, json.Unmarshal(env.Payload, &sync))
		require.Len(t, sync.Participants, 1)
		assert.Equal(t, "u9", sync.Participants[0].User.ID)
		assert.Equal(t, "Neema", sync.Participants[0].User.Name)
	})
}
