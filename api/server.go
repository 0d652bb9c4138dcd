package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/watoto/collab/internal/config"
)

// Server wires the session registry, message router, gateway, and REST
// handlers together and registers them on a Gin engine.
type Server struct {
	registry *SessionRegistry
	gateway  *Gateway
	handlers *SessionHandlers
	cfg      *config.Config
}

// NewServer builds the collaboration server from configuration
func NewServer(cfg *config.Config) *Server {
	registry := NewSessionRegistry(cfg.Session)
	router := NewMessageRouter()
	return &Server{
		registry: registry,
		gateway:  NewGateway(registry, router, cfg.WebSocket),
		handlers: NewSessionHandlers(registry),
		cfg:      cfg,
	}
}

// Registry exposes the session registry, primarily for tests and tooling
func (s *Server) Registry() *SessionRegistry {
	return s.registry
}

// RegisterHandlers attaches all routes to the engine. Health and metrics stay
// outside the auth gate so health checks and scrapers need no token.
func (s *Server) RegisterHandlers(r *gin.Engine) {
	r.GET("/health", s.handlers.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := r.Group("/", AuthMiddleware(s.cfg.Auth.JWTSecret))
	authed.GET("/ws/session/:session_id", s.gateway.HandleWS)
	authed.GET("/sessions", s.handlers.ListSessions)
	authed.GET("/sessions/:session_id", s.handlers.GetSession)
	authed.GET("/sessions/:session_id/messages", s.handlers.GetSessionMessages)
	authed.DELETE("/sessions/:session_id", s.handlers.DeleteSession)
}

// StartCleanup runs the registry's periodic eviction until ctx is done
func (s *Server) StartCleanup(ctx context.Context) {
	s.registry.StartCleanupTimer(ctx)
}
