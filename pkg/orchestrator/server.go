package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/nooble-ai/nooble/pkg/actions"
	"github.com/nooble-ai/nooble/pkg/models"
	"github.com/nooble-ai/nooble/pkg/transport"
	"github.com/nooble-ai/nooble/pkg/wsmanager"
)

// ConfigSource resolves agent configurations. configcache.Handler
// satisfies it.
type ConfigSource interface {
	GetAgentConfigs(ctx context.Context, agentID string) (*models.AgentConfigs, error)
}

// Bus is the transport surface used by the orchestrator.
type Bus interface {
	Publish(ctx context.Context, a *actions.DomainAction) (string, error)
	PublishWithCallback(ctx context.Context, a *actions.DomainAction, event string) (string, error)
}

// HealthCheck probes one external dependency.
type HealthCheck func(ctx context.Context) error

// ConsumerStatus exposes a stream consumer's counters to the health
// endpoints.
type ConsumerStatus interface {
	Health() transport.ConsumerHealth
}

// Server is the orchestrator HTTP surface: the chat REST API, the chat
// WebSocket, and the health endpoints.
type Server struct {
	echo          *echo.Echo
	sessions      *SessionStore
	configs       ConfigSource
	bus           Bus
	ws            *wsmanager.Manager
	streamer      *Streamer
	publicBaseURL string
	log           *slog.Logger

	checks    map[string]HealthCheck
	consumers map[string]ConsumerStatus

	srv *http.Server
}

// NewServer wires the routes.
func NewServer(sessions *SessionStore, configs ConfigSource, bus Bus, ws *wsmanager.Manager, streamer *Streamer, publicBaseURL string) *Server {
	s := &Server{
		echo:          echo.New(),
		sessions:      sessions,
		configs:       configs,
		bus:           bus,
		ws:            ws,
		streamer:      streamer,
		publicBaseURL: publicBaseURL,
		log:           slog.With("component", "orchestrator-api"),
		checks:        make(map[string]HealthCheck),
		consumers:     make(map[string]ConsumerStatus),
	}

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/health/detailed", s.healthDetailedHandler)
	s.echo.GET("/health/metrics", s.healthMetricsHandler)
	s.echo.GET("/ws/chat/:session_id", s.chatWSHandler)

	api := s.echo.Group("/api/v1")
	api.POST("/chat/init", s.initHandler)
	api.GET("/chat/session/:session_id/status", s.sessionStatusHandler)
	api.POST("/chat/session/:session_id/task", s.newTaskHandler)
	api.DELETE("/chat/session/:session_id", s.deleteSessionHandler)

	return s
}

// RegisterHealthCheck adds a named dependency probe for /health/detailed.
func (s *Server) RegisterHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

// RegisterConsumer adds a stream consumer to the health endpoints.
func (s *Server) RegisterConsumer(name string, c ConsumerStatus) {
	s.consumers[name] = c
}

// Handler exposes the routing tree for tests and for embedding into a
// shared listener.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves HTTP on addr, blocking until shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("Orchestrator API listening", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// InitRequest is the POST /chat/init body.
type InitRequest struct {
	AgentID  string         `json:"agent_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// InitResponse is the POST /chat/init reply.
type InitResponse struct {
	SessionID    string `json:"session_id"`
	TaskID       string `json:"task_id"`
	WebSocketURL string `json:"websocket_url"`
	AgentName    string `json:"agent_name"`
}

// initHandler creates a session for a public chat visitor. The session
// adopts the agent owner's tenant; visitors have no tenant of their own.
func (s *Server) initHandler(c *echo.Context) error {
	var req InitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id is required")
	}

	configs, err := s.configs.GetAgentConfigs(c.Request().Context(), req.AgentID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) || models.IsValidationError(err) {
			return echo.NewHTTPError(http.StatusNotFound, "agent not found")
		}
		s.log.Error("Agent resolution failed", "agent_id", req.AgentID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	now := time.Now().UTC()
	session := &models.Session{
		SessionID:    uuid.New().String(),
		TenantID:     configs.TenantID,
		AgentID:      req.AgentID,
		SessionType:  models.SessionTypeChat,
		LastActivity: now,
		CreatedAt:    now,
		Metadata:     req.Metadata,
	}
	if err := s.sessions.Create(c.Request().Context(), session); err != nil {
		s.log.Error("Session creation failed", "agent_id", req.AgentID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	s.log.Info("Session created",
		"session_id", session.SessionID, "agent_id", req.AgentID, "tenant_id", session.TenantID)
	return c.JSON(http.StatusOK, InitResponse{
		SessionID:    session.SessionID,
		TaskID:       uuid.New().String(),
		WebSocketURL: s.publicBaseURL + "/ws/chat/" + session.SessionID,
		AgentName:    configs.AgentName,
	})
}

func (s *Server) sessionStatusHandler(c *echo.Context) error {
	session, err := s.sessions.Get(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return mapSessionError(err)
	}
	return c.JSON(http.StatusOK, session.Summary())
}

// newTaskHandler pre-allocates a task id for clients that want it before
// sending the message.
func (s *Server) newTaskHandler(c *echo.Context) error {
	session, err := s.sessions.Get(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return mapSessionError(err)
	}
	if session.SessionType != models.SessionTypeChat {
		return echo.NewHTTPError(http.StatusBadRequest, "session does not accept chat tasks")
	}

	if _, err := s.sessions.Update(c.Request().Context(), session.SessionID, func(sess *models.Session) {
		sess.TotalTasks++
	}); err != nil {
		return mapSessionError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"task_id":    uuid.New().String(),
		"session_id": session.SessionID,
		"created_at": time.Now().UTC(),
	})
}

func (s *Server) deleteSessionHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	session, err := s.sessions.Get(ctx, c.Param("session_id"))
	if err != nil {
		return mapSessionError(err)
	}

	s.notifySessionClosed(ctx, &session, "client_request")
	if err := s.sessions.Delete(ctx, session.SessionID); err != nil {
		s.log.Error("Session deletion failed", "session_id", session.SessionID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	s.log.Info("Session deleted", "session_id", session.SessionID)
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// notifySessionClosed fires the conversation-service close. Log and
// swallow: closing is best effort, and sessions without a completed turn
// have no conversation to close.
func (s *Server) notifySessionClosed(ctx context.Context, session *models.Session, reason string) {
	conversationID, _ := session.Metadata["conversation_id"].(string)

	a := actions.New(actions.TypeConversationClosed, actions.ServiceOrchestrator)
	a.TenantID = session.TenantID
	a.SessionID = session.SessionID
	a.AgentID = session.AgentID
	a.UserID = session.UserID
	if _, err := a.WithPayload(&actions.SessionClosedPayload{
		ConversationID: conversationID,
		Reason:         reason,
	}); err != nil {
		s.log.Warn("session.closed payload encoding failed", "error", err)
		return
	}
	if _, err := s.bus.Publish(ctx, a); err != nil {
		s.log.Warn("session.closed dispatch failed",
			"session_id", session.SessionID, "error", err)
	}
}

func mapSessionError(err error) *echo.HTTPError {
	if errors.Is(err, models.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	slog.Error("Unexpected session store error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":             "healthy",
		"service":            "orchestrator",
		"sessions":           s.sessions.Count(),
		"active_connections": s.ws.ActiveConnections(),
	})
}

// healthDetailedHandler probes every registered dependency. Any failure
// degrades the overall status and the endpoint answers 503 so load
// balancers can rotate the pod out.
func (s *Server) healthDetailedHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dependencies := make(map[string]any, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = "degraded"
			dependencies[name] = map[string]string{"status": "unhealthy", "error": err.Error()}
			continue
		}
		dependencies[name] = map[string]string{"status": "healthy"}
	}

	consumers := make(map[string]transport.ConsumerHealth, len(s.consumers))
	for name, consumer := range s.consumers {
		consumers[name] = consumer.Health()
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]any{
		"status":       status,
		"service":      "orchestrator",
		"dependencies": dependencies,
		"consumers":    consumers,
	})
}

func (s *Server) healthMetricsHandler(c *echo.Context) error {
	var processed, failed int
	for _, consumer := range s.consumers {
		h := consumer.Health()
		processed += h.ActionsProcessed
		failed += h.ActionsFailed
	}
	return c.JSON(http.StatusOK, map[string]any{
		"actions_processed":  processed,
		"actions_failed":     failed,
		"sessions":           s.sessions.Count(),
		"active_connections": s.ws.ActiveConnections(),
	})
}
