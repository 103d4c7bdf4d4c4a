package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/nooble-ai/nooble/pkg/actions"
	"github.com/nooble-ai/nooble/pkg/models"
	"github.com/nooble-ai/nooble/pkg/wsmanager"
)

// ErrorFrame is the chat_error frame body.
type ErrorFrame struct {
	TaskID    string         `json:"task_id,omitempty"`
	ErrorType string         `json:"error_type"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// chatWSHandler upgrades GET /ws/chat/:session_id and serves the duplex
// chat channel until the client disconnects.
func (s *Server) chatWSHandler(c *echo.Context) error {
	sessionID := c.Param("session_id")
	if _, err := s.sessions.Get(c.Request().Context(), sessionID); err != nil {
		return mapSessionError(err)
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	s.ws.HandleConnection(c.Request().Context(), conn, sessionID, wsmanager.Hooks{
		OnConnect: func(ctx context.Context, wc *wsmanager.Connection) {
			if _, err := s.sessions.Update(ctx, sessionID, func(sess *models.Session) {
				sess.WebSocketConnected = true
				sess.ConnectionID = wc.ID
			}); err != nil {
				s.log.Warn("Session connect update failed", "session_id", sessionID, "error", err)
			}
		},
		OnFrame: func(ctx context.Context, wc *wsmanager.Connection, f *wsmanager.Frame) {
			if f.Type != "chat_message" {
				s.log.Warn("Unsupported chat frame dropped",
					"session_id", sessionID, "frame_type", f.Type)
				return
			}
			s.handleChatMessage(ctx, sessionID, wc, f.Data)
		},
	})

	// Best effort; the session may already be evicted.
	if _, err := s.sessions.Update(context.Background(), sessionID, func(sess *models.Session) {
		sess.WebSocketConnected = false
		sess.ConnectionID = ""
	}); err != nil {
		s.log.Debug("Session disconnect update skipped", "session_id", sessionID, "error", err)
	}
	return nil
}

// handleChatMessage processes one inbound chat_message frame: mint a task,
// resolve the agent's configs, acknowledge with chat_processing, and
// dispatch the execution service.
func (s *Server) handleChatMessage(ctx context.Context, sessionID string, wc *wsmanager.Connection, data json.RawMessage) {
	var req models.ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(wc, "", "validation", "malformed chat_message payload")
		return
	}
	if len(req.Messages) == 0 {
		s.sendError(wc, "", "validation", "messages must not be empty")
		return
	}

	taskID := uuid.New().String()
	session, err := s.sessions.Update(ctx, sessionID, func(sess *models.Session) {
		sess.ActiveTaskID = taskID
		sess.TotalTasks++
	})
	if err != nil {
		s.sendError(wc, taskID, "session", "session no longer exists")
		return
	}

	configs, err := s.configs.GetAgentConfigs(ctx, session.AgentID)
	if err != nil {
		s.log.Error("Agent resolution failed",
			"session_id", sessionID, "agent_id", session.AgentID, "error", err)
		s.sendError(wc, taskID, "config", "agent configuration unavailable")
		s.clearActiveTask(ctx, sessionID, taskID)
		return
	}

	mode := actions.TypeChatSimple
	if len(req.Tools) > 0 {
		mode = actions.TypeChatAdvance
	}

	s.ws.SendJSON(wc, wsFrame("chat_processing", map[string]string{"task_id": taskID}))

	a := actions.New(mode, actions.ServiceOrchestrator)
	a.TenantID = session.TenantID
	a.SessionID = sessionID
	a.TaskID = taskID
	a.AgentID = session.AgentID
	a.UserID = session.UserID
	a.ExecutionConfig = configs.ExecutionConfig
	a.QueryConfig = configs.QueryConfig
	a.RAGConfig = configs.RAGConfig
	a.Metadata = req.Metadata
	if _, err := a.WithPayload(&actions.ChatPayload{Messages: req.Messages, Tools: req.Tools}); err != nil {
		s.sendError(wc, taskID, "internal", "failed to encode chat request")
		s.clearActiveTask(ctx, sessionID, taskID)
		return
	}
	if _, err := s.bus.PublishWithCallback(ctx, a, "chat.response"); err != nil {
		s.log.Error("Chat dispatch failed",
			"session_id", sessionID, "task_id", taskID, "error", err)
		s.sendError(wc, taskID, "dispatch", "failed to dispatch chat request")
		s.clearActiveTask(ctx, sessionID, taskID)
		return
	}

	s.log.Info("Chat message dispatched",
		"session_id", sessionID, "task_id", taskID, "mode", mode,
		"messages", len(req.Messages))
}

func (s *Server) sendError(wc *wsmanager.Connection, taskID, errorType, message string) {
	s.ws.SendJSON(wc, wsFrame("chat_error", ErrorFrame{
		TaskID:    taskID,
		ErrorType: errorType,
		Message:   message,
	}))
}

// clearActiveTask resets active_task_id only if it still points at taskID;
// a newer message may already own the slot.
func (s *Server) clearActiveTask(ctx context.Context, sessionID, taskID string) {
	if _, err := s.sessions.Update(ctx, sessionID, func(sess *models.Session) {
		if sess.ActiveTaskID == taskID {
			sess.ActiveTaskID = ""
		}
	}); err != nil {
		s.log.Warn("Active task clear failed",
			"session_id", sessionID, "task_id", taskID, "error", err)
	}
}
