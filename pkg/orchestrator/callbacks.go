package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nooble-ai/nooble/pkg/actions"
	"github.com/nooble-ai/nooble/pkg/models"
	"github.com/nooble-ai/nooble/pkg/wsmanager"
)

// CallbackHandler consumes the orchestrator's callback stream and relays
// results to the session's WebSocket clients.
type CallbackHandler struct {
	sessions *SessionStore
	ws       *wsmanager.Manager
	streamer *Streamer
	log      *slog.Logger
}

// NewCallbackHandler wires the callback consumer.
func NewCallbackHandler(sessions *SessionStore, ws *wsmanager.Manager, streamer *Streamer) *CallbackHandler {
	return &CallbackHandler{
		sessions: sessions,
		ws:       ws,
		streamer: streamer,
		log:      slog.With("component", "orchestrator-callbacks"),
	}
}

// HandleAction processes orchestrator.chat.response and
// orchestrator.chat.error.
func (h *CallbackHandler) HandleAction(ctx context.Context, a *actions.DomainAction) error {
	switch a.ActionType {
	case actions.TypeChatResponse:
		return h.handleResponse(ctx, a)
	case actions.TypeChatError:
		return h.handleError(ctx, a)
	}
	h.log.Warn("Unsupported callback dropped",
		"action_id", a.ActionID, "action_type", a.ActionType)
	return nil
}

// handleResponse delivers a completed chat turn. A callback whose task_id
// no longer matches active_task_id is stale: a newer message owns the
// session. Stale results skip pseudo-streaming but the final frame is still
// delivered, since the channel is keyed by session_id.
func (h *CallbackHandler) handleResponse(ctx context.Context, a *actions.DomainAction) error {
	log := h.log.With("action_id", a.ActionID, "task_id", a.TaskID, "session_id", a.SessionID)

	var payload actions.ChatResponsePayload
	if err := a.DecodeInto(&payload); err != nil {
		log.Error("Malformed chat response dropped", "error", err)
		return nil
	}

	stale := false
	session, err := h.sessions.Get(ctx, a.SessionID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		log.Warn("Callback for evicted session, delivering anyway")
	case err != nil:
		log.Warn("Session lookup failed", "error", err)
	default:
		stale = session.ActiveTaskID != a.TaskID
		if _, err := h.sessions.Update(ctx, a.SessionID, func(sess *models.Session) {
			if sess.ActiveTaskID == a.TaskID {
				sess.ActiveTaskID = ""
			}
			if sess.Metadata == nil {
				sess.Metadata = make(map[string]any)
			}
			sess.Metadata["conversation_id"] = payload.Response.ConversationID
		}); err != nil {
			log.Warn("Session update failed", "error", err)
		}
	}

	if stale {
		log.Info("Stale callback, streaming suppressed")
		h.ws.Broadcast(a.SessionID, wsFrame("chat_response", map[string]any{
			"task_id":  a.TaskID,
			"response": &payload.Response,
		}))
		return nil
	}

	h.streamer.Deliver(ctx, a.SessionID, a.TaskID, &payload.Response)
	log.Info("Chat response delivered",
		"conversation_id", payload.Response.ConversationID,
		"total_tokens", payload.Response.Usage.TotalTokens)
	return nil
}

func (h *CallbackHandler) handleError(ctx context.Context, a *actions.DomainAction) error {
	log := h.log.With("action_id", a.ActionID, "task_id", a.TaskID, "session_id", a.SessionID)

	var payload actions.ErrorPayload
	if err := a.DecodeInto(&payload); err != nil {
		log.Error("Malformed chat error dropped", "error", err)
		return nil
	}

	if _, err := h.sessions.Update(ctx, a.SessionID, func(sess *models.Session) {
		if sess.ActiveTaskID == a.TaskID {
			sess.ActiveTaskID = ""
		}
		if sess.Metadata == nil {
			sess.Metadata = make(map[string]any)
		}
		sess.Metadata["last_error"] = payload.Message
	}); err != nil && !errors.Is(err, models.ErrNotFound) {
		log.Warn("Session update failed", "error", err)
	}

	h.ws.Broadcast(a.SessionID, wsFrame("chat_error", ErrorFrame{
		TaskID:    a.TaskID,
		ErrorType: payload.ErrorType,
		Message:   payload.Message,
		Details:   payload.Details,
	}))
	log.Info("Chat error delivered", "error_type", payload.ErrorType)
	return nil
}
