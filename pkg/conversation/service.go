// Package conversation persists chat exchanges durably. It consumes the
// fire-and-forget actions the execution and orchestrator services publish.
package conversation

import (
	"context"
	"log/slog"

	"github.com/nooble-ai/nooble/pkg/actions"
	"github.com/nooble-ai/nooble/pkg/models"
)

// Store is the metadata surface the worker writes through.
type Store interface {
	SaveExchange(ctx context.Context, conversationID, tenantID, sessionID, agentID, userID string, userMsg, agentMsg models.Message, metadata map[string]any) error
	CloseConversation(ctx context.Context, conversationID, reason string) error
}

// Service is the conversation worker.
type Service struct {
	store Store
	log   *slog.Logger
}

// NewService wires the conversation worker.
func NewService(store Store) *Service {
	return &Service{store: store, log: slog.With("component", "conversation")}
}

// HandleAction processes persistence actions. Failures are logged and
// swallowed: no publisher waits on a callback, and durable persistence is
// best effort by contract, so redelivery would only repeat the failure.
func (s *Service) HandleAction(ctx context.Context, a *actions.DomainAction) error {
	switch a.ActionType {
	case actions.TypeConversationMessage:
		s.saveExchange(ctx, a)
	case actions.TypeConversationClosed:
		s.closeConversation(ctx, a)
	default:
		s.log.Warn("Unsupported action dropped",
			"action_id", a.ActionID, "action_type", a.ActionType)
	}
	return nil
}

func (s *Service) saveExchange(ctx context.Context, a *actions.DomainAction) {
	var payload actions.ConversationMessagePayload
	if err := a.DecodeInto(&payload); err != nil {
		s.log.Error("Malformed message.create payload dropped",
			"action_id", a.ActionID, "error", err)
		return
	}
	if payload.ConversationID == "" {
		s.log.Error("message.create without conversation_id dropped",
			"action_id", a.ActionID, "session_id", a.SessionID)
		return
	}

	err := s.store.SaveExchange(ctx,
		payload.ConversationID, a.TenantID, a.SessionID, a.AgentID, a.UserID,
		payload.UserMessage, payload.AgentMessage, payload.Metadata)
	if err != nil {
		s.log.Error("Exchange persistence failed",
			"conversation_id", payload.ConversationID,
			"tenant_id", a.TenantID, "session_id", a.SessionID, "error", err)
		return
	}
	s.log.Info("Exchange persisted",
		"conversation_id", payload.ConversationID,
		"tenant_id", a.TenantID, "session_id", a.SessionID)
}

func (s *Service) closeConversation(ctx context.Context, a *actions.DomainAction) {
	var payload actions.SessionClosedPayload
	if err := a.DecodeInto(&payload); err != nil {
		s.log.Error("Malformed session.closed payload dropped",
			"action_id", a.ActionID, "error", err)
		return
	}
	if payload.ConversationID == "" {
		// Sessions without a single completed turn never mint a conversation.
		s.log.Info("session.closed without conversation_id ignored",
			"session_id", a.SessionID)
		return
	}

	if err := s.store.CloseConversation(ctx, payload.ConversationID, payload.Reason); err != nil {
		s.log.Error("Conversation close failed",
			"conversation_id", payload.ConversationID, "error", err)
		return
	}
	s.log.Info("Conversation closed",
		"conversation_id", payload.ConversationID, "reason", payload.Reason)
}
