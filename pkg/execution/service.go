package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nooble-ai/nooble/pkg/actions"
	"github.com/nooble-ai/nooble/pkg/config"
	"github.com/nooble-ai/nooble/pkg/models"
)

// pendingTTL bounds how long a dispatched query may take before its turn
// state expires.
const pendingTTL = 10 * time.Minute

// Bus is the transport surface used by the execution service.
type Bus interface {
	Publish(ctx context.Context, a *actions.DomainAction) (string, error)
	PublishWithCallback(ctx context.Context, a *actions.DomainAction, event string) (string, error)
	PublishReply(ctx context.Context, reply *actions.DomainAction) (string, error)
}

// pendingTurn is the state parked between query dispatch and its callback.
// Stored in Redis so any pod can finish the turn.
type pendingTurn struct {
	TaskID             string         `json:"task_id"`
	TenantID           string         `json:"tenant_id"`
	SessionID          string         `json:"session_id"`
	AgentID            string         `json:"agent_id"`
	UserID             string         `json:"user_id,omitempty"`
	CallbackActionType string         `json:"callback_action_type"`
	CorrelationID      string         `json:"correlation_id,omitempty"`
	TraceID            string         `json:"trace_id,omitempty"`
	ConversationID     string         `json:"conversation_id"`
	UserMessage        models.Message `json:"user_message"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	HistoryTTLSeconds  int            `json:"history_ttl_seconds"`
	StartedAt          time.Time      `json:"started_at"`
	Cancelled          bool           `json:"cancelled,omitempty"`
}

// Service is the execution worker.
type Service struct {
	history  *HistoryStore
	rdb      Cache
	bus      Bus
	env      string
	defaults config.SessionConfig
	log      *slog.Logger
}

// NewService wires the execution worker.
func NewService(history *HistoryStore, rdb Cache, bus Bus, env string, defaults config.SessionConfig) *Service {
	return &Service{
		history:  history,
		rdb:      rdb,
		bus:      bus,
		env:      env,
		defaults: defaults,
		log:      slog.With("component", "execution"),
	}
}

// HandleAction dispatches the execution action types: the two chat modes,
// the query callback, and advisory cancellation.
func (s *Service) HandleAction(ctx context.Context, a *actions.DomainAction) error {
	switch a.ActionType {
	case actions.TypeChatSimple, actions.TypeChatAdvance:
		return s.handleChat(ctx, a)
	case actions.TypeQueryResult:
		return s.handleQueryResult(ctx, a)
	case actions.TypeTaskCancel:
		return s.handleCancel(ctx, a)
	}
	return models.NewValidationError("action_type", "unsupported: "+a.ActionType)
}

// handleChat integrates history with the inbound messages and dispatches
// the query service, parking the turn until the callback arrives.
func (s *Service) handleChat(ctx context.Context, a *actions.DomainAction) error {
	log := s.log.With("action_id", a.ActionID, "task_id", a.TaskID,
		"tenant_id", a.TenantID, "session_id", a.SessionID, "agent_id", a.AgentID)

	var payload actions.ChatPayload
	if err := a.DecodeInto(&payload); err != nil {
		return s.replyChatError(ctx, a, "validation", err)
	}
	userMsg, ok := lastUser(payload.Messages)
	if !ok {
		return s.replyChatError(ctx, a, "validation",
			models.NewValidationError("messages", "no user message found"))
	}

	ttl := s.defaults.HistoryTTL
	maxLen := s.defaults.MaxHistoryLength
	if ec := a.ExecutionConfig; ec != nil {
		if ec.HistoryTTLSeconds > 0 {
			ttl = time.Duration(ec.HistoryTTLSeconds) * time.Second
		}
		if ec.MaxHistoryLength > 0 {
			maxLen = ec.MaxHistoryLength
		}
	}

	history, err := s.history.Get(ctx, a.TenantID, a.SessionID, a.AgentID)
	if err != nil {
		// A cold history is better than a failed turn.
		log.Warn("History load failed, continuing without", "error", err)
		history = &models.ConversationHistory{
			ConversationID: a.SessionID,
			TenantID:       a.TenantID,
			SessionID:      a.SessionID,
			AgentID:        a.AgentID,
		}
	}

	integrated := integrate(history.Messages, maxLen, payload.Messages)

	pending := &pendingTurn{
		TaskID:             a.TaskID,
		TenantID:           a.TenantID,
		SessionID:          a.SessionID,
		AgentID:            a.AgentID,
		UserID:             a.UserID,
		CallbackActionType: a.CallbackActionType,
		CorrelationID:      a.CorrelationID,
		TraceID:            a.TraceID,
		ConversationID:     history.ConversationID,
		UserMessage:        userMsg,
		Metadata:           a.Metadata,
		HistoryTTLSeconds:  int(ttl.Seconds()),
		StartedAt:          time.Now().UTC(),
	}
	if err := s.savePending(ctx, pending); err != nil {
		return s.replyChatError(ctx, a, "internal", err)
	}

	qa := actions.New(actions.TypeQueryGenerateSimple, actions.ServiceExecution)
	qa.TenantID = a.TenantID
	qa.SessionID = a.SessionID
	qa.TaskID = a.TaskID
	qa.AgentID = a.AgentID
	qa.UserID = a.UserID
	qa.CorrelationID = a.CorrelationID
	qa.TraceID = a.TraceID
	qa.QueryConfig = a.QueryConfig
	qa.RAGConfig = a.RAGConfig
	if _, err := qa.WithPayload(&actions.QueryPayload{Messages: integrated}); err != nil {
		return s.replyChatError(ctx, a, "internal", err)
	}
	if _, err := s.bus.PublishWithCallback(ctx, qa, "query_response"); err != nil {
		log.Error("Query dispatch failed", "error", err)
		return s.replyChatError(ctx, a, "dispatch", err)
	}

	log.Info("Chat turn dispatched",
		"mode", a.ActionType, "history_messages", len(history.Messages),
		"integrated_messages", len(integrated))
	return nil
}

// handleQueryResult finishes a parked turn: assemble the chat response,
// update history, persist the exchange asynchronously, and answer the
// orchestrator.
func (s *Service) handleQueryResult(ctx context.Context, a *actions.DomainAction) error {
	log := s.log.With("action_id", a.ActionID, "task_id", a.TaskID, "session_id", a.SessionID)

	pending, err := s.loadPending(ctx, a.TaskID)
	if errors.Is(err, models.ErrNotFound) {
		log.Warn("Query result for unknown turn dropped", "task_id", a.TaskID)
		return nil
	}
	if err != nil {
		return err
	}
	defer s.deletePending(ctx, a.TaskID)

	var result actions.QueryResultPayload
	if err := a.DecodeInto(&result); err != nil {
		return s.publishChatError(ctx, pending, "internal", err.Error())
	}
	if result.Error != "" {
		errorType := result.ErrorType
		if errorType == "" {
			errorType = "generation"
		}
		return s.publishChatError(ctx, pending, errorType, result.Error)
	}

	assistant := models.Message{
		Role:      models.RoleAssistant,
		Content:   result.Content,
		Timestamp: time.Now().UTC(),
	}
	sources := result.Sources
	if sources == nil {
		sources = []string{}
	}

	response := models.ChatResponse{
		Message:         assistant,
		Usage:           result.Usage,
		ConversationID:  pending.ConversationID,
		Sources:         sources,
		ExecutionTimeMS: time.Since(pending.StartedAt).Milliseconds(),
		Metadata:        pending.Metadata,
	}

	s.appendHistory(ctx, pending, assistant)
	s.persistExchange(ctx, pending, assistant)

	reply := actions.New(pending.CallbackActionType, actions.ServiceExecution)
	reply.TenantID = pending.TenantID
	reply.SessionID = pending.SessionID
	reply.TaskID = pending.TaskID
	reply.AgentID = pending.AgentID
	reply.UserID = pending.UserID
	reply.CorrelationID = pending.CorrelationID
	reply.TraceID = pending.TraceID
	if _, err := reply.WithPayload(&actions.ChatResponsePayload{Response: response}); err != nil {
		return fmt.Errorf("encoding chat response for task %s: %w", pending.TaskID, err)
	}
	if _, err := s.bus.PublishReply(ctx, reply); err != nil {
		return fmt.Errorf("publishing chat response for task %s: %w", pending.TaskID, err)
	}

	log.Info("Chat turn completed",
		"conversation_id", pending.ConversationID,
		"total_tokens", result.Usage.TotalTokens,
		"sources", len(sources),
		"execution_time_ms", response.ExecutionTimeMS,
		"cancelled", pending.Cancelled)
	return nil
}

// handleCancel marks a parked turn as cancelled. Advisory: the in-flight
// provider call drains and its callback is still delivered.
func (s *Service) handleCancel(ctx context.Context, a *actions.DomainAction) error {
	pending, err := s.loadPending(ctx, a.TaskID)
	if errors.Is(err, models.ErrNotFound) {
		s.log.Info("Cancel for unknown task ignored", "task_id", a.TaskID)
		return nil
	}
	if err != nil {
		return err
	}
	pending.Cancelled = true
	if err := s.savePending(ctx, pending); err != nil {
		return err
	}
	s.log.Info("Task marked cancelled", "task_id", a.TaskID, "session_id", pending.SessionID)
	return nil
}

// appendHistory records the exchange in the cached history. Failures are
// logged; the turn still completes.
func (s *Service) appendHistory(ctx context.Context, pending *pendingTurn, assistant models.Message) {
	history, err := s.history.Get(ctx, pending.TenantID, pending.SessionID, pending.AgentID)
	if err != nil {
		s.log.Warn("History load failed, exchange not cached",
			"session_id", pending.SessionID, "error", err)
		return
	}
	history.ConversationID = pending.ConversationID
	history.Messages = append(history.Messages, pending.UserMessage, assistant)

	ttl := time.Duration(pending.HistoryTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = s.defaults.HistoryTTL
	}
	if err := s.history.Save(ctx, history, ttl); err != nil {
		s.log.Warn("History save failed",
			"session_id", pending.SessionID, "error", err)
	}
}

// persistExchange fires the conversation-service write. Log and swallow:
// durable persistence is best effort by contract.
func (s *Service) persistExchange(ctx context.Context, pending *pendingTurn, assistant models.Message) {
	a := actions.New(actions.TypeConversationMessage, actions.ServiceExecution)
	a.TenantID = pending.TenantID
	a.SessionID = pending.SessionID
	a.TaskID = pending.TaskID
	a.AgentID = pending.AgentID
	a.UserID = pending.UserID
	a.CorrelationID = pending.CorrelationID
	a.TraceID = pending.TraceID
	if _, err := a.WithPayload(&actions.ConversationMessagePayload{
		ConversationID: pending.ConversationID,
		UserMessage:    pending.UserMessage,
		AgentMessage:   assistant,
		Metadata:       pending.Metadata,
	}); err != nil {
		s.log.Warn("Conversation payload encoding failed", "error", err)
		return
	}
	if _, err := s.bus.Publish(ctx, a); err != nil {
		s.log.Warn("Conversation persistence dispatch failed",
			"conversation_id", pending.ConversationID, "error", err)
	}
}

// replyChatError answers a chat action that failed before dispatch.
func (s *Service) replyChatError(ctx context.Context, a *actions.DomainAction, errorType string, cause error) error {
	pending := &pendingTurn{
		TaskID:             a.TaskID,
		TenantID:           a.TenantID,
		SessionID:          a.SessionID,
		AgentID:            a.AgentID,
		UserID:             a.UserID,
		CallbackActionType: a.CallbackActionType,
		CorrelationID:      a.CorrelationID,
		TraceID:            a.TraceID,
	}
	return s.publishChatError(ctx, pending, errorType, cause.Error())
}

// publishChatError sends orchestrator.chat.error for a turn.
func (s *Service) publishChatError(ctx context.Context, pending *pendingTurn, errorType, message string) error {
	if pending.CallbackActionType == "" {
		s.log.Warn("Chat error with no callback dropped",
			"task_id", pending.TaskID, "error_type", errorType, "message", message)
		return nil
	}

	reply := actions.New(actions.TypeChatError, actions.ServiceExecution)
	reply.TenantID = pending.TenantID
	reply.SessionID = pending.SessionID
	reply.TaskID = pending.TaskID
	reply.AgentID = pending.AgentID
	reply.UserID = pending.UserID
	reply.CorrelationID = pending.CorrelationID
	reply.TraceID = pending.TraceID
	if _, err := reply.WithPayload(&actions.ErrorPayload{
		ErrorType: errorType,
		Message:   message,
	}); err != nil {
		return err
	}
	if _, err := s.bus.PublishReply(ctx, reply); err != nil {
		return fmt.Errorf("publishing chat error for task %s: %w", pending.TaskID, err)
	}
	return nil
}

func (s *Service) pendingKey(taskID string) string {
	return fmt.Sprintf("nooble:%s:execution:pending:%s", s.env, taskID)
}

func (s *Service) savePending(ctx context.Context, pending *pendingTurn) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.pendingKey(pending.TaskID), data, pendingTTL).Err(); err != nil {
		return models.NewExternalServiceError("redis", true, err)
	}
	return nil
}

func (s *Service) loadPending(ctx context.Context, taskID string) (*pendingTurn, error) {
	data, err := s.rdb.Get(ctx, s.pendingKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("pending turn %s: %w", taskID, models.ErrNotFound)
	}
	if err != nil {
		return nil, models.NewExternalServiceError("redis", true, err)
	}
	var pending pendingTurn
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, err
	}
	return &pending, nil
}

func (s *Service) deletePending(ctx context.Context, taskID string) {
	if err := s.rdb.Del(ctx, s.pendingKey(taskID)).Err(); err != nil {
		s.log.Warn("Failed to delete pending turn", "task_id", taskID, "error", err)
	}
}

func lastUser(messages []models.Message) (models.Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return messages[i], true
		}
	}
	return models.Message{}, false
}
