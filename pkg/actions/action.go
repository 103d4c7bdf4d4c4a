// Package actions defines the DomainAction envelope — the only
// inter-service message — together with the typed payloads carried in its
// data field and the registry that maps action types to payload schemas.
package actions

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nooble-ai/nooble/pkg/models"
)

// Service names. The destination of an action is the first dotted segment
// of its action_type; callback replies go to origin_service's callback
// stream.
const (
	ServiceOrchestrator = "orchestrator"
	ServiceExecution    = "execution"
	ServiceQuery        = "query"
	ServiceIngestion    = "ingestion"
	ServiceExtraction   = "extraction"
	ServiceEmbedding    = "embedding"
	ServiceConversation = "conversation_service"
)

// Action types handled by the platform.
const (
	TypeChatSimple  = "execution.chat.simple"
	TypeChatAdvance = "execution.chat.advance"
	TypeTaskCancel  = "execution.task.cancel"

	TypeQueryGenerateSimple = "query.generate.simple"
	TypeQueryResult         = "execution.query_response"

	TypeChatResponse = "orchestrator.chat.response"
	TypeChatError    = "orchestrator.chat.error"

	TypeDocumentIngest      = "ingestion.document.ingest"
	TypeExtractionCallback  = "ingestion.extraction_callback"
	TypeEmbeddingCallback   = "ingestion.embedding_callback"
	TypeDocumentProcess     = "extraction.document.process"
	TypeEmbeddingBatch      = "embedding.batch_process"
	TypeEmbeddingQuery      = "embedding.generate_query"
	TypeConversationMessage = "conversation_service.message.create"
	TypeConversationClosed  = "conversation_service.session.closed"
)

// DomainAction is the uniform inter-service message envelope. Context IDs
// flow unchanged through every hop of a causally related chain;
// origin_service plus callback_action_type jointly determine the reply
// stream.
type DomainAction struct {
	ActionID           string `json:"action_id"`
	ActionType         string `json:"action_type"`
	OriginService      string `json:"origin_service"`
	CallbackActionType string `json:"callback_action_type,omitempty"`

	TenantID  string `json:"tenant_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`

	ExecutionConfig *models.ExecutionConfig `json:"execution_config,omitempty"`
	QueryConfig     *models.QueryConfig     `json:"query_config,omitempty"`
	RAGConfig       *models.RAGConfig       `json:"rag_config,omitempty"`

	Data     json.RawMessage `json:"data,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`

	CorrelationID string    `json:"correlation_id,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// New creates a DomainAction of the given type with a fresh action ID.
func New(actionType, origin string) *DomainAction {
	return &DomainAction{
		ActionID:      uuid.New().String(),
		ActionType:    actionType,
		OriginService: origin,
		CreatedAt:     time.Now().UTC(),
	}
}

// Validate checks the envelope invariants before publication.
func (a *DomainAction) Validate() error {
	if a.ActionID == "" {
		return models.NewValidationError("action_id", "required")
	}
	if a.ActionType == "" {
		return models.NewValidationError("action_type", "required")
	}
	if DestinationService(a.ActionType) == "" {
		return models.NewValidationError("action_type", "unknown destination service")
	}
	if a.OriginService == "" {
		return models.NewValidationError("origin_service", "required")
	}
	if a.CallbackActionType != "" && !strings.HasPrefix(a.CallbackActionType, a.OriginService+".") {
		return models.NewValidationError("callback_action_type", "must be prefixed with origin_service")
	}
	return nil
}

// DestinationService derives the destination from the first dotted segment
// of an action type. Returns "" for unknown services.
func DestinationService(actionType string) string {
	seg, _, ok := strings.Cut(actionType, ".")
	if !ok {
		return ""
	}
	switch seg {
	case ServiceOrchestrator, ServiceExecution, ServiceQuery, ServiceIngestion,
		ServiceExtraction, ServiceEmbedding, ServiceConversation:
		return seg
	}
	return ""
}

// Reply builds a callback action answering a, preserving the full context
// chain (tenant, session, task, agent, user, correlation, trace).
// Returns nil when a carries no callback_action_type.
func (a *DomainAction) Reply(origin string) *DomainAction {
	if a.CallbackActionType == "" {
		return nil
	}
	r := New(a.CallbackActionType, origin)
	r.TenantID = a.TenantID
	r.SessionID = a.SessionID
	r.TaskID = a.TaskID
	r.AgentID = a.AgentID
	r.UserID = a.UserID
	r.CorrelationID = a.CorrelationID
	if r.CorrelationID == "" {
		r.CorrelationID = a.ActionID
	}
	r.TraceID = a.TraceID
	return r
}

// WithPayload marshals p into the action's data field.
func (a *DomainAction) WithPayload(p any) (*DomainAction, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	a.Data = data
	return a, nil
}

// DecodePayload decodes the action's data field using the payload registry.
// Returns a ValidationError for unregistered action types or malformed data.
func (a *DomainAction) DecodePayload() (any, error) {
	factory, ok := payloadRegistry[a.ActionType]
	if !ok {
		return nil, models.NewValidationError("action_type", "no payload schema registered for "+a.ActionType)
	}
	p := factory()
	if len(a.Data) > 0 {
		if err := json.Unmarshal(a.Data, p); err != nil {
			return nil, models.NewValidationError("data", "malformed payload for "+a.ActionType+": "+err.Error())
		}
	}
	return p, nil
}

// DecodeInto decodes the action's data field into the provided value.
func (a *DomainAction) DecodeInto(v any) error {
	if len(a.Data) == 0 {
		return models.NewValidationError("data", "empty payload")
	}
	if err := json.Unmarshal(a.Data, v); err != nil {
		return models.NewValidationError("data", "malformed payload: "+err.Error())
	}
	return nil
}
