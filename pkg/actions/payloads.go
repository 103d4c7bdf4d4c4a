package actions

import (
	"github.com/nooble-ai/nooble/pkg/models"
)

// ChatPayload is carried by execution.chat.simple / execution.chat.advance.
type ChatPayload struct {
	Messages []models.Message  `json:"messages"`
	Tools    []models.ToolSpec `json:"tools,omitempty"`
}

// QueryPayload is carried by query.generate.simple: the integrated message
// list built by the execution service.
type QueryPayload struct {
	Messages []models.Message `json:"messages"`
}

// QueryResultPayload is the query service's reply. Error is set instead of
// Content when generation failed; the execution service turns it into an
// orchestrator.chat.error.
type QueryResultPayload struct {
	Content          string            `json:"assistant_content"`
	Usage            models.TokenUsage `json:"usage"`
	Sources          []string          `json:"sources"`
	ProcessingTimeMS int64             `json:"processing_time_ms"`
	ErrorType        string            `json:"error_type,omitempty"`
	Error            string            `json:"error,omitempty"`
}

// ChatResponsePayload is carried by orchestrator.chat.response.
type ChatResponsePayload struct {
	Response models.ChatResponse `json:"response"`
}

// ErrorPayload is carried by orchestrator.chat.error and by failed
// callback replies generally.
type ErrorPayload struct {
	ErrorType string         `json:"error_type"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// IngestPayload is carried by ingestion.document.ingest.
type IngestPayload struct {
	Request models.DocumentIngestionRequest `json:"request"`
}

// ExtractionRequestPayload is carried by extraction.document.process.
type ExtractionRequestPayload struct {
	FilePath       string `json:"file_path"`
	DocumentType   string `json:"document_type"`
	ProcessingMode string `json:"processing_mode,omitempty"`
	ModelSize      string `json:"spacy_model_size,omitempty"`
	MaxPages       int    `json:"max_pages,omitempty"`
}

// ExtractionResultPayload is carried by ingestion.extraction_callback.
type ExtractionResultPayload struct {
	Result models.ExtractionResult `json:"result"`
}

// EmbeddingBatchPayload is carried by embedding.batch_process. Texts and
// ChunkIDs are parallel slices.
type EmbeddingBatchPayload struct {
	Texts      []string `json:"texts"`
	ChunkIDs   []string `json:"chunk_ids"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions"`
}

// ChunkEmbedding is one entry of a batch result: either an embedding or a
// per-chunk error.
type ChunkEmbedding struct {
	ChunkID   string    `json:"chunk_id"`
	Embedding []float32 `json:"embedding,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// EmbeddingResultPayload is carried by ingestion.embedding_callback.
type EmbeddingResultPayload struct {
	Embeddings       []ChunkEmbedding  `json:"embeddings"`
	Model            string            `json:"model"`
	Dimensions       int               `json:"dimensions"`
	Usage            models.TokenUsage `json:"usage"`
	ProcessingTimeMS int64             `json:"processing_time_ms"`
	Error            string            `json:"error,omitempty"`
}

// QueryEmbeddingPayload is carried by embedding.generate_query.
type QueryEmbeddingPayload struct {
	Text string `json:"text"`
}

// QueryEmbeddingResultPayload is the reply to embedding.generate_query.
type QueryEmbeddingResultPayload struct {
	Embedding  []float32         `json:"embedding"`
	Model      string            `json:"model"`
	Dimensions int               `json:"dimensions"`
	Usage      models.TokenUsage `json:"usage"`
	Error      string            `json:"error,omitempty"`
}

// ConversationMessagePayload is carried by
// conversation_service.message.create (fire-and-forget).
type ConversationMessagePayload struct {
	ConversationID string         `json:"conversation_id"`
	UserMessage    models.Message `json:"user_message"`
	AgentMessage   models.Message `json:"agent_message"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// SessionClosedPayload is carried by conversation_service.session.closed.
type SessionClosedPayload struct {
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason,omitempty"`
}

// CancelPayload is carried by execution.task.cancel (advisory).
type CancelPayload struct {
	Reason string `json:"reason,omitempty"`
}

// payloadRegistry maps action_type to its payload schema. Replaces the
// free-form dict passthrough the envelope would otherwise allow.
var payloadRegistry = map[string]func() any{
	TypeChatSimple:          func() any { return &ChatPayload{} },
	TypeChatAdvance:         func() any { return &ChatPayload{} },
	TypeTaskCancel:          func() any { return &CancelPayload{} },
	TypeQueryGenerateSimple: func() any { return &QueryPayload{} },
	TypeQueryResult:         func() any { return &QueryResultPayload{} },
	TypeChatResponse:        func() any { return &ChatResponsePayload{} },
	TypeChatError:           func() any { return &ErrorPayload{} },
	TypeDocumentIngest:      func() any { return &IngestPayload{} },
	TypeExtractionCallback:  func() any { return &ExtractionResultPayload{} },
	TypeEmbeddingCallback:   func() any { return &EmbeddingResultPayload{} },
	TypeDocumentProcess:     func() any { return &ExtractionRequestPayload{} },
	TypeEmbeddingBatch:      func() any { return &EmbeddingBatchPayload{} },
	TypeEmbeddingQuery:      func() any { return &QueryEmbeddingPayload{} },
	TypeConversationMessage: func() any { return &ConversationMessagePayload{} },
	TypeConversationClosed:  func() any { return &SessionClosedPayload{} },
}

// RegisterPayload adds a payload schema for an action type. Intended for
// callback action types minted at runtime (e.g. "<origin>.<event>").
func RegisterPayload(actionType string, factory func() any) {
	payloadRegistry[actionType] = factory
}

// HasPayloadSchema reports whether a schema is registered for the type.
func HasPayloadSchema(actionType string) bool {
	_, ok := payloadRegistry[actionType]
	return ok
}
