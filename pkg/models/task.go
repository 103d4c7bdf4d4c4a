package models

import "time"

// TaskStatus is the lifecycle state of an ingestion task. Transitions are
// forward-only except to failed.
type TaskStatus string

// Ingestion task states, in pipeline order.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusExtracting TaskStatus = "extracting"
	TaskStatusChunking   TaskStatus = "chunking"
	TaskStatusEmbedding  TaskStatus = "embedding"
	TaskStatusStoring    TaskStatus = "storing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// taskStatusRank orders the forward pipeline. failed is reachable from any
// non-terminal state and is not ranked.
var taskStatusRank = map[TaskStatus]int{
	TaskStatusPending:    0,
	TaskStatusProcessing: 1,
	TaskStatusExtracting: 2,
	TaskStatusChunking:   3,
	TaskStatusEmbedding:  4,
	TaskStatusStoring:    5,
	TaskStatusCompleted:  6,
}

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CanTransitionTo reports whether a transition from s to next is legal:
// strictly forward through the pipeline, or to failed from any
// non-terminal state.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == TaskStatusFailed {
		return true
	}
	from, ok := taskStatusRank[s]
	if !ok {
		return false
	}
	to, ok := taskStatusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// DocumentIngestionRequest is the validated body of POST /ingest.
type DocumentIngestionRequest struct {
	DocumentName        string         `json:"document_name"`
	DocumentType        string         `json:"document_type"`
	CollectionID        string         `json:"collection_id,omitempty"`
	AgentIDs            []string       `json:"agent_ids"`
	EmbeddingModel      string         `json:"embedding_model"`
	EmbeddingDimensions int            `json:"embedding_dimensions"`
	ChunkSize           int            `json:"chunk_size"`
	ChunkOverlap        int            `json:"chunk_overlap"`
	FilePath            string         `json:"file_path,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// Validate checks the request shape before any work is done.
func (r *DocumentIngestionRequest) Validate() error {
	if r.DocumentName == "" {
		return NewValidationError("document_name", "required")
	}
	if r.EmbeddingModel == "" {
		return NewValidationError("embedding_model", "required")
	}
	if r.EmbeddingDimensions <= 0 {
		return NewValidationError("embedding_dimensions", "must be > 0")
	}
	if r.ChunkSize <= 0 {
		return NewValidationError("chunk_size", "must be > 0")
	}
	if r.ChunkOverlap < 0 || r.ChunkOverlap >= r.ChunkSize {
		return NewValidationError("chunk_overlap", "must be in [0, chunk_size)")
	}
	if len(r.AgentIDs) == 0 {
		return NewValidationError("agent_ids", "at least one agent is required")
	}
	return nil
}

// IngestionTask is the per-task pipeline state, cached in Redis under
// ingestion:task:{task_id}. The Chunks field holds in-flight chunk payloads
// between the chunking and storing stages and is cleared on completion.
type IngestionTask struct {
	TaskID       string     `json:"task_id"`
	DocumentID   string     `json:"document_id"`
	TenantID     string     `json:"tenant_id"`
	CollectionID string     `json:"collection_id"`
	AgentIDs     []string   `json:"agent_ids"`
	UserID       string     `json:"user_id,omitempty"`
	RAGConfig    *RAGConfig `json:"rag_config,omitempty"`
	Status       TaskStatus `json:"status"`
	Percentage   int        `json:"percentage"`
	StatusDetail string     `json:"status_detail,omitempty"`

	Request *DocumentIngestionRequest `json:"request,omitempty"`

	FilePath        string       `json:"file_path,omitempty"`
	Chunks          []ChunkModel `json:"chunks,omitempty"`
	TotalChunks     int          `json:"total_chunks"`
	ProcessedChunks int          `json:"processed_chunks"`
	FailedChunkIDs  []string     `json:"failed_ids,omitempty"`
	Error           string       `json:"error,omitempty"`
	Cancelled       bool         `json:"cancelled,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// IngestionResponse is returned immediately from POST /ingest while the
// pipeline runs asynchronously.
type IngestionResponse struct {
	TaskID       string     `json:"task_id"`
	DocumentID   string     `json:"document_id"`
	CollectionID string     `json:"collection_id"`
	AgentIDs     []string   `json:"agent_ids"`
	Status       TaskStatus `json:"status"`
	WebSocketURL string     `json:"websocket_url"`
}

// DocumentRecord is one row of documents_rag in the metadata store.
type DocumentRecord struct {
	TenantID            string         `json:"tenant_id"`
	CollectionID        string         `json:"collection_id"`
	DocumentID          string         `json:"document_id"`
	DocumentName        string         `json:"document_name"`
	DocumentType        string         `json:"document_type"`
	EmbeddingModel      string         `json:"embedding_model"`
	EmbeddingDimensions int            `json:"embedding_dimensions"`
	ChunkSize           int            `json:"chunk_size"`
	ChunkOverlap        int            `json:"chunk_overlap"`
	Status              string         `json:"status"`
	TotalChunks         int            `json:"total_chunks"`
	ProcessedChunks     int            `json:"processed_chunks"`
	AgentIDs            []string       `json:"agent_ids"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"created_at,omitzero"`
}
