package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/nooble-ai/nooble/pkg/actions"
	"github.com/nooble-ai/nooble/pkg/ingestion/chunker"
	"github.com/nooble-ai/nooble/pkg/models"
)

// Bus is the subset of the transport bus used by the pipeline.
type Bus interface {
	PublishWithCallback(ctx context.Context, a *actions.DomainAction, event string) (string, error)
}

// Vectors is the vector store surface the pipeline writes to.
type Vectors interface {
	UpsertChunks(ctx context.Context, chunks []*models.ChunkModel) ([]string, error)
	DeleteByDocument(ctx context.Context, tenantID, collectionID, documentID string) error
	UpdateAgentIDs(ctx context.Context, tenantID, collectionID, documentID string, agentIDs []string) error
}

// Metadata is the metadata store surface the pipeline reads and writes.
type Metadata interface {
	UpsertDocument(ctx context.Context, rec *models.DocumentRecord) error
	GetDocument(ctx context.Context, documentID string) (*models.DocumentRecord, error)
	DeleteDocument(ctx context.Context, tenantID, documentID string) error
	CollectionModel(ctx context.Context, tenantID, collectionID string) (model string, dimensions int, found bool, err error)
	UpdateDocumentAgents(ctx context.Context, documentID string, agentIDs []string, operation string) ([]string, error)
}

// Notifier pushes progress events to connected WebSocket clients.
type Notifier interface {
	Broadcast(channel string, v any)
}

// ProgressEvent is the frame pushed on the ingestion progress WebSocket
// after every status change.
type ProgressEvent struct {
	Type            string            `json:"type"`
	TaskID          string            `json:"task_id"`
	DocumentID      string            `json:"document_id"`
	Status          models.TaskStatus `json:"status"`
	Percentage      int               `json:"percentage"`
	TotalChunks     int               `json:"total_chunks,omitempty"`
	ProcessedChunks int               `json:"processed_chunks,omitempty"`
	FailedChunkIDs  []string          `json:"failed_chunk_ids,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// progressEvent builds the WebSocket frame for a task snapshot.
func progressEvent(task *models.IngestionTask) ProgressEvent {
	return ProgressEvent{
		Type:            "ingestion_progress",
		TaskID:          task.TaskID,
		DocumentID:      task.DocumentID,
		Status:          task.Status,
		Percentage:      task.Percentage,
		TotalChunks:     task.TotalChunks,
		ProcessedChunks: task.ProcessedChunks,
		FailedChunkIDs:  task.FailedChunkIDs,
		Error:           task.Error,
	}
}

// Pipeline orchestrates one document's journey through extraction,
// chunking, embedding, and storage. All handlers are idempotent under
// at-least-once delivery: duplicate callbacks for terminal tasks are
// dropped, vector upserts key on chunk_id.
type Pipeline struct {
	tasks   *TaskStore
	bus     Bus
	meta    Metadata
	vectors Vectors
	ws      Notifier

	publicBaseURL string
	log           *slog.Logger
}

// NewPipeline wires the ingestion pipeline.
func NewPipeline(tasks *TaskStore, bus Bus, meta Metadata, vectors Vectors, ws Notifier, publicBaseURL string) *Pipeline {
	return &Pipeline{
		tasks:         tasks,
		bus:           bus,
		meta:          meta,
		vectors:       vectors,
		ws:            ws,
		publicBaseURL: publicBaseURL,
		log:           slog.With("component", "ingestion"),
	}
}

// Task returns the cached state of a task.
func (p *Pipeline) Task(ctx context.Context, taskID string) (*models.IngestionTask, error) {
	return p.tasks.Get(ctx, taskID)
}

// StartIngestion validates the request, enforces collection consistency,
// creates the task, and dispatches extraction. Returns immediately; the
// pipeline continues via callbacks.
func (p *Pipeline) StartIngestion(ctx context.Context, tenantID, userID string, req *models.DocumentIngestionRequest) (*models.IngestionResponse, error) {
	if tenantID == "" {
		return nil, models.NewValidationError("tenant_id", "required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.FilePath == "" {
		return nil, models.NewValidationError("file_path", "required")
	}

	collectionID := req.CollectionID
	if collectionID == "" {
		collectionID = uuid.New().String()
	} else {
		model, dims, found, err := p.meta.CollectionModel(ctx, tenantID, collectionID)
		if err != nil {
			return nil, err
		}
		if found && (model != req.EmbeddingModel || dims != req.EmbeddingDimensions) {
			return nil, &models.IntegrityError{Message: fmt.Sprintf(
				"collection %s is indexed with %s/%d, request asks for %s/%d",
				collectionID, model, dims, req.EmbeddingModel, req.EmbeddingDimensions)}
		}
	}

	task := &models.IngestionTask{
		TaskID:       uuid.New().String(),
		DocumentID:   uuid.New().String(),
		TenantID:     tenantID,
		CollectionID: collectionID,
		AgentIDs:     req.AgentIDs,
		UserID:       userID,
		Status:       models.TaskStatusProcessing,
		Request:      req,
		FilePath:     req.FilePath,
		StartedAt:    time.Now().UTC(),
		RAGConfig: &models.RAGConfig{
			CollectionIDs:       []string{collectionID},
			EmbeddingModel:      req.EmbeddingModel,
			EmbeddingDimensions: req.EmbeddingDimensions,
		},
	}
	if err := p.tasks.Save(ctx, task); err != nil {
		return nil, err
	}
	p.ws.Broadcast(task.TaskID, progressEvent(task))

	if err := p.dispatchExtraction(ctx, task); err != nil {
		p.fail(ctx, task, "dispatch", err)
		return nil, err
	}
	if err := p.tasks.Transition(ctx, task, models.TaskStatusExtracting); err != nil {
		return nil, err
	}
	p.ws.Broadcast(task.TaskID, progressEvent(task))

	p.log.Info("Ingestion started",
		"task_id", task.TaskID, "document_id", task.DocumentID,
		"tenant_id", tenantID, "collection_id", collectionID,
		"document_name", req.DocumentName)

	return &models.IngestionResponse{
		TaskID:       task.TaskID,
		DocumentID:   task.DocumentID,
		CollectionID: collectionID,
		AgentIDs:     req.AgentIDs,
		Status:       task.Status,
		WebSocketURL: fmt.Sprintf("%s/ws/ingestion/%s", p.publicBaseURL, task.TaskID),
	}, nil
}

func (p *Pipeline) dispatchExtraction(ctx context.Context, task *models.IngestionTask) error {
	a := actions.New(actions.TypeDocumentProcess, actions.ServiceIngestion)
	a.TenantID = task.TenantID
	a.TaskID = task.TaskID
	a.UserID = task.UserID
	a.RAGConfig = task.RAGConfig
	if _, err := a.WithPayload(&actions.ExtractionRequestPayload{
		FilePath:     task.FilePath,
		DocumentType: task.Request.DocumentType,
	}); err != nil {
		return err
	}
	_, err := p.bus.PublishWithCallback(ctx, a, "extraction_callback")
	return err
}

// HandleAction dispatches the three ingestion action types.
func (p *Pipeline) HandleAction(ctx context.Context, a *actions.DomainAction) error {
	switch a.ActionType {
	case actions.TypeDocumentIngest:
		var payload actions.IngestPayload
		if err := a.DecodeInto(&payload); err != nil {
			return err
		}
		_, err := p.StartIngestion(ctx, a.TenantID, a.UserID, &payload.Request)
		return err
	case actions.TypeExtractionCallback:
		return p.handleExtraction(ctx, a)
	case actions.TypeEmbeddingCallback:
		return p.handleEmbedding(ctx, a)
	}
	return models.NewValidationError("action_type", "unsupported: "+a.ActionType)
}

// handleExtraction consumes the extraction callback: chunk the text and
// dispatch the embedding batch.
func (p *Pipeline) handleExtraction(ctx context.Context, a *actions.DomainAction) error {
	task, err := p.loadLive(ctx, a.TaskID)
	if err != nil || task == nil {
		return err
	}

	var payload actions.ExtractionResultPayload
	if err := a.DecodeInto(&payload); err != nil {
		p.fail(ctx, task, "extraction", err)
		return err
	}
	result := payload.Result

	if result.Status != models.ExtractionStatusCompleted {
		msg := "extraction failed"
		if result.Error != nil {
			msg = result.Error.Message
		}
		p.fail(ctx, task, "extraction", errors.New(msg))
		return nil
	}

	if err := p.tasks.Transition(ctx, task, models.TaskStatusChunking); err != nil {
		return err
	}
	p.ws.Broadcast(task.TaskID, progressEvent(task))

	req := task.Request
	chunks := chunker.Chunk(result.ExtractedText, result.Structure.Sections, chunker.Params{
		DocumentID:   task.DocumentID,
		TenantID:     task.TenantID,
		CollectionID: task.CollectionID,
		AgentIDs:     task.AgentIDs,
		DocumentName: req.DocumentName,
		DocumentType: req.DocumentType,
		Language:     result.Language,
		PageCount:    result.Structure.PageCount,
		HasTables:    result.Structure.Tables > 0,
		ChunkSize:    req.ChunkSize,
		ChunkOverlap: req.ChunkOverlap,
		Enrichment:   result.Enrichment,
	})
	if len(chunks) == 0 {
		p.fail(ctx, task, "chunking", errors.New("document produced no chunks"))
		return nil
	}

	task.Chunks = chunks
	task.TotalChunks = len(chunks)
	if err := p.tasks.Transition(ctx, task, models.TaskStatusEmbedding); err != nil {
		return err
	}
	p.ws.Broadcast(task.TaskID, progressEvent(task))

	p.log.Info("Document chunked",
		"task_id", task.TaskID, "document_id", task.DocumentID,
		"chunks", len(chunks), "language", result.Language,
		"method", result.ExtractionMethod)

	if err := p.dispatchEmbedding(ctx, task); err != nil {
		p.fail(ctx, task, "dispatch", err)
		return err
	}
	return nil
}

func (p *Pipeline) dispatchEmbedding(ctx context.Context, task *models.IngestionTask) error {
	texts := make([]string, len(task.Chunks))
	chunkIDs := make([]string, len(task.Chunks))
	for i, c := range task.Chunks {
		texts[i] = c.Content
		chunkIDs[i] = c.ChunkID
	}

	a := actions.New(actions.TypeEmbeddingBatch, actions.ServiceIngestion)
	a.TenantID = task.TenantID
	a.TaskID = task.TaskID
	a.UserID = task.UserID
	a.RAGConfig = task.RAGConfig
	if _, err := a.WithPayload(&actions.EmbeddingBatchPayload{
		Texts:      texts,
		ChunkIDs:   chunkIDs,
		Model:      task.Request.EmbeddingModel,
		Dimensions: task.Request.EmbeddingDimensions,
	}); err != nil {
		return err
	}
	_, err := p.bus.PublishWithCallback(ctx, a, "embedding_callback")
	return err
}

// handleEmbedding consumes the embedding callback: attach vectors, upsert
// into the vector store, persist the document row, and complete the task.
func (p *Pipeline) handleEmbedding(ctx context.Context, a *actions.DomainAction) error {
	task, err := p.loadLive(ctx, a.TaskID)
	if err != nil || task == nil {
		return err
	}

	var payload actions.EmbeddingResultPayload
	if err := a.DecodeInto(&payload); err != nil {
		p.fail(ctx, task, "embedding", err)
		return err
	}
	if payload.Error != "" && len(payload.Embeddings) == 0 {
		p.fail(ctx, task, "embedding", errors.New(payload.Error))
		return nil
	}

	byChunkID := make(map[string][]float32, len(payload.Embeddings))
	for _, e := range payload.Embeddings {
		if len(e.Embedding) > 0 {
			byChunkID[e.ChunkID] = e.Embedding
		}
	}

	var embedded []*models.ChunkModel
	var failedIDs []string
	for i := range task.Chunks {
		c := &task.Chunks[i]
		if emb, ok := byChunkID[c.ChunkID]; ok {
			c.Embedding = emb
			embedded = append(embedded, c)
		} else {
			failedIDs = append(failedIDs, c.ChunkID)
		}
	}
	if len(embedded) == 0 {
		p.fail(ctx, task, "embedding", errors.New("no chunk received an embedding"))
		return nil
	}
	task.FailedChunkIDs = failedIDs

	if err := p.tasks.Transition(ctx, task, models.TaskStatusStoring); err != nil {
		return err
	}
	p.ws.Broadcast(task.TaskID, progressEvent(task))

	upsertFailed, err := p.vectors.UpsertChunks(ctx, embedded)
	if err != nil {
		p.fail(ctx, task, "storing", err)
		return err
	}
	task.FailedChunkIDs = append(task.FailedChunkIDs, upsertFailed...)
	task.ProcessedChunks = len(embedded) - len(upsertFailed)

	req := task.Request
	if err := p.meta.UpsertDocument(ctx, &models.DocumentRecord{
		TenantID:            task.TenantID,
		CollectionID:        task.CollectionID,
		DocumentID:          task.DocumentID,
		DocumentName:        req.DocumentName,
		DocumentType:        req.DocumentType,
		EmbeddingModel:      req.EmbeddingModel,
		EmbeddingDimensions: req.EmbeddingDimensions,
		ChunkSize:           req.ChunkSize,
		ChunkOverlap:        req.ChunkOverlap,
		Status:              "completed",
		TotalChunks:         task.TotalChunks,
		ProcessedChunks:     task.ProcessedChunks,
		AgentIDs:            task.AgentIDs,
		Metadata:            req.Metadata,
	}); err != nil {
		p.fail(ctx, task, "metadata", err)
		return err
	}

	// In-flight chunk payloads are only needed between chunking and storing.
	task.Chunks = nil
	if err := p.tasks.Transition(ctx, task, models.TaskStatusCompleted); err != nil {
		return err
	}
	p.ws.Broadcast(task.TaskID, progressEvent(task))
	p.removeUpload(task)

	p.log.Info("Ingestion completed",
		"task_id", task.TaskID, "document_id", task.DocumentID,
		"stored_chunks", task.ProcessedChunks, "failed_chunks", len(task.FailedChunkIDs),
		"usage_tokens", payload.Usage.TotalTokens)
	return nil
}

// loadLive loads the task for a callback. Unknown tasks (expired state) and
// terminal tasks (duplicate delivery) are logged and skipped.
func (p *Pipeline) loadLive(ctx context.Context, taskID string) (*models.IngestionTask, error) {
	if taskID == "" {
		return nil, models.NewValidationError("task_id", "required")
	}
	task, err := p.tasks.Get(ctx, taskID)
	if errors.Is(err, models.ErrNotFound) {
		p.log.Warn("Callback for unknown task dropped", "task_id", taskID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		p.log.Warn("Callback for terminal task dropped",
			"task_id", taskID, "status", task.Status)
		return nil, nil
	}
	return task, nil
}

// fail moves the task to failed and pushes the final progress frame. Best
// effort: a task store outage must not mask the original error.
func (p *Pipeline) fail(ctx context.Context, task *models.IngestionTask, stage string, cause error) {
	p.log.Error("Ingestion failed",
		"task_id", task.TaskID, "document_id", task.DocumentID,
		"stage", stage, "error", cause)

	task.Error = fmt.Sprintf("%s: %v", stage, cause)
	task.Chunks = nil
	if err := p.tasks.Transition(ctx, task, models.TaskStatusFailed); err != nil {
		p.log.Error("Failed to persist task failure", "task_id", task.TaskID, "error", err)
	}
	p.ws.Broadcast(task.TaskID, progressEvent(task))
	p.removeUpload(task)
}

func (p *Pipeline) removeUpload(task *models.IngestionTask) {
	if task.FilePath == "" {
		return
	}
	if err := os.Remove(task.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.log.Warn("Failed to remove uploaded file",
			"task_id", task.TaskID, "path", task.FilePath, "error", err)
	}
}

// DeleteDocument removes a document's vectors and its metadata row. The
// tenant scope is enforced against the stored row, not the caller's claim;
// a non-empty collectionID must also match the stored row.
func (p *Pipeline) DeleteDocument(ctx context.Context, tenantID, documentID, collectionID string) error {
	rec, err := p.meta.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if rec.TenantID != tenantID {
		return fmt.Errorf("document %s: %w", documentID, models.ErrNotFound)
	}
	if collectionID != "" && rec.CollectionID != collectionID {
		return fmt.Errorf("document %s in collection %s: %w", documentID, collectionID, models.ErrNotFound)
	}
	if err := p.vectors.DeleteByDocument(ctx, tenantID, rec.CollectionID, documentID); err != nil {
		return err
	}
	if err := p.meta.DeleteDocument(ctx, tenantID, documentID); err != nil {
		return err
	}
	p.log.Info("Document deleted",
		"tenant_id", tenantID, "document_id", documentID, "collection_id", rec.CollectionID)
	return nil
}

// UpdateAgents applies a set/add/remove operation to a document's agent
// list in the metadata store, then mirrors the final list onto every vector
// point. Returns the final list.
func (p *Pipeline) UpdateAgents(ctx context.Context, tenantID, documentID string, agentIDs []string, operation string) ([]string, error) {
	rec, err := p.meta.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if rec.TenantID != tenantID {
		return nil, fmt.Errorf("document %s: %w", documentID, models.ErrNotFound)
	}
	final, err := p.meta.UpdateDocumentAgents(ctx, documentID, agentIDs, operation)
	if err != nil {
		return nil, err
	}
	if err := p.vectors.UpdateAgentIDs(ctx, tenantID, rec.CollectionID, documentID, final); err != nil {
		return nil, err
	}
	p.log.Info("Document agents updated",
		"tenant_id", tenantID, "document_id", documentID,
		"operation", operation, "agents", len(final))
	return final, nil
}
