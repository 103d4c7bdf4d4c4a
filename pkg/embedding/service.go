package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nooble-ai/nooble/pkg/actions"
	"github.com/nooble-ai/nooble/pkg/config"
	"github.com/nooble-ai/nooble/pkg/models"
)

// Publisher is the subset of the transport bus used to answer callbacks.
type Publisher interface {
	PublishReply(ctx context.Context, reply *actions.DomainAction) (string, error)
}

// Service is the embedding worker. Every action that carries a callback
// gets exactly one reply, success or typed error.
type Service struct {
	embedder *Embedder
	bus      Publisher
	defaults config.ProviderConfig
	log      *slog.Logger
}

// NewService creates the embedding action handler.
func NewService(embedder *Embedder, bus Publisher, defaults config.ProviderConfig) *Service {
	return &Service{
		embedder: embedder,
		bus:      bus,
		defaults: defaults,
		log:      slog.With("component", "embedding"),
	}
}

// HandleAction dispatches one inbound action.
func (s *Service) HandleAction(ctx context.Context, a *actions.DomainAction) error {
	switch a.ActionType {
	case actions.TypeEmbeddingBatch:
		return s.handleBatch(ctx, a)
	case actions.TypeEmbeddingQuery:
		return s.handleQuery(ctx, a)
	default:
		return models.NewValidationError("action_type", "unsupported: "+a.ActionType)
	}
}

// handleBatch embeds chunk texts. Individual texts may fail validation
// without failing the batch; the batch as a whole succeeds if at least one
// embedding was produced.
func (s *Service) handleBatch(ctx context.Context, a *actions.DomainAction) error {
	started := time.Now()
	log := s.log.With("action_id", a.ActionID, "task_id", a.TaskID, "tenant_id", a.TenantID)

	var payload actions.EmbeddingBatchPayload
	if err := a.DecodeInto(&payload); err != nil {
		return s.reply(ctx, a, &actions.EmbeddingResultPayload{Error: err.Error()})
	}
	if len(payload.Texts) != len(payload.ChunkIDs) {
		return s.reply(ctx, a, &actions.EmbeddingResultPayload{
			Error: fmt.Sprintf("texts (%d) and chunk_ids (%d) length mismatch", len(payload.Texts), len(payload.ChunkIDs)),
		})
	}

	model, dimensions := s.modelFor(payload.Model, payload.Dimensions, a.RAGConfig)
	maxLength, maxRetries := 0, 0
	if a.RAGConfig != nil {
		maxLength = a.RAGConfig.MaxTextLength
		maxRetries = a.RAGConfig.MaxRetries
	}

	results := make([]actions.ChunkEmbedding, len(payload.Texts))
	validIdx := make([]int, 0, len(payload.Texts))
	validTexts := make([]string, 0, len(payload.Texts))
	for i, text := range payload.Texts {
		results[i].ChunkID = payload.ChunkIDs[i]
		if msg := ValidateText(text, maxLength); msg != "" {
			results[i].Error = msg
			continue
		}
		validIdx = append(validIdx, i)
		validTexts = append(validTexts, text)
	}

	var usage models.TokenUsage
	if len(validTexts) > 0 {
		embeddings, u, err := s.embedder.Generate(ctx, validTexts, model, dimensions, a.TenantID, maxRetries)
		if err != nil {
			log.Error("Batch embedding failed", "count", len(validTexts), "error", err)
			return s.reply(ctx, a, &actions.EmbeddingResultPayload{
				Model:      model,
				Dimensions: dimensions,
				Error:      err.Error(),
			})
		}
		usage = u
		for j, i := range validIdx {
			results[i].Embedding = embeddings[j]
		}
	}

	log.Info("Batch embedded",
		"total", len(payload.Texts), "embedded", len(validTexts), "model", model)
	return s.reply(ctx, a, &actions.EmbeddingResultPayload{
		Embeddings:       results,
		Model:            model,
		Dimensions:       dimensions,
		Usage:            usage,
		ProcessingTimeMS: time.Since(started).Milliseconds(),
	})
}

// handleQuery embeds a single retrieval query.
func (s *Service) handleQuery(ctx context.Context, a *actions.DomainAction) error {
	var payload actions.QueryEmbeddingPayload
	if err := a.DecodeInto(&payload); err != nil {
		return s.reply(ctx, a, &actions.QueryEmbeddingResultPayload{Error: err.Error()})
	}

	model, dimensions := s.modelFor("", 0, a.RAGConfig)
	maxLength, maxRetries := 0, 0
	if a.RAGConfig != nil {
		maxLength = a.RAGConfig.MaxTextLength
		maxRetries = a.RAGConfig.MaxRetries
	}
	if msg := ValidateText(payload.Text, maxLength); msg != "" {
		return s.reply(ctx, a, &actions.QueryEmbeddingResultPayload{Error: msg})
	}

	embeddings, usage, err := s.embedder.Generate(ctx, []string{payload.Text}, model, dimensions, a.TenantID, maxRetries)
	if err != nil {
		s.log.Error("Query embedding failed",
			"action_id", a.ActionID, "session_id", a.SessionID, "error", err)
		return s.reply(ctx, a, &actions.QueryEmbeddingResultPayload{Error: err.Error()})
	}

	return s.reply(ctx, a, &actions.QueryEmbeddingResultPayload{
		Embedding:  embeddings[0],
		Model:      model,
		Dimensions: dimensions,
		Usage:      usage,
	})
}

// modelFor resolves the embedding model: explicit payload values win, then
// rag_config, then platform defaults.
func (s *Service) modelFor(model string, dimensions int, rag *models.RAGConfig) (string, int) {
	if model == "" && rag != nil {
		model = rag.EmbeddingModel
	}
	if model == "" {
		model = s.defaults.EmbeddingModel
	}
	if dimensions <= 0 && rag != nil {
		dimensions = rag.EmbeddingDimensions
	}
	if dimensions <= 0 {
		dimensions = s.defaults.EmbeddingDimensions
	}
	return model, dimensions
}

// reply publishes the callback. An action without callback_action_type is
// a caller bug; it is logged and dropped.
func (s *Service) reply(ctx context.Context, a *actions.DomainAction, payload any) error {
	r := a.Reply(actions.ServiceEmbedding)
	if r == nil {
		s.log.Warn("Action without callback dropped",
			"action_id", a.ActionID, "action_type", a.ActionType)
		return nil
	}
	if _, err := r.WithPayload(payload); err != nil {
		return fmt.Errorf("encoding reply for %s: %w", a.ActionID, err)
	}
	if _, err := s.bus.PublishReply(ctx, r); err != nil {
		return fmt.Errorf("publishing reply for %s: %w", a.ActionID, err)
	}
	return nil
}
