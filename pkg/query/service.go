// Package query serves query.generate.simple: RAG retrieval against the
// vector store followed by LLM generation, replying on the caller's
// callback stream.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nooble-ai/nooble/pkg/actions"
	"github.com/nooble-ai/nooble/pkg/bm25"
	"github.com/nooble-ai/nooble/pkg/config"
	"github.com/nooble-ai/nooble/pkg/models"
	"github.com/nooble-ai/nooble/pkg/vectorstore"
)

// Embedder produces dense query embeddings. The embedding service's
// embedder satisfies it; query calls in-process instead of a stream
// round-trip.
type Embedder interface {
	Generate(ctx context.Context, texts []string, model string, dimensions int, tenantID string, maxRetries int) ([][]float32, models.TokenUsage, error)
}

// Searcher is the vector store surface used for retrieval.
type Searcher interface {
	HybridSearch(ctx context.Context, dense []float32, sparseIndices []uint32, sparseValues []float32, p vectorstore.SearchParams) ([]vectorstore.RetrievedChunk, error)
}

// ChatProvider is the LLM chat API. An openai-compatible client pointed at
// Groq satisfies it.
type ChatProvider interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Publisher is the subset of the transport bus used to answer callbacks.
type Publisher interface {
	PublishReply(ctx context.Context, reply *actions.DomainAction) (string, error)
}

// Service handles query.generate.simple.
type Service struct {
	embedder   Embedder
	search     Searcher
	vectorizer *bm25.Vectorizer
	llm        ChatProvider
	bus        Publisher
	defaults   config.ProviderConfig
	log        *slog.Logger
}

// NewService wires the query worker.
func NewService(embedder Embedder, search Searcher, vectorizer *bm25.Vectorizer, llm ChatProvider, bus Publisher, defaults config.ProviderConfig) *Service {
	if vectorizer == nil {
		vectorizer = bm25.NewVectorizer()
	}
	return &Service{
		embedder:   embedder,
		search:     search,
		vectorizer: vectorizer,
		llm:        llm,
		bus:        bus,
		defaults:   defaults,
		log:        slog.With("component", "query"),
	}
}

// HandleAction processes query.generate.simple. Every completion path
// publishes exactly one reply.
func (s *Service) HandleAction(ctx context.Context, a *actions.DomainAction) error {
	if a.ActionType != actions.TypeQueryGenerateSimple {
		return models.NewValidationError("action_type", "unsupported: "+a.ActionType)
	}

	started := time.Now()
	log := s.log.With("action_id", a.ActionID, "task_id", a.TaskID,
		"tenant_id", a.TenantID, "session_id", a.SessionID)

	var payload actions.QueryPayload
	if err := a.DecodeInto(&payload); err != nil {
		return s.replyError(ctx, a, "validation", err)
	}
	if a.QueryConfig == nil {
		return s.replyError(ctx, a, "validation",
			models.NewValidationError("query_config", "required"))
	}
	if err := a.QueryConfig.Validate(); err != nil {
		return s.replyError(ctx, a, "validation", err)
	}

	queryText, ok := lastUserMessage(payload.Messages)
	if !ok {
		return s.replyError(ctx, a, "validation",
			models.NewValidationError("messages", "no user message found"))
	}

	var chunks []vectorstore.RetrievedChunk
	var usage models.TokenUsage
	if rag := a.RAGConfig; !rag.RetrievalDisabled() {
		if err := rag.Validate(); err != nil {
			return s.replyError(ctx, a, "validation", err)
		}
		retrieved, embedUsage, err := s.retrieve(ctx, a, rag, queryText)
		if err != nil {
			log.Error("Retrieval failed", "error", err)
			return s.replyError(ctx, a, "retrieval", err)
		}
		chunks = retrieved
		usage.Add(embedUsage)
		log.Info("Chunks retrieved", "count", len(chunks), "top_k", rag.TopK)
	}

	messages := assembleMessages(a.QueryConfig.SystemPromptTemplate, chunks, payload.Messages)
	content, chatUsage, err := s.generate(ctx, a.QueryConfig, messages)
	if err != nil {
		log.Error("Generation failed", "model", a.QueryConfig.Model, "error", err)
		return s.replyError(ctx, a, "generation", err)
	}
	usage.Add(chatUsage)

	sources := make([]string, 0, len(chunks))
	for _, c := range chunks {
		sources = append(sources, c.ChunkID)
	}

	log.Info("Query answered",
		"model", a.QueryConfig.Model, "sources", len(sources),
		"total_tokens", usage.TotalTokens,
		"duration_ms", time.Since(started).Milliseconds())

	return s.reply(ctx, a, &actions.QueryResultPayload{
		Content:          content,
		Usage:            usage,
		Sources:          sources,
		ProcessingTimeMS: time.Since(started).Milliseconds(),
	})
}

// retrieve embeds the query, builds the sparse vector, and runs the hybrid
// search under the action's tenant scope.
func (s *Service) retrieve(ctx context.Context, a *actions.DomainAction, rag *models.RAGConfig, queryText string) ([]vectorstore.RetrievedChunk, models.TokenUsage, error) {
	model := rag.EmbeddingModel
	if model == "" {
		model = s.defaults.EmbeddingModel
	}
	dimensions := rag.EmbeddingDimensions
	if dimensions == 0 {
		dimensions = s.defaults.EmbeddingDimensions
	}

	dense, usage, err := s.embedder.Generate(ctx, []string{queryText}, model, dimensions, a.TenantID, rag.MaxRetries)
	if err != nil {
		return nil, usage, fmt.Errorf("embedding query: %w", err)
	}
	if len(dense) == 0 {
		return nil, usage, errors.New("provider returned no query embedding")
	}

	indices, values := s.vectorizer.Vector(queryText)
	chunks, err := s.search.HybridSearch(ctx, dense[0], indices, values, vectorstore.SearchParams{
		TenantID:         a.TenantID,
		AgentID:          a.AgentID,
		CollectionIDs:    rag.CollectionIDs,
		DocumentIDs:      rag.DocumentIDs,
		Limit:            rag.TopK,
		ScoreThreshold:   rag.SimilarityThreshold,
		FactDensityBoost: rag.FactDensityBoost,
	})
	if err != nil {
		return nil, usage, fmt.Errorf("hybrid search: %w", err)
	}
	return chunks, usage, nil
}

// generate runs the chat completion with per-call timeout and transient
// retry overrides from query_config.
func (s *Service) generate(ctx context.Context, qc *models.QueryConfig, messages []openai.ChatCompletionMessage) (string, models.TokenUsage, error) {
	timeout := s.defaults.RequestTimeout
	if qc.TimeoutSeconds > 0 {
		timeout = time.Duration(qc.TimeoutSeconds) * time.Second
	}
	maxRetries := s.defaults.MaxRetries
	if qc.MaxRetries > 0 {
		maxRetries = qc.MaxRetries
	}

	req := openai.ChatCompletionRequest{
		Model:            qc.Model,
		Messages:         messages,
		Temperature:      qc.Temperature,
		MaxTokens:        qc.MaxTokens,
		TopP:             qc.TopP,
		FrequencyPenalty: qc.FrequencyPenalty,
		PresencePenalty:  qc.PresencePenalty,
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := s.llm.CreateChatCompletion(callCtx, req)
		cancel()
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", models.TokenUsage{}, errors.New("provider returned no choices")
			}
			return resp.Choices[0].Message.Content, models.TokenUsage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}, nil
		}
		lastErr = err
		if !transientChat(err) {
			return "", models.TokenUsage{}, models.NewExternalServiceError("llm", false, err)
		}
		s.log.Warn("Transient LLM error, retrying",
			"attempt", attempt, "max_retries", maxRetries, "error", err)
		select {
		case <-ctx.Done():
			return "", models.TokenUsage{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	return "", models.TokenUsage{}, models.NewExternalServiceError("llm", true, lastErr)
}

// transientChat classifies provider errors worth retrying.
func transientChat(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// lastUserMessage scans from the end for the newest user message.
func lastUserMessage(messages []models.Message) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return messages[i].Content, true
		}
	}
	return "", false
}

// assembleMessages builds the provider message list: the system prompt
// (with a Knowledge Chunks block when retrieval produced results) as the
// sole system message, followed by the non-system conversation.
func assembleMessages(template string, chunks []vectorstore.RetrievedChunk, messages []models.Message) []openai.ChatCompletionMessage {
	system := buildSystemPrompt(template, chunks)

	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			continue
		}
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// buildSystemPrompt appends the retrieved chunks to the prompt template.
func buildSystemPrompt(template string, chunks []vectorstore.RetrievedChunk) string {
	if len(chunks) == 0 {
		return template
	}

	var b strings.Builder
	b.WriteString(template)
	b.WriteString("\n\nKnowledge Chunks:\n")
	for i, c := range chunks {
		fmt.Fprintf(&b, "[Source %d: %s/%s, Score: %.4f]\n%s\n\n",
			i+1, c.CollectionID, c.DocumentName, c.Score, c.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Service) replyError(ctx context.Context, a *actions.DomainAction, errorType string, cause error) error {
	return s.reply(ctx, a, &actions.QueryResultPayload{
		ErrorType: errorType,
		Error:     cause.Error(),
	})
}

func (s *Service) reply(ctx context.Context, a *actions.DomainAction, payload *actions.QueryResultPayload) error {
	r := a.Reply(actions.ServiceQuery)
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
