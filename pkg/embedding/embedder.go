// Package embedding generates dense vectors through the OpenAI embeddings
// API. It serves two action types: batched chunk embedding for the
// ingestion pipeline and single-query embedding for retrieval.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nooble-ai/nooble/pkg/config"
	"github.com/nooble-ai/nooble/pkg/models"
)

// defaultMaxTextLength bounds a single embedding input when rag_config
// leaves max_text_length unset.
const defaultMaxTextLength = 8192

// Provider is the subset of the OpenAI client used here.
type Provider interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// Embedder calls the provider with bounded retry on transient failures.
type Embedder struct {
	provider   Provider
	timeout    time.Duration
	maxRetries int
	log        *slog.Logger
}

// NewEmbedder wires the OpenAI client from the platform configuration.
func NewEmbedder(cfg config.ProviderConfig) *Embedder {
	return &Embedder{
		provider:   openai.NewClient(cfg.OpenAIAPIKey),
		timeout:    cfg.RequestTimeout,
		maxRetries: cfg.MaxRetries,
		log:        slog.With("component", "embedder"),
	}
}

// Generate embeds texts in one provider call. The user parameter sent to
// the provider is the tenant ID, for provider-side attribution. Retries
// transient failures up to maxRetries; the per-call maxRetries override
// wins when > 0.
func (e *Embedder) Generate(ctx context.Context, texts []string, model string, dimensions int, tenantID string, maxRetries int) ([][]float32, models.TokenUsage, error) {
	if maxRetries <= 0 {
		maxRetries = e.maxRetries
	}

	req := openai.EmbeddingRequestStrings{
		Input:      texts,
		Model:      openai.EmbeddingModel(model),
		Dimensions: dimensions,
		User:       tenantID,
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, models.TokenUsage{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		resp, err := e.provider.CreateEmbeddings(callCtx, req)
		cancel()
		if err == nil {
			if len(resp.Data) != len(texts) {
				return nil, models.TokenUsage{}, fmt.Errorf(
					"provider returned %d embeddings for %d inputs", len(resp.Data), len(texts))
			}
			out := make([][]float32, len(texts))
			for _, d := range resp.Data {
				out[d.Index] = d.Embedding
			}
			usage := models.TokenUsage{
				PromptTokens: resp.Usage.PromptTokens,
				TotalTokens:  resp.Usage.TotalTokens,
			}
			return out, usage, nil
		}

		lastErr = err
		if !Transient(err) {
			break
		}
		e.log.Warn("Embedding call failed, retrying",
			"attempt", attempt, "model", model, "error", err)
	}

	return nil, models.TokenUsage{}, &models.ExternalServiceError{
		Service:   "openai",
		Transient: Transient(lastErr),
		Err:       fmt.Errorf("embedding %d texts with %s: %w", len(texts), model, lastErr),
	}
}

// Transient classifies provider errors: rate limits, server errors, and
// timeouts are retryable; other 4xx are not.
func Transient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ValidateText checks a single embedding input against the configured
// bound. Returns "" when the text is acceptable.
func ValidateText(text string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = defaultMaxTextLength
	}
	if text == "" {
		return "empty text"
	}
	if len(text) > maxLength {
		return fmt.Sprintf("text length %d exceeds maximum %d", len(text), maxLength)
	}
	return ""
}
