package embedding

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooble-ai/nooble/pkg/actions"
	"github.com/nooble-ai/nooble/pkg/config"
	"github.com/nooble-ai/nooble/pkg/models"
)

type fakeProvider struct {
	calls int
	fail  error
	// failFirst makes only the first call fail.
	failFirst bool
	lastUser  string
	dims      int
}

func (f *fakeProvider) CreateEmbeddings(_ context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	f.calls++
	if f.fail != nil && (!f.failFirst || f.calls == 1) {
		return openai.EmbeddingResponse{}, f.fail
	}
	req := conv.Convert()
	f.lastUser = req.User
	inputs := req.Input.([]string)
	resp := openai.EmbeddingResponse{Usage: openai.Usage{PromptTokens: len(inputs) * 3, TotalTokens: len(inputs) * 3}}
	for i := range inputs {
		vec := make([]float32, f.dims)
		vec[0] = float32(i + 1)
		resp.Data = append(resp.Data, openai.Embedding{Index: i, Embedding: vec})
	}
	return resp, nil
}

type fakeBus struct {
	replies []*actions.DomainAction
}

func (f *fakeBus) PublishReply(_ context.Context, r *actions.DomainAction) (string, error) {
	f.replies = append(f.replies, r)
	return "1-0", nil
}

func newTestService(provider *fakeProvider) (*Service, *fakeBus) {
	if provider.dims == 0 {
		provider.dims = 4
	}
	bus := &fakeBus{}
	embedder := &Embedder{
		provider:   provider,
		timeout:    time.Second,
		maxRetries: 2,
		log:        slog.Default(),
	}
	svc := NewService(embedder, bus, config.ProviderConfig{
		EmbeddingModel:      "text-embedding-3-small",
		EmbeddingDimensions: 4,
	})
	svc.embedder = embedder
	return svc, bus
}

func batchAction(t *testing.T, texts, chunkIDs []string) *actions.DomainAction {
	t.Helper()
	a := actions.New(actions.TypeEmbeddingBatch, actions.ServiceIngestion)
	a.CallbackActionType = actions.TypeEmbeddingCallback
	a.TenantID = "tenant-1"
	a.TaskID = "task-1"
	_, err := a.WithPayload(&actions.EmbeddingBatchPayload{
		Texts:    texts,
		ChunkIDs: chunkIDs,
		Model:    "text-embedding-3-small",
	})
	require.NoError(t, err)
	return a
}

func TestHandleBatch(t *testing.T) {
	t.Run("embeds valid texts and reports per-chunk errors", func(t *testing.T) {
		provider := &fakeProvider{}
		svc, bus := newTestService(provider)

		a := batchAction(t,
			[]string{"first chunk", "", "third chunk"},
			[]string{"c1", "c2", "c3"},
		)
		require.NoError(t, svc.HandleAction(context.Background(), a))
		require.Len(t, bus.replies, 1)

		var result actions.EmbeddingResultPayload
		require.NoError(t, bus.replies[0].DecodeInto(&result))
		require.Len(t, result.Embeddings, 3)
		assert.NotEmpty(t, result.Embeddings[0].Embedding)
		assert.Equal(t, "empty text", result.Embeddings[1].Error)
		assert.Empty(t, result.Embeddings[1].Embedding)
		assert.NotEmpty(t, result.Embeddings[2].Embedding)
		assert.Empty(t, result.Error, "batch succeeds when at least one embedding was produced")
		assert.Greater(t, result.Usage.TotalTokens, 0)
		assert.Equal(t, "tenant-1", provider.lastUser, "tenant id sent as provider user")
	})

	t.Run("total provider failure reports batch error", func(t *testing.T) {
		provider := &fakeProvider{fail: &openai.APIError{HTTPStatusCode: 400, Message: "bad model"}}
		svc, bus := newTestService(provider)

		a := batchAction(t, []string{"text"}, []string{"c1"})
		require.NoError(t, svc.HandleAction(context.Background(), a))
		require.Len(t, bus.replies, 1)

		var result actions.EmbeddingResultPayload
		require.NoError(t, bus.replies[0].DecodeInto(&result))
		assert.NotEmpty(t, result.Error)
		assert.Equal(t, 1, provider.calls, "permanent errors are not retried")
	})

	t.Run("transient failure is retried", func(t *testing.T) {
		provider := &fakeProvider{fail: &openai.APIError{HTTPStatusCode: 429}, failFirst: true}
		svc, bus := newTestService(provider)

		a := batchAction(t, []string{"text"}, []string{"c1"})
		require.NoError(t, svc.HandleAction(context.Background(), a))

		var result actions.EmbeddingResultPayload
		require.NoError(t, bus.replies[0].DecodeInto(&result))
		assert.Empty(t, result.Error)
		assert.Equal(t, 2, provider.calls)
	})

	t.Run("length mismatch rejected", func(t *testing.T) {
		svc, bus := newTestService(&fakeProvider{})
		a := batchAction(t, []string{"one", "two"}, []string{"c1"})
		require.NoError(t, svc.HandleAction(context.Background(), a))

		var result actions.EmbeddingResultPayload
		require.NoError(t, bus.replies[0].DecodeInto(&result))
		assert.Contains(t, result.Error, "mismatch")
	})

	t.Run("reply preserves context chain", func(t *testing.T) {
		svc, bus := newTestService(&fakeProvider{})
		a := batchAction(t, []string{"text"}, []string{"c1"})
		require.NoError(t, svc.HandleAction(context.Background(), a))

		r := bus.replies[0]
		assert.Equal(t, actions.TypeEmbeddingCallback, r.ActionType)
		assert.Equal(t, actions.ServiceEmbedding, r.OriginService)
		assert.Equal(t, "tenant-1", r.TenantID)
		assert.Equal(t, "task-1", r.TaskID)
		assert.Equal(t, a.ActionID, r.CorrelationID)
	})
}

func TestHandleQuery(t *testing.T) {
	t.Run("embeds query text", func(t *testing.T) {
		svc, bus := newTestService(&fakeProvider{})

		a := actions.New(actions.TypeEmbeddingQuery, actions.ServiceQuery)
		a.CallbackActionType = "query.embedding_response"
		a.TenantID = "tenant-1"
		a.RAGConfig = &models.RAGConfig{EmbeddingModel: "text-embedding-3-small", EmbeddingDimensions: 4}
		_, err := a.WithPayload(&actions.QueryEmbeddingPayload{Text: "what is the vacation policy"})
		require.NoError(t, err)

		require.NoError(t, svc.HandleAction(context.Background(), a))
		require.Len(t, bus.replies, 1)

		var result actions.QueryEmbeddingResultPayload
		require.NoError(t, bus.replies[0].DecodeInto(&result))
		assert.Empty(t, result.Error)
		assert.Len(t, result.Embedding, 4)
		assert.Equal(t, "text-embedding-3-small", result.Model)
	})

	t.Run("empty text rejected without provider call", func(t *testing.T) {
		provider := &fakeProvider{}
		svc, bus := newTestService(provider)

		a := actions.New(actions.TypeEmbeddingQuery, actions.ServiceQuery)
		a.CallbackActionType = "query.embedding_response"
		_, err := a.WithPayload(&actions.QueryEmbeddingPayload{Text: ""})
		require.NoError(t, err)

		require.NoError(t, svc.HandleAction(context.Background(), a))

		var result actions.QueryEmbeddingResultPayload
		require.NoError(t, bus.replies[0].DecodeInto(&result))
		assert.Equal(t, "empty text", result.Error)
		assert.Zero(t, provider.calls)
	})
}

func TestTransient(t *testing.T) {
	assert.True(t, Transient(&openai.APIError{HTTPStatusCode: 429}))
	assert.True(t, Transient(&openai.APIError{HTTPStatusCode: 503}))
	assert.False(t, Transient(&openai.APIError{HTTPStatusCode: 401}))
	assert.True(t, Transient(context.DeadlineExceeded))
	assert.False(t, Transient(errors.New("other")))
}

func TestValidateText(t *testing.T) {
	assert.Equal(t, "empty text", ValidateText("", 0))
	assert.Empty(t, ValidateText("ok", 0))
	assert.Contains(t, ValidateText("abcdef", 3), "exceeds maximum")
}
