package query

import (
	"context"
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooble-ai/nooble/pkg/actions"
	"github.com/nooble-ai/nooble/pkg/config"
	"github.com/nooble-ai/nooble/pkg/models"
	"github.com/nooble-ai/nooble/pkg/vectorstore"
)

type fakeEmbedder struct {
	calls      int
	lastTenant string
	err        error
}

func (f *fakeEmbedder) Generate(_ context.Context, texts []string, _ string, dimensions int, tenantID string, _ int) ([][]float32, models.TokenUsage, error) {
	f.calls++
	f.lastTenant = tenantID
	if f.err != nil {
		return nil, models.TokenUsage{}, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, dimensions)
	}
	return out, models.TokenUsage{PromptTokens: 4, TotalTokens: 4}, nil
}

type fakeSearcher struct {
	lastParams vectorstore.SearchParams
	chunks     []vectorstore.RetrievedChunk
	err        error
}

func (f *fakeSearcher) HybridSearch(_ context.Context, _ []float32, _ []uint32, _ []float32, p vectorstore.SearchParams) ([]vectorstore.RetrievedChunk, error) {
	f.lastParams = p
	return f.chunks, f.err
}

type fakeProvider struct {
	calls    int
	lastReq  openai.ChatCompletionRequest
	response string
	errs     []error
}

func (f *fakeProvider) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.calls++
	f.lastReq = req
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return openai.ChatCompletionResponse{}, err
		}
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: "assistant", Content: f.response}},
		},
		Usage: openai.Usage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30},
	}, nil
}

type fakeBus struct {
	replies []*actions.DomainAction
}

func (f *fakeBus) PublishReply(_ context.Context, r *actions.DomainAction) (string, error) {
	f.replies = append(f.replies, r)
	return "1-0", nil
}

type queryFixture struct {
	svc      *Service
	embedder *fakeEmbedder
	search   *fakeSearcher
	provider *fakeProvider
	bus      *fakeBus
}

func newQueryFixture() *queryFixture {
	f := &queryFixture{
		embedder: &fakeEmbedder{},
		search:   &fakeSearcher{},
		provider: &fakeProvider{response: "Vacation is 25 days per year."},
		bus:      &fakeBus{},
	}
	f.svc = NewService(f.embedder, f.search, nil, f.provider, f.bus, config.ProviderConfig{
		EmbeddingModel:      "text-embedding-3-small",
		EmbeddingDimensions: 1536,
		RequestTimeout:      5 * time.Second,
		MaxRetries:          3,
	})
	return f
}

func queryAction(rag *models.RAGConfig, messages ...models.Message) *actions.DomainAction {
	a := actions.New(actions.TypeQueryGenerateSimple, actions.ServiceExecution)
	a.CallbackActionType = actions.TypeQueryResult
	a.TenantID = "tenant-1"
	a.AgentID = "agent-1"
	a.TaskID = "task-1"
	a.QueryConfig = &models.QueryConfig{
		Model:                "llama-3.3-70b-versatile",
		Temperature:          0.2,
		MaxTokens:            512,
		TopP:                 0.9,
		SystemPromptTemplate: "You are a helpful assistant.",
	}
	a.RAGConfig = rag
	if _, err := a.WithPayload(&actions.QueryPayload{Messages: messages}); err != nil {
		panic(err)
	}
	return a
}

func decodeReply(t *testing.T, bus *fakeBus) actions.QueryResultPayload {
	t.Helper()
	require.Len(t, bus.replies, 1)
	var result actions.QueryResultPayload
	require.NoError(t, bus.replies[0].DecodeInto(&result))
	return result
}

func TestHandleAction_RAG(t *testing.T) {
	f := newQueryFixture()
	f.search.chunks = []vectorstore.RetrievedChunk{
		{ChunkID: "c-1", Score: 0.91, Content: "Employees receive 25 days of vacation.",
			CollectionID: "col-a", DocumentName: "Handbook"},
		{ChunkID: "c-2", Score: 0.72, Content: "Carry-over is capped at five days.",
			CollectionID: "col-a", DocumentName: "Handbook"},
	}

	rag := &models.RAGConfig{
		TopK: 5, SimilarityThreshold: 0.3, CollectionIDs: []string{"col-a"},
		EmbeddingModel: "text-embedding-3-small", EmbeddingDimensions: 1536,
	}
	a := queryAction(rag, models.Message{Role: models.RoleUser, Content: "How much vacation do I get?"})
	require.NoError(t, f.svc.HandleAction(context.Background(), a))

	result := decodeReply(t, f.bus)
	assert.Empty(t, result.Error)
	assert.Equal(t, "Vacation is 25 days per year.", result.Content)
	assert.Equal(t, []string{"c-1", "c-2"}, result.Sources)
	assert.Equal(t, 34, result.Usage.TotalTokens, "embedding and chat usage accumulate")

	t.Run("tenant scope reaches search and embedder", func(t *testing.T) {
		assert.Equal(t, "tenant-1", f.embedder.lastTenant)
		assert.Equal(t, "tenant-1", f.search.lastParams.TenantID)
		assert.Equal(t, "agent-1", f.search.lastParams.AgentID)
		assert.Equal(t, 5, f.search.lastParams.Limit)
	})

	t.Run("system prompt carries the chunks", func(t *testing.T) {
		require.NotEmpty(t, f.provider.lastReq.Messages)
		system := f.provider.lastReq.Messages[0]
		assert.Equal(t, openai.ChatMessageRoleSystem, system.Role)
		assert.Contains(t, system.Content, "You are a helpful assistant.")
		assert.Contains(t, system.Content, "Knowledge Chunks:")
		assert.Contains(t, system.Content, "[Source 1: col-a/Handbook, Score: 0.9100]")
		assert.Contains(t, system.Content, "Employees receive 25 days")
	})
}

func TestHandleAction_RetrievalDisabled(t *testing.T) {
	t.Run("nil rag_config", func(t *testing.T) {
		f := newQueryFixture()
		a := queryAction(nil, models.Message{Role: models.RoleUser, Content: "Hello"})
		require.NoError(t, f.svc.HandleAction(context.Background(), a))

		result := decodeReply(t, f.bus)
		assert.Empty(t, result.Error)
		assert.Empty(t, result.Sources)
		assert.Zero(t, f.embedder.calls, "no embedding without retrieval")
	})

	t.Run("no-documents sentinel", func(t *testing.T) {
		f := newQueryFixture()
		rag := &models.RAGConfig{CollectionIDs: []string{models.CollectionSentinelNone}}
		a := queryAction(rag, models.Message{Role: models.RoleUser, Content: "Hello"})
		require.NoError(t, f.svc.HandleAction(context.Background(), a))

		result := decodeReply(t, f.bus)
		assert.Empty(t, result.Error)
		assert.Zero(t, f.embedder.calls)
	})
}

func TestHandleAction_Validation(t *testing.T) {
	t.Run("missing query_config", func(t *testing.T) {
		f := newQueryFixture()
		a := queryAction(nil, models.Message{Role: models.RoleUser, Content: "Hello"})
		a.QueryConfig = nil
		require.NoError(t, f.svc.HandleAction(context.Background(), a))

		result := decodeReply(t, f.bus)
		assert.Equal(t, "validation", result.ErrorType)
		assert.Zero(t, f.provider.calls)
	})

	t.Run("no user message", func(t *testing.T) {
		f := newQueryFixture()
		a := queryAction(nil, models.Message{Role: models.RoleSystem, Content: "Be terse."})
		require.NoError(t, f.svc.HandleAction(context.Background(), a))

		result := decodeReply(t, f.bus)
		assert.Equal(t, "validation", result.ErrorType)
		assert.Contains(t, result.Error, "no user message")
	})

	t.Run("bad sampling range", func(t *testing.T) {
		f := newQueryFixture()
		a := queryAction(nil, models.Message{Role: models.RoleUser, Content: "Hello"})
		a.QueryConfig.Temperature = 1.5
		require.NoError(t, f.svc.HandleAction(context.Background(), a))

		result := decodeReply(t, f.bus)
		assert.Equal(t, "validation", result.ErrorType)
	})
}

func TestHandleAction_RetrievalFailure(t *testing.T) {
	f := newQueryFixture()
	f.embedder.err = models.NewExternalServiceError("openai", true, errors.New("rate limited"))

	rag := &models.RAGConfig{
		TopK: 5, CollectionIDs: []string{"col-a"},
		EmbeddingModel: "text-embedding-3-small", EmbeddingDimensions: 1536,
	}
	a := queryAction(rag, models.Message{Role: models.RoleUser, Content: "Hello"})
	require.NoError(t, f.svc.HandleAction(context.Background(), a))

	result := decodeReply(t, f.bus)
	assert.Equal(t, "retrieval", result.ErrorType)
	assert.Zero(t, f.provider.calls, "no generation after failed retrieval")
}

func TestGenerate_Retries(t *testing.T) {
	t.Run("transient errors are retried", func(t *testing.T) {
		f := newQueryFixture()
		f.provider.errs = []error{&openai.APIError{HTTPStatusCode: 429}, nil}

		a := queryAction(nil, models.Message{Role: models.RoleUser, Content: "Hello"})
		require.NoError(t, f.svc.HandleAction(context.Background(), a))

		result := decodeReply(t, f.bus)
		assert.Empty(t, result.Error)
		assert.Equal(t, 2, f.provider.calls)
	})

	t.Run("permanent errors are not", func(t *testing.T) {
		f := newQueryFixture()
		f.provider.errs = []error{&openai.APIError{HTTPStatusCode: 400}}

		a := queryAction(nil, models.Message{Role: models.RoleUser, Content: "Hello"})
		require.NoError(t, f.svc.HandleAction(context.Background(), a))

		result := decodeReply(t, f.bus)
		assert.Equal(t, "generation", result.ErrorType)
		assert.Equal(t, 1, f.provider.calls)
	})
}

func TestAssembleMessages(t *testing.T) {
	chunks := []vectorstore.RetrievedChunk{{ChunkID: "c-1", Content: "fact", CollectionID: "col", DocumentName: "doc"}}
	messages := []models.Message{
		{Role: models.RoleSystem, Content: "client-side system prompt"},
		{Role: models.RoleUser, Content: "question one"},
		{Role: models.RoleAssistant, Content: "answer one"},
		{Role: models.RoleUser, Content: "question two"},
	}

	out := assembleMessages("template", chunks, messages)
	require.Len(t, out, 4, "template replaces inbound system messages")
	assert.Equal(t, openai.ChatMessageRoleSystem, out[0].Role)
	assert.Contains(t, out[0].Content, "template")
	assert.NotContains(t, out[0].Content, "client-side system prompt")
	assert.Equal(t, "question two", out[3].Content)
}

func TestBuildSystemPrompt_NoChunks(t *testing.T) {
	assert.Equal(t, "template", buildSystemPrompt("template", nil))
}
