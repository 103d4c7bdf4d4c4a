package configcache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooble-ai/nooble/pkg/models"
)

type fakeStore struct {
	agent       *models.AgentConfigs
	agentErr    error
	collections []string
	getCalls    int
}

func (f *fakeStore) GetAgent(_ context.Context, agentID string) (*models.AgentConfigs, error) {
	f.getCalls++
	if f.agentErr != nil {
		return nil, f.agentErr
	}
	cp := *f.agent
	if f.agent.RAGConfig != nil {
		rag := *f.agent.RAGConfig
		cp.RAGConfig = &rag
	}
	return &cp, nil
}

func (f *fakeStore) TenantCollections(_ context.Context, _ string) ([]string, error) {
	return f.collections, nil
}

type fakeCache struct {
	entries map[string]string
	sets    int
	dels    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]string)}
}

func (f *fakeCache) Get(_ context.Context, key string) *redis.StringCmd {
	if v, ok := f.entries[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeCache) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.sets++
	f.entries[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeCache) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.dels++
	for _, k := range keys {
		delete(f.entries, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func testAgent() *models.AgentConfigs {
	return &models.AgentConfigs{
		AgentID:   "agent-1",
		AgentName: "Support Bot",
		TenantID:  "tenant-1",
		RAGConfig: &models.RAGConfig{
			TopK:           5,
			EmbeddingModel: "text-embedding-3-small",
			CollectionIDs:  []string{"default"},
		},
	}
}

func TestGetAgentConfigs(t *testing.T) {
	t.Run("resolves through store and populates both levels", func(t *testing.T) {
		store := &fakeStore{agent: testAgent(), collections: []string{"col-a", "col-b"}}
		cache := newFakeCache()
		h := New(cache, store, "test", time.Minute)

		got, err := h.GetAgentConfigs(context.Background(), "agent-1")
		require.NoError(t, err)
		assert.Equal(t, "tenant-1", got.TenantID)
		assert.Equal(t, []string{"col-a", "col-b"}, got.RAGConfig.CollectionIDs,
			"collection_ids rewritten to the tenant's real set")
		assert.Equal(t, 1, cache.sets)
		assert.Equal(t, 1, store.getCalls)
	})

	t.Run("no collections yields sentinel", func(t *testing.T) {
		store := &fakeStore{agent: testAgent(), collections: nil}
		h := New(newFakeCache(), store, "test", time.Minute)

		got, err := h.GetAgentConfigs(context.Background(), "agent-1")
		require.NoError(t, err)
		assert.Equal(t, []string{models.CollectionSentinelNone}, got.RAGConfig.CollectionIDs)
		assert.True(t, got.RAGConfig.RetrievalDisabled())
	})

	t.Run("second call within ttl hits local cache", func(t *testing.T) {
		store := &fakeStore{agent: testAgent(), collections: []string{"col-a"}}
		h := New(newFakeCache(), store, "test", time.Minute)

		first, err := h.GetAgentConfigs(context.Background(), "agent-1")
		require.NoError(t, err)
		second, err := h.GetAgentConfigs(context.Background(), "agent-1")
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, 1, store.getCalls, "at most one metadata read within TTL")
	})

	t.Run("redis hit skips the store", func(t *testing.T) {
		store := &fakeStore{agentErr: models.ErrNotFound}
		cache := newFakeCache()
		h := New(cache, store, "test", time.Minute)

		raw, err := json.Marshal(testAgent())
		require.NoError(t, err)
		cache.entries[h.redisKey("agent-1")] = string(raw)

		got, err := h.GetAgentConfigs(context.Background(), "agent-1")
		require.NoError(t, err)
		assert.Equal(t, "Support Bot", got.AgentName)
		assert.Zero(t, store.getCalls)
	})

	t.Run("unknown agent propagates not found", func(t *testing.T) {
		store := &fakeStore{agentErr: models.ErrNotFound}
		h := New(newFakeCache(), store, "test", time.Minute)

		_, err := h.GetAgentConfigs(context.Background(), "ghost")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("empty agent id rejected", func(t *testing.T) {
		h := New(newFakeCache(), &fakeStore{}, "test", time.Minute)
		_, err := h.GetAgentConfigs(context.Background(), "")
		assert.True(t, models.IsValidationError(err))
	})
}

func TestInvalidate(t *testing.T) {
	store := &fakeStore{agent: testAgent(), collections: []string{"col-a"}}
	cache := newFakeCache()
	h := New(cache, store, "test", time.Minute)

	_, err := h.GetAgentConfigs(context.Background(), "agent-1")
	require.NoError(t, err)

	h.Invalidate(context.Background(), "agent-1")
	assert.Equal(t, 1, cache.dels)
	assert.Empty(t, cache.entries)

	_, err = h.GetAgentConfigs(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 2, store.getCalls, "store consulted again after invalidation")
}
