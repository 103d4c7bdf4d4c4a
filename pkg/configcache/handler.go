// Package configcache resolves agent configurations through a two-level
// cache: an in-process map, then Redis, then the metadata store. Stale
// reads are acceptable up to the TTL; explicit invalidation clears both
// levels.
package configcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nooble-ai/nooble/pkg/models"
)

// MetadataSource is the subset of the metadata store used for resolution.
type MetadataSource interface {
	GetAgent(ctx context.Context, agentID string) (*models.AgentConfigs, error)
	TenantCollections(ctx context.Context, tenantID string) ([]string, error)
}

// Cache is the subset of the Redis client used for the second cache level.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type cachedEntry struct {
	configs   *models.AgentConfigs
	fetchedAt time.Time
}

// Handler is the agent-config resolver. Safe for concurrent use.
type Handler struct {
	rdb   Cache
	store MetadataSource
	env   string
	ttl   time.Duration
	log   *slog.Logger

	mu    sync.RWMutex
	local map[string]cachedEntry
}

// New creates a resolver with the given cache TTL.
func New(rdb Cache, store MetadataSource, env string, ttl time.Duration) *Handler {
	return &Handler{
		rdb:   rdb,
		store: store,
		env:   env,
		ttl:   ttl,
		log:   slog.With("component", "configcache"),
		local: make(map[string]cachedEntry),
	}
}

func (h *Handler) redisKey(agentID string) string {
	return fmt.Sprintf("nooble:%s:agent-config:%s", h.env, agentID)
}

// GetAgentConfigs resolves an agent. Within the TTL two sequential calls
// return equal results and touch the metadata store at most once. The
// returned value is shared; callers must not mutate it.
func (h *Handler) GetAgentConfigs(ctx context.Context, agentID string) (*models.AgentConfigs, error) {
	if agentID == "" {
		return nil, models.NewValidationError("agent_id", "required")
	}

	h.mu.RLock()
	entry, ok := h.local[agentID]
	h.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < h.ttl {
		return entry.configs, nil
	}

	if configs := h.fromRedis(ctx, agentID); configs != nil {
		h.storeLocal(agentID, configs)
		return configs, nil
	}

	configs, err := h.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := h.rewriteCollections(ctx, configs); err != nil {
		return nil, err
	}

	h.toRedis(ctx, agentID, configs)
	h.storeLocal(agentID, configs)
	return configs, nil
}

// Invalidate removes an agent from both cache levels.
func (h *Handler) Invalidate(ctx context.Context, agentID string) {
	h.mu.Lock()
	delete(h.local, agentID)
	h.mu.Unlock()

	if err := h.rdb.Del(ctx, h.redisKey(agentID)).Err(); err != nil {
		h.log.Warn("Cache invalidation failed", "agent_id", agentID, "error", err)
	}
}

// rewriteCollections replaces rag_config.collection_ids with the tenant's
// real collection set, or the no-documents sentinel when none exist, so
// downstream services never operate on stale or synthetic defaults.
func (h *Handler) rewriteCollections(ctx context.Context, a *models.AgentConfigs) error {
	if a.RAGConfig == nil {
		return nil
	}
	collections, err := h.store.TenantCollections(ctx, a.TenantID)
	if err != nil {
		return err
	}
	if len(collections) == 0 {
		a.RAGConfig.CollectionIDs = []string{models.CollectionSentinelNone}
		return nil
	}
	a.RAGConfig.CollectionIDs = collections
	return nil
}

func (h *Handler) storeLocal(agentID string, configs *models.AgentConfigs) {
	h.mu.Lock()
	h.local[agentID] = cachedEntry{configs: configs, fetchedAt: time.Now()}
	h.mu.Unlock()
}

func (h *Handler) fromRedis(ctx context.Context, agentID string) *models.AgentConfigs {
	raw, err := h.rdb.Get(ctx, h.redisKey(agentID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			h.log.Warn("Cache read failed", "agent_id", agentID, "error", err)
		}
		return nil
	}
	var configs models.AgentConfigs
	if err := json.Unmarshal(raw, &configs); err != nil {
		h.log.Warn("Corrupt cache entry dropped", "agent_id", agentID, "error", err)
		return nil
	}
	return &configs
}

func (h *Handler) toRedis(ctx context.Context, agentID string, configs *models.AgentConfigs) {
	raw, err := json.Marshal(configs)
	if err != nil {
		h.log.Warn("Cache encode failed", "agent_id", agentID, "error", err)
		return
	}
	if err := h.rdb.Set(ctx, h.redisKey(agentID), raw, h.ttl).Err(); err != nil {
		h.log.Warn("Cache write failed", "agent_id", agentID, "error", err)
	}
}
