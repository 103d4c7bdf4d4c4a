// Package execution handles chat turns: history integration, query
// dispatch, response assembly, and asynchronous conversation persistence.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nooble-ai/nooble/pkg/models"
)

// Cache is the subset of the Redis client used for history and pending
// turn state.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// HistoryStore caches conversation history per (tenant, session, agent)
// triple. The store is the working copy; durable persistence happens
// asynchronously in the conversation service.
type HistoryStore struct {
	rdb Cache
	env string
}

// NewHistoryStore creates the history cache layer.
func NewHistoryStore(rdb Cache, env string) *HistoryStore {
	return &HistoryStore{rdb: rdb, env: env}
}

func (h *HistoryStore) key(tenantID, sessionID, agentID string) string {
	return fmt.Sprintf("nooble:%s:history:%s:%s:%s", h.env, tenantID, sessionID, agentID)
}

// Get loads the history, creating a fresh one with a new conversation ID
// on first use.
func (h *HistoryStore) Get(ctx context.Context, tenantID, sessionID, agentID string) (*models.ConversationHistory, error) {
	data, err := h.rdb.Get(ctx, h.key(tenantID, sessionID, agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &models.ConversationHistory{
			ConversationID: uuid.New().String(),
			TenantID:       tenantID,
			SessionID:      sessionID,
			AgentID:        agentID,
		}, nil
	}
	if err != nil {
		return nil, models.NewExternalServiceError("redis", true, err)
	}
	var history models.ConversationHistory
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("decoding history for session %s: %w", sessionID, err)
	}
	return &history, nil
}

// Save writes the history back, refreshing the TTL.
func (h *HistoryStore) Save(ctx context.Context, history *models.ConversationHistory, ttl time.Duration) error {
	history.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encoding history for session %s: %w", history.SessionID, err)
	}
	key := h.key(history.TenantID, history.SessionID, history.AgentID)
	if err := h.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return models.NewExternalServiceError("redis", true, err)
	}
	return nil
}

// integrate builds the outbound message list for one turn: prior history
// truncated to maxLen with its system messages collapsed into a single
// leading prefix, followed by the inbound system messages, followed by the
// inbound conversation messages.
func integrate(history []models.Message, maxLen int, inbound []models.Message) []models.Message {
	if maxLen > 0 && len(history) > maxLen {
		history = history[len(history)-maxLen:]
	}

	var systemParts []string
	var past []models.Message
	for _, m := range history {
		if m.Role == models.RoleSystem {
			systemParts = append(systemParts, m.Content)
			continue
		}
		past = append(past, m)
	}

	var out []models.Message
	if len(systemParts) > 0 {
		out = append(out, models.Message{
			Role:    models.RoleSystem,
			Content: joinNonEmpty(systemParts),
		})
	}
	out = append(out, past...)
	for _, m := range inbound {
		if m.Role == models.RoleSystem {
			out = append(out, m)
		}
	}
	for _, m := range inbound {
		if m.Role != models.RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

func joinNonEmpty(parts []string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p
	}
	return out
}
