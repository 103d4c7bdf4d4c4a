package metadata

import (
	"context"
	"fmt"

	"github.com/nooble-ai/nooble/pkg/models"
)

// SaveExchange persists one user/assistant turn: the conversation row is
// upserted, then both messages are inserted. Called fire-and-forget by
// the conversation worker.
func (s *Store) SaveExchange(ctx context.Context, conversationID, tenantID, sessionID, agentID, userID string, userMsg, agentMsg models.Message, metadata map[string]any) error {
	tx, err := s.admin.Begin(ctx)
	if err != nil {
		return &models.ExternalServiceError{Service: "metadata", Transient: true, Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
INSERT INTO conversations (conversation_id, tenant_id, session_id, agent_id, user_id, metadata, last_message_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, now())
ON CONFLICT (conversation_id) DO UPDATE SET
    last_message_at = now(),
    metadata = EXCLUDED.metadata`,
		conversationID, tenantID, sessionID, agentID, userID, metadata,
	)
	if err != nil {
		return &models.ExternalServiceError{
			Service:   "metadata",
			Transient: true,
			Err:       fmt.Errorf("upserting conversation %s: %w", conversationID, err),
		}
	}

	const insertMessage = `
INSERT INTO messages (conversation_id, role, content, created_at)
VALUES ($1, $2, $3, $4)`
	for _, msg := range []models.Message{userMsg, agentMsg} {
		if _, err := tx.Exec(ctx, insertMessage, conversationID, msg.Role, msg.Content, msg.Timestamp); err != nil {
			return &models.ExternalServiceError{
				Service:   "metadata",
				Transient: true,
				Err:       fmt.Errorf("inserting %s message: %w", msg.Role, err),
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &models.ExternalServiceError{Service: "metadata", Transient: true, Err: err}
	}
	return nil
}

// CloseConversation marks a conversation closed. Missing rows are not an
// error: a session may close before its first exchange persisted.
func (s *Store) CloseConversation(ctx context.Context, conversationID, reason string) error {
	_, err := s.admin.Exec(ctx, `
UPDATE conversations
SET closed_at = now(), close_reason = NULLIF($2, '')
WHERE conversation_id = $1 AND closed_at IS NULL`,
		conversationID, reason,
	)
	if err != nil {
		return &models.ExternalServiceError{
			Service:   "metadata",
			Transient: true,
			Err:       fmt.Errorf("closing conversation %s: %w", conversationID, err),
		}
	}
	return nil
}
