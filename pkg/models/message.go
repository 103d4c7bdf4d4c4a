// Package models contains the shared domain types exchanged between
// services: chat messages, typed configs, ingestion tasks, and chunks.
package models

import "time"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversation message.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// TokenUsage reports token consumption from an LLM or embedding call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage from another call.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ChatRequest is the inbound chat payload carried by a chat_message WebSocket
// frame and forwarded to the execution service.
type ChatRequest struct {
	Messages []Message      `json:"messages"`
	Tools    []ToolSpec     `json:"tools,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ToolSpec declares a tool the client wants available for the turn. Its
// presence switches the execution mode from simple to advance.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ChatResponse is the terminal result of one chat turn.
type ChatResponse struct {
	Message         Message        `json:"message"`
	Usage           TokenUsage     `json:"usage"`
	ConversationID  string         `json:"conversation_id"`
	Sources         []string       `json:"sources"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// ConversationHistory is the ordered exchange log for one
// (tenant, session, agent) triple. Cached under a TTL by the execution
// service and persisted asynchronously by the conversation service.
type ConversationHistory struct {
	ConversationID string    `json:"conversation_id"`
	TenantID       string    `json:"tenant_id"`
	SessionID      string    `json:"session_id"`
	AgentID        string    `json:"agent_id"`
	Messages       []Message `json:"messages"`
	UpdatedAt      time.Time `json:"updated_at"`
}
