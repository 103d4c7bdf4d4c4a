package models

import "time"

// Session types.
const (
	SessionTypeChat = "chat"
)

// Session is a chat session owned by the orchestrator. For public chat the
// tenant is the agent owner's tenant; visitors have no tenant of their own.
// Invariant: at most one ActiveTaskID per session at a time.
type Session struct {
	SessionID          string         `json:"session_id"`
	TenantID           string         `json:"tenant_id"`
	AgentID            string         `json:"agent_id"`
	UserID             string         `json:"user_id,omitempty"`
	SessionType        string         `json:"session_type"`
	ActiveTaskID       string         `json:"active_task_id,omitempty"`
	TotalTasks         int            `json:"total_tasks"`
	ConnectionID       string         `json:"connection_id,omitempty"`
	WebSocketConnected bool           `json:"websocket_connected"`
	LastActivity       time.Time      `json:"last_activity"`
	CreatedAt          time.Time      `json:"created_at"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// SessionSummary is the external view returned by the status endpoint.
type SessionSummary struct {
	SessionID          string    `json:"session_id"`
	AgentID            string    `json:"agent_id"`
	SessionType        string    `json:"session_type"`
	ActiveTaskID       string    `json:"active_task_id,omitempty"`
	TotalTasks         int       `json:"total_tasks"`
	WebSocketConnected bool      `json:"websocket_connected"`
	LastActivity       time.Time `json:"last_activity"`
	CreatedAt          time.Time `json:"created_at"`
}

// Summary builds the external view of a session.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		SessionID:          s.SessionID,
		AgentID:            s.AgentID,
		SessionType:        s.SessionType,
		ActiveTaskID:       s.ActiveTaskID,
		TotalTasks:         s.TotalTasks,
		WebSocketConnected: s.WebSocketConnected,
		LastActivity:       s.LastActivity,
		CreatedAt:          s.CreatedAt,
	}
}
