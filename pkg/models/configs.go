package models

import "fmt"

// CollectionSentinelNone marks a rag_config whose tenant has no indexed
// collections. Downstream services skip retrieval entirely when they see it.
const CollectionSentinelNone = "no_documents_available"

// ExecutionConfig controls conversation handling in the execution service.
type ExecutionConfig struct {
	// HistoryTTLSeconds is the cache TTL for conversation history.
	HistoryTTLSeconds int `json:"history_ttl"`
	// MaxHistoryLength is the maximum number of prior messages integrated
	// into a new turn. System messages are collapsed into one prefix.
	MaxHistoryLength int `json:"max_history_length"`
	// TimeoutSeconds bounds the downstream query dispatch.
	TimeoutSeconds int `json:"timeout,omitempty"`
}

// QueryConfig controls LLM generation in the query service.
type QueryConfig struct {
	Model                string  `json:"model"`
	Temperature          float32 `json:"temperature"`
	MaxTokens            int     `json:"max_tokens"`
	TopP                 float32 `json:"top_p"`
	FrequencyPenalty     float32 `json:"frequency_penalty"`
	PresencePenalty      float32 `json:"presence_penalty"`
	SystemPromptTemplate string  `json:"system_prompt_template"`
	// TimeoutSeconds and MaxRetries override provider defaults per call.
	TimeoutSeconds int `json:"timeout,omitempty"`
	MaxRetries     int `json:"max_retries,omitempty"`
}

// Validate checks sampling parameter ranges.
func (c *QueryConfig) Validate() error {
	if c.Model == "" {
		return NewValidationError("query_config.model", "required")
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		return NewValidationError("query_config.temperature", "must be in [0,1]")
	}
	if c.MaxTokens <= 0 {
		return NewValidationError("query_config.max_tokens", "must be > 0")
	}
	if c.TopP < 0 || c.TopP > 1 {
		return NewValidationError("query_config.top_p", "must be in [0,1]")
	}
	if c.FrequencyPenalty < 0 || c.FrequencyPenalty > 1 {
		return NewValidationError("query_config.frequency_penalty", "must be in [0,1]")
	}
	if c.PresencePenalty < 0 || c.PresencePenalty > 1 {
		return NewValidationError("query_config.presence_penalty", "must be in [0,1]")
	}
	return nil
}

// RAGConfig controls retrieval and embedding behavior.
type RAGConfig struct {
	TopK                int      `json:"top_k"`
	SimilarityThreshold float32  `json:"similarity_threshold"`
	CollectionIDs       []string `json:"collection_ids"`
	DocumentIDs         []string `json:"document_ids,omitempty"`
	EmbeddingModel      string   `json:"embedding_model"`
	EmbeddingDimensions int      `json:"embedding_dimensions"`
	// MaxTextLength bounds a single embedding input, in characters.
	MaxTextLength int `json:"max_text_length,omitempty"`
	MaxRetries    int `json:"max_retries,omitempty"`
	// FactDensityBoost multiplies fused scores by (1 + boost*fact_density).
	FactDensityBoost float32 `json:"fact_density_boost,omitempty"`
	// FusionK is the RRF constant. Zero means the server default (60).
	FusionK int `json:"fusion_k,omitempty"`
}

// Validate checks retrieval parameter ranges.
func (c *RAGConfig) Validate() error {
	if c.TopK < 1 {
		return NewValidationError("rag_config.top_k", "must be >= 1")
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return NewValidationError("rag_config.similarity_threshold", "must be in [0,1]")
	}
	if len(c.CollectionIDs) == 0 {
		return NewValidationError("rag_config.collection_ids", "must not be empty")
	}
	return nil
}

// RetrievalDisabled reports whether retrieval should be skipped for this
// config: either no config at all or the no-documents sentinel.
func (c *RAGConfig) RetrievalDisabled() bool {
	if c == nil {
		return true
	}
	return len(c.CollectionIDs) == 1 && c.CollectionIDs[0] == CollectionSentinelNone
}

// AgentConfigs is the read-only fan-in resolved per agent from the metadata
// store: the three typed configs plus the owning tenant.
type AgentConfigs struct {
	AgentID         string           `json:"agent_id"`
	AgentName       string           `json:"agent_name"`
	TenantID        string           `json:"tenant_id"`
	ExecutionConfig *ExecutionConfig `json:"execution_config"`
	QueryConfig     *QueryConfig     `json:"query_config"`
	RAGConfig       *RAGConfig       `json:"rag_config"`
}

// Validate checks that the resolution produced a usable record.
func (a *AgentConfigs) Validate() error {
	if a.AgentID == "" {
		return NewValidationError("agent_id", "required")
	}
	if a.TenantID == "" {
		return fmt.Errorf("agent %s resolved without tenant: %w", a.AgentID, ErrNotFound)
	}
	return nil
}
