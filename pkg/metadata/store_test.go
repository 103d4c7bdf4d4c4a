package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooble-ai/nooble/pkg/models"
)

func TestDecodeConfig(t *testing.T) {
	t.Run("null column leaves target nil", func(t *testing.T) {
		var cfg *models.QueryConfig
		require.NoError(t, decodeConfig(nil, &cfg))
		assert.Nil(t, cfg)
	})

	t.Run("jsonb column decodes", func(t *testing.T) {
		var cfg *models.QueryConfig
		raw := []byte(`{"model":"llama-3.3-70b-versatile","temperature":0.7,"max_tokens":1024}`)
		require.NoError(t, decodeConfig(raw, &cfg))
		require.NotNil(t, cfg)
		assert.Equal(t, "llama-3.3-70b-versatile", cfg.Model)
		assert.Equal(t, 1024, cfg.MaxTokens)
	})

	t.Run("malformed json errors", func(t *testing.T) {
		var cfg *models.RAGConfig
		assert.Error(t, decodeConfig([]byte(`{broken`), &cfg))
	})
}

func TestUpdateDocumentAgentsValidatesOperation(t *testing.T) {
	s := &Store{}
	_, err := s.UpdateDocumentAgents(context.Background(), "doc-1", []string{"agent-1"}, "replace")
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))
}
