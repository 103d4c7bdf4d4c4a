package vectorstore

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooble-ai/nooble/pkg/models"
)

func TestSearchFilter(t *testing.T) {
	t.Run("mandatory scope", func(t *testing.T) {
		f := searchFilter(SearchParams{
			TenantID:      "tenant-1",
			AgentID:       "agent-1",
			CollectionIDs: []string{"col-a", "col-b"},
		})
		require.Len(t, f.Must, 3)
	})

	t.Run("document scope added when present", func(t *testing.T) {
		f := searchFilter(SearchParams{
			TenantID:      "tenant-1",
			AgentID:       "agent-1",
			CollectionIDs: []string{"col-a"},
			DocumentIDs:   []string{"doc-1"},
		})
		require.Len(t, f.Must, 4)
	})
}

func TestChunkFromPayload(t *testing.T) {
	payload := qdrant.NewValueMap(map[string]any{
		"content":         "In document 'D':\n\nbody",
		"content_raw":     "body",
		"document_id":     "doc-1",
		"document_name":   "handbook.pdf",
		"collection_id":   "col-a",
		"section_context": "In document 'D':",
	})

	c := chunkFromPayload("chunk-1", 0.42, payload)
	assert.Equal(t, "chunk-1", c.ChunkID)
	assert.InDelta(t, 0.42, c.Score, 1e-6)
	assert.Equal(t, "body", c.ContentRaw)
	assert.Equal(t, "handbook.pdf", c.DocumentName)

	t.Run("missing fields default empty", func(t *testing.T) {
		c := chunkFromPayload("chunk-2", 0, map[string]*qdrant.Value{})
		assert.Empty(t, c.Content)
		assert.Empty(t, c.DocumentID)
	})
}

func TestChunkPayload(t *testing.T) {
	chunk := &models.ChunkModel{
		ChunkID:      "chunk-1",
		DocumentID:   "doc-1",
		TenantID:     "tenant-1",
		CollectionID: "col-a",
		AgentIDs:     []string{"agent-1", "agent-2"},
		ChunkIndex:   3,
		Content:      "In document 'D':\n\nbody",
		ContentRaw:   "body",
		FactDensity:  0.8,
		NormalizedEntities: map[string][]string{
			"person": {"Ada Lovelace"},
		},
	}

	payload := chunkPayload(chunk)
	assert.Equal(t, "tenant-1", payload["tenant_id"].GetStringValue())
	assert.Equal(t, int64(3), payload["chunk_index"].GetIntegerValue())
	assert.InDelta(t, 0.8, payload["fact_density"].GetDoubleValue(), 1e-6)
	require.NotNil(t, payload["agent_ids"].GetListValue())
	assert.Len(t, payload["agent_ids"].GetListValue().Values, 2)
	assert.NotNil(t, payload["normalized_entities"].GetStructValue())

	t.Run("optional fields omitted when empty", func(t *testing.T) {
		p := chunkPayload(&models.ChunkModel{ChunkID: "c"})
		_, hasAnchors := p["search_anchors"]
		_, hasDensity := p["fact_density"]
		assert.False(t, hasAnchors)
		assert.False(t, hasDensity)
	})
}

func TestFactDensityFormula(t *testing.T) {
	q := factDensityFormula(0.3)
	require.NotNil(t, q)
	formula := q.GetFormula()
	require.NotNil(t, formula)
	assert.NotNil(t, formula.Expression.GetMult())
	assert.InDelta(t, 0.5, formula.Defaults["fact_density"].GetDoubleValue(), 1e-6)
}
