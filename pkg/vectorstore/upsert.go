package vectorstore

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/nooble-ai/nooble/pkg/bm25"
	"github.com/nooble-ai/nooble/pkg/models"
)

// UpsertChunks indexes all chunks that carry an embedding. Idempotent by
// chunk_id. On failure every chunk_id of the batch is reported failed;
// the owning task decides what to do, there is no in-band retry.
func (s *Store) UpsertChunks(ctx context.Context, chunks []*models.ChunkModel) (failedIDs []string, err error) {
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		indices, values := s.vectorizer.Vector(bm25.ComposeText(c))
		points = append(points, &qdrant.PointStruct{
			Id: qdrant.NewID(c.ChunkID),
			Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{
				DenseVectorName:  qdrant.NewVectorDense(c.Embedding),
				SparseVectorName: qdrant.NewVectorSparse(indices, values),
			}),
			Payload: chunkPayload(c),
		})
		ids = append(ids, c.ChunkID)
	}
	if len(points) == 0 {
		return nil, nil
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return ids, &models.ExternalServiceError{
			Service:   "qdrant",
			Transient: true,
			Err:       fmt.Errorf("upserting %d points: %w", len(points), err),
		}
	}
	s.log.Debug("Chunks upserted", "count", len(points))
	return nil, nil
}

// DeleteByDocument removes every point of a document under the tenant
// filter, waiting for the deletion to apply.
func (s *Store) DeleteByDocument(ctx context.Context, tenantID, collectionID, documentID string) error {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("tenant_id", tenantID),
			qdrant.NewMatch("collection_id", collectionID),
			qdrant.NewMatch("document_id", documentID),
		},
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	if err != nil {
		return &models.ExternalServiceError{
			Service:   "qdrant",
			Transient: true,
			Err:       fmt.Errorf("deleting document %s: %w", documentID, err),
		}
	}
	return nil
}

// UpdateAgentIDs rewrites the agent_ids payload field for every point of
// a document. Used by agent reassignment.
func (s *Store) UpdateAgentIDs(ctx context.Context, tenantID, collectionID, documentID string, agentIDs []string) error {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("tenant_id", tenantID),
			qdrant.NewMatch("collection_id", collectionID),
			qdrant.NewMatch("document_id", documentID),
		},
	}
	_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Payload:        qdrant.NewValueMap(map[string]any{"agent_ids": toAnySlice(agentIDs)}),
		PointsSelector: qdrant.NewPointsSelectorFilter(filter),
	})
	if err != nil {
		return &models.ExternalServiceError{
			Service:   "qdrant",
			Transient: true,
			Err:       fmt.Errorf("updating agent_ids for document %s: %w", documentID, err),
		}
	}
	return nil
}

// chunkPayload builds the indexed payload for one chunk.
func chunkPayload(c *models.ChunkModel) map[string]*qdrant.Value {
	payload := map[string]any{
		"tenant_id":       c.TenantID,
		"collection_id":   c.CollectionID,
		"agent_ids":       toAnySlice(c.AgentIDs),
		"document_id":     c.DocumentID,
		"chunk_index":     int64(c.ChunkIndex),
		"content":         c.Content,
		"content_raw":     c.ContentRaw,
		"section_title":   c.SectionTitle,
		"section_level":   int64(c.SectionLevel),
		"section_context": c.SectionContext,
		"parent_title":    c.ParentTitle,
		"document_name":   c.DocumentName,
		"document_type":   c.DocumentType,
		"document_nature": c.DocumentNature,
		"language":        c.Language,
		"page_count":      int64(c.PageCount),
		"has_tables":      c.HasTables,
	}
	if len(c.SpacyNounChunks) > 0 {
		payload["spacy_noun_chunks"] = toAnySlice(c.SpacyNounChunks)
	}
	if len(c.SearchAnchors) > 0 {
		payload["search_anchors"] = toAnySlice(c.SearchAnchors)
	}
	if len(c.AtomicFacts) > 0 {
		payload["atomic_facts"] = toAnySlice(c.AtomicFacts)
	}
	if c.FactDensity > 0 {
		payload["fact_density"] = float64(c.FactDensity)
	}
	if len(c.NormalizedEntities) > 0 {
		normalized := make(map[string]any, len(c.NormalizedEntities))
		for label, vals := range c.NormalizedEntities {
			normalized[label] = toAnySlice(vals)
		}
		payload["normalized_entities"] = normalized
	}
	return qdrant.NewValueMap(payload)
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
