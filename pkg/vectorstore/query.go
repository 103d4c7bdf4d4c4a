package vectorstore

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/nooble-ai/nooble/pkg/models"
)

// SearchParams scopes one hybrid search. TenantID and AgentID are
// mandatory; an empty CollectionIDs slice is a caller bug and returns a
// validation error.
type SearchParams struct {
	TenantID         string
	AgentID          string
	CollectionIDs    []string
	DocumentIDs      []string
	Limit            int
	ScoreThreshold   float32
	FactDensityBoost float32
}

// RetrievedChunk is one hybrid-search hit.
type RetrievedChunk struct {
	ChunkID        string  `json:"chunk_id"`
	Score          float32 `json:"score"`
	Content        string  `json:"content"`
	ContentRaw     string  `json:"content_raw"`
	DocumentID     string  `json:"document_id"`
	DocumentName   string  `json:"document_name"`
	CollectionID   string  `json:"collection_id"`
	SectionContext string  `json:"section_context"`
}

// HybridSearch runs dense and sparse prefetches under the tenant filter
// and fuses them with reciprocal rank fusion. When boost > 0 the fused
// score is rescored server-side by (1 + boost * fact_density), with 0.5
// for records missing fact_density; if the formula is rejected the search
// falls back to plain fusion.
func (s *Store) HybridSearch(ctx context.Context, dense []float32, sparseIndices []uint32, sparseValues []float32, p SearchParams) ([]RetrievedChunk, error) {
	if p.TenantID == "" || p.AgentID == "" {
		return nil, models.NewValidationError("tenant_id", "tenant and agent scope required for search")
	}
	if len(p.CollectionIDs) == 0 {
		return nil, models.NewValidationError("collection_ids", "required")
	}
	if p.Limit < 1 {
		p.Limit = 5
	}

	filter := searchFilter(p)
	prefetchLimit := uint64(p.Limit * 2)
	prefetch := []*qdrant.PrefetchQuery{
		{
			Query:  qdrant.NewQueryDense(dense),
			Using:  qdrant.PtrOf(DenseVectorName),
			Filter: filter,
			Limit:  qdrant.PtrOf(prefetchLimit),
		},
		{
			Query:  qdrant.NewQuerySparse(sparseIndices, sparseValues),
			Using:  qdrant.PtrOf(SparseVectorName),
			Filter: filter,
			Limit:  qdrant.PtrOf(prefetchLimit),
		},
	}

	query := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Prefetch:       prefetch,
		Query:          qdrant.NewQueryFusion(qdrant.Fusion_RRF),
		Limit:          qdrant.PtrOf(uint64(p.Limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if p.ScoreThreshold > 0 {
		query.ScoreThreshold = qdrant.PtrOf(p.ScoreThreshold)
	}

	if p.FactDensityBoost > 0 {
		boosted := &qdrant.QueryPoints{
			CollectionName: query.CollectionName,
			Prefetch: []*qdrant.PrefetchQuery{
				{
					Prefetch: prefetch,
					Query:    qdrant.NewQueryFusion(qdrant.Fusion_RRF),
					Limit:    qdrant.PtrOf(prefetchLimit),
				},
			},
			Query:          factDensityFormula(p.FactDensityBoost),
			Limit:          query.Limit,
			WithPayload:    query.WithPayload,
			ScoreThreshold: query.ScoreThreshold,
		}
		points, err := s.client.Query(ctx, boosted)
		if err == nil {
			return scoredChunks(points), nil
		}
		s.log.Warn("Boost formula rejected, falling back to plain fusion", "error", err)
	}

	points, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, &models.ExternalServiceError{
			Service:   "qdrant",
			Transient: true,
			Err:       fmt.Errorf("hybrid search: %w", err),
		}
	}
	return scoredChunks(points), nil
}

// AnchorSearch finds chunks whose search_anchors full-text index matches
// the query text. Convenience lookup, no vector involved.
func (s *Store) AnchorSearch(ctx context.Context, text string, p SearchParams) ([]RetrievedChunk, error) {
	return s.textSearch(ctx, "search_anchors", text, p)
}

// FactSearch finds chunks whose atomic_facts full-text index matches the
// query text.
func (s *Store) FactSearch(ctx context.Context, text string, p SearchParams) ([]RetrievedChunk, error) {
	return s.textSearch(ctx, "atomic_facts", text, p)
}

func (s *Store) textSearch(ctx context.Context, field, text string, p SearchParams) ([]RetrievedChunk, error) {
	if p.Limit < 1 {
		p.Limit = 5
	}
	filter := searchFilter(p)
	filter.Must = append(filter.Must, qdrant.NewMatchText(field, text))

	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint32(p.Limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, &models.ExternalServiceError{
			Service:   "qdrant",
			Transient: true,
			Err:       fmt.Errorf("%s search: %w", field, err),
		}
	}
	out := make([]RetrievedChunk, 0, len(points))
	for _, pt := range points {
		out = append(out, chunkFromPayload(pt.Id.GetUuid(), 0, pt.Payload))
	}
	return out, nil
}

// searchFilter builds the mandatory isolation filter.
func searchFilter(p SearchParams) *qdrant.Filter {
	must := []*qdrant.Condition{
		qdrant.NewMatch("tenant_id", p.TenantID),
		qdrant.NewMatch("agent_ids", p.AgentID),
		qdrant.NewMatchKeywords("collection_id", p.CollectionIDs...),
	}
	if len(p.DocumentIDs) > 0 {
		must = append(must, qdrant.NewMatchKeywords("document_id", p.DocumentIDs...))
	}
	return &qdrant.Filter{Must: must}
}

// factDensityFormula builds $score * (1 + boost * fact_density) with 0.5
// as the missing-value default.
func factDensityFormula(boost float32) *qdrant.Query {
	return qdrant.NewQueryFormula(&qdrant.Formula{
		Expression: qdrant.NewExpressionMult(&qdrant.MultExpression{
			Mult: []*qdrant.Expression{
				qdrant.NewExpressionVariable("$score"),
				qdrant.NewExpressionSum(&qdrant.SumExpression{
					Sum: []*qdrant.Expression{
						qdrant.NewExpressionConstant(1),
						qdrant.NewExpressionMult(&qdrant.MultExpression{
							Mult: []*qdrant.Expression{
								qdrant.NewExpressionConstant(boost),
								qdrant.NewExpressionVariable("fact_density"),
							},
						}),
					},
				}),
			},
		}),
		Defaults: qdrant.NewValueMap(map[string]any{"fact_density": 0.5}),
	})
}

func scoredChunks(points []*qdrant.ScoredPoint) []RetrievedChunk {
	out := make([]RetrievedChunk, 0, len(points))
	for _, pt := range points {
		out = append(out, chunkFromPayload(pt.Id.GetUuid(), pt.Score, pt.Payload))
	}
	return out
}

func chunkFromPayload(id string, score float32, payload map[string]*qdrant.Value) RetrievedChunk {
	str := func(field string) string {
		if v, ok := payload[field]; ok {
			return v.GetStringValue()
		}
		return ""
	}
	return RetrievedChunk{
		ChunkID:        id,
		Score:          score,
		Content:        str("content"),
		ContentRaw:     str("content_raw"),
		DocumentID:     str("document_id"),
		DocumentName:   str("document_name"),
		CollectionID:   str("collection_id"),
		SectionContext: str("section_context"),
	}
}
