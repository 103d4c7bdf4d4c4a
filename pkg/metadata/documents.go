package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nooble-ai/nooble/pkg/models"
)

// UpsertDocument writes the documents_rag row for a completed ingestion.
// Idempotent by document_id so duplicate embedding callbacks converge on
// the same row.
func (s *Store) UpsertDocument(ctx context.Context, rec *models.DocumentRecord) error {
	const q = `
INSERT INTO documents_rag (
    tenant_id, collection_id, document_id, document_name, document_type,
    embedding_model, embedding_dimensions, chunk_size, chunk_overlap,
    status, total_chunks, processed_chunks, agent_ids, metadata
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (document_id) DO UPDATE SET
    status = EXCLUDED.status,
    total_chunks = EXCLUDED.total_chunks,
    processed_chunks = EXCLUDED.processed_chunks,
    agent_ids = EXCLUDED.agent_ids,
    metadata = EXCLUDED.metadata`

	_, err := s.admin.Exec(ctx, q,
		rec.TenantID, rec.CollectionID, rec.DocumentID, rec.DocumentName,
		rec.DocumentType, rec.EmbeddingModel, rec.EmbeddingDimensions,
		rec.ChunkSize, rec.ChunkOverlap, rec.Status, rec.TotalChunks,
		rec.ProcessedChunks, rec.AgentIDs, rec.Metadata,
	)
	if err != nil {
		return &models.ExternalServiceError{
			Service:   "metadata",
			Transient: true,
			Err:       fmt.Errorf("upserting document %s: %w", rec.DocumentID, err),
		}
	}
	return nil
}

// GetDocument reads one documents_rag row via the privileged pool.
func (s *Store) GetDocument(ctx context.Context, documentID string) (*models.DocumentRecord, error) {
	const q = `
SELECT tenant_id, collection_id, document_id, document_name, document_type,
       embedding_model, embedding_dimensions, chunk_size, chunk_overlap,
       status, total_chunks, processed_chunks, agent_ids, metadata, created_at
FROM documents_rag
WHERE document_id = $1`

	var rec models.DocumentRecord
	err := s.admin.QueryRow(ctx, q, documentID).Scan(
		&rec.TenantID, &rec.CollectionID, &rec.DocumentID, &rec.DocumentName,
		&rec.DocumentType, &rec.EmbeddingModel, &rec.EmbeddingDimensions,
		&rec.ChunkSize, &rec.ChunkOverlap, &rec.Status, &rec.TotalChunks,
		&rec.ProcessedChunks, &rec.AgentIDs, &rec.Metadata, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("document %s: %w", documentID, models.ErrNotFound)
		}
		return nil, &models.ExternalServiceError{Service: "metadata", Transient: true, Err: err}
	}
	return &rec, nil
}

// DeleteDocument removes the metadata row. The vector points are deleted
// separately by the ingestion pipeline.
func (s *Store) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	tag, err := s.admin.Exec(ctx,
		`DELETE FROM documents_rag WHERE tenant_id = $1 AND document_id = $2`,
		tenantID, documentID,
	)
	if err != nil {
		return &models.ExternalServiceError{Service: "metadata", Transient: true, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", documentID, models.ErrNotFound)
	}
	return nil
}

// CollectionModel returns the embedding model and dimensions already in
// use by a (tenant, collection) pair. found is false for an empty
// collection.
func (s *Store) CollectionModel(ctx context.Context, tenantID, collectionID string) (model string, dimensions int, found bool, err error) {
	const q = `
SELECT embedding_model, embedding_dimensions
FROM documents_rag
WHERE tenant_id = $1 AND collection_id = $2
LIMIT 1`

	err = s.admin.QueryRow(ctx, q, tenantID, collectionID).Scan(&model, &dimensions)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, false, nil
		}
		return "", 0, false, &models.ExternalServiceError{Service: "metadata", Transient: true, Err: err}
	}
	return model, dimensions, true, nil
}

// TenantCollections lists the distinct collection IDs a tenant has
// documents in. RLS-bypassing read, used by config resolution.
func (s *Store) TenantCollections(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.admin.Query(ctx,
		`SELECT DISTINCT collection_id FROM documents_rag WHERE tenant_id = $1`,
		tenantID,
	)
	if err != nil {
		return nil, &models.ExternalServiceError{Service: "metadata", Transient: true, Err: err}
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Agent reassignment operations accepted by UpdateDocumentAgents.
const (
	AgentOpSet    = "set"
	AgentOpAdd    = "add"
	AgentOpRemove = "remove"
)

// UpdateDocumentAgents calls the update_document_agents database function
// and returns the resulting agent set.
func (s *Store) UpdateDocumentAgents(ctx context.Context, documentID string, agentIDs []string, operation string) ([]string, error) {
	switch operation {
	case AgentOpSet, AgentOpAdd, AgentOpRemove:
	default:
		return nil, models.NewValidationError("operation", "must be one of set, add, remove")
	}

	_, err := s.admin.Exec(ctx,
		`SELECT update_document_agents($1, $2, $3)`,
		documentID, agentIDs, operation,
	)
	if err != nil {
		return nil, &models.ExternalServiceError{
			Service:   "metadata",
			Transient: true,
			Err:       fmt.Errorf("update_document_agents(%s, %s): %w", documentID, operation, err),
		}
	}

	var result []string
	err = s.admin.QueryRow(ctx,
		`SELECT agent_ids FROM documents_rag WHERE document_id = $1`, documentID,
	).Scan(&result)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("document %s: %w", documentID, models.ErrNotFound)
		}
		return nil, &models.ExternalServiceError{Service: "metadata", Transient: true, Err: err}
	}
	return result, nil
}
