// Package vectorstore wraps the Qdrant client behind the platform's
// single shared collection. Tenant isolation is enforced here: every
// query and delete carries a mandatory tenant filter.
package vectorstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qdrant/go-client/qdrant"

	"github.com/nooble-ai/nooble/pkg/bm25"
	"github.com/nooble-ai/nooble/pkg/config"
	"github.com/nooble-ai/nooble/pkg/models"
)

// Named vectors inside the shared collection.
const (
	DenseVectorName  = "dense"
	SparseVectorName = "bm25"
)

// Store is the vector-store client. Safe for concurrent use.
type Store struct {
	client     *qdrant.Client
	collection string
	dimensions uint64
	vectorizer *bm25.Vectorizer
	log        *slog.Logger
}

// New connects to Qdrant. EnsureCollection must be called before the
// first upsert.
func New(cfg config.QdrantConfig) (*Store, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}
	return &Store{
		client:     client,
		collection: cfg.Collection,
		dimensions: uint64(cfg.DenseDimensions),
		vectorizer: bm25.NewVectorizer(),
		log:        slog.With("component", "vectorstore", "collection", cfg.Collection),
	}, nil
}

// Close releases the underlying gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Vectorizer returns the shared BM25 vectorizer.
func (s *Store) Vectorizer() *bm25.Vectorizer { return s.vectorizer }

// Ping reports connectivity for the health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.HealthCheck(ctx)
	if err != nil {
		return &models.ExternalServiceError{Service: "qdrant", Transient: true, Err: err}
	}
	return nil
}

// EnsureCollection creates the shared collection and its payload indexes
// if they do not exist. Idempotent.
func (s *Store) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", s.collection, err)
	}
	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
				DenseVectorName: {
					Size:     s.dimensions,
					Distance: qdrant.Distance_Cosine,
				},
			}),
			SparseVectorsConfig: qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
				SparseVectorName: {
					Modifier: qdrant.Modifier_Idf.Enum(),
				},
			}),
		})
		if err != nil {
			return fmt.Errorf("creating collection %s: %w", s.collection, err)
		}
		s.log.Info("Collection created", "dimensions", s.dimensions)
	}
	return s.ensureIndexes(ctx)
}

// ensureIndexes creates the keyword, numeric, and full-text payload
// indexes required by the hybrid search contract.
func (s *Store) ensureIndexes(ctx context.Context) error {
	keyword := []string{"tenant_id", "collection_id", "agent_ids", "document_id", "document_nature"}
	for _, field := range keyword {
		if err := s.createIndex(ctx, field, qdrant.FieldType_FieldTypeKeyword, nil); err != nil {
			return err
		}
	}
	if err := s.createIndex(ctx, "fact_density", qdrant.FieldType_FieldTypeFloat, nil); err != nil {
		return err
	}
	textParams := &qdrant.PayloadIndexParams{
		IndexParams: &qdrant.PayloadIndexParams_TextIndexParams{
			TextIndexParams: &qdrant.TextIndexParams{
				Tokenizer: qdrant.TokenizerType_Word,
				Lowercase: qdrant.PtrOf(true),
			},
		},
	}
	for _, field := range []string{"content", "search_anchors", "atomic_facts"} {
		if err := s.createIndex(ctx, field, qdrant.FieldType_FieldTypeText, textParams); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) createIndex(ctx context.Context, field string, ft qdrant.FieldType, params *qdrant.PayloadIndexParams) error {
	_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName:   s.collection,
		FieldName:        field,
		FieldType:        ft.Enum(),
		FieldIndexParams: params,
	})
	if err != nil {
		return fmt.Errorf("creating payload index %s: %w", field, err)
	}
	return nil
}
