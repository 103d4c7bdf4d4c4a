// Package metadata is the Supabase (Postgres) metadata store. Two pools:
// the public pool runs under the anon role with RLS enforced and serves
// agent lookups; the admin pool runs under the service role for writes
// and RLS-bypassing reads.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nooble-ai/nooble/pkg/config"
	"github.com/nooble-ai/nooble/pkg/models"
)

// Store wraps the two connection pools. Safe for concurrent use.
type Store struct {
	public *pgxpool.Pool
	admin  *pgxpool.Pool
	log    *slog.Logger
}

// New opens the pools. AdminDSN is required; when PublicDSN is empty the
// admin pool also serves public reads (single-role deployments).
func New(ctx context.Context, cfg config.MetadataConfig) (*Store, error) {
	if cfg.AdminDSN == "" {
		return nil, fmt.Errorf("SUPABASE_ADMIN_DSN is required")
	}
	admin, err := pgxpool.New(ctx, cfg.AdminDSN)
	if err != nil {
		return nil, fmt.Errorf("opening admin pool: %w", err)
	}

	public := admin
	if cfg.PublicDSN != "" {
		public, err = pgxpool.New(ctx, cfg.PublicDSN)
		if err != nil {
			admin.Close()
			return nil, fmt.Errorf("opening public pool: %w", err)
		}
	}

	return &Store{
		public: public,
		admin:  admin,
		log:    slog.With("component", "metadata"),
	}, nil
}

// Close releases both pools.
func (s *Store) Close() {
	if s.public != s.admin {
		s.public.Close()
	}
	s.admin.Close()
}

// Ping reports connectivity for the health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.admin.Ping(ctx); err != nil {
		return &models.ExternalServiceError{Service: "metadata", Transient: true, Err: err}
	}
	return nil
}

const agentQuery = `
SELECT agent_id, agent_name, tenant_id,
       execution_config, query_config, rag_config
FROM agents_with_prompt
WHERE agent_id = $1`

// GetAgent resolves an agent's configs, public-first with a privileged
// fallback. Returns ErrNotFound when neither pool can see the agent.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*models.AgentConfigs, error) {
	agent, err := s.scanAgent(ctx, s.public, agentID)
	if err == nil {
		return agent, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		s.log.Warn("Public agent lookup failed, trying privileged pool",
			"agent_id", agentID, "error", err)
	}
	return s.scanAgent(ctx, s.admin, agentID)
}

func (s *Store) scanAgent(ctx context.Context, pool *pgxpool.Pool, agentID string) (*models.AgentConfigs, error) {
	var (
		agent    models.AgentConfigs
		execRaw  []byte
		queryRaw []byte
		ragRaw   []byte
	)
	err := pool.QueryRow(ctx, agentQuery, agentID).Scan(
		&agent.AgentID, &agent.AgentName, &agent.TenantID,
		&execRaw, &queryRaw, &ragRaw,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("agent %s: %w", agentID, models.ErrNotFound)
		}
		return nil, &models.ExternalServiceError{Service: "metadata", Transient: true, Err: err}
	}

	if err := decodeConfig(execRaw, &agent.ExecutionConfig); err != nil {
		return nil, fmt.Errorf("agent %s execution_config: %w", agentID, err)
	}
	if err := decodeConfig(queryRaw, &agent.QueryConfig); err != nil {
		return nil, fmt.Errorf("agent %s query_config: %w", agentID, err)
	}
	if err := decodeConfig(ragRaw, &agent.RAGConfig); err != nil {
		return nil, fmt.Errorf("agent %s rag_config: %w", agentID, err)
	}
	if err := agent.Validate(); err != nil {
		return nil, err
	}
	return &agent, nil
}

// decodeConfig unmarshals a nullable jsonb column into *T, leaving the
// target nil for SQL NULL.
func decodeConfig[T any](raw []byte, target **T) error {
	if len(raw) == 0 {
		return nil
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return err
	}
	*target = v
	return nil
}
