// Package orchestrator is the public chat front door: session lifecycle,
// the chat WebSocket, pseudo-streaming of responses, and the callback
// consumer that closes the loop with the execution service.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nooble-ai/nooble/pkg/models"
)

// Cache is the subset of the Redis client used for session write-through.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type sessionEntry struct {
	mu      sync.Mutex
	session *models.Session
}

// SessionStore holds live sessions: an in-process map guarded per session,
// written through to Redis so a restarted pod can resume. The per-session
// mutex is held only across field updates, never across I/O.
type SessionStore struct {
	rdb         Cache
	env         string
	idleTimeout time.Duration
	log         *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

// NewSessionStore creates the session store.
func NewSessionStore(rdb Cache, env string, idleTimeout time.Duration) *SessionStore {
	return &SessionStore{
		rdb:         rdb,
		env:         env,
		idleTimeout: idleTimeout,
		log:         slog.With("component", "sessions"),
		sessions:    make(map[string]*sessionEntry),
	}
}

func (s *SessionStore) key(sessionID string) string {
	return fmt.Sprintf("nooble:%s:session:%s", s.env, sessionID)
}

// Create registers a new session locally and in Redis.
func (s *SessionStore) Create(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	s.sessions[session.SessionID] = &sessionEntry{session: session}
	s.mu.Unlock()
	return s.writeThrough(ctx, session)
}

// Get returns a snapshot of the session. Misses in the local map fall back
// to Redis so sessions survive a pod restart.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (models.Session, error) {
	s.mu.RLock()
	entry, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		entry.mu.Lock()
		snapshot := *entry.session
		entry.mu.Unlock()
		return snapshot, nil
	}

	data, err := s.rdb.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Session{}, fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	if err != nil {
		return models.Session{}, models.NewExternalServiceError("redis", true, err)
	}
	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return models.Session{}, fmt.Errorf("decoding session %s: %w", sessionID, err)
	}

	s.mu.Lock()
	if _, exists := s.sessions[sessionID]; !exists {
		s.sessions[sessionID] = &sessionEntry{session: &session}
	}
	entry = s.sessions[sessionID]
	s.mu.Unlock()

	entry.mu.Lock()
	snapshot := *entry.session
	entry.mu.Unlock()
	return snapshot, nil
}

// Update applies fn under the session's mutex, then writes the result
// through to Redis. fn must be O(1) field updates only.
func (s *SessionStore) Update(ctx context.Context, sessionID string, fn func(*models.Session)) (models.Session, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return models.Session{}, err
	}

	s.mu.RLock()
	entry := s.sessions[sessionID]
	s.mu.RUnlock()

	entry.mu.Lock()
	fn(entry.session)
	entry.session.LastActivity = time.Now().UTC()
	snapshot := *entry.session
	entry.mu.Unlock()

	if err := s.writeThrough(ctx, &snapshot); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// Delete removes the session from both levels.
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if err := s.rdb.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return models.NewExternalServiceError("redis", true, err)
	}
	return nil
}

// Count returns the number of locally tracked sessions.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep evicts sessions idle past the timeout, deleting both the local and
// cached copies. Returns the number evicted.
func (s *SessionStore) Sweep(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-s.idleTimeout)

	s.mu.RLock()
	var stale []string
	for id, entry := range s.sessions {
		entry.mu.Lock()
		idle := entry.session.LastActivity.Before(cutoff)
		entry.mu.Unlock()
		if idle {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range stale {
		if err := s.Delete(ctx, id); err != nil {
			s.log.Warn("Session eviction failed", "session_id", id, "error", err)
			continue
		}
		s.log.Info("Idle session evicted", "session_id", id)
	}
	return len(stale)
}

// RunGC sweeps on the given interval until ctx is cancelled.
func (s *SessionStore) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := s.Sweep(ctx); evicted > 0 {
				s.log.Info("Session GC sweep", "evicted", evicted, "remaining", s.Count())
			}
		}
	}
}

func (s *SessionStore) writeThrough(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", session.SessionID, err)
	}
	if err := s.rdb.Set(ctx, s.key(session.SessionID), data, s.idleTimeout).Err(); err != nil {
		return models.NewExternalServiceError("redis", true, err)
	}
	return nil
}
