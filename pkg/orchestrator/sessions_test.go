package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooble-ai/nooble/pkg/models"
)

type fakeCache struct {
	data map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string]string)}
}

func (f *fakeCache) Get(_ context.Context, key string) *redis.StringCmd {
	if v, ok := f.data[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeCache) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.data[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeCache) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(f.data, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func newSession(id string) *models.Session {
	now := time.Now().UTC()
	return &models.Session{
		SessionID:    id,
		TenantID:     "tenant-1",
		AgentID:      "agent-1",
		SessionType:  models.SessionTypeChat,
		LastActivity: now,
		CreatedAt:    now,
	}
}

func TestSessionStore(t *testing.T) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		store := NewSessionStore(newFakeCache(), "test", time.Hour)
		require.NoError(t, store.Create(ctx, newSession("s-1")))

		got, err := store.Get(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, "tenant-1", got.TenantID)
		assert.Equal(t, 1, store.Count())
	})

	t.Run("unknown session", func(t *testing.T) {
		store := NewSessionStore(newFakeCache(), "test", time.Hour)
		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("redis fallback revives an evicted session", func(t *testing.T) {
		cache := newFakeCache()
		store := NewSessionStore(cache, "test", time.Hour)
		require.NoError(t, store.Create(ctx, newSession("s-1")))

		// A fresh store sharing the cache stands in for a restarted pod.
		revived := NewSessionStore(cache, "test", time.Hour)
		got, err := revived.Get(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, "s-1", got.SessionID)
		assert.Equal(t, 1, revived.Count())
	})

	t.Run("update refreshes activity and writes through", func(t *testing.T) {
		cache := newFakeCache()
		store := NewSessionStore(cache, "test", time.Hour)
		session := newSession("s-1")
		session.LastActivity = time.Now().UTC().Add(-time.Minute)
		require.NoError(t, store.Create(ctx, session))

		updated, err := store.Update(ctx, "s-1", func(sess *models.Session) {
			sess.ActiveTaskID = "task-9"
			sess.TotalTasks++
		})
		require.NoError(t, err)
		assert.Equal(t, "task-9", updated.ActiveTaskID)
		assert.Equal(t, 1, updated.TotalTasks)
		assert.WithinDuration(t, time.Now().UTC(), updated.LastActivity, time.Second)
		assert.Contains(t, cache.data["nooble:test:session:s-1"], "task-9")
	})

	t.Run("delete removes both levels", func(t *testing.T) {
		cache := newFakeCache()
		store := NewSessionStore(cache, "test", time.Hour)
		require.NoError(t, store.Create(ctx, newSession("s-1")))

		require.NoError(t, store.Delete(ctx, "s-1"))
		assert.Zero(t, store.Count())
		assert.Empty(t, cache.data)
	})
}

func TestSessionSweep(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	store := NewSessionStore(cache, "test", 10*time.Minute)

	fresh := newSession("fresh")
	require.NoError(t, store.Create(ctx, fresh))

	idle := newSession("idle")
	idle.LastActivity = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Create(ctx, idle))

	assert.Equal(t, 1, store.Sweep(ctx))
	assert.Equal(t, 1, store.Count())

	_, err := store.Get(ctx, "idle")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = store.Get(ctx, "fresh")
	assert.NoError(t, err)
}
