// Package ingestion runs the document pipeline: request intake, extraction
// and embedding dispatch over the action bus, chunking, vector upsert, and
// live progress over WebSocket. Per-task state lives in Redis so any pod
// can pick up a callback.
package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nooble-ai/nooble/pkg/models"
)

// Cache is the subset of the Redis client used for task state.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// TaskStore persists IngestionTask snapshots in Redis. The TTL outlives the
// longest expected pipeline run so late callbacks still find their task.
type TaskStore struct {
	rdb Cache
	env string
	ttl time.Duration
}

// NewTaskStore creates a task store with the given state TTL.
func NewTaskStore(rdb Cache, env string, ttl time.Duration) *TaskStore {
	return &TaskStore{rdb: rdb, env: env, ttl: ttl}
}

func (t *TaskStore) key(taskID string) string {
	return fmt.Sprintf("nooble:%s:ingestion:task:%s", t.env, taskID)
}

// Save writes the full task snapshot, refreshing the TTL.
func (t *TaskStore) Save(ctx context.Context, task *models.IngestionTask) error {
	task.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", task.TaskID, err)
	}
	if err := t.rdb.Set(ctx, t.key(task.TaskID), data, t.ttl).Err(); err != nil {
		return models.NewExternalServiceError("redis", true, err)
	}
	return nil
}

// Get loads a task snapshot. Expired or unknown tasks return ErrNotFound.
func (t *TaskStore) Get(ctx context.Context, taskID string) (*models.IngestionTask, error) {
	data, err := t.rdb.Get(ctx, t.key(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
	}
	if err != nil {
		return nil, models.NewExternalServiceError("redis", true, err)
	}
	var task models.IngestionTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", taskID, err)
	}
	return &task, nil
}

// Transition moves the task to the next status, enforcing the forward-only
// lifecycle, and persists the result.
func (t *TaskStore) Transition(ctx context.Context, task *models.IngestionTask, next models.TaskStatus) error {
	if !task.Status.CanTransitionTo(next) {
		return fmt.Errorf("illegal task transition %s -> %s for %s", task.Status, next, task.TaskID)
	}
	task.Status = next
	if pct, ok := progressByStatus[next]; ok {
		task.Percentage = pct
	}
	return t.Save(ctx, task)
}

// progressByStatus maps pipeline states to the coarse percentage reported
// over the progress WebSocket.
var progressByStatus = map[models.TaskStatus]int{
	models.TaskStatusPending:    0,
	models.TaskStatusProcessing: 0,
	models.TaskStatusExtracting: 10,
	models.TaskStatusChunking:   40,
	models.TaskStatusEmbedding:  70,
	models.TaskStatusStoring:    90,
	models.TaskStatusCompleted:  100,
}
