package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nooble-ai/nooble/pkg/actions"
)

// HandlerFunc processes one delivered action. Handlers must be idempotent:
// delivery is at-least-once and a crash between handler and ack redelivers.
type HandlerFunc func(ctx context.Context, a *actions.DomainAction) error

// ConsumerConfig describes one consumer-group reader.
type ConsumerConfig struct {
	Env     string
	Service string
	PodID   string
	// Callback selects the service's callback stream instead of main.
	Callback   bool
	Workers    int
	Block      time.Duration
	MaxRetries int
}

// ConsumerHealth is a point-in-time snapshot for the health endpoints.
type ConsumerHealth struct {
	Stream           string    `json:"stream"`
	Group            string    `json:"group"`
	Workers          int       `json:"workers"`
	ActionsProcessed int       `json:"actions_processed"`
	ActionsFailed    int       `json:"actions_failed"`
	LastActivity     time.Time `json:"last_activity"`
}

// Consumer reads a service's stream with a consumer group and dispatches
// each action to a handler. Entries are acked after the handler returns,
// success or not; a failed handler is logged, never re-queued.
type Consumer struct {
	rdb     redis.Cmdable
	cfg     ConsumerConfig
	stream  string
	group   string
	handler HandlerFunc
	log     *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu           sync.RWMutex
	processed    int
	failed       int
	lastActivity time.Time
}

// NewConsumer creates a consumer. Start must be called to begin reading.
func NewConsumer(rdb redis.Cmdable, cfg ConsumerConfig, handler HandlerFunc) *Consumer {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	stream := StreamName(cfg.Env, cfg.Service)
	if cfg.Callback {
		stream = CallbackStreamName(cfg.Env, cfg.Service)
	}
	return &Consumer{
		rdb:     rdb,
		cfg:     cfg,
		stream:  stream,
		group:   GroupName(cfg.Service),
		handler: handler,
		log: slog.With("component", "consumer",
			"service", cfg.Service, "stream", stream),
		stopCh:       make(chan struct{}),
		lastActivity: time.Now(),
	}
}

// Start creates the consumer group (MKSTREAM) and launches the worker
// goroutines.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.run(ctx, fmt.Sprintf("%s-%s-%d", c.cfg.Service, c.cfg.PodID, i))
	}
	c.wg.Add(1)
	go c.reclaim(ctx, fmt.Sprintf("%s-%s-claim", c.cfg.Service, c.cfg.PodID))
	c.log.Info("Consumer started", "workers", c.cfg.Workers, "group", c.group)
	return nil
}

// Stop signals all workers to stop and waits for them. Safe to call more
// than once.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Health returns the consumer health snapshot.
func (c *Consumer) Health() ConsumerHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConsumerHealth{
		Stream:           c.stream,
		Group:            c.group,
		Workers:          c.cfg.Workers,
		ActionsProcessed: c.processed,
		ActionsFailed:    c.failed,
		LastActivity:     c.lastActivity,
	}
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group %s on %s: %w", c.group, c.stream, err)
	}
	return nil
}

// run is one worker's read loop.
func (c *Consumer) run(ctx context.Context, consumerID string) {
	defer c.wg.Done()

	log := c.log.With("consumer_id", consumerID)
	log.Info("Worker started")

	errStreak := 0
	for {
		select {
		case <-c.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
		}

		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: consumerID,
			Streams:  []string{c.stream, ">"},
			Count:    1,
			Block:    c.cfg.Block,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				errStreak = 0
				continue
			}
			if ctx.Err() != nil {
				return
			}
			errStreak++
			log.Warn("Stream read failed", "error", err, "streak", errStreak)
			c.sleep(backoff(min(errStreak-1, c.cfg.MaxRetries)))
			continue
		}
		errStreak = 0

		for _, stream := range res {
			for _, msg := range stream.Messages {
				c.process(ctx, log, msg)
			}
		}
	}
}

// claimBatch bounds one XAUTOCLAIM page.
const claimBatch = 16

// reclaim periodically takes over entries left pending by consumers that
// died between delivery and ack, so at-least-once holds across pod
// crashes. Min idle is several block intervals, leaving entries still
// being worked on alone.
func (c *Consumer) reclaim(ctx context.Context, consumerID string) {
	defer c.wg.Done()

	log := c.log.With("consumer_id", consumerID)
	interval := 4 * c.cfg.Block
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.claimPending(ctx, log, consumerID); n > 0 {
				log.Info("Reclaimed pending entries", "count", n)
			}
		}
	}
}

// claimPending walks the group's pending entries with XAUTOCLAIM and runs
// every entry idle past the threshold through the normal processing path.
// Handlers are idempotent, so redelivering an entry whose handler finished
// but whose ack was lost is safe. Returns the number of entries claimed.
func (c *Consumer) claimPending(ctx context.Context, log *slog.Logger, consumerID string) int {
	minIdle := 4 * c.cfg.Block
	claimed := 0
	start := "0-0"
	for {
		msgs, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: consumerID,
			MinIdle:  minIdle,
			Start:    start,
			Count:    claimBatch,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("Pending entry claim failed", "error", err)
			}
			return claimed
		}
		for _, msg := range msgs {
			c.process(ctx, log, msg)
			claimed++
		}
		if next == "0-0" {
			return claimed
		}
		start = next
	}
}

// process decodes, dispatches, and acks one entry. Malformed entries and
// handler errors are both acked so a poison entry cannot wedge the group.
func (c *Consumer) process(ctx context.Context, log *slog.Logger, msg redis.XMessage) {
	defer c.ack(ctx, log, msg.ID)

	a, err := decodeEntry(msg.Values)
	if err != nil {
		log.Error("Malformed action dropped", "entry_id", msg.ID, "error", err)
		c.record(false)
		return
	}

	alog := log.With("action_id", a.ActionID, "action_type", a.ActionType,
		"tenant_id", a.TenantID, "session_id", a.SessionID, "task_id", a.TaskID)
	alog.Debug("Action received")

	if err := c.handler(ctx, a); err != nil {
		alog.Error("Action handler failed", "error", err)
		c.record(false)
		return
	}
	c.record(true)
}

// decodeEntry extracts the serialized action from a stream entry.
func decodeEntry(values map[string]any) (*actions.DomainAction, error) {
	raw, ok := values[payloadField].(string)
	if !ok {
		return nil, fmt.Errorf("stream entry missing %q field", payloadField)
	}
	var a actions.DomainAction
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("unmarshaling action: %w", err)
	}
	return &a, nil
}

func (c *Consumer) ack(ctx context.Context, log *slog.Logger, entryID string) {
	if err := c.rdb.XAck(ctx, c.stream, c.group, entryID).Err(); err != nil {
		log.Warn("Ack failed", "entry_id", entryID, "error", err)
	}
}

func (c *Consumer) record(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.processed++
	} else {
		c.failed++
	}
	c.lastActivity = time.Now()
}

// sleep waits for d or until stop is signalled.
func (c *Consumer) sleep(d time.Duration) {
	select {
	case <-c.stopCh:
	case <-time.After(d):
	}
}
