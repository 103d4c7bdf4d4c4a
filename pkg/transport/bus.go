package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nooble-ai/nooble/pkg/actions"
	"github.com/nooble-ai/nooble/pkg/models"
)

// payloadField is the single stream-entry field carrying the serialized
// action.
const payloadField = "payload"

// Bus publishes DomainActions. Routing is derived from the action type:
// the first dotted segment names the destination service's main stream.
// Replies built with DomainAction.Reply go to the origin's callback stream
// via PublishReply.
type Bus struct {
	rdb        redis.Cmdable
	env        string
	origin     string
	maxRetries int
	log        *slog.Logger
}

// NewBus creates a publisher for the given origin service.
func NewBus(rdb redis.Cmdable, env, origin string, maxRetries int) *Bus {
	return &Bus{
		rdb:        rdb,
		env:        env,
		origin:     origin,
		maxRetries: maxRetries,
		log:        slog.With("component", "bus", "service", origin),
	}
}

// Origin returns the service name this bus publishes as.
func (b *Bus) Origin() string { return b.origin }

// Publish validates and appends an action to its destination's main
// stream. Returns the stream entry ID.
func (b *Bus) Publish(ctx context.Context, a *actions.DomainAction) (string, error) {
	if a.OriginService == "" {
		a.OriginService = b.origin
	}
	if err := a.Validate(); err != nil {
		return "", err
	}
	dest := actions.DestinationService(a.ActionType)
	return b.xadd(ctx, StreamName(b.env, dest), a)
}

// PublishWithCallback publishes an action that expects a reply. The
// callback action type is minted as "<origin>.<event>" so the responder
// can route the reply back to this service's callback stream.
func (b *Bus) PublishWithCallback(ctx context.Context, a *actions.DomainAction, event string) (string, error) {
	a.OriginService = b.origin
	a.CallbackActionType = b.origin + "." + event
	return b.Publish(ctx, a)
}

// PublishReply appends a reply to the callback stream of its destination
// service. The reply's action type must already be the requester's
// callback_action_type.
func (b *Bus) PublishReply(ctx context.Context, reply *actions.DomainAction) (string, error) {
	if reply.OriginService == "" {
		reply.OriginService = b.origin
	}
	if err := reply.Validate(); err != nil {
		return "", err
	}
	dest := actions.DestinationService(reply.ActionType)
	return b.xadd(ctx, CallbackStreamName(b.env, dest), reply)
}

// xadd serializes and appends with bounded retry on transient errors.
func (b *Bus) xadd(ctx context.Context, stream string, a *actions.DomainAction) (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshaling action %s: %w", a.ActionID, err)
	}

	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff(attempt - 1)):
			}
		}
		id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]any{payloadField: data},
		}).Result()
		if err == nil {
			b.log.Debug("Action published",
				"action_id", a.ActionID, "action_type", a.ActionType, "stream", stream)
			return id, nil
		}
		lastErr = err
		b.log.Warn("Publish attempt failed",
			"action_id", a.ActionID, "stream", stream, "attempt", attempt, "error", err)
	}
	return "", &models.ExternalServiceError{
		Service:   "redis",
		Transient: true,
		Err:       fmt.Errorf("publishing to %s: %w", stream, lastErr),
	}
}
