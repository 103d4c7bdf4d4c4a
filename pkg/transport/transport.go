// Package transport moves DomainActions between services over Redis
// streams. Each service owns one main inbound stream and one callback
// stream; consumer groups give at-least-once delivery within a service.
package transport

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nooble-ai/nooble/pkg/config"
)

// StreamName returns the main inbound stream for a service.
func StreamName(env, service string) string {
	return fmt.Sprintf("nooble:%s:%s:streams:main", env, service)
}

// CallbackStreamName returns the callback stream for a service. Replies to
// publish-with-callback actions land here, never on the main stream.
func CallbackStreamName(env, service string) string {
	return fmt.Sprintf("nooble:%s:%s-callbacks:streams:main", env, service)
}

// GroupName returns the consumer group a service reads with. One group per
// service so horizontally scaled replicas share the backlog.
func GroupName(service string) string {
	return service + "-group"
}

// NewRedisClient builds a Redis client from the platform configuration.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.MaxRetries = cfg.MaxRetries
	return redis.NewClient(opts), nil
}

// backoff returns the delay before retry attempt n (0-based): 100ms base,
// doubling, capped at 5s.
func backoff(attempt int) time.Duration {
	d := 100 * time.Millisecond
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= 5*time.Second {
			return 5 * time.Second
		}
	}
	return d
}
