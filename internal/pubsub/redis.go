package pubsub

import (
	"context"
	"fmt"

	"github.com/matst80/cardq/internal/obs"
	"github.com/redis/go-redis/v9"
)

// Redis is a Bus on Redis PUBLISH / SUBSCRIBE.
type Redis struct {
	client *redis.Client
}

var _ Bus = (*Redis)(nil)

// NewRedis shares rdb with the caller; Close does not close it.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{client: rdb}
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic string, handler Handler) error {
	ps := r.client.Subscribe(ctx, topic)
	defer ps.Close()
	// Wait for the subscription confirmation so no publish after return is missed.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe failed: %w", err)
	}
	obs.Info("pubsub.redis.subscribed", obs.Fields{"topic": topic})
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler([]byte(msg.Payload))
		}
	}
}

func (r *Redis) Close() error { return nil }
