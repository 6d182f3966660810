// Package pubsub carries deck change events from the writer to every server
// instance's notification hub.
package pubsub

import "context"

// DefaultTopic is the channel change events are published on.
const DefaultTopic = "status_updates"

// Handler receives one published payload.
type Handler func(payload []byte)

// Bus publishes to and subscribes on named topics. Subscribe blocks, calling handler
// for every message, until ctx is cancelled or the bus is closed.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}
