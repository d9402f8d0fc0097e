// Package publisher delivers monitoring data to an outbound transport.
package publisher

import "context"

// Publisher defines the interface for publishing messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// PublishRetained publishes a message the broker keeps for late
	// subscribers, such as session status.
	PublishRetained(ctx context.Context, topic string, payload []byte) error
	Close() error
}
