// Package bus wraps the Kafka client behind small publish/consume
// interfaces. Delivery is at-least-once: the consumer marks an offset only
// after the handler has fully processed the message, and the producer hashes
// the message key so all events for one entity land on one partition.
package bus

import "context"

const (
	TopicOutbound = "sync.outbound"
	TopicInbound  = "sync.inbound"
)

// Publisher is the outbound half. Implementations are owned by the process
// that constructs them; lifecycle is caller-managed.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

// Handler processes one consumed message. A non-nil error leaves the offset
// unmarked so the bus redelivers the message.
type Handler func(ctx context.Context, key string, value []byte) error

// Consumer attaches to one topic within a consumer group and feeds messages
// to a handler strictly sequentially.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
	Close() error
}
