package domain

import (
	"context"
)

// EventBus carries risk requests and results between the API and workers:
// in-process channels in the community tier, NATS in the pro tier.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe delivers every message published to topic after the call
	// to handler until the subscription is cancelled.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every bus implementation delivers. Payload is
// the publisher's bytes, usually JSON.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription is a live handler registration.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and tunes the bus.
type EventBusConfig struct {
	// Type is "channel" or "nats".
	Type string

	// ChannelBufferSize is the per-subscription queue length; a full queue
	// drops messages.
	ChannelBufferSize int

	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds

	// NATSQueueGroup load-balances subscribers that share it.
	NATSQueueGroup string
}

// Topic names for the asynchronous risk pipeline.
const (
	TopicRiskRequested = "kestrel.risk.requested"
	TopicRiskEvaluated = "kestrel.risk.evaluated"
	TopicRiskAlert     = "kestrel.risk.alert"
)
