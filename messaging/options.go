package messaging

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mediqo/mediq-go/internal/rabbitmq"
)

// QueueOptions configures queue creation. A nil *QueueOptions means
// all defaults: durable, bounded length, day-long TTL, no dead
// lettering.
type QueueOptions struct {
	// Transient disables durability. Queues are durable by default.
	Transient bool

	// MaxLength bounds the queue. 0 selects the default bound.
	MaxLength int

	// MessageTTL expires messages that sit unconsumed. 0 selects the
	// default TTL.
	MessageTTL time.Duration

	// DeadLetterExchange provisions a "<queue>.dlx" exchange and
	// "<queue>.dlq" parking queue alongside the queue.
	DeadLetterExchange bool

	// DeadLetterRoutingKey overrides the routing key used when dead
	// lettering. Defaults to "<queue>.dlq".
	DeadLetterRoutingKey string

	// DLXRetention is how long parked messages are held before being
	// routed back to the origin queue. 0 selects the default retention.
	DLXRetention time.Duration
}

func (o *QueueOptions) toConfig(name string) rabbitmq.QueueConfig {
	cfg := rabbitmq.QueueConfig{Name: name, Durable: true}
	if o == nil {
		return cfg
	}
	cfg.Durable = !o.Transient
	cfg.MaxLength = o.MaxLength
	cfg.MessageTTL = o.MessageTTL
	cfg.DeadLetterExchange = o.DeadLetterExchange
	cfg.DeadLetterRoutingKey = o.DeadLetterRoutingKey
	cfg.DLXRetention = o.DLXRetention
	return cfg
}

// ExchangeOptions configures exchange creation. A nil *ExchangeOptions
// means a durable topic exchange.
type ExchangeOptions struct {
	// Kind is the exchange type: "direct", "fanout", "topic" or
	// "headers". Defaults to "topic".
	Kind string

	// Transient disables durability.
	Transient bool

	// AutoDelete removes the exchange once the last binding is dropped.
	AutoDelete bool
}

func (o *ExchangeOptions) toConfig(name string) rabbitmq.ExchangeConfig {
	cfg := rabbitmq.ExchangeConfig{Name: name, Type: "topic", Durable: true}
	if o == nil {
		return cfg
	}
	if o.Kind != "" {
		cfg.Type = o.Kind
	}
	cfg.Durable = !o.Transient
	cfg.AutoDelete = o.AutoDelete
	return cfg
}

// PublishOptions tune a single publish. A nil *PublishOptions means a
// persistent JSON message with a generated id.
type PublishOptions struct {
	// MessageID overrides the generated message id.
	MessageID string

	// Transient publishes without the persistent delivery mode.
	Transient bool

	// Mandatory asks the broker to return the message if unroutable.
	Mandatory bool

	// Priority sets the message priority (0-9).
	Priority uint8

	// ContentType overrides the default "application/json".
	ContentType string

	// Headers are merged into the message headers. The retry headers
	// managed by this layer cannot be overridden.
	Headers amqp.Table
}

func (o *PublishOptions) deliveryMode() uint8 {
	if o != nil && o.Transient {
		return amqp.Transient
	}
	return amqp.Persistent
}

func (o *PublishOptions) contentType() string {
	if o != nil && o.ContentType != "" {
		return o.ContentType
	}
	return "application/json"
}

// ConsumeOptions tune a subscription. A nil *ConsumeOptions means
// manual acks, a prefetch of 10 and up to 3 retries before dead
// lettering.
type ConsumeOptions struct {
	// ConsumerTag identifies the consumer to the broker. Defaults to a
	// generated tag.
	ConsumerTag string

	// Prefetch caps unacknowledged deliveries per consumer. 0 selects
	// the default of 10.
	Prefetch int

	// MaxRetries is how many redeliveries a failing message gets before
	// it is dead lettered. 0 selects the default of 3; negative means
	// no retries at all.
	MaxRetries int

	// NoAck turns off manual acknowledgement. Handler errors are logged
	// but the message is gone either way.
	NoAck bool

	// Exclusive requests sole access to the queue.
	Exclusive bool
}

const (
	defaultPrefetch   = 10
	defaultMaxRetries = 3
)

func mergeConsumeOptions(o *ConsumeOptions) ConsumeOptions {
	merged := ConsumeOptions{Prefetch: defaultPrefetch, MaxRetries: defaultMaxRetries}
	if o == nil {
		return merged
	}
	merged = *o
	if merged.Prefetch <= 0 {
		merged.Prefetch = defaultPrefetch
	}
	switch {
	case merged.MaxRetries == 0:
		merged.MaxRetries = defaultMaxRetries
	case merged.MaxRetries < 0:
		merged.MaxRetries = 0
	}
	return merged
}
