package messaging

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestQueueOptionsToConfig(t *testing.T) {
	t.Run("nil options mean a durable queue", func(t *testing.T) {
		var opts *QueueOptions
		cfg := opts.toConfig("appointments")

		assert.Equal(t, "appointments", cfg.Name)
		assert.True(t, cfg.Durable)
		assert.False(t, cfg.DeadLetterExchange)
	})

	t.Run("maps every field", func(t *testing.T) {
		cfg := (&QueueOptions{
			Transient:          true,
			MaxLength:          500,
			MessageTTL:         time.Hour,
			DeadLetterExchange: true,
			DLXRetention:       48 * time.Hour,
		}).toConfig("billing")

		assert.False(t, cfg.Durable)
		assert.Equal(t, 500, cfg.MaxLength)
		assert.Equal(t, time.Hour, cfg.MessageTTL)
		assert.True(t, cfg.DeadLetterExchange)
		assert.Equal(t, 48*time.Hour, cfg.DLXRetention)
	})
}

func TestExchangeOptionsToConfig(t *testing.T) {
	t.Run("nil options mean a durable topic exchange", func(t *testing.T) {
		var opts *ExchangeOptions
		cfg := opts.toConfig("events")

		assert.Equal(t, "topic", cfg.Type)
		assert.True(t, cfg.Durable)
	})

	t.Run("kind override", func(t *testing.T) {
		cfg := (&ExchangeOptions{Kind: "fanout", Transient: true}).toConfig("events")

		assert.Equal(t, "fanout", cfg.Type)
		assert.False(t, cfg.Durable)
	})
}

func TestPublishOptionsDefaults(t *testing.T) {
	var opts *PublishOptions

	assert.Equal(t, uint8(amqp.Persistent), opts.deliveryMode())
	assert.Equal(t, "application/json", opts.contentType())

	opts = &PublishOptions{Transient: true, ContentType: "text/plain"}
	assert.Equal(t, uint8(amqp.Transient), opts.deliveryMode())
	assert.Equal(t, "text/plain", opts.contentType())
}

func TestMergeConsumeOptions(t *testing.T) {
	t.Run("nil yields defaults", func(t *testing.T) {
		o := mergeConsumeOptions(nil)

		assert.Equal(t, defaultPrefetch, o.Prefetch)
		assert.Equal(t, defaultMaxRetries, o.MaxRetries)
		assert.False(t, o.NoAck)
	})

	t.Run("zero max retries selects the default", func(t *testing.T) {
		o := mergeConsumeOptions(&ConsumeOptions{Prefetch: 5})

		assert.Equal(t, 5, o.Prefetch)
		assert.Equal(t, defaultMaxRetries, o.MaxRetries)
	})

	t.Run("negative max retries means none", func(t *testing.T) {
		o := mergeConsumeOptions(&ConsumeOptions{MaxRetries: -1})

		assert.Equal(t, 0, o.MaxRetries)
	})

	t.Run("explicit values survive", func(t *testing.T) {
		o := mergeConsumeOptions(&ConsumeOptions{
			ConsumerTag: "worker-1",
			Prefetch:    20,
			MaxRetries:  7,
			Exclusive:   true,
		})

		assert.Equal(t, "worker-1", o.ConsumerTag)
		assert.Equal(t, 20, o.Prefetch)
		assert.Equal(t, 7, o.MaxRetries)
		assert.True(t, o.Exclusive)
	})
}
