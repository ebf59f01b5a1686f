package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Default queue arguments merged into every declaration unless overridden
const (
	DefaultMaxLength    = 10000
	DefaultMessageTTL   = 24 * time.Hour
	DefaultDLXRetention = 7 * 24 * time.Hour
)

// QueueConfig declares one queue. DeadLetterExchange requests the companion
// topology: a direct exchange "<name>.dlx" and a queue "<name>.dlq" bound to
// it, retaining dead messages for DLXRetention before routing them back to
// the origin queue.
type QueueConfig struct {
	Name                 string
	Durable              bool
	MaxLength            int
	MessageTTL           time.Duration
	DeadLetterExchange   bool
	DeadLetterRoutingKey string
	DLXRetention         time.Duration
}

// ExchangeConfig declares one exchange
type ExchangeConfig struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Internal   bool
}

// DLXName returns the companion dead-letter exchange name for a queue
func DLXName(queue string) string {
	return queue + ".dlx"
}

// DLQName returns the companion dead-letter queue name for a queue
func DLQName(queue string) string {
	return queue + ".dlq"
}

// TopologyManager declares queues, exchanges and bindings over pooled channels
type TopologyManager struct {
	manager *ConnectionManager
	pool    *ChannelPool
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(manager *ConnectionManager, pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		manager: manager,
		pool:    pool,
	}
}

// QueueExists probes for a queue without declaring it. The probe uses a
// throwaway channel because a failed passive declare closes the channel it
// ran on.
func (tm *TopologyManager) QueueExists(ctx context.Context, name string) (bool, error) {
	ch, err := tm.pool.openChannel()
	if err != nil {
		return false, &TopologyError{Component: "queue", Name: name, Op: "probe", Err: err, Timestamp: time.Now()}
	}
	defer ch.Close()

	if _, err := ch.QueueDeclarePassive(name, true, false, false, false, nil); err != nil {
		// NOT_FOUND closes the probe channel; any other error is reported.
		if amqpErr, ok := err.(*amqp.Error); ok && amqpErr.Code == amqp.NotFound {
			return false, nil
		}
		return false, &TopologyError{Component: "queue", Name: name, Op: "probe", Err: err, Timestamp: time.Now()}
	}
	return true, nil
}

// EnsureQueue declares the queue described by cfg, along with its dead-letter
// companions when requested. Calling it for an existing queue is a no-op.
func (tm *TopologyManager) EnsureQueue(ctx context.Context, cfg QueueConfig) error {
	exists, err := tm.QueueExists(ctx, cfg.Name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	cfg = withQueueDefaults(cfg)

	return tm.pool.Execute(ctx, func(ch Channel) error {
		args := amqp.Table{
			"x-max-length":  int32(cfg.MaxLength),
			"x-message-ttl": int32(cfg.MessageTTL / time.Millisecond),
		}

		if cfg.DeadLetterExchange {
			dlx := DLXName(cfg.Name)
			dlq := DLQName(cfg.Name)
			routingKey := cfg.DeadLetterRoutingKey
			if routingKey == "" {
				routingKey = dlq
			}

			if err := ch.ExchangeDeclare(dlx, "direct", true, false, false, false, nil); err != nil {
				return &TopologyError{Component: "exchange", Name: dlx, Op: "declare", Err: err, Timestamp: time.Now()}
			}

			// Dead messages sit in the DLQ for the retention period, then
			// route back to the origin queue through the default exchange.
			dlqArgs := amqp.Table{
				"x-message-ttl":             int32(cfg.DLXRetention / time.Millisecond),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": cfg.Name,
			}
			if _, err := ch.QueueDeclare(dlq, true, false, false, false, dlqArgs); err != nil {
				return &TopologyError{Component: "queue", Name: dlq, Op: "declare", Err: err, Timestamp: time.Now()}
			}
			if err := ch.QueueBind(dlq, routingKey, dlx, false, nil); err != nil {
				return &TopologyError{Component: "binding", Name: dlq, Op: "bind", Err: err, Timestamp: time.Now()}
			}

			args["x-dead-letter-exchange"] = dlx
			args["x-dead-letter-routing-key"] = routingKey
		}

		if _, err := ch.QueueDeclare(cfg.Name, cfg.Durable, false, false, false, args); err != nil {
			return &TopologyError{Component: "queue", Name: cfg.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
		return nil
	})
}

// EnsureExchange declares a single exchange
func (tm *TopologyManager) EnsureExchange(ctx context.Context, cfg ExchangeConfig) error {
	return tm.pool.Execute(ctx, func(ch Channel) error {
		err := ch.ExchangeDeclare(
			cfg.Name,
			cfg.Type,
			cfg.Durable,
			cfg.AutoDelete,
			cfg.Internal,
			false, // no-wait
			nil,
		)
		if err != nil {
			return &TopologyError{Component: "exchange", Name: cfg.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
		return nil
	})
}

// BindQueue binds a queue to an exchange with the given routing key
func (tm *TopologyManager) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	return tm.pool.Execute(ctx, func(ch Channel) error {
		if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
			return &TopologyError{Component: "binding", Name: queue, Op: "bind", Err: err, Timestamp: time.Now()}
		}
		return nil
	})
}

// withQueueDefaults merges the declaration defaults into cfg
func withQueueDefaults(cfg QueueConfig) QueueConfig {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = DefaultMessageTTL
	}
	if cfg.DLXRetention <= 0 {
		cfg.DLXRetention = DefaultDLXRetention
	}
	return cfg
}
