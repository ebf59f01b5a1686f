package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mediqo/mediq-go/internal/rabbitmq"
	"github.com/mediqo/mediq-go/internal/reliability"
	"github.com/mediqo/mediq-go/monitor"
)

const defaultWarningThreshold = 0.5

// Service is the messaging facade: topology management, publishing and
// consuming over a shared connection and channel pool, with retry
// accounting and dead lettering on the consume side.
type Service struct {
	conn    *rabbitmq.ConnectionManager
	pool    *rabbitmq.ChannelPool
	topo    *rabbitmq.TopologyManager
	metrics *monitor.Collector
	breaker *reliability.CircuitBreaker
	logger  *slog.Logger

	warningThreshold float64

	mu        sync.Mutex
	consumers map[string]*subscription
	closed    bool
}

type subscription struct {
	tag     string
	channel *rabbitmq.PooledChannel
	cancel  context.CancelFunc
	done    chan struct{}
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithServiceLogger sets the logger
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics collector shared with the rest of the
// client
func WithMetrics(collector *monitor.Collector) ServiceOption {
	return func(s *Service) {
		s.metrics = collector
	}
}

// WithBreaker gates publishes behind a circuit breaker
func WithBreaker(breaker *reliability.CircuitBreaker) ServiceOption {
	return func(s *Service) {
		s.breaker = breaker
	}
}

// WithWarningThreshold sets the fraction of pooled channels that must
// be active before health degrades to warning. Defaults to 0.5.
func WithWarningThreshold(fraction float64) ServiceOption {
	return func(s *Service) {
		if fraction > 0 && fraction <= 1 {
			s.warningThreshold = fraction
		}
	}
}

// NewService creates the messaging facade over an established
// connection manager and channel pool.
func NewService(conn *rabbitmq.ConnectionManager, pool *rabbitmq.ChannelPool, options ...ServiceOption) *Service {
	s := &Service{
		conn:             conn,
		pool:             pool,
		topo:             rabbitmq.NewTopologyManager(conn, pool),
		metrics:          monitor.NewCollector(),
		logger:           slog.Default(),
		warningThreshold: defaultWarningThreshold,
		consumers:        make(map[string]*subscription),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// CreateQueue declares a queue with merged defaults. Declaring an
// existing queue is a no-op.
func (s *Service) CreateQueue(ctx context.Context, name string, opts *QueueOptions) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.topo.EnsureQueue(ctx, opts.toConfig(name))
}

// CreateExchange declares an exchange with merged defaults.
func (s *Service) CreateExchange(ctx context.Context, name string, opts *ExchangeOptions) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.topo.EnsureExchange(ctx, opts.toConfig(name))
}

// BindQueueToExchange binds a queue to an exchange under a routing key.
func (s *Service) BindQueueToExchange(ctx context.Context, queue, exchange, routingKey string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.topo.BindQueue(ctx, queue, exchange, routingKey)
}

// PublishToQueue publishes a payload directly to a queue through the
// default exchange. Returns the message id.
func (s *Service) PublishToQueue(ctx context.Context, queue string, payload interface{}, opts *PublishOptions) (string, error) {
	return s.publish(ctx, "", queue, payload, opts)
}

// PublishToExchange publishes a payload to an exchange under a routing
// key. Returns the message id.
func (s *Service) PublishToExchange(ctx context.Context, exchange, routingKey string, payload interface{}, opts *PublishOptions) (string, error) {
	return s.publish(ctx, exchange, routingKey, payload, opts)
}

// PublishBatch publishes payloads to a queue one after another, stopping
// at the first failure. Returns the ids of the messages that made it out.
func (s *Service) PublishBatch(ctx context.Context, queue string, payloads []interface{}, opts *PublishOptions) ([]string, error) {
	ids := make([]string, 0, len(payloads))
	for i, payload := range payloads {
		id, err := s.publish(ctx, "", queue, payload, opts)
		if err != nil {
			return ids, fmt.Errorf("batch publish stopped at message %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Service) publish(ctx context.Context, exchange, routingKey string, payload interface{}, opts *PublishOptions) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", newPublishError(exchange, routingKey, "", fmt.Errorf("marshal payload: %w", err))
	}

	id := uuid.New().String()
	if opts != nil && opts.MessageID != "" {
		id = opts.MessageID
	}

	var extra amqp.Table
	var mandatory bool
	var priority uint8
	if opts != nil {
		extra = opts.Headers
		mandatory = opts.Mandatory
		priority = opts.Priority
	}

	pub := amqp.Publishing{
		MessageId:    id,
		Timestamp:    time.Now(),
		ContentType:  opts.contentType(),
		DeliveryMode: opts.deliveryMode(),
		Priority:     priority,
		Headers:      Headers{}.table(extra),
		Body:         body,
	}

	send := func() error {
		return s.pool.Execute(ctx, func(ch rabbitmq.Channel) error {
			return ch.PublishWithContext(ctx, exchange, routingKey, mandatory, false, pub)
		})
	}

	if s.breaker != nil {
		err = s.breaker.Execute(ctx, send)
	} else {
		err = send()
	}

	target := routingKey
	if exchange != "" {
		target = exchange
	}
	if err != nil {
		s.metrics.RecordError(monitor.OpPublish, target)
		return "", newPublishError(exchange, routingKey, id, err)
	}

	s.metrics.RecordPublish(target)
	s.logger.Debug("message published",
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", id)
	return id, nil
}

// Handler processes one delivery. A nil return acknowledges the
// message; an error return triggers the retry and dead letter flow.
type Handler func(ctx context.Context, env Envelope) error

// ConsumeQueue starts a consumer on the queue. One consumer per queue;
// the subscription runs until Unsubscribe, Close or context
// cancellation.
func (s *Service) ConsumeQueue(ctx context.Context, queue string, handler Handler, opts *ConsumeOptions) error {
	if err := s.guard(); err != nil {
		return err
	}
	o := mergeConsumeOptions(opts)

	s.mu.Lock()
	if _, exists := s.consumers[queue]; exists {
		s.mu.Unlock()
		return newConsumeError(queue, "subscribe", ErrAlreadyConsuming)
	}
	s.mu.Unlock()

	pc, err := s.pool.Get()
	if err != nil {
		return newConsumeError(queue, "subscribe", err)
	}

	tag := o.ConsumerTag
	if tag == "" {
		tag = fmt.Sprintf("mediq-%s-%s", queue, uuid.New().String()[:8])
	}

	if err := pc.Qos(o.Prefetch, 0, false); err != nil {
		pc.Release()
		return newConsumeError(queue, "qos", err)
	}

	deliveries, err := pc.Consume(queue, tag, o.NoAck, o.Exclusive, false, false, nil)
	if err != nil {
		pc.Release()
		return newConsumeError(queue, "consume", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		tag:     tag,
		channel: pc,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		pc.Cancel(tag, false)
		pc.Release()
		return ErrServiceClosed
	}
	s.consumers[queue] = sub
	s.mu.Unlock()

	go s.consumeLoop(loopCtx, queue, deliveries, handler, o, sub)

	s.logger.Info("consumer started",
		"queue", queue,
		"consumerTag", tag,
		"prefetch", o.Prefetch,
		"maxRetries", o.MaxRetries)
	return nil
}

// Unsubscribe stops the consumer on the queue and waits for its loop to
// drain.
func (s *Service) Unsubscribe(queue string) error {
	s.mu.Lock()
	sub, exists := s.consumers[queue]
	if exists {
		delete(s.consumers, queue)
	}
	s.mu.Unlock()

	if !exists {
		return newConsumeError(queue, "unsubscribe", ErrNotConsuming)
	}

	s.stopSubscription(queue, sub)
	return nil
}

func (s *Service) stopSubscription(queue string, sub *subscription) {
	if err := sub.channel.Cancel(sub.tag, false); err != nil {
		s.logger.Warn("consumer cancel failed",
			"queue", queue,
			"consumerTag", sub.tag,
			"error", err)
	}
	sub.cancel()
	<-sub.done
	sub.channel.Release()
}

func (s *Service) consumeLoop(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler Handler, o ConsumeOptions, sub *subscription) {
	defer close(sub.done)

	for {
		select {
		case <-ctx.Done():
			s.dropSubscription(queue, sub)
			return
		case d, ok := <-deliveries:
			if !ok {
				s.logger.Warn("delivery channel closed, consumer stopped", "queue", queue)
				s.dropSubscription(queue, sub)
				return
			}
			s.handleDelivery(ctx, queue, d, handler, o)
		}
	}
}

// dropSubscription deregisters sub so the queue can be consumed again after
// the loop dies on its own, typically when the pooled channel fails and its
// delivery stream closes. Unsubscribe and Close deregister before cancelling,
// so loops exiting on their behalf find nothing left to do here.
func (s *Service) dropSubscription(queue string, sub *subscription) {
	s.mu.Lock()
	current, registered := s.consumers[queue]
	if registered && current == sub {
		delete(s.consumers, queue)
	} else {
		registered = false
	}
	s.mu.Unlock()

	if registered {
		sub.channel.Release()
		s.logger.Info("consumer deregistered", "queue", queue, "consumerTag", sub.tag)
	}
}

func (s *Service) handleDelivery(ctx context.Context, queue string, d amqp.Delivery, handler Handler, o ConsumeOptions) {
	env := envelopeFromDelivery(d)

	err := s.invokeHandler(ctx, env, handler)
	if err == nil {
		if !o.NoAck {
			if ackErr := d.Ack(false); ackErr != nil {
				s.logger.Error("ack failed", "queue", queue, "messageId", env.ID, "error", ackErr)
				return
			}
		}
		s.metrics.RecordConsume(queue)
		return
	}

	s.metrics.RecordError(monitor.OpConsume, queue)
	if o.NoAck {
		s.logger.Error("handler failed on auto-ack delivery, message lost",
			"queue", queue, "messageId", env.ID, "error", err)
		return
	}

	next := env.Headers.RetryCount + 1
	if next > o.MaxRetries {
		s.logger.Warn("retry budget exhausted, dead lettering",
			"queue", queue,
			"messageId", env.ID,
			"retryCount", env.Headers.RetryCount,
			"error", err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			s.logger.Error("nack failed", "queue", queue, "messageId", env.ID, "error", nackErr)
		}
		return
	}

	// A broker requeue redelivers the original headers unchanged, so the
	// retry count is carried by republishing the message ourselves and
	// acking the failed delivery.
	if rerr := s.redeliver(ctx, queue, d, env.Headers, next); rerr != nil {
		s.logger.Error("redelivery publish failed, requeueing as-is",
			"queue", queue, "messageId", env.ID, "error", rerr)
		if nackErr := d.Nack(false, true); nackErr != nil {
			s.logger.Error("nack failed", "queue", queue, "messageId", env.ID, "error", nackErr)
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		s.logger.Error("ack after redelivery failed", "queue", queue, "messageId", env.ID, "error", ackErr)
		return
	}
	s.logger.Info("message requeued for retry",
		"queue", queue,
		"messageId", env.ID,
		"retryCount", next,
		"maxRetries", o.MaxRetries)
}

func (s *Service) invokeHandler(ctx context.Context, env Envelope, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, env)
}

func (s *Service) redeliver(ctx context.Context, queue string, d amqp.Delivery, h Headers, retryCount int) error {
	h.RetryCount = retryCount
	if h.FirstFailedAt.IsZero() {
		h.FirstFailedAt = time.Now()
	}

	pub := amqp.Publishing{
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		ContentType:  d.ContentType,
		DeliveryMode: d.DeliveryMode,
		Priority:     d.Priority,
		Headers:      h.table(passthroughHeaders(d.Headers)),
		Body:         d.Body,
	}

	return s.pool.Execute(ctx, func(ch rabbitmq.Channel) error {
		return ch.PublishWithContext(ctx, "", queue, false, false, pub)
	})
}

// passthroughHeaders copies caller headers minus the managed retry
// headers, which are re-stamped on every redelivery.
func passthroughHeaders(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		if k == HeaderRetryCount || k == HeaderFirstFailedAt {
			continue
		}
		out[k] = v
	}
	return out
}

// Health describes the messaging side of the client
type Health struct {
	Status         monitor.Status   `json:"status"`
	Connected      bool             `json:"connected"`
	Node           string           `json:"node,omitempty"`
	ActiveChannels int              `json:"activeChannels"`
	TotalChannels  int              `json:"totalChannels"`
	Consumers      int              `json:"consumers"`
	Metrics        monitor.Snapshot `json:"metrics"`
}

// CheckHealth reports connection, channel pool and metrics state. The
// status degrades to warning when fewer than half the pooled channels
// are open, including an empty pool, and to error only when the
// connection itself is down.
func (s *Service) CheckHealth(ctx context.Context) Health {
	_ = ctx

	s.mu.Lock()
	consumers := len(s.consumers)
	s.mu.Unlock()

	health := Health{
		Connected:      s.conn.IsConnected(),
		Node:           s.conn.CurrentNode(),
		ActiveChannels: s.pool.ActiveCount(),
		TotalChannels:  s.pool.Capacity(),
		Consumers:      consumers,
		Metrics:        s.metrics.Snapshot(),
	}

	switch {
	case !health.Connected:
		health.Status = monitor.StatusError
	case float64(health.ActiveChannels) < s.warningThreshold*float64(health.TotalChannels):
		health.Status = monitor.StatusWarning
	default:
		health.Status = monitor.StatusHealthy
	}

	return health
}

// HealthChecker adapts CheckHealth to the monitor registry.
func (s *Service) HealthChecker() monitor.Checker {
	return monitor.NewCheckerFunc("messaging", func(ctx context.Context) monitor.CheckResult {
		start := time.Now()
		h := s.CheckHealth(ctx)
		result := monitor.CheckResult{
			Name:      "messaging",
			Status:    h.Status,
			Duration:  time.Since(start),
			Timestamp: time.Now(),
			Details: map[string]interface{}{
				"connected":      h.Connected,
				"node":           h.Node,
				"activeChannels": h.ActiveChannels,
				"totalChannels":  h.TotalChannels,
				"consumers":      h.Consumers,
			},
		}
		switch h.Status {
		case monitor.StatusError:
			result.Message = "broker connection unavailable"
		case monitor.StatusWarning:
			result.Message = fmt.Sprintf("%d of %d pooled channels active", h.ActiveChannels, h.TotalChannels)
		}
		return result
	})
}

// Metrics exposes the shared collector
func (s *Service) Metrics() *monitor.Collector {
	return s.metrics
}

// Close stops all consumers and marks the service closed. The
// underlying connection and pool are owned by the client and closed
// there.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make(map[string]*subscription, len(s.consumers))
	for q, sub := range s.consumers {
		subs[q] = sub
	}
	s.consumers = make(map[string]*subscription)
	s.mu.Unlock()

	for queue, sub := range subs {
		s.stopSubscription(queue, sub)
	}

	s.logger.Info("messaging service closed", "consumersStopped", len(subs))
	return nil
}

func (s *Service) guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServiceClosed
	}
	return nil
}
