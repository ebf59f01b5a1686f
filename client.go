// Package mediq wires broker connectivity, channel pooling, messaging,
// caching and health reporting into one client for the scheduling and
// billing services.
package mediq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mediqo/mediq-go/cache"
	"github.com/mediqo/mediq-go/config"
	"github.com/mediqo/mediq-go/internal/rabbitmq"
	"github.com/mediqo/mediq-go/internal/reliability"
	"github.com/mediqo/mediq-go/messaging"
	"github.com/mediqo/mediq-go/monitor"
)

// Client owns the infrastructure dependencies and their lifecycles.
// Construct with NewClient, open with Connect, release with Close.
type Client struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *monitor.Collector

	cacheFactory   cache.ClientFactory
	publishBreaker *reliability.CircuitBreaker

	conn      *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	messaging *messaging.Service
	cachePool *cache.ClientPool
	cache     *cache.Service
	registry  *monitor.Registry

	mu        sync.Mutex
	connected bool
	closed    bool
}

// NewClient assembles a client from configuration. Nothing connects
// until Connect is called.
func NewClient(cfg *config.Config, options ...Option) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mediq: nil config")
	}

	c := &Client{
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: monitor.NewCollector(),
	}

	for _, opt := range options {
		opt(c)
	}

	c.conn = rabbitmq.NewConnectionManager(cfg.AMQP.URLs,
		rabbitmq.WithLogger(c.logger),
		rabbitmq.WithReconnectDelay(cfg.AMQP.ReconnectDelay),
		rabbitmq.WithMaxAttempts(cfg.AMQP.MaxAttempts),
		rabbitmq.WithMetricsRecorder(c.metrics),
	)

	pool, err := rabbitmq.NewChannelPool(c.conn,
		rabbitmq.WithMaxChannels(cfg.AMQP.MaxChannels),
		rabbitmq.WithRecoveryDelay(cfg.AMQP.ChannelRecoveryDelay),
		rabbitmq.WithChannelLogger(c.logger),
	)
	if err != nil {
		return nil, err
	}
	c.pool = pool

	messagingOpts := []messaging.ServiceOption{
		messaging.WithServiceLogger(c.logger),
		messaging.WithMetrics(c.metrics),
	}
	if c.publishBreaker != nil {
		messagingOpts = append(messagingOpts, messaging.WithBreaker(c.publishBreaker))
	}
	c.messaging = messaging.NewService(c.conn, c.pool, messagingOpts...)

	cachePoolOpts := []cache.PoolOption{cache.WithPoolLogger(c.logger)}
	if c.cacheFactory != nil {
		cachePoolOpts = append(cachePoolOpts, cache.WithClientFactory(c.cacheFactory))
	}
	c.cachePool = cache.NewClientPool(cache.Config{
		Addrs:       cfg.Cache.Addrs,
		Password:    cfg.Cache.Password,
		DB:          cfg.Cache.DB,
		ClusterMode: cfg.Cache.ClusterMode,
		PoolSize:    cfg.Cache.PoolSize,
		MaxRetries:  cfg.Cache.MaxRetries,
	}, cachePoolOpts...)

	c.cache = cache.NewService(c.cachePool,
		cache.WithServiceLogger(c.logger),
		cache.WithDefaultTTL(cfg.Cache.DefaultTTL),
		cache.WithCircuitBreaker(reliability.NewCircuitBreaker(
			reliability.WithName("cache"),
			reliability.WithFailureThreshold(cfg.Breaker.FailureThreshold),
			reliability.WithTimeout(cfg.Breaker.Timeout),
		)),
	)

	c.registry = monitor.NewRegistry()
	c.registry.Register(c.messaging.HealthChecker())
	c.registry.Register(c.cache.HealthChecker())

	return c, nil
}

// Connect opens the broker connection, fills the channel pool and
// initializes the cache pool, all under the startup deadline. A hung
// dependency fails Connect instead of blocking the process forever.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("mediq: client is closed")
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.StartupTimeout)
		defer cancel()
	}

	start := time.Now()

	if err := c.conn.Connect(ctx); err != nil {
		return fmt.Errorf("mediq: broker connect: %w", err)
	}
	if err := c.pool.Initialize(ctx); err != nil {
		return fmt.Errorf("mediq: channel pool: %w", err)
	}
	if err := c.cachePool.Initialize(ctx); err != nil {
		return fmt.Errorf("mediq: cache pool: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("client connected",
		"node", c.conn.CurrentNode(),
		"channels", c.pool.Size(),
		"cacheClients", c.cachePool.Size(),
		"took", time.Since(start))
	return nil
}

// Messaging returns the messaging facade
func (c *Client) Messaging() *messaging.Service {
	return c.messaging
}

// Cache returns the cache facade
func (c *Client) Cache() *cache.Service {
	return c.cache
}

// Metrics returns the shared metrics collector
func (c *Client) Metrics() *monitor.Collector {
	return c.metrics
}

// HealthRegistry returns the registry with the messaging and cache
// checkers already registered
func (c *Client) HealthRegistry() *monitor.Registry {
	return c.registry
}

// Close releases every dependency under the context deadline. Each
// dependency gets an equal slice of the remaining time; a dependency
// missing its slice is logged and skipped, and only the overall
// deadline aborts the shutdown.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ShutdownTimeout)
		defer cancel()
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"messaging", c.messaging.Close},
		{"channel pool", c.pool.CloseAll},
		{"broker connection", c.conn.Close},
		{"cache pool", c.cachePool.Close},
	}

	for i, step := range steps {
		deadline, ok := ctx.Deadline()
		if !ok {
			return fmt.Errorf("mediq: shutdown context lost its deadline")
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("mediq: shutdown deadline exceeded before closing %s", step.name)
		}
		slice := remaining / time.Duration(len(steps)-i)

		if err := c.closeStep(ctx, step.name, step.fn, slice); err != nil {
			return err
		}
	}

	c.logger.Info("client closed")
	return nil
}

// closeStep runs one close function with its own sub-deadline. A missed
// sub-deadline is logged and the step abandoned; only overall context
// expiry is an error.
func (c *Client) closeStep(ctx context.Context, name string, fn func() error, slice time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(slice)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			c.logger.Warn("dependency close failed", "dependency", name, "error", err)
		}
		return nil
	case <-timer.C:
		c.logger.Warn("dependency close missed its deadline, continuing",
			"dependency", name,
			"deadline", slice)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mediq: shutdown aborted while closing %s: %w", name, ctx.Err())
	}
}
