package mediq

import (
	"log/slog"

	"github.com/mediqo/mediq-go/cache"
	"github.com/mediqo/mediq-go/internal/reliability"
	"github.com/mediqo/mediq-go/monitor"
)

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger shared by every component
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetricsCollector replaces the shared metrics collector
func WithMetricsCollector(collector *monitor.Collector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithCacheClientFactory overrides how cache pool members are built.
// Used by tests to run without a backend.
func WithCacheClientFactory(factory cache.ClientFactory) Option {
	return func(c *Client) {
		c.cacheFactory = factory
	}
}

// WithPublishBreaker gates broker publishes behind a circuit breaker.
// Publishes are unguarded by default; only the cache side carries one.
func WithPublishBreaker(breaker *reliability.CircuitBreaker) Option {
	return func(c *Client) {
		c.publishBreaker = breaker
	}
}
