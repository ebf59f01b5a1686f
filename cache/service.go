package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/mediqo/mediq-go/internal/reliability"
	"github.com/mediqo/mediq-go/monitor"
)

// DefaultTTL applies to the convenience aliases when no TTL is given
const DefaultTTL = 3600 * time.Second

const scanBatchSize = 100

// SetOptions tune a single write. A nil *SetOptions means JSON
// serialization and no expiry.
type SetOptions struct {
	// TTL expires the key. 0 means no expiry.
	TTL time.Duration

	// Raw skips JSON serialization; the value must be a string or
	// []byte.
	Raw bool
}

// Service is the cache facade. Every operation acquires a client from
// the pool and runs behind the circuit breaker, so a dead backend fails
// fast instead of piling up timeouts.
type Service struct {
	pool       *ClientPool
	breaker    *reliability.CircuitBreaker
	logger     *slog.Logger
	defaultTTL time.Duration
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithServiceLogger sets the logger
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithCircuitBreaker replaces the default breaker
func WithCircuitBreaker(breaker *reliability.CircuitBreaker) ServiceOption {
	return func(s *Service) {
		s.breaker = breaker
	}
}

// WithDefaultTTL overrides the TTL used by the convenience aliases
func WithDefaultTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// NewService creates the cache facade over an initialized pool.
func NewService(pool *ClientPool, options ...ServiceOption) *Service {
	s := &Service{
		pool: pool,
		breaker: reliability.NewCircuitBreaker(
			reliability.WithName("cache"),
		),
		logger:     slog.Default(),
		defaultTTL: DefaultTTL,
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Set writes a value. The value is JSON serialized unless opts.Raw is
// set, and expires after opts.TTL when given.
func (s *Service) Set(ctx context.Context, key string, value interface{}, opts *SetOptions) error {
	var ttl time.Duration
	raw := false
	if opts != nil {
		ttl = opts.TTL
		raw = opts.Raw
	}

	payload, err := encodeValue(key, value, raw)
	if err != nil {
		return err
	}

	return s.breaker.Execute(ctx, func() error {
		client, err := s.pool.GetClient()
		if err != nil {
			return err
		}
		if err := client.Set(ctx, key, payload, ttl).Err(); err != nil {
			return newOperationError("set", key, err)
		}
		return nil
	})
}

func encodeValue(key string, value interface{}, raw bool) (interface{}, error) {
	if !raw {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, newCacheError("serialize", key, err)
		}
		return data, nil
	}

	switch v := value.(type) {
	case string, []byte:
		return v, nil
	default:
		return nil, newCacheError("serialize", key,
			fmt.Errorf("raw mode requires string or []byte, got %T", value))
	}
}

// Get reads a value. A missing key returns (nil, nil). The stored bytes
// are decoded as JSON; values that are not valid JSON come back as the
// raw string, since plain strings are legitimately cached too.
func (s *Service) Get(ctx context.Context, key string) (interface{}, error) {
	var value interface{}
	err := s.breaker.Execute(ctx, func() error {
		client, err := s.pool.GetClient()
		if err != nil {
			return err
		}

		raw, err := client.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return newOperationError("get", key, err)
		}

		var decoded interface{}
		if jsonErr := json.Unmarshal([]byte(raw), &decoded); jsonErr != nil {
			value = raw
			return nil
		}
		value = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Delete removes keys and returns how many existed.
func (s *Service) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	var removed int64
	err := s.breaker.Execute(ctx, func() error {
		client, err := s.pool.GetClient()
		if err != nil {
			return err
		}
		n, err := client.Del(ctx, keys...).Result()
		if err != nil {
			return newOperationError("delete", keys[0], err)
		}
		removed = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// DeletePattern removes every key matching a glob pattern via SCAN and
// batched deletes. Returns how many keys were removed.
func (s *Service) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	var removed int64
	err := s.breaker.Execute(ctx, func() error {
		client, err := s.pool.GetClient()
		if err != nil {
			return err
		}

		var cursor uint64
		for {
			keys, next, err := client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
			if err != nil {
				return newOperationError("scan", pattern, err)
			}
			if len(keys) > 0 {
				n, err := client.Del(ctx, keys...).Result()
				if err != nil {
					return newOperationError("delete", pattern, err)
				}
				removed += n
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug("pattern delete complete", "pattern", pattern, "removed", removed)
	return removed, nil
}

// SetCache writes a value with the default TTL.
func (s *Service) SetCache(ctx context.Context, key string, value interface{}) error {
	return s.Set(ctx, key, value, &SetOptions{TTL: s.defaultTTL})
}

// GetCache reads a value. Alias for Get.
func (s *Service) GetCache(ctx context.Context, key string) (interface{}, error) {
	return s.Get(ctx, key)
}

// InvalidateCache removes every key matching the pattern.
func (s *Service) InvalidateCache(ctx context.Context, pattern string) (int64, error) {
	return s.DeletePattern(ctx, pattern)
}

// Health describes the cache side of the client
type Health struct {
	Status              monitor.Status `json:"status"`
	ReadyClients        int            `json:"readyClients"`
	PoolSize            int            `json:"poolSize"`
	CircuitBreakerState string         `json:"circuitBreakerState"`
}

// CheckHealth pings the backend and reports pool readiness. Healthy
// when every pooled client is ready, warning when only some are, error
// when none are or the ping itself fails.
func (s *Service) CheckHealth(ctx context.Context) Health {
	health := Health{
		ReadyClients:        s.pool.ReadyCount(),
		PoolSize:            s.pool.Size(),
		CircuitBreakerState: s.breaker.GetState().String(),
	}

	client, err := s.pool.GetClient()
	if err != nil {
		health.Status = monitor.StatusError
		return health
	}
	if err := client.Ping(ctx).Err(); err != nil {
		health.Status = monitor.StatusError
		return health
	}

	if health.ReadyClients == health.PoolSize {
		health.Status = monitor.StatusHealthy
	} else {
		health.Status = monitor.StatusWarning
	}
	return health
}

// HealthChecker adapts CheckHealth to the monitor registry.
func (s *Service) HealthChecker() monitor.Checker {
	return monitor.NewCheckerFunc("cache", func(ctx context.Context) monitor.CheckResult {
		start := time.Now()
		h := s.CheckHealth(ctx)
		result := monitor.CheckResult{
			Name:      "cache",
			Status:    h.Status,
			Duration:  time.Since(start),
			Timestamp: time.Now(),
			Details: map[string]interface{}{
				"readyClients":        h.ReadyClients,
				"poolSize":            h.PoolSize,
				"circuitBreakerState": h.CircuitBreakerState,
			},
		}
		switch h.Status {
		case monitor.StatusError:
			result.Message = "cache backend unavailable"
		case monitor.StatusWarning:
			result.Message = fmt.Sprintf("%d of %d cache clients ready", h.ReadyClients, h.PoolSize)
		}
		return result
	})
}

// Breaker exposes the circuit breaker for inspection
func (s *Service) Breaker() *reliability.CircuitBreaker {
	return s.breaker
}
