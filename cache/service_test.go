package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediqo/mediq-go/internal/reliability"
	"github.com/mediqo/mediq-go/monitor"
)

func newFakeService(t *testing.T, fakes []*fakeClient, options ...ServiceOption) *Service {
	t.Helper()
	pool := fakePool(t, fakes...)
	require.NoError(t, pool.Initialize(context.Background()))
	return NewService(pool, options...)
}

func TestServiceSetGet(t *testing.T) {
	t.Run("round trips JSON-safe values", func(t *testing.T) {
		fake := newFakeClient()
		s := newFakeService(t, []*fakeClient{fake})

		err := s.Set(context.Background(), "k", map[string]interface{}{"a": 1}, &SetOptions{TTL: 30 * time.Second})
		require.NoError(t, err)

		got, err := s.Get(context.Background(), "k")
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"a": float64(1)}, got)
	})

	t.Run("missing key returns nil without error", func(t *testing.T) {
		s := newFakeService(t, []*fakeClient{newFakeClient()})

		got, err := s.Get(context.Background(), "missing-key")
		assert.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("plain strings come back as strings", func(t *testing.T) {
		fake := newFakeClient()
		fake.store["legacy"] = "not json at all"
		s := newFakeService(t, []*fakeClient{fake})

		got, err := s.Get(context.Background(), "legacy")
		require.NoError(t, err)
		assert.Equal(t, "not json at all", got)
	})

	t.Run("raw mode stores the value untouched", func(t *testing.T) {
		fake := newFakeClient()
		s := newFakeService(t, []*fakeClient{fake})

		require.NoError(t, s.Set(context.Background(), "token", "abc123", &SetOptions{Raw: true}))
		assert.Equal(t, "abc123", fake.store["token"])
	})

	t.Run("raw mode rejects structured values", func(t *testing.T) {
		s := newFakeService(t, []*fakeClient{newFakeClient()})

		err := s.Set(context.Background(), "k", map[string]int{"a": 1}, &SetOptions{Raw: true})

		var cacheErr *CacheError
		require.ErrorAs(t, err, &cacheErr)
		assert.Equal(t, "serialize", cacheErr.Op)
	})

	t.Run("backend failure surfaces as OperationError", func(t *testing.T) {
		fake := newFakeClient()
		fake.getErr = errors.New("READONLY you can't write against a replica")
		s := newFakeService(t, []*fakeClient{fake})

		_, err := s.Get(context.Background(), "k")

		var opErr *OperationError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, "get", opErr.Op)
		assert.Equal(t, "k", opErr.Key)
	})
}

func TestServiceDelete(t *testing.T) {
	t.Run("reports how many keys existed", func(t *testing.T) {
		fake := newFakeClient()
		fake.store["a"] = "1"
		fake.store["b"] = "2"
		s := newFakeService(t, []*fakeClient{fake})

		removed, err := s.Delete(context.Background(), "a", "b", "c")
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)
	})

	t.Run("no keys is a no-op", func(t *testing.T) {
		s := newFakeService(t, []*fakeClient{newFakeClient()})

		removed, err := s.Delete(context.Background())
		assert.NoError(t, err)
		assert.Zero(t, removed)
	})

	t.Run("pattern delete scans and removes", func(t *testing.T) {
		fake := newFakeClient()
		fake.store["tenant:7:slots"] = "x"
		fake.store["tenant:7:bills"] = "y"
		fake.store["tenant:8:slots"] = "z"
		s := newFakeService(t, []*fakeClient{fake})

		removed, err := s.DeletePattern(context.Background(), "tenant:7:*")
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)
		assert.Contains(t, fake.store, "tenant:8:slots")
	})
}

func TestServiceAliases(t *testing.T) {
	fake := newFakeClient()
	s := newFakeService(t, []*fakeClient{fake}, WithDefaultTTL(10*time.Second))

	require.NoError(t, s.SetCache(context.Background(), "k", "v"))

	got, err := s.GetCache(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	removed, err := s.InvalidateCache(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestServiceCircuitBreaker(t *testing.T) {
	t.Run("opens after consecutive failures and fails fast", func(t *testing.T) {
		fake := newFakeClient()
		fake.getErr = errors.New("backend down")
		s := newFakeService(t, []*fakeClient{fake},
			WithCircuitBreaker(reliability.NewCircuitBreaker(
				reliability.WithName("cache"),
				reliability.WithFailureThreshold(3),
				reliability.WithTimeout(time.Minute),
			)),
		)

		for i := 0; i < 3; i++ {
			_, err := s.Get(context.Background(), "k")
			require.Error(t, err)
		}
		assert.Equal(t, reliability.StateOpen, s.Breaker().GetState())

		// Breaker rejects before the pool is consulted
		fake.getErr = nil
		_, err := s.Get(context.Background(), "k")

		var cbErr *reliability.CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
	})

	t.Run("guards writes as well", func(t *testing.T) {
		fake := newFakeClient()
		fake.setErr = errors.New("backend down")
		s := newFakeService(t, []*fakeClient{fake},
			WithCircuitBreaker(reliability.NewCircuitBreaker(
				reliability.WithFailureThreshold(2),
				reliability.WithTimeout(time.Minute),
			)),
		)

		for i := 0; i < 2; i++ {
			require.Error(t, s.Set(context.Background(), "k", "v", nil))
		}

		err := s.Set(context.Background(), "k", "v", nil)
		var cbErr *reliability.CircuitBreakerError
		assert.ErrorAs(t, err, &cbErr)
	})
}

func TestServiceCheckHealth(t *testing.T) {
	t.Run("all ready is healthy", func(t *testing.T) {
		s := newFakeService(t, []*fakeClient{newFakeClient(), newFakeClient()})

		h := s.CheckHealth(context.Background())
		assert.Equal(t, monitor.StatusHealthy, h.Status)
		assert.Equal(t, 2, h.ReadyClients)
		assert.Equal(t, 2, h.PoolSize)
		assert.Equal(t, "closed", h.CircuitBreakerState)
	})

	t.Run("partial readiness is a warning", func(t *testing.T) {
		sick := newFakeClient()
		sick.setPingErr(errors.New("connection refused"))
		s := newFakeService(t, []*fakeClient{newFakeClient(), sick})

		h := s.CheckHealth(context.Background())
		assert.Equal(t, monitor.StatusWarning, h.Status)
		assert.Equal(t, 1, h.ReadyClients)
	})

	t.Run("ping failure is an error", func(t *testing.T) {
		fake := newFakeClient()
		pool := fakePool(t, fake)
		require.NoError(t, pool.Initialize(context.Background()))
		s := NewService(pool)

		fake.setPingErr(errors.New("gone"))

		h := s.CheckHealth(context.Background())
		assert.Equal(t, monitor.StatusError, h.Status)
	})

	t.Run("checker carries breaker state details", func(t *testing.T) {
		s := newFakeService(t, []*fakeClient{newFakeClient()})

		checker := s.HealthChecker()
		assert.Equal(t, "cache", checker.Name())

		result := checker.Check(context.Background())
		assert.Equal(t, monitor.StatusHealthy, result.Status)
		assert.Equal(t, "closed", result.Details["circuitBreakerState"])
	})
}
