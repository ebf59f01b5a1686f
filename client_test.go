package mediq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediqo/mediq-go/config"
)

func testConfig() *config.Config {
	return &config.Config{
		AMQP: config.AMQPConfig{
			URLs:                 []string{"amqp://localhost:5672/"},
			ReconnectDelay:       time.Second,
			MaxAttempts:          1,
			MaxChannels:          4,
			ChannelRecoveryDelay: 100 * time.Millisecond,
		},
		Cache: config.CacheConfig{
			Addrs:      []string{"localhost:6379"},
			PoolSize:   2,
			MaxRetries: 3,
			DefaultTTL: time.Hour,
		},
		Breaker: config.BreakerConfig{
			FailureThreshold: 5,
			Timeout:          30 * time.Second,
		},
		StartupTimeout:  5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

func TestNewClient(t *testing.T) {
	t.Run("requires a config", func(t *testing.T) {
		client, err := NewClient(nil)

		assert.Nil(t, client)
		assert.Error(t, err)
	})

	t.Run("assembles every facade without connecting", func(t *testing.T) {
		client, err := NewClient(testConfig())
		require.NoError(t, err)

		assert.NotNil(t, client.Messaging())
		assert.NotNil(t, client.Cache())
		assert.NotNil(t, client.Metrics())
		assert.NotNil(t, client.HealthRegistry())
	})

	t.Run("registers both health checkers", func(t *testing.T) {
		client, err := NewClient(testConfig())
		require.NoError(t, err)

		health := client.HealthRegistry().Check(context.Background())
		assert.Contains(t, health.Checks, "messaging")
		assert.Contains(t, health.Checks, "cache")
	})
}

func TestClientClose(t *testing.T) {
	t.Run("close without connect is clean", func(t *testing.T) {
		client, err := NewClient(testConfig())
		require.NoError(t, err)

		assert.NoError(t, client.Close(context.Background()))
	})

	t.Run("close is idempotent", func(t *testing.T) {
		client, err := NewClient(testConfig())
		require.NoError(t, err)

		require.NoError(t, client.Close(context.Background()))
		assert.NoError(t, client.Close(context.Background()))
	})

	t.Run("connect after close is refused", func(t *testing.T) {
		client, err := NewClient(testConfig())
		require.NoError(t, err)
		require.NoError(t, client.Close(context.Background()))

		assert.Error(t, client.Connect(context.Background()))
	})

	t.Run("close finishes within the overall deadline", func(t *testing.T) {
		client, err := NewClient(testConfig())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		start := time.Now()
		require.NoError(t, client.Close(ctx))
		assert.Less(t, time.Since(start), 2*time.Second)
	})
}
