package monitor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	t.Run("counts per operation and target", func(t *testing.T) {
		c := NewCollector()

		c.RecordPublish("appointments")
		c.RecordPublish("appointments")
		c.RecordPublish("billing")
		c.RecordConsume("appointments")
		c.RecordReconnection("amqp://***@broker-1:5672/")

		assert.Equal(t, int64(3), c.Total(OpPublish))
		assert.Equal(t, int64(1), c.Total(OpConsume))
		assert.Equal(t, int64(1), c.Total(OpReconnection))
		assert.Equal(t, int64(0), c.Total(OpError))

		s := c.Snapshot()
		assert.Equal(t, int64(2), s.ByTarget[OpPublish]["appointments"])
		assert.Equal(t, int64(1), s.ByTarget[OpPublish]["billing"])
	})

	t.Run("errors are keyed by operation and target", func(t *testing.T) {
		c := NewCollector()

		c.RecordError("publish", "appointments")
		c.RecordError("consume", "appointments")

		assert.Equal(t, int64(2), c.Total(OpError))
		s := c.Snapshot()
		assert.Equal(t, int64(1), s.ByTarget[OpError]["publish:appointments"])
		assert.Equal(t, int64(1), s.ByTarget[OpError]["consume:appointments"])
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		c := NewCollector()
		c.RecordPublish("appointments")

		s := c.Snapshot()
		s.Totals[OpPublish] = 99
		s.ByTarget[OpPublish]["appointments"] = 99

		assert.Equal(t, int64(1), c.Total(OpPublish))
		assert.Equal(t, int64(1), c.Snapshot().ByTarget[OpPublish]["appointments"])
	})

	t.Run("counters survive snapshot reads", func(t *testing.T) {
		c := NewCollector()
		c.RecordPublish("appointments")

		_ = c.Snapshot()
		_ = c.Snapshot()

		assert.Equal(t, int64(1), c.Total(OpPublish))
	})

	t.Run("reset clears everything and restarts the window", func(t *testing.T) {
		c := NewCollector()
		c.RecordPublish("appointments")
		c.RecordError("publish", "appointments")
		before := c.Snapshot().Since

		c.Reset()

		s := c.Snapshot()
		assert.Empty(t, s.Totals)
		assert.Empty(t, s.ByTarget)
		assert.False(t, s.Since.Before(before))
	})

	t.Run("concurrent recording", func(t *testing.T) {
		c := NewCollector()

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.RecordPublish("appointments")
				c.RecordConsume("appointments")
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(50), c.Total(OpPublish))
		assert.Equal(t, int64(50), c.Total(OpConsume))
	})
}
