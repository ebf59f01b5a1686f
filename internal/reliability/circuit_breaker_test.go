package reliability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker(t *testing.T) {
	t.Run("starts in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.GetState())
	})

	t.Run("executes function in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		executed := false

		err := cb.Execute(context.Background(), func() error {
			executed = true
			return nil
		})

		assert.NoError(t, err)
		assert.True(t, executed)
	})

	t.Run("transitions to open state after failure threshold", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3))

		for i := 0; i < 3; i++ {
			err := cb.Execute(context.Background(), func() error {
				return errors.New("test error")
			})
			assert.Error(t, err)
		}

		assert.Equal(t, StateOpen, cb.GetState())

		// While open, the wrapped operation must not run
		invoked := false
		err := cb.Execute(context.Background(), func() error {
			invoked = true
			return nil
		})
		assert.Error(t, err)
		assert.False(t, invoked)
		var cbErr *CircuitBreakerError
		assert.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateOpen, cbErr.State)
	})

	t.Run("success in closed state resets failure count", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3))

		cb.Execute(context.Background(), func() error { return errors.New("e1") })
		cb.Execute(context.Background(), func() error { return errors.New("e2") })
		cb.Execute(context.Background(), func() error { return nil })

		failures, _ := cb.GetStats()
		assert.Equal(t, 0, failures)
		assert.Equal(t, StateClosed, cb.GetState())
	})

	t.Run("transitions to half-open after timeout and invokes the trial", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithTimeout(100*time.Millisecond),
		)

		cb.Execute(context.Background(), func() error {
			return errors.New("test error")
		})
		assert.Equal(t, StateOpen, cb.GetState())

		time.Sleep(150 * time.Millisecond)

		executed := false
		err := cb.Execute(context.Background(), func() error {
			executed = true
			return nil
		})

		assert.NoError(t, err)
		assert.True(t, executed)
		// Trial succeeded, so the breaker is closed again
		assert.Equal(t, StateClosed, cb.GetState())
	})

	t.Run("half-open success closes and resets failures", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithTimeout(100*time.Millisecond),
		)

		cb.Execute(context.Background(), func() error {
			return errors.New("test error")
		})

		time.Sleep(150 * time.Millisecond)

		err := cb.Execute(context.Background(), func() error {
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, StateClosed, cb.GetState())

		failures, _ := cb.GetStats()
		assert.Equal(t, 0, failures)
	})

	t.Run("half-open failure reopens with fresh last failure time", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithTimeout(100*time.Millisecond),
		)

		cb.Execute(context.Background(), func() error {
			return errors.New("test error")
		})
		_, firstFailure := cb.GetStats()

		time.Sleep(150 * time.Millisecond)

		err := cb.Execute(context.Background(), func() error {
			return errors.New("another error")
		})
		assert.Error(t, err)
		assert.Equal(t, StateOpen, cb.GetState())

		_, secondFailure := cb.GetStats()
		assert.True(t, secondFailure.After(firstFailure))
	})

	t.Run("admits exactly one trial in half-open", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithTimeout(50*time.Millisecond),
		)

		cb.Execute(context.Background(), func() error {
			return errors.New("test error")
		})

		time.Sleep(100 * time.Millisecond)

		var wg sync.WaitGroup
		started := make(chan struct{})
		invoked := int32(0)

		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-started
				cb.Execute(context.Background(), func() error {
					atomic.AddInt32(&invoked, 1)
					time.Sleep(50 * time.Millisecond)
					return nil
				})
			}()
		}

		close(started)
		wg.Wait()

		// The first caller holds the trial slot; everyone racing it while the
		// trial is in flight fails fast. Callers arriving after the trial
		// closed the breaker run normally, so at least one ran and nothing
		// ran concurrently with an open breaker.
		assert.GreaterOrEqual(t, atomic.LoadInt32(&invoked), int32(1))
		assert.Equal(t, StateClosed, cb.GetState())
	})

	t.Run("GetStats tracks consecutive failures", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(5))

		cb.Execute(context.Background(), func() error {
			return errors.New("error 1")
		})
		cb.Execute(context.Background(), func() error {
			return errors.New("error 2")
		})

		failures, lastFailure := cb.GetStats()
		assert.Equal(t, 2, failures)
		assert.NotZero(t, lastFailure)
	})

	t.Run("Reset clears state", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))

		cb.Execute(context.Background(), func() error {
			return errors.New("test error")
		})
		assert.Equal(t, StateOpen, cb.GetState())

		cb.Reset()

		assert.Equal(t, StateClosed, cb.GetState())
		failures, _ := cb.GetStats()
		assert.Equal(t, 0, failures)
	})

	t.Run("context cancellation", func(t *testing.T) {
		cb := NewCircuitBreaker()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := cb.Execute(ctx, func() error {
			return nil
		})

		assert.Error(t, err)
		assert.Equal(t, context.Canceled, err)
	})

	t.Run("cancelled trial releases the half-open slot", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithTimeout(50*time.Millisecond),
		)

		cb.Execute(context.Background(), func() error {
			return errors.New("test error")
		})

		time.Sleep(100 * time.Millisecond)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := cb.Execute(ctx, func() error { return nil })
		assert.Equal(t, context.Canceled, err)

		// The slot is free again, so the next caller gets the trial
		executed := false
		err = cb.Execute(context.Background(), func() error {
			executed = true
			return nil
		})
		assert.NoError(t, err)
		assert.True(t, executed)
	})

	t.Run("closed-state admission holds no trial slot", func(t *testing.T) {
		cb := NewCircuitBreaker()

		trial, err := cb.admit()
		require.NoError(t, err)
		assert.False(t, trial)

		// The breaker opens and admits another caller's trial before the
		// first caller notices its context is gone.
		cb.mu.Lock()
		cb.state = StateHalfOpen
		cb.trialInFlight = true
		cb.mu.Unlock()

		// Mirrors the cancellation path in Execute: settle only when claimed
		if trial {
			cb.settleTrial()
		}

		cb.mu.Lock()
		stillInFlight := cb.trialInFlight
		cb.mu.Unlock()
		assert.True(t, stillInFlight)
	})

	t.Run("half-open claimant owns the trial slot", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithTimeout(time.Millisecond),
		)

		cb.Execute(context.Background(), func() error {
			return errors.New("test error")
		})
		time.Sleep(5 * time.Millisecond)

		trial, err := cb.admit()
		require.NoError(t, err)
		assert.True(t, trial)

		_, err = cb.admit()
		assert.Error(t, err)

		cb.settleTrial()

		trial, err = cb.admit()
		require.NoError(t, err)
		assert.True(t, trial)
	})

	t.Run("notifies listeners on state changes", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithName("test"))

		listener := &recordingListener{changes: make(chan stateChange, 4)}
		cb.AddListener(listener)

		cb.Execute(context.Background(), func() error {
			return errors.New("test error")
		})

		select {
		case change := <-listener.changes:
			assert.Equal(t, StateClosed, change.from)
			assert.Equal(t, StateOpen, change.to)
		case <-time.After(time.Second):
			t.Fatal("expected a state change notification")
		}
	})

	t.Run("concurrent execution", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(200))

		var wg sync.WaitGroup
		errorCount := int32(0)
		successCount := int32(0)

		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := cb.Execute(context.Background(), func() error {
					if i%3 == 0 {
						return errors.New("concurrent error")
					}
					return nil
				})
				if err != nil {
					atomic.AddInt32(&errorCount, 1)
				} else {
					atomic.AddInt32(&successCount, 1)
				}
			}(i)
		}

		wg.Wait()

		assert.True(t, atomic.LoadInt32(&errorCount) > 0)
		assert.True(t, atomic.LoadInt32(&successCount) > 0)
	})
}

type stateChange struct {
	from, to State
	reason   string
}

type recordingListener struct {
	changes chan stateChange
}

func (r *recordingListener) OnStateChange(from, to State, reason string) {
	r.changes <- stateChange{from: from, to: to, reason: reason}
}

func TestCircuitBreakerMetrics(t *testing.T) {
	cb := NewCircuitBreaker(WithFailureThreshold(5), WithName("cache"))

	cb.Execute(context.Background(), func() error { return nil })
	cb.Execute(context.Background(), func() error { return errors.New("boom") })

	m := cb.Metrics()
	assert.Equal(t, "cache", m.Name)
	assert.Equal(t, int64(2), m.TotalRequests)
	assert.Equal(t, int64(1), m.TotalFailures)
	assert.Equal(t, int64(1), m.TotalSuccesses)
	assert.Equal(t, 1, m.CurrentFailures)
}

func TestCircuitBreakerOptions(t *testing.T) {
	t.Run("applies all options", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(10),
			WithTimeout(1*time.Minute),
			WithName("cache"),
		)

		assert.Equal(t, 10, cb.failureThreshold)
		assert.Equal(t, 1*time.Minute, cb.timeout)
		assert.Equal(t, "cache", cb.name)
	})

	t.Run("uses defaults when no options", func(t *testing.T) {
		cb := NewCircuitBreaker()

		assert.Equal(t, 5, cb.failureThreshold)
		assert.Equal(t, 30*time.Second, cb.timeout)
		assert.Equal(t, "default", cb.name)
	})
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func BenchmarkCircuitBreaker(b *testing.B) {
	cb := NewCircuitBreaker()
	ctx := context.Background()

	b.Run("successful execution", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			cb.Execute(ctx, func() error {
				return nil
			})
		}
	})

	b.Run("concurrent execution", func(b *testing.B) {
		cb := NewCircuitBreaker()
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				cb.Execute(ctx, func() error {
					return nil
				})
			}
		})
	})
}
