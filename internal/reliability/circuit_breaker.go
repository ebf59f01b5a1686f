package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(from, to State, reason string)
}

// CircuitBreaker implements a three-state failure gate. A run of consecutive
// failures in the closed state opens the breaker; while open, executions are
// rejected without invoking the operation until the timeout elapses, after
// which exactly one trial execution is admitted. The trial's outcome decides
// between closing again and reopening.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	lastFailureTime time.Time
	trialInFlight   bool

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64

	// Configuration
	failureThreshold int
	timeout          time.Duration
	name             string

	listeners []StateChangeListener
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive-failure count that opens the breaker
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithTimeout sets the open-state cooldown before a trial execution is allowed
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		timeout:          30 * time.Second,
		name:             "default",
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	cb.mu.Lock()
	cb.totalRequests++
	cb.mu.Unlock()

	trial, err := cb.admit()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		if trial {
			cb.settleTrial()
		}
		return ctx.Err()
	default:
	}

	err = fn()
	cb.recordResult(err)
	return err
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns the consecutive failure count and last failure time
func (cb *CircuitBreaker) GetStats() (failures int, lastFailure time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.lastFailureTime
}

// Reset forces the breaker back to closed with counters cleared
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.trialInFlight = false
}

// admit checks whether an execution may proceed, transitioning open → half-open
// when the cooldown has elapsed. The trial result reports whether this caller
// claimed the half-open trial slot; only a claimant may release it again via
// settleTrial.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		nextRetry := cb.lastFailureTime.Add(cb.timeout)
		if !time.Now().Before(nextRetry) {
			old := cb.state
			cb.state = StateHalfOpen
			cb.trialInFlight = true
			cb.notifyStateChange(old, cb.state, "timeout expired")
			return true, nil
		}
		return false, cb.rejectionLocked(nextRetry)

	case StateHalfOpen:
		// One trial at a time; everyone else fails fast.
		if cb.trialInFlight {
			return false, cb.rejectionLocked(time.Now())
		}
		cb.trialInFlight = true
		return true, nil

	default:
		return false, ErrUnknownState
	}
}

// settleTrial releases the half-open trial slot without recording a result,
// used when the claimant's context is cancelled before the operation runs.
// Callers admitted in the closed state hold no slot and must not call this:
// the breaker may have opened and admitted another trial in the meantime.
func (cb *CircuitBreaker) settleTrial() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trialInFlight = false
}

func (cb *CircuitBreaker) rejectionLocked(nextRetry time.Time) error {
	return &CircuitBreakerError{
		Name:             cb.name,
		State:            cb.state,
		Op:               "execute",
		Failures:         cb.failures,
		FailureThreshold: cb.failureThreshold,
		LastFailure:      cb.lastFailureTime,
		NextRetry:        nextRetry,
	}
}

// recordResult records the result of an execution
func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.totalFailures++
		cb.lastFailureTime = time.Now()
		old := cb.state

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.state = StateOpen
				cb.notifyStateChange(old, cb.state,
					fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
			}

		case StateHalfOpen:
			cb.state = StateOpen
			cb.trialInFlight = false
			cb.notifyStateChange(old, cb.state, "trial execution failed")
		}
		return
	}

	cb.totalSuccesses++
	old := cb.state

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateClosed
		cb.failures = 0
		cb.trialInFlight = false
		cb.notifyStateChange(old, cb.state, "trial execution succeeded")

	case StateClosed:
		cb.failures = 0
	}
}

// AddListener adds a state change listener
func (cb *CircuitBreaker) AddListener(listener StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// notifyStateChange notifies all listeners of a state change. Callers hold
// the breaker lock, so listeners run on their own goroutines.
func (cb *CircuitBreaker) notifyStateChange(from, to State, reason string) {
	listeners := make([]StateChangeListener, len(cb.listeners))
	copy(listeners, cb.listeners)

	for _, listener := range listeners {
		go listener.OnStateChange(from, to, reason)
	}
}

// Metrics returns a snapshot of breaker counters
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerMetrics{
		Name:            cb.name,
		State:           cb.state,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
		CurrentFailures: cb.failures,
		LastFailureTime: cb.lastFailureTime,
		Timestamp:       time.Now(),
	}
}

// CircuitBreakerMetrics represents circuit breaker counters at a point in time
type CircuitBreakerMetrics struct {
	Name            string
	State           State
	TotalRequests   int64
	TotalFailures   int64
	TotalSuccesses  int64
	CurrentFailures int
	LastFailureTime time.Time
	Timestamp       time.Time
}
