package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownState = errors.New("reliability: circuit breaker in unknown state")
)

// CircuitBreakerError is returned when the breaker rejects an execution
// without invoking the wrapped operation.
type CircuitBreakerError struct {
	Name             string    // Breaker name
	State            State     // State at rejection time
	Op               string    // Operation that was rejected
	Failures         int       // Current consecutive failure count
	FailureThreshold int       // Configured threshold
	LastFailure      time.Time // Time of the most recent failure
	NextRetry        time.Time // Earliest time a trial execution is allowed
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s: %s rejected (failures %d/%d, retry after %s)",
		e.Name, e.State, e.Op, e.Failures, e.FailureThreshold, e.NextRetry.Format(time.RFC3339))
}

// IsRetryable marks breaker rejections as non-retryable: retrying before the
// cooldown elapses would fail fast again.
func (e *CircuitBreakerError) IsRetryable() bool {
	return false
}
