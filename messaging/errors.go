package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrServiceClosed is returned by operations on a closed service.
	ErrServiceClosed = errors.New("messaging service is closed")

	// ErrAlreadyConsuming is returned when a second subscription is
	// started on a queue that already has one.
	ErrAlreadyConsuming = errors.New("queue already has an active consumer")

	// ErrNotConsuming is returned when unsubscribing from a queue with
	// no active consumer.
	ErrNotConsuming = errors.New("no active consumer for queue")
)

// PublishError wraps a failure to publish a message.
type PublishError struct {
	Exchange   string
	RoutingKey string
	MessageID  string
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	if e.Exchange == "" {
		return fmt.Sprintf("publish to queue %s failed: %v", e.RoutingKey, e.Err)
	}
	return fmt.Sprintf("publish to exchange %s (key %s) failed: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ConsumeError wraps a failure to establish or sustain a subscription.
type ConsumeError struct {
	Queue     string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *ConsumeError) Error() string {
	return fmt.Sprintf("consume %s on queue %s failed: %v", e.Op, e.Queue, e.Err)
}

func (e *ConsumeError) Unwrap() error { return e.Err }

func newPublishError(exchange, key, id string, err error) *PublishError {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: key,
		MessageID:  id,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

func newConsumeError(queue, op string, err error) *ConsumeError {
	return &ConsumeError{
		Queue:     queue,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
