package rabbitmq

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// Connection errors
	ErrConnectionClosed    = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady  = errors.New("rabbitmq: connection not ready")
	ErrMaxAttemptsExceeded = errors.New("rabbitmq: maximum connection attempts exceeded")
	ErrConnectionTimeout   = errors.New("rabbitmq: connection timeout")
	ErrNoNodesConfigured   = errors.New("rabbitmq: no broker nodes configured")

	// Channel errors
	ErrChannelClosed         = errors.New("rabbitmq: channel is closed")
	ErrPoolClosed            = errors.New("rabbitmq: channel pool is closed")
	ErrPoolNotInitialized    = errors.New("rabbitmq: channel pool not initialized")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	Node      string    // Broker node (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	Slot      int       // Pool slot the channel occupied (-1 for unpooled)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on slot %d: %v", e.Op, e.Slot, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// TopologyError represents a queue, exchange or binding declaration error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// SanitizeURL removes credentials from an AMQP URL for logging
func SanitizeURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	scheme := strings.Index(url, "://")
	if scheme < 0 || scheme+3 > at {
		return "***"
	}
	return url[:scheme+3] + "***" + url[at:]
}
