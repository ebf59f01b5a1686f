package cache

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoReadyClients is returned when every pooled client is
	// unavailable.
	ErrNoReadyClients = errors.New("no ready cache clients in pool")

	// ErrPoolClosed is returned by operations on a closed pool.
	ErrPoolClosed = errors.New("cache client pool is closed")

	// ErrPoolNotInitialized is returned when the pool is used before
	// Initialize.
	ErrPoolNotInitialized = errors.New("cache client pool not initialized")
)

// ConnectionError wraps a failure to reach the cache backend.
type ConnectionError struct {
	Op        string
	Addr      string
	Err       error
	Timestamp time.Time
}

func (e *ConnectionError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("cache connection error during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache connection error during %s (addr: %s): %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// OperationError wraps a failed cache command.
type OperationError struct {
	Op        string
	Key       string
	Err       error
	Timestamp time.Time
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("cache %s failed for key %s: %v", e.Op, e.Key, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// CacheError wraps a value serialization or deserialization failure.
type CacheError struct {
	Op        string
	Key       string
	Err       error
	Timestamp time.Time
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s error for key %s: %v", e.Op, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

func newConnectionError(op, addr string, err error) *ConnectionError {
	return &ConnectionError{Op: op, Addr: addr, Err: err, Timestamp: time.Now()}
}

func newOperationError(op, key string, err error) *OperationError {
	return &OperationError{Op: op, Key: key, Err: err, Timestamp: time.Now()}
}

func newCacheError(op, key string, err error) *CacheError {
	return &CacheError{Op: op, Key: key, Err: err, Timestamp: time.Now()}
}
