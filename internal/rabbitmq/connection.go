package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mediqo/mediq-go/internal/reliability"
)

const dialTimeout = 30 * time.Second

// Connection is the slice of the AMQP connection API the manager and pool
// use. *amqp.Connection satisfies it; tests substitute fakes through
// WithDialer.
type Connection interface {
	Channel() (*amqp.Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
	IsClosed() bool
	Close() error
}

// Dialer opens a connection to one broker node
type Dialer func(url string) (Connection, error)

func defaultDial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected(node string)
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// MetricsRecorder receives connection-level metric events
type MetricsRecorder interface {
	RecordReconnection(node string)
	RecordError(operation, target string)
}

// nopMetrics is used when no recorder is configured
type nopMetrics struct{}

func (nopMetrics) RecordReconnection(string)  {}
func (nopMetrics) RecordError(string, string) {}

// ConnectionManager owns the single broker connection. It iterates a cluster
// node list on every attempt (the first node that accepts wins), backs off
// exponentially between passes, and re-establishes the connection when the
// broker drops it. The connection is recreated wholesale on failure, never
// repaired in place.
type ConnectionManager struct {
	nodes          []string
	conn           Connection
	dial           Dialer
	currentNode    string
	mu             sync.RWMutex
	reconnectDelay time.Duration
	maxAttempts    int
	backoff        reliability.RetryPolicy
	logger         *slog.Logger
	metrics        MetricsRecorder
	notifyClose    chan *amqp.Error
	isConnected    bool
	done           chan struct{}
	closeOnce      sync.Once

	// inflight serializes concurrent Connect calls onto one dial attempt
	inflight *connectAttempt

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base delay between connection passes
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxAttempts caps the number of full passes over the node list before
// Connect gives up. Negative means retry forever.
func WithMaxAttempts(attempts int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxAttempts = attempts
	}
}

// WithMetricsRecorder sets the metrics recorder
func WithMetricsRecorder(m MetricsRecorder) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.metrics = m
	}
}

// WithDialer replaces how broker nodes are dialed
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager for the given broker
// nodes. A single URL behaves as a one-element cluster.
func NewConnectionManager(nodes []string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		nodes:          nodes,
		dial:           defaultDial,
		reconnectDelay: 5 * time.Second,
		maxAttempts:    10,
		logger:         slog.Default(),
		metrics:        nopMetrics{},
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	cm.backoff = reliability.NewExponentialBackoff(cm.reconnectDelay, 5*time.Minute, 2.0, cm.maxAttempts)

	return cm
}

// Connect establishes the connection, idempotently. Concurrent callers share
// a single in-flight attempt; a failed attempt clears the shared state so a
// later call can retry fresh.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.isConnected {
		cm.mu.Unlock()
		return nil
	}
	if cm.inflight != nil {
		attempt := cm.inflight
		cm.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	cm.inflight = attempt
	cm.mu.Unlock()

	err := cm.connectWithRetry(ctx)

	cm.mu.Lock()
	attempt.err = err
	cm.inflight = nil
	cm.mu.Unlock()
	close(attempt.done)

	return err
}

// connectWithRetry runs passes over the node list until one node accepts,
// the attempt cap is exhausted, or the context is cancelled.
func (cm *ConnectionManager) connectWithRetry(ctx context.Context) error {
	if len(cm.nodes) == 0 {
		return &ConnectionError{Op: "connect", Err: ErrNoNodesConfigured, Timestamp: time.Now()}
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cm.done:
			return ErrConnectionClosed
		default:
		}

		for _, node := range cm.nodes {
			conn, err := cm.dialNode(ctx, node)
			if err != nil {
				lastErr = err
				cm.logger.Warn("broker node unreachable",
					"node", SanitizeURL(node),
					"attempt", attempt,
					"error", err)
				continue
			}

			cm.adopt(conn, node)
			cm.metrics.RecordReconnection(SanitizeURL(node))
			cm.logger.Info("connected to broker",
				"node", SanitizeURL(node),
				"attempt", attempt)
			cm.notifyConnected(node)
			return nil
		}

		if cm.maxAttempts >= 0 && attempt >= cm.maxAttempts {
			cm.metrics.RecordError("connect", "connection")
			return &ConnectionError{
				Op:        "connect",
				Err:       ErrMaxAttemptsExceeded,
				Timestamp: time.Now(),
				Attempts:  attempt,
			}
		}

		cm.notifyReconnecting(attempt)
		delay := cm.backoff.NextDelay(attempt - 1)
		cm.logger.Info("all broker nodes failed, backing off",
			"attempt", attempt,
			"delay", delay,
			"lastError", lastErr)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		case <-cm.done:
			return ErrConnectionClosed
		}
	}
}

// dialNode dials one node with a bounded timeout
func (cm *ConnectionManager) dialNode(ctx context.Context, node string) (Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	connChan := make(chan Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := cm.dial(node)
		if err != nil {
			errChan <- err
			return
		}
		select {
		case connChan <- conn:
		case <-dialCtx.Done():
			conn.Close()
		}
	}()

	select {
	case conn := <-connChan:
		return conn, nil
	case err := <-errChan:
		return nil, err
	case <-dialCtx.Done():
		return nil, &ConnectionError{
			Op:        "dial",
			Node:      SanitizeURL(node),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
		}
	}
}

// adopt installs a freshly dialed connection and arms its monitors
func (cm *ConnectionManager) adopt(conn Connection, node string) {
	cm.mu.Lock()
	cm.conn = conn
	cm.currentNode = node
	cm.isConnected = true
	cm.notifyClose = make(chan *amqp.Error, 1)
	conn.NotifyClose(cm.notifyClose)
	cm.mu.Unlock()

	go cm.watchBlocked(conn, node)
	go cm.superviseReconnect(cm.notifyCloseChan())
}

func (cm *ConnectionManager) notifyCloseChan() chan *amqp.Error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.notifyClose
}

// GetConnection returns the current connection, or an error if not established
func (cm *ConnectionManager) GetConnection() (Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected && cm.conn != nil && !cm.conn.IsClosed()
}

// CurrentNode returns the node the current connection was dialed to
func (cm *ConnectionManager) CurrentNode() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.currentNode
}

// Close tears down the connection. Safe to call when already closed.
func (cm *ConnectionManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		close(cm.done)

		cm.mu.Lock()
		cm.isConnected = false
		conn := cm.conn
		cm.conn = nil
		cm.mu.Unlock()

		if conn != nil && !conn.IsClosed() {
			err = conn.Close()
		}
		cm.logger.Info("connection manager closed")
	})
	return err
}

// superviseReconnect owns the recovery of one connection incarnation. It
// exits either when the manager shuts down or after handing off to the
// supervisor goroutine of the replacement connection.
func (cm *ConnectionManager) superviseReconnect(notifyClose chan *amqp.Error) {
	select {
	case <-cm.done:
		return
	case amqpErr := <-notifyClose:
		if amqpErr != nil {
			cm.logger.Error("connection closed by broker", "error", amqpErr)
		}

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		if amqpErr != nil {
			cm.notifyDisconnected(amqpErr)
		} else {
			cm.notifyDisconnected(ErrConnectionClosed)
		}

		select {
		case <-cm.done:
			return
		default:
		}

		// Supervised recovery: failures here are surfaced through state
		// listeners and health checks rather than swallowed.
		if err := cm.Connect(context.Background()); err != nil {
			cm.logger.Error("reconnection abandoned", "error", err)
			cm.notifyDisconnected(err)
		}
	}
}

// watchBlocked logs broker flow-control notifications. Blocked state does not
// transition the connection state machine.
func (cm *ConnectionManager) watchBlocked(conn Connection, node string) {
	blocked := conn.NotifyBlocked(make(chan amqp.Blocking, 1))
	for {
		select {
		case <-cm.done:
			return
		case b, ok := <-blocked:
			if !ok {
				return
			}
			if b.Active {
				cm.logger.Warn("connection blocked by broker",
					"node", SanitizeURL(node),
					"reason", b.Reason)
			} else {
				cm.logger.Info("connection unblocked by broker",
					"node", SanitizeURL(node))
			}
		}
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

func (cm *ConnectionManager) notifyConnected(node string) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected(node)
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
