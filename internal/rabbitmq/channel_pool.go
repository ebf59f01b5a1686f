package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mediqo/mediq-go/internal/reliability"
)

// slotRecoveryAttempts caps how many times a failed slot is recreated
// before it is removed from the pool.
const slotRecoveryAttempts = 3

// Channel is the slice of the AMQP channel API the pool hands out.
// *amqp.Channel satisfies it; tests substitute fakes through
// WithChannelFactory.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// ChannelFactory opens one channel for the pool
type ChannelFactory func() (Channel, error)

// PooledChannel wraps an AMQP channel with its pool slot identity. The slot
// id is stable across failures: a slot's underlying handle may be swapped
// after recovery while the id stays the same. Temporary channels created on
// pool exhaustion carry slot -1 and must be released via Release.
type PooledChannel struct {
	Channel
	Slot         int
	CreatedAt    time.Time
	messageCount int64
	temporary    bool
	pool         *ChannelPool
}

// Temporary reports whether this channel is an unpooled overflow channel
func (pc *PooledChannel) Temporary() bool {
	return pc.temporary
}

// Release returns the channel to the pool. Pooled slots stay open for reuse;
// temporary channels are closed here, which fixes the overflow-channel leak
// in earlier revisions of this client.
func (pc *PooledChannel) Release() {
	if pc == nil || !pc.temporary {
		return
	}
	if err := pc.Channel.Close(); err != nil {
		pc.pool.logger.Debug("temporary channel close failed", "error", err)
	}
}

// ChannelPool owns a fixed-size set of channel slots multiplexed over the
// ConnectionManager's connection. Failed channels are replaced individually
// in their slot; the pool never shrinks except when a slot's own recovery
// fails against a dead connection.
type ChannelPool struct {
	manager       *ConnectionManager
	factory       ChannelFactory
	maxChannels   int
	recoveryDelay time.Duration
	logger        *slog.Logger

	mu          sync.Mutex
	slots       map[int]*PooledChannel
	cursor      int
	initialized bool
	closed      bool
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxChannels sets the fixed pool size
func WithMaxChannels(n int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxChannels = n
	}
}

// WithRecoveryDelay sets the pause before a failed slot is recreated,
// avoiding a tight reconnect loop against a flapping broker.
func WithRecoveryDelay(d time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.recoveryDelay = d
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// WithChannelFactory replaces how the pool opens channels. The default
// factory opens them on the manager's connection.
func WithChannelFactory(factory ChannelFactory) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.factory = factory
	}
}

// NewChannelPool creates a channel pool over the given connection manager
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	cp := &ChannelPool{
		manager:       manager,
		maxChannels:   10,
		recoveryDelay: 500 * time.Millisecond,
		logger:        slog.Default(),
		slots:         make(map[int]*PooledChannel),
	}

	for _, opt := range options {
		opt(cp)
	}

	if cp.maxChannels < 1 {
		return nil, fmt.Errorf("%w: max channels must be at least 1", ErrInvalidConfiguration)
	}

	return cp, nil
}

// openChannel opens one channel through the configured factory, falling back
// to the manager's connection.
func (cp *ChannelPool) openChannel() (Channel, error) {
	if cp.factory != nil {
		return cp.factory()
	}

	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelCreationFailed, err)
	}
	return ch, nil
}

// Initialize creates exactly maxChannels channels. It requires an established
// connection and arms a close monitor on every slot.
func (cp *ChannelPool) Initialize(ctx context.Context) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return ErrPoolClosed
	}
	if cp.initialized {
		return nil
	}

	for i := 0; i < cp.maxChannels; i++ {
		select {
		case <-ctx.Done():
			cp.closeSlotsLocked()
			return ctx.Err()
		default:
		}

		pc, err := cp.createSlotLocked(i)
		if err != nil {
			cp.closeSlotsLocked()
			return err
		}
		cp.slots[i] = pc
	}

	cp.initialized = true
	cp.logger.Info("channel pool initialized", "channels", cp.maxChannels)
	return nil
}

// Get returns the next open pooled channel by round-robin from the last-used
// slot. When every slot is unavailable it logs a warning and hands out an
// unpooled temporary channel instead; callers must Release it.
func (cp *ChannelPool) Get() (*PooledChannel, error) {
	cp.mu.Lock()

	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if !cp.initialized {
		cp.mu.Unlock()
		return nil, ErrPoolNotInitialized
	}

	for i := 1; i <= cp.maxChannels; i++ {
		idx := (cp.cursor + i) % cp.maxChannels
		pc, ok := cp.slots[idx]
		if !ok || pc.Channel.IsClosed() {
			continue
		}
		cp.cursor = idx
		pc.messageCount++
		cp.mu.Unlock()
		return pc, nil
	}
	cp.mu.Unlock()

	cp.logger.Warn("channel pool exhausted, creating temporary channel")

	ch, err := cp.openChannel()
	if err != nil {
		return nil, &ChannelError{Op: "get channel", Slot: -1, Err: err, Timestamp: time.Now()}
	}

	return &PooledChannel{
		Channel:   ch,
		Slot:      -1,
		CreatedAt: time.Now(),
		temporary: true,
		pool:      cp,
	}, nil
}

// Execute runs fn with a channel from the pool, releasing temporary channels
// afterwards.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(Channel) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	pc, err := cp.Get()
	if err != nil {
		return err
	}
	defer pc.Release()

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(pc.Channel)
	}()

	return execErr
}

// ActiveCount returns the number of open pooled channels
func (cp *ChannelPool) ActiveCount() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	active := 0
	for _, pc := range cp.slots {
		if !pc.Channel.IsClosed() {
			active++
		}
	}
	return active
}

// Capacity returns the configured pool size
func (cp *ChannelPool) Capacity() int {
	return cp.maxChannels
}

// Size returns the number of occupied slots
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.slots)
}

// CloseAll closes every pooled channel and clears the pool. Individual close
// failures are logged and do not abort the remaining closes. Idempotent.
func (cp *ChannelPool) CloseAll() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil
	}
	cp.closed = true
	cp.closeSlotsLocked()
	cp.initialized = false
	cp.logger.Info("channel pool closed")
	return nil
}

func (cp *ChannelPool) closeSlotsLocked() {
	for id, pc := range cp.slots {
		if !pc.Channel.IsClosed() {
			if err := pc.Channel.Close(); err != nil {
				cp.logger.Warn("channel close failed", "slot", id, "error", err)
			}
		}
		delete(cp.slots, id)
	}
}

// createSlotLocked creates the channel for one slot and arms its monitor.
// Caller holds cp.mu.
func (cp *ChannelPool) createSlotLocked(id int) (*PooledChannel, error) {
	ch, err := cp.openChannel()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", Slot: id, Err: err, Timestamp: time.Now()}
	}

	pc := &PooledChannel{
		Channel:   ch,
		Slot:      id,
		CreatedAt: time.Now(),
		pool:      cp,
	}

	go cp.watchSlot(id, ch)

	return pc, nil
}

// watchSlot waits for the slot's channel to error or close and triggers
// recovery. Deliberate pool shutdown is distinguished by the closed flag.
func (cp *ChannelPool) watchSlot(id int, ch Channel) {
	amqpErr, ok := <-ch.NotifyClose(make(chan *amqp.Error, 1))

	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()
	if closed {
		return
	}
	if !ok && amqpErr == nil {
		// Graceful channel close outside shutdown still vacates the slot.
		cp.logger.Debug("pooled channel closed", "slot", id)
	} else if amqpErr != nil {
		cp.logger.Error("pooled channel failed", "slot", id, "error", amqpErr)
	}

	cp.handleChannelError(id)
}

// handleChannelError replaces the channel in the given slot. Each recreation
// attempt waits the recovery delay first, keeping a flapping broker from being
// hammered. When every attempt fails the slot is removed rather than left
// broken, shrinking the effective pool until the next Initialize.
func (cp *ChannelPool) handleChannelError(id int) {
	cp.mu.Lock()
	old, ok := cp.slots[id]
	cp.mu.Unlock()

	if ok && !old.Channel.IsClosed() {
		// Swallow close errors on the dying handle.
		_ = old.Channel.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cp.manager.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	select {
	case <-time.After(cp.recoveryDelay):
	case <-ctx.Done():
		return
	}

	policy := reliability.NewFixedDelay(cp.recoveryDelay, slotRecoveryAttempts-1)
	err := reliability.Retry(ctx, policy, func() error {
		cp.mu.Lock()
		defer cp.mu.Unlock()

		if cp.closed {
			return reliability.RetryableError{Err: ErrPoolClosed, Retryable: false}
		}

		pc, err := cp.createSlotLocked(id)
		if err != nil {
			return err
		}
		cp.slots[id] = pc
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrPoolClosed) || errors.Is(err, context.Canceled) {
			return
		}
		cp.mu.Lock()
		delete(cp.slots, id)
		remaining := len(cp.slots)
		cp.mu.Unlock()
		cp.logger.Error("channel slot recovery failed, slot removed",
			"slot", id,
			"attempts", slotRecoveryAttempts,
			"remaining", remaining,
			"error", err)
		return
	}

	cp.logger.Info("channel slot recovered", "slot", id)
}
