package cache

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the slice of the go-redis API this package uses. Both
// *redis.Client and *redis.ClusterClient satisfy it, and tests swap in
// fakes through WithClientFactory.
type Client interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Config describes the cache backend and pool shape
type Config struct {
	// Addrs are the backend addresses. One address in single-node mode;
	// the full node list in cluster mode.
	Addrs    []string
	Password string
	DB       int

	// ClusterMode selects ClusterClient over Client.
	ClusterMode bool

	// PoolSize is how many clients the pool holds. Defaults to 3.
	PoolSize int

	// MaxRetries caps per-command retries inside each client.
	// Defaults to 3.
	MaxRetries int

	// MinRetryBackoff and MaxRetryBackoff bound the per-command retry
	// backoff. go-redis jitters between them.
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration

	DialTimeout time.Duration

	// PingInterval is how often the pool probes each client to refresh
	// its ready status. Defaults to 15s.
	PingInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MinRetryBackoff <= 0 {
		c.MinRetryBackoff = 8 * time.Millisecond
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = 512 * time.Millisecond
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	return c
}

type clientStatus int32

const (
	statusConnecting clientStatus = iota
	statusReady
	statusClosed
)

func (s clientStatus) String() string {
	switch s {
	case statusConnecting:
		return "connecting"
	case statusReady:
		return "ready"
	case statusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type pooledClient struct {
	id     int
	client Client
	status atomic.Int32
}

func (pc *pooledClient) getStatus() clientStatus {
	return clientStatus(pc.status.Load())
}

func (pc *pooledClient) setStatus(s clientStatus) {
	pc.status.Store(int32(s))
}

// ClientFactory builds one pool member. Production uses the go-redis
// constructors; tests substitute fakes.
type ClientFactory func(cfg Config, id int, onConnect func()) Client

// ClientPool holds a fixed set of cache clients and hands out a random
// ready one per operation. Clients that fail their ping are skipped
// until they recover; membership itself never changes after Initialize.
type ClientPool struct {
	cfg     Config
	logger  *slog.Logger
	factory ClientFactory

	mu          sync.RWMutex
	clients     []*pooledClient
	initialized bool
	closed      bool

	done      chan struct{}
	closeOnce sync.Once
}

// PoolOption configures a ClientPool
type PoolOption func(*ClientPool)

// WithPoolLogger sets the logger
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *ClientPool) {
		p.logger = logger
	}
}

// WithClientFactory overrides how pool members are built
func WithClientFactory(factory ClientFactory) PoolOption {
	return func(p *ClientPool) {
		p.factory = factory
	}
}

// NewClientPool creates an empty pool. Call Initialize to open the
// clients.
func NewClientPool(cfg Config, options ...PoolOption) *ClientPool {
	p := &ClientPool{
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		factory: defaultClientFactory,
		done:    make(chan struct{}),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

func defaultClientFactory(cfg Config, id int, onConnect func()) Client {
	hook := func(ctx context.Context, cn *redis.Conn) error {
		onConnect()
		return nil
	}

	if cfg.ClusterMode {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:           cfg.Addrs,
			Password:        cfg.Password,
			MaxRetries:      cfg.MaxRetries,
			MinRetryBackoff: cfg.MinRetryBackoff,
			MaxRetryBackoff: cfg.MaxRetryBackoff,
			DialTimeout:     cfg.DialTimeout,
			OnConnect:       hook,
		})
	}

	addr := "localhost:6379"
	if len(cfg.Addrs) > 0 {
		addr = cfg.Addrs[0]
	}
	return redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
		DialTimeout:     cfg.DialTimeout,
		OnConnect:       hook,
	})
}

// Initialize opens every pool member and probes each once. Members that
// fail the initial ping stay in the pool as connecting and are retried
// by the ping loop. Initialize fails only when no member is reachable.
func (p *ClientPool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.initialized {
		p.mu.Unlock()
		return nil
	}

	clients := make([]*pooledClient, p.cfg.PoolSize)
	for i := range clients {
		pc := &pooledClient{id: i}
		pc.client = p.factory(p.cfg, i, func() {
			if pc.getStatus() != statusClosed {
				pc.setStatus(statusReady)
			}
		})
		clients[i] = pc
	}
	p.clients = clients
	p.initialized = true
	p.mu.Unlock()

	ready := 0
	for _, pc := range clients {
		if err := pc.client.Ping(ctx).Err(); err != nil {
			p.logger.Warn("cache client not reachable at startup",
				"clientId", pc.id,
				"error", err)
			continue
		}
		pc.setStatus(statusReady)
		ready++
	}

	if ready == 0 {
		// Roll back so a later Initialize starts fresh instead of
		// no-opping against members nothing will ever probe again.
		p.mu.Lock()
		p.initialized = false
		p.clients = nil
		p.mu.Unlock()
		for _, pc := range clients {
			pc.setStatus(statusClosed)
			if err := pc.client.Close(); err != nil {
				p.logger.Debug("cache client close failed", "clientId", pc.id, "error", err)
			}
		}
		return newConnectionError("initialize", firstAddr(p.cfg),
			fmt.Errorf("0 of %d clients reachable", len(clients)))
	}

	go p.pingLoop()

	p.logger.Info("cache client pool initialized",
		"poolSize", len(clients),
		"ready", ready,
		"clusterMode", p.cfg.ClusterMode)
	return nil
}

func firstAddr(cfg Config) string {
	if len(cfg.Addrs) > 0 {
		return cfg.Addrs[0]
	}
	return ""
}

// pingLoop refreshes each member's ready status on an interval
func (p *ClientPool) pingLoop() {
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.probeAll()
		}
	}
}

func (p *ClientPool) probeAll() {
	p.mu.RLock()
	clients := p.clients
	p.mu.RUnlock()

	for _, pc := range clients {
		if pc.getStatus() == statusClosed {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DialTimeout)
		err := pc.client.Ping(ctx).Err()
		cancel()

		was := pc.getStatus()
		if err != nil {
			pc.setStatus(statusConnecting)
			if was == statusReady {
				p.logger.Warn("cache client lost", "clientId", pc.id, "error", err)
			}
			continue
		}
		pc.setStatus(statusReady)
		if was != statusReady {
			p.logger.Info("cache client ready", "clientId", pc.id)
		}
	}
}

// GetClient returns a ready client chosen uniformly at random.
func (p *ClientPool) GetClient() (Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if !p.initialized {
		return nil, ErrPoolNotInitialized
	}

	ready := make([]*pooledClient, 0, len(p.clients))
	for _, pc := range p.clients {
		if pc.getStatus() == statusReady {
			ready = append(ready, pc)
		}
	}
	if len(ready) == 0 {
		return nil, newConnectionError("getClient", firstAddr(p.cfg), ErrNoReadyClients)
	}

	return ready[rand.Intn(len(ready))].client, nil
}

// ReadyCount reports how many pool members are currently ready
func (p *ClientPool) ReadyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0
	for _, pc := range p.clients {
		if pc.getStatus() == statusReady {
			n++
		}
	}
	return n
}

// Size reports the configured pool size
func (p *ClientPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// Close stops the ping loop and closes every client. Idempotent.
func (p *ClientPool) Close() error {
	var firstErr error

	p.closeOnce.Do(func() {
		close(p.done)

		p.mu.Lock()
		p.closed = true
		clients := p.clients
		p.mu.Unlock()

		for _, pc := range clients {
			pc.setStatus(statusClosed)
			if err := pc.client.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		p.logger.Info("cache client pool closed", "poolSize", len(clients))
	})

	return firstErr
}
