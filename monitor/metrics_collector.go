package monitor

import (
	"sync"
	"time"
)

// Metric operation names used as counter keys
const (
	OpPublish      = "publishes"
	OpConsume      = "consumes"
	OpError        = "errors"
	OpReconnection = "reconnections"
)

// Collector accumulates process-lifetime counters keyed by operation and
// target (queue, exchange, node). Counters reset only on an explicit Reset.
type Collector struct {
	mu       sync.RWMutex
	totals   map[string]int64
	byTarget map[string]map[string]int64
	started  time.Time
}

// NewCollector creates a new in-memory metrics collector
func NewCollector() *Collector {
	return &Collector{
		totals:   make(map[string]int64),
		byTarget: make(map[string]map[string]int64),
		started:  time.Now(),
	}
}

func (c *Collector) record(op, target string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totals[op]++
	if c.byTarget[op] == nil {
		c.byTarget[op] = make(map[string]int64)
	}
	c.byTarget[op][target]++
}

// RecordPublish counts one successful publish to a queue or exchange
func (c *Collector) RecordPublish(target string) {
	c.record(OpPublish, target)
}

// RecordConsume counts one successfully handled delivery from a queue
func (c *Collector) RecordConsume(target string) {
	c.record(OpConsume, target)
}

// RecordError counts one failed operation against a target
func (c *Collector) RecordError(operation, target string) {
	c.record(OpError, operation+":"+target)
}

// RecordReconnection counts one successful (re)connection to a broker node
func (c *Collector) RecordReconnection(node string) {
	c.record(OpReconnection, node)
}

// Snapshot returns a copy of all counters
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Totals:   make(map[string]int64, len(c.totals)),
		ByTarget: make(map[string]map[string]int64, len(c.byTarget)),
		Since:    c.started,
		TakenAt:  time.Now(),
	}
	for op, n := range c.totals {
		s.Totals[op] = n
	}
	for op, targets := range c.byTarget {
		s.ByTarget[op] = make(map[string]int64, len(targets))
		for target, n := range targets {
			s.ByTarget[op][target] = n
		}
	}
	return s
}

// Total returns the process-lifetime count for one operation
func (c *Collector) Total(op string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totals[op]
}

// Reset clears every counter
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totals = make(map[string]int64)
	c.byTarget = make(map[string]map[string]int64)
	c.started = time.Now()
}

// Snapshot is a point-in-time copy of the collector's counters
type Snapshot struct {
	Totals   map[string]int64            `json:"totals"`
	ByTarget map[string]map[string]int64 `json:"byTarget"`
	Since    time.Time                   `json:"since"`
	TakenAt  time.Time                   `json:"takenAt"`
}
