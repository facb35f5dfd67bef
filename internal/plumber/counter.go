package plumber

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ConnectionCounter tracks the live connections of one listener and the
// instant the listener last became idle.
type ConnectionCounter struct {
	mu    sync.Mutex
	clock clock.Clock
	count int
	since time.Time
}

// NewConnectionCounter starts idle, with the idle period beginning now.
func NewConnectionCounter(clk clock.Clock) *ConnectionCounter {
	if clk == nil {
		clk = clock.New()
	}
	return &ConnectionCounter{clock: clk, since: clk.Now()}
}

// AddConnection records a new live connection.
func (c *ConnectionCounter) AddConnection() {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}

// RemConnection records the end of a live connection. Every call must pair
// with an earlier AddConnection; an unpaired call panics.
func (c *ConnectionCounter) RemConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.count > 1:
		c.count--
	case c.count == 1:
		c.count = 0
		c.since = c.clock.Now()
	default:
		panic("plumber: removing a connection but none is active")
	}
}

// NoConnectionsSince returns when the counter became idle; ok is false
// while connections are live.
func (c *ConnectionCounter) NoConnectionsSince() (since time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count > 0 {
		return time.Time{}, false
	}
	return c.since, true
}

// Active returns the number of live connections.
func (c *ConnectionCounter) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
