package clock

import (
	"sync"
	"time"
)

// Clock is a monotonic millisecond tick source. All supervisor timestamps
// (error log entries, token freshness, feed times) are milliseconds since
// the clock was created, matching the persisted u32 timestamp format.
type Clock interface {
	Now() uint32
}

// SystemClock derives ticks from the runtime monotonic clock.
type SystemClock struct {
	start time.Time
}

// NewSystem creates a SystemClock starting at tick zero.
func NewSystem() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Now() uint32 {
	return uint32(time.Since(c.start) / time.Millisecond)
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now uint32
}

// NewFake creates a fake clock at the given tick.
func NewFake(start uint32) *Fake {
	return &Fake{now: start}
}

func (c *Fake) Now() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by ms milliseconds.
func (c *Fake) Advance(ms uint32) {
	c.mu.Lock()
	c.now += ms
	c.mu.Unlock()
}

// Set jumps the clock to an absolute tick.
func (c *Fake) Set(ms uint32) {
	c.mu.Lock()
	c.now = ms
	c.mu.Unlock()
}
