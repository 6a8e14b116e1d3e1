// Package clock injects time and ID generation so the orchestration core's
// tests can be made deterministic, per the "inject a Clock capability and
// an ID source" design note: no component reads time.Now or mints a uuid
// directly.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is the capability every TOC component uses instead of calling
// time.Now or uuid.NewString directly.
type Clock interface {
	Now() time.Time
	NewID() string
}

// SystemClock is the production Clock, backed by the real wall clock and
// google/uuid random IDs.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// NewID returns a fresh random identifier.
func (SystemClock) NewID() string { return uuid.NewString() }

// FakeClock is a deterministic Clock for tests: Now() is controlled
// explicitly and NewID() returns sequential, predictable IDs.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	counter int
	prefix  string
}

// NewFakeClock builds a FakeClock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start, prefix: "fake"}
}

// Now returns the clock's current fixed time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the fake clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set pins the fake clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// NewID returns a deterministic, sequential identifier.
func (c *FakeClock) NewID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return c.prefix + "-" + itoa(c.counter)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
