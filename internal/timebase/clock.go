package timebase

import (
	"sync/atomic"
	"time"
)

// Clock is a free-running hardware tick counter. Ticks may come from a sample
// counter, a device register or the host monotonic clock.
type Clock interface {
	Ticks() uint64
	TicksPerSecond() uint64
}

// SecondsRegister is implemented by clocks that also keep the coarse seconds
// count in hardware.
type SecondsRegister interface {
	Seconds() int64
}

// MonotonicClock counts host monotonic nanoseconds since creation
type MonotonicClock struct {
	start time.Time
}

// NewMonotonicClock creates a nanosecond tick clock
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

func (c *MonotonicClock) Ticks() uint64 {
	return uint64(time.Since(c.start))
}

func (c *MonotonicClock) TicksPerSecond() uint64 {
	return uint64(time.Second)
}

// ManualClock is a settable clock for simulation and tests. It optionally
// carries a hardware seconds register.
type ManualClock struct {
	ticks   atomic.Uint64
	seconds atomic.Int64
	tps     uint64
}

// NewManualClock creates a clock at tick zero
func NewManualClock(ticksPerSecond uint64) *ManualClock {
	return &ManualClock{tps: ticksPerSecond}
}

func (c *ManualClock) Ticks() uint64 {
	return c.ticks.Load()
}

func (c *ManualClock) TicksPerSecond() uint64 {
	return c.tps
}

// Set moves the counter to t, backwards included
func (c *ManualClock) Set(t uint64) {
	c.ticks.Store(t)
}

// Advance moves the counter forward by n ticks and returns the new value
func (c *ManualClock) Advance(n uint64) uint64 {
	return c.ticks.Add(n)
}

// Seconds returns the hardware seconds register
func (c *ManualClock) Seconds() int64 {
	return c.seconds.Load()
}

// SetSeconds sets the hardware seconds register
func (c *ManualClock) SetSeconds(s int64) {
	c.seconds.Store(s)
}
