package thread

import (
	"fmt"
	"math/bits"
)

// Driver identifies a component allowed to update the current-thread
// register. Higher values outrank lower ones within a cycle.
type Driver int

const (
	// DriverNone means nobody drove the register this cycle.
	DriverNone Driver = iota
	// DriverScheduler is the scheduler's rotation policy.
	DriverScheduler
	// DriverSwitch is the software-triggered context switch.
	DriverSwitch
)

// String returns the driver name.
func (d Driver) String() string {
	switch d {
	case DriverNone:
		return "none"
	case DriverScheduler:
		return "scheduler"
	case DriverSwitch:
		return "switch"
	default:
		return fmt.Sprintf("driver(%d)", int(d))
	}
}

// CurrentThread is the single current-thread-id register shared by the
// scheduler, the context-switch controller and context storage.
//
// The register is ceil(log2(n))+1 bits wide so that the value n can be used
// as a "no thread" sentinel. Drives are staged during the cycle and become
// visible on Edge.
type CurrentThread struct {
	numThreads uint32
	mask       uint32

	value   uint32
	pending uint32
	driver  Driver
}

// NewCurrentThread creates the register for numThreads slots, reset to 0.
func NewCurrentThread(numThreads int) *CurrentThread {
	if numThreads <= 0 {
		panic(fmt.Sprintf("current thread register needs at least one thread, got %d", numThreads))
	}

	width := IDWidth(numThreads)

	return &CurrentThread{
		numThreads: uint32(numThreads),
		mask:       uint32(1)<<width - 1,
	}
}

// IDWidth returns the width in bits of a thread id register for n slots.
func IDWidth(n int) int {
	if n <= 1 {
		return 1
	}
	return bits.Len(uint(n-1)) + 1
}

// Value returns the registered thread id.
func (c *CurrentThread) Value() uint32 {
	return c.value
}

// Sentinel returns the "no thread" value.
func (c *CurrentThread) Sentinel() uint32 {
	return c.numThreads
}

// NumThreads returns the number of thread slots.
func (c *CurrentThread) NumThreads() int {
	return int(c.numThreads)
}

// InRange reports whether the registered value names a real slot.
func (c *CurrentThread) InRange() bool {
	return c.value < c.numThreads
}

// Truncate returns v cut to the register width.
func (c *CurrentThread) Truncate(v uint64) uint32 {
	return uint32(v) & c.mask
}

// Drive stages a new value for the next edge. A lower-ranked driver is
// ignored once a higher-ranked one has driven the register this cycle.
// Driving twice from the same driver in one cycle panics.
func (c *CurrentThread) Drive(d Driver, tid uint32) {
	switch {
	case d == DriverNone:
		return
	case d == c.driver:
		panic(fmt.Sprintf("current thread register driven twice by %s in one cycle", d))
	case d < c.driver:
		return
	}

	c.driver = d
	c.pending = tid & c.mask
}

// Pending returns the staged value and its driver. If nobody drove the
// register the current value is returned with DriverNone.
func (c *CurrentThread) Pending() (uint32, Driver) {
	if c.driver == DriverNone {
		return c.value, DriverNone
	}
	return c.pending, c.driver
}

// Edge applies the staged value.
func (c *CurrentThread) Edge() {
	if c.driver != DriverNone {
		c.value = c.pending
	}
	c.driver = DriverNone
	c.pending = 0
}

// Reset returns the register to thread 0.
func (c *CurrentThread) Reset() {
	c.value = 0
	c.pending = 0
	c.driver = DriverNone
}
