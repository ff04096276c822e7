// Package ctxswitch provides the context-switch controller. It watches
// control register writes leaving the commit stage and turns a write to
// CTXT into an atomic change of the current thread.
package ctxswitch

import (
	"log/slog"

	"github.com/sarchlab/mtsim/csr"
	"github.com/sarchlab/mtsim/thread"
)

// Statistics holds context switch statistics.
type Statistics struct {
	// Requested counts CTXT writes.
	Requested uint64
	// Rejected counts CTXT writes dropped for naming a missing slot.
	Rejected uint64
	// PassedThrough counts writes to other addresses.
	PassedThrough uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithRejectOutOfRange drops switch requests that do not name a slot.
// Without it the written id is taken as is.
func WithRejectOutOfRange() Option {
	return func(c *Controller) {
		c.rejectOutOfRange = true
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// Controller intercepts the CTXT register. It is the only software-visible
// way to choose the current thread.
type Controller struct {
	current          *thread.CurrentThread
	rejectOutOfRange bool
	stats            Statistics
	logger           *slog.Logger
}

// New creates a controller driving the given register.
func New(current *thread.CurrentThread, opts ...Option) *Controller {
	c := &Controller{
		current: current,
		logger:  slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Commit observes a control register write in the commit stage. It
// returns true when the write was consumed. Any other address is left for
// the rest of the control register file.
func (c *Controller) Commit(addr csr.Addr, value uint64) bool {
	if addr&csr.AddrMask != csr.CTXT {
		c.stats.PassedThrough++
		return false
	}

	c.stats.Requested++
	tid := c.current.Truncate(value)

	if c.rejectOutOfRange && tid >= uint32(c.current.NumThreads()) {
		c.stats.Rejected++
		c.logger.Warn("rejected context switch to missing thread", "tid", tid)
		return true
	}

	c.current.Drive(thread.DriverSwitch, tid)
	c.logger.Debug("context switch", "from", c.current.Value(), "to", tid)

	return true
}

// Read returns the CTXT value zero-extended to 64 bits. The second result
// is false for any other address.
func (c *Controller) Read(addr csr.Addr) (uint64, bool) {
	if addr&csr.AddrMask != csr.CTXT {
		return 0, false
	}
	return uint64(c.current.Value()), true
}

// Stats returns context switch statistics.
func (c *Controller) Stats() Statistics {
	return c.stats
}

// ResetStats clears the statistics.
func (c *Controller) ResetStats() {
	c.stats = Statistics{}
}
