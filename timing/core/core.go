// Package core provides the cycle-level model of the multithreaded core.
// It wires the scheduler, register file, context storage and context-switch
// controller to one current-thread register and clocks them together.
package core

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/sarchlab/mtsim/csr"
	"github.com/sarchlab/mtsim/emu"
	"github.com/sarchlab/mtsim/thread"
	"github.com/sarchlab/mtsim/timing/cache"
	"github.com/sarchlab/mtsim/timing/ctxstore"
	"github.com/sarchlab/mtsim/timing/ctxswitch"
	"github.com/sarchlab/mtsim/timing/regfile"
	"github.com/sarchlab/mtsim/timing/sched"
	"github.com/sarchlab/mtsim/timing/tdt"
)

var (
	// ErrSlotBusy is returned when deallocating a slot the scheduler may
	// still select. The slot has been made non-runnable; retry later.
	ErrSlotBusy = errors.New("thread slot is still active")
	// ErrSlotReserved is returned when deallocating slot 0. The
	// round-robin policy falls back to thread 0 when nothing is runnable,
	// so slot 0 stays allocated; it is only made non-runnable.
	ErrSlotReserved = errors.New("thread slot 0 is the scheduler fallback")
	// ErrSlotRange is returned for a thread id outside the core.
	ErrSlotRange = errors.New("thread slot out of range")
)

// Stats holds performance statistics for the core.
type Stats struct {
	// Cycles is the total number of cycles simulated.
	Cycles uint64
	// Instructions is the number of instructions issued.
	Instructions uint64
	// IdleCycles counts cycles with no runnable thread.
	IdleCycles uint64
	// ThreadSwitches counts cycles whose active thread differs from the
	// previous cycle's.
	ThreadSwitches uint64
	// ContextSwitches counts software-requested switches.
	ContextSwitches uint64
	// CSRPassThrough counts control register writes left for the external
	// control register file.
	CSRPassThrough uint64
	// CSRErrors counts rejected control register accesses.
	CSRErrors uint64
	// Wakeups counts threads unblocked by a monitored store.
	Wakeups uint64
}

// ThreadStats holds per-thread statistics.
type ThreadStats struct {
	TID          uint32
	Valid        bool
	Cycles       uint64
	Instructions uint64
	Switches     uint64
}

// ReadReq presents one register file read.
type ReadReq struct {
	TID uint32
	Reg uint8
}

// RegWrite is the register write retiring this cycle.
type RegWrite struct {
	TID   uint32
	Reg   uint8
	Value uint64
}

// ContextCommit is the context storage update retiring this cycle.
type ContextCommit struct {
	TID   uint32
	State ctxstore.State
}

// CSRAccess is a control register access made by thread TID. Writes are
// observed in the commit stage.
type CSRAccess struct {
	TID   uint32
	Addr  csr.Addr
	Value uint64
}

// CycleInput carries the pipeline signals of one cycle.
type CycleInput struct {
	Mode        sched.Mode
	OverrideTID uint32

	// Issue is true when the pipeline issues an instruction for the
	// active thread this cycle.
	Issue bool

	// Reads are presented on ports 0..len-1 and answered next cycle.
	Reads []ReadReq

	RegWrite      *RegWrite
	ContextCommit *ContextCommit
	CSRWrite      *CSRAccess
	CSRRead       *CSRAccess
}

// CycleOutput carries the observable results of one cycle.
type CycleOutput struct {
	Cycle uint64

	Active uint32
	Next   uint32
	Idle   bool
	Issued bool

	// ReadValues answers the reads presented in the previous cycle.
	ReadValues []uint64
	// Context is the context storage read for the current thread.
	Context ctxstore.State

	// CSRValue answers CSRRead.
	CSRValue uint64
	// CSRErr is set when CSRRead was rejected.
	CSRErr error
	// CSRWriteErr is set when CSRWrite was rejected.
	CSRWriteErr error

	// Current is the current-thread register after the edge.
	Current uint32
}

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the logger used by the core and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Core) {
		c.logger = logger
	}
}

// WithMemory sets the memory holding the thread descriptor table.
func WithMemory(memory *emu.Memory) Option {
	return func(c *Core) {
		c.memory = memory
	}
}

// Core is the multithreading control plane of one pipeline.
type Core struct {
	config *Config
	logger *slog.Logger
	memory *emu.Memory

	current    *thread.CurrentThread
	scheduler  *sched.Scheduler
	regFile    *regfile.RegisterFile
	contexts   *ctxstore.Storage
	switcher   *ctxswitch.Controller
	bank       *csr.Bank
	descriptor *tdt.Table

	// records holds the descriptor fields the pipeline does not model,
	// so that a saved descriptor round-trips.
	records []thread.Context

	lastMode     sched.Mode
	lastOverride uint32

	stats    Stats
	switches []uint64

	// scratch slices reused every cycle
	enabled  []bool
	blocked  []bool
	priority []uint8
}

// NewCore creates a core from the given configuration.
func NewCore(config *Config, opts ...Option) (*Core, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid core config: %w", err)
	}

	c := &Core{
		config: config.Clone(),
		logger: slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.memory == nil {
		c.memory = emu.NewMemory()
	}

	c.current = thread.NewCurrentThread(config.NumThreads)

	rf, err := regfile.New(regfile.Config{
		NumThreads:   config.NumThreads,
		ReadPorts:    config.ReadPorts,
		ZeroRegister: config.ZeroRegister,
	})
	if err != nil {
		return nil, err
	}
	c.regFile = rf

	descCache, err := cache.New(config.DescriptorCache, cache.NewMemoryBacking(c.memory))
	if err != nil {
		return nil, err
	}
	c.descriptor = tdt.New(descCache)

	c.scheduler = sched.New(c.current,
		sched.WithQuota(config.Quota),
		sched.WithLogger(c.logger))

	c.contexts = ctxstore.New(c.current,
		ctxstore.WithResetVector(config.ResetVector),
		ctxstore.WithLogger(c.logger))

	switchOpts := []ctxswitch.Option{ctxswitch.WithLogger(c.logger)}
	if config.RejectOutOfRangeSwitch {
		switchOpts = append(switchOpts, ctxswitch.WithRejectOutOfRange())
	}
	c.switcher = ctxswitch.New(c.current, switchOpts...)

	c.bank = csr.NewBank(config.NumThreads, c.logger)
	c.records = make([]thread.Context, config.NumThreads)
	c.switches = make([]uint64, config.NumThreads)

	c.Reset()

	return c, nil
}

// Config returns a copy of the core configuration.
func (c *Core) Config() *Config {
	return c.config.Clone()
}

// Memory returns the memory holding the thread descriptor table.
func (c *Core) Memory() *emu.Memory {
	return c.memory
}

// RegFile returns the register file.
func (c *Core) RegFile() *regfile.RegisterFile {
	return c.regFile
}

// Contexts returns the context storage.
func (c *Core) Contexts() *ctxstore.Storage {
	return c.contexts
}

// Scheduler returns the scheduler.
func (c *Core) Scheduler() *sched.Scheduler {
	return c.scheduler
}

// Switcher returns the context-switch controller.
func (c *Core) Switcher() *ctxswitch.Controller {
	return c.switcher
}

// CSRs returns the thread-management register bank.
func (c *Core) CSRs() *csr.Bank {
	return c.bank
}

// Descriptors returns the thread descriptor table accessor.
func (c *Core) Descriptors() *tdt.Table {
	return c.descriptor
}

// CurrentThread returns the current thread id.
func (c *Core) CurrentThread() uint32 {
	return c.current.Value()
}

// Tick executes one cycle: combinational evaluation of every component
// from the same registered state, then one clock edge.
func (c *Core) Tick(in CycleInput) CycleOutput {
	out := CycleOutput{Cycle: c.stats.Cycles}

	c.lastMode = in.Mode
	c.lastOverride = in.OverrideTID

	active := c.current.Value()
	issued := in.Issue && c.activeSchedulable(active)

	c.enabled = c.bank.Enabled(c.enabled)
	c.blocked = c.bank.BlockedFlags(c.blocked)
	c.priority = c.bank.Priorities(c.priority)

	sOut := c.scheduler.Step(sched.Inputs{
		Enabled:     c.enabled,
		Blocked:     c.blocked,
		Priority:    c.priority,
		Mode:        in.Mode,
		OverrideTID: in.OverrideTID,
		Issued:      issued,
	})
	out.Active = sOut.Active
	out.Next = sOut.Next
	out.Idle = sOut.Idle
	out.Issued = issued

	c.evaluateRegFile(in, &out)
	c.evaluateContext(in, &out)
	c.evaluateCSR(in, &out)
	c.account(&out)

	c.edge()
	out.Current = c.current.Value()

	if out.Current != out.Active {
		c.stats.ThreadSwitches++
		if out.Current < uint32(len(c.switches)) {
			c.switches[out.Current]++
		}
	}

	return out
}

func (c *Core) activeSchedulable(tid uint32) bool {
	if tid >= uint32(c.bank.Len()) {
		return false
	}
	s := c.bank.Slot(tid)
	return s.Valid && s.Runnable && !s.Blocked
}

func (c *Core) evaluateRegFile(in CycleInput, out *CycleOutput) {
	if in.RegWrite != nil {
		c.regFile.Write(in.RegWrite.TID, in.RegWrite.Reg, in.RegWrite.Value)
	}

	out.ReadValues = make([]uint64, c.regFile.NumPorts())
	for p := range out.ReadValues {
		out.ReadValues[p] = c.regFile.Read(p)
	}

	for p, r := range in.Reads {
		if p >= c.regFile.NumPorts() {
			break
		}
		c.regFile.SetRead(p, r.TID, r.Reg)
	}
}

func (c *Core) evaluateContext(in CycleInput, out *CycleOutput) {
	if in.ContextCommit != nil {
		c.contexts.Commit(in.ContextCommit.TID, in.ContextCommit.State)
	}
	out.Context = c.contexts.Read()
}

func (c *Core) evaluateCSR(in CycleInput, out *CycleOutput) {
	if in.CSRRead != nil {
		out.CSRValue, out.CSRErr = c.readCSR(in.CSRRead.TID, in.CSRRead.Addr)
	}

	if in.CSRWrite != nil {
		out.CSRWriteErr = c.writeCSR(in.CSRWrite.TID, in.CSRWrite.Addr, in.CSRWrite.Value)
	}
}

func (c *Core) readCSR(tid uint32, addr csr.Addr) (uint64, error) {
	if v, ok := c.switcher.Read(addr); ok {
		return v, nil
	}

	v, err := c.bank.Read(tid, addr)
	if err != nil && !errors.Is(err, csr.ErrNotHandled) {
		c.stats.CSRErrors++
	}
	return v, err
}

func (c *Core) writeCSR(tid uint32, addr csr.Addr, value uint64) error {
	if c.switcher.Commit(addr, value) {
		c.stats.ContextSwitches++
		return nil
	}

	err := c.bank.Write(tid, addr, value)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, csr.ErrNotHandled):
		c.stats.CSRPassThrough++
		return nil
	default:
		c.stats.CSRErrors++
		return err
	}
}

func (c *Core) account(out *CycleOutput) {
	c.stats.Cycles++
	if out.Idle {
		c.stats.IdleCycles++
	}

	if out.Active >= uint32(c.bank.Len()) {
		return
	}

	slot := c.bank.Slot(out.Active)
	slot.Cycles++
	if out.Issued {
		slot.Instructions++
		c.stats.Instructions++
	}
}

func (c *Core) edge() {
	c.regFile.Tick()
	c.contexts.Tick()
	c.current.Edge()
}

// InputSource supplies the pipeline signals for each cycle.
type InputSource interface {
	Input(cycle uint64, prev CycleOutput) CycleInput
}

// InputFunc adapts a function to an InputSource.
type InputFunc func(cycle uint64, prev CycleOutput) CycleInput

// Input calls f.
func (f InputFunc) Input(cycle uint64, prev CycleOutput) CycleInput {
	return f(cycle, prev)
}

// RunCycles executes the core for the specified number of cycles. If
// observe is not nil it is called with every cycle's output.
func (c *Core) RunCycles(cycles uint64, src InputSource, observe func(CycleOutput)) {
	var prev CycleOutput
	for i := uint64(0); i < cycles; i++ {
		prev = c.Tick(src.Input(c.stats.Cycles, prev))
		if observe != nil {
			observe(prev)
		}
	}
}

// Stats returns performance statistics for the core.
func (c *Core) Stats() Stats {
	return c.stats
}

// ThreadStats returns per-thread statistics.
func (c *Core) ThreadStats() []ThreadStats {
	out := make([]ThreadStats, c.bank.Len())
	for i := range out {
		slot := c.bank.Slot(uint32(i))
		out[i] = ThreadStats{
			TID:          uint32(i),
			Valid:        slot.Valid,
			Cycles:       slot.Cycles,
			Instructions: slot.Instructions,
			Switches:     c.switches[i],
		}
	}
	return out
}

// Reset clears all core state. Every slot becomes unallocated.
func (c *Core) Reset() {
	c.scheduler.Reset()
	c.regFile.Reset()
	c.contexts.Reset()
	c.switcher.ResetStats()
	c.bank.Reset()
	c.descriptor.Reset()

	for i := range c.records {
		c.records[i] = thread.Context{PhysicalTID: uint8(i)}
	}
	for i := range c.switches {
		c.switches[i] = 0
	}

	c.lastMode = sched.ModeRoundRobin
	c.lastOverride = 0
	c.stats = Stats{}
}
