package core

import (
	"fmt"

	"github.com/sarchlab/mtsim/csr"
	"github.com/sarchlab/mtsim/thread"
	"github.com/sarchlab/mtsim/timing/ctxstore"
	"github.com/sarchlab/mtsim/timing/sched"
)

func (c *Core) slot(tid uint32) (*csr.Slot, error) {
	if tid >= uint32(c.bank.Len()) {
		return nil, fmt.Errorf("%w: %d", ErrSlotRange, tid)
	}
	return c.bank.Slot(tid), nil
}

// Install places a thread context directly into slot ctx.PhysicalTID. It is
// the path used when no descriptor table is involved, e.g. at boot.
func (c *Core) Install(ctx thread.Context) error {
	tid := uint32(ctx.PhysicalTID)
	s, err := c.slot(tid)
	if err != nil {
		return err
	}
	if err := ctx.Validate(); err != nil {
		return fmt.Errorf("thread %d: %w", tid, err)
	}

	c.records[tid] = ctx
	c.contexts.Load(tid, ctxstore.FromContext(&ctx))
	c.regFile.ClearThread(tid)

	s.VirtualTID = ctx.VirtualTID
	s.Priority = ctx.Priority
	s.Valid = ctx.Valid
	s.Runnable = ctx.Runnable
	s.Blocked = ctx.Blocked
	s.ThreadLocal = ctx.ThreadLocalBase

	c.logger.Info("thread installed",
		"tid", tid, "vtid", ctx.VirtualTID, "priority", ctx.Priority,
		"next_pc", fmt.Sprintf("0x%x", ctx.NextPC))

	return nil
}

// Allocate loads the descriptor of slot tid from the table at TDT_PTR and
// installs it. The table is read in the address space of the current
// thread.
func (c *Core) Allocate(tid uint32) error {
	if _, err := c.slot(tid); err != nil {
		return err
	}

	asid := c.contexts.Read().ASID
	ctx, err := c.descriptor.Load(asid, c.bank.TDTPtr(), tid)
	if err != nil {
		return fmt.Errorf("allocating thread %d: %w", tid, err)
	}

	ctx.Valid = true
	return c.Install(*ctx)
}

// Snapshot assembles the full context of a slot from the components that
// hold it.
func (c *Core) Snapshot(tid uint32) (thread.Context, error) {
	s, err := c.slot(tid)
	if err != nil {
		return thread.Context{}, err
	}

	ctx := c.records[tid]
	state := c.contexts.ReadThread(tid)

	ctx.PhysicalTID = uint8(tid)
	ctx.NextPC = state.NextPC
	ctx.Privilege = state.Privilege
	ctx.ASID = state.ASID
	if !state.TranslationEnabled {
		ctx.TranslationRoot = 0
	}
	ctx.VirtualTID = s.VirtualTID
	ctx.Priority = s.Priority
	ctx.Valid = s.Valid
	ctx.Runnable = s.Runnable
	ctx.Blocked = s.Blocked
	ctx.ThreadLocalBase = s.ThreadLocal

	return ctx, nil
}

// Save writes the context of slot tid back to the descriptor table and
// syncs it to memory.
func (c *Core) Save(tid uint32) error {
	ctx, err := c.Snapshot(tid)
	if err != nil {
		return err
	}

	asid := c.contexts.Read().ASID
	if err := c.descriptor.Store(asid, c.bank.TDTPtr(), &ctx); err != nil {
		return fmt.Errorf("saving thread %d: %w", tid, err)
	}
	c.descriptor.Sync()

	return nil
}

// Deallocate releases slot tid. The slot first stops being runnable; it
// becomes invalid once it is neither the current thread nor the override
// target. Until then ErrSlotBusy is returned. Slot 0 is never released
// since the scheduler falls back to it; ErrSlotReserved is returned.
func (c *Core) Deallocate(tid uint32) error {
	s, err := c.slot(tid)
	if err != nil {
		return err
	}

	s.Runnable = false

	if tid == 0 {
		return ErrSlotReserved
	}

	if c.current.Value() == tid {
		return fmt.Errorf("%w: %d is the current thread", ErrSlotBusy, tid)
	}
	if c.lastMode == sched.ModeOverride && c.lastOverride == tid {
		return fmt.Errorf("%w: %d is the override target", ErrSlotBusy, tid)
	}

	s.Valid = false
	s.Blocked = false
	c.logger.Info("thread deallocated", "tid", tid)

	return nil
}

// NotifyStore reports a store to addr. Every valid, blocked thread
// monitoring that address is woken. It returns the number woken.
func (c *Core) NotifyStore(addr uint64) int {
	woken := 0
	for tid := 0; tid < c.bank.Len(); tid++ {
		s := c.bank.Slot(uint32(tid))
		if !s.Valid || !s.Blocked || s.MonitorAddr != addr {
			continue
		}

		s.Blocked = false
		woken++
		c.logger.Debug("thread woken by monitored store",
			"tid", tid, "addr", fmt.Sprintf("0x%x", addr))
	}

	c.stats.Wakeups += uint64(woken)

	return woken
}

// Block marks a thread as waiting. It models the external thread_blocked
// signal.
func (c *Core) Block(tid uint32) error {
	s, err := c.slot(tid)
	if err != nil {
		return err
	}
	s.Blocked = true
	return nil
}

// Unblock clears the waiting flag of a thread.
func (c *Core) Unblock(tid uint32) error {
	s, err := c.slot(tid)
	if err != nil {
		return err
	}
	s.Blocked = false
	return nil
}
