package csr

import (
	"fmt"
	"log/slog"
)

// Slot is the software-visible thread-management state of one thread.
type Slot struct {
	VirtualTID   uint16
	Valid        bool
	Runnable     bool
	Blocked      bool
	Priority     uint8
	ExceptionPtr uint64
	MonitorAddr  uint64
	ThreadLocal  uint64

	// Cycles is the number of cycles the thread was active.
	Cycles uint64
	// Instructions is the number of instructions the thread issued.
	Instructions uint64
}

// Stat returns the THREAD_STAT encoding of the slot.
func (s *Slot) Stat() uint64 {
	var v uint64
	if s.Runnable {
		v |= StatRunnable
	}
	if s.Blocked {
		v |= StatBlocked
	}
	if s.Valid {
		v |= StatValid
	}
	return v
}

// Bank holds the thread-management registers of every slot. Reads and
// writes are issued on behalf of a requesting thread.
type Bank struct {
	slots  []Slot
	tdtPtr uint64
	logger *slog.Logger
}

// NewBank creates a bank for numThreads slots, all unallocated.
func NewBank(numThreads int, logger *slog.Logger) *Bank {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bank{
		slots:  make([]Slot, numThreads),
		logger: logger,
	}
}

// Len returns the number of slots.
func (b *Bank) Len() int {
	return len(b.slots)
}

// Slot returns the state of a slot. It panics on an out-of-range id.
func (b *Bank) Slot(tid uint32) *Slot {
	return &b.slots[tid]
}

// TDTPtr returns the thread descriptor table base.
func (b *Bank) TDTPtr() uint64 {
	return b.tdtPtr
}

// SetTDTPtr sets the thread descriptor table base.
func (b *Bank) SetTDTPtr(v uint64) {
	b.tdtPtr = v
}

// NumValid returns the number of allocated slots.
func (b *Bank) NumValid() int {
	n := 0
	for i := range b.slots {
		if b.slots[i].Valid {
			n++
		}
	}
	return n
}

func (b *Bank) requester(tid uint32) (*Slot, error) {
	if tid >= uint32(len(b.slots)) {
		return nil, fmt.Errorf("%w: %d", ErrThreadRange, tid)
	}
	return &b.slots[tid], nil
}

// Read returns the value of a register as seen by thread tid.
func (b *Bank) Read(tid uint32, addr Addr) (uint64, error) {
	s, err := b.requester(tid)
	if err != nil {
		return 0, err
	}

	switch addr & AddrMask {
	case PTID:
		return uint64(tid), nil
	case VTID:
		return uint64(s.VirtualTID), nil
	case ThreadStat:
		return s.Stat(), nil
	case ThreadPriority:
		return uint64(s.Priority), nil
	case ExceptionPtr:
		return s.ExceptionPtr, nil
	case TDTPtr:
		return b.tdtPtr, nil
	case MonitorAddr:
		return s.MonitorAddr, nil
	case ThreadLocal:
		return s.ThreadLocal, nil
	case NumThreads:
		return uint64(b.NumValid()), nil
	case MaxThreads:
		return uint64(len(b.slots)), nil
	case ThreadCycles:
		return s.Cycles, nil
	case ThreadInstr:
		return s.Instructions, nil
	default:
		return 0, ErrNotHandled
	}
}

// Write updates a register on behalf of thread tid.
func (b *Bank) Write(tid uint32, addr Addr, value uint64) error {
	s, err := b.requester(tid)
	if err != nil {
		return err
	}

	switch addr & AddrMask {
	case VTID:
		s.VirtualTID = uint16(value)
	case ThreadStat:
		b.writeStat(tid, s, value)
	case ThreadPriority:
		s.Priority = uint8(value)
	case ExceptionPtr:
		s.ExceptionPtr = value
	case TDTPtr:
		b.tdtPtr = value
	case MonitorAddr:
		s.MonitorAddr = value
	case ThreadLocal:
		s.ThreadLocal = value
	case PTID, NumThreads, MaxThreads, ThreadCycles, ThreadInstr:
		return fmt.Errorf("%w: %s", ErrReadOnly, addr)
	default:
		return ErrNotHandled
	}

	return nil
}

// writeStat applies runnable and blocked. The valid bit is owned by the
// allocation path; an unallocated slot cannot become runnable.
func (b *Bank) writeStat(tid uint32, s *Slot, value uint64) {
	s.Runnable = value&StatRunnable != 0 && s.Valid
	s.Blocked = value&StatBlocked != 0

	b.logger.Debug("thread status written",
		"tid", tid, "runnable", s.Runnable, "blocked", s.Blocked)
}

// Enabled fills dst with valid && runnable per slot.
func (b *Bank) Enabled(dst []bool) []bool {
	dst = dst[:0]
	for i := range b.slots {
		dst = append(dst, b.slots[i].Valid && b.slots[i].Runnable)
	}
	return dst
}

// BlockedFlags fills dst with the blocked flag per slot.
func (b *Bank) BlockedFlags(dst []bool) []bool {
	dst = dst[:0]
	for i := range b.slots {
		dst = append(dst, b.slots[i].Blocked)
	}
	return dst
}

// Priorities fills dst with the priority per slot.
func (b *Bank) Priorities(dst []uint8) []uint8 {
	dst = dst[:0]
	for i := range b.slots {
		dst = append(dst, b.slots[i].Priority)
	}
	return dst
}

// Reset clears every slot and the descriptor table base.
func (b *Bank) Reset() {
	for i := range b.slots {
		b.slots[i] = Slot{}
	}
	b.tdtPtr = 0
}
