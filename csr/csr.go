// Package csr defines the thread-management control registers and the
// per-thread register bank behind them.
package csr

import (
	"errors"
	"fmt"
)

// Addr is a 12-bit control register address.
type Addr uint16

// Thread-management control registers.
const (
	PTID           Addr = 0xC00
	VTID           Addr = 0xC01
	ThreadStat     Addr = 0xC02
	ThreadPriority Addr = 0xC03
	ExceptionPtr   Addr = 0xC04
	TDTPtr         Addr = 0xC05
	MonitorAddr    Addr = 0xC06
	ThreadLocal    Addr = 0xC07
	NumThreads     Addr = 0xC08
	MaxThreads     Addr = 0xC09
	ThreadCycles   Addr = 0xC0A
	ThreadInstr    Addr = 0xC0B

	// CTXT triggers an atomic context switch when written.
	CTXT Addr = 0x081
)

// AddrMask keeps the low 12 bits of an address.
const AddrMask = 0xFFF

// THREAD_STAT bits.
const (
	StatRunnable uint64 = 1 << 0
	StatBlocked  uint64 = 1 << 1
	StatValid    uint64 = 1 << 2
)

var (
	// ErrReadOnly is returned when writing a read-only register.
	ErrReadOnly = errors.New("control register is read-only")
	// ErrNotHandled is returned for addresses outside this bank.
	ErrNotHandled = errors.New("control register not handled")
	// ErrThreadRange is returned for an out-of-range requesting thread.
	ErrThreadRange = errors.New("thread id out of range")
)

// Access describes whether software may write a register.
type Access int

const (
	// ReadOnly registers reject writes.
	ReadOnly Access = iota
	// ReadWrite registers accept writes.
	ReadWrite
)

// Info describes one register of the map.
type Info struct {
	Addr   Addr
	Name   string
	Access Access
}

var registers = []Info{
	{PTID, "ptid", ReadOnly},
	{VTID, "vtid", ReadWrite},
	{ThreadStat, "thread_stat", ReadWrite},
	{ThreadPriority, "thread_priority", ReadWrite},
	{ExceptionPtr, "exception_ptr", ReadWrite},
	{TDTPtr, "tdt_ptr", ReadWrite},
	{MonitorAddr, "monitor_addr", ReadWrite},
	{ThreadLocal, "thread_local", ReadWrite},
	{NumThreads, "num_threads", ReadOnly},
	{MaxThreads, "max_threads", ReadOnly},
	{ThreadCycles, "thread_cycles", ReadOnly},
	{ThreadInstr, "thread_instr", ReadOnly},
	{CTXT, "ctxt", ReadWrite},
}

// Registers returns the register map.
func Registers() []Info {
	return append([]Info(nil), registers...)
}

// Lookup returns the description of an address.
func Lookup(a Addr) (Info, bool) {
	for _, r := range registers {
		if r.Addr == a&AddrMask {
			return r, true
		}
	}
	return Info{}, false
}

// LookupName returns the address of a register by name.
func LookupName(name string) (Addr, error) {
	for _, r := range registers {
		if r.Name == name {
			return r.Addr, nil
		}
	}
	return 0, fmt.Errorf("unknown control register %q", name)
}

// String returns the register name or the hex address.
func (a Addr) String() string {
	if r, ok := Lookup(a); ok {
		return r.Name
	}
	return fmt.Sprintf("csr(0x%03X)", uint16(a&AddrMask))
}
