// Package thread provides the per-thread architectural state record and the
// shared current-thread register of the multithreaded core.
package thread

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ContextSize is the size of a packed ThreadContext in bytes (544 bits).
const ContextSize = 68

// Privilege is a RISC-V privilege level.
type Privilege uint8

const (
	// PrivilegeUser is U-mode.
	PrivilegeUser Privilege = 0
	// PrivilegeSupervisor is S-mode.
	PrivilegeSupervisor Privilege = 1
	// PrivilegeMachine is M-mode.
	PrivilegeMachine Privilege = 3
)

// String returns the single-letter name of the privilege level.
func (p Privilege) String() string {
	switch p {
	case PrivilegeUser:
		return "U"
	case PrivilegeSupervisor:
		return "S"
	case PrivilegeMachine:
		return "M"
	default:
		return fmt.Sprintf("reserved(%d)", uint8(p))
	}
}

// Flag bits of the packed flags byte.
const (
	FlagValid    uint8 = 1 << 0
	FlagRunnable uint8 = 1 << 1
	FlagBlocked  uint8 = 1 << 2
)

var (
	// ErrContextSize is returned when unpacking a buffer of the wrong length.
	ErrContextSize = errors.New("thread context must be 68 bytes")
	// ErrRunnableInvalid is returned when an unallocated slot is marked runnable.
	ErrRunnableInvalid = errors.New("invalid thread slot marked runnable")
	// ErrReservedPrivilege is returned for privilege encoding 2.
	ErrReservedPrivilege = errors.New("reserved privilege encoding")
)

// Context is the persisted state of one hardware thread slot.
type Context struct {
	// PC is the instruction-fetch address.
	PC uint64
	// NextPC is the predicted next fetch address.
	NextPC uint64

	// Branch prediction state.
	GlobalHistory uint16
	RASPointer    uint8

	// Privilege is the current privilege mode. Only the low 2 bits are kept.
	Privilege Privilege

	// Trap state.
	MachineStatus uint64
	TrapVector    uint64
	ExceptionPC   uint64

	// Virtual memory context.
	TranslationRoot uint64
	ASID            uint16

	VirtualTID  uint16
	PhysicalTID uint8
	Permissions uint8
	Priority    uint8

	Valid    bool
	Runnable bool
	Blocked  bool

	ThreadLocalBase uint64
}

// Schedulable reports whether the slot may be chosen by the scheduler.
func (c *Context) Schedulable() bool {
	return c.Valid && c.Runnable && !c.Blocked
}

// TranslationEnabled reports whether the slot has a page-table root installed.
func (c *Context) TranslationEnabled() bool {
	return c.TranslationRoot != 0
}

// Validate checks the lifecycle invariants of the record.
func (c *Context) Validate() error {
	if !c.Valid && c.Runnable {
		return ErrRunnableInvalid
	}
	if c.Privilege&0x3 == 2 {
		return ErrReservedPrivilege
	}
	return nil
}

// Flags returns the packed flags byte.
func (c *Context) Flags() uint8 {
	var f uint8
	if c.Valid {
		f |= FlagValid
	}
	if c.Runnable {
		f |= FlagRunnable
	}
	if c.Blocked {
		f |= FlagBlocked
	}
	return f
}

// SetFlags unpacks a flags byte.
func (c *Context) SetFlags(f uint8) {
	c.Valid = f&FlagValid != 0
	c.Runnable = f&FlagRunnable != 0
	c.Blocked = f&FlagBlocked != 0
}

// MarshalBinary packs the context into its 68-byte little-endian layout.
func (c *Context) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ContextSize)
	c.put(buf)
	return buf, nil
}

func (c *Context) put(b []byte) {
	le := binary.LittleEndian
	le.PutUint64(b[0:], c.PC)
	le.PutUint64(b[8:], c.NextPC)
	le.PutUint16(b[16:], c.GlobalHistory)
	b[18] = c.RASPointer
	b[19] = uint8(c.Privilege) & 0x3 // bits 7:2 reserved
	le.PutUint64(b[20:], c.MachineStatus)
	le.PutUint64(b[28:], c.TrapVector)
	le.PutUint64(b[36:], c.ExceptionPC)
	le.PutUint64(b[44:], c.TranslationRoot)
	le.PutUint16(b[52:], c.ASID)
	le.PutUint16(b[54:], c.VirtualTID)
	b[56] = c.PhysicalTID
	b[57] = c.Permissions
	b[58] = c.Priority
	b[59] = c.Flags()
	le.PutUint64(b[60:], c.ThreadLocalBase)
}

// UnmarshalBinary unpacks a 68-byte record.
func (c *Context) UnmarshalBinary(b []byte) error {
	if len(b) != ContextSize {
		return fmt.Errorf("%w: got %d", ErrContextSize, len(b))
	}

	le := binary.LittleEndian
	c.PC = le.Uint64(b[0:])
	c.NextPC = le.Uint64(b[8:])
	c.GlobalHistory = le.Uint16(b[16:])
	c.RASPointer = b[18]
	c.Privilege = Privilege(b[19] & 0x3)
	c.MachineStatus = le.Uint64(b[20:])
	c.TrapVector = le.Uint64(b[28:])
	c.ExceptionPC = le.Uint64(b[36:])
	c.TranslationRoot = le.Uint64(b[44:])
	c.ASID = le.Uint16(b[52:])
	c.VirtualTID = le.Uint16(b[54:])
	c.PhysicalTID = b[56]
	c.Permissions = b[57]
	c.Priority = b[58]
	c.SetFlags(b[59])
	c.ThreadLocalBase = le.Uint64(b[60:])

	return nil
}
