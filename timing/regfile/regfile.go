// Package regfile provides the thread-indexed general-purpose register file
// with its read-after-write forwarding network.
package regfile

import (
	"errors"
	"fmt"
)

// NumRegs is the number of architectural registers per thread.
const NumRegs = 32

// ErrReadPorts is returned for unsupported read port counts.
var ErrReadPorts = errors.New("register file supports 2 or 3 read ports")

// ForwardSource indicates where a read port's value came from.
type ForwardSource int

const (
	// ForwardNone means the value came from storage.
	ForwardNone ForwardSource = iota
	// ForwardZero means the zero register supplied the value.
	ForwardZero
	// ForwardImmediate means the value was bypassed from this cycle's write.
	ForwardImmediate
	// ForwardDelayed means the value was bypassed from the write that
	// landed in storage on the previous edge.
	ForwardDelayed
)

// String returns the source name.
func (s ForwardSource) String() string {
	switch s {
	case ForwardNone:
		return "storage"
	case ForwardZero:
		return "zero"
	case ForwardImmediate:
		return "immediate"
	case ForwardDelayed:
		return "delayed"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Config holds register file parameters.
type Config struct {
	// NumThreads is the number of hardware thread slots.
	NumThreads int
	// ReadPorts is the number of simultaneous read ports (2 or 3).
	ReadPorts int
	// ZeroRegister hard-wires register 0 to zero.
	ZeroRegister bool
}

// DefaultConfig returns a 4-thread, 2-read-port register file with x0 wired
// to zero.
func DefaultConfig() Config {
	return Config{
		NumThreads:   4,
		ReadPorts:    2,
		ZeroRegister: true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.NumThreads <= 0 {
		return fmt.Errorf("num_threads must be > 0")
	}
	if c.ReadPorts != 2 && c.ReadPorts != 3 {
		return fmt.Errorf("%w: got %d", ErrReadPorts, c.ReadPorts)
	}
	return nil
}

// Addr names one register of one thread.
type Addr struct {
	TID uint32
	Reg uint8
}

// latch is one stage of the forwarding pipeline.
type latch struct {
	Valid bool
	Addr  Addr
	Value uint64
}

// readPort holds the per-port pipeline state.
type readPort struct {
	// staged is the address presented this cycle, latched on the edge.
	staged    Addr
	hasStaged bool

	// latched is the address presented last cycle. data is the storage
	// output for it, sampled on the edge before that edge's write.
	latched    Addr
	hasLatched bool
	data       uint64
}

// Statistics holds forwarding statistics.
type Statistics struct {
	Reads            uint64
	Writes           uint64
	ImmediateBypass  uint64
	DelayedBypass    uint64
	ZeroReads        uint64
	DroppedWrites    uint64
	OutOfRangeReads  uint64
	PortReads        []uint64
	PortBypassCounts []uint64
}

// RegisterFile holds 32 registers for every thread, R read ports and one
// write port. Storage has one cycle of read latency; the forwarding network
// hides it for reads that target a register being written.
type RegisterFile struct {
	config Config

	storage [][NumRegs]uint64
	ports   []readPort

	// write is the write presented this cycle.
	write latch
	// landed is the write that reached storage on the previous edge.
	landed latch

	stats Statistics
}

// New creates a register file. Unsupported port counts are rejected here;
// they are never a runtime condition.
func New(config Config) (*RegisterFile, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid register file config: %w", err)
	}

	rf := &RegisterFile{
		config:  config,
		storage: make([][NumRegs]uint64, config.NumThreads),
		ports:   make([]readPort, config.ReadPorts),
	}
	rf.resetStats()

	return rf, nil
}

// Config returns the register file configuration.
func (rf *RegisterFile) Config() Config {
	return rf.config
}

// NumPorts returns the number of read ports.
func (rf *RegisterFile) NumPorts() int {
	return len(rf.ports)
}

func (rf *RegisterFile) port(p int) *readPort {
	if p < 0 || p >= len(rf.ports) {
		panic(fmt.Sprintf("read port %d out of range [0,%d)", p, len(rf.ports)))
	}
	return &rf.ports[p]
}

func (rf *RegisterFile) inRange(a Addr) bool {
	return a.TID < uint32(rf.config.NumThreads) && a.Reg < NumRegs
}

func (rf *RegisterFile) isZero(a Addr) bool {
	return rf.config.ZeroRegister && a.Reg == 0
}

// SetRead presents a read address on port p. The value is available from
// Read(p) in the next cycle.
func (rf *RegisterFile) SetRead(p int, tid uint32, reg uint8) {
	port := rf.port(p)
	port.staged = Addr{TID: tid, Reg: reg}
	port.hasStaged = true
}

// Write presents the single write of this cycle. Presenting two writes in
// one cycle is a structural hazard and panics.
func (rf *RegisterFile) Write(tid uint32, reg uint8, value uint64) {
	if rf.write.Valid {
		panic(fmt.Sprintf("register file write port used twice in one cycle (t%d x%d)", tid, reg))
	}

	rf.write = latch{Valid: true, Addr: Addr{TID: tid, Reg: reg}, Value: value}
}

// Read returns the value for the address latched on port p in the previous
// cycle, resolving forwarding in priority order: zero register, this
// cycle's write, the write that landed last edge, storage.
func (rf *RegisterFile) Read(p int) uint64 {
	v, _ := rf.ReadWithSource(p)
	return v
}

// ReadWithSource is Read that also reports where the value came from.
func (rf *RegisterFile) ReadWithSource(p int) (uint64, ForwardSource) {
	port := rf.port(p)
	if !port.hasLatched {
		return 0, ForwardNone
	}

	rf.stats.Reads++
	rf.stats.PortReads[p]++

	addr := port.latched
	switch {
	case rf.isZero(addr):
		rf.stats.ZeroReads++
		return 0, ForwardZero
	case !rf.inRange(addr):
		rf.stats.OutOfRangeReads++
		return 0, ForwardNone
	case rf.write.Valid && rf.write.Addr == addr:
		rf.stats.ImmediateBypass++
		rf.stats.PortBypassCounts[p]++
		return rf.write.Value, ForwardImmediate
	case rf.landed.Valid && rf.landed.Addr == addr:
		rf.stats.DelayedBypass++
		rf.stats.PortBypassCounts[p]++
		return rf.landed.Value, ForwardDelayed
	default:
		return port.data, ForwardNone
	}
}

// LatchedAddr returns the address whose value Read(p) returns this cycle.
func (rf *RegisterFile) LatchedAddr(p int) (Addr, bool) {
	port := rf.port(p)
	return port.latched, port.hasLatched
}

// Tick is the clock edge. Read addresses are latched and storage is
// sampled before this cycle's write lands.
func (rf *RegisterFile) Tick() {
	for i := range rf.ports {
		port := &rf.ports[i]
		port.hasLatched = port.hasStaged
		port.latched = port.staged
		port.data = 0
		if port.hasStaged && rf.inRange(port.staged) {
			port.data = rf.storage[port.staged.TID][port.staged.Reg]
		}
		port.hasStaged = false
	}

	rf.landed = latch{}
	if rf.write.Valid {
		rf.commit(rf.write)
	}
	rf.write = latch{}
}

func (rf *RegisterFile) commit(w latch) {
	rf.stats.Writes++

	if !rf.inRange(w.Addr) {
		rf.stats.DroppedWrites++
		return
	}

	if rf.isZero(w.Addr) {
		return
	}

	rf.storage[w.Addr.TID][w.Addr.Reg] = w.Value
	rf.landed = w
}

// Peek returns the stored value of a register without going through a
// read port. Pending writes are not visible.
func (rf *RegisterFile) Peek(tid uint32, reg uint8) uint64 {
	a := Addr{TID: tid, Reg: reg}
	if rf.isZero(a) || !rf.inRange(a) {
		return 0
	}
	return rf.storage[tid][reg]
}

// Poke writes storage directly, bypassing the write port. It is meant for
// loading initial state.
func (rf *RegisterFile) Poke(tid uint32, reg uint8, value uint64) {
	a := Addr{TID: tid, Reg: reg}
	if rf.isZero(a) || !rf.inRange(a) {
		return
	}
	rf.storage[tid][reg] = value
}

// ClearThread zeroes every register of one thread.
func (rf *RegisterFile) ClearThread(tid uint32) {
	if tid >= uint32(rf.config.NumThreads) {
		return
	}
	rf.storage[tid] = [NumRegs]uint64{}
}

// Stats returns forwarding statistics.
func (rf *RegisterFile) Stats() Statistics {
	s := rf.stats
	s.PortReads = append([]uint64(nil), rf.stats.PortReads...)
	s.PortBypassCounts = append([]uint64(nil), rf.stats.PortBypassCounts...)
	return s
}

func (rf *RegisterFile) resetStats() {
	rf.stats = Statistics{
		PortReads:        make([]uint64, len(rf.ports)),
		PortBypassCounts: make([]uint64, len(rf.ports)),
	}
}

// Reset clears storage, the forwarding pipeline and statistics.
func (rf *RegisterFile) Reset() {
	for i := range rf.storage {
		rf.storage[i] = [NumRegs]uint64{}
	}
	for i := range rf.ports {
		rf.ports[i] = readPort{}
	}
	rf.write = latch{}
	rf.landed = latch{}
	rf.resetStats()
}
