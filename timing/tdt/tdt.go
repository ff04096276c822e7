// Package tdt provides access to the thread descriptor table, the in-memory
// array of packed thread contexts that software uses to allocate and save
// hardware thread slots.
package tdt

import (
	"errors"
	"fmt"

	"github.com/sarchlab/mtsim/thread"
	"github.com/sarchlab/mtsim/timing/cache"
)

// ErrSlotMismatch is returned when a descriptor does not describe the slot
// it was loaded for.
var ErrSlotMismatch = errors.New("descriptor physical thread id does not match slot")

// Statistics holds descriptor table statistics.
type Statistics struct {
	Loads   uint64
	Stores  uint64
	Cycles  uint64
	Invalid uint64
}

// Table reads and writes descriptors through a cache. Descriptor i lives at
// base + i*thread.ContextSize.
type Table struct {
	cache *cache.Cache
	stats Statistics
}

// New creates a table accessor over the given cache.
func New(c *cache.Cache) *Table {
	return &Table{cache: c}
}

// Addr returns the address of the descriptor for tid.
func Addr(base uint64, tid uint32) uint64 {
	return base + uint64(tid)*thread.ContextSize
}

// Load reads and validates the descriptor of slot tid. The access is made
// in the address space of the requesting thread.
func (t *Table) Load(asid uint16, base uint64, tid uint32) (*thread.Context, error) {
	data, result := t.cache.ReadBytes(asid, Addr(base, tid), thread.ContextSize)
	t.stats.Loads++
	t.stats.Cycles += result.Latency

	ctx := &thread.Context{}
	if err := ctx.UnmarshalBinary(data); err != nil {
		return nil, err
	}

	if uint32(ctx.PhysicalTID) != tid {
		t.stats.Invalid++
		return nil, fmt.Errorf("%w: slot %d, descriptor %d", ErrSlotMismatch, tid, ctx.PhysicalTID)
	}

	if err := ctx.Validate(); err != nil {
		t.stats.Invalid++
		return nil, fmt.Errorf("descriptor %d: %w", tid, err)
	}

	return ctx, nil
}

// Store writes the descriptor of slot ctx.PhysicalTID.
func (t *Table) Store(asid uint16, base uint64, ctx *thread.Context) error {
	data, err := ctx.MarshalBinary()
	if err != nil {
		return err
	}

	result := t.cache.WriteBytes(asid, Addr(base, uint32(ctx.PhysicalTID)), data)
	t.stats.Stores++
	t.stats.Cycles += result.Latency

	return nil
}

// Sync writes every dirty descriptor line back to memory.
func (t *Table) Sync() {
	t.cache.Flush()
}

// Forget drops the cached descriptors of one address space.
func (t *Table) Forget(asid uint16) {
	t.cache.Invalidate(asid)
}

// Stats returns descriptor table statistics.
func (t *Table) Stats() Statistics {
	return t.stats
}

// CacheStats returns the statistics of the underlying cache.
func (t *Table) CacheStats() cache.Statistics {
	return t.cache.Stats()
}

// Reset drops cached lines and statistics.
func (t *Table) Reset() {
	t.cache.Reset()
	t.stats = Statistics{}
}
