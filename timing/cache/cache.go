// Package cache provides a small write-back cache built on Akita cache
// components. Lines are tagged with the address-space id of the thread
// that filled them.
package cache

import (
	"fmt"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"
	"github.com/sarchlab/akita/v4/mem/vm"
)

// Config holds cache configuration parameters.
type Config struct {
	// Size in bytes
	Size int `json:"size" yaml:"size"`
	// Associativity (number of ways)
	Associativity int `json:"associativity" yaml:"associativity"`
	// BlockSize in bytes (cache line size)
	BlockSize int `json:"block_size" yaml:"block_size"`
	// HitLatency in cycles
	HitLatency uint64 `json:"hit_latency" yaml:"hit_latency"`
	// MissLatency in cycles (includes memory access time)
	MissLatency uint64 `json:"miss_latency" yaml:"miss_latency"`
}

// DefaultDescriptorConfig returns the configuration of the thread
// descriptor cache: 4KB, 4-way, 64B lines.
func DefaultDescriptorConfig() Config {
	return Config{
		Size:          4 * 1024,
		Associativity: 4,
		BlockSize:     64,
		HitLatency:    1,
		MissLatency:   20,
	}
}

// Validate checks that the geometry describes at least one set.
func (c Config) Validate() error {
	if c.BlockSize <= 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		return fmt.Errorf("block_size must be a power of two, got %d", c.BlockSize)
	}
	if c.Associativity <= 0 {
		return fmt.Errorf("associativity must be > 0")
	}
	if c.Size < c.Associativity*c.BlockSize || c.Size%(c.Associativity*c.BlockSize) != 0 {
		return fmt.Errorf("size must be a multiple of associativity*block_size")
	}
	return nil
}

// NumSets returns the number of sets.
func (c Config) NumSets() int {
	return c.Size / (c.Associativity * c.BlockSize)
}

// AccessResult contains the result of a cache access.
type AccessResult struct {
	// Hit is true when every line touched was present.
	Hit bool
	// Latency is the number of cycles the access takes.
	Latency uint64
	// Lines is the number of cache lines touched.
	Lines int
}

// Statistics holds cache performance statistics.
type Statistics struct {
	Reads      uint64
	Writes     uint64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
}

// BackingStore is the next level of the memory hierarchy.
type BackingStore interface {
	// Read fetches data from the backing store.
	Read(addr uint64, size int) []byte
	// Write stores data to the backing store.
	Write(addr uint64, data []byte)
}

// Cache is a write-back, write-allocate cache with LRU replacement.
type Cache struct {
	config Config

	// Akita cache directory for tag/state management
	directory *akitacache.DirectoryImpl

	// Data storage - indexed by (setID * associativity + wayID)
	dataStore [][]byte

	stats   Statistics
	backing BackingStore
}

// New creates a new cache with the given configuration.
func New(config Config, backing BackingStore) (*Cache, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}

	numSets := config.NumSets()
	totalBlocks := numSets * config.Associativity

	dataStore := make([][]byte, totalBlocks)
	for i := range dataStore {
		dataStore[i] = make([]byte, config.BlockSize)
	}

	return &Cache{
		config: config,
		directory: akitacache.NewDirectory(
			numSets,
			config.Associativity,
			config.BlockSize,
			akitacache.NewLRUVictimFinder(),
		),
		dataStore: dataStore,
		backing:   backing,
	}, nil
}

// Config returns the cache configuration.
func (c *Cache) Config() Config {
	return c.config
}

// Stats returns cache statistics.
func (c *Cache) Stats() Statistics {
	return c.stats
}

// ResetStats clears cache statistics.
func (c *Cache) ResetStats() {
	c.stats = Statistics{}
}

func (c *Cache) blockIndex(block *akitacache.Block) int {
	return block.SetID*c.config.Associativity + block.WayID
}

func (c *Cache) blockAddr(addr uint64) uint64 {
	return addr &^ uint64(c.config.BlockSize-1)
}

// ReadBytes reads n bytes in address space asid. The access may span
// several lines; latency is that of the slowest line.
func (c *Cache) ReadBytes(asid uint16, addr uint64, n int) ([]byte, AccessResult) {
	c.stats.Reads++

	out := make([]byte, 0, n)
	result := AccessResult{Hit: true}

	for n > 0 {
		block, hit := c.line(vm.PID(asid), addr)
		data := c.dataStore[c.blockIndex(block)]
		offset := int(addr - c.blockAddr(addr))
		chunk := min(n, c.config.BlockSize-offset)
		out = append(out, data[offset:offset+chunk]...)

		c.account(&result, hit)
		addr += uint64(chunk)
		n -= chunk
	}

	return out, result
}

// WriteBytes writes data in address space asid.
func (c *Cache) WriteBytes(asid uint16, addr uint64, data []byte) AccessResult {
	c.stats.Writes++

	result := AccessResult{Hit: true}

	for len(data) > 0 {
		block, hit := c.line(vm.PID(asid), addr)
		offset := int(addr - c.blockAddr(addr))
		chunk := copy(c.dataStore[c.blockIndex(block)][offset:], data)
		block.IsDirty = true

		c.account(&result, hit)
		addr += uint64(chunk)
		data = data[chunk:]
	}

	return result
}

func (c *Cache) account(result *AccessResult, hit bool) {
	result.Lines++
	if hit {
		c.stats.Hits++
		result.Latency = max(result.Latency, c.config.HitLatency)
		return
	}

	c.stats.Misses++
	result.Hit = false
	result.Latency = max(result.Latency, c.config.MissLatency)
}

// line returns the block holding addr, filling it on a miss.
func (c *Cache) line(pid vm.PID, addr uint64) (*akitacache.Block, bool) {
	blockAddr := c.blockAddr(addr)

	block := c.directory.Lookup(pid, blockAddr)
	if block != nil && block.IsValid {
		c.directory.Visit(block)
		return block, true
	}

	victim := c.directory.FindVictim(blockAddr)
	data := c.dataStore[c.blockIndex(victim)]

	if victim.IsValid {
		c.stats.Evictions++
		if victim.IsDirty && c.backing != nil {
			c.stats.Writebacks++
			c.backing.Write(victim.Tag, data)
		}
	}

	if c.backing != nil {
		copy(data, c.backing.Read(blockAddr, c.config.BlockSize))
	} else {
		clear(data)
	}

	victim.PID = pid
	victim.Tag = blockAddr
	victim.IsValid = true
	victim.IsDirty = false
	c.directory.Visit(victim)

	return victim, false
}

// Invalidate drops every line of an address space without writeback.
func (c *Cache) Invalidate(asid uint16) {
	for _, set := range c.directory.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid && block.PID == vm.PID(asid) {
				block.IsValid = false
				block.IsDirty = false
			}
		}
	}
}

// Flush writes back all dirty blocks and invalidates them.
func (c *Cache) Flush() {
	for _, set := range c.directory.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid && block.IsDirty && c.backing != nil {
				c.backing.Write(block.Tag, c.dataStore[c.blockIndex(block)])
				c.stats.Writebacks++
			}
			block.IsValid = false
			block.IsDirty = false
		}
	}
}

// Reset invalidates all cache lines without writeback.
func (c *Cache) Reset() {
	c.directory.Reset()
	c.stats = Statistics{}
}
