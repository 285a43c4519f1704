// Package cache models a multi-level set-associative cache hierarchy using
// Akita cache components.
package cache

import (
	"math/bits"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// Config holds the configuration of one cache level.
type Config struct {
	// Name identifies the level in stats and coherency reports.
	Name string
	// Size in bytes
	Size int
	// Associativity (number of ways)
	Associativity int
	// BlockSize in bytes (cache line size)
	BlockSize int
	// HitLatency in cycles
	HitLatency uint64
	// MissLatency in cycles (includes the next-level access time)
	MissLatency uint64
	// Write selects write-back or write-through behavior.
	Write WritePolicy
	// Replacement selects the victim policy. LRU by default.
	Replacement ReplacementPolicy
	// RandomSeed seeds the Random replacement policy so runs reproduce.
	RandomSeed int64
}

// DefaultL1IConfig returns the default L1 instruction cache configuration:
// 64KB, 2-way, 64B lines, in the style of late Alpha parts.
func DefaultL1IConfig() Config {
	return Config{
		Name:          "L1I",
		Size:          64 * 1024,
		Associativity: 2,
		BlockSize:     64,
		HitLatency:    1,
		MissLatency:   12,
	}
}

// DefaultL1DConfig returns the default L1 data cache configuration:
// 64KB, 2-way, 64B lines, 3-cycle load-to-use.
func DefaultL1DConfig() Config {
	return Config{
		Name:          "L1D",
		Size:          64 * 1024,
		Associativity: 2,
		BlockSize:     64,
		HitLatency:    3,
		MissLatency:   12,
	}
}

// DefaultL2Config returns the default unified L2 configuration:
// 2MB, 8-way, 64B lines.
func DefaultL2Config() Config {
	return Config{
		Name:          "L2",
		Size:          2 * 1024 * 1024,
		Associativity: 8,
		BlockSize:     64,
		HitLatency:    12,
		MissLatency:   40,
	}
}

// DefaultL3Config returns the default shared L3 configuration:
// 8MB, 16-way, 64B lines.
func DefaultL3Config() Config {
	return Config{
		Name:          "L3",
		Size:          8 * 1024 * 1024,
		Associativity: 16,
		BlockSize:     64,
		HitLatency:    40,
		MissLatency:   150,
	}
}

// AccessResult contains the result of a cache access.
type AccessResult struct {
	// Hit indicates whether the access was a cache hit.
	Hit bool
	// Latency is the number of cycles this access takes.
	Latency uint64
	// Data is the data read (for load operations).
	Data uint64
	// Evicted is true if a valid block was evicted.
	Evicted bool
	// EvictedAddr is the address of the evicted block (if Evicted is true).
	EvictedAddr uint64
}

// StoreForwardLatency is the extra latency (in cycles) when a load must
// forward data from a recent store to the same address through the store
// buffer instead of taking the normal hit path.
const StoreForwardLatency uint64 = 1

// Statistics holds per-level performance counters.
type Statistics struct {
	Reads      uint64
	Writes     uint64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
}

// HitRate reports hits as a fraction of all hits and misses.
func (s Statistics) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// BackingStore is the next level in the memory hierarchy.
type BackingStore interface {
	// Read fetches data from the backing store.
	Read(addr uint64, size int) []byte
	// Write stores data to the backing store.
	Write(addr uint64, data []byte)
}

// Level is one set-associative cache level. Tag and valid/dirty state live
// in an Akita directory; coherency state lives in a parallel side table
// indexed the same way as the data store.
type Level struct {
	config Config

	// Derived geometry.
	numSets    int
	offsetBits uint
	indexBits  uint

	directory *akitacache.DirectoryImpl

	// Data storage - indexed by (setID * associativity + wayID)
	dataStore [][]byte

	// Coherency side table - same indexing as dataStore.
	states []CoherencyState

	stats Statistics

	backing BackingStore

	// Store buffer tracking for store-to-load forwarding detection.
	recentStoreAddr  uint64
	recentStoreValid bool
}

// New creates a cache level with the given configuration.
func New(config Config, backing BackingStore) *Level {
	numSets := config.Size / (config.Associativity * config.BlockSize)
	totalBlocks := numSets * config.Associativity

	dataStore := make([][]byte, totalBlocks)
	for i := range dataStore {
		dataStore[i] = make([]byte, config.BlockSize)
	}

	var finder akitacache.VictimFinder
	if config.Replacement == ReplaceRandom {
		finder = newRandomVictimFinder(config.RandomSeed)
	} else {
		finder = akitacache.NewLRUVictimFinder()
	}

	return &Level{
		config:     config,
		numSets:    numSets,
		offsetBits: uint(bits.TrailingZeros64(uint64(config.BlockSize))),
		indexBits:  uint(bits.TrailingZeros64(uint64(numSets))),
		directory: akitacache.NewDirectory(
			numSets,
			config.Associativity,
			config.BlockSize,
			finder,
		),
		dataStore: dataStore,
		states:    make([]CoherencyState, totalBlocks),
		backing:   backing,
	}
}

// Config returns the level configuration.
func (l *Level) Config() Config {
	return l.config
}

// NumSets returns the number of sets derived from the geometry.
func (l *Level) NumSets() int {
	return l.numSets
}

// Stats returns the level statistics.
func (l *Level) Stats() Statistics {
	return l.stats
}

// ResetStats clears the level statistics.
func (l *Level) ResetStats() {
	l.stats = Statistics{}
}

// Decompose splits an address into tag, set index, and line offset for
// this level's geometry.
func (l *Level) Decompose(addr uint64) (tag, index, offset uint64) {
	offset = addr & uint64(l.config.BlockSize-1)
	index = (addr >> l.offsetBits) & uint64(l.numSets-1)
	tag = addr >> (l.offsetBits + l.indexBits)
	return tag, index, offset
}

// Compose reassembles an address from its tag, set index, and line offset.
// It is the exact inverse of Decompose.
func (l *Level) Compose(tag, index, offset uint64) uint64 {
	return tag<<(l.offsetBits+l.indexBits) | index<<l.offsetBits | offset
}

// lineAddr returns the block-aligned address containing addr.
func (l *Level) lineAddr(addr uint64) uint64 {
	return addr &^ uint64(l.config.BlockSize-1)
}

// blockIndex computes the index into dataStore and states for a block.
func (l *Level) blockIndex(block *akitacache.Block) int {
	return block.SetID*l.config.Associativity + block.WayID
}

func (l *Level) stateOf(block *akitacache.Block) CoherencyState {
	return l.states[l.blockIndex(block)]
}

func (l *Level) setState(block *akitacache.Block, state CoherencyState) {
	l.states[l.blockIndex(block)] = state
}

// Read performs a cache read.
func (l *Level) Read(addr uint64, size int) AccessResult {
	l.stats.Reads++

	block := l.directory.Lookup(0, l.lineAddr(addr))
	if block != nil && block.IsValid {
		l.stats.Hits++
		l.directory.Visit(block)

		offset := addr & uint64(l.config.BlockSize-1)
		data := extractData(l.dataStore[l.blockIndex(block)], offset, size)

		latency := l.config.HitLatency
		// A load that reads a just-stored address pays the forwarding
		// path through the store buffer on top of the normal hit.
		if l.recentStoreValid && l.recentStoreAddr == addr {
			latency += StoreForwardLatency
			l.recentStoreValid = false
		}

		return AccessResult{Hit: true, Latency: latency, Data: data}
	}

	l.stats.Misses++
	return l.handleMiss(addr, size, false, 0)
}

// Write performs a cache write. Both policies allocate on miss: the block
// is fetched first, then written.
func (l *Level) Write(addr uint64, size int, data uint64) AccessResult {
	l.stats.Writes++

	l.recentStoreAddr = addr
	l.recentStoreValid = true

	block := l.directory.Lookup(0, l.lineAddr(addr))
	if block != nil && block.IsValid {
		l.stats.Hits++
		l.directory.Visit(block)

		offset := addr & uint64(l.config.BlockSize-1)
		blockData := l.dataStore[l.blockIndex(block)]
		storeData(blockData, offset, size, data)
		l.applyWritePolicy(block, blockData)

		return AccessResult{Hit: true, Latency: l.config.HitLatency}
	}

	l.stats.Misses++
	return l.handleMiss(addr, size, true, data)
}

// applyWritePolicy finalizes a written block: write-back dirties it,
// write-through pushes the whole line down and keeps it clean.
func (l *Level) applyWritePolicy(block *akitacache.Block, blockData []byte) {
	if l.config.Write == WriteThrough {
		if l.backing != nil {
			l.backing.Write(block.Tag, blockData)
		}
		block.IsDirty = false
		l.setState(block, StateExclusive)
		return
	}
	block.IsDirty = true
	l.setState(block, StateModified)
}

// handleMiss fetches the line containing addr and completes the access.
func (l *Level) handleMiss(addr uint64, size int, isWrite bool, writeData uint64) AccessResult {
	result := AccessResult{Latency: l.config.MissLatency}

	block, blockData := l.installLine(l.lineAddr(addr), &result)
	offset := addr & uint64(l.config.BlockSize-1)

	if isWrite {
		storeData(blockData, offset, size, writeData)
		l.applyWritePolicy(block, blockData)
	} else {
		result.Data = extractData(blockData, offset, size)
	}

	return result
}

// installLine evicts a victim if needed and fills the line for blockAddr
// from the backing store. The new line starts Exclusive and clean; callers
// adjust the state for writes or multi-level sharing.
func (l *Level) installLine(blockAddr uint64, result *AccessResult) (*akitacache.Block, []byte) {
	victim := l.directory.FindVictim(blockAddr)
	blockData := l.dataStore[l.blockIndex(victim)]

	if victim.IsValid {
		l.stats.Evictions++
		if result != nil {
			result.Evicted = true
			result.EvictedAddr = victim.Tag
		}
		if victim.IsDirty && l.backing != nil {
			l.stats.Writebacks++
			l.backing.Write(victim.Tag, blockData)
		}
	}

	if l.backing != nil {
		copy(blockData, l.backing.Read(blockAddr, l.config.BlockSize))
	} else {
		for i := range blockData {
			blockData[i] = 0
		}
	}

	// Tag stores the block-aligned address directly.
	victim.Tag = blockAddr
	victim.IsValid = true
	victim.IsDirty = false
	l.setState(victim, StateExclusive)
	l.directory.Visit(victim)

	return victim, blockData
}

// Contains reports whether addr is present and valid in this level.
func (l *Level) Contains(addr uint64) bool {
	block := l.directory.Lookup(0, l.lineAddr(addr))
	return block != nil && block.IsValid
}

// StateOf returns the coherency state of the line holding addr, or
// StateInvalid when the line is absent.
func (l *Level) StateOf(addr uint64) CoherencyState {
	block := l.directory.Lookup(0, l.lineAddr(addr))
	if block == nil || !block.IsValid {
		return StateInvalid
	}
	return l.stateOf(block)
}

// SetState overrides the coherency state of the line holding addr. It is
// a no-op when the line is absent.
func (l *Level) SetState(addr uint64, state CoherencyState) {
	block := l.directory.Lookup(0, l.lineAddr(addr))
	if block != nil && block.IsValid {
		l.setState(block, state)
	}
}

// Invalidate drops the line holding addr, writing it back first when
// dirty.
func (l *Level) Invalidate(addr uint64) {
	block := l.directory.Lookup(0, l.lineAddr(addr))
	if block == nil || !block.IsValid {
		return
	}
	if block.IsDirty && l.backing != nil {
		l.stats.Writebacks++
		l.backing.Write(block.Tag, l.dataStore[l.blockIndex(block)])
	}
	block.IsValid = false
	block.IsDirty = false
	l.setState(block, StateInvalid)
}

// InvalidateShared drops the line holding addr only when it is in the
// Shared state. Shared lines are clean so no writeback happens.
func (l *Level) InvalidateShared(addr uint64) {
	block := l.directory.Lookup(0, l.lineAddr(addr))
	if block != nil && block.IsValid && l.stateOf(block) == StateShared {
		block.IsValid = false
		block.IsDirty = false
		l.setState(block, StateInvalid)
	}
}

// Flush writes back all dirty lines and invalidates every line. Flushing
// an already-flushed level performs no writebacks.
func (l *Level) Flush() {
	for _, set := range l.directory.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid && block.IsDirty && l.backing != nil {
				l.stats.Writebacks++
				l.backing.Write(block.Tag, l.dataStore[l.blockIndex(block)])
			}
			block.IsValid = false
			block.IsDirty = false
			l.setState(block, StateInvalid)
		}
	}
}

// Reset invalidates all lines without writeback and clears statistics.
func (l *Level) Reset() {
	l.directory.Reset()
	for i := range l.states {
		l.states[i] = StateInvalid
	}
	l.stats = Statistics{}
	l.recentStoreValid = false
	l.recentStoreAddr = 0
}

// ValidLines calls fn for every valid line with its block-aligned address
// and coherency state.
func (l *Level) ValidLines(fn func(blockAddr uint64, state CoherencyState)) {
	for _, set := range l.directory.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid {
				fn(block.Tag, l.states[l.blockIndex(block)])
			}
		}
	}
}

// ReadRange reads size bytes starting at addr through the normal access
// path, one counted access per covered line.
func (l *Level) ReadRange(addr uint64, size int) []byte {
	out := make([]byte, size)
	read := 0
	for read < size {
		lineAddr := l.lineAddr(addr + uint64(read))
		offset := (addr + uint64(read)) - lineAddr
		chunk := l.config.BlockSize - int(offset)
		if chunk > size-read {
			chunk = size - read
		}

		blockData := l.fetchLine(lineAddr)
		copy(out[read:read+chunk], blockData[offset:int(offset)+chunk])
		read += chunk
	}
	return out
}

// WriteRange writes data starting at addr through the normal access path,
// one counted access per covered line.
func (l *Level) WriteRange(addr uint64, data []byte) {
	written := 0
	for written < len(data) {
		lineAddr := l.lineAddr(addr + uint64(written))
		offset := (addr + uint64(written)) - lineAddr
		chunk := l.config.BlockSize - int(offset)
		if chunk > len(data)-written {
			chunk = len(data) - written
		}

		l.stats.Writes++
		block := l.directory.Lookup(0, lineAddr)
		var blockData []byte
		if block != nil && block.IsValid {
			l.stats.Hits++
			l.directory.Visit(block)
			blockData = l.dataStore[l.blockIndex(block)]
		} else {
			l.stats.Misses++
			block, blockData = l.installLine(lineAddr, nil)
		}

		copy(blockData[offset:int(offset)+chunk], data[written:written+chunk])
		l.applyWritePolicy(block, blockData)
		written += chunk
	}
}

// fetchLine returns the data of the line at blockAddr, filling it from the
// backing store on a miss. The access is counted as one read.
func (l *Level) fetchLine(blockAddr uint64) []byte {
	l.stats.Reads++

	block := l.directory.Lookup(0, blockAddr)
	if block != nil && block.IsValid {
		l.stats.Hits++
		l.directory.Visit(block)
		return l.dataStore[l.blockIndex(block)]
	}

	l.stats.Misses++
	_, blockData := l.installLine(blockAddr, nil)
	return blockData
}

// AsBacking adapts the level into a BackingStore for the level above it.
func (l *Level) AsBacking() BackingStore {
	return levelBacking{level: l}
}

type levelBacking struct {
	level *Level
}

func (b levelBacking) Read(addr uint64, size int) []byte {
	return b.level.ReadRange(addr, size)
}

func (b levelBacking) Write(addr uint64, data []byte) {
	b.level.WriteRange(addr, data)
}

// extractData extracts a little-endian value of the given size from a
// byte slice.
func extractData(data []byte, offset uint64, size int) uint64 {
	if data == nil || int(offset)+size > len(data) {
		return 0
	}

	var result uint64
	for i := 0; i < size; i++ {
		result |= uint64(data[int(offset)+i]) << (i * 8)
	}
	return result
}

// storeData stores a little-endian value of the given size into a byte
// slice.
func storeData(data []byte, offset uint64, size int, value uint64) {
	if data == nil || int(offset)+size > len(data) {
		return
	}

	for i := 0; i < size; i++ {
		data[int(offset)+i] = byte(value >> (i * 8))
	}
}
