package cache

import (
	"fmt"
	"sync"
)

// AccessKind distinguishes the request paths through the hierarchy.
type AccessKind int

const (
	// AccessInstFetch routes through the L1 instruction cache.
	AccessInstFetch AccessKind = iota
	// AccessDataRead routes a load through the L1 data cache.
	AccessDataRead
	// AccessDataWrite routes a store through the L1 data cache.
	AccessDataWrite
)

func (k AccessKind) String() string {
	switch k {
	case AccessInstFetch:
		return "InstFetch"
	case AccessDataRead:
		return "DataRead"
	case AccessDataWrite:
		return "DataWrite"
	}
	return "Unknown"
}

// HierarchyConfig configures all four levels.
type HierarchyConfig struct {
	L1I Config
	L1D Config
	L2  Config
	L3  Config
}

// DefaultHierarchyConfig returns the default four-level configuration.
func DefaultHierarchyConfig() HierarchyConfig {
	return HierarchyConfig{
		L1I: DefaultL1IConfig(),
		L1D: DefaultL1DConfig(),
		L2:  DefaultL2Config(),
		L3:  DefaultL3Config(),
	}
}

// HierarchyStats aggregates per-level statistics.
type HierarchyStats struct {
	L1I Statistics
	L1D Statistics
	L2  Statistics
	L3  Statistics
}

// Hierarchy chains four cache levels over a memory backing store. The two
// L1 caches share the unified L2, which sits on L3, which sits on memory.
//
// A single coarse mutex covers every operation so the fetch path (L1-I)
// and the execute/writeback path (L1-D) can share the hierarchy from
// different pipeline stages.
type Hierarchy struct {
	mu sync.Mutex

	l1i *Level
	l1d *Level
	l2  *Level
	l3  *Level
}

// NewHierarchy builds the four levels chained onto memory.
func NewHierarchy(config HierarchyConfig, memory BackingStore) *Hierarchy {
	l3 := New(config.L3, memory)
	l2 := New(config.L2, l3.AsBacking())
	return &Hierarchy{
		l1i: New(config.L1I, l2.AsBacking()),
		l1d: New(config.L1D, l2.AsBacking()),
		l2:  l2,
		l3:  l3,
	}
}

// Access routes one request through the hierarchy. Instruction fetches go
// to L1-I, data requests to L1-D; misses pull through L2 and L3 down to
// memory and always succeed. For reads the result bytes are copied into
// buf (when non-nil) and returned in AccessResult.Data; for writes the
// value is taken from buf little-endian.
func (h *Hierarchy) Access(addr uint64, kind AccessKind, buf []byte, size int) AccessResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	level := h.l1d
	if kind == AccessInstFetch {
		level = h.l1i
	}

	if kind == AccessDataWrite {
		result := level.Write(addr, size, extractData(buf, 0, size))
		// Simplified coherency: a write claims the line, so copies
		// elsewhere in the hierarchy are demoted to Shared and dropped.
		// A write miss chain-fills the lower levels, so those fresh
		// copies are covered too.
		writerState := level.StateOf(addr)
		if !result.Hit {
			h.reconcileSharing(addr)
		}
		h.invalidateSharedExcept(addr, level)
		level.SetState(addr, writerState)
		return result
	}

	result := level.Read(addr, size)
	if !result.Hit {
		h.reconcileSharing(addr)
	}
	if buf != nil {
		storeData(buf, 0, size, result.Data)
	}
	return result
}

// FetchWord reads one 32-bit instruction word through the L1-I path.
func (h *Hierarchy) FetchWord(pc uint64) (uint32, AccessResult) {
	result := h.Access(pc, AccessInstFetch, nil, 4)
	return uint32(result.Data), result
}

// ReadWord implements the instruction side of emu.MemorySystem.
func (h *Hierarchy) ReadWord(addr uint64) uint32 {
	word, _ := h.FetchWord(addr)
	return word
}

// Read implements the data-load side of emu.MemorySystem.
func (h *Hierarchy) Read(addr uint64, size int) uint64 {
	return h.Access(addr, AccessDataRead, nil, size).Data
}

// Write implements the data-store side of emu.MemorySystem.
func (h *Hierarchy) Write(addr uint64, value uint64, size int) {
	buf := make([]byte, size)
	storeData(buf, 0, size, value)
	h.Access(addr, AccessDataWrite, buf, size)
}

// invalidateSharedExcept drops Shared copies of addr in every level other
// than the writer.
func (h *Hierarchy) invalidateSharedExcept(addr uint64, writer *Level) {
	for _, level := range h.levels() {
		if level != writer {
			level.InvalidateShared(addr)
		}
	}
}

// reconcileSharing downgrades all copies of addr to Shared when a fill
// left the line present in more than one level, and promotes a lone copy
// to Exclusive.
func (h *Hierarchy) reconcileSharing(addr uint64) {
	var holders []*Level
	for _, level := range h.levels() {
		if level.Contains(addr) {
			holders = append(holders, level)
		}
	}

	if len(holders) > 1 {
		for _, level := range holders {
			level.SetState(addr, StateShared)
		}
	} else if len(holders) == 1 {
		holders[0].SetState(addr, StateExclusive)
	}
}

// FlushAll writes back every dirty line and invalidates all levels, top
// down so L1 writebacks drain through L2 and L3 before those flush. A
// second FlushAll on an unchanged hierarchy performs zero writebacks.
func (h *Hierarchy) FlushAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.l1i.Flush()
	h.l1d.Flush()
	h.l2.Flush()
	h.l3.Flush()
}

// InvalidateRange invalidates every line overlapping [start, start+size),
// rounded outward to each level's line boundaries. Dirty lines are written
// back first.
func (h *Hierarchy) InvalidateRange(start uint64, size int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if size <= 0 {
		return
	}
	end := start + uint64(size) - 1

	for _, level := range h.levels() {
		first := level.lineAddr(start)
		last := level.lineAddr(end)
		for addr := first; addr <= last; addr += uint64(level.config.BlockSize) {
			level.Invalidate(addr)
		}
	}
}

// ValidateCoherency is a best-effort debug check: it reports every line
// address held in a writable (non-Shared) state by more than one level.
// An empty report means no conflicting copies were observed; it is not a
// strict guarantee because the simplified per-write invalidation tracks
// neither inclusion nor snoops.
func (h *Hierarchy) ValidateCoherency() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	type holder struct {
		name  string
		state CoherencyState
	}
	holdings := make(map[uint64][]holder)

	for _, level := range h.levels() {
		name := level.config.Name
		level.ValidLines(func(blockAddr uint64, state CoherencyState) {
			holdings[blockAddr] = append(holdings[blockAddr],
				holder{name: name, state: state})
		})
	}

	var violations []string
	for blockAddr, holders := range holdings {
		writable := 0
		for _, hld := range holders {
			if hld.state != StateShared {
				writable++
			}
		}
		if len(holders) > 1 && writable > 1 {
			msg := fmt.Sprintf("line %#x:", blockAddr)
			for _, hld := range holders {
				msg += fmt.Sprintf(" %s=%s", hld.name, hld.state)
			}
			violations = append(violations, msg)
		}
	}
	return violations
}

// Stats snapshots the per-level statistics.
func (h *Hierarchy) Stats() HierarchyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	return HierarchyStats{
		L1I: h.l1i.Stats(),
		L1D: h.l1d.Stats(),
		L2:  h.l2.Stats(),
		L3:  h.l3.Stats(),
	}
}

// Reset invalidates every level without writeback and clears statistics.
func (h *Hierarchy) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, level := range h.levels() {
		level.Reset()
	}
}

// L1I exposes the instruction cache for inspection.
func (h *Hierarchy) L1I() *Level { return h.l1i }

// L1D exposes the data cache for inspection.
func (h *Hierarchy) L1D() *Level { return h.l1d }

// L2 exposes the unified second level for inspection.
func (h *Hierarchy) L2() *Level { return h.l2 }

// L3 exposes the last level for inspection.
func (h *Hierarchy) L3() *Level { return h.l3 }

func (h *Hierarchy) levels() [4]*Level {
	return [4]*Level{h.l1i, h.l1d, h.l2, h.l3}
}
