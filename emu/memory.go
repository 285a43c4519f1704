package emu

import "sync"

// pageSize is the granularity of the sparse backing store. Pages are
// allocated on first touch; reads of untouched memory return zero.
const pageSize = 4096

// Memory is a sparse, little-endian, byte-addressable memory. It is the
// externally owned memory collaborator of the pipeline: fetch pulls
// instruction words through it and the load/store unit reads and writes
// data through it. Those two run on different goroutines, so Memory
// guards its page table with a read-write lock.
type Memory struct {
	mu    sync.RWMutex
	pages map[uint64]*[pageSize]byte
}

// NewMemory creates an empty sparse memory.
func NewMemory() *Memory {
	return &Memory{pages: make(map[uint64]*[pageSize]byte)}
}

// page returns the page backing addr. The caller must hold mu, as a
// writer when allocate is set.
func (m *Memory) page(addr uint64, allocate bool) *[pageSize]byte {
	base := addr / pageSize
	p, ok := m.pages[base]
	if !ok && allocate {
		p = new([pageSize]byte)
		m.pages[base] = p
	}
	return p
}

func (m *Memory) read8Locked(addr uint64) byte {
	p := m.page(addr, false)
	if p == nil {
		return 0
	}
	return p[addr%pageSize]
}

func (m *Memory) write8Locked(addr uint64, value byte) {
	m.page(addr, true)[addr%pageSize] = value
}

// Read8 reads a single byte.
func (m *Memory) Read8(addr uint64) byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read8Locked(addr)
}

// Write8 writes a single byte.
func (m *Memory) Write8(addr uint64, value byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.write8Locked(addr, value)
}

// Read reads a little-endian value of the given size (1, 2, 4, or 8 bytes)
// and zero-extends it to 64 bits.
func (m *Memory) Read(addr uint64, size int) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var value uint64
	for i := 0; i < size; i++ {
		value |= uint64(m.read8Locked(addr+uint64(i))) << (8 * i)
	}
	return value
}

// Write writes the low size bytes of value little-endian at addr.
func (m *Memory) Write(addr uint64, value uint64, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < size; i++ {
		m.write8Locked(addr+uint64(i), byte(value>>(8*i)))
	}
}

// Read16 reads a 16-bit value.
func (m *Memory) Read16(addr uint64) uint16 { return uint16(m.Read(addr, 2)) }

// Read32 reads a 32-bit value.
func (m *Memory) Read32(addr uint64) uint32 { return uint32(m.Read(addr, 4)) }

// Read64 reads a 64-bit value.
func (m *Memory) Read64(addr uint64) uint64 { return m.Read(addr, 8) }

// Write16 writes a 16-bit value.
func (m *Memory) Write16(addr uint64, value uint16) { m.Write(addr, uint64(value), 2) }

// Write32 writes a 32-bit value.
func (m *Memory) Write32(addr uint64, value uint32) { m.Write(addr, uint64(value), 4) }

// Write64 writes a 64-bit value.
func (m *Memory) Write64(addr uint64, value uint64) { m.Write(addr, value, 8) }

// ReadWord reads the 32-bit instruction word at addr. This is the fetch
// collaborator entry point.
func (m *Memory) ReadWord(addr uint64) uint32 {
	return m.Read32(addr)
}

// FootprintPages returns the number of pages touched so far.
func (m *Memory) FootprintPages() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages)
}
