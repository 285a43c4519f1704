// Package loader loads Alpha ELF binaries and flat program images into
// simulator memory.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/sarchlab/axsim/emu"
)

// DefaultBase is the load address used when the caller does not pick one.
const DefaultBase = 0x10000

// DefaultStackTop is the initial stack pointer handed to loaded programs.
const DefaultStackTop = 0x7ffffffff000

// DefaultStackSize is the stack reservation below DefaultStackTop (8MB).
const DefaultStackSize = 8 * 1024 * 1024

// Segment is one contiguous piece of a program image.
type Segment struct {
	// Base is the address where the segment contents are placed.
	Base uint64
	// Data contains the segment contents from the image file.
	Data []byte
	// MemSize is the size in memory. When it exceeds len(Data) the
	// remainder is zero-filled, covering BSS-style regions.
	MemSize uint64
	// Flags contains the segment protection flags.
	Flags SegmentFlags
}

// Program is a loaded image ready to install into memory.
type Program struct {
	// EntryPoint is the address where execution begins.
	EntryPoint uint64
	// Segments contains the loadable pieces of the image.
	Segments []Segment
	// InitialSP is the initial stack pointer value.
	InitialSP uint64
}

// Load reads a program image from path. ELF binaries are recognized by
// their magic bytes and parsed with LoadELF, ignoring base. Anything
// else is treated as a flat image, a raw little-endian instruction and
// data stream with no header, placed at base with the entry point at
// the base address itself.
func Load(path string, base uint64) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if bytes.HasPrefix(data, []byte(elf.ELFMAG)) {
		return LoadELF(path)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image: %s", path)
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf(
			"image size %d is not a multiple of the 4-byte word size",
			len(data))
	}
	if base%4 != 0 {
		return nil, fmt.Errorf("load base %#x is not word aligned", base)
	}

	return &Program{
		EntryPoint: base,
		InitialSP:  DefaultStackTop,
		Segments: []Segment{{
			Base:    base,
			Data:    data,
			MemSize: uint64(len(data)),
			Flags:   SegmentFlagRead | SegmentFlagWrite | SegmentFlagExecute,
		}},
	}, nil
}

// FromWords builds a program from an in-memory instruction stream,
// mostly for tests and generated demo programs.
func FromWords(words []uint32, base uint64) *Program {
	data := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[4*i:], w)
	}
	return &Program{
		EntryPoint: base,
		InitialSP:  DefaultStackTop,
		Segments: []Segment{{
			Base:    base,
			Data:    data,
			MemSize: uint64(len(data)),
			Flags:   SegmentFlagRead | SegmentFlagWrite | SegmentFlagExecute,
		}},
	}
}

// Install writes every segment into memory, zero-filling the tail of
// segments whose MemSize exceeds their file contents.
func (p *Program) Install(memory *emu.Memory) {
	for _, seg := range p.Segments {
		for i, b := range seg.Data {
			memory.Write8(seg.Base+uint64(i), b)
		}
		for i := uint64(len(seg.Data)); i < seg.MemSize; i++ {
			memory.Write8(seg.Base+i, 0)
		}
	}
}

// End reports the first address past the highest loaded byte.
func (p *Program) End() uint64 {
	var end uint64
	for _, seg := range p.Segments {
		segEnd := seg.Base + seg.MemSize
		if segEnd > end {
			end = segEnd
		}
	}
	return end
}
