package emu

import (
	"sync"

	"github.com/sarchlab/axsim/insts"
)

// JITCompiler is the compilation collaborator of the hybrid execute stage.
// The stage forwards execution traces while profiling, asks whether a
// compiled block exists for a PC, and attempts compiled execution; a failed
// attempt falls back to interpretation at the stage.
type JITCompiler interface {
	HasCompiledBlock(pc uint64) bool
	TryExecuteCompiled(pc uint64, regs *RegFile, mem MemorySystem) bool
	RecordExecution(pc uint64, rawBits uint32)
	SetHotThreshold(n uint64)
}

// BlockCache is a reference JITCompiler. It does not generate native code;
// a "compiled block" is the decoded instruction cached for a hot PC and
// replayed through the functional units without re-decoding. Only pure
// operate instructions are compiled: branch outcomes and memory side
// effects must flow through the pipeline's own execute/writeback path.
type BlockCache struct {
	mu           sync.Mutex
	hotThreshold uint64
	decoder      *insts.Decoder
	counts       map[uint64]uint64
	blocks       map[uint64]*insts.Instruction

	compiled uint64
	rejected uint64
}

// NewBlockCache creates a BlockCache with the given hot threshold.
func NewBlockCache(hotThreshold uint64) *BlockCache {
	if hotThreshold == 0 {
		hotThreshold = 1
	}
	return &BlockCache{
		hotThreshold: hotThreshold,
		decoder:      insts.NewDecoder(),
		counts:       make(map[uint64]uint64),
		blocks:       make(map[uint64]*insts.Instruction),
	}
}

// SetHotThreshold adjusts how many recorded executions make a PC compile.
func (b *BlockCache) SetHotThreshold(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n == 0 {
		n = 1
	}
	b.hotThreshold = n
}

// RecordExecution feeds one execution of the word at pc into the profile.
// Reaching the hot threshold compiles the block.
func (b *BlockCache) RecordExecution(pc uint64, rawBits uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts[pc]++
	if b.counts[pc] < b.hotThreshold {
		return
	}
	if _, ok := b.blocks[pc]; ok {
		return
	}

	inst := b.decoder.Decode(rawBits, pc)
	if inst.Format != insts.FormatOperate &&
		inst.Format != insts.FormatFloatOp {
		b.rejected++
		return
	}

	b.blocks[pc] = inst
	b.compiled++
}

// HasCompiledBlock reports whether a compiled block exists for pc.
func (b *BlockCache) HasCompiledBlock(pc uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blocks[pc]
	return ok
}

// TryExecuteCompiled replays the compiled block for pc against the given
// collaborators, applying its register write directly. Returns false when
// no block exists or the replay faults, leaving the caller to interpret.
func (b *BlockCache) TryExecuteCompiled(
	pc uint64,
	regs *RegFile,
	mem MemorySystem,
) bool {
	b.mu.Lock()
	template, ok := b.blocks[pc]
	b.mu.Unlock()
	if !ok {
		return false
	}

	inst := *template
	units := NewUnits(regs, mem)
	if err := units.Execute(&inst); err != nil || inst.HasException {
		return false
	}

	if inst.WritesReg {
		if inst.DestIsFloat {
			regs.WriteFloat(inst.DestReg, inst.Result)
		} else {
			regs.WriteInt(inst.DestReg, inst.Result)
		}
	}
	return true
}

// CompiledBlocks returns how many blocks have been compiled.
func (b *BlockCache) CompiledBlocks() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.compiled
}
