package pipeline

import (
	"sync"

	"github.com/sarchlab/axsim/insts"
)

// InstPool is an arena of reusable instruction slots. Each slot carries a
// generation counter; releasing an instruction bumps the generation, so a
// stale handle released twice (for example once on flush-discard and once
// by a late heavy-op completion) is ignored instead of corrupting the
// free list.
type InstPool struct {
	mu    sync.Mutex
	slots []*insts.Instruction
	gens  []uint32
	free  []int32
}

// NewInstPool creates a pool pre-sized with capacity slots. The pool
// grows on demand when all slots are in use.
func NewInstPool(capacity int) *InstPool {
	if capacity < 1 {
		capacity = 1
	}
	p := &InstPool{
		slots: make([]*insts.Instruction, 0, capacity),
		gens:  make([]uint32, 0, capacity),
		free:  make([]int32, 0, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.grow()
	}
	return p
}

// grow adds one slot. Caller holds the lock (or is the constructor).
func (p *InstPool) grow() {
	slot := int32(len(p.slots))
	p.slots = append(p.slots, &insts.Instruction{Slot: slot})
	p.gens = append(p.gens, 0)
	p.free = append(p.free, slot)
}

// Get returns a reset instruction bound to a free slot.
func (p *InstPool) Get() *insts.Instruction {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		p.grow()
	}
	slot := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	inst := p.slots[slot]
	inst.Reset()
	inst.Gen = p.gens[slot]
	return inst
}

// Put releases an instruction back to its slot. Releases with a stale
// generation are ignored.
func (p *InstPool) Put(inst *insts.Instruction) {
	if inst == nil || inst.Slot < 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if int(inst.Slot) >= len(p.slots) || p.gens[inst.Slot] != inst.Gen {
		return
	}
	p.gens[inst.Slot]++
	p.free = append(p.free, inst.Slot)
}

// InUse returns the number of live instructions.
func (p *InstPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots) - len(p.free)
}

// Capacity returns the total number of slots.
func (p *InstPool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
