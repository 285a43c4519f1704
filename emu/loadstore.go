package emu

import (
	"fmt"

	"github.com/sarchlab/axsim/insts"
)

// executeMemory implements the memory format: LDA/LDAH address arithmetic,
// loads, and stores. The effective address is Rb + disp. Stores take effect
// immediately; loads stash the raw (zero-extended) value in Result for
// writeback to sign-extend and commit. This engine models a single core,
// so load-locked and store-conditional variants execute as plain accesses
// and store-conditional always reports success in Ra.
func (u *Units) executeMemory(inst *insts.Instruction) error {
	base := u.regs.ReadInt(inst.Rb)

	switch inst.Opcode {
	case insts.OpLDA:
		inst.Result = base + uint64(inst.Disp)
		inst.WritesReg = true
		inst.DestReg = inst.Ra
		return nil
	case insts.OpLDAH:
		inst.Result = base + uint64(inst.Disp)<<16
		inst.WritesReg = true
		inst.DestReg = inst.Ra
		return nil
	}

	va := base + uint64(inst.Disp)
	if inst.Opcode == insts.OpLDQU || inst.Opcode == insts.OpSTQU {
		va &^= 7
	}

	switch {
	case inst.IsLoad:
		inst.Result = u.mem.Read(va, int(inst.AccessSize))
		inst.WritesReg = true
		inst.DestReg = inst.Ra
		inst.DestIsFloat = inst.IsFloat
	case inst.IsStore:
		var value uint64
		if inst.IsFloat {
			value = u.regs.ReadFloat(inst.Ra)
		} else {
			value = u.regs.ReadInt(inst.Ra)
		}
		u.mem.Write(va, value, int(inst.AccessSize))

		if inst.Opcode == insts.OpSTLC || inst.Opcode == insts.OpSTQC {
			inst.Result = 1
			inst.WritesReg = true
			inst.DestReg = inst.Ra
		}
	default:
		return fmt.Errorf("%w: memory opcode %#x",
			ErrUnknownFunction, inst.Opcode)
	}
	return nil
}
