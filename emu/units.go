package emu

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sarchlab/axsim/insts"
)

// MemorySystem is the narrow memory contract the execution units and the
// fetch stage consume. *Memory implements it directly; the cache hierarchy
// provides accessors that implement it over a cache level.
type MemorySystem interface {
	ReadWord(addr uint64) uint32
	Read(addr uint64, size int) uint64
	Write(addr uint64, value uint64, size int)
}

// Execution unit errors. They stay stage-local: the execute stage catches
// them at its boundary and converts them to telemetry.
var (
	// ErrUnknownFunction reports a function code the units do not model.
	ErrUnknownFunction = errors.New("unknown function code")
	// ErrArithmetic reports an arithmetic fault (divide by zero, square
	// root of a negative).
	ErrArithmetic = errors.New("arithmetic fault")
	// ErrNoCollaborator reports a missing register-file or memory
	// collaborator.
	ErrNoCollaborator = errors.New("missing collaborator")
)

// Units bundles the functional execution units behind a single dispatch
// entry point. A Units may be shared by the stage worker and the
// heavy-pool workers, so the RPCC counter is atomic; register-file and
// memory consistency rely on MemorySystem locking and pipeline ordering.
type Units struct {
	regs *RegFile
	mem  MemorySystem

	// cycles backs RPCC. Incremented once per executed instruction.
	cycles atomic.Uint64
}

// NewUnits creates the execution units over the given collaborators.
func NewUnits(regs *RegFile, mem MemorySystem) *Units {
	return &Units{regs: regs, mem: mem}
}

// Execute runs one instruction through the unit matching its format. On
// success the instruction's Result/Taken fields are populated and memory
// side effects of stores are applied; the caller is responsible for the
// Executed flag and the register write at commit. Architectural exceptions
// (CALL_PAL, reserved opcodes) are flagged on the instruction and are not
// errors.
func (u *Units) Execute(inst *insts.Instruction) error {
	if u.regs == nil || u.mem == nil {
		return ErrNoCollaborator
	}
	u.cycles.Add(1)

	switch inst.Format {
	case insts.FormatOperate:
		return u.executeOperate(inst)
	case insts.FormatFloatOp:
		return u.executeFloatOp(inst)
	case insts.FormatMemory:
		return u.executeMemory(inst)
	case insts.FormatBranch, insts.FormatJump:
		return u.executeBranch(inst)
	case insts.FormatMisc:
		return u.executeMisc(inst)
	case insts.FormatInvalid:
		// Reserved opcode: raise an architectural fault for writeback's
		// vector dispatch instead of failing the stage.
		inst.HasException = true
		inst.Exc = insts.ExcOther
		return nil
	default:
		return fmt.Errorf("%w: format %v", ErrUnknownFunction, inst.Format)
	}
}

func (u *Units) executeMisc(inst *insts.Instruction) error {
	if inst.Opcode == insts.OpCALLPAL {
		// Privileged PALcode entry is outside this engine's scope; it
		// surfaces as a privilege exception at writeback.
		inst.HasException = true
		inst.Exc = insts.ExcPrivilege
		return nil
	}

	switch inst.Function {
	case 0x0000, 0x0400: // TRAPB, EXCB
	case 0x4000, 0x4400: // MB, WMB
	case 0xC000: // RPCC
		inst.Result = u.cycles.Load()
		inst.WritesReg = true
		inst.DestReg = inst.Ra
	default:
		return fmt.Errorf("%w: misc %#x", ErrUnknownFunction, inst.Function)
	}
	return nil
}
