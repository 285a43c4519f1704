package emu

import (
	"fmt"
	"math"

	"github.com/sarchlab/axsim/insts"
)

// executeBranch implements PC-relative branches and the computed-jump
// group. Conditional outcomes land in inst.Taken; unconditional branches
// and calls stash the return address in Result. Jumps resolve their target
// from Rb at execute time.
func (u *Units) executeBranch(inst *insts.Instruction) error {
	if inst.Format == insts.FormatJump {
		inst.Taken = true
		inst.BranchTarget = u.regs.ReadInt(inst.Rb) &^ 3
		if inst.Kind == insts.JumpJSR || inst.Kind == insts.JumpJSRCoroutine {
			inst.Result = inst.PC + 4
			inst.WritesReg = true
			inst.DestReg = inst.Ra
		}
		return nil
	}

	switch inst.Opcode {
	case insts.OpBR, insts.OpBSR:
		inst.Taken = true
		inst.Result = inst.PC + 4
		inst.WritesReg = true
		inst.DestReg = inst.Ra
		return nil
	}

	if inst.IsFloat {
		return u.executeFloatBranch(inst)
	}

	a := u.regs.ReadInt(inst.Ra)
	switch inst.Opcode {
	case insts.OpBEQ:
		inst.Taken = a == 0
	case insts.OpBNE:
		inst.Taken = a != 0
	case insts.OpBLT:
		inst.Taken = int64(a) < 0
	case insts.OpBLE:
		inst.Taken = int64(a) <= 0
	case insts.OpBGE:
		inst.Taken = int64(a) >= 0
	case insts.OpBGT:
		inst.Taken = int64(a) > 0
	case insts.OpBLBC:
		inst.Taken = a&1 == 0
	case insts.OpBLBS:
		inst.Taken = a&1 == 1
	default:
		return fmt.Errorf("%w: branch opcode %#x",
			ErrUnknownFunction, inst.Opcode)
	}
	return nil
}

func (u *Units) executeFloatBranch(inst *insts.Instruction) error {
	a := u.regs.ReadFloatValue(inst.Ra)
	if math.IsNaN(a) {
		// Comparisons against NaN take the not-taken path except FBNE.
		inst.Taken = inst.Opcode == insts.OpFBNE
		return nil
	}

	switch inst.Opcode {
	case insts.OpFBEQ:
		inst.Taken = a == 0
	case insts.OpFBNE:
		inst.Taken = a != 0
	case insts.OpFBLT:
		inst.Taken = a < 0
	case insts.OpFBLE:
		inst.Taken = a <= 0
	case insts.OpFBGE:
		inst.Taken = a >= 0
	case insts.OpFBGT:
		inst.Taken = a > 0
	default:
		return fmt.Errorf("%w: float branch opcode %#x",
			ErrUnknownFunction, inst.Opcode)
	}
	return nil
}
