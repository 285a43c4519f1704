package emu

import (
	"fmt"
	"math/bits"

	"github.com/sarchlab/axsim/insts"
)

// operandB resolves the second operand of an operate instruction: an 8-bit
// zero-extended literal when bit 12 is set, otherwise register Rb.
func (u *Units) operandB(inst *insts.Instruction) uint64 {
	if inst.UseLiteral {
		return uint64(inst.Literal)
	}
	return u.regs.ReadInt(inst.Rb)
}

// executeOperate implements the integer operate groups: INTA arithmetic,
// INTL logic, INTS shifts, INTM multiplies, and the FPTI sign-extension and
// bit-count group.
func (u *Units) executeOperate(inst *insts.Instruction) error {
	a := u.regs.ReadInt(inst.Ra)
	b := u.operandB(inst)

	var result uint64
	switch inst.Opcode {
	case insts.OpINTA:
		r, err := intArith(inst.Function, a, b)
		if err != nil {
			return err
		}
		result = r
	case insts.OpINTL:
		r, err := intLogic(inst.Function, a, b)
		if err != nil {
			return err
		}
		result = r
	case insts.OpINTS:
		r, err := intShift(inst.Function, a, b)
		if err != nil {
			return err
		}
		result = r
	case insts.OpINTM:
		r, err := intMul(inst.Function, a, b)
		if err != nil {
			return err
		}
		result = r
	case insts.OpFPTI:
		r, err := intExtend(inst.Function, b)
		if err != nil {
			return err
		}
		result = r
	default:
		return fmt.Errorf("%w: operate opcode %#x",
			ErrUnknownFunction, inst.Opcode)
	}

	inst.Result = result
	inst.WritesReg = true
	inst.DestReg = inst.Rc
	return nil
}

func intArith(fn uint16, a, b uint64) (uint64, error) {
	switch fn {
	case insts.FnADDL:
		return uint64(int64(int32(a) + int32(b))), nil
	case insts.FnADDQ:
		return a + b, nil
	case insts.FnSUBL:
		return uint64(int64(int32(a) - int32(b))), nil
	case insts.FnSUBQ:
		return a - b, nil
	case insts.FnCMPEQ:
		return boolToReg(a == b), nil
	case insts.FnCMPLT:
		return boolToReg(int64(a) < int64(b)), nil
	case insts.FnCMPLE:
		return boolToReg(int64(a) <= int64(b)), nil
	case insts.FnCMPULT:
		return boolToReg(a < b), nil
	case insts.FnCMPULE:
		return boolToReg(a <= b), nil
	default:
		return 0, fmt.Errorf("%w: INTA %#x", ErrUnknownFunction, fn)
	}
}

func intLogic(fn uint16, a, b uint64) (uint64, error) {
	switch fn {
	case insts.FnAND:
		return a & b, nil
	case insts.FnBIC:
		return a &^ b, nil
	case insts.FnBIS:
		return a | b, nil
	case insts.FnORNOT:
		return a | ^b, nil
	case insts.FnXOR:
		return a ^ b, nil
	case insts.FnEQV:
		return a ^ ^b, nil
	default:
		return 0, fmt.Errorf("%w: INTL %#x", ErrUnknownFunction, fn)
	}
}

func intShift(fn uint16, a, b uint64) (uint64, error) {
	amount := b & 0x3F
	switch fn {
	case insts.FnSLL:
		return a << amount, nil
	case insts.FnSRL:
		return a >> amount, nil
	case insts.FnSRA:
		return uint64(int64(a) >> amount), nil
	default:
		return 0, fmt.Errorf("%w: INTS %#x", ErrUnknownFunction, fn)
	}
}

func intMul(fn uint16, a, b uint64) (uint64, error) {
	switch fn {
	case insts.FnMULL:
		return uint64(int64(int32(a) * int32(b))), nil
	case insts.FnMULQ:
		return a * b, nil
	case insts.FnUMULH:
		hi, _ := bits.Mul64(a, b)
		return hi, nil
	default:
		return 0, fmt.Errorf("%w: INTM %#x", ErrUnknownFunction, fn)
	}
}

func intExtend(fn uint16, b uint64) (uint64, error) {
	switch fn {
	case 0x00: // SEXTB
		return uint64(int64(int8(b))), nil
	case 0x01: // SEXTW
		return uint64(int64(int16(b))), nil
	case 0x30: // CTPOP
		return uint64(bits.OnesCount64(b)), nil
	case 0x32: // CTLZ
		return uint64(bits.LeadingZeros64(b)), nil
	case 0x33: // CTTZ
		return uint64(bits.TrailingZeros64(b)), nil
	default:
		return 0, fmt.Errorf("%w: FPTI %#x", ErrUnknownFunction, fn)
	}
}

func boolToReg(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}
