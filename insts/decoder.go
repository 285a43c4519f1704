package insts

// Decoder decodes Alpha instruction words into Instruction structures.
// It holds no state and is safe for concurrent use.
type Decoder struct{}

// NewDecoder creates a new Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decodes the instruction word fetched from pc into a freshly
// allocated Instruction.
func (d *Decoder) Decode(word uint32, pc uint64) *Instruction {
	inst := &Instruction{RawBits: word, PC: pc, Valid: true}
	d.DecodeInto(inst)
	return inst
}

// DecodeInto decodes inst.RawBits in place. Fetch creates the handle with
// RawBits and PC set; the decode stage calls DecodeInto to populate the
// remaining fields. Reserved opcodes leave the instruction flagged
// FormatInvalid but otherwise intact, so it still flows downstream.
func (d *Decoder) DecodeInto(inst *Instruction) {
	word := inst.RawBits
	inst.Opcode = uint8(word >> 26)
	inst.Ra = uint8((word >> 21) & 0x1F)
	inst.Rb = uint8((word >> 16) & 0x1F)

	switch {
	case inst.Opcode >= OpBR:
		d.decodeBranch(word, inst)
	case inst.Opcode >= OpLDF && inst.Opcode <= OpSTQC:
		d.decodeMemory(word, inst)
	case inst.Opcode >= OpLDA && inst.Opcode <= OpSTQU:
		d.decodeMemory(word, inst)
	case inst.Opcode >= OpINTA && inst.Opcode <= OpINTM,
		inst.Opcode == OpFPTI:
		d.decodeOperate(word, inst)
	case inst.Opcode >= OpITFP && inst.Opcode <= OpFLTL:
		d.decodeFloatOp(word, inst)
	case inst.Opcode == OpJSR:
		d.decodeJump(word, inst)
	case inst.Opcode == OpCALLPAL, inst.Opcode == OpMISC:
		d.decodeMisc(word, inst)
	default:
		// Reserved opcodes (0x01-0x07, 0x19, 0x1B, 0x1D-0x1F).
		inst.Format = FormatInvalid
	}

	inst.Class = classify(inst)
	inst.Decoded = true
}

// signExtend16 sign-extends the low 16 bits of the memory-format
// displacement field.
func signExtend16(v uint32) int64 {
	return int64(int16(v & 0xFFFF))
}

// signExtend21 sign-extends the 21-bit branch displacement field.
func signExtend21(v uint32) int64 {
	v &= 0x1FFFFF
	if v&0x100000 != 0 {
		return int64(v) - (1 << 21)
	}
	return int64(v)
}

func (d *Decoder) decodeMemory(word uint32, inst *Instruction) {
	inst.Format = FormatMemory
	inst.Disp = signExtend16(word)

	switch inst.Opcode {
	case OpLDA, OpLDAH:
		// Address arithmetic only; no memory access.
	case OpLDBU:
		inst.IsLoad, inst.AccessSize = true, 1
	case OpLDWU:
		inst.IsLoad, inst.AccessSize = true, 2
	case OpLDL, OpLDLL:
		inst.IsLoad, inst.AccessSize = true, 4
	case OpLDQ, OpLDQU, OpLDQL:
		inst.IsLoad, inst.AccessSize = true, 8
	case OpSTB:
		inst.IsStore, inst.AccessSize = true, 1
	case OpSTW:
		inst.IsStore, inst.AccessSize = true, 2
	case OpSTL, OpSTLC:
		inst.IsStore, inst.AccessSize = true, 4
	case OpSTQ, OpSTQU, OpSTQC:
		inst.IsStore, inst.AccessSize = true, 8
	case OpLDF, OpLDS:
		inst.IsLoad, inst.IsFloat, inst.AccessSize = true, true, 4
	case OpLDG, OpLDT:
		inst.IsLoad, inst.IsFloat, inst.AccessSize = true, true, 8
	case OpSTF, OpSTS:
		inst.IsStore, inst.IsFloat, inst.AccessSize = true, true, 4
	case OpSTG, OpSTT:
		inst.IsStore, inst.IsFloat, inst.AccessSize = true, true, 8
	}
}

func (d *Decoder) decodeOperate(word uint32, inst *Instruction) {
	inst.Format = FormatOperate
	inst.Rc = uint8(word & 0x1F)
	inst.Function = uint16((word >> 5) & 0x7F)
	if word&(1<<12) != 0 {
		inst.UseLiteral = true
		inst.Literal = uint8((word >> 13) & 0xFF)
	}
}

func (d *Decoder) decodeFloatOp(word uint32, inst *Instruction) {
	inst.Format = FormatFloatOp
	inst.IsFloat = true
	inst.Rc = uint8(word & 0x1F)
	inst.Function = uint16((word >> 5) & 0x7FF)
}

func (d *Decoder) decodeBranch(word uint32, inst *Instruction) {
	inst.Format = FormatBranch
	inst.Disp = signExtend21(word)
	inst.BranchTarget = uint64(int64(inst.PC) + 4 + 4*inst.Disp)
	inst.Unconditional = inst.Opcode == OpBR || inst.Opcode == OpBSR
	inst.IsFloat = inst.Opcode >= OpFBEQ && inst.Opcode <= OpFBGT &&
		inst.Opcode != OpBSR
}

func (d *Decoder) decodeJump(word uint32, inst *Instruction) {
	inst.Format = FormatJump
	inst.Kind = JumpKind((word >> 14) & 0x3)
	inst.Unconditional = true
	// The target comes from Rb at execute time; the hint field in the low
	// bits is advisory only and is not modeled.
}

func (d *Decoder) decodeMisc(word uint32, inst *Instruction) {
	inst.Format = FormatMisc
	// CALL_PAL carries a 26-bit function code; only the low 16 bits are
	// meaningful for the subset modeled here.
	inst.Function = uint16(word & 0xFFFF)
}

// classify maps format and function to an execution cost bucket. Integer
// add/logic is Trivial; shifts, memory, and most floating point are
// Moderate; multiplies, divides, square roots, and the VAX floating-point
// pipeline are Heavy.
func classify(inst *Instruction) Class {
	switch inst.Format {
	case FormatOperate:
		switch inst.Opcode {
		case OpINTA, OpINTL:
			return ClassTrivial
		case OpINTM:
			return ClassHeavy
		default: // INTS shifts, FPTI bit manipulation
			return ClassModerate
		}
	case FormatMemory:
		if inst.Opcode == OpLDA || inst.Opcode == OpLDAH {
			return ClassTrivial
		}
		return ClassModerate
	case FormatFloatOp:
		return classifyFloat(inst)
	default:
		// Branches, jumps, misc, and invalid words all resolve trivially.
		return ClassTrivial
	}
}

func classifyFloat(inst *Instruction) Class {
	switch inst.Opcode {
	case OpFLTV:
		// The legacy VAX pipeline runs heavyweight on every member.
		return ClassHeavy
	case OpITFP:
		// SQRTF/SQRTG/SQRTS/SQRTT carry function bit 9 clear and low bits
		// 0xB; integer-to-float converts are cheap by comparison.
		if inst.Function&0xF == 0xB {
			return ClassHeavy
		}
		return ClassModerate
	case OpFLTI:
		// DIVS/DIVT are the x3 members of the add/sub/mul/div quartets.
		if inst.Function&0x3 == 0x3 {
			return ClassHeavy
		}
		return ClassModerate
	default: // FLTL data movement
		return ClassModerate
	}
}
