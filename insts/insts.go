// Package insts provides Alpha AXP instruction definitions and decoding.
//
// This package implements decoding of Alpha machine code into structured
// instruction representations. Alpha has four regular 32-bit instruction
// formats:
//   - Memory: loads, stores, and address arithmetic (LDA/LDAH)
//   - Operate: integer arithmetic, logic, shifts, and multiplies
//   - Branch: conditional and unconditional PC-relative branches
//   - Jump: computed jumps (JMP/JSR/RET/JSR_COROUTINE, opcode 0x1A)
//
// plus floating-point operate and a miscellaneous group (MB, TRAPB, RPCC).
//
// Usage:
//
//	decoder := insts.NewDecoder()
//	inst := decoder.Decode(0x47FF041F, 0x10000) // BIS R31,R31,R31 (NOP)
//	fmt.Printf("Format: %v, Rc: %d\n", inst.Format, inst.Rc)
package insts

// Format identifies the instruction format of a decoded word.
type Format uint8

const (
	// FormatMemory covers loads, stores, and LDA/LDAH.
	FormatMemory Format = iota
	// FormatOperate covers integer operate instructions (opcodes 0x10-0x13, 0x1C).
	FormatOperate
	// FormatBranch covers PC-relative branches (opcodes 0x30-0x3F).
	FormatBranch
	// FormatJump covers the computed-jump group (opcode 0x1A).
	FormatJump
	// FormatFloatOp covers floating-point operate instructions (0x14-0x17).
	FormatFloatOp
	// FormatMisc covers CALL_PAL and the miscellaneous group (0x00, 0x18).
	FormatMisc
	// FormatInvalid marks reserved opcodes. Invalid instructions are still
	// forwarded through the pipeline so that every stage sees a uniform
	// stream; writeback decides disposition.
	FormatInvalid
)

// String returns a human-readable format name.
func (f Format) String() string {
	switch f {
	case FormatMemory:
		return "Memory"
	case FormatOperate:
		return "Operate"
	case FormatBranch:
		return "Branch"
	case FormatJump:
		return "Jump"
	case FormatFloatOp:
		return "FloatOp"
	case FormatMisc:
		return "Misc"
	default:
		return "Invalid"
	}
}

// Class buckets instructions by execution cost. The execute stage runs
// Trivial and Moderate instructions inline on its worker and hands Heavy
// instructions to a background pool.
type Class uint8

const (
	// ClassTrivial covers integer add/logic, branches, and jumps.
	ClassTrivial Class = iota
	// ClassModerate covers shifts, most memory operations, and most
	// floating-point operations.
	ClassModerate
	// ClassHeavy covers multiplies, divides, square roots, and the VAX
	// floating-point pipeline.
	ClassHeavy
)

// String returns a human-readable class name.
func (c Class) String() string {
	switch c {
	case ClassTrivial:
		return "Trivial"
	case ClassModerate:
		return "Moderate"
	default:
		return "Heavy"
	}
}

// JumpKind distinguishes the four members of the opcode 0x1A group,
// selected by bits [15:14] of the instruction word.
type JumpKind uint8

const (
	JumpJMP JumpKind = iota
	JumpJSR
	JumpRET
	JumpJSRCoroutine
)

// ExcKind is the coarse architectural exception category used by
// writeback's vector dispatch.
type ExcKind uint8

const (
	ExcNone ExcKind = iota
	ExcArithmetic
	ExcMemory
	ExcPrivilege
	ExcOther
)

// String returns a human-readable exception category name.
func (k ExcKind) String() string {
	switch k {
	case ExcNone:
		return "None"
	case ExcArithmetic:
		return "Arithmetic"
	case ExcMemory:
		return "Memory"
	case ExcPrivilege:
		return "Privilege"
	default:
		return "Other"
	}
}

// Alpha primary opcodes referenced throughout the simulator.
const (
	OpCALLPAL = 0x00
	OpLDA     = 0x08
	OpLDAH    = 0x09
	OpLDBU    = 0x0A
	OpLDQU    = 0x0B
	OpLDWU    = 0x0C
	OpSTW     = 0x0D
	OpSTB     = 0x0E
	OpSTQU    = 0x0F
	OpINTA    = 0x10 // add/sub/compare
	OpINTL    = 0x11 // logic and conditional moves
	OpINTS    = 0x12 // shifts and byte manipulation
	OpINTM    = 0x13 // multiplies
	OpITFP    = 0x14 // int-to-float and square roots
	OpFLTV    = 0x15 // VAX floating point
	OpFLTI    = 0x16 // IEEE floating point
	OpFLTL    = 0x17 // float data movement
	OpMISC    = 0x18 // MB, TRAPB, RPCC, ...
	OpJSR     = 0x1A
	OpFPTI    = 0x1C // SEXTB/SEXTW, CTPOP, CTLZ, ...
	OpLDF     = 0x20
	OpLDG     = 0x21
	OpLDS     = 0x22
	OpLDT     = 0x23
	OpSTF     = 0x24
	OpSTG     = 0x25
	OpSTS     = 0x26
	OpSTT     = 0x27
	OpLDL     = 0x28
	OpLDQ     = 0x29
	OpLDLL    = 0x2A
	OpLDQL    = 0x2B
	OpSTL     = 0x2C
	OpSTQ     = 0x2D
	OpSTLC    = 0x2E
	OpSTQC    = 0x2F
	OpBR      = 0x30
	OpFBEQ    = 0x31
	OpFBLT    = 0x32
	OpFBLE    = 0x33
	OpBSR     = 0x34
	OpFBNE    = 0x35
	OpFBGE    = 0x36
	OpFBGT    = 0x37
	OpBLBC    = 0x38
	OpBEQ     = 0x39
	OpBLT     = 0x3A
	OpBLE     = 0x3B
	OpBLBS    = 0x3C
	OpBNE     = 0x3D
	OpBGE     = 0x3E
	OpBGT     = 0x3F
)

// Integer operate functions used by the functional units and tests.
const (
	FnADDL   = 0x00
	FnADDQ   = 0x20
	FnSUBL   = 0x09
	FnSUBQ   = 0x29
	FnCMPEQ  = 0x2D
	FnCMPLT  = 0x4D
	FnCMPLE  = 0x6D
	FnCMPULT = 0x1D
	FnCMPULE = 0x3D

	FnAND   = 0x00
	FnBIC   = 0x08
	FnBIS   = 0x20
	FnORNOT = 0x28
	FnXOR   = 0x40
	FnEQV   = 0x48

	FnSLL = 0x39
	FnSRL = 0x34
	FnSRA = 0x3C

	FnMULL  = 0x00
	FnMULQ  = 0x20
	FnUMULH = 0x30
)

// NopWord is the canonical architectural NOP, BIS R31,R31,R31.
const NopWord uint32 = 0x47FF041F

// ZeroReg is the hard-wired zero register in both the integer and the
// floating-point bank.
const ZeroReg = 31

// Instruction is the shared handle that travels through the pipeline. It is
// created by fetch, mutated in place by decode, execute, and writeback, and
// released back to the instruction pool after commit or on flush-discard.
type Instruction struct {
	// RawBits is the 32-bit instruction word as fetched.
	RawBits uint32
	// PC is the address the word was fetched from.
	PC uint64

	// Decoded fields. Populated by the decoder.
	Format     Format
	Opcode     uint8
	Ra         uint8
	Rb         uint8
	Rc         uint8
	Function   uint16
	UseLiteral bool
	Literal    uint8
	Disp       int64
	Kind       JumpKind

	// Derived memory/branch properties.
	IsLoad        bool
	IsStore       bool
	IsFloat       bool
	AccessSize    uint8
	Unconditional bool
	BranchTarget  uint64

	// Class is the execution cost bucket.
	Class Class

	// Execution results, produced by the execute units and consumed by
	// writeback. Result holds the raw (unextended) value destined for
	// DestReg; loads are sign-extended per AccessSize at writeback.
	Result      uint64
	WritesReg   bool
	DestReg     uint8
	DestIsFloat bool
	Taken       bool

	// Mutable pipeline flags.
	Decoded      bool
	Executed     bool
	Valid        bool
	HasException bool
	Exc          ExcKind

	// Monotonically incremented by the stages that touch the instruction.
	ExecutionCount uint64
	CycleCount     uint64

	// Pool bookkeeping, managed by the pipeline's instruction pool.
	Slot int32
	Gen  uint32
}

// Reset clears everything except the pool bookkeeping so the handle can be
// reused for a new fetch.
func (i *Instruction) Reset() {
	slot, gen := i.Slot, i.Gen
	*i = Instruction{Slot: slot, Gen: gen}
}

// IsBranching reports whether the instruction can redirect the PC.
func (i *Instruction) IsBranching() bool {
	return i.Format == FormatBranch || i.Format == FormatJump
}

// IsMemoryAccess reports whether the instruction reads or writes memory.
func (i *Instruction) IsMemoryAccess() bool {
	return i.IsLoad || i.IsStore
}
