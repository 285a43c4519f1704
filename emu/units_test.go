package emu_test

import (
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/axsim/emu"
	"github.com/sarchlab/axsim/insts"
)

var _ = Describe("Units", func() {
	var (
		regs    *emu.RegFile
		memory  *emu.Memory
		units   *emu.Units
		decoder *insts.Decoder
	)

	BeforeEach(func() {
		regs = &emu.RegFile{}
		memory = emu.NewMemory()
		units = emu.NewUnits(regs, memory)
		decoder = insts.NewDecoder()
	})

	exec := func(word uint32, pc uint64) *insts.Instruction {
		inst := decoder.Decode(word, pc)
		Expect(units.Execute(inst)).To(Succeed())
		return inst
	}

	Describe("integer operate", func() {
		It("should add registers", func() {
			regs.WriteInt(1, 40)
			regs.WriteInt(2, 2)
			// ADDQ R1, R2, R3
			word := uint32(insts.OpINTA)<<26 | 1<<21 | 2<<16 |
				uint32(insts.FnADDQ)<<5 | 3
			inst := exec(word, 0)

			Expect(inst.Result).To(Equal(uint64(42)))
			Expect(inst.WritesReg).To(BeTrue())
			Expect(inst.DestReg).To(Equal(uint8(3)))
		})

		It("should sign-extend 32-bit results", func() {
			regs.WriteInt(1, 0x7FFFFFFF)
			// ADDL R1, #1, R2
			word := uint32(insts.OpINTA)<<26 | 1<<21 | 1<<13 | 1<<12 |
				uint32(insts.FnADDL)<<5 | 2
			inst := exec(word, 0)

			Expect(inst.Result).To(Equal(uint64(0xFFFFFFFF80000000)))
		})

		It("should execute the NOP with zero side effects", func() {
			inst := exec(insts.NopWord, 0x10000)

			Expect(inst.Result).To(Equal(uint64(0)))
			Expect(inst.DestReg).To(Equal(uint8(31)))
			Expect(inst.HasException).To(BeFalse())
			Expect(regs.Int).To(Equal([32]uint64{}))
		})

		It("should fail on unknown function codes", func() {
			word := uint32(insts.OpINTA)<<26 | uint32(0x7F)<<5
			inst := decoder.Decode(word, 0)
			Expect(units.Execute(inst)).To(
				MatchError(emu.ErrUnknownFunction))
		})

		It("should compute UMULH", func() {
			regs.WriteInt(1, 1<<63)
			regs.WriteInt(2, 4)
			word := uint32(insts.OpINTM)<<26 | 1<<21 | 2<<16 |
				uint32(insts.FnUMULH)<<5 | 3
			inst := exec(word, 0)
			Expect(inst.Result).To(Equal(uint64(2)))
		})
	})

	Describe("memory", func() {
		It("should load through the effective address Rb+disp", func() {
			memory.Write64(0x2010, 0xDEADBEEF)
			regs.WriteInt(4, 0x2000)
			// LDQ R5, 0x10(R4)
			word := uint32(insts.OpLDQ)<<26 | 5<<21 | 4<<16 | 0x10
			inst := exec(word, 0)

			Expect(inst.Result).To(Equal(uint64(0xDEADBEEF)))
			Expect(inst.DestReg).To(Equal(uint8(5)))
		})

		It("should store immediately", func() {
			regs.WriteInt(4, 0x3000)
			regs.WriteInt(5, 0xCAFE)
			// STL R5, -8(R4)
			word := uint32(insts.OpSTL)<<26 | 5<<21 | 4<<16 | 0xFFF8
			exec(word, 0)

			Expect(memory.Read32(0x2FF8)).To(Equal(uint32(0xCAFE)))
		})

		It("should compute LDA/LDAH address arithmetic", func() {
			regs.WriteInt(2, 0x1000)
			inst := exec(uint32(insts.OpLDA)<<26|1<<21|2<<16|0x20, 0)
			Expect(inst.Result).To(Equal(uint64(0x1020)))

			inst = exec(uint32(insts.OpLDAH)<<26|1<<21|2<<16|0x2, 0)
			Expect(inst.Result).To(Equal(uint64(0x1000 + 0x20000)))
		})
	})

	Describe("branches", func() {
		It("should take BEQ when Ra is zero", func() {
			inst := exec(uint32(insts.OpBEQ)<<26|7<<21|0x10, 0x1000)
			Expect(inst.Taken).To(BeTrue())
		})

		It("should not take BNE when Ra is zero", func() {
			inst := exec(uint32(insts.OpBNE)<<26|7<<21|0x10, 0x1000)
			Expect(inst.Taken).To(BeFalse())
		})

		It("should stash the return address for BSR", func() {
			inst := exec(uint32(insts.OpBSR)<<26|26<<21|0x10, 0x1000)
			Expect(inst.Taken).To(BeTrue())
			Expect(inst.Result).To(Equal(uint64(0x1004)))
			Expect(inst.DestReg).To(Equal(uint8(26)))
		})

		It("should resolve jump targets from Rb", func() {
			regs.WriteInt(26, 0x4003)
			// RET $31,($26)
			word := uint32(insts.OpJSR)<<26 | 31<<21 | 26<<16 | 2<<14
			inst := exec(word, 0x1000)

			Expect(inst.Taken).To(BeTrue())
			Expect(inst.BranchTarget).To(Equal(uint64(0x4000)))
		})
	})

	Describe("floating point", func() {
		It("should add doubles", func() {
			regs.WriteFloatValue(1, 1.5)
			regs.WriteFloatValue(2, 2.25)
			word := uint32(insts.OpFLTI)<<26 | 1<<21 | 2<<16 |
				uint32(fnADDT)<<5 | 3
			inst := exec(word, 0)

			Expect(math.Float64frombits(inst.Result)).To(Equal(3.75))
			Expect(inst.DestIsFloat).To(BeTrue())
		})

		It("should fault on divide by zero", func() {
			regs.WriteFloatValue(1, 1.0)
			word := uint32(insts.OpFLTI)<<26 | 1<<21 | 2<<16 |
				uint32(fnDIVT)<<5 | 3
			inst := decoder.Decode(word, 0)
			Expect(units.Execute(inst)).To(MatchError(emu.ErrArithmetic))
			Expect(inst.WritesReg).To(BeFalse())
		})
	})

	Describe("exceptions", func() {
		It("should flag CALL_PAL as a privilege exception", func() {
			inst := exec(uint32(insts.OpCALLPAL)<<26|0x83, 0)
			Expect(inst.HasException).To(BeTrue())
			Expect(inst.Exc).To(Equal(insts.ExcPrivilege))
		})

		It("should flag reserved opcodes without failing", func() {
			inst := exec(uint32(0x01)<<26, 0)
			Expect(inst.HasException).To(BeTrue())
			Expect(inst.Exc).To(Equal(insts.ExcOther))
		})
	})
})

// Function codes mirrored here to keep test words readable.
const (
	fnADDT = 0x0A0
	fnDIVT = 0x0A3
)

var _ = Describe("BlockCache", func() {
	var (
		regs   *emu.RegFile
		memory *emu.Memory
		jit    *emu.BlockCache
	)

	// ADDQ R1, #1, R2
	incWord := uint32(insts.OpINTA)<<26 | 1<<21 | 1<<13 | 1<<12 |
		uint32(insts.FnADDQ)<<5 | 2

	BeforeEach(func() {
		regs = &emu.RegFile{}
		memory = emu.NewMemory()
		jit = emu.NewBlockCache(3)
	})

	It("should compile a PC at the hot threshold", func() {
		jit.RecordExecution(0x1000, incWord)
		jit.RecordExecution(0x1000, incWord)
		Expect(jit.HasCompiledBlock(0x1000)).To(BeFalse())

		jit.RecordExecution(0x1000, incWord)
		Expect(jit.HasCompiledBlock(0x1000)).To(BeTrue())
		Expect(jit.CompiledBlocks()).To(Equal(uint64(1)))
	})

	It("should replay a compiled block with register effects", func() {
		for i := 0; i < 3; i++ {
			jit.RecordExecution(0x1000, incWord)
		}
		regs.WriteInt(1, 41)

		Expect(jit.TryExecuteCompiled(0x1000, regs, memory)).To(BeTrue())
		Expect(regs.ReadInt(2)).To(Equal(uint64(42)))
	})

	It("should refuse PCs without a block", func() {
		Expect(jit.TryExecuteCompiled(0x9999, regs, memory)).To(BeFalse())
	})

	It("should not compile branches", func() {
		branch := uint32(insts.OpBEQ)<<26 | 1<<21 | 0x10
		for i := 0; i < 5; i++ {
			jit.RecordExecution(0x2000, branch)
		}
		Expect(jit.HasCompiledBlock(0x2000)).To(BeFalse())
	})
})
