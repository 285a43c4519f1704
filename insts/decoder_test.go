package insts_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/axsim/insts"
)

var _ = Describe("Decoder", func() {
	var decoder *insts.Decoder

	BeforeEach(func() {
		decoder = insts.NewDecoder()
	})

	Describe("Operate format", func() {
		It("should decode the architectural NOP (BIS R31,R31,R31)", func() {
			inst := decoder.Decode(insts.NopWord, 0x10000)

			Expect(inst.Format).To(Equal(insts.FormatOperate))
			Expect(inst.Opcode).To(Equal(uint8(insts.OpINTL)))
			Expect(inst.Function).To(Equal(uint16(insts.FnBIS)))
			Expect(inst.Ra).To(Equal(uint8(31)))
			Expect(inst.Rb).To(Equal(uint8(31)))
			Expect(inst.Rc).To(Equal(uint8(31)))
			Expect(inst.UseLiteral).To(BeFalse())
			Expect(inst.Decoded).To(BeTrue())
		})

		It("should decode a literal operand", func() {
			// ADDQ R1, #5, R3
			word := uint32(0x10)<<26 | 1<<21 | 5<<13 | 1<<12 |
				uint32(insts.FnADDQ)<<5 | 3
			inst := decoder.Decode(word, 0)

			Expect(inst.Format).To(Equal(insts.FormatOperate))
			Expect(inst.UseLiteral).To(BeTrue())
			Expect(inst.Literal).To(Equal(uint8(5)))
			Expect(inst.Rc).To(Equal(uint8(3)))
		})
	})

	Describe("Memory format", func() {
		It("should sign-extend a 0x8000 displacement to -32768", func() {
			// LDQ R2, -32768(R3)
			word := uint32(insts.OpLDQ)<<26 | 2<<21 | 3<<16 | 0x8000
			inst := decoder.Decode(word, 0)

			Expect(inst.Format).To(Equal(insts.FormatMemory))
			Expect(inst.Disp).To(Equal(int64(-32768)))
			Expect(inst.IsLoad).To(BeTrue())
			Expect(inst.AccessSize).To(Equal(uint8(8)))
		})

		It("should derive access sizes from the opcode", func() {
			sizes := map[uint8]uint8{
				insts.OpLDBU: 1,
				insts.OpLDWU: 2,
				insts.OpLDL:  4,
				insts.OpLDQ:  8,
				insts.OpSTB:  1,
				insts.OpSTW:  2,
				insts.OpSTL:  4,
				insts.OpSTQ:  8,
			}
			for op, size := range sizes {
				inst := decoder.Decode(uint32(op)<<26, 0)
				Expect(inst.AccessSize).To(Equal(size),
					"opcode %#x", op)
				Expect(inst.IsMemoryAccess()).To(BeTrue())
			}
		})

		It("should treat LDA/LDAH as address arithmetic", func() {
			inst := decoder.Decode(uint32(insts.OpLDA)<<26|1<<21|0x10, 0)
			Expect(inst.IsLoad).To(BeFalse())
			Expect(inst.IsStore).To(BeFalse())
			Expect(inst.Disp).To(Equal(int64(0x10)))
		})

		It("should mark float loads and stores", func() {
			inst := decoder.Decode(uint32(insts.OpLDT)<<26, 0)
			Expect(inst.IsFloat).To(BeTrue())
			Expect(inst.IsLoad).To(BeTrue())
			Expect(inst.AccessSize).To(Equal(uint8(8)))
		})
	})

	Describe("Branch format", func() {
		It("should sign-extend a displacement with bit 20 set", func() {
			// BEQ R1, backwards one megainstruction
			word := uint32(insts.OpBEQ)<<26 | 1<<21 | 0x100000
			inst := decoder.Decode(word, 0x400000)

			Expect(inst.Format).To(Equal(insts.FormatBranch))
			Expect(inst.Disp).To(Equal(int64(-1048576)))
			Expect(inst.BranchTarget).To(
				Equal(uint64(0x400000 + 4 - 4*1048576)))
			Expect(inst.Unconditional).To(BeFalse())
		})

		It("should compute the target as pc+4+4*disp", func() {
			word := uint32(insts.OpBR)<<26 | 31<<21 | 0x10
			inst := decoder.Decode(word, 0x1000)

			Expect(inst.BranchTarget).To(Equal(uint64(0x1000 + 4 + 4*0x10)))
			Expect(inst.Unconditional).To(BeTrue())
		})

		It("should mark floating-point branches", func() {
			inst := decoder.Decode(uint32(insts.OpFBEQ)<<26, 0)
			Expect(inst.IsFloat).To(BeTrue())
			inst = decoder.Decode(uint32(insts.OpBSR)<<26, 0)
			Expect(inst.IsFloat).To(BeFalse())
			Expect(inst.Unconditional).To(BeTrue())
		})
	})

	Describe("Jump format", func() {
		It("should select the jump kind from bits [15:14]", func() {
			// RET $31,($26)
			word := uint32(insts.OpJSR)<<26 | 31<<21 | 26<<16 | 2<<14
			inst := decoder.Decode(word, 0)

			Expect(inst.Format).To(Equal(insts.FormatJump))
			Expect(inst.Kind).To(Equal(insts.JumpRET))
			Expect(inst.Rb).To(Equal(uint8(26)))
			Expect(inst.Unconditional).To(BeTrue())
		})
	})

	Describe("Reserved opcodes", func() {
		It("should flag reserved opcodes Invalid but keep them decoded", func() {
			for _, op := range []uint8{0x01, 0x07, 0x19, 0x1B, 0x1F} {
				inst := decoder.Decode(uint32(op)<<26, 0x2000)
				Expect(inst.Format).To(Equal(insts.FormatInvalid),
					"opcode %#x", op)
				Expect(inst.Decoded).To(BeTrue())
				Expect(inst.PC).To(Equal(uint64(0x2000)))
			}
		})
	})

	Describe("DecodeInto", func() {
		It("should decode a fetch-created handle in place", func() {
			inst := &insts.Instruction{
				RawBits: insts.NopWord, PC: 0x10000, Valid: true,
			}
			decoder.DecodeInto(inst)

			Expect(inst.Decoded).To(BeTrue())
			Expect(inst.Format).To(Equal(insts.FormatOperate))
		})
	})
})
