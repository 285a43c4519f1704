package emu_test

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/axsim/emu"
)

var _ = Describe("Memory", func() {
	var memory *emu.Memory

	BeforeEach(func() {
		memory = emu.NewMemory()
	})

	It("should read zero from untouched addresses", func() {
		Expect(memory.Read64(0x10000)).To(Equal(uint64(0)))
		Expect(memory.FootprintPages()).To(Equal(0))
	})

	It("should round-trip values across page boundaries", func() {
		memory.Write64(0xFFC, 0x1122334455667788)
		Expect(memory.Read64(0xFFC)).To(Equal(uint64(0x1122334455667788)))
		Expect(memory.Read32(0x1000)).To(Equal(uint32(0x11223344)))
		Expect(memory.FootprintPages()).To(Equal(2))
	})

	It("should serve concurrent readers and writers", func() {
		// Instruction fetch and data stores run on different stage
		// workers against the same Memory, so page-table growth must
		// be safe under concurrent access.
		const pages = 64
		const rounds = 200

		var wg sync.WaitGroup
		wg.Add(3)

		go func() {
			defer GinkgoRecover()
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				for p := uint64(0); p < pages; p++ {
					memory.Write64(p*4096+uint64(r%512)*8, uint64(r))
				}
			}
		}()

		go func() {
			defer GinkgoRecover()
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				for p := uint64(0); p < pages; p++ {
					memory.ReadWord(p*4096 + uint64(r%1024)*4)
				}
			}
		}()

		go func() {
			defer GinkgoRecover()
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				memory.Read(uint64(r%pages)*4096, 8)
				memory.FootprintPages()
			}
		}()

		wg.Wait()
		Expect(memory.FootprintPages()).To(Equal(pages))
	})
})
