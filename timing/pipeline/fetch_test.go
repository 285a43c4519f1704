package pipeline_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/axsim/emu"
	"github.com/sarchlab/axsim/insts"
	"github.com/sarchlab/axsim/timing/pipeline"
)

var _ = Describe("FetchStage", func() {
	var (
		memory *emu.Memory
		pool   *pipeline.InstPool
		bus    *pipeline.Bus
		fetch  *pipeline.FetchStage
	)

	config := pipeline.FetchConfig{
		StartPC:    0x10000,
		CacheLines: 8,
		LineSize:   64,
	}

	BeforeEach(func() {
		memory = emu.NewMemory()
		pool = pipeline.NewInstPool(16)
		bus = pipeline.NewBus(64)
		fetch = pipeline.NewFetchStage(config, memory, pool, bus)
	})

	Describe("instruction cache", func() {
		It("should miss cold and hit on the second fetch of a PC", func() {
			memory.Write32(0x10000, insts.NopWord)

			word, err := fetch.FetchInstruction(0x10000)
			Expect(err).ToNot(HaveOccurred())
			Expect(word).To(Equal(insts.NopWord))
			Expect(fetch.Stats().CacheMisses).To(Equal(uint64(1)))

			word, err = fetch.FetchInstruction(0x10000)
			Expect(err).ToNot(HaveOccurred())
			Expect(word).To(Equal(insts.NopWord))
			Expect(fetch.Stats().CacheHits).To(Equal(uint64(1)))
		})

		It("should hit within a filled line", func() {
			memory.Write32(0x10000, 0x11111111)
			memory.Write32(0x10004, 0x22222222)

			fetch.FetchInstruction(0x10000)
			word, err := fetch.FetchInstruction(0x10004)
			Expect(err).ToNot(HaveOccurred())
			Expect(word).To(Equal(uint32(0x22222222)))
			Expect(fetch.Stats().CacheHits).To(Equal(uint64(1)))
		})

		It("should overwrite a conflicting line", func() {
			// 8 lines of 64 bytes: 0x10000 and 0x10200 share index 0.
			memory.Write32(0x10000, 0xAAAAAAAA)
			memory.Write32(0x10200, 0xBBBBBBBB)

			fetch.FetchInstruction(0x10000)
			word, _ := fetch.FetchInstruction(0x10200)
			Expect(word).To(Equal(uint32(0xBBBBBBBB)))

			// The original line was evicted.
			fetch.FetchInstruction(0x10000)
			Expect(fetch.Stats().CacheMisses).To(Equal(uint64(3)))
		})

		It("should fail without a memory collaborator", func() {
			orphan := pipeline.NewFetchStage(config, nil, pool, bus)
			_, err := orphan.FetchInstruction(0x10000)
			Expect(err).To(MatchError(pipeline.ErrNoMemory))
		})
	})

	Describe("stream generation", func() {
		fillNops := func(from, to uint64) {
			for pc := from; pc < to; pc += 4 {
				memory.Write32(pc, insts.NopWord)
			}
		}

		It("should emit sequential instructions to the submit sink", func() {
			fillNops(0x10000, 0x10100)
			got := make(chan *insts.Instruction, 64)
			fetch.SetSubmit(func(inst *insts.Instruction) bool {
				select {
				case got <- inst:
					return true
				default:
					return false
				}
			})

			fetch.Start()
			defer fetch.Shutdown(time.Second)

			var first, second *insts.Instruction
			Eventually(got).Should(Receive(&first))
			Eventually(got).Should(Receive(&second))
			Expect(first.PC).To(Equal(uint64(0x10000)))
			Expect(first.Valid).To(BeTrue())
			Expect(second.PC).To(Equal(uint64(0x10004)))
		})

		It("should honor a redirect", func() {
			fillNops(0x10000, 0x10100)
			fillNops(0x20000, 0x20100)
			fetch.SetSubmit(func(*insts.Instruction) bool { return true })

			fetch.Start()
			defer fetch.Shutdown(time.Second)

			fetch.Redirect(0x20000)
			Eventually(func() uint64 {
				return fetch.NextPC()
			}).Should(BeNumerically(">=", uint64(0x20000)))
			Expect(fetch.Stats().Redirects).To(Equal(uint64(1)))
		})

		It("should consume a flush before a redirect", func() {
			fillNops(0x10000, 0x10100)
			fillNops(0x20000, 0x20100)
			fetch.SetSubmit(func(*insts.Instruction) bool { return true })

			fetch.Start()
			defer fetch.Shutdown(time.Second)

			fetch.RequestFlush()
			fetch.Redirect(0x20000)

			Eventually(func() uint64 {
				return fetch.Stats().Flushes
			}).Should(Equal(uint64(1)))
			Eventually(func() uint64 {
				return fetch.Stats().Redirects
			}).Should(Equal(uint64(1)))
		})

		It("should count stalls while decode pushes back", func() {
			fillNops(0x10000, 0x10100)
			fetch.SetSubmit(func(*insts.Instruction) bool { return false })

			fetch.Start()
			defer fetch.Shutdown(time.Second)

			Eventually(func() uint64 {
				return fetch.Stats().Stalls
			}).Should(BeNumerically(">", uint64(0)))
			// The PC does not advance past backpressure.
			Expect(fetch.NextPC()).To(Equal(uint64(0x10000)))
			Expect(fetch.Stats().Fetched).To(Equal(uint64(0)))
		})

		It("should prefetch the next line near a line boundary", func() {
			fillNops(0x10000, 0x10100)
			fetch.SetSubmit(func(*insts.Instruction) bool { return true })

			fetch.Start()
			defer fetch.Shutdown(time.Second)

			Eventually(func() uint64 {
				return fetch.Stats().Prefetches
			}).Should(BeNumerically(">", uint64(0)))
		})
	})
})
