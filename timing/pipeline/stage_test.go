package pipeline_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/axsim/insts"
	"github.com/sarchlab/axsim/timing/pipeline"
)

var _ = Describe("Gate", func() {
	It("should bound admissions at the limit", func() {
		gate := pipeline.NewGate(2)
		Expect(gate.TryAcquire()).To(BeTrue())
		Expect(gate.TryAcquire()).To(BeTrue())
		Expect(gate.TryAcquire()).To(BeFalse())

		gate.Release()
		Expect(gate.TryAcquire()).To(BeTrue())
	})

	It("should grow immediately on resize", func() {
		gate := pipeline.NewGate(1)
		Expect(gate.TryAcquire()).To(BeTrue())
		Expect(gate.TryAcquire()).To(BeFalse())

		gate.Resize(2)
		Expect(gate.TryAcquire()).To(BeTrue())
	})

	It("should let held permits drain past a shrink", func() {
		gate := pipeline.NewGate(4)
		for i := 0; i < 4; i++ {
			Expect(gate.TryAcquire()).To(BeTrue())
		}

		gate.Resize(1)
		Expect(gate.InFlight()).To(Equal(4))
		Expect(gate.TryAcquire()).To(BeFalse())

		for i := 0; i < 4; i++ {
			gate.Release()
		}
		Expect(gate.TryAcquire()).To(BeTrue())
		Expect(gate.TryAcquire()).To(BeFalse())
	})

	It("should floor the limit at one", func() {
		gate := pipeline.NewGate(0)
		Expect(gate.Limit()).To(Equal(1))
		Expect(gate.Resize(-5)).To(Equal(1))
	})
})

var _ = Describe("InstPool", func() {
	It("should recycle released slots", func() {
		pool := pipeline.NewInstPool(2)
		a := pool.Get()
		Expect(pool.InUse()).To(Equal(1))

		pool.Put(a)
		Expect(pool.InUse()).To(Equal(0))
	})

	It("should ignore a stale double release", func() {
		pool := pipeline.NewInstPool(2)
		a := pool.Get()
		pool.Put(a)
		pool.Put(a)

		b := pool.Get()
		c := pool.Get()
		Expect(b).ToNot(BeIdenticalTo(c))
		Expect(pool.InUse()).To(Equal(2))
	})

	It("should grow past its initial capacity", func() {
		pool := pipeline.NewInstPool(1)
		a := pool.Get()
		b := pool.Get()
		Expect(a).ToNot(BeIdenticalTo(b))
		Expect(pool.Capacity()).To(Equal(2))
	})

	It("should stay consistent while growing under concurrent release", func() {
		// Get grows the slot arena while another goroutine returns
		// instructions, the same shape as the writeback stage releasing
		// slots while fetch allocates.
		pool := pipeline.NewInstPool(2)
		handoff := make(chan *insts.Instruction, 64)
		done := make(chan struct{})

		go func() {
			defer GinkgoRecover()
			defer close(done)
			for inst := range handoff {
				pool.Put(inst)
			}
		}()

		for i := 0; i < 500; i++ {
			handoff <- pool.Get()
		}
		close(handoff)
		<-done

		Expect(pool.InUse()).To(Equal(0))
		for i := 0; i < pool.Capacity(); i++ {
			pool.Get()
		}
		Expect(pool.InUse()).To(Equal(pool.Capacity()))
	})

	It("should reset instructions on reuse", func() {
		pool := pipeline.NewInstPool(1)
		a := pool.Get()
		a.Executed = true
		a.Result = 99
		pool.Put(a)

		b := pool.Get()
		Expect(b.Executed).To(BeFalse())
		Expect(b.Result).To(Equal(uint64(0)))
	})
})

var _ = Describe("Stage", func() {
	var bus *pipeline.Bus

	BeforeEach(func() {
		bus = pipeline.NewBus(64)
	})

	newInst := func(pc uint64) *insts.Instruction {
		return &insts.Instruction{PC: pc, Slot: -1}
	}

	It("should reject submits while stopped", func() {
		stage := pipeline.NewStage("test", 4, 4,
			func(*insts.Instruction) (pipeline.Outcome, error) {
				return pipeline.Outcome{Cycles: 1}, nil
			}, bus)

		Expect(stage.Submit(newInst(0))).To(BeFalse())
		Expect(stage.Stats().BackpressureEvents).To(Equal(uint64(1)))
	})

	It("should process and forward instructions in order", func() {
		forwarded := make(chan *insts.Instruction, 8)
		stage := pipeline.NewStage("test", 4, 4,
			func(*insts.Instruction) (pipeline.Outcome, error) {
				return pipeline.Outcome{Cycles: 2, Forward: true}, nil
			}, bus)
		stage.SetForward(func(inst *insts.Instruction) bool {
			forwarded <- inst
			return true
		})
		stage.Start()
		defer stage.Shutdown(time.Second)

		first := newInst(0x1000)
		second := newInst(0x1004)
		Expect(stage.Submit(first)).To(BeTrue())
		Expect(stage.Submit(second)).To(BeTrue())

		Eventually(forwarded).Should(Receive(BeIdenticalTo(first)))
		Eventually(forwarded).Should(Receive(BeIdenticalTo(second)))
		Expect(stage.Stats().Processed).To(Equal(uint64(2)))
		Expect(stage.Stats().TotalCycles).To(Equal(uint64(4)))
	})

	It("should admit at most maxInFlight with one rejection at N+1", func() {
		const n = 4
		release := make(chan struct{})
		stage := pipeline.NewStage("test", n, n,
			func(*insts.Instruction) (pipeline.Outcome, error) {
				<-release
				return pipeline.Outcome{Cycles: 1}, nil
			}, bus)
		stage.Start()
		defer func() {
			close(release)
			stage.Shutdown(time.Second)
		}()

		accepted := 0
		rejected := 0
		for i := 0; i < n+1; i++ {
			if stage.Submit(newInst(uint64(i * 4))) {
				accepted++
			} else {
				rejected++
			}
		}

		Expect(accepted).To(Equal(n))
		Expect(rejected).To(Equal(1))
		Expect(stage.InFlight()).To(BeNumerically("<=", n))
		Expect(stage.Stats().BackpressureEvents).To(Equal(uint64(1)))
	})

	It("should emit a backpressure event on rejection", func() {
		stage := pipeline.NewStage("test", 1, 1,
			func(*insts.Instruction) (pipeline.Outcome, error) {
				return pipeline.Outcome{Cycles: 1}, nil
			}, bus)

		stage.Submit(newInst(0x40))

		events := bus.Drain()
		Expect(events).To(HaveLen(1))
		Expect(events[0].Kind).To(Equal(pipeline.EventBackpressure))
		Expect(events[0].Stage).To(Equal("test"))
	})

	It("should isolate process errors as stalls and drop the instruction", func() {
		dropped := make(chan *insts.Instruction, 1)
		stage := pipeline.NewStage("test", 4, 4,
			func(*insts.Instruction) (pipeline.Outcome, error) {
				return pipeline.Outcome{}, errors.New("bad instruction")
			}, bus)
		stage.SetDrop(func(inst *insts.Instruction) { dropped <- inst })
		stage.Start()
		defer stage.Shutdown(time.Second)

		inst := newInst(0x2000)
		Expect(stage.Submit(inst)).To(BeTrue())

		Eventually(dropped).Should(Receive(BeIdenticalTo(inst)))
		Eventually(func() uint64 {
			return stage.Stats().StallCycles
		}).Should(BeNumerically(">=", uint64(1)))
		// The worker survives and keeps processing.
		Expect(stage.Running()).To(BeTrue())
	})

	It("should drain its queue on flush and acknowledge", func() {
		release := make(chan struct{})
		var closeOnce bool
		acks := make(chan int, 1)
		dropped := make(chan *insts.Instruction, 8)

		stage := pipeline.NewStage("test", 8, 8,
			func(*insts.Instruction) (pipeline.Outcome, error) {
				<-release
				return pipeline.Outcome{Cycles: 1}, nil
			}, bus)
		stage.SetDrop(func(inst *insts.Instruction) { dropped <- inst })
		stage.SetOnFlush(func(n int) { acks <- n })
		stage.Start()
		defer func() {
			if !closeOnce {
				close(release)
			}
			stage.Shutdown(time.Second)
		}()

		// One instruction blocks in process, three wait in the queue.
		for i := 0; i < 4; i++ {
			Expect(stage.Submit(newInst(uint64(i * 4)))).To(BeTrue())
		}
		stage.RequestFlush()
		close(release)
		closeOnce = true

		var flushed int
		Eventually(acks).Should(Receive(&flushed))
		Expect(flushed).To(Equal(3))
		Eventually(dropped).Should(HaveLen(3))
	})

	It("should shut down cleanly within the timeout", func() {
		stage := pipeline.NewStage("test", 4, 4,
			func(*insts.Instruction) (pipeline.Outcome, error) {
				return pipeline.Outcome{Cycles: 1}, nil
			}, bus)
		stage.Start()

		Expect(stage.Shutdown(time.Second)).To(BeTrue())
		Expect(stage.Running()).To(BeFalse())
		Expect(stage.Submit(newInst(0))).To(BeFalse())
	})

	It("should live-resize the admission limit", func() {
		stage := pipeline.NewStage("test", 8, 2,
			func(*insts.Instruction) (pipeline.Outcome, error) {
				return pipeline.Outcome{Cycles: 1}, nil
			}, bus)

		Expect(stage.AdjustMaxInFlight(8)).To(Equal(8))
		Expect(stage.MaxInFlight()).To(Equal(8))
		Expect(stage.AdjustMaxInFlight(0)).To(Equal(1))
	})
})

var _ = Describe("Bus", func() {
	It("should drop events instead of blocking when full", func() {
		bus := pipeline.NewBus(1)
		Expect(bus.Publish(pipeline.Event{Kind: pipeline.EventStageStarted})).To(BeTrue())
		Expect(bus.Publish(pipeline.Event{Kind: pipeline.EventStageStopped})).To(BeFalse())
		Expect(bus.Dropped()).To(Equal(uint64(1)))
	})

	It("should drain queued events in order", func() {
		bus := pipeline.NewBus(4)
		bus.Publish(pipeline.Event{Kind: pipeline.EventStageStarted, Stage: "a"})
		bus.Publish(pipeline.Event{Kind: pipeline.EventStageStopped, Stage: "a"})

		events := bus.Drain()
		Expect(events).To(HaveLen(2))
		Expect(events[0].Kind).To(Equal(pipeline.EventStageStarted))
		Expect(events[1].Kind).To(Equal(pipeline.EventStageStopped))
	})
})
