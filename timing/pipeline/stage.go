// Package pipeline provides a concurrent 4-stage pipeline built from
// worker-backed stages connected by bounded queues.
package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/sarchlab/axsim/insts"
)

// DefaultStallTimeout bounds a worker's dequeue wait. Expiring with
// permits held but an empty queue signals a bottleneck downstream of the
// submitters.
const DefaultStallTimeout = 10 * time.Millisecond

// forwardRetryDelay paces a worker retrying a full downstream queue.
const forwardRetryDelay = 50 * time.Microsecond

// Outcome is what a stage's process function reports back to the worker
// loop. Cycles is charged to the stage and the instruction. Detached is
// set when the process function gave the instruction away (to the
// heavy-op pool, or back to the instruction pool as the terminal
// writeback stage does); the worker must not touch it afterward.
type Outcome struct {
	Cycles   uint64
	Forward  bool
	Detached bool
}

// ProcessFunc is one stage's per-instruction transform. Returning an
// error drops the instruction at the stage boundary.
type ProcessFunc func(*insts.Instruction) (Outcome, error)

// Stats is a snapshot of one stage's counters.
type Stats struct {
	Processed          uint64
	TotalCycles        uint64
	StallCycles        uint64
	QueueDepth         uint64
	BackpressureEvents uint64
	Dropped            uint64
}

// Stage runs one pipeline step: a bounded inbound queue, an admission
// gate, and a dedicated worker that processes instructions and forwards
// them downstream. Submit never blocks; it signals backpressure instead.
type Stage struct {
	name    string
	queue   chan *insts.Instruction
	gate    *Gate
	process ProcessFunc
	forward func(*insts.Instruction) bool
	drop    func(*insts.Instruction)
	bus     *Bus

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	flushCh chan struct{}
	onFlush func(dropped int)

	stallTimeout time.Duration

	processed    atomic.Uint64
	totalCycles  atomic.Uint64
	stallCycles  atomic.Uint64
	backpressure atomic.Uint64
	dropped      atomic.Uint64
}

// NewStage creates a stage with the given queue capacity and admission
// limit. The stage is inert until Start.
func NewStage(name string, queueSize, maxInFlight int, process ProcessFunc, bus *Bus) *Stage {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Stage{
		name:         name,
		queue:        make(chan *insts.Instruction, queueSize),
		gate:         NewGate(maxInFlight),
		process:      process,
		bus:          bus,
		flushCh:      make(chan struct{}, 1),
		stallTimeout: DefaultStallTimeout,
	}
}

// Name returns the stage name.
func (s *Stage) Name() string {
	return s.name
}

// SetForward wires the downstream submit function.
func (s *Stage) SetForward(forward func(*insts.Instruction) bool) {
	s.forward = forward
}

// SetDrop wires the discard sink, normally the instruction pool.
func (s *Stage) SetDrop(drop func(*insts.Instruction)) {
	s.drop = drop
}

// SetOnFlush wires the flush acknowledgement callback.
func (s *Stage) SetOnFlush(onFlush func(dropped int)) {
	s.onFlush = onFlush
}

// Submit offers an instruction to the stage. It fails fast, with a
// backpressure event, when the stage is not running, the admission gate
// has no free permit, or the queue is full. An accepted instruction
// holds its permit until processing finishes.
func (s *Stage) Submit(inst *insts.Instruction) bool {
	if !s.running.Load() {
		s.signalBackpressure(inst)
		return false
	}
	if !s.gate.TryAcquire() {
		s.signalBackpressure(inst)
		return false
	}
	select {
	case s.queue <- inst:
		return true
	default:
		s.gate.Release()
		s.signalBackpressure(inst)
		return false
	}
}

func (s *Stage) signalBackpressure(inst *insts.Instruction) {
	s.backpressure.Add(1)
	if s.bus != nil {
		var pc uint64
		if inst != nil {
			pc = inst.PC
		}
		s.bus.Publish(Event{Kind: EventBackpressure, Stage: s.name, PC: pc})
	}
}

// Start launches the worker. Starting a running stage is a no-op.
func (s *Stage) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	if s.bus != nil {
		s.bus.Publish(Event{Kind: EventStageStarted, Stage: s.name})
	}
	go s.worker()
}

// Shutdown stops the worker cooperatively, waiting up to timeout before
// giving up on it. The queue is drained into the drop sink either way.
func (s *Stage) Shutdown(timeout time.Duration) bool {
	if !s.running.CompareAndSwap(true, false) {
		return true
	}
	close(s.stopCh)

	clean := true
	select {
	case <-s.doneCh:
	case <-time.After(timeout):
		clean = false
	}

	s.drainQueue()
	if s.bus != nil {
		s.bus.Publish(Event{Kind: EventStageStopped, Stage: s.name})
	}
	return clean
}

// Running reports whether the worker is live.
func (s *Stage) Running() bool {
	return s.running.Load()
}

// RequestFlush asks the worker to discard its queued instructions at the
// next iteration boundary. The in-progress instruction, if any, is not
// interrupted.
func (s *Stage) RequestFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// AdjustMaxInFlight live-resizes the admission gate and returns the
// limit actually set.
func (s *Stage) AdjustMaxInFlight(limit int) int {
	return s.gate.Resize(limit)
}

// MaxInFlight returns the current admission limit.
func (s *Stage) MaxInFlight() int {
	return s.gate.Limit()
}

// InFlight returns the number of admitted, unfinished instructions.
func (s *Stage) InFlight() int {
	return s.gate.InFlight()
}

// Utilization returns the inbound queue occupancy in [0, 1].
func (s *Stage) Utilization() float64 {
	return float64(len(s.queue)) / float64(cap(s.queue))
}

// Stats snapshots the stage counters.
func (s *Stage) Stats() Stats {
	return Stats{
		Processed:          s.processed.Load(),
		TotalCycles:        s.totalCycles.Load(),
		StallCycles:        s.stallCycles.Load(),
		QueueDepth:         uint64(len(s.queue)),
		BackpressureEvents: s.backpressure.Load(),
		Dropped:            s.dropped.Load(),
	}
}

// ResetStats clears the stage counters.
func (s *Stage) ResetStats() {
	s.processed.Store(0)
	s.totalCycles.Store(0)
	s.stallCycles.Store(0)
	s.backpressure.Store(0)
	s.dropped.Store(0)
}

func (s *Stage) worker() {
	defer close(s.doneCh)

	timer := time.NewTimer(s.stallTimeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.stallTimeout)

		select {
		case <-s.stopCh:
			return

		case <-s.flushCh:
			dropped := s.drainQueue()
			if s.bus != nil {
				s.bus.Publish(Event{Kind: EventFlushCompleted, Stage: s.name})
			}
			if s.onFlush != nil {
				s.onFlush(dropped)
			}

		case inst := <-s.queue:
			s.handle(inst)

		case <-timer.C:
			if s.gate.InFlight() > 0 && len(s.queue) == 0 {
				s.stallCycles.Add(1)
				if s.bus != nil {
					s.bus.Publish(Event{
						Kind:  EventBottleneckDetected,
						Stage: s.name,
					})
				}
			}
		}
	}
}

// handle processes one instruction. Process errors stay inside the stage
// boundary: the instruction is dropped and the failure shows up as a
// stall, never as a dead worker.
func (s *Stage) handle(inst *insts.Instruction) {
	defer s.gate.Release()

	outcome, err := s.process(inst)
	if err != nil {
		s.stallCycles.Add(1)
		s.dropped.Add(1)
		if s.bus != nil {
			s.bus.Publish(Event{
				Kind:   EventStageStalled,
				Stage:  s.name,
				PC:     inst.PC,
				Detail: err.Error(),
			})
		}
		s.discard(inst)
		return
	}

	s.processed.Add(1)
	s.totalCycles.Add(outcome.Cycles)
	if outcome.Detached {
		return
	}
	inst.CycleCount += outcome.Cycles

	if outcome.Forward {
		s.forwardDownstream(inst)
	}
}

// forwardDownstream retries a full downstream queue until it accepts the
// instruction, the stage stops, or a flush arrives.
func (s *Stage) forwardDownstream(inst *insts.Instruction) {
	if s.forward == nil {
		s.discard(inst)
		return
	}
	for !s.forward(inst) {
		select {
		case <-s.stopCh:
			s.discard(inst)
			return
		default:
		}
		time.Sleep(forwardRetryDelay)
	}
}

func (s *Stage) drainQueue() int {
	dropped := 0
	for {
		select {
		case inst := <-s.queue:
			s.gate.Release()
			s.dropped.Add(1)
			s.discard(inst)
			dropped++
		default:
			return dropped
		}
	}
}

func (s *Stage) discard(inst *insts.Instruction) {
	if s.drop != nil {
		s.drop(inst)
	}
}
