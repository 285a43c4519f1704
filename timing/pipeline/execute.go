package pipeline

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarchlab/axsim/emu"
	"github.com/sarchlab/axsim/insts"
	"github.com/sarchlab/axsim/timing/latency"
)

// ExecutionMode is the per-PC tier of the hybrid execute stage.
type ExecutionMode int

const (
	// ModeInterpret runs the instruction through the execution units.
	ModeInterpret ExecutionMode = iota
	// ModeProfile interprets and forwards the trace to the JIT.
	ModeProfile
	// ModeCompiled runs a compiled block when the JIT has one.
	ModeCompiled
)

func (m ExecutionMode) String() string {
	switch m {
	case ModeInterpret:
		return "Interpret"
	case ModeProfile:
		return "Profile"
	case ModeCompiled:
		return "Compiled"
	}
	return "Unknown"
}

// ExecuteConfig tunes the hybrid execute stage.
type ExecuteConfig struct {
	// ProfilingThreshold is the visit count at which a PC enters the
	// Profile tier.
	ProfilingThreshold uint64
	// CompilationThreshold is the visit count at which a PC requests
	// compilation and, once a block exists, runs Compiled.
	CompilationThreshold uint64
	// HeavyWorkers sizes the background pool for heavy operations.
	// Zero picks a quarter of the available CPUs.
	HeavyWorkers int
	// HeavyQueueDepth bounds the heavy pool's task queue.
	HeavyQueueDepth int
}

// DefaultExecuteConfig returns the default tiering and pool sizing.
func DefaultExecuteConfig() ExecuteConfig {
	return ExecuteConfig{
		ProfilingThreshold:   10,
		CompilationThreshold: 50,
		HeavyQueueDepth:      64,
	}
}

// ExecuteStats holds the execute-stage counters.
type ExecuteStats struct {
	Executed        uint64
	HeavyDispatched uint64
	PendingHeavy    int64
	JITMisses       uint64
	ModeChanges     uint64
	CompileRequests uint64
	CompiledRuns    uint64
	Faults          uint64
}

// pcProfile is the per-PC tiering record.
type pcProfile struct {
	count            uint64
	mode             ExecutionMode
	compileRequested bool
}

// ExecuteStage runs instructions. Trivial and Moderate work executes
// inline on the stage worker; Heavy work is handed to a bounded
// background pool and forwarded downstream only after it completes, so
// writeback never sees a half-executed heavy instruction. A per-PC visit
// counter drives the Interpret/Profile/Compiled tiering against the JIT
// collaborator.
type ExecuteStage struct {
	stage *Stage
	bus   *Bus

	units      *emu.Units
	heavyUnits *emu.Units
	regs       *emu.RegFile
	mem        emu.MemorySystem
	table      *latency.Table
	jit        emu.JITCompiler

	config ExecuteConfig

	profMu   sync.Mutex
	profiles map[uint64]*pcProfile

	heavy *heavyPool

	executed        atomic.Uint64
	heavyDispatched atomic.Uint64
	pendingHeavy    atomic.Int64
	jitMisses       atomic.Uint64
	modeChanges     atomic.Uint64
	compileRequests atomic.Uint64
	compiledRuns    atomic.Uint64
	faults          atomic.Uint64
}

// NewExecuteStage creates the execute stage. The JIT collaborator may be
// nil, which pins every PC to the interpreted tiers.
func NewExecuteStage(
	config ExecuteConfig,
	queueSize, maxInFlight int,
	regs *emu.RegFile,
	mem emu.MemorySystem,
	table *latency.Table,
	jit emu.JITCompiler,
	bus *Bus,
) *ExecuteStage {
	if config.ProfilingThreshold == 0 {
		config.ProfilingThreshold = DefaultExecuteConfig().ProfilingThreshold
	}
	if config.CompilationThreshold <= config.ProfilingThreshold {
		config.CompilationThreshold = config.ProfilingThreshold * 5
	}
	if config.HeavyWorkers <= 0 {
		config.HeavyWorkers = runtime.NumCPU() / 4
		if config.HeavyWorkers < 1 {
			config.HeavyWorkers = 1
		}
	}
	if config.HeavyQueueDepth < 1 {
		config.HeavyQueueDepth = DefaultExecuteConfig().HeavyQueueDepth
	}

	e := &ExecuteStage{
		bus:        bus,
		units:      emu.NewUnits(regs, mem),
		heavyUnits: emu.NewUnits(regs, mem),
		regs:       regs,
		mem:        mem,
		table:      table,
		jit:        jit,
		config:     config,
		profiles:   make(map[uint64]*pcProfile),
		heavy:      newHeavyPool(config.HeavyWorkers, config.HeavyQueueDepth),
	}
	e.stage = NewStage("execute", queueSize, maxInFlight, e.process, bus)
	return e
}

// Stage returns the underlying worker stage.
func (e *ExecuteStage) Stage() *Stage {
	return e.stage
}

// Shutdown stops the worker and waits for in-flight heavy work.
func (e *ExecuteStage) Shutdown(timeout time.Duration) bool {
	clean := e.stage.Shutdown(timeout)
	e.heavy.shutdown()
	return clean
}

func (e *ExecuteStage) process(inst *insts.Instruction) (Outcome, error) {
	if !inst.Decoded {
		return Outcome{}, fmt.Errorf("execute: undecoded instruction at %#x", inst.PC)
	}

	mode := e.advanceTier(inst.PC)

	if mode == ModeCompiled {
		if e.jit.TryExecuteCompiled(inst.PC, e.regs, e.mem) {
			inst.Executed = true
			inst.ExecutionCount++
			e.executed.Add(1)
			e.compiledRuns.Add(1)
			return Outcome{Cycles: e.table.Latency(inst), Forward: true}, nil
		}
		// Fall back to the interpreter in the same call; the
		// instruction is never dropped on a JIT miss.
		e.jitMisses.Add(1)
	}

	if mode == ModeProfile && e.jit != nil {
		e.jit.RecordExecution(inst.PC, inst.RawBits)
	}

	if inst.Class == insts.ClassHeavy {
		if e.dispatchHeavy(inst) {
			return Outcome{Cycles: 1, Detached: true}, nil
		}
		// Pool saturated: run it inline rather than dropping it.
	}

	if err := e.interpret(e.units, inst); err != nil {
		return Outcome{}, err
	}
	return Outcome{Cycles: e.table.Latency(inst), Forward: true}, nil
}

// dispatchHeavy hands the instruction to the background pool. The stage
// loop does not wait: the pool worker executes, then forwards downstream
// itself.
func (e *ExecuteStage) dispatchHeavy(inst *insts.Instruction) bool {
	e.pendingHeavy.Add(1)
	ok := e.heavy.submit(func() {
		defer e.pendingHeavy.Add(-1)
		if err := e.interpret(e.heavyUnits, inst); err != nil {
			e.stage.stallCycles.Add(1)
			e.stage.dropped.Add(1)
			e.stage.discard(inst)
			return
		}
		e.stage.totalCycles.Add(e.table.MaxLatency(inst))
		inst.CycleCount += e.table.MaxLatency(inst)
		e.stage.forwardDownstream(inst)
	})
	if !ok {
		e.pendingHeavy.Add(-1)
		return false
	}
	e.heavyDispatched.Add(1)
	return true
}

// interpret runs one instruction through the execution units. A fault
// leaves the instruction unexecuted.
func (e *ExecuteStage) interpret(units *emu.Units, inst *insts.Instruction) error {
	if err := units.Execute(inst); err != nil {
		e.faults.Add(1)
		if e.bus != nil {
			e.bus.Publish(Event{
				Kind:   EventExceptionRaised,
				Stage:  "execute",
				PC:     inst.PC,
				Detail: err.Error(),
			})
		}
		return err
	}
	inst.Executed = true
	inst.ExecutionCount++
	e.executed.Add(1)
	return nil
}

// advanceTier bumps the visit counter for pc and returns the resulting
// execution mode, publishing a mode-change event on transitions.
func (e *ExecuteStage) advanceTier(pc uint64) ExecutionMode {
	if e.jit == nil {
		return ModeInterpret
	}

	e.profMu.Lock()
	profile := e.profiles[pc]
	if profile == nil {
		profile = &pcProfile{}
		e.profiles[pc] = profile
	}
	profile.count++

	mode := ModeInterpret
	switch {
	case profile.count < e.config.ProfilingThreshold:
		mode = ModeInterpret
	case profile.count < e.config.CompilationThreshold:
		mode = ModeProfile
	default:
		if e.jit.HasCompiledBlock(pc) {
			mode = ModeCompiled
		} else {
			if !profile.compileRequested {
				profile.compileRequested = true
				e.compileRequests.Add(1)
			}
			mode = ModeProfile
		}
	}

	changed := profile.mode != mode
	profile.mode = mode
	e.profMu.Unlock()

	if changed {
		e.modeChanges.Add(1)
		if e.bus != nil {
			e.bus.Publish(Event{
				Kind:   EventModeChange,
				Stage:  "execute",
				PC:     pc,
				Detail: mode.String(),
			})
		}
	}
	return mode
}

// ModeFor returns the recorded execution mode for pc without advancing
// its visit counter.
func (e *ExecuteStage) ModeFor(pc uint64) ExecutionMode {
	e.profMu.Lock()
	defer e.profMu.Unlock()

	if profile := e.profiles[pc]; profile != nil {
		return profile.mode
	}
	return ModeInterpret
}

// VisitCount returns the recorded visit count for pc.
func (e *ExecuteStage) VisitCount(pc uint64) uint64 {
	e.profMu.Lock()
	defer e.profMu.Unlock()

	if profile := e.profiles[pc]; profile != nil {
		return profile.count
	}
	return 0
}

// ExecStats snapshots the execute-stage counters.
func (e *ExecuteStage) ExecStats() ExecuteStats {
	return ExecuteStats{
		Executed:        e.executed.Load(),
		HeavyDispatched: e.heavyDispatched.Load(),
		PendingHeavy:    e.pendingHeavy.Load(),
		JITMisses:       e.jitMisses.Load(),
		ModeChanges:     e.modeChanges.Load(),
		CompileRequests: e.compileRequests.Load(),
		CompiledRuns:    e.compiledRuns.Load(),
		Faults:          e.faults.Load(),
	}
}

// heavyPool is the bounded background pool for heavy operations.
type heavyPool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

func newHeavyPool(workers, depth int) *heavyPool {
	p := &heavyPool{
		tasks: make(chan func(), depth),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// submit offers a task without blocking. It reports false when the queue
// is full.
func (p *heavyPool) submit(task func()) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// shutdown closes the queue and waits for the workers to drain it.
func (p *heavyPool) shutdown() {
	p.once.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}
