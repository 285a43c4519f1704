package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarchlab/axsim/emu"
	"github.com/sarchlab/axsim/insts"
)

// ExceptionRecord is one entry in the bounded recent-exception log.
type ExceptionRecord struct {
	PC   uint64
	Kind insts.ExcKind
	Time time.Time
}

// BranchOutcome is the resolution of one branching instruction.
type BranchOutcome struct {
	PC     uint64
	Target uint64
	Taken  bool
}

// WritebackConfig bounds the recent-exception log.
type WritebackConfig struct {
	ExceptionLogSize int
	ExceptionMaxAge  time.Duration
}

// DefaultWritebackConfig keeps the last 32 exceptions for a minute.
func DefaultWritebackConfig() WritebackConfig {
	return WritebackConfig{
		ExceptionLogSize: 32,
		ExceptionMaxAge:  time.Minute,
	}
}

// WritebackStats holds the commit-side counters.
type WritebackStats struct {
	Committed          uint64
	CommitFailures     uint64
	BranchesTaken      uint64
	BranchesNotTaken   uint64
	ArithmeticFaults   uint64
	MemoryFaults       uint64
	PrivilegeFaults    uint64
	UnclassifiedFaults uint64
}

// WritebackStage commits instructions: it refuses anything that is not
// valid, decoded, and executed; sign-extends sub-quadword integer loads
// (float loads keep their raw bit pattern); writes
// the destination register; resolves branches through the controller
// callback; and dispatches architectural exceptions by vector category.
// Committed and faulted instructions alike return to the pool here.
type WritebackStage struct {
	stage *Stage
	regs  *emu.RegFile
	pool  *InstPool
	bus   *Bus

	config WritebackConfig

	onBranch    func(BranchOutcome)
	onException func(ExceptionRecord)

	excMu  sync.Mutex
	excLog []ExceptionRecord

	committed        atomic.Uint64
	commitFailures   atomic.Uint64
	branchesTaken    atomic.Uint64
	branchesNotTaken atomic.Uint64
	arithmeticFaults atomic.Uint64
	memoryFaults     atomic.Uint64
	privilegeFaults  atomic.Uint64
	otherFaults      atomic.Uint64
}

// NewWritebackStage creates the commit stage.
func NewWritebackStage(
	config WritebackConfig,
	queueSize, maxInFlight int,
	regs *emu.RegFile,
	pool *InstPool,
	bus *Bus,
) *WritebackStage {
	if config.ExceptionLogSize < 1 {
		config.ExceptionLogSize = DefaultWritebackConfig().ExceptionLogSize
	}
	if config.ExceptionMaxAge <= 0 {
		config.ExceptionMaxAge = DefaultWritebackConfig().ExceptionMaxAge
	}

	w := &WritebackStage{
		regs:   regs,
		pool:   pool,
		bus:    bus,
		config: config,
	}
	w.stage = NewStage("writeback", queueSize, maxInFlight, w.process, bus)
	w.stage.SetDrop(pool.Put)
	return w
}

// Stage returns the underlying worker stage.
func (w *WritebackStage) Stage() *Stage {
	return w.stage
}

// SetOnBranch wires the branch-resolution callback.
func (w *WritebackStage) SetOnBranch(onBranch func(BranchOutcome)) {
	w.onBranch = onBranch
}

// SetOnException wires the controller's exception callback.
func (w *WritebackStage) SetOnException(onException func(ExceptionRecord)) {
	w.onException = onException
}

func (w *WritebackStage) process(inst *insts.Instruction) (Outcome, error) {
	if !inst.Valid || !inst.Decoded || !inst.Executed {
		// Commit refusal is telemetry, not a fault: count it, drop the
		// instruction, keep the pipeline moving.
		w.commitFailures.Add(1)
		w.stage.stallCycles.Add(1)
		w.pool.Put(inst)
		return Outcome{Cycles: 1, Detached: true}, nil
	}

	if inst.HasException {
		w.handleException(inst)
		w.pool.Put(inst)
		return Outcome{Cycles: 1, Detached: true}, nil
	}

	if inst.WritesReg {
		value := inst.Result
		if inst.IsLoad && !inst.DestIsFloat {
			value = signExtendLoad(value, inst.AccessSize)
		}
		if inst.DestIsFloat {
			w.regs.WriteFloat(inst.DestReg, value)
		} else {
			w.regs.WriteInt(inst.DestReg, value)
		}
	}

	if inst.IsBranching() {
		w.resolveBranch(inst)
	}

	w.committed.Add(1)
	if w.bus != nil {
		w.bus.Publish(Event{
			Kind:  EventInstructionCommitted,
			Stage: "writeback",
			PC:    inst.PC,
		})
	}
	w.pool.Put(inst)
	return Outcome{Cycles: 1, Detached: true}, nil
}

func (w *WritebackStage) resolveBranch(inst *insts.Instruction) {
	outcome := BranchOutcome{
		PC:     inst.PC,
		Target: inst.PC + 4,
		Taken:  inst.Taken,
	}
	if inst.Taken {
		outcome.Target = inst.BranchTarget
		w.branchesTaken.Add(1)
	} else {
		w.branchesNotTaken.Add(1)
	}

	if w.bus != nil {
		w.bus.Publish(Event{
			Kind:  EventBranchResolved,
			Stage: "writeback",
			PC:    inst.PC,
		})
	}
	if w.onBranch != nil {
		w.onBranch(outcome)
	}
}

// handleException dispatches by coarse vector category and appends to
// the bounded, age-pruned exception log.
func (w *WritebackStage) handleException(inst *insts.Instruction) {
	switch inst.Exc {
	case insts.ExcArithmetic:
		w.arithmeticFaults.Add(1)
	case insts.ExcMemory:
		w.memoryFaults.Add(1)
	case insts.ExcPrivilege:
		w.privilegeFaults.Add(1)
	default:
		w.otherFaults.Add(1)
	}

	record := ExceptionRecord{
		PC:   inst.PC,
		Kind: inst.Exc,
		Time: time.Now(),
	}
	w.appendException(record)

	if w.bus != nil {
		w.bus.Publish(Event{
			Kind:   EventExceptionRaised,
			Stage:  "writeback",
			PC:     inst.PC,
			Detail: inst.Exc.String(),
		})
	}
	if w.onException != nil {
		w.onException(record)
	}
}

func (w *WritebackStage) appendException(record ExceptionRecord) {
	w.excMu.Lock()
	defer w.excMu.Unlock()

	cutoff := record.Time.Add(-w.config.ExceptionMaxAge)
	kept := w.excLog[:0]
	for _, old := range w.excLog {
		if old.Time.After(cutoff) {
			kept = append(kept, old)
		}
	}
	w.excLog = append(kept, record)

	if len(w.excLog) > w.config.ExceptionLogSize {
		w.excLog = w.excLog[len(w.excLog)-w.config.ExceptionLogSize:]
	}
}

// RecentExceptions returns a copy of the exception log.
func (w *WritebackStage) RecentExceptions() []ExceptionRecord {
	w.excMu.Lock()
	defer w.excMu.Unlock()

	out := make([]ExceptionRecord, len(w.excLog))
	copy(out, w.excLog)
	return out
}

// WbStats snapshots the commit-side counters.
func (w *WritebackStage) WbStats() WritebackStats {
	return WritebackStats{
		Committed:          w.committed.Load(),
		CommitFailures:     w.commitFailures.Load(),
		BranchesTaken:      w.branchesTaken.Load(),
		BranchesNotTaken:   w.branchesNotTaken.Load(),
		ArithmeticFaults:   w.arithmeticFaults.Load(),
		MemoryFaults:       w.memoryFaults.Load(),
		PrivilegeFaults:    w.privilegeFaults.Load(),
		UnclassifiedFaults: w.otherFaults.Load(),
	}
}

// signExtendLoad widens a sub-quadword load result. Quadword loads pass
// through verbatim.
func signExtendLoad(value uint64, size uint8) uint64 {
	switch size {
	case 1:
		return uint64(int64(int8(value)))
	case 2:
		return uint64(int64(int16(value)))
	case 4:
		return uint64(int64(int32(value)))
	default:
		return value
	}
}
