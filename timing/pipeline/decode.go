package pipeline

import (
	"sync/atomic"

	"github.com/sarchlab/axsim/insts"
)

// DecodeStage is a stateless per-instruction transform: it fills in the
// format, operand, and classification fields on the shared instruction
// handle. Reserved opcodes decode to the Invalid format but are still
// forwarded so writeback decides their disposition like any other
// exception.
type DecodeStage struct {
	stage   *Stage
	decoder *insts.Decoder

	decoded atomic.Uint64
	invalid atomic.Uint64
}

// NewDecodeStage creates the decode stage.
func NewDecodeStage(queueSize, maxInFlight int, bus *Bus) *DecodeStage {
	d := &DecodeStage{
		decoder: insts.NewDecoder(),
	}
	d.stage = NewStage("decode", queueSize, maxInFlight, d.process, bus)
	return d
}

// Stage returns the underlying worker stage.
func (d *DecodeStage) Stage() *Stage {
	return d.stage
}

func (d *DecodeStage) process(inst *insts.Instruction) (Outcome, error) {
	d.decoder.DecodeInto(inst)
	d.decoded.Add(1)
	if inst.Format == insts.FormatInvalid {
		d.invalid.Add(1)
	}
	return Outcome{Cycles: 1, Forward: true}, nil
}

// Decoded returns the number of instructions decoded.
func (d *DecodeStage) Decoded() uint64 {
	return d.decoded.Load()
}

// Invalid returns the number of reserved-opcode instructions seen.
func (d *DecodeStage) Invalid() uint64 {
	return d.invalid.Load()
}
