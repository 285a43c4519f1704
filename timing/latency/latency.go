// Package latency provides instruction timing lookups keyed by the
// decoder's cost classification.
package latency

import (
	"github.com/sarchlab/axsim/insts"
)

// Table provides instruction latency lookups.
type Table struct {
	config *TimingConfig
}

// NewTable creates a latency table with default timing values.
func NewTable() *Table {
	return &Table{
		config: DefaultTimingConfig(),
	}
}

// NewTableWithConfig creates a latency table with a custom configuration.
func NewTableWithConfig(config *TimingConfig) *Table {
	return &Table{
		config: config,
	}
}

// Latency returns the typical execution latency in cycles for the given
// instruction. Variable-latency heavy operations report their maximum.
func (t *Table) Latency(inst *insts.Instruction) uint64 {
	if inst == nil {
		return 1
	}

	switch inst.Class {
	case insts.ClassTrivial:
		return t.config.TrivialLatency

	case insts.ClassModerate:
		if inst.IsLoad {
			return t.config.LoadLatency
		}
		if inst.IsStore {
			return t.config.StoreLatency
		}
		return t.config.ModerateLatency

	case insts.ClassHeavy:
		if inst.Opcode == insts.OpINTM {
			return t.config.MultiplyLatency
		}
		return t.config.HeavyLatencyMax

	default:
		return 1
	}
}

// MinLatency returns the minimum execution latency for variable-latency
// operations.
func (t *Table) MinLatency(inst *insts.Instruction) uint64 {
	if inst == nil {
		return 1
	}
	if inst.Class == insts.ClassHeavy && inst.Opcode != insts.OpINTM {
		return t.config.HeavyLatencyMin
	}
	return t.Latency(inst)
}

// MaxLatency returns the maximum execution latency for variable-latency
// operations.
func (t *Table) MaxLatency(inst *insts.Instruction) uint64 {
	return t.Latency(inst)
}

// MispredictPenalty returns the extra cycles charged when a resolved
// branch redirects the front end.
func (t *Table) MispredictPenalty() uint64 {
	return t.config.BranchMispredictPenalty
}

// Config returns the current timing configuration.
func (t *Table) Config() *TimingConfig {
	return t.config
}
