// Package emu provides the functional Alpha AXP execution model: the
// register file, a sparse memory, and the per-format execution units the
// pipeline's execute stage dispatches to.
package emu

import "math"

// RegFile represents the Alpha register file: 32 integer registers and 32
// floating-point registers. Register 31 in both banks is hard-wired to
// zero; writes to it are no-ops.
type RegFile struct {
	// Int holds integer registers R0-R31.
	Int [32]uint64

	// Fp holds floating-point registers F0-F31 as raw IEEE bit patterns.
	Fp [32]uint64
}

// ReadInt reads an integer register. Register 31 reads as zero.
func (r *RegFile) ReadInt(reg uint8) uint64 {
	if reg >= 31 {
		return 0
	}
	return r.Int[reg]
}

// WriteInt writes an integer register. Writes to register 31 are dropped.
func (r *RegFile) WriteInt(reg uint8, value uint64) {
	if reg >= 31 {
		return
	}
	r.Int[reg] = value
}

// ReadFloat reads a floating-point register. Register 31 reads as zero.
func (r *RegFile) ReadFloat(reg uint8) uint64 {
	if reg >= 31 {
		return 0
	}
	return r.Fp[reg]
}

// WriteFloat writes a floating-point register. Writes to register 31 are
// dropped.
func (r *RegFile) WriteFloat(reg uint8, value uint64) {
	if reg >= 31 {
		return
	}
	r.Fp[reg] = value
}

// ReadFloatValue reads a floating-point register as a float64 value.
func (r *RegFile) ReadFloatValue(reg uint8) float64 {
	return math.Float64frombits(r.ReadFloat(reg))
}

// WriteFloatValue writes a float64 value into a floating-point register.
func (r *RegFile) WriteFloatValue(reg uint8, value float64) {
	r.WriteFloat(reg, math.Float64bits(value))
}

// Reset clears both register banks.
func (r *RegFile) Reset() {
	*r = RegFile{}
}
