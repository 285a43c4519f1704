// Package core assembles a full CPU core: register file, memory, the
// cache hierarchy, the JIT block cache, and the concurrent pipeline,
// behind one high-level interface.
package core

import (
	"time"

	"github.com/sarchlab/axsim/emu"
	"github.com/sarchlab/axsim/loader"
	"github.com/sarchlab/axsim/timing/cache"
	"github.com/sarchlab/axsim/timing/latency"
	"github.com/sarchlab/axsim/timing/pipeline"
)

// Config selects the components a core is built from.
type Config struct {
	// StartPC is the initial program counter.
	StartPC uint64
	// UseHierarchy routes all instruction and data traffic through the
	// four-level cache hierarchy instead of flat memory.
	UseHierarchy bool
	// Hierarchy configures the cache levels when UseHierarchy is set.
	Hierarchy cache.HierarchyConfig
	// Timing supplies instruction latencies. Nil selects the defaults.
	Timing *latency.TimingConfig
	// HotThreshold is the execution count at which straight-line blocks
	// become eligible for compilation. Zero disables the block cache.
	HotThreshold uint64
	// Pipeline tunes the stage queues, admission limits, and tickers.
	Pipeline pipeline.Config
}

// DefaultConfig returns a core with caches and compilation enabled.
func DefaultConfig() Config {
	return Config{
		StartPC:      loader.DefaultBase,
		UseHierarchy: true,
		Hierarchy:    cache.DefaultHierarchyConfig(),
		HotThreshold: 50,
		Pipeline:     pipeline.DefaultConfig(),
	}
}

// Stats aggregates one snapshot across every core component.
type Stats struct {
	Pipeline       pipeline.PipelineStats
	Cache          cache.HierarchyStats
	CompiledBlocks uint64
}

// Core is a complete simulated CPU core.
type Core struct {
	Controller *pipeline.Controller

	regs      *emu.RegFile
	memory    *emu.Memory
	hierarchy *cache.Hierarchy
	jit       *emu.BlockCache
}

// NewCore builds a core from the given configuration.
func NewCore(config Config) *Core {
	c := &Core{
		regs:   &emu.RegFile{},
		memory: emu.NewMemory(),
	}

	var memSystem emu.MemorySystem = c.memory
	if config.UseHierarchy {
		c.hierarchy = cache.NewHierarchy(
			config.Hierarchy, cache.NewMemoryBacking(c.memory))
		memSystem = c.hierarchy
	}

	var jit emu.JITCompiler
	if config.HotThreshold > 0 {
		c.jit = emu.NewBlockCache(config.HotThreshold)
		jit = c.jit
	}

	table := latency.NewTable()
	if config.Timing != nil {
		table = latency.NewTableWithConfig(config.Timing)
	}

	pipeConfig := config.Pipeline
	pipeConfig.StartPC = config.StartPC
	c.Controller = pipeline.NewController(
		pipeConfig, c.regs, memSystem, table, jit)

	return c
}

// LoadProgram installs a program image and points the core at its
// entry. Cached lines overlapping the image are invalidated so the
// front end sees the new contents.
func (c *Core) LoadProgram(prog *loader.Program) {
	prog.Install(c.memory)
	if c.hierarchy != nil {
		for _, seg := range prog.Segments {
			c.hierarchy.InvalidateRange(seg.Base, int(seg.MemSize))
		}
	}
	c.Controller.Fetch().SetPC(prog.EntryPoint)
	c.Controller.Fetch().InvalidateCache()
}

// Start launches the pipeline.
func (c *Core) Start() error { return c.Controller.Start() }

// Stop drains and stops the pipeline.
func (c *Core) Stop() error { return c.Controller.Stop() }

// WaitForCommits blocks until n instructions have committed or the
// timeout expires.
func (c *Core) WaitForCommits(n uint64, timeout time.Duration) bool {
	return c.Controller.WaitForCommits(n, timeout)
}

// Stats assembles an aggregated snapshot of the whole core.
func (c *Core) Stats() Stats {
	stats := Stats{Pipeline: c.Controller.Stats()}
	if c.hierarchy != nil {
		stats.Cache = c.hierarchy.Stats()
	}
	if c.jit != nil {
		stats.CompiledBlocks = c.jit.CompiledBlocks()
	}
	return stats
}

// Registers exposes the architectural register file.
func (c *Core) Registers() *emu.RegFile { return c.regs }

// Memory exposes the flat backing memory.
func (c *Core) Memory() *emu.Memory { return c.memory }

// Hierarchy exposes the cache hierarchy, or nil when the core runs on
// flat memory.
func (c *Core) Hierarchy() *cache.Hierarchy { return c.hierarchy }

// Reset returns the architectural state to power-on and clears every
// cache. The pipeline must be stopped first.
func (c *Core) Reset() {
	c.regs.Reset()
	if c.hierarchy != nil {
		c.hierarchy.Reset()
	}
	c.Controller.Fetch().InvalidateCache()
}
