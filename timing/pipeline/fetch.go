package pipeline

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/sarchlab/axsim/emu"
	"github.com/sarchlab/axsim/insts"
)

// ErrNoMemory is returned when fetch runs without a memory collaborator.
var ErrNoMemory = errors.New("fetch: no memory collaborator")

// fetchRetryDelay paces the fetch loop when decode pushes back or the
// memory collaborator fails.
const fetchRetryDelay = 50 * time.Microsecond

// FetchConfig sizes the front-end instruction cache.
type FetchConfig struct {
	// StartPC is the initial fetch address.
	StartPC uint64
	// CacheLines is the number of lines in the small tagged instruction
	// cache in front of the hierarchy.
	CacheLines int
	// LineSize is the line size in bytes.
	LineSize int
}

// DefaultFetchConfig returns a 64-line, 64-byte front-end cache.
func DefaultFetchConfig() FetchConfig {
	return FetchConfig{
		CacheLines: 64,
		LineSize:   64,
	}
}

// FetchStats holds the front-end counters.
type FetchStats struct {
	Fetched     uint64
	CacheHits   uint64
	CacheMisses uint64
	Stalls      uint64
	Redirects   uint64
	Flushes     uint64
	Prefetches  uint64
}

// FetchStage generates the instruction stream. It is the pipeline's
// source: a dedicated worker walks nextPC, consults a small tagged
// instruction cache backed by the memory collaborator, and submits one
// instruction per successful fetch to decode. Redirect and flush flags
// are set externally and consumed once per iteration, flush first.
type FetchStage struct {
	mem    emu.MemorySystem
	pool   *InstPool
	bus    *Bus
	submit func(*insts.Instruction) bool

	config    FetchConfig
	lineWords int

	// Instruction cache, touched only by the worker.
	tags   []uint64
	valid  []bool
	lines  [][]uint32
	lastPF uint64

	nextPC          atomic.Uint64
	redirectPC      atomic.Uint64
	redirectPending atomic.Bool
	flushRequested  atomic.Bool

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	fetched     atomic.Uint64
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
	stalls      atomic.Uint64
	redirects   atomic.Uint64
	flushes     atomic.Uint64
	prefetches  atomic.Uint64
}

// NewFetchStage creates the front end over the given memory collaborator.
func NewFetchStage(config FetchConfig, mem emu.MemorySystem, pool *InstPool, bus *Bus) *FetchStage {
	if config.CacheLines < 1 {
		config.CacheLines = 1
	}
	if config.LineSize < 4 {
		config.LineSize = 4
	}

	f := &FetchStage{
		mem:       mem,
		pool:      pool,
		bus:       bus,
		config:    config,
		lineWords: config.LineSize / 4,
		tags:      make([]uint64, config.CacheLines),
		valid:     make([]bool, config.CacheLines),
		lines:     make([][]uint32, config.CacheLines),
	}
	for i := range f.lines {
		f.lines[i] = make([]uint32, f.lineWords)
	}
	f.nextPC.Store(config.StartPC)
	return f
}

// SetSubmit wires the downstream decode submit function.
func (f *FetchStage) SetSubmit(submit func(*insts.Instruction) bool) {
	f.submit = submit
}

// SetPC moves the fetch point. Only safe while the worker is stopped;
// running pipelines use Redirect.
func (f *FetchStage) SetPC(pc uint64) {
	f.nextPC.Store(pc)
}

// NextPC returns the current fetch point.
func (f *FetchStage) NextPC() uint64 {
	return f.nextPC.Load()
}

// Redirect steers the stream to target at the next worker iteration.
func (f *FetchStage) Redirect(target uint64) {
	f.redirectPC.Store(target)
	f.redirectPending.Store(true)
}

// RequestFlush discards the current iteration's fetch. Flush is consumed
// before any pending redirect.
func (f *FetchStage) RequestFlush() {
	f.flushRequested.Store(true)
}

// Start launches the fetch worker.
func (f *FetchStage) Start() {
	if !f.running.CompareAndSwap(false, true) {
		return
	}
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	if f.bus != nil {
		f.bus.Publish(Event{Kind: EventStageStarted, Stage: "fetch"})
	}
	go f.worker()
}

// Shutdown stops the fetch worker.
func (f *FetchStage) Shutdown(timeout time.Duration) bool {
	if !f.running.CompareAndSwap(true, false) {
		return true
	}
	close(f.stopCh)

	clean := true
	select {
	case <-f.doneCh:
	case <-time.After(timeout):
		clean = false
	}
	if f.bus != nil {
		f.bus.Publish(Event{Kind: EventStageStopped, Stage: "fetch"})
	}
	return clean
}

// Running reports whether the worker is live.
func (f *FetchStage) Running() bool {
	return f.running.Load()
}

// Stats snapshots the front-end counters.
func (f *FetchStage) Stats() FetchStats {
	return FetchStats{
		Fetched:     f.fetched.Load(),
		CacheHits:   f.cacheHits.Load(),
		CacheMisses: f.cacheMisses.Load(),
		Stalls:      f.stalls.Load(),
		Redirects:   f.redirects.Load(),
		Flushes:     f.flushes.Load(),
		Prefetches:  f.prefetches.Load(),
	}
}

// ResetStats clears the front-end counters.
func (f *FetchStage) ResetStats() {
	f.fetched.Store(0)
	f.cacheHits.Store(0)
	f.cacheMisses.Store(0)
	f.stalls.Store(0)
	f.redirects.Store(0)
	f.flushes.Store(0)
	f.prefetches.Store(0)
}

// InvalidateCache drops every front-end cache line.
func (f *FetchStage) InvalidateCache() {
	for i := range f.valid {
		f.valid[i] = false
	}
}

func (f *FetchStage) worker() {
	defer close(f.doneCh)

	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		// Flush beats redirect: the discarded stream must not emit the
		// redirected instruction in the same iteration.
		if f.flushRequested.CompareAndSwap(true, false) {
			f.flushes.Add(1)
			f.InvalidateCache()
			continue
		}
		if f.redirectPending.CompareAndSwap(true, false) {
			f.nextPC.Store(f.redirectPC.Load())
			f.redirects.Add(1)
		}

		pc := f.nextPC.Load()
		word, err := f.FetchInstruction(pc)
		if err != nil {
			f.stalls.Add(1)
			time.Sleep(fetchRetryDelay)
			continue
		}

		inst := f.pool.Get()
		inst.RawBits = word
		inst.PC = pc
		inst.Valid = true

		if f.submit == nil || !f.submit(inst) {
			// Decode pushed back; retry the same PC next iteration.
			f.pool.Put(inst)
			f.stalls.Add(1)
			time.Sleep(fetchRetryDelay)
			continue
		}

		f.fetched.Add(1)
		f.nextPC.CompareAndSwap(pc, pc+4)
		f.maybePrefetch(pc)
	}
}

// FetchInstruction returns the word at pc, filling the front-end cache
// line on a miss.
func (f *FetchStage) FetchInstruction(pc uint64) (uint32, error) {
	if f.mem == nil {
		return 0, ErrNoMemory
	}

	lineSize := uint64(f.config.LineSize)
	index := (pc / lineSize) % uint64(f.config.CacheLines)
	tag := pc / (lineSize * uint64(f.config.CacheLines))
	wordIdx := (pc % lineSize) / 4

	if f.valid[index] && f.tags[index] == tag {
		f.cacheHits.Add(1)
		return f.lines[index][wordIdx], nil
	}

	f.cacheMisses.Add(1)
	f.fillLine(index, tag, pc-(pc%lineSize))
	return f.lines[index][wordIdx], nil
}

// fillLine overwrites the line at index with the words starting at base.
func (f *FetchStage) fillLine(index, tag, base uint64) {
	line := f.lines[index]
	for i := range line {
		line[i] = f.mem.ReadWord(base + uint64(i)*4)
	}
	f.tags[index] = tag
	f.valid[index] = true
}

// maybePrefetch pulls the next line in when pc is in the last two words
// of its line.
func (f *FetchStage) maybePrefetch(pc uint64) {
	if f.mem == nil {
		return
	}

	lineSize := uint64(f.config.LineSize)
	if pc%lineSize < lineSize-8 {
		return
	}

	next := pc - (pc % lineSize) + lineSize
	if next == f.lastPF {
		return
	}
	f.lastPF = next

	index := (next / lineSize) % uint64(f.config.CacheLines)
	tag := next / (lineSize * uint64(f.config.CacheLines))
	if f.valid[index] && f.tags[index] == tag {
		return
	}
	f.fillLine(index, tag, next)
	f.prefetches.Add(1)
}
