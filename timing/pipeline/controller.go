package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarchlab/axsim/emu"
	"github.com/sarchlab/axsim/timing/latency"
)

// State is the controller-wide pipeline state, the single source of
// truth for lifecycle decisions.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFlushing
	StateException
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateFlushing:
		return "Flushing"
	case StateException:
		return "Exception"
	}
	return "Unknown"
}

// Config tunes the whole pipeline.
type Config struct {
	// StartPC is the initial fetch address.
	StartPC uint64
	// QueueSize bounds each stage's inbound queue.
	QueueSize int
	// MaxInFlight is each stage's initial admission limit.
	MaxInFlight int
	// MaxInFlightCap bounds the tuner's multiplicative growth.
	MaxInFlightCap int
	// HighWatermark is the rolling queue utilization above which the
	// tuner grows a stage's admission limit.
	HighWatermark float64
	// LowWatermark is the utilization below which the tuner shrinks it.
	LowWatermark float64
	// TuneInterval is the tuning period.
	TuneInterval time.Duration
	// SnapshotInterval is the performance snapshot period.
	SnapshotInterval time.Duration
	// ExceptionWindow and ExceptionThreshold set the circuit breaker:
	// more than ExceptionThreshold exceptions inside the window resets
	// the performance counters during recovery.
	ExceptionWindow    time.Duration
	ExceptionThreshold int
	// ShutdownTimeout bounds the cooperative stop of each worker.
	ShutdownTimeout time.Duration

	Fetch     FetchConfig
	Execute   ExecuteConfig
	Writeback WritebackConfig
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:          16,
		MaxInFlight:        8,
		MaxInFlightCap:     64,
		HighWatermark:      0.8,
		LowWatermark:       0.3,
		TuneInterval:       10 * time.Millisecond,
		SnapshotInterval:   100 * time.Millisecond,
		ExceptionWindow:    100 * time.Millisecond,
		ExceptionThreshold: 8,
		ShutdownTimeout:    time.Second,
		Fetch:              DefaultFetchConfig(),
		Execute:            DefaultExecuteConfig(),
		Writeback:          DefaultWritebackConfig(),
	}
}

// PipelineStats is one aggregated snapshot across the pipeline.
type PipelineStats struct {
	State               string
	Fetch               FetchStats
	Decode              Stats
	Execute             Stats
	ExecuteDetail       ExecuteStats
	Writeback           Stats
	Commit              WritebackStats
	BranchRedirects     uint64
	Flushes             uint64
	CircuitBreakerTrips uint64
	PoolInUse           int
}

// Controller owns the four stages, the instruction pool, and the event
// bus. It drives the global state machine, flush and exception recovery,
// branch redirection, and periodic admission tuning.
type Controller struct {
	config Config
	state  atomic.Int32

	bus  *Bus
	pool *InstPool
	regs *emu.RegFile
	mem  emu.MemorySystem

	fetch     *FetchStage
	decode    *DecodeStage
	execute   *ExecuteStage
	writeback *WritebackStage

	flushPending atomic.Int32

	excMu    sync.Mutex
	excTimes []time.Time

	utilMu  sync.Mutex
	rolling map[string]float64

	tickersStop chan struct{}
	tickersDone sync.WaitGroup

	branchRedirects atomic.Uint64
	flushes         atomic.Uint64
	breakerTrips    atomic.Uint64

	snapshotFn func(PipelineStats)
}

// NewController wires the pipeline over the given collaborators. The JIT
// collaborator may be nil.
func NewController(
	config Config,
	regs *emu.RegFile,
	mem emu.MemorySystem,
	table *latency.Table,
	jit emu.JITCompiler,
) *Controller {
	defaults := DefaultConfig()
	if config.QueueSize < 1 {
		config.QueueSize = defaults.QueueSize
	}
	if config.MaxInFlight < 1 {
		config.MaxInFlight = defaults.MaxInFlight
	}
	if config.MaxInFlightCap < config.MaxInFlight {
		config.MaxInFlightCap = defaults.MaxInFlightCap
	}
	if config.HighWatermark <= 0 {
		config.HighWatermark = defaults.HighWatermark
	}
	if config.LowWatermark <= 0 {
		config.LowWatermark = defaults.LowWatermark
	}
	if config.TuneInterval <= 0 {
		config.TuneInterval = defaults.TuneInterval
	}
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = defaults.SnapshotInterval
	}
	if config.ExceptionWindow <= 0 {
		config.ExceptionWindow = defaults.ExceptionWindow
	}
	if config.ExceptionThreshold < 1 {
		config.ExceptionThreshold = defaults.ExceptionThreshold
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if config.Fetch.CacheLines == 0 {
		config.Fetch = defaults.Fetch
	}
	config.Fetch.StartPC = config.StartPC
	if table == nil {
		table = latency.NewTable()
	}

	c := &Controller{
		config:  config,
		bus:     NewBus(256),
		pool:    NewInstPool(config.QueueSize * 4),
		regs:    regs,
		mem:     mem,
		rolling: make(map[string]float64),
	}

	c.fetch = NewFetchStage(config.Fetch, mem, c.pool, c.bus)
	c.decode = NewDecodeStage(config.QueueSize, config.MaxInFlight, c.bus)
	c.execute = NewExecuteStage(config.Execute, config.QueueSize,
		config.MaxInFlight, regs, mem, table, jit, c.bus)
	c.writeback = NewWritebackStage(config.Writeback, config.QueueSize,
		config.MaxInFlight, regs, c.pool, c.bus)

	c.fetch.SetSubmit(c.decode.Stage().Submit)
	c.decode.Stage().SetForward(c.execute.Stage().Submit)
	c.decode.Stage().SetDrop(c.pool.Put)
	c.execute.Stage().SetForward(c.writeback.Stage().Submit)
	c.execute.Stage().SetDrop(c.pool.Put)

	c.writeback.SetOnBranch(c.onBranchResolved)
	c.writeback.SetOnException(c.onException)

	for _, stage := range c.stages() {
		stage.SetOnFlush(c.flushAck)
	}

	return c
}

func (c *Controller) stages() [3]*Stage {
	return [3]*Stage{c.decode.Stage(), c.execute.Stage(), c.writeback.Stage()}
}

// State returns the current pipeline state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// Start brings the pipeline from Stopped through Starting to Running.
// Back-end stages come up before fetch so the first instruction has a
// live path to commit.
func (c *Controller) Start() error {
	if !c.transition(StateStopped, StateStarting) {
		return fmt.Errorf("pipeline: cannot start from %v", c.State())
	}

	c.writeback.Stage().Start()
	c.execute.Stage().Start()
	c.decode.Stage().Start()
	c.fetch.Start()

	c.tickersStop = make(chan struct{})
	c.tickersDone.Add(1)
	go c.runTickers()

	c.state.Store(int32(StateRunning))
	return nil
}

// Stop drains the pipeline front to back and returns it to Stopped.
func (c *Controller) Stop() error {
	if !c.transition(StateRunning, StateStopping) &&
		!c.transition(StateException, StateStopping) &&
		!c.transition(StateFlushing, StateStopping) {
		return fmt.Errorf("pipeline: cannot stop from %v", c.State())
	}

	close(c.tickersStop)
	c.tickersDone.Wait()

	timeout := c.config.ShutdownTimeout
	c.fetch.Shutdown(timeout)
	c.decode.Stage().Shutdown(timeout)
	c.execute.Shutdown(timeout)
	c.writeback.Stage().Shutdown(timeout)

	c.state.Store(int32(StateStopped))
	return nil
}

// Flush discards everything in flight. The state returns to Running once
// every stage has acknowledged, tracked by a pending counter decremented
// per acknowledgement.
func (c *Controller) Flush() bool {
	if !c.transition(StateRunning, StateFlushing) {
		return false
	}
	c.beginFlush()
	return true
}

func (c *Controller) beginFlush() {
	c.flushes.Add(1)
	c.flushPending.Store(int32(len(c.stages())))
	c.fetch.RequestFlush()
	for _, stage := range c.stages() {
		stage.RequestFlush()
	}
}

// flushAck is called by each stage when it finishes discarding its
// queue. The last acknowledgement returns the pipeline to Running.
func (c *Controller) flushAck(int) {
	if c.flushPending.Add(-1) != 0 {
		return
	}
	if !c.transition(StateFlushing, StateRunning) {
		c.transition(StateException, StateRunning)
	}
}

// onBranchResolved applies writeback's branch resolution: a taken branch
// steers fetch, and triggers a flush only when the target is not the
// fall-through address.
func (c *Controller) onBranchResolved(outcome BranchOutcome) {
	if !outcome.Taken {
		return
	}

	c.fetch.Redirect(outcome.Target)
	c.branchRedirects.Add(1)

	if outcome.Target != outcome.PC+4 {
		if c.transition(StateRunning, StateFlushing) {
			c.beginFlush()
		}
	}
}

// onException runs exception recovery: enter the Exception state, flush,
// and trip the circuit breaker when exceptions cluster inside the
// configured window.
func (c *Controller) onException(record ExceptionRecord) {
	if c.overExceptionThreshold(record.Time) {
		for _, stage := range c.stages() {
			stage.ResetStats()
		}
		c.fetch.ResetStats()
		c.breakerTrips.Add(1)
	}

	if c.transition(StateRunning, StateException) {
		c.beginFlush()
	}
}

// overExceptionThreshold records one exception and reports whether the
// short-window frequency limit is now exceeded.
func (c *Controller) overExceptionThreshold(now time.Time) bool {
	c.excMu.Lock()
	defer c.excMu.Unlock()

	cutoff := now.Add(-c.config.ExceptionWindow)
	kept := c.excTimes[:0]
	for _, t := range c.excTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.excTimes = append(kept, now)
	return len(c.excTimes) > c.config.ExceptionThreshold
}

func (c *Controller) runTickers() {
	defer c.tickersDone.Done()

	tune := time.NewTicker(c.config.TuneInterval)
	defer tune.Stop()
	snapshot := time.NewTicker(c.config.SnapshotInterval)
	defer snapshot.Stop()

	for {
		select {
		case <-c.tickersStop:
			return
		case <-tune.C:
			c.tune()
		case <-snapshot.C:
			c.publishSnapshot()
		}
	}
}

// tune retargets each stage's admission limit from its rolling queue
// utilization: sustained pressure doubles the limit up to the cap,
// sustained idleness halves it down to one.
func (c *Controller) tune() {
	c.utilMu.Lock()
	defer c.utilMu.Unlock()

	for _, stage := range c.stages() {
		avg := 0.7*c.rolling[stage.Name()] + 0.3*stage.Utilization()
		c.rolling[stage.Name()] = avg

		limit := stage.MaxInFlight()
		switch {
		case avg > c.config.HighWatermark:
			next := limit * 2
			if next > c.config.MaxInFlightCap {
				next = c.config.MaxInFlightCap
			}
			stage.AdjustMaxInFlight(next)
		case avg < c.config.LowWatermark:
			next := limit / 2
			if next < 1 {
				next = 1
			}
			stage.AdjustMaxInFlight(next)
		}
	}
}

func (c *Controller) publishSnapshot() {
	stats := c.Stats()
	c.bus.Publish(Event{
		Kind:   EventPerformanceSnapshot,
		Stage:  "controller",
		Detail: stats.State,
	})
	if c.snapshotFn != nil {
		c.snapshotFn(stats)
	}
}

// SetSnapshotFunc installs a sink that receives every periodic
// performance snapshot, for example a recorder.
func (c *Controller) SetSnapshotFunc(fn func(PipelineStats)) {
	c.snapshotFn = fn
}

// Stats assembles one aggregated snapshot.
func (c *Controller) Stats() PipelineStats {
	return PipelineStats{
		State:               c.State().String(),
		Fetch:               c.fetch.Stats(),
		Decode:              c.decode.Stage().Stats(),
		Execute:             c.execute.Stage().Stats(),
		ExecuteDetail:       c.execute.ExecStats(),
		Writeback:           c.writeback.Stage().Stats(),
		Commit:              c.writeback.WbStats(),
		BranchRedirects:     c.branchRedirects.Load(),
		Flushes:             c.flushes.Load(),
		CircuitBreakerTrips: c.breakerTrips.Load(),
		PoolInUse:           c.pool.InUse(),
	}
}

// WaitForCommits blocks until at least n instructions have committed or
// the timeout expires. It reports whether the target was reached.
func (c *Controller) WaitForCommits(n uint64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.writeback.WbStats().Committed >= n {
			return true
		}
		time.Sleep(100 * time.Microsecond)
	}
	return c.writeback.WbStats().Committed >= n
}

// Fetch exposes the front end.
func (c *Controller) Fetch() *FetchStage { return c.fetch }

// Decode exposes the decode stage.
func (c *Controller) Decode() *DecodeStage { return c.decode }

// Execute exposes the execute stage.
func (c *Controller) Execute() *ExecuteStage { return c.execute }

// Writeback exposes the commit stage.
func (c *Controller) Writeback() *WritebackStage { return c.writeback }

// Bus exposes the event bus.
func (c *Controller) Bus() *Bus { return c.bus }

// Pool exposes the instruction pool.
func (c *Controller) Pool() *InstPool { return c.pool }
