package recording

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/sarchlab/axsim/timing/pipeline"
)

// SnapshotRow is one periodic performance sample.
type SnapshotRow struct {
	Run              string
	Seq              int64
	UnixMicro        int64
	State            string
	Fetched          uint64
	FetchHits        uint64
	FetchMisses      uint64
	Decoded          uint64
	Executed         uint64
	HeavyDispatched  uint64
	CompiledRuns     uint64
	JITMisses        uint64
	Committed        uint64
	BranchesTaken    uint64
	BranchesNotTaken uint64
	Redirects        uint64
	Flushes          uint64
	BreakerTrips     uint64
	PoolInUse        int
}

// EventRow is one pipeline event drained from the bus.
type EventRow struct {
	Run       string
	UnixMicro int64
	Kind      string
	Stage     string
	PC        uint64
	Detail    string
}

// PipelineRecorder turns controller snapshots and bus events into rows
// in a Recorder. Every row carries a unique run ID so several runs can
// share one database.
type PipelineRecorder struct {
	rec *Recorder
	run string
	seq atomic.Int64

	attached bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewPipelineRecorder creates the snapshot and event tables and
// returns a recorder bound to a fresh run ID.
func NewPipelineRecorder(rec *Recorder) (*PipelineRecorder, error) {
	if err := rec.CreateTable("snapshots", SnapshotRow{}); err != nil {
		return nil, err
	}
	if err := rec.CreateTable("events", EventRow{}); err != nil {
		return nil, err
	}

	return &PipelineRecorder{
		rec:    rec,
		run:    xid.New().String(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Run reports this recorder's run ID.
func (p *PipelineRecorder) Run() string { return p.run }

// RecordSnapshot stores one aggregated pipeline sample. It matches the
// controller's snapshot sink signature.
func (p *PipelineRecorder) RecordSnapshot(stats pipeline.PipelineStats) {
	p.rec.Insert("snapshots", SnapshotRow{
		Run:              p.run,
		Seq:              p.seq.Add(1),
		UnixMicro:        time.Now().UnixMicro(),
		State:            stats.State,
		Fetched:          stats.Fetch.Fetched,
		FetchHits:        stats.Fetch.CacheHits,
		FetchMisses:      stats.Fetch.CacheMisses,
		Decoded:          stats.Decode.Processed,
		Executed:         stats.ExecuteDetail.Executed,
		HeavyDispatched:  stats.ExecuteDetail.HeavyDispatched,
		CompiledRuns:     stats.ExecuteDetail.CompiledRuns,
		JITMisses:        stats.ExecuteDetail.JITMisses,
		Committed:        stats.Commit.Committed,
		BranchesTaken:    stats.Commit.BranchesTaken,
		BranchesNotTaken: stats.Commit.BranchesNotTaken,
		Redirects:        stats.BranchRedirects,
		Flushes:          stats.Flushes,
		BreakerTrips:     stats.CircuitBreakerTrips,
		PoolInUse:        stats.PoolInUse,
	})
}

// RecordEvent stores one bus event.
func (p *PipelineRecorder) RecordEvent(ev pipeline.Event) {
	p.rec.Insert("events", EventRow{
		Run:       p.run,
		UnixMicro: ev.Time.UnixMicro(),
		Kind:      ev.Kind.String(),
		Stage:     ev.Stage,
		PC:        ev.PC,
		Detail:    ev.Detail,
	})
}

// Attach installs this recorder as the controller's snapshot sink and
// starts draining its event bus in the background. Call Stop when the
// run is over.
func (p *PipelineRecorder) Attach(controller *pipeline.Controller) {
	controller.SetSnapshotFunc(p.RecordSnapshot)
	p.attached = true

	go func() {
		defer close(p.doneCh)
		events := controller.Bus().Events()
		for {
			select {
			case <-p.stopCh:
				return
			case ev := <-events:
				p.RecordEvent(ev)
			}
		}
	}()
}

// Stop ends event draining and flushes all buffered rows.
func (p *PipelineRecorder) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.attached {
			<-p.doneCh
		}
		p.rec.Flush()
	})
}
