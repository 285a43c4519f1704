package pipeline

import (
	"sync/atomic"
	"time"
)

// EventKind identifies a pipeline notification.
type EventKind int

const (
	EventStageStarted EventKind = iota
	EventStageStopped
	EventStageStalled
	EventBackpressure
	EventInstructionCommitted
	EventBranchResolved
	EventExceptionRaised
	EventBottleneckDetected
	EventModeChange
	EventPerformanceSnapshot
	EventFlushCompleted
)

func (k EventKind) String() string {
	switch k {
	case EventStageStarted:
		return "StageStarted"
	case EventStageStopped:
		return "StageStopped"
	case EventStageStalled:
		return "StageStalled"
	case EventBackpressure:
		return "Backpressure"
	case EventInstructionCommitted:
		return "InstructionCommitted"
	case EventBranchResolved:
		return "BranchResolved"
	case EventExceptionRaised:
		return "ExceptionRaised"
	case EventBottleneckDetected:
		return "BottleneckDetected"
	case EventModeChange:
		return "ModeChange"
	case EventPerformanceSnapshot:
		return "PerformanceSnapshot"
	case EventFlushCompleted:
		return "FlushCompleted"
	}
	return "Unknown"
}

// Event is one pipeline notification. Stage names the source; PC and
// Detail carry kind-specific context.
type Event struct {
	Kind   EventKind
	Stage  string
	PC     uint64
	Detail string
	Time   time.Time
}

// Bus is a bounded, non-blocking event channel. Publishing to a full bus
// drops the event and counts it, so slow or absent consumers never stall
// a stage worker.
type Bus struct {
	events  chan Event
	dropped atomic.Uint64
}

// NewBus creates a bus with the given capacity.
func NewBus(capacity int) *Bus {
	return &Bus{
		events: make(chan Event, capacity),
	}
}

// Publish delivers an event without blocking. It reports whether the
// event was accepted.
func (b *Bus) Publish(event Event) bool {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	select {
	case b.events <- event:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Events returns the receive side of the bus.
func (b *Bus) Events() <-chan Event {
	return b.events
}

// Dropped returns the number of events discarded on a full bus.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Drain consumes and returns all currently queued events.
func (b *Bus) Drain() []Event {
	var out []Event
	for {
		select {
		case event := <-b.events:
			out = append(out, event)
		default:
			return out
		}
	}
}
