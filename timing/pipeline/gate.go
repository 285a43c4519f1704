package pipeline

import "sync"

// Gate is the bounded-permit admission control for one stage. It differs
// from a plain semaphore in that the limit can be resized while permits
// are held: growth takes effect immediately, shrinking lets held permits
// drain naturally, so a shrink below the current in-flight count is
// advisory rather than exact.
type Gate struct {
	mu    sync.Mutex
	limit int
	held  int
}

// NewGate creates a gate with the given permit limit. Limits below one
// are raised to one.
func NewGate(limit int) *Gate {
	if limit < 1 {
		limit = 1
	}
	return &Gate{limit: limit}
}

// TryAcquire takes a permit without blocking. It reports whether a
// permit was available.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.held >= g.limit {
		return false
	}
	g.held++
	return true
}

// Release returns a permit.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.held > 0 {
		g.held--
	}
}

// Resize changes the permit limit and returns the limit actually set.
// The limit never goes below one.
func (g *Gate) Resize(limit int) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if limit < 1 {
		limit = 1
	}
	g.limit = limit
	return g.limit
}

// Limit returns the current permit limit.
func (g *Gate) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

// InFlight returns the number of held permits.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}
