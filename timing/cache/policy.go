package cache

import (
	"math/rand"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// CoherencyState tracks the simplified MESI state of a cache line. The
// state lives in a side table next to the Akita directory because the
// directory only models valid/dirty.
type CoherencyState int

const (
	StateInvalid CoherencyState = iota
	StateShared
	StateExclusive
	StateModified
)

func (s CoherencyState) String() string {
	switch s {
	case StateInvalid:
		return "Invalid"
	case StateShared:
		return "Shared"
	case StateExclusive:
		return "Exclusive"
	case StateModified:
		return "Modified"
	}
	return "Unknown"
}

// WritePolicy selects how writes propagate to the next level.
type WritePolicy int

const (
	// WriteBack marks the line dirty and defers the write until eviction
	// or flush.
	WriteBack WritePolicy = iota
	// WriteThrough forwards every write to the backing store immediately
	// and never dirties the line.
	WriteThrough
)

func (p WritePolicy) String() string {
	if p == WriteThrough {
		return "WriteThrough"
	}
	return "WriteBack"
}

// ReplacementPolicy selects the victim strategy on a miss.
type ReplacementPolicy int

const (
	// ReplaceLRU evicts the least-recently-used line in the target set.
	ReplaceLRU ReplacementPolicy = iota
	// ReplaceRandom evicts a uniformly random line in the target set,
	// preferring invalid lines when one exists.
	ReplaceRandom
)

func (p ReplacementPolicy) String() string {
	if p == ReplaceRandom {
		return "Random"
	}
	return "LRU"
}

// randomVictimFinder implements Akita's VictimFinder with uniform random
// selection. Invalid ways are taken first so cold sets fill up before any
// eviction happens.
type randomVictimFinder struct {
	rng *rand.Rand
}

func newRandomVictimFinder(seed int64) *randomVictimFinder {
	return &randomVictimFinder{rng: rand.New(rand.NewSource(seed))}
}

func (f *randomVictimFinder) FindVictim(set *akitacache.Set) *akitacache.Block {
	for _, block := range set.Blocks {
		if !block.IsValid {
			return block
		}
	}
	return set.Blocks[f.rng.Intn(len(set.Blocks))]
}
