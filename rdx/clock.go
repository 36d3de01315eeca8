package rdx

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Clock issues the ids of local ops. Each replica owns exactly one;
// ids are gapless (1, 2, 3...) which lets a VV summarize a whole log.
type Clock struct {
	src uint64
	seq atomic.Uint64
}

func NewClock(src uint64) *Clock {
	return &Clock{src: src}
}

func (c *Clock) Src() uint64 {
	return c.src
}

// Tick returns a fresh id.
func (c *Clock) Tick() ID {
	return NewID(c.src, c.seq.Add(1))
}

// Last returns the most recently issued id, ID0-like if none.
func (c *Clock) Last() ID {
	return NewID(c.src, c.seq.Load())
}

// See moves the clock past seq; used when a replica's own earlier ops
// come back from the network (e.g. after a restart).
func (c *Clock) See(seq uint64) {
	for {
		cur := c.seq.Load()
		if seq <= cur || c.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// RandomSrc derives a non-zero replica id from a fresh uuid.
func RandomSrc() uint64 {
	for {
		u := uuid.New()
		src := xxhash.Sum64(u[:]) & MaxSrc
		if src != 0 {
			return src
		}
	}
}
