// ABOUTME: Atomic bit field used to claim objects during parallel marking
// ABOUTME: Each bit is set at most once by a compare-and-swap on its word

// Package bitfield provides a fixed-size, lock-free bit field for
// concurrent marking.
package bitfield

import (
	"math/bits"
	"sync/atomic"
)

// Concurrent is a fixed-size bit field whose bits can be set from many
// goroutines. Every transition is a single compare-and-swap on the word
// holding the bit.
type Concurrent struct {
	words []atomic.Uint64
	size  int
}

// New creates a bit field of size bits, all clear
func New(size int) *Concurrent {
	return &Concurrent{
		words: make([]atomic.Uint64, (size+63)/64),
		size:  size,
	}
}

// FromBools creates a bit field holding a copy of b
func FromBools(b []bool) *Concurrent {
	c := New(len(b))
	for i, v := range b {
		if v {
			c.words[i>>6].Store(c.words[i>>6].Load() | 1<<(uint(i)&63))
		}
	}
	return c
}

// Len returns the number of bits
func (c *Concurrent) Len() int { return c.size }

// Get reports whether bit i is set
func (c *Concurrent) Get(i int) bool {
	return c.words[i>>6].Load()&(1<<(uint(i)&63)) != 0
}

// Set sets bit i
func (c *Concurrent) Set(i int) {
	c.words[i>>6].Or(1 << (uint(i) & 63))
}

// TrySet sets bit i and reports whether this call changed it.
// Exactly one of several racing callers for the same bit gets true.
func (c *Concurrent) TrySet(i int) bool {
	w := &c.words[i>>6]
	mask := uint64(1) << (uint(i) & 63)
	for {
		old := w.Load()
		if old&mask != 0 {
			return false
		}
		if w.CompareAndSwap(old, old|mask) {
			return true
		}
	}
}

// Count returns the number of set bits
func (c *Concurrent) Count() int {
	n := 0
	for i := range c.words {
		n += bits.OnesCount64(c.words[i].Load())
	}
	return n
}

// CopyInto writes the bits into out, which must hold at least Len entries.
// It is not atomic with respect to concurrent writers.
func (c *Concurrent) CopyInto(out []bool) {
	for i := 0; i < c.size; i++ {
		out[i] = c.Get(i)
	}
}
