// Package alloc holds the collision-free resource primitives of the MAC
// scheduler: a bounded bitset, the resource-block grid, the control-channel
// element space and the resource-indication value codec.
//
// Nothing in this package is safe for concurrent use; each carrier owns its
// own grids and touches them from a single goroutine per TTI.
package alloc

import (
	"math/bits"
	"strings"
)

// Bitset is a set of indices in [0, Size()) with capacity fixed at
// construction. Indices outside the capacity are never members; Set and
// Clear ignore them.
type Bitset struct {
	size  int
	words []uint64
}

// NewBitset returns an empty bitset holding size indices.
func NewBitset(size int) *Bitset {
	if size < 0 {
		size = 0
	}
	return &Bitset{
		size:  size,
		words: make([]uint64, (size+63)/64),
	}
}

// Size returns the capacity.
func (b *Bitset) Size() int { return b.size }

// Clone returns a deep copy.
func (b *Bitset) Clone() *Bitset {
	if b == nil {
		return nil
	}
	cp := &Bitset{size: b.size, words: make([]uint64, len(b.words))}
	copy(cp.words, b.words)
	return cp
}

// Reset clears every index.
func (b *Bitset) Reset() {
	for i := range b.words {
		b.words[i] = 0
	}
}

// Test reports whether i is set.
func (b *Bitset) Test(i int) bool {
	if i < 0 || i >= b.size {
		return false
	}
	return b.words[wordIndex(i)]&bitMask(i) != 0
}

// Set adds i.
func (b *Bitset) Set(i int) {
	if i < 0 || i >= b.size {
		return
	}
	b.words[wordIndex(i)] |= bitMask(i)
}

// Clear removes i.
func (b *Bitset) Clear(i int) {
	if i < 0 || i >= b.size {
		return
	}
	b.words[wordIndex(i)] &^= bitMask(i)
}

// SetRange adds every index in [lo, hi), clipped to the capacity.
func (b *Bitset) SetRange(lo, hi int) {
	b.forRange(lo, hi, func(w int, mask uint64) { b.words[w] |= mask })
}

// ClearRange removes every index in [lo, hi), clipped to the capacity.
func (b *Bitset) ClearRange(lo, hi int) {
	b.forRange(lo, hi, func(w int, mask uint64) { b.words[w] &^= mask })
}

// AnyInRange reports whether any index in [lo, hi) is set.
func (b *Bitset) AnyInRange(lo, hi int) bool {
	found := false
	b.forRange(lo, hi, func(w int, mask uint64) {
		if b.words[w]&mask != 0 {
			found = true
		}
	})
	return found
}

// Count returns the number of set indices.
func (b *Bitset) Count() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Intersects reports whether b and o share an index.
func (b *Bitset) Intersects(o *Bitset) bool {
	if b == nil || o == nil {
		return false
	}
	n := min(len(b.words), len(o.words))
	for i := range n {
		if b.words[i]&o.words[i] != 0 {
			return true
		}
	}
	return false
}

// NextSet returns the first set index at or after from, or -1.
func (b *Bitset) NextSet(from int) int {
	return b.next(from, false)
}

// NextClear returns the first clear index at or after from, or -1.
func (b *Bitset) NextClear(from int) int {
	return b.next(from, true)
}

// Indices returns the set indices in ascending order.
func (b *Bitset) Indices() []int {
	out := make([]int, 0, b.Count())
	for i := b.NextSet(0); i >= 0; i = b.NextSet(i + 1) {
		out = append(out, i)
	}
	return out
}

// String renders the set as a 0/1 string, index 0 first.
func (b *Bitset) String() string {
	var sb strings.Builder
	sb.Grow(b.size)
	for i := range b.size {
		if b.Test(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

func (b *Bitset) next(from int, clear bool) int {
	if from < 0 {
		from = 0
	}
	if from >= b.size {
		return -1
	}
	w := wordIndex(from)
	word := b.words[w]
	if clear {
		word = ^word
	}
	word &= ^uint64(0) << uint(from&63)
	for {
		if word != 0 {
			idx := w*64 + bits.TrailingZeros64(word)
			if idx >= b.size {
				return -1
			}
			return idx
		}
		w++
		if w >= len(b.words) {
			return -1
		}
		word = b.words[w]
		if clear {
			word = ^word
		}
	}
}

// forRange calls fn once per word touched by [lo, hi) with the mask of
// the bits of that word inside the range.
func (b *Bitset) forRange(lo, hi int, fn func(w int, mask uint64)) {
	if lo < 0 {
		lo = 0
	}
	if hi > b.size {
		hi = b.size
	}
	if hi <= lo {
		return
	}
	last := hi - 1
	loW, hiW := wordIndex(lo), wordIndex(last)
	for w := loW; w <= hiW; w++ {
		var from, to uint = 0, 63
		if w == loW {
			from = uint(lo & 63)
		}
		if w == hiW {
			to = uint(last & 63)
		}
		fn(w, maskRange(from, to))
	}
}

func wordIndex(i int) int  { return i >> 6 }
func bitMask(i int) uint64 { return 1 << (uint(i) & 63) }

// maskRange returns a word with bits lo..hi (inclusive) set.
func maskRange(lo, hi uint) uint64 {
	if hi >= 63 {
		return ^uint64(0) << lo
	}
	return ((uint64(1) << (hi + 1)) - 1) &^ ((uint64(1) << lo) - 1)
}
