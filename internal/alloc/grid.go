package alloc

import "github.com/signalsfoundry/enb-scheduler/model"

// RBGrid tracks resource-block occupancy of one direction of a carrier for
// one TTI.
type RBGrid struct {
	mask *Bitset
}

// NewRBGrid returns an empty grid of n resource blocks.
func NewRBGrid(n int) *RBGrid {
	return &RBGrid{mask: NewBitset(n)}
}

// Size returns the number of resource blocks.
func (g *RBGrid) Size() int { return g.mask.Size() }

// Reset frees every resource block.
func (g *RBGrid) Reset() { g.mask.Reset() }

// Mask returns a copy of the occupancy.
func (g *RBGrid) Mask() *Bitset { return g.mask.Clone() }

// contains reports whether r lies within the grid.
func (g *RBGrid) contains(r model.RBRange) bool {
	return r.Len > 0 && r.Start >= 0 && r.End() <= g.mask.Size()
}

// IsFree reports whether every RB of r is inside the grid and unused.
func (g *RBGrid) IsFree(r model.RBRange) bool {
	return g.contains(r) && !g.mask.AnyInRange(r.Start, r.End())
}

// TryReserve marks r used if every RB in it is free. On failure nothing
// changes.
func (g *RBGrid) TryReserve(r model.RBRange) bool {
	if !g.IsFree(r) {
		return false
	}
	g.mask.SetRange(r.Start, r.End())
	return true
}

// TryReserveIndices marks an explicit set of RBs used if all of them are
// free, distinct and inside the grid. On failure nothing changes.
func (g *RBGrid) TryReserveIndices(idx []int) bool {
	if len(idx) == 0 {
		return false
	}
	want := NewBitset(g.mask.Size())
	for _, i := range idx {
		if i < 0 || i >= g.mask.Size() || want.Test(i) {
			return false
		}
		want.Set(i)
	}
	if want.Intersects(g.mask) {
		return false
	}
	for _, i := range idx {
		g.mask.Set(i)
	}
	return true
}

// Reserve marks r used regardless of current occupancy. It is meant for
// fixed regions laid down before any grant of the TTI.
func (g *RBGrid) Reserve(r model.RBRange) {
	g.mask.SetRange(r.Start, r.End())
}

// CountFree returns the number of unused RBs.
func (g *RBGrid) CountFree() int {
	return g.mask.Size() - g.mask.Count()
}

// LargestContiguousFree returns the longest run of unused RBs, the lowest
// one on ties. The range is empty when the grid is full.
func (g *RBGrid) LargestContiguousFree() model.RBRange {
	var best model.RBRange
	for start := g.mask.NextClear(0); start >= 0; {
		end := g.mask.NextSet(start)
		if end < 0 {
			end = g.mask.Size()
		}
		if end-start > best.Len {
			best = model.RBRange{Start: start, Len: end - start}
		}
		if end >= g.mask.Size() {
			break
		}
		start = g.mask.NextClear(end)
	}
	return best
}

// FirstFit returns the lowest run of n unused RBs.
func (g *RBGrid) FirstFit(n int) (model.RBRange, bool) {
	if n <= 0 {
		return model.RBRange{}, false
	}
	for start := g.mask.NextClear(0); start >= 0; {
		end := g.mask.NextSet(start)
		if end < 0 {
			end = g.mask.Size()
		}
		if end-start >= n {
			return model.RBRange{Start: start, Len: n}, true
		}
		if end >= g.mask.Size() {
			break
		}
		start = g.mask.NextClear(end)
	}
	return model.RBRange{}, false
}
