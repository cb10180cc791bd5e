package alloc

import "github.com/signalsfoundry/enb-scheduler/model"

// MaxAggregationLevel is the largest control-channel aggregation level.
const MaxAggregationLevel = 8

// ControlRegion tracks control-channel element occupancy for one TTI. Only
// CCEs below Limit are usable; the limit follows the control-region span
// chosen for the TTI.
type ControlRegion struct {
	mask  *Bitset
	limit int
}

// NewControlRegion returns an empty region of capacity CCEs.
func NewControlRegion(capacity int) *ControlRegion {
	return &ControlRegion{mask: NewBitset(capacity), limit: capacity}
}

// Capacity returns the number of CCEs at the largest control-region span.
func (c *ControlRegion) Capacity() int { return c.mask.Size() }

// Limit returns the number of usable CCEs this TTI.
func (c *ControlRegion) Limit() int { return c.limit }

// SetLimit restricts allocation to CCEs [0, n).
func (c *ControlRegion) SetLimit(n int) {
	c.limit = max(0, min(n, c.mask.Size()))
}

// Reset frees every CCE and lifts the limit.
func (c *ControlRegion) Reset() {
	c.mask.Reset()
	c.limit = c.mask.Size()
}

// Used returns the number of reserved CCEs.
func (c *ControlRegion) Used() int { return c.mask.Count() }

// Mask returns a copy of the occupancy.
func (c *ControlRegion) Mask() *Bitset { return c.mask.Clone() }

// FitLevel returns the largest valid aggregation level not above level
// that fits inside the usable region, or 0.
func (c *ControlRegion) FitLevel(level int) int {
	for l := MaxAggregationLevel; l >= 1; l >>= 1 {
		if l <= level && l <= c.limit {
			return l
		}
	}
	return 0
}

// TryReserve reserves loc if it is aligned, inside the usable region and
// free.
func (c *ControlRegion) TryReserve(loc model.CCELocation) bool {
	if !validLevel(loc.Level) || loc.Start < 0 || loc.Start%loc.Level != 0 || loc.Start+loc.Level > c.limit {
		return false
	}
	if c.mask.AnyInRange(loc.Start, loc.Start+loc.Level) {
		return false
	}
	c.mask.SetRange(loc.Start, loc.Start+loc.Level)
	return true
}

// TryReserveAligned reserves the first free span of level CCEs starting on
// a multiple of level.
func (c *ControlRegion) TryReserveAligned(level int) (model.CCELocation, bool) {
	if !validLevel(level) {
		return model.CCELocation{}, false
	}
	for start := 0; start+level <= c.limit; start += level {
		if c.mask.AnyInRange(start, start+level) {
			continue
		}
		c.mask.SetRange(start, start+level)
		return model.CCELocation{Start: start, Level: level}, true
	}
	return model.CCELocation{}, false
}

func validLevel(level int) bool {
	return level >= 1 && level <= MaxAggregationLevel && level&(level-1) == 0
}
