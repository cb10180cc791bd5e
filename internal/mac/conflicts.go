package mac

import (
	"errors"
	"fmt"
	"sort"

	"github.com/signalsfoundry/enb-scheduler/core"
	"github.com/signalsfoundry/enb-scheduler/internal/alloc"
	"github.com/signalsfoundry/enb-scheduler/model"
)

// CollisionKind names the resource two allocations fight over.
type CollisionKind string

const (
	CollisionRBRange     CollisionKind = "rb_range"     // outside the carrier or bad RIV
	CollisionDLRB        CollisionKind = "dl_rb"        // overlapping downlink grants
	CollisionULRB        CollisionKind = "ul_rb"        // overlapping uplink grants
	CollisionULReserved  CollisionKind = "ul_reserved"  // uplink grant on control or random-access RBs
	CollisionCCE         CollisionKind = "cce"          // overlapping or misplaced control candidates
	CollisionPHICH       CollisionKind = "phich"        // shared feedback slot
	CollisionFeedback    CollisionKind = "feedback"     // indication for a process not awaiting feedback
	CollisionDoubleGrant CollisionKind = "double_grant" // two grants for one UE and direction
)

// Collision captures one invariant violation in a Result.
type Collision struct {
	Kind   CollisionKind
	RNTIs  []uint16
	Detail string
}

func (c Collision) String() string {
	return fmt.Sprintf("%s %v: %s", c.Kind, c.RNTIs, c.Detail)
}

// ProcessKey identifies an uplink HARQ process of a UE on one carrier.
type ProcessKey struct {
	RNTI uint16
	PID  int
}

// DetectCollisions inspects r for resource collisions given the carrier it
// was built for. awaiting holds the uplink processes that were waiting for
// feedback when the pass started; nil skips the feedback check.
func DetectCollisions(r *Result, cfg model.CarrierConfig, awaiting map[ProcessKey]bool) []Collision {
	if r == nil {
		return nil
	}
	var out []Collision
	out = append(out, detectRangeErrors(r.dl, cfg.NumPRB)...)
	out = append(out, detectRangeErrors(r.ul, cfg.NumPRB)...)
	out = append(out, detectRBOverlap(r.dl, CollisionDLRB)...)
	out = append(out, detectRBOverlap(r.ul, CollisionULRB)...)
	out = append(out, detectReservedOverlap(r.ul, r.ulReserved)...)
	out = append(out, detectDoubleGrants(r.dl)...)
	out = append(out, detectDoubleGrants(r.ul)...)
	out = append(out, detectCCECollisions(r)...)
	out = append(out, detectFeedbackCollisions(r, cfg.PHICHCapacity(), awaiting)...)
	return out
}

// ValidateResult turns any collision in r into an internal-consistency
// error.
func ValidateResult(r *Result, cfg model.CarrierConfig, awaiting map[ProcessKey]bool) error {
	collisions := DetectCollisions(r, cfg, awaiting)
	if len(collisions) == 0 {
		return nil
	}
	errs := make([]error, 0, len(collisions))
	for _, c := range collisions {
		errs = append(errs, core.Inconsistent(fmt.Sprintf("result carrier %d tti %v", r.carrier, r.tti), "%s", c))
	}
	return errors.Join(errs...)
}

func detectRangeErrors(grants []model.Grant, numPRB int) []Collision {
	var out []Collision
	for _, g := range grants {
		if g.RBs.Empty() || g.RBs.Start < 0 || g.RBs.End() > numPRB {
			out = append(out, Collision{Kind: CollisionRBRange, RNTIs: []uint16{g.RNTI}, Detail: fmt.Sprintf("%s rbs %v outside %d", g.Direction, g.RBs, numPRB)})
			continue
		}
		start, length, err := alloc.DecodeRIV(g.RIV, numPRB)
		if err != nil || start != g.RBs.Start || length != g.RBs.Len {
			out = append(out, Collision{Kind: CollisionRBRange, RNTIs: []uint16{g.RNTI}, Detail: fmt.Sprintf("riv %d does not encode %v", g.RIV, g.RBs)})
		}
	}
	return out
}

// detectRBOverlap sweeps the grants in start order, keeping the one that
// reaches furthest.
func detectRBOverlap(grants []model.Grant, kind CollisionKind) []Collision {
	if len(grants) < 2 {
		return nil
	}
	sorted := append([]model.Grant(nil), grants...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].RBs.Start < sorted[j].RBs.Start
	})
	var out []Collision
	reach := sorted[0]
	for _, g := range sorted[1:] {
		if g.RBs.Overlaps(reach.RBs) {
			out = append(out, Collision{Kind: kind, RNTIs: []uint16{reach.RNTI, g.RNTI}, Detail: fmt.Sprintf("%v overlaps %v", reach.RBs, g.RBs)})
		}
		if g.RBs.End() > reach.RBs.End() {
			reach = g
		}
	}
	return out
}

func detectReservedOverlap(grants []model.Grant, reserved []model.RBRange) []Collision {
	var out []Collision
	for _, g := range grants {
		for _, r := range reserved {
			if g.RBs.Overlaps(r) {
				out = append(out, Collision{Kind: CollisionULReserved, RNTIs: []uint16{g.RNTI}, Detail: fmt.Sprintf("%v overlaps reserved %v", g.RBs, r)})
			}
		}
	}
	return out
}

func detectDoubleGrants(grants []model.Grant) []Collision {
	seen := make(map[uint16]bool, len(grants))
	var out []Collision
	for _, g := range grants {
		if seen[g.RNTI] {
			out = append(out, Collision{Kind: CollisionDoubleGrant, RNTIs: []uint16{g.RNTI}, Detail: fmt.Sprintf("second %s grant", g.Direction)})
		}
		seen[g.RNTI] = true
	}
	return out
}

func detectCCECollisions(r *Result) []Collision {
	all := make([]model.Grant, 0, len(r.dl)+len(r.ul))
	all = append(all, r.dl...)
	all = append(all, r.ul...)

	var out []Collision
	used := alloc.NewBitset(max(r.cceLimit, 1))
	owner := make(map[int]uint16)
	for _, g := range all {
		loc := g.CCE
		if loc.Level < 1 || loc.Start%loc.Level != 0 || loc.Start < 0 || loc.Start+loc.Level > r.cceLimit {
			out = append(out, Collision{Kind: CollisionCCE, RNTIs: []uint16{g.RNTI}, Detail: fmt.Sprintf("%v misplaced (limit %d)", loc, r.cceLimit)})
			continue
		}
		if used.AnyInRange(loc.Start, loc.Start+loc.Level) {
			other := owner[used.NextSet(loc.Start)]
			out = append(out, Collision{Kind: CollisionCCE, RNTIs: []uint16{other, g.RNTI}, Detail: fmt.Sprintf("%v already taken", loc)})
			continue
		}
		used.SetRange(loc.Start, loc.Start+loc.Level)
		for i := loc.Start; i < loc.Start+loc.Level; i++ {
			owner[i] = g.RNTI
		}
	}
	return out
}

func detectFeedbackCollisions(r *Result, capacity int, awaiting map[ProcessKey]bool) []Collision {
	var out []Collision

	slots := make(map[int]uint16, len(r.ul))
	for _, g := range r.ul {
		s := g.Feedback.Slot()
		if s < 0 || s >= capacity {
			out = append(out, Collision{Kind: CollisionPHICH, RNTIs: []uint16{g.RNTI}, Detail: fmt.Sprintf("grant slot %d outside %d", s, capacity)})
			continue
		}
		if other, ok := slots[s]; ok {
			out = append(out, Collision{Kind: CollisionPHICH, RNTIs: []uint16{other, g.RNTI}, Detail: fmt.Sprintf("grant slot %d shared", s)})
		}
		slots[s] = g.RNTI
	}

	slots = make(map[int]uint16, len(r.indications))
	seen := make(map[ProcessKey]bool, len(r.indications))
	for _, ind := range r.indications {
		key := ProcessKey{RNTI: ind.RNTI, PID: ind.PID}
		if seen[key] {
			out = append(out, Collision{Kind: CollisionFeedback, RNTIs: []uint16{ind.RNTI}, Detail: fmt.Sprintf("pid %d indicated twice", ind.PID)})
		}
		seen[key] = true
		if awaiting != nil && !awaiting[key] {
			out = append(out, Collision{Kind: CollisionFeedback, RNTIs: []uint16{ind.RNTI}, Detail: fmt.Sprintf("pid %d was not awaiting feedback", ind.PID)})
		}
		s := ind.Resource.Slot()
		if s < 0 || s >= capacity {
			out = append(out, Collision{Kind: CollisionPHICH, RNTIs: []uint16{ind.RNTI}, Detail: fmt.Sprintf("indication slot %d outside %d", s, capacity)})
			continue
		}
		if other, ok := slots[s]; ok {
			out = append(out, Collision{Kind: CollisionPHICH, RNTIs: []uint16{other, ind.RNTI}, Detail: fmt.Sprintf("indication slot %d shared", s)})
		}
		slots[s] = ind.RNTI
	}
	return out
}
