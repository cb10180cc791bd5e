package model

import (
	"fmt"

	"github.com/signalsfoundry/enb-scheduler/timectrl"
)

// Direction is the link direction of a grant or HARQ process.
type Direction int

const (
	Downlink Direction = iota
	Uplink
)

// Directions lists both directions in pass order.
var Directions = [...]Direction{Downlink, Uplink}

func (d Direction) String() string {
	switch d {
	case Downlink:
		return "dl"
	case Uplink:
		return "ul"
	default:
		return "unknown"
	}
}

// RBRange is a contiguous run of resource blocks [Start, Start+Len).
type RBRange struct {
	Start int
	Len   int
}

// End returns one past the last RB.
func (r RBRange) End() int { return r.Start + r.Len }

// Empty reports whether the range holds no RB.
func (r RBRange) Empty() bool { return r.Len <= 0 }

// Overlaps reports whether r and o share at least one RB.
func (r RBRange) Overlaps(o RBRange) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return r.Start < o.End() && o.Start < r.End()
}

func (r RBRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End())
}

// CCELocation is a control-channel candidate: Level consecutive CCEs
// starting at an index aligned to Level.
type CCELocation struct {
	Start int
	Level int
}

// Overlaps reports whether two locations share a CCE.
func (c CCELocation) Overlaps(o CCELocation) bool {
	if c.Level <= 0 || o.Level <= 0 {
		return false
	}
	return c.Start < o.Start+o.Level && o.Start < c.Start+c.Level
}

func (c CCELocation) String() string {
	return fmt.Sprintf("cce%d/L%d", c.Start, c.Level)
}

// PHICHSeqsPerGroup is the number of orthogonal sequences per PHICH group.
const PHICHSeqsPerGroup = 8

// FeedbackResource is the PHICH (group, sequence) carrying an uplink HARQ
// outcome.
type FeedbackResource struct {
	Group int
	Seq   int
}

// FeedbackResourceFromSlot maps a flat slot index to group and sequence.
func FeedbackResourceFromSlot(slot int) FeedbackResource {
	return FeedbackResource{Group: slot / PHICHSeqsPerGroup, Seq: slot % PHICHSeqsPerGroup}
}

// Slot returns the flat slot index.
func (f FeedbackResource) Slot() int {
	return f.Group*PHICHSeqsPerGroup + f.Seq
}

// Resource describes what a HARQ process transmitted: where, how large and
// at which channel quality.
type Resource struct {
	RBs      RBRange
	CQI      int
	TBS      int
	CCE      CCELocation
	Feedback FeedbackResource
}

// Grant is a single downlink or uplink data allocation.
type Grant struct {
	RNTI      uint16
	Carrier   uint32
	Direction Direction
	// TTI is the TTI in which the grant is transmitted.
	TTI     timectrl.TTI
	PID     int
	RBs     RBRange
	RIV     uint32
	TBS     int
	CQI     int
	Retx    bool
	TxCount int
	CCE     CCELocation
	// AckResource is the uplink control resource carrying the terminal's
	// ACK/NACK for a downlink grant.
	AckResource int
	// Feedback is the PHICH slot reserved for the outcome of an uplink grant.
	Feedback FeedbackResource
}

func (g Grant) String() string {
	kind := "new"
	if g.Retx {
		kind = "retx"
	}
	return fmt.Sprintf("%s rnti=0x%x pid=%d %s rbs=%v tbs=%d %s tx=%d", g.Direction, g.RNTI, g.PID, kind, g.RBs, g.TBS, g.CCE, g.TxCount)
}

// FeedbackIndication delivers the outcome of one uplink HARQ process.
type FeedbackIndication struct {
	RNTI      uint16
	PID       int
	ACK       bool
	OriginTTI timectrl.TTI
	Resource  FeedbackResource
}

// DroppedTB reports a transport block discarded after its last allowed
// transmission failed.
type DroppedTB struct {
	RNTI      uint16
	Carrier   uint32
	Direction Direction
	PID       int
	Bytes     int
	TxCount   int
}
