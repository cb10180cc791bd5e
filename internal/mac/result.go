package mac

import (
	"github.com/signalsfoundry/enb-scheduler/internal/alloc"
	"github.com/signalsfoundry/enb-scheduler/model"
	"github.com/signalsfoundry/enb-scheduler/timectrl"
)

// Result is the scheduling decision of one carrier for one TTI. It is
// built by a single pass and never mutated after RunTTI returns it; the
// accessors hand out copies.
type Result struct {
	carrier uint32
	tti     timectrl.TTI
	txTTI   timectrl.TTI

	cfi      int
	cceLimit int
	cce      *alloc.Bitset

	dl          []model.Grant
	ul          []model.Grant
	indications []model.FeedbackIndication
	drops       []model.DroppedTB

	prach      bool
	ulReserved []model.RBRange
}

// Carrier returns the carrier index.
func (r *Result) Carrier() uint32 { return r.carrier }

// TTI returns the decision TTI.
func (r *Result) TTI() timectrl.TTI { return r.tti }

// TxTTI returns the TTI in which the grants are transmitted.
func (r *Result) TxTTI() timectrl.TTI { return r.txTTI }

// CFI returns the control-region span in symbols.
func (r *Result) CFI() int { return r.cfi }

// CCELimit returns the number of CCEs usable at CFI.
func (r *Result) CCELimit() int { return r.cceLimit }

// PRACH reports whether TxTTI carries a random-access opportunity.
func (r *Result) PRACH() bool { return r.prach }

// DLGrants returns the downlink grants in allocation order.
func (r *Result) DLGrants() []model.Grant { return append([]model.Grant(nil), r.dl...) }

// ULGrants returns the uplink grants in allocation order.
func (r *Result) ULGrants() []model.Grant { return append([]model.Grant(nil), r.ul...) }

// Grants returns the grants of dir.
func (r *Result) Grants(dir model.Direction) []model.Grant {
	if dir == model.Uplink {
		return r.ULGrants()
	}
	return r.DLGrants()
}

// Indications returns the uplink feedback indications.
func (r *Result) Indications() []model.FeedbackIndication {
	return append([]model.FeedbackIndication(nil), r.indications...)
}

// Drops returns the transport blocks discarded this TTI.
func (r *Result) Drops() []model.DroppedTB { return append([]model.DroppedTB(nil), r.drops...) }

// ControlMap returns the CCE occupancy.
func (r *Result) ControlMap() *alloc.Bitset { return r.cce.Clone() }

// ULReserved returns the uplink ranges held for control and random access.
func (r *Result) ULReserved() []model.RBRange { return append([]model.RBRange(nil), r.ulReserved...) }

// Summary is a compact view of a Result for logs and debug endpoints.
type Summary struct {
	Carrier     uint32 `json:"carrier"`
	TTI         uint32 `json:"tti"`
	CFI         int    `json:"cfi"`
	DLGrants    int    `json:"dl_grants"`
	ULGrants    int    `json:"ul_grants"`
	DLRBs       int    `json:"dl_rbs"`
	ULRBs       int    `json:"ul_rbs"`
	CCEsUsed    int    `json:"cces_used"`
	Indications int    `json:"indications"`
	Drops       int    `json:"drops"`
	PRACH       bool   `json:"prach"`
}

// Summary condenses the result.
func (r *Result) Summary() Summary {
	return Summary{
		Carrier:     r.carrier,
		TTI:         uint32(r.tti),
		CFI:         r.cfi,
		DLGrants:    len(r.dl),
		ULGrants:    len(r.ul),
		DLRBs:       sumRBs(r.dl),
		ULRBs:       sumRBs(r.ul),
		CCEsUsed:    r.cce.Count(),
		Indications: len(r.indications),
		Drops:       len(r.drops),
		PRACH:       r.prach,
	}
}

func sumRBs(grants []model.Grant) int {
	n := 0
	for _, g := range grants {
		n += g.RBs.Len
	}
	return n
}
