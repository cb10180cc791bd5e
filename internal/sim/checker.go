package sim

import (
	"fmt"

	"github.com/signalsfoundry/enb-scheduler/internal/alloc"
	"github.com/signalsfoundry/enb-scheduler/internal/mac"
	"github.com/signalsfoundry/enb-scheduler/model"
	"github.com/signalsfoundry/enb-scheduler/timectrl"
)

// Violation is one invariant breach seen by the Checker.
type Violation struct {
	TTI     timectrl.TTI `json:"tti"`
	Carrier uint32       `json:"carrier"`
	Detail  string       `json:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("tti %v carrier %d: %s", v.TTI, v.Carrier, v.Detail)
}

type processKey struct {
	carrier uint32
	rnti    uint16
	pid     int
}

// Checker re-derives the per-TTI invariants from published results alone,
// without looking at scheduler state. It also tracks uplink transmissions
// to verify every one of them gets exactly one feedback indication, on
// time, and keeps the admitted UE configurations to verify no grant lands
// in a measurement gap.
type Checker struct {
	carriers    map[uint32]model.CarrierConfig
	ues         map[uint16]model.UEConfig
	outstanding map[processKey]model.Grant
	violations  []Violation
}

// NewChecker returns a checker for the given carriers.
func NewChecker(carriers []model.CarrierConfig) *Checker {
	c := &Checker{
		carriers:    make(map[uint32]model.CarrierConfig, len(carriers)),
		ues:         make(map[uint16]model.UEConfig),
		outstanding: make(map[processKey]model.Grant),
	}
	for _, cfg := range carriers {
		c.carriers[cfg.Index] = cfg
	}
	return c
}

// Violations returns everything found so far.
func (c *Checker) Violations() []Violation {
	return append([]Violation(nil), c.violations...)
}

// Admit records the configuration of a newly attached UE.
func (c *Checker) Admit(cfg model.UEConfig) {
	c.ues[cfg.RNTI] = cfg
}

// Forget drops the configuration and outstanding transmissions of a
// detached UE.
func (c *Checker) Forget(rnti uint16) {
	delete(c.ues, rnti)
	for k := range c.outstanding {
		if k.rnti == rnti {
			delete(c.outstanding, k)
		}
	}
}

// Check verifies res and returns the violations it found.
func (c *Checker) Check(res *mac.Result) []Violation {
	cfg, ok := c.carriers[res.Carrier()]
	if !ok {
		return c.report(res, "result for unknown carrier")
	}
	var found []string
	add := func(format string, args ...any) { found = append(found, fmt.Sprintf(format, args...)) }

	if res.CFI() < cfg.MinCFI || res.CFI() > cfg.MaxCFI {
		add("cfi %d outside [%d, %d]", res.CFI(), cfg.MinCFI, cfg.MaxCFI)
	}
	if res.CCELimit() != cfg.CCECount(res.CFI()) {
		add("cce limit %d does not match cfi %d", res.CCELimit(), res.CFI())
	}

	cces := make([]bool, res.CCELimit())
	for _, dir := range model.Directions {
		grants := res.Grants(dir)
		if len(grants) > cfg.MaxGrants(dir) {
			add("%d %s grants over the limit of %d", len(grants), dir, cfg.MaxGrants(dir))
		}
		rbs := make([]bool, cfg.NumPRB)
		if dir == model.Uplink {
			for _, r := range reservedUplink(cfg, res.TxTTI()) {
				for i := r.Start; i < r.End(); i++ {
					rbs[i] = true
				}
			}
		}
		rntis := make(map[uint16]bool)
		ack := make(map[int]bool)
		phich := make(map[int]bool)
		for _, g := range grants {
			if rntis[g.RNTI] {
				add("rnti 0x%x has two %s grants", g.RNTI, dir)
			}
			rntis[g.RNTI] = true
			if g.TTI != res.TxTTI() {
				add("grant for 0x%x transmitted at %v, want %v", g.RNTI, g.TTI, res.TxTTI())
			}
			if ue, ok := c.ues[g.RNTI]; ok && ue.InMeasGap(g.TTI) {
				add("%s grant for 0x%x inside its measurement gap at %v", dir, g.RNTI, g.TTI)
			}

			if g.RBs.Start < 0 || g.RBs.Len < 1 || g.RBs.End() > cfg.NumPRB {
				add("%s rbs %v outside carrier", dir, g.RBs)
			} else {
				for i := g.RBs.Start; i < g.RBs.End(); i++ {
					if rbs[i] {
						add("%s rb %d used twice (rnti 0x%x)", dir, i, g.RNTI)
						break
					}
					rbs[i] = true
				}
				if start, length, err := alloc.DecodeRIV(g.RIV, cfg.NumPRB); err != nil || start != g.RBs.Start || length != g.RBs.Len {
					add("riv %d does not describe %v", g.RIV, g.RBs)
				}
			}

			loc := g.CCE
			switch {
			case loc.Level != 1 && loc.Level != 2 && loc.Level != 4 && loc.Level != 8:
				add("aggregation level %d", loc.Level)
			case loc.Start%loc.Level != 0 || loc.Start < 0 || loc.Start+loc.Level > len(cces):
				add("cce %v misplaced in %d", loc, len(cces))
			default:
				for i := loc.Start; i < loc.Start+loc.Level; i++ {
					if cces[i] {
						add("cce %d used twice (rnti 0x%x)", i, g.RNTI)
						break
					}
					cces[i] = true
				}
			}

			if dir == model.Downlink {
				if g.AckResource != cfg.N1PUCCH+loc.Start {
					add("ack resource %d for cce %v", g.AckResource, loc)
				}
				if ack[g.AckResource] {
					add("ack resource %d used twice", g.AckResource)
				}
				ack[g.AckResource] = true
				continue
			}
			slot := g.Feedback.Slot()
			if slot < 0 || slot >= cfg.PHICHCapacity() || phich[slot] {
				add("phich slot %d of 0x%x unusable", slot, g.RNTI)
			}
			phich[slot] = true
		}
	}

	found = append(found, c.checkFeedback(res, cfg)...)
	for _, d := range found {
		c.report(res, d)
	}
	return c.violations[len(c.violations)-len(found):]
}

// checkFeedback matches indications against the uplink transmissions seen
// so far, then records the uplink grants of res.
func (c *Checker) checkFeedback(res *mac.Result, cfg model.CarrierConfig) []string {
	var found []string
	now := res.TTI()
	slots := make(map[int]bool)
	for _, ind := range res.Indications() {
		key := processKey{carrier: cfg.Index, rnti: ind.RNTI, pid: ind.PID}
		g, ok := c.outstanding[key]
		switch {
		case !ok:
			found = append(found, fmt.Sprintf("indication for 0x%x pid %d with nothing outstanding", ind.RNTI, ind.PID))
		case g.TTI != ind.OriginTTI:
			found = append(found, fmt.Sprintf("indication for 0x%x pid %d names %v, sent %v", ind.RNTI, ind.PID, ind.OriginTTI, g.TTI))
		case timectrl.Distance(g.TTI, now) < cfg.Timing.FeedbackDelay:
			found = append(found, fmt.Sprintf("indication for 0x%x pid %d before it was due", ind.RNTI, ind.PID))
		}
		delete(c.outstanding, key)
		if s := ind.Resource.Slot(); slots[s] {
			found = append(found, fmt.Sprintf("indication slot %d used twice", s))
		} else {
			slots[s] = true
		}
	}
	for key, g := range c.outstanding {
		if key.carrier == cfg.Index && timectrl.Distance(g.TTI, now) > cfg.Timing.FeedbackDelay+cfg.Timing.FeedbackTimeout {
			found = append(found, fmt.Sprintf("no indication for 0x%x pid %d sent %v", key.rnti, key.pid, g.TTI))
			delete(c.outstanding, key)
		}
	}
	for _, g := range res.ULGrants() {
		key := processKey{carrier: cfg.Index, rnti: g.RNTI, pid: g.PID}
		if _, busy := c.outstanding[key]; busy {
			found = append(found, fmt.Sprintf("ul grant for 0x%x pid %d still awaiting feedback", g.RNTI, g.PID))
		}
		c.outstanding[key] = g
	}
	return found
}

func (c *Checker) report(res *mac.Result, detail string) []Violation {
	v := Violation{TTI: res.TTI(), Carrier: res.Carrier(), Detail: detail}
	c.violations = append(c.violations, v)
	return []Violation{v}
}

// reservedUplink lists the uplink RBs no grant may use at tx.
func reservedUplink(cfg model.CarrierConfig, tx timectrl.TTI) []model.RBRange {
	out := []model.RBRange{
		{Start: 0, Len: cfg.PUCCHEdgeRBs},
		{Start: cfg.NumPRB - cfg.PUCCHEdgeRBs, Len: cfg.PUCCHEdgeRBs},
	}
	if cfg.PRACH.IsOpportunity(tx) {
		out = append(out, cfg.PRACH.RBs())
	}
	return out
}
