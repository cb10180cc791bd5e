package mac

import (
	"sort"

	"github.com/signalsfoundry/enb-scheduler/core"
	"github.com/signalsfoundry/enb-scheduler/model"
	"github.com/signalsfoundry/enb-scheduler/timectrl"
)

// candidate is a UE competing for new data in one direction of one TTI.
type candidate struct {
	ue      *core.UE
	cs      *core.CarrierState
	backlog int
	cqi     int
	metric  float64
}

// priorityMetric returns the policy-specific weight of a candidate. Larger
// is served first.
func priorityMetric(policy model.Policy, backlog, cqi, wait, carriers int) float64 {
	base := float64(backlog) * float64(1+wait)
	switch policy {
	case model.PolicyMaxThroughput:
		return base * model.CQIEfficiency(cqi)
	case model.PolicyCrossCarrier:
		if carriers > 1 {
			return base / float64(carriers)
		}
		return base
	default:
		return base
	}
}

// candidateList orders new-data candidates by priority.
type candidateList []candidate

// collectCandidates returns the UEs with backlog, channel quality and an
// idle process in dir, skipping those already served this TTI and those in
// a measurement gap at tx. step is the pass step grant ages are measured in.
func collectCandidates(ues []*core.UE, carrier uint32, dir model.Direction, tx timectrl.TTI, step uint64, maxWait int, served map[uint16]bool) candidateList {
	var out candidateList
	for _, ue := range ues {
		if served[ue.RNTI()] || ue.InMeasGap(tx) {
			continue
		}
		cs, ok := ue.Carrier(carrier)
		if !ok || cs.CQI() == 0 || cs.IdleProcess(dir) == nil {
			continue
		}
		backlog := ue.BacklogFor(dir)
		if backlog <= 0 {
			continue
		}
		wait := cs.Wait(dir, step, maxWait)
		out = append(out, candidate{
			ue:      ue,
			cs:      cs,
			backlog: backlog,
			cqi:     cs.CQI(),
			metric:  priorityMetric(ue.Policy(), backlog, cs.CQI(), wait, ue.NumCarriers()),
		})
	}
	out.sortByPriority()
	return out
}

// sortByPriority orders by descending metric; equal metrics go to the lower
// RNTI.
func (l candidateList) sortByPriority() {
	sort.SliceStable(l, func(i, j int) bool {
		if l[i].metric != l[j].metric {
			return l[i].metric > l[j].metric
		}
		return l[i].ue.RNTI() < l[j].ue.RNTI()
	})
}
