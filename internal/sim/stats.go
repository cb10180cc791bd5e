package sim

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/signalsfoundry/enb-scheduler/internal/mac"
	"github.com/signalsfoundry/enb-scheduler/model"
)

// UEStats accumulates what one UE was granted while attached.
type UEStats struct {
	RNTI    string  `json:"rnti"`
	DLRBs   int     `json:"dl_rbs"`
	ULRBs   int     `json:"ul_rbs"`
	DLBytes uint64  `json:"dl_bytes"`
	ULBytes uint64  `json:"ul_bytes"`
	TTIs    int     `json:"ttis"`
	DLMbps  float64 `json:"dl_mbps"`
	ULMbps  float64 `json:"ul_mbps"`
}

// Summary is the JSON report of a simulation run.
type Summary struct {
	RunID         string         `json:"run_id,omitempty"`
	Seed          int64          `json:"seed"`
	TTIs          int            `json:"ttis"`
	Carriers      []int          `json:"carrier_prbs"`
	PRACH         []PRACHSummary `json:"prach"`
	MeasGapPeriod int            `json:"meas_gap_period"`

	Attached int `json:"attached"`
	Detached int `json:"detached"`
	Rejected int `json:"rejected"`

	DLGrants         int `json:"dl_grants"`
	ULGrants         int `json:"ul_grants"`
	Retransmissions  int `json:"retransmissions"`
	Drops            int `json:"drops"`
	Indications      int `json:"indications"`
	FeedbackErrors   int `json:"feedback_errors"`
	WithheldFeedback int `json:"withheld_feedback"`

	DLBytes  uint64 `json:"dl_bytes"`
	ULBytes  uint64 `json:"ul_bytes"`
	DLVolume string `json:"dl_volume"`
	ULVolume string `json:"ul_volume"`

	Violations []Violation `json:"violations"`
	UEs        []UEStats   `json:"ues"`
}

// PRACHSummary is the random-access schedule a carrier ran with.
type PRACHSummary struct {
	Period int `json:"period"`
	Offset int `json:"offset"`
}

type stats struct {
	summary Summary
	ues     map[uint16]*UEStats
}

func newStats() *stats {
	return &stats{ues: make(map[uint16]*UEStats)}
}

func (s *stats) ue(rnti uint16) *UEStats {
	u, ok := s.ues[rnti]
	if !ok {
		u = &UEStats{RNTI: fmt.Sprintf("0x%04x", rnti)}
		s.ues[rnti] = u
	}
	return u
}

func (s *stats) record(res *mac.Result) {
	sum := &s.summary
	for _, dir := range model.Directions {
		for _, g := range res.Grants(dir) {
			u := s.ue(g.RNTI)
			if dir == model.Uplink {
				sum.ULGrants++
				sum.ULBytes += uint64(g.TBS)
				u.ULRBs += g.RBs.Len
				u.ULBytes += uint64(g.TBS)
			} else {
				sum.DLGrants++
				sum.DLBytes += uint64(g.TBS)
				u.DLRBs += g.RBs.Len
				u.DLBytes += uint64(g.TBS)
			}
			if g.Retx {
				sum.Retransmissions++
			}
		}
	}
	sum.Drops += len(res.Drops())
	sum.Indications += len(res.Indications())
}

// finish fills the derived fields. Rates are in Mbit/s for 1 ms TTIs.
func (s *stats) finish() Summary {
	out := s.summary
	out.DLVolume = humanize.Bytes(out.DLBytes)
	out.ULVolume = humanize.Bytes(out.ULBytes)
	out.UEs = make([]UEStats, 0, len(s.ues))
	rntis := make([]uint16, 0, len(s.ues))
	for rnti := range s.ues {
		rntis = append(rntis, rnti)
	}
	sort.Slice(rntis, func(i, j int) bool { return rntis[i] < rntis[j] })
	for _, rnti := range rntis {
		u := *s.ues[rnti]
		if u.TTIs > 0 {
			u.DLMbps = float64(u.DLBytes) * 8 * 0.001 / float64(u.TTIs)
			u.ULMbps = float64(u.ULBytes) * 8 * 0.001 / float64(u.TTIs)
		}
		out.UEs = append(out.UEs, u)
	}
	if out.Violations == nil {
		out.Violations = []Violation{}
	}
	return out
}
