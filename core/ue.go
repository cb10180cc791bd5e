package core

import (
	"fmt"
	"sync"

	"github.com/signalsfoundry/enb-scheduler/model"
	"github.com/signalsfoundry/enb-scheduler/timectrl"
)

// CarrierState is the part of a UE context owned by one carrier: its HARQ
// processes, the latest channel-quality report and when the UE was last
// granted. Only that carrier's scheduler writes it during a pass;
// collaborators report between passes.
//
// Grant times are kept as monotonic pass steps, not TTIs, so a wait longer
// than the TTI horizon does not wrap.
type CarrierState struct {
	carrier uint32
	cqi     int
	harq    [2][]*HARQProcess

	lastGrant [2]uint64
	granted   [2]bool
}

func newCarrierState(carrier uint32, cfg model.UEConfig) *CarrierState {
	cs := &CarrierState{carrier: carrier, cqi: model.ClampCQI(cfg.InitialCQI)}
	for _, dir := range model.Directions {
		procs := make([]*HARQProcess, cfg.HARQProcesses)
		for pid := range procs {
			procs[pid] = NewHARQProcess(pid, dir, cfg.MaxHARQTx)
		}
		cs.harq[dir] = procs
	}
	return cs
}

// Carrier returns the carrier index.
func (cs *CarrierState) Carrier() uint32 { return cs.carrier }

// CQI returns the latest channel-quality report.
func (cs *CarrierState) CQI() int { return cs.cqi }

// HARQ returns the processes of dir, indexed by process id.
func (cs *CarrierState) HARQ(dir model.Direction) []*HARQProcess { return cs.harq[dir] }

// IdleProcess returns the lowest-numbered idle process of dir.
func (cs *CarrierState) IdleProcess(dir model.Direction) *HARQProcess {
	for _, p := range cs.harq[dir] {
		if p.IsIdle() {
			return p
		}
	}
	return nil
}

// Wait returns the steps since the last grant in dir, capped at limit. A UE
// never granted counts as having waited limit steps.
func (cs *CarrierState) Wait(dir model.Direction, step uint64, limit int) int {
	if !cs.granted[dir] || step < cs.lastGrant[dir] {
		return limit
	}
	if w := step - cs.lastGrant[dir]; w < uint64(limit) {
		return int(w)
	}
	return limit
}

// MarkGranted records a grant in dir decided at step.
func (cs *CarrierState) MarkGranted(dir model.Direction, step uint64) {
	cs.lastGrant[dir] = step
	cs.granted[dir] = true
}

// UE is the context of one attached terminal. Backlog is shared by every
// carrier the UE is active on and is guarded by a mutex so carriers
// scheduled concurrently serialize on it.
type UE struct {
	cfg model.UEConfig

	mu        sync.Mutex
	dlBacklog int
	ulBacklog int

	carriers map[uint32]*CarrierState
}

// NewUE builds the context for cfg with every HARQ process idle. cfg is
// expected to be validated already.
func NewUE(cfg model.UEConfig) *UE {
	cfg.Carriers = append([]uint32(nil), cfg.Carriers...)
	ue := &UE{cfg: cfg, carriers: make(map[uint32]*CarrierState, len(cfg.Carriers))}
	for _, c := range cfg.Carriers {
		ue.carriers[c] = newCarrierState(c, cfg)
	}
	return ue
}

func (u *UE) RNTI() uint16           { return u.cfg.RNTI }
func (u *UE) Config() model.UEConfig { return u.cfg }
func (u *UE) Policy() model.Policy   { return u.cfg.Policy }

// InMeasGap reports whether the UE is tuned away at tti.
func (u *UE) InMeasGap(tti timectrl.TTI) bool { return u.cfg.InMeasGap(tti) }

// NumCarriers returns the number of carriers the UE is active on.
func (u *UE) NumCarriers() int { return len(u.cfg.Carriers) }

// Carrier returns the UE's state on carrier.
func (u *UE) Carrier(carrier uint32) (*CarrierState, bool) {
	cs, ok := u.carriers[carrier]
	return cs, ok
}

// AddDownlinkBytes adds n bytes of downlink backlog.
func (u *UE) AddDownlinkBytes(n int) {
	if n <= 0 {
		return
	}
	u.mu.Lock()
	u.dlBacklog += n
	u.mu.Unlock()
}

// AddUplinkBytes adds n bytes of uplink backlog.
func (u *UE) AddUplinkBytes(n int) {
	if n <= 0 {
		return
	}
	u.mu.Lock()
	u.ulBacklog += n
	u.mu.Unlock()
}

// ConsumeDownlink removes up to n bytes of downlink backlog and returns how
// many were removed.
func (u *UE) ConsumeDownlink(n int) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return consume(&u.dlBacklog, n)
}

// ConsumeUplink removes up to n bytes of uplink backlog and returns how
// many were removed.
func (u *UE) ConsumeUplink(n int) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return consume(&u.ulBacklog, n)
}

// Consume dispatches to ConsumeDownlink or ConsumeUplink.
func (u *UE) Consume(dir model.Direction, n int) int {
	if dir == model.Uplink {
		return u.ConsumeUplink(n)
	}
	return u.ConsumeDownlink(n)
}

func consume(backlog *int, n int) int {
	if n <= 0 {
		return 0
	}
	taken := min(n, *backlog)
	*backlog -= taken
	return taken
}

// Backlog returns the downlink and uplink backlog in bytes.
func (u *UE) Backlog() (dl, ul int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dlBacklog, u.ulBacklog
}

// BacklogFor returns the backlog of one direction.
func (u *UE) BacklogFor(dir model.Direction) int {
	dl, ul := u.Backlog()
	if dir == model.Uplink {
		return ul
	}
	return dl
}

// CQI returns the latest channel-quality report on carrier, or 0 when the
// UE is not active there.
func (u *UE) CQI(carrier uint32) int {
	if cs, ok := u.carriers[carrier]; ok {
		return cs.cqi
	}
	return 0
}

// HARQ returns the processes of dir on carrier.
func (u *UE) HARQ(carrier uint32, dir model.Direction) []*HARQProcess {
	if cs, ok := u.carriers[carrier]; ok {
		return cs.harq[dir]
	}
	return nil
}

// ReportCQI stores a channel-quality report for carrier.
func (u *UE) ReportCQI(carrier uint32, cqi int) error {
	cs, ok := u.carriers[carrier]
	if !ok {
		return fmt.Errorf("%w: rnti 0x%x not on carrier %d", ErrUnknownProcess, u.cfg.RNTI, carrier)
	}
	cs.cqi = model.ClampCQI(cqi)
	return nil
}

// ReportHARQOutcome records the outcome of the transmission of process pid
// at origin.
func (u *UE) ReportHARQOutcome(carrier uint32, dir model.Direction, pid int, origin timectrl.TTI, ack bool) error {
	procs := u.HARQ(carrier, dir)
	if pid < 0 || pid >= len(procs) {
		return fmt.Errorf("%w: rnti 0x%x carrier %d %s pid %d", ErrUnknownProcess, u.cfg.RNTI, carrier, dir, pid)
	}
	if err := procs[pid].SetOutcome(origin, ack); err != nil {
		return fmt.Errorf("rnti 0x%x carrier %d: %w", u.cfg.RNTI, carrier, err)
	}
	return nil
}
