// Package mac implements the per-carrier MAC scheduler: once per TTI it
// resolves due HARQ feedback, places retransmissions, hands out new-data
// grants by priority and publishes a validated, immutable Result.
package mac

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/enb-scheduler/core"
	"github.com/signalsfoundry/enb-scheduler/internal/alloc"
	"github.com/signalsfoundry/enb-scheduler/internal/logging"
	"github.com/signalsfoundry/enb-scheduler/internal/observability"
	"github.com/signalsfoundry/enb-scheduler/model"
	"github.com/signalsfoundry/enb-scheduler/timectrl"
)

// ErrCarrierHalted is returned by RunTTI once a carrier has hit an
// internal-consistency violation.
var ErrCarrierHalted = errors.New("carrier halted")

// DefaultMaxWaitTTIs caps the wait term of the priority metric.
const DefaultMaxWaitTTIs = 1000

// Deferral reasons reported to metrics.
const (
	deferNoRBs     = "no_rbs"
	deferNoCCE     = "no_cce"
	deferMaxGrants = "max_grants"
	deferMinGrant  = "min_grant"
	deferPHICH     = "phich"
	deferMeasGap   = "meas_gap"
)

// UESource lists the UEs active on a carrier, ordered by RNTI.
type UESource interface {
	ListUEsOnCarrier(carrier uint32) []*core.UE
}

// Options carries the optional collaborators of a Scheduler.
type Options struct {
	Logger      logging.Logger
	Metrics     *observability.MACCollector
	Tracer      trace.Tracer
	MaxWaitTTIs int
}

// Scheduler schedules one carrier. RunTTI is serialized; concurrent callers
// wait for each other.
type Scheduler struct {
	cfg     model.CarrierConfig
	ues     UESource
	log     logging.Logger
	metrics *observability.MACCollector
	tracer  trace.Tracer
	maxWait int

	mu  sync.Mutex
	dl  *alloc.RBGrid
	ul  *alloc.RBGrid
	cce *alloc.ControlRegion
	// phich holds the feedback slots already promised for each TTI.
	phich  map[timectrl.TTI]*alloc.Bitset
	halted error
	last   *Result

	// step counts TTIs across passes without wrapping; grant ages are
	// measured in it.
	step    uint64
	lastTTI timectrl.TTI
	started bool
}

// NewScheduler validates cfg and returns a scheduler for that carrier.
func NewScheduler(cfg model.CarrierConfig, ues UESource, opts Options) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ues == nil {
		return nil, fmt.Errorf("carrier %d: nil UE source", cfg.Index)
	}
	log := opts.Logger
	if log == nil {
		log = logging.Noop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = observability.Tracer()
	}
	maxWait := opts.MaxWaitTTIs
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTTIs
	}
	return &Scheduler{
		cfg:     cfg,
		ues:     ues,
		log:     log.With(logging.Carrier(cfg.Index)),
		metrics: opts.Metrics,
		tracer:  tracer,
		maxWait: maxWait,
		dl:      alloc.NewRBGrid(cfg.NumPRB),
		ul:      alloc.NewRBGrid(cfg.NumPRB),
		cce:     alloc.NewControlRegion(cfg.MaxCCEs()),
		phich:   make(map[timectrl.TTI]*alloc.Bitset),
	}, nil
}

// Config returns the carrier configuration.
func (s *Scheduler) Config() model.CarrierConfig { return s.cfg }

// Halted returns the violation that stopped the carrier, or nil.
func (s *Scheduler) Halted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// LastResult returns the most recent published result, or nil.
func (s *Scheduler) LastResult() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// RunTTI runs the scheduling passes for decision TTI now and returns the
// published result. An internal-consistency violation halts the carrier:
// no result is published and every later call fails with ErrCarrierHalted.
func (s *Scheduler) RunTTI(ctx context.Context, now timectrl.TTI) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted != nil {
		return nil, fmt.Errorf("%w: carrier %d: %w", ErrCarrierHalted, s.cfg.Index, s.halted)
	}

	ctx, span := s.tracer.Start(ctx, "mac.RunTTI", trace.WithAttributes(
		attribute.Int64("mac.carrier", int64(s.cfg.Index)),
		attribute.Int64("mac.tti", int64(now)),
	))
	defer span.End()

	s.advance(now)
	start := time.Now()
	p := s.newPass(ctx, now)
	res, err := p.run()
	if err != nil {
		s.halted = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "internal consistency violation")
		s.metrics.IncConsistencyViolation(s.cfg.Index)
		s.log.Error(ctx, "carrier halted", logging.TTI(now), logging.Err(err))
		return nil, err
	}
	s.last = res

	span.SetAttributes(
		attribute.Int("mac.dl_grants", len(res.dl)),
		attribute.Int("mac.ul_grants", len(res.ul)),
		attribute.Int("mac.cfi", res.cfi),
	)
	s.metrics.ObservePass(s.cfg.Index, time.Since(start))
	s.metrics.SetControlSymbols(s.cfg.Index, res.cfi)
	s.metrics.SetRBUtilisation(s.cfg.Index, model.Downlink.String(), float64(sumRBs(res.dl))/float64(s.cfg.NumPRB))
	s.metrics.SetRBUtilisation(s.cfg.Index, model.Uplink.String(), float64(sumRBs(res.ul))/float64(s.cfg.NumPRB))
	return res, nil
}

// advance moves step forward by the TTIs elapsed since the previous pass.
func (s *Scheduler) advance(now timectrl.TTI) {
	if s.started {
		if d := timectrl.Distance(s.lastTTI, now); d > 0 {
			s.step += uint64(d)
		}
	}
	s.lastTTI = now
	s.started = true
}

// pass holds the state of one RunTTI call.
type pass struct {
	s    *Scheduler
	ctx  context.Context
	now  timectrl.TTI
	tx   timectrl.TTI
	step uint64
	ues []*core.UE
	res *Result

	served   [2]map[uint16]bool
	awaiting map[ProcessKey]bool
}

func (s *Scheduler) newPass(ctx context.Context, now timectrl.TTI) *pass {
	tx := now.Add(s.cfg.Timing.TxDelay)
	p := &pass{
		s:    s,
		ctx:  ctx,
		now:  now,
		tx:   tx,
		step: s.step,
		ues:  s.ues.ListUEsOnCarrier(s.cfg.Index),
		res:  &Result{carrier: s.cfg.Index, tti: now, txTTI: tx},
		served: [2]map[uint16]bool{
			make(map[uint16]bool),
			make(map[uint16]bool),
		},
		awaiting: make(map[ProcessKey]bool),
	}
	for _, ue := range p.ues {
		for _, proc := range ue.HARQ(s.cfg.Index, model.Uplink) {
			if proc.PendingFeedback() {
				p.awaiting[ProcessKey{RNTI: ue.RNTI(), PID: proc.ID()}] = true
			}
		}
	}
	return p
}

func (p *pass) run() (*Result, error) {
	p.reserveFixed()
	p.sizeControlRegion()
	if err := p.resolveFeedback(); err != nil {
		return nil, err
	}
	for _, dir := range model.Directions {
		if err := p.retransmit(dir); err != nil {
			return nil, err
		}
	}
	for _, dir := range model.Directions {
		if err := p.newData(dir); err != nil {
			return nil, err
		}
	}
	p.s.releasePHICH(p.now)

	p.res.cce = p.s.cce.Mask()
	p.res.cceLimit = p.s.cce.Limit()
	if err := ValidateResult(p.res, p.s.cfg, p.awaiting); err != nil {
		return nil, err
	}
	return p.res, nil
}

// reserveFixed lays down the uplink control edges and, on random-access
// opportunities, the PRACH RBs before any grant.
func (p *pass) reserveFixed() {
	cfg := p.s.cfg
	p.s.dl.Reset()
	p.s.ul.Reset()
	p.s.cce.Reset()

	if e := cfg.PUCCHEdgeRBs; e > 0 {
		lo := model.RBRange{Start: 0, Len: e}
		hi := model.RBRange{Start: cfg.NumPRB - e, Len: e}
		p.s.ul.Reserve(lo)
		p.s.ul.Reserve(hi)
		p.res.ulReserved = append(p.res.ulReserved, lo, hi)
	}
	if cfg.PRACH.IsOpportunity(p.tx) {
		r := cfg.PRACH.RBs()
		p.s.ul.Reserve(r)
		p.res.ulReserved = append(p.res.ulReserved, r)
		p.res.prach = true
	}
}

// sizeControlRegion picks the smallest CFI whose CCE count covers the
// aggregation levels of the grants this TTI could carry.
func (p *pass) sizeControlRegion() {
	cfg := p.s.cfg
	demand := 0
	for _, dir := range model.Directions {
		n := 0
		for _, ue := range p.ues {
			if n >= cfg.MaxGrants(dir) {
				break
			}
			cs, ok := ue.Carrier(cfg.Index)
			if !ok || !p.wantsGrant(ue, cs, dir) {
				continue
			}
			demand += model.AggregationLevel(cs.CQI())
			n++
		}
	}
	cfi := cfg.MaxCFI
	for c := cfg.MinCFI; c <= cfg.MaxCFI; c++ {
		if cfg.CCECount(c) >= demand {
			cfi = c
			break
		}
	}
	p.res.cfi = cfi
	p.s.cce.SetLimit(cfg.CCECount(cfi))
}

func (p *pass) wantsGrant(ue *core.UE, cs *core.CarrierState, dir model.Direction) bool {
	if ue.InMeasGap(p.tx) {
		return false
	}
	for _, proc := range cs.HARQ(dir) {
		if proc.RetxPending() {
			return true
		}
		if o, due := proc.FeedbackDue(p.now, p.s.cfg.Timing); due && o == core.OutcomeNACK && proc.TxCount() < proc.MaxTx() {
			return true
		}
	}
	return cs.CQI() > 0 && ue.BacklogFor(dir) > 0 && cs.IdleProcess(dir) != nil
}

// resolveFeedback applies every outcome due this TTI, downlink first, in
// RNTI then process order. Uplink outcomes are indicated on PHICH.
func (p *pass) resolveFeedback() error {
	cfg := p.s.cfg
	for _, dir := range model.Directions {
		for _, ue := range p.ues {
			for _, proc := range ue.HARQ(cfg.Index, dir) {
				outcome, due := proc.FeedbackDue(p.now, cfg.Timing)
				if !due {
					continue
				}
				var slot model.FeedbackResource
				if dir == model.Uplink {
					var ok bool
					if slot, ok = p.feedbackSlot(proc); !ok {
						p.deferral(ue, dir, deferPHICH)
						continue
					}
				}
				r, err := proc.Resolve(outcome)
				if err != nil {
					return err
				}
				p.applyResolution(ue, proc, r, slot)
			}
		}
	}
	return nil
}

// feedbackSlot returns the PHICH slot for proc's outcome this TTI: the one
// reserved with the grant when the outcome is on time, otherwise the next
// free slot after the grant-derived one.
func (p *pass) feedbackSlot(proc *core.HARQProcess) (model.FeedbackResource, bool) {
	preferred := proc.Resource().Feedback
	if timectrl.Distance(proc.TTI(), p.now) == p.s.cfg.Timing.FeedbackDelay {
		return preferred, true
	}
	slot, ok := p.s.reservePHICH(p.now, preferred.Slot())
	return model.FeedbackResourceFromSlot(slot), ok
}

func (p *pass) applyResolution(ue *core.UE, proc *core.HARQProcess, r core.Resolution, slot model.FeedbackResource) {
	cfg := p.s.cfg
	dir := proc.Direction()
	if r.Dropped {
		p.res.drops = append(p.res.drops, model.DroppedTB{
			RNTI:      ue.RNTI(),
			Carrier:   cfg.Index,
			Direction: dir,
			PID:       proc.ID(),
			Bytes:     r.Resource.TBS,
			TxCount:   r.TxCount,
		})
		p.s.metrics.IncDrop(cfg.Index, dir.String())
		p.s.log.Warn(p.ctx, "harq transport block dropped",
			logging.TTI(p.now), logging.RNTI(ue.RNTI()), logging.Dir(dir), logging.PID(proc.ID()),
			logging.Int("tx_count", r.TxCount), logging.Int("bytes", r.Resource.TBS))
	}
	if dir != model.Uplink {
		return
	}
	// a discarded block is acknowledged so the UE flushes its buffer
	ack := r.Outcome == core.OutcomeACK || r.Dropped
	p.res.indications = append(p.res.indications, model.FeedbackIndication{
		RNTI:      ue.RNTI(),
		PID:       proc.ID(),
		ACK:       ack,
		OriginTTI: r.OriginTTI,
		Resource:  slot,
	})
	p.s.metrics.IncFeedback(cfg.Index, ack)
}

// retransmit re-issues every process waiting for a retransmission in dir
// on a fresh range of the same length. Processes that do not fit keep
// waiting for the next TTI.
func (p *pass) retransmit(dir model.Direction) error {
	cfg := p.s.cfg
	grid := p.s.grid(dir)
	for _, ue := range p.ues {
		cs, ok := ue.Carrier(cfg.Index)
		if !ok {
			continue
		}
		for _, proc := range cs.HARQ(dir) {
			if !proc.RetxPending() {
				continue
			}
			if ue.InMeasGap(p.tx) {
				p.deferral(ue, dir, deferMeasGap)
				continue
			}
			if p.served[dir][ue.RNTI()] || len(p.grants(dir)) >= cfg.MaxGrants(dir) {
				p.deferral(ue, dir, deferMaxGrants)
				continue
			}
			prev := proc.Resource()
			rbs, ok := grid.FirstFit(prev.RBs.Len)
			if !ok {
				p.deferral(ue, dir, deferNoRBs)
				continue
			}
			loc, ok := p.s.cce.TryReserveAligned(p.s.cce.FitLevel(model.AggregationLevel(cs.CQI())))
			if !ok {
				p.deferral(ue, dir, deferNoCCE)
				continue
			}
			res := model.Resource{RBs: rbs, CQI: prev.CQI, TBS: prev.TBS, CCE: loc}
			if err := p.place(ue, proc, res, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// newData hands out new-data grants in dir by descending priority until
// RBs, CCEs or the grant budget run out.
func (p *pass) newData(dir model.Direction) error {
	cfg := p.s.cfg
	grid := p.s.grid(dir)
	limit := cfg.GrantRBLimit()

	for _, c := range collectCandidates(p.ues, cfg.Index, dir, p.tx, p.step, p.s.maxWait, p.served[dir]) {
		if len(p.grants(dir)) >= cfg.MaxGrants(dir) {
			p.deferral(c.ue, dir, deferMaxGrants)
			continue
		}
		free := grid.LargestContiguousFree()
		if free.Empty() {
			p.deferral(c.ue, dir, deferNoRBs)
			continue
		}
		need := model.RBsForBytes(c.cqi, c.backlog, limit)
		n := min(free.Len, need, limit)
		if n < min(cfg.MinGrantRBs, need) {
			p.deferral(c.ue, dir, deferMinGrant)
			continue
		}
		loc, ok := p.s.cce.TryReserveAligned(p.s.cce.FitLevel(model.AggregationLevel(c.cqi)))
		if !ok {
			p.deferral(c.ue, dir, deferNoCCE)
			continue
		}
		res := model.Resource{
			RBs: model.RBRange{Start: free.Start, Len: n},
			CQI: c.cqi,
			TBS: model.TBS(c.cqi, n),
			CCE: loc,
		}
		proc := c.cs.IdleProcess(dir)
		if err := p.place(c.ue, proc, res, false); err != nil {
			return err
		}
	}
	return nil
}

// place commits an allocation: RBs, PHICH slot for uplink, the HARQ
// transition, backlog and the published grant. Every resource was found
// free beforehand, so any failure here is a consistency violation.
func (p *pass) place(ue *core.UE, proc *core.HARQProcess, res model.Resource, retx bool) error {
	cfg := p.s.cfg
	dir := proc.Direction()
	component := fmt.Sprintf("carrier %d %s rnti 0x%x", cfg.Index, dir, ue.RNTI())

	if !p.s.grid(dir).TryReserve(res.RBs) {
		return core.Inconsistent(component, "rbs %v not free after search", res.RBs)
	}
	riv, err := alloc.EncodeRIV(res.RBs.Start, res.RBs.Len, cfg.NumPRB)
	if err != nil {
		return core.Inconsistent(component, "%v", err)
	}
	if dir == model.Uplink {
		due := p.now.Add(cfg.Timing.RoundTrip())
		slot, ok := p.s.reservePHICH(due, res.RBs.Start%cfg.PHICHCapacity())
		if !ok {
			return core.Inconsistent(component, "no phich slot left for tti %v", due)
		}
		res.Feedback = model.FeedbackResourceFromSlot(slot)
	}

	if retx {
		err = proc.Retransmit(res, p.tx)
	} else {
		err = proc.NewTransmission(res, p.tx)
	}
	if err != nil {
		return err
	}

	cs, _ := ue.Carrier(cfg.Index)
	cs.MarkGranted(dir, p.step)
	if !retx {
		ue.Consume(dir, res.TBS)
	}
	p.served[dir][ue.RNTI()] = true

	g := model.Grant{
		RNTI:      ue.RNTI(),
		Carrier:   cfg.Index,
		Direction: dir,
		TTI:       p.tx,
		PID:       proc.ID(),
		RBs:       res.RBs,
		RIV:       riv,
		TBS:       res.TBS,
		CQI:       res.CQI,
		Retx:      retx,
		TxCount:   proc.TxCount(),
		CCE:       res.CCE,
		Feedback:  res.Feedback,
	}
	if dir == model.Downlink {
		g.AckResource = cfg.N1PUCCH + res.CCE.Start
		p.res.dl = append(p.res.dl, g)
	} else {
		p.res.ul = append(p.res.ul, g)
	}
	p.s.metrics.AddGrant(cfg.Index, dir.String(), retx, res.TBS)
	p.s.log.Debug(p.ctx, "grant", logging.TTI(p.now), logging.Any("grant", g.String()))
	return nil
}

func (p *pass) grants(dir model.Direction) []model.Grant {
	if dir == model.Uplink {
		return p.res.ul
	}
	return p.res.dl
}

func (p *pass) deferral(ue *core.UE, dir model.Direction, reason string) {
	p.s.metrics.IncDeferral(p.s.cfg.Index, dir.String(), reason)
	p.s.log.Debug(p.ctx, "allocation deferred",
		logging.TTI(p.now), logging.RNTI(ue.RNTI()), logging.Dir(dir), logging.String("reason", reason))
}

func (s *Scheduler) grid(dir model.Direction) *alloc.RBGrid {
	if dir == model.Uplink {
		return s.ul
	}
	return s.dl
}

// reservePHICH takes the first free feedback slot of tti at or cyclically
// after preferred.
func (s *Scheduler) reservePHICH(tti timectrl.TTI, preferred int) (int, bool) {
	mask, ok := s.phich[tti]
	if !ok {
		mask = alloc.NewBitset(s.cfg.PHICHCapacity())
		s.phich[tti] = mask
	}
	slot := mask.NextClear(preferred)
	if slot < 0 {
		slot = mask.NextClear(0)
	}
	if slot < 0 {
		return 0, false
	}
	mask.Set(slot)
	return slot, true
}

// releasePHICH forgets the slots of now and of any TTI already behind it.
func (s *Scheduler) releasePHICH(now timectrl.TTI) {
	for tti := range s.phich {
		if timectrl.Distance(tti, now) >= 0 {
			delete(s.phich, tti)
		}
	}
}
