// Package sim drives carrier schedulers with randomized traffic: terminals
// attach at random-access opportunities, receive bursty backlog, report
// channel quality and HARQ outcomes, and detach after a random connection
// time. Every published result is re-checked independently.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"

	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/enb-scheduler/core"
	"github.com/signalsfoundry/enb-scheduler/internal/logging"
	"github.com/signalsfoundry/enb-scheduler/internal/mac"
	"github.com/signalsfoundry/enb-scheduler/internal/observability"
	"github.com/signalsfoundry/enb-scheduler/kb"
	"github.com/signalsfoundry/enb-scheduler/model"
	"github.com/signalsfoundry/enb-scheduler/timectrl"
)

// ErrInvariantViolation is returned by Run when the checker found any
// violation.
var ErrInvariantViolation = errors.New("scheduling invariant violated")

// Params controls the randomized traffic.
type Params struct {
	Seed     int64
	TTIs     int
	StartTTI timectrl.TTI

	// MaxUsers bounds the number of attached UEs. At each random-access
	// opportunity of the primary carrier a UE attaches with PAttach.
	MaxUsers    int
	PAttach     float64
	MinConnTTIs int
	MaxConnTTIs int
	// PSecondary is the probability a new UE is also active on every
	// other carrier.
	PSecondary float64

	// PUplink and PDownlink are the per-TTI arrival probabilities; a
	// negative value draws one from [0, 0.5) for the whole run. Arrival
	// sizes are 10^U(MinArrivalExp, MaxArrivalExp) bytes.
	PUplink       float64
	PDownlink     float64
	MinArrivalExp float64
	MaxArrivalExp float64

	// PAck is the probability a transmission is acknowledged. The last
	// allowed attempt is always acknowledged unless ForceNACK is set, in
	// which case every attempt fails.
	PAck      float64
	ForceNACK bool
	// PNoFeedback is the probability an outcome is never reported, so the
	// scheduler has to time it out as negative.
	PNoFeedback float64
	// MaxHARQTx is the UE transmission limit; 0 draws one from [1, 5].
	MaxHARQTx int

	// RandomPRACH redraws the period and offset of every carrier that has
	// random access from the run's random source.
	RandomPRACH bool
	// MeasGapPeriod is the measurement-gap period of new UEs, each with a
	// random offset. A negative value draws 0, 40 or 80 for the whole run.
	MeasGapPeriod int

	CQIPeriod int
	// PCQILoss is the probability a report says the UE is out of range.
	PCQILoss float64
	Policies  []model.Policy
}

// DefaultParams mirrors the randomized scheduler test of a single cell.
func DefaultParams() Params {
	return Params{
		Seed:          1,
		TTIs:          int(timectrl.Horizon) + 10,
		MaxUsers:      5,
		PAttach:       0.99,
		MinConnTTIs:   500,
		MaxConnTTIs:   10000,
		PSecondary:    0.5,
		PUplink:       -1,
		PDownlink:     -1,
		MinArrivalExp: 1,
		MaxArrivalExp: 4,
		PAck:          0.5,
		PNoFeedback:   0.02,
		RandomPRACH:   true,
		MeasGapPeriod: -1,
		CQIPeriod:     40,
		PCQILoss:      0.01,
		Policies:      []model.Policy{model.PolicyProportionalFair, model.PolicyMaxThroughput, model.PolicyCrossCarrier},
	}
}

// Validate checks the parameters are usable.
func (p Params) Validate() error {
	var errs []error
	if p.TTIs < 0 {
		errs = append(errs, fmt.Errorf("ttis %d < 0", p.TTIs))
	}
	if p.MaxUsers < 0 {
		errs = append(errs, fmt.Errorf("max users %d < 0", p.MaxUsers))
	}
	if p.MinConnTTIs < 1 || p.MaxConnTTIs < p.MinConnTTIs {
		errs = append(errs, fmt.Errorf("connection time [%d, %d] invalid", p.MinConnTTIs, p.MaxConnTTIs))
	}
	if p.MinArrivalExp < 0 || p.MaxArrivalExp < p.MinArrivalExp {
		errs = append(errs, fmt.Errorf("arrival exponents [%v, %v] invalid", p.MinArrivalExp, p.MaxArrivalExp))
	}
	for name, v := range map[string]float64{"p_attach": p.PAttach, "p_secondary": p.PSecondary, "p_ack": p.PAck, "p_no_feedback": p.PNoFeedback, "p_cqi_loss": p.PCQILoss} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s %v outside [0, 1]", name, v))
		}
	}
	if p.PUplink > 1 || p.PDownlink > 1 {
		errs = append(errs, fmt.Errorf("arrival probabilities %v/%v above 1", p.PUplink, p.PDownlink))
	}
	if p.MaxHARQTx < 0 || p.MaxHARQTx > 28 {
		errs = append(errs, fmt.Errorf("max harq tx %d outside [0, 28]", p.MaxHARQTx))
	}
	if p.MeasGapPeriod > 0 && !slices.Contains(model.MeasGapPeriods, p.MeasGapPeriod) {
		errs = append(errs, fmt.Errorf("measurement gap period %d not one of %v", p.MeasGapPeriod, model.MeasGapPeriods))
	}
	if p.CQIPeriod < 0 {
		errs = append(errs, fmt.Errorf("cqi period %d < 0", p.CQIPeriod))
	}
	if len(p.Policies) == 0 {
		errs = append(errs, errors.New("no scheduling policy"))
	}
	return errors.Join(errs...)
}

// Options carries the optional collaborators of a Driver.
type Options struct {
	Logger   logging.Logger
	Metrics  *observability.MACCollector
	Tracer   trace.Tracer
	Parallel bool
	// MaxWaitTTIs caps the wait term of the priority metric; zero keeps
	// the scheduler default.
	MaxWaitTTIs int
	// Clock is shared with an external time controller; nil creates one at
	// Params.StartTTI.
	Clock *timectrl.Clock
}

type simUser struct {
	ue       *core.UE
	detachID string
}

// Driver owns the UE database, the cell and the random source of one
// simulation. It is not safe for concurrent use; Tick is meant to be
// called from a single time-controller goroutine.
type Driver struct {
	p        Params
	rng      *rand.Rand
	carriers []model.CarrierConfig
	db       *kb.UEDatabase
	clock    *timectrl.Clock
	cell     *mac.Cell
	events   EventQueue
	checker  *Checker
	log      logging.Logger
	metrics  *observability.MACCollector

	users     map[uint16]*simUser
	nextRNTI  uint16
	pUL, pDL  float64
	maxTx     int
	gapPeriod int
	stats     *stats
}

// prachPeriods are the random-access periods RandomPRACH draws from. Each
// divides the TTI horizon.
var prachPeriods = []int{2, 5, 10, 20}

// New builds a driver for carriers. The first carrier is every UE's
// primary carrier.
func New(carriers []model.CarrierConfig, p Params, opts Options) (*Driver, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("simulation params: %w", err)
	}
	if len(carriers) == 0 {
		return nil, errors.New("simulation needs at least one carrier")
	}
	log := opts.Logger
	if log == nil {
		log = logging.Noop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = timectrl.NewClock(p.StartTTI)
	}

	// the random source is the only source of nondeterminism
	rng := rand.New(rand.NewSource(p.Seed))
	carriers = slices.Clone(carriers)
	if p.RandomPRACH {
		for i := range carriers {
			if pr := &carriers[i].PRACH; pr.Period > 0 {
				pr.Period = prachPeriods[rng.Intn(len(prachPeriods))]
				pr.Offset = rng.Intn(pr.Period)
			}
		}
	}
	db := kb.NewUEDatabase(carriers)
	cell, err := mac.NewCell(db, clock, mac.CellOptions{
		Options: mac.Options{
			Logger:      log,
			Metrics:     opts.Metrics,
			Tracer:      opts.Tracer,
			MaxWaitTTIs: opts.MaxWaitTTIs,
		},
		Parallel: opts.Parallel,
	})
	if err != nil {
		return nil, err
	}

	d := &Driver{
		p:         p,
		rng:       rng,
		carriers:  db.Carriers(),
		db:        db,
		clock:     clock,
		cell:      cell,
		events:    NewEventQueue(clock),
		checker:   NewChecker(carriers),
		log:       log,
		metrics:   opts.Metrics,
		users:     make(map[uint16]*simUser),
		nextRNTI:  0x46,
		pUL:       p.PUplink,
		pDL:       p.PDownlink,
		maxTx:     p.MaxHARQTx,
		gapPeriod: p.MeasGapPeriod,
		stats:     newStats(),
	}
	if d.pUL < 0 {
		d.pUL = rng.Float64() * 0.5
	}
	if d.pDL < 0 {
		d.pDL = rng.Float64() * 0.5
	}
	if d.maxTx == 0 {
		d.maxTx = 1 + rng.Intn(5)
	}
	if d.gapPeriod < 0 {
		periods := append([]int{0}, model.MeasGapPeriods...)
		d.gapPeriod = periods[rng.Intn(len(periods))]
	}
	d.stats.summary.Seed = p.Seed
	for _, c := range d.carriers {
		d.stats.summary.Carriers = append(d.stats.summary.Carriers, c.NumPRB)
		d.stats.summary.PRACH = append(d.stats.summary.PRACH, PRACHSummary{Period: c.PRACH.Period, Offset: c.PRACH.Offset})
	}
	d.stats.summary.MeasGapPeriod = d.gapPeriod
	return d, nil
}

// Cell returns the scheduled cell.
func (d *Driver) Cell() *mac.Cell { return d.cell }

// Database returns the UE database.
func (d *Driver) Database() *kb.UEDatabase { return d.db }

// Clock returns the TTI clock.
func (d *Driver) Clock() *timectrl.Clock { return d.clock }

// Carriers returns the carrier configurations in use, random-access
// schedule included.
func (d *Driver) Carriers() []model.CarrierConfig { return slices.Clone(d.carriers) }

// Violations returns the invariant violations found so far.
func (d *Driver) Violations() []Violation { return d.checker.Violations() }

// Run executes Params.TTIs TTIs and returns the summary. It stops early on
// a scheduler error or when ctx is cancelled.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	ctx, runID := logging.EnsureRunID(ctx)
	ctx, log := logging.WithRunLogger(ctx, d.log)
	log.Info(ctx, "simulation starting",
		logging.Seed(d.p.Seed),
		logging.Int("ttis", d.p.TTIs),
		logging.Any("carrier_prbs", d.stats.summary.Carriers),
		logging.Int("max_harq_tx", d.maxTx),
		logging.Int("meas_gap_period", d.gapPeriod),
		logging.Any("prach", d.stats.summary.PRACH),
	)

	var runErr error
	for i := 0; i < d.p.TTIs; i++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if err := d.Step(ctx); err != nil {
			runErr = err
			break
		}
	}

	summary := d.Summary()
	summary.RunID = runID
	if runErr == nil && len(summary.Violations) > 0 {
		runErr = fmt.Errorf("%w: %d found, first: %s", ErrInvariantViolation, len(summary.Violations), summary.Violations[0])
	}
	fields := []logging.Field{
		logging.Int("ttis", summary.TTIs),
		logging.Int("dl_grants", summary.DLGrants),
		logging.Int("ul_grants", summary.ULGrants),
		logging.Int("drops", summary.Drops),
		logging.Int("violations", len(summary.Violations)),
	}
	if runErr != nil {
		log.Error(ctx, "simulation failed", append(fields, logging.Err(runErr))...)
	} else {
		log.Info(ctx, "simulation finished", fields...)
	}
	return summary, runErr
}

// Step runs the clock's current TTI and advances the clock.
func (d *Driver) Step(ctx context.Context) error {
	err := d.Tick(ctx, d.clock.Now())
	d.clock.Advance()
	return err
}

// Tick runs one TTI at now without advancing the clock: due events,
// attaches, traffic and channel reports first, then the carrier passes,
// then checking and feedback for what was granted.
func (d *Driver) Tick(ctx context.Context, now timectrl.TTI) error {
	d.events.RunDue()
	d.maybeAttach(ctx, now)
	d.arrivals()
	d.reportCQI(ctx, now)

	results, err := d.cell.RunTTI(ctx, now)
	for _, res := range results {
		if res == nil {
			continue
		}
		for _, v := range d.checker.Check(res) {
			d.log.Error(ctx, "invariant violated", logging.Carrier(v.Carrier), logging.TTI(v.TTI), logging.String("detail", v.Detail))
		}
		d.stats.record(res)
		d.feedback(ctx, res)
	}
	for _, u := range d.users {
		d.stats.ue(u.ue.RNTI()).TTIs++
	}
	d.stats.summary.TTIs++
	return err
}

// Summary returns the statistics gathered so far.
func (d *Driver) Summary() Summary {
	d.stats.summary.Violations = d.checker.Violations()
	return d.stats.finish()
}

func (d *Driver) maybeAttach(ctx context.Context, now timectrl.TTI) {
	primary := d.carriers[0]
	if primary.PRACH.Period > 0 && !primary.PRACH.IsOpportunity(now) {
		return
	}
	if len(d.users) >= d.p.MaxUsers || d.rng.Float64() >= d.p.PAttach {
		return
	}

	carriers := []uint32{primary.Index}
	if len(d.carriers) > 1 && d.rng.Float64() < d.p.PSecondary {
		for _, c := range d.carriers[1:] {
			carriers = append(carriers, c.Index)
		}
	}
	sr, cqi, ok := d.freeControlPair(carriers)
	if !ok {
		d.stats.summary.Rejected++
		return
	}

	cfg := model.DefaultUEConfig(d.allocateRNTI(), primary.Index)
	cfg.Carriers = carriers
	cfg.SRIndex = sr
	cfg.CQIIndex = cqi
	cfg.MaxHARQTx = d.maxTx
	cfg.InitialCQI = 5 + d.rng.Intn(model.MaxCQI-4)
	cfg.CQIPeriod = d.p.CQIPeriod
	if cfg.CQIPeriod > 0 {
		cfg.CQIOffset = d.rng.Intn(cfg.CQIPeriod)
	}
	cfg.Policy = d.p.Policies[d.rng.Intn(len(d.p.Policies))]
	if d.gapPeriod > 0 {
		cfg.MeasGapPeriod = d.gapPeriod
		cfg.MeasGapOffset = d.rng.Intn(d.gapPeriod)
	}

	ue, err := d.db.AddUE(cfg)
	if err != nil {
		d.stats.summary.Rejected++
		d.log.Warn(ctx, "attach rejected", logging.RNTI(cfg.RNTI), logging.Err(err))
		return
	}
	conn := d.p.MinConnTTIs + d.rng.Intn(d.p.MaxConnTTIs-d.p.MinConnTTIs+1)
	rnti := cfg.RNTI
	id := d.events.Schedule(d.clock.Steps()+uint64(conn), func() { d.detach(ctx, rnti) })
	d.users[rnti] = &simUser{ue: ue, detachID: id}
	d.checker.Admit(cfg)
	d.stats.ue(rnti)
	d.stats.summary.Attached++
	d.metrics.SetAttachedUEs(d.db.Len())
	d.log.Debug(ctx, "ue attached",
		logging.TTI(now), logging.RNTI(rnti), logging.Int("carriers", len(carriers)),
		logging.String("policy", cfg.Policy.String()), logging.Int("conn_ttis", conn))
}

func (d *Driver) detach(ctx context.Context, rnti uint16) {
	if _, ok := d.users[rnti]; !ok {
		return
	}
	delete(d.users, rnti)
	d.checker.Forget(rnti)
	if err := d.db.RemoveUE(rnti); err != nil {
		d.log.Warn(ctx, "detach failed", logging.RNTI(rnti), logging.Err(err))
		return
	}
	d.stats.summary.Detached++
	d.metrics.SetAttachedUEs(d.db.Len())
	d.log.Debug(ctx, "ue detached", logging.RNTI(rnti))
}

// allocateRNTI returns the next identifier not in use, cycling through the
// cell range.
func (d *Driver) allocateRNTI() uint16 {
	for {
		rnti := d.nextRNTI
		if d.nextRNTI >= model.MaxRNTI {
			d.nextRNTI = model.MinRNTI
		} else {
			d.nextRNTI++
		}
		if d.db.GetUE(rnti) == nil {
			return rnti
		}
	}
}

// freeControlPair picks two uplink control resources free on every carrier.
func (d *Driver) freeControlPair(carriers []uint32) (sr, cqi int, ok bool) {
	if d.db.FreeControlResource(carriers[0]) < 0 {
		return 0, 0, false
	}
	limit := math.MaxInt
	for _, c := range d.carriers {
		limit = min(limit, c.N1PUCCH)
	}
	var picked []int
	for idx := 0; idx < limit && len(picked) < 2; idx++ {
		free := true
		for _, c := range carriers {
			if _, used := d.db.ControlResourceOwner(c, idx); used {
				free = false
				break
			}
		}
		if free {
			picked = append(picked, idx)
		}
	}
	if len(picked) < 2 {
		return 0, 0, false
	}
	return picked[0], picked[1], true
}

// arrivals adds random backlog. UEs are visited in RNTI order so a seed
// always produces the same run.
func (d *Driver) arrivals() {
	for _, ue := range d.db.ListUEs() {
		if d.rng.Float64() < d.pUL {
			ue.AddUplinkBytes(d.arrivalSize())
		}
		if d.rng.Float64() < d.pDL {
			ue.AddDownlinkBytes(d.arrivalSize())
		}
	}
}

func (d *Driver) arrivalSize() int {
	exp := d.p.MinArrivalExp + d.rng.Float64()*(d.p.MaxArrivalExp-d.p.MinArrivalExp)
	return int(math.Pow(10, exp))
}

// cqiSink takes channel-quality reports.
type cqiSink interface {
	RNTI() uint16
	ReportCQI(carrier uint32, cqi int) error
}

// reportCQI delivers the periodic channel-quality reports due at now. The
// value drifts by at most two steps per report.
func (d *Driver) reportCQI(ctx context.Context, now timectrl.TTI) {
	for _, ue := range d.db.ListUEs() {
		cfg := ue.Config()
		if cfg.CQIPeriod <= 0 || int(uint32(now))%cfg.CQIPeriod != cfg.CQIOffset {
			continue
		}
		for _, c := range cfg.Carriers {
			cqi := 0
			if d.rng.Float64() >= d.p.PCQILoss {
				cqi = max(1, ue.CQI(c)+d.rng.Intn(5)-2)
			}
			d.deliverCQI(ctx, ue, c, cqi)
		}
	}
}

func (d *Driver) deliverCQI(ctx context.Context, ue cqiSink, carrier uint32, cqi int) {
	if err := ue.ReportCQI(carrier, cqi); err != nil {
		d.stats.summary.FeedbackErrors++
		d.log.Warn(ctx, "cqi report rejected", logging.RNTI(ue.RNTI()), logging.Carrier(carrier), logging.Err(err))
	}
}

// feedback reports the outcome of every grant of res ahead of its due TTI.
// A share of outcomes is withheld to exercise the scheduler's timeout.
func (d *Driver) feedback(ctx context.Context, res *mac.Result) {
	for _, dir := range model.Directions {
		for _, g := range res.Grants(dir) {
			u, ok := d.users[g.RNTI]
			if !ok {
				continue
			}
			if d.rng.Float64() < d.p.PNoFeedback {
				d.stats.summary.WithheldFeedback++
				continue
			}
			ack := d.rng.Float64() < d.p.PAck
			switch {
			case d.p.ForceNACK:
				ack = false
			case g.TxCount >= u.ue.Config().MaxHARQTx:
				ack = true
			}
			if err := u.ue.ReportHARQOutcome(res.Carrier(), dir, g.PID, g.TTI, ack); err != nil {
				d.stats.summary.FeedbackErrors++
				d.log.Warn(ctx, "feedback rejected", logging.RNTI(g.RNTI), logging.Dir(dir), logging.PID(g.PID), logging.Err(err))
			}
		}
	}
}
