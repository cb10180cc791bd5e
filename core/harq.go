package core

import (
	"fmt"

	"github.com/signalsfoundry/enb-scheduler/model"
	"github.com/signalsfoundry/enb-scheduler/timectrl"
)

// HARQState is the stop-and-wait state of a process.
type HARQState int

const (
	HARQIdle HARQState = iota
	HARQAwaitingFeedback
)

func (s HARQState) String() string {
	switch s {
	case HARQIdle:
		return "idle"
	case HARQAwaitingFeedback:
		return "awaiting-feedback"
	default:
		return fmt.Sprintf("HARQState(%d)", int(s))
	}
}

// Outcome is a reported or inferred HARQ result.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeACK
	OutcomeNACK
)

func (o Outcome) String() string {
	switch o {
	case OutcomeACK:
		return "ack"
	case OutcomeNACK:
		return "nack"
	default:
		return "none"
	}
}

// Resolution is what Resolve did with an outcome.
type Resolution struct {
	Outcome Outcome
	// Retransmit is set when the process now waits for a retransmission.
	Retransmit bool
	// Dropped is set when the last allowed transmission failed; the
	// process is idle again and its transport block is gone.
	Dropped bool
	// TxCount is the transmission count the outcome applied to.
	TxCount   int
	OriginTTI timectrl.TTI
	Resource  model.Resource
}

// HARQProcess is one stop-and-wait process of a UE on one carrier and
// direction. It is not safe for concurrent use; the carrier scheduler is
// its only writer and collaborators report outcomes between passes.
type HARQProcess struct {
	id    int
	dir   model.Direction
	maxTx int

	state HARQState
	nTx   int
	res   model.Resource
	// tti is the TTI of the last transmission.
	tti timectrl.TTI
	// outcome is the reported result for tti, if any.
	outcome Outcome
	// retxPending is set after a negative outcome with transmissions left;
	// no feedback is pending until the retransmission goes out.
	retxPending bool
}

// NewHARQProcess returns an idle process.
func NewHARQProcess(id int, dir model.Direction, maxTx int) *HARQProcess {
	return &HARQProcess{id: id, dir: dir, maxTx: maxTx}
}

func (p *HARQProcess) ID() int                    { return p.id }
func (p *HARQProcess) Direction() model.Direction { return p.dir }
func (p *HARQProcess) MaxTx() int                 { return p.maxTx }
func (p *HARQProcess) State() HARQState           { return p.state }
func (p *HARQProcess) TxCount() int               { return p.nTx }
func (p *HARQProcess) Resource() model.Resource   { return p.res }
func (p *HARQProcess) TTI() timectrl.TTI          { return p.tti }
func (p *HARQProcess) Outcome() Outcome           { return p.outcome }
func (p *HARQProcess) RetxPending() bool          { return p.retxPending }

// IsIdle reports whether the process can take new data.
func (p *HARQProcess) IsIdle() bool { return p.state == HARQIdle }

// PendingFeedback reports whether an outcome for the last transmission is
// still expected.
func (p *HARQProcess) PendingFeedback() bool {
	return p.state == HARQAwaitingFeedback && !p.retxPending
}

func (p *HARQProcess) component() string {
	return fmt.Sprintf("harq %s pid=%d", p.dir, p.id)
}

// NewTransmission starts a new transport block transmitted at tti.
func (p *HARQProcess) NewTransmission(res model.Resource, tti timectrl.TTI) error {
	if p.state != HARQIdle {
		return Inconsistent(p.component(), "new transmission while %s (tx=%d)", p.state, p.nTx)
	}
	p.state = HARQAwaitingFeedback
	p.nTx = 1
	p.res = res
	p.tti = tti
	p.outcome = OutcomeNone
	p.retxPending = false
	return nil
}

// Retransmit sends the stored transport block again at tti on res. The
// transport size must not change.
func (p *HARQProcess) Retransmit(res model.Resource, tti timectrl.TTI) error {
	switch {
	case p.state != HARQAwaitingFeedback || !p.retxPending:
		return Inconsistent(p.component(), "retransmission without a resolved negative outcome (%s)", p.state)
	case p.nTx >= p.maxTx:
		return Inconsistent(p.component(), "retransmission past max tx %d", p.maxTx)
	case res.TBS != p.res.TBS:
		return Inconsistent(p.component(), "retransmission changes tbs %d -> %d", p.res.TBS, res.TBS)
	}
	p.nTx++
	p.res = res
	p.tti = tti
	p.outcome = OutcomeNone
	p.retxPending = false
	return nil
}

// SetOutcome records the reported outcome of the transmission at origin.
// A later report for the same transmission replaces an earlier one.
func (p *HARQProcess) SetOutcome(origin timectrl.TTI, ack bool) error {
	if !p.PendingFeedback() {
		return fmt.Errorf("%w: %s is %s", ErrStaleFeedback, p.component(), p.state)
	}
	if origin != p.tti {
		return fmt.Errorf("%w: %s last transmitted at %v, report for %v", ErrStaleFeedback, p.component(), p.tti, origin)
	}
	p.outcome = OutcomeNACK
	if ack {
		p.outcome = OutcomeACK
	}
	return nil
}

// FeedbackDue returns the outcome to resolve at now, if any. A reported
// outcome is due FeedbackDelay TTIs after the transmission; a missing one
// turns negative once FeedbackTimeout more TTIs have passed.
func (p *HARQProcess) FeedbackDue(now timectrl.TTI, t model.Timing) (Outcome, bool) {
	if !p.PendingFeedback() {
		return OutcomeNone, false
	}
	elapsed := timectrl.Distance(p.tti, now)
	if elapsed < t.FeedbackDelay {
		return OutcomeNone, false
	}
	if p.outcome != OutcomeNone {
		return p.outcome, true
	}
	if elapsed >= t.FeedbackDelay+t.FeedbackTimeout {
		return OutcomeNACK, true
	}
	return OutcomeNone, false
}

// Resolve applies the outcome of the last transmission.
func (p *HARQProcess) Resolve(outcome Outcome) (Resolution, error) {
	if !p.PendingFeedback() {
		return Resolution{}, Inconsistent(p.component(), "resolve while %s (retx pending=%t)", p.state, p.retxPending)
	}
	if outcome != OutcomeACK && outcome != OutcomeNACK {
		return Resolution{}, Inconsistent(p.component(), "resolve with outcome %s", outcome)
	}
	r := Resolution{Outcome: outcome, TxCount: p.nTx, OriginTTI: p.tti, Resource: p.res}
	switch {
	case outcome == OutcomeACK:
		p.reset()
	case p.nTx >= p.maxTx:
		r.Dropped = true
		p.reset()
	default:
		r.Retransmit = true
		p.retxPending = true
		p.outcome = OutcomeNone
	}
	return r, nil
}

func (p *HARQProcess) reset() {
	p.state = HARQIdle
	p.nTx = 0
	p.outcome = OutcomeNone
	p.retxPending = false
}
