package model

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/enb-scheduler/timectrl"
)

// ErrInvalidCarrierConfig indicates a carrier was rejected at activation.
var ErrInvalidCarrierConfig = errors.New("invalid carrier config")

// PHICHNg is the PHICH resource scaling factor Ng.
type PHICHNg int

const (
	PHICHNgOneSixth PHICHNg = iota
	PHICHNgHalf
	PHICHNgOne
	PHICHNgTwo
)

func (ng PHICHNg) String() string {
	switch ng {
	case PHICHNgOneSixth:
		return "1/6"
	case PHICHNgHalf:
		return "1/2"
	case PHICHNgOne:
		return "1"
	case PHICHNgTwo:
		return "2"
	default:
		return "unknown"
	}
}

// ratio returns Ng as numerator/denominator.
func (ng PHICHNg) ratio() (int, int) {
	switch ng {
	case PHICHNgOneSixth:
		return 1, 6
	case PHICHNgHalf:
		return 1, 2
	case PHICHNgTwo:
		return 2, 1
	default:
		return 1, 1
	}
}

// ParsePHICHNg parses the textual form used in config files.
func ParsePHICHNg(s string) (PHICHNg, error) {
	for _, ng := range []PHICHNg{PHICHNgOneSixth, PHICHNgHalf, PHICHNgOne, PHICHNgTwo} {
		if ng.String() == s {
			return ng, nil
		}
	}
	return PHICHNgOne, fmt.Errorf("%w: unknown phich ng %q", ErrInvalidCarrierConfig, s)
}

// PRACHConfig describes the random-access opportunity schedule. A TTI is an
// opportunity when tti % Period == Offset. Period 0 disables random access.
type PRACHConfig struct {
	Period     int
	Offset     int
	FreqOffset int
	NumRBs     int
}

// IsOpportunity reports whether tti carries a random-access opportunity.
func (p PRACHConfig) IsOpportunity(tti timectrl.TTI) bool {
	if p.Period <= 0 {
		return false
	}
	return int(uint32(tti))%p.Period == p.Offset
}

// RBs returns the uplink resource blocks occupied by an opportunity.
func (p PRACHConfig) RBs() RBRange {
	return RBRange{Start: p.FreqOffset, Len: p.NumRBs}
}

// Timing holds the feedback-timing offsets between a decision TTI, the TTI
// in which its result is transmitted and the TTI in which the HARQ outcome
// becomes due.
type Timing struct {
	// TxDelay is the number of TTIs between a decision and its transmission.
	TxDelay int
	// FeedbackDelay is the number of TTIs between a transmission and the
	// TTI in which its outcome is due.
	FeedbackDelay int
	// FeedbackTimeout is how many TTIs past due an outcome may still arrive
	// before it is treated as negative.
	FeedbackTimeout int
}

// DefaultTiming returns LTE FDD timing (n+4 / n+4).
func DefaultTiming() Timing {
	return Timing{TxDelay: 4, FeedbackDelay: 4, FeedbackTimeout: 4}
}

// RoundTrip is the number of TTIs between a decision and the decision TTI
// in which its outcome is due.
func (t Timing) RoundTrip() int {
	return t.TxDelay + t.FeedbackDelay
}

// Validate checks the offsets are usable.
func (t Timing) Validate() error {
	var errs []error
	if t.TxDelay < 1 {
		errs = append(errs, fmt.Errorf("tx delay must be >= 1, got %d", t.TxDelay))
	}
	if t.FeedbackDelay < 1 {
		errs = append(errs, fmt.Errorf("feedback delay must be >= 1, got %d", t.FeedbackDelay))
	}
	if t.FeedbackTimeout < 0 {
		errs = append(errs, fmt.Errorf("feedback timeout must be >= 0, got %d", t.FeedbackTimeout))
	}
	if 2*(t.RoundTrip()+t.FeedbackTimeout) >= int(timectrl.Horizon) {
		errs = append(errs, fmt.Errorf("feedback window %d exceeds half the TTI horizon", t.RoundTrip()+t.FeedbackTimeout))
	}
	return errors.Join(errs...)
}

// CarrierConfig is the immutable per-carrier parameter set, fixed at
// carrier activation.
type CarrierConfig struct {
	Index  uint32
	NumPRB int

	// MinCFI and MaxCFI bound the control-region span in OFDM symbols.
	MinCFI int
	MaxCFI int
	PHICH  PHICHNg

	// PUCCHEdgeRBs uplink RBs at each band edge are kept for uplink control.
	PUCCHEdgeRBs int
	// N1PUCCH is the first uplink control resource used for downlink
	// ACK/NACK; indices below it are available for SR and CQI.
	N1PUCCH int

	PRACH PRACHConfig

	MaxDLGrants int
	MaxULGrants int
	MinGrantRBs int
	MaxGrantRBs int

	Timing Timing
}

// StandardBandwidths lists the LTE channel widths in RBs.
var StandardBandwidths = []int{6, 15, 25, 50, 75, 100}

// DefaultCarrierConfig returns a usable configuration for a carrier of
// numPRB resource blocks.
func DefaultCarrierConfig(index uint32, numPRB int) CarrierConfig {
	edge := 2
	minCFI := 1
	if numPRB <= 10 {
		edge = 1
		minCFI = 2
	}
	maxGrants := 8
	if numPRB < 25 {
		maxGrants = 4
	}
	prachRBs := 6
	if numPRB < prachRBs {
		prachRBs = numPRB
	}
	prachOffset := edge
	if prachOffset+prachRBs > numPRB {
		prachOffset = 0
	}
	return CarrierConfig{
		Index:        index,
		NumPRB:       numPRB,
		MinCFI:       minCFI,
		MaxCFI:       3,
		PHICH:        PHICHNgOne,
		PUCCHEdgeRBs: edge,
		N1PUCCH:      16,
		PRACH: PRACHConfig{
			Period:     10,
			Offset:     1,
			FreqOffset: prachOffset,
			NumRBs:     prachRBs,
		},
		MaxDLGrants: maxGrants,
		MaxULGrants: maxGrants,
		MinGrantRBs: 1,
		MaxGrantRBs: numPRB,
		Timing:      DefaultTiming(),
	}
}

// PHICHGroups returns the number of PHICH groups.
func (c CarrierConfig) PHICHGroups() int {
	num, den := c.PHICH.ratio()
	return (num*c.NumPRB + 8*den - 1) / (8 * den)
}

// PHICHCapacity returns the number of feedback-indication slots per TTI.
func (c CarrierConfig) PHICHCapacity() int {
	return c.PHICHGroups() * PHICHSeqsPerGroup
}

// CCECount returns the number of control-channel elements available when
// the control region spans cfi symbols.
func (c CarrierConfig) CCECount(cfi int) int {
	if cfi < 1 {
		return 0
	}
	// 2 REGs per RB in the first symbol (reference signals), 3 after.
	regs := c.NumPRB * (2 + 3*(cfi-1))
	regs -= 4                   // PCFICH
	regs -= 3 * c.PHICHGroups() // PHICH
	if regs < 0 {
		return 0
	}
	return regs / 9
}

// MaxCCEs returns the control-region capacity at MaxCFI.
func (c CarrierConfig) MaxCCEs() int {
	return c.CCECount(c.MaxCFI)
}

// PUCCHResourcesPerRB is the format-1 resource count per uplink control RB.
const PUCCHResourcesPerRB = 36

// PUCCHResources returns the number of uplink control resources.
func (c CarrierConfig) PUCCHResources() int {
	return 2 * c.PUCCHEdgeRBs * PUCCHResourcesPerRB
}

// MaxGrants returns the per-TTI grant limit of dir.
func (c CarrierConfig) MaxGrants(dir Direction) int {
	if dir == Uplink {
		return c.MaxULGrants
	}
	return c.MaxDLGrants
}

// GrantRBLimit returns MaxGrantRBs, defaulting to the full carrier.
func (c CarrierConfig) GrantRBLimit() int {
	if c.MaxGrantRBs <= 0 || c.MaxGrantRBs > c.NumPRB {
		return c.NumPRB
	}
	return c.MaxGrantRBs
}

// Validate rejects parameter sets the scheduler cannot honour. It runs
// before the carrier is admitted; nothing here is re-checked per TTI.
func (c CarrierConfig) Validate() error {
	var errs []error
	if c.NumPRB < 6 || c.NumPRB > 110 {
		errs = append(errs, fmt.Errorf("num_prb %d outside [6, 110]", c.NumPRB))
	}
	if c.MinCFI < 1 || c.MaxCFI > 3 || c.MinCFI > c.MaxCFI {
		errs = append(errs, fmt.Errorf("cfi bounds [%d, %d] outside [1, 3]", c.MinCFI, c.MaxCFI))
	}
	if c.NumPRB >= 6 && c.MaxCCEs() < 1 {
		errs = append(errs, fmt.Errorf("control region holds no CCE at cfi %d", c.MaxCFI))
	}
	if c.PUCCHEdgeRBs < 0 || 2*c.PUCCHEdgeRBs >= c.NumPRB {
		errs = append(errs, fmt.Errorf("pucch edge rbs %d leave no uplink data region", c.PUCCHEdgeRBs))
	}
	if c.N1PUCCH < 0 || c.N1PUCCH+c.MaxCCEs() > c.PUCCHResources() {
		errs = append(errs, fmt.Errorf("n1_pucch %d + %d CCEs exceeds %d uplink control resources",
			c.N1PUCCH, c.MaxCCEs(), c.PUCCHResources()))
	}
	if p := c.PRACH; p.Period != 0 {
		switch {
		case p.Period < 0 || int(timectrl.Horizon)%p.Period != 0:
			errs = append(errs, fmt.Errorf("prach period %d must divide %d", p.Period, timectrl.Horizon))
		case p.Offset < 0 || p.Offset >= p.Period:
			errs = append(errs, fmt.Errorf("prach offset %d outside [0, %d)", p.Offset, p.Period))
		}
		if p.NumRBs < 1 || p.FreqOffset < 0 || p.FreqOffset+p.NumRBs > c.NumPRB {
			errs = append(errs, fmt.Errorf("prach rbs %v outside carrier", p.RBs()))
		}
	}
	if c.MaxDLGrants < 1 || c.MaxULGrants < 1 {
		errs = append(errs, fmt.Errorf("max grants per tti must be >= 1 (dl=%d ul=%d)", c.MaxDLGrants, c.MaxULGrants))
	}
	if c.MaxULGrants > c.PHICHCapacity() {
		errs = append(errs, fmt.Errorf("max ul grants %d exceeds %d phich slots", c.MaxULGrants, c.PHICHCapacity()))
	}
	if c.MinGrantRBs < 1 || c.MinGrantRBs > c.GrantRBLimit() {
		errs = append(errs, fmt.Errorf("min grant rbs %d outside [1, %d]", c.MinGrantRBs, c.GrantRBLimit()))
	}
	if err := c.Timing.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: carrier %d: %w", ErrInvalidCarrierConfig, c.Index, err)
	}
	return nil
}
