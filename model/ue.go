package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/signalsfoundry/enb-scheduler/timectrl"
)

// ErrInvalidUEConfig indicates a terminal was rejected at admission.
var ErrInvalidUEConfig = errors.New("invalid ue config")

// RNTI bounds of the cell-specific terminal identifier range.
const (
	MinRNTI uint16 = 0x003D
	MaxRNTI uint16 = 0xFFF3
)

// Policy selects how the scheduler ranks a terminal for new data. The set
// is closed; the scheduler switches on it.
type Policy int

const (
	// PolicyProportionalFair ranks by backlog weighted by time since the
	// last grant.
	PolicyProportionalFair Policy = iota
	// PolicyMaxThroughput additionally weights by channel quality.
	PolicyMaxThroughput
	// PolicyCrossCarrier shares the proportional-fair weight across every
	// carrier the terminal is active on.
	PolicyCrossCarrier
)

func (p Policy) String() string {
	switch p {
	case PolicyProportionalFair:
		return "pf"
	case PolicyMaxThroughput:
		return "maxthroughput"
	case PolicyCrossCarrier:
		return "crosscarrier"
	default:
		return "unknown"
	}
}

// ParsePolicy parses the textual form of a policy tag.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pf", "proportional_fair":
		return PolicyProportionalFair, nil
	case "maxthroughput", "max_throughput", "mt":
		return PolicyMaxThroughput, nil
	case "crosscarrier", "cross_carrier", "ca":
		return PolicyCrossCarrier, nil
	default:
		return PolicyProportionalFair, fmt.Errorf("%w: unknown policy %q", ErrInvalidUEConfig, s)
	}
}

// UEConfig is the per-terminal configuration pushed by connection
// management before the terminal is admitted to scheduling.
type UEConfig struct {
	RNTI uint16
	// Carriers lists the carrier indices the terminal is active on; the
	// first one is its primary carrier.
	Carriers []uint32
	// MaxHARQTx is the maximum number of transmissions of one transport
	// block, the first one included.
	MaxHARQTx int
	// HARQProcesses is the number of processes per direction and carrier.
	HARQProcesses int
	// SRIndex and CQIIndex are the terminal's uplink control resources.
	SRIndex  int
	CQIIndex int
	// CQIPeriod and CQIOffset place periodic channel-quality reports.
	CQIPeriod int
	CQIOffset int
	// InitialCQI is assumed until the first report arrives.
	InitialCQI int
	Policy     Policy
	// MeasGapPeriod and MeasGapOffset place the measurement gaps during
	// which the terminal is tuned away and can be neither granted nor
	// served. Period 0 disables gaps.
	MeasGapPeriod int
	MeasGapOffset int
}

// MeasGapLength is the length of one measurement gap in TTIs.
const MeasGapLength = 6

// MeasGapPeriods lists the supported gap repetition periods.
var MeasGapPeriods = []int{40, 80}

// InMeasGap reports whether tti falls inside one of the terminal's
// measurement gaps.
func (c UEConfig) InMeasGap(tti timectrl.TTI) bool {
	if c.MeasGapPeriod <= 0 {
		return false
	}
	pos := (int(uint32(tti)) - c.MeasGapOffset) % c.MeasGapPeriod
	if pos < 0 {
		pos += c.MeasGapPeriod
	}
	return pos < MeasGapLength
}

// DefaultHARQProcesses is the FDD process count.
const DefaultHARQProcesses = 8

// DefaultUEConfig returns a configuration for rnti on a single carrier.
func DefaultUEConfig(rnti uint16, carrier uint32) UEConfig {
	return UEConfig{
		RNTI:          rnti,
		Carriers:      []uint32{carrier},
		MaxHARQTx:     4,
		HARQProcesses: DefaultHARQProcesses,
		SRIndex:       0,
		CQIIndex:      1,
		CQIPeriod:     40,
		CQIOffset:     0,
		InitialCQI:    10,
		Policy:        PolicyProportionalFair,
	}
}

// OnCarrier reports whether the terminal is active on carrier.
func (c UEConfig) OnCarrier(carrier uint32) bool {
	for _, cc := range c.Carriers {
		if cc == carrier {
			return true
		}
	}
	return false
}

// Validate checks the configuration against each carrier it references.
// carriers maps carrier index to its configuration.
func (c UEConfig) Validate(carriers map[uint32]CarrierConfig) error {
	var errs []error
	if c.RNTI < MinRNTI || c.RNTI > MaxRNTI {
		errs = append(errs, fmt.Errorf("rnti 0x%x outside [0x%x, 0x%x]", c.RNTI, MinRNTI, MaxRNTI))
	}
	if len(c.Carriers) == 0 {
		errs = append(errs, errors.New("no carrier configured"))
	}
	if c.MaxHARQTx < 1 || c.MaxHARQTx > 28 {
		errs = append(errs, fmt.Errorf("max harq tx %d outside [1, 28]", c.MaxHARQTx))
	}
	if c.HARQProcesses < 1 || c.HARQProcesses > 16 {
		errs = append(errs, fmt.Errorf("harq processes %d outside [1, 16]", c.HARQProcesses))
	}
	if c.CQIPeriod < 0 || (c.CQIPeriod > 0 && (c.CQIOffset < 0 || c.CQIOffset >= c.CQIPeriod)) {
		errs = append(errs, fmt.Errorf("cqi offset %d outside period %d", c.CQIOffset, c.CQIPeriod))
	}
	if c.InitialCQI < 0 || c.InitialCQI > MaxCQI {
		errs = append(errs, fmt.Errorf("initial cqi %d outside [0, %d]", c.InitialCQI, MaxCQI))
	}
	if c.SRIndex == c.CQIIndex {
		errs = append(errs, fmt.Errorf("sr and cqi share control resource %d", c.SRIndex))
	}
	if c.MeasGapPeriod != 0 {
		switch {
		case !validMeasGapPeriod(c.MeasGapPeriod):
			errs = append(errs, fmt.Errorf("measurement gap period %d not one of %v", c.MeasGapPeriod, MeasGapPeriods))
		case c.MeasGapOffset < 0 || c.MeasGapOffset >= c.MeasGapPeriod:
			errs = append(errs, fmt.Errorf("measurement gap offset %d outside period %d", c.MeasGapOffset, c.MeasGapPeriod))
		}
	}
	if c.Policy < PolicyProportionalFair || c.Policy > PolicyCrossCarrier {
		errs = append(errs, fmt.Errorf("unknown policy %d", c.Policy))
	}
	seen := make(map[uint32]bool, len(c.Carriers))
	for _, cc := range c.Carriers {
		if seen[cc] {
			errs = append(errs, fmt.Errorf("carrier %d listed twice", cc))
			continue
		}
		seen[cc] = true
		carrier, ok := carriers[cc]
		if !ok {
			errs = append(errs, fmt.Errorf("carrier %d not active", cc))
			continue
		}
		for _, idx := range []int{c.SRIndex, c.CQIIndex} {
			if idx < 0 || idx >= carrier.N1PUCCH {
				errs = append(errs, fmt.Errorf("control resource %d outside [0, %d) on carrier %d", idx, carrier.N1PUCCH, cc))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: rnti 0x%x: %w", ErrInvalidUEConfig, c.RNTI, err)
	}
	return nil
}

func validMeasGapPeriod(period int) bool {
	for _, p := range MeasGapPeriods {
		if p == period {
			return true
		}
	}
	return false
}
