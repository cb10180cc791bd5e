package model

import (
	"errors"
	"testing"

	"github.com/signalsfoundry/enb-scheduler/timectrl"
)

func TestDefaultCarrierConfigValidForStandardBandwidths(t *testing.T) {
	for _, prb := range StandardBandwidths {
		cfg := DefaultCarrierConfig(0, prb)
		if err := cfg.Validate(); err != nil {
			t.Fatalf("DefaultCarrierConfig(%d).Validate() = %v", prb, err)
		}
		if cfg.PHICHCapacity() < cfg.MaxULGrants {
			t.Fatalf("prb=%d: phich capacity %d < max ul grants %d", prb, cfg.PHICHCapacity(), cfg.MaxULGrants)
		}
	}
}

func TestCarrierConfigValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CarrierConfig)
	}{
		{"too few rbs", func(c *CarrierConfig) { c.NumPRB = 3 }},
		{"cfi inverted", func(c *CarrierConfig) { c.MinCFI, c.MaxCFI = 3, 2 }},
		{"prach period does not divide horizon", func(c *CarrierConfig) { c.PRACH.Period = 7 }},
		{"prach offset outside period", func(c *CarrierConfig) { c.PRACH.Offset = 10 }},
		{"prach outside carrier", func(c *CarrierConfig) { c.PRACH.FreqOffset = 24 }},
		{"pucch swallows carrier", func(c *CarrierConfig) { c.PUCCHEdgeRBs = 13 }},
		{"no grants", func(c *CarrierConfig) { c.MaxULGrants = 0 }},
		{"min grant too large", func(c *CarrierConfig) { c.MinGrantRBs = 26 }},
		{"bad timing", func(c *CarrierConfig) { c.Timing.TxDelay = 0 }},
		{"too many ul grants for phich", func(c *CarrierConfig) { c.MaxULGrants = 100 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultCarrierConfig(1, 25)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidCarrierConfig) {
				t.Fatalf("Validate() = %v, want ErrInvalidCarrierConfig", err)
			}
		})
	}
}

func TestCCECountGrowsWithCFI(t *testing.T) {
	cfg := DefaultCarrierConfig(0, 25)
	prev := -1
	for cfi := 1; cfi <= 3; cfi++ {
		n := cfg.CCECount(cfi)
		if n <= prev {
			t.Fatalf("CCECount(%d) = %d, want > %d", cfi, n, prev)
		}
		prev = n
	}
	if got := cfg.CCECount(0); got != 0 {
		t.Fatalf("CCECount(0) = %d, want 0", got)
	}
}

func TestPRACHOpportunity(t *testing.T) {
	p := PRACHConfig{Period: 10, Offset: 1, FreqOffset: 2, NumRBs: 6}
	if !p.IsOpportunity(timectrl.TTI(21)) {
		t.Fatalf("expected TTI 21 to be an opportunity")
	}
	if p.IsOpportunity(timectrl.TTI(22)) {
		t.Fatalf("TTI 22 must not be an opportunity")
	}
	if (PRACHConfig{}).IsOpportunity(1) {
		t.Fatalf("disabled PRACH must never be an opportunity")
	}
}

func TestUEConfigValidate(t *testing.T) {
	carriers := map[uint32]CarrierConfig{0: DefaultCarrierConfig(0, 25)}

	ok := DefaultUEConfig(0x46, 0)
	if err := ok.Validate(carriers); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	bad := []UEConfig{
		func() UEConfig { c := ok; c.RNTI = 1; return c }(),
		func() UEConfig { c := ok; c.Carriers = []uint32{3}; return c }(),
		func() UEConfig { c := ok; c.MaxHARQTx = 0; return c }(),
		func() UEConfig { c := ok; c.SRIndex = 99; return c }(),
		func() UEConfig { c := ok; c.CQIIndex = c.SRIndex; return c }(),
		func() UEConfig { c := ok; c.CQIOffset = c.CQIPeriod; return c }(),
		func() UEConfig { c := ok; c.MeasGapPeriod = 20; return c }(),
		func() UEConfig { c := ok; c.MeasGapPeriod, c.MeasGapOffset = 40, 40; return c }(),
	}
	for i, cfg := range bad {
		if err := cfg.Validate(carriers); !errors.Is(err, ErrInvalidUEConfig) {
			t.Fatalf("case %d: Validate() = %v, want ErrInvalidUEConfig", i, err)
		}
	}
}

func TestMeasGapWindow(t *testing.T) {
	c := DefaultUEConfig(0x46, 0)
	if c.InMeasGap(0) {
		t.Fatalf("gaps disabled but tti 0 is in a gap")
	}
	c.MeasGapPeriod, c.MeasGapOffset = 80, 78
	for tti, want := range map[uint32]bool{77: false, 78: true, 79: true, 80: true, 83: true, 84: false, 158: true, 10238: true, 3: true, 4: false} {
		if got := c.InMeasGap(timectrl.NewTTI(tti)); got != want {
			t.Errorf("InMeasGap(%d) = %t, want %t", tti, got, want)
		}
	}
}

func TestTBSAndRBsForBytes(t *testing.T) {
	if TBS(0, 10) != 0 {
		t.Fatalf("cqi 0 must carry nothing")
	}
	if TBS(15, 10) <= TBS(7, 10) {
		t.Fatalf("higher cqi must carry more")
	}
	for _, n := range []int{1, 100, 1500, 9999} {
		rbs := RBsForBytes(9, n, 100)
		if TBS(9, rbs) < n && rbs < 100 {
			t.Fatalf("RBsForBytes(9, %d) = %d carries only %d", n, rbs, TBS(9, rbs))
		}
		if rbs > 1 && TBS(9, rbs-1) >= n {
			t.Fatalf("RBsForBytes(9, %d) = %d is not minimal", n, rbs)
		}
	}
	if got := RBsForBytes(9, 1<<30, 25); got != 25 {
		t.Fatalf("RBsForBytes must cap at limit, got %d", got)
	}
}

func TestRangesOverlap(t *testing.T) {
	a := RBRange{Start: 0, Len: 5}
	if !a.Overlaps(RBRange{Start: 4, Len: 2}) {
		t.Fatalf("expected overlap")
	}
	if a.Overlaps(RBRange{Start: 5, Len: 2}) {
		t.Fatalf("adjacent ranges must not overlap")
	}
	c := CCELocation{Start: 4, Level: 4}
	if !c.Overlaps(CCELocation{Start: 6, Level: 1}) || c.Overlaps(CCELocation{Start: 8, Level: 8}) {
		t.Fatalf("unexpected CCE overlap result")
	}
	if got := FeedbackResourceFromSlot(19); got.Group != 2 || got.Seq != 3 || got.Slot() != 19 {
		t.Fatalf("FeedbackResourceFromSlot(19) = %+v", got)
	}
}
