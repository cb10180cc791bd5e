package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/enb-scheduler/internal/mac"
	"github.com/signalsfoundry/enb-scheduler/kb"
	"github.com/signalsfoundry/enb-scheduler/model"
	"github.com/signalsfoundry/enb-scheduler/timectrl"
)

func TestCheckerFlagsGrantInMeasurementGap(t *testing.T) {
	cfg := model.DefaultCarrierConfig(0, 25)
	cfg.PRACH.Period = 0
	db := kb.NewUEDatabase([]model.CarrierConfig{cfg})
	s, err := mac.NewScheduler(cfg, db, mac.Options{})
	require.NoError(t, err)

	ueCfg := model.DefaultUEConfig(0x46, 0)
	ue, err := db.AddUE(ueCfg)
	require.NoError(t, err)
	ue.AddDownlinkBytes(500)

	// decided at 6, transmitted at 10
	res, err := s.RunTTI(context.Background(), timectrl.NewTTI(6))
	require.NoError(t, err)
	require.Len(t, res.DLGrants(), 1)

	clean := NewChecker([]model.CarrierConfig{cfg})
	clean.Admit(ueCfg)
	assert.Empty(t, clean.Check(res))

	// a checker that believes the UE is tuned away at 10..15
	gapped := ueCfg
	gapped.MeasGapPeriod, gapped.MeasGapOffset = 40, 10
	c := NewChecker([]model.CarrierConfig{cfg})
	c.Admit(gapped)
	found := c.Check(res)
	require.Len(t, found, 1)
	assert.Contains(t, found[0].Detail, "measurement gap")

	c.Forget(0x46)
	assert.Empty(t, c.Check(res))
}
