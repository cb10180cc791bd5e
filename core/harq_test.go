package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/enb-scheduler/model"
	"github.com/signalsfoundry/enb-scheduler/timectrl"
)

func testResource(tbs int) model.Resource {
	return model.Resource{RBs: model.RBRange{Start: 2, Len: 4}, CQI: 9, TBS: tbs}
}

func TestHARQNewTransmissionOnlyFromIdle(t *testing.T) {
	p := NewHARQProcess(3, model.Downlink, 4)
	require.True(t, p.IsIdle())

	require.NoError(t, p.NewTransmission(testResource(100), 10))
	assert.Equal(t, HARQAwaitingFeedback, p.State())
	assert.Equal(t, 1, p.TxCount())
	assert.True(t, p.PendingFeedback())
	assert.Equal(t, timectrl.TTI(10), p.TTI())

	err := p.NewTransmission(testResource(100), 11)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInternalConsistency))
	var ce *ConsistencyError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Component, "pid=3")
}

func TestHARQResolveOnIdleIsConsistencyError(t *testing.T) {
	p := NewHARQProcess(0, model.Uplink, 4)
	_, err := p.Resolve(OutcomeACK)
	assert.ErrorIs(t, err, ErrInternalConsistency)
}

func TestHARQAckReturnsToIdle(t *testing.T) {
	p := NewHARQProcess(0, model.Downlink, 4)
	require.NoError(t, p.NewTransmission(testResource(50), 0))

	r, err := p.Resolve(OutcomeACK)
	require.NoError(t, err)
	assert.Equal(t, OutcomeACK, r.Outcome)
	assert.False(t, r.Dropped)
	assert.False(t, r.Retransmit)
	assert.True(t, p.IsIdle())
	assert.Zero(t, p.TxCount())
}

func TestHARQDropAfterMaxTransmissions(t *testing.T) {
	const maxTx = 5
	p := NewHARQProcess(1, model.Uplink, maxTx)
	require.NoError(t, p.NewTransmission(testResource(200), 0))

	tti := timectrl.TTI(0)
	for attempt := 1; attempt <= maxTx; attempt++ {
		require.Equal(t, attempt, p.TxCount())
		r, err := p.Resolve(OutcomeNACK)
		require.NoError(t, err)
		if attempt < maxTx {
			require.True(t, r.Retransmit, "attempt %d", attempt)
			require.False(t, r.Dropped)
			require.Equal(t, HARQAwaitingFeedback, p.State())
			tti = tti.Add(8)
			require.NoError(t, p.Retransmit(testResource(200), tti))
			continue
		}
		assert.True(t, r.Dropped)
		assert.Equal(t, maxTx, r.TxCount)
		assert.Equal(t, 200, r.Resource.TBS)
	}
	assert.True(t, p.IsIdle())
	assert.Zero(t, p.TxCount())

	require.NoError(t, p.NewTransmission(testResource(80), tti.Add(8)))
	assert.Equal(t, 1, p.TxCount())
}

func TestHARQRetransmitRules(t *testing.T) {
	p := NewHARQProcess(0, model.Downlink, 2)
	require.NoError(t, p.NewTransmission(testResource(64), 0))

	// no negative outcome yet
	assert.ErrorIs(t, p.Retransmit(testResource(64), 8), ErrInternalConsistency)

	_, err := p.Resolve(OutcomeNACK)
	require.NoError(t, err)
	assert.False(t, p.PendingFeedback())
	assert.True(t, p.RetxPending())

	assert.ErrorIs(t, p.Retransmit(testResource(65), 8), ErrInternalConsistency, "tbs changed")
	_, err = p.Resolve(OutcomeNACK)
	assert.ErrorIs(t, err, ErrInternalConsistency, "already resolved")

	require.NoError(t, p.Retransmit(testResource(64), 8))
	assert.Equal(t, 2, p.TxCount())
	assert.True(t, p.PendingFeedback())
}

func TestHARQFeedbackDue(t *testing.T) {
	timing := model.Timing{TxDelay: 4, FeedbackDelay: 4, FeedbackTimeout: 2}
	tx := timectrl.NewTTI(timectrl.Horizon - 2)
	p := NewHARQProcess(0, model.Uplink, 4)
	require.NoError(t, p.NewTransmission(testResource(10), tx))

	_, due := p.FeedbackDue(tx.Add(3), timing)
	assert.False(t, due, "before the feedback delay")
	_, due = p.FeedbackDue(tx.Add(4), timing)
	assert.False(t, due, "no report yet, still inside the timeout")

	o, due := p.FeedbackDue(tx.Add(6), timing)
	assert.True(t, due)
	assert.Equal(t, OutcomeNACK, o, "missing report turns negative")

	require.NoError(t, p.SetOutcome(tx, true))
	o, due = p.FeedbackDue(tx.Add(4), timing)
	assert.True(t, due)
	assert.Equal(t, OutcomeACK, o)
}

func TestHARQSetOutcomeStale(t *testing.T) {
	p := NewHARQProcess(0, model.Downlink, 4)
	assert.ErrorIs(t, p.SetOutcome(0, true), ErrStaleFeedback)

	require.NoError(t, p.NewTransmission(testResource(10), 100))
	assert.ErrorIs(t, p.SetOutcome(99, true), ErrStaleFeedback)
	assert.NoError(t, p.SetOutcome(100, false))
	assert.Equal(t, OutcomeNACK, p.Outcome())
}
