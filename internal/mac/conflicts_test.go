package mac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/enb-scheduler/core"
	"github.com/signalsfoundry/enb-scheduler/internal/alloc"
	"github.com/signalsfoundry/enb-scheduler/model"
)

func testGrant(t *testing.T, rnti uint16, dir model.Direction, start, length, cce int) model.Grant {
	t.Helper()
	riv, err := alloc.EncodeRIV(start, length, 25)
	require.NoError(t, err)
	return model.Grant{
		RNTI:      rnti,
		Direction: dir,
		RBs:       model.RBRange{Start: start, Len: length},
		RIV:       riv,
		CCE:       model.CCELocation{Start: cce, Level: 1},
		Feedback:  model.FeedbackResourceFromSlot(int(rnti) % 8),
	}
}

func kinds(cs []Collision) []CollisionKind {
	out := make([]CollisionKind, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Kind)
	}
	return out
}

func TestDetectCollisionsCleanResult(t *testing.T) {
	r := &Result{
		cceLimit: 20,
		dl:       []model.Grant{testGrant(t, 1, model.Downlink, 0, 5, 0), testGrant(t, 2, model.Downlink, 5, 5, 1)},
		ul:       []model.Grant{testGrant(t, 3, model.Uplink, 2, 4, 2), testGrant(t, 4, model.Uplink, 6, 4, 3)},
		indications: []model.FeedbackIndication{
			{RNTI: 3, PID: 1, Resource: model.FeedbackResourceFromSlot(9)},
		},
		ulReserved: []model.RBRange{{Start: 0, Len: 2}, {Start: 23, Len: 2}},
	}
	awaiting := map[ProcessKey]bool{{RNTI: 3, PID: 1}: true}
	assert.Empty(t, DetectCollisions(r, testCarrier(), awaiting))
	assert.NoError(t, ValidateResult(r, testCarrier(), awaiting))
}

func TestDetectCollisionsFindsEachKind(t *testing.T) {
	overlapDL := testGrant(t, 2, model.Downlink, 3, 5, 1)
	badRIV := testGrant(t, 5, model.Downlink, 10, 2, 4)
	badRIV.RIV++
	misplaced := testGrant(t, 6, model.Downlink, 14, 2, 0)
	misplaced.CCE = model.CCELocation{Start: 2, Level: 4}

	r := &Result{
		cceLimit: 20,
		dl: []model.Grant{
			testGrant(t, 1, model.Downlink, 0, 5, 0),
			overlapDL,
			badRIV,
			misplaced,
		},
		ul: []model.Grant{
			testGrant(t, 3, model.Uplink, 1, 4, 2),
			testGrant(t, 3, model.Uplink, 8, 4, 2),
		},
		indications: []model.FeedbackIndication{
			{RNTI: 7, PID: 0},
			{RNTI: 7, PID: 0},
		},
		ulReserved: []model.RBRange{{Start: 0, Len: 2}},
	}

	got := kinds(DetectCollisions(r, testCarrier(), map[ProcessKey]bool{}))
	for _, want := range []CollisionKind{
		CollisionRBRange,
		CollisionDLRB,
		CollisionULReserved,
		CollisionDoubleGrant,
		CollisionCCE,
		CollisionPHICH,
		CollisionFeedback,
	} {
		assert.Contains(t, got, want)
	}

	err := ValidateResult(r, testCarrier(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInternalConsistency)
}

func TestDetectRBOverlapAcrossNonAdjacentGrants(t *testing.T) {
	// the long first grant overlaps the third even though the second does not
	grants := []model.Grant{
		testGrant(t, 1, model.Uplink, 0, 10, 0),
		testGrant(t, 2, model.Uplink, 3, 2, 1),
		testGrant(t, 3, model.Uplink, 8, 4, 2),
	}
	got := detectRBOverlap(grants, CollisionULRB)
	require.Len(t, got, 2)
	assert.Equal(t, []uint16{1, 3}, got[1].RNTIs)
}

func TestDetectCollisionsNilResult(t *testing.T) {
	assert.Nil(t, DetectCollisions(nil, testCarrier(), nil))
}
