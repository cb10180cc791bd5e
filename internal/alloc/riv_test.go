package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/enb-scheduler/model"
)

func TestRIVRoundTripIsBijective(t *testing.T) {
	for _, n := range model.StandardBandwidths {
		seen := make(map[uint32]bool, RIVCount(n))
		for start := 0; start < n; start++ {
			for length := 1; start+length <= n; length++ {
				riv, err := EncodeRIV(start, length, n)
				require.NoError(t, err)
				require.Less(t, int(riv), RIVCount(n), "prb=%d start=%d len=%d", n, start, length)
				require.False(t, seen[riv], "prb=%d riv %d produced twice", n, riv)
				seen[riv] = true

				s, l, err := DecodeRIV(riv, n)
				require.NoError(t, err)
				require.Equal(t, start, s, "prb=%d riv=%d", n, riv)
				require.Equal(t, length, l, "prb=%d riv=%d", n, riv)
			}
		}
		assert.Len(t, seen, RIVCount(n))
	}
}

func TestRIVKnownValues(t *testing.T) {
	riv, err := EncodeRIV(0, 1, 25)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), riv)

	riv, err = EncodeRIV(3, 2, 25)
	require.NoError(t, err)
	assert.Equal(t, uint32(28), riv)

	// full carrier uses the mirrored branch
	riv, err = EncodeRIV(0, 25, 25)
	require.NoError(t, err)
	assert.Equal(t, uint32(49), riv)
}

func TestRIVRejectsInvalid(t *testing.T) {
	_, err := EncodeRIV(20, 6, 25)
	assert.ErrorIs(t, err, ErrInvalidRIV)
	_, err = EncodeRIV(0, 0, 25)
	assert.ErrorIs(t, err, ErrInvalidRIV)
	_, err = EncodeRIV(-1, 2, 25)
	assert.ErrorIs(t, err, ErrInvalidRIV)

	_, _, err = DecodeRIV(uint32(RIVCount(25)), 25)
	assert.ErrorIs(t, err, ErrInvalidRIV)
	_, _, err = DecodeRIV(0, 0)
	assert.ErrorIs(t, err, ErrInvalidRIV)
}
