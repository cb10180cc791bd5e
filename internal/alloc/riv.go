package alloc

import (
	"errors"
	"fmt"
)

// ErrInvalidRIV is returned for ranges or values outside the carrier.
var ErrInvalidRIV = errors.New("invalid resource indication value")

// RIVCount returns the number of distinct values for a carrier of nPRB
// resource blocks: one per valid (start, length) pair.
func RIVCount(nPRB int) int {
	return nPRB * (nPRB + 1) / 2
}

// EncodeRIV maps a contiguous range of length RBs starting at start to its
// resource-indication value.
func EncodeRIV(start, length, nPRB int) (uint32, error) {
	if nPRB <= 0 || length < 1 || start < 0 || start+length > nPRB {
		return 0, fmt.Errorf("%w: start=%d len=%d prb=%d", ErrInvalidRIV, start, length, nPRB)
	}
	if length-1 <= nPRB/2 {
		return uint32(nPRB*(length-1) + start), nil
	}
	return uint32(nPRB*(nPRB-length+1) + (nPRB - 1 - start)), nil
}

// DecodeRIV is the inverse of EncodeRIV.
func DecodeRIV(riv uint32, nPRB int) (start, length int, err error) {
	if nPRB <= 0 || int(riv) >= RIVCount(nPRB) {
		return 0, 0, fmt.Errorf("%w: riv=%d prb=%d", ErrInvalidRIV, riv, nPRB)
	}
	v := int(riv)
	length = v/nPRB + 1
	start = v % nPRB
	if start+length > nPRB {
		length = nPRB - length + 2
		start = nPRB - 1 - start
	}
	return start, length, nil
}
