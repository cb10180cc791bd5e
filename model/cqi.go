package model

// MaxCQI is the highest 4-bit channel-quality index.
const MaxCQI = 15

// cqiEfficiency is the spectral efficiency (bits per resource element) of
// each CQI index in the LTE 4-bit CQI table. Index 0 is out of range.
var cqiEfficiency = [MaxCQI + 1]float64{
	0,
	0.1523, 0.2344, 0.3770, 0.6016, 0.8770, 1.1758,
	1.4766, 1.9141, 2.4063, 2.7305, 3.3223, 3.9023,
	4.5234, 5.1152, 5.5547,
}

// dataREsPerRB approximates the resource elements per RB pair left for
// data after reference signals and the control region.
const dataREsPerRB = 120

// CQIEfficiency returns the spectral efficiency of cqi, clamping out of
// range values.
func CQIEfficiency(cqi int) float64 {
	return cqiEfficiency[ClampCQI(cqi)]
}

// ClampCQI limits cqi to [0, MaxCQI].
func ClampCQI(cqi int) int {
	if cqi < 0 {
		return 0
	}
	if cqi > MaxCQI {
		return MaxCQI
	}
	return cqi
}

// TBS returns the transport block size in bytes for nRB resource blocks at
// the modulation and coding implied by cqi.
func TBS(cqi, nRB int) int {
	if nRB <= 0 {
		return 0
	}
	bits := CQIEfficiency(cqi) * dataREsPerRB * float64(nRB)
	return int(bits) / 8
}

// RBsForBytes returns the smallest RB count whose TBS at cqi carries n
// bytes, or limit when even limit RBs are not enough.
func RBsForBytes(cqi, n, limit int) int {
	if n <= 0 || limit <= 0 {
		return 0
	}
	perRB := TBS(cqi, 1)
	if perRB <= 0 {
		return limit
	}
	guess := min((n+perRB-1)/perRB, limit)
	// TBS is floored per grant rather than per RB, so the estimate from the
	// one-RB size can be off by one either way.
	for guess < limit && TBS(cqi, guess) < n {
		guess++
	}
	for guess > 1 && TBS(cqi, guess-1) >= n {
		guess--
	}
	return guess
}

// AggregationLevel returns the control-channel aggregation level used to
// reach a terminal reporting cqi.
func AggregationLevel(cqi int) int {
	switch {
	case cqi >= 10:
		return 1
	case cqi >= 7:
		return 2
	case cqi >= 4:
		return 4
	default:
		return 8
	}
}
