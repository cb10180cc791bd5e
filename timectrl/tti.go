package timectrl

import "fmt"

// Horizon is the number of distinct TTI values before the index wraps
// (1024 system frames of 10 subframes).
const Horizon uint32 = 10240

// TTI is a transmission time interval index in [0, Horizon). All arithmetic
// on TTIs wraps at Horizon; never compare two TTIs with plain subtraction.
type TTI uint32

// NewTTI reduces v modulo Horizon.
func NewTTI(v uint32) TTI {
	return TTI(v % Horizon)
}

// Add returns the TTI k steps after t. Negative k moves backwards.
func (t TTI) Add(k int) TTI {
	h := int64(Horizon)
	v := (int64(t) + int64(k)) % h
	if v < 0 {
		v += h
	}
	return TTI(v)
}

// Next is shorthand for t.Add(1).
func (t TTI) Next() TTI {
	return t.Add(1)
}

// Sub returns the signed number of steps from o to t, in
// [-Horizon/2, Horizon/2). A positive value means t is after o.
func (t TTI) Sub(o TTI) int {
	h := int(Horizon)
	d := (int(t) - int(o)) % h
	if d < 0 {
		d += h
	}
	if d >= h/2 {
		d -= h
	}
	return d
}

// Before reports whether t precedes o within half a horizon.
func (t TTI) Before(o TTI) bool { return t.Sub(o) < 0 }

// After reports whether t follows o within half a horizon.
func (t TTI) After(o TTI) bool { return t.Sub(o) > 0 }

// SFN returns the system frame number of t.
func (t TTI) SFN() uint32 { return uint32(t) / 10 }

// Subframe returns the subframe index (0..9) of t.
func (t TTI) Subframe() uint32 { return uint32(t) % 10 }

func (t TTI) String() string {
	return fmt.Sprintf("%d(%d.%d)", uint32(t), t.SFN(), t.Subframe())
}

// Offset returns the TTI k steps after base.
func Offset(base TTI, k int) TTI {
	return base.Add(k)
}

// Distance returns the signed step count from a to b: positive when b is
// after a. Used to detect expired feedback windows.
func Distance(a, b TTI) int {
	return b.Sub(a)
}
