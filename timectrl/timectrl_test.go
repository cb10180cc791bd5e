package timectrl

import (
	"context"
	"testing"
	"time"
)

func TestTTIAddWrapsAtHorizon(t *testing.T) {
	last := NewTTI(Horizon - 1)
	if got := last.Next(); got != 0 {
		t.Fatalf("Next() at horizon-1 = %v, want 0", got)
	}
	if got := TTI(0).Add(-1); got != last {
		t.Fatalf("Add(-1) from 0 = %v, want %v", got, last)
	}
	if got := TTI(10235).Add(10); got != 5 {
		t.Fatalf("Add(10) = %v, want 5", got)
	}
	if got := TTI(3).Add(-int(Horizon) * 3); got != 3 {
		t.Fatalf("Add(-3*Horizon) = %v, want 3", got)
	}
}

func TestNewTTIReducesModuloHorizon(t *testing.T) {
	if got := NewTTI(Horizon + 7); got != 7 {
		t.Fatalf("NewTTI(Horizon+7) = %v, want 7", got)
	}
}

func TestDistanceAcrossWrap(t *testing.T) {
	tests := []struct {
		name string
		a, b TTI
		want int
	}{
		{"forward", 10, 14, 4},
		{"backward", 14, 10, -4},
		{"forward across wrap", NewTTI(Horizon - 2), 2, 4},
		{"backward across wrap", 2, NewTTI(Horizon - 2), -4},
		{"equal", 100, 100, 0},
		{"half horizon is negative", 0, TTI(Horizon / 2), -int(Horizon / 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Distance(tt.a, tt.b); got != tt.want {
				t.Fatalf("Distance(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestOffsetAndOrdering(t *testing.T) {
	base := NewTTI(Horizon - 3)
	later := Offset(base, 8)
	if later != 5 {
		t.Fatalf("Offset = %v, want 5", later)
	}
	if !base.Before(later) || !later.After(base) {
		t.Fatalf("expected %v before %v across the wrap", base, later)
	}
	if later.Before(base) {
		t.Fatalf("%v must not be before %v", later, base)
	}
}

func TestTTISFNAndSubframe(t *testing.T) {
	tti := TTI(1234)
	if tti.SFN() != 123 || tti.Subframe() != 4 {
		t.Fatalf("SFN/subframe = %d/%d, want 123/4", tti.SFN(), tti.Subframe())
	}
}

func TestClockAdvanceWraps(t *testing.T) {
	clock := NewClock(NewTTI(Horizon - 1))
	if got := clock.Advance(); got != 0 {
		t.Fatalf("Advance() = %v, want 0", got)
	}
	if got := clock.Steps(); got != 1 {
		t.Fatalf("Steps() = %d, want 1", got)
	}
	clock.Set(42)
	if got := clock.Now(); got != 42 {
		t.Fatalf("Now() after Set = %v, want 42", got)
	}
	if got := clock.Steps(); got != 1 {
		t.Fatalf("Set must not touch Steps, got %d", got)
	}
}

func TestTimeControllerAcceleratedRunsListeners(t *testing.T) {
	tc := NewTimeController(NewClock(NewTTI(Horizon-2)), time.Millisecond, Accelerated)

	var seen []TTI
	tc.AddListener(func(now TTI) {
		seen = append(seen, now)
	})

	<-tc.Start(context.Background(), 4)

	want := []TTI{NewTTI(Horizon - 2), NewTTI(Horizon - 1), 0, 1}
	if len(seen) != len(want) {
		t.Fatalf("listener called %d times, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("listener TTI[%d] = %v, want %v", i, seen[i], want[i])
		}
	}
	if got := tc.Now(); got != 2 {
		t.Fatalf("Now() = %v, want 2", got)
	}
}

func TestTimeControllerRealTimeStopsOnCancel(t *testing.T) {
	tc := NewTimeController(NewClock(0), time.Millisecond, RealTime)
	ctx, cancel := context.WithCancel(context.Background())
	done := tc.Start(ctx, 0)
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("controller did not stop after cancel")
	}
	if tc.Steps() == 0 {
		t.Fatalf("expected at least one TTI to elapse")
	}
}
