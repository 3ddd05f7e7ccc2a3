package calendar

import "testing"

func TestThrottle_FiresEveryTenDays(t *testing.T) {
	th := NewThrottle(0)
	if th.Threshold != 240 {
		t.Fatalf("default threshold: got %d want 240", th.Threshold)
	}

	var s State
	var fired []uint64
	for i := 0; i < 500*TicksPerHour; i++ {
		s.Step()
		if d, ok := th.Observe(s); ok {
			if d.State != s || d.TotalElapsedHours != s.TotalHours() {
				t.Fatalf("payload mismatch: %+v vs %+v", d, s)
			}
			fired = append(fired, d.TotalElapsedHours)
		}
	}
	if len(fired) != 2 || fired[0] != 240 || fired[1] != 480 {
		t.Fatalf("fired at %v want [240 480]", fired)
	}
	if th.Last().TotalHours() != 480 {
		t.Fatalf("baseline: got %d want 480", th.Last().TotalHours())
	}
}

func TestThrottle_NoOpBelowThreshold(t *testing.T) {
	th := NewThrottle(24)
	for _, s := range []State{{}, {Hour: 23}, {Hour: 23, TicksIntoHour: 1}} {
		if _, ok := th.Observe(s); ok {
			t.Fatalf("unexpected fire at %+v", s)
		}
	}
	if th.Last() != (State{}) {
		t.Fatalf("baseline moved without firing: %+v", th.Last())
	}
	if _, ok := th.Observe(State{Day: 1}); !ok {
		t.Fatalf("expected fire at one day")
	}
}

func TestThrottle_UsesAbsoluteDistance(t *testing.T) {
	th := NewThrottle(24)
	if _, ok := th.Observe(State{Year: 1}); !ok {
		t.Fatalf("expected fire moving forward")
	}
	if _, ok := th.Observe(State{}); !ok {
		t.Fatalf("expected fire for a state behind the baseline")
	}
}
