package runner

import "time"

// Clock is the wall-clock source sampled once per loop iteration.
type Clock interface {
	Now() time.Time
}

// RealClock uses the monotonic system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
