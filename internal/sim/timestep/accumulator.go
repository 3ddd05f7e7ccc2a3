// Package timestep turns irregular wall-clock deltas into whole fixed-size simulation steps.
package timestep

import (
	"math"
	"time"
)

// DefaultFallbackRate is the step rate used when the target rate cannot produce a usable step duration.
const DefaultFallbackRate = 20

// Accumulator is not safe for concurrent use; it is owned by the simulation loop.
type Accumulator struct {
	targetRate   int
	fallbackRate int
	fixedStep    time.Duration // explicit override; 0 derives from targetRate

	overstep time.Duration
	lastStep time.Duration
	elapsed  time.Duration
}

func New(targetRate int) *Accumulator {
	return &Accumulator{
		targetRate:   targetRate,
		fallbackRate: DefaultFallbackRate,
	}
}

func (a *Accumulator) TargetRate() int { return a.targetRate }

// SetTargetRate affects the next Expend; time already accumulated is not rescaled.
func (a *Accumulator) SetTargetRate(rate int) { a.targetRate = rate }

// SetFallbackRate ignores non-positive values.
func (a *Accumulator) SetFallbackRate(rate int) {
	if rate > 0 {
		a.fallbackRate = rate
	}
}

// SetFixedStep overrides the derived step duration. Zero clears the override.
func (a *Accumulator) SetFixedStep(d time.Duration) {
	if d < 0 {
		d = 0
	}
	a.fixedStep = d
}

func (a *Accumulator) Overstep() time.Duration { return a.overstep }
func (a *Accumulator) LastStep() time.Duration { return a.lastStep }
func (a *Accumulator) Elapsed() time.Duration  { return a.elapsed }

// Accumulate adds wall-clock time. Negative deltas are dropped.
func (a *Accumulator) Accumulate(delta time.Duration) {
	if delta <= 0 {
		return
	}
	a.overstep += delta
}

// StepDuration is the duration a single Expend consumes right now.
func (a *Accumulator) StepDuration() time.Duration {
	if a.fixedStep > 0 {
		return a.fixedStep
	}
	if d, ok := stepFor(a.targetRate); ok {
		return d
	}
	if d, ok := stepFor(a.fallbackRate); ok {
		return d
	}
	d, _ := stepFor(DefaultFallbackRate)
	return d
}

// Expend consumes one step if enough time has accumulated. Callers drain it in a loop until it returns false.
func (a *Accumulator) Expend() bool {
	step := a.StepDuration()
	if a.overstep < step {
		return false
	}
	a.overstep -= step
	a.lastStep = step
	a.elapsed += step
	return true
}

// CurrentRate is the instantaneous rate implied by the most recent step, or 0 before the first step.
func (a *Accumulator) CurrentRate() float64 {
	if a.lastStep <= 0 {
		return 0
	}
	return 1 / a.lastStep.Seconds()
}

func stepFor(rate int) (time.Duration, bool) {
	if rate <= 0 {
		return 0, false
	}
	secs := 1 / float64(rate)
	if math.IsNaN(secs) || math.IsInf(secs, 0) || secs <= 0 {
		return 0, false
	}
	d := time.Duration(secs * float64(time.Second))
	if d <= 0 {
		// Rates above 1e9/s round to a zero-length step, which would never drain.
		return 0, false
	}
	return d, true
}
