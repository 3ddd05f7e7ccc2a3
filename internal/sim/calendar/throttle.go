package calendar

// DefaultThrottleHours is ten simulated days.
const DefaultThrottleHours = 10 * HoursPerDay

// StateDebug is the payload of the state_debug event.
type StateDebug struct {
	State             State  `json:"state"`
	TotalElapsedHours uint64 `json:"total_elapsed_hours"`
}

// Throttle gates full-state diagnostics by simulated-hour distance from the last announced state.
type Throttle struct {
	Threshold uint64
	last      State
}

func NewThrottle(thresholdHours uint64) *Throttle {
	if thresholdHours == 0 {
		thresholdHours = DefaultThrottleHours
	}
	return &Throttle{Threshold: thresholdHours}
}

func (t *Throttle) Last() State { return t.last }

// Observe reports a diagnostic once cur is at least Threshold hours away from the baseline,
// and moves the baseline to cur when it does.
func (t *Throttle) Observe(cur State) (StateDebug, bool) {
	a, b := t.last.TotalHours(), cur.TotalHours()
	dist := b - a
	if a > b {
		dist = a - b
	}
	if dist < t.Threshold {
		return StateDebug{}, false
	}
	t.last = cur
	return StateDebug{State: cur, TotalElapsedHours: b}, true
}
