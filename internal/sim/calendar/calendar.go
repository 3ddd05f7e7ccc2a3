// Package calendar implements the simulated hour/day/month/year clock driven one step at a time.
package calendar

// Calendar structure. One step is one tick; two ticks make an hour.
const (
	TicksPerHour  = 2
	HoursPerDay   = 24
	DaysPerMonth  = 30
	MonthsPerYear = 12
)

const (
	TicksPerDay   = TicksPerHour * HoursPerDay
	TicksPerMonth = TicksPerDay * DaysPerMonth
	TicksPerYear  = TicksPerMonth * MonthsPerYear
)

// State is the calendar position. Every counter stays inside its modulus between steps.
type State struct {
	Year          uint64 `json:"current_year"`
	Month         uint64 `json:"current_month"`
	Day           uint64 `json:"current_day"`
	Hour          uint64 `json:"current_hour"`
	TicksIntoHour uint64 `json:"ticks_until_next_hour"`
}

// Crossing is the set of boundaries crossed by a single step.
type Crossing uint8

const (
	CrossedHour Crossing = 1 << iota
	CrossedDay
	CrossedMonth
	CrossedYear
)

func (c Crossing) Has(f Crossing) bool { return c&f == f }

func (c Crossing) String() string {
	if c == 0 {
		return "none"
	}
	s := ""
	add := func(f Crossing, name string) {
		if !c.Has(f) {
			return
		}
		if s != "" {
			s += "|"
		}
		s += name
	}
	add(CrossedHour, "hour")
	add(CrossedDay, "day")
	add(CrossedMonth, "month")
	add(CrossedYear, "year")
	return s
}

// Step advances one tick and resolves every carry before returning.
// A unit is only checked when the unit below it overflowed in this step.
func (s *State) Step() Crossing {
	var c Crossing

	s.TicksIntoHour++
	if s.TicksIntoHour < TicksPerHour {
		return c
	}
	s.TicksIntoHour -= TicksPerHour
	s.Hour++
	c |= CrossedHour

	if s.Hour < HoursPerDay {
		return c
	}
	s.Hour -= HoursPerDay
	s.Day++
	c |= CrossedDay

	if s.Day < DaysPerMonth {
		return c
	}
	s.Day -= DaysPerMonth
	s.Month++
	c |= CrossedMonth

	if s.Month < MonthsPerYear {
		return c
	}
	s.Month -= MonthsPerYear
	s.Year++
	c |= CrossedYear
	return c
}

// TotalHours collapses the calendar into elapsed simulated hours.
func (s State) TotalHours() uint64 {
	return ((s.Year*MonthsPerYear+s.Month)*DaysPerMonth+s.Day)*HoursPerDay + s.Hour
}

// TotalTicks is the number of steps needed to reach s from the zero state.
func (s State) TotalTicks() uint64 {
	return s.TotalHours()*TicksPerHour + s.TicksIntoHour
}

// AtStep returns the state reached after n steps from the zero state.
func AtStep(n uint64) State {
	var s State
	s.TicksIntoHour = n % TicksPerHour
	hours := n / TicksPerHour
	s.Hour = hours % HoursPerDay
	days := hours / HoursPerDay
	s.Day = days % DaysPerMonth
	months := days / DaysPerMonth
	s.Month = months % MonthsPerYear
	s.Year = months / MonthsPerYear
	return s
}
