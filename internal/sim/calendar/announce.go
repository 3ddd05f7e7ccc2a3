package calendar

import "fmt"

// Announcement texts sent on the announcer event.
const (
	AnnounceOpening = "Opening hours"
	AnnounceClosing = "Closing hours"
	AnnounceDay     = "Day starting"
	AnnounceMonth   = "Month starting"
	AnnounceYear    = "Year starting"
)

// Markers are the hours that raise opening/closing announcements.
type Markers struct {
	OpeningHour uint64 `yaml:"opening_hour" json:"opening_hour"`
	ClosingHour uint64 `yaml:"closing_hour" json:"closing_hour"`
}

func DefaultMarkers() Markers {
	return Markers{OpeningHour: 6, ClosingHour: 18}
}

func (m Markers) Validate() error {
	if m.OpeningHour >= HoursPerDay {
		return fmt.Errorf("opening_hour %d out of range [0,%d)", m.OpeningHour, HoursPerDay)
	}
	if m.ClosingHour >= HoursPerDay {
		return fmt.Errorf("closing_hour %d out of range [0,%d)", m.ClosingHour, HoursPerDay)
	}
	return nil
}

// Announcements lists the announcer texts for one step, in emission order.
// s is the state after the step that produced c.
func Announcements(s State, c Crossing, m Markers) []string {
	if !c.Has(CrossedHour) {
		return nil
	}
	var out []string
	if s.Hour == m.OpeningHour {
		out = append(out, AnnounceOpening)
	}
	if s.Hour == m.ClosingHour {
		out = append(out, AnnounceClosing)
	}
	if c.Has(CrossedDay) {
		out = append(out, AnnounceDay)
	}
	if c.Has(CrossedMonth) {
		out = append(out, AnnounceMonth)
	}
	if c.Has(CrossedYear) {
		out = append(out, AnnounceYear)
	}
	return out
}
