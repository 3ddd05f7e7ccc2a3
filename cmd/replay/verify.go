package main

import (
	"encoding/json"
	"fmt"

	persistlog "simcal.ai/internal/persistence/log"
	"simcal.ai/internal/sim/calendar"
	"simcal.ai/internal/sim/runner"
)

// verifier rebuilds the calendar for every journal entry from its step and checks
// that what was recorded agrees with it. The journal may skip events dropped under
// backpressure, so only consistency is checked, not completeness.
type verifier struct {
	markers  calendar.Markers
	instance string
	fromStep uint64
	toStep   uint64

	lastSeq  map[string]uint64
	lastStep map[string]uint64
	checked  uint64
	byName   map[string]uint64
}

func newVerifier(m calendar.Markers) *verifier {
	return &verifier{
		markers:  m,
		lastSeq:  map[string]uint64{},
		lastStep: map[string]uint64{},
		byName:   map[string]uint64{},
	}
}

func (v *verifier) check(e persistlog.JournalEntry) error {
	if v.instance != "" && e.Instance != v.instance {
		return nil
	}
	if prev, ok := v.lastSeq[e.Instance]; ok && e.Seq <= prev {
		return fmt.Errorf("instance %s: seq %d after %d", e.Instance, e.Seq, prev)
	}
	v.lastSeq[e.Instance] = e.Seq
	if prev := v.lastStep[e.Instance]; e.Step < prev {
		return fmt.Errorf("instance %s seq %d: step went back %d -> %d", e.Instance, e.Seq, prev, e.Step)
	}
	v.lastStep[e.Instance] = e.Step

	if e.Step < v.fromStep || (v.toStep != 0 && e.Step > v.toStep) {
		return nil
	}

	want := calendar.AtStep(e.Step)
	if e.Calendar != want {
		return fmt.Errorf("seq %d step %d: calendar mismatch: got=%+v want=%+v", e.Seq, e.Step, e.Calendar, want)
	}
	if e.SimHours != want.TotalHours() {
		return fmt.Errorf("seq %d step %d: sim_hours=%d want %d", e.Seq, e.Step, e.SimHours, want.TotalHours())
	}

	switch e.Name {
	case runner.EventAnnouncer:
		if err := v.checkAnnouncement(e, want); err != nil {
			return err
		}
	case runner.EventStateDebug:
		var d calendar.StateDebug
		if err := remarshal(e.Payload, &d); err != nil {
			return fmt.Errorf("seq %d: state_debug payload: %w", e.Seq, err)
		}
		if d.State != want || d.TotalElapsedHours != want.TotalHours() {
			return fmt.Errorf("seq %d step %d: state_debug payload %+v does not match calendar", e.Seq, e.Step, d)
		}
	case runner.EventTickDebug:
		var d runner.TickDebug
		if err := remarshal(e.Payload, &d); err != nil {
			return fmt.Errorf("seq %d: tick_debug payload: %w", e.Seq, err)
		}
		if d.TargetRate < 0 || d.CurrentRate < 0 {
			return fmt.Errorf("seq %d: negative rate in tick_debug %+v", e.Seq, d)
		}
	default:
		return fmt.Errorf("seq %d: unknown event %q", e.Seq, e.Name)
	}

	v.checked++
	v.byName[e.Name]++
	return nil
}

func (v *verifier) checkAnnouncement(e persistlog.JournalEntry, st calendar.State) error {
	text, ok := e.Payload.(string)
	if !ok {
		return fmt.Errorf("seq %d: announcer payload is %T, want string", e.Seq, e.Payload)
	}
	if e.Step == 0 {
		return fmt.Errorf("seq %d: announcement at step 0", e.Seq)
	}
	prev := calendar.AtStep(e.Step - 1)
	c := prev.Step()
	for _, allowed := range calendar.Announcements(st, c, v.markers) {
		if allowed == text {
			return nil
		}
	}
	return fmt.Errorf("seq %d step %d: unexpected announcement %q (crossed %s at hour %d)", e.Seq, e.Step, text, c, st.Hour)
}

func remarshal(in any, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
