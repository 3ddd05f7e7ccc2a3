package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	persistlog "simcal.ai/internal/persistence/log"
	"simcal.ai/internal/sim/calendar"
	"simcal.ai/internal/sim/runner"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

// A journal written by a real runner verifies cleanly.
func TestVerifier_AcceptsRunnerJournal(t *testing.T) {
	dir := t.TempDir()
	j := persistlog.NewEventJournal(dir, "inst-1")

	cfg := runner.DefaultConfig()
	cfg.TargetRate = 1000
	cfg.LoopInterval = 0
	cfg.StateDebugEveryHours = 24
	cfg.Clock = &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r, err := runner.New(cfg, j)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = r.Commands().Send(runner.Shutdown())
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := persistlog.ListJournalFiles(filepath.Join(dir, "events"))
	if err != nil || len(files) == 0 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	v := newVerifier(calendar.DefaultMarkers())
	for _, f := range files {
		if err := persistlog.ReadJournal(f, v.check); err != nil {
			t.Fatalf("verify: %v", err)
		}
	}
	if v.byName[runner.EventAnnouncer] == 0 || v.byName[runner.EventStateDebug] == 0 || v.byName[runner.EventTickDebug] != 1 {
		t.Fatalf("counts: %+v", v.byName)
	}
}

func entry(seq uint64, name string, payload any, step uint64) persistlog.JournalEntry {
	st := calendar.AtStep(step)
	return persistlog.JournalEntry{
		Instance: "inst-1",
		Seq:      seq,
		Event:    runner.Event{Name: name, Payload: payload, Step: step, SimHours: st.TotalHours(), Calendar: st},
	}
}

func TestVerifier_Rejects(t *testing.T) {
	bad := entry(1, runner.EventAnnouncer, calendar.AnnounceOpening, 12)
	bad.Calendar.Hour++

	cases := []struct {
		name    string
		entries []persistlog.JournalEntry
		want    string
	}{
		{"calendar", []persistlog.JournalEntry{bad}, "calendar mismatch"},
		{"wrong announcement", []persistlog.JournalEntry{entry(1, runner.EventAnnouncer, calendar.AnnounceClosing, 12)}, "unexpected announcement"},
		{"no crossing", []persistlog.JournalEntry{entry(1, runner.EventAnnouncer, calendar.AnnounceOpening, 13)}, "unexpected announcement"},
		{"seq", []persistlog.JournalEntry{
			entry(2, runner.EventAnnouncer, calendar.AnnounceOpening, 12),
			entry(2, runner.EventAnnouncer, calendar.AnnounceClosing, 36),
		}, "seq 2 after 2"},
		{"step back", []persistlog.JournalEntry{
			entry(1, runner.EventAnnouncer, calendar.AnnounceClosing, 36),
			entry(2, runner.EventAnnouncer, calendar.AnnounceOpening, 12),
		}, "step went back"},
		{"unknown", []persistlog.JournalEntry{entry(1, "bogus", nil, 1)}, "unknown event"},
		{"state_debug", []persistlog.JournalEntry{
			entry(1, runner.EventStateDebug, map[string]any{"state": calendar.AtStep(2), "total_elapsed_hours": 1}, 480),
		}, "does not match"},
	}
	for _, tc := range cases {
		v := newVerifier(calendar.DefaultMarkers())
		var err error
		for _, e := range tc.entries {
			if err = v.check(e); err != nil {
				break
			}
		}
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: got %v want %q", tc.name, err, tc.want)
		}
	}
}

func TestVerifier_InstanceFilterAndRange(t *testing.T) {
	v := newVerifier(calendar.DefaultMarkers())
	v.instance = "inst-2"
	if err := v.check(entry(1, "bogus", nil, 1)); err != nil {
		t.Fatalf("other instance should be skipped: %v", err)
	}

	v = newVerifier(calendar.DefaultMarkers())
	v.toStep = 20
	if err := v.check(entry(1, runner.EventAnnouncer, calendar.AnnounceClosing, 36)); err != nil {
		t.Fatalf("out of range entry should be skipped: %v", err)
	}
	if v.checked != 0 {
		t.Fatalf("checked=%d want 0", v.checked)
	}
}
