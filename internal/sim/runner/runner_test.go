package runner

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"simcal.ai/internal/sim/calendar"
)

type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	tick time.Duration // added on every Now call when non-zero
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.tick)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Publish(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func newTestRunner(t *testing.T, rate int, sink Broadcaster) (*Runner, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	cfg := DefaultConfig()
	cfg.TargetRate = rate
	cfg.LoopInterval = 0
	cfg.Clock = clk
	r, err := New(cfg, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.lastSample = clk.Now()
	return r, clk
}

func TestRun_ShutdownFinishesDueSteps(t *testing.T) {
	clk := newFakeClock()
	clk.tick = time.Second
	cfg := DefaultConfig()
	cfg.TargetRate = 20
	cfg.LoopInterval = 0
	cfg.Clock = clk
	rec := &recorder{}
	r, err := New(cfg, rec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Commands().Send(Shutdown()); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	m := r.Metrics()
	if m.Steps != 20 || m.Iterations != 1 {
		t.Fatalf("steps=%d iterations=%d want 20/1", m.Steps, m.Iterations)
	}
	if !m.ShuttingDown {
		t.Fatalf("metrics should report shutting down")
	}
	if m.Calendar != calendar.AtStep(20) {
		t.Fatalf("calendar: got %+v", m.Calendar)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 2 {
		t.Fatalf("events: got %d want 2: %+v", len(rec.events), rec.events)
	}
	if rec.events[0].Name != EventAnnouncer || rec.events[0].Payload != calendar.AnnounceOpening {
		t.Fatalf("first event: %+v", rec.events[0])
	}
	if rec.events[0].Step != 12 {
		t.Fatalf("opening announced at step %d want 12", rec.events[0].Step)
	}
	td, ok := rec.events[1].Payload.(TickDebug)
	if rec.events[1].Name != EventTickDebug || !ok || td.TargetRate != 20 || !approx(td.CurrentRate, 20) {
		t.Fatalf("second event: %+v", rec.events[1])
	}
}

func TestRun_ClosedMailboxIsFatal(t *testing.T) {
	r, _ := newTestRunner(t, 10, nil)
	r.Commands().Close()
	err := r.Run(context.Background())
	if !errors.Is(err, ErrCommandsClosed) {
		t.Fatalf("Run: got %v want ErrCommandsClosed", err)
	}
	if err := r.Commands().Send(Shutdown()); !errors.Is(err, ErrMailboxClosed) {
		t.Fatalf("send after close: got %v", err)
	}
}

func TestRun_ShutdownQueuedBeforeCloseIsClean(t *testing.T) {
	r, _ := newTestRunner(t, 10, nil)
	_ = r.Commands().Send(Shutdown())
	r.Commands().Close()
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRun_ContextCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoopInterval = time.Millisecond
	r, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run: got %v want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("second Run should fail")
	}
}

func TestIterate_RateChangeAppliesToNextSteps(t *testing.T) {
	rec := &recorder{}
	r, clk := newTestRunner(t, 20, rec)

	clk.Advance(time.Second)
	if err := r.iterate(); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if r.steps != 20 || r.lastBatch != 20 {
		t.Fatalf("steps=%d batch=%d want 20", r.steps, r.lastBatch)
	}

	clk.Advance(30 * time.Millisecond)
	_ = r.Commands().Send(SetTargetRate(40))
	if err := r.iterate(); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	// 30ms at 25ms per step: one step, 5ms left over.
	if r.steps != 21 || r.acc.Overstep() != 5*time.Millisecond {
		t.Fatalf("steps=%d overstep=%v", r.steps, r.acc.Overstep())
	}

	r.dispatch.close()
	got := rec.named(EventTickDebug)
	if len(got) != 2 {
		t.Fatalf("tick_debug events: got %d want 2", len(got))
	}
	first := got[0].Payload.(TickDebug)
	second := got[1].Payload.(TickDebug)
	if first.TargetRate != 20 || !approx(first.CurrentRate, 20) {
		t.Fatalf("first tick_debug: %+v", first)
	}
	if second.TargetRate != 40 || !approx(second.CurrentRate, 40) {
		t.Fatalf("second tick_debug: %+v", second)
	}
}

func TestIterate_TickDebugOnlyOnChange(t *testing.T) {
	rec := &recorder{}
	r, clk := newTestRunner(t, 10, rec)
	for i := 0; i < 5; i++ {
		clk.Advance(100 * time.Millisecond)
		if err := r.iterate(); err != nil {
			t.Fatalf("iterate: %v", err)
		}
	}
	r.dispatch.close()
	if got := len(rec.named(EventTickDebug)); got != 1 {
		t.Fatalf("tick_debug events: got %d want 1", got)
	}
}

func TestIterate_PauseDiscardsPausedTime(t *testing.T) {
	r, clk := newTestRunner(t, 10, nil)

	_ = r.Commands().Send(Pause())
	clk.Advance(10 * time.Second)
	if err := r.iterate(); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if r.steps != 0 || !r.Metrics().Paused {
		t.Fatalf("paused runner stepped: steps=%d", r.steps)
	}

	_ = r.Commands().Send(Resume())
	if err := r.iterate(); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if r.steps != 0 {
		t.Fatalf("resume replayed paused time: steps=%d", r.steps)
	}

	clk.Advance(time.Second)
	if err := r.iterate(); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if r.steps != 10 {
		t.Fatalf("steps after resume: got %d want 10", r.steps)
	}
}

func TestIterate_StateDebugThrottled(t *testing.T) {
	rec := &recorder{}
	r, clk := newTestRunner(t, 1000, rec)

	// 1s at 1000 steps/s is 500 simulated hours.
	clk.Advance(time.Second)
	if err := r.iterate(); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	r.dispatch.close()

	got := rec.named(EventStateDebug)
	if len(got) != 2 {
		t.Fatalf("state_debug events: got %d want 2", len(got))
	}
	for i, want := range []uint64{240, 480} {
		d, ok := got[i].Payload.(calendar.StateDebug)
		if !ok || d.TotalElapsedHours != want || got[i].SimHours != want {
			t.Fatalf("state_debug[%d]: %+v", i, got[i])
		}
		if got[i].Step != want*calendar.TicksPerHour {
			t.Fatalf("state_debug[%d] step: got %d want %d", i, got[i].Step, want*calendar.TicksPerHour)
		}
	}
	if n := len(rec.named(EventAnnouncer)); n == 0 {
		t.Fatalf("expected announcer events")
	}
}

func TestIterate_SinkErrorsDoNotStopSimulation(t *testing.T) {
	rec := &recorder{err: errors.New("sink down")}
	r, clk := newTestRunner(t, 100, rec)
	for i := 0; i < 3; i++ {
		clk.Advance(time.Second)
		if err := r.iterate(); err != nil {
			t.Fatalf("iterate: %v", err)
		}
	}
	if r.steps != 300 {
		t.Fatalf("steps: got %d want 300", r.steps)
	}
	r.dispatch.close()
	m := r.Metrics()
	if m.EventsFailed == 0 || m.EventsDelivered != 0 {
		t.Fatalf("failed=%d delivered=%d", m.EventsFailed, m.EventsDelivered)
	}
}

func TestIterate_BatchHook(t *testing.T) {
	clk := newFakeClock()
	cfg := DefaultConfig()
	cfg.TargetRate = 10
	cfg.Clock = clk
	var batches []int
	cfg.BatchHook = func(steps int, _ calendar.State) { batches = append(batches, steps) }
	r, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.lastSample = clk.Now()

	for _, d := range []time.Duration{250 * time.Millisecond, 0, 60 * time.Millisecond} {
		clk.Advance(d)
		if err := r.iterate(); err != nil {
			t.Fatalf("iterate: %v", err)
		}
	}
	want := []int{2, 0, 1}
	if len(batches) != len(want) {
		t.Fatalf("batches: got %v want %v", batches, want)
	}
	for i := range want {
		if batches[i] != want[i] {
			t.Fatalf("batches: got %v want %v", batches, want)
		}
	}
}

func TestNew_RejectsBadMarkers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Markers.ClosingHour = 30
	if _, err := New(cfg, nil); err == nil {
		t.Fatalf("expected error for closing hour 30")
	}
}

func TestFanout_JoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := BroadcasterFunc(func(Event) error { return errors.New("boom") })
	err := Fanout{ok, nil, bad}.Publish(Event{Name: EventAnnouncer})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("Publish: got %v", err)
	}
	if len(ok.events) != 1 {
		t.Fatalf("healthy member should still receive the event")
	}
}
