// Package runner owns the simulation loop: it drains the fixed-timestep accumulator into
// calendar steps, applies control commands and hands notifications to the broadcaster.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"simcal.ai/internal/sim/calendar"
	"simcal.ai/internal/sim/timestep"
)

// ErrCommandsClosed is returned by Run when the mailbox closes without a Shutdown command.
var ErrCommandsClosed = errors.New("command mailbox closed without shutdown")

// BatchHook runs once per iteration with the number of steps taken in it.
// It is an extension point for batched notifications; nothing is registered by default.
type BatchHook func(steps int, state calendar.State)

type Config struct {
	TargetRate   int
	FallbackRate int
	// FixedStep overrides the step duration derived from TargetRate when non-zero.
	FixedStep time.Duration

	Markers              calendar.Markers
	StateDebugEveryHours uint64

	// LoopInterval paces iterations; zero runs them back to back.
	LoopInterval  time.Duration
	DispatchQueue int

	Clock     Clock
	Logger    *log.Logger
	BatchHook BatchHook
}

func DefaultConfig() Config {
	return Config{
		TargetRate:           100,
		FallbackRate:         timestep.DefaultFallbackRate,
		Markers:              calendar.DefaultMarkers(),
		StateDebugEveryHours: calendar.DefaultThrottleHours,
		LoopInterval:         time.Millisecond,
		DispatchQueue:        1024,
	}
}

// Runner is a single-goroutine simulation. Everything except Commands and Metrics
// must only be touched from the goroutine running Run.
type Runner struct {
	cfg      Config
	log      *log.Logger
	clock    Clock
	commands *Mailbox
	dispatch *dispatcher

	acc      *timestep.Accumulator
	state    calendar.State
	throttle *calendar.Throttle

	lastSample   time.Time
	reportedRate float64

	steps        uint64
	iterations   uint64
	lastBatch    int
	paused       bool
	shuttingDown bool

	started atomic.Bool
	metrics atomic.Value
}

func New(cfg Config, sink Broadcaster) (*Runner, error) {
	if err := cfg.Markers.Validate(); err != nil {
		return nil, fmt.Errorf("runner config: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}

	acc := timestep.New(cfg.TargetRate)
	acc.SetFallbackRate(cfg.FallbackRate)
	acc.SetFixedStep(cfg.FixedStep)

	r := &Runner{
		cfg:      cfg,
		log:      cfg.Logger,
		clock:    cfg.Clock,
		commands: NewMailbox(),
		dispatch: newDispatcher(sink, cfg.DispatchQueue, cfg.Logger),
		acc:      acc,
		throttle: calendar.NewThrottle(cfg.StateDebugEveryHours),
	}
	r.publishMetrics()
	return r, nil
}

// Commands is the producer side of the control channel. Any number of goroutines may send.
func (r *Runner) Commands() *Mailbox { return r.commands }

// Run loops until a Shutdown command is observed (nil), the mailbox closes without one
// (ErrCommandsClosed) or ctx is done (ctx.Err()). Queued notifications are flushed before it returns.
func (r *Runner) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("runner already started")
	}
	defer r.dispatch.close()

	r.lastSample = r.clock.Now()
	r.logf("simulation started target_rate=%d step=%s", r.acc.TargetRate(), r.acc.StepDuration())

	var pace *time.Timer
	if r.cfg.LoopInterval > 0 {
		pace = time.NewTimer(r.cfg.LoopInterval)
		defer pace.Stop()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.iterate(); err != nil {
			return err
		}
		if r.shuttingDown {
			r.logf("shutting down gracefully steps=%d calendar=%+v", r.steps, r.state)
			return nil
		}
		if pace != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-pace.C:
				pace.Reset(r.cfg.LoopInterval)
			}
		}
	}
}

func (r *Runner) iterate() error {
	r.iterations++
	if err := r.pollCommands(); err != nil {
		r.publishMetrics()
		return err
	}

	if !r.paused {
		now := r.clock.Now()
		r.acc.Accumulate(now.Sub(r.lastSample))
		r.lastSample = now

		// Drain everything accumulated since the last sample.
		n := 0
		for r.acc.Expend() {
			n++
			r.advance(now)
		}
		r.lastBatch = n
		if r.cfg.BatchHook != nil {
			r.cfg.BatchHook(n, r.state)
		}

		r.reportRate(now)
		r.observeState(now)
	}

	r.publishMetrics()
	return nil
}

// pollCommands applies every queued command without blocking. Commands behind a Shutdown are left unread.
func (r *Runner) pollCommands() error {
	for {
		cmd, err := r.commands.TryRecv()
		switch {
		case errors.Is(err, ErrEmpty):
			return nil
		case errors.Is(err, ErrMailboxClosed):
			return ErrCommandsClosed
		case err != nil:
			return err
		}

		switch cmd.Kind {
		case CommandShutdown:
			r.shuttingDown = true
			return nil
		case CommandSetTargetRate:
			r.acc.SetTargetRate(cmd.TargetRate)
			r.logf("target rate=%d step=%s", cmd.TargetRate, r.acc.StepDuration())
		case CommandPause:
			r.paused = true
		case CommandResume:
			if r.paused {
				r.paused = false
				// Paused wall time is not replayed as steps.
				r.lastSample = r.clock.Now()
			}
		default:
			r.logf("ignoring unknown command %s", cmd.Kind)
		}
	}
}

func (r *Runner) advance(now time.Time) {
	c := r.state.Step()
	r.steps++
	for _, text := range calendar.Announcements(r.state, c, r.cfg.Markers) {
		r.emit(EventAnnouncer, text, now)
	}
	r.observeState(now)
}

func (r *Runner) reportRate(now time.Time) {
	cur := r.acc.CurrentRate()
	if cur == r.reportedRate {
		return
	}
	r.reportedRate = cur
	r.emit(EventTickDebug, TickDebug{CurrentRate: cur, TargetRate: r.acc.TargetRate()}, now)
}

func (r *Runner) observeState(now time.Time) {
	if d, ok := r.throttle.Observe(r.state); ok {
		r.emit(EventStateDebug, d, now)
	}
}

func (r *Runner) emit(name string, payload any, now time.Time) {
	r.dispatch.enqueue(Event{
		Name:     name,
		Payload:  payload,
		Step:     r.steps,
		SimHours: r.state.TotalHours(),
		Calendar: r.state,
		At:       now,
	})
}

func (r *Runner) logf(format string, args ...any) {
	if r.log != nil {
		r.log.Printf(format, args...)
	}
}
