package runner

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"simcal.ai/internal/sim/calendar"
)

// Event names published on the simulation namespace.
const (
	EventAnnouncer  = "announcer"
	EventTickDebug  = "tick_debug"
	EventStateDebug = "state_debug"
)

// Event is one notification. Payload is a string for announcer, TickDebug for tick_debug
// and calendar.StateDebug for state_debug.
type Event struct {
	Name     string         `json:"event"`
	Payload  any            `json:"data"`
	Step     uint64         `json:"step"`
	SimHours uint64         `json:"sim_hours"`
	// Calendar is the state right after Step steps.
	Calendar calendar.State `json:"calendar"`
	At       time.Time      `json:"at"`
}

// TickDebug is the tick_debug payload.
type TickDebug struct {
	CurrentRate float64 `json:"current_rate"`
	TargetRate  int     `json:"target_rate"`
}

// Broadcaster publishes events to subscribers. Implementations must be safe for concurrent use.
type Broadcaster interface {
	Publish(ev Event) error
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(ev Event) error

func (f BroadcasterFunc) Publish(ev Event) error { return f(ev) }

// Fanout publishes to every non-nil member and joins their errors.
type Fanout []Broadcaster

func (f Fanout) Publish(ev Event) error {
	var errs []error
	for _, b := range f {
		if b == nil {
			continue
		}
		if err := b.Publish(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// dispatcher delivers events off the simulation goroutine. A single worker keeps emission order.
// enqueue and close are only called from the simulation goroutine.
// Delivery is at-most-once: a full queue drops the event and sink errors are only logged.
type dispatcher struct {
	sink Broadcaster
	log  *log.Logger

	ch   chan Event
	wg   sync.WaitGroup
	once sync.Once

	closed    atomic.Bool
	dropped   atomic.Uint64
	failed    atomic.Uint64
	delivered atomic.Uint64
}

func newDispatcher(sink Broadcaster, queue int, logger *log.Logger) *dispatcher {
	if queue <= 0 {
		queue = 1024
	}
	d := &dispatcher{
		sink: sink,
		log:  logger,
		ch:   make(chan Event, queue),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d
}

func (d *dispatcher) enqueue(ev Event) {
	if d.closed.Load() {
		d.dropped.Add(1)
		return
	}
	select {
	case d.ch <- ev:
	default:
		n := d.dropped.Add(1)
		if n == 1 || n%1000 == 0 {
			d.printf("dispatch queue full; dropped=%d last=%s", n, ev.Name)
		}
	}
}

func (d *dispatcher) loop() {
	for ev := range d.ch {
		if d.sink == nil {
			continue
		}
		if err := d.sink.Publish(ev); err != nil {
			d.failed.Add(1)
			d.printf("dispatch %s: %v", ev.Name, err)
			continue
		}
		d.delivered.Add(1)
	}
}

// close stops accepting events and waits for queued ones to be delivered.
func (d *dispatcher) close() {
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
	})
}

func (d *dispatcher) printf(format string, args ...any) {
	if d.log != nil {
		d.log.Printf(format, args...)
	}
}
