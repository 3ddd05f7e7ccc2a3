package runner

import "simcal.ai/internal/sim/calendar"

// Metrics is a read-only view of the loop, published from the simulation goroutine
// after every iteration and safe to read from HTTP handlers.
type Metrics struct {
	Calendar   calendar.State `json:"calendar"`
	TotalHours uint64         `json:"total_elapsed_hours"`

	TargetRate   int     `json:"target_rate"`
	CurrentRate  float64 `json:"current_rate"`
	StepMS       float64 `json:"step_ms"`
	OverstepMS   float64 `json:"overstep_ms"`
	SimElapsedMS float64 `json:"sim_elapsed_ms"`

	Steps          uint64 `json:"steps"`
	Iterations     uint64 `json:"iterations"`
	LastBatchSteps int    `json:"last_batch_steps"`

	Paused       bool `json:"paused"`
	ShuttingDown bool `json:"shutting_down"`
	QueueDepth   int  `json:"command_queue_depth"`

	EventsDelivered uint64 `json:"events_delivered"`
	EventsDropped   uint64 `json:"events_dropped"`
	EventsFailed    uint64 `json:"events_failed"`
}

func (r *Runner) Metrics() Metrics {
	if r == nil {
		return Metrics{}
	}
	v := r.metrics.Load()
	if v == nil {
		return Metrics{}
	}
	m, ok := v.(Metrics)
	if !ok {
		return Metrics{}
	}
	// Dispatcher counters move independently of the loop.
	m.EventsDelivered = r.dispatch.delivered.Load()
	m.EventsDropped = r.dispatch.dropped.Load()
	m.EventsFailed = r.dispatch.failed.Load()
	m.QueueDepth = r.commands.Len()
	return m
}

func (r *Runner) publishMetrics() {
	r.metrics.Store(Metrics{
		Calendar:       r.state,
		TotalHours:     r.state.TotalHours(),
		TargetRate:     r.acc.TargetRate(),
		CurrentRate:    r.acc.CurrentRate(),
		StepMS:         float64(r.acc.StepDuration().Microseconds()) / 1000.0,
		OverstepMS:     float64(r.acc.Overstep().Microseconds()) / 1000.0,
		SimElapsedMS:   float64(r.acc.Elapsed().Microseconds()) / 1000.0,
		Steps:          r.steps,
		Iterations:     r.iterations,
		LastBatchSteps: r.lastBatch,
		Paused:         r.paused,
		ShuttingDown:   r.shuttingDown,
	})
}
