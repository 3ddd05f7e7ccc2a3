package main

import (
	"fmt"
	"net/http"

	"simcal.ai/internal/persistence/r2s3"
	"simcal.ai/internal/sim/runner"
	"simcal.ai/internal/transport/redpanda"
	"simcal.ai/internal/transport/ws"
)

type metricsSources struct {
	instance string
	sim      *runner.Runner
	hub      *ws.Hub
	idx      runtimeIndex
	kafka    *redpanda.Producer
	mirror   *r2s3.Mirror
}

func metricsHandler(src metricsSources) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		inst := src.instance
		m := src.sim.Metrics()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP simcal_steps_total Calendar steps taken since start.\n")
		fmt.Fprintf(rw, "# TYPE simcal_steps_total counter\n")
		fmt.Fprintf(rw, "simcal_steps_total{instance=%q} %d\n", inst, m.Steps)

		fmt.Fprintf(rw, "# HELP simcal_iterations_total Control loop iterations since start.\n")
		fmt.Fprintf(rw, "# TYPE simcal_iterations_total counter\n")
		fmt.Fprintf(rw, "simcal_iterations_total{instance=%q} %d\n", inst, m.Iterations)

		fmt.Fprintf(rw, "# HELP simcal_calendar_total_hours Simulated hours elapsed.\n")
		fmt.Fprintf(rw, "# TYPE simcal_calendar_total_hours gauge\n")
		fmt.Fprintf(rw, "simcal_calendar_total_hours{instance=%q} %d\n", inst, m.TotalHours)

		fmt.Fprintf(rw, "# HELP simcal_calendar Current calendar fields.\n")
		fmt.Fprintf(rw, "# TYPE simcal_calendar gauge\n")
		fmt.Fprintf(rw, "simcal_calendar{instance=%q,field=%q} %d\n", inst, "year", m.Calendar.Year)
		fmt.Fprintf(rw, "simcal_calendar{instance=%q,field=%q} %d\n", inst, "month", m.Calendar.Month)
		fmt.Fprintf(rw, "simcal_calendar{instance=%q,field=%q} %d\n", inst, "day", m.Calendar.Day)
		fmt.Fprintf(rw, "simcal_calendar{instance=%q,field=%q} %d\n", inst, "hour", m.Calendar.Hour)

		fmt.Fprintf(rw, "# HELP simcal_rate Steps per second.\n")
		fmt.Fprintf(rw, "# TYPE simcal_rate gauge\n")
		fmt.Fprintf(rw, "simcal_rate{instance=%q,kind=%q} %d\n", inst, "target", m.TargetRate)
		fmt.Fprintf(rw, "simcal_rate{instance=%q,kind=%q} %.3f\n", inst, "current", m.CurrentRate)

		fmt.Fprintf(rw, "# HELP simcal_overstep_ms Accumulated time not yet spent on a step.\n")
		fmt.Fprintf(rw, "# TYPE simcal_overstep_ms gauge\n")
		fmt.Fprintf(rw, "simcal_overstep_ms{instance=%q} %.3f\n", inst, m.OverstepMS)

		fmt.Fprintf(rw, "# HELP simcal_last_batch_steps Steps taken in the last iteration.\n")
		fmt.Fprintf(rw, "# TYPE simcal_last_batch_steps gauge\n")
		fmt.Fprintf(rw, "simcal_last_batch_steps{instance=%q} %d\n", inst, m.LastBatchSteps)

		fmt.Fprintf(rw, "# HELP simcal_paused Whether stepping is paused.\n")
		fmt.Fprintf(rw, "# TYPE simcal_paused gauge\n")
		fmt.Fprintf(rw, "simcal_paused{instance=%q} %d\n", inst, boolGauge(m.Paused))

		fmt.Fprintf(rw, "# HELP simcal_command_queue_depth Pending control commands.\n")
		fmt.Fprintf(rw, "# TYPE simcal_command_queue_depth gauge\n")
		fmt.Fprintf(rw, "simcal_command_queue_depth{instance=%q} %d\n", inst, m.QueueDepth)

		fmt.Fprintf(rw, "# HELP simcal_events_total Notifications by dispatch outcome.\n")
		fmt.Fprintf(rw, "# TYPE simcal_events_total counter\n")
		fmt.Fprintf(rw, "simcal_events_total{instance=%q,outcome=%q} %d\n", inst, "delivered", m.EventsDelivered)
		fmt.Fprintf(rw, "simcal_events_total{instance=%q,outcome=%q} %d\n", inst, "dropped", m.EventsDropped)
		fmt.Fprintf(rw, "simcal_events_total{instance=%q,outcome=%q} %d\n", inst, "failed", m.EventsFailed)

		if src.hub != nil {
			published, dropped := src.hub.Stats()
			fmt.Fprintf(rw, "# HELP simcal_ws_clients Connected websocket sessions.\n")
			fmt.Fprintf(rw, "# TYPE simcal_ws_clients gauge\n")
			fmt.Fprintf(rw, "simcal_ws_clients{instance=%q} %d\n", inst, src.hub.Clients())
			fmt.Fprintf(rw, "# HELP simcal_ws_frames_total Websocket event frames by outcome.\n")
			fmt.Fprintf(rw, "# TYPE simcal_ws_frames_total counter\n")
			fmt.Fprintf(rw, "simcal_ws_frames_total{instance=%q,outcome=%q} %d\n", inst, "published", published)
			fmt.Fprintf(rw, "simcal_ws_frames_total{instance=%q,outcome=%q} %d\n", inst, "dropped", dropped)
		}
		if src.idx != nil {
			s := src.idx.Stats()
			fmt.Fprintf(rw, "# HELP simcal_index_queue_depth Index writer queue depth.\n")
			fmt.Fprintf(rw, "# TYPE simcal_index_queue_depth gauge\n")
			fmt.Fprintf(rw, "simcal_index_queue_depth{instance=%q} %d\n", inst, s.QueueDepth)
			fmt.Fprintf(rw, "# HELP simcal_index_rows_total Index rows by outcome.\n")
			fmt.Fprintf(rw, "# TYPE simcal_index_rows_total counter\n")
			fmt.Fprintf(rw, "simcal_index_rows_total{instance=%q,outcome=%q} %d\n", inst, "written", s.WrittenTotal)
			fmt.Fprintf(rw, "simcal_index_rows_total{instance=%q,outcome=%q} %d\n", inst, "dropped", s.DroppedTotal)
			fmt.Fprintf(rw, "# HELP simcal_index_flush_fail_total Failed index flushes.\n")
			fmt.Fprintf(rw, "# TYPE simcal_index_flush_fail_total counter\n")
			fmt.Fprintf(rw, "simcal_index_flush_fail_total{instance=%q} %d\n", inst, s.FlushFailTotal)
		}
		if src.kafka != nil {
			produced, failed := src.kafka.Stats()
			fmt.Fprintf(rw, "# HELP simcal_kafka_records_total Kafka records by outcome.\n")
			fmt.Fprintf(rw, "# TYPE simcal_kafka_records_total counter\n")
			fmt.Fprintf(rw, "simcal_kafka_records_total{instance=%q,outcome=%q} %d\n", inst, "produced", produced)
			fmt.Fprintf(rw, "simcal_kafka_records_total{instance=%q,outcome=%q} %d\n", inst, "failed", failed)
		}
		if src.mirror != nil {
			s := src.mirror.Stats()
			fmt.Fprintf(rw, "# HELP simcal_r2_mirror_queue_depth Journal segments waiting for upload.\n")
			fmt.Fprintf(rw, "# TYPE simcal_r2_mirror_queue_depth gauge\n")
			fmt.Fprintf(rw, "simcal_r2_mirror_queue_depth{instance=%q} %d\n", inst, s.QueueDepth)
			fmt.Fprintf(rw, "# HELP simcal_r2_mirror_uploads_total Journal segment uploads by outcome.\n")
			fmt.Fprintf(rw, "# TYPE simcal_r2_mirror_uploads_total counter\n")
			fmt.Fprintf(rw, "simcal_r2_mirror_uploads_total{instance=%q,outcome=%q} %d\n", inst, "success", s.UploadSuccessTotal)
			fmt.Fprintf(rw, "simcal_r2_mirror_uploads_total{instance=%q,outcome=%q} %d\n", inst, "fail", s.UploadFailTotal)
			fmt.Fprintf(rw, "simcal_r2_mirror_uploads_total{instance=%q,outcome=%q} %d\n", inst, "dropped", s.DroppedTotal)
			fmt.Fprintf(rw, "# HELP simcal_r2_mirror_last_success_unix Time of the last successful upload.\n")
			fmt.Fprintf(rw, "# TYPE simcal_r2_mirror_last_success_unix gauge\n")
			fmt.Fprintf(rw, "simcal_r2_mirror_last_success_unix{instance=%q} %d\n", inst, s.LastSuccessUnix)
		}
	}
}

func boolGauge(b bool) int {
	if b {
		return 1
	}
	return 0
}
