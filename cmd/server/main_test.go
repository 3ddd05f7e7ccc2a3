package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"simcal.ai/internal/sim/runner"
	"simcal.ai/internal/transport/ws"
)

func TestOpenRuntimeIndex_Backends(t *testing.T) {
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)

	idx, err := openRuntimeIndex(context.Background(), dir, "inst", true, logger)
	if err != nil || idx != nil {
		t.Fatalf("disable_db: idx=%v err=%v", idx, err)
	}

	t.Setenv("SC_INDEX_BACKEND", "none")
	if idx, err := openRuntimeIndex(context.Background(), dir, "inst", false, logger); err != nil || idx != nil {
		t.Fatalf("none: idx=%v err=%v", idx, err)
	}

	t.Setenv("SC_INDEX_BACKEND", "")
	idx, err = openRuntimeIndex(context.Background(), dir, "inst", false, logger)
	if err != nil || idx == nil {
		t.Fatalf("default sqlite: err=%v", err)
	}
	if queryableIndex(idx) == nil {
		t.Fatalf("sqlite index should be queryable")
	}
	_ = idx.Close()

	t.Setenv("SC_INDEX_BACKEND", "d1")
	t.Setenv("SC_INDEX_D1_INGEST_URL", "")
	if _, err := openRuntimeIndex(context.Background(), dir, "inst", false, logger); err == nil {
		t.Fatalf("d1 without url should fail")
	}
	t.Setenv("SC_INDEX_D1_INGEST_URL", "http://127.0.0.1:1/ingest")
	idx, err = openRuntimeIndex(context.Background(), dir, "inst", false, logger)
	if err != nil {
		t.Fatalf("d1: %v", err)
	}
	if queryableIndex(idx) != nil {
		t.Fatalf("d1 index should not be queryable")
	}
	_ = idx.Close()

	t.Setenv("SC_INDEX_BACKEND", "postgres")
	t.Setenv("SC_INDEX_PG_URL", "")
	if _, err := openRuntimeIndex(context.Background(), dir, "inst", false, logger); err == nil {
		t.Fatalf("postgres without url should fail")
	}

	t.Setenv("SC_INDEX_BACKEND", "mongo")
	if _, err := openRuntimeIndex(context.Background(), dir, "inst", false, logger); err == nil {
		t.Fatalf("unknown backend should fail")
	}
}

func TestMetricsHandler(t *testing.T) {
	sim, err := runner.New(runner.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	h := metricsHandler(metricsSources{instance: "inst-1", sim: sim, hub: ws.NewHub("/simulation", nil)})

	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`simcal_steps_total{instance="inst-1"} 0`,
		`simcal_rate{instance="inst-1",kind="target"} 100`,
		`simcal_ws_clients{instance="inst-1"} 0`,
		`simcal_paused{instance="inst-1"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "simcal_index_") || strings.Contains(body, "simcal_kafka_") {
		t.Fatalf("disabled sinks should not export metrics")
	}
}

func TestStopSimulation_JoinsRunner(t *testing.T) {
	cfg := runner.DefaultConfig()
	sim, err := runner.New(cfg, nil)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- sim.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	stopSimulation(sim, done, 2*time.Second, log.New(io.Discard, "", 0))

	m := sim.Metrics()
	if !m.ShuttingDown {
		t.Fatalf("runner did not observe shutdown: %+v", m)
	}
	if err := sim.Commands().Send(runner.Pause()); err == nil {
		t.Fatalf("mailbox should be closed after stop")
	}
}

func TestOpenJournalMirror(t *testing.T) {
	t.Setenv("SC_R2_BUCKET", "")
	m, err := openJournalMirror("inst-1", nil)
	if err != nil || m != nil {
		t.Fatalf("unset bucket: m=%v err=%v", m, err)
	}

	t.Setenv("SC_R2_BUCKET", "journal")
	t.Setenv("SC_R2_ENDPOINT", "")
	if _, err := openJournalMirror("inst-1", nil); err == nil {
		t.Fatalf("expected error without endpoint and keys")
	}

	t.Setenv("SC_R2_ENDPOINT", "r2.example.com")
	t.Setenv("SC_R2_ACCESS_KEY_ID", "k")
	t.Setenv("SC_R2_SECRET_ACCESS_KEY", "s")
	m, err = openJournalMirror("inst-1", nil)
	if err != nil || m == nil {
		t.Fatalf("configured mirror: m=%v err=%v", m, err)
	}
	m.Close()
}
