package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	persistlog "simcal.ai/internal/persistence/log"
	"simcal.ai/internal/sim/calendar"
	"simcal.ai/internal/sim/runner"
	"simcal.ai/internal/sim/tuning"
	"simcal.ai/internal/transport/admin"
	"simcal.ai/internal/transport/redpanda"
	"simcal.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory (journal + sqlite index)")
		instanceID = flag.String("instance", "", "instance id stamped on journal/index rows (default: random uuid)")
		disableDB  = flag.Bool("disable_db", false, "disable the event index")
		targetRate = flag.Int("target_rate", 0, "initial steps per second (overrides tuning when > 0)")
		logBatches = flag.Bool("log_batches", false, "log every iteration that took more than one step")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	instance := strings.TrimSpace(*instanceID)
	if instance == "" {
		instance = uuid.NewString()
	}

	tp := strings.TrimSpace(*tuningPath)
	explicitTuning := tp != ""
	if !explicitTuning {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if explicitTuning || !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	if *targetRate > 0 {
		tune.InitialTargetRate = *targetRate
	}

	ctx, cancel := signalContext()
	defer cancel()

	// Optional: read-model index backend. The journal stays the source of truth.
	idx, err := openRuntimeIndex(ctx, *dataDir, instance, *disableDB, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.RecordTuning(tune); err != nil {
			logger.Printf("index backend: record tuning: %v", err)
		}
	}

	// Optional: upload finished journal segments. Closed after the journal so the last segment is queued.
	mirror, err := openJournalMirror(instance, logger)
	if err != nil {
		logger.Fatalf("journal mirror: %v", err)
	}
	if mirror != nil {
		defer mirror.Close()
	}

	journal := persistlog.NewEventJournal(*dataDir, instance)
	if mirror != nil {
		journal.OnSegmentClosed(mirror.Enqueue)
	}
	defer journal.Close()

	hub := ws.NewHub(tune.Namespace, logger)
	defer hub.Close()

	sinks := runner.Fanout{journal, hub}
	if idx != nil {
		sinks = append(sinks, idx)
	}
	var kafka *redpanda.Producer
	if brokers := envList("SC_KAFKA_BROKERS"); len(brokers) > 0 {
		kafka, err = redpanda.NewProducer(brokers, strings.TrimSpace(os.Getenv("SC_KAFKA_TOPIC")), instance, logger)
		if err != nil {
			logger.Fatalf("redpanda: %v", err)
		}
		defer func() {
			if err := kafka.Close(5 * time.Second); err != nil {
				logger.Printf("redpanda flush: %v", err)
			}
		}()
		sinks = append(sinks, kafka)
	}

	cfg := tune.RunnerConfig()
	cfg.Logger = logger
	if *logBatches {
		cfg.BatchHook = func(steps int, st calendar.State) {
			if steps > 1 {
				logger.Printf("batch steps=%d hours=%d", steps, st.TotalHours())
			}
		}
	}
	sim, err := runner.New(cfg, sinks)
	if err != nil {
		logger.Fatalf("runner: %v", err)
	}

	simDone := make(chan error, 1)
	go func() {
		err := sim.Run(context.Background())
		simDone <- err
		if err != nil {
			// The process is useless without the simulation.
			cancel()
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(metricsSources{
		instance: instance,
		sim:      sim,
		hub:      hub,
		idx:      idx,
		kafka:    kafka,
		mirror:   mirror,
	}))

	enableAdminHTTP := envBool("SC_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("SC_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		admin.NewServer(instance, sim, sim.Commands(), queryableIndex(idx), logger).Register(mux)
	} else {
		logger.Printf("admin endpoints disabled (SC_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (SC_ENABLE_PPROF_HTTP=false)")
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(hub, sim.Commands(), logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s instance=%s namespace=%s", *addr, instance, tune.Namespace)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	stopSimulation(sim, simDone, 10*time.Second, logger)
	// Deferred closes run next: hub, kafka, journal, mirror, index.
}

// stopSimulation requests a graceful shutdown and joins the simulation goroutine.
func stopSimulation(sim *runner.Runner, done <-chan error, timeout time.Duration, logger *log.Logger) {
	if err := sim.Commands().Send(runner.Shutdown()); err != nil && !errors.Is(err, runner.ErrMailboxClosed) {
		logger.Printf("send shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			logger.Printf("simulation stopped: %v", err)
			return
		}
		m := sim.Metrics()
		logger.Printf("simulation stopped steps=%d hours=%d", m.Steps, m.TotalHours)
	case <-time.After(timeout):
		logger.Printf("simulation did not stop within %s", timeout)
	}
	sim.Commands().Close()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
