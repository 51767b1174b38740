package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/signalsfoundry/orbiter-simulator/core"
	"github.com/signalsfoundry/orbiter-simulator/internal/config"
	"github.com/signalsfoundry/orbiter-simulator/internal/logging"
	"github.com/signalsfoundry/orbiter-simulator/internal/nbi"
	"github.com/signalsfoundry/orbiter-simulator/internal/observability"
	"github.com/signalsfoundry/orbiter-simulator/internal/persist"
	sim "github.com/signalsfoundry/orbiter-simulator/internal/sim/state"
	"github.com/signalsfoundry/orbiter-simulator/internal/web"
	"github.com/signalsfoundry/orbiter-simulator/timectrl"
)

const solarSystemScenario = "solar-system"

func main() {
	cfg, err := config.Load("orbiter-server", os.Args[1:], nil)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "orbiter-server:", err)
		os.Exit(2)
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, AddSource: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpLis, err := net.Listen("tcp", cfg.HTTP.Addr())
	if err != nil {
		log.Error(ctx, "failed to listen for HTTP", logging.String("addr", cfg.HTTP.Addr()), logging.Err(err))
		os.Exit(1)
	}
	var grpcLis net.Listener
	if cfg.GRPC.Addr != "" {
		grpcLis, err = net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.GRPC.Addr), logging.Err(err))
			os.Exit(1)
		}
	}

	if err := run(ctx, cfg, log, httpLis, grpcLis); err != nil {
		log.Error(ctx, "server exited", logging.Err(err))
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, then shuts every surface down and
// writes a final snapshot. grpcLis may be nil.
func run(ctx context.Context, cfg config.Config, log logging.Logger, httpLis, grpcLis net.Listener) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	simMetrics, err := observability.NewSimCollector(reg)
	if err != nil {
		return fmt.Errorf("sim metrics: %w", err)
	}
	apiMetrics, err := observability.NewAPICollector(reg)
	if err != nil {
		return fmt.Errorf("api metrics: %w", err)
	}

	stores, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	u, scenario, err := newUniverse(cfg, log)
	if err != nil {
		return err
	}
	state := sim.NewSimState(u, log, sim.WithMetricsRecorder(simMetrics))
	if len(stores) > 0 {
		restored, err := persist.Restore(ctx, stores, state)
		switch {
		case err != nil:
			log.Warn(ctx, "ignoring saved snapshot", logging.Err(err))
		case restored:
			bodies, _ := state.Counts()
			log.Info(ctx, "restored snapshot", logging.Int("bodies", bodies))
		}
	}

	bodies, _ := state.Counts()
	tracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, observability.SimResource{
		Scenario:  scenario,
		Seed:      cfg.Sim.Seed,
		Bodies:    bodies,
		TimeScale: state.TimeScale(),
	}, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tracing.Shutdown(context.Background())

	mode := timectrl.RealTime
	if cfg.Sim.Accelerated {
		mode = timectrl.Accelerated
	}
	tc := timectrl.NewTimeController(time.Now(), cfg.Sim.Tick, mode)
	tc.AddListener(func(time.Time) { state.RunTick(ctx) })
	clockDone := tc.Start(ctx, 0)

	webSrv := web.NewServer(state, log, apiMetrics, web.Config{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		CORSDebug:      cfg.HTTP.CORSDebug,
		AssetDir:       cfg.HTTP.AssetPath,
		RateLimit: web.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
			Enabled:           cfg.RateLimit.Enabled,
			TrustProxy:        cfg.RateLimit.TrustProxy,
		},
	})
	httpSrv := &http.Server{
		Handler:           webSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		webSrv.RunLimiter(ctx)
	}()
	go func() {
		defer wg.Done()
		log.Info(ctx, "serving HTTP API", logging.String("addr", httpLis.Addr().String()))
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "HTTP server exited", logging.Err(err))
		}
	}()

	var stopGRPC func()
	if grpcLis != nil {
		grpcSrv, health := nbi.NewGRPCServer(state, log, apiMetrics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info(ctx, "serving gRPC control", logging.String("addr", grpcLis.Addr().String()))
			if err := grpcSrv.Serve(grpcLis); err != nil {
				log.Error(ctx, "gRPC server exited", logging.Err(err))
			}
		}()
		stopGRPC = func() {
			health.Shutdown()
			grpcSrv.GracefulStop()
		}
	}

	metricsSrv := serveMetrics(cfg.Metrics.Addr, apiMetrics, log)

	saveDone := make(chan error, 1)
	if len(stores) > 0 {
		saver := persist.NewAutosaver(state, stores, cfg.Autosave.Period, log, persist.WithSnapshotRecorder(simMetrics))
		go func() { saveDone <- saver.Run(ctx) }()
	} else {
		saveDone <- nil
	}

	<-ctx.Done()
	log.Info(context.Background(), "shutting down")
	<-clockDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	webSrv.Hub().Close()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "HTTP shutdown", logging.Err(err))
	}
	if stopGRPC != nil {
		stopGRPC()
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	wg.Wait()

	if err := <-saveDone; err != nil {
		return fmt.Errorf("final save: %w", err)
	}
	return nil
}

func openStores(ctx context.Context, cfg config.Config, log logging.Logger) (persist.Tee, func(), error) {
	var stores persist.Tee
	closeAll := func() {}
	if cfg.Autosave.File != "" {
		stores = append(stores, persist.NewFileStore(cfg.Autosave.File, cfg.Autosave.Pretty))
	}
	if cfg.Database.DSN != "" {
		pg, err := persist.OpenPGStore(ctx, persist.DatabaseConfig{
			DSN:             cfg.Database.DSN,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			Keep:            cfg.Database.Keep,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open snapshot database: %w", err)
		}
		stores = append(stores, pg)
		closeAll = pg.Close
	}
	return stores, closeAll, nil
}

// newUniverse builds the starting universe and names it: the scenario file
// when one is configured, otherwise the built-in solar system at the
// configured time scale. A saved snapshot, if any, replaces it afterwards.
func newUniverse(cfg config.Config, log logging.Logger) (*core.Universe, string, error) {
	now := float64(time.Now().UnixNano()) / 1e9
	opts := []core.UniverseOption{core.WithLogger(log)}
	if cfg.Sim.Seed != 0 {
		opts = append(opts, core.WithRand(rand.New(rand.NewPCG(cfg.Sim.Seed, cfg.Sim.Seed))))
	}

	if cfg.Sim.Scenario != "" {
		f, err := os.Open(cfg.Sim.Scenario)
		if err != nil {
			return nil, "", fmt.Errorf("open scenario: %w", err)
		}
		defer f.Close()
		u, sc, err := core.LoadScenario(f, now, opts...)
		if err != nil {
			return nil, "", fmt.Errorf("load scenario %s: %w", cfg.Sim.Scenario, err)
		}
		log.Info(context.Background(), "loaded scenario",
			logging.String("name", sc.Name),
			logging.Int("bodies", len(sc.Bodies)),
		)
		return u, sc.Name, nil
	}

	u, err := core.NewSolarSystem(now, opts...)
	if err != nil {
		return nil, "", fmt.Errorf("build solar system: %w", err)
	}
	if err := u.SetTimeScale(cfg.Sim.TimeScale); err != nil {
		return nil, "", err
	}
	return u, solarSystemScenario, nil
}

func serveMetrics(addr string, collector *observability.APICollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
