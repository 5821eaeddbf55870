package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"optical_bench/internal/acquisition"
	"optical_bench/internal/benchclock"
	"optical_bench/internal/config"
	"optical_bench/internal/eventlog"
	"optical_bench/internal/handlers"
	"optical_bench/internal/journal"
	"optical_bench/internal/logger"
	"optical_bench/internal/metrics"
	"optical_bench/internal/sequencer"
	"optical_bench/internal/server"
	"optical_bench/internal/service"
	"optical_bench/internal/telemetry"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// load configs/config.yml, env and flags
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Get(logger.InfoLevel).Fatalw("error reading config", "err", err)
	}

	// init logger
	log := logger.Init(cfg.Log.Level, cfg.Log.Format)
	defer func() { _ = log.Sync() }()

	if cfg.Log.Level != logger.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	// metrics registry
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// open journal
	flusher, closeJournal, err := openJournal(cfg.EventLog.JournalPath, log)
	if err != nil {
		log.Fatalw("failed to open event journal", "err", err, "path", cfg.EventLog.JournalPath)
	}
	defer closeJournal()

	// wire dependencies
	clock := benchclock.Real{}
	sink := eventlog.NewSink(clock, flusher, log, m, cfg.Acquisition.SubscriberBuffer)
	instrument := telemetry.NewSimulator(telemetry.SimulatorConfig{
		Seed:      cfg.Simulator.Seed,
		FaultRate: cfg.Simulator.FaultRate,
	}, clock)

	services := service.NewService(service.Deps{
		Instrument:  instrument,
		Sink:        sink,
		Acquisition: acquisitionConfig(cfg.Acquisition),
		Sequencer:   sequencerConfig(cfg.Exposure),
		Clock:       clock,
		Logger:      log,
		Metrics:     m,
	})
	apiHandler := handlers.NewHandler(services, log,
		handlers.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
		handlers.WithWebsocketTiming(cfg.WebSocket.WriteWait, cfg.WebSocket.PingPeriod),
	)

	// context for background goroutines
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		services.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sink.Run(ctx, cfg.EventLog.FlushInterval)
	}()

	// start HTTP server
	srv := server.New(server.Options{
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	})
	runHTTPServer(srv, cfg.Port, apiHandler, log)
	log.Infow("bench_service_started", "port", cfg.Port, "interval", cfg.Acquisition.Interval)

	// graceful shutdown
	waitForShutdown(srv, services, cfg.Server.ShutdownTimeout, log)

	// stop background goroutines; the event log flushes one last time
	cancel()
	wg.Wait()
	sink.Close()
}

func acquisitionConfig(c config.AcquisitionConfig) acquisition.Config {
	return acquisition.Config{
		Interval:         c.Interval,
		StaleAfter:       c.StaleAfter(),
		PollTimeout:      c.PollTimeout,
		SubscriberBuffer: c.SubscriberBuffer,
		LogEvery:         c.LogEvery,
		HistorySize:      c.HistorySize,
	}
}

func sequencerConfig(c config.ExposureConfig) sequencer.Config {
	return sequencer.Config{
		MaxDuration:      c.MaxDuration,
		MaxPowerMW:       c.MaxPowerMW,
		ProgressInterval: c.ProgressInterval,
		CheckInterval:    c.CheckInterval,
		ActuationTimeout: c.ActuationTimeout,
	}
}

// openJournal opens the on-disk journal, or discards flushed entries when no
// path is configured.
func openJournal(path string, log *logger.Logger) (eventlog.Flusher, func(), error) {
	if path == "" {
		log.Infow("eventlog.journal_path not set in config; entries are kept in memory only")
		return eventlog.Discard{}, func() {}, nil
	}
	j, err := journal.Open(path)
	if err != nil {
		return nil, nil, err
	}
	st := j.Stats()
	log.Infow("journal_opened", "path", path, "last_record", st.LastRecord, "size_bytes", st.SizeBytes)
	return j, func() {
		if cerr := j.Close(); cerr != nil {
			log.Errorw("failed to close journal", "err", cerr)
		}
	}, nil
}

// runHTTPServer runs the HTTP server in a separate goroutine.
func runHTTPServer(srv *server.Server, port string, handler *handlers.Handler, log *logger.Logger) {
	go func() {
		if port == "" {
			port = "8080"
		}
		if err := srv.Run(port, handler.InitRoutes()); err != nil {
			log.Fatalw("error starting server", "err", err)
		}
	}()
}

// waitForShutdown listens for termination signals, stops accepting requests
// and releases the instrument.
func waitForShutdown(srv *server.Server, services *service.Service, timeout time.Duration, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down server...")

	// allow in-flight requests to complete
	ctx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("server forced to shutdown", "err", err)
	}
	if err := services.Shutdown(ctx); err != nil {
		log.Errorw("instrument shutdown failed", "err", err)
	}
}
