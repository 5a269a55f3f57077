package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/nicktill/thermalstore/pkg/httpx"
	"github.com/nicktill/thermalstore/pkg/ingest/mqtt"
	"github.com/nicktill/thermalstore/pkg/logger"
	"github.com/nicktill/thermalstore/pkg/server"
	"github.com/nicktill/thermalstore/pkg/service"
	"github.com/nicktill/thermalstore/pkg/telemetry"
	"github.com/rs/zerolog"
)

// backgroundStopTimeout bounds the wait for schedulers after shutdown
const backgroundStopTimeout = 5 * time.Second

func main() {
	cfg, v, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "thermalstore: %v\n", err)
		os.Exit(2)
	}

	log, err := logger.New(cfg.Log.Level, logger.IsService())
	if err != nil {
		fmt.Fprintf(os.Stderr, "thermalstore: %v\n", err)
		os.Exit(2)
	}
	httpx.SetLogger(log)

	retention := config.NewWatcher(v, cfg.Retention, log.With().Str("component", "config").Logger())

	if err := run(cfg, retention, log); err != nil {
		log.Fatal().Err(err).Msg("Thermalstore stopped")
	}
}

func run(cfg *config.Config, retention config.RetentionSource, log zerolog.Logger) error {
	log.Info().
		Str("config_file", cfg.ConfigFile).
		Str("backend", cfg.Storage.Backend).
		Int("retention_days", cfg.Retention.RetentionDays).
		Int("full_res_days", cfg.Retention.FullResDays).
		Int("max_points", cfg.Retention.MaxPoints).
		Int("target_kb", cfg.Retention.TargetKB).
		Msg("Starting thermalstore")

	store, dataDir, err := openStore(cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	metrics := telemetry.New()
	svc := service.New(store,
		service.WithLogger(log),
		service.WithMetrics(metrics),
		service.WithRetention(retention),
		service.WithSchedule(cfg.Schedule),
		service.WithDataDir(dataDir),
	)
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close store")
		}
	}()

	startCtx, startCancel := context.WithTimeout(context.Background(), config.RequestTimeout)
	err = svc.Start(startCtx)
	startCancel()
	if err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}

	model := svc.Characteristics()
	log.Info().
		Int("raw", len(svc.Collector().Samples())).
		Int("buckets", len(svc.Collector().Buckets())).
		Float64("confidence", model.ModelConfidence).
		Msg("State restored")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	hub := server.NewHub(log.With().Str("component", "ws").Logger())
	svc.OnModelUpdate(hub.PublishModel)
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	wg.Add(3)
	go svc.RunModelUpdates(ctx, &wg)
	go svc.RunCleanup(ctx, &wg)
	go svc.RunStoreGC(ctx, config.StoreGCInterval, &wg)

	var subscriber *mqtt.Subscriber
	if cfg.MQTT.Broker != "" {
		subscriber = mqtt.NewSubscriber(cfg.MQTT.Topic, svc, nil, log.With().Str("component", "mqtt").Logger())
		if err := subscriber.Connect(cfg.MQTT); err != nil {
			// Paho keeps retrying in the background
			log.Error().Err(err).Str("broker", cfg.MQTT.Broker).Msg("MQTT connect failed")
		}
	}

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: server.NewRouter(svc, server.Options{
			Hub:       hub,
			Metrics:   metrics,
			Log:       log.With().Str("component", "http").Logger(),
			Addr:      cfg.HTTP.Addr,
			AccessLog: log.GetLevel() <= zerolog.DebugLevel,
		}),
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server failed: %w", err)
	}

	// Stop ingestion first so nothing is written while schedulers drain
	if subscriber != nil {
		subscriber.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("All background tasks stopped cleanly")
	case <-time.After(backgroundStopTimeout):
		log.Warn().Msg("Some background tasks did not stop in time")
	}

	return runErr
}
