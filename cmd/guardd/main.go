package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/KennethAtchon/loctelli-guard/internal/api"
	"github.com/KennethAtchon/loctelli-guard/internal/core"
	"github.com/KennethAtchon/loctelli-guard/internal/embedding"
	"github.com/KennethAtchon/loctelli-guard/internal/guard"
	"github.com/KennethAtchon/loctelli-guard/internal/monitor"
)

var version = "1.0.0"

func main() {
	configPath := flag.String("config", "guard.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("guardd", version)
		return
	}

	// .env is optional; real deployments set env vars directly.
	_ = godotenv.Load()

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("guardd exited with error")
	}
}

func newLogger(cfg *core.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Logging.Format == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	switch cfg.LogLevel() {
	case "debug":
		logger = logger.Level(zerolog.DebugLevel)
	case "warn":
		logger = logger.Level(zerolog.WarnLevel)
	case "error":
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}
	return logger
}

func run(cfg *core.Config, logger zerolog.Logger) error {
	logger.Info().Str("version", version).Msg("starting guardd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, err := core.NewEventBus(&cfg.Bus, logger)
	if err != nil {
		return fmt.Errorf("starting event bus: %w", err)
	}
	defer bus.Close()

	store, err := monitor.NewStore(cfg.Monitor.StorePath)
	if err != nil {
		return fmt.Errorf("opening event store: %w", err)
	}
	defer store.Close()

	alerts := core.NewAlertPipeline(logger, cfg.Monitor.AlertStore)
	alerts.AddHandler(func(alert *core.Alert) {
		if err := bus.PublishAlert(alert); err != nil {
			logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to publish alert to bus")
		}
	})

	mon := monitor.New(cfg.Monitor, store, alerts, prometheus.DefaultRegisterer, logger)
	mon.AddHealthCheck("event_bus", bus.IsConnected)

	// Events published by the pipeline come back through the bus so the
	// monitor sees the same stream any other subscriber would.
	if err := bus.SubscribeToEvents(mon.Record); err != nil {
		return fmt.Errorf("subscribing to events: %w", err)
	}

	provider := embedding.NewHTTPProvider(
		cfg.Embedding.BaseURL,
		cfg.Embedding.APIKey,
		cfg.Embedding.Model,
		cfg.Embedding.Dimensions,
		cfg.Embedding.Timeout,
	)
	adapter, err := embedding.NewAdapter(provider, cfg.Embedding.CacheSize, cfg.Embedding.Timeout, logger)
	if err != nil {
		return fmt.Errorf("creating embedding adapter: %w", err)
	}
	mon.AddHealthCheck("embedding_provider", adapter.Healthy)

	corpus := embedding.NewCorpus(ctx, adapter, logger)

	tracker := guard.NewTracker(cfg.Guard.Historical.PatternWindow)
	semantic := guard.NewSemanticValidator(cfg.Guard.Semantic, adapter, corpus)

	sink := guard.SinkFunc(func(event *core.SecurityEvent) {
		if err := bus.PublishEvent(event); err != nil {
			logger.Error().Err(err).Str("event_id", event.ID).Msg("failed to publish event to bus")
		}
	})

	pipeline := guard.NewPipeline(cfg, guard.DefaultStages(cfg, semantic, tracker), tracker, sink, logger)
	analyzer := guard.NewAnalyzer(sink, logger)

	mon.Start(ctx)
	defer mon.Stop()

	server := api.NewServer(cfg.Server, pipeline, analyzer, mon, alerts, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error shutting down API server")
	}

	logger.Info().Msg("guardd stopped")
	return nil
}
