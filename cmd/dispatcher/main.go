package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pms-org/pms-validation/internal/application/factories/infrastructure"
	"github.com/pms-org/pms-validation/internal/config"
	"github.com/pms-org/pms-validation/internal/dispatch"
	"github.com/pms-org/pms-validation/internal/infrastructure/kafka"
	"github.com/pms-org/pms-validation/internal/infrastructure/postgres"
	"github.com/pms-org/pms-validation/internal/ops"
	"github.com/pms-org/pms-validation/internal/telemetry"
)

func main() {
	// Initialize structured JSON logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.New()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("outbox dispatcher starting", "app", cfg.App.Name, "version", cfg.App.Version)

	// Infrastructure
	infraFactory := infrastructure.NewFactory(cfg)
	defer infraFactory.Close()

	pgPool, err := infraFactory.Postgres(ctx)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}

	txManager := postgres.NewTxManager(pgPool)
	dlqRepo := postgres.NewDlqRepository(pgPool)

	tel := telemetry.New(cfg.Telemetry.Endpoint, cfg.App.Name, cfg.Telemetry.Timeout)

	// Valid and invalid paths are independent loops over separate tables,
	// topics and batch sizers.
	validProducer := kafka.NewProducer(kafka.Config{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.ValidTradesTopic,
	})
	defer validProducer.Close()

	invalidProducer := kafka.NewProducer(kafka.Config{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.InvalidTradesTopic,
	})
	defer invalidProducer.Close()

	validSizer := dispatch.NewSizer()
	validProc := dispatch.NewProcessor(
		dispatch.ProcessorConfig{Name: "valid-trades", SendTimeout: cfg.Dispatch.SendTimeout},
		txManager, postgres.NewValidOutboxRepository(pgPool), dlqRepo,
		validProducer, dispatch.JSONEncoder, validSizer, tel)

	invalidSizer := dispatch.NewSizer()
	invalidProc := dispatch.NewProcessor(
		dispatch.ProcessorConfig{Name: "invalid-trades", SendTimeout: cfg.Dispatch.SendTimeout},
		txManager, postgres.NewInvalidOutboxRepository(pgPool), dlqRepo,
		invalidProducer, dispatch.JSONEncoder, invalidSizer, tel)

	dispatchers := []*dispatch.Dispatcher{
		dispatch.NewDispatcher(dispatch.DispatcherConfig{
			Name:         "valid-trades",
			EmptySleep:   cfg.Dispatch.EmptySleep,
			FailureSleep: cfg.Dispatch.FailureSleep,
			PanicSleep:   cfg.Dispatch.PanicSleep,
		}, validProc, validSizer),
		dispatch.NewDispatcher(dispatch.DispatcherConfig{
			Name:         "invalid-trades",
			EmptySleep:   cfg.Dispatch.EmptySleep,
			FailureSleep: cfg.Dispatch.FailureSleep,
			PanicSleep:   cfg.Dispatch.PanicSleep,
		}, invalidProc, invalidSizer),
	}

	// Ops server
	opsServer := ops.NewServer(cfg.HTTP.Port, map[string]ops.ReadyCheck{
		"postgres": pgPool.Ping,
	})
	opsServer.Start()

	var wg sync.WaitGroup
	for _, d := range dispatchers {
		wg.Add(1)
		go func(d *dispatch.Dispatcher) {
			defer wg.Done()
			if err := d.Run(ctx); err != nil {
				logger.Error("dispatcher stopped with error", "error", err)
			}
		}(d)
	}

	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown failed", "error", err)
	}

	logger.Info("outbox dispatcher exited")
}
