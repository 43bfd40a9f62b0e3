package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	segkafka "github.com/segmentio/kafka-go"

	"github.com/pms-org/pms-validation/internal/application/factories/infrastructure"
	"github.com/pms-org/pms-validation/internal/config"
	"github.com/pms-org/pms-validation/internal/domain/dlq"
	"github.com/pms-org/pms-validation/internal/idempotency"
	"github.com/pms-org/pms-validation/internal/infrastructure/kafka"
	"github.com/pms-org/pms-validation/internal/infrastructure/postgres"
	"github.com/pms-org/pms-validation/internal/intake"
	"github.com/pms-org/pms-validation/internal/ops"
	"github.com/pms-org/pms-validation/internal/refdata"
	"github.com/pms-org/pms-validation/internal/rules"
	"github.com/pms-org/pms-validation/internal/telemetry"
	"github.com/pms-org/pms-validation/internal/validation"
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

	logger.Info("trade validator starting", "app", cfg.App.Name, "version", cfg.App.Version)

	// Infrastructure
	infraFactory := infrastructure.NewFactory(cfg)
	defer infraFactory.Close()

	pgPool, err := infraFactory.Postgres(ctx)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}

	redisCli, err := infraFactory.Redis(ctx)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	// Repositories
	txManager := postgres.NewTxManager(pgPool)
	validOutboxRepo := postgres.NewValidOutboxRepository(pgPool)
	invalidOutboxRepo := postgres.NewInvalidOutboxRepository(pgPool)
	dlqRepo := postgres.NewDlqRepository(pgPool)
	refRepo := postgres.NewRefDataRepository(pgPool)

	// Idempotency ledger
	ledger := idempotency.NewLedger(
		idempotency.NewRedisStore(redisCli),
		cfg.Idempotency.ProcessingTTL,
		cfg.Idempotency.DoneTTL,
	)

	// Reference data + rule engine
	refStore := refdata.NewStore(refRepo)
	if err := refStore.Refresh(ctx); err != nil {
		logger.Error("failed to load reference data", "error", err)
		os.Exit(1)
	}
	go refStore.Run(ctx, cfg.RefData.RefreshInterval)

	engine := rules.NewReferenceEngine(refStore)
	core := validation.NewCore(engine)
	persister := validation.NewPersister(txManager, core, ledger, validOutboxRepo, invalidOutboxRepo)

	// Telemetry
	tel := telemetry.New(cfg.Telemetry.Endpoint, cfg.App.Name, cfg.Telemetry.Timeout)

	// Kafka consumer + pausable source
	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.IncomingTopic, cfg.Kafka.GroupID)
	defer consumer.Close()

	onCorrupt := func(ctx context.Context, msg segkafka.Message, decodeErr error) {
		entry := &dlq.Entry{Payload: msg.Value, ErrorDetail: decodeErr.Error()}
		if err := dlqRepo.Create(ctx, entry); err != nil {
			logger.Error("failed to persist corrupt record to dlq", "error", err)
		}
		tel.SendDlqEvent(ctx, telemetry.DlqEvent{
			Topic:  msg.Topic,
			Reason: "undecodable payload: " + decodeErr.Error(),
		})
	}

	source := intake.NewKafkaSource(consumer, cfg.Kafka.GroupID,
		cfg.Intake.PollWindow, cfg.Intake.PollMaxRecords, onCorrupt)

	// Intake buffer + backpressure controller
	buffer := intake.NewBuffer(cfg.Intake.BufferCapacity)
	controller := intake.NewController(buffer, persister, source, pgPool,
		cfg.Intake.RecoveryInterval,
		intake.ControllerConfig{
			BatchSize:     cfg.Intake.BatchSize,
			FlushInterval: cfg.Intake.FlushInterval,
		})
	controller.Start(ctx)

	// Ops server
	opsServer := ops.NewServer(cfg.HTTP.Port, map[string]ops.ReadyCheck{
		"postgres": pgPool.Ping,
		"redis": func(ctx context.Context) error {
			return redisCli.Ping(ctx).Err()
		},
	})
	opsServer.Start()

	logger.Info("trade consumer started", "topic", cfg.Kafka.IncomingTopic, "group_id", cfg.Kafka.GroupID)

	// Consume loop: every poll lands in the buffer; acknowledgment is deferred
	// until the flush path durably commits the decisions.
	for {
		batch, err := source.ReadBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("failed to read poll batch", "error", err)
			time.Sleep(1 * time.Second)
			continue
		}

		controller.Offer(batch)
		controller.CheckAndFlush(ctx)
	}

	// Final flush before exit
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()

	if err := controller.Stop(stopCtx); err != nil {
		logger.Error("final flush failed", "error", err)
	}
	if err := opsServer.Shutdown(stopCtx); err != nil {
		logger.Error("ops server shutdown failed", "error", err)
	}

	logger.Info("trade validator exited")
}
