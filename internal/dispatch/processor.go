package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"github.com/pms-org/pms-validation/internal/domain/dlq"
	"github.com/pms-org/pms-validation/internal/domain/outbox"
	"github.com/pms-org/pms-validation/internal/infrastructure/postgres"
	"github.com/pms-org/pms-validation/internal/telemetry"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_published_total",
		Help: "The total number of outbox events published to Kafka",
	}, []string{"dispatcher"})
	publishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_publish_failures_total",
		Help: "The total number of failed publish attempts",
	}, []string{"dispatcher"})
	poisonRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_poison_rows_total",
		Help: "The total number of rows isolated to the dead-letter store",
	}, []string{"dispatcher"})
	cycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outbox_dispatch_cycle_seconds",
		Help:    "Wall-clock duration of one dispatch cycle",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"dispatcher"})
)

// PendingStore is the outbox table surface used during a cycle. All calls run
// inside the cycle's transaction so the advisory portfolio lock stays held
// through the status updates.
type PendingStore interface {
	FetchPendingLocked(ctx context.Context, limit int) ([]*outbox.Record, error)
	MarkSent(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, id int64) error
}

// Publisher blocks until the broker acknowledges the message or ctx expires.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
}

// Encoder turns an outbox record into the wire payload. Encoding failures are
// classified as poison.
type Encoder func(*outbox.Record) ([]byte, error)

// JSONEncoder is the default wire encoding.
func JSONEncoder(rec *outbox.Record) ([]byte, error) {
	return json.Marshal(rec)
}

type ProcessorConfig struct {
	// Name labels logs and metrics, e.g. "valid-trades".
	Name        string
	SendTimeout time.Duration
}

// Processor executes single dispatch cycles against one outbox table.
type Processor struct {
	cfg       ProcessorConfig
	tx        postgres.Transactor
	store     PendingStore
	deadLine  dlq.Repository
	publisher Publisher
	encode    Encoder
	sizer     *Sizer
	telemetry telemetry.Client
}

func NewProcessor(cfg ProcessorConfig, tx postgres.Transactor, store PendingStore, dlqRepo dlq.Repository, publisher Publisher, encode Encoder, sizer *Sizer, tel telemetry.Client) *Processor {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if encode == nil {
		encode = JSONEncoder
	}
	if tel == nil {
		tel = telemetry.Noop{}
	}
	return &Processor{
		cfg:       cfg,
		tx:        tx,
		store:     store,
		deadLine:  dlqRepo,
		publisher: publisher,
		encode:    encode,
		sizer:     sizer,
		telemetry: tel,
	}
}

// DispatchOnce runs one cycle: lock and fetch pending rows, publish them in
// creation order, classify failures, and update row statuses, all inside one
// transaction so the per-portfolio advisory lock covers the status updates.
func (p *Processor) DispatchOnce(ctx context.Context) (CycleResult, error) {
	var result CycleResult

	err := p.tx.WithinTransaction(ctx, func(txCtx context.Context) error {
		limit := p.sizer.Current()

		batch, err := p.store.FetchPendingLocked(txCtx, limit)
		if err != nil {
			return fmt.Errorf("fetch pending rows: %w", err)
		}

		if len(batch) == 0 {
			p.sizer.Reset()
			result = CycleResult{}
			return nil
		}

		slog.Info("dispatching outbox batch", "dispatcher", p.cfg.Name, "rows", len(batch), "limit", limit)

		started := time.Now()
		result = p.publish(txCtx, batch)
		duration := time.Since(started)

		cycleDuration.WithLabelValues(p.cfg.Name).Observe(duration.Seconds())
		if !result.SystemFailure {
			p.sizer.Adjust(duration, len(batch))
		}

		if len(result.SuccessIDs) > 0 {
			if err := p.store.MarkSent(txCtx, result.SuccessIDs); err != nil {
				return fmt.Errorf("mark rows sent: %w", err)
			}
			eventsPublished.WithLabelValues(p.cfg.Name).Add(float64(len(result.SuccessIDs)))
		}

		if result.Poison != nil {
			if err := p.store.MarkFailed(txCtx, result.Poison.ID); err != nil {
				return fmt.Errorf("mark poison row failed: %w", err)
			}
			poisonRows.WithLabelValues(p.cfg.Name).Inc()
		}

		return nil
	})
	if err != nil {
		return systemFailure(nil), err
	}

	return result, nil
}

// publish attempts each row in order. A poison row is isolated to the
// dead-letter store and stops the rest of the cycle; a transient failure
// aborts the cycle with the successes collected so far.
func (p *Processor) publish(ctx context.Context, batch []*outbox.Record) CycleResult {
	var successIDs []int64

	for _, rec := range batch {
		value, err := p.encode(rec)
		if err != nil {
			slog.Error("unencodable outbox row", "dispatcher", p.cfg.Name, "row_id", rec.ID, "error", err)
			return p.isolatePoison(ctx, successIDs, rec, nil, err)
		}

		sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
		err = p.publisher.Publish(sendCtx, []byte(rec.PortfolioID.String()), value)
		cancel()

		if err != nil {
			publishFailures.WithLabelValues(p.cfg.Name).Inc()
			slog.Error("failed to publish outbox row", "dispatcher", p.cfg.Name, "row_id", rec.ID, "error", err)

			if isPoisonPublishError(err) {
				return p.isolatePoison(ctx, successIDs, rec, value, err)
			}
			return systemFailure(successIDs)
		}

		slog.Debug("outbox row published", "dispatcher", p.cfg.Name, "row_id", rec.ID, "trade_id", rec.TradeID)
		successIDs = append(successIDs, rec.ID)
	}

	return success(successIDs)
}

// isolatePoison persists the poison row's payload to the dead-letter store.
// When even that write fails the cycle degrades to a system failure so the
// row stays PENDING and nothing is lost.
func (p *Processor) isolatePoison(ctx context.Context, successIDs []int64, rec *outbox.Record, payload []byte, cause error) CycleResult {
	entry := &dlq.Entry{
		Payload:     payload,
		ErrorDetail: cause.Error(),
	}
	if err := p.deadLine.Create(ctx, entry); err != nil {
		slog.Error("failed to persist dead-letter entry", "dispatcher", p.cfg.Name, "row_id", rec.ID, "error", err)
		return systemFailure(successIDs)
	}

	slog.Warn("outbox row isolated to dead-letter store",
		"dispatcher", p.cfg.Name, "row_id", rec.ID, "dlq_id", entry.ID, "error", cause)

	p.telemetry.SendDlqEvent(ctx, telemetry.DlqEvent{
		TradeID: rec.TradeID.String(),
		Topic:   p.cfg.Name,
		Reason:  cause.Error(),
	})

	return poisoned(successIDs, rec)
}

// isPoisonPublishError reports broker rejections that no retry can fix, as
// opposed to transient connectivity failures.
func isPoisonPublishError(err error) bool {
	var kafkaErr kafka.Error
	if errors.As(err, &kafkaErr) {
		switch kafkaErr {
		case kafka.MessageSizeTooLarge, kafka.InvalidMessage, kafka.InvalidTopic:
			return true
		}
	}
	return false
}
