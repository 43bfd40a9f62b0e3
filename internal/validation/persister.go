package validation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pms-org/pms-validation/internal/domain/outbox"
	"github.com/pms-org/pms-validation/internal/domain/trade"
	"github.com/pms-org/pms-validation/internal/infrastructure/postgres"
)

// Ledger is the idempotency surface the persister needs.
type Ledger interface {
	TryStartProcessing(ctx context.Context, tradeID uuid.UUID) (bool, error)
	MarkDone(ctx context.Context, tradeID uuid.UUID) error
	IsDone(ctx context.Context, tradeID uuid.UUID) (bool, error)
	ClearProcessing(ctx context.Context, tradeID uuid.UUID)
}

// RecordWriter is the subset of the outbox repository used for staging.
type RecordWriter interface {
	CreateBatch(ctx context.Context, records []*outbox.Record) error
}

// Evaluator produces a decision for one trade.
type Evaluator interface {
	Evaluate(t trade.Trade) (Decision, error)
}

// Persister wraps one relational transaction around a batch of decisions.
// The idempotency ledger advances to DONE only after commit; reservations
// taken inside an aborted transaction are released.
type Persister struct {
	tx       postgres.Transactor
	core     Evaluator
	ledger   Ledger
	outbox   RecordWriter
	rejected RecordWriter
}

func NewPersister(tx postgres.Transactor, core Evaluator, ledger Ledger, outboxRepo, rejectedRepo RecordWriter) *Persister {
	return &Persister{
		tx:       tx,
		core:     core,
		ledger:   ledger,
		outbox:   outboxRepo,
		rejected: rejectedRepo,
	}
}

// PersistBatch validates and persists all trades in a single transaction.
// Trades already DONE or reserved by another worker are skipped. Any
// evaluation or staging error aborts the whole transaction and propagates.
func (p *Persister) PersistBatch(ctx context.Context, trades []trade.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	var reserved []uuid.UUID
	var staged []uuid.UUID

	err := p.tx.WithinTransaction(ctx, func(txCtx context.Context) error {
		var outboxToSave []*outbox.Record
		var rejectedToSave []*outbox.Record

		for _, t := range trades {
			if t.TradeID == uuid.Nil {
				slog.Warn("skipping trade with missing id")
				continue
			}

			done, err := p.ledger.IsDone(ctx, t.TradeID)
			if err != nil {
				return fmt.Errorf("check trade state: %w", err)
			}
			if done {
				slog.Info("trade already done, skipping", "trade_id", t.TradeID)
				continue
			}

			acquired, err := p.ledger.TryStartProcessing(ctx, t.TradeID)
			if err != nil {
				return fmt.Errorf("reserve trade: %w", err)
			}
			if !acquired {
				slog.Info("trade reserved by another worker, skipping", "trade_id", t.TradeID)
				continue
			}
			reserved = append(reserved, t.TradeID)

			decision, err := p.core.Evaluate(t)
			if err != nil {
				return err
			}

			if decision.Valid {
				outboxToSave = append(outboxToSave, decision.Outbox)
			} else {
				rejectedToSave = append(rejectedToSave, decision.Rejected)
			}
			staged = append(staged, t.TradeID)
		}

		if err := p.outbox.CreateBatch(txCtx, outboxToSave); err != nil {
			return fmt.Errorf("persist outbox records: %w", err)
		}
		if err := p.rejected.CreateBatch(txCtx, rejectedToSave); err != nil {
			return fmt.Errorf("persist rejected records: %w", err)
		}

		slog.Info("staged validation batch",
			"trades", len(trades), "valid", len(outboxToSave), "invalid", len(rejectedToSave))
		return nil
	})

	if err != nil {
		// The transaction rolled back: release every reservation taken above
		// so another worker (or a redelivery) can retry these trades.
		for _, id := range reserved {
			p.ledger.ClearProcessing(ctx, id)
		}
		return err
	}

	// Advance the ledger only after the commit: marking DONE earlier would
	// let a crash between mark and commit lose the trade forever.
	for _, id := range staged {
		if markErr := p.ledger.MarkDone(ctx, id); markErr != nil {
			slog.Error("failed to mark trade done", "trade_id", id, "error", markErr)
		}
	}

	return nil
}
