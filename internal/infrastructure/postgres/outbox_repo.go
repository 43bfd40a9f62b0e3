package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pms-org/pms-validation/internal/domain/outbox"
)

// ErrNoTransaction is returned by operations that must run inside a
// transaction (the advisory lock is transaction-scoped) when none is present.
var ErrNoTransaction = errors.New("postgres: operation requires a transaction in context")

// OutboxRepository serves one outbox table. The valid and invalid paths use
// separate tables with identical columns and independent advisory-lock
// namespaces, so both are instances of this type.
type OutboxRepository struct {
	pool       *pgxpool.Pool
	table      string
	lockPrefix string
}

func NewValidOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool, table: "validation_outbox", lockPrefix: "VALIDATION_OUTBOX:"}
}

func NewInvalidOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool, table: "invalid_trade_outbox", lockPrefix: "INVALID_TRADE_OUTBOX:"}
}

type executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func (r *OutboxRepository) executor(ctx context.Context) executor {
	if tx := GetTx(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// CreateBatch inserts all records in one round trip. It participates in the
// caller's transaction when one is present in the context.
func (r *OutboxRepository) CreateBatch(ctx context.Context, records []*outbox.Record) error {
	if len(records) == 0 {
		return nil
	}

	sql := fmt.Sprintf(`
		INSERT INTO %s
			(event_id, trade_id, portfolio_id, symbol, side, price_per_unit, quantity,
			 trade_timestamp, sent_status, validation_status, validation_errors, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`, r.table)

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(sql,
			rec.EventID, rec.TradeID, rec.PortfolioID, rec.Symbol, rec.Side,
			rec.PricePerUnit, rec.Quantity, rec.TradeTimestamp,
			rec.SentStatus, rec.ValidationStatus, nullIfEmpty(rec.ValidationErrors))
	}

	var br pgx.BatchResults
	if tx := GetTx(ctx); tx != nil {
		br = tx.SendBatch(ctx, batch)
	} else {
		br = r.pool.SendBatch(ctx, batch)
	}
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert %s record: %w", r.table, err)
		}
	}

	return nil
}

// FetchPendingLocked returns up to limit PENDING rows in creation order,
// claiming a transaction-scoped advisory lock per portfolio so concurrent
// dispatchers never handle the same portfolio's rows. Must run inside a
// transaction; the lock is released on commit or rollback.
func (r *OutboxRepository) FetchPendingLocked(ctx context.Context, limit int) ([]*outbox.Record, error) {
	tx := GetTx(ctx)
	if tx == nil {
		return nil, ErrNoTransaction
	}

	sql := fmt.Sprintf(`
		SELECT
			id, event_id, trade_id, portfolio_id, symbol, side, price_per_unit,
			quantity, trade_timestamp, sent_status, validation_status,
			COALESCE(validation_errors, ''), created_at, updated_at
		FROM %s e
		WHERE e.sent_status = 'PENDING'
			AND pg_try_advisory_xact_lock(hashtext('%s' || e.portfolio_id::text))
		ORDER BY e.created_at
		LIMIT $1
	`, r.table, r.lockPrefix)

	rows, err := tx.Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending %s: %w", r.table, err)
	}
	defer rows.Close()

	var records []*outbox.Record
	for rows.Next() {
		rec := &outbox.Record{}
		if err := rows.Scan(
			&rec.ID, &rec.EventID, &rec.TradeID, &rec.PortfolioID, &rec.Symbol,
			&rec.Side, &rec.PricePerUnit, &rec.Quantity, &rec.TradeTimestamp,
			&rec.SentStatus, &rec.ValidationStatus, &rec.ValidationErrors,
			&rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan %s record: %w", r.table, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", r.table, err)
	}

	return records, nil
}

func (r *OutboxRepository) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	sql := fmt.Sprintf(`
		UPDATE %s
		SET sent_status = 'SENT', updated_at = NOW()
		WHERE id = ANY($1) AND sent_status = 'PENDING'
	`, r.table)

	if _, err := r.executor(ctx).Exec(ctx, sql, ids); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64) error {
	sql := fmt.Sprintf(`
		UPDATE %s
		SET sent_status = 'FAILED', updated_at = NOW()
		WHERE id = $1 AND sent_status = 'PENDING'
	`, r.table)

	if _, err := r.executor(ctx).Exec(ctx, sql, id); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
