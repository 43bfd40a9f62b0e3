package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pms-org/pms-validation/internal/domain/dlq"
)

type DlqRepository struct {
	pool *pgxpool.Pool
}

func NewDlqRepository(pool *pgxpool.Pool) *DlqRepository {
	return &DlqRepository{pool: pool}
}

func (r *DlqRepository) Create(ctx context.Context, entry *dlq.Entry) error {
	const sql = `
		INSERT INTO validation_dlq_entry (payload, error_detail, created_at)
		VALUES ($1, $2, NOW())
		RETURNING id
	`

	var row interface {
		Scan(dest ...any) error
	}
	if tx := GetTx(ctx); tx != nil {
		row = tx.QueryRow(ctx, sql, entry.Payload, nullIfEmpty(entry.ErrorDetail))
	} else {
		row = r.pool.QueryRow(ctx, sql, entry.Payload, nullIfEmpty(entry.ErrorDetail))
	}

	if err := row.Scan(&entry.ID); err != nil {
		return fmt.Errorf("insert dlq entry: %w", err)
	}
	return nil
}
