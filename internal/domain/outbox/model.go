package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pms-org/pms-validation/internal/domain/trade"
)

const (
	StatusPending = "PENDING"
	StatusSent    = "SENT"
	StatusFailed  = "FAILED"
)

const (
	ValidationValid   = "VALID"
	ValidationInvalid = "INVALID"
)

// Record is one row of an outbox table. Valid and rejected trades share the
// same shape and live in separate tables; ValidationErrors is empty on the
// valid path. SentStatus only ever moves PENDING->SENT or PENDING->FAILED.
type Record struct {
	ID               int64      `json:"-"`
	EventID          uuid.UUID  `json:"event_id"`
	TradeID          uuid.UUID  `json:"trade_id"`
	PortfolioID      uuid.UUID  `json:"portfolio_id"`
	Symbol           string     `json:"symbol"`
	Side             trade.Side `json:"side"`
	PricePerUnit     float64    `json:"price_per_unit"`
	Quantity         int64      `json:"quantity"`
	TradeTimestamp   time.Time  `json:"trade_timestamp"`
	SentStatus       string     `json:"sent_status"`
	ValidationStatus string     `json:"validation_status"`
	ValidationErrors string     `json:"validation_errors,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type Repository interface {
	CreateBatch(ctx context.Context, records []*Record) error
	FetchPendingLocked(ctx context.Context, limit int) ([]*Record, error)
	MarkSent(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, id int64) error
}
