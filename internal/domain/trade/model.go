package trade

import (
	"time"

	"github.com/google/uuid"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Trade is a single trade event as received from the ingestion topic.
// Immutable once decoded.
type Trade struct {
	TradeID      uuid.UUID `json:"trade_id"`
	PortfolioID  uuid.UUID `json:"portfolio_id"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	PricePerUnit float64   `json:"price_per_unit"`
	Quantity     int64     `json:"quantity"`
	Timestamp    time.Time `json:"timestamp"`
}
