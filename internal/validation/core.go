package validation

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/pms-org/pms-validation/internal/domain/outbox"
	"github.com/pms-org/pms-validation/internal/domain/trade"
	"github.com/pms-org/pms-validation/internal/rules"
)

// Decision is the tagged outcome of evaluating one trade: exactly one of
// Outbox (valid path) or Rejected (invalid path) is set.
type Decision struct {
	Valid    bool
	Outbox   *outbox.Record
	Rejected *outbox.Record
}

// Core turns a trade into a decision without persisting anything, so the
// caller can batch many decisions into one multi-row insert.
type Core struct {
	engine rules.Engine
}

func NewCore(engine rules.Engine) *Core {
	return &Core{engine: engine}
}

func (c *Core) Evaluate(t trade.Trade) (Decision, error) {
	valid, ruleErrors, err := c.engine.Evaluate(t)
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate trade %s: %w", t.TradeID, err)
	}

	rec := &outbox.Record{
		EventID:        uuid.New(),
		TradeID:        t.TradeID,
		PortfolioID:    t.PortfolioID,
		Symbol:         t.Symbol,
		Side:           t.Side,
		PricePerUnit:   t.PricePerUnit,
		Quantity:       t.Quantity,
		TradeTimestamp: t.Timestamp,
		SentStatus:     outbox.StatusPending,
	}

	if valid {
		rec.ValidationStatus = outbox.ValidationValid
		slog.Debug("trade is valid", "trade_id", t.TradeID)
		return Decision{Valid: true, Outbox: rec}, nil
	}

	rec.ValidationStatus = outbox.ValidationInvalid
	rec.ValidationErrors = strings.Join(ruleErrors, "; ")
	slog.Info("trade is invalid", "trade_id", t.TradeID, "errors", rec.ValidationErrors)
	return Decision{Valid: false, Rejected: rec}, nil
}
