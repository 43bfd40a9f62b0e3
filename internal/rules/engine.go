package rules

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pms-org/pms-validation/internal/domain/trade"
)

// Engine evaluates a trade against the validation rules. The pipeline treats
// it as a black box: valid plus zero errors, or invalid plus the reasons.
// A non-nil error means the engine itself failed and the whole flush must
// abort rather than record a decision.
type Engine interface {
	Evaluate(t trade.Trade) (valid bool, errs []string, err error)
}

// allowable clock skew for trade timestamps arriving from upstream systems
const maxFutureSkew = 5 * time.Minute

// ReferenceEngine validates trades against the portfolio/symbol reference
// snapshot plus basic field constraints.
type ReferenceEngine struct {
	ref RefData
	now func() time.Time
}

type RefData interface {
	HasPortfolio(id uuid.UUID) bool
	HasSymbol(symbol string) bool
}

func NewReferenceEngine(ref RefData) *ReferenceEngine {
	return &ReferenceEngine{ref: ref, now: time.Now}
}

func (e *ReferenceEngine) Evaluate(t trade.Trade) (bool, []string, error) {
	var errs []string

	if t.TradeID == uuid.Nil {
		errs = append(errs, "trade id is missing")
	}
	if t.PortfolioID == uuid.Nil {
		errs = append(errs, "portfolio id is missing")
	} else if !e.ref.HasPortfolio(t.PortfolioID) {
		errs = append(errs, fmt.Sprintf("unknown portfolio %s", t.PortfolioID))
	}
	if t.Symbol == "" {
		errs = append(errs, "symbol is missing")
	} else if !e.ref.HasSymbol(t.Symbol) {
		errs = append(errs, fmt.Sprintf("unknown symbol %s", t.Symbol))
	}
	if t.Side != trade.SideBuy && t.Side != trade.SideSell {
		errs = append(errs, fmt.Sprintf("unknown side %q", t.Side))
	}
	if t.PricePerUnit <= 0 {
		errs = append(errs, "price per unit must be positive")
	}
	if t.Quantity <= 0 {
		errs = append(errs, "quantity must be positive")
	}
	if t.Timestamp.After(e.now().Add(maxFutureSkew)) {
		errs = append(errs, "trade timestamp is in the future")
	}

	return len(errs) == 0, errs, nil
}
