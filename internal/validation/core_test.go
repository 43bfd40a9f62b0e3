package validation

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pms-org/pms-validation/internal/domain/outbox"
	"github.com/pms-org/pms-validation/internal/domain/trade"
)

type stubEngine struct {
	valid bool
	errs  []string
	err   error
}

func (e *stubEngine) Evaluate(trade.Trade) (bool, []string, error) {
	return e.valid, e.errs, e.err
}

func sampleTrade() trade.Trade {
	return trade.Trade{
		TradeID:      uuid.New(),
		PortfolioID:  uuid.New(),
		Symbol:       "MSFT",
		Side:         trade.SideBuy,
		PricePerUnit: 420.1,
		Quantity:     25,
		Timestamp:    time.Now().UTC(),
	}
}

func TestEvaluateValidTradeGoesToOutbox(t *testing.T) {
	core := NewCore(&stubEngine{valid: true})
	in := sampleTrade()

	d, err := core.Evaluate(in)
	require.NoError(t, err)

	assert.True(t, d.Valid)
	require.NotNil(t, d.Outbox)
	assert.Nil(t, d.Rejected)

	rec := d.Outbox
	assert.Equal(t, in.TradeID, rec.TradeID)
	assert.Equal(t, in.PortfolioID, rec.PortfolioID)
	assert.Equal(t, outbox.StatusPending, rec.SentStatus)
	assert.Equal(t, outbox.ValidationValid, rec.ValidationStatus)
	assert.Empty(t, rec.ValidationErrors)
	assert.NotEqual(t, uuid.Nil, rec.EventID)
}

func TestEvaluateInvalidTradeJoinsRuleErrors(t *testing.T) {
	core := NewCore(&stubEngine{errs: []string{"unknown symbol XXXX", "quantity must be positive"}})

	d, err := core.Evaluate(sampleTrade())
	require.NoError(t, err)

	assert.False(t, d.Valid)
	require.NotNil(t, d.Rejected)
	assert.Nil(t, d.Outbox)
	assert.Equal(t, outbox.ValidationInvalid, d.Rejected.ValidationStatus)
	assert.Equal(t, "unknown symbol XXXX; quantity must be positive", d.Rejected.ValidationErrors)
	assert.Equal(t, outbox.StatusPending, d.Rejected.SentStatus)
}

func TestEvaluatePropagatesEngineFailure(t *testing.T) {
	core := NewCore(&stubEngine{err: errors.New("reference snapshot not loaded")})

	_, err := core.Evaluate(sampleTrade())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reference snapshot not loaded")
}

func TestEvaluateGeneratesFreshEventIDs(t *testing.T) {
	core := NewCore(&stubEngine{valid: true})
	in := sampleTrade()

	first, err := core.Evaluate(in)
	require.NoError(t, err)
	second, err := core.Evaluate(in)
	require.NoError(t, err)

	assert.NotEqual(t, first.Outbox.EventID, second.Outbox.EventID)
}
