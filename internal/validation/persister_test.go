package validation

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pms-org/pms-validation/internal/domain/outbox"
	"github.com/pms-org/pms-validation/internal/domain/trade"
)

type fakeTx struct {
	commitErr error
	calls     int
}

func (f *fakeTx) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	f.calls++
	if err := fn(ctx); err != nil {
		return err
	}
	return f.commitErr
}

type fakeLedger struct {
	done       map[uuid.UUID]bool
	denyLease  map[uuid.UUID]bool
	isDoneErr  error
	markErr    error
	reserved   []uuid.UUID
	markedDone []uuid.UUID
	cleared    []uuid.UUID
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{done: map[uuid.UUID]bool{}, denyLease: map[uuid.UUID]bool{}}
}

func (l *fakeLedger) IsDone(_ context.Context, id uuid.UUID) (bool, error) {
	if l.isDoneErr != nil {
		return false, l.isDoneErr
	}
	return l.done[id], nil
}

func (l *fakeLedger) TryStartProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	if l.denyLease[id] {
		return false, nil
	}
	l.reserved = append(l.reserved, id)
	return true, nil
}

func (l *fakeLedger) MarkDone(_ context.Context, id uuid.UUID) error {
	if l.markErr != nil {
		return l.markErr
	}
	l.markedDone = append(l.markedDone, id)
	return nil
}

func (l *fakeLedger) ClearProcessing(_ context.Context, id uuid.UUID) {
	l.cleared = append(l.cleared, id)
}

type fakeWriter struct {
	batches [][]*outbox.Record
	err     error
}

func (w *fakeWriter) CreateBatch(_ context.Context, records []*outbox.Record) error {
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, records)
	return nil
}

func (w *fakeWriter) total() int {
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

type splitEngine struct {
	invalid map[uuid.UUID]bool
}

func (e *splitEngine) Evaluate(t trade.Trade) (bool, []string, error) {
	if e.invalid[t.TradeID] {
		return false, []string{"unknown symbol " + t.Symbol}, nil
	}
	return true, nil, nil
}

func TestPersistBatchRoutesValidAndInvalidTrades(t *testing.T) {
	bad := sampleTrade()
	good1, good2 := sampleTrade(), sampleTrade()

	ledger := newFakeLedger()
	validW, rejectedW := &fakeWriter{}, &fakeWriter{}
	core := NewCore(&splitEngine{invalid: map[uuid.UUID]bool{bad.TradeID: true}})
	p := NewPersister(&fakeTx{}, core, ledger, validW, rejectedW)

	err := p.PersistBatch(context.Background(), []trade.Trade{good1, bad, good2})
	require.NoError(t, err)

	assert.Equal(t, 2, validW.total())
	assert.Equal(t, 1, rejectedW.total())
	assert.ElementsMatch(t, []uuid.UUID{good1.TradeID, bad.TradeID, good2.TradeID}, ledger.markedDone)
	assert.Empty(t, ledger.cleared)
}

func TestPersistBatchSkipsDoneTrades(t *testing.T) {
	done := sampleTrade()
	fresh := sampleTrade()

	ledger := newFakeLedger()
	ledger.done[done.TradeID] = true
	validW := &fakeWriter{}
	p := NewPersister(&fakeTx{}, NewCore(&splitEngine{}), ledger, validW, &fakeWriter{})

	require.NoError(t, p.PersistBatch(context.Background(), []trade.Trade{done, fresh}))

	assert.Equal(t, 1, validW.total())
	assert.Equal(t, []uuid.UUID{fresh.TradeID}, ledger.reserved)
	assert.Equal(t, []uuid.UUID{fresh.TradeID}, ledger.markedDone)
}

func TestPersistBatchSkipsTradesReservedElsewhere(t *testing.T) {
	contested := sampleTrade()
	fresh := sampleTrade()

	ledger := newFakeLedger()
	ledger.denyLease[contested.TradeID] = true
	validW := &fakeWriter{}
	p := NewPersister(&fakeTx{}, NewCore(&splitEngine{}), ledger, validW, &fakeWriter{})

	require.NoError(t, p.PersistBatch(context.Background(), []trade.Trade{contested, fresh}))

	assert.Equal(t, 1, validW.total())
	assert.Equal(t, []uuid.UUID{fresh.TradeID}, ledger.markedDone)
}

func TestPersistBatchSkipsTradesWithoutID(t *testing.T) {
	anonymous := sampleTrade()
	anonymous.TradeID = uuid.Nil

	ledger := newFakeLedger()
	validW := &fakeWriter{}
	p := NewPersister(&fakeTx{}, NewCore(&splitEngine{}), ledger, validW, &fakeWriter{})

	require.NoError(t, p.PersistBatch(context.Background(), []trade.Trade{anonymous}))

	assert.Zero(t, validW.total())
	assert.Empty(t, ledger.reserved)
}

func TestPersistBatchReleasesLeasesOnStagingFailure(t *testing.T) {
	first, second := sampleTrade(), sampleTrade()

	ledger := newFakeLedger()
	validW := &fakeWriter{err: errors.New("insert outbox: connection refused")}
	p := NewPersister(&fakeTx{}, NewCore(&splitEngine{}), ledger, validW, &fakeWriter{})

	err := p.PersistBatch(context.Background(), []trade.Trade{first, second})
	require.Error(t, err)

	assert.ElementsMatch(t, []uuid.UUID{first.TradeID, second.TradeID}, ledger.cleared)
	assert.Empty(t, ledger.markedDone)
}

func TestPersistBatchDoesNotMarkDoneWhenCommitFails(t *testing.T) {
	in := sampleTrade()

	ledger := newFakeLedger()
	tx := &fakeTx{commitErr: errors.New("commit: broken pipe")}
	p := NewPersister(tx, NewCore(&splitEngine{}), ledger, &fakeWriter{}, &fakeWriter{})

	err := p.PersistBatch(context.Background(), []trade.Trade{in})
	require.Error(t, err)

	assert.Empty(t, ledger.markedDone)
	assert.Equal(t, []uuid.UUID{in.TradeID}, ledger.cleared)
}

func TestPersistBatchAbortsWhenEngineFails(t *testing.T) {
	in := sampleTrade()

	ledger := newFakeLedger()
	core := NewCore(&stubEngine{err: errors.New("snapshot refresh in flight")})
	p := NewPersister(&fakeTx{}, core, ledger, &fakeWriter{}, &fakeWriter{})

	err := p.PersistBatch(context.Background(), []trade.Trade{in})
	require.Error(t, err)

	// The reservation is rolled back together with the transaction.
	assert.Equal(t, []uuid.UUID{in.TradeID}, ledger.cleared)
	assert.Empty(t, ledger.markedDone)
}

func TestPersistBatchNoopOnEmptyInput(t *testing.T) {
	tx := &fakeTx{}
	p := NewPersister(tx, NewCore(&splitEngine{}), newFakeLedger(), &fakeWriter{}, &fakeWriter{})

	require.NoError(t, p.PersistBatch(context.Background(), nil))
	assert.Zero(t, tx.calls)
}
