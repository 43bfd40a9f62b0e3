package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pms-org/pms-validation/internal/domain/dlq"
	"github.com/pms-org/pms-validation/internal/domain/outbox"
)

type passthroughTx struct {
	rollbacks int
}

func (t *passthroughTx) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := fn(ctx); err != nil {
		t.rollbacks++
		return err
	}
	return nil
}

type fakeStore struct {
	pending  []*outbox.Record
	fetchErr error

	sentIDs   []int64
	failedIDs []int64
	markErr   error
}

func (s *fakeStore) FetchPendingLocked(_ context.Context, limit int) ([]*outbox.Record, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if limit > len(s.pending) {
		limit = len(s.pending)
	}
	return s.pending[:limit], nil
}

func (s *fakeStore) MarkSent(_ context.Context, ids []int64) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.sentIDs = append(s.sentIDs, ids...)
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id int64) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.failedIDs = append(s.failedIDs, id)
	return nil
}

type fakePublisher struct {
	errByRow map[int]error

	keys [][]byte
	sent int
}

func (p *fakePublisher) Publish(_ context.Context, key, _ []byte) error {
	attempt := p.sent
	p.sent++
	if err, ok := p.errByRow[attempt]; ok {
		return err
	}
	p.keys = append(p.keys, key)
	return nil
}

type fakeDLQ struct {
	entries []*dlq.Entry
	err     error
}

func (d *fakeDLQ) Create(_ context.Context, entry *dlq.Entry) error {
	if d.err != nil {
		return d.err
	}
	entry.ID = int64(len(d.entries) + 1)
	d.entries = append(d.entries, entry)
	return nil
}

func pendingRows(n int) []*outbox.Record {
	rows := make([]*outbox.Record, n)
	for i := range rows {
		rows[i] = &outbox.Record{
			ID:               int64(i + 1),
			EventID:          uuid.New(),
			TradeID:          uuid.New(),
			PortfolioID:      uuid.New(),
			Symbol:           "AAPL",
			Side:             "BUY",
			PricePerUnit:     101.5,
			Quantity:         10,
			TradeTimestamp:   time.Now().UTC(),
			SentStatus:       outbox.StatusPending,
			ValidationStatus: outbox.ValidationValid,
		}
	}
	return rows
}

func newTestProcessor(store *fakeStore, deadLetters *fakeDLQ, publisher *fakePublisher, encode Encoder) (*Processor, *Sizer) {
	sizer := NewSizer()
	p := NewProcessor(ProcessorConfig{Name: "valid-trades", SendTimeout: time.Second},
		&passthroughTx{}, store, deadLetters, publisher, encode, sizer, nil)
	return p, sizer
}

func TestDispatchOnceMarksAllSentOnSuccess(t *testing.T) {
	store := &fakeStore{pending: pendingRows(4)}
	publisher := &fakePublisher{}
	p, sizer := newTestProcessor(store, &fakeDLQ{}, publisher, nil)

	result, err := p.DispatchOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3, 4}, result.SuccessIDs)
	assert.Nil(t, result.Poison)
	assert.False(t, result.SystemFailure)
	assert.Equal(t, []int64{1, 2, 3, 4}, store.sentIDs)

	// Messages are keyed by portfolio for partition affinity.
	require.Len(t, publisher.keys, 4)
	assert.Equal(t, store.pending[0].PortfolioID.String(), string(publisher.keys[0]))

	// A sub-second cycle grows the batch size.
	assert.Equal(t, 15, sizer.Current())
}

func TestDispatchOnceIsolatesPoisonRowMidBatch(t *testing.T) {
	store := &fakeStore{pending: pendingRows(5)}
	publisher := &fakePublisher{errByRow: map[int]error{2: kafka.MessageSizeTooLarge}}
	deadLetters := &fakeDLQ{}
	p, _ := newTestProcessor(store, deadLetters, publisher, nil)

	result, err := p.DispatchOnce(context.Background())
	require.NoError(t, err)

	// Rows before the poison row succeed; rows after it stay pending.
	assert.Equal(t, []int64{1, 2}, result.SuccessIDs)
	require.NotNil(t, result.Poison)
	assert.EqualValues(t, 3, result.Poison.ID)
	assert.False(t, result.SystemFailure)

	assert.Equal(t, []int64{1, 2}, store.sentIDs)
	assert.Equal(t, []int64{3}, store.failedIDs)

	require.Len(t, deadLetters.entries, 1)
	assert.NotEmpty(t, deadLetters.entries[0].Payload)
	assert.Contains(t, deadLetters.entries[0].ErrorDetail, kafka.MessageSizeTooLarge.Error())
}

func TestDispatchOnceAbortsOnTransientPublishError(t *testing.T) {
	store := &fakeStore{pending: pendingRows(5)}
	publisher := &fakePublisher{errByRow: map[int]error{2: errors.New("broker connection reset")}}
	deadLetters := &fakeDLQ{}
	p, sizer := newTestProcessor(store, deadLetters, publisher, nil)

	result, err := p.DispatchOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, result.SystemFailure)
	assert.Equal(t, []int64{1, 2}, result.SuccessIDs)
	assert.Nil(t, result.Poison)

	// Published rows are still marked sent; the rest stay pending for retry.
	assert.Equal(t, []int64{1, 2}, store.sentIDs)
	assert.Empty(t, store.failedIDs)
	assert.Empty(t, deadLetters.entries)

	// No latency adjustment after a failed cycle.
	assert.Equal(t, 10, sizer.Current())
}

func TestDispatchOnceTreatsEncodeFailureAsPoison(t *testing.T) {
	store := &fakeStore{pending: pendingRows(3)}
	deadLetters := &fakeDLQ{}
	encode := func(rec *outbox.Record) ([]byte, error) {
		if rec.ID == 2 {
			return nil, errors.New("unsupported payload shape")
		}
		return JSONEncoder(rec)
	}
	p, _ := newTestProcessor(store, deadLetters, &fakePublisher{}, encode)

	result, err := p.DispatchOnce(context.Background())
	require.NoError(t, err)

	require.NotNil(t, result.Poison)
	assert.EqualValues(t, 2, result.Poison.ID)
	assert.Equal(t, []int64{1}, result.SuccessIDs)
	assert.Equal(t, []int64{2}, store.failedIDs)

	require.Len(t, deadLetters.entries, 1)
	assert.Empty(t, deadLetters.entries[0].Payload)
	assert.Contains(t, deadLetters.entries[0].ErrorDetail, "unsupported payload shape")
}

func TestDispatchOnceDegradesToSystemFailureWhenDLQWriteFails(t *testing.T) {
	store := &fakeStore{pending: pendingRows(3)}
	publisher := &fakePublisher{errByRow: map[int]error{1: kafka.InvalidMessage}}
	deadLetters := &fakeDLQ{err: errors.New("dlq table unavailable")}
	p, _ := newTestProcessor(store, deadLetters, publisher, nil)

	result, err := p.DispatchOnce(context.Background())
	require.NoError(t, err)

	// Isolation failed, so the row must stay pending rather than be lost.
	assert.True(t, result.SystemFailure)
	assert.Nil(t, result.Poison)
	assert.Equal(t, []int64{1}, result.SuccessIDs)
	assert.Empty(t, store.failedIDs)
}

func TestDispatchOnceResetsSizerOnEmptyOutbox(t *testing.T) {
	store := &fakeStore{}
	p, sizer := newTestProcessor(store, &fakeDLQ{}, &fakePublisher{}, nil)

	result, err := p.DispatchOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Empty())
	assert.Equal(t, 3, sizer.Current())
}

func TestDispatchOnceReturnsErrorWhenFetchFails(t *testing.T) {
	store := &fakeStore{fetchErr: fmt.Errorf("acquire advisory lock: connection refused")}
	tx := &passthroughTx{}
	sizer := NewSizer()
	p := NewProcessor(ProcessorConfig{Name: "valid-trades"}, tx, store, &fakeDLQ{}, &fakePublisher{}, nil, sizer, nil)

	result, err := p.DispatchOnce(context.Background())
	require.Error(t, err)
	assert.True(t, result.SystemFailure)
	assert.Equal(t, 1, tx.rollbacks)
}
