package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	keyPrefix = "trade:"

	stateProcessing = "PROCESSING"
	stateDone       = "DONE"
)

const (
	// Short lease: bounds how long a crashed worker can block a trade.
	DefaultProcessingTTL = 5 * time.Minute
	// Long lease: bounds memory while still catching replayed duplicates.
	DefaultDoneTTL = 7 * 24 * time.Hour
)

// Store is the minimal key-value surface the ledger needs. RedisStore is the
// production implementation.
type Store interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	DeleteIfEquals(ctx context.Context, key, expected string) (bool, error)
}

// Ledger is the distributed dedup/lock layer over trade ids. Lease
// acquisition is first-writer-wins across all consumer instances; TTL expiry
// is the safety net for workers that crash between reservation and commit.
type Ledger struct {
	store         Store
	processingTTL time.Duration
	doneTTL       time.Duration
}

func NewLedger(store Store, processingTTL, doneTTL time.Duration) *Ledger {
	if processingTTL <= 0 {
		processingTTL = DefaultProcessingTTL
	}
	if doneTTL <= 0 {
		doneTTL = DefaultDoneTTL
	}
	return &Ledger{store: store, processingTTL: processingTTL, doneTTL: doneTTL}
}

func key(tradeID uuid.UUID) string {
	return keyPrefix + tradeID.String()
}

// TryStartProcessing atomically reserves the trade for this caller. Exactly
// one caller across all instances wins the race; everyone else gets false.
func (l *Ledger) TryStartProcessing(ctx context.Context, tradeID uuid.UUID) (bool, error) {
	k := key(tradeID)

	acquired, err := l.store.SetNX(ctx, k, stateProcessing, l.processingTTL)
	if err != nil {
		return false, fmt.Errorf("reserve trade lease: %w", err)
	}

	if acquired {
		slog.Debug("trade lease acquired", "key", k, "ttl", l.processingTTL)
		return true, nil
	}

	existing, _, _ := l.store.Get(ctx, k)
	slog.Debug("trade lease not acquired", "key", k, "current_state", existing)
	return false, nil
}

// MarkDone unconditionally advances the key to DONE with the long TTL.
func (l *Ledger) MarkDone(ctx context.Context, tradeID uuid.UUID) error {
	if err := l.store.Set(ctx, key(tradeID), stateDone, l.doneTTL); err != nil {
		return fmt.Errorf("mark trade done: %w", err)
	}
	return nil
}

func (l *Ledger) IsDone(ctx context.Context, tradeID uuid.UUID) (bool, error) {
	state, ok, err := l.store.Get(ctx, key(tradeID))
	if err != nil {
		return false, fmt.Errorf("read trade state: %w", err)
	}
	return ok && state == stateDone, nil
}

// ClearProcessing releases a reservation after a rollback. It deletes the key
// only while it still holds PROCESSING, never a key a concurrent winner has
// already advanced to DONE.
func (l *Ledger) ClearProcessing(ctx context.Context, tradeID uuid.UUID) {
	k := key(tradeID)
	deleted, err := l.store.DeleteIfEquals(ctx, k, stateProcessing)
	if err != nil {
		slog.Warn("failed to clear trade lease", "key", k, "error", err)
		return
	}
	if deleted {
		slog.Debug("cleared trade lease", "key", k)
	}
}
