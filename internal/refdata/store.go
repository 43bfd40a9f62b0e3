package refdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Source loads reference data from the backing store.
type Source interface {
	ListPortfolioIDs(ctx context.Context) ([]uuid.UUID, error)
	ListSymbols(ctx context.Context) ([]string, error)
}

// Store is a periodically refreshed in-memory snapshot of the portfolio and
// symbol reference tables. Lookups are lock-cheap; Refresh swaps the whole
// snapshot.
type Store struct {
	source Source

	mu         sync.RWMutex
	portfolios map[uuid.UUID]struct{}
	symbols    map[string]struct{}
}

func NewStore(source Source) *Store {
	return &Store{
		source:     source,
		portfolios: make(map[uuid.UUID]struct{}),
		symbols:    make(map[string]struct{}),
	}
}

func (s *Store) Refresh(ctx context.Context) error {
	portfolioIDs, err := s.source.ListPortfolioIDs(ctx)
	if err != nil {
		return fmt.Errorf("refresh portfolios: %w", err)
	}

	symbols, err := s.source.ListSymbols(ctx)
	if err != nil {
		return fmt.Errorf("refresh symbols: %w", err)
	}

	portfolioSet := make(map[uuid.UUID]struct{}, len(portfolioIDs))
	for _, id := range portfolioIDs {
		portfolioSet[id] = struct{}{}
	}
	symbolSet := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		symbolSet[sym] = struct{}{}
	}

	s.mu.Lock()
	s.portfolios = portfolioSet
	s.symbols = symbolSet
	s.mu.Unlock()

	slog.Debug("reference data refreshed", "portfolios", len(portfolioSet), "symbols", len(symbolSet))
	return nil
}

// Run refreshes the snapshot on a fixed interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				slog.Warn("reference data refresh failed", "error", err)
			}
		}
	}
}

func (s *Store) HasPortfolio(id uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.portfolios[id]
	return ok
}

func (s *Store) HasSymbol(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.symbols[symbol]
	return ok
}
