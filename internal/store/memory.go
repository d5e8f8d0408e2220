package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atmx/pnl-engine/internal/model"
)

// MemoryStore implements Store with an in-memory slice. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	trades []model.TradeRecord
	now    func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) AddTrade(_ context.Context, rec *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prepareNew(rec, s.now())
	if err := duplicateSource(s.trades, rec); err != nil {
		return err
	}
	if s.index(rec.ID) >= 0 {
		return fmt.Errorf("trade %s already exists", rec.ID)
	}
	// Store a copy to avoid external mutation.
	s.trades = append(s.trades, *rec)
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.index(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	copy := s.trades[i]
	return &copy, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, f Filter) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return applyFilter(s.trades, f), nil
}

func (s *MemoryStore) UpdateTrade(_ context.Context, rec *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(rec.ID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
	}
	if err := duplicateSource(s.trades, rec); err != nil {
		return err
	}
	if rec.CreatedAt == "" {
		rec.CreatedAt = s.trades[i].CreatedAt
	}
	rec.UpdatedAt = s.now().UTC().Format(time.RFC3339Nano)
	s.trades[i] = *rec
	return nil
}

func (s *MemoryStore) DeleteTrade(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.trades = append(s.trades[:i], s.trades[i+1:]...)
	return nil
}

func (s *MemoryStore) ClearTrades(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = nil
	return nil
}

func (s *MemoryStore) LoadTrades(_ context.Context) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.TradeRecord, len(s.trades))
	copy(out, s.trades)
	return out, nil
}

// replace swaps in recs as the full record set.
func (s *MemoryStore) replace(recs []model.TradeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = recs
}

// index returns the position of id, or -1. Caller holds the lock.
func (s *MemoryStore) index(id string) int {
	for i := range s.trades {
		if s.trades[i].ID == id {
			return i
		}
	}
	return -1
}
