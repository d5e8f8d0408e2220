package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/pnl-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache.
// Writes go to the primary store and then bump a version counter; reads
// check Redis first then fall back to the primary.
//
// Cache keys embed the version current when they were read, so a write
// orphans every cached entry at once (they expire on their TTL) and a
// read that raced a write can only fill a key nobody reads anymore.
//
// Only whole-list loads and single-record reads are cached: those are what
// a recompute and the trade detail endpoint hit.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	prefix  string
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		prefix:  "pnl",
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) AddTrade(ctx context.Context, rec *model.TradeRecord) error {
	if err := s.primary.AddTrade(ctx, rec); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

func (s *CachedStore) UpdateTrade(ctx context.Context, rec *model.TradeRecord) error {
	if err := s.primary.UpdateTrade(ctx, rec); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

func (s *CachedStore) DeleteTrade(ctx context.Context, id string) error {
	if err := s.primary.DeleteTrade(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

func (s *CachedStore) ClearTrades(ctx context.Context) error {
	if err := s.primary.ClearTrades(ctx); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LoadTrades(ctx context.Context) ([]model.TradeRecord, error) {
	version, ok := s.version(ctx)
	if !ok {
		return s.primary.LoadTrades(ctx)
	}
	key := s.tradesKey(version)

	// Try cache.
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var recs []model.TradeRecord
		if sonic.Unmarshal(data, &recs) == nil {
			return recs, nil
		}
	}

	// Cache miss.
	recs, err := s.primary.LoadTrades(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := sonic.Marshal(recs); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return recs, nil
}

func (s *CachedStore) GetTrade(ctx context.Context, id string) (*model.TradeRecord, error) {
	version, ok := s.version(ctx)
	if !ok {
		return s.primary.GetTrade(ctx, id)
	}
	key := s.tradeKey(version, id)

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var rec model.TradeRecord
		if sonic.Unmarshal(data, &rec) == nil {
			return &rec, nil
		}
	}

	rec, err := s.primary.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := sonic.Marshal(rec); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return rec, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListTrades(ctx context.Context, f Filter) ([]model.TradeRecord, error) {
	return s.primary.ListTrades(ctx, f)
}

// --- Cache helpers ---

// version returns the current cache version. ok is false when Redis cannot
// be reached; the caller then bypasses the cache.
func (s *CachedStore) version(ctx context.Context) (int64, bool) {
	v, err := s.rdb.Get(ctx, s.versionKey()).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		return 0, true
	case err != nil:
		return 0, false
	}
	return v, true
}

// invalidate moves readers to a fresh key space. Must run after the primary
// write has completed.
func (s *CachedStore) invalidate(ctx context.Context) {
	s.rdb.Incr(ctx, s.versionKey())
}

func (s *CachedStore) versionKey() string { return fmt.Sprintf("%s:version", s.prefix) }

func (s *CachedStore) tradesKey(version int64) string {
	return fmt.Sprintf("%s:v%d:trades", s.prefix, version)
}

func (s *CachedStore) tradeKey(version int64, id string) string {
	return fmt.Sprintf("%s:v%d:trade:%s", s.prefix, version, id)
}
