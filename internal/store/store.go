// Package store defines the persistence interface for trade records.
// Implementations include PostgreSQL, a JSON document file, a Redis
// read-through cache over either, and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
	"github.com/atmx/pnl-engine/internal/normalize"
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("store: trade not found")

	// ErrDuplicateSource is returned when a record's sourceId was already
	// ingested.
	ErrDuplicateSource = errors.New("store: duplicate source id")
)

// Store is the persistence interface for raw trade records. Records are
// stored as given; validation happens when the engine normalizes them.
type Store interface {
	// AddTrade persists a new record. Empty ID, CreatedAt and Timestamp are
	// filled in; the assigned values are written back to rec.
	AddTrade(ctx context.Context, rec *model.TradeRecord) error

	// GetTrade retrieves a record by id.
	GetTrade(ctx context.Context, id string) (*model.TradeRecord, error)

	// ListTrades returns matching records, newest first.
	ListTrades(ctx context.Context, f Filter) ([]model.TradeRecord, error)

	// UpdateTrade replaces the record with rec.ID and stamps UpdatedAt.
	UpdateTrade(ctx context.Context, rec *model.TradeRecord) error

	// DeleteTrade removes a record by id.
	DeleteTrade(ctx context.Context, id string) error

	// ClearTrades removes every record.
	ClearTrades(ctx context.Context) error

	// LoadTrades returns every record in insertion order.
	LoadTrades(ctx context.Context) ([]model.TradeRecord, error)
}

// Filter narrows ListTrades. Zero fields match everything.
type Filter struct {
	Symbol  string
	Side    string
	Success *bool
	Start   time.Time
	End     time.Time
	Limit   int
}

// Match reports whether rec passes every set field of f.
func (f Filter) Match(rec model.TradeRecord) bool {
	if f.Symbol != "" && !strings.EqualFold(rec.Symbol, f.Symbol) {
		return false
	}
	if f.Side != "" && !strings.EqualFold(rec.Side, f.Side) {
		return false
	}
	if f.Success != nil && rec.Success != *f.Success {
		return false
	}
	if f.Start.IsZero() && f.End.IsZero() {
		return true
	}
	ts, err := normalize.ParseTimestamp(rec.Timestamp)
	if err != nil {
		return false
	}
	if !f.Start.IsZero() && ts.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && ts.After(f.End) {
		return false
	}
	return true
}

// applyFilter returns the matching records newest first, truncated to
// f.Limit.
func applyFilter(recs []model.TradeRecord, f Filter) []model.TradeRecord {
	out := make([]model.TradeRecord, 0, len(recs))
	for _, r := range recs {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return recordTime(out[i]).After(recordTime(out[j]))
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func recordTime(r model.TradeRecord) time.Time {
	ts, _ := normalize.ParseTimestamp(r.Timestamp)
	return ts
}

// NewTradeID generates a record id.
func NewTradeID() string {
	return "trade_" + uuid.NewString()
}

// prepareNew fills the fields a store assigns on insert.
func prepareNew(rec *model.TradeRecord, now time.Time) {
	if rec.ID == "" {
		rec.ID = NewTradeID()
	}
	stamp := now.UTC().Format(time.RFC3339Nano)
	if rec.CreatedAt == "" {
		rec.CreatedAt = stamp
	}
	if rec.Timestamp == "" {
		rec.Timestamp = stamp
	}
}

func duplicateSource(recs []model.TradeRecord, rec *model.TradeRecord) error {
	if rec.SourceID == "" {
		return nil
	}
	for _, r := range recs {
		if r.SourceID == rec.SourceID && r.ID != rec.ID {
			return fmt.Errorf("%w: %s (trade %s)", ErrDuplicateSource, rec.SourceID, r.ID)
		}
	}
	return nil
}

// Stats summarizes the stored records.
type Stats struct {
	TotalTrades   int             `json:"totalTrades"` // successful only
	FailedTrades  int             `json:"failedTrades"`
	SuccessRate   decimal.Decimal `json:"successRate"`
	BuyTrades     int             `json:"buyTrades"`
	SellTrades    int             `json:"sellTrades"`
	UniqueSymbols int             `json:"uniqueSymbols"`
	TotalVolume   decimal.Decimal `json:"totalVolume"`
	Oldest        string          `json:"oldest,omitempty"`
	Newest        string          `json:"newest,omitempty"`
}

// ComputeStats summarizes records. Volume is the summed quantity of
// successful trades; unparsable quantities count as zero.
func ComputeStats(recs []model.TradeRecord) Stats {
	var st Stats
	symbols := make(map[string]struct{})
	var oldest, newest time.Time

	for _, r := range recs {
		if !r.Success {
			st.FailedTrades++
			continue
		}
		st.TotalTrades++
		switch side, _ := model.ParseSide(r.Side); side {
		case model.Buy:
			st.BuyTrades++
		case model.Sell:
			st.SellTrades++
		}
		symbols[normalize.CanonicalSymbol(r.Symbol)] = struct{}{}
		if q, err := decimal.NewFromString(strings.TrimSpace(string(r.Quantity))); err == nil {
			st.TotalVolume = st.TotalVolume.Add(q)
		}
		ts, err := normalize.ParseTimestamp(r.Timestamp)
		if err != nil {
			continue
		}
		if oldest.IsZero() || ts.Before(oldest) {
			oldest, st.Oldest = ts, r.Timestamp
		}
		if newest.IsZero() || ts.After(newest) {
			newest, st.Newest = ts, r.Timestamp
		}
	}

	st.UniqueSymbols = len(symbols)
	if total := st.TotalTrades + st.FailedTrades; st.TotalTrades > 0 {
		st.SuccessRate = decimal.NewFromInt(int64(st.TotalTrades)).
			Div(decimal.NewFromInt(int64(total))).
			Mul(decimal.NewFromInt(100)).
			Round(2)
	}
	return st
}
