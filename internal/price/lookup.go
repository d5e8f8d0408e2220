// Package price provides current market prices to the engine: one-shot
// lookups over the exchange REST API and a streaming book-ticker feed over
// websocket.
package price

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned when no price can be produced for a symbol.
var ErrUnavailable = errors.New("price: unavailable")

// Lookup resolves the current price of a symbol.
type Lookup interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

func (f LookupFunc) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f(ctx, symbol)
}

// StaticLookup serves prices from an in-memory table. It backs tests and
// offline runs where no exchange is reachable.
type StaticLookup struct {
	mu      sync.RWMutex
	prices  map[string]decimal.Decimal
	failing map[string]error
}

// NewStaticLookup creates a lookup seeded with prices.
func NewStaticLookup(prices map[string]decimal.Decimal) *StaticLookup {
	s := &StaticLookup{
		prices:  make(map[string]decimal.Decimal, len(prices)),
		failing: make(map[string]error),
	}
	for k, v := range prices {
		s.prices[k] = v
	}
	return s
}

// Set stores a price and clears any failure for symbol.
func (s *StaticLookup) Set(symbol string, p decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = p
	delete(s.failing, symbol)
}

// Fail makes lookups for symbol return err until the next Set.
func (s *StaticLookup) Fail(symbol string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[symbol] = err
}

func (s *StaticLookup) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err, ok := s.failing[symbol]; ok {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
	}
	p, ok := s.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnavailable, symbol)
	}
	return p, nil
}
