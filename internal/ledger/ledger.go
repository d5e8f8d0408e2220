// Package ledger implements per-symbol FIFO lot matching.
//
// A Book owns the open lots of one symbol. Buys append lots to the back of
// the queue, sells consume from the front at each lot's unit cost. The sum
// of open lot quantities always equals the book's TotalQuantity: a sale
// larger than the open quantity is rejected with ErrOversell and leaves the
// book untouched.
//
// Commission is accumulated per trade and never touches quantity or cost
// basis.
package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
)

var (
	// ErrOversell is returned when a sale exceeds the open quantity.
	ErrOversell = errors.New("ledger: sale exceeds open quantity")

	// ErrSymbolMismatch is returned when a trade is applied to the book of
	// another symbol.
	ErrSymbolMismatch = errors.New("ledger: trade symbol does not match book")
)

// Book is the FIFO lot queue and running totals for one symbol.
// A Book is not safe for concurrent use.
type Book struct {
	holding      model.Holding
	lots         []model.Lot
	realizations []model.Realization
}

// NewBook creates an empty book for symbol.
func NewBook(symbol string) *Book {
	return &Book{holding: model.Holding{Symbol: symbol}}
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string {
	return b.holding.Symbol
}

// Apply dispatches a trade to Buy or Sell.
func (b *Book) Apply(t model.Trade) (*model.Realization, error) {
	if t.Symbol != b.holding.Symbol {
		return nil, fmt.Errorf("%w: %s into %s", ErrSymbolMismatch, t.Symbol, b.holding.Symbol)
	}
	if t.Side == model.Sell {
		r, err := b.Sell(t)
		if err != nil {
			return nil, err
		}
		return &r, nil
	}
	b.Buy(t)
	return nil, nil
}

// Buy opens a new lot at the trade's effective price.
func (b *Book) Buy(t model.Trade) {
	b.lots = append(b.lots, model.Lot{
		Quantity:        t.Quantity,
		UnitCost:        t.EffectivePrice,
		OpenedAt:        t.Timestamp,
		Commission:      t.Commission,
		CommissionAsset: t.CommissionAsset,
		OriginTradeID:   t.ID,
	})

	h := &b.holding
	h.TotalQuantity = h.TotalQuantity.Add(t.Quantity)
	h.TotalCost = h.TotalCost.Add(t.Quantity.Mul(t.EffectivePrice))
	h.TotalInvested = h.TotalInvested.Add(t.Quantity.Mul(t.Price))
	h.BuyQuantity = h.BuyQuantity.Add(t.Quantity)
	h.TotalCommission = h.TotalCommission.Add(t.Commission)
	h.TradeCount++
	b.updateAverage()
}

// Sell consumes open lots oldest-first. If the sale exceeds the open
// quantity it returns ErrOversell and the book is not modified.
func (b *Book) Sell(t model.Trade) (model.Realization, error) {
	h := &b.holding
	if t.Quantity.GreaterThan(h.TotalQuantity) {
		return model.Realization{}, fmt.Errorf("%w: selling %s %s with %s open",
			ErrOversell, t.Quantity, h.Symbol, h.TotalQuantity)
	}

	remaining := t.Quantity
	consumed := decimal.Zero
	var matches []model.LotMatch

	drained := 0
	for i := 0; i < len(b.lots) && remaining.IsPositive(); i++ {
		lot := &b.lots[i]
		q := decimal.Min(remaining, lot.Quantity)
		consumed = consumed.Add(q.Mul(lot.UnitCost))
		matches = append(matches, model.LotMatch{
			OriginTradeID: lot.OriginTradeID,
			OpenedAt:      lot.OpenedAt,
			Quantity:      q,
			UnitCost:      lot.UnitCost,
		})
		remaining = remaining.Sub(q)
		lot.Quantity = lot.Quantity.Sub(q)
		if lot.Quantity.IsPositive() {
			// Partially consumed; it stays at the front.
			break
		}
		drained++
	}
	b.lots = b.lots[drained:]

	proceeds := t.Quantity.Mul(t.EffectivePrice)
	realized := proceeds.Sub(consumed)

	h.TotalQuantity = h.TotalQuantity.Sub(t.Quantity)
	h.TotalCost = h.TotalCost.Sub(consumed)
	if h.TotalQuantity.IsZero() {
		h.TotalCost = decimal.Zero
		b.lots = nil
	}
	h.RealizedPnL = h.RealizedPnL.Add(realized)
	h.SellQuantity = h.SellQuantity.Add(t.Quantity)
	h.TotalCommission = h.TotalCommission.Add(t.Commission)
	h.TradeCount++
	b.updateAverage()

	r := model.Realization{
		Symbol:      h.Symbol,
		SellTradeID: t.ID,
		At:          t.Timestamp,
		Quantity:    t.Quantity,
		Proceeds:    proceeds,
		CostBasis:   consumed,
		RealizedPnL: realized,
		Matches:     matches,
	}
	b.realizations = append(b.realizations, r)
	return r, nil
}

func (b *Book) updateAverage() {
	h := &b.holding
	if !h.TotalQuantity.IsPositive() {
		h.AveragePrice = decimal.Zero
		return
	}
	h.AveragePrice = h.TotalCost.Div(h.TotalQuantity)
}

// Holding returns a copy of the book's running totals.
func (b *Book) Holding() model.Holding {
	return b.holding
}

// Lots returns a copy of the open lots, oldest first.
func (b *Book) Lots() []model.Lot {
	out := make([]model.Lot, len(b.lots))
	copy(out, b.lots)
	return out
}

// Realizations returns a copy of every applied sale in replay order.
func (b *Book) Realizations() []model.Realization {
	out := make([]model.Realization, len(b.realizations))
	copy(out, b.realizations)
	return out
}

// Ledger is the set of books produced by one replay, keyed by symbol.
type Ledger struct {
	books map[string]*Book
}

// Replay applies trades in order and returns the resulting ledger. Trades
// must already be grouped by symbol and sorted by timestamp (see
// normalize.SortForReplay). Oversold sales are skipped and reported as
// diagnostics.
func Replay(trades []model.Trade) (*Ledger, []model.Diagnostic) {
	l := &Ledger{books: make(map[string]*Book)}
	var diags []model.Diagnostic

	for _, t := range trades {
		book, ok := l.books[t.Symbol]
		if !ok {
			book = NewBook(t.Symbol)
			l.books[t.Symbol] = book
		}
		if _, err := book.Apply(t); err != nil {
			diags = append(diags, model.Diagnostic{
				Kind:    model.DiagOversell,
				Symbol:  t.Symbol,
				TradeID: t.ID,
				Message: err.Error(),
			})
		}
	}
	return l, diags
}

// Book returns the book for symbol, or nil.
func (l *Ledger) Book(symbol string) *Book {
	return l.books[symbol]
}

// Symbols returns every symbol with a book, sorted.
func (l *Ledger) Symbols() []string {
	out := make([]string, 0, len(l.books))
	for s := range l.books {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Holdings returns the holding of every book, sorted by symbol.
func (l *Ledger) Holdings() []model.Holding {
	out := make([]model.Holding, 0, len(l.books))
	for _, s := range l.Symbols() {
		out = append(out, l.books[s].Holding())
	}
	return out
}

// Len returns the number of books.
func (l *Ledger) Len() int {
	return len(l.books)
}
