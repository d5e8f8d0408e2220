// Package pnl values ledger holdings at market prices and folds positions
// into portfolio totals. Every function here is pure.
package pnl

import (
	"cmp"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// PercentScale is the number of decimal places kept on percentages.
var PercentScale int32 = 4

// Aggregate values a holding at price. priceKnown is false when the price
// is a fallback rather than a fresh quote.
func Aggregate(h model.Holding, price decimal.Decimal, priceKnown bool) model.Position {
	p := model.Position{Holding: h, PriceKnown: priceKnown}
	value(&p, price)
	return p
}

// Reprice applies a price tick to an already aggregated position without
// touching its ledger-derived fields. It reports false, leaving p
// unchanged, when the position is closed.
func Reprice(p model.Position, price decimal.Decimal) (model.Position, bool) {
	if !p.IsOpen() {
		return p, false
	}
	p.PriceKnown = true
	value(&p, price)
	return p, true
}

func value(p *model.Position, price decimal.Decimal) {
	p.CurrentPrice = price
	p.CurrentValue = p.TotalQuantity.Mul(price)

	p.UnrealizedPnL = decimal.Zero
	if p.TotalQuantity.IsPositive() {
		p.UnrealizedPnL = p.CurrentValue.Sub(p.TotalCost)
	}
	p.UnrealizedPnLPercent = percent(p.UnrealizedPnL, p.TotalCost)

	p.TotalPnL = p.RealizedPnL.Add(p.UnrealizedPnL).Sub(p.TotalCommission)
	p.TotalPnLPercent = percent(p.TotalPnL, p.TotalInvested)
}

// Fold reduces every tracked position, open and closed, into totals.
// Value, unrealized P&L and cost basis only count open positions.
func Fold(positions []model.Position) model.PortfolioTotals {
	var t model.PortfolioTotals
	for _, p := range positions {
		t.TotalRealizedPnL = t.TotalRealizedPnL.Add(p.RealizedPnL)
		t.TotalCommission = t.TotalCommission.Add(p.TotalCommission)
		if !p.IsOpen() {
			continue
		}
		t.TotalValue = t.TotalValue.Add(p.CurrentValue)
		t.TotalUnrealizedPnL = t.TotalUnrealizedPnL.Add(p.UnrealizedPnL)
		t.TotalCost = t.TotalCost.Add(p.TotalCost)
	}
	t.TotalPnL = t.TotalRealizedPnL.Add(t.TotalUnrealizedPnL).Sub(t.TotalCommission)
	t.TotalPnLPercent = percent(t.TotalPnL, t.TotalCost)
	return t
}

// Visible returns the open positions ordered by TotalPnL descending, ties
// broken by symbol.
func Visible(positions []model.Position) []model.Position {
	out := make([]model.Position, 0, len(positions))
	for _, p := range positions {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b model.Position) int {
		if c := b.TotalPnL.Cmp(a.TotalPnL); c != 0 {
			return c
		}
		return cmp.Compare(a.Symbol, b.Symbol)
	})
	return out
}

func percent(num, denom decimal.Decimal) decimal.Decimal {
	if !denom.IsPositive() {
		return decimal.Zero
	}
	return num.Div(denom).Mul(hundred).Round(PercentScale)
}
