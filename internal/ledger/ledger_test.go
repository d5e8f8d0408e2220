package ledger_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pnl-engine/internal/ledger"
	"github.com/atmx/pnl-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func trade(id string, side model.Side, qty, price, commission string, offset int) model.Trade {
	return model.Trade{
		ID:             id,
		Symbol:         "BTCUSDT",
		Side:           side,
		Quantity:       d(qty),
		Price:          d(price),
		EffectivePrice: d(price),
		Commission:     d(commission),
		Timestamp:      t0.Add(time.Duration(offset) * time.Minute),
		Seq:            offset,
	}
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "%s: want %s, got %s", msg, want, got)
}

func TestBook_FIFOAcrossLots(t *testing.T) {
	b := ledger.NewBook("BTCUSDT")
	b.Buy(trade("b1", model.Buy, "10", "10", "0", 0))
	b.Buy(trade("b2", model.Buy, "5", "20", "0", 1))

	r, err := b.Sell(trade("s1", model.Sell, "12", "25", "0", 2))
	require.NoError(t, err)

	assertDec(t, "140", r.CostBasis, "cost basis consumed")
	assertDec(t, "300", r.Proceeds, "proceeds")
	assertDec(t, "160", r.RealizedPnL, "realized")
	require.Len(t, r.Matches, 2)
	assert.Equal(t, "b1", r.Matches[0].OriginTradeID)
	assertDec(t, "10", r.Matches[0].Quantity, "lot1 consumed")
	assert.Equal(t, "b2", r.Matches[1].OriginTradeID)
	assertDec(t, "2", r.Matches[1].Quantity, "lot2 consumed")

	lots := b.Lots()
	require.Len(t, lots, 1)
	assert.Equal(t, "b2", lots[0].OriginTradeID)
	assertDec(t, "3", lots[0].Quantity, "remaining lot qty")
	assertDec(t, "20", lots[0].UnitCost, "remaining lot cost")

	h := b.Holding()
	assertDec(t, "3", h.TotalQuantity, "open qty")
	assertDec(t, "60", h.TotalCost, "open cost")
	assertDec(t, "20", h.AveragePrice, "average")
}

func TestReplay_BTCScenario(t *testing.T) {
	l, diags := ledger.Replay([]model.Trade{
		trade("b1", model.Buy, "1", "50000", "0", 0),
		trade("b2", model.Buy, "1", "60000", "0", 1),
		trade("s1", model.Sell, "1.5", "70000", "10", 2),
	})
	assert.Empty(t, diags)

	b := l.Book("BTCUSDT")
	require.NotNil(t, b)
	h := b.Holding()
	assertDec(t, "0.5", h.TotalQuantity, "open qty")
	assertDec(t, "30000", h.TotalCost, "open cost")
	assertDec(t, "25000", h.RealizedPnL, "realized")
	assertDec(t, "10", h.TotalCommission, "commission")
	assertDec(t, "110000", h.TotalInvested, "invested")
	assert.Equal(t, 3, h.TradeCount)

	lots := b.Lots()
	require.Len(t, lots, 1)
	assertDec(t, "0.5", lots[0].Quantity, "remaining lot")
	assertDec(t, "60000", lots[0].UnitCost, "remaining unit cost")

	rs := b.Realizations()
	require.Len(t, rs, 1)
	assertDec(t, "105000", rs[0].Proceeds, "proceeds")
	assertDec(t, "80000", rs[0].CostBasis, "cost basis")
}

func TestBook_OversellLeavesBookUntouched(t *testing.T) {
	b := ledger.NewBook("BTCUSDT")
	b.Buy(trade("b1", model.Buy, "2", "100", "1", 0))
	before := b.Holding()
	beforeLots := b.Lots()

	_, err := b.Sell(trade("s1", model.Sell, "3", "120", "5", 1))
	assert.ErrorIs(t, err, ledger.ErrOversell)

	after := b.Holding()
	assertDec(t, before.TotalQuantity.String(), after.TotalQuantity, "qty unchanged")
	assertDec(t, before.TotalCost.String(), after.TotalCost, "cost unchanged")
	assertDec(t, before.TotalCommission.String(), after.TotalCommission, "commission unchanged")
	assert.Equal(t, before.TradeCount, after.TradeCount)
	assert.Equal(t, len(beforeLots), len(b.Lots()))
	assert.Empty(t, b.Realizations())
}

func TestReplay_OversellBecomesDiagnostic(t *testing.T) {
	l, diags := ledger.Replay([]model.Trade{
		trade("s0", model.Sell, "1", "100", "0", 0),
		trade("b1", model.Buy, "1", "100", "0", 1),
	})
	require.Len(t, diags, 1)
	assert.Equal(t, model.DiagOversell, diags[0].Kind)
	assert.Equal(t, "s0", diags[0].TradeID)
	assertDec(t, "1", l.Book("BTCUSDT").Holding().TotalQuantity, "buy still applied")
}

func TestBook_SellToZeroClearsResidue(t *testing.T) {
	b := ledger.NewBook("BTCUSDT")
	b.Buy(trade("b1", model.Buy, "0.1", "33333.33", "0", 0))
	b.Buy(trade("b2", model.Buy, "0.2", "10000.01", "0", 1))

	_, err := b.Sell(trade("s1", model.Sell, "0.3", "20000", "0", 2))
	require.NoError(t, err)

	h := b.Holding()
	assert.True(t, h.TotalQuantity.IsZero())
	assert.True(t, h.TotalCost.IsZero())
	assert.True(t, h.AveragePrice.IsZero())
	assert.Empty(t, b.Lots())
}

func TestBook_CommissionDoesNotAffectCostBasis(t *testing.T) {
	with := ledger.NewBook("BTCUSDT")
	with.Buy(trade("b1", model.Buy, "1", "100", "7", 0))
	without := ledger.NewBook("BTCUSDT")
	without.Buy(trade("b1", model.Buy, "1", "100", "0", 0))

	assertDec(t, without.Holding().TotalCost.String(), with.Holding().TotalCost, "cost")
	assertDec(t, "7", with.Holding().TotalCommission, "commission")
}

func TestBook_SymbolMismatch(t *testing.T) {
	b := ledger.NewBook("ETHUSDT")
	_, err := b.Apply(trade("b1", model.Buy, "1", "1", "0", 0))
	assert.ErrorIs(t, err, ledger.ErrSymbolMismatch)
}

func TestReplay_Deterministic(t *testing.T) {
	trades := []model.Trade{
		trade("b1", model.Buy, "3", "10", "0.1", 0),
		trade("s1", model.Sell, "1", "12", "0.1", 1),
		trade("b2", model.Buy, "2", "11", "0.1", 2),
		trade("s2", model.Sell, "3", "9", "0.1", 3),
	}
	a, _ := ledger.Replay(trades)
	b, _ := ledger.Replay(trades)

	ha, hb := a.Book("BTCUSDT").Holding(), b.Book("BTCUSDT").Holding()
	assertDec(t, ha.RealizedPnL.String(), hb.RealizedPnL, "realized")
	assertDec(t, ha.TotalCost.String(), hb.TotalCost, "cost")
	assert.Equal(t, []string{"BTCUSDT"}, a.Symbols())
	assert.Len(t, a.Holdings(), 1)
}
