// Package model defines the core domain types shared across the P&L engine.
// All monetary values use shopspring/decimal.
package model

import (
	"bytes"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an executed trade.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ParseSide accepts any casing of BUY/SELL.
func ParseSide(s string) (Side, bool) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case Buy:
		return Buy, true
	case Sell:
		return Sell, true
	}
	return "", false
}

// Numeric is a loosely-typed numeric field as it appears in stored trade
// records: a JSON string ("1.5"), a JSON number (1.5) or null.
type Numeric string

// UnmarshalJSON accepts both quoted and bare numbers.
func (n *Numeric) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}
	*n = Numeric(strings.Trim(string(data), `"`))
	return nil
}

// NumericFrom formats a decimal as a Numeric.
func NumericFrom(v decimal.Decimal) Numeric {
	return Numeric(v.String())
}

// TradeRecord is a raw trade as persisted by the trade store. It is never
// mutated by the engine; the normalizer turns it into a Trade.
type TradeRecord struct {
	ID              string  `json:"id"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Quantity        Numeric `json:"quantity"`
	Price           Numeric `json:"price,omitempty"`
	EffectivePrice  Numeric `json:"effectivePrice,omitempty"`
	Commission      Numeric `json:"commission,omitempty"`
	CommissionAsset string  `json:"commissionAsset,omitempty"`
	Timestamp       string  `json:"timestamp"`
	Success         bool    `json:"success"`
	IsManual        bool    `json:"isManual,omitempty"`
	SourceID        string  `json:"sourceId,omitempty"`
	OrderID         string  `json:"orderId,omitempty"`
	Status          string  `json:"status,omitempty"`
	Error           string  `json:"error,omitempty"`
	CreatedAt       string  `json:"createdAt,omitempty"`
	UpdatedAt       string  `json:"updatedAt,omitempty"`
	ImportedAt      string  `json:"importedAt,omitempty"`
}

// Trade is the canonical, validated form of a settled trade.
type Trade struct {
	ID              string          `json:"id"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	EffectivePrice  decimal.Decimal `json:"effective_price"`
	Commission      decimal.Decimal `json:"commission"` // in quote terms
	CommissionAsset string          `json:"commission_asset"`
	Timestamp       time.Time       `json:"timestamp"`
	IsManual        bool            `json:"is_manual"`
	SourceID        string          `json:"source_id,omitempty"`

	// Seq is the position of the record in the loaded trade list, used to
	// break timestamp ties.
	Seq int `json:"-"`
}

// Lot is an open purchase owned by the ledger of one symbol.
type Lot struct {
	Quantity        decimal.Decimal `json:"quantity"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	OpenedAt        time.Time       `json:"opened_at"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commission_asset,omitempty"`
	OriginTradeID   string          `json:"origin_trade_id"`
}

// LotMatch is the part of one lot consumed by a sale.
type LotMatch struct {
	OriginTradeID string          `json:"origin_trade_id"`
	OpenedAt      time.Time       `json:"opened_at"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
}

// Realization records the outcome of one applied sale.
type Realization struct {
	Symbol      string          `json:"symbol"`
	SellTradeID string          `json:"sell_trade_id"`
	At          time.Time       `json:"at"`
	Quantity    decimal.Decimal `json:"quantity"`
	Proceeds    decimal.Decimal `json:"proceeds"`
	CostBasis   decimal.Decimal `json:"cost_basis"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Matches     []LotMatch      `json:"matches"`
}

// Holding is the ledger-derived state of one symbol, independent of price.
type Holding struct {
	Symbol          string          `json:"symbol"`
	TotalQuantity   decimal.Decimal `json:"total_quantity"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	TotalInvested   decimal.Decimal `json:"total_invested"`
	BuyQuantity     decimal.Decimal `json:"buy_quantity"`
	SellQuantity    decimal.Decimal `json:"sell_quantity"`
	TradeCount      int             `json:"trade_count"`
}

// Position is a Holding valued at a current price.
type Position struct {
	Holding

	CurrentPrice         decimal.Decimal `json:"current_price"`
	CurrentValue         decimal.Decimal `json:"current_value"`
	UnrealizedPnL        decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealized_pnl_percent"`
	TotalPnL             decimal.Decimal `json:"total_pnl"`     // realized + unrealized - commission
	TotalPnLPercent      decimal.Decimal `json:"total_pnl_percent"`
	PriceKnown           bool            `json:"price_known"`
}

// IsOpen reports whether the position still holds quantity.
func (p Position) IsOpen() bool {
	return p.TotalQuantity.IsPositive()
}

// PortfolioTotals aggregates every tracked position, open and closed.
type PortfolioTotals struct {
	TotalValue         decimal.Decimal `json:"total_value"`
	TotalCost          decimal.Decimal `json:"total_cost"` // open cost basis
	TotalRealizedPnL   decimal.Decimal `json:"total_realized_pnl"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
	TotalCommission    decimal.Decimal `json:"total_commission"`
	TotalPnL           decimal.Decimal `json:"total_pnl"`
	TotalPnLPercent    decimal.Decimal `json:"total_pnl_percent"`
}

// DiagnosticKind classifies a recovered, per-trade or per-symbol problem.
type DiagnosticKind string

const (
	DiagMalformed        DiagnosticKind = "malformed"
	DiagRejected         DiagnosticKind = "rejected"
	DiagDuplicate        DiagnosticKind = "duplicate"
	DiagOversell         DiagnosticKind = "oversell"
	DiagPriceUnavailable DiagnosticKind = "price_unavailable"
)

// Diagnostic describes a recovered failure from a recompute pass.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	Symbol  string         `json:"symbol,omitempty"`
	TradeID string         `json:"trade_id,omitempty"`
	Message string         `json:"message"`
}

// PriceTick is a single live price update for one symbol.
type PriceTick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	At     time.Time       `json:"at"`
}

// Snapshot is the immutable result handed to the presentation layer.
type Snapshot struct {
	Generation  uint64          `json:"generation"`
	ComputedAt  time.Time       `json:"computed_at"`
	Positions   []Position      `json:"positions"` // open only, totalPnL descending
	Totals      PortfolioTotals `json:"totals"`
	PriceErrors []string        `json:"price_errors"`
	Diagnostics []Diagnostic    `json:"diagnostics"`
}
