package normalize

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
)

// Fill is the numeric view of a trade record handed to a CommissionPolicy.
// EffectivePrice is zero when the record carries none.
type Fill struct {
	Pair            Pair
	Side            model.Side
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	EffectivePrice  decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
}

// CommissionPolicy decides the effective price used for cost-basis math and
// expresses the trade's commission in quote-currency terms.
type CommissionPolicy interface {
	Apply(f Fill) (effectivePrice, commission decimal.Decimal)
	Name() string
}

const (
	PolicyRecorded = "recorded"
	PolicyLegacy   = "legacy"
)

// PolicyByName returns the policy registered under name.
func PolicyByName(name string) (CommissionPolicy, error) {
	switch strings.ToLower(name) {
	case "", PolicyRecorded:
		return RecordedPolicy{}, nil
	case PolicyLegacy:
		return LegacyHintPolicy{}, nil
	default:
		return nil, fmt.Errorf("normalize: unknown commission policy %q", name)
	}
}

// RecordedPolicy trusts the effective price stored with the trade, falling
// back to the raw price. Commission paid in the base asset is converted to
// quote terms at the execution price; any other asset is taken as quote.
type RecordedPolicy struct{}

func (RecordedPolicy) Name() string { return PolicyRecorded }

func (RecordedPolicy) Apply(f Fill) (decimal.Decimal, decimal.Decimal) {
	eff := f.EffectivePrice
	if !eff.IsPositive() {
		eff = f.Price
	}
	return eff, quoteCommission(f)
}

// LegacyHintPolicy derives an effective price for records stored without
// one: buys keep the raw price, sells paying commission in the quote asset
// are reduced by commission/quantity. A stored effective price wins.
type LegacyHintPolicy struct{}

func (LegacyHintPolicy) Name() string { return PolicyLegacy }

func (LegacyHintPolicy) Apply(f Fill) (decimal.Decimal, decimal.Decimal) {
	commission := quoteCommission(f)
	if f.EffectivePrice.IsPositive() {
		return f.EffectivePrice, commission
	}
	if f.Side != model.Sell || !f.Commission.IsPositive() || !f.Quantity.IsPositive() {
		return f.Price, commission
	}
	if isBaseAsset(f) {
		return f.Price, commission
	}
	eff := f.Price.Sub(f.Commission.Div(f.Quantity))
	if eff.IsNegative() {
		eff = decimal.Zero
	}
	return eff, commission
}

func isBaseAsset(f Fill) bool {
	return f.Pair.Base != "" && strings.EqualFold(f.CommissionAsset, f.Pair.Base)
}

func quoteCommission(f Fill) decimal.Decimal {
	if isBaseAsset(f) {
		return f.Commission.Mul(f.Price)
	}
	return f.Commission
}
