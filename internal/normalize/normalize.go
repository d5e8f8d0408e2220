// Package normalize validates raw trade records and coerces them into the
// canonical model.Trade used by the ledger.
//
// Only settled (success=true) records are accepted. Malformed numeric fields
// are defaulted to zero and reported as diagnostics instead of failing the
// whole batch.
package normalize

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
)

var (
	ErrNotSettled       = errors.New("normalize: trade not settled")
	ErrInvalidSide      = errors.New("normalize: side must be BUY or SELL")
	ErrZeroQuantity     = errors.New("normalize: quantity must be positive")
	ErrDuplicateSource  = errors.New("normalize: duplicate source id")
	ErrMissingTimestamp = errors.New("normalize: missing timestamp")
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Normalizer converts records with a fixed commission policy.
type Normalizer struct {
	policy CommissionPolicy
	quotes []string
}

// New creates a normalizer. A nil policy means RecordedPolicy; empty quotes
// means DefaultQuoteAssets.
func New(policy CommissionPolicy, quotes []string) *Normalizer {
	if policy == nil {
		policy = RecordedPolicy{}
	}
	return &Normalizer{policy: policy, quotes: quotes}
}

// Policy returns the commission policy in use.
func (n *Normalizer) Policy() CommissionPolicy {
	return n.policy
}

// Normalize converts a single record. seq is the record's position in the
// loaded list and is used as the timestamp tie-breaker. Diagnostics are
// returned for fields that were defaulted; an error means the record is
// excluded from accounting.
func (n *Normalizer) Normalize(rec model.TradeRecord, seq int) (model.Trade, []model.Diagnostic, error) {
	if !rec.Success {
		return model.Trade{}, nil, ErrNotSettled
	}

	symbol := CanonicalSymbol(rec.Symbol)
	if symbol == "" {
		return model.Trade{}, nil, fmt.Errorf("%w: empty", ErrInvalidSymbol)
	}

	side, ok := model.ParseSide(rec.Side)
	if !ok {
		return model.Trade{}, nil, fmt.Errorf("%w: got %q", ErrInvalidSide, rec.Side)
	}

	var diags []model.Diagnostic
	malformed := func(field string, raw model.Numeric) {
		diags = append(diags, model.Diagnostic{
			Kind:    model.DiagMalformed,
			Symbol:  symbol,
			TradeID: rec.ID,
			Message: fmt.Sprintf("%s %q is not a non-negative number, using 0", field, string(raw)),
		})
	}

	qty, ok := parseAmount(rec.Quantity)
	if !ok {
		malformed("quantity", rec.Quantity)
	}
	if !qty.IsPositive() {
		return model.Trade{}, diags, ErrZeroQuantity
	}

	price, ok := parseAmount(rec.Price)
	if !ok {
		malformed("price", rec.Price)
	}
	effective, ok := parseAmount(rec.EffectivePrice)
	if !ok {
		malformed("effectivePrice", rec.EffectivePrice)
	}
	commission, ok := parseAmount(rec.Commission)
	if !ok {
		malformed("commission", rec.Commission)
	}

	ts, err := ParseTimestamp(rec.Timestamp)
	if err != nil {
		diags = append(diags, model.Diagnostic{
			Kind:    model.DiagMalformed,
			Symbol:  symbol,
			TradeID: rec.ID,
			Message: err.Error(),
		})
	}

	pair, _ := ParsePair(symbol, n.quotes)
	eff, quoteCommission := n.policy.Apply(Fill{
		Pair:            pair,
		Side:            side,
		Quantity:        qty,
		Price:           price,
		EffectivePrice:  effective,
		Commission:      commission,
		CommissionAsset: strings.ToUpper(rec.CommissionAsset),
	})

	return model.Trade{
		ID:              rec.ID,
		Symbol:          symbol,
		Side:            side,
		Quantity:        qty,
		Price:           price,
		EffectivePrice:  eff,
		Commission:      quoteCommission,
		CommissionAsset: strings.ToUpper(rec.CommissionAsset),
		Timestamp:       ts,
		IsManual:        rec.IsManual,
		SourceID:        rec.SourceID,
		Seq:             seq,
	}, diags, nil
}

// Batch normalizes a loaded trade list and returns the accepted trades
// grouped by symbol and ordered by ascending timestamp. The sort is stable,
// so equal timestamps keep their load order. Unsettled records are dropped
// silently; every other rejection becomes a diagnostic.
func (n *Normalizer) Batch(recs []model.TradeRecord) ([]model.Trade, []model.Diagnostic) {
	trades := make([]model.Trade, 0, len(recs))
	var diags []model.Diagnostic
	seen := make(map[string]string)

	for i, rec := range recs {
		t, d, err := n.Normalize(rec, i)
		diags = append(diags, d...)
		if errors.Is(err, ErrNotSettled) {
			continue
		}
		if err != nil {
			diags = append(diags, model.Diagnostic{
				Kind:    model.DiagRejected,
				Symbol:  CanonicalSymbol(rec.Symbol),
				TradeID: rec.ID,
				Message: err.Error(),
			})
			continue
		}
		if t.SourceID != "" {
			if first, dup := seen[t.SourceID]; dup {
				diags = append(diags, model.Diagnostic{
					Kind:    model.DiagDuplicate,
					Symbol:  t.Symbol,
					TradeID: t.ID,
					Message: fmt.Sprintf("%s: %s already ingested as %s", ErrDuplicateSource, t.SourceID, first),
				})
				continue
			}
			seen[t.SourceID] = t.ID
		}
		trades = append(trades, t)
	}

	SortForReplay(trades)
	return trades, diags
}

// SortForReplay orders trades by symbol, then timestamp, then load order.
func SortForReplay(trades []model.Trade) {
	slices.SortStableFunc(trades, func(a, b model.Trade) int {
		if c := cmp.Compare(a.Symbol, b.Symbol); c != 0 {
			return c
		}
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
}

// parseAmount parses a non-negative decimal. Empty input is a valid zero;
// anything unparsable or negative yields zero and ok=false.
func parseAmount(raw model.Numeric) (decimal.Decimal, bool) {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return decimal.Zero, true
	}
	v, err := decimal.NewFromString(s)
	if err != nil || v.IsNegative() {
		return decimal.Zero, false
	}
	return v, true
}

// ParseTimestamp parses a stored trade timestamp and returns it in UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, ErrMissingTimestamp
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("normalize: unparsable timestamp %q", raw)
}
