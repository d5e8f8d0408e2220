package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultQuoteAssets are the quote currencies recognized when splitting an
// exchange pair id. Longer suffixes are tried first so FDUSD wins over USD.
var DefaultQuoteAssets = []string{
	"USDT", "FDUSD", "USDC", "BUSD", "TUSD", "DAI",
	"BTC", "ETH", "BNB", "EUR", "TRY", "BRL", "USD",
}

// symbolRegex matches an upper-case alphanumeric exchange pair id, e.g. BTCUSDT.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

var (
	ErrInvalidSymbol = errors.New("normalize: invalid symbol")
	ErrUnknownQuote  = errors.New("normalize: unknown quote asset")
)

// Pair is a parsed exchange pair id.
type Pair struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// ParsePair splits a pair id such as "BTCUSDT" into base and quote using the
// given quote assets (DefaultQuoteAssets when empty).
func ParsePair(symbol string, quotes []string) (Pair, error) {
	symbol = CanonicalSymbol(symbol)
	if !symbolRegex.MatchString(symbol) {
		return Pair{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	if len(quotes) == 0 {
		quotes = DefaultQuoteAssets
	}

	ordered := make([]string, len(quotes))
	copy(ordered, quotes)
	sort.SliceStable(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })

	for _, q := range ordered {
		q = strings.ToUpper(q)
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return Pair{
				Symbol: symbol,
				Base:   strings.TrimSuffix(symbol, q),
				Quote:  q,
			}, nil
		}
	}
	return Pair{}, fmt.Errorf("%w: %s", ErrUnknownQuote, symbol)
}

// CanonicalSymbol upper-cases and strips separators ("btc/usdt" -> "BTCUSDT").
func CanonicalSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
}
