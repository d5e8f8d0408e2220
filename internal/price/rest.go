package price

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/ratelimit"
	"resty.dev/v3"

	"github.com/atmx/pnl-engine/internal/logger"
)

const (
	_tickerPriceURL = "/api/v3/ticker/price"
)

// RESTConfig configures the exchange REST client.
type RESTConfig struct {
	BaseURL           string
	RequestsPerMinute int
	Timeout           time.Duration
}

type tickerPriceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type apiErrorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// RESTClient looks prices up one symbol at a time over the exchange REST
// API. Requests are rate limited client-side.
type RESTClient struct {
	c           *resty.Client
	rateLimiter ratelimit.Limiter

	logger logger.Logger
}

func NewRESTClient(cfg RESTConfig, logger logger.Logger) *RESTClient {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 1200
	}
	client := resty.New().
		SetLogger(logger).
		SetBaseURL(cfg.BaseURL)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	return &RESTClient{
		c:           client,
		rateLimiter: ratelimit.New(rpm, ratelimit.Per(time.Minute)),
		logger:      logger,
	}
}

// Price fetches the last traded price of symbol.
//
// curl "https://api.binance.com/api/v3/ticker/price?symbol=BTCUSDT"
func (r *RESTClient) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	r.rateLimiter.Take()

	req := r.c.R().
		SetQueryParam("symbol", strings.ToUpper(symbol)).
		SetResult(&tickerPriceResponse{}).
		SetError(&apiErrorResponse{}).
		SetContext(ctx)

	resp, err := req.Get(_tickerPriceURL)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: can't send ticker request: %v", ErrUnavailable, symbol, err)
	}
	defer resp.Body.Close()

	r.logger.Debugf("got response %s status: %s, %s", resp.Request.URL, resp.Status(), resp.Duration())

	if resp.IsError() {
		if e, ok := resp.Error().(*apiErrorResponse); ok && e.Msg != "" {
			return decimal.Zero, fmt.Errorf("%w: %s: %s (code %d)", ErrUnavailable, symbol, e.Msg, e.Code)
		}
		return decimal.Zero, fmt.Errorf("%w: %s: %s", ErrUnavailable, symbol, resp.Status())
	}
	if !resp.IsSuccess() {
		return decimal.Zero, fmt.Errorf("%w: %s: unexpected status %s", ErrUnavailable, symbol, resp.Status())
	}

	out := resp.Result().(*tickerPriceResponse)
	p, err := decimal.NewFromString(out.Price)
	if err != nil || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s: bad price %q", ErrUnavailable, symbol, out.Price)
	}
	return p, nil
}

// Close releases the underlying HTTP client.
func (r *RESTClient) Close() error {
	return r.c.Close()
}
