package price

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/logger"
	"github.com/atmx/pnl-engine/internal/model"
)

// ErrFeedExhausted is returned by Feed.Run when the reconnect budget is spent.
var ErrFeedExhausted = errors.New("price: feed reconnect attempts exhausted")

const (
	bookTickerSuffix = "@bookTicker"
	tickBufferSize   = 256
	writeWait        = 10 * time.Second
)

// FeedConfig configures the streaming price feed.
type FeedConfig struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	HandshakeTimeout     time.Duration
	PingInterval         time.Duration
}

type subscribeFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// bookTicker is the exchange's best bid/ask push message.
type bookTicker struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
}

// Feed streams book-ticker updates for a changing set of symbols and emits
// one PriceTick per update, priced at the bid/ask midpoint.
//
// Subscriptions requested while disconnected are remembered and sent on the
// next connect.
type Feed struct {
	cfg    FeedConfig
	dialer websocket.Dialer
	logger logger.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]struct{}
	nextID  int64
	writeMu sync.Mutex

	ticks chan model.PriceTick
}

func NewFeed(cfg FeedConfig, logger logger.Logger) *Feed {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 3 * time.Minute
	}
	return &Feed{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logger,
		subs:   make(map[string]struct{}),
		ticks:  make(chan model.PriceTick, tickBufferSize),
	}
}

// Ticks returns the tick stream. It is closed when Run returns.
func (f *Feed) Ticks() <-chan model.PriceTick {
	return f.ticks
}

// Subscribed returns the desired subscription set, sorted.
func (f *Feed) Subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for s := range f.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Subscribe adds symbols to the stream. Symbols already subscribed are
// ignored.
func (f *Feed) Subscribe(symbols ...string) error {
	f.mu.Lock()
	var added []string
	for _, s := range symbols {
		s = strings.ToUpper(s)
		if _, ok := f.subs[s]; ok || s == "" {
			continue
		}
		f.subs[s] = struct{}{}
		added = append(added, s)
	}
	conn := f.conn
	f.mu.Unlock()

	if conn == nil || len(added) == 0 {
		return nil
	}
	return f.send(conn, "SUBSCRIBE", added)
}

// Unsubscribe removes symbols from the stream.
func (f *Feed) Unsubscribe(symbols ...string) error {
	f.mu.Lock()
	var removed []string
	for _, s := range symbols {
		s = strings.ToUpper(s)
		if _, ok := f.subs[s]; !ok {
			continue
		}
		delete(f.subs, s)
		removed = append(removed, s)
	}
	conn := f.conn
	f.mu.Unlock()

	if conn == nil || len(removed) == 0 {
		return nil
	}
	return f.send(conn, "UNSUBSCRIBE", removed)
}

// Sync makes the subscription set equal to symbols.
func (f *Feed) Sync(symbols []string) error {
	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[strings.ToUpper(s)] = struct{}{}
	}
	var stale []string
	for _, s := range f.Subscribed() {
		if _, ok := want[s]; !ok {
			stale = append(stale, s)
		}
	}
	return errors.Join(f.Unsubscribe(stale...), f.Subscribe(symbols...))
}

func (f *Feed) send(conn *websocket.Conn, method string, symbols []string) error {
	params := make([]string, 0, len(symbols))
	for _, s := range symbols {
		params = append(params, strings.ToLower(s)+bookTickerSuffix)
	}
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.mu.Unlock()

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(subscribeFrame{Method: method, Params: params, ID: id}); err != nil {
		return fmt.Errorf("price: %s %v: %w", strings.ToLower(method), symbols, err)
	}
	return nil
}

// Run keeps a connection open until ctx is cancelled. After a failure it
// waits attempt*ReconnectDelay before redialing; a successful session
// resets the attempt counter. It returns ErrFeedExhausted once
// MaxReconnectAttempts consecutive attempts have failed.
func (f *Feed) Run(ctx context.Context) error {
	defer close(f.ticks)

	attempts := 0
	for {
		connected, err := f.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempts = 0
		}
		attempts++
		if attempts > f.cfg.MaxReconnectAttempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrFeedExhausted, attempts-1, err)
		}

		delay := f.cfg.ReconnectDelay * time.Duration(attempts)
		f.logger.Warnf("price feed disconnected (%d/%d): %v. reconnecting in %v",
			attempts, f.cfg.MaxReconnectAttempts, err, delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one connection until it fails. connected reports whether the
// dial succeeded.
func (f *Feed) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", f.cfg.URL, err)
	}
	defer conn.Close()

	f.mu.Lock()
	f.conn = conn
	pending := make([]string, 0, len(f.subs))
	for s := range f.subs {
		pending = append(pending, s)
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
	}()

	f.logger.Infof("price feed connected to %s", f.cfg.URL)

	if len(pending) > 0 {
		sort.Strings(pending)
		if err := f.send(conn, "SUBSCRIBE", pending); err != nil {
			return true, err
		}
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(f.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sessCtx.Done():
				conn.Close()
				return
			case <-ticker.C:
				f.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				f.writeMu.Unlock()
				if err != nil {
					f.logger.Debugf("price feed ping failed: %v", err)
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		tick, ok, err := parseBookTicker(data)
		if err != nil {
			f.logger.Debugf("price feed: skipping message: %v", err)
			continue
		}
		if !ok {
			continue
		}
		select {
		case f.ticks <- tick:
		default:
			f.logger.Debugf("price feed: tick buffer full, dropping %s", tick.Symbol)
		}
	}
}

// parseBookTicker decodes a push message. ok is false for frames that are
// not ticker updates, such as subscription acknowledgements.
func parseBookTicker(data []byte) (model.PriceTick, bool, error) {
	var msg bookTicker
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return model.PriceTick{}, false, fmt.Errorf("decode: %w", err)
	}
	if msg.Symbol == "" {
		return model.PriceTick{}, false, nil
	}
	p, ok := midPrice(msg.Bid, msg.Ask)
	if !ok {
		return model.PriceTick{}, false, fmt.Errorf("%s: no usable bid/ask", msg.Symbol)
	}
	return model.PriceTick{
		Symbol: strings.ToUpper(msg.Symbol),
		Price:  p,
		At:     time.Now().UTC(),
	}, true, nil
}

// midPrice averages bid and ask, falling back to whichever side is quoted.
func midPrice(bid, ask string) (decimal.Decimal, bool) {
	b, errB := decimal.NewFromString(bid)
	a, errA := decimal.NewFromString(ask)
	bOK := errB == nil && b.IsPositive()
	aOK := errA == nil && a.IsPositive()
	switch {
	case bOK && aOK:
		return b.Add(a).Div(decimal.NewFromInt(2)), true
	case bOK:
		return b, true
	case aOK:
		return a, true
	}
	return decimal.Zero, false
}
