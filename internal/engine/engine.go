// Package engine orchestrates portfolio recomputation.
//
// A full recompute loads every trade record, normalizes and replays them
// through per-symbol FIFO books, prices the open positions and folds the
// totals. Between recomputes, price ticks reprice single positions in place.
//
// Recomputes are serialized and stamped with a generation number. Any
// trigger that arrives while a recompute is running (Invalidate) bumps the
// generation, so the in-flight result is discarded instead of overwriting
// fresher state, and a trailing recompute is queued.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/pnl-engine/internal/ledger"
	"github.com/atmx/pnl-engine/internal/logger"
	"github.com/atmx/pnl-engine/internal/metrics"
	"github.com/atmx/pnl-engine/internal/model"
	"github.com/atmx/pnl-engine/internal/normalize"
	"github.com/atmx/pnl-engine/internal/pnl"
	"github.com/atmx/pnl-engine/internal/price"
)

var (
	// ErrLoadTrades is returned when the trade list cannot be read. The
	// previous snapshot stays installed.
	ErrLoadTrades = errors.New("engine: trade list unavailable")

	// ErrStaleRecompute is returned when a newer trigger superseded the
	// recompute before it finished.
	ErrStaleRecompute = errors.New("engine: recompute superseded by a newer trigger")
)

// TradeSource supplies the raw trade list.
type TradeSource interface {
	LoadTrades(ctx context.Context) ([]model.TradeRecord, error)
}

// TradeSourceFunc adapts a function to TradeSource.
type TradeSourceFunc func(ctx context.Context) ([]model.TradeRecord, error)

func (f TradeSourceFunc) LoadTrades(ctx context.Context) ([]model.TradeRecord, error) {
	return f(ctx)
}

// Subscriber is told which symbols are open after every recompute so it can
// stream prices for exactly those.
type Subscriber interface {
	Sync(symbols []string) error
}

// Config tunes the engine.
type Config struct {
	// PriceConcurrency caps in-flight price lookups during a recompute.
	PriceConcurrency int
	Policy           normalize.CommissionPolicy
	QuoteAssets      []string
}

type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

// PositionDetail is one symbol's position with its open lots and sale
// history.
type PositionDetail struct {
	Position     model.Position      `json:"position"`
	Lots         []model.Lot         `json:"lots"`
	Realizations []model.Realization `json:"realizations"`
}

type Engine struct {
	source      TradeSource
	prices      price.Lookup
	normalizer  *normalize.Normalizer
	concurrency int
	logger      logger.Logger

	subscriber Subscriber
	listeners  []func(model.Snapshot)

	// installed counts snapshots in install order (guarded by mu); notified
	// is the highest count handed to listeners (guarded by notifyMu).
	installed uint64
	notifyMu  sync.Mutex
	notified  uint64

	runMu       sync.Mutex
	generation  atomic.Uint64
	recomputeCh chan struct{}

	mu        sync.RWMutex
	positions map[string]model.Position // open and closed
	ledger    *ledger.Ledger
	lastPrice map[string]pricePoint
	snapshot  model.Snapshot

	now func() time.Time
}

func New(source TradeSource, prices price.Lookup, cfg Config, logger logger.Logger) *Engine {
	if cfg.PriceConcurrency <= 0 {
		cfg.PriceConcurrency = 8
	}
	return &Engine{
		source:      source,
		prices:      prices,
		normalizer:  normalize.New(cfg.Policy, cfg.QuoteAssets),
		concurrency: cfg.PriceConcurrency,
		logger:      logger,
		recomputeCh: make(chan struct{}, 1),
		positions:   make(map[string]model.Position),
		ledger:      &ledger.Ledger{},
		lastPrice:   make(map[string]pricePoint),
		snapshot:    model.Snapshot{Positions: []model.Position{}},
		now:         time.Now,
	}
}

// SetSubscriber registers the price stream to keep in sync with the open
// symbols. Call before Run.
func (e *Engine) SetSubscriber(s Subscriber) {
	e.subscriber = s
}

// OnSnapshot registers fn to receive every installed snapshot. Call before
// Run. fn runs on the goroutine that produced the snapshot and must not block.
// Calls are serialized and arrive in install order; a snapshot superseded
// before its turn is skipped.
func (e *Engine) OnSnapshot(fn func(model.Snapshot)) {
	e.listeners = append(e.listeners, fn)
}

// Snapshot returns the current snapshot. Snapshots are never mutated after
// they are installed.
func (e *Engine) Snapshot() model.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// Generation returns the latest generation number handed out.
func (e *Engine) Generation() uint64 {
	return e.generation.Load()
}

// Invalidate marks the current state stale and queues a recompute. Bursts
// of calls coalesce into one trailing recompute.
func (e *Engine) Invalidate() {
	e.generation.Add(1)
	select {
	case e.recomputeCh <- struct{}{}:
	default:
	}
}

// Run is the engine's event loop: it performs queued recomputes and applies
// ticks in arrival order until ctx is done. A closed ticks channel stops
// tick processing but not the loop.
func (e *Engine) Run(ctx context.Context, ticks <-chan model.PriceTick) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.recomputeCh:
			if _, err := e.RecomputeAll(ctx); err != nil {
				if errors.Is(err, ErrStaleRecompute) {
					e.logger.Debugf("recompute discarded: %v", err)
					continue
				}
				e.logger.Errorf("recompute failed: %v", err)
			}
		case tick, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			e.ApplyPriceTick(tick.Symbol, tick.Price)
		}
	}
}

// RecomputeAll rebuilds every position from the full trade list. Only a
// failure to load the trade list (ErrLoadTrades) or a superseded run
// (ErrStaleRecompute) is returned as an error; malformed trades, oversells
// and missing prices are reported in the snapshot's diagnostics.
func (e *Engine) RecomputeAll(ctx context.Context) (model.Snapshot, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	gen := e.generation.Add(1)
	start := e.now()
	e.logger.Debugf("recompute %d started", gen)

	recs, err := e.source.LoadTrades(ctx)
	if err != nil {
		metrics.RecomputesTotal.WithLabelValues("failed").Inc()
		return model.Snapshot{}, fmt.Errorf("%w: %v", ErrLoadTrades, err)
	}

	trades, diags := e.normalizer.Batch(recs)
	led, oversells := ledger.Replay(trades)
	diags = append(diags, oversells...)
	for _, d := range oversells {
		e.logger.Warnf("oversell skipped: %s", d.Message)
	}

	holdings := led.Holdings()
	open := make([]string, 0, len(holdings))
	for _, h := range holdings {
		if h.TotalQuantity.IsPositive() {
			open = append(open, h.Symbol)
		}
	}
	quotes, failed := e.lookupPrices(ctx, open)

	var priceErrors []string
	for _, s := range open {
		err, ok := failed[s]
		if !ok {
			continue
		}
		priceErrors = append(priceErrors, s)
		diags = append(diags, model.Diagnostic{
			Kind:    model.DiagPriceUnavailable,
			Symbol:  s,
			Message: err.Error(),
		})
		metrics.PriceLookupFailures.Inc()
		e.logger.Warnf("price lookup failed for %s: %v", s, err)
	}

	e.mu.Lock()
	if e.generation.Load() != gen {
		e.mu.Unlock()
		metrics.RecomputesTotal.WithLabelValues("stale").Inc()
		return model.Snapshot{}, fmt.Errorf("%w: generation %d", ErrStaleRecompute, gen)
	}

	fetchedAt := e.now()
	for s, p := range quotes {
		// A tick newer than this lookup wins.
		if last, ok := e.lastPrice[s]; ok && last.at.After(start) {
			continue
		}
		e.lastPrice[s] = pricePoint{price: p, at: fetchedAt}
	}

	positions := make(map[string]model.Position, len(holdings))
	for _, h := range holdings {
		last, seen := e.lastPrice[h.Symbol]
		_, fresh := quotes[h.Symbol]
		known := fresh || (seen && last.at.After(start))
		positions[h.Symbol] = pnl.Aggregate(h, last.price, known)
	}

	e.positions = positions
	e.ledger = led
	snap := e.buildSnapshot(gen, priceErrors, diags)
	seq := e.installed
	e.mu.Unlock()

	metrics.RecomputesTotal.WithLabelValues("ok").Inc()
	metrics.RecomputeLatency.Observe(time.Since(start).Seconds())
	for _, d := range diags {
		metrics.DiagnosticsTotal.WithLabelValues(string(d.Kind)).Inc()
	}
	e.logger.Infof("recompute %d finished: %d trades, %d open positions, %d diagnostics in %v",
		gen, len(trades), len(snap.Positions), len(diags), time.Since(start))

	if e.subscriber != nil {
		if err := e.subscriber.Sync(open); err != nil {
			e.logger.Warnf("price subscription sync failed: %v", err)
		}
	}
	e.notify(snap, seq)
	return snap, nil
}

// ApplyPriceTick reprices one open position and refolds the totals. It
// reports false, changing nothing visible, when the symbol has no open
// position or the price is not positive.
func (e *Engine) ApplyPriceTick(symbol string, p decimal.Decimal) (model.Snapshot, bool) {
	symbol = normalize.CanonicalSymbol(symbol)
	if !p.IsPositive() {
		metrics.PriceTicksTotal.WithLabelValues("ignored").Inc()
		return e.Snapshot(), false
	}

	e.mu.Lock()
	e.lastPrice[symbol] = pricePoint{price: p, at: e.now()}

	pos, ok := e.positions[symbol]
	if !ok {
		snap := e.snapshot
		e.mu.Unlock()
		metrics.PriceTicksTotal.WithLabelValues("ignored").Inc()
		return snap, false
	}
	repriced, changed := pnl.Reprice(pos, p)
	if !changed {
		snap := e.snapshot
		e.mu.Unlock()
		metrics.PriceTicksTotal.WithLabelValues("ignored").Inc()
		return snap, false
	}
	e.positions[symbol] = repriced
	prev := e.snapshot
	snap := e.buildSnapshot(prev.Generation, prev.PriceErrors, prev.Diagnostics)
	seq := e.installed
	e.mu.Unlock()

	metrics.PriceTicksTotal.WithLabelValues("applied").Inc()
	e.logger.Debugf("tick %s @ %s applied", symbol, p)
	e.notify(snap, seq)
	return snap, true
}

// Position returns the detail view of one symbol, open or closed.
func (e *Engine) Position(symbol string) (PositionDetail, bool) {
	symbol = normalize.CanonicalSymbol(symbol)

	e.mu.RLock()
	defer e.mu.RUnlock()

	pos, ok := e.positions[symbol]
	if !ok {
		return PositionDetail{}, false
	}
	detail := PositionDetail{Position: pos, Lots: []model.Lot{}, Realizations: []model.Realization{}}
	if book := e.ledger.Book(symbol); book != nil {
		detail.Lots = book.Lots()
		detail.Realizations = book.Realizations()
	}
	return detail, true
}

// Lots returns the open lots of symbol, oldest first.
func (e *Engine) Lots(symbol string) []model.Lot {
	detail, ok := e.Position(symbol)
	if !ok {
		return nil
	}
	return detail.Lots
}

// buildSnapshot installs a new snapshot from e.positions. Caller holds e.mu.
func (e *Engine) buildSnapshot(gen uint64, priceErrors []string, diags []model.Diagnostic) model.Snapshot {
	all := make([]model.Position, 0, len(e.positions))
	for _, p := range e.positions {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Symbol < all[j].Symbol })

	visible := pnl.Visible(all)
	if priceErrors == nil {
		priceErrors = []string{}
	}
	if diags == nil {
		diags = []model.Diagnostic{}
	}
	e.snapshot = model.Snapshot{
		Generation:  gen,
		ComputedAt:  e.now().UTC(),
		Positions:   visible,
		Totals:      pnl.Fold(all),
		PriceErrors: priceErrors,
		Diagnostics: diags,
	}
	e.installed++
	metrics.OpenPositions.Set(float64(len(visible)))
	return e.snapshot
}

func (e *Engine) lookupPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, map[string]error) {
	quotes := make(map[string]decimal.Decimal, len(symbols))
	failed := make(map[string]error)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.concurrency)
	for _, s := range symbols {
		s := s
		g.Go(func() error {
			p, err := e.prices.Price(ctx, s)
			if err == nil && !p.IsPositive() {
				err = fmt.Errorf("%w: %s: non-positive price %s", price.ErrUnavailable, s, p)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[s] = err
				return nil
			}
			quotes[s] = p
			return nil
		})
	}
	_ = g.Wait()
	return quotes, failed
}

// notify hands snap, the seq-th installed snapshot, to the listeners unless
// a later one has already been delivered.
func (e *Engine) notify(snap model.Snapshot, seq uint64) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	if seq <= e.notified {
		return
	}
	e.notified = seq
	for _, fn := range e.listeners {
		fn(snap)
	}
}
