package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pnl-engine/internal/api"
	"github.com/atmx/pnl-engine/internal/engine"
	"github.com/atmx/pnl-engine/internal/logger"
	"github.com/atmx/pnl-engine/internal/model"
	"github.com/atmx/pnl-engine/internal/price"
	"github.com/atmx/pnl-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testEnv struct {
	store  *store.MemoryStore
	prices *price.StaticLookup
	engine *engine.Engine
	hub    *api.WSHub
	router chi.Router
}

// newTestEnv wires a Service to an in-memory store and a static price
// source behind a chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	prices := price.NewStaticLookup(map[string]decimal.Decimal{"BTCUSDT": d("80000")})
	eng := engine.New(ms, prices, engine.Config{PriceConcurrency: 2}, logger.NewNop())
	return newEnvWith(t, ms, prices, eng, eng)
}

func newEnvWith(t *testing.T, ms *store.MemoryStore, prices *price.StaticLookup, eng *engine.Engine, p api.Portfolio) *testEnv {
	t.Helper()
	hub := api.NewWSHub(func() model.Snapshot { return p.Snapshot() }, logger.NewNop())
	svc := api.NewService(ms, p, logger.NewNop())

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		svc.Register(r, hub)
	})
	return &testEnv{store: ms, prices: prices, engine: eng, hub: hub, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func tradeBody(symbol, side, qty, px, commission, ts string) map[string]any {
	return map[string]any{
		"symbol":          symbol,
		"side":            side,
		"quantity":        qty,
		"price":           px,
		"commission":      commission,
		"commissionAsset": "USDT",
		"timestamp":       ts,
	}
}

func seedBTC(t *testing.T, env *testEnv) {
	t.Helper()
	for _, b := range []map[string]any{
		tradeBody("BTCUSDT", "BUY", "1", "50000", "0", "2024-01-01T00:00:00Z"),
		tradeBody("BTCUSDT", "BUY", "1", "60000", "0", "2024-01-02T00:00:00Z"),
		tradeBody("BTCUSDT", "SELL", "1.5", "70000", "10", "2024-01-03T00:00:00Z"),
	} {
		w := env.do(t, "POST", "/api/v1/trades", b)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

// --- Portfolio ---

func TestRecompute_ReturnsPortfolio(t *testing.T) {
	env := newTestEnv(t)
	seedBTC(t, env)

	w := env.do(t, "POST", "/api/v1/portfolio/recompute", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	snap := decode[model.Snapshot](t, w)
	require.Len(t, snap.Positions, 1)
	assert.True(t, snap.Positions[0].TotalPnL.Equal(d("34990")))
	assert.True(t, snap.Totals.TotalValue.Equal(d("40000")))

	w = env.do(t, "GET", "/api/v1/portfolio", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[model.Snapshot](t, w)
	assert.Equal(t, snap.Generation, got.Generation)
}

func TestRecompute_LoadFailure(t *testing.T) {
	ms := store.NewMemoryStore()
	prices := price.NewStaticLookup(nil)
	src := engine.TradeSourceFunc(func(context.Context) ([]model.TradeRecord, error) {
		return nil, errors.New("disk gone")
	})
	eng := engine.New(src, prices, engine.Config{}, logger.NewNop())
	env := newEnvWith(t, ms, prices, eng, eng)

	w := env.do(t, "POST", "/api/v1/portfolio/recompute", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "error")
}

func TestGetPosition(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/positions/BTCUSDT", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	seedBTC(t, env)
	_, err := env.engine.RecomputeAll(context.Background())
	require.NoError(t, err)

	w = env.do(t, "GET", "/api/v1/positions/btcusdt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode[engine.PositionDetail](t, w)
	assert.Equal(t, "BTCUSDT", detail.Position.Symbol)
	require.Len(t, detail.Lots, 1)
	assert.True(t, detail.Lots[0].Quantity.Equal(d("0.5")))
	require.Len(t, detail.Realizations, 1)
	assert.True(t, detail.Realizations[0].RealizedPnL.Equal(d("25000")))
}

func TestPostTick(t *testing.T) {
	env := newTestEnv(t)
	seedBTC(t, env)
	_, err := env.engine.RecomputeAll(context.Background())
	require.NoError(t, err)

	w := env.do(t, "POST", "/api/v1/ticks", map[string]string{"symbol": "BTCUSDT", "price": "90000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[api.TickResponse](t, w)
	assert.True(t, resp.Applied)
	assert.True(t, resp.Snapshot.Totals.TotalValue.Equal(d("45000")))

	w = env.do(t, "POST", "/api/v1/ticks", map[string]string{"symbol": "ETHUSDT", "price": "3000"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[api.TickResponse](t, w).Applied)

	w = env.do(t, "POST", "/api/v1/ticks", map[string]string{"symbol": "BTCUSDT", "price": "-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Trades ---

func TestCreateTrade_Validation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body any
	}{
		{"bad json", "{"},
		{"no symbol", tradeBody("", "BUY", "1", "1", "0", "")},
		{"bad side", tradeBody("BTCUSDT", "HOLD", "1", "1", "0", "")},
		{"zero quantity", tradeBody("BTCUSDT", "BUY", "0", "1", "0", "")},
		{"negative price", tradeBody("BTCUSDT", "BUY", "1", "-5", "0", "")},
		{"bad timestamp", tradeBody("BTCUSDT", "BUY", "1", "1", "0", "yesterday")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/trades", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestCreateTrade_FailedTradeSkipsValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/trades", map[string]any{
		"symbol":  "ethusdt",
		"success": false,
		"error":   "insufficient balance",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rec := decode[model.TradeRecord](t, w)
	assert.False(t, rec.Success)
	assert.Equal(t, "ETHUSDT", rec.Symbol)
	assert.True(t, strings.HasPrefix(rec.ID, "trade_"))
}

func TestCreateTrade_DuplicateSource(t *testing.T) {
	env := newTestEnv(t)
	body := tradeBody("BTCUSDT", "BUY", "1", "1", "0", "2024-01-01T00:00:00Z")
	body["sourceId"] = "binance-42"

	require.Equal(t, http.StatusCreated, env.do(t, "POST", "/api/v1/trades", body).Code)
	assert.Equal(t, http.StatusConflict, env.do(t, "POST", "/api/v1/trades", body).Code)
}

func TestTradeCRUD(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/trades", tradeBody("BTCUSDT", "buy", "1", "50000", "0", "2024-01-01T00:00:00Z"))
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[model.TradeRecord](t, w)
	assert.Equal(t, "BUY", created.Side)
	assert.True(t, created.Success, "success defaults to true")

	w = env.do(t, "GET", "/api/v1/trades/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, "PUT", "/api/v1/trades/"+created.ID, tradeBody("BTCUSDT", "BUY", "2", "50000", "0", "2024-01-01T00:00:00Z"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[model.TradeRecord](t, w)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, model.Numeric("2"), updated.Quantity)

	w = env.do(t, "PUT", "/api/v1/trades/missing", tradeBody("BTCUSDT", "BUY", "2", "1", "0", ""))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "DELETE", "/api/v1/trades/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, "GET", "/api/v1/trades/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, "DELETE", "/api/v1/trades/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTrades_Filters(t *testing.T) {
	env := newTestEnv(t)
	seedBTC(t, env)
	require.Equal(t, http.StatusCreated,
		env.do(t, "POST", "/api/v1/trades", tradeBody("ETHUSDT", "BUY", "1", "3000", "0", "2024-02-01T00:00:00Z")).Code)

	w := env.do(t, "GET", "/api/v1/trades", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.TradeRecord](t, w), 4)

	w = env.do(t, "GET", "/api/v1/trades?symbol=btcusdt&side=SELL", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sells := decode[[]model.TradeRecord](t, w)
	require.Len(t, sells, 1)
	assert.Equal(t, model.Numeric("1.5"), sells[0].Quantity)

	w = env.do(t, "GET", "/api/v1/trades?startDate=2024-01-02&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	latest := decode[[]model.TradeRecord](t, w)
	require.Len(t, latest, 1)
	assert.Equal(t, "ETHUSDT", latest[0].Symbol)

	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/api/v1/trades?limit=x", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/api/v1/trades?success=maybe", nil).Code)
}

func TestClearTrades_EmptiesPortfolioOnRecompute(t *testing.T) {
	env := newTestEnv(t)
	seedBTC(t, env)
	_, err := env.engine.RecomputeAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, env.do(t, "DELETE", "/api/v1/trades", nil).Code)

	w := env.do(t, "POST", "/api/v1/portfolio/recompute", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[model.Snapshot](t, w)
	assert.Empty(t, snap.Positions)
	assert.True(t, snap.Totals.TotalPnL.IsZero())
}

func TestTradeStats(t *testing.T) {
	env := newTestEnv(t)
	seedBTC(t, env)

	w := env.do(t, "GET", "/api/v1/trades/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[store.Stats](t, w)
	assert.Equal(t, 3, st.TotalTrades)
	assert.Equal(t, 2, st.BuyTrades)
	assert.Equal(t, 1, st.UniqueSymbols)
}

func TestExportImport(t *testing.T) {
	env := newTestEnv(t)
	seedBTC(t, env)

	w := env.do(t, "GET", "/api/v1/trades/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "trades-export.json")
	exported := w.Body.String()

	other := newTestEnv(t)
	w = other.do(t, "POST", "/api/v1/trades/import", exported)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, map[string]int{"imported": 3}, decode[map[string]int](t, w))

	w = other.do(t, "POST", "/api/v1/trades/import", `{"nope":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// countingPortfolio wraps an engine and counts invalidations.
type countingPortfolio struct {
	*engine.Engine
	invalidations atomic.Int32
}

func (c *countingPortfolio) Invalidate() {
	c.invalidations.Add(1)
	c.Engine.Invalidate()
}

func TestTradeMutations_InvalidateEngine(t *testing.T) {
	ms := store.NewMemoryStore()
	prices := price.NewStaticLookup(nil)
	eng := engine.New(ms, prices, engine.Config{}, logger.NewNop())
	p := &countingPortfolio{Engine: eng}
	env := newEnvWith(t, ms, prices, eng, p)

	w := env.do(t, "POST", "/api/v1/trades", tradeBody("BTCUSDT", "BUY", "1", "1", "0", ""))
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[model.TradeRecord](t, w).ID

	env.do(t, "PUT", "/api/v1/trades/"+id, tradeBody("BTCUSDT", "BUY", "2", "1", "0", ""))
	env.do(t, "DELETE", "/api/v1/trades/"+id, nil)
	env.do(t, "DELETE", "/api/v1/trades", nil)

	// Reads and rejected writes leave the engine alone.
	env.do(t, "GET", "/api/v1/trades", nil)
	env.do(t, "POST", "/api/v1/trades", "{")

	assert.Equal(t, int32(4), p.invalidations.Load())
}

// --- WebSocket ---

func TestWSHub_PushesSnapshots(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.hub.Run(ctx)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var initial map[string]any
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&initial))
	assert.Equal(t, "portfolio", initial["type"])

	require.Eventually(t, func() bool { return env.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	seedBTC(t, env)
	env.engine.OnSnapshot(env.hub.PublishSnapshot)
	_, err = env.engine.RecomputeAll(context.Background())
	require.NoError(t, err)

	var pushed struct {
		Type string `json:"type"`
		model.Snapshot
	}
	require.NoError(t, conn.ReadJSON(&pushed))
	assert.Equal(t, "portfolio", pushed.Type)
	require.Len(t, pushed.Positions, 1)
	assert.Equal(t, "BTCUSDT", pushed.Positions[0].Symbol)
	assert.True(t, pushed.Totals.TotalPnL.Equal(d("34990")))
}
