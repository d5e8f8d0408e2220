package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pnl-engine/internal/model"
)

func record(symbol, side, qty, price, ts string, success bool) *model.TradeRecord {
	return &model.TradeRecord{
		Symbol:    symbol,
		Side:      side,
		Quantity:  model.Numeric(qty),
		Price:     model.Numeric(price),
		Timestamp: ts,
		Success:   success,
	}
}

func seed(t *testing.T, s Store) []*model.TradeRecord {
	t.Helper()
	ctx := context.Background()
	recs := []*model.TradeRecord{
		record("BTCUSDT", "BUY", "1", "50000", "2024-01-01T00:00:00Z", true),
		record("ETHUSDT", "BUY", "2", "3000", "2024-01-02T00:00:00Z", true),
		record("btcusdt", "SELL", "0.5", "60000", "2024-01-03T00:00:00Z", true),
		record("BTCUSDT", "BUY", "1", "0", "2024-01-04T00:00:00Z", false),
	}
	for _, r := range recs {
		require.NoError(t, s.AddTrade(ctx, r))
	}
	return recs
}

func testStoreCRUD(t *testing.T, s Store) {
	ctx := context.Background()
	recs := seed(t, s)

	assert.True(t, strings.HasPrefix(recs[0].ID, "trade_"))
	assert.NotEmpty(t, recs[0].CreatedAt)

	got, err := s.GetTrade(ctx, recs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", got.Symbol)

	loaded, err := s.LoadTrades(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 4)
	assert.Equal(t, recs[0].ID, loaded[0].ID, "insertion order")

	list, err := s.ListTrades(ctx, Filter{Symbol: "BTCUSDT"})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, recs[3].ID, list[0].ID, "newest first")

	ok := true
	list, err = s.ListTrades(ctx, Filter{Symbol: "btcusdt", Success: &ok, Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, recs[2].ID, list[0].ID)

	list, err = s.ListTrades(ctx, Filter{
		Start: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	upd := *got
	upd.Quantity = "3"
	require.NoError(t, s.UpdateTrade(ctx, &upd))
	got, err = s.GetTrade(ctx, upd.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Numeric("3"), got.Quantity)
	assert.NotEmpty(t, got.UpdatedAt)

	require.NoError(t, s.DeleteTrade(ctx, upd.ID))
	_, err = s.GetTrade(ctx, upd.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteTrade(ctx, upd.ID), ErrNotFound)

	missing := model.TradeRecord{ID: "nope"}
	assert.ErrorIs(t, s.UpdateTrade(ctx, &missing), ErrNotFound)

	require.NoError(t, s.ClearTrades(ctx))
	loaded, err = s.LoadTrades(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestMemoryStore_CRUD(t *testing.T) {
	testStoreCRUD(t, NewMemoryStore())
}

func TestFileStore_CRUD(t *testing.T) {
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "data", "trades.json"))
	require.NoError(t, err)
	testStoreCRUD(t, s)
}

func TestFileStore_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.json")
	s, err := OpenFileStore(path)
	require.NoError(t, err)
	recs := seed(t, s)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"settings"`)
	assert.Contains(t, string(raw), `"lastUpdated"`)

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)
	loaded, err := reopened.LoadTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, len(recs))
	assert.Equal(t, recs[2].ID, loaded[2].ID)
	assert.Equal(t, model.Numeric("0.5"), loaded[2].Quantity)
}

func TestFileStore_FailedWriteLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trades.json")
	s, err := OpenFileStore(path)
	require.NoError(t, err)

	first := record("BTCUSDT", "BUY", "1", "50000", "2024-01-01T00:00:00Z", true)
	require.NoError(t, s.AddTrade(ctx, first))

	// A directory where the temp file goes makes every write fail.
	require.NoError(t, os.Mkdir(path+".tmp", 0o755))

	second := record("ETHUSDT", "BUY", "2", "3000", "2024-01-02T00:00:00Z", true)
	assert.Error(t, s.AddTrade(ctx, second))

	upd := *first
	upd.Quantity = "9"
	assert.Error(t, s.UpdateTrade(ctx, &upd))
	assert.Error(t, s.DeleteTrade(ctx, first.ID))
	assert.Error(t, s.ClearTrades(ctx))

	loaded, err := s.LoadTrades(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, first.ID, loaded[0].ID)
	assert.Equal(t, model.Numeric("1"), loaded[0].Quantity)

	require.NoError(t, os.Remove(path+".tmp"))
	require.NoError(t, s.AddTrade(ctx, second))

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)
	loaded, err = reopened.LoadTrades(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
}

func TestFileStore_AcceptsNumericJSONFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.json")
	doc := `{"trades":[{"id":"t1","symbol":"BTCUSDT","side":"BUY","quantity":1.5,"price":"50000","commission":null,"timestamp":"2024-01-01T00:00:00Z","success":true}],"settings":{}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	s, err := OpenFileStore(path)
	require.NoError(t, err)
	rec, err := s.GetTrade(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, model.Numeric("1.5"), rec.Quantity)
	assert.Equal(t, model.Numeric(""), rec.Commission)
}

func TestMemoryStore_DuplicateSource(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := record("BTCUSDT", "BUY", "1", "1", "2024-01-01T00:00:00Z", true)
	a.SourceID = "binance-123"
	require.NoError(t, s.AddTrade(ctx, a))

	b := record("BTCUSDT", "BUY", "1", "1", "2024-01-01T00:00:00Z", true)
	b.SourceID = "binance-123"
	assert.ErrorIs(t, s.AddTrade(ctx, b), ErrDuplicateSource)
}

func TestComputeStats(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	recs, _ := s.LoadTrades(context.Background())

	st := ComputeStats(recs)
	assert.Equal(t, 3, st.TotalTrades)
	assert.Equal(t, 1, st.FailedTrades)
	assert.True(t, st.SuccessRate.Equal(decimal.NewFromInt(75)), "got %s", st.SuccessRate)
	assert.Equal(t, 2, st.BuyTrades)
	assert.Equal(t, 1, st.SellTrades)
	assert.Equal(t, 2, st.UniqueSymbols)
	assert.True(t, st.TotalVolume.Equal(decimal.RequireFromString("3.5")))
	assert.Equal(t, "2024-01-01T00:00:00Z", st.Oldest)
	assert.Equal(t, "2024-01-03T00:00:00Z", st.Newest)
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := NewMemoryStore()
	recs := seed(t, src)
	recs[0].SourceID = "dup"
	require.NoError(t, src.UpdateTrade(ctx, recs[0]))

	var buf bytes.Buffer
	require.NoError(t, Export(ctx, src, &buf))
	assert.Contains(t, buf.String(), `"version": "1.0"`)

	dst := NewMemoryStore()
	n, err := Import(ctx, dst, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	loaded, _ := dst.LoadTrades(ctx)
	require.Len(t, loaded, 4)
	for _, r := range loaded {
		assert.NotEmpty(t, r.ImportedAt)
		assert.NotEqual(t, recs[0].ID, r.ID, "fresh ids")
	}

	// Importing again only skips the record carrying a source id.
	n, err = Import(ctx, dst, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestImport_InvalidDocument(t *testing.T) {
	_, err := Import(context.Background(), NewMemoryStore(), strings.NewReader(`{"foo":[]}`))
	assert.ErrorIs(t, err, ErrInvalidImport)
}

func TestCachedStore_FallsBackWhenRedisDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	s := NewCachedStore(NewMemoryStore(), rdb, time.Minute)
	testStoreCRUD(t, s)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

// countingStore counts reads that reach the primary store. onLoad, if set,
// runs once after the next LoadTrades has read its records.
type countingStore struct {
	Store
	loads  int
	gets   int
	onLoad func()
}

func (c *countingStore) LoadTrades(ctx context.Context) ([]model.TradeRecord, error) {
	c.loads++
	recs, err := c.Store.LoadTrades(ctx)
	if fn := c.onLoad; fn != nil {
		c.onLoad = nil
		fn()
	}
	return recs, err
}

func (c *countingStore) GetTrade(ctx context.Context, id string) (*model.TradeRecord, error) {
	c.gets++
	return c.Store.GetTrade(ctx, id)
}

func TestCachedStore_CRUD(t *testing.T) {
	_, rdb := newRedis(t)
	testStoreCRUD(t, NewCachedStore(NewMemoryStore(), rdb, time.Minute))
}

func TestCachedStore_ServesHits(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	primary := &countingStore{Store: NewMemoryStore()}
	s := NewCachedStore(primary, rdb, time.Minute)
	recs := seed(t, s)

	for n := 0; n < 3; n++ {
		loaded, err := s.LoadTrades(ctx)
		require.NoError(t, err)
		assert.Len(t, loaded, 4)
	}
	assert.Equal(t, 1, primary.loads)
	assert.True(t, mr.Exists("pnl:v4:trades"))

	for n := 0; n < 2; n++ {
		got, err := s.GetTrade(ctx, recs[1].ID)
		require.NoError(t, err)
		assert.Equal(t, "ETHUSDT", got.Symbol)
	}
	assert.Equal(t, 1, primary.gets)

	// Any write sends the next read back to the primary.
	require.NoError(t, s.DeleteTrade(ctx, recs[0].ID))
	loaded, err := s.LoadTrades(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, 3)
	assert.Equal(t, 2, primary.loads)
}

func TestCachedStore_ClearDropsCachedRecords(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	s := NewCachedStore(NewMemoryStore(), rdb, time.Minute)
	recs := seed(t, s)

	_, err := s.GetTrade(ctx, recs[0].ID)
	require.NoError(t, err)
	_, err = s.LoadTrades(ctx)
	require.NoError(t, err)

	require.NoError(t, s.ClearTrades(ctx))

	_, err = s.GetTrade(ctx, recs[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)
	loaded, err := s.LoadTrades(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestCachedStore_WriteDuringMissIsNotHidden(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	primary := &countingStore{Store: NewMemoryStore()}
	s := NewCachedStore(primary, rdb, time.Minute)
	seed(t, s)

	// A trade lands after the miss read the primary but before it filled
	// the cache.
	primary.onLoad = func() {
		require.NoError(t, s.AddTrade(ctx, record("SOLUSDT", "BUY", "10", "150", "2024-01-05T00:00:00Z", true)))
	}
	stale, err := s.LoadTrades(ctx)
	require.NoError(t, err)
	assert.Len(t, stale, 4)

	loaded, err := s.LoadTrades(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 5)
	assert.Equal(t, "SOLUSDT", loaded[4].Symbol)
}
