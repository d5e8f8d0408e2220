package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/atmx/pnl-engine/internal/model"
)

// fileDocument is the on-disk layout of the trade file.
type fileDocument struct {
	Trades   []model.TradeRecord `json:"trades"`
	Settings fileSettings        `json:"settings"`
}

type fileSettings struct {
	CreatedAt   string `json:"createdAt"`
	LastUpdated string `json:"lastUpdated"`
}

// FileStore keeps every record in a single JSON document on disk. The
// document is rewritten after each mutation through a temp file and rename.
type FileStore struct {
	mu       sync.Mutex
	path     string
	mem      *MemoryStore
	settings fileSettings
}

// OpenFileStore loads path, creating the document (and its directory) when
// it does not exist.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, mem: NewMemoryStore()}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		now := time.Now().UTC().Format(time.RFC3339Nano)
		s.settings = fileSettings{CreatedAt: now, LastUpdated: now}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create trade file dir: %w", err)
		}
		if err := s.write(nil, s.settings); err != nil {
			return nil, err
		}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read trade file %s: %w", path, err)
	}

	var doc fileDocument
	if err := sonic.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode trade file %s: %w", path, err)
	}
	s.settings = doc.Settings
	s.mem.trades = doc.Trades
	return s, nil
}

// Path returns the document location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) AddTrade(ctx context.Context, rec *model.TradeRecord) error {
	return s.mutate(func(m *MemoryStore) error { return m.AddTrade(ctx, rec) })
}

func (s *FileStore) UpdateTrade(ctx context.Context, rec *model.TradeRecord) error {
	return s.mutate(func(m *MemoryStore) error { return m.UpdateTrade(ctx, rec) })
}

func (s *FileStore) DeleteTrade(ctx context.Context, id string) error {
	return s.mutate(func(m *MemoryStore) error { return m.DeleteTrade(ctx, id) })
}

func (s *FileStore) ClearTrades(ctx context.Context) error {
	return s.mutate(func(m *MemoryStore) error { return m.ClearTrades(ctx) })
}

func (s *FileStore) GetTrade(ctx context.Context, id string) (*model.TradeRecord, error) {
	return s.mem.GetTrade(ctx, id)
}

func (s *FileStore) ListTrades(ctx context.Context, f Filter) ([]model.TradeRecord, error) {
	return s.mem.ListTrades(ctx, f)
}

func (s *FileStore) LoadTrades(ctx context.Context) ([]model.TradeRecord, error) {
	return s.mem.LoadTrades(ctx)
}

// mutate applies fn to a scratch copy of the records, writes the result and
// only then makes it visible. A failed write leaves the store unchanged.
func (s *FileStore) mutate(fn func(m *MemoryStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scratch := &MemoryStore{now: s.mem.now}
	scratch.trades, _ = s.mem.LoadTrades(context.Background())
	if err := fn(scratch); err != nil {
		return err
	}

	settings := s.settings
	settings.LastUpdated = time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.write(scratch.trades, settings); err != nil {
		return err
	}
	s.mem.replace(scratch.trades)
	s.settings = settings
	return nil
}

// write replaces the document on disk through a temp file and rename.
func (s *FileStore) write(trades []model.TradeRecord, settings fileSettings) error {
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	data, err := sonic.ConfigStd.MarshalIndent(fileDocument{Trades: trades, Settings: settings}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode trade file: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write trade file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace trade file: %w", err)
	}
	return nil
}
