package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bytedance/sonic"

	"github.com/atmx/pnl-engine/internal/model"
)

// ExportVersion is written into every export document.
const ExportVersion = "1.0"

// ErrInvalidImport is returned when an import document has no trade list.
var ErrInvalidImport = errors.New("store: invalid import file format")

// ExportDocument is the portable trade dump.
type ExportDocument struct {
	Trades     []model.TradeRecord `json:"trades"`
	ExportedAt string              `json:"exportedAt"`
	Version    string              `json:"version"`
}

// Export writes every record of s, newest first, as an ExportDocument.
func Export(ctx context.Context, s Store, w io.Writer) error {
	trades, err := s.ListTrades(ctx, Filter{})
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	doc := ExportDocument{
		Trades:     trades,
		ExportedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Version:    ExportVersion,
	}
	data, err := sonic.ConfigStd.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// Import adds every record of an ExportDocument to s under fresh ids.
// Records whose sourceId is already stored are skipped. It returns the
// number of records added.
func Import(ctx context.Context, s Store, r io.Reader) (int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("import: %w", err)
	}
	var doc struct {
		Trades *[]model.TradeRecord `json:"trades"`
	}
	if err := sonic.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	if doc.Trades == nil {
		return 0, ErrInvalidImport
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	added := 0
	for _, rec := range *doc.Trades {
		rec.ID = NewTradeID()
		rec.ImportedAt = now
		if err := s.AddTrade(ctx, &rec); err != nil {
			if errors.Is(err, ErrDuplicateSource) {
				continue
			}
			return added, fmt.Errorf("import trade %d: %w", added, err)
		}
		added++
	}
	return added, nil
}
