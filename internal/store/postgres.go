package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/pnl-engine/internal/model"
	"github.com/atmx/pnl-engine/internal/normalize"
)

// Schema creates the trades table. Numeric fields are NUMERIC for exact
// decimal precision and NULL when the record carried no value.
const Schema = `
CREATE TABLE IF NOT EXISTS trades (
	seq              BIGSERIAL,
	id               TEXT PRIMARY KEY,
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	quantity         NUMERIC,
	price            NUMERIC,
	effective_price  NUMERIC,
	commission       NUMERIC,
	commission_asset TEXT NOT NULL DEFAULT '',
	ts               TIMESTAMPTZ NOT NULL,
	success          BOOLEAN NOT NULL,
	is_manual        BOOLEAN NOT NULL DEFAULT FALSE,
	source_id        TEXT,
	order_id         TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT '',
	error            TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ,
	imported_at      TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS trades_source_id_key ON trades (source_id);
`

const tradeColumns = `id, symbol, side,
	quantity::TEXT, price::TEXT, effective_price::TEXT, commission::TEXT,
	commission_asset, ts, success, is_manual, COALESCE(source_id, ''),
	order_id, status, error, created_at, updated_at, imported_at`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Unlike the file store it requires parsable timestamps and numeric fields
// at write time.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the trades table if needed.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) AddTrade(ctx context.Context, rec *model.TradeRecord) error {
	prepareNew(rec, time.Now())
	ts, err := normalize.ParseTimestamp(rec.Timestamp)
	if err != nil {
		return fmt.Errorf("add trade %s: %w", rec.ID, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO trades (id, symbol, side, quantity, price, effective_price, commission,
		                     commission_asset, ts, success, is_manual, source_id,
		                     order_id, status, error, created_at, imported_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		         $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		rec.ID, rec.Symbol, rec.Side,
		nullNumeric(rec.Quantity), nullNumeric(rec.Price),
		nullNumeric(rec.EffectivePrice), nullNumeric(rec.Commission),
		rec.CommissionAsset, ts, rec.Success, rec.IsManual, nullString(rec.SourceID),
		rec.OrderID, rec.Status, rec.Error,
		stampOrNow(rec.CreatedAt), nullTime(rec.ImportedAt),
	)
	return mapWriteError(rec, err)
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	defer rows.Close()

	recs, err := scanTradeRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &recs[0], nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, f Filter) ([]model.TradeRecord, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Symbol != "" {
		add("LOWER(symbol) = LOWER($%d)", f.Symbol)
	}
	if f.Side != "" {
		add("LOWER(side) = LOWER($%d)", f.Side)
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}
	if !f.Start.IsZero() {
		add("ts >= $%d", f.Start)
	}
	if !f.End.IsZero() {
		add("ts <= $%d", f.End)
	}

	q := `SELECT ` + tradeColumns + ` FROM trades`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY ts DESC, seq DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTradeRecords(rows)
}

func (s *PostgresStore) UpdateTrade(ctx context.Context, rec *model.TradeRecord) error {
	ts, err := normalize.ParseTimestamp(rec.Timestamp)
	if err != nil {
		return fmt.Errorf("update trade %s: %w", rec.ID, err)
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE trades
		 SET symbol = $2, side = $3,
		     quantity = $4::NUMERIC, price = $5::NUMERIC,
		     effective_price = $6::NUMERIC, commission = $7::NUMERIC,
		     commission_asset = $8, ts = $9, success = $10, is_manual = $11,
		     source_id = $12, order_id = $13, status = $14, error = $15,
		     updated_at = $16
		 WHERE id = $1`,
		rec.ID, rec.Symbol, rec.Side,
		nullNumeric(rec.Quantity), nullNumeric(rec.Price),
		nullNumeric(rec.EffectivePrice), nullNumeric(rec.Commission),
		rec.CommissionAsset, ts, rec.Success, rec.IsManual, nullString(rec.SourceID),
		rec.OrderID, rec.Status, rec.Error, now,
	)
	if err != nil {
		return mapWriteError(rec, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
	}
	rec.UpdatedAt = now.Format(time.RFC3339Nano)
	return nil
}

func (s *PostgresStore) DeleteTrade(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trades WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) ClearTrades(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM trades`)
	return err
}

func (s *PostgresStore) LoadTrades(ctx context.Context) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeColumns+` FROM trades ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTradeRecords(rows)
}

func mapWriteError(rec *model.TradeRecord, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "trades_source_id_key" {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, rec.SourceID)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
	}
	return fmt.Errorf("write trade %s: %w", rec.ID, err)
}

func nullNumeric(n model.Numeric) *string {
	s := strings.TrimSpace(string(n))
	if s == "" {
		return nil
	}
	return &s
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(s string) *time.Time {
	t, err := normalize.ParseTimestamp(s)
	if err != nil {
		return nil
	}
	return &t
}

func stampOrNow(s string) time.Time {
	if t := nullTime(s); t != nil {
		return *t
	}
	return time.Now().UTC()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// pgxRows is the subset of pgx.Rows used by scanTradeRecords.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTradeRecords(rows pgxRows) ([]model.TradeRecord, error) {
	var recs []model.TradeRecord
	for rows.Next() {
		var r model.TradeRecord
		var qty, price, eff, comm *string
		var ts, created time.Time
		var updated, imported *time.Time

		if err := rows.Scan(&r.ID, &r.Symbol, &r.Side,
			&qty, &price, &eff, &comm,
			&r.CommissionAsset, &ts, &r.Success, &r.IsManual, &r.SourceID,
			&r.OrderID, &r.Status, &r.Error, &created, &updated, &imported); err != nil {
			return nil, err
		}

		r.Quantity = numericOf(qty)
		r.Price = numericOf(price)
		r.EffectivePrice = numericOf(eff)
		r.Commission = numericOf(comm)
		r.Timestamp = formatTime(&ts)
		r.CreatedAt = formatTime(&created)
		r.UpdatedAt = formatTime(updated)
		r.ImportedAt = formatTime(imported)

		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func numericOf(s *string) model.Numeric {
	if s == nil {
		return ""
	}
	return model.Numeric(*s)
}
