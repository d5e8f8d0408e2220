// Package api provides the HTTP handlers for querying the portfolio,
// managing stored trades and feeding price ticks, plus a WebSocket hub
// that pushes every new portfolio snapshot to connected clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/engine"
	"github.com/atmx/pnl-engine/internal/logger"
	"github.com/atmx/pnl-engine/internal/model"
	"github.com/atmx/pnl-engine/internal/normalize"
	"github.com/atmx/pnl-engine/internal/store"
)

// Portfolio is the engine surface the handlers use.
type Portfolio interface {
	Snapshot() model.Snapshot
	RecomputeAll(ctx context.Context) (model.Snapshot, error)
	ApplyPriceTick(symbol string, price decimal.Decimal) (model.Snapshot, bool)
	Position(symbol string) (engine.PositionDetail, bool)
	Invalidate()
}

// Service handles portfolio and trade-record requests.
type Service struct {
	store     store.Store
	portfolio Portfolio
	logger    logger.Logger
}

// NewService creates a new API service.
func NewService(st store.Store, portfolio Portfolio, logger logger.Logger) *Service {
	return &Service{
		store:     st,
		portfolio: portfolio,
		logger:    logger,
	}
}

// Register mounts every endpoint on r. Pass nil for hub if WebSocket
// push is not needed.
func (s *Service) Register(r chi.Router, hub *WSHub) {
	if hub != nil {
		r.Get("/ws", hub.HandleWS)
	}

	r.Get("/portfolio", s.GetPortfolio)
	r.Post("/portfolio/recompute", s.Recompute)
	r.Get("/positions/{symbol}", s.GetPosition)
	r.Post("/ticks", s.PostTick)

	r.Route("/trades", func(r chi.Router) {
		r.Get("/", s.ListTrades)
		r.Post("/", s.CreateTrade)
		r.Delete("/", s.ClearTrades)
		r.Get("/stats", s.TradeStats)
		r.Get("/export", s.ExportTrades)
		r.Post("/import", s.ImportTrades)
		r.Get("/{tradeID}", s.GetTrade)
		r.Put("/{tradeID}", s.UpdateTrade)
		r.Delete("/{tradeID}", s.DeleteTrade)
	})
}

// --- Request/Response types ---

// TradeRequest is the JSON body for creating or replacing a trade record.
// Success defaults to true when omitted.
type TradeRequest struct {
	model.TradeRecord
	Success *bool `json:"success"`
}

// TickRequest is the JSON body for POST /ticks.
type TickRequest struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// TickResponse reports whether the tick changed a position.
type TickResponse struct {
	Applied  bool           `json:"applied"`
	Snapshot model.Snapshot `json:"snapshot"`
}

// --- Portfolio handlers ---

// GetPortfolio handles GET /api/v1/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.portfolio.Snapshot())
}

// Recompute handles POST /api/v1/portfolio/recompute
func (s *Service) Recompute(w http.ResponseWriter, r *http.Request) {
	snap, err := s.portfolio.RecomputeAll(r.Context())
	switch {
	case errors.Is(err, engine.ErrStaleRecompute):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.logger.Errorf("recompute failed: %v", err)
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetPosition handles GET /api/v1/positions/{symbol}
// Returns the position with its open lots and realized sales.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	detail, ok := s.portfolio.Position(symbol)
	if !ok {
		writeError(w, "no position for "+normalize.CanonicalSymbol(symbol), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// PostTick handles POST /api/v1/ticks
func (s *Service) PostTick(w http.ResponseWriter, r *http.Request) {
	var req TickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" || !req.Price.IsPositive() {
		writeError(w, "symbol and a positive price are required", http.StatusBadRequest)
		return
	}
	snap, applied := s.portfolio.ApplyPriceTick(req.Symbol, req.Price)
	writeJSON(w, http.StatusOK, TickResponse{Applied: applied, Snapshot: snap})
}

// --- Trade record handlers ---

// ListTrades handles GET /api/v1/trades
// Query: symbol, side, success, startDate, endDate, limit.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	trades, err := s.store.ListTrades(r.Context(), f)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// CreateTrade handles POST /api/v1/trades
func (s *Service) CreateTrade(w http.ResponseWriter, r *http.Request) {
	rec, err := decodeTrade(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec.ID = ""

	if err := s.store.AddTrade(r.Context(), &rec); err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Infof("trade %s recorded: %s %s %s @ %s (success=%t)",
		rec.ID, rec.Side, rec.Quantity, rec.Symbol, rec.Price, rec.Success)
	s.portfolio.Invalidate()

	writeJSON(w, http.StatusCreated, rec)
}

// GetTrade handles GET /api/v1/trades/{tradeID}
func (s *Service) GetTrade(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetTrade(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UpdateTrade handles PUT /api/v1/trades/{tradeID}
func (s *Service) UpdateTrade(w http.ResponseWriter, r *http.Request) {
	rec, err := decodeTrade(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec.ID = chi.URLParam(r, "tradeID")

	if err := s.store.UpdateTrade(r.Context(), &rec); err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Infof("trade %s updated", rec.ID)
	s.portfolio.Invalidate()

	writeJSON(w, http.StatusOK, rec)
}

// DeleteTrade handles DELETE /api/v1/trades/{tradeID}
func (s *Service) DeleteTrade(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tradeID")
	if err := s.store.DeleteTrade(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Infof("trade %s deleted", id)
	s.portfolio.Invalidate()

	w.WriteHeader(http.StatusNoContent)
}

// ClearTrades handles DELETE /api/v1/trades
func (s *Service) ClearTrades(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearTrades(r.Context()); err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Infoln("all trades cleared")
	s.portfolio.Invalidate()

	w.WriteHeader(http.StatusNoContent)
}

// TradeStats handles GET /api/v1/trades/stats
func (s *Service) TradeStats(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.LoadTrades(r.Context())
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, store.ComputeStats(recs))
}

// ExportTrades handles GET /api/v1/trades/export
func (s *Service) ExportTrades(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="trades-export.json"`)
	if err := store.Export(r.Context(), s.store, w); err != nil {
		s.logger.Errorf("export failed: %v", err)
	}
}

// ImportTrades handles POST /api/v1/trades/import
func (s *Service) ImportTrades(w http.ResponseWriter, r *http.Request) {
	n, err := store.Import(r.Context(), s.store, r.Body)
	if err != nil {
		if errors.Is(err, store.ErrInvalidImport) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Infof("%d trades imported", n)
	if n > 0 {
		s.portfolio.Invalidate()
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

// --- Helpers ---

// decodeTrade reads and validates a TradeRequest. Settled trades must carry
// a known side and a positive quantity; failed trades are kept as
// recorded.
func decodeTrade(r *http.Request) (model.TradeRecord, error) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return model.TradeRecord{}, errors.New("invalid request body")
	}
	rec := req.TradeRecord
	rec.Success = req.Success == nil || *req.Success
	rec.Symbol = normalize.CanonicalSymbol(rec.Symbol)

	if rec.Symbol == "" {
		return rec, errors.New("symbol is required")
	}
	if !rec.Success {
		return rec, nil
	}
	side, ok := model.ParseSide(rec.Side)
	if !ok {
		return rec, errors.New("side must be BUY or SELL")
	}
	rec.Side = string(side)

	qty, err := decimal.NewFromString(strings.TrimSpace(string(rec.Quantity)))
	if err != nil || !qty.IsPositive() {
		return rec, errors.New("quantity must be a positive number")
	}
	for name, v := range map[string]model.Numeric{
		"price":          rec.Price,
		"effectivePrice": rec.EffectivePrice,
		"commission":     rec.Commission,
	} {
		if strings.TrimSpace(string(v)) == "" {
			continue
		}
		n, err := decimal.NewFromString(strings.TrimSpace(string(v)))
		if err != nil || n.IsNegative() {
			return rec, errors.New(name + " must be a non-negative number")
		}
	}
	if rec.Timestamp != "" {
		if _, err := normalize.ParseTimestamp(rec.Timestamp); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	f := store.Filter{
		Symbol: normalize.CanonicalSymbol(q.Get("symbol")),
		Side:   q.Get("side"),
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("success must be true or false")
		}
		f.Success = &b
	}
	var err error
	if f.Start, err = parseDate(q.Get("startDate")); err != nil {
		return f, err
	}
	if f.End, err = parseDate(q.Get("endDate")); err != nil {
		return f, err
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func parseDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	return normalize.ParseTimestamp(v)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrDuplicateSource):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
