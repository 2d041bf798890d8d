package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/alanyoungcy/quantbot/internal/domain"
)

// AccountService is the view of the trading account the handlers need.
// *account.Account satisfies it.
type AccountService interface {
	Snapshot() domain.AccountSnapshot
	NetValue(prices map[string]domain.CurrentPrice) (float64, []string)
	NetValues() []domain.NetValuePoint
}

// PriceReader supplies the latest quotes used to value positions.
type PriceReader interface {
	GetCurrentPrices(ctx context.Context, codes []string) (map[string]domain.CurrentPrice, error)
}

// NetValueReader lists the persisted net value curve.
type NetValueReader interface {
	ListNetValues(ctx context.Context, account string, opts domain.ListOpts) ([]domain.NetValuePoint, error)
}

// AccountHandler serves account state and the net value curve.
type AccountHandler struct {
	account AccountService
	prices  PriceReader
	history NetValueReader
	logger  *slog.Logger
}

// NewAccountHandler creates an AccountHandler. prices and history may be
// nil; without history the in-memory curve is served.
func NewAccountHandler(account AccountService, prices PriceReader, history NetValueReader, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{account: account, prices: prices, history: history, logger: logger}
}

type accountResponse struct {
	Name        string             `json:"name"`
	Cash        float64            `json:"cash"`
	InitialCash float64            `json:"initial_cash"`
	Positions   map[string]float64 `json:"positions"`
	NetValue    float64            `json:"net_value"`
	Unpriced    []string           `json:"unpriced,omitempty"`
	AsOf        time.Time          `json:"as_of"`
}

// GetAccount returns cash, positions and the net value at the latest quotes.
// GET /api/account
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	snap := h.account.Snapshot()

	codes := make([]string, 0, len(snap.Positions))
	for code := range snap.Positions {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var prices map[string]domain.CurrentPrice
	if h.prices != nil && len(codes) > 0 {
		p, err := h.prices.GetCurrentPrices(r.Context(), codes)
		if err != nil {
			h.logger.WarnContext(r.Context(), "handler: load prices failed",
				slog.String("error", err.Error()),
			)
		}
		prices = p
	}
	value, missing := h.account.NetValue(prices)

	writeJSON(w, http.StatusOK, accountResponse{
		Name:        snap.Name,
		Cash:        snap.Cash,
		InitialCash: snap.InitialCash,
		Positions:   snap.Positions,
		NetValue:    value,
		Unpriced:    missing,
		AsOf:        snap.UpdatedAt,
	})
}

// ListNetValues returns the net value curve.
// GET /api/net_values?since=...&until=...&limit=50&offset=0
func (h *AccountHandler) ListNetValues(w http.ResponseWriter, r *http.Request) {
	var (
		points []domain.NetValuePoint
		err    error
	)
	if h.history != nil {
		points, err = h.history.ListNetValues(r.Context(), h.account.Snapshot().Name, parseListOpts(r))
	} else {
		points = h.account.NetValues()
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list net values failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list net values")
		return
	}
	if points == nil {
		points = []domain.NetValuePoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"net_values": points})
}
