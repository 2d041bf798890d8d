package handler

import (
	"net/http"
	"time"
)

// StatusHandler serves the process status (mode, strategy, uptime).
type StatusHandler struct {
	Mode         string
	StrategyName string
	Account      string
	StartedAt    time.Time
}

// NewStatusHandler creates a StatusHandler started now.
func NewStatusHandler(mode, strategyName, account string) *StatusHandler {
	return &StatusHandler{Mode: mode, StrategyName: strategyName, Account: account, StartedAt: time.Now().UTC()}
}

// GetStatus responds with the current mode, strategy and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"strategy_name":  h.StrategyName,
		"account":        h.Account,
		"started_at":     h.StartedAt.Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	})
}
