package handler

import (
	"net/http"
	"time"
)

// StatusHandler serves the static runtime profile of the process.
type StatusHandler struct {
	Mode            string
	Network         string
	ChainID         int64
	Confirmations   uint64
	PaymentContract string
	StartedAt       time.Time
}

// GetStatus responds with the run mode and the active network profile.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":             h.Mode,
		"network":          h.Network,
		"chain_id":         h.ChainID,
		"confirmations":    h.Confirmations,
		"payment_contract": h.PaymentContract,
		"uptime_seconds":   int64(time.Since(h.StartedAt).Seconds()),
	})
}
