package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"upbit-intraday/internal/engine"
	"upbit-intraday/internal/risk"
	"upbit-intraday/pkg/types"
)

// StatusProvider is the slice of the engine the handlers read from.
type StatusProvider interface {
	Snapshot() engine.Status
	RiskStatus() risk.Status
	ActivePositions() []types.Position
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	provider StatusProvider
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(provider StatusProvider, logger *slog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		logger:   logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

// HandleStatus returns the full engine snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.provider.Snapshot())
}

// HandleRisk returns the risk guard state.
func (h *Handlers) HandleRisk(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.provider.RiskStatus())
}

// HandlePositions returns the open positions.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	positions := h.provider.ActivePositions()
	if positions == nil {
		positions = []types.Position{}
	}
	h.writeJSON(w, positions)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
