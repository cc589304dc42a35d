package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"copybridge/internal/engine"
	"copybridge/pkg/types"
)

// Handlers holds the ingress HTTP handlers.
type Handlers struct {
	router Router
	logger *slog.Logger
}

// NewHandlers creates the ingress handlers.
func NewHandlers(router Router, logger *slog.Logger) *Handlers {
	return &Handlers{
		router: router,
		logger: logger.With("component", "api"),
	}
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HandleEvent ingests one trade event from the MT5 expert advisor.
//
// The EA treats anything but 200 as "retry later", so filtered,
// duplicated, and unknown events are still acknowledged with success;
// only malformed bodies (400) and internal failures (500) are errors.
func (h *Handlers) HandleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, statusResponse{Status: "error", Message: "POST only"})
		return
	}

	var ev types.TradeEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: "error", Message: "malformed JSON body"})
		return
	}

	if err := h.router.HandleTradeEvent(r.Context(), &ev); err != nil {
		if errors.Is(err, engine.ErrInvalidEvent) {
			writeJSON(w, http.StatusBadRequest, statusResponse{Status: "error", Message: err.Error()})
			return
		}
		h.logger.Error("event handling failed", "ticket", ev.Ticket, "error", err)
		writeJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Message: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: "success"})
}

// HandleHealth reports process liveness and whether any account session
// is ready.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status string `json:"status"`
		Ready  bool   `json:"ready"`
	}{Status: "ok", Ready: h.router.Ready()}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
