package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"powersave/backend/services/savings-service/internal/ledger"
	"powersave/backend/services/savings-service/internal/models"
)

// ConsumptionRecorder stores metered readings pushed by the meter gateway.
type ConsumptionRecorder interface {
	Record(ctx context.Context, userID string, samples []models.ConsumptionSample) error
}

// InternalHandlers serves service-to-service endpoints.
type InternalHandlers struct {
	ledger   *ledger.Engine
	recorder ConsumptionRecorder
	logger   *zap.Logger
}

// NewInternalHandlers returns handler set. recorder may be nil when the
// service reads consumption from the provider API.
func NewInternalHandlers(engine *ledger.Engine, recorder ConsumptionRecorder, logger *zap.Logger) *InternalHandlers {
	return &InternalHandlers{ledger: engine, recorder: recorder, logger: logger}
}

type creditRequest struct {
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	SessionID   string          `json:"session_id"`
	Description string          `json:"description"`
}

type consumptionRequest struct {
	UserID  string                     `json:"user_id"`
	Samples []models.ConsumptionSample `json:"samples"`
}

// Credit handles POST /internal/wallet/credit. Repeating a credit with the
// same session id returns the original entry.
func (h *InternalHandlers) Credit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	if req.Description == "" {
		req.Description = "Savings from session"
	}
	entry, err := h.ledger.Credit(r.Context(), req.UserID, req.Amount, strings.TrimSpace(req.SessionID), req.Description)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// RecordConsumption handles POST /internal/consumption.
func (h *InternalHandlers) RecordConsumption(w http.ResponseWriter, r *http.Request) {
	if h.recorder == nil {
		writeError(w, http.StatusNotImplemented, "consumption ingest disabled")
		return
	}
	var req consumptionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	for _, s := range req.Samples {
		if s.Timestamp.IsZero() || s.KWh < 0 {
			writeError(w, http.StatusBadRequest, "samples need a timestamp and a non-negative kwh")
			return
		}
	}
	if err := h.recorder.Record(r.Context(), req.UserID, req.Samples); err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "ok", "recorded": len(req.Samples)})
}

// NewHealthHandler returns GET /health handler.
func NewHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
