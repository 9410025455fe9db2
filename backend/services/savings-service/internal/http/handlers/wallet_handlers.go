package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"powersave/backend/services/savings-service/internal/clients"
	"powersave/backend/services/savings-service/internal/ledger"
	"powersave/backend/services/savings-service/internal/models"
	"powersave/backend/services/savings-service/internal/savings"
)

// Municipality is the waste-fee collaborator. It is consulted outside any
// ledger transaction.
type Municipality interface {
	WasteFeeBalance(ctx context.Context, propertyNumber string) (*clients.WasteFeeBalance, error)
	SubmitPayment(ctx context.Context, propertyNumber string, amount decimal.Decimal, reference string) error
}

// FeeStore keeps the user's annual waste fee.
type FeeStore interface {
	GetUserTotals(ctx context.Context, userID string) (*models.UserTotals, error)
	SetAnnualWasteFee(ctx context.Context, userID string, fee decimal.Decimal) error
}

// WalletHandlers serves the waste wallet endpoints.
type WalletHandlers struct {
	ledger       *ledger.Engine
	fees         FeeStore
	municipality Municipality
	logger       *zap.Logger
	now          func() time.Time
}

// NewWalletHandlers returns handler set. municipality may be nil.
func NewWalletHandlers(engine *ledger.Engine, fees FeeStore, municipality Municipality, logger *zap.Logger) *WalletHandlers {
	return &WalletHandlers{
		ledger:       engine,
		fees:         fees,
		municipality: municipality,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

type payRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description"`
	PropertyNumber string          `json:"property_number"`
}

type payResponse struct {
	models.LedgerEntry
	MunicipalityNotified bool `json:"municipality_notified"`
}

type donateRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	RecipientFundID string          `json:"recipient_fund_id"`
}

type coverageResponse struct {
	CurrentBalance decimal.Decimal `json:"current_balance"`
	AnnualWasteFee decimal.Decimal `json:"annual_waste_fee"`
	savings.Coverage
}

// Balance handles GET /wallet.
func (h *WalletHandlers) Balance(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	wallet, err := h.ledger.GetOrCreate(r.Context(), uid)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// Transactions handles GET /wallet/transactions?limit=&offset=.
func (h *WalletHandlers) Transactions(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	entries, err := h.ledger.History(r.Context(), uid, limit, offset)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": entries})
}

// Pay handles POST /wallet/pay. The municipality is notified after the
// debit commits; a failed notification does not undo the debit.
func (h *WalletHandlers) Pay(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req payRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}

	entry, err := h.ledger.Debit(r.Context(), uid, req.Amount, req.Description)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	resp := payResponse{LedgerEntry: *entry}
	property := strings.TrimSpace(req.PropertyNumber)
	if h.municipality != nil && property != "" {
		if err := h.municipality.SubmitPayment(r.Context(), property, entry.Amount, entry.ID); err != nil {
			h.logger.Warn("municipality payment notification failed",
				zap.String("user_id", uid),
				zap.String("transaction_id", entry.ID),
				zap.Error(err),
			)
		} else {
			resp.MunicipalityNotified = true
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Donate handles POST /wallet/donate.
func (h *WalletHandlers) Donate(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req donateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	entry, err := h.ledger.Donate(r.Context(), uid, req.Amount, req.RecipientFundID)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// Summary handles GET /wallet/summary?year=&month=. Missing values default
// to the current month.
func (h *WalletHandlers) Summary(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	now := h.now()
	year, err := queryInt(r, "year", now.Year())
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	month, err := queryInt(r, "month", int(now.Month()))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	summary, err := h.ledger.MonthlySummary(r.Context(), uid, year, month)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Coverage handles GET /wallet/coverage?property_number=&annual_fee=.
// The fee comes from the municipality when a property is given, then from
// an explicit annual_fee, then from the last stored value.
func (h *WalletHandlers) Coverage(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	fee, err := h.annualFee(ctx, uid, r)
	if err != nil {
		if errors.Is(err, clients.ErrPropertyNotFound) {
			writeError(w, http.StatusNotFound, "property not found")
			return
		}
		respondError(w, h.logger, err)
		return
	}
	if !fee.IsPositive() {
		writeError(w, http.StatusBadRequest, "annual waste fee not set for user")
		return
	}

	balance, err := h.ledger.Balance(ctx, uid)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, coverageResponse{
		CurrentBalance: balance,
		AnnualWasteFee: fee,
		Coverage:       savings.WasteFeeCoverage(balance, fee),
	})
}

func (h *WalletHandlers) annualFee(ctx context.Context, uid string, r *http.Request) (decimal.Decimal, error) {
	if property := strings.TrimSpace(r.URL.Query().Get("property_number")); property != "" && h.municipality != nil {
		status, err := h.municipality.WasteFeeBalance(ctx, property)
		if err != nil {
			return decimal.Zero, err
		}
		h.rememberFee(ctx, uid, status.AnnualFee)
		return status.AnnualFee, nil
	}

	explicit, err := queryDecimal(r, "annual_fee")
	if err != nil {
		return decimal.Zero, err
	}
	if explicit != nil {
		h.rememberFee(ctx, uid, *explicit)
		return *explicit, nil
	}

	totals, err := h.fees.GetUserTotals(ctx, uid)
	if err != nil {
		return decimal.Zero, err
	}
	return totals.AnnualWasteFee, nil
}

func (h *WalletHandlers) rememberFee(ctx context.Context, uid string, fee decimal.Decimal) {
	if !fee.IsPositive() {
		return
	}
	if err := h.fees.SetAnnualWasteFee(ctx, uid, fee); err != nil {
		h.logger.Warn("failed to store annual waste fee", zap.String("user_id", uid), zap.Error(err))
	}
}
