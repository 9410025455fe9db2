package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"powersave/backend/services/savings-service/internal/models"
	"powersave/backend/services/savings-service/internal/service"
)

const defaultDurationHours = 3

// SessionsHandlers serves the saving session endpoints.
type SessionsHandlers struct {
	svc    *service.SessionsService
	logger *zap.Logger
}

// NewSessionsHandlers returns handler set.
func NewSessionsHandlers(svc *service.SessionsService, logger *zap.Logger) *SessionsHandlers {
	return &SessionsHandlers{svc: svc, logger: logger}
}

type scheduleRequest struct {
	ScheduledStart time.Time             `json:"scheduled_start"`
	DurationHours  float64               `json:"duration_hours"`
	Allocation     models.AllocationSpec `json:"allocation"`
	DoublePoints   bool                  `json:"double_points"`
}

type completeRequest struct {
	ActualKWh *decimal.Decimal `json:"actual_kwh"`
}

type completeResponse struct {
	Session      *models.Session `json:"session"`
	WalletCredit decimal.Decimal `json:"wallet_credit"`
	Message      string          `json:"message"`
}

// Schedule handles POST /sessions.
func (h *SessionsHandlers) Schedule(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req scheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	if req.DurationHours == 0 {
		req.DurationHours = defaultDurationHours
	}

	session, err := h.svc.Schedule(r.Context(), service.ScheduleInput{
		UserID:       uid,
		Start:        req.ScheduledStart.UTC(),
		Duration:     time.Duration(req.DurationHours * float64(time.Hour)),
		Allocation:   req.Allocation,
		DoublePoints: req.DoublePoints,
	})
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// List handles GET /sessions?status=&limit=.
func (h *SessionsHandlers) List(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	status := models.SessionStatus(r.URL.Query().Get("status"))
	sessions, err := h.svc.ListByUser(r.Context(), uid, status, limit)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// Get handles GET /sessions/{id}.
func (h *SessionsHandlers) Get(w http.ResponseWriter, r *http.Request) {
	session, ok := h.owned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// Start handles POST /sessions/{id}/start.
func (h *SessionsHandlers) Start(w http.ResponseWriter, r *http.Request) {
	session, ok := h.owned(w, r)
	if !ok {
		return
	}
	started, err := h.svc.Start(r.Context(), session.ID)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, started)
}

// Complete handles POST /sessions/{id}/complete.
func (h *SessionsHandlers) Complete(w http.ResponseWriter, r *http.Request) {
	session, ok := h.owned(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	if req.ActualKWh == nil {
		writeError(w, http.StatusBadRequest, "actual_kwh is required")
		return
	}

	completed, err := h.svc.Complete(r.Context(), session.ID, *req.ActualKWh)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, completeResponse{
		Session:      completed,
		WalletCredit: completed.WalletCredit,
		Message:      completionMessage(completed),
	})
}

// Cancel handles POST /sessions/{id}/cancel.
func (h *SessionsHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	session, ok := h.owned(w, r)
	if !ok {
		return
	}
	cancelled, err := h.svc.Cancel(r.Context(), session.ID)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

// Stats handles GET /sessions/stats.
func (h *SessionsHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	stats, err := h.svc.Stats(r.Context(), uid)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Active handles GET /sessions/active.
func (h *SessionsHandlers) Active(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	active, err := h.svc.ActiveSessions(r.Context(), uid)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": active})
}

// Projection handles GET /savings/projection?avg_kwh=&sessions_per_month=.
func (h *SessionsHandlers) Projection(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	avg, err := queryDecimal(r, "avg_kwh")
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	perMonth, err := queryInt(r, "sessions_per_month", 8)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	projection, err := h.svc.Projection(r.Context(), uid, avg, perMonth)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, projection)
}

// owned loads the session named in the path and hides other users' sessions.
func (h *SessionsHandlers) owned(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	uid, ok := userID(w, r)
	if !ok {
		return nil, false
	}
	session, err := h.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, h.logger, err)
		return nil, false
	}
	if session.UserID != uid {
		writeError(w, http.StatusNotFound, "not found")
		return nil, false
	}
	return session, true
}

func completionMessage(s *models.Session) string {
	if s.Result == nil || s.Result.IsZero() {
		return "No saving this time. Try shifting heavy appliances outside the window."
	}
	if s.WalletCredit.IsPositive() {
		return "Great job! Your saving was added to your waste wallet."
	}
	return "Great job! Your saving was allocated."
}
