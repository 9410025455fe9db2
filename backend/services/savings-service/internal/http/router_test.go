package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"powersave/backend/services/savings-service/internal/baseline"
	"powersave/backend/services/savings-service/internal/clients"
	"powersave/backend/services/savings-service/internal/http/handlers"
	"powersave/backend/services/savings-service/internal/http/middleware"
	"powersave/backend/services/savings-service/internal/ledger"
	"powersave/backend/services/savings-service/internal/models"
	"powersave/backend/services/savings-service/internal/repository"
	"powersave/backend/services/savings-service/internal/savings"
	"powersave/backend/services/savings-service/internal/service"
)

const (
	jwtSecret   = "router-secret"
	internalKey = "internal-key"
)

var sessionStart = time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)

// steadyMeter reports 0.5 kWh for every hour of the ten days before sessionStart.
type steadyMeter struct{}

func (steadyMeter) FetchHistory(_ context.Context, _ string, from, to time.Time) ([]models.ConsumptionSample, error) {
	var out []models.ConsumptionSample
	for ts := sessionStart.AddDate(0, 0, -10); ts.Before(sessionStart); ts = ts.Add(time.Hour) {
		if !ts.Before(from) && ts.Before(to) {
			out = append(out, models.ConsumptionSample{Timestamp: ts, KWh: 0.5})
		}
	}
	return out, nil
}

type fakeMunicipality struct {
	mu       sync.Mutex
	payments []string
	fee      decimal.Decimal
}

func (m *fakeMunicipality) WasteFeeBalance(_ context.Context, property string) (*clients.WasteFeeBalance, error) {
	if property != "P-100" {
		return nil, clients.ErrPropertyNotFound
	}
	return &clients.WasteFeeBalance{PropertyNumber: property, AnnualFee: m.fee}, nil
}

func (m *fakeMunicipality) SubmitPayment(_ context.Context, property string, amount decimal.Decimal, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = append(m.payments, property+":"+amount.StringFixed(2)+":"+reference)
	return nil
}

type recordingRecorder struct {
	samples map[string]int
}

func (r *recordingRecorder) Record(_ context.Context, userID string, samples []models.ConsumptionSample) error {
	r.samples[userID] += len(samples)
	return nil
}

type testAPI struct {
	handler      http.Handler
	municipality *fakeMunicipality
	recorder     *recordingRecorder
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := zap.NewNop()
	store := repository.NewMemoryStore()
	engine := ledger.NewEngine(store, logger)

	estCfg := baseline.DefaultConfig()
	estCfg.SeasonalAdjustment = false
	svc := service.NewSessionsService(service.Deps{
		Store:      store,
		Ledger:     engine,
		Estimator:  baseline.NewEstimator(estCfg),
		Calculator: savings.NewCalculator(savings.DefaultRates()),
		History:    steadyMeter{},
	}, service.DefaultOptions(), logger)

	api := &testAPI{
		municipality: &fakeMunicipality{fee: decimal.RequireFromString("120")},
		recorder:     &recordingRecorder{samples: map[string]int{}},
	}
	api.handler = NewRouter(RouterDeps{
		Sessions:     handlers.NewSessionsHandlers(svc, logger),
		Wallet:       handlers.NewWalletHandlers(engine, store, api.municipality, logger),
		Internal:     handlers.NewInternalHandlers(engine, api.recorder, logger),
		Health:       handlers.NewHealthHandler(),
		Auth:         middleware.AuthMiddleware(jwtSecret),
		InternalAuth: middleware.InternalKeyMiddleware(internalKey),
	})
	return api
}

func token(t *testing.T, userID string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return s
}

func (a *testAPI) do(t *testing.T, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) internal(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set(middleware.APIKeyHeader, internalKey)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func TestSessionFlowOverHTTP(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/sessions", "u1", map[string]interface{}{
		"scheduled_start": sessionStart,
		"duration_hours":  3,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var scheduled models.Session
	decode(t, rec, &scheduled)
	assert.Equal(t, models.SessionScheduled, scheduled.Status)

	rec = api.do(t, http.MethodPost, "/api/v1/sessions/"+scheduled.ID+"/start", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodPost, "/api/v1/sessions/"+scheduled.ID+"/complete", "u1", map[string]string{"actual_kwh": "1.0"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var completed struct {
		Session      models.Session  `json:"session"`
		WalletCredit decimal.Decimal `json:"wallet_credit"`
	}
	decode(t, rec, &completed)
	assert.Equal(t, models.SessionCompleted, completed.Session.Status)
	assert.Equal(t, "0.15", completed.WalletCredit.StringFixed(2))

	rec = api.do(t, http.MethodPost, "/api/v1/sessions/"+scheduled.ID+"/complete", "u1", map[string]string{"actual_kwh": "1.0"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/wallet", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var wallet models.WalletAccount
	decode(t, rec, &wallet)
	assert.Equal(t, "0.15", wallet.Balance.StringFixed(2))
	assert.Equal(t, int64(1), wallet.SessionsContributed)

	rec = api.do(t, http.MethodGet, "/api/v1/sessions/stats", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats service.Stats
	decode(t, rec, &stats)
	assert.Equal(t, int64(1), stats.CompletedSessions)
	assert.Equal(t, int64(5), stats.GreenPoints)
	assert.Equal(t, 1, stats.CurrentStreakDays)

	rec = api.do(t, http.MethodGet, "/api/v1/sessions?status=COMPLETED", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Sessions []models.Session `json:"sessions"`
	}
	decode(t, rec, &list)
	assert.Len(t, list.Sessions, 1)
}

func TestScheduleStoresWindowInUTC(t *testing.T) {
	api := newTestAPI(t)
	local := sessionStart.In(time.FixedZone("EET", 2*60*60))

	rec := api.do(t, http.MethodPost, "/api/v1/sessions", "u1", map[string]interface{}{
		"scheduled_start": local.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var scheduled models.Session
	decode(t, rec, &scheduled)
	assert.True(t, scheduled.Window.Start.Equal(sessionStart))
	assert.Equal(t, time.UTC, scheduled.Window.Start.Location())
}

func TestSessionsAreScopedToOwner(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/api/v1/sessions", "u1", map[string]interface{}{
		"scheduled_start": sessionStart,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var scheduled models.Session
	decode(t, rec, &scheduled)

	rec = api.do(t, http.MethodGet, "/api/v1/sessions/"+scheduled.ID, "intruder", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = api.do(t, http.MethodPost, "/api/v1/sessions/"+scheduled.ID+"/cancel", "intruder", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/sessions/"+scheduled.ID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/sessions", "u1", map[string]interface{}{
		"scheduled_start": sessionStart,
		"duration_hours":  20,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/wallet/pay", "u1", map[string]string{"amount": "5.00"})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/wallet/donate", "u1", map[string]string{"amount": "1.00"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/sessions/missing", "u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/sessions?status=PAUSED", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/sessions", "u1", map[string]interface{}{"unknown": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProjectionOverHTTP(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/v1/savings/projection?avg_kwh=0.5&sessions_per_month=8", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var projection savings.Projection
	decode(t, rec, &projection)
	assert.Equal(t, "4.00", projection.MonthlyKWh.StringFixed(2))
	assert.Equal(t, "1.20", projection.MonthlyEUR.StringFixed(2))
	assert.Equal(t, "14.40", projection.AnnualEUR.StringFixed(2))

	// sessions_per_month defaults to 8.
	rec = api.do(t, http.MethodGet, "/api/v1/savings/projection?avg_kwh=0.5", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &projection)
	assert.Equal(t, "48.00", projection.AnnualKWh.StringFixed(2))

	for _, query := range []string{
		"avg_kwh=-0.5",
		"avg_kwh=lots",
		"avg_kwh=0.5&sessions_per_month=-2",
		"sessions_per_month=many",
	} {
		rec = api.do(t, http.MethodGet, "/api/v1/savings/projection?"+query, "u1", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}

	rec = api.do(t, http.MethodGet, "/api/v1/savings/projection", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWalletFlowOverHTTP(t *testing.T) {
	api := newTestAPI(t)

	rec := api.internal(t, "/internal/wallet/credit", map[string]string{"user_id": "u2", "amount": "30.00", "session_id": "s-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = api.internal(t, "/internal/wallet/credit", map[string]string{"user_id": "u2", "amount": "30.00", "session_id": "s-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/wallet/pay", "u2", map[string]string{"amount": "10.00", "property_number": "P-100"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var paid struct {
		Kind                 models.EntryKind `json:"type"`
		BalanceAfter         decimal.Decimal  `json:"balance_after"`
		MunicipalityNotified bool             `json:"municipality_notified"`
	}
	decode(t, rec, &paid)
	assert.Equal(t, models.EntryPaymentToMunicipality, paid.Kind)
	assert.Equal(t, "20.00", paid.BalanceAfter.StringFixed(2))
	assert.True(t, paid.MunicipalityNotified)
	assert.Len(t, api.municipality.payments, 1)

	rec = api.do(t, http.MethodPost, "/api/v1/wallet/donate", "u2", map[string]string{"amount": "5.00", "recipient_fund_id": "fund-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/wallet/transactions?limit=2", "u2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Transactions []models.LedgerEntry `json:"transactions"`
	}
	decode(t, rec, &history)
	require.Len(t, history.Transactions, 2)
	assert.Equal(t, models.EntryDonation, history.Transactions[0].Kind)

	rec = api.do(t, http.MethodGet, "/api/v1/wallet/coverage", "u2", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/wallet/coverage?property_number=P-100", "u2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var coverage struct {
		Balance decimal.Decimal `json:"current_balance"`
		Fee     decimal.Decimal `json:"annual_waste_fee"`
		Percent decimal.Decimal `json:"coverage_percentage"`
		Months  decimal.Decimal `json:"months_covered"`
		Remains decimal.Decimal `json:"remaining_to_cover"`
	}
	decode(t, rec, &coverage)
	assert.Equal(t, "15.00", coverage.Balance.StringFixed(2))
	assert.Equal(t, "12.5", coverage.Percent.StringFixed(1))
	assert.Equal(t, "1.5", coverage.Months.StringFixed(1))
	assert.Equal(t, "105.00", coverage.Remains.StringFixed(2))

	// The fee fetched from the municipality is remembered.
	rec = api.do(t, http.MethodGet, "/api/v1/wallet/coverage", "u2", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/wallet/coverage?property_number=P-404", "u2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	now := time.Now().UTC()
	rec = api.do(t, http.MethodGet, "/api/v1/wallet/summary", "u2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary models.MonthlySummary
	decode(t, rec, &summary)
	assert.Equal(t, now.Year(), summary.Year)
	assert.Equal(t, "30.00", summary.TotalCredits.StringFixed(2))
	assert.Equal(t, "10.00", summary.TotalDebits.StringFixed(2))
	assert.Equal(t, "5.00", summary.TotalDonations.StringFixed(2))
	assert.Equal(t, 3, summary.TransactionCount)
}

func TestInternalRoutes(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/internal/wallet/credit", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.internal(t, "/internal/consumption", map[string]interface{}{
		"user_id": "u3",
		"samples": []models.ConsumptionSample{
			{Timestamp: sessionStart, KWh: 0.4},
			{Timestamp: sessionStart.Add(time.Hour), KWh: 0.6},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, 2, api.recorder.samples["u3"])

	rec = api.internal(t, "/internal/consumption", map[string]interface{}{
		"user_id": "u3",
		"samples": []models.ConsumptionSample{{Timestamp: sessionStart, KWh: -1}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = api.do(t, http.MethodDelete, "/health", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
