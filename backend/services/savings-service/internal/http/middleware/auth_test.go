package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const secret = "test-secret"

func signed(t *testing.T, claims jwt.MapClaims, key string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return token
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := UserIDFromContext(r.Context())
		_, _ = w.Write([]byte(id))
	})
}

func TestAuthMiddleware(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	cases := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"string claim", "Bearer " + signed(t, jwt.MapClaims{"user_id": "u-42", "exp": exp}, secret), http.StatusOK, "u-42"},
		{"numeric claim", "Bearer " + signed(t, jwt.MapClaims{"user_id": float64(7), "exp": exp}, secret), http.StatusOK, "7"},
		{"subject fallback", "Bearer " + signed(t, jwt.MapClaims{"sub": "u-9", "exp": exp}, secret), http.StatusOK, "u-9"},
		{"missing header", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, ""},
		{"wrong key", "Bearer " + signed(t, jwt.MapClaims{"user_id": "u-42", "exp": exp}, "other"), http.StatusUnauthorized, ""},
		{"expired", "Bearer " + signed(t, jwt.MapClaims{"user_id": "u-42", "exp": time.Now().Add(-time.Minute).Unix()}, secret), http.StatusUnauthorized, ""},
		{"no user", "Bearer " + signed(t, jwt.MapClaims{"exp": exp}, secret), http.StatusUnauthorized, ""},
	}
	handler := AuthMiddleware(secret)(echoUser())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, rec.Body.String())
			}
		})
	}
}

func TestInternalKeyMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(APIKeyHeader, "k1")
	rec := httptest.NewRecorder()
	InternalKeyMiddleware("k1")(ok).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	InternalKeyMiddleware("k2")(ok).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	InternalKeyMiddleware("")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	rec := httptest.NewRecorder()
	Chain(panicky, RecoveryMiddleware(zap.NewNop()), LoggingMiddleware(zap.NewNop())).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())
}
