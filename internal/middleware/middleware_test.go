package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martechdevs/livechat/pkg/logger"
)

const testSecret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func operatorClaims(expires time.Time, scopes ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "op-42",
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Name:   "Dana",
		Scopes: scopes,
	}
}

func TestAuth(t *testing.T) {
	var gotID, gotName string
	h := Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = GetOperatorID(r.Context())
		gotName = GetOperatorName(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	valid := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), operatorClaims(time.Now().Add(time.Hour)))
	expired := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), operatorClaims(time.Now().Add(-time.Hour)))
	wrongKey := signToken(t, jwt.SigningMethodHS256, []byte("other"), operatorClaims(time.Now().Add(time.Hour)))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + valid, http.StatusNoContent},
		{"lowercase scheme", "bearer " + valid, http.StatusNoContent},
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + valid, http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong key", "Bearer " + wrongKey, http.StatusUnauthorized},
		{"garbage", "Bearer not.a.token", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, rec.Body.String(), `"code":"unauthorized"`)
			}
		})
	}

	assert.Equal(t, "op-42", gotID)
	assert.Equal(t, "Dana", gotName)
}

func TestRequireScope(t *testing.T) {
	h := Auth(testSecret)(RequireScope(ScopeConversationsWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	for name, tc := range map[string]struct {
		scopes []string
		want   int
	}{
		"granted": {[]string{ScopeConversationsRead, ScopeConversationsWrite}, http.StatusNoContent},
		"missing": {[]string{ScopeConversationsRead}, http.StatusForbidden},
	} {
		t.Run(name, func(t *testing.T) {
			token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), operatorClaims(time.Now().Add(time.Hour), tc.scopes...))
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestLogging_CorrelationID(t *testing.T) {
	var seen string
	r := chi.NewRouter()
	r.Use(Logging(logger.NewNop()))
	r.Get("/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversations/abc", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Correlation-ID"))

	req := httptest.NewRequest(http.MethodGet, "/conversations/abc", nil)
	req.Header.Set("X-Correlation-ID", "corr-1")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "corr-1", seen)
	assert.Equal(t, "corr-1", rec.Header().Get("X-Correlation-ID"))
}

func TestLogging_KeepsFlusher(t *testing.T) {
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := w.(http.Flusher)
		assert.True(t, ok, "wrapped writer must stay flushable for event streams")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "203.0.113.7:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes[i] = rec.Code
		if rec.Code == http.StatusTooManyRequests {
			assert.Equal(t, "60", rec.Header().Get("Retry-After"))
			assert.Contains(t, rec.Body.String(), "rate_limited")
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// another client has its own budget
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "198.51.100.1:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://martechdevs.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodOptions, "/api/conversations", nil)
	req.Header.Set("Origin", "https://martechdevs.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://martechdevs.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestValidateMessageContent(t *testing.T) {
	got, err := ValidateMessageContent("  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	_, err = ValidateMessageContent(" \n\t ")
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = ValidateMessageContent(strings.Repeat("é", MaxContentLength))
	assert.NoError(t, err)

	_, err = ValidateMessageContent(strings.Repeat("a", MaxContentLength+1))
	assert.ErrorIs(t, err, ErrContentTooLong)

	_, err = ValidateMessageContent("bad \xff byte")
	assert.Error(t, err)
}

func TestValidateIDs(t *testing.T) {
	assert.NoError(t, ValidateConversationID("0190a4c2-7b5e-7c3a-9d1e-2f3a4b5c6d7e"))
	assert.Error(t, ValidateConversationID("../etc/passwd"))

	assert.NoError(t, ValidateCustomerID("visitor_abc123"))
	assert.Error(t, ValidateCustomerID("  "))
	assert.Error(t, ValidateCustomerID(strings.Repeat("x", 129)))
}
