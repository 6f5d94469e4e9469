package gateway_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/gateway"
)

func TestCORS_PreflightHeaders(t *testing.T) {
	wrap := gateway.NewCORSMiddleware(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         7200,
	})
	handler := wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("preflight must not reach the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/invoke/create_tasks", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization", rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "7200", rec.Header().Get("Access-Control-Max-Age"))
}

func TestCORS_Origins(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{"allowed", []string{"https://allowed.com"}, "https://allowed.com", "https://allowed.com"},
		{"disallowed", []string{"https://allowed.com"}, "https://evil.com", ""},
		{"wildcard", []string{"*"}, "https://any-origin.com", "https://any-origin.com"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := gateway.NewCORSMiddleware(config.CORSConfig{Enabled: true, AllowedOrigins: tc.allowed})(okHandler())
			req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
			req.Header.Set("Origin", tc.origin)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tc.want, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestCORS_DefaultHeadersIncludeRole(t *testing.T) {
	handler := gateway.NewCORSMiddleware(config.CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}})(okHandler())
	req := httptest.NewRequest(http.MethodOptions, "/ws", nil)
	req.Header.Set("Origin", "https://ui.local")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), gateway.RoleHeader)
	assert.Equal(t, "3600", rec.Header().Get("Access-Control-Max-Age"))
}

func TestCORS_Disabled(t *testing.T) {
	handler := gateway.NewCORSMiddleware(config.CORSConfig{Enabled: false})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestSizeLimitMiddleware(t *testing.T) {
	handler := gateway.RequestSizeLimitMiddleware(100)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := io.Copy(io.Discard, r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		fmt.Fprintf(w, "%d", n)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/invoke/x", strings.NewReader("small")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/invoke/x", strings.NewReader(strings.Repeat("x", 200))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCORS_ExposesRetryAfterAndVaries(t *testing.T) {
	handler := gateway.NewCORSMiddleware(config.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://ui.local"}})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/operations", nil)
	req.Header.Set("Origin", "https://ui.local")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "Retry-After", rec.Header().Get("Access-Control-Expose-Headers"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))
}

func TestRequestSizeLimit_RejectsDeclaredLength(t *testing.T) {
	handler := gateway.RequestSizeLimitMiddleware(10)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("oversized request must not reach the handler")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/invoke/create_tasks", strings.NewReader(strings.Repeat("x", 11))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
