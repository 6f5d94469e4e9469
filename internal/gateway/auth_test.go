package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/taskrelay/internal/audit"
	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/gateway"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func enabledAuth(keys ...config.APIKeyEntry) *gateway.AuthMiddleware {
	return gateway.NewAuthMiddleware(config.AuthConfig{Enabled: true, Keys: keys})
}

func TestAuthMiddleware_Keys(t *testing.T) {
	am := enabledAuth(config.APIKeyEntry{Name: "ci", Key: "test-key-123", Role: "worker"})
	handler := am.Wrap(okHandler())

	cases := []struct {
		name   string
		setup  func(r *http.Request)
		target string
		want   int
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer test-key-123") }, "/api/v1/events", http.StatusOK},
		{"x-api-key", func(r *http.Request) { r.Header.Set("X-API-Key", "test-key-123") }, "/api/v1/events", http.StatusOK},
		{"query param", func(*http.Request) {}, "/api/v1/events?api_key=test-key-123", http.StatusOK},
		{"wrong key", func(r *http.Request) { r.Header.Set("Authorization", "Bearer wrong-key") }, "/api/v1/events", http.StatusForbidden},
		{"missing key", func(*http.Request) {}, "/api/v1/events", http.StatusUnauthorized},
		{"healthz open", func(*http.Request) {}, "/healthz", http.StatusOK},
		{"metrics open", func(*http.Request) {}, "/metrics", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestAuthMiddleware_AuditsRejectedKeys(t *testing.T) {
	handler := enabledAuth(config.APIKeyEntry{Key: "right-key-123", Role: "worker"}).Wrap(okHandler())
	before := audit.DenyCounts()["gateway.auth"]

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("X-API-Key", "wrong-key-456")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"invalid API key"}`, rec.Body.String())
	assert.Equal(t, before+1, audit.DenyCounts()["gateway.auth"])
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	am := gateway.NewAuthMiddleware(config.AuthConfig{Enabled: false})
	rec := httptest.NewRecorder()
	am.Wrap(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, am.Enabled())
}

func TestAuthMiddleware_UpdateSwapsKeys(t *testing.T) {
	am := enabledAuth(config.APIKeyEntry{Key: "old", Role: "worker"})
	handler := am.Wrap(okHandler())
	am.Update(config.AuthConfig{Enabled: true, Keys: []config.APIKeyEntry{{Key: "new", Role: "worker"}}})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("X-API-Key", "old")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req.Header.Set("X-API-Key", "new")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResolveRole(t *testing.T) {
	am := enabledAuth(config.APIKeyEntry{Name: "planner-bot", Key: "ctx-key-123", Role: "planner"})
	var role string
	var entry *config.APIKeyEntry
	handler := am.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry = gateway.KeyEntryFromContext(r.Context())
		role = gateway.ResolveRole(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer ctx-key-123")
	// A declared role never overrides the key's role.
	req.Header.Set(gateway.RoleHeader, "admin")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.NotNil(t, entry)
	assert.Equal(t, "planner-bot", entry.Name)
	assert.Equal(t, "planner", role)

	open := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Equal(t, "admin", gateway.ResolveRole(open))
	open.Header.Set(gateway.RoleHeader, "inspector")
	assert.Equal(t, "inspector", gateway.ResolveRole(open))
	assert.Equal(t, "worker", gateway.ResolveRole(httptest.NewRequest(http.MethodGet, "/ws?role=worker", nil)))
}
